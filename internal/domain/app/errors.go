package app

import "errors"

var (
	ErrAppNotFound      = errors.New("app not found")
	ErrAppNotRunning    = errors.New("app not running")
	ErrAppNotStarted    = errors.New("app was not started for this user")
	ErrAlreadyRunning   = errors.New("app already running")
	ErrAlreadyBound     = errors.New("app connection replaced by a newer connection")
	ErrAppStopping      = errors.New("app is stopping")
	ErrAppStopped       = errors.New("app stopped")
	ErrWakeFailed       = errors.New("failed to wake app")
	ErrConnectionLost   = errors.New("app connection lost")
	ErrDeviceOffline    = errors.New("device not connected")
	ErrQueueFull        = errors.New("send queue full")
	ErrRequestTimeout   = errors.New("request timed out")
	ErrCancelled        = errors.New("request cancelled")
	ErrDuplicateRequest = errors.New("duplicate request id")
	ErrManagerDisposed  = errors.New("app manager disposed")
)

// WebSocket close codes used when the broker ends an app connection
const (
	CloseNormal       = 1000
	CloseAlreadyBound = 4001
	CloseAppStopped   = 4002
	CloseSessionEnded = 4003
	CloseNotStarted   = 4004
)
