package app

import (
	"context"
	"time"

	"github.com/GriffinCanCode/GlassRelay/backend/internal/domain/subscription"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/shared/queue"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/shared/types"
)

// Transport is one live app connection. Write and Close may block on I/O
// and are only called from the session's writer goroutine or on retire.
type Transport interface {
	ID() string
	Write(frame types.Frame) error
	Close(code int, reason string) error
}

// Init is the app's connection handshake
type Init struct {
	PackageName string
	Reconnect   bool
}

// Waker asks an app's backend to dial in (resurrection webhook).
type Waker interface {
	Wake(ctx context.Context, packageName string) error
}

// The collaborators below are invoked synchronously while the manager lock
// is held. Implementations must not block and must not call back into the
// Manager.

// Microphone gates the shared microphone on aggregate demand
type Microphone interface {
	SetDemand(hasPCM, hasTranscriptionLike bool)
}

// LanguageConsumer receives the active transcription/translation streams
type LanguageConsumer interface {
	OnSubscriptionsChanged(streams []subscription.Subscription)
}

// LocationController receives the highest requested location tier
type LocationController interface {
	SetLocationTier(rate subscription.LocationRate)
}

// DeviceRelay forwards app originated frames (display, photo requests, ...)
// to the user's device. Forward returns false when no device is attached.
type DeviceRelay interface {
	Forward(packageName string, msg *types.Message) bool
}

// StateListener is told whenever the app state snapshot changes
type StateListener interface {
	AppStateChanged(snapshot AppStateSnapshot)
}

// PermissionChecker decides whether an app may subscribe to a stream
type PermissionChecker interface {
	Allowed(packageName string, sub subscription.Subscription) bool
}

// RunningAppsStore persists which apps a user had running
type RunningAppsStore interface {
	Add(ctx context.Context, userID, packageName string) error
	Remove(ctx context.Context, userID, packageName string) error
	List(ctx context.Context, userID string) ([]string, error)
}

// Deps bundles the manager's collaborators. Any of them may be nil.
type Deps struct {
	Waker       Waker
	Microphone  Microphone
	Languages   LanguageConsumer
	Location    LocationController
	Device      DeviceRelay
	Listener    StateListener
	Permissions PermissionChecker
	Store       RunningAppsStore
}

// Config holds the per user timing and queue knobs
type Config struct {
	GracePeriod            time.Duration
	ConnectTimeout         time.Duration
	RequestTimeout         time.Duration
	EmptySubscriptionGrace time.Duration
	WakeTimeout            time.Duration
	StoreTimeout           time.Duration

	SendQueueSize int
	DropPolicy    queue.DropPolicy

	ResurrectEnabled     bool
	ResurrectMaxAttempts int
	ResurrectBackoff     resilience.Backoff
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		GracePeriod:            5 * time.Second,
		ConnectTimeout:         15 * time.Second,
		RequestTimeout:         30 * time.Second,
		EmptySubscriptionGrace: time.Second,
		WakeTimeout:            10 * time.Second,
		StoreTimeout:           2 * time.Second,
		SendQueueSize:          256,
		DropPolicy:             queue.DropOldest,
		ResurrectEnabled:       true,
		ResurrectMaxAttempts:   5,
		ResurrectBackoff:       resilience.DefaultBackoff(),
	}
}
