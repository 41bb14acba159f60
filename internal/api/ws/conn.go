package ws

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/GlassRelay/backend/internal/shared/types"
)

// Config holds socket timing and size limits
type Config struct {
	// InitTimeout bounds the wait for an app's connection_init
	InitTimeout time.Duration
	// WriteWait is the time allowed to write a frame
	WriteWait time.Duration
	// PongWait is the time allowed to read the next pong
	PongWait time.Duration
	// PingPeriod must be less than PongWait
	PingPeriod time.Duration
	// MaxMessageSize bounds inbound frames
	MaxMessageSize int64
	// DeviceQueueSize bounds frames queued for a device
	DeviceQueueSize int
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		InitTimeout:     10 * time.Second,
		WriteWait:       10 * time.Second,
		PongWait:        60 * time.Second,
		PingPeriod:      54 * time.Second,
		MaxMessageSize:  1 << 20,
		DeviceQueueSize: 256,
	}
}

// socket wraps a gorilla connection with serialized writes
type socket struct {
	id   string
	conn *websocket.Conn
	cfg  Config
	log  *zap.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newSocket(conn *websocket.Conn, cfg Config, log *zap.Logger) *socket {
	s := &socket{
		id:   uuid.NewString(),
		conn: conn,
		cfg:  cfg,
		done: make(chan struct{}),
	}
	s.log = log.With(zap.String("connection_id", s.id))

	conn.SetReadLimit(cfg.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})
	return s
}

func (s *socket) ID() string { return s.id }

// Write sends one frame
func (s *socket) Write(frame types.Frame) error {
	kind := websocket.TextMessage
	if frame.Binary {
		kind = websocket.BinaryMessage
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
	return s.conn.WriteMessage(kind, frame.Data)
}

// Close sends a close frame with code and drops the connection
func (s *socket) Close(code int, reason string) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteWait))
		err = s.conn.Close()
	})
	return err
}

// keepalive pings until the socket closes
func (s *socket) keepalive() {
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteWait)); err != nil {
				s.log.Debug("Ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (s *socket) sendMessage(msg *types.Message) error {
	frame, err := types.Encode(msg)
	if err != nil {
		return err
	}
	return s.Write(frame)
}

func isExpectedClose(err error) bool {
	return !websocket.IsUnexpectedCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
	)
}
