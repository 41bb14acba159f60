package app

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/GlassRelay/backend/internal/domain/subscription"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/shared/id"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/shared/queue"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/shared/types"
)

type timerKind int

const (
	timerGrace timerKind = iota + 1
	timerConnect
)

// Reply resolves a broker to app request
type Reply struct {
	Message *types.Message
	Err     error
}

type pendingRequest struct {
	reply chan Reply
	timer *time.Timer
}

// AttachResult describes how an incoming connection was bound
type AttachResult struct {
	PackageName string
	State       State
	Reconnected bool   // continuous with the previous connection
	Retired     string // id of the transport that was replaced, if any
}

// SessionInfo is a read-only view of a session
type SessionInfo struct {
	PackageName     string    `json:"packageName"`
	State           State     `json:"state"`
	Subscriptions   []string  `json:"subscriptions"`
	ConnectedAt     time.Time `json:"connectedAt"`
	LastActivityAt  time.Time `json:"lastActivityAt"`
	QueueLength     int       `json:"queueLength"`
	Dropped         uint64    `json:"dropped"`
	PendingRequests int       `json:"pendingRequests"`
	WakeAttempts    int       `json:"wakeAttempts"`
}

type sessionHooks struct {
	graceExpired    func(s *Session)
	connectTimedOut func(s *Session)
	transportFailed func(s *Session, transportID string, err error)
	transitioned    func(s *Session, from, to State)
}

type binding struct {
	transport Transport
	greeting  *types.Frame
	done      chan struct{}
}

// Session is the lifecycle of one app for one user. All methods except
// the writer goroutine expect guard (the owning manager's mutex) to be held.
type Session struct {
	packageName string
	cfg         Config
	guard       sync.Locker
	hooks       sessionHooks
	logger      *zap.Logger

	state          State
	subscriptions  subscription.Set
	connectedAt    time.Time
	attachedAt     time.Time
	lastActivityAt time.Time
	stopped        bool // stopped by the user, never resurrected
	wakeAttempts   int

	binding *binding
	queue   *queue.Queue[types.Frame]
	pending map[string]*pendingRequest

	timer      *time.Timer
	timerGen   uint64
	emptyTimer *time.Timer
	emptyGen   uint64
}

func newSession(packageName string, cfg Config, guard sync.Locker, hooks sessionHooks, logger *zap.Logger) *Session {
	return &Session{
		packageName:   packageName,
		cfg:           cfg,
		guard:         guard,
		hooks:         hooks,
		logger:        logger.With(zap.String("package", packageName)),
		state:         StateDisconnected,
		subscriptions: subscription.NewSet(),
		queue:         queue.New[types.Frame](cfg.SendQueueSize, cfg.DropPolicy),
		pending:       make(map[string]*pendingRequest),
	}
}

// PackageName returns the app's package name
func (s *Session) PackageName() string { return s.packageName }

// State returns the lifecycle state
func (s *Session) State() State { return s.state }

// Subscriptions returns a copy of the current set
func (s *Session) Subscriptions() subscription.Set { return s.subscriptions.Clone() }

// Info returns a snapshot of the session
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		PackageName:     s.packageName,
		State:           s.state,
		Subscriptions:   s.subscriptions.Strings(),
		ConnectedAt:     s.connectedAt,
		LastActivityAt:  s.lastActivityAt,
		QueueLength:     s.queue.Len(),
		Dropped:         s.queue.Dropped(),
		PendingRequests: len(s.pending),
		WakeAttempts:    s.wakeAttempts,
	}
}

func (s *Session) transition(to State) bool {
	from := s.state
	if from == to {
		return false
	}
	if !CanTransition(from, to) {
		s.logger.Warn("Ignoring illegal state transition",
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
		return false
	}
	s.state = to
	if s.hooks.transitioned != nil {
		s.hooks.transitioned(s, from, to)
	}
	return true
}

// attach binds t as the live transport. A connection arriving while the
// session is in its grace period, or flagged as a reconnect while running,
// continues the previous one. Any live transport is retired.
func (s *Session) attach(t Transport, init Init, greeting *types.Frame) (AttachResult, error) {
	if s.state == StateStopping {
		return AttachResult{}, ErrAppStopping
	}

	res := AttachResult{
		PackageName: s.packageName,
		Reconnected: s.state == StateGracePeriod || (s.state == StateRunning && init.Reconnect),
	}
	if s.binding != nil {
		res.Retired = s.binding.transport.ID()
		s.unbind(CloseAlreadyBound, ErrAlreadyBound.Error())
	}

	s.cancelTimer()
	if s.state == StateDisconnected || s.state == StateResurrecting {
		s.transition(StateConnecting)
	}

	now := time.Now()
	if !res.Reconnected {
		s.connectedAt = now
	}
	s.attachedAt = now
	s.lastActivityAt = now
	s.wakeAttempts = 0
	s.stopped = false

	s.bind(t, greeting)
	if s.state != StateRunning {
		s.transition(StateRunning)
	}
	res.State = s.state
	return res, nil
}

// detach handles the close of transportID. Stale ids from retired
// transports are ignored. Returns true when the session entered its grace
// period.
func (s *Session) detach(transportID string) bool {
	if s.binding == nil || s.binding.transport.ID() != transportID {
		return false
	}
	s.unbind(0, "")
	if s.state != StateRunning {
		return false
	}
	s.transition(StateGracePeriod)
	s.armTimer(timerGrace, s.cfg.GracePeriod)
	return true
}

func (s *Session) bind(t Transport, greeting *types.Frame) {
	b := &binding{transport: t, greeting: greeting, done: make(chan struct{})}
	s.binding = b
	go s.pump(b)
}

// unbind stops the writer for the live transport. A non-zero code also
// closes the transport.
func (s *Session) unbind(code int, reason string) {
	b := s.binding
	if b == nil {
		return
	}
	s.binding = nil
	close(b.done)
	if code != 0 {
		go func() {
			if err := b.transport.Close(code, reason); err != nil {
				s.logger.Debug("Closing retired transport failed", zap.Error(err))
			}
		}()
	}
}

// pump is the writer goroutine for one binding. A frame leaves the queue
// only after it was written while the binding was still live, so frames
// caught by a reconnect are written again on the next binding.
func (s *Session) pump(b *binding) {
	defer s.queue.Notify()

	if b.greeting != nil {
		if err := b.transport.Write(*b.greeting); err != nil {
			s.failTransport(b, err)
			return
		}
	}
	for {
		select {
		case <-b.done:
			return
		default:
		}

		frame, seq, ok := s.queue.Peek()
		if !ok {
			select {
			case <-b.done:
				return
			case <-s.queue.Ready():
			}
			continue
		}
		if err := b.transport.Write(frame); err != nil {
			s.failTransport(b, err)
			return
		}
		select {
		case <-b.done:
			return
		default:
			s.queue.Commit(seq)
		}
	}
}

func (s *Session) failTransport(b *binding, err error) {
	s.guard.Lock()
	defer s.guard.Unlock()
	if s.binding != b {
		return
	}
	if s.hooks.transportFailed != nil {
		s.hooks.transportFailed(s, b.transport.ID(), err)
	}
}

// Send queues frame for delivery without blocking. It returns false when
// the session does not accept frames or the frame was dropped.
func (s *Session) Send(frame types.Frame) bool {
	if !s.state.acceptsSends() {
		return false
	}
	return s.queue.Push(frame)
}

// applySubscriptionUpdate replaces the set and returns the difference.
func (s *Session) applySubscriptionUpdate(next subscription.Set) (removed, added []subscription.Subscription) {
	removed, added = s.subscriptions.Diff(next)
	s.subscriptions = next.Clone()
	s.lastActivityAt = time.Now()
	return removed, added
}

// request sends msg with a fresh request id and returns a channel that
// receives exactly one Reply: the app's answer, a timeout or a cancellation.
func (s *Session) request(msg *types.Message, timeout time.Duration) (string, <-chan Reply, error) {
	if !s.state.acceptsSends() {
		return "", nil, ErrAppNotRunning
	}
	reqID := id.NewRequestID().String()
	msg.RequestID = reqID
	frame, err := types.Encode(msg)
	if err != nil {
		return "", nil, err
	}

	p := &pendingRequest{reply: make(chan Reply, 1)}
	p.timer = time.AfterFunc(timeout, func() {
		s.guard.Lock()
		defer s.guard.Unlock()
		s.resolve(reqID, Reply{Err: ErrRequestTimeout})
	})
	s.pending[reqID] = p

	if !s.Send(frame) {
		s.resolve(reqID, Reply{Err: ErrQueueFull})
	}
	return reqID, p.reply, nil
}

// resolve completes a pending request once. Later calls return false.
func (s *Session) resolve(reqID string, r Reply) bool {
	p, ok := s.pending[reqID]
	if !ok {
		return false
	}
	delete(s.pending, reqID)
	p.timer.Stop()
	p.reply <- r
	return true
}

func (s *Session) failPending(err error) {
	for reqID := range s.pending {
		s.resolve(reqID, Reply{Err: err})
	}
}

// disconnect tears the session down to DISCONNECTED and returns the
// subscriptions it held so the caller can remove them from the index.
func (s *Session) disconnect(cause error, code int, reason string) []subscription.Subscription {
	s.cancelTimer()
	s.cancelEmptyDeferral()
	s.unbind(code, reason)
	s.failPending(cause)
	s.queue.Clear()

	removed := s.subscriptions.Slice()
	s.subscriptions = subscription.NewSet()
	s.transition(StateDisconnected)
	return removed
}

// dispose releases everything the session holds. The session cannot be
// reused afterwards.
func (s *Session) dispose(cause error) []subscription.Subscription {
	if s.state != StateDisconnected {
		s.transition(StateStopping)
	}
	s.stopped = true
	removed := s.disconnect(cause, CloseSessionEnded, cause.Error())
	s.queue.Close()
	return removed
}

func (s *Session) armTimer(kind timerKind, d time.Duration) {
	s.cancelTimer()
	gen := s.timerGen
	s.timer = time.AfterFunc(d, func() {
		s.guard.Lock()
		defer s.guard.Unlock()
		if s.timerGen != gen {
			return
		}
		s.timer = nil
		switch kind {
		case timerGrace:
			if s.hooks.graceExpired != nil {
				s.hooks.graceExpired(s)
			}
		case timerConnect:
			if s.hooks.connectTimedOut != nil {
				s.hooks.connectTimedOut(s)
			}
		}
	})
}

// cancelTimer is safe to call at any time, including from inside the
// timer's own callback.
func (s *Session) cancelTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerGen++
}

func (s *Session) deferEmptyUpdate(d time.Duration, apply func()) {
	s.cancelEmptyDeferral()
	gen := s.emptyGen
	s.emptyTimer = time.AfterFunc(d, func() {
		s.guard.Lock()
		defer s.guard.Unlock()
		if s.emptyGen != gen {
			return
		}
		s.emptyTimer = nil
		apply()
	})
}

func (s *Session) cancelEmptyDeferral() {
	if s.emptyTimer != nil {
		s.emptyTimer.Stop()
		s.emptyTimer = nil
	}
	s.emptyGen++
}

func (s *Session) touch() {
	s.lastActivityAt = time.Now()
}
