package app

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/GlassRelay/backend/internal/domain/subscription"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/shared/types"
)

// Manager owns every app session of one user together with the
// subscription index and the correlation table. All state is guarded by a
// single mutex, so operations for one user are strictly serialized.
type Manager struct {
	userID  string
	cfg     Config
	deps    Deps
	logger  *zap.Logger
	metrics *monitoring.Metrics

	mu            sync.Mutex
	sessions      map[string]*Session      // Protected by mu
	index         *subscription.Index      // Protected by mu
	correlations  *CorrelationTable        // Protected by mu
	resurrections map[string]*resurrection // Protected by mu
	demand        subscription.Demand      // last demand pushed to collaborators
	languages     []subscription.Subscription
	lastSnapshot  *AppStateSnapshot
	disposed      bool

	ctx    context.Context
	cancel context.CancelFunc
}

// StartResult reports the outcome of StartApp
type StartResult struct {
	PackageName string `json:"packageName"`
	State       State  `json:"state"`
	Woken       bool   `json:"woken"`
}

// NewManager creates the app manager for userID
func NewManager(userID string, cfg Config, deps Deps, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		userID:        userID,
		cfg:           cfg,
		deps:          deps,
		logger:        logger.With(zap.String("user_id", userID)),
		sessions:      make(map[string]*Session),
		index:         subscription.NewIndex(),
		resurrections: make(map[string]*resurrection),
		ctx:           ctx,
		cancel:        cancel,
	}
	m.correlations = NewCorrelationTable(&m.mu, m.onCorrelationExpired)
	return m
}

// WithMetrics adds metrics tracking to the manager
func (m *Manager) WithMetrics(metrics *monitoring.Metrics) *Manager {
	m.metrics = metrics
	return m
}

// UserID returns the owning user
func (m *Manager) UserID() string {
	return m.userID
}

func (m *Manager) newSessionLocked(pkg string) *Session {
	s := newSession(pkg, m.cfg, &m.mu, sessionHooks{
		graceExpired:    m.onGraceExpired,
		connectTimedOut: m.onConnectTimeout,
		transportFailed: m.onTransportFailed,
		transitioned:    m.onTransition,
	}, m.logger)
	policy := m.cfg.DropPolicy.String()
	s.queue.OnDrop(func() {
		if m.metrics != nil {
			m.metrics.RecordQueueDrop(policy)
		}
	})
	m.sessions[pkg] = s
	return s
}

// StartApp brings an app up for this user: the session enters CONNECTING
// and the app's backend is woken so it dials in.
func (m *Manager) StartApp(ctx context.Context, pkg string) (StartResult, error) {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return StartResult{}, ErrManagerDisposed
	}

	s, ok := m.sessions[pkg]
	if !ok {
		s = m.newSessionLocked(pkg)
	}
	switch {
	case s.state.IsLive():
		m.mu.Unlock()
		return StartResult{PackageName: pkg, State: s.state}, ErrAlreadyRunning
	case s.state.IsLoading():
		m.mu.Unlock()
		return StartResult{PackageName: pkg, State: s.state}, nil
	}

	m.cancelResurrectionLocked(pkg)
	s.stopped = false
	s.wakeAttempts = 0
	s.transition(StateConnecting)
	s.armTimer(timerConnect, m.cfg.ConnectTimeout)
	gen := s.timerGen
	m.notifyStateLocked()
	m.mu.Unlock()

	m.logger.Info("Starting app", zap.String("package", pkg))
	m.persist(ctx, pkg, true)

	if m.deps.Waker == nil {
		return StartResult{PackageName: pkg, State: StateConnecting}, nil
	}

	wakeCtx, cancel := context.WithTimeout(ctx, m.cfg.WakeTimeout)
	err := m.deps.Waker.Wake(wakeCtx, pkg)
	cancel()

	m.mu.Lock()
	state := s.state
	// The app may have dialed in, or been stopped, while the webhook ran.
	if err == nil || m.disposed || s.state != StateConnecting || s.timerGen != gen {
		m.mu.Unlock()
		return StartResult{PackageName: pkg, State: state, Woken: err == nil}, nil
	}
	s.cancelTimer()
	s.stopped = true
	s.transition(StateDisconnected)
	m.notifyStateLocked()
	m.mu.Unlock()

	m.logger.Warn("Failed to start app", zap.String("package", pkg), zap.Error(err))
	m.persist(ctx, pkg, false)
	return StartResult{PackageName: pkg, State: StateDisconnected}, fmt.Errorf("%w %s: %w", ErrWakeFailed, pkg, err)
}

// StopApp stops an app: its subscriptions leave the index immediately and
// its connection is closed. With restart the app is started again.
func (m *Manager) StopApp(ctx context.Context, pkg string, restart bool) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return ErrManagerDisposed
	}
	s, ok := m.sessions[pkg]
	if !ok || (s.stopped && s.state == StateDisconnected) {
		m.mu.Unlock()
		return ErrAppNotRunning
	}

	m.cancelResurrectionLocked(pkg)
	if s.state != StateDisconnected {
		s.transition(StateStopping)
	}
	s.stopped = true
	removed := s.disconnect(ErrAppStopped, CloseAppStopped, ErrAppStopped.Error())
	m.index.RemovePackage(pkg)
	dropped := m.correlations.DropPackage(pkg)
	m.recomputeDemandLocked()
	m.notifyStateLocked()
	m.mu.Unlock()

	m.logger.Info("Stopped app",
		zap.String("package", pkg),
		zap.Bool("restart", restart),
		zap.Int("removed_subscriptions", len(removed)),
		zap.Int("dropped_requests", dropped),
	)

	if !restart {
		m.persist(ctx, pkg, false)
		return nil
	}
	_, err := m.StartApp(ctx, pkg)
	return err
}

// AttachAppConnection binds an incoming app connection to its session.
func (m *Manager) AttachAppConnection(t Transport, init Init) (AttachResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disposed {
		return AttachResult{}, ErrManagerDisposed
	}
	s, ok := m.sessions[init.PackageName]
	if !ok || (s.stopped && s.state == StateDisconnected) {
		return AttachResult{}, ErrAppNotStarted
	}

	reconnect := s.state == StateGracePeriod || (s.state == StateRunning && init.Reconnect)
	greeting, err := m.greeting(s, reconnect)
	if err != nil {
		return AttachResult{}, err
	}
	res, err := s.attach(t, init, greeting)
	if err != nil {
		return AttachResult{}, err
	}
	m.cancelResurrectionLocked(init.PackageName)

	m.logger.Info("App connected",
		zap.String("package", init.PackageName),
		zap.String("transport_id", t.ID()),
		zap.Bool("reconnected", res.Reconnected),
		zap.String("retired", res.Retired),
	)
	if res.Retired != "" {
		m.logger.Warn("Retired previous app connection",
			zap.String("package", init.PackageName),
			zap.String("transport_id", res.Retired),
			zap.Error(ErrAlreadyBound),
		)
	}
	m.notifyStateLocked()
	return res, nil
}

func (m *Manager) greeting(s *Session, reconnected bool) (*types.Frame, error) {
	ack := types.NewMessage(types.MsgConnectionAck)
	ack.PackageName = s.packageName
	ack.UserID = m.userID
	ack.Reconnect = reconnected
	if _, err := ack.WithData(map[string]any{"subscriptions": s.subscriptions.Strings()}); err != nil {
		return nil, err
	}
	frame, err := types.Encode(ack)
	if err != nil {
		return nil, err
	}
	return &frame, nil
}

// HandleTransportClosed reports that an app connection went away. Closes of
// already retired connections are ignored.
func (m *Manager) HandleTransportClosed(pkg, transportID string, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[pkg]
	if !ok || m.disposed {
		return
	}
	if s.detach(transportID) {
		m.logger.Info("App connection lost, grace period started",
			zap.String("package", pkg),
			zap.String("transport_id", transportID),
			zap.Duration("grace", m.cfg.GracePeriod),
			zap.NamedError("cause", cause),
		)
	}
}

func (m *Manager) onTransportFailed(s *Session, transportID string, err error) {
	if s.detach(transportID) {
		m.logger.Warn("App write failed, grace period started",
			zap.String("package", s.packageName),
			zap.Error(err),
		)
	}
}

func (m *Manager) onGraceExpired(s *Session) {
	if s.state != StateGracePeriod {
		return
	}
	removed := s.disconnect(ErrConnectionLost, 0, "")
	m.index.RemovePackage(s.packageName)
	dropped := m.correlations.DropPackage(s.packageName)
	m.recomputeDemandLocked()
	m.notifyStateLocked()

	m.logger.Info("Grace period expired",
		zap.String("package", s.packageName),
		zap.Int("removed_subscriptions", len(removed)),
		zap.Int("dropped_requests", dropped),
	)
	m.scheduleResurrectionLocked(s)
}

func (m *Manager) onConnectTimeout(s *Session) {
	if !s.state.IsLoading() {
		return
	}
	if s.state == StateResurrecting && m.metrics != nil {
		m.metrics.RecordResurrection("timeout")
	}
	m.logger.Warn("App did not connect in time",
		zap.String("package", s.packageName),
		zap.String("state", string(s.state)),
		zap.Duration("timeout", m.cfg.ConnectTimeout),
	)
	s.transition(StateDisconnected)
	m.notifyStateLocked()
	m.scheduleResurrectionLocked(s)
}

func (m *Manager) onTransition(s *Session, from, to State) {
	m.logger.Debug("App state changed",
		zap.String("package", s.packageName),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	if m.metrics != nil {
		m.metrics.RecordAppTransition(string(from), string(to))
	}
}

// StartPreviouslyRunningApps restarts the apps the store remembers for this
// user. One failing app does not prevent the others from starting.
func (m *Manager) StartPreviouslyRunningApps(ctx context.Context) (int, error) {
	if m.deps.Store == nil {
		return 0, nil
	}
	pkgs, err := m.deps.Store.List(ctx, m.userID)
	if err != nil {
		return 0, fmt.Errorf("list running apps: %w", err)
	}

	started := 0
	var errs []error
	for _, pkg := range pkgs {
		_, err := m.StartApp(ctx, pkg)
		switch {
		case err == nil:
			started++
		case errors.Is(err, ErrAlreadyRunning):
		default:
			errs = append(errs, err)
		}
	}
	return started, errors.Join(errs...)
}

// IsAppRunning reports whether pkg is running (grace period included)
func (m *Manager) IsAppRunning(pkg string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[pkg]
	return ok && !m.disposed && s.state.IsLive()
}

// Session returns a snapshot of one app session
func (m *Manager) Session(pkg string) (SessionInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[pkg]
	if !ok {
		return SessionInfo{}, false
	}
	return s.Info(), true
}

// Sessions returns snapshots of every tracked session sorted by package
func (m *Manager) Sessions() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Info())
	}
	slices.SortFunc(out, func(a, b SessionInfo) int {
		return cmp.Compare(a.PackageName, b.PackageName)
	})
	return out
}

// BroadcastAppState returns the current snapshot, or nil when nothing
// changed since the last broadcast.
func (m *Manager) BroadcastAppState() *AppStateSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return nil
	}
	return m.snapshotIfChangedLocked()
}

func (m *Manager) snapshotIfChangedLocked() *AppStateSnapshot {
	snap := buildSnapshot(m.sessions)
	if m.lastSnapshot != nil && m.lastSnapshot.Equal(snap) {
		return nil
	}
	m.lastSnapshot = &snap
	return &snap
}

// notifyStateLocked pushes changed snapshots to the listener, if any.
// Without a listener snapshots are only produced by BroadcastAppState.
func (m *Manager) notifyStateLocked() {
	if m.deps.Listener == nil {
		return
	}
	if snap := m.snapshotIfChangedLocked(); snap != nil {
		m.deps.Listener.AppStateChanged(*snap)
	}
}

func (m *Manager) persist(ctx context.Context, pkg string, running bool) {
	if m.deps.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
	defer cancel()

	var err error
	if running {
		err = m.deps.Store.Add(ctx, m.userID, pkg)
	} else {
		err = m.deps.Store.Remove(ctx, m.userID, pkg)
	}
	if err != nil {
		m.logger.Warn("Failed to persist running app",
			zap.String("package", pkg),
			zap.Bool("running", running),
			zap.Error(err),
		)
	}
}

// Dispose stops every session, fails pending requests and clears the
// index and correlation table. The manager is unusable afterwards.
func (m *Manager) Dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return
	}
	m.disposed = true
	m.cancel()

	for pkg := range m.resurrections {
		m.cancelResurrectionLocked(pkg)
	}
	for _, s := range m.sessions {
		s.dispose(ErrCancelled)
	}
	clear(m.sessions)
	m.index.Clear()
	m.correlations.Clear()
	m.demand = subscription.Demand{}
	m.languages = nil
	m.logger.Info("App manager disposed")
}

// Disposed reports whether Dispose was called
func (m *Manager) Disposed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disposed
}

// requestTimeout falls back to the configured default
func (m *Manager) requestTimeout(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return m.cfg.RequestTimeout
}
