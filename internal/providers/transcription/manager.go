package transcription

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/GlassRelay/backend/internal/domain/subscription"
)

var ErrClosed = errors.New("stream manager closed")

// Provider runs speech streams; the engine itself lives elsewhere
type Provider interface {
	StartStream(ctx context.Context, stream subscription.Subscription) error
	StopStream(ctx context.Context, stream subscription.Subscription) error
}

// Manager turns the set of requested language streams into provider
// start/stop calls. Updates are coalesced: only the latest set is applied.
type Manager struct {
	provider Provider
	log      *zap.Logger
	timeout  time.Duration

	mu      sync.Mutex
	pending []subscription.Subscription
	dirty   bool
	active  map[subscription.Subscription]struct{}
	closed  bool

	signal chan struct{}
	done   chan struct{}
	exited chan struct{}
}

// NewManager starts the reconcile loop. callTimeout bounds each provider call.
func NewManager(provider Provider, callTimeout time.Duration, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if callTimeout <= 0 {
		callTimeout = 5 * time.Second
	}
	m := &Manager{
		provider: provider,
		log:      log.Named("transcription"),
		timeout:  callTimeout,
		active:   make(map[subscription.Subscription]struct{}),
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	go m.run()
	return m
}

// OnSubscriptionsChanged records the desired streams and returns at once
func (m *Manager) OnSubscriptionsChanged(streams []subscription.Subscription) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.pending = slices.Clone(streams)
	m.dirty = true
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// Active returns the streams currently running, sorted
func (m *Manager) Active() []subscription.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]subscription.Subscription, 0, len(m.active))
	for s := range m.active {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b subscription.Subscription) int {
		return strings.Compare(a.String(), b.String())
	})
	return out
}

// Close stops the loop and every running stream
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.closed = true
	m.mu.Unlock()

	close(m.done)
	<-m.exited

	m.apply(nil)
	return nil
}

func (m *Manager) run() {
	defer close(m.exited)
	for {
		select {
		case <-m.done:
			return
		case <-m.signal:
		}

		m.mu.Lock()
		want, dirty := m.pending, m.dirty
		m.dirty = false
		m.mu.Unlock()
		if dirty {
			m.apply(want)
		}
	}
}

// apply stops streams no longer wanted, then starts new ones. A failed start
// is retried on the next update.
func (m *Manager) apply(want []subscription.Subscription) {
	wanted := subscription.NewSet(want...)

	m.mu.Lock()
	var stop, start []subscription.Subscription
	for s := range m.active {
		if !wanted.Has(s) {
			stop = append(stop, s)
		}
	}
	for s := range wanted {
		if _, ok := m.active[s]; !ok {
			start = append(start, s)
		}
	}
	m.mu.Unlock()

	for _, s := range stop {
		if err := m.call(m.provider.StopStream, s); err != nil {
			m.log.Warn("stop stream failed", zap.String("stream", s.String()), zap.Error(err))
		}
		m.mu.Lock()
		delete(m.active, s)
		m.mu.Unlock()
	}
	for _, s := range start {
		if err := m.call(m.provider.StartStream, s); err != nil {
			m.log.Warn("start stream failed", zap.String("stream", s.String()), zap.Error(err))
			continue
		}
		m.mu.Lock()
		m.active[s] = struct{}{}
		m.mu.Unlock()
	}
	if len(stop)+len(start) > 0 {
		m.log.Debug("streams reconciled", zap.Int("started", len(start)), zap.Int("stopped", len(stop)))
	}
}

func (m *Manager) call(fn func(context.Context, subscription.Subscription) error, s subscription.Subscription) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	return fn(ctx, s)
}

// LogProvider only logs stream changes; used when no engine is attached
type LogProvider struct {
	Log *zap.Logger
}

func (p LogProvider) StartStream(_ context.Context, s subscription.Subscription) error {
	if p.Log != nil {
		p.Log.Info("transcription stream requested", zap.String("stream", s.String()))
	}
	return nil
}

func (p LogProvider) StopStream(_ context.Context, s subscription.Subscription) error {
	if p.Log != nil {
		p.Log.Info("transcription stream released", zap.String("stream", s.String()))
	}
	return nil
}
