package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/GlassRelay/backend/internal/domain/subscription"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/shared/queue"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/shared/types"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var transportSeq atomic.Int64

type fakeTransport struct {
	id string

	mu        sync.Mutex
	frames    []types.Frame
	closeCode int
	writeErr  error
	gate      chan struct{} // when set, writes wait until it is closed
	blocked   atomic.Int32
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{id: fmt.Sprintf("t%d", transportSeq.Add(1))}
}

func (f *fakeTransport) ID() string { return f.id }

func (f *fakeTransport) Write(frame types.Frame) error {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		f.blocked.Add(1)
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeTransport) Close(code int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCode = code
	return nil
}

// hold makes subsequent writes block until the returned func is called
func (f *fakeTransport) hold() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()
	return func() { close(gate) }
}

func (f *fakeTransport) failWrites(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeTransport) closedWith() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode
}

func (f *fakeTransport) frame(i int) types.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames[i]
}

// messages decodes every text frame received so far
func (f *fakeTransport) messages(t *testing.T) []*types.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Message
	for _, fr := range f.frames {
		if fr.Binary {
			continue
		}
		msg, err := types.Decode(fr.Data)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func (f *fakeTransport) waitFrames(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return f.count() >= n }, waitFor, tick,
		"expected %d frames", n)
}

type mockMicrophone struct{ mock.Mock }

func (m *mockMicrophone) SetDemand(hasPCM, hasTranscriptionLike bool) {
	m.Called(hasPCM, hasTranscriptionLike)
}

type mockWaker struct {
	mock.Mock
	n atomic.Int32
}

func (m *mockWaker) Wake(ctx context.Context, packageName string) error {
	m.n.Add(1)
	return m.Called(ctx, packageName).Error(0)
}

func (m *mockWaker) calls() int { return int(m.n.Load()) }

type mockStore struct{ mock.Mock }

func (m *mockStore) Add(ctx context.Context, userID, packageName string) error {
	return m.Called(ctx, userID, packageName).Error(0)
}

func (m *mockStore) Remove(ctx context.Context, userID, packageName string) error {
	return m.Called(ctx, userID, packageName).Error(0)
}

func (m *mockStore) List(ctx context.Context, userID string) ([]string, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

type mockDevice struct{ mock.Mock }

func (m *mockDevice) Forward(packageName string, msg *types.Message) bool {
	return m.Called(packageName, msg).Bool(0)
}

type denyStreams map[subscription.StreamType]bool

func (d denyStreams) Allowed(_ string, sub subscription.Subscription) bool {
	return !d[sub.Stream]
}

// recorder captures collaborator notifications made under the manager lock
type recorder struct {
	mu        sync.Mutex
	snapshots []AppStateSnapshot
	languages [][]subscription.Subscription
	tiers     []subscription.LocationRate
}

func (r *recorder) AppStateChanged(s AppStateSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, s)
}

func (r *recorder) OnSubscriptionsChanged(streams []subscription.Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.languages = append(r.languages, streams)
}

func (r *recorder) SetLocationTier(rate subscription.LocationRate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tiers = append(r.tiers, rate)
}

func (r *recorder) lastSnapshot() AppStateSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snapshots) == 0 {
		return AppStateSnapshot{}
	}
	return r.snapshots[len(r.snapshots)-1]
}

var errWake = errors.New("webhook unreachable")

func testConfig() Config {
	return Config{
		GracePeriod:            50 * time.Millisecond,
		ConnectTimeout:         500 * time.Millisecond,
		RequestTimeout:         time.Second,
		WakeTimeout:            100 * time.Millisecond,
		StoreTimeout:           50 * time.Millisecond,
		SendQueueSize:          16,
		DropPolicy:             queue.DropOldest,
		ResurrectEnabled:       false,
		ResurrectMaxAttempts:   3,
		ResurrectBackoff:       resilience.Backoff{Initial: 10 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2},
		EmptySubscriptionGrace: 0,
	}
}

func newTestManager(t *testing.T, cfg Config, deps Deps) *Manager {
	t.Helper()
	m := NewManager("user-1", cfg, deps, nil)
	t.Cleanup(m.Dispose)
	return m
}

// connect starts pkg and attaches a fresh transport, waiting for the ack
func connect(t *testing.T, m *Manager, pkg string) *fakeTransport {
	t.Helper()
	_, err := m.StartApp(context.Background(), pkg)
	require.NoError(t, err)
	return attach(t, m, pkg, false)
}

func attach(t *testing.T, m *Manager, pkg string, reconnect bool) *fakeTransport {
	t.Helper()
	tr := newFakeTransport()
	_, err := m.AttachAppConnection(tr, Init{PackageName: pkg, Reconnect: reconnect})
	require.NoError(t, err)
	tr.waitFrames(t, 1)
	return tr
}

func subscribe(t *testing.T, m *Manager, pkg string, subs ...string) SubscriptionResult {
	t.Helper()
	if subs == nil {
		subs = []string{}
	}
	res, err := m.UpdateSubscriptions(pkg, subs)
	require.NoError(t, err)
	return res
}

func stateOf(m *Manager, pkg string) State {
	info, ok := m.Session(pkg)
	if !ok {
		return ""
	}
	return info.State
}
