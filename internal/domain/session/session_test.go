package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/GriffinCanCode/GlassRelay/backend/internal/domain/app"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/domain/subscription"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/infrastructure/config"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/providers/catalog"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/providers/store"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/shared/queue"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/shared/types"
)

// frameSink records frames; used for both device links and app transports
type frameSink struct {
	id string

	mu     sync.Mutex
	frames []types.Frame
	closed int
}

func (f *frameSink) ID() string { return f.id }

func (f *frameSink) Send(frame types.Frame) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return true
}

func (f *frameSink) Write(frame types.Frame) error {
	f.Send(frame)
	return nil
}

func (f *frameSink) Close(code int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = code
	return nil
}

func (f *frameSink) closedWith() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *frameSink) all() []types.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Frame(nil), f.frames...)
}

// messages decodes text frames of msgType
func (f *frameSink) messages(msgType string) []*types.Message {
	var out []*types.Message
	for _, fr := range f.all() {
		if fr.Binary {
			continue
		}
		msg, err := types.Decode(fr.Data)
		if err == nil && msg.Type == msgType {
			out = append(out, msg)
		}
	}
	return out
}

func (f *frameSink) binary() [][]byte {
	var out [][]byte
	for _, fr := range f.all() {
		if fr.Binary {
			out = append(out, fr.Data)
		}
	}
	return out
}

func testOptions(t *testing.T) Options {
	cfg := app.DefaultConfig()
	cfg.GracePeriod = 50 * time.Millisecond
	cfg.ConnectTimeout = time.Second
	cfg.EmptySubscriptionGrace = 0
	cfg.SendQueueSize = 32
	cfg.DropPolicy = queue.DropOldest
	cfg.ResurrectEnabled = false
	return Options{App: cfg, Logger: zaptest.NewLogger(t)}
}

func newUser(t *testing.T, opts Options) (*Registry, *UserSession) {
	t.Helper()
	r := NewRegistry(opts)
	t.Cleanup(r.Close)
	u, created, err := r.GetOrCreate("user-1")
	require.NoError(t, err)
	require.True(t, created)
	return r, u
}

// runApp starts pkg, attaches a transport and subscribes it
func runApp(t *testing.T, u *UserSession, pkg string, subs ...string) *frameSink {
	t.Helper()
	_, err := u.StartApp(context.Background(), pkg)
	require.NoError(t, err)
	conn := &frameSink{id: "conn-" + pkg}
	_, err = u.Apps().AttachAppConnection(conn, app.Init{PackageName: pkg})
	require.NoError(t, err)
	_, err = u.Apps().UpdateSubscriptions(pkg, subs)
	require.NoError(t, err)
	return conn
}

func lastData(t *testing.T, msg *types.Message, v any) {
	t.Helper()
	require.NoError(t, msg.DecodeData(v))
}

func TestDeviceLearnsMicrophoneDemand(t *testing.T) {
	_, u := newUser(t, testOptions(t))
	device := &frameSink{id: "device-1"}
	require.NoError(t, u.AttachDevice(device))

	runApp(t, u, "com.example.captions", "audio_chunk")

	mics := device.messages(types.MsgMicrophoneState)
	require.NotEmpty(t, mics)
	var state MicrophoneState
	lastData(t, mics[len(mics)-1], &state)
	assert.True(t, state.Enabled)
	assert.Equal(t, []string{"pcm"}, state.RequiredData)

	require.NoError(t, u.StopApp(context.Background(), "com.example.captions", false))
	mics = device.messages(types.MsgMicrophoneState)
	lastData(t, mics[len(mics)-1], &state)
	assert.False(t, state.Enabled)
}

func TestReconnectingDeviceGetsLatestState(t *testing.T) {
	_, u := newUser(t, testOptions(t))
	runApp(t, u, "com.example.nav", "location_stream:fast", "transcription:en-US")

	first := &frameSink{id: "device-1"}
	require.NoError(t, u.AttachDevice(first))

	var tier LocationTier
	tiers := first.messages(types.MsgLocationTier)
	require.Len(t, tiers, 1)
	lastData(t, tiers[0], &tier)
	assert.Equal(t, "fast", tier.Tier)

	var mic MicrophoneState
	lastData(t, first.messages(types.MsgMicrophoneState)[0], &mic)
	assert.Equal(t, []string{"transcription"}, mic.RequiredData)

	var snap app.AppStateSnapshot
	states := first.messages(types.MsgAppStateChange)
	require.NotEmpty(t, states)
	lastData(t, states[len(states)-1], &snap)
	assert.Equal(t, []string{"com.example.nav"}, snap.RunningApps)

	second := &frameSink{id: "device-2"}
	require.NoError(t, u.AttachDevice(second))
	assert.Equal(t, app.CloseAlreadyBound, first.closedWith())
	assert.Len(t, second.messages(types.MsgLocationTier), 1)

	assert.False(t, u.DetachDevice("device-1"))
	assert.True(t, u.DetachDevice("device-2"))
	assert.False(t, u.DeviceConnected())
}

func TestDeviceEventsReachSubscribers(t *testing.T) {
	_, u := newUser(t, testOptions(t))
	buttons := runApp(t, u, "com.example.buttons", "button_press")
	nav := runApp(t, u, "com.example.nav", "location_stream")
	audio := runApp(t, u, "com.example.audio", "audio_chunk")

	n, err := u.HandleDeviceMessage([]byte(`{"type":"button_press","data":{"buttonId":"main","pressType":"short"}}`))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Eventually(t, func() bool {
		return len(buttons.messages(types.MsgDataStream)) == 1
	}, time.Second, 5*time.Millisecond)
	ev := buttons.messages(types.MsgDataStream)[0]
	assert.Equal(t, "button_press", ev.StreamType)
	assert.JSONEq(t, `{"buttonId":"main","pressType":"short"}`, string(ev.Data))

	n, err = u.HandleDeviceMessage([]byte(`{"type":"location_update","data":{"lat":1.5,"lng":2.5}}`))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Eventually(t, func() bool {
		return len(nav.messages(types.MsgDataStream)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "location_stream", nav.messages(types.MsgDataStream)[0].StreamType)

	assert.Equal(t, 1, u.HandleDeviceAudio([]byte{1, 2, 3, 4}))
	require.Eventually(t, func() bool { return len(audio.binary()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte{1, 2, 3, 4}, audio.binary()[0])
	assert.Empty(t, buttons.binary())
}

func TestDeviceMessageErrors(t *testing.T) {
	_, u := newUser(t, testOptions(t))

	_, err := u.HandleDeviceMessage([]byte(`{"type":"head_position","data":{"position":"up"}}`))
	assert.ErrorIs(t, err, ErrUnroutable)

	_, err = u.HandleDeviceMessage([]byte(`{"type":"warp_drive"}`))
	assert.ErrorIs(t, err, ErrUnknownMessage)

	_, err = u.HandleDeviceMessage([]byte(`not json`))
	assert.Error(t, err)
}

func TestAppRequestRoundTripThroughDevice(t *testing.T) {
	_, u := newUser(t, testOptions(t))
	conn := runApp(t, u, "com.example.camera")
	device := &frameSink{id: "device-1"}
	require.NoError(t, u.AttachDevice(device))

	req := &types.Message{Type: "photo_request", RequestID: "req-1"}
	require.NoError(t, u.Apps().HandleAppMessage("com.example.camera", conn.ID(), req))

	forwarded := device.messages("photo_request")
	require.Len(t, forwarded, 1)
	assert.Equal(t, "com.example.camera", forwarded[0].PackageName)

	n, err := u.HandleDeviceMessage([]byte(`{"type":"photo_response","requestId":"req-1","data":{"url":"https://x/1.jpg"}}`))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Eventually(t, func() bool {
		return len(conn.messages("photo_response")) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestAppRequestWithoutDevice(t *testing.T) {
	_, u := newUser(t, testOptions(t))
	conn := runApp(t, u, "com.example.camera")

	err := u.Apps().HandleAppMessage("com.example.camera", conn.ID(), &types.Message{Type: "photo_request", RequestID: "r"})
	assert.ErrorIs(t, err, app.ErrDeviceOffline)
	require.Eventually(t, func() bool {
		return len(conn.messages(types.MsgRequestError)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestStartAppChecksCatalog(t *testing.T) {
	c, err := catalog.New(catalog.App{PackageName: "com.example.known"})
	require.NoError(t, err)
	opts := testOptions(t)
	opts.Catalog = c
	_, u := newUser(t, opts)

	_, err = u.StartApp(context.Background(), "com.example.unknown")
	assert.ErrorIs(t, err, ErrUnknownApp)

	res, err := u.StartApp(context.Background(), "com.example.known")
	require.NoError(t, err)
	assert.Equal(t, app.StateConnecting, res.State)
}

type stubProvider struct {
	mu      sync.Mutex
	started map[string]bool
}

func (p *stubProvider) StartStream(_ context.Context, s subscription.Subscription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started[s.String()] = true
	return nil
}

func (p *stubProvider) StopStream(_ context.Context, s subscription.Subscription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.started, s.String())
	return nil
}

func (p *stubProvider) running(s string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started[s]
}

func TestLanguageStreamsReachProvider(t *testing.T) {
	provider := &stubProvider{started: map[string]bool{}}
	opts := testOptions(t)
	opts.Provider = provider
	_, u := newUser(t, opts)

	runApp(t, u, "com.example.captions", "transcription:fr-FR")
	require.Eventually(t, func() bool { return provider.running("transcription:fr-FR") }, time.Second, 5*time.Millisecond)

	require.NoError(t, u.StopApp(context.Background(), "com.example.captions", false))
	require.Eventually(t, func() bool { return !provider.running("transcription:fr-FR") }, time.Second, 5*time.Millisecond)
}

func TestRegistryLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)
	opts := testOptions(t)
	opts.Metrics = metrics
	r := NewRegistry(opts)

	a, created, err := r.GetOrCreate("a")
	require.NoError(t, err)
	assert.True(t, created)
	again, created, err := r.GetOrCreate("a")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, a, again)
	_, _, err = r.GetOrCreate("b")
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, r.Users())
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.UserSessions))

	device := &frameSink{id: "d"}
	require.NoError(t, a.AttachDevice(device))
	assert.True(t, r.Remove("a"))
	assert.False(t, r.Remove("a"))
	assert.True(t, a.Apps().Disposed())
	assert.Equal(t, app.CloseSessionEnded, device.closedWith())
	assert.ErrorIs(t, a.AttachDevice(device), ErrSessionClosed)

	fresh, created, err := r.GetOrCreate("a")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, a.ID(), fresh.ID())
	assert.WithinDuration(t, time.Now(), fresh.StartedAt(), time.Minute)
	assert.False(t, fresh.StartedAt().Before(a.StartedAt()))

	r.Close()
	assert.Zero(t, r.Len())
	assert.Zero(t, testutil.ToFloat64(metrics.UserSessions))
	_, _, err = r.GetOrCreate("c")
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestRegistryRestoresRunningApps(t *testing.T) {
	mem := store.NewMemory()
	require.NoError(t, mem.Add(context.Background(), "user-1", "com.example.a"))
	require.NoError(t, mem.Add(context.Background(), "user-1", "com.example.b"))

	opts := testOptions(t)
	opts.Store = mem
	_, u := newUser(t, opts)

	require.Eventually(t, func() bool {
		return len(u.Apps().Sessions()) == 2
	}, time.Second, 5*time.Millisecond)
	for _, info := range u.Apps().Sessions() {
		assert.Equal(t, app.StateConnecting, info.State)
	}
}

func TestAppConfigFromEnvironmentConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Session.DropPolicy = "newest"
	cfg.Resurrection.MaxAttempts = 9

	out, err := AppConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, queue.DropNewest, out.DropPolicy)
	assert.Equal(t, 9, out.ResurrectMaxAttempts)
	assert.Equal(t, cfg.Session.GracePeriod, out.GracePeriod)
	assert.Equal(t, 30*time.Second, out.WakeTimeout)

	cfg.Session.DropPolicy = "sideways"
	_, err = AppConfig(cfg)
	assert.Error(t, err)
}
