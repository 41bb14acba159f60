package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/GlassRelay/backend/internal/domain/subscription"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/shared/types"
)

var (
	transcriptionEN = subscription.MustParse("transcription:en-US")
	audioChunk      = subscription.MustParse("audio_chunk")
)

func TestSubscribeRaisesTranscriptionDemand(t *testing.T) {
	mic := new(mockMicrophone)
	mic.On("SetDemand", false, true).Once()
	m := newTestManager(t, testConfig(), Deps{Microphone: mic})

	connect(t, m, "com.a")
	subscribe(t, m, "com.a", "transcription:en-US")

	assert.True(t, m.HasSubscribers(transcriptionEN))
	assert.True(t, m.Demand().HasTranscriptionLike)
	mic.AssertExpectations(t)
}

func TestOtherAppUnsubscribingKeepsTopic(t *testing.T) {
	mic := new(mockMicrophone)
	mic.On("SetDemand", false, true).Once()
	m := newTestManager(t, testConfig(), Deps{Microphone: mic})

	connect(t, m, "com.a")
	connect(t, m, "com.b")
	subscribe(t, m, "com.a", "transcription:en-US")
	subscribe(t, m, "com.b", "transcription:en-US")
	subscribe(t, m, "com.b")

	assert.True(t, m.HasSubscribers(transcriptionEN))
	assert.Equal(t, []string{"com.a"}, m.SubscribersOf(transcriptionEN))
	mic.AssertExpectations(t)
}

func TestReconnectWithinGraceKeepsDemand(t *testing.T) {
	cfg := testConfig()
	cfg.GracePeriod = 300 * time.Millisecond
	mic := new(mockMicrophone)
	mic.On("SetDemand", true, true).Once()
	m := newTestManager(t, cfg, Deps{Microphone: mic})

	first := connect(t, m, "com.a")
	subscribe(t, m, "com.a", "audio_chunk", "transcription:en-US")

	m.HandleTransportClosed("com.a", first.ID(), nil)
	assert.Equal(t, StateGracePeriod, stateOf(m, "com.a"))
	assert.True(t, m.IsAppRunning("com.a"))

	second := attach(t, m, "com.a", true)
	res := subscribe(t, m, "com.a", "audio_chunk", "transcription:en-US")
	assert.Empty(t, res.Added)
	assert.Empty(t, res.Removed)

	ack := second.messages(t)[0]
	assert.Equal(t, types.MsgConnectionAck, ack.Type)
	assert.True(t, ack.Reconnect)

	// Let the old grace window pass
	time.Sleep(cfg.GracePeriod + 50*time.Millisecond)
	assert.Equal(t, StateRunning, stateOf(m, "com.a"))
	mic.AssertNumberOfCalls(t, "SetDemand", 1)
}

func TestGraceExpiryDropsDemandOnce(t *testing.T) {
	mic := new(mockMicrophone)
	mic.On("SetDemand", false, true).Once()
	mic.On("SetDemand", false, false).Once()
	m := newTestManager(t, testConfig(), Deps{Microphone: mic})

	tr := connect(t, m, "com.a")
	subscribe(t, m, "com.a", "transcription:en-US")
	m.HandleTransportClosed("com.a", tr.ID(), nil)

	require.Eventually(t, func() bool {
		return stateOf(m, "com.a") == StateDisconnected
	}, waitFor, tick)
	assert.False(t, m.HasSubscribers(transcriptionEN))
	assert.False(t, m.IsAppRunning("com.a"))
	mic.AssertExpectations(t)
}

func TestRespondToDeliversOnce(t *testing.T) {
	device := new(mockDevice)
	device.On("Forward", "com.c", mock.Anything).Return(true).Once()
	m := newTestManager(t, testConfig(), Deps{Device: device})

	tr := connect(t, m, "com.c")
	require.NoError(t, m.HandleAppMessage("com.c", tr.ID(), &types.Message{Type: "photo_request", RequestID: "r1"}))

	assert.True(t, m.RespondTo("r1", types.NewMessage("photo_response")))
	tr.waitFrames(t, 2)
	resp := tr.messages(t)[1]
	assert.Equal(t, "photo_response", resp.Type)
	assert.Equal(t, "r1", resp.RequestID)

	assert.False(t, m.RespondTo("r1", types.NewMessage("photo_response")))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, tr.count())
	device.AssertExpectations(t)
}

func TestReconnectKeepsFramesCaughtMidWrite(t *testing.T) {
	cfg := testConfig()
	cfg.GracePeriod = time.Second
	m := newTestManager(t, cfg, Deps{})

	old := connect(t, m, "com.a")
	release := old.hold()
	for i := 1; i <= 3; i++ {
		res := m.SendToPackageName("com.a", types.NewMessage(fmt.Sprintf("display_%d", i)))
		require.True(t, res.Sent)
	}
	require.Eventually(t, func() bool { return old.blocked.Load() == 1 }, waitFor, tick)

	m.HandleTransportClosed("com.a", old.ID(), errors.New("socket reset"))
	require.Equal(t, StateGracePeriod, stateOf(m, "com.a"))
	release()

	require.Eventually(t, func() bool {
		info, _ := m.Session("com.a")
		return info.QueueLength == 3
	}, waitFor, tick, "frames stay queued for the next connection")

	next := attach(t, m, "com.a", true)
	next.waitFrames(t, 4)
	msgs := next.messages(t)
	assert.Equal(t, types.MsgConnectionAck, msgs[0].Type)
	assert.True(t, msgs[0].Reconnect)
	assert.Equal(t, []string{"display_1", "display_2", "display_3"},
		[]string{msgs[1].Type, msgs[2].Type, msgs[3].Type})

	info, _ := m.Session("com.a")
	assert.Zero(t, info.QueueLength)
	assert.Equal(t, StateRunning, info.State)
}

func TestRetiredWriterHandsOverQueue(t *testing.T) {
	m := newTestManager(t, testConfig(), Deps{})

	old := connect(t, m, "com.a")
	release := old.hold()
	require.True(t, m.SendToPackageName("com.a", types.NewMessage("display_1")).Sent)
	require.Eventually(t, func() bool { return old.blocked.Load() == 1 }, waitFor, tick)

	next := attach(t, m, "com.a", true)
	release()
	require.True(t, m.SendToPackageName("com.a", types.NewMessage("display_2")).Sent)

	next.waitFrames(t, 3)
	var got []string
	for _, msg := range next.messages(t)[1:] {
		got = append(got, msg.Type)
	}
	assert.Equal(t, []string{"display_1", "display_2"}, got)
	require.Eventually(t, func() bool { return old.closedWith() == CloseAlreadyBound }, waitFor, tick)
}

func TestRespondToGoneOwner(t *testing.T) {
	device := new(mockDevice)
	device.On("Forward", "com.c", mock.Anything).Return(true)
	m := newTestManager(t, testConfig(), Deps{Device: device})

	tr := connect(t, m, "com.c")
	subscribe(t, m, "com.c", "transcription:en-US")
	require.NoError(t, m.HandleAppMessage("com.c", tr.ID(), &types.Message{Type: "photo_request", RequestID: "r1"}))
	require.NoError(t, m.HandleAppMessage("com.c", tr.ID(), &types.Message{Type: "photo_request", RequestID: "r2"}))

	m.HandleTransportClosed("com.c", tr.ID(), nil)
	require.Eventually(t, func() bool {
		return stateOf(m, "com.c") == StateDisconnected
	}, waitFor, tick)
	assert.False(t, m.HasSubscribers(transcriptionEN))

	assert.False(t, m.RespondTo("r1", types.NewMessage("photo_response")))
	assert.False(t, m.RespondTo("r2", types.NewMessage("photo_response")))

	m.mu.Lock()
	assert.Zero(t, m.correlations.Len(), "grace expiry drops the app's requests")
	m.mu.Unlock()
}

func TestRespondToStoppedOwnerIsMiss(t *testing.T) {
	device := new(mockDevice)
	device.On("Forward", "com.c", mock.Anything).Return(true)
	m := newTestManager(t, testConfig(), Deps{Device: device})

	tr := connect(t, m, "com.c")
	require.NoError(t, m.HandleAppMessage("com.c", tr.ID(), &types.Message{Type: "photo_request", RequestID: "r1"}))
	require.NoError(t, m.StopApp(context.Background(), "com.c", false))

	assert.False(t, m.RespondTo("r1", types.NewMessage("photo_response")))
}

func TestSameRequestIDFromTwoApps(t *testing.T) {
	device := new(mockDevice)
	device.On("Forward", mock.Anything, mock.Anything).Return(true)
	m := newTestManager(t, testConfig(), Deps{Device: device})

	a := connect(t, m, "com.a")
	b := connect(t, m, "com.b")
	require.NoError(t, m.HandleAppMessage("com.a", a.ID(), &types.Message{Type: "photo_request", RequestID: "r1"}))
	require.NoError(t, m.HandleAppMessage("com.b", b.ID(), &types.Message{Type: "photo_request", RequestID: "r1"}))

	// Without a package hint the oldest outstanding request wins.
	assert.True(t, m.RespondTo("r1", types.NewMessage("photo_response")))
	a.waitFrames(t, 2)
	assert.Equal(t, "r1", a.messages(t)[1].RequestID)

	resp := types.NewMessage("photo_response")
	resp.PackageName = "com.b"
	assert.True(t, m.RespondTo("r1", resp))
	b.waitFrames(t, 2)
	assert.Equal(t, "photo_response", b.messages(t)[1].Type)

	assert.False(t, m.RespondTo("r1", types.NewMessage("photo_response")))
	assert.Equal(t, 2, a.count())
}

func TestPublishExcludesPackages(t *testing.T) {
	m := newTestManager(t, testConfig(), Deps{})

	x := connect(t, m, "pkgX")
	y := connect(t, m, "pkgY")
	subscribe(t, m, "pkgX", "audio_chunk")
	subscribe(t, m, "pkgY", "audio-chunk")

	payload := []byte{1, 2, 3, 4}
	delivered := m.Publish(subscription.MustParse("audio-chunk"), types.BinaryFrame(payload), "pkgX")
	assert.Equal(t, 1, delivered)

	y.waitFrames(t, 2)
	assert.Equal(t, types.BinaryFrame(payload), y.frame(1))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, x.count())
}

func TestPublishData(t *testing.T) {
	m := newTestManager(t, testConfig(), Deps{})
	tr := connect(t, m, "com.a")
	subscribe(t, m, "com.a", "button_press")

	n, err := m.PublishData(subscription.MustParse("button_press"), []byte(`{"button":"main"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	tr.waitFrames(t, 2)
	msg := tr.messages(t)[1]
	assert.Equal(t, types.MsgDataStream, msg.Type)
	assert.Equal(t, "button_press", msg.StreamType)
	assert.JSONEq(t, `{"button":"main"}`, string(msg.Data))
}

func TestStartApp(t *testing.T) {
	waker := new(mockWaker)
	waker.On("Wake", mock.Anything, "com.a").Return(nil).Once()
	store := new(mockStore)
	store.On("Add", mock.Anything, "user-1", "com.a").Return(nil).Once()
	m := newTestManager(t, testConfig(), Deps{Waker: waker, Store: store})

	res, err := m.StartApp(context.Background(), "com.a")
	require.NoError(t, err)
	assert.True(t, res.Woken)
	assert.Equal(t, StateConnecting, res.State)

	// A second start while loading is a no-op
	res, err = m.StartApp(context.Background(), "com.a")
	require.NoError(t, err)
	assert.Equal(t, StateConnecting, res.State)

	attach(t, m, "com.a", false)
	_, err = m.StartApp(context.Background(), "com.a")
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	waker.AssertExpectations(t)
	store.AssertExpectations(t)
}

func TestStartAppWakeFailure(t *testing.T) {
	waker := new(mockWaker)
	waker.On("Wake", mock.Anything, "com.a").Return(errWake)
	store := new(mockStore)
	store.On("Add", mock.Anything, "user-1", "com.a").Return(nil).Once()
	store.On("Remove", mock.Anything, "user-1", "com.a").Return(nil).Once()
	m := newTestManager(t, testConfig(), Deps{Waker: waker, Store: store})

	res, err := m.StartApp(context.Background(), "com.a")
	require.ErrorIs(t, err, ErrWakeFailed)
	assert.ErrorIs(t, err, errWake)
	assert.Equal(t, StateDisconnected, res.State)

	// A failed start is not resurrected and may not connect
	_, err = m.AttachAppConnection(newFakeTransport(), Init{PackageName: "com.a"})
	assert.ErrorIs(t, err, ErrAppNotStarted)
	store.AssertExpectations(t)
}

func TestConnectTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectTimeout = 30 * time.Millisecond
	m := newTestManager(t, cfg, Deps{})

	_, err := m.StartApp(context.Background(), "com.a")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return stateOf(m, "com.a") == StateDisconnected
	}, waitFor, tick)
}

func TestStopApp(t *testing.T) {
	mic := new(mockMicrophone)
	mic.On("SetDemand", true, false).Once()
	mic.On("SetDemand", false, false).Once()
	m := newTestManager(t, testConfig(), Deps{Microphone: mic})

	tr := connect(t, m, "com.a")
	subscribe(t, m, "com.a", "audio_chunk")

	require.NoError(t, m.StopApp(context.Background(), "com.a", false))
	assert.False(t, m.HasSubscribers(audioChunk))
	assert.Equal(t, StateDisconnected, stateOf(m, "com.a"))
	require.Eventually(t, func() bool { return tr.closedWith() == CloseAppStopped }, waitFor, tick)

	// Closing the already stopped transport is harmless
	m.HandleTransportClosed("com.a", tr.ID(), nil)
	assert.Equal(t, StateDisconnected, stateOf(m, "com.a"))

	_, err := m.AttachAppConnection(newFakeTransport(), Init{PackageName: "com.a"})
	assert.ErrorIs(t, err, ErrAppNotStarted)
	assert.ErrorIs(t, m.StopApp(context.Background(), "com.a", false), ErrAppNotRunning)

	res := m.SendToPackageName("com.a", types.NewMessage("display_event"))
	assert.ErrorIs(t, res.Err, ErrAppNotRunning)
	mic.AssertExpectations(t)
}

func TestStopAppWithRestart(t *testing.T) {
	m := newTestManager(t, testConfig(), Deps{})
	connect(t, m, "com.a")

	require.NoError(t, m.StopApp(context.Background(), "com.a", true))
	assert.Equal(t, StateConnecting, stateOf(m, "com.a"))
	attach(t, m, "com.a", false)
	assert.True(t, m.IsAppRunning("com.a"))
}

func TestAttachUnknownApp(t *testing.T) {
	m := newTestManager(t, testConfig(), Deps{})
	_, err := m.AttachAppConnection(newFakeTransport(), Init{PackageName: "com.unknown"})
	assert.ErrorIs(t, err, ErrAppNotStarted)
}

func TestAttachRetiresPreviousTransport(t *testing.T) {
	m := newTestManager(t, testConfig(), Deps{})
	first := connect(t, m, "com.a")
	subscribe(t, m, "com.a", "audio_chunk")

	second := newFakeTransport()
	res, err := m.AttachAppConnection(second, Init{PackageName: "com.a"})
	require.NoError(t, err)
	assert.Equal(t, first.ID(), res.Retired)
	assert.False(t, res.Reconnected)
	require.Eventually(t, func() bool { return first.closedWith() == CloseAlreadyBound }, waitFor, tick)

	// Late close of the retired transport does not start a grace period
	m.HandleTransportClosed("com.a", first.ID(), nil)
	assert.Equal(t, StateRunning, stateOf(m, "com.a"))
	assert.True(t, m.HasSubscribers(audioChunk))

	// Frames from the retired transport are refused
	err = m.HandleAppMessage("com.a", first.ID(), &types.Message{Type: "display_event"})
	assert.ErrorIs(t, err, ErrAppNotRunning)
}

func TestFramesBufferedDuringGraceFlushOnReattach(t *testing.T) {
	cfg := testConfig()
	cfg.GracePeriod = time.Second
	m := newTestManager(t, cfg, Deps{})

	first := connect(t, m, "com.a")
	subscribe(t, m, "com.a", "button_press")
	m.HandleTransportClosed("com.a", first.ID(), nil)

	n, err := m.PublishData(subscription.MustParse("button_press"), []byte(`{"n":1}`))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	second := attach(t, m, "com.a", true)
	second.waitFrames(t, 2)
	msgs := second.messages(t)
	assert.Equal(t, types.MsgConnectionAck, msgs[0].Type)
	assert.Equal(t, []string{"button_press"}, decodeAckSubscriptions(t, msgs[0]))
	assert.Equal(t, types.MsgDataStream, msgs[1].Type)
	assert.Equal(t, 1, first.count())
}

func TestWriteFailureStartsGracePeriod(t *testing.T) {
	cfg := testConfig()
	cfg.GracePeriod = time.Second
	m := newTestManager(t, cfg, Deps{})

	tr := connect(t, m, "com.a")
	subscribe(t, m, "com.a", "button_press")
	tr.failWrites(assert.AnError)

	_, err := m.PublishData(subscription.MustParse("button_press"), []byte(`{}`))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return stateOf(m, "com.a") == StateGracePeriod
	}, waitFor, tick)
}

func TestSendQueueDropsOldest(t *testing.T) {
	cfg := testConfig()
	cfg.SendQueueSize = 2
	m := newTestManager(t, cfg, Deps{})

	// Subscribing while connecting buffers frames until the app dials in
	_, err := m.StartApp(context.Background(), "com.a")
	require.NoError(t, err)
	subscribe(t, m, "com.a", "button_press")

	for i := range 3 {
		_, err := m.PublishData(subscription.MustParse("button_press"), []byte{'0' + byte(i)})
		require.NoError(t, err)
	}
	info, _ := m.Session("com.a")
	assert.Equal(t, 2, info.QueueLength)
	assert.Equal(t, uint64(1), info.Dropped)

	tr := attach(t, m, "com.a", false)
	tr.waitFrames(t, 3)
	msgs := tr.messages(t)
	assert.Equal(t, "1", string(msgs[1].Data))
	assert.Equal(t, "2", string(msgs[2].Data))
}

func TestRequestApp(t *testing.T) {
	m := newTestManager(t, testConfig(), Deps{})
	tr := connect(t, m, "com.a")

	go func() {
		for tr.count() < 2 {
			time.Sleep(tick)
		}
		req, err := types.Decode(tr.frame(1).Data)
		if err != nil {
			return
		}
		reply := &types.Message{Type: "settings_reply", RequestID: req.RequestID}
		_ = m.HandleAppMessage("com.a", tr.ID(), reply)
	}()

	reply, err := m.RequestApp(context.Background(), "com.a", types.NewMessage("settings_request"), 0)
	require.NoError(t, err)
	assert.Equal(t, "settings_reply", reply.Type)
	assert.Zero(t, mustInfo(t, m, "com.a").PendingRequests)
}

func TestRequestAppTimeoutAndCancel(t *testing.T) {
	m := newTestManager(t, testConfig(), Deps{})
	connect(t, m, "com.a")

	_, err := m.RequestApp(context.Background(), "com.a", types.NewMessage("settings_request"), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrRequestTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.RequestApp(ctx, "com.a", types.NewMessage("settings_request"), time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, mustInfo(t, m, "com.a").PendingRequests)

	_, err = m.RequestApp(context.Background(), "com.missing", types.NewMessage("x"), 0)
	assert.ErrorIs(t, err, ErrAppNotFound)
}

func TestCorrelationExpirySendsTimeoutFrame(t *testing.T) {
	cfg := testConfig()
	cfg.RequestTimeout = 20 * time.Millisecond
	device := new(mockDevice)
	device.On("Forward", "com.a", mock.Anything).Return(true)
	m := newTestManager(t, cfg, Deps{Device: device})

	tr := connect(t, m, "com.a")
	require.NoError(t, m.HandleAppMessage("com.a", tr.ID(), &types.Message{Type: "photo_request", RequestID: "r1"}))

	tr.waitFrames(t, 2)
	msg := tr.messages(t)[1]
	assert.Equal(t, types.MsgRequestTimeout, msg.Type)
	assert.Equal(t, "r1", msg.RequestID)
	assert.False(t, m.RespondTo("r1", types.NewMessage("photo_response")))
}

func TestDeviceOfflineFailsRequest(t *testing.T) {
	m := newTestManager(t, testConfig(), Deps{})
	tr := connect(t, m, "com.a")

	err := m.HandleAppMessage("com.a", tr.ID(), &types.Message{Type: "photo_request", RequestID: "r1"})
	assert.ErrorIs(t, err, ErrDeviceOffline)

	tr.waitFrames(t, 2)
	msg := tr.messages(t)[1]
	assert.Equal(t, types.MsgRequestError, msg.Type)
	assert.Equal(t, ErrDeviceOffline.Error(), msg.Error)
	assert.False(t, m.RespondTo("r1", types.NewMessage("photo_response")))
}

func TestDuplicateRequestID(t *testing.T) {
	device := new(mockDevice)
	device.On("Forward", "com.a", mock.Anything).Return(true).Once()
	m := newTestManager(t, testConfig(), Deps{Device: device})
	tr := connect(t, m, "com.a")

	require.NoError(t, m.HandleAppMessage("com.a", tr.ID(), &types.Message{Type: "photo_request", RequestID: "r1"}))
	err := m.HandleAppMessage("com.a", tr.ID(), &types.Message{Type: "photo_request", RequestID: "r1"})
	assert.ErrorIs(t, err, ErrDuplicateRequest)
	device.AssertExpectations(t)
}

func TestSubscriptionUpdateFrame(t *testing.T) {
	m := newTestManager(t, testConfig(), Deps{})
	tr := connect(t, m, "com.a")

	err := m.HandleAppMessage("com.a", tr.ID(), &types.Message{
		Type: types.MsgSubscriptionUpdate,
		Subscriptions: []json.RawMessage{
			json.RawMessage(`"transcription:en-US"`),
			json.RawMessage(`{"stream":"location_stream","rate":"fast"}`),
			json.RawMessage(`"not a stream"`),
		},
	})
	require.NoError(t, err)
	assert.True(t, m.HasSubscribers(transcriptionEN))
	assert.Equal(t, subscription.RateFast, m.Demand().LocationRate)
}

func TestPermissionsFilterSubscriptions(t *testing.T) {
	m := newTestManager(t, testConfig(), Deps{
		Permissions: denyStreams{subscription.LocationStream: true},
	})
	connect(t, m, "com.a")

	res := subscribe(t, m, "com.a", "location_stream", "button_press")
	require.Len(t, res.Denied, 1)
	assert.Equal(t, subscription.LocationStream, res.Denied[0].Stream)
	assert.False(t, m.HasSubscribers(subscription.AnyLocation))
	assert.True(t, m.HasSubscribers(subscription.MustParse("button_press")))
}

func TestEmptySubscriptionGraceAfterReconnect(t *testing.T) {
	cfg := testConfig()
	cfg.GracePeriod = time.Second
	cfg.EmptySubscriptionGrace = 100 * time.Millisecond
	mic := new(mockMicrophone)
	mic.On("SetDemand", true, false).Once()
	m := newTestManager(t, cfg, Deps{Microphone: mic})

	first := connect(t, m, "com.a")
	subscribe(t, m, "com.a", "audio_chunk")
	m.HandleTransportClosed("com.a", first.ID(), nil)
	attach(t, m, "com.a", true)

	res := subscribe(t, m, "com.a")
	assert.True(t, res.Deferred)
	assert.True(t, m.HasSubscribers(audioChunk))

	// The real set arrives and cancels the deferred empty update
	subscribe(t, m, "com.a", "audio_chunk")
	time.Sleep(2 * cfg.EmptySubscriptionGrace)
	assert.True(t, m.HasSubscribers(audioChunk))
	mic.AssertExpectations(t)
}

func TestDeferredEmptySubscriptionApplies(t *testing.T) {
	cfg := testConfig()
	cfg.GracePeriod = time.Second
	cfg.EmptySubscriptionGrace = 50 * time.Millisecond
	mic := new(mockMicrophone)
	mic.On("SetDemand", true, false).Once()
	mic.On("SetDemand", false, false).Once()
	m := newTestManager(t, cfg, Deps{Microphone: mic})

	first := connect(t, m, "com.a")
	subscribe(t, m, "com.a", "audio_chunk")
	m.HandleTransportClosed("com.a", first.ID(), nil)
	attach(t, m, "com.a", true)

	assert.True(t, subscribe(t, m, "com.a").Deferred)
	require.Eventually(t, func() bool { return !m.HasSubscribers(audioChunk) }, waitFor, tick)
	mic.AssertExpectations(t)
}

func TestLanguageAndLocationNotifications(t *testing.T) {
	rec := &recorder{}
	m := newTestManager(t, testConfig(), Deps{Languages: rec, Location: rec})
	connect(t, m, "com.a")
	connect(t, m, "com.b")

	subscribe(t, m, "com.a", "transcription:en-US", "location_stream")
	subscribe(t, m, "com.b", "transcription:en-US", "location_stream:fast")
	subscribe(t, m, "com.b", "transcription:en-US")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.languages, 1)
	assert.Equal(t, []subscription.Subscription{transcriptionEN}, rec.languages[0])
	assert.Equal(t, []subscription.LocationRate{
		subscription.RateSlow,
		subscription.RateFast,
		subscription.RateSlow,
	}, rec.tiers)
}

func TestStateListener(t *testing.T) {
	rec := &recorder{}
	m := newTestManager(t, testConfig(), Deps{Listener: rec})

	_, err := m.StartApp(context.Background(), "com.a")
	require.NoError(t, err)
	assert.Equal(t, []string{"com.a"}, rec.lastSnapshot().LoadingApps)

	attach(t, m, "com.a", false)
	subscribe(t, m, "com.a", "audio_chunk")
	snap := rec.lastSnapshot()
	assert.Equal(t, []string{"com.a"}, snap.RunningApps)
	assert.Empty(t, snap.LoadingApps)
	assert.Equal(t, map[string][]string{"com.a": {"audio_chunk"}}, snap.Subscriptions)

	// Pushed snapshots are not repeated by a pull
	assert.Nil(t, m.BroadcastAppState())
}

func TestBroadcastAppStateOnlyOnChange(t *testing.T) {
	m := newTestManager(t, testConfig(), Deps{})
	connect(t, m, "com.a")

	first := m.BroadcastAppState()
	require.NotNil(t, first)
	assert.Equal(t, []string{"com.a"}, first.RunningApps)
	assert.Nil(t, m.BroadcastAppState())

	subscribe(t, m, "com.a", "button_press")
	assert.NotNil(t, m.BroadcastAppState())
}

func TestStartPreviouslyRunningApps(t *testing.T) {
	store := new(mockStore)
	store.On("List", mock.Anything, "user-1").Return([]string{"com.a", "com.b"}, nil)
	store.On("Add", mock.Anything, "user-1", mock.Anything).Return(nil)
	store.On("Remove", mock.Anything, "user-1", "com.b").Return(nil)
	waker := new(mockWaker)
	waker.On("Wake", mock.Anything, "com.a").Return(nil)
	waker.On("Wake", mock.Anything, "com.b").Return(errWake)
	m := newTestManager(t, testConfig(), Deps{Store: store, Waker: waker})

	started, err := m.StartPreviouslyRunningApps(context.Background())
	assert.Equal(t, 1, started)
	assert.ErrorIs(t, err, ErrWakeFailed)
	assert.Equal(t, StateConnecting, stateOf(m, "com.a"))
	assert.Equal(t, StateDisconnected, stateOf(m, "com.b"))
}

func TestDispose(t *testing.T) {
	mic := new(mockMicrophone)
	mic.On("SetDemand", true, false).Once()
	m := NewManager("user-1", testConfig(), Deps{Microphone: mic}, nil)

	tr := connect(t, m, "com.a")
	subscribe(t, m, "com.a", "audio_chunk")

	errc := make(chan error, 1)
	go func() {
		_, err := m.RequestApp(context.Background(), "com.a", types.NewMessage("settings_request"), time.Minute)
		errc <- err
	}()
	tr.waitFrames(t, 2)

	m.Dispose()
	m.Dispose()

	assert.ErrorIs(t, <-errc, ErrCancelled)
	require.Eventually(t, func() bool { return tr.closedWith() == CloseSessionEnded }, waitFor, tick)
	assert.True(t, m.Disposed())
	assert.False(t, m.HasSubscribers(audioChunk))
	assert.Empty(t, m.Sessions())
	assert.Equal(t, 0, m.Publish(audioChunk, types.BinaryFrame([]byte{1})))

	_, err := m.StartApp(context.Background(), "com.a")
	assert.ErrorIs(t, err, ErrManagerDisposed)
	_, err = m.UpdateSubscriptions("com.a", []string{"audio_chunk"})
	assert.ErrorIs(t, err, ErrManagerDisposed)
	assert.ErrorIs(t, m.SendToPackageName("com.a", types.NewMessage("x")).Err, ErrManagerDisposed)

	// Disposal does not notify collaborators
	mic.AssertExpectations(t)
}

func mustInfo(t *testing.T, m *Manager, pkg string) SessionInfo {
	t.Helper()
	info, ok := m.Session(pkg)
	require.True(t, ok)
	return info
}

func decodeAckSubscriptions(t *testing.T, ack *types.Message) []string {
	t.Helper()
	var data struct {
		Subscriptions []string `json:"subscriptions"`
	}
	require.NoError(t, ack.DecodeData(&data))
	return data.Subscriptions
}
