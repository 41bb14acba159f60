package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/GlassRelay/backend/internal/domain/app"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/domain/subscription"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/providers/transcription"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/shared/id"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/shared/types"
)

var (
	ErrUnknownApp     = errors.New("app not in catalog")
	ErrSessionClosed  = errors.New("user session closed")
	ErrUnroutable     = errors.New("device message has no subscribers")
	ErrUnknownMessage = errors.New("unknown device message")
)

// Catalog reports which packages may be started
type Catalog interface {
	Has(packageName string) bool
}

// UserSession ties one user's device link to their app manager. Device
// events fan out to subscribed apps; app demand flows back to the device.
type UserSession struct {
	id        id.SessionID
	userID    string
	apps      *app.Manager
	catalog   Catalog
	languages *transcription.Manager
	metrics   *monitoring.Metrics
	logger    *zap.Logger

	mu     sync.Mutex
	link   DeviceLink
	cache  deviceCache
	closed bool
}

func newUserSession(userID string, opts Options) *UserSession {
	sid := id.NewSessionID()
	logger := opts.Logger.With(zap.String("user_id", userID), zap.String("session_id", sid.String()))
	u := &UserSession{
		id:      sid,
		userID:  userID,
		catalog: opts.Catalog,
		metrics: opts.Metrics,
		logger:  logger,
	}

	deps := app.Deps{
		Microphone:  deviceMicrophone{u},
		Location:    deviceLocation{u},
		Device:      deviceRelay{u},
		Listener:    deviceListener{u},
		Permissions: opts.Permissions,
		Store:       opts.Store,
	}
	if opts.Wakers != nil {
		deps.Waker = opts.Wakers(userID)
	}
	if opts.Provider != nil {
		u.languages = transcription.NewManager(opts.Provider, opts.ProviderTimeout, logger)
		deps.Languages = u.languages
	}

	u.apps = app.NewManager(userID, opts.App, deps, opts.Logger).WithMetrics(opts.Metrics)
	return u
}

// ID returns the session's unique id; a recreated session gets a new one
func (u *UserSession) ID() id.SessionID { return u.id }

// StartedAt returns when the session was created, read back from its id
func (u *UserSession) StartedAt() time.Time {
	ts, err := id.Timestamp(u.id.String())
	if err != nil {
		return time.Time{}
	}
	return ts
}

// UserID returns the owning user
func (u *UserSession) UserID() string { return u.userID }

// Apps returns the user's app manager
func (u *UserSession) Apps() *app.Manager { return u.apps }

// StartApp validates pkg against the catalog and starts it
func (u *UserSession) StartApp(ctx context.Context, pkg string) (app.StartResult, error) {
	if u.catalog != nil && !u.catalog.Has(pkg) {
		return app.StartResult{PackageName: pkg}, fmt.Errorf("%w: %s", ErrUnknownApp, pkg)
	}
	return u.apps.StartApp(ctx, pkg)
}

// StopApp stops pkg, optionally restarting it
func (u *UserSession) StopApp(ctx context.Context, pkg string, restart bool) error {
	return u.apps.StopApp(ctx, pkg, restart)
}

// RestoreApps restarts whatever the store remembers for this user
func (u *UserSession) RestoreApps(ctx context.Context) {
	n, err := u.apps.StartPreviouslyRunningApps(ctx)
	if err != nil {
		u.logger.Warn("Some apps could not be restored", zap.Int("started", n), zap.Error(err))
		return
	}
	if n > 0 {
		u.logger.Info("Restored running apps", zap.Int("started", n))
	}
}

// AttachDevice makes link the user's device connection. A previous link is
// closed. The new link is sent the latest microphone, location and app
// state notifications.
func (u *UserSession) AttachDevice(link DeviceLink) error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return ErrSessionClosed
	}
	old := u.link
	u.link = link
	cache := u.cache
	u.mu.Unlock()

	if old != nil && old.ID() != link.ID() {
		_ = old.Close(app.CloseAlreadyBound, "replaced by a newer device connection")
	}
	u.logger.Info("Device connected", zap.String("connection_id", link.ID()))

	if cache.microphone != nil {
		u.sendToDevice(types.MsgMicrophoneState, "", *cache.microphone)
	}
	if cache.location != nil {
		u.sendToDevice(types.MsgLocationTier, "", *cache.location)
	}
	if cache.apps != nil {
		u.sendToDevice(types.MsgAppStateChange, "", *cache.apps)
	} else if snap := u.apps.BroadcastAppState(); snap != nil {
		u.sendToDevice(types.MsgAppStateChange, "", *snap)
	}
	return nil
}

// DetachDevice clears the device link if it is still linkID
func (u *UserSession) DetachDevice(linkID string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.link == nil || u.link.ID() != linkID {
		return false
	}
	u.link = nil
	u.logger.Info("Device disconnected", zap.String("connection_id", linkID))
	return true
}

// DeviceConnected reports whether a device link is attached
func (u *UserSession) DeviceConnected() bool {
	return u.device() != nil
}

// HandleDeviceMessage routes one JSON frame from the device: responses to
// app requests go back to the requesting app, stream events are published
// to subscribers. It returns the number of apps reached.
func (u *UserSession) HandleDeviceMessage(raw []byte) (int, error) {
	msg, err := types.Decode(raw)
	if err != nil {
		return 0, err
	}
	if msg.RequestID != "" && u.apps.RespondTo(msg.RequestID, msg) {
		return 1, nil
	}

	topic, err := deviceTopic(msg)
	if err != nil {
		return 0, fmt.Errorf("%w %q: %w", ErrUnknownMessage, msg.Type, err)
	}

	payload := msg.Data
	if len(payload) == 0 {
		payload = raw
	}
	out := types.NewMessage(types.MsgDataStream)
	out.StreamType = streamName(topic)
	out.Data = payload
	frame, err := types.Encode(out)
	if err != nil {
		return 0, err
	}

	n := u.apps.Publish(topic, frame)
	if n == 0 {
		return 0, ErrUnroutable
	}
	return n, nil
}

// HandleDeviceAudio publishes a binary PCM chunk to audio_chunk subscribers
func (u *UserSession) HandleDeviceAudio(chunk []byte) int {
	topic, _ := subscription.Topic(subscription.AudioChunk)
	return u.apps.Publish(topic, types.BinaryFrame(chunk))
}

// Close disposes the app manager and ends the device link
func (u *UserSession) Close() {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return
	}
	u.closed = true
	link := u.link
	u.link = nil
	u.mu.Unlock()

	u.apps.Dispose()
	if u.languages != nil {
		_ = u.languages.Close()
	}
	if link != nil {
		_ = link.Close(app.CloseSessionEnded, "user session ended")
	}
	u.logger.Info("User session closed", zap.Duration("lifetime", time.Since(u.StartedAt())))
}

func (u *UserSession) device() DeviceLink {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.link
}

func (u *UserSession) remember(update func(c *deviceCache)) {
	u.mu.Lock()
	update(&u.cache)
	u.mu.Unlock()
}

func (u *UserSession) sendToDevice(msgType, pkg string, data any) {
	link := u.device()
	if link == nil {
		return
	}
	msg := types.NewMessage(msgType)
	msg.UserID = u.userID
	msg.PackageName = pkg
	if _, err := msg.WithData(data); err != nil {
		u.logger.Warn("Failed to encode device notification", zap.String("type", msgType), zap.Error(err))
		return
	}
	frame, err := types.Encode(msg)
	if err != nil {
		u.logger.Warn("Failed to encode device notification", zap.String("type", msgType), zap.Error(err))
		return
	}
	if !link.Send(frame) {
		u.logger.Warn("Device queue rejected notification", zap.String("type", msgType))
		return
	}
	if u.metrics != nil {
		u.metrics.RecordWSMessage("out", msgType)
	}
}

// deviceTopic maps a device event onto the subscription it feeds. Location
// updates reach subscribers of every rate.
func deviceTopic(msg *types.Message) (subscription.Subscription, error) {
	name := msg.StreamType
	if name == "" {
		name = msg.Type
	}
	if name == "location_update" {
		return subscription.AnyLocation, nil
	}
	sub, err := subscription.Parse(name)
	if err != nil {
		return subscription.Subscription{}, err
	}
	if sub.Kind() == subscription.KindLocation {
		return subscription.AnyLocation, nil
	}
	return sub, nil
}

func streamName(topic subscription.Subscription) string {
	if topic.Kind() == subscription.KindLocation {
		return string(subscription.LocationStream)
	}
	return topic.String()
}
