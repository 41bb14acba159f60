package session

import (
	"go.uber.org/zap"

	"github.com/GriffinCanCode/GlassRelay/backend/internal/domain/app"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/domain/subscription"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/shared/types"
)

// DeviceLink is the user's glasses/phone connection. Send must not block;
// it returns false when the frame could not be queued.
type DeviceLink interface {
	ID() string
	Send(frame types.Frame) bool
	Close(code int, reason string) error
}

// MicrophoneState is sent to the device when PCM or transcription demand changes
type MicrophoneState struct {
	Enabled      bool     `json:"isMicrophoneEnabled"`
	RequiredData []string `json:"requiredData"`
}

// LocationTier is sent to the device when the highest location rate changes
type LocationTier struct {
	Tier string `json:"tier"`
}

func microphoneState(hasPCM, hasTranscriptionLike bool) MicrophoneState {
	state := MicrophoneState{RequiredData: []string{}}
	if hasPCM {
		state.RequiredData = append(state.RequiredData, "pcm")
	}
	if hasTranscriptionLike {
		state.RequiredData = append(state.RequiredData, "transcription")
	}
	state.Enabled = hasPCM || hasTranscriptionLike
	return state
}

// The adapters below run under the app manager's lock and only queue
// frames on the device link.

type deviceMicrophone struct{ u *UserSession }

func (d deviceMicrophone) SetDemand(hasPCM, hasTranscriptionLike bool) {
	state := microphoneState(hasPCM, hasTranscriptionLike)
	d.u.remember(func(c *deviceCache) { c.microphone = &state })
	d.u.sendToDevice(types.MsgMicrophoneState, "", state)
}

type deviceLocation struct{ u *UserSession }

func (d deviceLocation) SetLocationTier(rate subscription.LocationRate) {
	tier := LocationTier{Tier: rate.String()}
	d.u.remember(func(c *deviceCache) { c.location = &tier })
	d.u.sendToDevice(types.MsgLocationTier, "", tier)
}

type deviceListener struct{ u *UserSession }

func (d deviceListener) AppStateChanged(snapshot app.AppStateSnapshot) {
	d.u.remember(func(c *deviceCache) { c.apps = &snapshot })
	d.u.sendToDevice(types.MsgAppStateChange, "", snapshot)
}

type deviceRelay struct{ u *UserSession }

// Forward tags msg with the originating package and queues it for the device
func (d deviceRelay) Forward(packageName string, msg *types.Message) bool {
	link := d.u.device()
	if link == nil {
		return false
	}
	out := *msg
	out.PackageName = packageName
	frame, err := types.Encode(&out)
	if err != nil {
		d.u.logger.Warn("Failed to encode app message for device", zap.Error(err))
		return false
	}
	return link.Send(frame)
}

// deviceCache holds the last value of each device notification so a
// reconnecting device can be brought up to date.
type deviceCache struct {
	microphone *MicrophoneState
	location   *LocationTier
	apps       *app.AppStateSnapshot
}
