package subscription

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var ErrInvalidSubscription = errors.New("invalid subscription")

// StreamType names a data stream an app can subscribe to
type StreamType string

// Simple streams
const (
	AudioChunk             StreamType = "audio_chunk"
	ButtonPress            StreamType = "button_press"
	HeadPosition           StreamType = "head_position"
	TouchEvent             StreamType = "touch_event"
	VAD                    StreamType = "vad"
	PhoneNotification      StreamType = "phone_notification"
	NotificationDismissed  StreamType = "notification_dismissed"
	CalendarEvent          StreamType = "calendar_event"
	GlassesBattery         StreamType = "glasses_battery_update"
	PhoneBattery           StreamType = "phone_battery_update"
	GlassesConnectionState StreamType = "glasses_connection_state"
	VideoStatus            StreamType = "video_stream_status"
	RTMPStatus             StreamType = "rtmp_stream_status"
	PhotoTaken             StreamType = "photo_taken"
)

// Parameterized streams
const (
	TranscriptionStream StreamType = "transcription"
	TranslationStream   StreamType = "translation"
	LocationStream      StreamType = "location_stream"
)

var simpleStreams = map[StreamType]struct{}{
	AudioChunk: {}, ButtonPress: {}, HeadPosition: {}, TouchEvent: {}, VAD: {},
	PhoneNotification: {}, NotificationDismissed: {}, CalendarEvent: {},
	GlassesBattery: {}, PhoneBattery: {}, GlassesConnectionState: {},
	VideoStatus: {}, RTMPStatus: {}, PhotoTaken: {},
}

// IsSimple reports whether s is a known parameterless stream
func (s StreamType) IsSimple() bool {
	_, ok := simpleStreams[s]
	return ok
}

// IsLanguage reports whether s is transcription or translation
func (s StreamType) IsLanguage() bool {
	return s == TranscriptionStream || s == TranslationStream
}

// Kind classifies a Subscription
type Kind uint8

const (
	KindSimple Kind = iota
	KindLanguage
	KindLocation
)

// LocationRate is the accuracy tier of a location stream
type LocationRate uint8

const (
	RateOff LocationRate = iota
	RateSlow
	RateFast
)

// String returns the wire name of the rate
func (r LocationRate) String() string {
	switch r {
	case RateSlow:
		return "slow"
	case RateFast:
		return "fast"
	default:
		return "off"
	}
}

// ParseRate converts a wire rate name
func ParseRate(s string) (LocationRate, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off":
		return RateOff, nil
	case "slow", "standard", "reduced":
		return RateSlow, nil
	case "fast", "high", "realtime":
		return RateFast, nil
	default:
		return RateOff, fmt.Errorf("%w: unknown location rate %q", ErrInvalidSubscription, s)
	}
}

// Subscription is a canonical, comparable topic key. Two apps asking for
// the same stream produce equal values, so it can be used as a map key.
type Subscription struct {
	Stream StreamType
	Source string       // language streams only
	Target string       // translation only
	Rate   LocationRate // location only
}

// Kind returns the subscription class
func (s Subscription) Kind() Kind {
	switch {
	case s.Stream.IsLanguage():
		return KindLanguage
	case s.Stream == LocationStream:
		return KindLocation
	default:
		return KindSimple
	}
}

// String renders the canonical request form
func (s Subscription) String() string {
	switch s.Stream {
	case TranscriptionStream:
		return string(s.Stream) + ":" + s.Source
	case TranslationStream:
		return string(s.Stream) + ":" + s.Source + "," + s.Target
	case LocationStream:
		return string(s.Stream) + ":" + s.Rate.String()
	default:
		return string(s.Stream)
	}
}

// Topic builds a simple stream subscription
func Topic(stream StreamType) (Subscription, error) {
	if !stream.IsSimple() {
		return Subscription{}, fmt.Errorf("%w: %q is not a simple stream", ErrInvalidSubscription, stream)
	}
	return Subscription{Stream: stream}, nil
}

// Transcription builds a transcription subscription for lang
func Transcription(lang string) (Subscription, error) {
	src, err := NormalizeLanguage(lang)
	if err != nil {
		return Subscription{}, err
	}
	return Subscription{Stream: TranscriptionStream, Source: src}, nil
}

// Translation builds a source to target translation subscription
func Translation(source, target string) (Subscription, error) {
	src, err := NormalizeLanguage(source)
	if err != nil {
		return Subscription{}, err
	}
	dst, err := NormalizeLanguage(target)
	if err != nil {
		return Subscription{}, err
	}
	if src == dst {
		return Subscription{}, fmt.Errorf("%w: translation %s to itself", ErrInvalidSubscription, src)
	}
	return Subscription{Stream: TranslationStream, Source: src, Target: dst}, nil
}

// Location builds a location stream subscription. RateOff yields
// ErrLocationOff: an app that wants no location simply omits the stream.
func Location(rate LocationRate) (Subscription, error) {
	if rate == RateOff {
		return Subscription{}, ErrLocationOff
	}
	if rate != RateSlow && rate != RateFast {
		return Subscription{}, fmt.Errorf("%w: location rate %s", ErrInvalidSubscription, rate)
	}
	return Subscription{Stream: LocationStream, Rate: rate}, nil
}

// AnyLocation is the publish topic for location data. It matches every
// location subscriber whatever its rate.
var AnyLocation = Subscription{Stream: LocationStream}

// MustParse is like Parse but panics on error. Intended for constants and tests.
func MustParse(s string) Subscription {
	sub, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return sub
}

// Set is an app's full subscription set
type Set map[Subscription]struct{}

// NewSet builds a set from subs
func NewSet(subs ...Subscription) Set {
	set := make(Set, len(subs))
	for _, s := range subs {
		set[s] = struct{}{}
	}
	return set
}

// Has reports membership
func (s Set) Has(sub Subscription) bool {
	_, ok := s[sub]
	return ok
}

// Clone returns a copy
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for sub := range s {
		out[sub] = struct{}{}
	}
	return out
}

// Equal reports whether both sets hold the same subscriptions
func (s Set) Equal(other Set) bool {
	if len(s) != len(other) {
		return false
	}
	for sub := range s {
		if !other.Has(sub) {
			return false
		}
	}
	return true
}

// Diff returns what must be removed from and added to s to obtain next.
func (s Set) Diff(next Set) (removed, added []Subscription) {
	for sub := range s {
		if !next.Has(sub) {
			removed = append(removed, sub)
		}
	}
	for sub := range next {
		if !s.Has(sub) {
			added = append(added, sub)
		}
	}
	sortSubs(removed)
	sortSubs(added)
	return removed, added
}

// Slice returns the members sorted by canonical string
func (s Set) Slice() []Subscription {
	out := make([]Subscription, 0, len(s))
	for sub := range s {
		out = append(out, sub)
	}
	sortSubs(out)
	return out
}

// Strings returns the sorted canonical strings
func (s Set) Strings() []string {
	subs := s.Slice()
	out := make([]string, len(subs))
	for i, sub := range subs {
		out[i] = sub.String()
	}
	return out
}

func sortSubs(subs []Subscription) {
	slices.SortFunc(subs, func(a, b Subscription) int {
		return strings.Compare(a.String(), b.String())
	})
}
