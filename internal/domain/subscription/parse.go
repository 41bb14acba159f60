package subscription

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/bytedance/sonic"
)

// DefaultLanguage is used for a bare "transcription" request
const DefaultLanguage = "en-US"

// ErrLocationOff marks a location entry whose rate is off. Such entries
// are dropped from the set rather than reported.
var ErrLocationOff = errors.New("location stream off")

// entry is the object form of a subscription request
type entry struct {
	Stream   string `json:"stream"`
	Rate     string `json:"rate,omitempty"`
	Language string `json:"language,omitempty"`
	Source   string `json:"source,omitempty"`
	Target   string `json:"target,omitempty"`
}

// Parse normalizes a subscription request string. Accepted forms:
//
//	audio_chunk | audio-chunk
//	transcription | transcription:en-US
//	translation:es-ES,en-US | translation:es-ES-to-en-US
//	location_stream | location_stream:fast
//
// A trailing "?options" suffix is ignored.
func Parse(raw string) (Subscription, error) {
	s := strings.TrimSpace(raw)
	if i := strings.IndexByte(s, '?'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return Subscription{}, fmt.Errorf("%w: empty request", ErrInvalidSubscription)
	}

	kind, arg, hasArg := strings.Cut(s, ":")
	stream := normalizeStream(kind)
	arg = strings.TrimSpace(arg)

	switch stream {
	case TranscriptionStream:
		if arg == "" {
			return Transcription(DefaultLanguage)
		}
		if strings.Contains(arg, ",") {
			return Subscription{}, fmt.Errorf("%w: transcription takes one language, got %q", ErrInvalidSubscription, arg)
		}
		return Transcription(arg)
	case TranslationStream:
		src, dst, ok := splitLanguagePair(arg)
		if !ok {
			return Subscription{}, fmt.Errorf("%w: translation needs source and target, got %q", ErrInvalidSubscription, arg)
		}
		return Translation(src, dst)
	case LocationStream, "location":
		if !hasArg || arg == "" {
			return Location(RateSlow)
		}
		rate, err := ParseRate(arg)
		if err != nil {
			return Subscription{}, err
		}
		return Location(rate)
	}

	if hasArg {
		return Subscription{}, fmt.Errorf("%w: %q takes no argument", ErrInvalidSubscription, kind)
	}
	return Topic(stream)
}

// ParseEntry parses one element of a subscription update, either a JSON
// string or an object such as {"stream":"location","rate":"fast"}.
func ParseEntry(raw []byte) (Subscription, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Subscription{}, fmt.Errorf("%w: empty entry", ErrInvalidSubscription)
	}

	if raw[0] == '"' {
		var s string
		if err := sonic.ConfigStd.Unmarshal(raw, &s); err != nil {
			return Subscription{}, fmt.Errorf("%w: %v", ErrInvalidSubscription, err)
		}
		return Parse(s)
	}

	var e entry
	if err := sonic.ConfigStd.Unmarshal(raw, &e); err != nil {
		return Subscription{}, fmt.Errorf("%w: %v", ErrInvalidSubscription, err)
	}

	switch stream := normalizeStream(e.Stream); stream {
	case LocationStream, "location":
		rate := RateSlow
		if e.Rate != "" {
			r, err := ParseRate(e.Rate)
			if err != nil {
				return Subscription{}, err
			}
			rate = r
		}
		return Location(rate)
	case TranscriptionStream:
		lang := firstNonEmpty(e.Language, e.Source, DefaultLanguage)
		return Transcription(lang)
	case TranslationStream:
		return Translation(firstNonEmpty(e.Source, e.Language), e.Target)
	default:
		return Topic(stream)
	}
}

// ParseSet builds a full replacement set from raw update entries. Invalid
// entries are skipped and reported; for location only the last rate wins.
func ParseSet(entries []json.RawMessage) (Set, []error) {
	set := make(Set, len(entries))
	var errs []error
	for _, raw := range entries {
		sub, err := ParseEntry(raw)
		collect(set, sub, err, &errs)
	}
	return set, errs
}

// ParseStrings is ParseSet for plain request strings.
func ParseStrings(requests []string) (Set, []error) {
	set := make(Set, len(requests))
	var errs []error
	for _, r := range requests {
		sub, err := Parse(r)
		collect(set, sub, err, &errs)
	}
	return set, errs
}

func collect(set Set, sub Subscription, err error, errs *[]error) {
	switch {
	case errors.Is(err, ErrLocationOff):
		dropLocation(set)
	case err != nil:
		*errs = append(*errs, err)
	default:
		if sub.Kind() == KindLocation {
			dropLocation(set)
		}
		set[sub] = struct{}{}
	}
}

func dropLocation(set Set) {
	for s := range set {
		if s.Kind() == KindLocation {
			delete(set, s)
		}
	}
}

// NormalizeLanguage canonicalizes a BCP 47 style tag: "en_us" becomes
// "en-US", "zh-hans-cn" becomes "zh-Hans-CN".
func NormalizeLanguage(tag string) (string, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return "", fmt.Errorf("%w: empty language", ErrInvalidSubscription)
	}
	parts := strings.FieldsFunc(tag, func(r rune) bool { return r == '-' || r == '_' })
	for i, p := range parts {
		if len(p) > 8 || !isAlnum(p) {
			return "", fmt.Errorf("%w: bad language tag %q", ErrInvalidSubscription, tag)
		}
		switch {
		case i == 0:
			if len(p) < 2 || len(p) > 3 || !isAlpha(p) {
				return "", fmt.Errorf("%w: bad language tag %q", ErrInvalidSubscription, tag)
			}
			parts[i] = strings.ToLower(p)
		case len(p) == 4 && isAlpha(p):
			parts[i] = strings.ToUpper(p[:1]) + strings.ToLower(p[1:])
		case len(p) == 2 && isAlpha(p), len(p) == 3 && !isAlpha(p):
			parts[i] = strings.ToUpper(p)
		default:
			parts[i] = strings.ToLower(p)
		}
	}
	return strings.Join(parts, "-"), nil
}

func splitLanguagePair(arg string) (string, string, bool) {
	if src, dst, ok := strings.Cut(arg, ","); ok {
		src, dst = strings.TrimSpace(src), strings.TrimSpace(dst)
		return src, dst, src != "" && dst != ""
	}
	if src, dst, ok := strings.Cut(arg, "-to-"); ok {
		return src, dst, src != "" && dst != ""
	}
	return "", "", false
}

func normalizeStream(kind string) StreamType {
	k := strings.ToLower(strings.TrimSpace(kind))
	return StreamType(strings.ReplaceAll(k, "-", "_"))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func isAlpha(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) || r > unicode.MaxASCII {
			return false
		}
	}
	return true
}

func isAlnum(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII || !(unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return false
		}
	}
	return true
}
