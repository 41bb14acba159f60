// Package id provides ULID based identifiers for the relay.
//
// Identifiers are lexicographically sortable and carry a short prefix so
// they can be told apart in logs:
//   - req_*   broker to app requests awaiting a reply
//   - usr_*   user session instances (one per device link lifetime)
//   - wake_*  resurrection webhook deliveries
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// RequestID correlates a request with its reply
type RequestID string

// SessionID identifies a user session instance
type SessionID string

// WakeID identifies a single resurrection webhook delivery
type WakeID string

const (
	RequestPrefix = "req"
	SessionPrefix = "usr"
	WakePrefix    = "wake"
)

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex // Protects entropy reader
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the process wide generator
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator backed by crypto/rand with monotonic
// entropy, so ids minted within the same millisecond still sort in order.
func NewGenerator() *Generator {
	return NewGeneratorWithEntropy(ulid.Monotonic(rand.Reader, 0))
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewRequestID generates a new request ID
func NewRequestID() RequestID {
	return RequestID(Default().GenerateWithPrefix(RequestPrefix))
}

// NewSessionID generates a new user session ID
func NewSessionID() SessionID {
	return SessionID(Default().GenerateWithPrefix(SessionPrefix))
}

// NewWakeID generates a new wake delivery ID
func NewWakeID() WakeID {
	return WakeID(Default().GenerateWithPrefix(WakePrefix))
}

func (id RequestID) String() string { return string(id) }
func (id SessionID) String() string { return string(id) }
func (id WakeID) String() string    { return string(id) }

// Split separates a prefixed id into its prefix and ULID part.
func Split(prefixed string) (prefix string, raw string, ok bool) {
	prefix, raw, ok = strings.Cut(prefixed, "_")
	if !ok {
		return "", prefixed, false
	}
	return prefix, raw, true
}

// Timestamp extracts the creation time from a prefixed or bare ULID.
func Timestamp(s string) (time.Time, error) {
	_, raw, _ := Split(s)
	parsed, err := ulid.Parse(raw)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}

// IsValid reports whether s is a bare or prefixed ULID.
func IsValid(s string) bool {
	_, raw, _ := Split(s)
	_, err := ulid.Parse(raw)
	return err == nil
}
