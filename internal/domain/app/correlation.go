package app

import (
	"sync"
	"time"
)

type correlation struct {
	packageName string
	createdAt   time.Time
	seq         uint64
	timer       *time.Timer
}

// CorrelationTable maps app originated request ids to the package that
// should receive the device's response. Request ids are chosen by apps, so
// entries are scoped per package: two apps may use the same id. Each entry
// is consumed exactly once, by Consume or by its timeout.
type CorrelationTable struct {
	guard    sync.Locker
	entries  map[string]map[string]*correlation // request id -> package; protected by guard
	size     int
	seq      uint64
	onExpire func(requestID, packageName string)
}

// NewCorrelationTable creates a table whose timers take guard before
// touching entries. onExpire runs with guard held.
func NewCorrelationTable(guard sync.Locker, onExpire func(requestID, packageName string)) *CorrelationTable {
	return &CorrelationTable{
		guard:    guard,
		entries:  make(map[string]map[string]*correlation),
		onExpire: onExpire,
	}
}

// Register records requestID for packageName. An id already outstanding
// for the same package is rejected. Caller holds guard.
func (t *CorrelationTable) Register(requestID, packageName string, timeout time.Duration) error {
	owners := t.entries[requestID]
	if _, exists := owners[packageName]; exists {
		return ErrDuplicateRequest
	}
	if owners == nil {
		owners = make(map[string]*correlation, 1)
		t.entries[requestID] = owners
	}

	t.seq++
	c := &correlation{packageName: packageName, createdAt: time.Now(), seq: t.seq}
	c.timer = time.AfterFunc(timeout, func() {
		t.guard.Lock()
		defer t.guard.Unlock()
		if t.entries[requestID][packageName] != c {
			return
		}
		t.remove(requestID, c)
		if t.onExpire != nil {
			t.onExpire(requestID, c.packageName)
		}
	})
	owners[packageName] = c
	t.size++
	return nil
}

// Consume removes requestID and returns its package. A non-empty
// packageName selects that app's entry; otherwise the oldest outstanding
// entry for requestID is taken. Caller holds guard.
func (t *CorrelationTable) Consume(requestID, packageName string) (string, bool) {
	owners := t.entries[requestID]
	var c *correlation
	if packageName != "" {
		c = owners[packageName]
	} else {
		for _, candidate := range owners {
			if c == nil || candidate.seq < c.seq {
				c = candidate
			}
		}
	}
	if c == nil {
		return "", false
	}
	c.timer.Stop()
	t.remove(requestID, c)
	return c.packageName, true
}

func (t *CorrelationTable) remove(requestID string, c *correlation) {
	owners := t.entries[requestID]
	delete(owners, c.packageName)
	if len(owners) == 0 {
		delete(t.entries, requestID)
	}
	t.size--
}

// DropPackage removes every entry owned by packageName.
func (t *CorrelationTable) DropPackage(packageName string) int {
	n := 0
	for reqID, owners := range t.entries {
		if c, ok := owners[packageName]; ok {
			c.timer.Stop()
			t.remove(reqID, c)
			n++
		}
	}
	return n
}

// Len returns the number of outstanding requests
func (t *CorrelationTable) Len() int {
	return t.size
}

// Clear drops every entry without firing expiry callbacks.
func (t *CorrelationTable) Clear() {
	for reqID, owners := range t.entries {
		for _, c := range owners {
			c.timer.Stop()
		}
		delete(t.entries, reqID)
	}
	t.size = 0
}
