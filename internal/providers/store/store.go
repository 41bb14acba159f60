package store

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/GlassRelay/backend/internal/infrastructure/config"
)

// Store persists which apps each user had running so they can be restarted
// when the user's session is recreated. Implementations are safe for
// concurrent use.
type Store interface {
	Add(ctx context.Context, userID, packageName string) error
	Remove(ctx context.Context, userID, packageName string) error
	List(ctx context.Context, userID string) ([]string, error)
	Close() error
}

// New opens the backend selected by cfg.Driver
func New(cfg config.StoreConfig, log *zap.Logger) (Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return OpenSQLite(cfg.SQLitePath)
	case "redis":
		return NewRedis(RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, log)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// Memory keeps running apps in process
type Memory struct {
	mu   sync.RWMutex
	apps map[string]map[string]struct{}
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{apps: make(map[string]map[string]struct{})}
}

func (m *Memory) Add(_ context.Context, userID, packageName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.apps[userID]
	if !ok {
		set = make(map[string]struct{})
		m.apps[userID] = set
	}
	set[packageName] = struct{}{}
	return nil
}

func (m *Memory) Remove(_ context.Context, userID, packageName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.apps[userID]
	delete(set, packageName)
	if len(set) == 0 {
		delete(m.apps, userID)
	}
	return nil
}

func (m *Memory) List(_ context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.apps[userID]))
	for pkg := range m.apps[userID] {
		out = append(out, pkg)
	}
	slices.Sort(out)
	return out, nil
}

func (m *Memory) Close() error { return nil }
