package session

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/GlassRelay/backend/internal/domain/app"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/providers/transcription"
)

// Options carries what every user session is built from
type Options struct {
	App             app.Config
	Catalog         Catalog
	Wakers          func(userID string) app.Waker
	Store           app.RunningAppsStore
	Permissions     app.PermissionChecker
	Provider        transcription.Provider
	ProviderTimeout time.Duration
	RestoreTimeout  time.Duration
	Metrics         *monitoring.Metrics
	Logger          *zap.Logger
}

// Registry owns the live user sessions
type Registry struct {
	opts Options

	mu     sync.Mutex
	users  map[string]*UserSession
	closed bool

	restores sync.WaitGroup
}

// NewRegistry creates an empty registry
func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RestoreTimeout <= 0 {
		opts.RestoreTimeout = time.Minute
	}
	return &Registry{opts: opts, users: make(map[string]*UserSession)}
}

// GetOrCreate returns the user's session, creating it on first use. A new
// session restarts the user's previously running apps in the background.
func (r *Registry) GetOrCreate(userID string) (*UserSession, bool, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, false, ErrSessionClosed
	}
	if u, ok := r.users[userID]; ok {
		r.mu.Unlock()
		return u, false, nil
	}
	u := newUserSession(userID, r.opts)
	r.users[userID] = u
	count := len(r.users)
	if r.opts.Store != nil {
		r.restores.Add(1)
	}
	r.mu.Unlock()

	r.setGauge(count)
	r.opts.Logger.Info("User session created", zap.String("user_id", userID))

	if r.opts.Store != nil {
		go func() {
			defer r.restores.Done()
			ctx, cancel := context.WithTimeout(context.Background(), r.opts.RestoreTimeout)
			defer cancel()
			u.RestoreApps(ctx)
		}()
	}
	return u, true, nil
}

// Get returns the user's session if it exists
func (r *Registry) Get(userID string) (*UserSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	return u, ok
}

// Remove closes and forgets the user's session
func (r *Registry) Remove(userID string) bool {
	r.mu.Lock()
	u, ok := r.users[userID]
	delete(r.users, userID)
	count := len(r.users)
	r.mu.Unlock()
	if !ok {
		return false
	}

	u.Close()
	r.setGauge(count)
	return true
}

// Users returns the ids of every live session, sorted
func (r *Registry) Users() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.users))
	for id := range r.users {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Len returns the number of live sessions
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

// Close ends every session and waits for background restores
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	users := r.users
	r.users = make(map[string]*UserSession)
	r.mu.Unlock()

	for _, u := range users {
		u.Close()
	}
	r.restores.Wait()
	r.setGauge(0)
}

func (r *Registry) setGauge(n int) {
	if r.opts.Metrics != nil {
		r.opts.Metrics.SetUserSessions(n)
	}
}
