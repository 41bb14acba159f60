package app

import (
	"encoding/json"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/GlassRelay/backend/internal/domain/subscription"
)

// SubscriptionResult reports what a subscription update changed
type SubscriptionResult struct {
	Added    []subscription.Subscription
	Removed  []subscription.Subscription
	Denied   []subscription.Subscription // filtered by permissions
	Rejected []error                     // entries that failed to parse
	Deferred bool                        // empty set held back during a reconnect
}

// UpdateSubscriptions replaces pkg's subscription set with requests.
func (m *Manager) UpdateSubscriptions(pkg string, requests []string) (SubscriptionResult, error) {
	set, rejected := subscription.ParseStrings(requests)

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateSubscriptionsLocked(pkg, set, rejected)
}

// HandleSubscriptionUpdate is UpdateSubscriptions for raw wire entries.
func (m *Manager) HandleSubscriptionUpdate(pkg string, entries []json.RawMessage) (SubscriptionResult, error) {
	set, rejected := subscription.ParseSet(entries)

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateSubscriptionsLocked(pkg, set, rejected)
}

func (m *Manager) updateSubscriptionsLocked(pkg string, set subscription.Set, rejected []error) (SubscriptionResult, error) {
	if m.disposed {
		return SubscriptionResult{}, ErrManagerDisposed
	}
	s, ok := m.sessions[pkg]
	if !ok {
		return SubscriptionResult{}, ErrAppNotFound
	}
	if s.state != StateRunning && s.state != StateConnecting {
		return SubscriptionResult{}, ErrAppNotRunning
	}

	res := SubscriptionResult{Rejected: rejected}
	for _, err := range rejected {
		m.logger.Warn("Ignoring invalid subscription", zap.String("package", pkg), zap.Error(err))
	}
	if m.deps.Permissions != nil {
		for sub := range set {
			if !m.deps.Permissions.Allowed(pkg, sub) {
				delete(set, sub)
				res.Denied = append(res.Denied, sub)
			}
		}
		if len(res.Denied) > 0 {
			slices.SortFunc(res.Denied, compareSubs)
			m.logger.Warn("Subscriptions denied by permissions",
				zap.String("package", pkg),
				zap.Stringers("streams", res.Denied),
			)
		}
	}
	s.touch()

	// An app that just reconnected often sends an empty set before its real
	// one. Hold the empty set back briefly so demand does not flap to off.
	if len(set) == 0 && len(s.subscriptions) > 0 && m.cfg.EmptySubscriptionGrace > 0 {
		if elapsed := time.Since(s.attachedAt); elapsed < m.cfg.EmptySubscriptionGrace {
			s.deferEmptyUpdate(m.cfg.EmptySubscriptionGrace-elapsed, func() {
				m.commitSubscriptionsLocked(s, subscription.NewSet())
			})
			res.Deferred = true
			m.logger.Debug("Deferring empty subscription update", zap.String("package", pkg))
			return res, nil
		}
	}

	s.cancelEmptyDeferral()
	res.Removed, res.Added = m.commitSubscriptionsLocked(s, set)
	return res, nil
}

func (m *Manager) commitSubscriptionsLocked(s *Session, set subscription.Set) (removed, added []subscription.Subscription) {
	if m.disposed {
		return nil, nil
	}
	removed, added = s.applySubscriptionUpdate(set)
	if len(removed) == 0 && len(added) == 0 {
		return nil, nil
	}
	m.index.ApplyDelta(s.packageName, removed, added)
	m.logger.Debug("Subscriptions updated",
		zap.String("package", s.packageName),
		zap.Stringers("added", added),
		zap.Stringers("removed", removed),
	)
	m.recomputeDemandLocked()
	m.notifyStateLocked()
	return removed, added
}

// recomputeDemandLocked derives demand from the index and notifies each
// collaborator only when its own signal changed.
func (m *Manager) recomputeDemandLocked() {
	d := m.index.Demand()
	prev := m.demand
	m.demand = d

	if d.HasPCM != prev.HasPCM || d.HasTranscriptionLike != prev.HasTranscriptionLike {
		m.logger.Info("Microphone demand changed",
			zap.Bool("pcm", d.HasPCM),
			zap.Bool("transcription", d.HasTranscriptionLike),
		)
		if m.metrics != nil {
			m.metrics.RecordDemandChange("microphone")
		}
		if m.deps.Microphone != nil {
			m.deps.Microphone.SetDemand(d.HasPCM, d.HasTranscriptionLike)
		}
	}

	if d.LocationRate != prev.LocationRate {
		if m.metrics != nil {
			m.metrics.RecordDemandChange("location")
		}
		if m.deps.Location != nil {
			m.deps.Location.SetLocationTier(d.LocationRate)
		}
	}

	langs := m.index.LanguageStreams()
	if !slices.Equal(langs, m.languages) {
		m.languages = langs
		if m.metrics != nil {
			m.metrics.RecordDemandChange("languages")
		}
		if m.deps.Languages != nil {
			m.deps.Languages.OnSubscriptionsChanged(slices.Clone(langs))
		}
	}
}

// Demand returns the aggregate demand currently in effect
func (m *Manager) Demand() subscription.Demand {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.demand
}

// HasSubscribers reports whether any app wants topic
func (m *Manager) HasSubscribers(topic subscription.Subscription) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.disposed && m.index.HasSubscribers(topic)
}

// SubscribersOf returns the packages subscribed to topic
func (m *Manager) SubscribersOf(topic subscription.Subscription) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return nil
	}
	return m.index.SubscribersOf(topic)
}

func compareSubs(a, b subscription.Subscription) int {
	return strings.Compare(a.String(), b.String())
}
