package app

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type resurrection struct {
	timer *time.Timer
	at    time.Time
}

// scheduleResurrectionLocked arms the backoff timer that will wake s. After
// the configured number of failed attempts the session stays DISCONNECTED.
func (m *Manager) scheduleResurrectionLocked(s *Session) {
	if !m.cfg.ResurrectEnabled || m.deps.Waker == nil || m.disposed || s.stopped {
		return
	}
	if s.state != StateDisconnected {
		return
	}
	if m.cfg.ResurrectMaxAttempts > 0 && s.wakeAttempts >= m.cfg.ResurrectMaxAttempts {
		if m.metrics != nil {
			m.metrics.RecordResurrection("exhausted")
		}
		m.logger.Error("Giving up on app resurrection",
			zap.String("package", s.packageName),
			zap.Int("attempts", s.wakeAttempts),
		)
		return
	}

	pkg := s.packageName
	delay := m.cfg.ResurrectBackoff.Duration(s.wakeAttempts)
	m.cancelResurrectionLocked(pkg)

	r := &resurrection{at: time.Now().Add(delay)}
	r.timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.resurrections[pkg] != r {
			return
		}
		delete(m.resurrections, pkg)
		m.resurrectLocked(s)
	})
	m.resurrections[pkg] = r

	m.logger.Info("Scheduled app resurrection",
		zap.String("package", pkg),
		zap.Int("attempt", s.wakeAttempts+1),
		zap.Duration("delay", delay),
	)
}

func (m *Manager) cancelResurrectionLocked(pkg string) {
	if r, ok := m.resurrections[pkg]; ok {
		r.timer.Stop()
		delete(m.resurrections, pkg)
	}
}

// resurrectNowLocked wakes s immediately, skipping any pending backoff. An
// exhausted attempt budget is reset since someone wants the app again.
func (m *Manager) resurrectNowLocked(s *Session) bool {
	m.cancelResurrectionLocked(s.packageName)
	if m.cfg.ResurrectMaxAttempts > 0 && s.wakeAttempts >= m.cfg.ResurrectMaxAttempts {
		s.wakeAttempts = 0
	}
	return m.resurrectLocked(s)
}

func (m *Manager) resurrectLocked(s *Session) bool {
	if m.disposed || s.stopped || s.state != StateDisconnected || m.deps.Waker == nil {
		return false
	}
	s.wakeAttempts++
	s.transition(StateResurrecting)
	s.armTimer(timerConnect, m.cfg.ConnectTimeout)
	m.notifyStateLocked()

	go m.wake(s, s.wakeAttempts)
	return true
}

// wake calls the webhook outside the lock and handles the result.
func (m *Manager) wake(s *Session, attempt int) {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.WakeTimeout)
	err := m.deps.Waker.Wake(ctx, s.packageName)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	if err == nil {
		if m.metrics != nil {
			m.metrics.RecordResurrection("woken")
		}
		m.logger.Info("Woke app", zap.String("package", s.packageName), zap.Int("attempt", attempt))
		return
	}
	if m.metrics != nil {
		m.metrics.RecordResurrection("failed")
	}
	if m.disposed || s.state != StateResurrecting || s.wakeAttempts != attempt {
		return
	}

	m.logger.Warn("Failed to wake app",
		zap.String("package", s.packageName),
		zap.Int("attempt", attempt),
		zap.Error(err),
	)
	s.cancelTimer()
	s.transition(StateDisconnected)
	m.notifyStateLocked()
	m.scheduleResurrectionLocked(s)
}
