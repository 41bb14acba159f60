package app

import (
	"context"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/GlassRelay/backend/internal/domain/subscription"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/shared/types"
)

// SendResult reports the outcome of SendToPackageName
type SendResult struct {
	Sent                  bool
	ResurrectionTriggered bool
	Err                   error
}

// Publish queues frame for every app subscribed to topic except those in
// exclude and returns how many sessions accepted it. A session that drops
// the frame does not affect delivery to the others.
func (m *Manager) Publish(topic subscription.Subscription, frame types.Frame, exclude ...string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return 0
	}

	delivered := 0
	for _, pkg := range m.index.SubscribersOf(topic) {
		if slices.Contains(exclude, pkg) {
			continue
		}
		s, ok := m.sessions[pkg]
		if !ok {
			m.logger.Warn("Index references unknown app", zap.String("package", pkg))
			continue
		}
		if s.Send(frame) {
			delivered++
		}
	}
	if m.metrics != nil {
		m.metrics.RecordDelivery(string(topic.Stream), delivered)
	}
	return delivered
}

// PublishData wraps data in a data_stream message for topic and publishes it.
func (m *Manager) PublishData(topic subscription.Subscription, data []byte, exclude ...string) (int, error) {
	msg := types.NewMessage(types.MsgDataStream)
	msg.StreamType = topic.String()
	msg.Data = data
	frame, err := types.Encode(msg)
	if err != nil {
		return 0, err
	}
	return m.Publish(topic, frame, exclude...), nil
}

// RespondTo routes a device response to the app that issued requestID.
// msg.PackageName, when set, selects which app's request is answered. It
// returns true at most once per request id, and false whenever nobody can
// receive the response.
func (m *Manager) RespondTo(requestID string, msg *types.Message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return false
	}

	pkg, ok := m.correlations.Consume(requestID, msg.PackageName)
	if !ok {
		m.recordCorrelation("miss")
		m.logger.Debug("No pending request for response", zap.String("request_id", requestID))
		return false
	}

	s, ok := m.sessions[pkg]
	if !ok {
		m.recordCorrelation("gone")
		return false
	}
	msg.RequestID = requestID
	msg.PackageName = pkg
	frame, err := types.Encode(msg)
	if err != nil {
		m.logger.Error("Failed to encode response", zap.String("request_id", requestID), zap.Error(err))
		return false
	}
	if !s.Send(frame) {
		m.recordCorrelation("gone")
		m.logger.Warn("Response not delivered",
			zap.String("package", pkg),
			zap.String("request_id", requestID),
			zap.String("state", string(s.state)),
		)
		return false
	}
	m.recordCorrelation("hit")
	return true
}

func (m *Manager) recordCorrelation(result string) {
	if m.metrics != nil {
		m.metrics.RecordCorrelation(result)
	}
}

// SendToPackageName sends msg to one app. Sending to a disconnected app
// kicks off its resurrection instead.
func (m *Manager) SendToPackageName(pkg string, msg *types.Message) SendResult {
	frame, err := types.Encode(msg)
	if err != nil {
		return SendResult{Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return SendResult{Err: ErrManagerDisposed}
	}
	s, ok := m.sessions[pkg]
	if !ok {
		return SendResult{Err: ErrAppNotFound}
	}

	switch s.state {
	case StateDisconnected:
		if s.stopped || !m.resurrectNowLocked(s) {
			return SendResult{Err: ErrAppNotRunning}
		}
		return SendResult{ResurrectionTriggered: true}
	case StateStopping:
		return SendResult{Err: ErrAppStopping}
	}
	if !s.Send(frame) {
		return SendResult{Err: ErrQueueFull}
	}
	return SendResult{Sent: true}
}

// RequestApp sends msg to pkg and waits for the app's reply. The reply is
// an inbound frame carrying the same request id.
func (m *Manager) RequestApp(ctx context.Context, pkg string, msg *types.Message, timeout time.Duration) (*types.Message, error) {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return nil, ErrManagerDisposed
	}
	s, ok := m.sessions[pkg]
	if !ok {
		m.mu.Unlock()
		return nil, ErrAppNotFound
	}
	reqID, replies, err := s.request(msg, m.requestTimeout(timeout))
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	select {
	case r := <-replies:
		return r.Message, r.Err
	case <-ctx.Done():
		m.mu.Lock()
		s.resolve(reqID, Reply{Err: ErrCancelled})
		m.mu.Unlock()
		return nil, ctx.Err()
	}
}

// HandleAppMessage processes one inbound frame from the app connection
// identified by transportID. Frames from retired connections are dropped.
func (m *Manager) HandleAppMessage(pkg, transportID string, msg *types.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return ErrManagerDisposed
	}
	s, ok := m.sessions[pkg]
	if !ok || s.binding == nil || s.binding.transport.ID() != transportID {
		return ErrAppNotRunning
	}
	s.touch()

	if msg.Type == types.MsgSubscriptionUpdate {
		set, rejected := subscription.ParseSet(msg.Subscriptions)
		_, err := m.updateSubscriptionsLocked(pkg, set, rejected)
		return err
	}

	// A reply to one of our own requests
	if msg.RequestID != "" && s.resolve(msg.RequestID, Reply{Message: msg}) {
		return nil
	}

	if msg.RequestID != "" {
		if err := m.correlations.Register(msg.RequestID, pkg, m.cfg.RequestTimeout); err != nil {
			m.logger.Warn("Rejected app request",
				zap.String("package", pkg),
				zap.String("request_id", msg.RequestID),
				zap.Error(err),
			)
			m.sendRequestErrorLocked(s, msg.RequestID, err)
			return err
		}
	}

	msg.PackageName = pkg
	if m.deps.Device == nil || !m.deps.Device.Forward(pkg, msg) {
		if msg.RequestID != "" {
			m.correlations.Consume(msg.RequestID, pkg)
			m.sendRequestErrorLocked(s, msg.RequestID, ErrDeviceOffline)
		}
		return ErrDeviceOffline
	}
	return nil
}

func (m *Manager) sendRequestErrorLocked(s *Session, requestID string, cause error) {
	msg := types.NewMessage(types.MsgRequestError)
	msg.RequestID = requestID
	msg.Error = cause.Error()
	frame, err := types.Encode(msg)
	if err != nil {
		return
	}
	s.Send(frame)
}

func (m *Manager) onCorrelationExpired(requestID, pkg string) {
	m.recordCorrelation("timeout")
	m.logger.Debug("App request timed out",
		zap.String("package", pkg),
		zap.String("request_id", requestID),
	)
	s, ok := m.sessions[pkg]
	if !ok {
		return
	}
	msg := types.NewMessage(types.MsgRequestTimeout)
	msg.RequestID = requestID
	msg.Error = ErrRequestTimeout.Error()
	if frame, err := types.Encode(msg); err == nil {
		s.Send(frame)
	}
}
