package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/GlassRelay/backend/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/shared/id"
)

var ErrNoWebhook = errors.New("app has no webhook configured")

// StatusError is a non-2xx webhook response
type StatusError struct {
	PackageName string
	Code        int
	Body        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook %s returned %d: %s", e.PackageName, e.Code, e.Body)
}

// Retryable reports whether the target may succeed on a later attempt
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Resolver maps a package name to its webhook URL
type Resolver interface {
	WebhookURL(packageName string) (string, bool)
}

// Request is the body posted to an app's webhook
type Request struct {
	Type        string `json:"type"`
	SessionID   string `json:"sessionId"`
	UserID      string `json:"userId"`
	PackageName string `json:"packageName"`
	WakeID      string `json:"wakeId"`
	RelayURL    string `json:"relayUrl"`
	Timestamp   int64  `json:"timestamp"`
}

// Config holds client settings
type Config struct {
	Timeout           time.Duration
	Retries           int
	RetryWait         time.Duration
	MaxRetryWait      time.Duration
	RequestsPerSecond float64
	Secret            string
	PublicURL         string
	BreakerThreshold  uint32
	BreakerCooldown   time.Duration
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		Timeout:           10 * time.Second,
		Retries:           2,
		RetryWait:         200 * time.Millisecond,
		MaxRetryWait:      2 * time.Second,
		RequestsPerSecond: 20,
		PublicURL:         "ws://localhost:8000/app-ws",
		BreakerThreshold:  3,
		BreakerCooldown:   30 * time.Second,
	}
}

// Client posts session requests to app webhooks so the app's backend dials
// back in. Each package gets its own circuit breaker.
type Client struct {
	resty    *resty.Client
	limiter  *rate.Limiter
	breakers *resilience.Group
	resolver Resolver
	cfg      Config
	metrics  *monitoring.Metrics
	log      *zap.Logger
}

// New creates a webhook client
func New(cfg Config, resolver Resolver, metrics *monitoring.Metrics, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("webhook")

	retryClient := retryablehttp.NewClient()
	retryClient.Logger = nil

	r := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(cfg.MaxRetryWait).
		SetHeader("User-Agent", "GlassRelay-Webhook/1.0").
		SetHeader("Content-Type", "application/json").
		SetJSONMarshaler(sonic.Marshal).
		SetJSONUnmarshaler(sonic.Unmarshal).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			code := resp.StatusCode()
			return code == http.StatusTooManyRequests || code >= 500
		})
	r.SetTransport(retryClient.HTTPClient.Transport)
	if cfg.Secret != "" {
		r.SetAuthToken(cfg.Secret)
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(1, int(cfg.RequestsPerSecond)))
	}

	breakers := resilience.NewGroup(resilience.Settings{
		Threshold: cfg.BreakerThreshold,
		Cooldown:  cfg.BreakerCooldown,
		IsFailure: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.Retryable()
			}
			return true
		},
		OnStateChange: func(pkg string, from, to resilience.State) {
			log.Info("webhook breaker state changed",
				zap.String("package", pkg),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Client{
		resty:    r,
		limiter:  limiter,
		breakers: breakers,
		resolver: resolver,
		cfg:      cfg,
		metrics:  metrics,
		log:      log,
	}
}

// Wake asks packageName's backend to open a session for userID
func (c *Client) Wake(ctx context.Context, userID, packageName string) error {
	url, ok := c.resolver.WebhookURL(packageName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoWebhook, packageName)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("webhook rate limit: %w", err)
	}

	body := Request{
		Type:        "session_request",
		SessionID:   userID + "-" + packageName,
		UserID:      userID,
		PackageName: packageName,
		WakeID:      id.NewWakeID().String(),
		RelayURL:    c.cfg.PublicURL,
		Timestamp:   time.Now().UnixMilli(),
	}

	timer := monitoring.NewTimer(c.metrics)
	err := c.breakers.Do(ctx, packageName, func(ctx context.Context) error {
		return c.post(ctx, url, body)
	})
	timer.Stop(statusLabel(err))

	if err != nil {
		c.log.Warn("webhook failed",
			zap.String("user_id", userID),
			zap.String("package", packageName),
			zap.String("wake_id", body.WakeID),
			zap.Error(err))
		return err
	}
	c.log.Debug("webhook delivered",
		zap.String("user_id", userID),
		zap.String("package", packageName),
		zap.String("wake_id", body.WakeID))
	return nil
}

func (c *Client) post(ctx context.Context, url string, body Request) error {
	resp, err := c.resty.R().
		SetContext(ctx).
		SetBody(body).
		Post(url)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", body.PackageName, err)
	}
	if resp.IsError() {
		return &StatusError{
			PackageName: body.PackageName,
			Code:        resp.StatusCode(),
			Body:        truncate(resp.String(), 256),
		}
	}
	return nil
}

// BreakerStates reports per package breaker states
func (c *Client) BreakerStates() map[string]string {
	out := make(map[string]string)
	for pkg, s := range c.breakers.States() {
		out[pkg] = s.String()
	}
	return out
}

// ForUser binds the client to one user so it satisfies the app manager's
// Waker interface.
func (c *Client) ForUser(userID string) *UserWaker {
	return &UserWaker{client: c, userID: userID}
}

// UserWaker wakes apps on behalf of one user
type UserWaker struct {
	client *Client
	userID string
}

// Wake implements app.Waker
func (w *UserWaker) Wake(ctx context.Context, packageName string) error {
	return w.client.Wake(ctx, w.userID, packageName)
}

func statusLabel(err error) string {
	var se *StatusError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, resilience.ErrProbeInFlight):
		return "rejected"
	case errors.As(err, &se):
		return strconv.Itoa(se.Code)
	default:
		return "error"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
