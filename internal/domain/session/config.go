package session

import (
	"time"

	"github.com/GriffinCanCode/GlassRelay/backend/internal/domain/app"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/infrastructure/config"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/shared/queue"
)

// AppConfig derives per user app manager settings from the loaded config
func AppConfig(cfg *config.Config) (app.Config, error) {
	policy, err := queue.ParseDropPolicy(cfg.Session.DropPolicy)
	if err != nil {
		return app.Config{}, err
	}

	out := app.DefaultConfig()
	out.GracePeriod = cfg.Session.GracePeriod
	out.ConnectTimeout = cfg.Session.ConnectTimeout
	out.RequestTimeout = cfg.Session.RequestTimeout
	out.EmptySubscriptionGrace = cfg.Session.EmptySubscriptionGrace
	out.SendQueueSize = cfg.Session.SendQueueSize
	out.DropPolicy = policy
	out.WakeTimeout = cfg.Webhook.Timeout * time.Duration(cfg.Webhook.Retries+1)

	out.ResurrectEnabled = cfg.Resurrection.Enabled
	out.ResurrectMaxAttempts = cfg.Resurrection.MaxAttempts
	out.ResurrectBackoff = resilience.Backoff{
		Initial:    cfg.Resurrection.Initial,
		Max:        cfg.Resurrection.Max,
		Multiplier: cfg.Resurrection.Multiplier,
		Jitter:     cfg.Resurrection.Jitter,
	}
	return out, nil
}
