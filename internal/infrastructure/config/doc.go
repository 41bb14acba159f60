// Package config provides 12-factor configuration management for the relay.
//
// Configuration is loaded from environment variables with sensible defaults.
// CLI flags can override environment variables for development flexibility.
//
// Configuration Sections:
//   - Server: HTTP server settings (port, host)
//   - Logging: Log level and output format
//   - RateLimit: Per-IP rate limiting configuration
//   - Session: Grace period, connect and request timeouts, send queue
//   - Resurrection: Backoff and attempt budget for waking apps
//   - Webhook: App wake webhook client
//   - Store: Running apps persistence (memory, sqlite, redis)
//   - Catalog, Permissions: Optional app catalog and stream policy files
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	fmt.Printf("Server running on %s:%s\n", cfg.Server.Host, cfg.Server.Port)
//
// Environment Variables:
//   - PORT, HOST, LOG_LEVEL, LOG_DEV
//   - RATE_LIMIT_RPS, RATE_LIMIT_BURST, RATE_LIMIT_ENABLED
//   - APP_GRACE_PERIOD, APP_CONNECT_TIMEOUT, APP_REQUEST_TIMEOUT
//   - APP_EMPTY_SUBSCRIPTION_GRACE, APP_SEND_QUEUE_SIZE, APP_SEND_DROP_POLICY
//   - RESURRECT_ENABLED, RESURRECT_BACKOFF_INITIAL, RESURRECT_BACKOFF_MAX
//   - RESURRECT_BACKOFF_MULTIPLIER, RESURRECT_JITTER, RESURRECT_MAX_ATTEMPTS
//   - WEBHOOK_TIMEOUT, WEBHOOK_RETRIES, WEBHOOK_RPS, WEBHOOK_SECRET
//   - STORE_DRIVER, SQLITE_PATH, REDIS_ADDR, REDIS_PASSWORD, REDIS_DB
//   - APP_CATALOG_PATH, PERMISSION_POLICY_PATH
package config
