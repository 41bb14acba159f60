// Package middleware provides the relay's HTTP middleware.
//
//   - CORS: cross-origin access via gin-contrib/cors
//   - RateLimit: per-IP token bucket, idle clients evicted
//   - GlobalRateLimit: one bucket for all clients
//   - RequestID: ULID request ids in X-Request-ID
//   - Logger: zap request logging
//
// Example Usage:
//
//	router.Use(middleware.RequestID(), middleware.Logger(log))
//	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
//	router.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))
package middleware
