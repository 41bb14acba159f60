// Package http provides the relay's REST API using the Gin framework.
//
// Endpoints:
//   - Health: / and /health
//   - Metrics: /metrics/json (Prometheus text is served at /metrics by the server)
//   - Users: GET /users, DELETE /users/:userId
//   - Apps: GET /users/:userId/apps,
//     POST /users/:userId/apps/:package/start,
//     POST /users/:userId/apps/:package/stop?restart=
//
// Domain errors map to status codes: unknown app or user 404, already
// running 409, failed wake 502, closed session 503.
//
// Example Usage:
//
//	handlers := http.NewHandlers(registry, webhookClient, metrics, logger)
//	handlers.Register(router)
package http
