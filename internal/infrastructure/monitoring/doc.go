/*
Package monitoring provides Prometheus metrics for the relay.

# Overview

Metrics are registered against a caller supplied registerer so tests can
use an isolated prometheus.Registry. Everything is prefixed relay_.

# Features

- HTTP request metrics (latency, status)
- App session transitions, send queue drops and stream deliveries
- Demand notifications and resurrection outcomes
- Correlation table hits, misses and timeouts
- Webhook call metrics
- WebSocket connection gauges per kind (app, device)

# Usage

	metrics := monitoring.NewMetrics(prometheus.DefaultRegisterer)
	router.Use(monitoring.Middleware(metrics))

	manager := app.NewManager(userID, cfg, deps, logger).WithMetrics(metrics)

	timer := monitoring.NewTimer(metrics)
	// ... call webhook ...
	timer.Stop("success")

# Metrics Endpoint

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
*/
package monitoring
