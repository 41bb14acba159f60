// Package main is the entry point for the Glass Relay server.
//
// The relay sits between smart glasses and third-party apps. Each user's
// glasses hold one WebSocket (/glasses-ws); each running app holds another
// (/app-ws). Device events fan out to the apps subscribed to them, and app
// demand (microphone, location rate) flows back to the device.
//
// Architecture:
//
//	Glasses ⇄ /glasses-ws ⇄ UserSession ⇄ AppManager ⇄ /app-ws ⇄ Apps
//	                                        │
//	                                        └→ wake webhook → app backend
//
// Configuration:
//   - Environment variables (12-factor, see internal/infrastructure/config)
//   - CLI flags (override env vars)
//
// Usage:
//
//	# Production mode
//	./server -port 8000 -catalog /etc/relay/apps.yaml
//
//	# Development mode (colored logs, debug level)
//	./server -dev
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
