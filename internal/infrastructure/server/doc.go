// Package server wires the relay together: configuration, logging, metrics,
// the app catalog and its permissions, the running apps store, the wake
// webhook, the user session registry and the gin router serving the REST
// and WebSocket endpoints.
//
// Usage:
//
//	srv, err := server.NewServer(cfg)
//	go srv.Run()
//	...
//	srv.Shutdown(ctx)
package server
