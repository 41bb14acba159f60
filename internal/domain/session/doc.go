// Package session holds the per user side of the relay.
//
// A UserSession joins the user's device link with their app.Manager. The
// manager's collaborators (microphone, location tier, device relay, state
// listener) are implemented here by queueing notifications on the device
// link; the last value of each is replayed when the device reconnects.
//
// Device traffic:
//   - binary frames are PCM audio, published to audio_chunk subscribers
//   - JSON frames carrying a pending requestId answer an app request
//   - other JSON frames are stream events published by their type
//
// The Registry creates sessions on first use, restores previously running
// apps from the store and disposes sessions on removal or shutdown.
//
// Example Usage:
//
//	registry := session.NewRegistry(session.Options{App: appCfg, Logger: log})
//	user, _, err := registry.GetOrCreate("user-1")
//	_, err = user.StartApp(ctx, "com.example.captions")
package session
