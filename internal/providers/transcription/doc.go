// Package transcription keeps speech streams in step with what apps have
// subscribed to. The app manager reports the active transcription and
// translation subscriptions; Manager diffs them against what is running
// and calls the Provider to start or stop streams off the caller's
// goroutine.
package transcription
