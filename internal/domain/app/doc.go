/*
Package app manages the third-party app sessions of one user.

# Overview

A Manager owns one Session per package name together with the user's
subscription index and the correlation table for app originated requests.
Every mutation happens under the manager's single mutex, so the index and
the demand derived from it always reflect the sessions' current sets.

# Lifecycle

	DISCONNECTED -> CONNECTING -> RUNNING -> GRACE_PERIOD -> RUNNING
	                                   \            \
	                                 STOPPING     DISCONNECTED -> RESURRECTING -> CONNECTING

A closed connection puts a running app into its grace period. Reconnecting
within the window is invisible to the rest of the system. When the window
expires the app's subscriptions leave the index and a resurrection is
scheduled with exponential backoff.

# Sending

Frames are queued per session and written by one goroutine per connection,
so a slow app never blocks publishers or other apps. Full queues drop
frames according to the configured policy.

# Collaborators

Microphone, LanguageConsumer, LocationController, DeviceRelay and
StateListener are called synchronously under the manager lock and must not
block or call back into the Manager. Waker and RunningAppsStore are called
outside the lock.
*/
package app
