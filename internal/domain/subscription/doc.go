// Package subscription defines the canonical topic keys apps subscribe to and
// the index that aggregates them per user.
//
// A Subscription is a comparable value: simple streams (audio_chunk,
// button_press, ...), language streams (transcription:en-US,
// translation:es-ES,en-US) and location streams (location_stream:fast).
//
// The Index stores, for every topic, the set of package names that want it.
// Aggregate demand (microphone PCM, transcription, location tier) is derived
// from set sizes on every read. There are no counters to drift.
//
// Example Usage:
//
//	set, errs := subscription.ParseStrings([]string{"audio_chunk", "transcription:en-US"})
//	removed, added := current.Diff(set)
//	index.ApplyDelta("com.example.captions", removed, added)
//	if index.Demand().HasPCM { ... }
package subscription
