// Package store persists the set of apps each user had running. Backends:
// memory (default), SQLite via modernc.org/sqlite, and Redis sets via
// go-redis. The app manager reads it on session creation to restart apps.
package store
