// Package utils validates identifiers that arrive from clients: user ids
// in query strings and paths, and app package names.
package utils
