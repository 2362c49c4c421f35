// Package storage persists what the bridge wants to survive a restart
// beyond its watch set: the command audit log and the room alias cache.
//
// Drivers: "file" (JSON lines with a snapshot/journal pair for aliases) and
// "sqlite" (modernc.org/sqlite, no cgo).
package storage
