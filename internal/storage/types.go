package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// DefaultAliasTTL bounds how long a resolved room alias is trusted.
const DefaultAliasTTL = 7 * 24 * time.Hour

// Config configures storage. An empty Driver or "none" disables it.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only
	AliasTTL    time.Duration
}

// AuditEntry records one chat command.
type AuditEntry struct {
	At            time.Time `json:"at"`
	RequestID     string    `json:"request_id,omitempty"`
	ActorID       int64     `json:"actor_id"`
	ActorUsername string    `json:"actor_username,omitempty"`
	ChatID        int64     `json:"chat_id"`
	Action        string    `json:"action"`
	Target        string    `json:"target,omitempty"`
	OK            bool      `json:"ok"`
	Error         string    `json:"error,omitempty"`
	TookMS        int64     `json:"took_ms"`
}
