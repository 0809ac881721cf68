package model

import "time"

// EndReason records why a session left the registry.
type EndReason string

const (
	EndIdle       EndReason = "idle"
	EndDisconnect EndReason = "disconnect"
	EndShutdown   EndReason = "shutdown"
)

func (r EndReason) Valid() bool {
	switch r {
	case EndIdle, EndDisconnect, EndShutdown:
		return true
	}
	return false
}

// SessionRecord is one journaled client session.
type SessionRecord struct {
	SessionID      string     `json:"session_id"`
	ClientIdentity string     `json:"client_identity"`
	Experiment     string     `json:"experiment"`
	CreatedAt      time.Time  `json:"created_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	EndReason      EndReason  `json:"end_reason,omitempty"`
}

func (r SessionRecord) Open() bool {
	return r.EndedAt == nil
}

// CommandError is one failed sub-command of a protocol line.
type CommandError struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Port       int       `json:"port"`
	Command    string    `json:"command"`
	ErrorCode  int       `json:"error_code"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}

// SessionFilter narrows ListSessions. Zero values match everything.
type SessionFilter struct {
	ClientIdentity string
	OpenOnly       bool
	Limit          int
}
