package api

import "time"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

// SessionItem is one live session as served by /v1/sessions.
type SessionItem struct {
	SessionID      string    `json:"session_id"`
	ClientIdentity string    `json:"client_identity"`
	Experiment     string    `json:"experiment"`
	Ports          []int     `json:"ports"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ActiveConns    int       `json:"active_conns"`
	IdleSeconds    float64   `json:"idle_seconds"`
}

type SessionsEnvelope struct {
	SchemaVersion string        `json:"schema_version"`
	GeneratedAt   time.Time     `json:"generated_at"`
	Sessions      []SessionItem `json:"sessions"`
}
