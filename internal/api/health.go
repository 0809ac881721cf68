package api

import "time"

const SchemaVersion = "v1"

type HealthResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Status        string    `json:"status"`
	Experiment    string    `json:"experiment"`
	Ports         []int     `json:"ports"`
	Sessions      int       `json:"sessions"`
	StartedAt     time.Time `json:"started_at"`
}
