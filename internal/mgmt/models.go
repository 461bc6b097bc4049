package mgmt

import (
	"time"

	"github.com/storyforge/epicsync/internal/models"
	"github.com/storyforge/epicsync/internal/monitor"
)

// ProblemDetail is an RFC 7807 Problem Detail error payload.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// StatusResponse is the response for GET /api/v1/status.
type StatusResponse struct {
	Running       bool                   `json:"running"`
	UptimeSeconds float64                `json:"uptime_seconds"`
	ParentCount   int                    `json:"parent_count"`
	Parents       []monitor.ParentStatus `json:"parents"`
	Time          time.Time              `json:"time"`
}

// ParentResponse is the response for parent add/remove operations.
type ParentResponse struct {
	ParentID   string `json:"parent_id"`
	Registered bool   `json:"registered"`
	Message    string `json:"message,omitempty"`
}

// CheckResponse is the response for POST /api/v1/check.
type CheckResponse struct {
	Results map[string]models.CheckResult `json:"results"`
}

// LogsResponse is the response for GET /api/v1/logs.
type LogsResponse struct {
	Lines []string `json:"lines"`
	Count int      `json:"count"`
}
