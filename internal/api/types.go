package api

import (
	"time"

	"github.com/mattjoyce/scanq/internal/queue"
)

// EnqueueRequest is the body of POST /queue. A missing report gets a fresh
// UUID. Task and owner, when given, are registered in the catalog.
type EnqueueRequest struct {
	Report    string `json:"report,omitempty"`
	Task      string `json:"task,omitempty"`
	Owner     string `json:"owner,omitempty"`
	StartFrom string `json:"start_from,omitempty"`
}

type Entry struct {
	Report      string     `json:"report"`
	Task        string     `json:"task,omitempty"`
	Owner       string     `json:"owner,omitempty"`
	QueuedAt    time.Time  `json:"queued_at"`
	Seq         int64      `json:"seq"`
	HandlerPID  int        `json:"handler_pid"`
	StartFrom   string     `json:"start_from"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
	Requeues    int        `json:"requeues"`
}

func entryFrom(e queue.Entry) Entry {
	return Entry{
		Report:      e.Report,
		Task:        e.Task,
		Owner:       e.Owner,
		QueuedAt:    e.QueuedAt,
		Seq:         e.Seq,
		HandlerPID:  e.HandlerPID,
		StartFrom:   e.StartFrom.String(),
		HeartbeatAt: e.HeartbeatAt,
		Requeues:    e.Requeues,
	}
}

type QueueResponse struct {
	Entries []Entry `json:"entries"`
	Length  int     `json:"length"`
}

type LengthResponse struct {
	Length int `json:"length"`
}

type ClearResponse struct {
	Removed int `json:"removed"`
}

type CancelResponse struct {
	Report string `json:"report"`
	// HandlerPID is the pid that was signalled, 0 if none was running.
	HandlerPID int `json:"handler_pid"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	QueueLength   int    `json:"queue_length"`
	Enabled       bool   `json:"enabled"`
}
