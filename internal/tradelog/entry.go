// Package tradelog records notable trading events, keeping a bounded
// in-memory ring for the UI and optionally persisting to Postgres.
package tradelog

import (
	"time"

	"github.com/google/uuid"
)

// Severity classifies a trade log entry.
type Severity string

const (
	// SeverityInfo marks routine activity.
	SeverityInfo Severity = "info"
	// SeverityWarn marks degraded but recoverable conditions.
	SeverityWarn Severity = "warn"
	// SeverityError marks failed operations.
	SeverityError Severity = "error"
	// SeverityStop marks risk-triggered position closes.
	SeverityStop Severity = "stop"
)

// Entry is one trade log record.
type Entry struct {
	ID       string         `json:"id"`
	Time     time.Time      `json:"time"`
	Severity Severity       `json:"severity"`
	Message  string         `json:"message"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// NewEntry builds an entry with a fresh identifier and the given timestamp.
func NewEntry(at time.Time, severity Severity, message string, meta map[string]any) Entry {
	return Entry{
		ID:       uuid.NewString(),
		Time:     at,
		Severity: severity,
		Message:  message,
		Meta:     meta,
	}
}
