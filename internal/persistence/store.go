// Package persistence records run history, per-case outcomes, connection
// events and operator settings. Losing a history record must never block
// test execution, so callers treat every store error as log-and-continue.
package persistence

import (
	"time"

	"github.com/juno-kyojin/tcman/pkg/results"
)

// RunRecord is the stored summary of one processed test definition file.
type RunRecord struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	FileName      string    `json:"file_name"`
	FileSize      int64     `json:"file_size"`
	TestCount     int       `json:"test_count"`
	SendStatus    string    `json:"send_status"`
	OverallResult string    `json:"overall_result"`
	AffectsWAN    bool      `json:"affects_wan"`
	AffectsLAN    bool      `json:"affects_lan"`
	ExecutionTime float64   `json:"execution_time"`
	TargetHost    string    `json:"target_host"`
	TargetUser    string    `json:"target_user"`
}

// ConnectionEvent is one recorded connection attempt.
type ConnectionEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Host      string    `json:"host"`
	Status    string    `json:"status"`
	Details   string    `json:"details"`
}

// Store is the persistence collaborator used by the runner.
type Store interface {
	// SaveRun appends a run record and returns its generated ID.
	SaveRun(r RunRecord) (string, error)
	// SaveOutcomes appends the canonical outcomes for a stored run.
	SaveOutcomes(runID string, outcomes []results.Outcome) error
	// Outcomes returns the stored outcomes for a run, in insertion order.
	Outcomes(runID string) ([]results.Outcome, error)
	// RecentRuns returns up to limit run records, newest first.
	RecentRuns(limit int) ([]RunRecord, error)
	// LogConnection records a connection attempt.
	LogConnection(ev ConnectionEvent) error
	// GetSetting returns the stored value for key, or def when absent.
	GetSetting(key, def string) string
	// SetSetting stores a key/value setting.
	SetSetting(key, value string) error
	Close() error
}
