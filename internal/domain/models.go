// Package domain defines the persistence models for run audit records and
// stored blobs. These types are mapped with GORM and form the durable data
// layer of the delivery checker; report rows and dedup keys live in rows.go.
package domain

import "time"

// Run states, in the order a successful run visits them. RunFailed is
// absorbing and reachable from any state.
const (
	RunInit            = "INIT"
	RunReportSubmitted = "REPORT_SUBMITTED"
	RunReportReady     = "REPORT_READY"
	RunClassified      = "CLASSIFIED"
	RunDeduped         = "DEDUPED"
	RunNotified        = "NOTIFIED"
	RunDone            = "DONE"
	RunFailed          = "FAILED"
)

// Run is the audit record of one orchestrated pipeline execution.
//
// Fields:
//   - ID: UUID primary key (char(36)).
//   - ReportID: the saved report query that was pulled.
//   - State: last state reached (see Run* constants).
//   - Violations / NewAlerts: totals across all rules of the run.
//   - StatePersisted: whether every dedup partition write succeeded.
//   - Error: failure message when State is FAILED.
type Run struct {
	ID             string     `json:"id"              gorm:"type:char(36);primaryKey"`
	ReportID       int64      `json:"report_id"       gorm:"not null;index:idx_runs_report"`
	State          string     `json:"state"           gorm:"type:varchar(32);not null"`
	Rows           int        `json:"rows"            gorm:"not null;default:0"`
	Violations     int        `json:"violations"      gorm:"not null;default:0"`
	NewAlerts      int        `json:"new_alerts"      gorm:"not null;default:0"`
	Notified       bool       `json:"notified"        gorm:"not null;default:false"`
	StatePersisted bool       `json:"state_persisted" gorm:"not null;default:false"`
	Error          string     `json:"error,omitempty" gorm:"type:text"`
	StartedAt      time.Time  `json:"started_at"      gorm:"not null;index:idx_runs_started"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TableName returns the database table name for Run.
func (Run) TableName() string { return "runs" }

// Terminal reports whether the run has reached DONE or FAILED.
func (r Run) Terminal() bool { return r.State == RunDone || r.State == RunFailed }

// Blob is a path-addressed object for the SQL-backed blob store.
type Blob struct {
	Path      string    `gorm:"type:varchar(512);primaryKey"`
	Data      []byte    `gorm:"type:blob;not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// TableName returns the database table name for Blob.
func (Blob) TableName() string { return "blobs" }
