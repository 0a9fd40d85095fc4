// Package report runs a saved report definition on the ad-serving platform
// as an asynchronous job: submit, poll to a terminal status, then fetch and
// parse the gzip CSV result into domain.DeliveryRow values.
//
// The vendor API is reached only through the Service interface. Vendor
// responses are converted into the typed values below at that boundary, so
// nothing past this package depends on the vendor's shapes.
package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Errors returned by the job runner.
var (
	// ErrInvalidDefinition means the saved query has no query body; the
	// report is aborted before any job is submitted.
	ErrInvalidDefinition = errors.New("report definition has no query body")

	// ErrReportJobFailed means the platform reported the job as FAILED.
	ErrReportJobFailed = errors.New("report job failed")

	// ErrReportJobTimeout means the polling budget ran out while the job was
	// still running. It is distinct from ErrReportJobFailed.
	ErrReportJobTimeout = errors.New("report job did not complete within polling budget")

	// ErrJobNotReady is returned by FetchRows for a job that is not COMPLETED.
	ErrJobNotReady = errors.New("report job is not completed")
)

// Status is the lifecycle state of a report job.
type Status string

// Report job statuses.
const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// ParseStatus converts a vendor status string. Unknown values are an error
// rather than being treated as in progress.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown report job status %q", s)
	}
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Definition is a saved report query fetched from the platform. Query is
// the opaque query payload and is passed back verbatim on submission.
type Definition struct {
	ID    int64
	Name  string
	Query []byte
}

// HasQuery reports whether the definition carries a non-empty query body.
func (d Definition) HasQuery() bool { return len(strings.TrimSpace(string(d.Query))) > 0 }

// Job is a handle to a submitted report job.
type Job struct {
	ID     string
	Status Status
}

// Service is the vendor report API.
type Service interface {
	// SavedQuery returns the saved report definition with the given id.
	SavedQuery(ctx context.Context, id int64) (Definition, error)
	// RunReportJob submits the definition and returns the new job id.
	RunReportJob(ctx context.Context, def Definition) (string, error)
	// JobStatus returns the raw status string of a job.
	JobStatus(ctx context.Context, jobID string) (string, error)
	// Results streams the job's result as a gzip-compressed CSV dump.
	Results(ctx context.Context, jobID string) (io.ReadCloser, error)
}
