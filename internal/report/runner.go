package report

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-delivery-alerts/internal/domain"
	"github.com/tbourn/go-delivery-alerts/internal/retry"
)

// Result is the parsed output of a completed job. Header keeps the
// normalized column order for artifact output.
type Result struct {
	Header []string
	Rows   []domain.DeliveryRow
}

// Runner owns a report job from submission to result retrieval.
type Runner struct {
	Service Service

	// Retry wraps individual vendor calls (definition lookup, each status
	// check, result download). Nil means every call is attempted once.
	Retry *retry.Policy

	// OnPoll, when set, is called after every status check.
	OnPoll func(Status)

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRunner returns a Runner over svc. policy may be nil.
func NewRunner(svc Service, policy *retry.Policy) *Runner {
	return &Runner{Service: svc, Retry: policy}
}

func (r *Runner) call(ctx context.Context, name string, op func(context.Context) error) error {
	if r.Retry == nil {
		return op(ctx)
	}
	return retry.Run(ctx, *r.Retry, name, op)
}

func (r *Runner) wait(ctx context.Context, d time.Duration) error {
	if r.sleep != nil {
		return r.sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// LoadDefinition fetches the saved report definition.
func (r *Runner) LoadDefinition(ctx context.Context, id int64) (Definition, error) {
	var def Definition
	err := r.call(ctx, "report.SavedQuery", func(ctx context.Context) error {
		var err error
		def, err = r.Service.SavedQuery(ctx, id)
		return err
	})
	if err != nil {
		return Definition{}, fmt.Errorf("load saved query %d: %w", id, err)
	}
	return def, nil
}

// Submit starts a job for def. Submission itself is not retried: a blind
// resubmit could start a second job on the platform.
func (r *Runner) Submit(ctx context.Context, def Definition) (Job, error) {
	ctx, span := otel.Tracer("report/Runner").Start(ctx, "Submit",
		trace.WithAttributes(attribute.Int64("report.id", def.ID)))
	defer span.End()

	if !def.HasQuery() {
		return Job{}, fmt.Errorf("saved query %d: %w", def.ID, ErrInvalidDefinition)
	}
	id, err := r.Service.RunReportJob(ctx, def)
	if err != nil {
		return Job{}, fmt.Errorf("submit report %d: %w", def.ID, err)
	}
	log.Info().Int64("report_id", def.ID).Str("job_id", id).Msg("report job submitted")
	return Job{ID: id, Status: StatusPending}, nil
}

// AwaitCompletion polls job status at most maxPolls times, sleeping
// pollInterval between checks while the job is pending or in progress.
// Only individual status checks are retried; the polling loop is not.
func (r *Runner) AwaitCompletion(ctx context.Context, job Job, pollInterval time.Duration, maxPolls int) (Job, error) {
	ctx, span := otel.Tracer("report/Runner").Start(ctx, "AwaitCompletion",
		trace.WithAttributes(attribute.String("job.id", job.ID), attribute.Int("max_polls", maxPolls)))
	defer span.End()

	if maxPolls < 1 {
		return job, fmt.Errorf("max polls must be >= 1, got %d", maxPolls)
	}

	for poll := 1; poll <= maxPolls; poll++ {
		var raw string
		err := r.call(ctx, "report.JobStatus", func(ctx context.Context) error {
			var err error
			raw, err = r.Service.JobStatus(ctx, job.ID)
			return err
		})
		if err != nil {
			return job, fmt.Errorf("status of job %s: %w", job.ID, err)
		}
		st, err := ParseStatus(raw)
		if err != nil {
			return job, fmt.Errorf("status of job %s: %w", job.ID, err)
		}
		job.Status = st
		if r.OnPoll != nil {
			r.OnPoll(st)
		}
		log.Info().Str("job_id", job.ID).Str("status", string(st)).Int("poll", poll).Int("max_polls", maxPolls).Msg("report job status")

		switch st {
		case StatusCompleted:
			return job, nil
		case StatusFailed:
			return job, fmt.Errorf("job %s: %w", job.ID, ErrReportJobFailed)
		}
		if poll < maxPolls {
			if err := r.wait(ctx, pollInterval); err != nil {
				return job, err
			}
		}
	}
	return job, fmt.Errorf("job %s still %s after %d polls: %w", job.ID, job.Status, maxPolls, ErrReportJobTimeout)
}

// FetchRows downloads and parses the result of a completed job.
func (r *Runner) FetchRows(ctx context.Context, job Job) (Result, error) {
	ctx, span := otel.Tracer("report/Runner").Start(ctx, "FetchRows",
		trace.WithAttributes(attribute.String("job.id", job.ID)))
	defer span.End()

	if job.Status != StatusCompleted {
		return Result{}, fmt.Errorf("job %s is %s: %w", job.ID, job.Status, ErrJobNotReady)
	}

	var res Result
	err := r.call(ctx, "report.Results", func(ctx context.Context) error {
		body, err := r.Service.Results(ctx, job.ID)
		if err != nil {
			return err
		}
		defer body.Close()
		res, err = ParseGzipCSV(body)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("fetch rows of job %s: %w", job.ID, err)
	}
	span.SetAttributes(attribute.Int("rows", len(res.Rows)))
	log.Info().Str("job_id", job.ID).Int("rows", len(res.Rows)).Int("columns", len(res.Header)).Msg("report rows fetched")
	return res, nil
}
