// Package pipeline sequences one delivery check run: pull the saved report,
// classify rows against every rule, drop violations that were already
// alerted today, notify owners, then persist the dedup state.
//
// A run moves strictly forward through the states
//
//	INIT → REPORT_SUBMITTED → REPORT_READY → CLASSIFIED → DEDUPED → NOTIFIED → DONE
//
// and any unrecoverable error moves it to FAILED, which is absorbing.
// Notification always happens before state is persisted, so a crash between
// the two produces a duplicate alert on the next run rather than a lost one.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"github.com/tbourn/go-delivery-alerts/internal/alert"
	"github.com/tbourn/go-delivery-alerts/internal/blob"
	"github.com/tbourn/go-delivery-alerts/internal/dedup"
	"github.com/tbourn/go-delivery-alerts/internal/domain"
	"github.com/tbourn/go-delivery-alerts/internal/observability"
	"github.com/tbourn/go-delivery-alerts/internal/repo"
	"github.com/tbourn/go-delivery-alerts/internal/report"
	"github.com/tbourn/go-delivery-alerts/internal/rules"
)

const tracerName = "pipeline/Orchestrator"

// Notifier sends the alert batch for one rule.
type Notifier interface {
	Notify(ctx context.Context, r rules.Rule, rows []domain.ViolationRow) alert.Outcome
}

// StatusReporter receives best-effort run lifecycle notices.
type StatusReporter interface {
	Started(ctx context.Context, runID string)
	Completed(ctx context.Context, runID, summary string)
	Failed(ctx context.Context, runID string, err error)
}

// Config is the per-run configuration of an Orchestrator.
type Config struct {
	ReportID     int64
	PollInterval time.Duration
	MaxPolls     int
	// StateEnabled turns the dedup load/persist path on. When false every
	// violation is treated as new and nothing is written.
	StateEnabled bool
}

// Orchestrator runs the pipeline. Dedup, Status, Artifacts and DB are
// optional.
type Orchestrator struct {
	Config Config

	Runner *report.Runner
	Engine *rules.Engine
	Rules  []rules.Rule
	Dedup  *dedup.Store
	Alerts Notifier
	Status StatusReporter

	// Artifacts receives raw.csv, normalized.csv and violations_<rule>.csv
	// under <run-id>/.
	Artifacts blob.Store

	// DB records every state transition in the runs table.
	DB *gorm.DB
}

// RuleResult is the outcome of one rule within a run.
type RuleResult struct {
	Rule       string
	Partition  string
	Violations int
	New        int
	Notified   bool
	NotifyErr  error
	// Persisted is false when state is disabled or the write failed.
	Persisted bool
	StateErr  error
}

// Result summarizes a run.
type Result struct {
	RunID      string
	State      string
	Rows       int
	Rules      []RuleResult
	StartedAt  time.Time
	FinishedAt time.Time
}

// Violations totals classified violations across rules.
func (r Result) Violations() (total, fresh int) {
	for _, rr := range r.Rules {
		total += rr.Violations
		fresh += rr.New
	}
	return total, fresh
}

// Summary is the one-line completion notice.
func (r Result) Summary() string {
	total, fresh := r.Violations()
	parts := []string{fmt.Sprintf("%d rows, %d violations, %d new", r.Rows, total, fresh)}
	for _, rr := range r.Rules {
		if rr.NotifyErr != nil {
			parts = append(parts, rr.Rule+": notification failed")
		}
		if rr.StateErr != nil {
			parts = append(parts, rr.Rule+": state not saved")
		}
	}
	return strings.Join(parts, "; ")
}

// ruleRun carries one rule through the stages of a run.
type ruleRun struct {
	rule       rules.Rule
	partition  dedup.Partition
	violations []domain.ViolationRow
	fresh      []domain.ViolationRow
	old        *dedup.State
	observed   *dedup.State
	loadErr    error
	result     RuleResult
}

// Run executes one pipeline run under a new run id.
func (o *Orchestrator) Run(ctx context.Context) (Result, error) {
	return o.RunWithID(ctx, uuid.NewString())
}

// RunWithID executes one pipeline run recorded under id. The returned error
// is the cause of a FAILED run; notification and state write failures do
// not fail the run and are reported per rule instead.
func (o *Orchestrator) RunWithID(ctx context.Context, id string) (res Result, err error) {
	rec := o.newRecorder(ctx, id)
	res = Result{RunID: rec.run.ID, State: domain.RunInit, StartedAt: rec.run.StartedAt}
	logger := log.With().Str("run_id", res.RunID).Int64("report_id", o.Config.ReportID).Logger()

	ctx, span := observability.StartSpan(ctx, tracerName, "Run",
		attribute.String("run.id", res.RunID), attribute.Int64("report.id", o.Config.ReportID))
	defer func() { observability.EndSpan(span, err) }()

	o.status().Started(ctx, res.RunID)
	logger.Info().Bool("state_enabled", o.Config.StateEnabled).Int("rules", len(o.Rules)).Msg("run started")

	advance := func(state string) {
		res.State = state
		rec.transition(ctx, state)
		logger.Info().Str("state", state).Msg("run state")
	}

	defer func() {
		res.FinishedAt = time.Now().UTC()
		// The closing notice must go out even when ctx was cancelled.
		final := context.WithoutCancel(ctx)
		if err != nil {
			res.State = domain.RunFailed
			rec.fail(final, err)
			logger.Error().Err(err).Msg("run failed")
			o.status().Failed(final, res.RunID, err)
		} else {
			o.status().Completed(final, res.RunID, res.Summary())
		}
		observability.ObserveRun(res.State, res.FinishedAt.Sub(res.StartedAt))
	}()

	if err = rules.CheckSet(o.Rules); err != nil {
		return res, err
	}

	// Report.
	def, err := o.Runner.LoadDefinition(ctx, o.Config.ReportID)
	if err != nil {
		return res, err
	}
	job, err := o.Runner.Submit(ctx, def)
	if err != nil {
		return res, err
	}
	advance(domain.RunReportSubmitted)

	job, err = o.Runner.AwaitCompletion(ctx, job, o.Config.PollInterval, o.Config.MaxPolls)
	if err != nil {
		return res, err
	}
	fetched, err := o.Runner.FetchRows(ctx, job)
	if err != nil {
		return res, err
	}
	res.Rows = len(fetched.Rows)
	rec.run.Rows = res.Rows
	advance(domain.RunReportReady)
	o.writeArtifact(ctx, res.RunID, "raw.csv", func() ([]byte, error) {
		return encodeRows(fetched.Header, fetched.Rows, nil)
	})

	// Classify.
	fields := rules.FieldsOf(o.Rules...)
	normalized := o.Engine.Normalize(fetched.Rows, fields)
	o.writeArtifact(ctx, res.RunID, "normalized.csv", func() ([]byte, error) {
		return encodeRows(fetched.Header, normalized, &fields)
	})
	today := o.Engine.Today()
	runs := make([]*ruleRun, len(o.Rules))
	for i, r := range o.Rules {
		rr := &ruleRun{rule: r, partition: dedup.NewPartition(r.Bucket, today)}
		rr.violations = o.Engine.ClassifyAt(normalized, r, today)
		rr.result = RuleResult{Rule: r.Name, Partition: rr.partition.String(), Violations: len(rr.violations)}
		runs[i] = rr
		name := "violations_" + r.Name + ".csv"
		o.writeArtifact(ctx, res.RunID, name, func() ([]byte, error) {
			return encodeViolations(fetched.Header, rr.violations)
		})
	}
	rec.run.Violations = sumViolations(runs)
	advance(domain.RunClassified)

	// Dedup.
	for _, rr := range runs {
		o.dedupRule(ctx, rr)
		rr.result.New = len(rr.fresh)
		observability.ObserveViolations(rr.rule.Name, rr.result.Violations, rr.result.New)
	}
	rec.run.NewAlerts = sumNew(runs)
	advance(domain.RunDeduped)

	// Notify, then persist.
	for _, rr := range runs {
		o.notifyRule(ctx, rr)
	}
	rec.run.Notified = allNotified(runs)
	advance(domain.RunNotified)

	for _, rr := range runs {
		o.persistRule(ctx, rr)
	}
	rec.run.StatePersisted = o.Config.StateEnabled && allPersisted(runs)

	for _, rr := range runs {
		res.Rules = append(res.Rules, rr.result)
	}
	advance(domain.RunDone)
	return res, nil
}

func (o *Orchestrator) dedupRule(ctx context.Context, rr *ruleRun) {
	if !o.Config.StateEnabled || o.Dedup == nil {
		rr.fresh, _ = dedup.FilterNew(dedup.NewState(rr.rule.KeyFields), rr.violations)
		return
	}
	rr.old, rr.loadErr = o.Dedup.Load(ctx, rr.partition, rr.rule.KeyFields)
	if rr.loadErr != nil {
		log.Warn().Err(rr.loadErr).Str("rule", rr.rule.Name).Msg("dedup state unavailable; all violations treated as new")
	}
	rr.fresh, rr.observed = dedup.FilterNew(rr.old, rr.violations)
	log.Info().Str("rule", rr.rule.Name).Str("partition", rr.partition.String()).
		Int("violations", len(rr.violations)).Int("new", len(rr.fresh)).Int("known", rr.old.Len()).
		Msg("violations deduplicated")
}

func (o *Orchestrator) notifyRule(ctx context.Context, rr *ruleRun) {
	if len(rr.fresh) == 0 {
		log.Info().Str("rule", rr.rule.Name).Msg("no new violations; nothing to notify")
		return
	}
	if o.Alerts == nil {
		log.Warn().Str("rule", rr.rule.Name).Int("new", len(rr.fresh)).Msg("no notifier configured")
		return
	}
	out := o.Alerts.Notify(ctx, rr.rule, rr.fresh)
	rr.result.Notified = out.Sent
	rr.result.NotifyErr = out.Err
	observability.ObserveAlert(rr.rule.Name, out.Sent)
	if out.Err != nil {
		log.Error().Err(out.Err).Str("rule", rr.rule.Name).Msg("alert notification failed; state is persisted regardless")
	}
}

// persistRule writes old ∪ observed, even with nothing new. When the initial
// load failed the partition is read again first, so an outage that has
// cleared cannot overwrite stored keys with a smaller set.
func (o *Orchestrator) persistRule(ctx context.Context, rr *ruleRun) {
	if !o.Config.StateEnabled || o.Dedup == nil {
		return
	}
	old := rr.old
	if rr.loadErr != nil {
		reloaded, err := o.Dedup.Load(ctx, rr.partition, rr.rule.KeyFields)
		if err != nil {
			rr.result.StateErr = err
			observability.ObserveStateWrite(rr.rule.Name, false)
			log.Error().Err(err).Str("rule", rr.rule.Name).Msg("dedup state still unreadable; write skipped")
			return
		}
		old = reloaded
	}
	if _, err := o.Dedup.MergeAndSave(ctx, rr.partition, old, rr.observed); err != nil {
		rr.result.StateErr = err
		observability.ObserveStateWrite(rr.rule.Name, false)
		return
	}
	rr.result.Persisted = true
	observability.ObserveStateWrite(rr.rule.Name, true)
}

func (o *Orchestrator) status() StatusReporter {
	if o.Status == nil {
		return nopStatus{}
	}
	return o.Status
}

type nopStatus struct{}

func (nopStatus) Started(context.Context, string)           {}
func (nopStatus) Completed(context.Context, string, string) {}
func (nopStatus) Failed(context.Context, string, error)     {}

func sumViolations(runs []*ruleRun) int {
	n := 0
	for _, rr := range runs {
		n += len(rr.violations)
	}
	return n
}

func sumNew(runs []*ruleRun) int {
	n := 0
	for _, rr := range runs {
		n += len(rr.fresh)
	}
	return n
}

func allNotified(runs []*ruleRun) bool {
	for _, rr := range runs {
		if len(rr.fresh) > 0 && !rr.result.Notified {
			return false
		}
	}
	return true
}

func allPersisted(runs []*ruleRun) bool {
	for _, rr := range runs {
		if !rr.result.Persisted {
			return false
		}
	}
	return true
}

// recorder mirrors run transitions into the runs table. Audit failures are
// logged and never affect the run.
type recorder struct {
	db  *gorm.DB
	run *domain.Run
}

func (o *Orchestrator) newRecorder(ctx context.Context, id string) *recorder {
	now := time.Now().UTC()
	rec := &recorder{db: o.DB, run: &domain.Run{ID: id, ReportID: o.Config.ReportID, State: domain.RunInit, StartedAt: now}}
	if o.DB == nil {
		return rec
	}
	run, err := repo.CreateRun(ctx, o.DB, id, o.Config.ReportID)
	if err != nil {
		log.Warn().Err(err).Str("run_id", id).Msg("run audit: create failed")
		rec.db = nil
		return rec
	}
	rec.run = run
	return rec
}

func (r *recorder) transition(ctx context.Context, state string) {
	r.run.State = state
	r.save(ctx)
}

func (r *recorder) fail(ctx context.Context, cause error) {
	r.run.State = domain.RunFailed
	r.run.Error = cause.Error()
	r.save(ctx)
}

func (r *recorder) save(ctx context.Context) {
	if r.db == nil {
		return
	}
	// The run's own context may already be cancelled when recording FAILED.
	if err := repo.SaveRun(context.WithoutCancel(ctx), r.db, r.run); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Str("run_id", r.run.ID).Str("state", r.run.State).Msg("run audit: save failed")
	}
}
