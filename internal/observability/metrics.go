package observability

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "deliverycheck"

var (
	// runsTotal counts finished runs by terminal state (DONE|FAILED).
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished pipeline runs by terminal state.",
		},
		[]string{"state"},
	)

	runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of pipeline runs.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		},
	)

	// violationsTotal splits classified rows into already-alerted and new.
	violationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "violations_total",
			Help:      "Rule violations found, by rule and whether they were new.",
		},
		[]string{"rule", "kind"},
	)

	alertsSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_sent_total",
			Help:      "Alert batches dispatched, by rule and result.",
		},
		[]string{"rule", "result"},
	)

	reportPollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_polls_total",
			Help:      "Report job status checks, by observed status.",
		},
		[]string{"status"},
	)

	stateWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_writes_total",
			Help:      "Dedup partition writes, by rule and result.",
		},
		[]string{"rule", "result"},
	)
)

func init() {
	prometheus.MustRegister(runsTotal, runDuration, violationsTotal, alertsSentTotal, reportPollsTotal, stateWritesTotal)
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

// ObserveRun records a finished run.
func ObserveRun(state string, elapsed time.Duration) {
	runsTotal.WithLabelValues(state).Inc()
	runDuration.Observe(elapsed.Seconds())
}

// ObserveViolations records a rule's classified and new violation counts.
func ObserveViolations(rule string, total, fresh int) {
	if fresh > total {
		fresh = total
	}
	violationsTotal.WithLabelValues(rule, "new").Add(float64(fresh))
	violationsTotal.WithLabelValues(rule, "seen").Add(float64(total - fresh))
}

// ObserveAlert records one dispatch attempt for a rule.
func ObserveAlert(rule string, sent bool) {
	alertsSentTotal.WithLabelValues(rule, result(sent)).Inc()
}

// ObservePoll records one report status check.
func ObservePoll(status string) {
	reportPollsTotal.WithLabelValues(strings.ToLower(status)).Inc()
}

// ObserveStateWrite records one dedup partition write.
func ObserveStateWrite(rule string, ok bool) {
	stateWritesTotal.WithLabelValues(rule, result(ok)).Inc()
}

// PushMetrics pushes the run collectors to a Pushgateway, replacing the
// previous push of job. An empty url is a no-op.
func PushMetrics(ctx context.Context, url, job string) error {
	if strings.TrimSpace(url) == "" {
		return nil
	}
	p := push.New(url, job).
		Collector(runsTotal).
		Collector(runDuration).
		Collector(violationsTotal).
		Collector(alertsSentTotal).
		Collector(reportPollsTotal).
		Collector(stateWritesTotal)
	if err := p.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}
