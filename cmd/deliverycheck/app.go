package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-delivery-alerts/internal/alert"
	"github.com/tbourn/go-delivery-alerts/internal/blob"
	"github.com/tbourn/go-delivery-alerts/internal/config"
	"github.com/tbourn/go-delivery-alerts/internal/dedup"
	"github.com/tbourn/go-delivery-alerts/internal/observability"
	"github.com/tbourn/go-delivery-alerts/internal/pipeline"
	"github.com/tbourn/go-delivery-alerts/internal/repo"
	"github.com/tbourn/go-delivery-alerts/internal/report"
	"github.com/tbourn/go-delivery-alerts/internal/report/gam"
	"github.com/tbourn/go-delivery-alerts/internal/retry"
	"github.com/tbourn/go-delivery-alerts/internal/rules"
	"github.com/tbourn/go-delivery-alerts/internal/slack"
	"github.com/tbourn/go-delivery-alerts/internal/sysutil"
)

// app holds everything a run or the server needs.
type app struct {
	cfg   config.Config
	db    *gorm.DB
	state blob.Store // nil when state is disabled
	orch  *pipeline.Orchestrator

	closers []func(context.Context) error
}

// loadConfig reads the environment and applies command-line overrides.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, err
	}
	if rulesPath != "" {
		cfg.RulesPath = rulesPath
	}
	return cfg, nil
}

// newApp sets up logging, tracing, storage and the ad-server client, then
// assembles the orchestrator. Close releases what was opened, even when
// newApp fails part way.
func newApp(ctx context.Context, cfg config.Config) (a *app, err error) {
	a = &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close(context.Background())
			a = nil
		}
	}()

	closeLog, err := sysutil.SetupLogger(sysutil.LogOptions{Level: cfg.LogLevel, Pretty: cfg.LogPretty, File: cfg.LogFile})
	if err != nil {
		return a, fmt.Errorf("logger: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return closeLog() })

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		return a, fmt.Errorf("otel: %w", err)
	}
	a.closers = append(a.closers, shutdownOTel)

	if a.db, err = openDB(cfg.DBPath); err != nil {
		return a, err
	}
	a.closers = append(a.closers, func(context.Context) error {
		sqlDB, err := a.db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})

	if cfg.State.Enabled {
		if a.state, err = openStateStore(ctx, cfg.State, a.db); err != nil {
			return a, err
		}
	}

	ruleSet, err := rules.Load(cfg.RulesPath)
	if err != nil {
		return a, err
	}

	gamClient, err := gam.NewFromServiceAccount(ctx, gam.Config{
		ApplicationName: cfg.ApplicationName,
		NetworkCode:     cfg.NetworkCode,
		Version:         cfg.GAMVersion,
	}, cfg.ServiceAccountJSON)
	if err != nil {
		return a, err
	}
	if nw, err := gamClient.CurrentNetwork(ctx); err != nil {
		log.Warn().Err(err).Msg("could not confirm ad network")
	} else {
		log.Info().Str("network_code", nw.NetworkCode).Str("network", nw.DisplayName).Msg("connected to ad network")
	}

	policy, err := retry.New(cfg.RetryAttempts, cfg.RetryDelay)
	if err != nil {
		return a, err
	}
	runner := report.NewRunner(gamClient, &policy)
	runner.OnPoll = func(s report.Status) { observability.ObservePoll(string(s)) }

	slackClient := slack.NewClient(cfg.SlackBotToken)
	orch := &pipeline.Orchestrator{
		Config: pipeline.Config{
			ReportID:     cfg.ReportID,
			PollInterval: cfg.PollInterval,
			MaxPolls:     cfg.MaxPolls,
			StateEnabled: cfg.State.Enabled,
		},
		Runner: runner,
		Engine: rules.NewEngine(cfg.Location),
		Rules:  ruleSet,
		Alerts: alert.NewBatcher(slackClient, slackClient, cfg.SlackWebhook, cfg.NetworkCode, cfg.SlackRateLimitDelay),
		DB:     a.db,
	}
	if a.state != nil {
		orch.Dedup = dedup.NewStore(a.state, cfg.State.Prefix)
	}
	if cfg.StatusSlackWebhook != "" {
		orch.Status = slack.NewStatusNotifier(slackClient, cfg.StatusSlackWebhook, cfg.ApplicationName)
	}
	if cfg.ArtifactDir != "" {
		fs, err := blob.NewFS(cfg.ArtifactDir)
		if err != nil {
			return a, fmt.Errorf("artifacts: %w", err)
		}
		orch.Artifacts = fs
	}
	a.orch = orch

	log.Info().
		Int64("report_id", cfg.ReportID).
		Int("rules", len(ruleSet)).
		Bool("state", cfg.State.Enabled).
		Str("backend", cfg.State.Backend).
		Str("timezone", cfg.Timezone).
		Msg("deliverycheck ready")
	return a, nil
}

// Close runs closers in reverse order.
func (a *app) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			log.Warn().Err(err).Msg("shutdown")
		}
	}
	a.closers = nil
}

func openDB(p string) (*gorm.DB, error) {
	if dir := filepath.Dir(p); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("db dir: %w", err)
		}
	}
	db, err := repo.OpenSQLite(p)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	return db, nil
}

// openStateStore returns the blob store backing dedup state.
func openStateStore(ctx context.Context, sc config.StateConfig, db *gorm.DB) (blob.Store, error) {
	switch sc.Backend {
	case config.BackendFS:
		return blob.NewFS(sc.Dir)
	case config.BackendS3:
		return blob.NewS3(ctx, sc.Bucket, sc.AWSProfile, sysutil.FirstNonEmpty(sc.AWSRegion, os.Getenv("AWS_DEFAULT_REGION")))
	case config.BackendSQLite:
		if db == nil {
			return nil, errors.New("sqlite state backend needs a database")
		}
		return blob.NewSQL(db), nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", sc.Backend)
	}
}

// uploadLog copies the local log file to logs/<run-id>.log in the state
// store so runs on ephemeral hosts keep their logs.
func uploadLog(ctx context.Context, store blob.Store, logFile, runID string) error {
	if store == nil || logFile == "" || runID == "" {
		return nil
	}
	data, err := os.ReadFile(logFile) //nolint:gosec // path is from trusted config
	if err != nil {
		return fmt.Errorf("read log file: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return store.Write(ctx, path.Join("logs", runID+".log"), data)
}
