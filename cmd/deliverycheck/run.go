package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-delivery-alerts/internal/domain"
	"github.com/tbourn/go-delivery-alerts/internal/observability"
)

var noState bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the report once and alert on new violations",
	Long: `Run executes one pass: load the saved report, wait for it, classify rows
against every rule, alert owners about violations not yet seen today and
record them. The exit status is non-zero when the run fails.`,
	Args: cobra.NoArgs,
	RunE: runOnce,
}

func init() {
	runCmd.Flags().BoolVar(&noState, "no-state", false, "disable same-day dedup (every violation is alerted, nothing is recorded)")
	rootCmd.AddCommand(runCmd)
}

func runOnce(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if noState {
		cfg.State.Enabled = false
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	res, runErr := a.orch.Run(ctx)
	total, fresh := res.Violations()
	log.Info().
		Str("run_id", res.RunID).
		Str("state", res.State).
		Int("rows", res.Rows).
		Int("violations", total).
		Int("new", fresh).
		Msg("run finished")
	fmt.Fprintln(cmd.OutOrStdout(), res.Summary())

	// Side effects below must not mask the run's own outcome.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	if err := observability.PushMetrics(finishCtx, cfg.PushgatewayURL, "deliverycheck"); err != nil {
		log.Warn().Err(err).Msg("metrics push failed")
	}
	if err := uploadLog(finishCtx, a.state, cfg.LogFile, res.RunID); err != nil {
		log.Warn().Err(err).Msg("log upload failed")
	}

	if runErr != nil {
		return fmt.Errorf("run %s: %w", res.RunID, runErr)
	}
	if res.State != domain.RunDone {
		return errors.New("run did not complete")
	}
	return nil
}
