package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	httpapi "github.com/tbourn/go-delivery-alerts/internal/http"
	"github.com/tbourn/go-delivery-alerts/internal/pipeline"
)

var (
	servePort  string
	noSchedule bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run on a schedule and expose the runs API",
	Long: `Serve runs the pipeline every RUN_INTERVAL (starting immediately) and
exposes run history, on-demand runs, health and Prometheus metrics over HTTP.
Runs never overlap: a tick or trigger that arrives mid-run is skipped.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&servePort, "port", "", "port to listen on (overrides PORT)")
	serveCmd.Flags().BoolVar(&noSchedule, "no-schedule", false, "only run when triggered over HTTP")
	rootCmd.AddCommand(serveCmd)
}

// shutdownGrace bounds how long in-flight requests get on shutdown.
const shutdownGrace = 10 * time.Second

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != "" {
		cfg.Port = servePort
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	sched := pipeline.NewScheduler(a.orch, cfg.RunInterval)

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(ctx, r, a.db, sched, cfg)

	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Dur("interval", cfg.RunInterval).Bool("scheduled", !noSchedule).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if noSchedule {
			<-ctx.Done()
			sched.Wait()
			return
		}
		sched.Start(ctx)
	}()

	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok {
			stop()
			<-schedDone
			return fmt.Errorf("http server: %w", err)
		}
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	<-schedDone
	return nil
}
