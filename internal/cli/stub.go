package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/reviewload/reviewload/internal/logger"
	"github.com/reviewload/reviewload/internal/performance/engine"
	"github.com/reviewload/reviewload/internal/targetstub"
)

func newStubCmd() *cobra.Command {
	var (
		addr         string
		latency      time.Duration
		failureRatio float64
		seed         uint64
		logLevel     string
	)

	cmd := &cobra.Command{
		Use:   "stub",
		Short: "Serve an in-memory review-assigner target",
		Long: `Serve an in-memory implementation of the review-assigner API, useful
as a local target for "reviewload run". State is lost on exit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if failureRatio < 0 || failureRatio > 1 {
				return &ExitError{Code: engine.ExitError, Err: fmt.Errorf("--failure-ratio must be between 0 and 1")}
			}

			logCfg := logger.DefaultConfig()
			logCfg.Level = logLevel
			log, err := logger.New(logCfg, cmd.ErrOrStderr())
			if err != nil {
				return &ExitError{Code: engine.ExitError, Err: err}
			}
			defer func() { _ = log.Sync() }()

			srv := targetstub.NewServer(targetstub.Options{
				Latency:      latency,
				FailureRatio: failureRatio,
				Seed:         seed,
				Logger:       log,
			})
			if err := srv.Start(addr); err != nil {
				return &ExitError{Code: engine.ExitError, Err: fmt.Errorf("failed to listen on %s: %w", addr, err)}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn("stub shutdown failed", zap.Error(err))
			}
			log.Info("stub stopped", zap.Int64("requests", srv.Requests()))
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&addr, "addr", ":8080", "Listen address")
	f.DurationVar(&latency, "latency", 0, "Delay added before every response")
	f.Float64Var(&failureRatio, "failure-ratio", 0, "Share of requests answered with 500 (0..1)")
	f.Uint64Var(&seed, "seed", 0, "Seed for reviewer selection and failure injection")
	f.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	return cmd
}
