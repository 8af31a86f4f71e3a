package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"loadengine/internal/server"
	"loadengine/internal/service"
)

var serveAddr string

// serveCmd runs the HTTP endpoints and the background job loop
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve health, metrics and read endpoints while running background jobs",
	Long: `Serve /healthz, /metrics and the owner read endpoints, and run the background
loop: jobs interrupted by a previous process are resumed on start, then pending
jobs and queued refreshes are processed periodically.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		cmd.SetContext(ctx)
		return withApp(runServe)(cmd, args)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")
}

func runServe(ctx context.Context, a *app) error {
	addr := a.cfg.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}
	srv := server.New(server.DefaultConfig(addr), a.store, a.metrics, a.logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return a.workLoop(ctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// workLoop resumes interrupted jobs, then sweeps pending jobs and queued
// refreshes until ctx is cancelled. Job failures are logged, not returned.
func (a *app) workLoop(ctx context.Context) error {
	log := a.logger.With().Str("component", "worker").Logger()

	summary, err := a.engine.ResumeInterrupted(ctx)
	if err != nil {
		return err
	}
	a.logSummary("resumed interrupted jobs", summary)

	ticker := time.NewTicker(service.RefreshSweepSeconds * time.Second)
	defer ticker.Stop()

	for {
		summary, err := a.engine.RunPending(ctx)
		if err != nil {
			return err
		}
		a.logSummary("ran pending jobs", summary)

		n, err := a.refresher.ProcessQueued(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Msg("processing queued refreshes")
		} else if n > 0 {
			log.Info().Int("owners", n).Msg("processed queued refreshes")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *app) logSummary(msg string, s *service.RunSummary) {
	if s == nil || (len(s.Completed) == 0 && len(s.Failed) == 0) {
		return
	}
	for id, err := range s.Failed {
		if errors.Is(err, service.ErrRecalcInProgress) {
			a.logger.Warn().Str("job_id", id).Msg("owner locked by another runner, retrying next sweep")
			continue
		}
		a.logger.Error().Err(err).Str("job_id", id).Msg("recalculation job failed")
	}
	a.logger.Info().
		Int("completed", len(s.Completed)).
		Int("failed", len(s.Failed)).
		Msg(msg)
}
