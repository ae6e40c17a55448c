package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tuwukee/jiggler"
)

// echoJob is the built-in job used for smoke testing a deployment.
const echoJob = "Echo"

func newRunCommand(g *globals) *cobra.Command {
	var (
		queues      []string
		mode        string
		concurrency int
		fetchers    int
		timeout     time.Duration
		poller      bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a worker process",
		Long:  "Run a worker process. SIGINT and SIGTERM stop it gracefully, SIGTSTP stops it from taking new jobs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := g.baseOptions()
			if err != nil {
				return err
			}
			qs := make([]jiggler.QueueConfig, 0, len(queues))
			for _, s := range queues {
				q, err := jiggler.ParseQueue(s)
				if err != nil {
					return err
				}
				qs = append(qs, q)
			}
			opts = append(opts,
				jiggler.WithMode(jiggler.Mode(mode)),
				jiggler.WithQueues(qs...),
				jiggler.WithConcurrency(concurrency),
				jiggler.WithFetchersConcurrency(fetchers),
				jiggler.WithShutdownTimeout(timeout),
				jiggler.WithPoller(poller),
			)
			logger, _ := g.logger()

			rdb, err := jiggler.NewRedisClient(g.redisURL, opts...)
			if err != nil {
				return err
			}
			defer rdb.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := jiggler.Ping(ctx, rdb); err != nil {
				return err
			}

			registry := jiggler.NewRegistry()
			if err := registry.RegisterFunc(echoJob, echo(logger)); err != nil {
				return err
			}
			l, err := jiggler.NewLauncher(rdb, registry, opts...)
			if err != nil {
				return err
			}

			quiet := make(chan os.Signal, 1)
			if len(quietSignals) > 0 {
				signal.Notify(quiet, quietSignals...)
				defer signal.Stop(quiet)
			}
			go func() {
				select {
				case <-quiet:
					l.Quiet()
				case <-ctx.Done():
				}
			}()

			if err := l.Run(ctx); err != nil {
				return fmt.Errorf("launcher: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&queues, "queue", "q", []string{getenvDefault("JIGGLER_QUEUE", jiggler.DefaultQueue)}, "Queue to process as name[:priority], repeatable")
	cmd.Flags().StringVar(&mode, "mode", getenvDefault("JIGGLER_MODE", string(jiggler.AtMostOnce)), "Delivery mode: at_most_once|at_least_once")
	cmd.Flags().IntVarP(&concurrency, "concurrency", "c", getenvInt("JIGGLER_CONCURRENCY", 10), "Number of workers")
	cmd.Flags().IntVar(&fetchers, "fetchers", getenvInt("JIGGLER_FETCHERS", 1), "Readers per queue in at_least_once mode")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", getenvDuration("JIGGLER_TIMEOUT", 25*time.Second), "Shutdown timeout")
	cmd.Flags().BoolVar(&poller, "poller", getenvDefault("JIGGLER_POLLER", "true") == "true", "Move due retries and scheduled jobs onto queues")
	return cmd
}

// echo logs its arguments.
func echo(logger *slog.Logger) jiggler.HandlerFunc {
	return func(ctx context.Context, args jiggler.Args) error {
		logger.Info("echo", slog.Int("args", len(args)), slog.Any("values", args))
		return nil
	}
}
