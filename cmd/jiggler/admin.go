package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/tuwukee/jiggler"
)

func (g *globals) connect(cmd *cobra.Command) (*redis.Client, []jiggler.Option, error) {
	opts, err := g.baseOptions()
	if err != nil {
		return nil, nil, err
	}
	rdb, err := jiggler.NewRedisClient(g.redisURL, opts...)
	if err != nil {
		return nil, nil, err
	}
	if err := jiggler.Ping(cmd.Context(), rdb); err != nil {
		rdb.Close()
		return nil, nil, err
	}
	return rdb, opts, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newEnqueueCommand(g *globals) *cobra.Command {
	var (
		queue   string
		retries int
		in      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "enqueue NAME [JSON_ARG...]",
		Short: "Enqueue a job",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rdb, opts, err := g.connect(cmd)
			if err != nil {
				return err
			}
			defer rdb.Close()

			vals := make([]any, 0, len(args)-1)
			for _, a := range args[1:] {
				if !json.Valid([]byte(a)) {
					return fmt.Errorf("argument %q is not valid JSON", a)
				}
				vals = append(vals, json.RawMessage(a))
			}

			client := jiggler.NewClient(rdb, nil, opts...)
			eo := jiggler.EnqueueOptions{Queue: queue}
			if cmd.Flags().Changed("retries") {
				eo.Retries = &retries
			}
			var jid string
			if in > 0 {
				jid, err = client.EnqueueAt(cmd.Context(), time.Now().Add(in), args[0], eo, vals...)
			} else {
				jid, err = client.EnqueueWith(cmd.Context(), args[0], eo, vals...)
			}
			if err != nil {
				return err
			}
			fmt.Println(jid)
			return nil
		},
	}
	cmd.Flags().StringVarP(&queue, "queue", "q", jiggler.DefaultQueue, "Target queue")
	cmd.Flags().IntVar(&retries, "retries", 0, "Retry budget")
	cmd.Flags().DurationVar(&in, "in", 0, "Schedule the job this far in the future")
	return cmd
}

func newSummaryCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Print counters, live processes and queue lengths as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			rdb, opts, err := g.connect(cmd)
			if err != nil {
				return err
			}
			defer rdb.Close()
			s, err := jiggler.Summary(cmd.Context(), rdb, opts...)
			if err != nil {
				return err
			}
			return printJSON(s)
		},
	}
}

func newPruneCommand(g *globals) *cobra.Command {
	var what string
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete jiggler data",
		RunE: func(cmd *cobra.Command, args []string) error {
			rdb, opts, err := g.connect(cmd)
			if err != nil {
				return err
			}
			defer rdb.Close()

			c := jiggler.NewCleaner(rdb, opts...)
			ctx := cmd.Context()
			switch what {
			case "all":
				return c.PruneAll(ctx)
			case "queues":
				return c.PruneQueues(ctx)
			case "retries":
				return c.PruneRetrySet(ctx)
			case "scheduled":
				return c.PruneScheduledSet(ctx)
			case "dead":
				return c.PruneDeadSet(ctx)
			case "processes":
				return c.PruneProcesses(ctx)
			case "counters":
				return c.PruneCounters(ctx)
			}
			if q, ok := strings.CutPrefix(what, "queue:"); ok {
				return c.PruneQueue(ctx, q)
			}
			return fmt.Errorf("invalid --what %q", what)
		},
	}
	cmd.Flags().StringVar(&what, "what", "all", "all|queues|queue:NAME|retries|scheduled|dead|processes|counters")
	return cmd
}

func newDeadCommand(g *globals) *cobra.Command {
	deadCmd := &cobra.Command{Use: "dead", Short: "Dead set operations"}

	var offset, limit int64
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List dead jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			rdb, opts, err := g.connect(cmd)
			if err != nil {
				return err
			}
			defer rdb.Close()
			entries, err := jiggler.NewDeadSet(rdb, opts...).List(cmd.Context(), offset, limit)
			if err != nil {
				return err
			}
			out := make([]any, 0, len(entries))
			for _, e := range entries {
				if e.Envelope == nil {
					out = append(out, map[string]any{"died_at": e.DiedAt, "raw": e.Raw})
					continue
				}
				out = append(out, map[string]any{"died_at": e.DiedAt, "job": e.Envelope})
			}
			return printJSON(out)
		},
	}
	listCmd.Flags().Int64Var(&offset, "offset", 0, "Entries to skip")
	listCmd.Flags().Int64Var(&limit, "limit", 25, "Maximum entries")

	var n int64
	redriveCmd := &cobra.Command{
		Use:   "redrive",
		Short: "Move the oldest dead jobs back to their queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			rdb, opts, err := g.connect(cmd)
			if err != nil {
				return err
			}
			defer rdb.Close()
			moved, err := jiggler.NewDeadSet(rdb, opts...).Redrive(cmd.Context(), n)
			if err != nil {
				return err
			}
			fmt.Printf("redriven: %d\n", moved)
			return nil
		},
	}
	redriveCmd.Flags().Int64VarP(&n, "count", "n", 1, "Jobs to redrive")

	deadCmd.AddCommand(listCmd, redriveCmd)
	return deadCmd
}
