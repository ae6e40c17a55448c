package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tuwukee/jiggler"
)

// globals are the flags shared by every subcommand.
type globals struct {
	redisURL  string
	prefix    string
	logLevel  string
	logFormat string
}

func main() {
	var g globals

	rootCmd := &cobra.Command{
		Use:          "jiggler",
		Short:        "Redis-backed background job processing",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&g.redisURL, "redis-url", getenvDefault("JIGGLER_REDIS_URL", "redis://127.0.0.1:6379/0"), "Redis URL")
	rootCmd.PersistentFlags().StringVar(&g.prefix, "prefix", getenvDefault("JIGGLER_PREFIX", "jiggler"), "Key prefix")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", getenvDefault("JIGGLER_LOG_LEVEL", "info"), "Log level: debug|info|warn|error")
	rootCmd.PersistentFlags().StringVar(&g.logFormat, "log-format", getenvDefault("JIGGLER_LOG_FORMAT", "text"), "Log format: text|json")

	rootCmd.AddCommand(
		newRunCommand(&g),
		newEnqueueCommand(&g),
		newSummaryCommand(&g),
		newPruneCommand(&g),
		newDeadCommand(&g),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func (g *globals) logger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.logLevel)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", g.logLevel)
	}
	hopts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(g.logFormat) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, hopts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(os.Stderr, hopts)), nil
	}
	return nil, fmt.Errorf("invalid --log-format %q; use text|json", g.logFormat)
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

// baseOptions are the options every command derives from the globals.
func (g *globals) baseOptions() ([]jiggler.Option, error) {
	logger, err := g.logger()
	if err != nil {
		return nil, err
	}
	return []jiggler.Option{jiggler.WithPrefix(g.prefix), jiggler.WithLogger(logger)}, nil
}
