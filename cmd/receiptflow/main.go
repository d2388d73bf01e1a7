package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	_ "time/tzdata"

	"github.com/spf13/cobra"

	"github.com/tracyhatemice/receiptflow/internal/config"
	"github.com/tracyhatemice/receiptflow/internal/metrics"
	"github.com/tracyhatemice/receiptflow/internal/notify"
	"github.com/tracyhatemice/receiptflow/internal/queue"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "receiptflow",
		Short:         "Turn receipt e-mails into categorized expense records",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "config.yaml", "path to configuration file")

	root.AddCommand(
		newWatchCmd(),
		newExtractCmd(),
		newSinkCmd(),
		newReplayCmd(),
	)
	return root
}

// app is what every subcommand starts from.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	queue  *queue.RedisQueue
}

// setup loads the configuration, runs validate and connects to Redis.
func setup(cmd *cobra.Command, validate func(*config.Config) error) (*app, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if validate != nil {
		if err := validate(cfg); err != nil {
			return nil, fmt.Errorf("validate config: %w", err)
		}
	}

	logger := setupLogger(cfg.LogLevel)

	q, err := newQueue(cfg.Redis)
	if err != nil {
		return nil, err
	}
	if err := q.Ping(cmd.Context()); err != nil {
		logger.Warn("redis not reachable yet, will keep retrying", "error", err)
	}
	return &app{cfg: cfg, logger: logger, queue: q}, nil
}

func newQueue(r config.Redis) (*queue.RedisQueue, error) {
	if r.URL != "" {
		return queue.NewRedisFromURL(r.URL)
	}
	return queue.NewRedis(r.Addr, r.Password, r.DB), nil
}

// deadLetters records failed items, e-mailing the operator when notify is enabled.
func (a *app) deadLetters() *queue.DeadLetters {
	dl := &queue.DeadLetters{Queue: a.queue, Logger: a.logger}
	if n := a.cfg.Notify; n.Enabled {
		dl.Notifier = notify.New(notify.Options{
			Host:     n.Host,
			Port:     n.Port,
			Username: n.Username,
			Password: n.Password,
			UseTLS:   n.UseTLS,
			From:     n.From,
			To:       n.To,
			Timeout:  n.Timeout(),
		}, a.logger)
	}
	return dl
}

// run starts the metrics server and depth collector, then runs loop until
// SIGINT or SIGTERM. A second signal forces exit.
func (a *app) run(name string, depthQueues []string, loop func(ctx context.Context)) error {
	defer a.queue.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metrics.Serve(ctx, a.cfg.MetricsAddr, a.logger)
	queue.StartDepthCollector(ctx, a.queue, depthQueues, 0, a.logger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		loop(ctx)
	}()

	<-ctx.Done()
	a.logger.Info("shutting down, waiting for " + name + " to finish...")

	// Force exit on second signal.
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		a.logger.Warn("forced shutdown")
		os.Exit(1)
	}()

	wg.Wait()
	a.logger.Info("receiptflow " + name + " stopped")
	return nil
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func sanitize(name string) string {
	if name == "" {
		return "default"
	}
	out := make([]byte, 0, len(name))
	for _, b := range []byte(name) {
		if (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9') || b == '-' || b == '_' {
			out = append(out, b)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}
