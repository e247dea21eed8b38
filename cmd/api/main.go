package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/onexay/commitvault/internal/config"
	"github.com/onexay/commitvault/internal/httpserver"
	"github.com/onexay/commitvault/internal/logger"
	"github.com/onexay/commitvault/internal/model"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath   string
		workInterval time.Duration
		expireEvery  time.Duration
	)
	flagSet := pflag.NewFlagSet("commitvault-api", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", os.Getenv("COMMITVAULT_CONFIG"), "YAML config file; environment variables override it")
	flagSet.DurationVar(&workInterval, "work-interval", time.Second, "poll interval for queued archives when async processing is on (0 disables)")
	flagSet.DurationVar(&expireEvery, "expire-interval", time.Hour, "how often to sweep expired archives (0 disables)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	cfg := config.Load()
	if configPath != "" {
		var err error
		if cfg, err = config.LoadFile(configPath); err != nil {
			return err
		}
	}

	logger.Init(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Service: "commitvault-api"})
	log := logger.Get()
	for _, r := range cfg.Rejected {
		log.Warn().Str("key", r.Key).Str("value", r.Value).Str("want", r.Want).Msg("invalid setting; using default")
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := httpserver.NewServer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	if cfg.Processing.Async && workInterval > 0 {
		g.Go(func() error { return drainQueue(gctx, srv.Model(), workInterval) })
	}
	if expireEvery > 0 {
		g.Go(func() error { return sweep(gctx, srv.Model(), expireEvery) })
	}

	err = g.Wait()
	log.Info().Err(err).Msg("shutdown complete")
	return err
}

type processor interface {
	DoProcessingWork(ctx context.Context) (bool, error)
}

// drainQueue processes queued registrations until the queue is empty or a
// job fails, then waits for the next tick.
func drainQueue(ctx context.Context, m processor, every time.Duration) error {
	log := logger.Named("worker")
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		for ctx.Err() == nil {
			did, err := m.DoProcessingWork(ctx)
			if err != nil {
				// a failed job may have been requeued; retry on the next tick
				log.Warn().Err(err).Msg("processing failed")
				break
			}
			if !did {
				break
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func sweep(ctx context.Context, m *model.Model, every time.Duration) error {
	log := logger.Named("expire")
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		n, err := m.Expire(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("expiry sweep failed")
			continue
		}
		if n > 0 {
			log.Info().Int("removed", n).Msg("expired archives")
		}
	}
}
