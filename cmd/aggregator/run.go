package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/account-aggregator/internal/auth"
	"github.com/rickgao/account-aggregator/internal/cache"
	"github.com/rickgao/account-aggregator/internal/connection"
	"github.com/rickgao/account-aggregator/internal/model"
	"github.com/rickgao/account-aggregator/internal/session"
	"github.com/rickgao/account-aggregator/internal/version"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to the feed and keep totals until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
}

func run(parent context.Context, opts *rootOptions) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log, os.Stdout)
	logger = logger.With("instance_id", cfg.Instance.ID)

	logger.Info("starting aggregator",
		"version", version.Version,
		"commit", version.Commit,
		"config", opts.configPath,
	)

	tokens := feedToken(cfg)
	token, err := tokens.Resolve()
	switch {
	case errors.Is(err, auth.ErrNoToken):
		logger.Warn("no feed token configured, connecting unauthenticated")
	case err != nil:
		return fmt.Errorf("resolve feed token: %w", err)
	default:
		logger.Info("feed token loaded", "source", tokens.Describe(), "token", auth.Redact(token))
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	source, err := openSource(ctx, cfg, token, logger)
	if err != nil {
		return err
	}
	defer source.close()

	backend, err := cache.Open(ctx, cfg.Cache, logger)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	sessOpts := []session.Option{session.WithLogger(logger)}
	if backend != nil {
		defer backend.Close()
		sessOpts = append(sessOpts, session.WithCache(backend))
	}

	sess, err := session.New(session.FromConfig(cfg, token, cfg.Instance.ID), source, sessOpts...)
	if err != nil {
		return err
	}
	sess.OnStateChange(func(s connection.State) {
		logger.Info("feed state", "state", s)
	})

	if err := sess.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	var server *http.Server
	if cfg.HTTP.Port > 0 {
		server = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
			Handler: createHandler(sess, logger),
		}
		ln, err := net.Listen("tcp", server.Addr)
		if err != nil {
			sess.Stop(context.Background())
			return fmt.Errorf("listen: %w", err)
		}
		g.Go(func() error {
			logger.Info("starting status server", "port", cfg.HTTP.Port)
			if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
	}

	logger.Info("aggregator running",
		"feed", cfg.Feed.WSURL,
		"bulk", cfg.Bulk.Kind,
		"cache", cfg.Cache.Backend,
	)

	// Wait for shutdown
	<-gctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if server != nil {
		server.Shutdown(shutdownCtx)
	}
	stopErr := sess.Stop(shutdownCtx)

	if err := g.Wait(); err != nil {
		return err
	}

	stats := sess.Stats()
	logger.Info("aggregator stopped",
		"entities", stats.Count,
		"balance", stats.Sum(model.FieldBalance),
	)
	return stopErr
}
