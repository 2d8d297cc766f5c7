// streamtest connects to the account feed and prints decoded updates to the
// console, without touching any aggregation state.
// Usage: go run ./cmd/streamtest -config configs/aggregator.local.yaml
//
// The feed token is read from the config's feed.token, feed.token_env or
// feed.token_file.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rickgao/account-aggregator/internal/auth"
	"github.com/rickgao/account-aggregator/internal/config"
	"github.com/rickgao/account-aggregator/internal/connection"
	"github.com/rickgao/account-aggregator/internal/router"
)

func main() {
	configPath := flag.String("config", "configs/aggregator.local.yaml", "path to config file")
	verbose := flag.Bool("verbose", false, "print full update JSON")
	flag.Parse()

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	// Load config
	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Feed.WSURL == "" {
		logger.Error("feed.ws_url is required")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tokens := auth.TokenSource{Token: cfg.Feed.Token, Env: cfg.Feed.TokenEnv, File: cfg.Feed.TokenFile}
	token, err := tokens.Resolve()
	if err != nil {
		logger.Warn("no feed token", "error", err)
	} else {
		logger.Info("using feed token", "source", tokens.Describe(), "token", auth.Redact(token))
	}

	// Create Connection Manager
	connMgr := connection.NewManager(connection.ManagerConfig{
		URL:                cfg.Feed.WSURL,
		Token:              token,
		ClientID:           "streamtest",
		LivenessInterval:   cfg.Feed.LivenessInterval,
		WriteTimeout:       cfg.Feed.WriteTimeout,
		HandshakeTimeout:   cfg.Feed.HandshakeTimeout,
		BufferSize:         cfg.Feed.BufferSize,
		ReconnectBaseDelay: cfg.Feed.ReconnectBaseDelay,
		ReconnectMaxDelay:  cfg.Feed.ReconnectMaxDelay,
		MaxAttempts:        cfg.Feed.ReconnectMaxAttempts,
	}, connection.WithLogger(logger))

	// Create Router fed by every message type
	rtr := router.NewRouter(router.DefaultConfig(), logger)
	connMgr.Subscribe(connection.Wildcard, rtr.Route)
	connMgr.OnStateChange(func(s connection.State) {
		logger.Info("feed state", "state", s)
	})

	logger.Info("connecting", "url", cfg.Feed.WSURL)
	if err := connMgr.Connect(ctx); err != nil {
		logger.Warn("initial connect failed, retrying", "error", err)
	}

	go printUpdates(rtr.Buffer(), *verbose)

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				routerStats := rtr.Stats()
				connStats := connMgr.Stats()
				logger.Info("stats",
					"state", connStats.State,
					"reconnects", connStats.Reconnects,
					"conn_received", connStats.MessagesReceived,
					"malformed", connStats.Malformed,
					"router_routed", routerStats.MessagesRouted,
					"parse_errors", routerStats.ParseErrors,
					"heartbeats", routerStats.Heartbeats,
					"buffer", routerStats.Buffer.Count,
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop")

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")
	connMgr.Dispose()
	rtr.Close()

	logger.Info("shutdown complete")
}

func printUpdates(buf *router.GrowableBuffer[router.Update], verbose bool) {
	for {
		u, ok := buf.Receive()
		if !ok {
			return
		}

		switch {
		case u.Event != nil:
			ev := u.Event
			if verbose {
				data, _ := json.MarshalIndent(ev, "", "  ")
				fmt.Printf("[%s] %s\n", ev.Kind, data)
			} else {
				fmt.Printf("[%s] login=%s currency=%s fields=%d ts=%d\n",
					ev.Kind, ev.Login, ev.Currency, len(ev.Values), ev.Timestamp)
			}
		case u.Snapshot != nil:
			fmt.Printf("[SNAPSHOT] accounts=%d as_of=%d\n", len(u.Snapshot.Accounts), u.Snapshot.AsOf)
		}
	}
}
