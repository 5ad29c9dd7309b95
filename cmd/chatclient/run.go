package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/teamchat/internal/api"
	"github.com/rickgao/teamchat/internal/bus"
	"github.com/rickgao/teamchat/internal/config"
	"github.com/rickgao/teamchat/internal/connection"
	"github.com/rickgao/teamchat/internal/database"
	"github.com/rickgao/teamchat/internal/journal"
	"github.com/rickgao/teamchat/internal/reconciler"
	"github.com/rickgao/teamchat/internal/refresh"
	"github.com/rickgao/teamchat/internal/session"
	"github.com/rickgao/teamchat/internal/store"
	"github.com/rickgao/teamchat/internal/version"
)

const shutdownTimeout = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect and keep local chat state in sync until interrupted",
	RunE:  runClient,
}

func runClient(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.Info("starting chat client",
		"version", version.Version,
		"commit", version.Commit,
		"config", flagConfig,
		"realtime_url", cfg.Realtime.URL,
	)

	signals := bus.New(logger)
	defer signals.Close()

	state := store.New()
	rec := reconciler.New(state, reconciler.Identity{
		UserID:   cfg.Session.UserID,
		Username: cfg.Session.Username,
	}, signals, logger)

	conn := connection.NewManager(connection.Config{
		URL:                  cfg.Realtime.URL,
		MaxReconnectAttempts: cfg.Realtime.MaxReconnectAttempts,
		ReconnectDelay:       cfg.Realtime.ReconnectDelay,
		HeartbeatInterval:    cfg.Realtime.HeartbeatInterval,
		ConnectTimeout:       cfg.Realtime.ConnectTimeout,
		WriteTimeout:         cfg.Realtime.WriteTimeout,
	}, logger)

	sess := session.New(session.Config{ReconnectPause: cfg.Realtime.ReconnectDelay}, conn, rec, state, logger)
	sess.OnStatus(func(s connection.Status) {
		logger.Info("connection status", "status", s)
	})

	client := newAPIClient(cfg, logger)
	refresher := refresh.New(client, state, signals, logger)
	notes := signals.Subscribe(bus.KindNotification)

	var (
		pool *pgxpool.Pool
		jrnl *journal.Journal
	)
	if cfg.Journal.Enabled {
		var unregister func()
		pool, jrnl, unregister, err = startJournal(ctx, cfg.Journal, conn, logger)
		if err != nil {
			return err
		}
		defer pool.Close()
		defer func() {
			unregister()
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := jrnl.Stop(stopCtx); err != nil {
				logger.Warn("journal stop", "error", err)
			}
		}()
	}

	// Initial REST load. Failures are logged; the realtime session still runs.
	if err := refresher.RefreshChannels(ctx); err != nil {
		logger.Warn("initial channel load failed", "error", err)
	}
	if id := cfg.Session.ActiveChannel; id != "" {
		sess.SetActiveChannel(id)
		msgs, err := client.ChannelMessages(ctx, id, 1, api.DefaultMessageLimit)
		if err != nil {
			logger.Warn("initial history load failed", "channel_id", id, "error", err)
		} else {
			state.SetMessages(id, msgs)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := refresher.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		logNotifications(gctx, notes, logger)
		return nil
	})

	if cfg.Health.Port > 0 {
		deps := healthDeps{conn: conn, rec: rec, refresh: refresher, bus: signals, store: state}
		if jrnl != nil {
			deps.journal = jrnl
			deps.db = pool
		}
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Health.Port),
			Handler:           newHealthHandler(deps),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("starting health server", "port", cfg.Health.Port)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("health server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	// A failed first dial is retried by the connection manager.
	if err := sess.Start(gctx, cfg.Session.Token); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("initial connect failed, retrying in background", "error", err)
	}

	g.Go(func() error {
		<-gctx.Done()
		sess.Stop()
		return nil
	})

	logger.Info("chat client running", "user_id", cfg.Session.UserID)

	err = g.Wait()
	logger.Info("chat client stopped",
		"events", rec.Stats().EventsHandled,
		"reconnects", conn.Stats().TotalReconnects,
	)
	return err
}

func newAPIClient(cfg *config.ClientConfig, logger *slog.Logger) *api.Client {
	return api.NewClient(
		cfg.API.RestURL,
		cfg.Session.Token,
		api.WithLogger(logger),
		api.WithTimeout(cfg.API.Timeout),
		api.WithRetries(cfg.API.MaxRetries, cfg.API.RetryBackoff),
	)
}

// startJournal connects the journal database and subscribes the journal to
// src. The returned func removes those subscriptions.
func startJournal(ctx context.Context, cfg config.JournalConfig, src journal.Source, logger *slog.Logger) (*pgxpool.Pool, *journal.Journal, func(), error) {
	logger.Info("connecting to journal database",
		"host", cfg.Database.Host,
		"port", cfg.Database.Port,
		"database", cfg.Database.Name,
	)

	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect journal database: %w", err)
	}
	if err := journal.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("create journal schema: %w", err)
	}

	j := journal.New(journal.Config{
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
	}, pool, logger)
	if err := j.Start(ctx); err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	return pool, j, j.Register(src), nil
}

// logNotifications writes notification signals to the log until ctx ends.
func logNotifications(ctx context.Context, sub *bus.Subscriber, logger *slog.Logger) {
	stop := context.AfterFunc(ctx, sub.Close)
	defer stop()

	for {
		sig, ok := sub.Receive()
		if !ok {
			return
		}
		logger.Info("notification",
			"title", sig.Title,
			"body", sig.Body,
			"variant", sig.Variant,
		)
	}
}
