package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/conduithq/conduit/config"
	"github.com/conduithq/conduit/confirm"
	"github.com/conduithq/conduit/gateway"
	"github.com/conduithq/conduit/hub"
	"github.com/conduithq/conduit/pkg/slogx"
	"github.com/conduithq/conduit/poller"
	_ "github.com/conduithq/conduit/provider/gemini"
	_ "github.com/conduithq/conduit/provider/openaichat"
	_ "github.com/conduithq/conduit/provider/openairesponses"
	"github.com/conduithq/conduit/server"
	"github.com/conduithq/conduit/store"
	"github.com/conduithq/conduit/streamcache"
	"github.com/conduithq/conduit/toolserver"
	"github.com/conduithq/conduit/turn"
)

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context(), serveConfigPath)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "conduit.yaml", "path to configuration file")
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	st, err := store.OpenSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := seedFromConfig(ctx, st, cfg); err != nil {
		return err
	}

	// Hot-reloadable view of the tool server list. Providers and limits
	// require a restart; tool servers do not.
	var servers atomic.Pointer[[]toolserver.Server]
	applyServers := func(c config.Config) {
		list := make([]toolserver.Server, 0, len(c.ToolServers))
		for _, ts := range c.ToolServers {
			list = append(list, toolserver.Server{
				ID:          ts.ID,
				Name:        ts.Name,
				BaseURL:     ts.BaseURL,
				Token:       os.Getenv(ts.TokenEnv),
				Enabled:     ts.Enabled,
				AutoApprove: ts.AutoApprove,
			})
		}
		servers.Store(&list)
	}
	applyServers(cfg)
	stopWatch, err := config.Watch(configPath, applyServers)
	if err != nil {
		slog.Warn("config watch unavailable", slogx.Error(err))
	} else {
		defer stopWatch()
	}

	gw, err := gateway.New(gateway.WithCatalogTTL(cfg.Limits.CatalogTTL.Std()))
	if err != nil {
		return err
	}
	defer gw.Close()

	gate, err := confirm.New(confirm.WithTimeout(cfg.Limits.ConfirmTimeout.Std()))
	if err != nil {
		return err
	}

	cache, err := streamcache.New()
	if err != nil {
		return err
	}

	var bridge *hub.NATSBridge
	h, err := hub.New(hub.WithRelay(func(userID string, env hub.Envelope) {
		if bridge != nil {
			bridge.Relay(userID, env)
		}
	}))
	if err != nil {
		return err
	}
	defer h.Close()

	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("connect nats at %s: %w", cfg.NATSURL, err)
		}
		defer nc.Close()
		bridge, err = hub.NewNATSBridge(nc, h)
		if err != nil {
			return err
		}
		defer bridge.Close()
		slog.Info("event relay connected", slog.String("nats_url", cfg.NATSURL))
	}

	directory := func(ids []string) []toolserver.Server {
		all := *servers.Load()
		out := make([]toolserver.Server, 0, len(ids))
		for _, id := range ids {
			for _, s := range all {
				if s.ID == id {
					out = append(out, s)
					break
				}
			}
		}
		return out
	}

	orch, err := turn.New(st, gw, gate, cache, h, directory,
		turn.WithMaxRounds(cfg.Limits.MaxToolRounds),
		turn.WithStopGrace(cfg.Limits.StopGrace.Std()),
	)
	if err != nil {
		return err
	}

	tiers := make([]poller.Tier, 0, len(cfg.Poller.Tiers))
	for _, t := range cfg.Poller.Tiers {
		tiers = append(tiers, poller.Tier{MaxEstimate: t.MaxEstimate, Interval: t.Interval.Std()})
	}
	pol, err := poller.New(st, h,
		poller.WithSweepInterval(cfg.Poller.Sweep.Std()),
		poller.WithTiers(tiers),
	)
	if err != nil {
		return err
	}
	if err := pol.Start(ctx); err != nil {
		return err
	}
	defer pol.Close()

	srv := server.New(cfg.Addr, orch, cache, h)

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-sigCtx.Done():
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// seedFromConfig mirrors configured providers into the store so assistants
// can reference them by id.
func seedFromConfig(ctx context.Context, st *store.SQLite, cfg config.Config) error {
	for _, p := range cfg.Providers {
		err := st.PutProvider(ctx, store.ProviderConfig{
			ID:        p.ID,
			Format:    p.Format,
			BaseURL:   p.BaseURL,
			APIKeyEnv: p.APIKeyEnv,
		})
		if err != nil {
			return fmt.Errorf("seed provider %s: %w", p.ID, err)
		}
	}
	return nil
}
