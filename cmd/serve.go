package cmd

import (
	"context"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kangkukjin/indiebizos/internal/bus"
	"github.com/kangkukjin/indiebizos/internal/config"
	"github.com/kangkukjin/indiebizos/internal/engine"
	"github.com/kangkukjin/indiebizos/internal/router"
	"github.com/kangkukjin/indiebizos/internal/task"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the delegation engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	msgBus := bus.New(cfg.Engine.QueueSize)
	roster := engine.NewRoster()
	applyRoster(roster, cfg)

	stores, history, closeStores, err := buildStorage(cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	rtr := router.New(router.DefaultRetryConfig())

	eng, err := engine.New(engine.Options{
		Bus:               msgBus,
		Roster:            roster,
		Stores:            stores,
		Delivery:          rtr,
		Reasoners:         reasonerProvider(cfg),
		History:           history,
		DelegationTimeout: cfg.Engine.DelegationTimeout.Std(),
		SupervisorAgent:   cfg.Supervisor.Agent,
	})
	if err != nil {
		return err
	}

	sup := engine.NewSupervisor(eng, cfg.Supervisor.Agent, reasonerProvider(cfg)(engine.SupervisorScope, cfg.Supervisor.Agent), cfg.Supervisor.PollInterval.Std())

	eng.Start(ctx)
	if err := eng.Spawn(sup.Run); err != nil {
		return err
	}
	_ = eng.Spawn(logEvents(msgBus))

	submit := router.SubmitFunc(eng.Submit)
	rtr.Register(task.ChannelSupervisor, router.SupervisorSender(msgBus, sup.Agent()))

	if cfg.Channels.Interactive.Enabled {
		if err := startInteractive(eng, rtr, submit, cfg.Channels.Interactive); err != nil {
			return err
		}
	}
	if cfg.Channels.Telegram.Enabled {
		if err := startTelegram(eng, rtr, submit, cfg.Channels.Telegram); err != nil {
			return err
		}
	}
	if cfg.Channels.Slack.Enabled {
		rtr.Register(task.ChannelSlack, router.NewSlackChannel(cfg.Channels.Slack.Token).Sender())
		slog.Info("slack channel enabled")
	}

	for _, p := range cfg.Projects {
		if !p.Autostart {
			continue
		}
		if err := eng.StartScope(p.ID); err != nil {
			return err
		}
	}

	watcher := config.NewWatcher(cfgFile, func(next *config.Config) {
		applyRoster(roster, next)
	})
	_ = eng.Spawn(watcher.Run)

	slog.Info("engine running", "projects", len(cfg.Projects),
		"storage", cfg.Storage.Driver, "supervisor", sup.Agent())
	return eng.Wait()
}

// applyRoster replaces the live roster from config. Runs at startup and on
// every hot reload.
func applyRoster(roster *engine.Roster, cfg *config.Config) {
	scopes := make(map[string][]engine.AgentSpec, len(cfg.Projects))
	for _, p := range cfg.Projects {
		specs := make([]engine.AgentSpec, 0, len(p.Agents))
		for _, a := range p.Agents {
			specs = append(specs, engine.AgentSpec{Name: a.Name, Description: a.Description})
		}
		scopes[p.ID] = specs
	}
	roster.Replace(scopes)
}

func buildStorage(cfg *config.Config) (engine.StoreFactory, task.HistoryStore, func(), error) {
	if cfg.Storage.Driver == "sqlite" {
		db, err := task.OpenDB(cfg.Storage.Path)
		if err != nil {
			return nil, nil, nil, err
		}
		factory := func(scope string) (task.Store, error) {
			return task.NewSQLiteStore(db, scope), nil
		}
		return factory, task.NewSQLiteHistory(db), func() { _ = db.Close() }, nil
	}
	factory := func(scope string) (task.Store, error) {
		return task.NewMemoryStore(), nil
	}
	return factory, task.NewMemoryHistory(0), func() {}, nil
}

// reasonerProvider resolves the reasoning backend per agent. The engine
// treats reasoning as opaque; an inference integration replaces the echo
// placeholder here without touching the engine.
func reasonerProvider(_ *config.Config) engine.ReasonerProvider {
	return func(scope, agent string) engine.Reasoner {
		return engine.EchoReasoner()
	}
}

func logEvents(msgBus *bus.MessageBus) func(context.Context) error {
	events := msgBus.Subscribe()
	return func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev := <-events:
				args := make([]any, 0, len(ev.Payload)*2)
				for k, v := range ev.Payload {
					args = append(args, k, v)
				}
				slog.Debug("event: "+ev.Name, args...)
			}
		}
	}
}

func startInteractive(eng *engine.Engine, rtr *router.Router, submit router.SubmitFunc, cfg config.InteractiveConfig) error {
	ws := router.NewInteractiveServer(submit)
	rtr.Register(task.ChannelInteractive, ws.Sender())

	mux := http.NewServeMux()
	mux.Handle("/ws", ws)
	srv := &http.Server{Addr: cfg.Addr, Handler: mux}

	return eng.Spawn(func(ctx context.Context) error {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		slog.Info("interactive channel listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
}

func startTelegram(eng *engine.Engine, rtr *router.Router, submit router.SubmitFunc, cfg config.TelegramConfig) error {
	tg, err := router.NewTelegramChannel(cfg.Token)
	if err != nil {
		return err
	}
	rtr.Register(task.ChannelTelegram, tg.Sender())
	slog.Info("telegram channel enabled", "long_poll", cfg.LongPoll)
	if !cfg.LongPoll {
		return nil
	}
	dedupe := bus.NewDedupeCache(10*time.Minute, 4096)
	return eng.Spawn(func(ctx context.Context) error {
		return tg.Listen(ctx, cfg.Scope, submit, dedupe)
	})
}
