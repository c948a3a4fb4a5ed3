package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/kernel"
	"github.com/GoCodeAlone/kernel/eventbus"
	"github.com/GoCodeAlone/kernel/server"
	"github.com/GoCodeAlone/kernel/webhook"
)

// NewRunCommand creates the run command
func NewRunCommand() *cobra.Command {
	var (
		adminAddr   string
		watch       bool
		eventLog    string
		webhookURLs []string
		webhookPat  string
	)

	cmd := &cobra.Command{
		Use:   "run <manifest-dir>",
		Short: "Run a kernel over a manifest directory",
		Long: `Loads every manifest in the directory, starts all modules in dependency
order, and runs until interrupted. Each entry point is bound to a built-in
no-op module, which makes run useful for exercising module topologies;
real hosts embed the kernel and register their own factories.

Environment variables prefixed KERNEL_ override configuration defaults.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := kernel.LoadConfig()
			if err != nil {
				return err
			}
			cfg.ManifestDir = args[0]
			if adminAddr != "" {
				cfg.AdminAddr = adminAddr
			}
			if watch {
				cfg.WatchManifests = true
			}

			logger := kernel.NewSlogLogger(nil)

			var store eventbus.EventLog
			if eventLog != "" {
				fileLog, err := eventbus.NewFileLog(eventLog)
				if err != nil {
					return err
				}
				store = fileLog
			}
			bus := eventbus.New(&cfg.EventBus, store, logger)
			retainer, err := eventbus.StartRetention(bus, logger)
			if err != nil {
				return err
			}
			defer retainer.Stop()

			registry := kernel.NewRegistry(bus, logger, &cfg.Registry)

			manifests, err := loadManifestDir(cfg.ManifestDir)
			if err != nil {
				if len(manifests) == 0 {
					return err
				}
				logger.Warn("Some manifests failed to parse", "error", err)
			}
			for _, m := range manifests {
				registry.RegisterFactory(m.EntryPoint, func() kernel.Module { return &placeholderModule{} })
			}
			for _, m := range manifests {
				if err := registry.Register(m); err != nil {
					logger.Warn("Manifest not registered", "module", m.Name, "error", err)
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if len(webhookURLs) > 0 {
				whCfg := webhook.DefaultConfig()
				for i, url := range webhookURLs {
					whCfg.Endpoints = append(whCfg.Endpoints, webhook.Endpoint{
						Name:     fmt.Sprintf("endpoint-%d", i+1),
						URL:      url,
						Patterns: []string{webhookPat},
					})
				}
				dispatcher := webhook.NewDispatcher(bus, logger, whCfg, nil)
				if err := dispatcher.Start(ctx); err != nil {
					return err
				}
				defer func() { _ = dispatcher.Stop(context.Background()) }()
			}

			if err := registry.StartAll(ctx); err != nil {
				logger.Error("Some modules failed to start", "error", err)
			}

			if cfg.WatchManifests {
				watcher := kernel.NewManifestWatcher(registry, logger, cfg.ManifestDir)
				if err := watcher.Watch(ctx); err != nil {
					return err
				}
				defer func() { _ = watcher.Close() }()
			}

			var admin *server.AdminServer
			if cfg.AdminAddr != "" {
				admin = server.New(registry, logger, cfg.AdminAddr)
				admin.Start()
			}

			<-ctx.Done()
			logger.Info("Shutting down")

			shutdownCtx := context.Background()
			if admin != nil {
				_ = admin.Shutdown(shutdownCtx)
			}
			if err := registry.StopAll(shutdownCtx); err != nil {
				logger.Error("Errors during module shutdown", "error", err)
			}
			return bus.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&adminAddr, "admin", "", "admin API listen address, e.g. :8181")
	cmd.Flags().BoolVar(&watch, "watch", false, "watch the manifest directory for changes")
	cmd.Flags().StringVar(&eventLog, "event-log", "", "append events to this JSON-lines file")
	cmd.Flags().StringSliceVar(&webhookURLs, "webhook", nil, "webhook endpoint URLs")
	cmd.Flags().StringVar(&webhookPat, "webhook-pattern", "module.*", "event-type pattern delivered to webhooks")
	return cmd
}

// placeholderModule stands in for real module code when running manifest
// topologies from the CLI.
type placeholderModule struct {
	host kernel.Host
}

func (m *placeholderModule) Init(_ context.Context, host kernel.Host) error {
	m.host = host
	return nil
}

func (m *placeholderModule) Start(context.Context) error { return nil }

func (m *placeholderModule) Stop(context.Context) error { return nil }
