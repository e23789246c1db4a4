package main

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/c360/statesync/config"
	"github.com/c360/statesync/docstore"
	"github.com/c360/statesync/health"
	"github.com/c360/statesync/metric"
	"github.com/c360/statesync/natsclient"
	"github.com/c360/statesync/syncstore"
)

const defaultConfigFile = "statesync.yaml"

// app holds what every subcommand shares. Stores are opened lazily so
// commands like "config show" never touch a backend.
type app struct {
	configPath string
	logLevel   string
	logFormat  string

	cfg      *config.Config
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	monitor  *health.Monitor

	nats    *natsclient.Client
	docs    docstore.Store
	closers []func() error
}

// run executes one command line and releases everything it opened
func run(args []string, stdout, stderr io.Writer) error {
	a := &app{}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if closeErr := a.close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   appName,
		Short: "Synchronize application state with a remote document store",
		Long: `statesync mirrors named application values into a document store,
splitting values too large for one document across shard documents. It can
seed demo data in dependency order and export or restore snapshots.`,
		Version:           Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.init,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default: ./"+defaultConfigFile+" when present)")
	flags.StringVar(&a.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flags.StringVar(&a.logFormat, "log-format", "text", "log format: text or json")

	root.AddCommand(
		newServeCmd(a),
		newSeedCmd(a),
		newClearCmd(a),
		newExportCmd(a),
		newImportCmd(a),
		newGetCmd(a),
		newGCCmd(a),
		newConfigCmd(a),
	)
	return root
}

func (a *app) init(cmd *cobra.Command, _ []string) error {
	path := a.configPath
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	}

	loader := config.NewLoader().
		AddLayer(path).
		BindFlag("log.level", cmd.Flags().Lookup("log-level")).
		BindFlag("log.format", cmd.Flags().Lookup("log-format"))

	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	a.cfg = cfg

	logger, closer := setupLogger(cfg.Log, cmd.ErrOrStderr())
	a.logger = logger
	a.closers = append(a.closers, closer.Close)
	slog.SetDefault(logger)

	a.registry = metric.NewMetricsRegistry()
	a.monitor = health.NewMonitor()

	logger.Debug("Configuration loaded", "config_path", path, "backend", cfg.Store.Backend)
	return nil
}

// close releases resources in reverse order of acquisition
func (a *app) close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// syncStore opens the document store and wraps it in a synced key store
func (a *app) syncStore(ctx context.Context) (*syncstore.Store, error) {
	docs, err := a.openDocs(ctx)
	if err != nil {
		return nil, err
	}
	return syncstore.New(docs,
		syncstore.WithCollections(a.cfg.Sync.Collection, a.cfg.Sync.ShardCollection),
		syncstore.WithThresholds(a.cfg.Sync.SingleThreshold, a.cfg.Sync.ShardLimit),
		syncstore.WithLogger(a.logger),
		syncstore.WithMetrics(a.registry.CoreMetrics()),
	)
}

func (a *app) out(cmd *cobra.Command) io.Writer {
	return cmd.OutOrStdout()
}
