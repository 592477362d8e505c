package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/good-yellow-bee/blazecatch/internal/api"
	"github.com/good-yellow-bee/blazecatch/internal/api/health"
	"github.com/good-yellow-bee/blazecatch/internal/api/sessions"
	"github.com/good-yellow-bee/blazecatch/internal/metrics"
	"github.com/good-yellow-bee/blazecatch/internal/session"
	"github.com/good-yellow-bee/blazecatch/internal/settings"
	"github.com/good-yellow-bee/blazecatch/internal/storage"
	"github.com/good-yellow-bee/blazecatch/pkg/config"
)

var (
	serveHTTPAddr    string
	serveMetricsAddr string
	serveSettings    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the capture server",
	Long: `Run the HTTP API, the capture pipeline and, when configured, the
metrics endpoint, the settings file watcher and the ClickHouse archive.

Settings come from settings.file when set, otherwise from the last
settings persisted in the database, otherwise from built-in defaults.

Examples:
  blazecatch serve -c config.yaml
  blazecatch serve --address :9000 --settings rules.yaml`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveHTTPAddr, "address", "a", "", "HTTP listen address (overrides server.http_address)")
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-address", "", "metrics listen address (overrides server.metrics_address)")
	serveCmd.Flags().StringVar(&serveSettings, "settings", "", "settings file (overrides settings.file)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Override with CLI flags
	if serveHTTPAddr != "" {
		cfg.Server.HTTPAddress = serveHTTPAddr
	}
	if serveMetricsAddr != "" {
		cfg.Server.MetricsAddress = serveMetricsAddr
	}
	if serveSettings != "" {
		cfg.Settings.File = serveSettings
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	logger, err := buildLogger(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer logger.Sync()

	build := config.GetBuildInfo()
	metrics.SetBuildInfo(build.Version, build.Commit, build.BuildTime)

	store, err := openDatabase(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("database initialized", zap.String("path", cfg.Database.Path))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	initial, err := initialSettings(ctx, cfg, store, logger)
	if err != nil {
		return err
	}

	m, err := session.NewManager(&session.Options{
		Settings:      initial,
		Pins:          store.Pins(),
		SettingsStore: store.Settings(),
		SweepInterval: cfg.Session.SweepInterval,
		Persister: session.PersisterConfig{
			QueueSize:    cfg.Persister.QueueSize,
			Retries:      cfg.Persister.Retries,
			InitialDelay: cfg.Persister.InitialDelay,
			Timeout:      cfg.Persister.Timeout,
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("create session manager: %w", err)
	}

	srv, err := api.New(&api.Config{
		Address:         cfg.Server.HTTPAddress,
		JWTSecret:       []byte(cfg.API.JWTSecret),
		HTTPTLSEnabled:  cfg.Server.TLS.Enabled,
		HTTPTLSCertFile: cfg.Server.TLS.CertFile,
		HTTPTLSKeyFile:  cfg.Server.TLS.KeyFile,
		CaptureRate:     cfg.API.CaptureRate,
		Stream: sessions.StreamConfig{
			MaxDuration: cfg.API.StreamMaxDuration,
			Heartbeat:   cfg.API.StreamHeartbeat,
			Buffer:      cfg.API.StreamBuffer,
			Retry:       cfg.API.StreamRetry,
		},
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Version:         config.Version,
		Verbose:         cfg.Verbose,
	}, m, logger)
	if err != nil {
		return fmt.Errorf("create API server: %w", err)
	}
	srv.RegisterHealthChecker(health.NewSQLiteChecker(store.DB()))
	srv.RegisterHealthChecker(health.NewBacklogChecker("persistence", m.PersistBacklog, 0))

	if cfg.Archive.ClickHouse.Enabled() {
		closeArchive, err := startArchive(cfg.Archive.ClickHouse, m, srv, logger)
		if err != nil {
			return err
		}
		defer closeArchive()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return m.Run(gctx)
	})
	g.Go(func() error {
		return srv.Run(gctx)
	})

	if cfg.Server.MetricsAddress != "" {
		ms := metrics.NewServer(cfg.Server.MetricsAddress, logger)
		g.Go(func() error {
			return ms.Run(gctx)
		})
	}

	if cfg.Settings.Watch {
		w, err := settings.NewWatcher(cfg.Settings.File, func(s *settings.Settings, _ settings.ImportReport) {
			if err := m.ApplySettings(s); err != nil {
				logger.Warn("failed to apply reloaded settings", zap.Error(err))
			}
		}, &settings.WatcherOptions{Logger: logger})
		if err != nil {
			return fmt.Errorf("watch settings: %w", err)
		}
		g.Go(func() error {
			return w.Run(gctx)
		})
	}

	logger.Info("starting blazecatch",
		zap.String("version", build.Version),
		zap.String("commit", build.Commit),
		zap.String("http_address", cfg.Server.HTTPAddress),
		zap.Bool("auth", cfg.API.JWTSecret != ""),
	)

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run server: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// initialSettings picks the settings file, then persisted settings, then defaults.
func initialSettings(ctx context.Context, cfg *Config, store *storage.SQLiteStorage, logger *zap.Logger) (*settings.Settings, error) {
	if cfg.Settings.File != "" {
		s, report, err := settings.LoadFile(cfg.Settings.File)
		if err != nil {
			return nil, fmt.Errorf("load settings: %w", err)
		}
		for _, skipped := range report.Skipped {
			logger.Warn("rule skipped",
				zap.Int("index", skipped.Index),
				zap.String("rule_id", skipped.ID),
				zap.String("reason", skipped.Reason),
			)
		}
		logger.Info("settings loaded from file",
			zap.String("path", cfg.Settings.File),
			zap.Int("rules", report.Imported),
		)
		return s, nil
	}

	s, err := store.Settings().Load(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		logger.Info("no persisted settings, using defaults")
		return settings.Default(), nil
	case err != nil:
		return nil, fmt.Errorf("load persisted settings: %w", err)
	}
	logger.Info("settings restored from database", zap.Int("rules", len(s.Rules)))
	return s, nil
}

// startArchive connects ClickHouse and subscribes a batching buffer to the
// manager's bus. The returned func unsubscribes and flushes.
func startArchive(cfg ClickHouseConfig, m *session.Manager, srv *api.Server, logger *zap.Logger) (func(), error) {
	archive := storage.NewClickHouseArchive(&storage.ClickHouseConfig{
		Addresses:     cfg.Addresses,
		Database:      cfg.Database,
		Username:      cfg.Username,
		Password:      cfg.Password,
		Compression:   cfg.Compression,
		RetentionDays: cfg.RetentionDays,
	}, logger)
	if err := archive.Open(); err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if err := archive.Migrate(); err != nil {
		archive.Close()
		return nil, fmt.Errorf("migrate archive: %w", err)
	}

	buf := storage.NewEventBuffer(archive, &storage.EventBufferConfig{
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
		Logger:        logger,
	})
	unsubscribe := m.Bus().Subscribe(buf)
	srv.RegisterHealthChecker(health.NewClickHouseChecker(archive))
	logger.Info("event archive enabled", zap.Strings("addresses", cfg.Addresses))

	return func() {
		unsubscribe()
		if err := buf.Close(); err != nil {
			logger.Warn("failed to flush archive buffer", zap.Error(err))
		}
		archive.Close()
	}, nil
}
