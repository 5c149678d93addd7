package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"mindprint/internal/analysis"
	"mindprint/internal/api"
	"mindprint/internal/certificate"
	"mindprint/internal/config"
	"mindprint/internal/health"
	"mindprint/internal/logging"
	"mindprint/internal/metrics"
	"mindprint/internal/retry"
	"mindprint/internal/session"
	"mindprint/internal/signer"
	"mindprint/internal/store"
)

const gaugeInterval = 30 * time.Second

func newServeCommand(root *rootOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), root.configPath, listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "override server.listen")
	return cmd
}

// daemon is everything serve builds from one configuration.
type daemon struct {
	cfg      *config.Config
	log      *logging.Logger
	audit    *logging.AuditLogger
	store    *store.Store
	analyzer *analysis.Client
	metrics  *metrics.MindprintMetrics
	checker  *health.Checker
	server   *api.Server
}

func runServe(ctx context.Context, configPath, listen string) error {
	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config %s: %w", loader.Path(), err)
	}
	defer loader.Close()
	addr := cfg.Server.Listen
	if listen != "" {
		addr = listen
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	logCfg, err := cfg.Logging.LoggerConfig("mindprintd")
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer logger.Close()
	logging.SetDefault(logger)

	for _, w := range config.Check(cfg).Warnings() {
		logger.Warn("config warning", "field", w.Field, "message", w.Message)
	}

	var audit *logging.AuditLogger
	if cfg.Logging.AuditPath != "" {
		audit, err = logging.NewAuditLogger(&logging.AuditLoggerConfig{
			FilePath:   cfg.Logging.AuditPath,
			MaxSize:    int64(cfg.Logging.MaxSizeMB),
			MaxAge:     cfg.Logging.MaxAgeDays,
			MaxBackups: cfg.Logging.MaxBackups,
			Compress:   cfg.Logging.Compress,
			Component:  "mindprintd",
		})
		if err != nil {
			return fmt.Errorf("audit log: %w", err)
		}
		defer audit.Close()
	}

	d, err := newDaemon(cfg, logger, audit)
	if err != nil {
		return err
	}
	defer d.Close()

	loader.OnChange(func(old, cur *config.Config) { d.reload(ctx, old, cur) })
	if err := loader.Watch(); err != nil {
		logger.Warn("config hot reload disabled", "error", err)
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-loader.Errors():
				logger.Warn("config reload failed", "error", err)
			}
		}
	}()
	go d.refreshGauges(ctx, gaugeInterval)

	srv := &http.Server{
		Addr:         addr,
		Handler:      d.server,
		ReadTimeout:  cfg.Server.ReadTimeout(),
		WriteTimeout: cfg.Server.WriteTimeout(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr, "storage", d.store != nil, "analysis", d.analyzer.Enabled())
		errCh <- srv.ListenAndServe()
	}()
	d.checker.SetReady(true)
	_ = audit.LogStartup(ctx, version, map[string]any{
		"listen":     addr,
		"storage":    d.store != nil,
		"production": cfg.Production(),
	})

	var reason string
	select {
	case <-ctx.Done():
		reason = "signal"
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			_ = audit.LogShutdown(context.Background(), "listener failed")
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		reason = "server closed"
	}

	d.checker.SetReady(false)
	logger.Info("shutting down", "reason", reason)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	_ = audit.LogShutdown(shutdownCtx, reason)
	return nil
}

// newDaemon opens storage and builds the services and HTTP handler. When
// storage cannot be opened and is not required, the daemon runs degraded:
// classification and analysis keep working and trust endpoints answer 503.
func newDaemon(cfg *config.Config, logger *logging.Logger, audit *logging.AuditLogger) (*daemon, error) {
	kr, err := signer.NewKeyring(cfg.Secrets())
	if err != nil {
		return nil, fmt.Errorf("signing keys: %w", err)
	}
	if kr.Development() {
		logger.Warn("using the development signing secret; certificates are not trustworthy")
	}

	d := &daemon{cfg: cfg, log: logger, audit: audit, checker: health.NewChecker()}

	st, err := store.Open(cfg.Storage.Path, store.WithBusyTimeout(cfg.Storage.BusyTimeout()))
	if err != nil {
		if cfg.Storage.Required {
			return nil, fmt.Errorf("open store: %w", err)
		}
		logger.Error("trusted storage unavailable, running degraded", "path", cfg.Storage.Path, "error", err)
		_ = audit.LogError(context.Background(), "open_store", err, map[string]any{"path": cfg.Storage.Path})
	} else {
		d.store = st
	}

	// Interfaces stay nil, not typed-nil, when there is no store.
	var (
		sessionStore session.Store
		certStore    certificate.Store
		ping         func(context.Context) error
	)
	analysisOpts := []analysis.Option{analysis.WithLogger(logger.WithComponent("analysis").Logger)}
	if d.store != nil {
		sessionStore, certStore, ping = d.store, d.store, d.store.Ping
		analysisOpts = append(analysisOpts, analysis.WithRecorder(d.store))
	}

	if cfg.Metrics.Enabled {
		d.metrics = metrics.NewMindprintMetrics(metrics.NewRegistry(cfg.Metrics.Namespace, ""))
	}
	d.metrics.SetDegraded(d.store == nil)

	sessions := session.NewService(sessionStore, kr.Session(),
		session.WithLogger(logger.WithComponent("session").Logger),
		session.WithAudit(audit),
		session.WithTTL(cfg.Session.TTL()),
		session.WithMaxBatchEvents(cfg.Session.MaxBatchEvents),
	)
	certs := certificate.NewService(certStore, kr.Certificate(),
		certificate.WithLogger(logger.WithComponent("certificate").Logger),
		certificate.WithAudit(audit),
		certificate.WithDefaultTitle(cfg.Certificate.DefaultTitle),
	)
	d.analyzer = analysis.New(analysisConfig(cfg.Analysis), analysisOpts...)

	d.checker.RegisterFunc("storage", cfg.Storage.Required, health.StorageCheck(ping))
	if d.store != nil {
		d.checker.RegisterFunc("transparency_log", false, health.CountCheck("log_entries", d.logEntries))
	}
	d.checker.RegisterFunc("analysis", false, health.FeatureCheck(d.analyzer.Enabled, "advisory analysis is not configured"))

	opts := []api.Option{
		api.WithLogger(logger.WithComponent("api").Logger),
		api.WithAnalysis(d.analyzer),
		api.WithHealth(d.checker),
		api.WithPublicBaseURL(cfg.Server.PublicBaseURL),
		api.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
	}
	if d.metrics != nil {
		opts = append(opts, api.WithMetrics(d.metrics))
	}
	if cfg.RateLimit.Enabled {
		opts = append(opts, api.WithRateLimit(cfg.RateLimit.RequestsPerSec, cfg.RateLimit.Burst))
	}
	d.server, err = api.New(sessions, certs, opts...)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("build api: %w", err)
	}
	return d, nil
}

// analysisConfig maps the analysis section onto the client. A disabled
// section keeps the client but drops the key, so requests answer 503.
func analysisConfig(a config.AnalysisConfig) analysis.Config {
	cfg := analysis.Config{
		Endpoint: a.Endpoint,
		Model:    a.Model,
		Timeout:  a.Timeout(),
		Retry: retry.Policy{
			MaxAttempts: a.Attempts,
			BaseDelay:   a.BaseDelay(),
			MaxJitter:   a.Jitter(),
		},
	}
	if a.Enabled {
		cfg.APIKey = a.APIKey
	}
	return cfg
}

func (d *daemon) logEntries(ctx context.Context) (int64, error) {
	stats, err := d.store.GetStats(ctx)
	if err != nil {
		return 0, err
	}
	return stats.LogEntries, nil
}

// reload applies the settings that can change without a restart: log
// level and the analysis provider. Storage, signing and the listener are
// bound at startup.
func (d *daemon) reload(ctx context.Context, old, cur *config.Config) {
	if old.Logging.Level != cur.Logging.Level {
		if level, err := logging.ParseLevel(cur.Logging.Level); err != nil {
			d.log.Warn("ignoring log level change", "level", cur.Logging.Level, "error", err)
		} else {
			d.log.SetLevel(level)
			_ = d.audit.LogConfigChange(ctx, "logging.level", old.Logging.Level, cur.Logging.Level)
		}
	}

	if old.Analysis != cur.Analysis {
		d.analyzer.SetConfig(analysisConfig(cur.Analysis))
		_ = d.audit.LogConfigChange(ctx, "analysis.enabled",
			strconv.FormatBool(old.Analysis.Enabled), strconv.FormatBool(cur.Analysis.Enabled))
	}

	if old.Storage != cur.Storage || old.Signing != cur.Signing || old.Server.Listen != cur.Server.Listen {
		d.log.Warn("storage, signing and listen changes take effect after a restart")
	}
	d.log.Info("configuration reloaded")
}

// refreshGauges keeps uptime and the log size current between scrapes.
func (d *daemon) refreshGauges(ctx context.Context, every time.Duration) {
	if d.metrics == nil {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		d.metrics.UpdateUptime()
		if d.store != nil {
			if n, err := d.logEntries(ctx); err == nil {
				d.metrics.SetLogEntries(n)
			} else if !errors.Is(err, context.Canceled) {
				d.log.Debug("log entry count failed", "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *daemon) Close() {
	if d.server != nil {
		d.server.Close()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.log.Error("close store", "error", err)
		}
	}
}
