package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vnykmshr/gatekeep/internal/config"
	"github.com/vnykmshr/gatekeep/internal/httpapi"
	"github.com/vnykmshr/gatekeep/pkg/audit"
	"github.com/vnykmshr/gatekeep/pkg/coordinator"
	"github.com/vnykmshr/gatekeep/pkg/metrics"
	"github.com/vnykmshr/gatekeep/pkg/rules"
	"github.com/vnykmshr/gatekeep/pkg/store"
)

const (
	serverReadHeaderTimeout = 5 * time.Second
	serverReadTimeout       = 10 * time.Second
	serverWriteTimeout      = 15 * time.Second
	serverIdleTimeout       = 60 * time.Second
)

func newServeCmd(c *cli) *cobra.Command {
	var configPath string
	v := config.New()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the coordination HTTP server",
		Long: `Start the coordination HTTP server.

Settings come from the optional --config file and GATEKEEP_* environment
variables, e.g. GATEKEEP_STORE_ADDR=redis:6379. Rule definitions are read from
rules.file and re-read on SIGHUP.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Read(v, configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, c.logger, cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to configuration file (YAML)")
	cmd.Flags().String("address", ":8080", "Address to listen on")
	if err := v.BindPFlag("server.address", cmd.Flags().Lookup("address")); err != nil {
		panic(err)
	}
	return cmd
}

func newRedisStore(cfg config.StoreConfig) (*store.RedisStore, error) {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.Addr},
		DB:       cfg.DB,
		Password: cfg.Password,
	})
	st, err := store.NewRedis(store.RedisConfig{Client: client, OpTimeout: cfg.OpTimeout})
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return st, nil
}

func auditSink(cfg *config.Config, st store.Store, logger *zap.Logger, m *metrics.Registry) audit.Sink {
	sink := audit.Sink(audit.NewLogSink(logger, m))
	if cfg.Audit.StoreKey == "" {
		return sink
	}
	return audit.Multi(sink, audit.NewStoreSink(st, audit.StoreSinkConfig{
		Key:       cfg.Audit.StoreKey,
		MaxEvents: cfg.Audit.MaxEvents,
		Retention: cfg.Audit.Retention,
		Logger:    logger,
	}))
}

// loadRules reads the rules file into coord and logs what was disabled.
func loadRules(coord *coordinator.Coordinator, path string, logger *zap.Logger) error {
	defs, err := rules.LoadDefinitionsFile(path)
	if err != nil {
		return err
	}
	v := coord.LoadRules(defs)
	for _, cycle := range v.Cycles {
		logger.Warn("rule cycle disabled", zap.Strings("rule_ids", cycle))
	}
	for _, issue := range v.Issues {
		logger.Warn("rule issue", zap.String("rule_id", issue.RuleID), zap.String("reason", issue.Reason))
	}
	return nil
}

func runServe(ctx context.Context, logger *zap.Logger, cfg *config.Config) error {
	st, err := newRedisStore(cfg.Store)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewRegistry(reg)

	coord, err := coordinator.New(st, cfg.Coordinator(),
		coordinator.WithLogger(logger),
		coordinator.WithMetrics(m),
		coordinator.WithAuditSink(auditSink(cfg, st, logger, m)),
	)
	if err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}
	defer func() {
		if err := coord.Close(); err != nil {
			logger.Warn("coordinator close failed", zap.Error(err))
		}
	}()

	if err := coord.Ping(ctx); err != nil {
		logger.Warn("store not reachable yet", zap.String("addr", cfg.Store.Addr), zap.Error(err))
	}

	if cfg.Rules.File != "" {
		if err := loadRules(coord, cfg.Rules.File, logger); err != nil {
			return fmt.Errorf("failed to load rules: %w", err)
		}
	}
	if err := coord.ScheduleEvaluation(cfg.Rules.EvaluationSchedule); err != nil {
		return fmt.Errorf("failed to schedule rule evaluation: %w", err)
	}

	router := httpapi.NewServer(coord,
		httpapi.WithLogger(logger),
		httpapi.WithMetrics(m),
		httpapi.WithGatherer(reg),
		httpapi.WithInFlight(coord.InFlight()),
	)
	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           router,
		ReadHeaderTimeout: serverReadHeaderTimeout,
		ReadTimeout:       serverReadTimeout,
		WriteTimeout:      serverWriteTimeout,
		IdleTimeout:       serverIdleTimeout,
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	for {
		select {
		case err := <-serveErr:
			if err != nil {
				return fmt.Errorf("http server failed: %w", err)
			}
			return nil
		case <-hup:
			if cfg.Rules.File == "" {
				continue
			}
			if err := loadRules(coord, cfg.Rules.File, logger); err != nil {
				logger.Error("rule reload failed", zap.String("file", cfg.Rules.File), zap.Error(err))
			}
		case <-ctx.Done():
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("http shutdown: %w", err)
			}
			return nil
		}
	}
}
