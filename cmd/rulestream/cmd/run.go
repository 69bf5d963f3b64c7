package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sandonleejacobs/rulestream/internal/control"
	"github.com/sandonleejacobs/rulestream/internal/core/api"
	"github.com/sandonleejacobs/rulestream/internal/core/config"
	"github.com/sandonleejacobs/rulestream/internal/core/db"
	"github.com/sandonleejacobs/rulestream/internal/core/server"
	"github.com/sandonleejacobs/rulestream/internal/core/store"
	"github.com/sandonleejacobs/rulestream/internal/deadletter"
	"github.com/sandonleejacobs/rulestream/internal/registry"
	"github.com/sandonleejacobs/rulestream/internal/stream"
	"github.com/sandonleejacobs/rulestream/internal/transport"
	"github.com/sandonleejacobs/rulestream/internal/types"
)

const (
	closeTimeout     = 10 * time.Second
	localOffsetBlock = 1024
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline and the admin service",
	RunE:  runPipeline,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("host", "", "admin server host (overrides config)")
	runCmd.Flags().Int("port", 0, "admin server port (overrides config)")
}

// streamConfig maps the pipeline section onto the runtime config.
func streamConfig(cfg *config.Config) stream.Config {
	p := cfg.Pipeline
	sc := stream.DefaultConfig(types.Subject(cfg.Transport.Subject), cfg.Transport.SourceTopic)
	sc.Workers = p.Workers
	sc.InFlightBudget = p.InFlightBudget
	sc.FetchBatch = p.FetchBatch
	sc.FetchWait = p.FetchWait
	sc.DrainTimeout = p.DrainTimeout
	sc.MaxEmitRetries = uint64(p.MaxEmitRetries)
	sc.RetryInitialInterval = p.RetryInitialInterval
	sc.RetryMaxInterval = p.RetryMaxInterval
	sc.Dedup = stream.DedupConfig{
		Enabled:    p.DedupEnabled,
		MaxEntries: p.DedupMaxEntries,
		MaxAge:     p.DedupMaxAge,
	}
	sc.RekeyField = p.RekeyField
	return sc
}

func quarantineDestination(cfg *config.Config, queries *db.Queries, tr transport.Transport) (deadletter.Destination, error) {
	switch cfg.Pipeline.QuarantineDestination {
	case config.QuarantineTopic:
		return deadletter.NewPublisherDestination(tr.Publisher, cfg.Transport.QuarantinePrefix)
	default:
		return store.NewQuarantine(queries), nil
	}
}

// requireMigrations fails when any migration is pending.
func requireMigrations(ctx context.Context, cfg *config.Config) error {
	database, err := db.Open(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	statuses, err := db.MigrateStatus(ctx, database)
	if err != nil {
		return fmt.Errorf("failed to check migrations: %w", err)
	}
	for _, s := range statuses {
		if !s.Applied {
			return fmt.Errorf("migration %s not applied - run 'rulestream migrate' first", s.ID)
		}
	}
	return nil
}

func runPipeline(cmd *cobra.Command, args []string) error {
	logger := slog.Default()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("host") {
		cfg.Admin.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Admin.Port, _ = cmd.Flags().GetInt("port")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := requireMigrations(ctx, cfg); err != nil {
		return err
	}
	database, queries, err := openQueries(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer database.Close()

	promReg := prometheus.DefaultRegisterer
	regStore := store.NewRegistry(queries)

	regMetrics := registry.NewMetrics(promReg)
	if err := regMetrics.Register(); err != nil {
		return fmt.Errorf("register registry metrics: %w", err)
	}
	adapter, err := registry.NewAdapter(regStore, registry.Config{
		CacheTTL:        cfg.Registry.CacheTTL,
		MaxStaleness:    cfg.Registry.MaxStaleness,
		RefreshInterval: cfg.Registry.RefreshInterval,
	}, logger, regMetrics)
	if err != nil {
		return err
	}
	plane, err := control.NewPlane(regStore, adapter, logger)
	if err != nil {
		return err
	}

	tr, err := transport.New(transport.Config{
		Kind:          cfg.Transport.Kind,
		Brokers:       cfg.Transport.Brokers,
		ConsumerGroup: cfg.Transport.ConsumerGroup,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := tr.Close(); err != nil {
			logger.Warn("transport close failed", "error", err)
		}
	}()

	dest, err := quarantineDestination(cfg, queries, tr)
	if err != nil {
		return err
	}
	dlMetrics := deadletter.NewMetrics(promReg)
	if err := dlMetrics.Register(); err != nil {
		return fmt.Errorf("register quarantine metrics: %w", err)
	}
	dlCfg := deadletter.DefaultConfig()
	dlCfg.MaxRetries = uint64(cfg.Pipeline.MaxEmitRetries)
	dlCfg.InitialInterval = cfg.Pipeline.RetryInitialInterval
	dlCfg.MaxInterval = cfg.Pipeline.RetryMaxInterval
	router, err := deadletter.NewRouter(dest, dlCfg, logger, dlMetrics)
	if err != nil {
		return err
	}

	service, err := api.NewAdminService(plane, router, logger)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	grpcServer, err := server.NewGRPCServer(cfg.Admin, service, logger, promReg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	var sourceOpts []stream.SourceOption
	if !cfg.Transport.BrokerOffsets {
		// Dedup state, ledger rows and quarantine ids are keyed by offset,
		// so local numbering must continue where the last run stopped.
		sourceOpts = append(sourceOpts, stream.WithOffsetAllocator(store.NewOffsetBlocks(queries), localOffsetBlock))
	}
	if cfg.Transport.Kind == transport.KindKafka {
		sourceOpts = append(sourceOpts, stream.WithAckGating())
	}
	source, err := stream.NewWatermillSource(tr.Subscriber, cfg.Transport.SourceTopic,
		types.Subject(cfg.Transport.Subject), cfg.Transport.Partitions, cfg.Transport.BrokerOffsets, logger, sourceOpts...)
	if err != nil {
		return err
	}
	sink, err := stream.NewWatermillSink(tr.Publisher, cfg.Transport.OutputTopic)
	if err != nil {
		return err
	}
	streamMetrics := stream.NewMetrics(promReg)
	if err := streamMetrics.Register(); err != nil {
		return fmt.Errorf("register stream metrics: %w", err)
	}

	deps := stream.Deps{
		Source:     source,
		Sink:       sink,
		Quarantine: router,
		Resolver:   adapter,
		Snapshots:  store.NewSnapshots(queries),
		Logger:     logger,
		Metrics:    streamMetrics,
		OnFatal: func(partition int32, err error) {
			logger.Error("partition halted", "partition", partition, "error", err)
		},
	}
	if cfg.Pipeline.LedgerEnabled {
		deps.Ledger = store.NewLedger(queries)
	}
	rt, err := stream.NewRuntime(streamConfig(cfg), deps)
	if err != nil {
		return err
	}

	logger.Info("starting rulestream",
		"version", Version,
		"admin", cfg.Admin.Addr(),
		"subject", cfg.Transport.Subject,
		"source", cfg.Transport.SourceTopic,
		"output", cfg.Transport.OutputTopic,
		"partitions", cfg.Transport.Partitions,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return grpcServer.Start(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		return grpcServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return adapter.Run(gctx) })

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	if err := source.Start(gctx); err != nil {
		stop()
		_ = g.Wait()
		return fmt.Errorf("start source: %w", err)
	}
	g.Go(func() error {
		// The pipeline ending stops the servers too.
		defer stop()
		return rt.Run(gctx)
	})

	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := router.Close(closeCtx); err != nil {
		logger.Warn("quarantine router close failed", "error", err)
	}

	for _, st := range rt.Status() {
		logger.Info("partition stopped", "partition", st.Partition, "state", st.State.String(), "committed", st.Committed)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	logger.Info("shutdown complete")
	return nil
}
