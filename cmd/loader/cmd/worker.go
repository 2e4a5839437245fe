package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/riverqueue/river/rivertype"
	"github.com/spf13/cobra"

	"github.com/fest-vibes/etl/internal/backfill"
	"github.com/fest-vibes/etl/internal/config"
	"github.com/fest-vibes/etl/internal/jobs"
	"github.com/fest-vibes/etl/internal/metrics"
)

func newWorkerCommand(root *rootOptions) *cobra.Command {
	var metricsAddr string

	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the background job worker",
		Long: `Run the River job worker until SIGINT or SIGTERM.

The worker executes:
- load_run jobs queued with "loader enqueue"
- embedding_backfill jobs, periodically every JOBS_BACKFILL_INTERVAL when an embedding provider is configured
- geocode_cache_purge jobs, once a day

Prometheus metrics are served on --metrics-addr at /metrics.

Examples:
  loader worker
  loader worker --metrics-addr :9100 --log-format console`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			return runWorker(ctx, root, metricsAddr)
		},
	}

	workerCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "listen address for /metrics and /healthz (empty disables)")
	return workerCmd
}

func runWorker(ctx context.Context, root *rootOptions, metricsAddr string) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.CheckPoolCapacity(cfg.Jobs.LoadWorkers, jobs.ReservedConnections); err != nil {
		return err
	}
	logger := config.NewLogger(os.Stdout, cfg.Logging, "worker")
	slogger := newSlogLogger(cfg.Logging, os.Stdout)
	metrics.Init(Version, GitCommit, BuildDate)

	svc, err := openServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	deps := jobs.Deps{
		Loader:       svc.loader(),
		Blobs:        svc.blobs,
		Location:     svc.location,
		GeocodeCache: svc.repo.GeocodeCache(),
		Logger:       slogger,
	}
	if embeddingEnabled(cfg.Embedding) {
		deps.Backfill = backfill.New(svc.repo, svc.embedder, logger)
	} else {
		// Nothing could fill the vectors, so the periodic backfill stays off.
		cfg.Jobs.BackfillInterval = 0
	}

	client, err := jobs.NewClient(svc.pool, cfg.Jobs, jobs.NewWorkers(deps), slogger,
		[]rivertype.Hook{metrics.NewJobMetricsHook()},
		jobs.NewPeriodicJobs(cfg.Jobs),
	)
	if err != nil {
		return err
	}

	metrics.Registry.MustRegister(metrics.NewPoolCollector(svc.pool))

	var server *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			if err := svc.pool.Ping(r.Context()); err != nil {
				http.Error(w, "database unavailable", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		})
		server = &http.Server{
			Addr:              metricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server error")
			}
		}()
	}

	if err := client.Start(ctx); err != nil {
		return err
	}
	logger.Info().
		Str("metrics_addr", metricsAddr).
		Int("load_workers", cfg.Jobs.LoadWorkers).
		Dur("backfill_interval", cfg.Jobs.BackfillInterval).
		Msg("worker started")

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := client.Stop(stopCtx); err != nil {
		logger.Error().Err(err).Msg("job client shutdown error")
	}
	if server != nil {
		if err := server.Shutdown(stopCtx); err != nil {
			logger.Error().Err(err).Msg("metrics server shutdown error")
		}
	}
	return nil
}

func embeddingEnabled(cfg config.EmbeddingConfig) bool {
	provider := strings.ToLower(cfg.Provider)
	return provider != "" && provider != "none"
}
