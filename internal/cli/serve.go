package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"localpulse/internal/app"
	"localpulse/internal/config"
	"localpulse/internal/dedup"
	"localpulse/internal/events"
	"localpulse/internal/geo"
	"localpulse/internal/idempotency"
	"localpulse/internal/search"
	"localpulse/internal/store"
	"localpulse/internal/taxonomy"
)

const shutdownTimeout = 10 * time.Second

// NewServeCommand runs the HTTP API until SIGINT or SIGTERM.
func NewServeCommand(_ *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the report API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	reports, closeStore, err := openReportStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	closers = append(closers, closeStore)

	tax, err := loadTaxonomy(cfg.TaxonomyFile)
	if err != nil {
		return err
	}
	engine, err := dedup.NewEngine(reports, tax,
		geo.NewGeohashResolver(cfg.CellPrecision),
		PolicyFromConfig(cfg),
		dedup.WithLogger(logger.With().Str("component", "dedup").Logger()),
		dedup.WithQueryMaxCells(cfg.QueryMaxCells))
	if err != nil {
		return err
	}

	var index search.Index
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		closers = append(closers, meiliClient.Close)
		index = meiliClient
	}
	searchService := search.NewService(index, engine, logger)
	closers = append(closers, searchService.Wait)

	var publisher events.Publisher = events.NopPublisher{}
	if strings.TrimSpace(cfg.NATSURL) != "" {
		natsPublisher, err := events.NewNATSPublisher(cfg.NATSURL, logger)
		if err != nil {
			return err
		}
		publisher = natsPublisher
		closers = append(closers, func() {
			if err := natsPublisher.Close(); err != nil {
				logger.Warn().Err(err).Msg("drain nats connection")
			}
		})
	}

	keys, closeKeys := openIdempotencyStore(cfg, logger)
	closers = append(closers, closeKeys)

	service := app.New(engine, searchService, publisher, keys, cfg.IdentityTokenSecret, logger)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("store", cfg.StoreBackend).Msg("localpulse api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	return nil
}

func openReportStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (dedup.Store, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		if err := store.ApplyMigrations(ctx, db, store.Migrations()); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("migrations failed: %w", err)
		}
		return store.NewPostgresStore(db), func() { _ = db.Close() }, nil
	default:
		reports, err := store.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("redis connection failed: %w", err)
		}
		logger.Debug().Msg("using redis report store")
		return reports, func() { _ = reports.Close() }, nil
	}
}

// openIdempotencyStore connects the Idempotency-Key store. Without it the
// service still runs and ignores the header.
func openIdempotencyStore(cfg *config.Config, logger zerolog.Logger) (app.IdempotencyStore, func()) {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		logger.Warn().Msg("REDIS_URL is empty, Idempotency-Key headers are ignored")
		return nil, func() {}
	}
	idem, err := idempotency.NewRedisStore(cfg.RedisURL, cfg.IdempotencyTTL)
	if err != nil {
		logger.Warn().Err(err).Msg("idempotency store unavailable, Idempotency-Key headers are ignored")
		return nil, func() {}
	}
	return idem, func() { _ = idem.Close() }
}

func loadTaxonomy(path string) (*taxonomy.Taxonomy, error) {
	if strings.TrimSpace(path) == "" {
		return taxonomy.Default(), nil
	}
	tax, err := taxonomy.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load taxonomy %s: %w", path, err)
	}
	return tax, nil
}

// PolicyFromConfig overlays the configured matching parameters on the
// default policy.
func PolicyFromConfig(cfg *config.Config) dedup.Policy {
	policy := dedup.DefaultPolicy()
	policy.MatchRadiusMeters = cfg.MatchRadiusMeters
	policy.TimeWindow = cfg.MatchTimeWindow
	policy.AcceptThreshold = cfg.MatchAcceptThreshold
	policy.MaxAttempts = cfg.MergeMaxAttempts
	policy.UpvoteMaxAttempts = cfg.UpvoteMaxAttempts
	return policy
}
