package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/carpool/internal/cache"
	"github.com/example/carpool/internal/config"
	"github.com/example/carpool/internal/coordinator"
	"github.com/example/carpool/internal/dispatch"
	"github.com/example/carpool/internal/geo"
	httpapi "github.com/example/carpool/internal/http"
	"github.com/example/carpool/internal/ingest"
	"github.com/example/carpool/internal/keytree"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/projection"
	"github.com/example/carpool/internal/reconcile"
	"github.com/example/carpool/internal/route"
	"github.com/example/carpool/internal/session"
	"github.com/example/carpool/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ready := map[string]httpapi.ReadyCheck{}
	var closers []func() error

	var (
		tree          keytree.Tree
		local         cache.Cache
		sharedGeo     geo.Geo
		sharedArchive storage.EventArchive
		producer      coordinator.EventPublisher
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		rt := keytree.NewRedisTree(rc, cfg.KeytreePrefix, cfg.TxMaxRetries)
		rt.OnRetry = func(string) { observability.TxRetries.Inc() }
		tree = rt
		local = cache.NewRedis(rc, cfg.CachePrefix, cfg.CacheTTL)
		sharedGeo = geo.NewRedisGeo(rc, cfg.RedisGeoKey, cfg.GeoRadiusM)
		ready["redis"] = func(ctx context.Context) error { return rc.Ping(ctx).Err() }
		closers = append(closers, rc.Close)
		logger.Info("using redis store", "addr", cfg.RedisAddr)
	} else {
		tree = keytree.NewMemoryTree()
		local = cache.NewMemory()
		logger.Warn("REDIS_ADDR not set; trips live in process memory")
	}
	tree = keytree.WithTimeout(tree, cfg.StoreTimeout)

	if cfg.PGDSN != "" {
		pa, err := storage.NewPostgresArchive(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres open failed", "error", err)
			os.Exit(1)
		}
		if cfg.RunMigrations {
			migrate(ctx, logger, pa)
		}
		sharedArchive = pa
		ready["postgres"] = pa.Ping
		closers = append(closers, pa.Close)
	}

	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		producer = kp
		closers = append(closers, kp.Close)
	}
	rs := wireReadSide(producer, sharedGeo, sharedArchive, cfg.GeoRadiusM)
	if producer != nil && (rs.geo == nil || rs.archive == nil) {
		logger.Warn("events go to kafka only; read side limited to stores the consumer shares",
			"geo_index", rs.geo != nil, "archive", rs.archive != nil)
	}

	notes := dispatch.NewNotifier(tree)
	trips := &coordinator.Service{
		Tree:     tree,
		Cache:    local,
		Notifier: notes,
		Routes:   newResolver(cfg),
		Geo:      rs.geo,
		Events:   rs.events,
		Logger:   logger,
	}

	srv := httpapi.NewServer(httpapi.Deps{
		Trips:      trips,
		Notes:      notes,
		Reconciler: reconcile.New(tree, local, logger),
		Archive:    rs.archive,
		Verifier:   session.NewVerifier(cfg.JWTSecret),
		Ready:      ready,
	}, logger)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("carpool api listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}
}

type readSide struct {
	geo     geo.Geo
	archive storage.EventArchive
	events  coordinator.EventPublisher
}

// wireReadSide picks who feeds the geo index and the event archive. With a
// producer the consumer process projects events, so only stores shared with
// it are wired and the rest stay nil. Without one, events are projected
// in-process and local stores fill any gap.
func wireReadSide(producer coordinator.EventPublisher, sharedGeo geo.Geo, sharedArchive storage.EventArchive, radiusM float64) readSide {
	if producer != nil {
		return readSide{geo: sharedGeo, archive: sharedArchive, events: producer}
	}
	rs := readSide{geo: sharedGeo, archive: sharedArchive}
	if rs.geo == nil {
		idx := geo.NewIndex()
		idx.Radius = radiusM
		rs.geo = idx
	}
	if rs.archive == nil {
		rs.archive = storage.NewMemoryArchive()
	}
	rs.events = &projection.Projector{Geo: rs.geo, Archive: rs.archive}
	return rs
}

// newResolver prefers Mapbox, which also geocodes, and falls back to OSRM
// for directions only. Without either, trips get a straight-line route.
func newResolver(cfg config.ServerConfig) route.Resolver {
	var next route.Resolver
	switch {
	case cfg.MapboxToken != "":
		next = route.NewMapboxClient(cfg.MapboxBaseURL, cfg.MapboxToken)
	case cfg.OSRMEndpoint != "":
		next = route.NewOSRMClient(cfg.OSRMEndpoint)
	default:
		return nil
	}
	return &route.Cached{Next: next, Cache: route.NewCache(cfg.RouteCacheTTL), Timeout: cfg.RouteTimeout}
}

func migrate(ctx context.Context, logger *slog.Logger, pa *storage.PostgresArchive) {
	const name = "001_create_trip_events.sql"
	b, err := os.ReadFile(filepath.Join("migrations", name))
	if err != nil {
		logger.Error("migration read failed", "file", name, "error", err)
		return
	}
	mctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := pa.Migrate(mctx, string(b)); err != nil {
		logger.Error("migration exec failed", "file", name, "error", err)
		return
	}
	logger.Info("migration applied", "file", name)
}
