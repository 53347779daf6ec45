package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/rl1809/pharmacy-refill/internal/adapter/extractor"
	"github.com/rl1809/pharmacy-refill/internal/adapter/storage"
	"github.com/rl1809/pharmacy-refill/internal/config"
	"github.com/rl1809/pharmacy-refill/internal/core/service"
	"github.com/rl1809/pharmacy-refill/internal/metrics"
	"github.com/rl1809/pharmacy-refill/internal/port"
)

type backends struct {
	catalog port.Catalog
	history port.HistoryStore
	stock   port.StockRepository
	store   port.WorkflowStore
	locker  port.Locker
	writer  storage.ProductWriter
	closers []func()
}

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open backends")
	}
	defer func() {
		for i := len(b.closers) - 1; i >= 0; i-- {
			b.closers[i]()
		}
	}()

	if cfg.SeedFile != "" {
		if err := seed(ctx, cfg, b); err != nil {
			logger.Fatal().Err(err).Msg("failed to seed")
		}
		logger.Info().Str("file", cfg.SeedFile).Msg("seeded catalog and history")
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	var metricsSrv *http.Server
	if cfg.MetricsEnabled() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("serving metrics")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	predictor := service.NewRefillPredictor(b.catalog, b.history, service.PredictorConfig{
		AlertThresholdDays: cfg.AlertThresholdDays,
		Workers:            cfg.PredictionWorkers,
	}, logger, m)

	ledger := service.NewInventoryLedger(b.stock, service.LedgerConfig{
		MaxAttempts: cfg.LedgerMaxAttempts,
		BaseBackoff: cfg.LedgerBaseBackoff,
		MaxBackoff:  cfg.LedgerMaxBackoff,
	}, logger, m)

	orderService := service.NewOrderService(service.OrderDeps{
		Catalog:   b.catalog,
		Predictor: predictor,
		Ledger:    ledger,
		Store:     b.store,
		Locker:    b.locker,
		Extractor: extractor.NewPatternExtractor(b.catalog),
	}, service.OrderConfig{
		CollaboratorTimeout: cfg.CollaboratorTimeout,
		HoldLockTTL:         cfg.HoldLockTTL,
		Clock:               cfg.Clock(),
	}, logger, m)

	dispatcher := service.NewDispatcher(orderService, cfg.DispatchQueueSize, logger)
	dispatcher.Start(cfg.DispatchWorkers)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		outreachLoop(ctx, orderService, cfg.OutreachInterval, logger)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	cancel()
	wg.Wait()
	logger.Info().Msg("outreach stopped")

	dispatcher.Close()
	logger.Info().Msg("dispatcher stopped")

	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("metrics server shutdown")
		}
	}
}

// outreachLoop logs every prediction that needs patient outreach, once at
// start and then on each tick. Delivery is handled elsewhere.
func outreachLoop(ctx context.Context, orderService *service.OrderService, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		scanCtx, cancel := context.WithTimeout(ctx, interval)
		predictions, err := orderService.ListPredictions(scanCtx, "")
		cancel()

		if err != nil {
			logger.Error().Err(err).Msg("outreach scan failed")
		}
		for _, p := range predictions {
			logger.Info().
				Str("patient_id", p.PatientID).
				Str("product_id", p.ProductID).
				Time("predicted_date", p.PredictedDate).
				Str("action", p.Urgency.Action()).
				Msg("outreach candidate")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func openBackends(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backends, error) {
	b := &backends{}

	var mysqlAdapter *storage.MySQLAdapter
	if cfg.CatalogBackend == "mysql" {
		db, err := sql.Open("mysql", cfg.MySQLDSN)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() { db.Close() })
		if err := storage.MigrateMySQL(db); err != nil {
			return nil, err
		}
		logger.Info().Msg("connected to mysql")

		mysqlAdapter = storage.NewMySQLAdapter(db)
		b.catalog, b.history, b.writer = mysqlAdapter, mysqlAdapter, mysqlAdapter
	} else {
		catalog := storage.NewMemoryCatalog()
		b.catalog, b.history, b.writer = catalog, storage.NewMemoryHistory(), catalog
		b.stock = catalog
	}

	var redisAdapter *storage.RedisAdapter
	if cfg.LedgerBackend == "redis" || cfg.WorkflowStore == "redis" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, PoolSize: 100})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() { rdb.Close() })
		logger.Info().Msg("connected to redis")
		redisAdapter = storage.NewRedisAdapter(rdb)
	}

	switch cfg.LedgerBackend {
	case "mysql":
		b.stock = mysqlAdapter
	case "redis":
		b.stock = redisAdapter
	}

	// hold leases live next to the snapshots so every process sharing a
	// store also shares its locks
	switch cfg.WorkflowStore {
	case "memory":
		b.store = storage.NewMemoryWorkflowStore()
		b.locker = storage.NewMemoryLocker()
	case "redis":
		b.store = redisAdapter
		b.locker = redisAdapter
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, pool.Close)
		store, err := storage.NewPostgresWorkflowStore(ctx, pool)
		if err != nil {
			return nil, err
		}
		b.store, b.locker = store, store
		logger.Info().Msg("connected to postgres")
	case "sqlite":
		store, err := storage.NewSQLiteWorkflowStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() { store.Close() })
		b.store, b.locker = store, store
	case "s3":
		store, err := storage.NewS3WorkflowStore(ctx, storage.S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		})
		if err != nil {
			return nil, err
		}
		b.store, b.locker = store, store
	}

	if b.stock == nil {
		b.stock = b.catalog.(port.StockRepository)
	}
	return b, nil
}

func seed(ctx context.Context, cfg *config.Config, b *backends) error {
	s, err := storage.LoadSeed(cfg.SeedFile)
	if err != nil {
		return err
	}
	if err := s.Apply(ctx, b.writer, b.history); err != nil {
		return err
	}
	// redis keeps its own copy of stock
	if cfg.LedgerBackend == "redis" {
		for _, p := range s.Products {
			if err := b.stock.SetStock(ctx, p.ID, p.StockLevel); err != nil {
				return err
			}
		}
	}
	return nil
}
