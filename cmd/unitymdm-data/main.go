package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sergiogordon/unitymdm-prod-sub003/internal/config"
	"github.com/sergiogordon/unitymdm-prod-sub003/internal/database"
	httpapi "github.com/sergiogordon/unitymdm-prod-sub003/internal/http"
	"github.com/sergiogordon/unitymdm-prod-sub003/internal/logger"
	"github.com/sergiogordon/unitymdm-prod-sub003/internal/metrics"
	"github.com/sergiogordon/unitymdm-prod-sub003/internal/repository"
	"github.com/sergiogordon/unitymdm-prod-sub003/internal/service"
	"github.com/sergiogordon/unitymdm-prod-sub003/internal/store"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "unitymdm-data")
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	var kv store.KV
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		kv = store.NewRedisKV(redisClient)
	} else {
		kv = store.NewMemoryKV()
		log.Info("Redis disabled, using in-memory status cache")
	}

	var db, bgDB *sql.DB
	var heartbeatsRepo repository.HeartbeatsRepository
	var partitionsRepo repository.PartitionsRepository
	var statusRepo repository.StatusRepository
	var dispatchRepo repository.DispatchRepository
	var maintenanceLock, reconcileLock repository.AdvisoryLock

	if cfg.DBEnabled {
		d, err := database.NewPostgresDB(&cfg.Database)
		if err != nil {
			log.Fatal("database connection failed", zap.Error(err))
		}
		db = d
		bg, err := database.NewBackgroundDB(&cfg.Database)
		if err != nil {
			log.Fatal("background pool connection failed", zap.Error(err))
		}
		bgDB = bg

		heartbeatsRepo = repository.NewPostgresHeartbeatsRepository(db)
		partitionsRepo = repository.NewPostgresPartitionsRepository(db)
		statusRepo = repository.NewPostgresStatusRepository(db)
		dispatchRepo = repository.NewPostgresDispatchRepository(db)
		maintenanceLock = repository.NewPostgresAdvisoryLock(bgDB, repository.LockJobMaintenance, log)
		reconcileLock = repository.NewPostgresAdvisoryLock(bgDB, repository.LockJobReconcile, log)
		log.Info("DB enabled for unitymdm-data")
	} else {
		// DB 未就绪：内存仓储支持联测
		mem := repository.NewMemoryTelemetryStore()
		heartbeatsRepo = mem
		partitionsRepo = mem
		statusRepo = repository.NewMemoryStatusRepo()
		dispatchRepo = repository.NewMemoryDispatchRepo()
		maintenanceLock = repository.NewMemoryAdvisoryLock()
		reconcileLock = repository.NewMemoryAdvisoryLock()
		log.Warn("DB disabled, using in-memory telemetry store")
	}

	index := service.NewPartitionIndex(partitionsRepo)

	var sink service.ArchiveSink
	if cfg.Archive.SinkURL != "" {
		sink = service.NewHTTPArchiveSink(cfg.Archive.SinkURL, log)
	} else {
		sink = service.NewFileArchiveSink(cfg.Archive.Dir, log)
	}

	// 后台任务用的 repo 也用专用子池，避免和在线写入抢连接
	maintHeartbeats := heartbeatsRepo
	maintPartitions := partitionsRepo
	reconStatus := statusRepo
	if bgDB != nil {
		maintHeartbeats = repository.NewPostgresHeartbeatsRepository(bgDB)
		maintPartitions = repository.NewPostgresPartitionsRepository(bgDB)
		reconStatus = repository.NewPostgresStatusRepository(bgDB)
	}

	ingest := service.NewIngestService(heartbeatsRepo, statusRepo, index, kv, cfg.Ingest, log)
	status := service.NewStatusService(statusRepo, kv, cfg.Ingest, log)
	dispatch := service.NewDispatchService(dispatchRepo, log)
	maintenance := service.NewMaintenanceService(
		maintPartitions, maintHeartbeats, maintenanceLock, sink, index, cfg.Partition, cfg.Jobs.RunTimeout, log)
	reconcile := service.NewReconcileService(
		maintHeartbeats, maintPartitions, reconStatus, kv, reconcileLock, cfg.Jobs, log)

	scheduler := service.NewScheduler(maintenance, reconcile, cfg.Jobs, log)
	if err := scheduler.Start(); err != nil {
		log.Fatal("scheduler start failed", zap.Error(err))
	}

	router := httpapi.NewRouter(log)
	router.RegisterTelemetryRoutes(
		httpapi.NewIngestHandler(ingest, log),
		httpapi.NewStatusHandler(status, log),
	)
	router.RegisterDispatchRoutes(httpapi.NewDispatchHandler(dispatch, log))
	router.RegisterOpsRoutes(httpapi.NewOpsHandler(maintenance, reconcile, partitionsRepo, maintenanceLock, log))
	router.RegisterHealthRoutes()
	router.HandleHandler("/metrics", metrics.Handler())

	srv := service.NewServer(cfg.HTTP.Addr, router, log)

	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		cancel()
	case <-errCh:
		cancel()
	}

	scheduler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Stop(shutdownCtx)
	if redisClient != nil {
		_ = redisClient.Close()
	}
	if bgDB != nil {
		_ = bgDB.Close()
	}
	if db != nil {
		_ = db.Close()
	}
}
