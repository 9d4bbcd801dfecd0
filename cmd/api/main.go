// cmd/api/main.go

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/radiusmatch/rendezvous/internal/agentmatch"
	"github.com/radiusmatch/rendezvous/internal/collaborators"
	"github.com/radiusmatch/rendezvous/internal/collision"
	"github.com/radiusmatch/rendezvous/internal/config"
	"github.com/radiusmatch/rendezvous/internal/eventbus"
	"github.com/radiusmatch/rendezvous/internal/kv"
	"github.com/radiusmatch/rendezvous/internal/location"
	"github.com/radiusmatch/rendezvous/internal/maintenance"
	"github.com/radiusmatch/rendezvous/internal/missionqueue"
	"github.com/radiusmatch/rendezvous/internal/platform/logger"
	"github.com/radiusmatch/rendezvous/internal/server"
	"github.com/radiusmatch/rendezvous/internal/storage"
)

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Println("no .env file found, using environment variables as-is")
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.Init(cfg.Environment)
	if err != nil {
		fmt.Printf("failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	db, err := initDatabase(ctx, cfg.Database)
	if err != nil {
		log.Fatal("failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	dsn := databaseDSN(cfg.Database)
	if err := storage.MigrateUp(dsn, log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.KV.Addr,
		Password: cfg.KV.Password,
		DB:       cfg.KV.DB,
	})
	defer rdb.Close()
	store := kv.New(rdb)

	natsConn, err := initNATS(cfg.NATS, log)
	if err != nil {
		log.Fatal("failed to connect to NATS", zap.Error(err))
	}
	defer natsConn.Close()

	js, err := natsConn.JetStream()
	if err != nil {
		log.Fatal("failed to acquire JetStream context", zap.Error(err))
	}

	queueCfg := missionqueue.Config{
		MaxDeliveries:     cfg.MissionQueue.MaxDeliveries,
		BackoffBase:       cfg.MissionQueue.BackoffBase,
		WorkerConcurrency: cfg.MissionQueue.WorkerConcurrency,
		AckWait:           cfg.MissionQueue.AckWait,
	}
	queue, err := missionqueue.EnsureStream(js, queueCfg)
	if err != nil {
		log.Fatal("failed to declare mission stream", zap.Error(err))
	}
	queue.SetLogger(log)

	sub, err := queue.Subscribe(queueCfg)
	if err != nil {
		log.Fatal("failed to subscribe mission consumer", zap.Error(err))
	}

	// Storage adapters
	userStore := storage.NewUserStore(db)
	circleStore := storage.NewCircleStore(db)
	collisionStore := storage.NewCollisionEventStore(db)
	missionStore := storage.NewMissionStore(db)
	matchStore := storage.NewMatchStore(db)

	// Event bus
	eventBusCfg := eventbus.Config{
		Enabled:      cfg.EventBus.Enabled,
		BatchSize:    cfg.EventBus.BatchSize,
		BatchWait:    cfg.EventBus.BatchWait,
		StreamMaxLen: cfg.EventBus.StreamMaxLen,
		EventTTL:     cfg.EventBus.EventTTL,
		StreamPrefix: cfg.EventBus.StreamPrefix,
		Breaker: eventbus.BreakerConfig{
			FailureThreshold: cfg.EventBus.FailureThreshold,
			WindowSize:       cfg.EventBus.WindowSize,
			ResetTimeout:     cfg.EventBus.ResetTimeout,
			SuccessThreshold: cfg.EventBus.SuccessThreshold,
		},
	}
	bus := eventbus.New(store, eventBusCfg, log)
	bus.Start(ctx)

	// Agent-match service
	agentMatchCfg := agentmatch.Config{
		NotifiedCooldown:       cfg.Cooldown.NotifiedCooldown,
		MatchedCooldown:        cfg.Cooldown.MatchedCooldown,
		DeclinedCooldown:       cfg.Cooldown.DeclinedCooldown,
		InflightLockTTL:        cfg.Cooldown.InflightLockTTL,
		DefaultJudgeConfidence: cfg.Cooldown.DefaultJudgeConfidence,
	}
	matchService := agentmatch.NewService(agentMatchCfg, store, missionStore, collisionStore, matchStore, queue, bus, log)

	// Collision detector, handing stable pairs off to the agent-match service
	collisionCfg := collision.Config{
		MaxSearchRadiusMeters:   cfg.Collision.MaxSearchRadiusMeters,
		SpatialIndexSearchLimit: cfg.Collision.SpatialIndexSearchLimit,
		MaxCollisionsPerUpdate:  cfg.Collision.MaxCollisionsPerUpdate,
		StabilityWindow:         cfg.Collision.StabilityWindow,
		InactivityWindow:        cfg.Collision.InactivityWindow,
		CollisionCacheTTL:       cfg.Collision.CollisionCacheTTL,
	}
	detector := collision.NewDetector(collisionCfg, store, circleStore, matchService, collisionStore, log)

	// Location ingestion
	locationCfg := location.Config{
		MinUpdateInterval: cfg.Location.MinUpdateInterval,
		MinMovementMeters: cfg.Location.MinMovementMeters,
		MaxClientSkew:     cfg.Location.MaxClientSkew,
		PositionCacheTTL:  cfg.KV.PositionCacheTTL,
	}
	locationService := location.NewService(locationCfg, store, userStore, circleStore, detector, bus, log)

	// External collaborator clients
	agentRuntime := collaborators.NewAgentRuntimeClient(cfg.Collaborators.AgentRuntimeURL, cfg.Collaborators.RequestTimeout)
	judge := collaborators.NewJudgeClient(cfg.Collaborators.JudgeURL, cfg.Collaborators.RequestTimeout)
	notifier := collaborators.NewNotificationGatewayClient(cfg.Collaborators.NotificationGatewayURL, cfg.Collaborators.RequestTimeout)

	// Mission worker
	worker := missionqueue.NewWorker(queueCfg, queue, sub, missionStore, matchService, agentRuntime, judge, notifier, log)
	worker.Start(ctx)

	// Maintenance scheduler
	maintenanceCfg := maintenance.Config{
		StabilitySweepInterval: cfg.Maintenance.StabilitySweepInterval,
		ExpirySweepInterval:    cfg.Maintenance.ExpirySweepInterval,
		CollisionExpiryAge:     cfg.Maintenance.CollisionExpiryAge,
		MatchPendingExpiryAge:  cfg.Maintenance.MatchPendingExpiryAge,
	}
	scheduler := maintenance.NewScheduler(maintenanceCfg, detector, matchExpiryStore{collisionStore, matchStore}, log)
	scheduler.Start(ctx)

	httpServer := server.NewServer(cfg.Server, locationService, matchStore, bus, log)

	go func() {
		log.Info("starting HTTP server", zap.String("host", cfg.Server.Host), zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-shutdown
	log.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := worker.Stop(shutdownCtx); err != nil {
		log.Error("mission worker shutdown error", zap.Error(err))
	}
	if err := scheduler.Stop(shutdownCtx); err != nil {
		log.Error("maintenance scheduler shutdown error", zap.Error(err))
	}
	if err := bus.Stop(shutdownCtx); err != nil {
		log.Error("event bus shutdown error", zap.Error(err))
	}

	log.Info("shutdown complete")
}

// matchExpiryStore composes the collision and match expiry surfaces into
// the single ExpiryStore the maintenance scheduler expects.
type matchExpiryStore struct {
	collisions *storage.CollisionEventStore
	matches    *storage.MatchStore
}

func (m matchExpiryStore) ExpireStaleCollisionEvents(ctx context.Context, olderThan time.Time) (int, error) {
	return m.collisions.ExpireStaleCollisionEvents(ctx, olderThan)
}

func (m matchExpiryStore) ExpireStalePendingMatches(ctx context.Context, olderThan time.Time) (int, error) {
	return m.matches.ExpireStalePendingMatches(ctx, olderThan)
}

func databaseDSN(cfg config.DatabaseConfig) string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode,
	)
}

func initDatabase(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.MaxLifetime

	db, err := pgxpool.ConnectConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	if err := db.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return db, nil
}

func initNATS(cfg config.NATSConfig, log *zap.Logger) (*nats.Conn, error) {
	options := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info("NATS connection closed")
		}),
	}

	nc, err := nats.Connect(cfg.URL, options...)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to NATS: %w", err)
	}

	return nc, nil
}
