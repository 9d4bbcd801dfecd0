// internal/config/config.go

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Environment   string
	Server        ServerConfig
	Database      DatabaseConfig
	NATS          NATSConfig
	KV            KVConfig
	Location      LocationConfig
	Collision     CollisionConfig
	Cooldown      CooldownConfig
	MissionQueue  MissionQueueConfig
	Maintenance   MaintenanceConfig
	EventBus      EventBusConfig
	Collaborators CollaboratorsConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	CorsOrigins     []string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Database     string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
	SSLMode      string
}

// NATSConfig holds NATS configuration
type NATSConfig struct {
	URL            string
	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectTimeout time.Duration
}

// KVConfig holds the Redis-backed KV/stream store configuration.
type KVConfig struct {
	Addr             string
	Password         string
	DB               int
	PositionCacheTTL time.Duration
}

// LocationConfig holds location admission tunables.
type LocationConfig struct {
	MinUpdateInterval time.Duration
	MinMovementMeters float64
	MaxClientSkew     time.Duration
}

// CollisionConfig holds collision detector tunables.
type CollisionConfig struct {
	MaxSearchRadiusMeters   float64
	SpatialIndexSearchLimit int
	MaxCollisionsPerUpdate  int
	StabilityWindow         time.Duration
	InactivityWindow        time.Duration
	CollisionCacheTTL       time.Duration
}

// CooldownConfig holds agent-match cooldown durations.
type CooldownConfig struct {
	NotifiedCooldown       time.Duration
	MatchedCooldown        time.Duration
	DeclinedCooldown       time.Duration
	InflightLockTTL        time.Duration
	DefaultJudgeConfidence float64
}

// MissionQueueConfig holds mission job queue tunables.
type MissionQueueConfig struct {
	MaxDeliveries     int
	BackoffBase       time.Duration
	WorkerConcurrency int
	AckWait           time.Duration
}

// MaintenanceConfig holds background sweep intervals.
type MaintenanceConfig struct {
	StabilitySweepInterval time.Duration
	ExpirySweepInterval    time.Duration
	CollisionExpiryAge     time.Duration
	MatchPendingExpiryAge  time.Duration
}

// EventBusConfig holds the observer event bus and its circuit breaker.
type EventBusConfig struct {
	Enabled          bool
	BatchSize        int
	BatchWait        time.Duration
	StreamMaxLen     int64
	EventTTL         time.Duration
	StreamPrefix     string
	FailureThreshold int
	WindowSize       time.Duration
	ResetTimeout     time.Duration
	SuccessThreshold int
}

// CollaboratorsConfig holds the external collaborator endpoints: agent
// runtime, judge, and notification gateway.
type CollaboratorsConfig struct {
	AgentRuntimeURL        string
	JudgeURL               string
	NotificationGatewayURL string
	RequestTimeout         time.Duration
}

// Load loads configuration from environment variables
func Load() (Config, error) {
	config := Config{
		Environment: getEnv("APP_ENV", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			CorsOrigins:     getEnvAsSlice("SERVER_CORS_ORIGINS", []string{"*"}),
		},
		Database: DatabaseConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnvAsInt("DB_PORT", 5432),
			User:         getEnv("DB_USER", "postgres"),
			Password:     getEnv("DB_PASSWORD", "postgres"),
			Database:     getEnv("DB_NAME", ""),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 25),
			MaxLifetime:  getEnvAsDuration("DB_MAX_LIFETIME", 5*time.Minute),
			SSLMode:      getEnv("DB_SSL_MODE", "disable"),
		},
		NATS: NATSConfig{
			URL:            getEnv("NATS_URL", "nats://localhost:4222"),
			MaxReconnects:  getEnvAsInt("NATS_MAX_RECONNECTS", 10),
			ReconnectWait:  getEnvAsDuration("NATS_RECONNECT_WAIT", 1*time.Second),
			ConnectTimeout: getEnvAsDuration("NATS_CONNECT_TIMEOUT", 2*time.Second),
		},
		KV: KVConfig{
			Addr:             getEnv("KV_ADDR", "localhost:6379"),
			Password:         getEnv("KV_PASSWORD", ""),
			DB:               getEnvAsInt("KV_DB", 0),
			PositionCacheTTL: getEnvAsDuration("KV_POSITION_CACHE_TTL", 5*time.Minute),
		},
		Location: LocationConfig{
			MinUpdateInterval: getEnvAsDuration("LOCATION_MIN_UPDATE_INTERVAL", 3*time.Second),
			MinMovementMeters: getEnvAsFloat("LOCATION_MIN_MOVEMENT_METERS", 20),
			MaxClientSkew:     getEnvAsDuration("LOCATION_MAX_CLIENT_SKEW", 30*time.Second),
		},
		Collision: CollisionConfig{
			MaxSearchRadiusMeters:   getEnvAsFloat("COLLISION_MAX_SEARCH_RADIUS_METERS", 500),
			SpatialIndexSearchLimit: getEnvAsInt("COLLISION_SPATIAL_INDEX_SEARCH_LIMIT", 50),
			MaxCollisionsPerUpdate:  getEnvAsInt("COLLISION_MAX_COLLISIONS_PER_UPDATE", 5),
			StabilityWindow:         getEnvAsDuration("COLLISION_STABILITY_WINDOW", 30*time.Second),
			InactivityWindow:        getEnvAsDuration("COLLISION_INACTIVITY_WINDOW", 2*time.Minute),
			CollisionCacheTTL:       getEnvAsDuration("COLLISION_CACHE_TTL", 10*time.Minute),
		},
		Cooldown: CooldownConfig{
			NotifiedCooldown:       getEnvAsDuration("COOLDOWN_NOTIFIED", 6*time.Hour),
			MatchedCooldown:        getEnvAsDuration("COOLDOWN_MATCHED", 24*time.Hour),
			DeclinedCooldown:       getEnvAsDuration("COOLDOWN_DECLINED", 24*time.Hour),
			InflightLockTTL:        getEnvAsDuration("COOLDOWN_INFLIGHT_LOCK_TTL", 5*time.Minute),
			DefaultJudgeConfidence: getEnvAsFloat("COOLDOWN_DEFAULT_JUDGE_CONFIDENCE", 0.5),
		},
		MissionQueue: MissionQueueConfig{
			MaxDeliveries:     getEnvAsInt("MISSION_QUEUE_MAX_DELIVERIES", 3),
			BackoffBase:       getEnvAsDuration("MISSION_QUEUE_BACKOFF_BASE", time.Second),
			WorkerConcurrency: getEnvAsInt("MISSION_QUEUE_WORKER_CONCURRENCY", 4),
			AckWait:           getEnvAsDuration("MISSION_QUEUE_ACK_WAIT", 2*time.Minute),
		},
		Maintenance: MaintenanceConfig{
			StabilitySweepInterval: getEnvAsDuration("MAINTENANCE_STABILITY_SWEEP_INTERVAL", 5*time.Second),
			ExpirySweepInterval:    getEnvAsDuration("MAINTENANCE_EXPIRY_SWEEP_INTERVAL", 10*time.Minute),
			CollisionExpiryAge:     getEnvAsDuration("MAINTENANCE_COLLISION_EXPIRY_AGE", 48*time.Hour),
			MatchPendingExpiryAge:  getEnvAsDuration("MAINTENANCE_MATCH_PENDING_EXPIRY_AGE", 24*time.Hour),
		},
		EventBus: EventBusConfig{
			Enabled:          getEnvAsBool("EVENTBUS_ENABLED", true),
			BatchSize:        getEnvAsInt("EVENTBUS_BATCH_SIZE", 50),
			BatchWait:        getEnvAsDuration("EVENTBUS_BATCH_WAIT", 100*time.Millisecond),
			StreamMaxLen:     int64(getEnvAsInt("EVENTBUS_STREAM_MAX_LEN", 10000)),
			EventTTL:         getEnvAsDuration("EVENTBUS_EVENT_TTL", time.Hour),
			StreamPrefix:     getEnv("EVENTBUS_STREAM_PREFIX", "observer"),
			FailureThreshold: getEnvAsInt("EVENTBUS_FAILURE_THRESHOLD", 5),
			WindowSize:       getEnvAsDuration("EVENTBUS_WINDOW_SIZE", 60*time.Second),
			ResetTimeout:     getEnvAsDuration("EVENTBUS_RESET_TIMEOUT", 30*time.Second),
			SuccessThreshold: getEnvAsInt("EVENTBUS_SUCCESS_THRESHOLD", 3),
		},
		Collaborators: CollaboratorsConfig{
			AgentRuntimeURL:        getEnv("COLLAB_AGENT_RUNTIME_URL", "http://localhost:9001"),
			JudgeURL:               getEnv("COLLAB_JUDGE_URL", "http://localhost:9002"),
			NotificationGatewayURL: getEnv("COLLAB_NOTIFICATION_GATEWAY_URL", "http://localhost:9003"),
			RequestTimeout:         getEnvAsDuration("COLLAB_REQUEST_TIMEOUT", 15*time.Second),
		},
	}

	return config, validate(config)
}

// validate checks if config is valid
func validate(config Config) error {
	if config.Database.Database == "" {
		return fmt.Errorf("database name must be set")
	}
	if config.MissionQueue.WorkerConcurrency <= 0 {
		return fmt.Errorf("mission queue worker concurrency must be positive")
	}
	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	return strings.Split(valueStr, ",")
}
