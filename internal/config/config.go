package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	Auth       AuthConfig
	Validation ValidationConfig
	Device     DeviceConfig
	Sync       SyncConfig
	Occupancy  OccupancyConfig
	Fraud      FraudConfig
	LogLevel   string
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type DatabaseConfig struct {
	DSN           string
	MaxOpenConns  int
	MaxIdleConns  int
	MaxLifetime   time.Duration
	AutoMigrate   bool
	MigrationsDir string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type KafkaConfig struct {
	Brokers []string
	Enabled bool
	Topics  TopicConfig
}

type TopicConfig struct {
	ScanLogged         string
	DiscrepancyCreated string
	FraudFlagged       string
	SyncDivergence     string
}

type AuthConfig struct {
	OIDCIssuer    string
	KeycloakURL   string
	KeycloakRealm string
	ClientID      string
	ClientSecret  string
}

type ValidationConfig struct {
	ExpiryGrace   time.Duration
	QRSecretKey   string
	StoreTimeout  time.Duration
	ServerTimeout time.Duration
}

// DeviceConfig is only read by the gate agent.
type DeviceConfig struct {
	ID         string
	QueueDir   string
	ServerURL  string
	Port       string
	EventIDs   []string
	HistoryCap int
}

type SyncConfig struct {
	Interval     time.Duration
	PassTimeout  time.Duration
	MaxRetries   int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	RatePerSec   float64
	ScanTimeout  time.Duration
	HealthWindow int
}

type OccupancyConfig struct {
	Threshold     int
	CheckInterval time.Duration
	EventIDs      []string
}

type FraudConfig struct {
	VenueRadiusKm        float64
	FingerprintWindow    time.Duration
	FingerprintMaxTicket int
	IPWindow             time.Duration
	IPMaxScans           int
	MaxTravelSpeedKmh    float64
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", ":8084"),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{
			DSN:           getEnv("POSTGRES_DSN", ""),
			MaxOpenConns:  getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:  getEnvInt("DB_MAX_IDLE_CONNS", 25),
			MaxLifetime:   time.Duration(getEnvInt("DB_MAX_LIFETIME_MINUTES", 5)) * time.Minute,
			AutoMigrate:   getEnvBool("AUTO_MIGRATE", true),
			MigrationsDir: getEnv("MIGRATIONS_DIR", "./migrations"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvList("KAFKA_ADDR", []string{"localhost:9092"}),
			Enabled: getEnvBool("KAFKA_ENABLED", true),
			Topics: TopicConfig{
				ScanLogged:         getEnv("KAFKA_TOPIC_SCAN_LOGGED", "gatescan.scan.logged"),
				DiscrepancyCreated: getEnv("KAFKA_TOPIC_DISCREPANCY", "gatescan.discrepancy.created"),
				FraudFlagged:       getEnv("KAFKA_TOPIC_FRAUD", "gatescan.fraud.flagged"),
				SyncDivergence:     getEnv("KAFKA_TOPIC_DIVERGENCE", "gatescan.sync.divergence"),
			},
		},
		Auth: AuthConfig{
			OIDCIssuer:    getEnv("OIDC_ISSUER", ""),
			KeycloakURL:   getEnv("KEYCLOAK_URL", ""),
			KeycloakRealm: getEnv("KEYCLOAK_REALM", ""),
			ClientID:      getEnv("CLIENT_ID", ""),
			ClientSecret:  getEnv("CLIENT_SECRET", ""),
		},
		Validation: ValidationConfig{
			ExpiryGrace:   getEnvDuration("EXPIRY_GRACE", 2*time.Hour),
			QRSecretKey:   getEnv("QR_SECRET_KEY", ""),
			StoreTimeout:  getEnvDuration("STORE_TIMEOUT", 5*time.Second),
			ServerTimeout: getEnvDuration("SERVER_TIMEOUT", 10*time.Second),
		},
		Device: DeviceConfig{
			ID:         getEnv("DEVICE_ID", ""),
			QueueDir:   getEnv("QUEUE_DIR", "./data/queue"),
			ServerURL:  getEnv("GATE_SERVER_URL", "http://localhost:8084"),
			Port:       getEnv("AGENT_PORT", ":8090"),
			EventIDs:   getEnvList("DEVICE_EVENT_IDS", nil),
			HistoryCap: getEnvInt("SYNC_HISTORY_CAP", 100),
		},
		Sync: SyncConfig{
			Interval:     getEnvDuration("SYNC_INTERVAL", 5*time.Second),
			PassTimeout:  getEnvDuration("SYNC_PASS_TIMEOUT", 30*time.Second),
			MaxRetries:   getEnvInt("SYNC_MAX_RETRIES", 10),
			BackoffBase:  getEnvDuration("SYNC_BACKOFF_BASE", 2*time.Second),
			BackoffMax:   getEnvDuration("SYNC_BACKOFF_MAX", 5*time.Minute),
			RatePerSec:   getEnvFloat("SYNC_RATE_PER_SEC", 20),
			ScanTimeout:  getEnvDuration("SCAN_TIMEOUT", 3*time.Second),
			HealthWindow: getEnvInt("SYNC_HEALTH_WINDOW", 50),
		},
		Occupancy: OccupancyConfig{
			Threshold:     getEnvInt("DISCREPANCY_THRESHOLD", 5),
			CheckInterval: getEnvDuration("DISCREPANCY_CHECK_INTERVAL", time.Minute),
			EventIDs:      getEnvList("MONITORED_EVENT_IDS", nil),
		},
		Fraud: FraudConfig{
			VenueRadiusKm:        getEnvFloat("FRAUD_VENUE_RADIUS_KM", 2),
			FingerprintWindow:    getEnvDuration("FRAUD_FINGERPRINT_WINDOW", 10*time.Minute),
			FingerprintMaxTicket: getEnvInt("FRAUD_FINGERPRINT_MAX_TICKETS", 8),
			IPWindow:             getEnvDuration("FRAUD_IP_WINDOW", time.Minute),
			IPMaxScans:           getEnvInt("FRAUD_IP_MAX_SCANS", 30),
			MaxTravelSpeedKmh:    getEnvFloat("FRAUD_MAX_TRAVEL_KMH", 900),
		},
		LogLevel: getEnv("LOG_LEVEL", "INFO"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated value, dropping blanks.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
