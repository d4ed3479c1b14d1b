package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the full runtime configuration for the abuse-shield service.
// It is loaded once at startup from the environment and treated as read-only
// afterwards.
type Config struct {
	Environment string

	Server        ServerConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	KMS           KMSConfig
	Logging       LoggingConfig
	Bucketing     BucketingConfig
	Hashing       HashingConfig
	Limits        LimitsConfig
	Sweeper       SweeperConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	AutoCertDir  string
	Domain       string
	Email        string
	CertFile     string
	KeyFile      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type RedisConfig struct {
	// URL selects the distributed counter store. When empty the service
	// falls back to the in-process store, which is only safe for a single
	// instance; the factory warns loudly about this in production.
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Brokers    []string
	AuditTopic string
}

type ElasticsearchConfig struct {
	URL        string
	Username   string
	Password   string
	EventIndex string
}

type ClickhouseConfig struct {
	URL      string
	Database string
	Username string
	Password string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type BucketingConfig struct {
	BlockBuckets int
	EventBuckets int
}

type HashingConfig struct {
	// IdentifierPepper is mixed into identifier hashes so raw phone
	// numbers and emails never appear as store keys.
	IdentifierPepper string
}

type SweeperConfig struct {
	Interval       time.Duration
	EventRetention time.Duration
}

var (
	global *Config
	once   sync.Once
)

// LoadConfig reads configuration from the environment (optionally seeded
// from a .env file) and caches it globally.
func LoadConfig() *Config {
	once.Do(func() {
		// Missing .env is fine; containers inject real env vars.
		_ = godotenv.Load()

		global = &Config{
			Environment: getEnv("SHIELD_ENV", "development"),
			Server: ServerConfig{
				Host:         getEnv("SERVER_HOST", "0.0.0.0"),
				Port:         getEnvInt("SERVER_PORT", 8080),
				TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
				EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
				AutoCert:     getEnvBool("SERVER_AUTO_CERT", false),
				AutoCertDir:  getEnv("SERVER_AUTO_CERT_DIR", "/var/lib/abuse-shield/certs"),
				Domain:       getEnv("SERVER_DOMAIN", "localhost"),
				Email:        getEnv("SERVER_ACME_EMAIL", ""),
				CertFile:     getEnv("SERVER_CERT_FILE", ""),
				KeyFile:      getEnv("SERVER_KEY_FILE", ""),
				ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 10*time.Second),
				WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
				IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			},
			Redis: RedisConfig{
				URL:      getEnv("REDIS_URL", ""),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       getEnvInt("REDIS_DB", 0),
				PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
			},
			Scylla: ScyllaConfig{
				Nodes:    splitList(getEnv("SCYLLA_NODES", "127.0.0.1:9042")),
				Keyspace: getEnv("SCYLLA_KEYSPACE", "abuse_shield"),
				Username: getEnv("SCYLLA_USERNAME", ""),
				Password: getEnv("SCYLLA_PASSWORD", ""),
			},
			Kafka: KafkaConfig{
				Brokers:    splitList(getEnv("KAFKA_BROKERS", "127.0.0.1:9092")),
				AuditTopic: getEnv("KAFKA_AUDIT_TOPIC", "shield.audit.events"),
			},
			Elasticsearch: ElasticsearchConfig{
				URL:        getEnv("ELASTIC_URL", "http://127.0.0.1:9200"),
				Username:   getEnv("ELASTIC_USERNAME", ""),
				Password:   getEnv("ELASTIC_PASSWORD", ""),
				EventIndex: getEnv("ELASTIC_EVENT_INDEX", "shield-audit-events"),
			},
			Clickhouse: ClickhouseConfig{
				URL:      getEnv("CLICKHOUSE_URL", "http://127.0.0.1:8123"),
				Database: getEnv("CLICKHOUSE_DATABASE", "abuse_shield"),
				Username: getEnv("CLICKHOUSE_USERNAME", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			KMS: KMSConfig{
				Enabled: getEnvBool("KMS_ENABLED", false),
				KeyID:   getEnv("KMS_KEY_ID", ""),
				Region:  getEnv("KMS_REGION", "ap-south-1"),
			},
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
			Bucketing: BucketingConfig{
				BlockBuckets: getEnvInt("BUCKETING_BLOCK_BUCKETS", 64),
				EventBuckets: getEnvInt("BUCKETING_EVENT_BUCKETS", 128),
			},
			Hashing: HashingConfig{
				IdentifierPepper: getEnv("IDENTIFIER_PEPPER", "dev-only-pepper"),
			},
			Sweeper: SweeperConfig{
				Interval:       getEnvDuration("SWEEPER_INTERVAL", 5*time.Minute),
				EventRetention: getEnvDuration("SWEEPER_EVENT_RETENTION", 90*24*time.Hour),
			},
			Limits: loadLimits(),
		}
	})

	return global
}

// Get returns the cached config, loading it on first use.
func Get() *Config {
	if global == nil {
		return LoadConfig()
	}
	return global
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate rejects configurations that would otherwise fail at request time.
func (c *Config) Validate() error {
	if err := c.Limits.Validate(); err != nil {
		return fmt.Errorf("limits: %w", err)
	}
	if c.KMS.Enabled && c.KMS.KeyID == "" {
		return fmt.Errorf("KMS_KEY_ID is required when KMS is enabled")
	}
	if c.IsProduction() && c.Hashing.IdentifierPepper == "dev-only-pepper" {
		return fmt.Errorf("IDENTIFIER_PEPPER must be set in production")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
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

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
