package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"abuse-shield/internal/audit"
	"abuse-shield/internal/blocklist"
	"abuse-shield/internal/bucketing"
	"abuse-shield/internal/client"
	"abuse-shield/internal/config"
	"abuse-shield/internal/crypto"
	"abuse-shield/internal/handler"
	"abuse-shield/internal/limiter"
	"abuse-shield/internal/models"
	redisrepo "abuse-shield/internal/repository/redis"
	"abuse-shield/internal/repository/scylla"
	"abuse-shield/internal/service"
	"abuse-shield/internal/suspicion"
	"abuse-shield/internal/sweeper"
	"abuse-shield/internal/tls"
	"abuse-shield/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient
	kmsClient        *kms.Client

	// Managers
	hasher           *crypto.Hasher
	encryptor        *crypto.Encryptor
	bucketingManager *bucketing.BucketingManager

	// Engines
	counterStore limiter.CounterStore
	blockManager *blocklist.Manager
	limiterCore  *limiter.Limiter
	loginTracker *limiter.LoginTracker
	aggregator   *suspicion.Aggregator
	auditLogger  *audit.Logger
	sweep        *sweeper.Sweeper
	guardService *service.GuardService

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		tlsConfig := &tls.TLSConfig{
			EnableTLS:   cfg.Server.EnableTLS,
			AutoCert:    cfg.Server.AutoCert,
			Domain:      cfg.Server.Domain,
			CertFile:    cfg.Server.CertFile,
			KeyFile:     cfg.Server.KeyFile,
			AutoCertDir: cfg.Server.AutoCertDir,
			Email:       cfg.Server.Email,
			Environment: cfg.Environment,
		}
		factory.tlsManager = tls.NewTLSManager(tlsConfig)
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	factory.initializeManagers()
	factory.initializeEngines()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)

	return factory, nil
}

// initializeClients initializes all external service clients with health checks
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis is optional: without it the service falls back to the
	// in-process counter store, which only works single-instance.
	if f.config.Redis.URL != "" {
		if rc, err := client.NewRedisClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
		} else {
			f.redisClient = rc
			if err := f.redisClient.HealthCheck(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
			} else {
				util.Info("Redis client initialized and healthy")
			}
		}
	} else if f.config.IsProduction() {
		util.Warn("No Redis URL configured in production; counters will not be shared across instances")
	}

	// ScyllaDB
	if sc, err := scylla.NewScyllaClient(f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = sc
		if err := f.scyllaClient.HealthCheck(); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		} else {
			util.Info("ScyllaDB client initialized and healthy")
		}
	}

	// Kafka
	if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
		util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
	} else {
		f.kafkaProducer = producer
		util.Info("Kafka producer initialized")
	}

	// Elasticsearch
	if es, err := client.NewElasticsearchClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
	} else {
		f.esClient = es
		if err := f.esClient.HealthCheck(); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch health check: %w", err))
		} else {
			util.Info("Elasticsearch client initialized and healthy")
		}
	}

	// ClickHouse
	if ch, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
	} else {
		f.clickhouseClient = ch
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse health check: %w", err))
		} else {
			util.Info("ClickHouse client initialized and healthy")
		}
	}

	// KMS
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			initErrors = append(initErrors, fmt.Errorf("aws config: %w", err))
		} else {
			f.kmsClient = kms.NewFromConfig(awsCfg)
			util.Info("KMS client initialized", util.String("region", f.config.KMS.Region))
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// initializeManagers initializes hashing, encryption, and bucketing managers
func (f *Factory) initializeManagers() {
	f.hasher = crypto.NewHasher(f.config.Hashing.IdentifierPepper)
	f.encryptor = crypto.NewEncryptor(f.config, f.kmsClient)
	f.bucketingManager = bucketing.NewBucketingManager(f.config)

	util.Info("Managers initialized successfully",
		util.Bool("hashing_initialized", f.hasher != nil),
		util.Bool("encryption_initialized", f.encryptor != nil),
		util.Bool("bucketing_initialized", f.bucketingManager != nil),
	)
}

// initializeEngines wires the counter store, block manager, limiter engines,
// audit pipeline, and sweeper.
func (f *Factory) initializeEngines() {
	if f.redisClient != nil {
		f.counterStore = redisrepo.NewCounterStore(f.redisClient)
	} else {
		f.counterStore = limiter.NewMemoryStore()
		util.Warn("Using in-process counter store; limits apply per instance only")
	}

	// Scylla init failures are fatal in production but only warned about in
	// development; a nil client must never reach the repository.
	var blockRepo blocklist.BlockRepository
	if f.scyllaClient != nil {
		blockRepo = scylla.NewBlockRepository(f.scyllaClient)
	} else {
		blockRepo = unavailableBlockRepository{}
		util.Warn("ScyllaDB unavailable; block records will not be persisted")
	}

	var blockCache blocklist.BlockCache
	if f.redisClient != nil {
		blockCache = redisrepo.NewBlockCache(f.redisClient)
	} else {
		blockCache = noopBlockCache{}
	}

	f.blockManager = blocklist.NewManager(blockRepo, blockCache, f.encryptor, f.bucketingManager)

	f.limiterCore = limiter.NewLimiter(f.counterStore, f.blockManager, f.config.Limits, util.Get())

	loginLimit, _ := f.config.Limits.ForAction(config.ActionLoginAttempts)
	f.loginTracker = limiter.NewLoginTracker(f.counterStore, f.blockManager, loginLimit, util.Get())

	suspicionLimit, _ := f.config.Limits.ForAction(config.ActionSuspiciousActivity)
	f.aggregator = suspicion.NewAggregator(f.counterStore, f.blockManager, suspicionLimit, f.config.Limits.Weights, util.Get())

	var sinks []audit.Sink
	if f.kafkaProducer != nil {
		sinks = append(sinks, audit.NewKafkaSink(f.kafkaProducer, f.config.Kafka.AuditTopic))
	}
	if f.clickhouseClient != nil {
		sinks = append(sinks, audit.NewClickHouseSink(f.clickhouseClient))
	}
	if f.esClient != nil {
		sinks = append(sinks, audit.NewElasticsearchSink(f.esClient, f.config.Elasticsearch.EventIndex))
	}
	f.auditLogger = audit.NewLogger(sinks...)

	f.guardService = service.NewGuardService(
		f.limiterCore,
		f.loginTracker,
		f.aggregator,
		f.blockManager,
		f.hasher,
		f.counterStore,
		f.auditLogger,
		f.esClient,
		f.clickhouseClient,
		f.config,
	)

	f.sweep = sweeper.New(blockRepo, blockCache, f.bucketingManager, f.clickhouseClient, f.config.Sweeper)
	f.sweep.Start()
}

// noopBlockCache stands in when Redis is absent; every lookup falls through
// to the repository.
type noopBlockCache struct{}

func (noopBlockCache) Get(context.Context, string) (*models.BlockRecord, error) { return nil, nil }
func (noopBlockCache) Set(context.Context, *models.BlockRecord) error           { return nil }
func (noopBlockCache) Del(context.Context, string) error                        { return nil }

var errScyllaUnavailable = errors.New("scylla unavailable")

// unavailableBlockRepository stands in when Scylla is absent in development.
// Reads report "no block on file" and writes fail, so check paths keep
// failing open through the block manager instead of dereferencing a nil
// client, and the sweeper has nothing to sweep.
type unavailableBlockRepository struct{}

func (unavailableBlockRepository) CreateBlock(context.Context, *models.BlockRecord) error {
	return errScyllaUnavailable
}

func (unavailableBlockRepository) GetBlock(context.Context, int, string) (*models.BlockRecord, error) {
	return nil, scylla.ErrBlockNotFound
}

func (unavailableBlockRepository) ExtendBlock(context.Context, int, string, int, time.Time, string) error {
	return errScyllaUnavailable
}

func (unavailableBlockRepository) DeactivateBlock(context.Context, int, string, string, time.Time) error {
	return errScyllaUnavailable
}

func (unavailableBlockRepository) ListBlocks(context.Context, int, int, []byte) ([]*models.BlockRecord, []byte, error) {
	return nil, nil, nil
}

// HealthCheck reports per-component health
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	}

	if f.scyllaClient != nil {
		if err := f.scyllaClient.HealthCheck(); err != nil {
			healthErrors["scylla"] = err
		}
	} else {
		healthErrors["scylla"] = fmt.Errorf("scylla client not initialized")
	}

	if f.esClient != nil {
		if err := f.esClient.HealthCheck(); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}

	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	return healthErrors
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.sweep != nil {
			f.sweep.Stop()
			util.Info("Sweeper stopped")
		}

		if f.auditLogger != nil {
			f.auditLogger.Close()
			util.Info("Audit pipeline drained and closed")
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
			util.Info("Elasticsearch client closed")
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
			util.Info("ScyllaDB client closed")
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		if f.encryptor != nil {
			f.encryptor.ClearCache()
			util.Info("Encryptor cache cleared")
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) GuardService() *service.GuardService {
	return f.guardService
}

func (f *Factory) GuardHandler() *handler.GuardHandler {
	return handler.NewGuardHandler(f.guardService, util.Get())
}

func (f *Factory) AdminHandler() *handler.AdminHandler {
	return handler.NewAdminHandler(f.guardService, util.Get())
}
