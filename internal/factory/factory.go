package factory

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"trust-service/internal/audit"
	"trust-service/internal/bucketing"
	"trust-service/internal/client"
	"trust-service/internal/clock"
	"trust-service/internal/config"
	"trust-service/internal/encryption"
	"trust-service/internal/hashing"
	"trust-service/internal/notify"
	"trust-service/internal/payment"
	"trust-service/internal/repository"
	"trust-service/internal/repository/file"
	redisrepo "trust-service/internal/repository/redis"
	"trust-service/internal/repository/scylla"
	"trust-service/internal/service"
	"trust-service/internal/session"
	"trust-service/internal/tls"
	"trust-service/internal/util"
)

const (
	initTimeout        = 30 * time.Second
	healthCheckTimeout = 5 * time.Second
	memoryAuditEvents  = 10000
	paymentTimeout     = 10 * time.Second
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	logger     *zap.Logger
	clock      clock.Clock
	tlsManager *tls.Manager

	// Clients, each nil unless the configuration selects it
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager

	backend        *repository.Backend
	sessions       session.Store
	trail          *audit.Trail
	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory loads config and initializes every dependency the config
// selects
func NewFactory(ctx context.Context) (*Factory, error) {
	cfg := config.LoadConfig()
	logger := util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	f := &Factory{
		config: cfg,
		logger: logger,
		clock:  clock.System(),
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewManager(cfg)
	}

	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	if err := f.initializeClients(initCtx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	if err := f.initializeManagers(initCtx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}
	if err := f.initializeServices(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("storage", cfg.Storage.Backend),
		util.String("sessions", cfg.Session.Backend),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)

	return f, nil
}

func (f *Factory) auditSink(name string) bool {
	for _, s := range f.config.Audit.Sinks {
		if s == name {
			return true
		}
	}
	return false
}

// initializeClients connects only to the backends the config selects.
// Required backends fail startup; optional ones are logged and skipped
// outside production.
func (f *Factory) initializeClients(ctx context.Context) error {
	cfg := f.config

	if cfg.Storage.Backend == "scylla" {
		c, err := scylla.NewScyllaClient(cfg)
		if err != nil {
			return fmt.Errorf("scylla: %w", err)
		}
		f.scyllaClient = c
		if err := c.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("scylla schema: %w", err)
		}
		util.Info("ScyllaDB client initialized and schema applied")
	}

	// Redis also backs the shared login attempt tracker, so production
	// connects even when sessions stay in process.
	if cfg.Session.Backend == "redis" || cfg.IsProduction() {
		c, err := client.NewRedisClient(cfg)
		switch {
		case err == nil:
			f.redisClient = c
			util.Info("Redis client initialized")
		case cfg.Session.Backend == "redis":
			return fmt.Errorf("redis: %w", err)
		default:
			util.Warn("Redis unavailable, using in-process login attempt tracking", util.ErrorField(err))
		}
	}

	if cfg.Notify.Backend == "kafka" || f.auditSink("kafka") {
		p, err := client.NewKafkaProducer(cfg)
		if err != nil {
			if cfg.IsProduction() {
				return fmt.Errorf("kafka: %w", err)
			}
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = p
			util.Info("Kafka producer initialized")
		}
	}

	if f.auditSink("elasticsearch") {
		c, err := client.NewElasticsearchClient(cfg)
		if err == nil {
			err = c.HealthCheck(ctx)
		}
		if err != nil {
			if cfg.IsProduction() {
				return fmt.Errorf("elasticsearch: %w", err)
			}
			util.Warn("Elasticsearch unavailable - audit search disabled", util.ErrorField(err))
		} else {
			f.esClient = c
			util.Info("Elasticsearch client initialized and healthy")
		}
	}

	if f.auditSink("clickhouse") {
		c, err := client.NewClickHouseClient(cfg)
		if err == nil {
			err = c.HealthCheck(ctx)
		}
		if err != nil {
			if cfg.IsProduction() {
				return fmt.Errorf("clickhouse: %w", err)
			}
			util.Warn("ClickHouse unavailable - analytics sink disabled", util.ErrorField(err))
		} else {
			f.clickhouseClient = c
			util.Info("ClickHouse client initialized and healthy")
		}
	}

	return nil
}

// initializeManagers initializes hashing, encryption, and bucketing managers
func (f *Factory) initializeManagers(ctx context.Context) error {
	f.hasher = hashing.NewHasher(f.config)

	var kmsClient encryption.KMSAPI
	if f.config.KMS.Enabled {
		c, err := encryption.NewKMSClient(ctx, f.config)
		if err != nil {
			return fmt.Errorf("kms: %w", err)
		}
		kmsClient = c
	}
	f.encryptionManager = encryption.NewEncryptionManager(f.config, kmsClient)
	f.bucketingManager = bucketing.NewBucketingManager(f.config)

	util.Info("Managers initialized successfully",
		util.Bool("kms_enabled", kmsClient != nil),
		util.Int("account_buckets", f.bucketingManager.AccountBuckets()),
	)
	return nil
}

func (f *Factory) initializeServices(ctx context.Context) error {
	cfg := f.config

	switch cfg.Storage.Backend {
	case "scylla":
		f.backend = scylla.NewBackend(f.scyllaClient, f.bucketingManager)
	default:
		b, err := file.NewBackend(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("file storage: %w", err)
		}
		f.backend = b
	}

	switch cfg.Session.Backend {
	case "redis":
		f.sessions = session.NewRedisStore(redisrepo.NewSessionCache(f.redisClient), cfg.Session.MaxAge, f.clock, f.logger)
	default:
		f.sessions = session.NewMemoryStore(ctx, f.backend.Sessions, session.MemoryOptions{
			MaxAge:      cfg.Session.MaxAge,
			FlushWindow: cfg.Session.FlushWindow,
			Clock:       f.clock,
			Logger:      f.logger,
		})
	}

	var attempts service.AttemptTracker
	if f.redisClient != nil {
		attempts = redisrepo.NewLoginAttemptCache(f.redisClient, service.LoginFailureWindow)
	}

	recorder, err := f.auditRecorder(ctx)
	if err != nil {
		return err
	}
	f.trail = audit.NewTrail(recorder, f.clock, f.logger)

	location, err := time.LoadLocation(cfg.Governor.TimeZone)
	if err != nil {
		return fmt.Errorf("usage time zone: %w", err)
	}

	sf, err := service.NewServiceFactory(service.Dependencies{
		Config:   cfg,
		Backend:  f.backend,
		Sessions: f.sessions,
		Attempts: attempts,
		Hasher:   f.hasher,
		Cipher:   f.encryptionManager,
		Sender:   f.sender(),
		Payments: f.paymentProvider(),
		Location: location,
		Clock:    f.clock,
		Trail:    f.trail,
		Logger:   f.logger,
	})
	if err != nil {
		return err
	}
	f.serviceFactory = sf
	return nil
}

func (f *Factory) auditRecorder(ctx context.Context) (audit.Recorder, error) {
	var recorders []audit.Recorder
	for _, name := range f.config.Audit.Sinks {
		switch name {
		case "log":
			recorders = append(recorders, audit.NewLogRecorder(f.logger))
		case "memory":
			recorders = append(recorders, audit.NewMemoryRecorder(memoryAuditEvents))
		case "kafka":
			if f.kafkaProducer != nil {
				recorders = append(recorders, audit.NewKafkaRecorder(f.kafkaProducer, f.config.Kafka.EventsTopic))
			}
		case "elasticsearch":
			if f.esClient != nil {
				recorders = append(recorders, audit.NewESRecorder(f.esClient, f.config.Elasticsearch.AuditIndex))
			}
		case "clickhouse":
			if f.clickhouseClient != nil {
				r := audit.NewClickHouseRecorder(f.clickhouseClient, f.config.Clickhouse.AuditTable)
				if err := r.EnsureTable(ctx); err != nil {
					return nil, fmt.Errorf("clickhouse audit table: %w", err)
				}
				recorders = append(recorders, r)
			}
		default:
			return nil, fmt.Errorf("unknown audit sink %q", name)
		}
	}
	if len(recorders) == 0 {
		recorders = append(recorders, audit.NewLogRecorder(f.logger))
	}
	return audit.NewMultiRecorder(recorders...), nil
}

func (f *Factory) sender() notify.Sender {
	if f.config.Notify.Backend == "kafka" && f.kafkaProducer != nil {
		return notify.NewKafkaSender(f.kafkaProducer, f.config.Notify.Topic, f.config.Notify.FromAddr)
	}
	return notify.NewLogSender(f.logger)
}

func (f *Factory) paymentProvider() payment.Provider {
	if f.config.Payment.Provider == "http" {
		return payment.NewHTTPProvider(f.config.Payment.APIURL, f.config.Payment.APIKey,
			&http.Client{Timeout: paymentTimeout})
	}
	util.Warn("Using the sandbox payment provider; card verification always succeeds")
	return payment.NewSandboxProvider()
}

// HealthCheck checks every initialized backend concurrently
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	var (
		mu      sync.Mutex
		results = make(map[string]error)
		wg      sync.WaitGroup
	)
	check := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := fn(ctx)
			mu.Lock()
			results[name] = err
			mu.Unlock()
		}()
	}

	if f.redisClient != nil {
		check("redis", f.redisClient.HealthCheck)
	}
	if f.scyllaClient != nil {
		check("scylla", f.scyllaClient.HealthCheck)
	}
	if f.esClient != nil {
		check("elasticsearch", f.esClient.HealthCheck)
	}
	if f.clickhouseClient != nil {
		check("clickhouse", f.clickhouseClient.HealthCheck)
	}
	if f.kafkaProducer != nil {
		check("kafka", f.kafkaProducer.HealthCheck)
	}
	wg.Wait()

	results["storage"] = nil
	if f.backend == nil {
		results["storage"] = fmt.Errorf("storage backend not initialized")
	}
	return results
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	for name, err := range f.HealthCheck(ctx) {
		if err != nil && name != "kafka" {
			return false
		}
	}
	return true
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		// Sessions first, so the final snapshot still has its backend.
		if f.serviceFactory != nil {
			f.serviceFactory.Cleanup()
			util.Info("Service factory cleaned up")
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

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) Logger() *zap.Logger {
	return f.logger
}

func (f *Factory) TLSManager() *tls.Manager {
	return f.tlsManager
}

func (f *Factory) Services() *service.ServiceFactory {
	return f.serviceFactory
}
