package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Environment string

	Server        ServerConfig
	Logging       LoggingConfig
	Storage       StorageConfig
	Session       SessionConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	KMS           KMSConfig
	Hashing       HashingConfig
	Bucketing     BucketingConfig
	Governor      GovernorConfig
	Consent       ConsentConfig
	Admin         AdminConfig
	Payment       PaymentConfig
	Notify        NotifyConfig
	Audit         AuditConfig
}

type ServerConfig struct {
	Port           int
	TLSPort        int
	EnableTLS      bool
	AutoCert       bool
	Domain         string
	CertFile       string
	KeyFile        string
	AutoCertDir    string
	Email          string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	AllowedOrigins []string
}

type LoggingConfig struct {
	Level  string
	Format string
}

// StorageConfig selects the durable backend for account, consent and
// session snapshot records. Backend is "file" or "scylla".
type StorageConfig struct {
	Backend string
	DataDir string
}

// SessionConfig selects the session store. Backend is "memory" (in-process
// registry with debounced snapshots) or "redis".
type SessionConfig struct {
	Backend     string
	MaxAge      time.Duration
	FlushWindow time.Duration
}

type RedisConfig struct {
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
	UseTLS   bool
}

type KafkaConfig struct {
	Brokers     []string
	EventsTopic string
}

type ElasticsearchConfig struct {
	URL        string
	Username   string
	Password   string
	AuditIndex string
}

type ClickhouseConfig struct {
	URL        string
	Username   string
	Password   string
	Database   string
	AuditTable string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type HashingConfig struct {
	Argon2MemoryCost  int
	Argon2TimeCost    int
	Argon2Parallelism int
	Pepper            string
	PepperVersion     int
}

type BucketingConfig struct {
	AccountBuckets int
}

type GovernorConfig struct {
	PerMinuteLimit int
	PerHourLimit   int
	Cooldown       time.Duration
	TimeZone       string
}

type ConsentConfig struct {
	RequestTTL           time.Duration
	PublicBaseURL        string
	ChargeAmountCents    int64
	ChargeCurrency       string
	RequireAdminApproval bool
}

type AdminConfig struct {
	Secret              string
	SigningSecret       string
	TokenTTL            time.Duration
	CodeTTL             time.Duration
	Email               string
	SecondFactorEnabled bool
	DisableKeyHeader    bool
}

type PaymentConfig struct {
	Provider string
	APIURL   string
	APIKey   string
}

type NotifyConfig struct {
	Backend  string
	Topic    string
	FromAddr string
}

type AuditConfig struct {
	Sinks []string
}

// LoadConfig reads .env (if present) and the process environment.
func LoadConfig() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("APP_ENV", EnvDevelopment),
		Server: ServerConfig{
			Port:           getEnvInt("SERVER_PORT", 8080),
			TLSPort:        getEnvInt("SERVER_TLS_PORT", 8443),
			EnableTLS:      getEnvBool("ENABLE_TLS", false),
			AutoCert:       getEnvBool("AUTO_CERT", false),
			Domain:         getEnv("SERVER_DOMAIN", "localhost"),
			CertFile:       getEnv("TLS_CERT_FILE", ""),
			KeyFile:        getEnv("TLS_KEY_FILE", ""),
			AutoCertDir:    getEnv("AUTO_CERT_DIR", "./certs"),
			Email:          getEnv("AUTO_CERT_EMAIL", ""),
			ReadTimeout:    getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			AllowedOrigins: getEnvSlice("CORS_ALLOWED_ORIGINS", []string{"https://*"}),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Storage: StorageConfig{
			Backend: getEnv("STORAGE_BACKEND", "file"),
			DataDir: getEnv("STORAGE_DATA_DIR", "./data"),
		},
		Session: SessionConfig{
			Backend:     getEnv("SESSION_BACKEND", "memory"),
			MaxAge:      getEnvDuration("SESSION_MAX_AGE", 24*time.Hour),
			FlushWindow: getEnvDuration("SESSION_FLUSH_WINDOW", time.Second),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 20),
		},
		Scylla: ScyllaConfig{
			Nodes:    getEnvSlice("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "trust"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
			UseTLS:   getEnvBool("SCYLLA_TLS", false),
		},
		Kafka: KafkaConfig{
			Brokers:     getEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			EventsTopic: getEnv("KAFKA_EVENTS_TOPIC", "trust-events"),
		},
		Elasticsearch: ElasticsearchConfig{
			URL:        getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username:   getEnv("ELASTICSEARCH_USERNAME", ""),
			Password:   getEnv("ELASTICSEARCH_PASSWORD", ""),
			AuditIndex: getEnv("ELASTICSEARCH_AUDIT_INDEX", "trust-audit"),
		},
		Clickhouse: ClickhouseConfig{
			URL:        getEnv("CLICKHOUSE_URL", "http://localhost:9000"),
			Username:   getEnv("CLICKHOUSE_USERNAME", "default"),
			Password:   getEnv("CLICKHOUSE_PASSWORD", ""),
			Database:   getEnv("CLICKHOUSE_DATABASE", "trust"),
			AuditTable: getEnv("CLICKHOUSE_AUDIT_TABLE", "trust_events"),
		},
		KMS: KMSConfig{
			Enabled: getEnvBool("KMS_ENABLED", false),
			KeyID:   getEnv("KMS_KEY_ID", ""),
			Region:  getEnv("AWS_REGION", "us-east-1"),
		},
		Hashing: HashingConfig{
			Argon2MemoryCost:  getEnvInt("ARGON2_MEMORY_COST", 64*1024),
			Argon2TimeCost:    getEnvInt("ARGON2_TIME_COST", 3),
			Argon2Parallelism: getEnvInt("ARGON2_PARALLELISM", 2),
			Pepper:            getEnv("HASH_PEPPER", ""),
			PepperVersion:     getEnvInt("HASH_PEPPER_VERSION", 1),
		},
		Bucketing: BucketingConfig{
			AccountBuckets: getEnvInt("ACCOUNT_BUCKETS", 256),
		},
		Governor: GovernorConfig{
			PerMinuteLimit: getEnvInt("THROTTLE_PER_MINUTE", 10),
			PerHourLimit:   getEnvInt("THROTTLE_PER_HOUR", 100),
			Cooldown:       getEnvDuration("THROTTLE_COOLDOWN", 5*time.Minute),
			TimeZone:       getEnv("USAGE_TIME_ZONE", "UTC"),
		},
		Consent: ConsentConfig{
			RequestTTL:           getEnvDuration("CONSENT_REQUEST_TTL", 72*time.Hour),
			PublicBaseURL:        getEnv("PUBLIC_BASE_URL", "http://localhost:8080"),
			ChargeAmountCents:    int64(getEnvInt("CONSENT_CHARGE_CENTS", 50)),
			ChargeCurrency:       getEnv("CONSENT_CHARGE_CURRENCY", "usd"),
			RequireAdminApproval: getEnvBool("REQUIRE_ADMIN_APPROVAL", false),
		},
		Admin: AdminConfig{
			Secret:              getEnv("ADMIN_SECRET", ""),
			SigningSecret:       getEnv("ADMIN_SIGNING_SECRET", ""),
			TokenTTL:            getEnvDuration("ADMIN_TOKEN_TTL", 12*time.Hour),
			CodeTTL:             getEnvDuration("ADMIN_CODE_TTL", 5*time.Minute),
			Email:               getEnv("ADMIN_EMAIL", ""),
			SecondFactorEnabled: getEnvBool("ADMIN_2FA_ENABLED", false),
			DisableKeyHeader:    getEnvBool("ADMIN_KEY_HEADER_DISABLED", false),
		},
		Payment: PaymentConfig{
			Provider: getEnv("PAYMENT_PROVIDER", "sandbox"),
			APIURL:   getEnv("PAYMENT_API_URL", ""),
			APIKey:   getEnv("PAYMENT_API_KEY", ""),
		},
		Notify: NotifyConfig{
			Backend:  getEnv("NOTIFY_BACKEND", "log"),
			Topic:    getEnv("NOTIFY_TOPIC", "outbound-messages"),
			FromAddr: getEnv("NOTIFY_FROM", "no-reply@localhost"),
		},
		Audit: AuditConfig{
			Sinks: getEnvSlice("AUDIT_SINKS", []string{"log"}),
		},
	}

	return cfg
}

func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// Validate rejects configurations the service cannot run safely with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Backend {
	case "file", "scylla":
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_BACKEND %q", c.Storage.Backend))
	}
	switch c.Session.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown SESSION_BACKEND %q", c.Session.Backend))
	}
	if c.Session.MaxAge <= 0 {
		errs = append(errs, errors.New("SESSION_MAX_AGE must be positive"))
	}
	if c.Governor.PerMinuteLimit <= 0 || c.Governor.PerHourLimit <= 0 {
		errs = append(errs, errors.New("throttle ceilings must be positive"))
	}
	if _, err := time.LoadLocation(c.Governor.TimeZone); err != nil {
		errs = append(errs, fmt.Errorf("invalid USAGE_TIME_ZONE: %w", err))
	}
	if c.IsProduction() {
		if c.Admin.Secret == "" || c.Admin.SigningSecret == "" {
			errs = append(errs, errors.New("ADMIN_SECRET and ADMIN_SIGNING_SECRET are required in production"))
		}
		if c.Hashing.Pepper == "" {
			errs = append(errs, errors.New("HASH_PEPPER is required in production"))
		}
		if c.Payment.Provider == "sandbox" {
			errs = append(errs, errors.New("sandbox payment provider is not allowed in production"))
		}
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvBool(key string, defaultValue bool) bool {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
