package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	PolicyReject    = "reject"
	PolicySupersede = "supersede"

	StrategyAuthenticator = "totp"
	StrategyMailedCode    = "email"
)

type Config struct {
	Environment   string
	Server        ServerConfig
	Logging       LoggingConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	KMS           KMSConfig
	Hashing       HashingConfig
	Bucketing     BucketingConfig
	Session       SessionConfig
	SecondFactor  SecondFactorConfig
	Mail          MailConfig
	Audit         AuditConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	TLSPort        int
	EnableTLS      bool
	RequireHTTPS   bool
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
}

type KafkaConfig struct {
	Enabled    bool
	Brokers    []string
	AuditTopic string
}

type ElasticsearchConfig struct {
	Enabled    bool
	URL        string
	Username   string
	Password   string
	AuditIndex string
}

type ClickhouseConfig struct {
	Enabled    bool
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

// HashingConfig carries argon2id costs and the pepper ring. Peppers are keyed
// by version; the highest version hashes new values, older ones still verify.
type HashingConfig struct {
	Argon2MemoryCost  int
	Argon2TimeCost    int
	Argon2Parallelism int
	Peppers           map[int]string
}

type BucketingConfig struct {
	AccountBuckets int
	EventBuckets   int
}

type SessionConfig struct {
	CookieName     string
	CookieSecure   bool
	IdleTimeout    time.Duration
	Policy         string
	LoginPath      string
	DefaultLanding string
	PublicPaths    []string
	AdminRoleID    int
}

type SecondFactorConfig struct {
	Strategy        string
	Issuer          string
	CodeLength      int
	CodeTTL         time.Duration
	DeliveryTimeout time.Duration
	TOTPSkew        uint
}

type MailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type AuditConfig struct {
	BufferSize   int
	DropIfFull   bool
	SinkTimeout  time.Duration
	LogToConsole bool
}

// LoadConfig reads an optional .env file and then the process environment.
func LoadConfig() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getEnvInt("SERVER_PORT", 8080),
			TLSPort:        getEnvInt("SERVER_TLS_PORT", 8443),
			EnableTLS:      getEnvBool("ENABLE_TLS", false),
			RequireHTTPS:   getEnvBool("REQUIRE_HTTPS", false),
			AutoCert:       getEnvBool("AUTO_CERT", false),
			Domain:         getEnv("DOMAIN", "localhost"),
			CertFile:       getEnv("TLS_CERT_FILE", ""),
			KeyFile:        getEnv("TLS_KEY_FILE", ""),
			AutoCertDir:    getEnv("AUTO_CERT_DIR", "./certs"),
			Email:          getEnv("ACME_EMAIL", ""),
			ReadTimeout:    getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			AllowedOrigins: getEnvSlice("CORS_ALLOWED_ORIGINS", []string{"https://*"}),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
		},
		Scylla: ScyllaConfig{
			Nodes:    getEnvSlice("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "portal_auth"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Enabled:    getEnvBool("KAFKA_ENABLED", false),
			Brokers:    getEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			AuditTopic: getEnv("KAFKA_AUDIT_TOPIC", "portal.audit"),
		},
		Elasticsearch: ElasticsearchConfig{
			Enabled:    getEnvBool("ELASTICSEARCH_ENABLED", false),
			URL:        getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username:   getEnv("ELASTICSEARCH_USERNAME", ""),
			Password:   getEnv("ELASTICSEARCH_PASSWORD", ""),
			AuditIndex: getEnv("ELASTICSEARCH_AUDIT_INDEX", "portal-audit"),
		},
		Clickhouse: ClickhouseConfig{
			Enabled:    getEnvBool("CLICKHOUSE_ENABLED", false),
			URL:        getEnv("CLICKHOUSE_URL", "localhost:9000"),
			Username:   getEnv("CLICKHOUSE_USERNAME", "default"),
			Password:   getEnv("CLICKHOUSE_PASSWORD", ""),
			Database:   getEnv("CLICKHOUSE_DATABASE", "portal"),
			AuditTable: getEnv("CLICKHOUSE_AUDIT_TABLE", "system_logs"),
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
			Peppers:           getEnvPeppers("HASH_PEPPERS"),
		},
		Bucketing: BucketingConfig{
			AccountBuckets: getEnvInt("ACCOUNT_BUCKETS", 256),
			EventBuckets:   getEnvInt("EVENT_BUCKETS", 64),
		},
		Session: SessionConfig{
			CookieName:     getEnv("SESSION_COOKIE_NAME", "portal_session"),
			CookieSecure:   getEnvBool("SESSION_COOKIE_SECURE", true),
			IdleTimeout:    getEnvDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
			Policy:         strings.ToLower(getEnv("SESSION_POLICY", PolicyReject)),
			LoginPath:      getEnv("SESSION_LOGIN_PATH", "/login"),
			DefaultLanding: getEnv("SESSION_DEFAULT_LANDING", "/dashboard"),
			PublicPaths:    getEnvSlice("SESSION_PUBLIC_PATHS", []string{"/login", "/register", "/health", "/api/v1/actions"}),
			AdminRoleID:    getEnvInt("SESSION_ADMIN_ROLE_ID", 3),
		},
		SecondFactor: SecondFactorConfig{
			Strategy:        strings.ToLower(getEnv("SECOND_FACTOR_STRATEGY", StrategyAuthenticator)),
			Issuer:          getEnv("SECOND_FACTOR_ISSUER", "Portal"),
			CodeLength:      getEnvInt("SECOND_FACTOR_CODE_LENGTH", 6),
			CodeTTL:         getEnvDuration("SECOND_FACTOR_CODE_TTL", 5*time.Minute),
			DeliveryTimeout: getEnvDuration("SECOND_FACTOR_DELIVERY_TIMEOUT", 15*time.Second),
			TOTPSkew:        uint(getEnvInt("SECOND_FACTOR_TOTP_SKEW", 1)),
		},
		Mail: MailConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnvInt("SMTP_PORT", 465),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", "no-reply@portal.local"),
		},
		Audit: AuditConfig{
			BufferSize:   getEnvInt("AUDIT_BUFFER_SIZE", 1024),
			DropIfFull:   getEnvBool("AUDIT_DROP_IF_FULL", true),
			SinkTimeout:  getEnvDuration("AUDIT_SINK_TIMEOUT", 5*time.Second),
			LogToConsole: getEnvBool("AUDIT_LOG_TO_CONSOLE", true),
		},
	}

	return cfg
}

func (c *Config) Validate() error {
	if c.Session.Policy != PolicyReject && c.Session.Policy != PolicySupersede {
		return fmt.Errorf("invalid SESSION_POLICY %q", c.Session.Policy)
	}
	if c.SecondFactor.Strategy != StrategyAuthenticator && c.SecondFactor.Strategy != StrategyMailedCode {
		return fmt.Errorf("invalid SECOND_FACTOR_STRATEGY %q", c.SecondFactor.Strategy)
	}
	if c.SecondFactor.CodeLength < 4 || c.SecondFactor.CodeLength > 10 {
		return fmt.Errorf("SECOND_FACTOR_CODE_LENGTH must be between 4 and 10")
	}
	if c.SecondFactor.CodeTTL <= 0 {
		return fmt.Errorf("SECOND_FACTOR_CODE_TTL must be positive")
	}
	if c.Session.IdleTimeout <= 0 {
		return fmt.Errorf("SESSION_IDLE_TIMEOUT must be positive")
	}
	if c.Bucketing.AccountBuckets <= 0 || c.Bucketing.EventBuckets <= 0 {
		return fmt.Errorf("bucket counts must be positive")
	}
	if len(c.Hashing.Peppers) == 0 {
		if c.IsProduction() {
			return fmt.Errorf("HASH_PEPPERS is required in production")
		}
		c.Hashing.Peppers = map[int]string{1: "development-pepper"}
	}
	if c.KMS.Enabled && c.KMS.KeyID == "" {
		return fmt.Errorf("KMS_KEY_ID is required when KMS is enabled")
	}
	if c.SecondFactor.Strategy == StrategyMailedCode && c.IsProduction() && c.Mail.Host == "" {
		return fmt.Errorf("SMTP_HOST is required for the mailed code strategy")
	}
	return nil
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

func getEnvSlice(key string, defaultValue []string) []string {
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

// getEnvPeppers parses "1:secret,2:newer-secret".
func getEnvPeppers(key string) map[int]string {
	peppers := make(map[int]string)
	for _, entry := range getEnvSlice(key, nil) {
		version, value, ok := strings.Cut(entry, ":")
		if !ok {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSpace(version))
		if err != nil || v <= 0 || value == "" {
			continue
		}
		peppers[v] = value
	}
	return peppers
}
