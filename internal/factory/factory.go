package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"portal-auth/internal/audit"
	"portal-auth/internal/bucketing"
	"portal-auth/internal/client"
	"portal-auth/internal/config"
	"portal-auth/internal/encryption"
	"portal-auth/internal/hashing"
	"portal-auth/internal/mail"
	sessionrepo "portal-auth/internal/repository/redis"
	"portal-auth/internal/repository/scylla"
	"portal-auth/internal/secondfactor"
	"portal-auth/internal/service"
	"portal-auth/internal/tls"
	"portal-auth/internal/util"
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

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager

	// Repositories and services
	accountRepository scylla.AccountRepository
	roleRepository    scylla.RoleRepository
	sessionStore      *sessionrepo.SessionStore
	mailedCode        *secondfactor.MailedCode
	factor            secondfactor.Factor
	recorder          *audit.Recorder
	serviceFactory    *service.ServiceFactory

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
		factory.tlsManager = tls.NewTLSManager(cfg.Server, cfg.Environment)
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeManagers(); err != nil {
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	factory.initializeAudit()
	factory.initializeSecondFactor()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.String("second_factor", cfg.SecondFactor.Strategy),
		util.String("session_policy", cfg.Session.Policy),
	)

	return factory, nil
}

// initializeClients initializes all external service clients with health
// checks. Redis and Scylla are required; the audit backends are optional.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis
	if client, err := client.NewRedisClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = client
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			util.Info("Redis client initialized and healthy")
		}
	}

	// ScyllaDB
	if client, err := scylla.NewScyllaClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = client
		if f.config.IsDevelopment() {
			if err := f.scyllaClient.EnsureSchema(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("scylla schema: %w", err))
			}
		}
		if err := f.scyllaClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		} else {
			util.Info("ScyllaDB client initialized and healthy")
		}
	}

	if f.config.IsProduction() && len(initErrors) > 0 {
		return fmt.Errorf("critical service initialization failed: %w", errors.Join(initErrors...))
	}
	for _, err := range initErrors {
		util.Warn("Service initialization warning", util.ErrorField(err))
	}

	// Audit backends never block startup.
	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
		}
	}

	if f.config.Elasticsearch.Enabled {
		if client, err := client.NewElasticsearchClient(f.config, util.Get()); err != nil {
			util.Warn("Elasticsearch initialization failed - proceeding without Elasticsearch", util.ErrorField(err))
		} else {
			f.esClient = client
		}
	}

	if f.config.Clickhouse.Enabled {
		if client, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
			util.Warn("ClickHouse initialization failed - proceeding without ClickHouse", util.ErrorField(err))
		} else {
			f.clickhouseClient = client
			if f.config.IsDevelopment() {
				if err := f.clickhouseClient.EnsureAuditTable(ctx, f.config.Clickhouse.AuditTable); err != nil {
					util.Warn("ClickHouse audit table unavailable", util.ErrorField(err))
				}
			}
		}
	}

	return nil
}

// initializeManagers initializes hashing, encryption, and bucketing managers
func (f *Factory) initializeManagers() error {
	hasher, err := hashing.NewHasher(f.config)
	if err != nil {
		return err
	}
	f.hasher = hasher
	if f.config.IsDevelopment() {
		util.Info("Credential hashing cost", util.Duration("per_hash", f.hasher.Benchmark(1)))
	}

	var kmsClient encryption.KMSAPI
	if f.config.KMS.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			return fmt.Errorf("failed to load AWS configuration: %w", err)
		}
		kmsClient = kms.NewFromConfig(awsCfg)
	}

	f.encryptionManager = encryption.NewEncryptionManager(f.config, kmsClient)
	f.bucketingManager = bucketing.NewBucketingManager(f.config)

	util.Info("Managers initialized successfully",
		util.Bool("hashing_initialized", f.hasher != nil),
		util.Bool("encryption_initialized", f.encryptionManager != nil),
		util.Int("account_buckets", f.bucketingManager.AccountBuckets()),
		util.Int("event_buckets", f.bucketingManager.EventBuckets()),
	)
	return nil
}

func (f *Factory) initializeAudit() {
	var sinks []audit.Sink
	if f.clickhouseClient != nil {
		sinks = append(sinks, audit.NewClickHouseSink(f.clickhouseClient, f.config.Clickhouse.AuditTable))
	}
	if f.kafkaProducer != nil {
		sinks = append(sinks, audit.NewKafkaSink(f.kafkaProducer, f.config.Kafka.AuditTopic))
	}
	if f.esClient != nil {
		sinks = append(sinks, audit.NewElasticsearchSink(f.esClient, f.config.Elasticsearch.AuditIndex))
	}
	if f.config.Audit.LogToConsole || len(sinks) == 0 {
		sinks = append(sinks, audit.LogSink{})
	}

	f.recorder = audit.NewRecorder(f.config.Audit, f.bucketingManager, sinks...)

	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	util.Info("Audit recorder started", util.Strings("sinks", names))
}

// initializeSecondFactor selects the deployment-wide second factor.
func (f *Factory) initializeSecondFactor() {
	sf := f.config.SecondFactor

	switch sf.Strategy {
	case config.StrategyMailedCode:
		var mailer mail.Mailer = mail.LogMailer{}
		if f.config.Mail.Host != "" {
			mailer = mail.NewSMTPMailer(&f.config.Mail)
		}
		f.mailedCode = secondfactor.NewMailedCode(f.AccountRepository(), f.hasher, mailer, secondfactor.MailedCodeOptions{
			Length:          sf.CodeLength,
			TTL:             sf.CodeTTL,
			DeliveryTimeout: sf.DeliveryTimeout,
		})
		f.factor = f.mailedCode
	default:
		f.factor = secondfactor.NewAuthenticator(f.AccountRepository(), f.encryptionManager, secondfactor.AuthenticatorOptions{
			Issuer: sf.Issuer,
			Skew:   sf.TOTPSkew,
		})
	}
}

// ==============================
// Repository Initialization
// ==============================

func (f *Factory) AccountRepository() scylla.AccountRepository {
	if f.accountRepository == nil {
		f.accountRepository = scylla.NewAccountRepository(f.scyllaClient, f.bucketingManager)
	}
	return f.accountRepository
}

func (f *Factory) RoleRepository() scylla.RoleRepository {
	if f.roleRepository == nil {
		f.roleRepository = scylla.NewRoleRepository(f.scyllaClient)
	}
	return f.roleRepository
}

func (f *Factory) SessionStore() *sessionrepo.SessionStore {
	if f.sessionStore == nil {
		f.sessionStore = sessionrepo.NewSessionStore(f.redisClient, f.config.Session.IdleTimeout)
	}
	return f.sessionStore
}

// ==============================
// Service Factory
// ==============================

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		f.serviceFactory = service.NewServiceFactory(
			f.config,
			f.AccountRepository(),
			f.RoleRepository(),
			f.SessionStore(),
			f.hasher,
			f.factor,
			f.recorder,
		)
	}
	return f.serviceFactory
}

// ==============================
// Health Checks
// ==============================

func (f *Factory) HealthChecks(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	} else {
		healthErrors["redis"] = fmt.Errorf("redis client not initialized")
	}

	if f.scyllaClient != nil {
		if err := f.scyllaClient.HealthCheck(ctx); err != nil {
			healthErrors["scylla"] = err
		}
	} else {
		healthErrors["scylla"] = fmt.Errorf("scylla client not initialized")
	}

	if f.esClient != nil {
		if err := f.esClient.HealthCheck(ctx); err != nil {
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

// HealthCheck fails only when a store the login flow depends on is down.
// Audit backends are reported through the log.
func (f *Factory) HealthCheck(ctx context.Context) error {
	healthErrors := f.HealthChecks(ctx)

	var critical []error
	for name, err := range healthErrors {
		switch name {
		case "redis", "scylla":
			critical = append(critical, fmt.Errorf("%s: %w", name, err))
		default:
			util.Warn("Audit backend unhealthy", util.String("backend", name), util.ErrorField(err))
		}
	}
	return errors.Join(critical...)
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.mailedCode != nil {
			f.mailedCode.Wait()
			util.Info("Pending code deliveries finished")
		}

		// Flush audit entries before their backends go away.
		if f.recorder != nil {
			f.recorder.Close()
			util.Info("Audit recorder drained")
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

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}
