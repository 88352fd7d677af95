package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is the envconfig prefix shared by every SubPlane binary.
const EnvPrefix = "SUBPLANE"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvDBDSN  = "SUBPLANE_DB_DSN"
	EnvDBHost = "SUBPLANE_DB_HOST"
	EnvDBUser = "SUBPLANE_DB_USER"
	EnvDBName = "SUBPLANE_DB_NAME"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}

type Config struct {
	App           AppConfig
	Service       ServiceConfig
	DB            DBConfig
	Redis         RedisConfig
	JWT           JWTConfig
	FeatureFlags  FeatureFlagsConfig
	GCP           GCPConfig
	PubSub        PubSubConfig
	Stripe        StripeConfig
	Billing       BillingConfig
	Cron          CronConfig
	Notifications NotificationsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"SUBPLANE_APP_ENV" required:"true"`
	Port         string `envconfig:"SUBPLANE_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"SUBPLANE_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"SUBPLANE_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"SUBPLANE_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"SUBPLANE_DB_DSN"`
	Driver string `envconfig:"SUBPLANE_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"SUBPLANE_DB_HOST"`
	LegacyPort     int    `envconfig:"SUBPLANE_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"SUBPLANE_DB_USER"`
	LegacyPassword string `envconfig:"SUBPLANE_DB_PASSWORD"`
	LegacyName     string `envconfig:"SUBPLANE_DB_NAME"`
	LegacySSLMode  string `envconfig:"SUBPLANE_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"SUBPLANE_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"SUBPLANE_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"SUBPLANE_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"SUBPLANE_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"SUBPLANE_REDIS_URL" required:"true"`
	Address      string        `envconfig:"SUBPLANE_REDIS_ADDR"`
	Password     string        `envconfig:"SUBPLANE_REDIS_PASSWORD"`
	DB           int           `envconfig:"SUBPLANE_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"SUBPLANE_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"SUBPLANE_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"SUBPLANE_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"SUBPLANE_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"SUBPLANE_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"SUBPLANE_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"SUBPLANE_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"SUBPLANE_JWT_EXPIRATION_MINUTES" required:"true"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"SUBPLANE_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"SUBPLANE_AUTO_MIGRATE" default:"false"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"SUBPLANE_GCP_PROJECT_ID" required:"true"`
	CredentialsJSON        string `envconfig:"SUBPLANE_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"SUBPLANE_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	NotificationTopic        string `envconfig:"SUBPLANE_PUBSUB_NOTIFICATION_TOPIC" default:"sp-notification-events"`
	NotificationSubscription string `envconfig:"SUBPLANE_PUBSUB_NOTIFICATION_SUBSCRIPTION" required:"true"`
}

type StripeConfig struct {
	APIKey string `envconfig:"SUBPLANE_STRIPE_API_KEY"`
	Secret string `envconfig:"SUBPLANE_STRIPE_SECRET"`
	Env    string `envconfig:"SUBPLANE_STRIPE_ENV" default:"test"`

	RequestTimeout time.Duration `envconfig:"SUBPLANE_STRIPE_REQUEST_TIMEOUT" default:"30s"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

type BillingConfig struct {
	// EndingSoonWindow is how far ahead of the period end the ending-soon
	// notification fires for subscriptions flagged to cancel.
	EndingSoonWindow time.Duration `envconfig:"SUBPLANE_BILLING_ENDING_SOON_WINDOW" default:"168h"`
	// WebhookEventTTL bounds how long processed webhook event ids are remembered.
	WebhookEventTTL time.Duration `envconfig:"SUBPLANE_BILLING_WEBHOOK_EVENT_TTL" default:"72h"`
}

type CronConfig struct {
	Interval time.Duration `envconfig:"SUBPLANE_CRON_INTERVAL" default:"1m"`
	LockTTL  time.Duration `envconfig:"SUBPLANE_CRON_LOCK_TTL" default:"5m"`
}

type NotificationsConfig struct {
	// Enabled gates outbound notification publishing without touching the
	// in-app notification rows.
	Enabled bool `envconfig:"SUBPLANE_NOTIFICATIONS_ENABLED" default:"true"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
