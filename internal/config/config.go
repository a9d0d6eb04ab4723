package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is the runtime configuration of the ledger service.
type Config struct {
	Port   string
	Log    LogConfig
	Ledger LedgerConfig
	Notify NotifyConfig
	SMTP   SMTPConfig
	JWT    JWTConfig
}

type LogConfig struct {
	Level       string
	Environment string
}

// LedgerConfig holds the policies of the provisioning and transfer core.
type LedgerConfig struct {
	IdentifierMaxAttempts int
	LockTimeout           time.Duration
	AuditPageSize         int
}

// NotifyConfig controls customer notification delivery.
type NotifyConfig struct {
	Mode            string // "queue" or "sync"
	MaxAttempts     int
	RetryDelay      time.Duration
	MaxRedeliveries int
	RedeliveryBase  time.Duration
	PollInterval    time.Duration
	TemplatesPath   string
}

type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	// Breaker trips after this many consecutive send failures.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

type JWTConfig struct {
	SecretKey string
}

var envBindings = map[string]string{
	"port": "PORT",

	"database.host":     "DATABASE_HOST",
	"database.port":     "DATABASE_PORT",
	"database.user":     "DATABASE_USER",
	"database.password": "DATABASE_PASSWORD",
	"database.name":     "DATABASE_NAME",
	"database.ssl_mode": "DATABASE_SSL_MODE",

	"redis.host":     "REDIS_HOST",
	"redis.port":     "REDIS_PORT",
	"redis.password": "REDIS_PASSWORD",
	"redis.db":       "REDIS_DB",

	"log.level":       "LOG_LEVEL",
	"log.environment": "LOG_ENVIRONMENT",

	"ledger.identifier_max_attempts": "LEDGER_IDENTIFIER_MAX_ATTEMPTS",
	"ledger.lock_timeout":            "LEDGER_LOCK_TIMEOUT",
	"ledger.audit_page_size":         "LEDGER_AUDIT_PAGE_SIZE",

	"notify.mode":             "NOTIFY_MODE",
	"notify.max_attempts":     "NOTIFY_MAX_ATTEMPTS",
	"notify.retry_delay":      "NOTIFY_RETRY_DELAY",
	"notify.max_redeliveries": "NOTIFY_MAX_REDELIVERIES",
	"notify.redelivery_base":  "NOTIFY_REDELIVERY_BASE",
	"notify.poll_interval":    "NOTIFY_POLL_INTERVAL",
	"notify.templates_path":   "NOTIFY_TEMPLATES_PATH",

	"smtp.host":             "SMTP_HOST",
	"smtp.port":             "SMTP_PORT",
	"smtp.username":         "SMTP_USERNAME",
	"smtp.password":         "SMTP_PASSWORD",
	"smtp.from":             "SMTP_FROM",
	"smtp.breaker_failures": "SMTP_BREAKER_FAILURES",
	"smtp.breaker_timeout":  "SMTP_BREAKER_TIMEOUT",

	"jwt.secret_key": "JWT_SECRET_KEY",
}

// BindEnv points viper at the .env file and the process environment.
func BindEnv() error {
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env

	for key, env := range envBindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}

	return viper.ReadInConfig()
}

func setDefaults() {
	viper.SetDefault("port", "8080")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.environment", "production")

	viper.SetDefault("ledger.identifier_max_attempts", 10)
	viper.SetDefault("ledger.lock_timeout", 5*time.Second)
	viper.SetDefault("ledger.audit_page_size", 100)

	viper.SetDefault("notify.mode", "queue")
	viper.SetDefault("notify.max_attempts", 3)
	viper.SetDefault("notify.retry_delay", 2*time.Second)
	viper.SetDefault("notify.max_redeliveries", 5)
	viper.SetDefault("notify.redelivery_base", 30*time.Second)
	viper.SetDefault("notify.poll_interval", time.Second)
	viper.SetDefault("notify.templates_path", "")

	viper.SetDefault("smtp.host", "localhost")
	viper.SetDefault("smtp.port", "25")
	viper.SetDefault("smtp.from", "no-reply@ruralpay.local")
	viper.SetDefault("smtp.breaker_failures", 5)
	viper.SetDefault("smtp.breaker_timeout", 30*time.Second)
}

// Load reads the configuration currently held by viper, applying defaults.
func Load() *Config {
	setDefaults()

	return &Config{
		Port: viper.GetString("port"),
		Log: LogConfig{
			Level:       viper.GetString("log.level"),
			Environment: viper.GetString("log.environment"),
		},
		Ledger: LedgerConfig{
			IdentifierMaxAttempts: viper.GetInt("ledger.identifier_max_attempts"),
			LockTimeout:           viper.GetDuration("ledger.lock_timeout"),
			AuditPageSize:         viper.GetInt("ledger.audit_page_size"),
		},
		Notify: NotifyConfig{
			Mode:            viper.GetString("notify.mode"),
			MaxAttempts:     viper.GetInt("notify.max_attempts"),
			RetryDelay:      viper.GetDuration("notify.retry_delay"),
			MaxRedeliveries: viper.GetInt("notify.max_redeliveries"),
			RedeliveryBase:  viper.GetDuration("notify.redelivery_base"),
			PollInterval:    viper.GetDuration("notify.poll_interval"),
			TemplatesPath:   viper.GetString("notify.templates_path"),
		},
		SMTP: SMTPConfig{
			Host:            viper.GetString("smtp.host"),
			Port:            viper.GetString("smtp.port"),
			Username:        viper.GetString("smtp.username"),
			Password:        viper.GetString("smtp.password"),
			From:            viper.GetString("smtp.from"),
			BreakerFailures: viper.GetUint32("smtp.breaker_failures"),
			BreakerTimeout:  viper.GetDuration("smtp.breaker_timeout"),
		},
		JWT: JWTConfig{
			SecretKey: viper.GetString("jwt.secret_key"),
		},
	}
}
