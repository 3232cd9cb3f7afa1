package config

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Otel struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"OTEL"`
	Pyroscope struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
	Flagsmith struct {
		Addr   string `mapstructure:"ADDR"`
		ApiKey string `mapstructure:"API_KEY"`
	} `mapstructure:"FLAGSMITH"`
	Minio struct {
		Endpoint   string `mapstructure:"ENDPOINT"`
		AccessKey  string `mapstructure:"ACCESS_KEY"`
		SecretKey  string `mapstructure:"SECRET_KEY"`
		Secure     bool   `mapstructure:"SECURE"`
		Region     string `mapstructure:"REGION"`
		BucketName string `mapstructure:"BUCKET_NAME"`
	} `mapstructure:"MINIO"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Snowflake struct {
		NodeID int64 `mapstructure:"NODE_ID"`
	} `mapstructure:"SNOWFLAKE"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		Metrics        bool   `mapstructure:"METRICS"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Provider struct {
		BaseURL      string        `mapstructure:"BASE_URL"`
		APIKey       string        `mapstructure:"API_KEY"`
		Timeout      time.Duration `mapstructure:"TIMEOUT"`
		RetryMax     int           `mapstructure:"RETRY_MAX"`
		RetryWaitMin time.Duration `mapstructure:"RETRY_WAIT_MIN"`
		RetryWaitMax time.Duration `mapstructure:"RETRY_WAIT_MAX"`

		// StatusEncoding is "numeric" or "legacy".
		StatusEncoding string `mapstructure:"STATUS_ENCODING"`
	} `mapstructure:"PROVIDER"`
	Reconcile struct {
		RateLimit          int           `mapstructure:"RATE_LIMIT"`
		RateWindow         time.Duration `mapstructure:"RATE_WINDOW"`
		MaxAttempts        int           `mapstructure:"MAX_ATTEMPTS"`
		TasksPerGeneration int           `mapstructure:"TASKS_PER_GENERATION"`
		SweepBatchSize     int           `mapstructure:"SWEEP_BATCH_SIZE"`
		SweepMaxAgeMinutes int           `mapstructure:"SWEEP_MAX_AGE_MINUTES"`
		SweepInterval      time.Duration `mapstructure:"SWEEP_INTERVAL"`
		SweepRetryInterval time.Duration `mapstructure:"SWEEP_RETRY_INTERVAL"`
		SweepMinInterval   time.Duration `mapstructure:"SWEEP_MIN_INTERVAL"`
		SweepLockTTL       time.Duration `mapstructure:"SWEEP_LOCK_TTL"`
		BatchDelay         time.Duration `mapstructure:"BATCH_DELAY"`
		ArchiveRetention   time.Duration `mapstructure:"ARCHIVE_RETENTION"`
		ArchiveCron        string        `mapstructure:"ARCHIVE_CRON"`
	} `mapstructure:"RECONCILE"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "musicgen-controlplane")
	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.IDLE_TIMEOUT", 60*time.Second)
	v.SetDefault("SNOWFLAKE.NODE_ID", 1)
	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("DATABASE.SSLMODE", "disable")
	v.SetDefault("DATABASE.TIMEZONE", "UTC")
	v.SetDefault("MINIO.BUCKET_NAME", "generation-archive")
	v.SetDefault("REDIS.ADDR", "127.0.0.1:6379")
	v.SetDefault("REDIS.POOL_SIZE", 10)
	v.SetDefault("REDIS.POOL_TIMEOUT", 5*time.Second)
	v.SetDefault("PROVIDER.TIMEOUT", 30*time.Second)
	v.SetDefault("PROVIDER.RETRY_MAX", 3)
	v.SetDefault("PROVIDER.RETRY_WAIT_MIN", time.Second)
	v.SetDefault("PROVIDER.RETRY_WAIT_MAX", 10*time.Second)
	v.SetDefault("PROVIDER.STATUS_ENCODING", "numeric")
	v.SetDefault("RECONCILE.RATE_LIMIT", 60)
	v.SetDefault("RECONCILE.RATE_WINDOW", time.Minute)
	v.SetDefault("RECONCILE.MAX_ATTEMPTS", 25)
	v.SetDefault("RECONCILE.TASKS_PER_GENERATION", 2)
	v.SetDefault("RECONCILE.SWEEP_BATCH_SIZE", 20)
	v.SetDefault("RECONCILE.SWEEP_MAX_AGE_MINUTES", 120)
	v.SetDefault("RECONCILE.SWEEP_INTERVAL", 10*time.Minute)
	v.SetDefault("RECONCILE.SWEEP_RETRY_INTERVAL", 5*time.Minute)
	v.SetDefault("RECONCILE.SWEEP_MIN_INTERVAL", 5*time.Minute)
	v.SetDefault("RECONCILE.SWEEP_LOCK_TTL", 10*time.Minute)
	v.SetDefault("RECONCILE.BATCH_DELAY", 2*time.Second)
	v.SetDefault("RECONCILE.ARCHIVE_RETENTION", 30*24*time.Hour)
	v.SetDefault("RECONCILE.ARCHIVE_CRON", "@every 1h")
}

func LoadConfig(p Params) *Config {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			zap.L().Error("failed to read config file", zap.Error(err))
			os.Exit(1)
		}
		zap.L().Warn("config.yaml not found, using defaults and environment")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		zap.L().Error("failed to unmarshal config", zap.Error(err))
		os.Exit(1)
	}

	if p.Vault != nil {
		if err := overlaySecrets(context.Background(), p.Vault, &cfg); err != nil {
			zap.L().Error("failed get secret from vault", zap.Error(err))
			os.Exit(1)
		}
	}

	return &cfg
}

// overlaySecrets replaces credentials with values stored under secret/<APP_ENV>.
func overlaySecrets(ctx context.Context, client *vault.Client, cfg *Config) error {
	zap.L().Info("Starting Get Secrets", zap.String("path", cfg.AppEnv))
	secret, err := client.Secrets.KvV2Read(ctx, cfg.AppEnv, vault.WithMountPath("secret"))
	if err != nil {
		return err
	}
	zap.L().Info("Success Get Secret")

	get := func(key, fallback string) string {
		if val, ok := secret.Data.Data[key].(string); ok && val != "" {
			return val
		}
		return fallback
	}

	cfg.Database.User = get("postgres_user", cfg.Database.User)
	cfg.Database.Password = get("postgres_password", cfg.Database.Password)
	cfg.Redis.Password = get("redis_password", cfg.Redis.Password)
	cfg.Provider.APIKey = get("provider_api_key", cfg.Provider.APIKey)
	cfg.Flagsmith.ApiKey = get("flagsmith_api_key", cfg.Flagsmith.ApiKey)
	cfg.Minio.AccessKey = get("minio_access_key", cfg.Minio.AccessKey)
	cfg.Minio.SecretKey = get("minio_secret_key", cfg.Minio.SecretKey)
	return nil
}
