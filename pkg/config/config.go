package config

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	_ "github.com/spf13/viper/remote"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	backend     = "consul"
	backendAddr = "127.0.0.1:8500"
	backendPath = "development" // e.g., app/<env>/<service_name>
	configType  = "yaml"
)

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	NodeID     int64  `mapstructure:"NODE_ID"`
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
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
		AllowOrigins []string      `mapstructure:"ALLOW_ORIGINS"`
	} `mapstructure:"HTTP_SERVER"`
	Grpc struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"GRPC_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		AutoMigrate    bool   `mapstructure:"AUTO_MIGRATE"`
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
	Consul struct {
		Addr        string `mapstructure:"ADDR"`
		ServiceHost string `mapstructure:"SERVICE_HOST"`
	} `mapstructure:"CONSUL"`
	Worker struct {
		Concurrency int `mapstructure:"CONCURRENCY"`
	} `mapstructure:"WORKER"`
	Flagsmith struct {
		Addr   string `mapstructure:"ADDR"`
		ApiKey string `mapstructure:"API_KEY"`
	} `mapstructure:"FLAGSMITH"`
	Gate    Gate    `mapstructure:"GATE"`
	Rewards Rewards `mapstructure:"REWARDS"`
}

// Gate tunes the ad-watch gating rules.
type Gate struct {
	MinWatch          time.Duration `mapstructure:"MIN_WATCH"`
	CASRetries        int           `mapstructure:"CAS_RETRIES"`
	CatalogCacheTTL   time.Duration `mapstructure:"CATALOG_CACHE_TTL"`
	ReconcileInterval time.Duration `mapstructure:"RECONCILE_INTERVAL"`
}

// Rewards tunes the referral economy and the prices of gating relief.
type Rewards struct {
	Secret                    string        `mapstructure:"SECRET"`
	CodeLength                int           `mapstructure:"CODE_LENGTH"`
	CoinsPerReferral          int64         `mapstructure:"COINS_PER_REFERRAL"`
	ReferralsPerBonusUnlock   int64         `mapstructure:"REFERRALS_PER_BONUS_UNLOCK"`
	PriorityReferralThreshold int64         `mapstructure:"PRIORITY_REFERRAL_THRESHOLD"`
	PriorityDuration          time.Duration `mapstructure:"PRIORITY_DURATION"`
	PriorityAdsRequired       int           `mapstructure:"PRIORITY_ADS_REQUIRED"`
	ValidityRule              string        `mapstructure:"VALIDITY_RULE"`
	MaxTrackedInterval        time.Duration `mapstructure:"MAX_TRACKED_INTERVAL"`
	FullUnlockCoinCost        int64         `mapstructure:"FULL_UNLOCK_COIN_COST"`
	SkipAdCoinCost            int64         `mapstructure:"SKIP_AD_COIN_COST"`
	PendingSpendTTL           time.Duration `mapstructure:"PENDING_SPEND_TTL"`
}

// Default returns a Config populated only with defaults.
func Default() *Config {
	var cfg Config
	cfg.AppEnv = "development"
	cfg.AppName = "adgate"
	cfg.NodeID = 1
	cfg.Server.Addr = "8080"
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 15 * time.Second
	cfg.Server.IdleTimeout = 60 * time.Second
	cfg.Grpc.Addr = "9090"
	cfg.Database.Type = "postgres"
	cfg.Database.Port = "5432"
	cfg.Database.SSLMode = "disable"
	cfg.Database.Timezone = "UTC"
	cfg.Database.AutoMigrate = true
	cfg.Redis.Addr = "127.0.0.1:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.PoolTimeout = 5 * time.Second
	cfg.Worker.Concurrency = 10
	cfg.Gate = Gate{
		MinWatch:          5 * time.Second,
		CASRetries:        3,
		CatalogCacheTTL:   time.Minute,
		ReconcileInterval: 5 * time.Minute,
	}
	cfg.Rewards = Rewards{
		CodeLength:                8,
		CoinsPerReferral:          10,
		ReferralsPerBonusUnlock:   3,
		PriorityReferralThreshold: 10,
		PriorityDuration:          30 * 24 * time.Hour,
		PriorityAdsRequired:       1,
		ValidityRule:              "time_tracked_seconds >= 180 || unlocks_completed >= 1",
		MaxTrackedInterval:        30 * time.Minute,
		FullUnlockCoinCost:        50,
		SkipAdCoinCost:            10,
		PendingSpendTTL:           5 * time.Minute,
	}
	return &cfg
}

var (
	Module       = fx.Module("config", fx.Provide(LoadConfig))
	RemoteModule = fx.Module("remote.config", fx.Provide(LoadRemote))
)

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only resolves keys viper already knows about.
	defaults := map[string]any{}
	flatten("", Default(), defaults)
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	return v
}

// LoadConfig reads .env, ./config.yaml and the environment, then overlays Vault secrets.
func LoadConfig(p Params) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		zap.L().Warn("failed to load .env", zap.Error(err))
	}

	v := newViper()
	v.SetConfigName("config")
	v.SetConfigType(configType)
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		zap.L().Info("config.yaml not found, using environment only")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if p.Vault != nil {
		if err := applySecrets(context.Background(), p.Vault, &cfg); err != nil {
			return nil, err
		}
	}

	return &cfg, nil
}

var configHolder atomic.Value

// Current returns the latest remote config snapshot, or nil before LoadRemote ran.
func Current() *Config {
	cfg, _ := configHolder.Load().(*Config)
	return cfg
}

func LoadRemote(lc fx.Lifecycle, p Params) (*Config, error) {
	if v, ok := os.LookupEnv("REMOTE_CONFIG_PROVIDER"); ok {
		backend = v
	}
	if v, ok := os.LookupEnv("REMOTE_CONFIG_ADDR"); ok {
		backendAddr = v
	}
	if v, ok := os.LookupEnv("REMOTE_CONFIG_PATH"); ok {
		backendPath = v
	}

	v := newViper()
	v.SetConfigType(configType)
	if err := v.AddRemoteProvider(backend, backendAddr, backendPath); err != nil {
		return nil, err
	}
	if err := v.ReadRemoteConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if p.Vault != nil {
		if err := applySecrets(context.Background(), p.Vault, &cfg); err != nil {
			return nil, err
		}
	}
	configHolder.Store(&cfg)

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go watchRemote(ctx, v, p.Vault)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})

	return &cfg, nil
}

func watchRemote(ctx context.Context, v *viper.Viper, client *vault.Client) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := v.WatchRemoteConfig(); err != nil {
			zap.L().Error("unable to read remote config", zap.Error(err))
			continue
		}

		var next Config
		if err := v.Unmarshal(&next); err != nil {
			zap.L().Error("unable to decode remote config", zap.Error(err))
			continue
		}
		if client != nil {
			if err := applySecrets(ctx, client, &next); err != nil {
				zap.L().Error("unable to refresh secrets", zap.Error(err))
				continue
			}
		}
		configHolder.Store(&next)
	}
}

func applySecrets(ctx context.Context, client *vault.Client, cfg *Config) error {
	zap.L().Info("Starting Get Secrets", zap.String("path", cfg.AppEnv))
	secret, err := client.Secrets.KvV2Read(ctx, cfg.AppEnv, vault.WithMountPath("secret"))
	if err != nil {
		zap.L().Error("failed get secret from vault", zap.Error(err))
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
	cfg.Flagsmith.ApiKey = get("flagsmith_api_key", cfg.Flagsmith.ApiKey)
	cfg.Rewards.Secret = get("referral_secret", cfg.Rewards.Secret)
	return nil
}
