package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "POS"

type Config struct {
	DataDir              string
	Host                 string
	Port                 int
	AllowedOrigin        string
	LogLevel             string
	Environment          string
	SyncInterval         time.Duration
	HTTPTimeout          time.Duration
	PullTransactionLimit int
	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	SnapshotCacheTTL     time.Duration
	SessionTTL           time.Duration
	BackOfficeURL        string
	BackOfficeAPIKey     string
}

// Defaults registers every key on v, so env lookups work even for keys no flag binds.
func Defaults(v *viper.Viper) {
	v.SetDefault("data-dir", "./data")
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 3000)
	v.SetDefault("allowed-origin", "*")
	v.SetDefault("log-level", "info")
	v.SetDefault("environment", "production")
	v.SetDefault("sync-interval", 10*time.Second)
	v.SetDefault("http-timeout", 15*time.Second)
	v.SetDefault("pull-transaction-limit", 200)
	v.SetDefault("redis-addr", "")
	v.SetDefault("redis-password", "")
	v.SetDefault("redis-db", 0)
	v.SetDefault("snapshot-cache-ttl", 30*time.Second)
	v.SetDefault("session-ttl", 12*time.Hour)
	v.SetDefault("back-office-url", "")
	v.SetDefault("back-office-api-key", "")
}

// NewViper returns a viper reading POS_* variables, with .env loaded first when present.
func NewViper() *viper.Viper {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	Defaults(v)
	return v
}

func Load(v *viper.Viper) Config {
	cfg := Config{
		DataDir:              strings.TrimSpace(v.GetString("data-dir")),
		Host:                 v.GetString("host"),
		Port:                 v.GetInt("port"),
		AllowedOrigin:        v.GetString("allowed-origin"),
		LogLevel:             v.GetString("log-level"),
		Environment:          v.GetString("environment"),
		SyncInterval:         v.GetDuration("sync-interval"),
		HTTPTimeout:          v.GetDuration("http-timeout"),
		PullTransactionLimit: v.GetInt("pull-transaction-limit"),
		RedisAddr:            strings.TrimSpace(v.GetString("redis-addr")),
		RedisPassword:        v.GetString("redis-password"),
		RedisDB:              v.GetInt("redis-db"),
		SnapshotCacheTTL:     v.GetDuration("snapshot-cache-ttl"),
		SessionTTL:           v.GetDuration("session-ttl"),
		BackOfficeURL:        strings.TrimSpace(v.GetString("back-office-url")),
		BackOfficeAPIKey:     strings.TrimSpace(v.GetString("back-office-api-key")),
	}

	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 15 * time.Second
	}
	if cfg.PullTransactionLimit < 1 {
		cfg.PullTransactionLimit = 200
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 12 * time.Hour
	}
	return cfg
}

func (c Config) Address() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}
