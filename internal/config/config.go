// Package config loads poolsync settings from flags, POOLSYNC_ environment
// variables and an optional config file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"poolsync/internal/model"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StorePostgres = "postgres"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	RPCURL   string
	WSURL    string
	Contract string
	ChainID  uint64
	Tiers    model.TierTable

	PollInterval  time.Duration
	MaxBlockSpan  uint64
	SweepLimit    uint64
	SweepTimeout  time.Duration
	Lookback      uint64
	Confirmations uint64

	MaxRetries      int
	RetryBackoff    time.Duration
	RetryMaxBackoff time.Duration

	Store      string
	StorePath  string
	PGDSN      string
	CursorName string

	MetricsAddr string
	AuditLog    string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	LeaseKey      string
	LeaseOwner    string
	LeaseTTL      time.Duration

	LogLevel string
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("POOLSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("rpc-url", "")
	v.SetDefault("ws-url", "")
	v.SetDefault("contract", "")
	v.SetDefault("chain-id", uint64(0))
	v.SetDefault("tiers", "")
	v.SetDefault("poll-interval", 15*time.Second)
	v.SetDefault("max-block-span", uint64(2000))
	v.SetDefault("sweep-limit", uint64(50000))
	v.SetDefault("sweep-timeout", 2*time.Minute)
	v.SetDefault("lookback", uint64(5000))
	v.SetDefault("confirmations", uint64(3))
	v.SetDefault("max-retries", 5)
	v.SetDefault("retry-backoff", 500*time.Millisecond)
	v.SetDefault("retry-max-backoff", 30*time.Second)
	v.SetDefault("store", StoreFile)
	v.SetDefault("store-path", "./data/poolsync.json")
	v.SetDefault("pg-dsn", "")
	v.SetDefault("cursor-name", "pool")
	v.SetDefault("metrics-addr", ":9102")
	v.SetDefault("audit-log", "")
	v.SetDefault("redis-addr", "")
	v.SetDefault("redis-password", "")
	v.SetDefault("redis-db", 0)
	v.SetDefault("lease-key", "poolsync:lease")
	v.SetDefault("lease-owner", "")
	v.SetDefault("lease-ttl", 15*time.Second)
	v.SetDefault("log-level", "info")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("poolsync")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	tiers, err := parseTiers(getStringMap(v, "tiers"))
	if err != nil {
		return Config{}, &model.ConfigurationError{Reason: "tiers", Err: err}
	}

	cfg := Config{
		RPCURL:          v.GetString("rpc-url"),
		WSURL:           v.GetString("ws-url"),
		Contract:        strings.TrimSpace(v.GetString("contract")),
		ChainID:         v.GetUint64("chain-id"),
		Tiers:           tiers,
		PollInterval:    v.GetDuration("poll-interval"),
		MaxBlockSpan:    v.GetUint64("max-block-span"),
		SweepLimit:      v.GetUint64("sweep-limit"),
		SweepTimeout:    v.GetDuration("sweep-timeout"),
		Lookback:        v.GetUint64("lookback"),
		Confirmations:   v.GetUint64("confirmations"),
		MaxRetries:      v.GetInt("max-retries"),
		RetryBackoff:    v.GetDuration("retry-backoff"),
		RetryMaxBackoff: v.GetDuration("retry-max-backoff"),
		Store:           strings.ToLower(v.GetString("store")),
		StorePath:       v.GetString("store-path"),
		PGDSN:           v.GetString("pg-dsn"),
		CursorName:      v.GetString("cursor-name"),
		MetricsAddr:     v.GetString("metrics-addr"),
		AuditLog:        v.GetString("audit-log"),
		RedisAddr:       v.GetString("redis-addr"),
		RedisPassword:   v.GetString("redis-password"),
		RedisDB:         v.GetInt("redis-db"),
		LeaseKey:        v.GetString("lease-key"),
		LeaseOwner:      v.GetString("lease-owner"),
		LeaseTTL:        v.GetDuration("lease-ttl"),
		LogLevel:        v.GetString("log-level"),
	}
	if cfg.LeaseOwner == "" {
		host, _ := os.Hostname()
		cfg.LeaseOwner = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	return cfg, nil
}

// ContractAddress parses the configured pool contract address.
func (c Config) ContractAddress() (common.Address, error) {
	if !common.IsHexAddress(c.Contract) {
		return common.Address{}, &model.ConfigurationError{Reason: fmt.Sprintf("invalid contract address %q", c.Contract)}
	}
	return common.HexToAddress(c.Contract), nil
}

// ValidateLedger checks the settings needed to talk to the chain.
func (c Config) ValidateLedger() error {
	if c.RPCURL == "" {
		return &model.ConfigurationError{Reason: "rpc-url is required"}
	}
	if _, err := c.ContractAddress(); err != nil {
		return err
	}
	return nil
}

// ValidateStore checks the store backend settings.
func (c Config) ValidateStore() error {
	switch c.Store {
	case StoreMemory:
	case StoreFile:
		if c.StorePath == "" {
			return &model.ConfigurationError{Reason: "store-path is required for the file store"}
		}
	case StorePostgres:
		if c.PGDSN == "" {
			return &model.ConfigurationError{Reason: "pg-dsn is required for the postgres store"}
		}
	default:
		return &model.ConfigurationError{Reason: fmt.Sprintf("unknown store %q", c.Store)}
	}
	return nil
}

// Validate checks everything the sync engine needs.
func (c Config) Validate() error {
	if err := c.ValidateLedger(); err != nil {
		return err
	}
	if err := c.ValidateStore(); err != nil {
		return err
	}
	switch {
	case c.PollInterval <= 0:
		return &model.ConfigurationError{Reason: "poll-interval must be positive"}
	case c.MaxBlockSpan == 0:
		return &model.ConfigurationError{Reason: "max-block-span must be greater than zero"}
	case c.SweepTimeout <= 0:
		return &model.ConfigurationError{Reason: "sweep-timeout must be positive"}
	case c.MaxRetries < 0:
		return &model.ConfigurationError{Reason: "max-retries must not be negative"}
	case c.RedisAddr != "" && c.LeaseKey != "" && c.LeaseTTL < time.Second:
		return &model.ConfigurationError{Reason: "lease-ttl must be at least one second"}
	}
	return nil
}

// parseTiers overlays amounts keyed by tier number on the default table.
func parseTiers(raw map[string]string) (model.TierTable, error) {
	tiers := model.DefaultTiers()
	for key, value := range raw {
		n, err := strconv.ParseUint(strings.TrimSpace(key), 10, 8)
		if err != nil || n == 0 || n > uint64(model.TierThree) {
			return nil, fmt.Errorf("invalid tier %q", key)
		}
		amount, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
		if err != nil || amount == 0 {
			return nil, fmt.Errorf("invalid amount %q for tier %s", value, key)
		}
		tiers[model.Tier(n)] = amount
	}
	return tiers, nil
}

func getStringMap(v *viper.Viper, key string) map[string]string {
	if !v.IsSet(key) {
		return map[string]string{}
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case map[string]string:
		return typed
	case map[string]interface{}:
		out := make(map[string]string, len(typed))
		for k, v := range typed {
			out[k] = fmt.Sprintf("%v", v)
		}
		return out
	case string:
		return parseStringMap(typed)
	default:
		return map[string]string{}
	}
}

func parseStringMap(input string) map[string]string {
	out := make(map[string]string)
	if strings.TrimSpace(input) == "" {
		return out
	}
	for _, pair := range strings.Split(input, ",") {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" || value == "" {
			continue
		}
		out[key] = value
	}
	return out
}
