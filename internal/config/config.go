// Package config loads service configuration from the environment, with an
// optional YAML file underneath it.
package config

import (
    "errors"
    "fmt"
    "strings"
    "time"

    "github.com/spf13/viper"

    "github.com/example/shard-ledger/internal/resilience"
)

// FileEnv names the variable that points at an optional YAML config file.
// Environment variables override values from the file.
const FileEnv = "SHARDLEDGER_CONFIG"

// Config holds the application configuration.
type Config struct {
    Environment string
    LogLevel    string

    HTTPAddr string
    GRPCAddr string

    ShardCount int
    ShardDSNs  []string
    TxLogDSN   string
    RedisAddr  string

    JWTSecret      string
    JWTIssuer      string
    AdminAllowlist []string

    RateLimitCapacity int
    RateLimitRefill   float64

    RouteCacheTTL     time.Duration
    TxDeadline        time.Duration
    TxPrepareTimeout  time.Duration
    TxRetention       time.Duration
    SweepInterval     time.Duration
    EventStream       string
    MaxTransferAmount int64

    TLSCertFile string
    TLSKeyFile  string
    TLSCAFile   string
}

func defaults(v *viper.Viper) {
    v.SetDefault("app_env", "development")
    v.SetDefault("log_level", "info")
    v.SetDefault("http_addr", ":8080")
    v.SetDefault("grpc_addr", ":9090")
    v.SetDefault("shard_count", 4)
    v.SetDefault("jwt_issuer", "shard-ledger")
    v.SetDefault("rate_limit_capacity", 100)
    v.SetDefault("rate_limit_refill", 50.0)
    v.SetDefault("route_cache_ttl", time.Hour)
    v.SetDefault("tx_deadline", 5*time.Minute)
    v.SetDefault("tx_prepare_timeout", 30*time.Second)
    v.SetDefault("tx_retention", 24*time.Hour)
    v.SetDefault("sweep_interval", 10*time.Second)
    v.SetDefault("event_stream", "payment_events")
}

// Load reads defaults, then the file named by SHARDLEDGER_CONFIG if set,
// then environment variables, and validates the result.
func Load() (*Config, error) {
    v := viper.New()
    defaults(v)
    v.AutomaticEnv()

    if path := v.GetString(strings.ToLower(FileEnv)); path != "" {
        v.SetConfigFile(path)
        if err := v.ReadInConfig(); err != nil {
            return nil, fmt.Errorf("read %s: %w", path, err)
        }
    }

    cfg := &Config{
        Environment:       v.GetString("app_env"),
        LogLevel:          v.GetString("log_level"),
        HTTPAddr:          v.GetString("http_addr"),
        GRPCAddr:          v.GetString("grpc_addr"),
        ShardCount:        v.GetInt("shard_count"),
        ShardDSNs:         list(v, "shard_dsns"),
        TxLogDSN:          v.GetString("txlog_dsn"),
        RedisAddr:         v.GetString("redis_addr"),
        JWTSecret:         v.GetString("jwt_secret"),
        JWTIssuer:         v.GetString("jwt_issuer"),
        AdminAllowlist:    list(v, "admin_allowlist"),
        RateLimitCapacity: v.GetInt("rate_limit_capacity"),
        RateLimitRefill:   v.GetFloat64("rate_limit_refill"),
        RouteCacheTTL:     v.GetDuration("route_cache_ttl"),
        TxDeadline:        v.GetDuration("tx_deadline"),
        TxPrepareTimeout:  v.GetDuration("tx_prepare_timeout"),
        TxRetention:       v.GetDuration("tx_retention"),
        SweepInterval:     v.GetDuration("sweep_interval"),
        EventStream:       v.GetString("event_stream"),
        MaxTransferAmount: v.GetInt64("max_transfer_amount"),
        TLSCertFile:       v.GetString("tls_cert_file"),
        TLSKeyFile:        v.GetString("tls_key_file"),
        TLSCAFile:         v.GetString("tls_ca_file"),
    }

    if err := cfg.Validate(); err != nil {
        return nil, err
    }
    return cfg, nil
}

// list accepts either a YAML sequence or a comma separated string.
func list(v *viper.Viper, key string) []string {
    raw, ok := v.Get(key).(string)
    if !ok {
        return v.GetStringSlice(key)
    }
    var out []string
    for _, s := range strings.Split(raw, ",") {
        if s = strings.TrimSpace(s); s != "" {
            out = append(out, s)
        }
    }
    return out
}

// Production reports whether strict settings apply.
func (c *Config) Production() bool {
    return c.Environment == "production" || c.Environment == "staging"
}

// MinTxDeadline is the shortest TX_DEADLINE the coordinator can run with.
func (c *Config) MinTxDeadline() time.Duration {
    return c.TxPrepareTimeout + resilience.ShardProfile().Budget()
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
    var missing []string

    if len(c.ShardDSNs) == 0 {
        missing = append(missing, "SHARD_DSNS")
    }
    if c.TxLogDSN == "" {
        missing = append(missing, "TXLOG_DSN")
    }
    if c.JWTSecret == "" {
        missing = append(missing, "JWT_SECRET")
    }
    if c.Production() && c.RedisAddr == "" {
        missing = append(missing, "REDIS_ADDR")
    }
    if len(missing) > 0 {
        return errors.New("missing required environment variables: " + strings.Join(missing, ", "))
    }

    if c.ShardCount <= 0 {
        return errors.New("SHARD_COUNT must be positive")
    }
    if len(c.ShardDSNs) != c.ShardCount {
        return fmt.Errorf("SHARD_DSNS lists %d shards but SHARD_COUNT is %d", len(c.ShardDSNs), c.ShardCount)
    }
    if c.TxDeadline <= 0 || c.TxPrepareTimeout <= 0 || c.SweepInterval <= 0 {
        return errors.New("TX_DEADLINE, TX_PREPARE_TIMEOUT and SWEEP_INTERVAL must be positive")
    }
    // The sweeper must not expire a transfer whose owner can still be
    // preparing or retrying a shard call.
    if floor := c.MinTxDeadline(); c.TxDeadline < floor {
        return fmt.Errorf("TX_DEADLINE %s is below %s (TX_PREPARE_TIMEOUT plus the shard retry budget)", c.TxDeadline, floor)
    }
    if c.MaxTransferAmount < 0 {
        return errors.New("MAX_TRANSFER_AMOUNT must not be negative")
    }

    if c.Production() {
        if len(c.JWTSecret) < 32 {
            return errors.New("JWT_SECRET must be at least 32 bytes in " + c.Environment)
        }
        if c.TLSCertFile == "" || c.TLSKeyFile == "" {
            return errors.New("TLS_CERT_FILE and TLS_KEY_FILE are required in " + c.Environment)
        }
    }
    return nil
}
