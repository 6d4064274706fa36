// Package config loads pitfall settings from defaults, an optional config
// file, and PITFALL_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/discochess/pitfall/internal/analysis"
	"github.com/discochess/pitfall/internal/dispatch"
	"github.com/discochess/pitfall/internal/dispatch/natsinvoker"
	"github.com/discochess/pitfall/internal/jobstore"
)

// EnvPrefix prefixes every environment override, e.g. PITFALL_ENGINE_DEPTH.
const EnvPrefix = "PITFALL"

// ErrInvalid is wrapped by Validate failures.
var ErrInvalid = errors.New("config: invalid configuration")

// Config is the complete application configuration.
type Config struct {
	Engine   EngineConfig   `mapstructure:"engine"`
	Analysis AnalysisConfig `mapstructure:"analysis"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	JobStore JobStoreConfig `mapstructure:"jobstore"`
	Cache    CacheConfig    `mapstructure:"cache"`
	AWS      AWSConfig      `mapstructure:"aws"`
	Server   ServerConfig   `mapstructure:"server"`
}

// EngineConfig describes the UCI engine process.
type EngineConfig struct {
	Path           string        `mapstructure:"path"`
	Depth          int           `mapstructure:"depth"`
	Threads        int           `mapstructure:"threads"`
	Hash           int           `mapstructure:"hash"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout"`
}

// AnalysisConfig tunes mistake detection.
type AnalysisConfig struct {
	Window    int `mapstructure:"window"`
	Threshold int `mapstructure:"threshold"`
}

// DispatchConfig selects how batches reach workers.
type DispatchConfig struct {
	Invoker        string `mapstructure:"invoker"`
	BatchSize      int    `mapstructure:"batch_size"`
	MaxParallel    int    `mapstructure:"max_parallel"`
	Concurrency    int    `mapstructure:"concurrency"`
	LocalWorkers   int    `mapstructure:"local_workers"`
	LambdaFunction string `mapstructure:"lambda_function"`
	NATSURL        string `mapstructure:"nats_url"`
	NATSSubject    string `mapstructure:"nats_subject"`
	NATSQueue      string `mapstructure:"nats_queue"`
}

// JobStoreConfig selects the job record store.
type JobStoreConfig struct {
	Driver    string        `mapstructure:"driver"`
	Table     string        `mapstructure:"table"`
	RedisURL  string        `mapstructure:"redis_url"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// CacheConfig selects the analysis cache backend.
type CacheConfig struct {
	Driver  string        `mapstructure:"driver"`
	Path    string        `mapstructure:"path"`
	Bucket  string        `mapstructure:"bucket"`
	Prefix  string        `mapstructure:"prefix"`
	Codec   string        `mapstructure:"codec"`
	LRUSize int           `mapstructure:"lru_size"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// AWSConfig is shared by the S3, DynamoDB and Lambda clients.
type AWSConfig struct {
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxGames        int           `mapstructure:"max_games"`
}

// Driver and invoker names.
const (
	DriverMemory   = "memory"
	DriverDynamoDB = "dynamodb"
	DriverRedis    = "redis"
	DriverNone     = "none"
	DriverDisk     = "disk"
	DriverS3       = "s3"
	DriverGCS      = "gcs"

	InvokerLocal  = "local"
	InvokerLambda = "lambda"
	InvokerNATS   = "nats"
)

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("engine.path", "stockfish")
	v.SetDefault("engine.depth", 15)
	v.SetDefault("engine.threads", 1)
	v.SetDefault("engine.hash", 64)
	v.SetDefault("engine.startup_timeout", 10*time.Second)

	v.SetDefault("analysis.window", analysis.DefaultWindow)
	v.SetDefault("analysis.threshold", analysis.DefaultThreshold)

	v.SetDefault("dispatch.invoker", InvokerLocal)
	v.SetDefault("dispatch.batch_size", dispatch.DefaultBatchSize)
	v.SetDefault("dispatch.max_parallel", dispatch.DefaultMaxParallel)
	v.SetDefault("dispatch.concurrency", dispatch.DefaultConcurrency)
	v.SetDefault("dispatch.local_workers", 2)
	v.SetDefault("dispatch.lambda_function", "pitfall-worker")
	v.SetDefault("dispatch.nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("dispatch.nats_subject", natsinvoker.DefaultSubject)
	v.SetDefault("dispatch.nats_queue", natsinvoker.DefaultQueue)

	v.SetDefault("jobstore.driver", DriverMemory)
	v.SetDefault("jobstore.table", "pitfall-jobs")
	v.SetDefault("jobstore.redis_url", "redis://127.0.0.1:6379/0")
	v.SetDefault("jobstore.key_prefix", "pitfall:")
	v.SetDefault("jobstore.ttl", jobstore.DefaultTTL)

	v.SetDefault("cache.driver", DriverDisk)
	v.SetDefault("cache.path", ".pitfall-cache")
	v.SetDefault("cache.codec", "zstd")
	v.SetDefault("cache.lru_size", 4096)
	v.SetDefault("cache.timeout", 5*time.Second)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.max_games", 5000)
}

// Load reads configuration into a Config. file may be empty; a named file
// that cannot be read is an error.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges and driver names.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}

	check(c.Engine.Depth > 0, "engine.depth must be positive, got %d", c.Engine.Depth)
	check(c.Analysis.Window > 0, "analysis.window must be positive, got %d", c.Analysis.Window)
	check(c.Analysis.Threshold > 0, "analysis.threshold must be positive, got %d", c.Analysis.Threshold)
	check(c.Dispatch.BatchSize > 0, "dispatch.batch_size must be positive, got %d", c.Dispatch.BatchSize)
	check(c.Dispatch.MaxParallel > 0, "dispatch.max_parallel must be positive, got %d", c.Dispatch.MaxParallel)
	check(slices.Contains([]string{InvokerLocal, InvokerLambda, InvokerNATS}, c.Dispatch.Invoker),
		"unknown dispatch.invoker %q", c.Dispatch.Invoker)
	check(slices.Contains([]string{DriverMemory, DriverDynamoDB, DriverRedis}, c.JobStore.Driver),
		"unknown jobstore.driver %q", c.JobStore.Driver)
	check(slices.Contains([]string{DriverNone, DriverMemory, DriverDisk, DriverS3, DriverGCS}, c.Cache.Driver),
		"unknown cache.driver %q", c.Cache.Driver)
	check(slices.Contains([]string{"zstd", "gzip", "none"}, c.Cache.Codec),
		"unknown cache.codec %q", c.Cache.Codec)
	if c.Cache.Driver == DriverS3 || c.Cache.Driver == DriverGCS {
		check(c.Cache.Bucket != "", "cache.bucket is required for the %s driver", c.Cache.Driver)
	}

	return errors.Join(errs...)
}
