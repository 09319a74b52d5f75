// Package config holds the warplockd server configuration. Values come from
// command line flags, WARPLOCK_* environment variables and an optional
// config file, in that order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mirkobrombin/warplock/v1/logging"
)

const (
	DefaultListen          = ":6388"
	DefaultMaxConnections  = 10000
	DefaultReadTimeout     = 0
	DefaultWriteTimeout    = 10 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultMaxLineBytes    = 64 * 1024
	DefaultNotifyWorkers   = 4
	DefaultLogLevel        = "info"
	DefaultMirrorBackend   = MirrorNone
	DefaultMirrorTopic     = "warplock"
	DefaultMirrorQueue     = 1024
	DefaultBreakerFailures = 5
	DefaultBreakerTimeout  = 30 * time.Second

	// EnvPrefix prefixes every environment variable.
	EnvPrefix = "WARPLOCK"
)

// Mirror backends.
const (
	MirrorNone   = "none"
	MirrorMemory = "memory"
	MirrorRedis  = "redis"
	MirrorNATS   = "nats"
	MirrorKafka  = "kafka"
)

// Config captures the tunables for a warplockd process.
type Config struct {
	Listen      string
	WSListen    string
	AdminListen string

	MaxConnections  int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	MaxLineBytes    int

	NotifyWorkers      int
	LegacyRetryNewline bool

	LogLevel       string
	LogDevelopment bool
	TraceStdout    bool

	MirrorBackend          string
	MirrorRedisAddr        string
	MirrorNATSURL          string
	MirrorKafkaBrokers     []string
	MirrorTopic            string
	MirrorQueue            int
	MirrorBreakerThreshold int
	MirrorBreakerTimeout   time.Duration
}

// Default returns a Config populated with defaults.
func Default() Config {
	return Config{
		Listen:                 DefaultListen,
		MaxConnections:         DefaultMaxConnections,
		ReadTimeout:            DefaultReadTimeout,
		WriteTimeout:           DefaultWriteTimeout,
		ShutdownTimeout:        DefaultShutdownTimeout,
		MaxLineBytes:           DefaultMaxLineBytes,
		NotifyWorkers:          DefaultNotifyWorkers,
		LogLevel:               DefaultLogLevel,
		MirrorBackend:          DefaultMirrorBackend,
		MirrorTopic:            DefaultMirrorTopic,
		MirrorQueue:            DefaultMirrorQueue,
		MirrorBreakerThreshold: DefaultBreakerFailures,
		MirrorBreakerTimeout:   DefaultBreakerTimeout,
	}
}

// Validate fills zero values with defaults and rejects inconsistent
// settings.
func (c *Config) Validate() error {
	c.Listen = strings.TrimSpace(c.Listen)
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	c.WSListen = strings.TrimSpace(c.WSListen)
	c.AdminListen = strings.TrimSpace(c.AdminListen)

	if c.MaxConnections < 0 {
		return fmt.Errorf("config: max-connections must be >= 0")
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 {
		return fmt.Errorf("config: timeouts must be >= 0")
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = DefaultMaxLineBytes
	}
	if c.MaxLineBytes < 64 {
		return fmt.Errorf("config: max-line-bytes must be at least 64")
	}
	if c.NotifyWorkers <= 0 {
		c.NotifyWorkers = DefaultNotifyWorkers
	}

	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	c.MirrorBackend = strings.ToLower(strings.TrimSpace(c.MirrorBackend))
	if c.MirrorBackend == "" {
		c.MirrorBackend = DefaultMirrorBackend
	}
	switch c.MirrorBackend {
	case MirrorNone, MirrorMemory:
	case MirrorRedis:
		if c.MirrorRedisAddr == "" {
			return fmt.Errorf("config: mirror-redis-addr is required for the redis mirror")
		}
	case MirrorNATS:
		if c.MirrorNATSURL == "" {
			return fmt.Errorf("config: mirror-nats-url is required for the nats mirror")
		}
	case MirrorKafka:
		brokers := c.MirrorKafkaBrokers[:0]
		for _, b := range c.MirrorKafkaBrokers {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		c.MirrorKafkaBrokers = brokers
		if len(brokers) == 0 {
			return fmt.Errorf("config: mirror-kafka-brokers is required for the kafka mirror")
		}
	default:
		return fmt.Errorf("config: unknown mirror backend %q (expected none, memory, redis, nats or kafka)", c.MirrorBackend)
	}
	if c.MirrorTopic == "" {
		c.MirrorTopic = DefaultMirrorTopic
	}
	if c.MirrorQueue <= 0 {
		c.MirrorQueue = DefaultMirrorQueue
	}
	if c.MirrorBreakerThreshold <= 0 {
		c.MirrorBreakerThreshold = DefaultBreakerFailures
	}
	if c.MirrorBreakerTimeout <= 0 {
		c.MirrorBreakerTimeout = DefaultBreakerTimeout
	}
	return nil
}

// RegisterFlags adds every configuration flag to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("config", "", "path to a YAML, TOML or JSON config file")
	fs.String("listen", d.Listen, "TCP listen address for the text protocol")
	fs.String("ws-listen", "", "listen address for the WebSocket gateway (empty disables)")
	fs.String("admin-listen", "", "listen address for /metrics, /healthz and /debug/keys (empty disables)")
	fs.Int("max-connections", d.MaxConnections, "maximum concurrent client connections (0 = unlimited)")
	fs.Duration("read-timeout", d.ReadTimeout, "idle read timeout per connection (0 = none)")
	fs.Duration("write-timeout", d.WriteTimeout, "write deadline per reply or notification (0 = none)")
	fs.Duration("shutdown-timeout", d.ShutdownTimeout, "graceful shutdown budget")
	fs.Int("max-line-bytes", d.MaxLineBytes, "maximum command line length")
	fs.Int("notify-workers", d.NotifyWorkers, "number of notification delivery workers")
	fs.Bool("legacy-retry-newline", false, "terminate RETRY_LATER with a bare newline")
	fs.String("log-level", d.LogLevel, "log level (debug, info, warn, error)")
	fs.Bool("log-development", false, "human readable development logging")
	fs.Bool("trace-stdout", false, "export trace spans to stdout")
	fs.String("mirror-backend", d.MirrorBackend, "event mirror backend (none, memory, redis, nats, kafka)")
	fs.String("mirror-redis-addr", "", "redis address for the redis mirror")
	fs.String("mirror-nats-url", "", "NATS URL for the nats mirror")
	fs.StringSlice("mirror-kafka-brokers", nil, "kafka brokers for the kafka mirror")
	fs.String("mirror-topic", d.MirrorTopic, "topic, channel prefix or subject prefix for mirrored events")
	fs.Int("mirror-queue", d.MirrorQueue, "mirror queue length before events are dropped")
	fs.Int("mirror-breaker-threshold", d.MirrorBreakerThreshold, "consecutive mirror failures that open the circuit")
	fs.Duration("mirror-breaker-timeout", d.MirrorBreakerTimeout, "time the mirror circuit stays open")
}

// BindViper binds every flag in fs to v and enables WARPLOCK_* environment
// overrides.
func BindViper(v *viper.Viper, fs *pflag.FlagSet) error {
	var bindErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if bindErr != nil {
			return
		}
		if err := v.BindPFlag(f.Name, f); err != nil {
			bindErr = fmt.Errorf("bind flag %s: %w", f.Name, err)
		}
	})
	if bindErr != nil {
		return bindErr
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return nil
}

// Load reads the optional config file and builds a validated Config from v.
func Load(v *viper.Viper) (Config, error) {
	if path := strings.TrimSpace(v.GetString("config")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	cfg := Config{
		Listen:                 v.GetString("listen"),
		WSListen:               v.GetString("ws-listen"),
		AdminListen:            v.GetString("admin-listen"),
		MaxConnections:         v.GetInt("max-connections"),
		ReadTimeout:            v.GetDuration("read-timeout"),
		WriteTimeout:           v.GetDuration("write-timeout"),
		ShutdownTimeout:        v.GetDuration("shutdown-timeout"),
		MaxLineBytes:           v.GetInt("max-line-bytes"),
		NotifyWorkers:          v.GetInt("notify-workers"),
		LegacyRetryNewline:     v.GetBool("legacy-retry-newline"),
		LogLevel:               v.GetString("log-level"),
		LogDevelopment:         v.GetBool("log-development"),
		TraceStdout:            v.GetBool("trace-stdout"),
		MirrorBackend:          v.GetString("mirror-backend"),
		MirrorRedisAddr:        v.GetString("mirror-redis-addr"),
		MirrorNATSURL:          v.GetString("mirror-nats-url"),
		MirrorKafkaBrokers:     v.GetStringSlice("mirror-kafka-brokers"),
		MirrorTopic:            v.GetString("mirror-topic"),
		MirrorQueue:            v.GetInt("mirror-queue"),
		MirrorBreakerThreshold: v.GetInt("mirror-breaker-threshold"),
		MirrorBreakerTimeout:   v.GetDuration("mirror-breaker-timeout"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
