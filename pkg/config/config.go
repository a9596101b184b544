package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/stackflow/stackflow/pkg/definitions"
	"github.com/stackflow/stackflow/pkg/policy"
	"github.com/stackflow/stackflow/pkg/poll"
	"github.com/stackflow/stackflow/pkg/retry"
	"github.com/stackflow/stackflow/pkg/telemetry"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Notification sinks.
const (
	SinkLog  = "log"
	SinkNATS = "nats"
)

const envPrefix = "STACKFLOW_"

// Config is the configuration of a StackFlow server.
type Config struct {
	Store         StoreConfig         `yaml:"store"`
	Engine        EngineConfig        `yaml:"engine"`
	Poll          PollConfig          `yaml:"poll"`
	Lookup        retry.Policy        `yaml:"lookup"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Features      FeaturesConfig      `yaml:"features"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Policies      PoliciesConfig      `yaml:"policies"`
	Telemetry     telemetry.Config    `yaml:"telemetry"`
}

// StoreConfig selects and configures the instance store.
type StoreConfig struct {
	Driver string      `yaml:"driver" validate:"required,oneof=memory sqlite redis"`
	SQLite SQLiteStore `yaml:"sqlite"`
	Redis  RedisStore  `yaml:"redis"`
}

// SQLiteStore configures the SQLite driver.
type SQLiteStore struct {
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns" validate:"gte=0"`
}

// RedisStore configures the Redis driver.
type RedisStore struct {
	Addrs     []string `yaml:"addrs"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db" validate:"gte=0"`
	Namespace string   `yaml:"namespace"`
}

// EngineConfig configures the worker pool and the watchdog.
type EngineConfig struct {
	Workers   int  `yaml:"workers" validate:"gte=1"`
	QueueSize int  `yaml:"queue_size" validate:"gte=1"`
	Strict    bool `yaml:"strict"`
	// StallCeiling is how long an active instance may go without a
	// transition before the watchdog reports it.
	StallCeiling     time.Duration `yaml:"stall_ceiling" validate:"gt=0"`
	WatchdogInterval time.Duration `yaml:"watchdog_interval" validate:"gt=0"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// PollConfig is the default polling behaviour of flow actions.
type PollConfig struct {
	Interval poll.IntervalPolicy `yaml:"interval"`
	Timeout  time.Duration       `yaml:"timeout" validate:"gt=0"`
}

// NotificationsConfig configures where history entries are forwarded.
type NotificationsConfig struct {
	Sink             string        `yaml:"sink" validate:"oneof=log nats"`
	NATSURL          string        `yaml:"nats_url"`
	SubjectPrefix    string        `yaml:"subject_prefix"`
	ProgressInterval time.Duration `yaml:"progress_interval" validate:"gte=0"`
	Delivery         retry.Policy  `yaml:"delivery"`
}

// FeaturesConfig points at the entitlements file.
type FeaturesConfig struct {
	File     string        `yaml:"file"`
	CacheTTL time.Duration `yaml:"cache_ttl" validate:"gte=0"`
	Watch    bool          `yaml:"watch"`
}

// DefinitionsConfig points at additional CUE flow definitions.
type DefinitionsConfig struct {
	Dir           string        `yaml:"dir"`
	ScriptTimeout time.Duration `yaml:"script_timeout" validate:"gte=0"`
}

// PoliciesConfig configures admission policies.
type PoliciesConfig struct {
	Dir    string        `yaml:"dir"`
	Watch  bool          `yaml:"watch"`
	Params policy.Params `yaml:"params"`
}

// DefaultConfig returns a configuration that runs everything in memory.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Driver: DriverMemory,
			SQLite: SQLiteStore{Path: "stackflow.db"},
			Redis:  RedisStore{Addrs: []string{"localhost:6379"}, Namespace: "stackflow"},
		},
		Engine: EngineConfig{
			Workers:          8,
			QueueSize:        256,
			StallCeiling:     time.Hour,
			WatchdogInterval: time.Minute,
			ShutdownTimeout:  30 * time.Second,
		},
		Poll: PollConfig{
			Interval: poll.ExponentialInterval(5*time.Second, time.Minute),
			Timeout:  30 * time.Minute,
		},
		Lookup: retry.DefaultPolicy(),
		Notifications: NotificationsConfig{
			Sink:             SinkLog,
			NATSURL:          "nats://localhost:4222",
			SubjectPrefix:    "stackflow.history",
			ProgressInterval: 30 * time.Second,
			Delivery:         retry.Policy{MaxAttempts: 3, Delay: time.Second, All: true},
		},
		Features: FeaturesConfig{
			CacheTTL: time.Minute,
		},
		Definitions: DefinitionsConfig{
			ScriptTimeout: definitions.DefaultScriptTimeout,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads a YAML configuration file on top of the defaults and applies
// STACKFLOW_* environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv overrides values from STACKFLOW_* environment variables.
func (c *Config) LoadFromEnv() error {
	setString(&c.Store.Driver, "STORE_DRIVER")
	setString(&c.Store.SQLite.Path, "SQLITE_PATH")
	if addrs, ok := lookup("REDIS_ADDRS"); ok {
		c.Store.Redis.Addrs = splitList(addrs)
	}
	setString(&c.Store.Redis.Password, "REDIS_PASSWORD")
	setString(&c.Store.Redis.Namespace, "REDIS_NAMESPACE")
	setString(&c.Notifications.Sink, "NOTIFICATION_SINK")
	setString(&c.Notifications.NATSURL, "NATS_URL")
	setString(&c.Features.File, "FEATURES_FILE")
	setString(&c.Definitions.Dir, "DEFINITIONS_DIR")
	setString(&c.Policies.Dir, "POLICIES_DIR")
	setString(&c.Telemetry.Logging.Level, "LOG_LEVEL")
	setString(&c.Telemetry.Logging.Format, "LOG_FORMAT")
	setString(&c.Telemetry.Metrics.ListenAddress, "METRICS_ADDRESS")

	var errs []error
	errs = append(errs,
		setInt(&c.Store.Redis.DB, "REDIS_DB"),
		setInt(&c.Engine.Workers, "WORKERS"),
		setBool(&c.Engine.Strict, "STRICT"),
		setDuration(&c.Engine.StallCeiling, "STALL_CEILING"),
		setDuration(&c.Poll.Timeout, "POLL_TIMEOUT"),
	)
	return errors.Join(errs...)
}

var validate = validator.New()

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Poll.Interval.Validate(); err != nil {
		return fmt.Errorf("invalid poll configuration: %w", err)
	}
	if err := c.Lookup.Validate(); err != nil {
		return fmt.Errorf("invalid lookup retry policy: %w", err)
	}
	if err := c.Notifications.Delivery.Validate(); err != nil {
		return fmt.Errorf("invalid notification delivery policy: %w", err)
	}
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.SQLite.Path == "" {
			return fmt.Errorf("sqlite store requires a path")
		}
	case DriverRedis:
		if len(c.Store.Redis.Addrs) == 0 {
			return fmt.Errorf("redis store requires at least one address")
		}
	}
	if c.Notifications.Sink == SinkNATS && c.Notifications.NATSURL == "" {
		return fmt.Errorf("nats sink requires nats_url")
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	return nil
}

func lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + name)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func setString(dst *string, name string) {
	if v, ok := lookup(name); ok {
		*dst = v
	}
}

func setInt(dst *int, name string) error {
	v, ok := lookup(name)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s%s: %w", envPrefix, name, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, name string) error {
	v, ok := lookup(name)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s%s: %w", envPrefix, name, err)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, name string) error {
	v, ok := lookup(name)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s%s: %w", envPrefix, name, err)
	}
	*dst = d
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
