// Package config loads the keel CLI configuration: a keel.yaml file with
// environment overrides on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/keelhq/keel"
)

// FileName is the config file the CLI looks for.
const FileName = "keel.yaml"

// Drivers the CLI can open.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Config represents the keel CLI configuration
type Config struct {
	Version  string         `yaml:"version"`
	Project  ProjectConfig  `yaml:"project"`
	Tenant   string         `yaml:"tenant" env:"KEEL_TENANT"`
	Database DatabaseConfig `yaml:"database"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Logging  LoggingConfig  `yaml:"logging"`
	Notify   NotifyConfig   `yaml:"notify"`
	Treasury TreasuryConfig `yaml:"treasury"`
}

// ProjectConfig contains project-level settings
type ProjectConfig struct {
	Name string `yaml:"name"`
}

// DatabaseConfig selects the event store.
type DatabaseConfig struct {
	// Driver is postgres, sqlite or memory.
	Driver string `yaml:"driver" env:"KEEL_DATABASE_DRIVER"`

	// URL is a postgres connection string or a sqlite file path.
	URL string `yaml:"url,omitempty" env:"KEEL_DATABASE_URL"`

	// Schema is the postgres schema holding the partition tables.
	Schema string `yaml:"schema" env:"KEEL_DATABASE_SCHEMA"`

	// Serializer encodes event payloads: json or msgpack.
	Serializer string `yaml:"serializer" env:"KEEL_SERIALIZER"`
}

// SnapshotConfig controls aggregate snapshots.
type SnapshotConfig struct {
	// Every takes a snapshot each time a stream grows by this many events.
	// Zero disables snapshots.
	Every int `yaml:"every" env:"KEEL_SNAPSHOT_EVERY"`

	// RedisAddr moves snapshots and checkpoints to Redis when set.
	RedisAddr string `yaml:"redis_addr,omitempty" env:"KEEL_REDIS_ADDR"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Mode  string `yaml:"mode" env:"KEEL_LOG_MODE"`
	Level string `yaml:"level" env:"KEEL_LOG_LEVEL"`
}

// NotifyConfig selects where workflow completion notices are published.
type NotifyConfig struct {
	// Kind is webhook, kafka, nats, sns or empty for none.
	Kind    string   `yaml:"kind,omitempty" env:"KEEL_NOTIFY_KIND"`
	URL     string   `yaml:"url,omitempty" env:"KEEL_NOTIFY_URL"`
	Brokers []string `yaml:"brokers,omitempty" env:"KEEL_NOTIFY_BROKERS" envSeparator:","`
	Target  string   `yaml:"target,omitempty" env:"KEEL_NOTIFY_TARGET"`
	Secret  string   `yaml:"secret,omitempty" env:"KEEL_NOTIFY_SECRET"`
	// Region is the AWS region of an sns topic. For sns, Target is the topic
	// ARN and URL optionally overrides the endpoint.
	Region string `yaml:"region,omitempty" env:"KEEL_NOTIFY_REGION"`
}

// TreasuryConfig holds the conversion rates of the currency pools, in parts
// per million keyed by "FROM/TO".
type TreasuryConfig struct {
	Rates map[string]int64 `yaml:"rates" env:"KEEL_TREASURY_RATES"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Version: "1",
		Project: ProjectConfig{Name: "my-keel-app"},
		Tenant:  "default",
		Database: DatabaseConfig{
			Driver:     DriverSQLite,
			URL:        "keel.db",
			Schema:     "keel",
			Serializer: "json",
		},
		Snapshot: SnapshotConfig{Every: 50},
		Logging:  LoggingConfig{Mode: "dev", Level: "warn"},
		Treasury: TreasuryConfig{Rates: map[string]int64{
			"EUR/USD": 1_080_000,
			"USD/EUR": 925_926,
		}},
	}
}

// Load reads keel.yaml from dir and applies environment overrides.
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, FileName))
}

// LoadFile reads a config file and applies environment overrides.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from KEEL_* environment variables. Unset
// variables leave the field untouched.
func (c *Config) ApplyEnv() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("read environment: %w", err)
	}
	c.Database.URL = os.ExpandEnv(c.Database.URL)
	return nil
}

// Save writes the configuration to keel.yaml in dir.
func (c *Config) Save(dir string) error {
	return c.SaveFile(filepath.Join(dir, FileName))
}

// SaveFile writes the configuration to path.
func (c *Config) SaveFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Exists reports whether dir contains keel.yaml.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, FileName))
	return err == nil
}

// Find searches for keel.yaml starting from dir and going up. It returns the
// directory holding the file.
func Find(dir string) (string, *Config, error) {
	current := dir
	for {
		if Exists(current) {
			cfg, err := Load(current)
			if err != nil {
				return "", nil, err
			}
			return current, cfg, nil
		}

		parent := filepath.Dir(current)
		if parent == current {
			return "", nil, os.ErrNotExist
		}
		current = parent
	}
}

// Validate returns every problem found in the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Project.Name == "" {
		errs = append(errs, errors.New("project.name is required"))
	}
	if err := keel.TenantPartition(c.Tenant, "accounts").Validate(); c.Tenant == "" || err != nil {
		errs = append(errs, fmt.Errorf("tenant %q is not a valid identifier", c.Tenant))
	}

	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
		if c.Database.URL == "" {
			errs = append(errs, fmt.Errorf("database.url is required for the %s driver", c.Database.Driver))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("database.driver must be one of postgres, sqlite or memory, got %q", c.Database.Driver))
	}

	if c.Database.Serializer != "json" && c.Database.Serializer != "msgpack" {
		errs = append(errs, fmt.Errorf("database.serializer must be json or msgpack, got %q", c.Database.Serializer))
	}

	if c.Snapshot.Every < 0 {
		errs = append(errs, errors.New("snapshot.every must not be negative"))
	}

	switch c.Notify.Kind {
	case "":
	case "webhook", "nats":
		if c.Notify.URL == "" {
			errs = append(errs, fmt.Errorf("notify.url is required for %s", c.Notify.Kind))
		}
	case "kafka":
		if len(c.Notify.Brokers) == 0 || slices.Contains(c.Notify.Brokers, "") {
			errs = append(errs, errors.New("notify.brokers is required for kafka"))
		}
	case "sns":
		if c.Notify.Region == "" {
			errs = append(errs, errors.New("notify.region is required for sns"))
		}
		if !strings.HasPrefix(c.Notify.Target, "arn:") {
			errs = append(errs, errors.New("notify.target must be a topic ARN for sns"))
		}
	default:
		errs = append(errs, fmt.Errorf("notify.kind %q is not supported", c.Notify.Kind))
	}

	for pair, ppm := range c.Treasury.Rates {
		if from, to, ok := strings.Cut(pair, "/"); !ok || from == "" || to == "" || ppm <= 0 {
			errs = append(errs, fmt.Errorf("treasury.rates: invalid entry %q: %d", pair, ppm))
		}
	}

	return errors.Join(errs...)
}

// GenerateYAML renders cfg as a commented keel.yaml.
func GenerateYAML(cfg *Config) string {
	return `# keel configuration
# Every value can be overridden with a KEEL_* environment variable.

version: "1"

project:
  name: "` + cfg.Project.Name + `"

# Tenant whose partitions the CLI reads and writes (KEEL_TENANT)
tenant: "` + cfg.Tenant + `"

database:
  # postgres, sqlite or memory (KEEL_DATABASE_DRIVER)
  driver: "` + cfg.Database.Driver + `"

  # Connection string or sqlite path (KEEL_DATABASE_URL)
  url: "` + cfg.Database.URL + `"

  # Postgres schema holding the partition tables
  schema: "` + cfg.Database.Schema + `"

  # Event payload encoding: json or msgpack
  serializer: "` + cfg.Database.Serializer + `"

snapshot:
  # Snapshot an aggregate every N events, 0 disables
  every: ` + fmt.Sprint(cfg.Snapshot.Every) + `

logging:
  mode: "` + cfg.Logging.Mode + `"
  level: "` + cfg.Logging.Level + `"

# Conversion rates in parts per million
treasury:
  rates:
` + rateLines(cfg.Treasury.Rates)
}

func rateLines(rates map[string]int64) string {
	pairs := make([]string, 0, len(rates))
	for pair := range rates {
		pairs = append(pairs, pair)
	}
	slices.Sort(pairs)

	var sb strings.Builder
	for _, pair := range pairs {
		fmt.Fprintf(&sb, "    %q: %d\n", pair, rates[pair])
	}
	return sb.String()
}
