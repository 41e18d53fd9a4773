// Package config manages the tracker engine configuration.
// It handles defaults, loading the TOML file, and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"

	"github.com/zanzrukiav/SearchServices/internal/models"
)

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendWeaviate = "weaviate"

	ShardMethodRange = "DB_ID_RANGE"
	ShardMethodDbID  = "DB_ID"
)

// Duration is a time.Duration that reads and writes as a TOML string ("5s").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config represents the tracker engine configuration
type Config struct {
	Core        string     `toml:"core"`
	StatePath   string     `toml:"state_path"`
	LockTimeout Duration   `toml:"lock_timeout"`
	Admin       Admin      `toml:"admin"`
	Repository  Repository `toml:"repository"`
	Index       Index      `toml:"index"`
	Shard       Shard      `toml:"shard"`
	AclDeferral Backoff    `toml:"acl_deferral"`
	Trackers    TrackerSet `toml:"trackers"`
	path        string     // file the config was loaded from
}

// Admin configures the administrative HTTP surface.
type Admin struct {
	Listen string `toml:"listen"`
	Token  string `toml:"token"`
}

// Repository configures the source repository client.
type Repository struct {
	URL     string   `toml:"url"`
	Token   string   `toml:"token"`
	Timeout Duration `toml:"timeout"`
	Retry   Backoff  `toml:"retry"`
}

// Backoff configures an exponential backoff policy.
type Backoff struct {
	MaxAttempts    int      `toml:"max_attempts"`
	InitialBackoff Duration `toml:"initial_backoff"`
	MaxBackoff     Duration `toml:"max_backoff"`
	Jitter         float64  `toml:"jitter"`
}

// Index selects and configures the index backend.
type Index struct {
	Backend       string `toml:"backend"`
	SQLiteDir     string `toml:"sqlite_dir"`
	WeaviateURL   string `toml:"weaviate_url"`
	WeaviateClass string `toml:"weaviate_class"`
}

// Shard configures how node documents are partitioned.
type Shard struct {
	Method    string   `toml:"method"`
	Count     int      `toml:"count"`
	Instances []int    `toml:"instances"`
	Ranges    []string `toml:"ranges"`
}

// Tracker configures one tracker type.
type Tracker struct {
	Enabled         bool   `toml:"enabled"`
	Cron            string `toml:"cron"`
	BatchSize       int    `toml:"batch_size"`
	UpdateBatchSize int    `toml:"update_batch_size"`
	PoolSize        int    `toml:"pool_size"`
	QueueSize       int    `toml:"queue_size"`
}

// TrackerSet holds the settings of every tracker type.
type TrackerSet struct {
	Metadata Tracker `toml:"metadata"`
	Acl      Tracker `toml:"acl"`
	Content  Tracker `toml:"content"`
	Cascade  Tracker `toml:"cascade"`
	Model    Tracker `toml:"model"`
}

// For returns the settings for a tracker type.
func (s *TrackerSet) For(t models.TrackerType) *Tracker {
	switch t {
	case models.TrackerMetadata:
		return &s.Metadata
	case models.TrackerAcl:
		return &s.Acl
	case models.TrackerContent:
		return &s.Content
	case models.TrackerCascade:
		return &s.Cascade
	case models.TrackerModel:
		return &s.Model
	}
	return nil
}

// DefaultCron fires a tracker every 15 seconds (Quartz syntax).
const DefaultCron = "0/15 * * * * ? *"

// Default returns a configuration with every value set.
func Default() *Config {
	return &Config{
		Core:        "alfresco",
		StatePath:   "data/tracker-state.db",
		LockTimeout: Duration(2 * time.Second),
		Admin: Admin{
			Listen: "127.0.0.1:8983",
		},
		Repository: Repository{
			URL:     "http://localhost:8080",
			Timeout: Duration(60 * time.Second),
			Retry: Backoff{
				MaxAttempts:    3,
				InitialBackoff: Duration(500 * time.Millisecond),
				MaxBackoff:     Duration(30 * time.Second),
				Jitter:         0.25,
			},
		},
		Index: Index{
			Backend:       BackendMemory,
			SQLiteDir:     "data/index",
			WeaviateClass: "SearchDocument",
		},
		Shard: Shard{
			Method:    ShardMethodDbID,
			Count:     1,
			Instances: []int{0},
		},
		AclDeferral: Backoff{
			MaxAttempts:    10,
			InitialBackoff: Duration(15 * time.Second),
			MaxBackoff:     Duration(30 * time.Minute),
			Jitter:         0.2,
		},
		Trackers: TrackerSet{
			Metadata: Tracker{Enabled: true, Cron: DefaultCron, BatchSize: 5000, UpdateBatchSize: 1000, PoolSize: 4, QueueSize: 1000},
			Acl:      Tracker{Enabled: true, Cron: DefaultCron, BatchSize: 5000, UpdateBatchSize: 1000, PoolSize: 4, QueueSize: 1000},
			Content:  Tracker{Enabled: true, Cron: DefaultCron, BatchSize: 100, UpdateBatchSize: 1000, PoolSize: 4, QueueSize: 1000},
			Cascade:  Tracker{Enabled: true, Cron: DefaultCron, BatchSize: 100, UpdateBatchSize: 1000, PoolSize: 4, QueueSize: 1000},
			Model:    Tracker{Enabled: true, Cron: DefaultCron, BatchSize: 100, UpdateBatchSize: 100, PoolSize: 1, QueueSize: 10},
		},
	}
}

// Load reads the configuration file at path on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.path = path

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to path.
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return err
	}
	c.path = path
	return nil
}

// Path returns the file the configuration was loaded from, if any.
func (c *Config) Path() string {
	return c.path
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Core) == "" {
		return fmt.Errorf("config: core name is required")
	}
	if c.StatePath == "" {
		return fmt.Errorf("config: state_path is required")
	}

	switch c.Index.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Index.SQLiteDir == "" {
			return fmt.Errorf("config: index.sqlite_dir is required for the sqlite backend")
		}
	case BackendWeaviate:
		if c.Index.WeaviateURL == "" {
			return fmt.Errorf("config: index.weaviate_url is required for the weaviate backend")
		}
	default:
		return fmt.Errorf("config: unknown index backend %q", c.Index.Backend)
	}

	if err := c.Shard.validate(); err != nil {
		return err
	}

	for _, t := range models.AllTrackerTypes {
		tc := c.Trackers.For(t)
		if !tc.Enabled {
			continue
		}
		if tc.BatchSize <= 0 || tc.UpdateBatchSize <= 0 {
			return fmt.Errorf("config: trackers.%s batch sizes must be positive", t)
		}
		if tc.PoolSize <= 0 || tc.QueueSize <= 0 {
			return fmt.Errorf("config: trackers.%s pool and queue sizes must be positive", t)
		}
		if err := ValidateCron(tc.Cron); err != nil {
			return fmt.Errorf("config: trackers.%s: %w", t, err)
		}
	}

	if c.AclDeferral.MaxAttempts <= 0 {
		return fmt.Errorf("config: acl_deferral.max_attempts must be positive")
	}
	return nil
}

func (s *Shard) validate() error {
	if s.Count <= 0 {
		return fmt.Errorf("config: shard.count must be positive")
	}
	if len(s.Instances) == 0 {
		return fmt.Errorf("config: shard.instances must list at least one hosted shard")
	}
	for _, n := range s.Instances {
		if n < 0 || n >= s.Count {
			return fmt.Errorf("config: shard instance %d outside [0, %d)", n, s.Count)
		}
	}
	switch s.Method {
	case ShardMethodDbID:
	case ShardMethodRange:
		if len(s.Ranges) != s.Count {
			return fmt.Errorf("config: shard.ranges must have one entry per shard (%d)", s.Count)
		}
		if _, err := s.ParsedRanges(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("config: unknown shard method %q", s.Method)
	}
	return nil
}

// IDRange is an inclusive db id range served by one shard.
type IDRange struct {
	Start int64
	End   int64
}

// ParsedRanges parses entries of the form "0-100".
func (s *Shard) ParsedRanges() ([]IDRange, error) {
	out := make([]IDRange, 0, len(s.Ranges))
	for _, r := range s.Ranges {
		lo, hi, ok := strings.Cut(r, "-")
		if !ok {
			return nil, fmt.Errorf("config: invalid shard range %q", r)
		}
		start, err := strconv.ParseInt(strings.TrimSpace(lo), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("config: invalid shard range %q: %w", r, err)
		}
		end, err := strconv.ParseInt(strings.TrimSpace(hi), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("config: invalid shard range %q: %w", r, err)
		}
		if end < start {
			return nil, fmt.Errorf("config: shard range %q ends before it starts", r)
		}
		out = append(out, IDRange{Start: start, End: end})
	}
	return out, nil
}

var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NormalizeCron converts a Quartz expression (seconds first, optional
// trailing year) into the six-field form the cron parser accepts.
// Only a wildcard year is supported.
func NormalizeCron(expr string) (string, error) {
	expr = strings.TrimSpace(expr)
	if strings.HasPrefix(expr, "@") {
		return expr, nil
	}
	fields := strings.Fields(expr)
	switch len(fields) {
	case 6:
	case 7:
		if fields[6] != "*" {
			return "", fmt.Errorf("cron %q: year field must be *", expr)
		}
		fields = fields[:6]
	default:
		return "", fmt.Errorf("cron %q: expected 6 or 7 fields, got %d", expr, len(fields))
	}
	return strings.Join(fields, " "), nil
}

// ParseCron parses a Quartz or six-field cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	norm, err := NormalizeCron(expr)
	if err != nil {
		return nil, err
	}
	sched, err := cronParser.Parse(norm)
	if err != nil {
		return nil, fmt.Errorf("cron %q: %w", expr, err)
	}
	return sched, nil
}

// ValidateCron reports whether expr is a usable cron expression.
func ValidateCron(expr string) error {
	_, err := ParseCron(expr)
	return err
}
