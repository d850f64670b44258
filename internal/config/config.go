// Package config loads and validates daemon configuration via Viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Queue backends accepted by queue.backend.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Event sinks accepted by events.publisher and archive.backend.
const (
	SinkNone   = "none"
	SinkPubSub = "pubsub"
	SinkMemory = "memory"
	SinkLocal  = "local"
	SinkGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Launcher LauncherConfig `mapstructure:"launcher"`
	Poller   PollerConfig   `mapstructure:"poller"`
	Queue    QueueConfig    `mapstructure:"queue"`
	DB       DBConfig       `mapstructure:"db"`
	Registry RegistryConfig `mapstructure:"registry"`
	Events   EventsConfig   `mapstructure:"events"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	BindAddress     string        `mapstructure:"bind_address"`
	Port            int           `mapstructure:"port"`
	NodeName        string        `mapstructure:"node_name"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr is the listen address for http.Server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.BindAddress, s.Port)
}

// AuthConfig defines HTTP basic auth toggles.
type AuthConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// LauncherConfig sizes the process pool.
type LauncherConfig struct {
	MaxProc        int      `mapstructure:"max_proc"`
	MaxProcPerCPU  int      `mapstructure:"max_proc_per_cpu"`
	FinishedToKeep int      `mapstructure:"finished_to_keep"`
	LogsDir        string   `mapstructure:"logs_dir"`
	Runner         []string `mapstructure:"runner"`
	WorkDir        string   `mapstructure:"work_dir"`
}

// EffectiveMaxProc returns MaxProc, or MaxProcPerCPU * numCPU when MaxProc
// is zero.
func (l LauncherConfig) EffectiveMaxProc(numCPU int) int {
	if l.MaxProc > 0 {
		return l.MaxProc
	}
	return l.MaxProcPerCPU * numCPU
}

// PollerConfig sets the fallback dispatch interval.
type PollerConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// QueueConfig picks the pending-job storage backend.
type QueueConfig struct {
	Backend string `mapstructure:"backend"`
	DBsDir  string `mapstructure:"dbs_dir"`
}

// DBConfig controls access to the postgres queue backend.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// RegistryConfig points at the project manifest.
type RegistryConfig struct {
	Manifest string `mapstructure:"manifest"`
}

// EventsConfig controls finished-job event publishing.
type EventsConfig struct {
	Publisher   string        `mapstructure:"publisher"`
	ProjectID   string        `mapstructure:"project_id"`
	Topic       string        `mapstructure:"topic"`
	Buffer      int           `mapstructure:"buffer"`
	SinkTimeout time.Duration `mapstructure:"sink_timeout"`
	LogEvents   bool          `mapstructure:"log_events"`
}

// EventsEnabled reports whether any finished-job sink is configured.
func (c Config) EventsEnabled() bool {
	return c.Events.Publisher != SinkNone || c.Archive.Backend != SinkNone || c.Events.LogEvents
}

// ArchiveConfig controls where finished job logs are copied.
type ArchiveConfig struct {
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	v.SetDefault("server.bind_address", "127.0.0.1")
	v.SetDefault("server.port", 6800)
	v.SetDefault("server.node_name", hostname)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("launcher.max_proc", 0)
	v.SetDefault("launcher.max_proc_per_cpu", 4)
	v.SetDefault("launcher.finished_to_keep", 100)
	v.SetDefault("launcher.logs_dir", "logs")
	v.SetDefault("launcher.runner", []string{"scrapy"})
	v.SetDefault("poller.interval", 5*time.Second)
	v.SetDefault("queue.backend", BackendSQLite)
	v.SetDefault("queue.dbs_dir", "dbs")
	v.SetDefault("db.table", "spider_queue")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("registry.manifest", "projects.yaml")
	v.SetDefault("events.publisher", SinkNone)
	v.SetDefault("events.topic", "crawld-jobs")
	v.SetDefault("events.buffer", 256)
	v.SetDefault("events.sink_timeout", 30*time.Second)
	v.SetDefault("events.log_events", false)
	v.SetDefault("archive.backend", SinkNone)
	v.SetDefault("archive.dir", "archive")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535")
	}
	if c.Auth.Enabled && (c.Auth.Username == "" || c.Auth.Password == "") {
		return fmt.Errorf("auth.username and auth.password must be set when auth is enabled")
	}
	if c.Launcher.MaxProc < 0 {
		return fmt.Errorf("launcher.max_proc must be >= 0")
	}
	if c.Launcher.MaxProc == 0 && c.Launcher.MaxProcPerCPU <= 0 {
		return fmt.Errorf("launcher.max_proc_per_cpu must be > 0 when launcher.max_proc is 0")
	}
	if c.Launcher.FinishedToKeep < 0 {
		return fmt.Errorf("launcher.finished_to_keep must be >= 0")
	}
	if len(c.Launcher.Runner) == 0 {
		return fmt.Errorf("launcher.runner must not be empty")
	}
	if c.Poller.Interval <= 0 {
		return fmt.Errorf("poller.interval must be > 0")
	}
	switch c.Queue.Backend {
	case BackendSQLite:
		if c.Queue.DBsDir == "" {
			return fmt.Errorf("queue.dbs_dir must be set for the sqlite backend")
		}
	case BackendPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("queue.backend must be one of sqlite, postgres, memory; got %q", c.Queue.Backend)
	}
	return c.validateEvents()
}

func (c Config) validateEvents() error {
	switch c.Events.Publisher {
	case SinkNone, SinkMemory:
	case SinkPubSub:
		if c.Events.ProjectID == "" {
			return fmt.Errorf("events.project_id must be set for the pubsub publisher")
		}
		if c.Events.Topic == "" {
			return fmt.Errorf("events.topic must be set for the pubsub publisher")
		}
	default:
		return fmt.Errorf("events.publisher must be one of none, pubsub, memory; got %q", c.Events.Publisher)
	}
	if c.Events.Buffer < 0 {
		return fmt.Errorf("events.buffer must be >= 0")
	}
	switch c.Archive.Backend {
	case SinkNone, SinkMemory:
	case SinkLocal:
		if c.Archive.Dir == "" {
			return fmt.Errorf("archive.dir must be set for the local archive")
		}
	case SinkGCS:
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set for the gcs archive")
		}
	default:
		return fmt.Errorf("archive.backend must be one of none, local, gcs, memory; got %q", c.Archive.Backend)
	}
	return nil
}
