package config

import "time"

// Config represents the complete scanq configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	State     StateConfig     `yaml:"state"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	API       APIConfig       `yaml:"api,omitempty"`

	// SourcePath is the absolute path of the file the config was loaded from.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name         string        `yaml:"name"`
	TickInterval time.Duration `yaml:"tick_interval"`
	LogLevel     string        `yaml:"log_level"`
	PIDFile      string        `yaml:"pid_file,omitempty"`
}

// Storage drivers understood by StateConfig.Driver.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// StateConfig selects and locates the durable queue store.
type StateConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path,omitempty"` // sqlite
	DSN    string `yaml:"dsn,omitempty"`  // postgres
}

// Launch modes understood by SchedulerConfig.LaunchMode.
const (
	LaunchDetached   = "detached"
	LaunchSupervised = "supervised"
)

// SchedulerConfig holds the dispatch policy and the handler process settings.
type SchedulerConfig struct {
	// Enabled toggles the whole queue. A disabled queue never launches or
	// mutates anything.
	Enabled *bool `yaml:"enabled,omitempty"`
	// MaxActive is the concurrency ceiling. 0 means unlimited.
	MaxActive *int `yaml:"max_active,omitempty"`
	// ActiveTime is the handler's time budget before it yields under pressure.
	ActiveTime time.Duration `yaml:"active_time"`

	LaunchMode          string        `yaml:"launch_mode"`
	WorkUnit            time.Duration `yaml:"work_unit"`
	ContinueProbability float64       `yaml:"continue_probability"`
	HeartbeatGrace      time.Duration `yaml:"heartbeat_grace,omitempty"`
	TerminateGrace      time.Duration `yaml:"terminate_grace"`
	HandlerLog          string        `yaml:"handler_log,omitempty"`
}

// IsEnabled reports the effective enable flag (default true).
func (s SchedulerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Ceiling reports the effective concurrency ceiling (default 3).
func (s SchedulerConfig) Ceiling() int {
	if s.MaxActive == nil {
		return DefaultMaxActive
	}
	return *s.MaxActive
}

// APIConfig defines admin HTTP API settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is a single bearer token with full access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

const DefaultMaxActive = 3

// Defaults returns a Config with the documented defaults.
func Defaults() *Config {
	enabled := true
	maxActive := DefaultMaxActive
	return &Config{
		Service: ServiceConfig{
			Name:         "scanqd",
			TickInterval: 10 * time.Second,
			LogLevel:     "info",
		},
		State: StateConfig{
			Driver: DriverSQLite,
			Path:   "./data/scanq.db",
		},
		Scheduler: SchedulerConfig{
			Enabled:             &enabled,
			MaxActive:           &maxActive,
			ActiveTime:          0,
			LaunchMode:          LaunchDetached,
			WorkUnit:            time.Second,
			ContinueProbability: 0.9,
			TerminateGrace:      5 * time.Second,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9392",
		},
	}
}
