package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates, defaults and validates the configuration at
// configPath. A directory is accepted and resolved to config.yaml inside it.
func Load(configPath string) (*Config, error) {
	absPath, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourcePath = absPath

	// Relative state paths are anchored at the config file's directory so the
	// daemon and its handler processes agree regardless of working directory.
	if cfg.State.Driver == DriverSQLite && !filepath.IsAbs(cfg.State.Path) {
		cfg.State.Path = filepath.Join(filepath.Dir(absPath), cfg.State.Path)
	}
	if cfg.Scheduler.HandlerLog != "" && !filepath.IsAbs(cfg.Scheduler.HandlerLog) {
		cfg.Scheduler.HandlerLog = filepath.Join(filepath.Dir(absPath), cfg.Scheduler.HandlerLog)
	}
	return cfg, nil
}

// Parse decodes a YAML document, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Discover finds a config file by checking, in order, $SCANQ_CONFIG,
// ~/.config/scanq/config.yaml, /etc/scanq/config.yaml and ./config.yaml.
func Discover() (string, error) {
	candidates := make([]string, 0, 4)
	if p := os.Getenv("SCANQ_CONFIG"); p != "" {
		candidates = append(candidates, p)
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "scanq", "config.yaml"))
	}
	candidates = append(candidates, "/etc/scanq/config.yaml", "./config.yaml")

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: $SCANQ_CONFIG, ~/.config/scanq, /etc/scanq, ./config.yaml)")
}

// PIDLockPath returns the configured PID file, or one next to the SQLite
// database, or one in the working directory for postgres deployments.
func (c *Config) PIDLockPath() string {
	if c.Service.PIDFile != "" {
		return c.Service.PIDFile
	}
	if c.State.Driver == DriverSQLite && c.State.Path != "" {
		return filepath.Join(filepath.Dir(c.State.Path), "scanqd.lock")
	}
	return "scanqd.lock"
}

func resolveConfigPath(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

func applyDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.TickInterval == 0 {
		cfg.Service.TickInterval = defaults.Service.TickInterval
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)

	if cfg.State.Driver == "" {
		cfg.State.Driver = defaults.State.Driver
	}
	if cfg.State.Driver == DriverSQLite && cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}

	s := &cfg.Scheduler
	if s.Enabled == nil {
		s.Enabled = defaults.Scheduler.Enabled
	}
	if s.MaxActive == nil {
		s.MaxActive = defaults.Scheduler.MaxActive
	}
	if s.LaunchMode == "" {
		s.LaunchMode = defaults.Scheduler.LaunchMode
	}
	if s.WorkUnit == 0 {
		s.WorkUnit = defaults.Scheduler.WorkUnit
	}
	if s.ContinueProbability == 0 {
		s.ContinueProbability = defaults.Scheduler.ContinueProbability
	}
	if s.TerminateGrace == 0 {
		s.TerminateGrace = defaults.Scheduler.TerminateGrace
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
}

func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Left in place; validate rejects unresolved secrets.
		return match
	})
}

// validate collects every problem rather than stopping at the first one.
func validate(cfg *Config) error {
	var errs []error

	if cfg.Service.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("service.tick_interval must be positive"))
	}
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		errs = append(errs, fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel))
	}

	switch cfg.State.Driver {
	case DriverSQLite:
		if cfg.State.Path == "" {
			errs = append(errs, fmt.Errorf("state.path is required for the sqlite driver"))
		}
	case DriverPostgres:
		if cfg.State.DSN == "" {
			errs = append(errs, fmt.Errorf("state.dsn is required for the postgres driver"))
		} else if envVarPattern.MatchString(cfg.State.DSN) {
			errs = append(errs, unresolvedEnvError("state.dsn", cfg.State.DSN))
		}
	default:
		errs = append(errs, fmt.Errorf("state.driver must be %q or %q (got %q)", DriverSQLite, DriverPostgres, cfg.State.Driver))
	}

	s := cfg.Scheduler
	if s.Ceiling() < 0 {
		errs = append(errs, fmt.Errorf("scheduler.max_active must be >= 0 (got %d)", s.Ceiling()))
	}
	if s.ActiveTime < 0 {
		errs = append(errs, fmt.Errorf("scheduler.active_time must be >= 0"))
	}
	if s.LaunchMode != LaunchDetached && s.LaunchMode != LaunchSupervised {
		errs = append(errs, fmt.Errorf("scheduler.launch_mode must be %q or %q (got %q)", LaunchDetached, LaunchSupervised, s.LaunchMode))
	}
	if s.WorkUnit <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.work_unit must be positive"))
	}
	if s.ContinueProbability < 0 || s.ContinueProbability >= 1 {
		errs = append(errs, fmt.Errorf("scheduler.continue_probability must be in [0, 1) (got %v)", s.ContinueProbability))
	}
	if s.HeartbeatGrace < 0 {
		errs = append(errs, fmt.Errorf("scheduler.heartbeat_grace must be >= 0"))
	}
	// A handler beats once per unit; one slow unit must not read as a hang.
	if s.HeartbeatGrace > 0 && s.HeartbeatGrace < 2*s.WorkUnit {
		errs = append(errs, fmt.Errorf("scheduler.heartbeat_grace (%s) must be at least twice scheduler.work_unit (%s)", s.HeartbeatGrace, s.WorkUnit))
	}

	if cfg.API.Enabled {
		if envVarPattern.MatchString(cfg.API.Auth.APIKey) {
			errs = append(errs, unresolvedEnvError("api.auth.api_key", cfg.API.Auth.APIKey))
		}
		if cfg.API.Auth.APIKey == "" && len(cfg.API.Auth.Tokens) == 0 {
			errs = append(errs, fmt.Errorf("api.auth requires api_key or tokens when the API is enabled"))
		}
		for i, tok := range cfg.API.Auth.Tokens {
			field := fmt.Sprintf("api.auth.tokens[%d].token", i)
			if tok.Token == "" {
				errs = append(errs, fmt.Errorf("%s is required", field))
			} else if envVarPattern.MatchString(tok.Token) {
				errs = append(errs, unresolvedEnvError(field, tok.Token))
			}
			if len(tok.Scopes) == 0 {
				errs = append(errs, fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i))
			}
		}
	}

	return errors.Join(errs...)
}

func unresolvedEnvError(field, value string) error {
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return fmt.Errorf("%s: unresolved environment variable", field)
}
