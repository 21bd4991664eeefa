// Package doctor checks a loaded scanq configuration for problems that
// config validation cannot see: unusable paths, scopes nobody checks for,
// and scheduler settings that will behave surprisingly.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/scanq/internal/auth"
	"github.com/mattjoyce/scanq/internal/config"
	"github.com/mattjoyce/scanq/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a configuration against the host it will run on.
type Doctor struct {
	cfg        *config.Config
	executable func() (string, error)
}

func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, executable: os.Executable}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateState(r)
	d.validateExecutable(r)
	d.validateHandlerLog(r)
	d.validateTokenScopes(r)
	d.warnScheduler(r)
	d.warnAPIExposure(r)
	d.warnLegacyAuth(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateState checks that the sqlite database directory exists or can be
// created, and that it is not on a network mount.
func (d *Doctor) validateState(r *Result) {
	if d.cfg.State.Driver != config.DriverSQLite {
		return
	}
	dir, err := storage.NearestExistingPath(filepath.Dir(d.cfg.State.Path))
	if err != nil {
		d.addError(r, "state", "state.path", err.Error())
		return
	}
	info, err := os.Stat(dir)
	switch {
	case err != nil:
		d.addError(r, "state", "state.path", err.Error())
		return
	case !info.IsDir():
		d.addError(r, "state", "state.path", fmt.Sprintf("%s is not a directory", dir))
		return
	case !writable(dir):
		d.addError(r, "state", "state.path", fmt.Sprintf("directory %s is not writable", dir))
		return
	}
	if err := storage.CheckLocalFilesystem(d.cfg.State.Path); err != nil {
		d.addError(r, "state", "state.path", err.Error())
	}
}

// validateExecutable checks that handler processes can be started by
// re-executing this binary.
func (d *Doctor) validateExecutable(r *Result) {
	path, err := d.executable()
	if err != nil {
		d.addError(r, "launch", "", fmt.Sprintf("cannot resolve own executable for handler launches: %v", err))
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		d.addError(r, "launch", "", fmt.Sprintf("executable %s: %v", path, err))
		return
	}
	if info.Mode()&0o111 == 0 {
		d.addError(r, "launch", "", fmt.Sprintf("executable %s is not executable", path))
	}
}

func (d *Doctor) validateHandlerLog(r *Result) {
	p := d.cfg.Scheduler.HandlerLog
	if p == "" {
		return
	}
	dir := filepath.Dir(p)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		d.addError(r, "launch", "scheduler.handler_log", fmt.Sprintf("directory %s does not exist", dir))
	}
}

var knownScopes = map[string]bool{
	auth.ScopeAll:           true,
	auth.ScopeQueueRead:     true,
	auth.ScopeQueueWrite:    true,
	auth.ScopeSettingsWrite: true,
}

func (d *Doctor) validateTokenScopes(r *Result) {
	for i, token := range d.cfg.API.Auth.Tokens {
		for j, scope := range token.Scopes {
			if knownScopes[strings.TrimSpace(scope)] {
				continue
			}
			d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
				fmt.Sprintf("unknown scope %q (expected one of *, queue:ro, queue:rw, settings:rw)", scope))
		}
	}
}

func (d *Doctor) warnScheduler(r *Result) {
	s := d.cfg.Scheduler
	if !s.IsEnabled() {
		d.addWarning(r, "scheduler", "scheduler.enabled", "queue is disabled; no scans will be launched until it is enabled")
	}
	if s.Ceiling() == 0 {
		d.addWarning(r, "scheduler", "scheduler.max_active", "max_active is 0: every queued scan is launched at once")
	}
	if s.Ceiling() > 0 && s.ActiveTime > 0 && s.ActiveTime < d.cfg.Service.TickInterval {
		d.addWarning(r, "scheduler", "scheduler.active_time",
			fmt.Sprintf("active_time %s is shorter than tick_interval %s; yielded scans wait a full tick before relaunch",
				s.ActiveTime, d.cfg.Service.TickInterval))
	}
	if s.LaunchMode == config.LaunchDetached && s.HeartbeatGrace == 0 {
		d.addWarning(r, "scheduler", "scheduler.heartbeat_grace",
			"detached handlers are checked by pid only; a reused pid will look alive")
	}
}

func (d *Doctor) warnAPIExposure(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", d.cfg.API.Listen, err))
		return
	}
	ip := net.ParseIP(host)
	if host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		d.addWarning(r, "api", "api.listen", fmt.Sprintf("admin API listens on non-loopback address %q", d.cfg.API.Listen))
	}
}

func (d *Doctor) warnLegacyAuth(r *Result) {
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) > 0 {
		d.addWarning(r, "deprecated", "api.auth",
			"both api_key and tokens configured; prefer tokens array only")
	}
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "deprecated", "api.auth.api_key",
			"legacy api_key grants full access; migrate to tokens array with scopes")
	}
}

func writable(dir string) bool {
	f, err := os.CreateTemp(dir, ".scanq-doctor-*")
	if err != nil {
		return false
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return true
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
