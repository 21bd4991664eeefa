package scheduler

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/scanq/internal/config"
)

// Settings is the runtime dispatch configuration. It is built once from
// config, shared by reference, and may be changed while ticks are running.
type Settings struct {
	enabled    atomic.Bool
	ceiling    atomic.Int64
	activeTime atomic.Int64
}

// SettingsSnapshot is a consistent-enough copy for display. The three fields
// are read independently.
type SettingsSnapshot struct {
	Enabled           bool    `json:"enabled"`
	Ceiling           int     `json:"ceiling"`
	ActiveTimeSeconds float64 `json:"active_time_seconds"`
}

// SettingsPatch carries the fields an administrator wants to change.
type SettingsPatch struct {
	Enabled           *bool    `json:"enabled,omitempty"`
	Ceiling           *int     `json:"ceiling,omitempty"`
	ActiveTimeSeconds *float64 `json:"active_time_seconds,omitempty"`
}

func NewSettings(enabled bool, ceiling int, activeTime time.Duration) (*Settings, error) {
	if err := validateCeiling(ceiling); err != nil {
		return nil, err
	}
	if err := validateActiveTime(activeTime); err != nil {
		return nil, err
	}
	s := &Settings{}
	s.enabled.Store(enabled)
	s.ceiling.Store(int64(ceiling))
	s.activeTime.Store(int64(activeTime))
	return s, nil
}

// SettingsFromConfig assumes cfg has passed config validation.
func SettingsFromConfig(cfg config.SchedulerConfig) *Settings {
	s := &Settings{}
	s.enabled.Store(cfg.IsEnabled())
	s.ceiling.Store(int64(max(cfg.Ceiling(), 0)))
	s.activeTime.Store(int64(max(cfg.ActiveTime, 0)))
	return s
}

func (s *Settings) Enabled() bool { return s.enabled.Load() }

// Ceiling is the maximum number of active handlers; 0 means unlimited.
func (s *Settings) Ceiling() int { return int(s.ceiling.Load()) }

// ActiveTime is how long a handler runs before it considers yielding.
func (s *Settings) ActiveTime() time.Duration { return time.Duration(s.activeTime.Load()) }

func (s *Settings) SetEnabled(v bool) { s.enabled.Store(v) }

func (s *Settings) SetCeiling(n int) error {
	if err := validateCeiling(n); err != nil {
		return err
	}
	s.ceiling.Store(int64(n))
	return nil
}

func (s *Settings) SetActiveTime(d time.Duration) error {
	if err := validateActiveTime(d); err != nil {
		return err
	}
	s.activeTime.Store(int64(d))
	return nil
}

// Apply validates every field of p before changing any of them.
func (s *Settings) Apply(p SettingsPatch) error {
	var errs []error
	if p.Ceiling != nil {
		errs = append(errs, validateCeiling(*p.Ceiling))
	}
	var activeTime time.Duration
	if p.ActiveTimeSeconds != nil {
		activeTime = time.Duration(*p.ActiveTimeSeconds * float64(time.Second))
		errs = append(errs, validateActiveTime(activeTime))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	if p.Enabled != nil {
		s.SetEnabled(*p.Enabled)
	}
	if p.Ceiling != nil {
		s.ceiling.Store(int64(*p.Ceiling))
	}
	if p.ActiveTimeSeconds != nil {
		s.activeTime.Store(int64(activeTime))
	}
	return nil
}

func (s *Settings) Snapshot() SettingsSnapshot {
	return SettingsSnapshot{
		Enabled:           s.Enabled(),
		Ceiling:           s.Ceiling(),
		ActiveTimeSeconds: s.ActiveTime().Seconds(),
	}
}

func validateCeiling(n int) error {
	if n < 0 {
		return fmt.Errorf("ceiling must be >= 0 (got %d)", n)
	}
	return nil
}

func validateActiveTime(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("active time must be >= 0 (got %s)", d)
	}
	return nil
}
