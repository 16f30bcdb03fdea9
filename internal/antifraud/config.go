package antifraud

import (
	"time"

	"github.com/robertarktes/ticket-admission/internal/config"
)

// Config holds the guard's thresholds. Limits compare against attempts
// already logged, so a limit of 30 lets the 30th scan through and stops the
// 31st.
type Config struct {
	ValidatorLimit  int
	ValidatorWindow time.Duration
	CodeLimit       int
	CodeWindow      time.Duration
	DuplicateWindow time.Duration

	AnomalyWindow       time.Duration
	AnomalyMinAttempts  int
	AnomalyFailureRatio float64
	AnomalyInvalidCodes int

	// CheckTimeout bounds the limiter reads. A read that runs past it counts
	// as a failed check.
	CheckTimeout time.Duration

	// FailClosed turns a failed limiter read into server_error. The zero
	// value lets the scan through.
	FailClosed bool
}

func DefaultConfig() Config {
	return Config{
		ValidatorLimit:      30,
		ValidatorWindow:     5 * time.Minute,
		CodeLimit:           5,
		CodeWindow:          2 * time.Minute,
		DuplicateWindow:     30 * time.Second,
		AnomalyWindow:       time.Hour,
		AnomalyMinAttempts:  10,
		AnomalyFailureRatio: 0.8,
		AnomalyInvalidCodes: 5,
		CheckTimeout:        2 * time.Second,
	}
}

// FromSettings converts loaded settings. Zero fields fall back to defaults;
// the limiter reads share the storage timeout.
func FromSettings(cfg *config.Config) Config {
	s := cfg.Guard
	return Config{
		ValidatorLimit:      s.ValidatorLimit,
		ValidatorWindow:     s.ValidatorWindow,
		CodeLimit:           s.CodeLimit,
		CodeWindow:          s.CodeWindow,
		DuplicateWindow:     s.DuplicateWindow,
		AnomalyWindow:       s.AnomalyWindow,
		AnomalyMinAttempts:  s.AnomalyMinAttempts,
		AnomalyFailureRatio: s.AnomalyFailureRatio,
		AnomalyInvalidCodes: s.AnomalyInvalidCodes,
		CheckTimeout:        cfg.StorageTimeout,
		FailClosed:          s.FailClosed,
	}.withDefaults()
}

// withDefaults fills zero values so a partially populated config still works.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ValidatorLimit <= 0 {
		c.ValidatorLimit = d.ValidatorLimit
	}
	if c.ValidatorWindow <= 0 {
		c.ValidatorWindow = d.ValidatorWindow
	}
	if c.CodeLimit <= 0 {
		c.CodeLimit = d.CodeLimit
	}
	if c.CodeWindow <= 0 {
		c.CodeWindow = d.CodeWindow
	}
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = d.DuplicateWindow
	}
	if c.AnomalyWindow <= 0 {
		c.AnomalyWindow = d.AnomalyWindow
	}
	if c.AnomalyMinAttempts <= 0 {
		c.AnomalyMinAttempts = d.AnomalyMinAttempts
	}
	if c.AnomalyFailureRatio <= 0 {
		c.AnomalyFailureRatio = d.AnomalyFailureRatio
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = d.CheckTimeout
	}
	if c.AnomalyInvalidCodes <= 0 {
		c.AnomalyInvalidCodes = d.AnomalyInvalidCodes
	}
	return c
}
