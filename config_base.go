// config_base.go: Base configuration structures and common patterns
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrpc

import (
	"time"
)

// BaseConfig provides common configuration fields used across different components.
type BaseConfig struct {
	// Enabled indicates whether the component is active
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Timeout specifies the maximum duration for operations
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// RetryAttempts specifies the number of retry attempts
	RetryAttempts int `json:"retry_attempts" yaml:"retry_attempts"`

	// LogLevel specifies the logging level for this component
	LogLevel string `json:"log_level,omitempty" yaml:"log_level,omitempty"`

	// Metadata provides additional configuration data
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// ConfigDefaults provides default values for common configuration fields.
type ConfigDefaults struct {
	DefaultTimeout       time.Duration
	DefaultRetryAttempts int
	DefaultLogLevel      string
}

// StandardDefaults returns the standard default values used across the system.
func StandardDefaults() ConfigDefaults {
	return ConfigDefaults{
		DefaultTimeout:       30 * time.Second,
		DefaultRetryAttempts: 3,
		DefaultLogLevel:      "info",
	}
}

var validLogLevels = []string{"debug", "info", "warn", "error"}

// ApplyDefaults applies default values to a BaseConfig if they are not set.
// Enabled is left alone: false is a meaningful setting.
func (bc *BaseConfig) ApplyDefaults() {
	defaults := StandardDefaults()

	if bc.Timeout == 0 {
		bc.Timeout = defaults.DefaultTimeout
	}
	if bc.RetryAttempts == 0 {
		bc.RetryAttempts = defaults.DefaultRetryAttempts
	}
	if bc.LogLevel == "" {
		bc.LogLevel = defaults.DefaultLogLevel
	}
}

// Validate performs basic validation on the BaseConfig fields.
func (bc *BaseConfig) Validate() error {
	if bc.Timeout < 0 {
		return NewConfigValidationError("timeout cannot be negative", nil)
	}
	if bc.RetryAttempts < 0 {
		return NewConfigValidationError("retry_attempts cannot be negative", nil)
	}
	if bc.LogLevel != "" && !containsString(validLogLevels, bc.LogLevel) {
		return NewConfigValidationError("invalid log_level, must be one of: debug, info, warn, error", nil)
	}
	return nil
}

// WithDefaults returns a copy of bc with default values applied.
func (bc BaseConfig) WithDefaults() BaseConfig {
	bc.ApplyDefaults()
	return bc
}
