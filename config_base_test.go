// config_base_test.go: tests for base configuration defaults and validation
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrpc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStandardDefaults(t *testing.T) {
	defaults := StandardDefaults()
	assert.Equal(t, 30*time.Second, defaults.DefaultTimeout)
	assert.Equal(t, 3, defaults.DefaultRetryAttempts)
	assert.Equal(t, "info", defaults.DefaultLogLevel)
}

func TestBaseConfigApplyDefaults(t *testing.T) {
	t.Run("fills zero values", func(t *testing.T) {
		config := BaseConfig{}
		config.ApplyDefaults()
		assert.Equal(t, 30*time.Second, config.Timeout)
		assert.Equal(t, 3, config.RetryAttempts)
		assert.Equal(t, "info", config.LogLevel)
		assert.False(t, config.Enabled)
	})

	t.Run("keeps explicit values", func(t *testing.T) {
		config := BaseConfig{Enabled: true, Timeout: time.Second, RetryAttempts: 1, LogLevel: "debug"}
		config.ApplyDefaults()
		assert.Equal(t, BaseConfig{Enabled: true, Timeout: time.Second, RetryAttempts: 1, LogLevel: "debug"}, config)
	})
}

func TestBaseConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  BaseConfig
		wantErr bool
	}{
		{"zero", BaseConfig{}, false},
		{"full", BaseConfig{Timeout: time.Second, RetryAttempts: 2, LogLevel: "warn"}, false},
		{"negative timeout", BaseConfig{Timeout: -time.Second}, true},
		{"negative retries", BaseConfig{RetryAttempts: -1}, true},
		{"bad level", BaseConfig{LogLevel: "verbose"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, HasErrorCode(err, ErrCodeConfigValidationError))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestBaseConfigWithDefaults(t *testing.T) {
	original := BaseConfig{RetryAttempts: 5}
	withDefaults := original.WithDefaults()

	assert.Equal(t, time.Duration(0), original.Timeout)
	assert.Equal(t, 30*time.Second, withDefaults.Timeout)
	assert.Equal(t, 5, withDefaults.RetryAttempts)
}
