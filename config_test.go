// config_test.go: tests for host configuration loading and validation
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrpc

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultHostConfig(t *testing.T) {
	hc := DefaultHostConfig()
	require.NoError(t, hc.Validate())

	assert.Equal(t, "info", hc.LogLevel)
	assert.Equal(t, DefaultHandshakeConfig, hc.Handshake)
	assert.Equal(t, DefaultFrameConfig, hc.Frame)
	assert.Equal(t, 1, hc.Zygote.PoolSize)
	assert.Equal(t, DefaultByteQueueWatermark, hc.StreamBridge.Watermark)
	assert.Equal(t, hc.Handshake, hc.Worker.Handshake)
	assert.Equal(t, hc.Frame, hc.Worker.Frame)
	assert.False(t, hc.Cluster.Enabled)
}

func TestHostConfigWorkerInheritsSections(t *testing.T) {
	hc := HostConfig{
		Handshake: HandshakeConfig{ProtocolVersion: 3, MagicCookieKey: "K", MagicCookieValue: "v"},
		Frame:     FrameConfig{MaxPacketSize: 1024},
	}
	hc.ApplyDefaults()

	assert.Equal(t, uint(3), hc.Worker.Handshake.ProtocolVersion)
	assert.Equal(t, 1024, hc.Worker.Frame.MaxPacketSize)
	assert.Equal(t, DefaultMaxMessageSize, hc.Worker.Frame.MaxMessageSize)
}

func TestHostConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*HostConfig)
	}{
		{"log level", func(hc *HostConfig) { hc.LogLevel = "loud" }},
		{"handshake", func(hc *HostConfig) { hc.Handshake.MagicCookieKey = "" }},
		{"frame", func(hc *HostConfig) { hc.Frame.MaxPacketSize = -1 }},
		{"zygote", func(hc *HostConfig) { hc.Zygote.PoolSize = -2 }},
		{"missing executable", func(hc *HostConfig) { hc.Worker.ExecutablePath = "/does/not/exist" }},
		{"cluster worker mode", func(hc *HostConfig) {
			hc.Cluster.Workers = []ClusterWorkerConfig{{ID: "gpu-1", Mode: "quantum", EnvFile: "/tmp/gpu-1.env"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := DefaultHostConfig()
			tt.mutate(&hc)
			err := hc.Validate()
			require.Error(t, err)
			assert.True(t, HasErrorCode(err, ErrCodeConfigValidationError) || HasErrorCode(err, ErrCodeHandshakeError),
				"unexpected code %s", ErrorCode(err))
		})
	}
}

func TestHostConfigToJSON(t *testing.T) {
	hc := DefaultHostConfig()
	hc.Cluster.Workers = []ClusterWorkerConfig{{ID: "gpu-1", Mode: WorkerModeCompute, EnvFile: "/etc/gpu-1.env"}}

	data, err := hc.ToJSON()
	require.NoError(t, err)

	var decoded HostConfig
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, hc.Frame, decoded.Frame)
	assert.Equal(t, hc.Zygote, decoded.Zygote)
	require.Len(t, decoded.Cluster.Workers, 1)
	assert.Equal(t, "gpu-1", decoded.Cluster.Workers[0].ID)
}

func TestLoadHostConfigYAML(t *testing.T) {
	t.Setenv("HOSTCFG_LEVEL", "debug")
	dir := t.TempDir()
	path := writeTempFile(t, "host.yaml", `
log_level: ${HOSTCFG_LEVEL}
frame:
  max_packet_size: 4096
zygote:
  pool_size: 3
stream_bridge:
  watermark: 8192
  dial_timeout: 2s
cluster:
  enabled: true
  workers:
    - id: gpu-1
      mode: compute
      env_file: `+filepath.Join(dir, "gpu-1.env")+`
`)

	hc, err := LoadHostConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", hc.LogLevel)
	assert.Equal(t, 4096, hc.Frame.MaxPacketSize)
	assert.Equal(t, 4096, hc.Worker.Frame.MaxPacketSize)
	assert.Equal(t, 3, hc.Zygote.PoolSize)
	assert.Equal(t, 8192, hc.StreamBridge.Watermark)
	assert.Equal(t, 2*time.Second, hc.StreamBridge.DialTimeout)
	assert.True(t, hc.Cluster.Enabled)
	require.Len(t, hc.Cluster.Workers, 1)
	assert.Equal(t, WorkerModeCompute, hc.Cluster.Workers[0].Mode)
}

func TestLoadHostConfigJSON(t *testing.T) {
	path := writeTempFile(t, "host.json", `{"log_level": "warn", "zygote": {"pool_size": 2}}`)

	hc, err := LoadHostConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", hc.LogLevel)
	assert.Equal(t, 2, hc.Zygote.PoolSize)
	assert.Equal(t, DefaultFrameConfig, hc.Frame)
}

func TestLoadHostConfigErrors(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		_, err := LoadHostConfig(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.True(t, HasErrorCode(err, ErrCodeConfigNotFound))
	})

	t.Run("directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "conf.yaml")
		require.NoError(t, os.Mkdir(dir, 0o750))
		_, err := LoadHostConfig(dir)
		assert.True(t, HasErrorCode(err, ErrCodeConfigParseError))
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := writeTempFile(t, "bad.yaml", "zygote: [unterminated")
		_, err := LoadHostConfig(path)
		assert.True(t, HasErrorCode(err, ErrCodeConfigParseError))
	})

	t.Run("unsupported format", func(t *testing.T) {
		path := writeTempFile(t, "host.txt", "log_level=info")
		_, err := LoadHostConfig(path)
		assert.True(t, HasErrorCode(err, ErrCodeConfigParseError))
	})

	t.Run("invalid values", func(t *testing.T) {
		path := writeTempFile(t, "host.json", `{"log_level": "shout"}`)
		_, err := LoadHostConfig(path)
		assert.True(t, HasErrorCode(err, ErrCodeConfigValidationError))
	})
}
