// config.go: Host configuration for the RPC runtime
//
// HostConfig gathers the configuration of every component a host process
// runs: framing, handshake, the worker spawner and its zygote pool, the
// stream bridge and cluster mode. It loads from YAML or JSON.
//
// Example (YAML):
//
//	frame:
//	  max_packet_size: 16384
//	worker:
//	  executable_path: ./bin/worker
//	zygote:
//	  pool_size: 2
//	cluster:
//	  enabled: true
//	  workers:
//	    - id: gpu-1
//	      mode: compute
//	      env_file: /etc/cluster/gpu-1.env
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrpc

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/agilira/argus"
	"gopkg.in/yaml.v3"
)

// HostConfig is the complete configuration of a host process.
type HostConfig struct {
	LogLevel string `json:"log_level" yaml:"log_level"`

	Handshake    HandshakeConfig      `json:"handshake" yaml:"handshake"`
	Frame        FrameConfig          `json:"frame" yaml:"frame"`
	Worker       ProcessSpawnerConfig `json:"worker" yaml:"worker"`
	Zygote       ZygoteConfig         `json:"zygote" yaml:"zygote"`
	StreamBridge StreamBridgeConfig   `json:"stream_bridge" yaml:"stream_bridge"`
	Cluster      ClusterConfig        `json:"cluster" yaml:"cluster"`
}

// DefaultHostConfig returns a HostConfig with defaults for every section.
func DefaultHostConfig() HostConfig {
	hc := HostConfig{
		LogLevel:  "info",
		Handshake: DefaultHandshakeConfig,
		Frame:     DefaultFrameConfig,
	}
	hc.ApplyDefaults()
	return hc
}

// ApplyDefaults fills unset fields of every section.
func (hc *HostConfig) ApplyDefaults() {
	if hc.LogLevel == "" {
		hc.LogLevel = "info"
	}
	if hc.Handshake.ProtocolVersion == 0 {
		hc.Handshake = DefaultHandshakeConfig
	}
	hc.Frame.ApplyDefaults()
	hc.Zygote.ApplyDefaults()
	hc.StreamBridge.ApplyDefaults()
	hc.Cluster.ApplyDefaults()
	hc.Cluster.Registry.ApplyDefaults()

	if hc.Worker.Handshake.ProtocolVersion == 0 {
		hc.Worker.Handshake = hc.Handshake
	}
	if hc.Worker.Frame.MaxPacketSize == 0 {
		hc.Worker.Frame = hc.Frame
	}
}

// Validate checks every section. The worker section is only checked when
// an executable is configured.
func (hc *HostConfig) Validate() error {
	if !containsString(validLogLevels, hc.LogLevel) {
		return NewConfigValidationError("invalid log_level: "+hc.LogLevel, nil)
	}
	if err := hc.Handshake.Validate(); err != nil {
		return err
	}
	if err := hc.Frame.Validate(); err != nil {
		return err
	}
	if err := hc.Zygote.Validate(); err != nil {
		return err
	}
	if hc.Worker.ExecutablePath != "" {
		if err := hc.Worker.Validate(); err != nil {
			return err
		}
	}
	return hc.Cluster.Validate()
}

// ToJSON converts the configuration to JSON.
func (hc *HostConfig) ToJSON() ([]byte, error) {
	return json.MarshalIndent(hc, "", "  ")
}

// LoadHostConfig reads a YAML or JSON host configuration, expanding
// ${VAR} references first.
func LoadHostConfig(path string) (HostConfig, error) {
	var config HostConfig

	data, err := readConfigFile(path)
	if err != nil {
		return config, err
	}
	if err := decodeConfig(data, path, &config); err != nil {
		return config, err
	}
	config.ApplyDefaults()
	return config, config.Validate()
}

// readConfigFile reads path and expands ${VAR} references.
func readConfigFile(path string) ([]byte, error) {
	cleanPath := filepath.Clean(path)
	info, err := os.Stat(cleanPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewConfigNotFoundError(path)
		}
		return nil, NewConfigParseError(path, err)
	}
	if !info.Mode().IsRegular() || info.Size() > maxConfigFileSize {
		return nil, NewConfigParseError(path, NewConfigValidationError("config file invalid or too large", nil))
	}

	data, err := os.ReadFile(cleanPath) // #nosec G304 -- operator supplied config path
	if err != nil {
		return nil, NewConfigParseError(path, err)
	}
	expanded, err := ExpandEnvironmentVariables(string(data), DefaultEnvExpandOptions())
	if err != nil {
		return nil, NewConfigParseError(path, err)
	}
	return []byte(expanded), nil
}

// maxConfigFileSize bounds configuration files.
const maxConfigFileSize = 10 * 1024 * 1024

// decodeConfig parses data into dst, picking the format from path.
func decodeConfig(data []byte, path string, dst any) error {
	format := argus.DetectFormat(path)
	var err error
	switch format {
	case argus.FormatJSON:
		err = json.Unmarshal(data, dst)
	case argus.FormatYAML:
		err = yaml.Unmarshal(data, dst)
	default:
		return NewConfigParseError(path, NewConfigValidationError("unsupported config format: "+format.String(), nil))
	}
	if err != nil {
		return NewConfigParseError(path, err)
	}
	return nil
}
