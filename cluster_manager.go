// cluster_manager.go: Cluster mode activation and configuration
//
// ClusterManager owns the ClusterRegistry while cluster mode is active.
// Applying a configuration with cluster mode enabled creates the registry
// and reconciles its workers; disabling cluster mode tears it down.
// ClusterConfigWatcher drives a manager from a YAML or JSON file watched
// with Argus.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrpc

import (
	"context"
	stderrors "errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/argus"
)

// ClusterWorkerConfig describes a worker reachable from the manager's host.
type ClusterWorkerConfig struct {
	ID            string     `json:"id" yaml:"id"`
	Name          string     `json:"name" yaml:"name"`
	Mode          WorkerMode `json:"mode" yaml:"mode"`
	DefaultLabels []string   `json:"default_labels" yaml:"default_labels"`

	// EnvFile is the path of the worker's environment file.
	EnvFile string `json:"env_file" yaml:"env_file"`

	// RestartCommand restarts the worker's service, e.g. a systemctl call.
	RestartCommand []string `json:"restart_command,omitempty" yaml:"restart_command,omitempty"`
}

// ClusterConfig is the cluster section of the host configuration.
type ClusterConfig struct {
	BaseConfig `json:",inline" yaml:",inline"`

	Registry ClusterRegistryConfig `json:"registry" yaml:"registry"`
	Workers  []ClusterWorkerConfig `json:"workers" yaml:"workers"`

	// AdminAddress, when set, serves the JSON-RPC admin service there.
	AdminAddress string `json:"admin_address,omitempty" yaml:"admin_address,omitempty"`
}

// Validate checks the configuration.
func (c *ClusterConfig) Validate() error {
	if err := c.BaseConfig.Validate(); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Workers))
	for _, w := range c.Workers {
		if w.ID == "" {
			return NewConfigValidationError("cluster worker id is required", nil)
		}
		if seen[w.ID] {
			return NewConfigValidationError("duplicate cluster worker id: "+w.ID, nil)
		}
		seen[w.ID] = true
		if w.Mode != WorkerModeStorage && w.Mode != WorkerModeCompute {
			return NewConfigValidationError("invalid mode for worker "+w.ID+": "+string(w.Mode), nil)
		}
		if w.EnvFile == "" {
			return NewConfigValidationError("env_file is required for worker "+w.ID, nil)
		}
	}
	return nil
}

// LoadClusterConfig reads a YAML or JSON cluster configuration, expanding
// ${VAR} references first. The format follows the file extension.
func LoadClusterConfig(path string) (ClusterConfig, error) {
	var config ClusterConfig

	data, err := readConfigFile(path)
	if err != nil {
		return config, err
	}
	if err := decodeConfig(data, path, &config); err != nil {
		return config, err
	}
	config.ApplyDefaults()
	config.Registry.ApplyDefaults()
	return config, config.Validate()
}

// WorkerResolver turns a configured worker into a registry worker.
type WorkerResolver func(ctx context.Context, wc ClusterWorkerConfig) (ClusterWorker, error)

// LocalWorkerResolver backs workers with local files and commands.
func LocalWorkerResolver(logger Logger) WorkerResolver {
	return func(_ context.Context, wc ClusterWorkerConfig) (ClusterWorker, error) {
		w := ClusterWorker{
			ID:            wc.ID,
			Name:          wc.Name,
			Mode:          wc.Mode,
			DefaultLabels: wc.DefaultLabels,
			Env:           &FileEnvironmentControl{Path: wc.EnvFile},
		}
		if len(wc.RestartCommand) > 0 {
			w.Service = &CommandServiceControl{Command: wc.RestartCommand, Logger: logger}
		}
		return w, nil
	}
}

// FileEnvironmentControl keeps a worker environment in a local file. A
// missing file reads as empty.
type FileEnvironmentControl struct {
	Path string
}

// GetEnv implements EnvironmentControl.
func (c *FileEnvironmentControl) GetEnv(_ context.Context) (string, error) {
	data, err := os.ReadFile(c.Path) // #nosec G304 -- path from cluster config
	if err != nil {
		if stderrors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

// SetEnv implements EnvironmentControl. The file is replaced atomically.
func (c *FileEnvironmentControl) SetEnv(_ context.Context, text string) error {
	dir := filepath.Dir(c.Path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(c.Path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), c.Path)
}

// CommandServiceControl restarts a service by running a command.
type CommandServiceControl struct {
	Command []string
	Logger  Logger
}

// Restart implements ServiceControl.
func (c *CommandServiceControl) Restart(ctx context.Context) error {
	if len(c.Command) == 0 {
		return NewClusterError("empty restart command", nil)
	}
	out, err := exec.CommandContext(ctx, c.Command[0], c.Command[1:]...).CombinedOutput() // #nosec G204 -- command from cluster config
	if err != nil {
		if c.Logger != nil {
			c.Logger.Debug("Restart command output", "command", c.Command[0], "output", string(out))
		}
		return NewClusterError("restart command failed", err).WithContext("command", c.Command[0])
	}
	return nil
}

// ClusterManager activates and deactivates cluster mode.
type ClusterManager struct {
	logger   Logger
	resolver WorkerResolver

	// registry is loaded without holding mu.
	registry atomic.Pointer[ClusterRegistry]

	mu     sync.Mutex
	config ClusterConfig
	admin  *ClusterAdminServer
}

// NewClusterManager creates an inactive manager. A nil resolver means
// LocalWorkerResolver.
func NewClusterManager(resolver WorkerResolver, logger Logger) *ClusterManager {
	if logger == nil {
		logger = DefaultLogger()
	}
	if resolver == nil {
		resolver = LocalWorkerResolver(logger)
	}
	return &ClusterManager{logger: logger, resolver: resolver}
}

// Apply activates, reconciles or deactivates cluster mode.
func (m *ClusterManager) Apply(ctx context.Context, config ClusterConfig) error {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !config.Enabled {
		m.deactivateLocked()
		m.config = config
		return nil
	}

	registry := m.registry.Load()
	if registry == nil || m.config.Registry != config.Registry {
		m.deactivateLocked()
		registry = NewClusterRegistry(config.Registry, m.logger)
		m.registry.Store(registry)
		m.logger.Info("Cluster mode activated", "workers", len(config.Workers))
	}

	wanted := make(map[string]bool, len(config.Workers))
	for _, wc := range config.Workers {
		wanted[wc.ID] = true
		w, err := m.resolver(ctx, wc)
		if err != nil {
			m.logger.Warn("Failed to resolve cluster worker", "worker_id", wc.ID, "error", err)
			continue
		}
		if existing, ok := registry.Worker(wc.ID); ok && wc.Name == "" {
			w.Name = existing.Name
		}
		if err := registry.AddWorker(w); err != nil {
			return err
		}
	}
	for _, w := range registry.Workers() {
		if !wanted[w.ID] && !m.isDynamicLocked(w.ID) {
			registry.RemoveWorker(w.ID)
		}
	}

	if err := m.applyAdminLocked(config.AdminAddress); err != nil {
		return err
	}
	m.config = config
	return nil
}

// isDynamicLocked reports whether id was registered with Register rather
// than through configuration.
func (m *ClusterManager) isDynamicLocked(id string) bool {
	for _, wc := range m.config.Workers {
		if wc.ID == id {
			return false
		}
	}
	return true
}

func (m *ClusterManager) applyAdminLocked(address string) error {
	if m.admin != nil && m.admin.Address() == address {
		return nil
	}
	if m.admin != nil {
		m.admin.Close()
		m.admin = nil
	}
	if address == "" {
		return nil
	}
	admin, err := ListenClusterAdmin(address, m, m.logger)
	if err != nil {
		return err
	}
	m.admin = admin
	return nil
}

func (m *ClusterManager) deactivateLocked() {
	if m.admin != nil {
		m.admin.Close()
		m.admin = nil
	}
	registry := m.registry.Swap(nil)
	if registry == nil {
		return
	}
	registry.Close()
	m.logger.Info("Cluster mode deactivated")
}

// Active reports whether cluster mode is on.
func (m *ClusterManager) Active() bool {
	return m.registry.Load() != nil
}

// Registry returns the active registry, or nil without cluster mode.
func (m *ClusterManager) Registry() *ClusterRegistry {
	return m.registry.Load()
}

// AdminURL returns the admin service endpoint, or "" when none is running.
func (m *ClusterManager) AdminURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.admin == nil {
		return ""
	}
	return m.admin.URL()
}

// Register adds a worker discovered at runtime, for example one that
// connected over RPC.
func (m *ClusterManager) Register(w ClusterWorker) error {
	r := m.Registry()
	if r == nil {
		return NewClusterError("cluster mode is not active", nil)
	}
	return r.AddWorker(w)
}

// Settings returns the settings of all workers; an empty list without
// cluster mode.
func (m *ClusterManager) Settings(ctx context.Context) ([]ClusterSetting, error) {
	r := m.Registry()
	if r == nil {
		return []ClusterSetting{}, nil
	}
	settings, err := r.GetSettings(ctx)
	if settings == nil && err == nil {
		settings = []ClusterSetting{}
	}
	return settings, err
}

// PutSetting writes one setting through the active registry.
func (m *ClusterManager) PutSetting(ctx context.Context, workerID, key, value string) error {
	r := m.Registry()
	if r == nil {
		return NewClusterError("cluster mode is not active", nil)
	}
	return r.PutSetting(ctx, workerID, key, value)
}

// Close deactivates cluster mode.
func (m *ClusterManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deactivateLocked()
}

// ClusterWatcherOptions configures a ClusterConfigWatcher.
type ClusterWatcherOptions struct {
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
	CacheTTL     time.Duration `json:"cache_ttl" yaml:"cache_ttl"`

	// AuditConfig enables the Argus audit trail for applied changes.
	AuditConfig argus.AuditConfig `json:"audit_config" yaml:"audit_config"`

	ErrorHandler func(error, string) `json:"-" yaml:"-"`
}

// DefaultClusterWatcherOptions returns polling defaults with auditing off.
func DefaultClusterWatcherOptions() ClusterWatcherOptions {
	return ClusterWatcherOptions{
		PollInterval: 5 * time.Second,
		CacheTTL:     2 * time.Second,
	}
}

// ClusterConfigWatcher applies a cluster config file to a manager and
// re-applies it whenever the file changes.
type ClusterConfigWatcher struct {
	manager    *ClusterManager
	configPath string
	options    ClusterWatcherOptions
	logger     Logger

	watcher     *argus.Watcher
	auditLogger *argus.AuditLogger

	current atomic.Pointer[ClusterConfig]
	running atomic.Bool
	stopped atomic.Bool
	mu      sync.Mutex
}

// NewClusterConfigWatcher creates a watcher for configPath.
func NewClusterConfigWatcher(manager *ClusterManager, configPath string, options ClusterWatcherOptions, logger Logger) (*ClusterConfigWatcher, error) {
	if logger == nil {
		logger = DefaultLogger()
	}
	if options.PollInterval <= 0 {
		options.PollInterval = DefaultClusterWatcherOptions().PollInterval
	}
	if options.CacheTTL <= 0 {
		options.CacheTTL = DefaultClusterWatcherOptions().CacheTTL
	}

	watcher := argus.New(argus.Config{
		PollInterval:         options.PollInterval,
		CacheTTL:             options.CacheTTL,
		MaxWatchedFiles:      1,
		Audit:                options.AuditConfig,
		OptimizationStrategy: argus.OptimizationSingleEvent,
		ErrorHandler: func(err error, path string) {
			if options.ErrorHandler != nil {
				options.ErrorHandler(err, path)
				return
			}
			logger.Error("Cluster config file watching error", "error", err, "file", path)
		},
	})

	var auditLogger *argus.AuditLogger
	if options.AuditConfig.Enabled {
		var err error
		auditLogger, err = argus.NewAuditLogger(options.AuditConfig)
		if err != nil {
			return nil, NewConfigWatcherError("failed to create audit logger", err)
		}
	}

	return &ClusterConfigWatcher{
		manager:     manager,
		configPath:  configPath,
		options:     options,
		logger:      logger,
		watcher:     watcher,
		auditLogger: auditLogger,
	}, nil
}

// Start loads and applies the file, then watches it.
func (cw *ClusterConfigWatcher) Start(ctx context.Context) error {
	if cw.stopped.Load() {
		return NewConfigWatcherError("cluster config watcher has been stopped", nil)
	}
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if !cw.running.CompareAndSwap(false, true) {
		return NewConfigWatcherError("cluster config watcher is already running", nil)
	}

	config, err := LoadClusterConfig(cw.configPath)
	if err != nil {
		cw.running.Store(false)
		return NewConfigWatcherError("failed to load initial cluster configuration", err)
	}
	if err := cw.manager.Apply(ctx, config); err != nil {
		cw.running.Store(false)
		return NewConfigWatcherError("failed to apply initial cluster configuration", err)
	}
	cw.current.Store(&config)

	if err := cw.watcher.Watch(cw.configPath, cw.handleChange); err != nil {
		cw.running.Store(false)
		return NewConfigWatcherError("failed to watch cluster config file", err)
	}
	if err := cw.watcher.Start(); err != nil {
		cw.running.Store(false)
		return NewConfigWatcherError("failed to start config watcher", err)
	}

	cw.audit("cluster_config_loaded", map[string]interface{}{
		"path":    cw.configPath,
		"enabled": config.Enabled,
		"workers": len(config.Workers),
	})
	cw.logger.Info("Cluster config watcher started", "path", cw.configPath, "poll_interval", cw.options.PollInterval)
	return nil
}

// Stop stops watching. A stopped watcher cannot be restarted.
func (cw *ClusterConfigWatcher) Stop() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if !cw.stopped.CompareAndSwap(false, true) {
		return NewConfigWatcherError("cluster config watcher is already stopped", nil)
	}
	if !cw.running.CompareAndSwap(true, false) {
		return nil
	}
	if err := cw.watcher.Stop(); err != nil {
		return NewConfigWatcherError("failed to stop config watcher", err)
	}
	if cw.auditLogger != nil {
		if err := cw.auditLogger.Close(); err != nil {
			cw.logger.Warn("Failed to close audit logger", "error", err)
		}
	}
	cw.logger.Info("Cluster config watcher stopped", "path", cw.configPath)
	return nil
}

// Current returns the last applied configuration.
func (cw *ClusterConfigWatcher) Current() *ClusterConfig {
	return cw.current.Load()
}

func (cw *ClusterConfigWatcher) handleChange(event argus.ChangeEvent) {
	if event.IsDelete {
		cw.logger.Warn("Cluster config file deleted, keeping current configuration", "path", event.Path)
		return
	}
	cw.reload(event.Path)
}

func (cw *ClusterConfigWatcher) reload(path string) {
	config, err := LoadClusterConfig(path)
	if err != nil {
		cw.logger.Error("Failed to load cluster configuration", "path", path, "error", err)
		cw.audit("cluster_config_load_failed", map[string]interface{}{"path": path, "error": err.Error()})
		return
	}
	if err := cw.manager.Apply(context.Background(), config); err != nil {
		cw.logger.Error("Failed to apply cluster configuration", "path", path, "error", err)
		cw.audit("cluster_config_apply_failed", map[string]interface{}{"path": path, "error": err.Error()})
		return
	}
	cw.current.Store(&config)
	cw.logger.Info("Cluster configuration reloaded", "enabled", config.Enabled, "workers", len(config.Workers))
	cw.audit("cluster_config_reloaded", map[string]interface{}{
		"path":    path,
		"enabled": config.Enabled,
		"workers": len(config.Workers),
	})
}

func (cw *ClusterConfigWatcher) audit(event string, context map[string]interface{}) {
	if cw.auditLogger != nil {
		cw.auditLogger.LogSecurityEvent(event, "Cluster configuration change", context)
	}
}
