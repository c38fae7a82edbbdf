// cluster_registry.go: Cluster worker registry and its serialized write path
//
// The registry tracks the workers of a cluster and exposes their settings
// (environment entries, labels and display name) for administration. Reads
// are best effort. Every mutation goes through a single write loop fed by an
// AsyncQueue, so read-modify-write cycles on a worker's environment never
// interleave. After a successful write the settings-changed listeners run
// and a debounced restart of the worker's service is scheduled.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrpc

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agilira/go-timecache"
)

// WorkerMode is the fixed role of a cluster worker.
type WorkerMode string

const (
	WorkerModeStorage WorkerMode = "storage"
	WorkerModeCompute WorkerMode = "compute"
)

// ReservedLabels is the label vocabulary always offered as choices.
var ReservedLabels = []string{
	"storage",
	"compute",
	"compute.preferred",
	"cuda",
	"rocm",
	"openvino",
	"coreml",
	"tensorflow",
}

// Setting keys synthesized from reserved environment entries.
const (
	SettingLabels = "labels"
	SettingName   = "name"
)

// EnvironmentControl reads and replaces a worker's environment file text.
type EnvironmentControl interface {
	GetEnv(ctx context.Context) (string, error)
	SetEnv(ctx context.Context, text string) error
}

// ServiceControl restarts a worker's service.
type ServiceControl interface {
	Restart(ctx context.Context) error
}

// ClusterWorker describes one worker. ID and Mode never change; Name and
// Labels follow the worker's environment.
type ClusterWorker struct {
	ID            string             `json:"id"`
	Name          string             `json:"name"`
	Mode          WorkerMode         `json:"mode"`
	Labels        []string           `json:"labels"`
	DefaultLabels []string           `json:"default_labels"`
	Env           EnvironmentControl `json:"-"`
	Service       ServiceControl     `json:"-"`

	// UpdatedAt is the cached-clock time of the last successful write.
	UpdatedAt int64 `json:"updated_at"`
}

func (w ClusterWorker) clone() ClusterWorker {
	w.Labels = append([]string(nil), w.Labels...)
	w.DefaultLabels = append([]string(nil), w.DefaultLabels...)
	return w
}

// ClusterSetting is one administrable setting of one worker.
type ClusterSetting struct {
	WorkerID string   `json:"worker_id"`
	Group    string   `json:"group"`
	Key      string   `json:"key"`
	Title    string   `json:"title"`
	Type     string   `json:"type"`
	Value    string   `json:"value,omitempty"`
	Values   []string `json:"values,omitempty"`
	Choices  []string `json:"choices,omitempty"`
}

// ClusterRegistryConfig configures a ClusterRegistry.
type ClusterRegistryConfig struct {
	// RestartDelay debounces service restarts after writes.
	RestartDelay time.Duration `json:"restart_delay" yaml:"restart_delay"`

	// RestartTimeout bounds a single restart call.
	RestartTimeout time.Duration `json:"restart_timeout" yaml:"restart_timeout"`
}

// ApplyDefaults fills unset fields.
func (c *ClusterRegistryConfig) ApplyDefaults() {
	if c.RestartDelay <= 0 {
		c.RestartDelay = 2 * time.Second
	}
	if c.RestartTimeout <= 0 {
		c.RestartTimeout = 30 * time.Second
	}
}

type clusterWrite struct {
	ctx      context.Context
	workerID string
	apply    func(env *EnvFile, w *ClusterWorker) error
	done     chan error
}

// ClusterRegistry holds the workers of an active cluster.
type ClusterRegistry struct {
	config ClusterRegistryConfig
	logger Logger

	mu        sync.RWMutex
	workers   map[string]*ClusterWorker
	listeners []func(workerID string)

	writes   *AsyncQueue[*clusterWrite]
	loopDone chan struct{}

	restartMu sync.Mutex
	restarts  map[string]*time.Timer
	closed    bool
}

// NewClusterRegistry creates a registry and starts its write loop.
func NewClusterRegistry(config ClusterRegistryConfig, logger Logger) *ClusterRegistry {
	if logger == nil {
		logger = DefaultLogger()
	}
	config.ApplyDefaults()

	r := &ClusterRegistry{
		config:   config,
		logger:   logger,
		workers:  make(map[string]*ClusterWorker),
		writes:   NewAsyncQueue[*clusterWrite](),
		loopDone: make(chan struct{}),
		restarts: make(map[string]*time.Timer),
	}
	SafeGo(logger, r.writeLoop)
	return r
}

// AddWorker registers or replaces a worker.
func (r *ClusterRegistry) AddWorker(w ClusterWorker) error {
	if w.ID == "" {
		return NewClusterError("worker id is required", nil)
	}
	if w.Mode != WorkerModeStorage && w.Mode != WorkerModeCompute {
		return NewClusterError("invalid worker mode: "+string(w.Mode), nil).
			WithContext("worker_id", w.ID)
	}
	if w.Name == "" {
		w.Name = w.ID
	}
	w = w.clone()
	if w.Labels == nil {
		w.Labels = append([]string(nil), w.DefaultLabels...)
	}

	r.mu.Lock()
	r.workers[w.ID] = &w
	r.mu.Unlock()

	r.logger.Info("Cluster worker registered", "worker_id", w.ID, "name", w.Name, "mode", w.Mode)
	return nil
}

// RemoveWorker drops a worker and cancels its pending restart.
func (r *ClusterRegistry) RemoveWorker(id string) bool {
	r.mu.Lock()
	_, ok := r.workers[id]
	delete(r.workers, id)
	r.mu.Unlock()

	r.restartMu.Lock()
	if t, found := r.restarts[id]; found {
		t.Stop()
		delete(r.restarts, id)
	}
	r.restartMu.Unlock()

	if ok {
		r.logger.Info("Cluster worker removed", "worker_id", id)
	}
	return ok
}

// Worker returns a snapshot of one worker.
func (r *ClusterRegistry) Worker(id string) (ClusterWorker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return ClusterWorker{}, false
	}
	return w.clone(), true
}

// Workers returns snapshots of all workers ordered by name, then id.
func (r *ClusterRegistry) Workers() []ClusterWorker {
	r.mu.RLock()
	out := make([]ClusterWorker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// OnSettingsChanged registers fn to run after every successful write.
func (r *ClusterRegistry) OnSettingsChanged(fn func(workerID string)) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// GetSettings reads every worker's environment and returns its settings.
// Workers whose environment cannot be read are skipped.
func (r *ClusterRegistry) GetSettings(ctx context.Context) ([]ClusterSetting, error) {
	var settings []ClusterSetting
	for _, w := range r.Workers() {
		if w.Env == nil {
			continue
		}
		text, err := w.Env.GetEnv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.logger.Warn("Skipping unreadable worker environment", "worker_id", w.ID, "error", err)
			continue
		}
		settings = append(settings, workerSettings(w, ParseEnvironment(text))...)
	}
	return settings, nil
}

func workerSettings(w ClusterWorker, env *EnvFile) []ClusterSetting {
	group := w.Name + " (" + string(w.Mode) + ")"

	name := w.Name
	if v, ok := env.Get(EnvClusterWorkerName); ok && v != "" {
		name = v
	}
	labels := w.DefaultLabels
	if v, ok := env.Get(EnvClusterLabels); ok {
		labels = ParseLabels(v)
	}

	out := []ClusterSetting{
		{WorkerID: w.ID, Group: group, Key: SettingName, Title: "Worker Name", Type: "string", Value: name},
		{
			WorkerID: w.ID,
			Group:    group,
			Key:      SettingLabels,
			Title:    "Labels",
			Type:     "labels",
			Values:   labels,
			Choices:  labelChoices(w.DefaultLabels, labels),
		},
	}
	for _, e := range env.Entries() {
		if e.Key == EnvClusterLabels || e.Key == EnvClusterWorkerName {
			continue
		}
		out = append(out, ClusterSetting{
			WorkerID: w.ID,
			Group:    group,
			Key:      e.Key,
			Title:    e.Key,
			Type:     "string",
			Value:    e.Value,
		})
	}
	return out
}

// labelChoices is defaults, then applied, then the reserved vocabulary,
// without duplicates.
func labelChoices(defaults, applied []string) []string {
	var out []string
	for _, set := range [][]string{defaults, applied, ReservedLabels} {
		for _, l := range set {
			if !containsString(out, l) {
				out = append(out, l)
			}
		}
	}
	return out
}

// PutSetting writes one setting. The keys "labels" (comma separated) and
// "name" map to the reserved entries; any other key is written verbatim.
func (r *ClusterRegistry) PutSetting(ctx context.Context, workerID, key, value string) error {
	switch key {
	case SettingLabels:
		return r.SetLabels(ctx, workerID, ParseLabels(value))
	case SettingName:
		return r.SetName(ctx, workerID, value)
	}
	return r.write(ctx, workerID, func(env *EnvFile, _ *ClusterWorker) error {
		return env.Set(key, value)
	})
}

// SetLabels replaces a worker's labels.
func (r *ClusterRegistry) SetLabels(ctx context.Context, workerID string, labels []string) error {
	return r.write(ctx, workerID, func(env *EnvFile, w *ClusterWorker) error {
		return setLabels(env, w, ParseLabels(FormatLabels(labels)))
	})
}

// AddLabels adds labels to those currently applied.
func (r *ClusterRegistry) AddLabels(ctx context.Context, workerID string, labels []string) error {
	return r.write(ctx, workerID, func(env *EnvFile, w *ClusterWorker) error {
		current := appliedLabels(env, w)
		return setLabels(env, w, ParseLabels(FormatLabels(append(current, labels...))))
	})
}

// RemoveLabels removes labels from those currently applied.
func (r *ClusterRegistry) RemoveLabels(ctx context.Context, workerID string, labels []string) error {
	return r.write(ctx, workerID, func(env *EnvFile, w *ClusterWorker) error {
		var kept []string
		for _, l := range appliedLabels(env, w) {
			if !containsString(labels, l) {
				kept = append(kept, l)
			}
		}
		return setLabels(env, w, kept)
	})
}

// SetName changes a worker's display name.
func (r *ClusterRegistry) SetName(ctx context.Context, workerID, name string) error {
	return r.write(ctx, workerID, func(env *EnvFile, w *ClusterWorker) error {
		if name == "" {
			env.Delete(EnvClusterWorkerName)
			w.Name = w.ID
			return nil
		}
		if err := env.Set(EnvClusterWorkerName, name); err != nil {
			return err
		}
		w.Name = name
		return nil
	})
}

func appliedLabels(env *EnvFile, w *ClusterWorker) []string {
	if v, ok := env.Get(EnvClusterLabels); ok {
		return ParseLabels(v)
	}
	return append([]string(nil), w.DefaultLabels...)
}

func setLabels(env *EnvFile, w *ClusterWorker, labels []string) error {
	if err := env.Set(EnvClusterLabels, FormatLabels(labels)); err != nil {
		return err
	}
	w.Labels = labels
	return nil
}

// write queues a mutation and waits until the write loop applied it.
func (r *ClusterRegistry) write(ctx context.Context, workerID string, apply func(*EnvFile, *ClusterWorker) error) error {
	if _, ok := r.Worker(workerID); !ok {
		return NewWorkerUnknownError(workerID)
	}

	job := &clusterWrite{ctx: ctx, workerID: workerID, apply: apply, done: make(chan error, 1)}
	if !r.writes.Submit(job) {
		return NewClusterError("cluster registry closed", nil)
	}

	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *ClusterRegistry) writeLoop() {
	defer close(r.loopDone)
	for {
		job, err := r.writes.Dequeue(context.Background())
		if err != nil {
			return
		}
		job.done <- r.applyWrite(job)
	}
}

func (r *ClusterRegistry) applyWrite(job *clusterWrite) error {
	if err := job.ctx.Err(); err != nil {
		return err
	}
	snapshot, ok := r.Worker(job.workerID)
	if !ok {
		return NewWorkerUnknownError(job.workerID)
	}
	if snapshot.Env == nil {
		return NewClusterWriteError(job.workerID, NewClusterError("worker has no environment control", nil))
	}

	text, err := snapshot.Env.GetEnv(job.ctx)
	if err != nil {
		return NewClusterWriteError(job.workerID, err)
	}
	env := ParseEnvironment(text)
	if err := job.apply(env, &snapshot); err != nil {
		return err
	}
	if err := snapshot.Env.SetEnv(job.ctx, env.String()); err != nil {
		return NewClusterWriteError(job.workerID, err)
	}

	r.mu.Lock()
	if w, ok := r.workers[job.workerID]; ok {
		w.Name = snapshot.Name
		w.Labels = snapshot.Labels
		w.UpdatedAt = timecache.CachedTimeNano()
	}
	listeners := append([]func(string){}, r.listeners...)
	r.mu.Unlock()

	r.logger.Debug("Cluster worker settings written", "worker_id", job.workerID)
	for _, fn := range listeners {
		fn(job.workerID)
	}
	r.scheduleRestart(job.workerID)
	return nil
}

// scheduleRestart (re)arms the worker's restart timer.
func (r *ClusterRegistry) scheduleRestart(workerID string) {
	r.restartMu.Lock()
	defer r.restartMu.Unlock()

	if r.closed {
		return
	}
	if t, ok := r.restarts[workerID]; ok {
		t.Reset(r.config.RestartDelay)
		return
	}
	r.restarts[workerID] = time.AfterFunc(r.config.RestartDelay, func() {
		r.restartMu.Lock()
		delete(r.restarts, workerID)
		r.restartMu.Unlock()
		r.restartWorker(workerID)
	})
}

func (r *ClusterRegistry) restartWorker(workerID string) {
	w, ok := r.Worker(workerID)
	if !ok || w.Service == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.config.RestartTimeout)
	defer cancel()

	if err := w.Service.Restart(ctx); err != nil {
		r.logger.Warn("Cluster worker restart failed", "worker_id", workerID, "error", err)
		return
	}
	r.logger.Info("Cluster worker restarted", "worker_id", workerID)
}

// Close stops the write loop after queued writes finished and cancels
// pending restarts.
func (r *ClusterRegistry) Close() {
	r.writes.End(nil)
	<-r.loopDone

	r.restartMu.Lock()
	r.closed = true
	for id, t := range r.restarts {
		t.Stop()
		delete(r.restarts, id)
	}
	r.restartMu.Unlock()
}

// NewRemoteEnvironmentControl reaches an EnvFileObject through a proxy.
func NewRemoteEnvironmentControl(proxy *Proxy) EnvironmentControl {
	return &remoteEnvironmentControl{proxy: proxy}
}

type remoteEnvironmentControl struct {
	proxy *Proxy
}

func (c *remoteEnvironmentControl) GetEnv(ctx context.Context) (string, error) {
	var text string
	err := c.proxy.CallInto(ctx, &text, "getEnv")
	return text, err
}

func (c *remoteEnvironmentControl) SetEnv(ctx context.Context, text string) error {
	_, err := c.proxy.Call(ctx, "setEnv", text)
	return err
}

// NewRemoteServiceControl reaches a ServiceObject through a proxy.
func NewRemoteServiceControl(proxy *Proxy) ServiceControl {
	return &remoteServiceControl{proxy: proxy}
}

type remoteServiceControl struct {
	proxy *Proxy
}

func (c *remoteServiceControl) Restart(ctx context.Context) error {
	_, err := c.proxy.Call(ctx, "restart")
	return err
}

// NewEnvFileObject exports control over an environment as an RPC object
// with methods getEnv and setEnv.
func NewEnvFileObject(control EnvironmentControl) *LocalObject {
	return NewLocalObject("EnvFile").
		Method("getEnv", func(ctx context.Context, _ Args) (any, error) {
			return control.GetEnv(ctx)
		}).
		Method("setEnv", func(ctx context.Context, args Args) (any, error) {
			text, err := args.String(0)
			if err != nil {
				return nil, err
			}
			return nil, control.SetEnv(ctx, text)
		})
}

// NewServiceObject exports a ServiceControl as an RPC object with method
// restart.
func NewServiceObject(control ServiceControl) *LocalObject {
	return NewLocalObject("Service").
		Method("restart", func(ctx context.Context, _ Args) (any, error) {
			return nil, control.Restart(ctx)
		})
}

// ServiceFunc adapts a function to ServiceControl.
type ServiceFunc func(ctx context.Context) error

// Restart implements ServiceControl.
func (f ServiceFunc) Restart(ctx context.Context) error { return f(ctx) }
