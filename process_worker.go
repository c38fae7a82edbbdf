// process_worker.go: Worker processes connected to the host over stdio
//
// ProcessSpawner launches a worker executable, connects a Peer to its
// stdin/stdout, forwards its stderr into the host logger and completes the
// hello handshake before handing the worker out. Its Spawn method is a
// SpawnFunc, so a Zygote keeps warm worker processes ready.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrpc

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/shirou/gopsutil/mem"
	"github.com/shirou/gopsutil/process"
)

// ProcessSpawnerConfig configures a ProcessSpawner.
type ProcessSpawnerConfig struct {
	ExecutablePath string   `json:"executable_path" yaml:"executable_path"`
	Args           []string `json:"args" yaml:"args"`
	Env            []string `json:"env" yaml:"env"`

	// WorkerName is passed to the worker as its peer name.
	WorkerName string `json:"worker_name" yaml:"worker_name"`

	Handshake  HandshakeConfig  `json:"handshake" yaml:"handshake"`
	Frame      FrameConfig      `json:"frame" yaml:"frame"`
	StreamSync StreamSyncConfig `json:"stream_sync" yaml:"stream_sync"`

	HandshakeTimeout time.Duration `json:"handshake_timeout" yaml:"handshake_timeout"`
	ShutdownTimeout  time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`

	// HealthCheck pings each worker; workers failing too often are closed.
	HealthCheck HealthCheckConfig `json:"health_check" yaml:"health_check"`

	// CircuitBreaker stops relaunching a binary that keeps failing to start.
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`

	Logger Logger `json:"-" yaml:"-"`
}

// ApplyDefaults fills unset fields.
func (c *ProcessSpawnerConfig) ApplyDefaults() {
	if c.Handshake.ProtocolVersion == 0 {
		c.Handshake = DefaultHandshakeConfig
	}
	c.Frame.ApplyDefaults()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = HandshakeTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	c.HealthCheck.ApplyDefaults()
	c.CircuitBreaker.ApplyDefaults()
	if c.Logger == nil {
		c.Logger = DefaultLogger()
	}
}

// Validate checks the configuration.
func (c *ProcessSpawnerConfig) Validate() error {
	if c.ExecutablePath == "" {
		return NewConfigValidationError("executable_path is required", nil)
	}
	info, err := os.Stat(c.ExecutablePath)
	if err != nil {
		return NewConfigValidationError("executable not accessible", err)
	}
	if info.IsDir() {
		return NewConfigValidationError("executable_path is a directory", nil)
	}
	return c.Handshake.Validate()
}

// ProcessSpawner starts worker processes.
type ProcessSpawner struct {
	config    ProcessSpawnerConfig
	logger    Logger
	handshake *HandshakeManager
	breaker   *CircuitBreaker
	spawn     SpawnFunc[*ProcessWorker]
}

// NewProcessSpawner validates config and creates a spawner.
func NewProcessSpawner(config ProcessSpawnerConfig) (*ProcessSpawner, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	s := &ProcessSpawner{
		config:    config,
		logger:    config.Logger,
		handshake: NewHandshakeManager(config.Handshake, config.Logger),
		breaker:   NewCircuitBreaker(config.CircuitBreaker),
	}
	s.spawn = GuardSpawn(s.start, s.breaker)
	return s, nil
}

// Spawn starts one worker process and waits until its peer completed the
// handshake. ctx bounds the start-up only; the process outlives it. While
// the circuit breaker is open Spawn fails without starting a process.
func (s *ProcessSpawner) Spawn(ctx context.Context) (*ProcessWorker, error) {
	return s.spawn(ctx)
}

// BreakerStats returns the spawn circuit breaker counters.
func (s *ProcessSpawner) BreakerStats() CircuitBreakerStats {
	return s.breaker.GetStats()
}

func (s *ProcessSpawner) start(ctx context.Context) (*ProcessWorker, error) {
	id, err := NewWorkerID()
	if err != nil {
		return nil, err
	}
	logger := s.logger.With("worker_id", id)

	cmd := exec.Command(s.config.ExecutablePath, s.config.Args...) // #nosec G204 -- path validated in config
	env := s.handshake.PrepareEnvironment(WorkerLaunchInfo{
		ProtocolVersion: s.config.Handshake.ProtocolVersion,
		Transport:       TransportStdio,
		WorkerID:        id,
		WorkerName:      s.config.WorkerName,
	})
	cmd.Env = append(env, s.config.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, NewProcessError("failed to create stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, NewProcessError("failed to create stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, NewProcessError("failed to create stderr pipe", err)
	}

	logger.Info("Starting worker process", "path", s.config.ExecutablePath, "args", s.config.Args)
	if err := cmd.Start(); err != nil {
		return nil, NewProcessError("failed to start process", err)
	}

	syncer := NewStreamSyncer(s.config.StreamSync, logger)
	syncer.Sync("stderr", stderr)

	w := &ProcessWorker{
		id:              id,
		cmd:             cmd,
		logger:          logger,
		syncer:          syncer,
		startNano:       timecache.CachedTimeNano(),
		exited:          make(chan struct{}),
		shutdownTimeout: s.config.ShutdownTimeout,
	}
	w.peer = NewPeer(PeerConfig{
		LocalName: "host",
		Handshake: s.config.Handshake,
		Logger:    logger,
	})

	go w.waitExit()

	stream := &pipeStream{Reader: stdout, Writer: stdin, closers: []io.Closer{stdin}}
	w.conn, err = ConnectStream(context.Background(), w.peer, stream, s.config.Frame)
	if err != nil {
		w.kill()
		return nil, err
	}

	hctx, cancel := context.WithTimeout(ctx, s.config.HandshakeTimeout)
	defer cancel()
	hello, err := w.peer.Handshake(hctx)
	if err != nil {
		w.kill()
		return nil, NewProcessError("worker handshake failed", err).WithContext("worker_id", id)
	}
	w.name = hello.Name
	w.health = NewHealthChecker(w.peer, s.config.HealthCheck, logger)

	logger.Info("Worker process ready", "pid", cmd.Process.Pid, "name", w.name)
	return w, nil
}

// ProcessWorker is a running worker process and the peer connected to it.
type ProcessWorker struct {
	id     string
	name   string
	cmd    *exec.Cmd
	peer   *Peer
	conn   *StreamConnection
	syncer *StreamSyncer
	health *HealthChecker
	logger Logger

	startNano       int64
	shutdownTimeout time.Duration

	exited  chan struct{}
	exitErr error

	closeOnce sync.Once
}

// ProcessStats is a resource usage snapshot of a worker process.
type ProcessStats struct {
	PID               int           `json:"pid"`
	CPUPercent        float64       `json:"cpu_percent"`
	RSSBytes          uint64        `json:"rss_bytes"`
	NumThreads        int32         `json:"num_threads"`
	HostMemoryPercent float64       `json:"host_memory_percent"`
	UptimeSeconds     float64       `json:"uptime_seconds"`
	Peer              PeerStats     `json:"peer"`
	Health            HealthStatus  `json:"health"`
	Streams           []StreamStats `json:"streams"`
}

// ID returns the worker id passed to the process at launch.
func (w *ProcessWorker) ID() string { return w.id }

// Name returns the name announced by the worker in its hello.
func (w *ProcessWorker) Name() string { return w.name }

// Peer returns the host-side peer connected to the worker.
func (w *ProcessWorker) Peer() *Peer { return w.peer }

// PID returns the operating system process id.
func (w *ProcessWorker) PID() int { return w.cmd.Process.Pid }

// Exited is closed once the process has exited.
func (w *ProcessWorker) Exited() <-chan struct{} { return w.exited }

// GetParam fetches an object published by the worker.
func (w *ProcessWorker) GetParam(ctx context.Context, name string) (*Proxy, error) {
	return w.peer.GetParam(ctx, name)
}

// Stats samples resource usage of the worker process.
func (w *ProcessWorker) Stats() (ProcessStats, error) {
	stats := ProcessStats{
		PID:           w.PID(),
		UptimeSeconds: time.Duration(timecache.CachedTimeNano() - w.startNano).Seconds(),
		Peer:          w.peer.Stats(),
		Health:        w.health.Status(),
		Streams:       w.syncer.Stats(),
	}

	proc, err := process.NewProcess(int32(stats.PID))
	if err != nil {
		return stats, NewProcessError("process not found", err).WithContext("pid", stats.PID)
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	if memInfo, err := proc.MemoryInfo(); err == nil {
		stats.RSSBytes = memInfo.RSS
	}
	if threads, err := proc.NumThreads(); err == nil {
		stats.NumThreads = threads
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		stats.HostMemoryPercent = vm.UsedPercent
	}
	return stats, nil
}

// Close closes the peer, then waits for the process to exit, killing it
// after the shutdown timeout.
func (w *ProcessWorker) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.logger.Info("Stopping worker process", "pid", w.PID())
		w.health.Stop()
		w.conn.Close()

		select {
		case <-w.exited:
		case <-time.After(w.shutdownTimeout):
			w.logger.Warn("Worker did not exit in time, killing", "pid", w.PID())
			w.kill()
			<-w.exited
		}
		w.syncer.Wait()
		err = w.exitErr
	})
	return err
}

func (w *ProcessWorker) waitExit() {
	err := w.cmd.Wait()
	if err != nil {
		w.exitErr = NewProcessError("worker exited with error", err).WithContext("worker_id", w.id)
		w.logger.Warn("Worker process exited", "error", err)
	} else {
		w.logger.Info("Worker process exited")
	}
	close(w.exited)
	w.peer.Close(NewProcessError("worker process exited", err))
}

func (w *ProcessWorker) kill() {
	if w.cmd.Process == nil {
		return
	}
	if err := w.cmd.Process.Kill(); err != nil {
		w.logger.Debug("Failed to kill worker process", "error", err)
	}
}
