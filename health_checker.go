// health_checker.go: Periodic liveness checks for connected peers
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrpc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
)

// HealthCheckConfig configures a HealthChecker.
type HealthCheckConfig struct {
	Enabled  bool          `json:"enabled" yaml:"enabled"`
	Interval time.Duration `json:"interval" yaml:"interval"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout"`

	// FailureLimit is the number of consecutive failed pings after which
	// the peer is closed.
	FailureLimit int `json:"failure_limit" yaml:"failure_limit"`
}

// ApplyDefaults fills unset fields.
func (c *HealthCheckConfig) ApplyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.FailureLimit <= 0 {
		c.FailureLimit = 3
	}
}

// PeerStatus is the health of a peer as seen by its checker.
type PeerStatus int

const (
	StatusUnknown PeerStatus = iota
	StatusHealthy
	StatusDegraded
	StatusOffline
)

// String implements fmt.Stringer.
func (s PeerStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// HealthStatus is the outcome of the latest check.
type HealthStatus struct {
	Status              PeerStatus    `json:"status"`
	Message             string        `json:"message,omitempty"`
	LastCheck           time.Time     `json:"last_check"`
	ResponseTime        time.Duration `json:"response_time"`
	ConsecutiveFailures int64         `json:"consecutive_failures"`
}

// HealthChecker pings a peer at a fixed interval. A ping that fails marks
// the peer degraded; FailureLimit failures in a row close it, which rejects
// its pending calls and lets owners such as ProcessWorker clean up.
//
// Usage example:
//
//	checker := NewHealthChecker(peer, HealthCheckConfig{Enabled: true}, logger)
//	defer checker.Stop()
//	status := checker.Status()
type HealthChecker struct {
	peer   *Peer
	config HealthCheckConfig
	logger Logger

	consecutiveFailures atomic.Int64
	lastCheck           atomic.Int64

	mu     sync.Mutex
	status HealthStatus

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewHealthChecker creates a checker for peer and starts it when enabled.
func NewHealthChecker(peer *Peer, config HealthCheckConfig, logger Logger) *HealthChecker {
	if logger == nil {
		logger = DefaultLogger()
	}
	config.ApplyDefaults()

	hc := &HealthChecker{
		peer:   peer,
		config: config,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if config.Enabled {
		go hc.run()
	} else {
		close(hc.done)
	}
	return hc
}

// Check pings the peer once and updates the status.
func (hc *HealthChecker) Check(ctx context.Context) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, hc.config.Timeout)
	defer cancel()

	rtt, err := hc.peer.Ping(ctx)
	now := timecache.CachedTime()
	hc.lastCheck.Store(now.UnixNano())

	status := HealthStatus{LastCheck: now, ResponseTime: rtt}
	if err == nil {
		hc.consecutiveFailures.Store(0)
		status.Status = StatusHealthy
		hc.setStatus(status)
		return status
	}

	failures := hc.consecutiveFailures.Add(1)
	status.ConsecutiveFailures = failures
	status.Message = err.Error()
	status.Status = StatusDegraded

	if failures >= int64(hc.config.FailureLimit) || hc.peer.State() == PeerClosed {
		status.Status = StatusOffline
		if hc.peer.State() != PeerClosed {
			hc.logger.Warn("Peer failed health checks, closing", "failures", failures, "error", err)
			hc.peer.Close(NewCommunicationError("health check failed", err).
				WithContext("consecutive_failures", failures))
		}
	} else {
		hc.logger.Debug("Health check failed", "failures", failures, "error", err)
	}
	hc.setStatus(status)
	return status
}

func (hc *HealthChecker) setStatus(status HealthStatus) {
	hc.mu.Lock()
	hc.status = status
	hc.mu.Unlock()
}

// Status returns the outcome of the latest check.
func (hc *HealthChecker) Status() HealthStatus {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.status
}

// GetConsecutiveFailures returns the current failure streak.
func (hc *HealthChecker) GetConsecutiveFailures() int64 {
	return hc.consecutiveFailures.Load()
}

// GetLastCheck returns the time of the latest check.
func (hc *HealthChecker) GetLastCheck() time.Time {
	ns := hc.lastCheck.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Stop ends periodic checking and waits for an in-flight check.
func (hc *HealthChecker) Stop() {
	hc.stopOnce.Do(func() { close(hc.stop) })
	<-hc.done
}

// Done is closed once the checker stopped, either through Stop or because
// the peer closed.
func (hc *HealthChecker) Done() <-chan struct{} {
	return hc.done
}

func (hc *HealthChecker) run() {
	defer close(hc.done)

	ticker := time.NewTicker(hc.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if hc.Check(context.Background()).Status == StatusOffline {
				return
			}
		case <-hc.peer.Done():
			return
		case <-hc.stop:
			return
		}
	}
}
