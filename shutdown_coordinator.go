// shutdown_coordinator.go: Ordered host shutdown
//
// ShutdownCoordinator drains tracked peers before closing host components
// in reverse registration order: first in-flight calls finish, then peers
// close, then zygotes, servers and registries go down.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrpc

import (
	"context"
	"io"
	"sync"
	"time"
)

// drainPollInterval is how often GracefulShutdown re-checks pending calls.
const drainPollInterval = 10 * time.Millisecond

// ShutdownPhase is the phase a ShutdownCoordinator is in.
type ShutdownPhase string

const (
	ShutdownPhaseRunning  ShutdownPhase = "running"
	ShutdownPhaseDraining ShutdownPhase = "draining"
	ShutdownPhaseClosing  ShutdownPhase = "closing"
	ShutdownPhaseComplete ShutdownPhase = "complete"
)

type namedCloser struct {
	name   string
	closer io.Closer
}

// ShutdownCoordinator shuts a host down in a fixed order.
type ShutdownCoordinator struct {
	logger Logger

	mu         sync.Mutex
	phase      ShutdownPhase
	peers      []*Peer
	components []namedCloser
}

// ShutdownStatus is a snapshot of a ShutdownCoordinator.
type ShutdownStatus struct {
	Phase        ShutdownPhase `json:"phase"`
	ActivePeers  int           `json:"active_peers"`
	PendingCalls int           `json:"pending_calls"`
	Components   []string      `json:"components"`
}

// NewShutdownCoordinator creates a coordinator in the running phase.
func NewShutdownCoordinator(logger Logger) *ShutdownCoordinator {
	if logger == nil {
		logger = DefaultLogger()
	}
	return &ShutdownCoordinator{logger: logger, phase: ShutdownPhaseRunning}
}

// TrackPeer adds a peer whose pending calls are drained on shutdown.
func (sc *ShutdownCoordinator) TrackPeer(peer *Peer) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.peers = append(sc.peers, peer)
}

// Register adds a component closed after the peers. Components close in
// reverse registration order.
func (sc *ShutdownCoordinator) Register(name string, c io.Closer) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.components = append(sc.components, namedCloser{name: name, closer: c})
}

// GracefulShutdown waits for pending calls on tracked peers to finish or
// for ctx to end, then closes everything. It returns the first close error.
func (sc *ShutdownCoordinator) GracefulShutdown(ctx context.Context) error {
	if !sc.enter(ShutdownPhaseDraining) {
		return nil
	}
	sc.logger.Info("Starting graceful shutdown")

	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for {
		pending := sc.pendingCalls()
		if pending == 0 {
			break
		}
		select {
		case <-ctx.Done():
			sc.logger.Warn("Drain interrupted, closing with calls in flight", "pending_calls", pending)
			return sc.closeAll(ctx.Err())
		case <-ticker.C:
		}
	}
	return sc.closeAll(nil)
}

// ForceShutdown closes everything without draining.
func (sc *ShutdownCoordinator) ForceShutdown() error {
	if !sc.enter(ShutdownPhaseClosing) {
		return nil
	}
	sc.logger.Warn("Performing force shutdown", "pending_calls", sc.pendingCalls())
	return sc.closeAll(NewPeerClosedError("host", nil))
}

// Status returns the current phase and counters.
func (sc *ShutdownCoordinator) Status() ShutdownStatus {
	sc.mu.Lock()
	status := ShutdownStatus{Phase: sc.phase}
	peers := append([]*Peer(nil), sc.peers...)
	for _, c := range sc.components {
		status.Components = append(status.Components, c.name)
	}
	sc.mu.Unlock()

	for _, p := range peers {
		if p.State() == PeerClosed {
			continue
		}
		status.ActivePeers++
		status.PendingCalls += p.Stats().PendingCalls
	}
	return status
}

func (sc *ShutdownCoordinator) enter(phase ShutdownPhase) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.phase != ShutdownPhaseRunning {
		return false
	}
	sc.phase = phase
	return true
}

func (sc *ShutdownCoordinator) pendingCalls() int {
	return sc.Status().PendingCalls
}

func (sc *ShutdownCoordinator) closeAll(cause error) error {
	sc.mu.Lock()
	sc.phase = ShutdownPhaseClosing
	peers := append([]*Peer(nil), sc.peers...)
	components := append([]namedCloser(nil), sc.components...)
	sc.mu.Unlock()

	for _, p := range peers {
		p.Close(cause)
	}

	var firstErr error
	for i := len(components) - 1; i >= 0; i-- {
		c := components[i]
		if err := c.closer.Close(); err != nil {
			sc.logger.Error("Component failed to close", "component", c.name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	sc.mu.Lock()
	sc.phase = ShutdownPhaseComplete
	sc.mu.Unlock()

	sc.logger.Info("Shutdown completed", "peers", len(peers), "components", len(components))
	return firstErr
}
