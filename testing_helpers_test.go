// testing_helpers_test.go: Shared helpers for peer, worker and cluster tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrpc

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testTimeout bounds every blocking call made by a test.
const testTimeout = 5 * time.Second

// testContext returns a context cancelled after testTimeout or at test end.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

// newConnectedPeers returns a host and a worker peer joined by a pipe. Both
// are closed when the test ends.
func newConnectedPeers(t *testing.T) (host, worker *Peer) {
	t.Helper()
	logger := NewTestLogger()
	host, worker, err := NewPeerPair(context.Background(),
		PeerConfig{LocalName: "host", Logger: logger},
		PeerConfig{LocalName: "worker", Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() {
		host.Close(nil)
		worker.Close(nil)
	})
	return host, worker
}

// writeTempFile writes content under a fresh temp dir and returns the path.
func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

// memoryEnvControl is an in-memory EnvironmentControl.
type memoryEnvControl struct {
	mu       sync.Mutex
	text     string
	writes   int
	getErr   error
	setErr   error
	setDelay time.Duration
}

func (m *memoryEnvControl) GetEnv(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return "", m.getErr
	}
	return m.text, nil
}

func (m *memoryEnvControl) SetEnv(ctx context.Context, text string) error {
	if m.setDelay > 0 {
		time.Sleep(m.setDelay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.text = text
	m.writes++
	return nil
}

func (m *memoryEnvControl) snapshot() (string, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.text, m.writes
}

// countingService records restart requests.
type countingService struct {
	mu       sync.Mutex
	restarts int
	err      error
}

func (c *countingService) Restart(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.restarts++
	return c.err
}

func (c *countingService) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restarts
}
