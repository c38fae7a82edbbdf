// cluster_registry_test.go: Tests for the cluster worker registry
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrpc

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, delay time.Duration) (*ClusterRegistry, *TestLogger) {
	t.Helper()
	logger := NewTestLogger()
	r := NewClusterRegistry(ClusterRegistryConfig{RestartDelay: delay}, logger)
	t.Cleanup(r.Close)
	return r, logger
}

func TestClusterRegistry_AddWorkerValidation(t *testing.T) {
	r, _ := newTestRegistry(t, time.Hour)

	assert.True(t, HasErrorCode(r.AddWorker(ClusterWorker{Mode: WorkerModeCompute}), ErrCodeClusterError))
	assert.True(t, HasErrorCode(r.AddWorker(ClusterWorker{ID: "w1", Mode: "gpu"}), ErrCodeClusterError))

	require.NoError(t, r.AddWorker(ClusterWorker{
		ID:            "w1",
		Mode:          WorkerModeCompute,
		DefaultLabels: []string{"compute"},
	}))
	w, ok := r.Worker("w1")
	require.True(t, ok)
	assert.Equal(t, "w1", w.Name, "name defaults to the id")
	assert.Equal(t, []string{"compute"}, w.Labels, "labels default to the defaults")

	assert.True(t, r.RemoveWorker("w1"))
	assert.False(t, r.RemoveWorker("w1"))
	_, ok = r.Worker("w1")
	assert.False(t, ok)
}

func TestClusterRegistry_WorkersSorted(t *testing.T) {
	r, _ := newTestRegistry(t, time.Hour)
	require.NoError(t, r.AddWorker(ClusterWorker{ID: "c", Name: "beta", Mode: WorkerModeStorage}))
	require.NoError(t, r.AddWorker(ClusterWorker{ID: "b", Name: "alpha", Mode: WorkerModeStorage}))
	require.NoError(t, r.AddWorker(ClusterWorker{ID: "a", Name: "beta", Mode: WorkerModeCompute}))

	var ids []string
	for _, w := range r.Workers() {
		ids = append(ids, w.ID)
	}
	assert.Equal(t, []string{"b", "a", "c"}, ids)
}

func TestClusterRegistry_GetSettings(t *testing.T) {
	r, _ := newTestRegistry(t, time.Hour)
	env := &memoryEnvControl{text: "# managed\nCLUSTER_LABELS=cuda,custom\nCLUSTER_WORKER_NAME=Big Box\nCACHE_DIR=/data\n"}
	require.NoError(t, r.AddWorker(ClusterWorker{
		ID:            "gpu",
		Name:          "gpu",
		Mode:          WorkerModeCompute,
		DefaultLabels: []string{"compute"},
		Env:           env,
	}))

	settings, err := r.GetSettings(testContext(t))
	require.NoError(t, err)
	require.Len(t, settings, 3)

	name := settings[0]
	assert.Equal(t, SettingName, name.Key)
	assert.Equal(t, "Big Box", name.Value)
	assert.Equal(t, "gpu (compute)", name.Group)

	labels := settings[1]
	assert.Equal(t, SettingLabels, labels.Key)
	assert.Equal(t, []string{"cuda", "custom"}, labels.Values)
	assert.Equal(t, []string{"compute", "cuda", "custom"}, labels.Choices[:3])
	for _, reserved := range ReservedLabels {
		assert.Contains(t, labels.Choices, reserved)
	}

	assert.Equal(t, "CACHE_DIR", settings[2].Key)
	assert.Equal(t, "/data", settings[2].Value)
}

func TestClusterRegistry_GetSettingsSkipsUnreadable(t *testing.T) {
	r, logger := newTestRegistry(t, time.Hour)
	require.NoError(t, r.AddWorker(ClusterWorker{
		ID: "bad", Mode: WorkerModeStorage,
		Env: &memoryEnvControl{getErr: stderrors.New("connection refused")},
	}))
	require.NoError(t, r.AddWorker(ClusterWorker{
		ID: "good", Mode: WorkerModeStorage,
		DefaultLabels: []string{"storage"},
		Env:           &memoryEnvControl{},
	}))
	require.NoError(t, r.AddWorker(ClusterWorker{ID: "detached", Mode: WorkerModeStorage}))

	settings, err := r.GetSettings(testContext(t))
	require.NoError(t, err)
	require.Len(t, settings, 2)
	for _, s := range settings {
		assert.Equal(t, "good", s.WorkerID)
	}
	assert.Equal(t, []string{"storage"}, settings[1].Values, "missing CLUSTER_LABELS falls back to defaults")
	assert.True(t, logger.HasMessage("WARN", "Skipping unreadable worker environment"))
}

func TestClusterRegistry_ConcurrentLabelWritesAllPersist(t *testing.T) {
	r, _ := newTestRegistry(t, time.Hour)
	env := &memoryEnvControl{setDelay: 5 * time.Millisecond}
	require.NoError(t, r.AddWorker(ClusterWorker{ID: "w", Mode: WorkerModeCompute, Env: env}))
	ctx := testContext(t)

	labels := []string{"cuda", "rocm", "openvino", "coreml", "tensorflow", "x1", "x2", "x3"}
	var wg sync.WaitGroup
	for _, l := range labels {
		wg.Add(1)
		go func(label string) {
			defer wg.Done()
			assert.NoError(t, r.AddLabels(ctx, "w", []string{label}))
		}(l)
	}
	wg.Wait()

	text, writes := env.snapshot()
	assert.Equal(t, len(labels), writes)
	got, _ := ParseEnvironment(text).Get(EnvClusterLabels)
	assert.ElementsMatch(t, labels, ParseLabels(got))

	w, _ := r.Worker("w")
	assert.ElementsMatch(t, labels, w.Labels)
	assert.NotZero(t, w.UpdatedAt)
}

func TestClusterRegistry_LabelOperations(t *testing.T) {
	r, _ := newTestRegistry(t, time.Hour)
	env := &memoryEnvControl{text: "# keep me\n"}
	require.NoError(t, r.AddWorker(ClusterWorker{
		ID: "w", Mode: WorkerModeCompute, DefaultLabels: []string{"compute"}, Env: env,
	}))
	ctx := testContext(t)

	require.NoError(t, r.AddLabels(ctx, "w", []string{"cuda"}))
	text, _ := env.snapshot()
	assert.Equal(t, "# keep me\nCLUSTER_LABELS=compute,cuda\n", text)

	require.NoError(t, r.RemoveLabels(ctx, "w", []string{"compute"}))
	w, _ := r.Worker("w")
	assert.Equal(t, []string{"cuda"}, w.Labels)

	require.NoError(t, r.PutSetting(ctx, "w", SettingLabels, "rocm, rocm ,storage"))
	w, _ = r.Worker("w")
	assert.Equal(t, []string{"rocm", "storage"}, w.Labels)

	require.NoError(t, r.SetLabels(ctx, "w", nil))
	text, _ = env.snapshot()
	got, ok := ParseEnvironment(text).Get(EnvClusterLabels)
	assert.True(t, ok, "an empty label list is written, not removed")
	assert.Equal(t, "", got)
}

func TestClusterRegistry_NameAndPlainSettings(t *testing.T) {
	r, _ := newTestRegistry(t, time.Hour)
	env := &memoryEnvControl{}
	require.NoError(t, r.AddWorker(ClusterWorker{ID: "w", Mode: WorkerModeStorage, Env: env}))
	ctx := testContext(t)

	var changed []string
	var mu sync.Mutex
	r.OnSettingsChanged(func(id string) {
		mu.Lock()
		changed = append(changed, id)
		mu.Unlock()
	})

	require.NoError(t, r.PutSetting(ctx, "w", SettingName, "Archive"))
	w, _ := r.Worker("w")
	assert.Equal(t, "Archive", w.Name)

	require.NoError(t, r.PutSetting(ctx, "w", "CACHE_SIZE", "10G"))
	text, _ := env.snapshot()
	v, _ := ParseEnvironment(text).Get("CACHE_SIZE")
	assert.Equal(t, "10G", v)

	require.NoError(t, r.SetName(ctx, "w", ""))
	w, _ = r.Worker("w")
	assert.Equal(t, "w", w.Name, "clearing the name falls back to the id")

	assert.Error(t, r.PutSetting(ctx, "w", "bad key", "x"))

	mu.Lock()
	assert.Equal(t, []string{"w", "w", "w"}, changed)
	mu.Unlock()
}

func TestClusterRegistry_UnknownWorker(t *testing.T) {
	r, _ := newTestRegistry(t, time.Hour)
	err := r.SetLabels(testContext(t), "ghost", []string{"cuda"})
	assert.True(t, HasErrorCode(err, ErrCodeWorkerUnknown))
}

func TestClusterRegistry_WriteFailure(t *testing.T) {
	r, _ := newTestRegistry(t, time.Hour)
	env := &memoryEnvControl{setErr: stderrors.New("read-only file system")}
	svc := &countingService{}
	require.NoError(t, r.AddWorker(ClusterWorker{ID: "w", Mode: WorkerModeStorage, Env: env, Service: svc}))

	err := r.AddLabels(testContext(t), "w", []string{"cuda"})
	assert.True(t, HasErrorCode(err, ErrCodeClusterWriteError))

	w, _ := r.Worker("w")
	assert.Empty(t, w.Labels, "failed writes leave the worker unchanged")
}

func TestClusterRegistry_DebouncedRestart(t *testing.T) {
	r, _ := newTestRegistry(t, 50*time.Millisecond)
	svc := &countingService{}
	require.NoError(t, r.AddWorker(ClusterWorker{
		ID: "w", Mode: WorkerModeCompute, Env: &memoryEnvControl{}, Service: svc,
	}))
	ctx := testContext(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, r.PutSetting(ctx, "w", "GENERATION", string(rune('a'+i))))
	}
	assert.Equal(t, 0, svc.count(), "restart waits for the debounce delay")

	assert.Eventually(t, func() bool { return svc.count() == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, svc.count(), "a burst of writes restarts once")
}

func TestClusterRegistry_RestartFailureIsLogged(t *testing.T) {
	r, logger := newTestRegistry(t, 10*time.Millisecond)
	var calls atomic.Int32
	svc := ServiceFunc(func(ctx context.Context) error {
		calls.Add(1)
		return stderrors.New("systemctl: unit not found")
	})
	require.NoError(t, r.AddWorker(ClusterWorker{
		ID: "w", Mode: WorkerModeCompute, Env: &memoryEnvControl{}, Service: svc,
	}))

	require.NoError(t, r.PutSetting(testContext(t), "w", "A", "1"))
	assert.Eventually(t, func() bool {
		return logger.HasMessage("WARN", "Cluster worker restart failed")
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClusterRegistry_CloseCancelsRestarts(t *testing.T) {
	logger := NewTestLogger()
	r := NewClusterRegistry(ClusterRegistryConfig{RestartDelay: 50 * time.Millisecond}, logger)
	svc := &countingService{}
	require.NoError(t, r.AddWorker(ClusterWorker{
		ID: "w", Mode: WorkerModeCompute, Env: &memoryEnvControl{}, Service: svc,
	}))

	require.NoError(t, r.PutSetting(testContext(t), "w", "A", "1"))
	r.Close()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, svc.count())

	err := r.PutSetting(context.Background(), "w", "A", "2")
	assert.True(t, HasErrorCode(err, ErrCodeClusterError))
}

func TestClusterRegistry_RemoteControls(t *testing.T) {
	host, worker := newConnectedPeers(t)
	ctx := testContext(t)

	env := &memoryEnvControl{text: "CLUSTER_LABELS=compute\n"}
	svc := &countingService{}
	worker.Publish("env", NewEnvFileObject(env))
	worker.Publish("service", NewServiceObject(svc))

	envProxy, err := host.GetParam(ctx, "env")
	require.NoError(t, err)
	svcProxy, err := host.GetParam(ctx, "service")
	require.NoError(t, err)

	r, _ := newTestRegistry(t, 10*time.Millisecond)
	require.NoError(t, r.AddWorker(ClusterWorker{
		ID:      "remote",
		Mode:    WorkerModeCompute,
		Env:     NewRemoteEnvironmentControl(envProxy),
		Service: NewRemoteServiceControl(svcProxy),
	}))

	require.NoError(t, r.AddLabels(ctx, "remote", []string{"cuda"}))
	text, _ := env.snapshot()
	assert.Equal(t, "CLUSTER_LABELS=compute,cuda\n", text)

	assert.Eventually(t, func() bool { return svc.count() == 1 }, time.Second, 10*time.Millisecond)
}
