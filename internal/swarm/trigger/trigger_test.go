package trigger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/swarmd/internal/swarm/bus"
	"github.com/basket/swarmd/internal/swarm/compute"
	"github.com/basket/swarmd/internal/swarm/pool"
	"github.com/basket/swarmd/internal/swarm/store"
	"github.com/basket/swarmd/internal/swarm/telemetry"
	"github.com/basket/swarmd/internal/swarm/types"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(context.Background(), filepath.Join(dir, "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// fakeProviderServer emulates a remote compute provider well enough for
// dispatch-cycle tests: sandbox creation always succeeds, and every execute
// call returns success.
func fakeProviderServer(t *testing.T) *httptest.Server {
	t.Helper()
	var sandboxSeq int
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/sandboxes":
			sandboxSeq++
			_ = json.NewEncoder(w).Encode(compute.SandboxInfo{ID: "provider-sb", Status: "idle"})
		case strings.HasSuffix(r.URL.Path, "/files"):
			w.WriteHeader(http.StatusOK)
		case strings.HasSuffix(r.URL.Path, "/execute"):
			_ = json.NewEncoder(w).Encode(compute.ExecuteResult{Success: true, Output: "ok"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func waitForTaskStatus(t *testing.T, st *store.Store, taskID string, want types.TaskStatus, timeout time.Duration) types.Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, err := st.FindTaskByID(context.Background(), taskID)
		if err != nil {
			t.Fatalf("find task: %v", err)
		}
		if task.Status == want {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach status %q within %s", taskID, want, timeout)
	return types.Task{}
}

func TestRunOnce_HappyPathDispatchesAndCompletes(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	hub := bus.New(nil)
	srv := fakeProviderServer(t)
	defer srv.Close()
	cc := compute.New(srv.URL, "tok", nil)
	pm := pool.New(st, hub, telemetry.Counters{})
	loop := New(st, pm, cc, hub, telemetry.Counters{}, nil)

	sw, err := st.CreateSwarm(ctx, "sw", "", "")
	if err != nil {
		t.Fatalf("create swarm: %v", err)
	}
	task, err := st.CreateTask(ctx, sw.ID, store.CreateTaskInput{Title: "t1"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	if err := loop.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	completed := waitForTaskStatus(t, st, task.ID, types.TaskCompleted, 2*time.Second)
	if completed.Result != "ok" {
		t.Errorf("result = %q, want ok", completed.Result)
	}
	if completed.SandboxID != "" {
		t.Errorf("expected sandbox released (sandbox_id cleared), got %q", completed.SandboxID)
	}
}

func TestRunOnce_DependencyGatingBlocksUntilDependencyCompletes(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	hub := bus.New(nil)
	srv := fakeProviderServer(t)
	defer srv.Close()
	cc := compute.New(srv.URL, "tok", nil)
	pm := pool.New(st, hub, telemetry.Counters{})
	loop := New(st, pm, cc, hub, telemetry.Counters{}, nil)

	sw, _ := st.CreateSwarm(ctx, "sw", "", "")
	dep, err := st.CreateTask(ctx, sw.ID, store.CreateTaskInput{Title: "dep"})
	if err != nil {
		t.Fatalf("create dep: %v", err)
	}
	blocked, err := st.CreateTask(ctx, sw.ID, store.CreateTaskInput{Title: "blocked", DependsOn: []string{dep.ID}})
	if err != nil {
		t.Fatalf("create blocked task: %v", err)
	}

	if err := loop.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	// Let dep's async finalize settle; blocked must never move off pending
	// while dep is incomplete.
	waitForTaskStatus(t, st, dep.ID, types.TaskCompleted, 2*time.Second)

	got, err := st.FindTaskByID(ctx, blocked.ID)
	if err != nil {
		t.Fatalf("find blocked: %v", err)
	}
	if got.Status != types.TaskPending {
		t.Errorf("blocked task status = %q, want still pending (dep not yet complete at dispatch time)", got.Status)
	}

	// Now a second cycle should dispatch the now-unblocked task.
	if err := loop.RunOnce(ctx); err != nil {
		t.Fatalf("second run once: %v", err)
	}
	waitForTaskStatus(t, st, blocked.ID, types.TaskCompleted, 2*time.Second)
}

func TestRunOnce_CapacitySaturationDefersDispatch(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	hub := bus.New(nil)
	srv := fakeProviderServer(t)
	defer srv.Close()
	cc := compute.New(srv.URL, "tok", nil)
	pm := pool.New(st, hub, telemetry.Counters{})
	loop := New(st, pm, cc, hub, telemetry.Counters{}, nil)

	noPoolMax := 0
	if _, err := st.UpdateConfig(ctx, store.UpdateConfigInput{PoolMax: &noPoolMax}); err != nil {
		t.Fatalf("update config: %v", err)
	}

	sw, _ := st.CreateSwarm(ctx, "sw", "", "")
	task, err := st.CreateTask(ctx, sw.ID, store.CreateTaskInput{Title: "t1"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	if err := loop.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	got, err := st.FindTaskByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("find task: %v", err)
	}
	if got.Status != types.TaskPending {
		t.Errorf("status = %q, want pending (pool at capacity, nothing to dispatch onto)", got.Status)
	}
}

func TestRunOnce_PausedSwarmNeverDispatches(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	hub := bus.New(nil)
	srv := fakeProviderServer(t)
	defer srv.Close()
	cc := compute.New(srv.URL, "tok", nil)
	pm := pool.New(st, hub, telemetry.Counters{})
	loop := New(st, pm, cc, hub, telemetry.Counters{}, nil)

	sw, _ := st.CreateSwarm(ctx, "sw", "", "")
	if err := st.UpdateSwarmStatus(ctx, sw.ID, types.SwarmPaused); err != nil {
		t.Fatalf("pause swarm: %v", err)
	}
	task, err := st.CreateTask(ctx, sw.ID, store.CreateTaskInput{Title: "t1"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	if err := loop.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	got, err := st.FindTaskByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("find task: %v", err)
	}
	if got.Status != types.TaskPending {
		t.Errorf("status = %q, want pending (swarm is paused)", got.Status)
	}
}

func TestStats_ReflectsProcessingAndRunningState(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	hub := bus.New(nil)
	pm := pool.New(st, hub, telemetry.Counters{})
	loop := New(st, pm, nil, hub, telemetry.Counters{}, nil)

	stats, err := loop.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.IsRunning {
		t.Error("expected IsRunning = false before Start")
	}
	if stats.ProcessingCount != 0 {
		t.Errorf("expected zero processing count, got %d", stats.ProcessingCount)
	}
}
