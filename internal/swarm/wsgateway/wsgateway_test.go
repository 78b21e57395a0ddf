package wsgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/swarmd/internal/swarm/bus"
	"github.com/basket/swarmd/internal/swarm/pool"
	"github.com/basket/swarmd/internal/swarm/skillsdir"
	"github.com/basket/swarmd/internal/swarm/store"
	"github.com/basket/swarmd/internal/swarm/telemetry"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(context.Background(), filepath.Join(dir, "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	hub := bus.New(nil)
	t.Cleanup(hub.Shutdown)
	pm := pool.New(st, hub, telemetry.Counters{})
	skills := skillsdir.New(filepath.Join(dir, "skills"), nil)
	return New(st, hub, pm, nil, skills, nil, nil), st
}

func doRequest(t *testing.T, mux *http.ServeMux, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v, body=%s", err, w.Body.String())
	}
	return env
}

func TestCreateSwarm_RejectsMalformedBodyBeforeSemanticChecks(t *testing.T) {
	s, _ := newTestServer(t)
	mux := http.NewServeMux()
	s.Routes(mux)

	w := doRequest(t, mux, http.MethodPost, "/swarms", `{"description": "no name field"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400; body=%s", w.Code, w.Body.String())
	}
	env := decodeEnvelope(t, w)
	if env.Success {
		t.Error("expected success=false for missing required name")
	}
}

func TestCreateSwarm_HappyPath(t *testing.T) {
	s, _ := newTestServer(t)
	mux := http.NewServeMux()
	s.Routes(mux)

	w := doRequest(t, mux, http.MethodPost, "/swarms", `{"name": "my-swarm"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", w.Code, w.Body.String())
	}
	env := decodeEnvelope(t, w)
	if !env.Success {
		t.Fatalf("expected success, got %+v", env)
	}
}

func TestGetTask_IDORReturnsNotFoundAcrossSwarms(t *testing.T) {
	s, st := newTestServer(t)
	mux := http.NewServeMux()
	s.Routes(mux)

	ctx := context.Background()
	swA, err := st.CreateSwarm(ctx, "a", "", "")
	if err != nil {
		t.Fatalf("create swarm a: %v", err)
	}
	swB, err := st.CreateSwarm(ctx, "b", "", "")
	if err != nil {
		t.Fatalf("create swarm b: %v", err)
	}
	task, err := st.CreateTask(ctx, swA.ID, store.CreateTaskInput{Title: "t"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	w := doRequest(t, mux, http.MethodGet, "/swarms/"+swB.ID+"/tasks/"+task.ID, "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 (IDOR fold); body=%s", w.Code, w.Body.String())
	}

	w = doRequest(t, mux, http.MethodGet, "/swarms/"+swA.ID+"/tasks/"+task.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for correct owner; body=%s", w.Code, w.Body.String())
	}
}

func TestListSkills_EmptyWhenRootMissing(t *testing.T) {
	s, _ := newTestServer(t)
	mux := http.NewServeMux()
	s.Routes(mux)

	w := doRequest(t, mux, http.MethodGet, "/skills", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"success":true`) {
		t.Errorf("expected success envelope, got %s", w.Body.String())
	}
}

func TestGetSkill_MissingNameIsNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	mux := http.NewServeMux()
	s.Routes(mux)

	w := doRequest(t, mux, http.MethodGet, "/skills/does-not-exist", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404; body=%s", w.Code, w.Body.String())
	}
}

func TestPostChat_RejectsOversizedMessage(t *testing.T) {
	s, st := newTestServer(t)
	mux := http.NewServeMux()
	s.Routes(mux)

	sw, err := st.CreateSwarm(context.Background(), "sw", "", "")
	if err != nil {
		t.Fatalf("create swarm: %v", err)
	}

	huge := strings.Repeat("a", 10001)
	body, _ := json.Marshal(map[string]string{"message": huge})
	w := doRequest(t, mux, http.MethodPost, "/swarms/"+sw.ID+"/chat", string(body))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400; body=%s", w.Code, w.Body.String())
	}
}
