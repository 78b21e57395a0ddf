package compute

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMaskSensitiveCommand(t *testing.T) {
	cases := []struct {
		name string
		cmd  string
		want string
	}{
		{"quoted", `ANTHROPIC_API_KEY='sk-123' claude run`, `ANTHROPIC_API_KEY=*** claude run`},
		{"double quoted", `API_KEY="abc def" echo hi`, `API_KEY=*** echo hi`},
		{"bare", `TOKEN=xyz echo hi`, `TOKEN=*** echo hi`},
		{"case insensitive", `password=secret echo`, `password=*** echo`},
		{"no secret", `echo hello world`, `echo hello world`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := MaskSensitiveCommand(c.cmd); got != c.want {
				t.Errorf("MaskSensitiveCommand(%q) = %q, want %q", c.cmd, got, c.want)
			}
		})
	}
}

func TestMaskSensitiveCommand_Idempotent(t *testing.T) {
	cmd := `SECRET=abc123 run`
	once := MaskSensitiveCommand(cmd)
	twice := MaskSensitiveCommand(once)
	if once != twice {
		t.Errorf("masking not idempotent: %q then %q", once, twice)
	}
}

func TestNeedsShellWrap(t *testing.T) {
	cases := []struct {
		cmd  string
		want bool
	}{
		{"echo hello", false},
		{"echo a | grep b", true},
		{"echo a && echo b", true},
		{"echo a; echo b", true},
		{"echo `whoami`", true},
		{"echo $(whoami)", true},
	}
	for _, c := range cases {
		if got := needsShellWrap(c.cmd); got != c.want {
			t.Errorf("needsShellWrap(%q) = %v, want %v", c.cmd, got, c.want)
		}
	}
}

func TestSafeQuoteForBash(t *testing.T) {
	quoted, err := safeQuoteForBash(`it's a test`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(quoted, "'") || !strings.HasSuffix(quoted, "'") {
		t.Errorf("expected single-quoted output, got %q", quoted)
	}

	if _, err := safeQuoteForBash("bad\x00value"); !errors.Is(err, ErrCommandRejected) {
		t.Errorf("expected ErrCommandRejected for NUL byte, got %v", err)
	}
}

func TestPrepareCommand_WrapsOnlyWhenNeeded(t *testing.T) {
	plain, err := prepareCommand("echo hello")
	if err != nil || plain != "echo hello" {
		t.Errorf("plain command should pass through unchanged, got %q, err %v", plain, err)
	}

	wrapped, err := prepareCommand("echo a | grep b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(wrapped, "bash -c ") {
		t.Errorf("expected bash -c wrap, got %q", wrapped)
	}
}

func TestError_Retryable(t *testing.T) {
	cases := []struct {
		kind Kind
		want bool
	}{
		{KindHTTP, true},
		{KindTransport, true},
		{KindTimeout, true},
		{KindAuth, false},
		{KindSandboxNotFound, false},
		{KindCommandRejected, false},
		{KindInvalid, false},
	}
	for _, c := range cases {
		e := &Error{Kind: c.kind}
		if got := e.Retryable(); got != c.want {
			t.Errorf("Error{Kind:%s}.Retryable() = %v, want %v", c.kind, got, c.want)
		}
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{401, KindAuth},
		{403, KindAuth},
		{404, KindSandboxNotFound},
		{500, KindHTTP},
		{503, KindHTTP},
		{400, KindInvalid},
	}
	for _, c := range cases {
		err := classifyStatus(c.status, "body")
		if err == nil || err.Kind != c.want {
			t.Errorf("classifyStatus(%d) = %v, want kind %s", c.status, err, c.want)
		}
	}
	if classifyStatus(200, "") != nil {
		t.Error("classifyStatus(200) should be nil")
	}
}

func TestClient_CreateSandbox(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sandboxes" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q, want Bearer tok", got)
		}
		_ = json.NewEncoder(w).Encode(SandboxInfo{ID: "sb1", Status: "idle"})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", nil)
	out, err := c.CreateSandbox(context.Background(), CreateSandboxInput{Snapshot: "base"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.ID != "sb1" || out.Status != "idle" {
		t.Errorf("got %+v", out)
	}
}

func TestClient_Execute_MasksLoggedCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req executeRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if !strings.Contains(req.Command, "sk-real-secret") {
			t.Errorf("request to sandbox should carry the real value, got %q", req.Command)
		}
		_ = json.NewEncoder(w).Encode(ExecuteResult{Success: true, Output: "ok", ExitCode: 0})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", nil)
	result, masked, err := c.Execute(context.Background(), "sb1", `ANTHROPIC_API_KEY=sk-real-secret claude --yes`, "/workspace", 5*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success || result.Output != "ok" {
		t.Errorf("got %+v", result)
	}
	if strings.Contains(masked, "sk-real-secret") {
		t.Errorf("masked command leaked secret: %q", masked)
	}
}

func TestClient_Execute_CommandRejectedNeverFallsBack(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", nil)
	_, _, err := c.Execute(context.Background(), "sb1", "echo a | grep \x00", "/workspace", time.Second)
	var cerr *Error
	if !errors.As(err, &cerr) || cerr.Kind != KindCommandRejected {
		t.Fatalf("expected CommandRejected error, got %v", err)
	}
	if called {
		t.Error("server should never be called when command is rejected")
	}
}

func TestClient_GetSandbox_404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("not found"))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", nil)
	_, err := c.GetSandbox(context.Background(), "missing")
	var cerr *Error
	if !errors.As(err, &cerr) || cerr.Kind != KindSandboxNotFound {
		t.Fatalf("expected SandboxNotFound, got %v", err)
	}
}
