// Package wsgateway is the HTTP/WebSocket surface sitting atop
// the Edge Façade: JSON request/response framing over net/http, and
// discriminator-tagged frame streaming over github.com/coder/websocket,
// following an Accept/read-loop/heartbeat shape, generalized from JSON-RPC
// framing to a Connected/Ping/Pong/Error envelope.
package wsgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/swarmd/internal/swarm/bus"
	"github.com/basket/swarmd/internal/swarm/compute"
	"github.com/basket/swarmd/internal/swarm/edge"
	"github.com/basket/swarmd/internal/swarm/pool"
	"github.com/basket/swarmd/internal/swarm/skillsdir"
	"github.com/basket/swarmd/internal/swarm/store"
	"github.com/basket/swarmd/internal/swarm/trigger"
	"github.com/basket/swarmd/internal/swarm/types"
)

const heartbeatInterval = 30 * time.Second

// Server is the HTTP/WS entrypoint wiring the Store, Broadcast Hub, Pool
// Manager and Trigger Loop behind the Edge Façade's validation rules.
type Server struct {
	store   *store.Store
	hub     *bus.Hub
	pool    *pool.Manager
	trigger *trigger.Loop
	skills  *skillsdir.Directory
	logger  *slog.Logger

	allowOrigins []string
}

// New constructs a Server. logger defaults to slog.Default() when nil. skills
// may be nil, in which case the GET /skills routes report an empty listing
// and a not-found for any individual name.
func New(st *store.Store, hub *bus.Hub, pm *pool.Manager, tl *trigger.Loop, skills *skillsdir.Directory, allowOrigins []string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: st, hub: hub, pool: pm, trigger: tl, skills: skills, allowOrigins: allowOrigins, logger: logger}
}

// envelope is the uniform {success, data} / {success:false, error} response
// shape.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func ok(w http.ResponseWriter, data any) { writeJSON(w, http.StatusOK, envelope{Success: true, Data: data}) }

func fail(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, envelope{Success: false, Error: err.Error()})
}

// decodeValidated reads the full request body, validates it against shape
// (a compiled JSON schema check from the edge package), and then
// decodes it into dst. Schema validation runs before the edge package's
// numeric/length checks, so a malformed body never reaches them.
func decodeValidated(r *http.Request, shape func([]byte) error, dst any) error {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if err := shape(raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", edge.ErrValidation, err)
	}
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, edge.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrValidation), errors.Is(err, edge.ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Routes registers the HTTP and WebSocket surface on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /swarms", s.listSwarms)
	mux.HandleFunc("POST /swarms", s.createSwarm)
	mux.HandleFunc("GET /swarms/{id}", s.getSwarm)
	mux.HandleFunc("PUT /swarms/{id}", s.updateSwarm)
	mux.HandleFunc("DELETE /swarms/{id}", s.deleteSwarm)
	mux.HandleFunc("POST /swarms/{id}/pause", s.pauseSwarm)
	mux.HandleFunc("POST /swarms/{id}/resume", s.resumeSwarm)

	mux.HandleFunc("GET /swarms/{id}/tasks", s.listTasks)
	mux.HandleFunc("POST /swarms/{id}/tasks", s.createTask)
	mux.HandleFunc("GET /swarms/{id}/tasks/{task_id}", s.getTask)
	mux.HandleFunc("PATCH /swarms/{id}/tasks/{task_id}", s.updateTask)
	mux.HandleFunc("DELETE /swarms/{id}/tasks/{task_id}", s.deleteTask)
	mux.HandleFunc("POST /swarms/{id}/tasks/{task_id}/retry", s.retryTask)

	mux.HandleFunc("GET /swarms/{id}/chat", s.listChat)
	mux.HandleFunc("POST /swarms/{id}/chat", s.postChat)

	mux.HandleFunc("GET /pool", s.poolStatus)
	mux.HandleFunc("POST /pool/cleanup", s.poolCleanup)
	mux.HandleFunc("GET /pool/{id}", s.getSandbox)
	mux.HandleFunc("DELETE /pool/{id}", s.deleteSandbox)

	mux.HandleFunc("GET /config/swarm", s.getConfig)
	mux.HandleFunc("PUT /config/swarm", s.updateConfig)
	mux.HandleFunc("POST /config/swarm/test", s.testConfig)
	mux.HandleFunc("GET /config/swarm/status", s.configStatus)

	mux.HandleFunc("GET /skills", s.listSkills)
	mux.HandleFunc("GET /skills/{name}", s.getSkill)

	mux.HandleFunc("GET /ws/swarms/{id}/tasks/{task_id}/logs", s.wsLogs)
	mux.HandleFunc("GET /ws/swarms/{id}/chat", s.wsChat)
	mux.HandleFunc("GET /ws/pool", s.wsPool)
}

// --- Swarms ---

func (s *Server) listSwarms(w http.ResponseWriter, r *http.Request) {
	swarms, err := s.store.FindAllSwarms(r.Context())
	if err != nil {
		fail(w, statusFor(err), err)
		return
	}
	ok(w, swarms)
}

type createSwarmRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	ProjectID   string `json:"project_id"`
}

func (s *Server) createSwarm(w http.ResponseWriter, r *http.Request) {
	var req createSwarmRequest
	if err := decodeValidated(r, edge.ValidateSwarmCreateShape, &req); err != nil {
		fail(w, statusFor(err), err)
		return
	}
	if err := edge.ValidateSwarmInput(req.Name, req.Description); err != nil {
		fail(w, http.StatusBadRequest, err)
		return
	}
	sw, err := s.store.CreateSwarm(r.Context(), req.Name, req.Description, req.ProjectID)
	if err != nil {
		fail(w, statusFor(err), err)
		return
	}
	ok(w, sw)
}

func (s *Server) getSwarm(w http.ResponseWriter, r *http.Request) {
	sw, err := s.store.FindSwarmByID(r.Context(), r.PathValue("id"))
	if err != nil {
		fail(w, statusFor(err), err)
		return
	}
	ok(w, sw)
}

func (s *Server) updateSwarm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        *string `json:"name"`
		Description *string `json:"description"`
		ProjectID   *string `json:"project_id"`
	}
	if err := decodeValidated(r, edge.ValidateSwarmUpdateShape, &req); err != nil {
		fail(w, statusFor(err), err)
		return
	}
	if req.Name != nil || req.Description != nil {
		name, desc := "", ""
		if req.Name != nil {
			name = *req.Name
		}
		if req.Description != nil {
			desc = *req.Description
		}
		if err := edge.ValidateSwarmInput(name, desc); err != nil {
			fail(w, http.StatusBadRequest, err)
			return
		}
	}
	sw, err := s.store.UpdateSwarm(r.Context(), r.PathValue("id"), req.Name, req.Description, req.ProjectID)
	if err != nil {
		fail(w, statusFor(err), err)
		return
	}
	ok(w, sw)
}

func (s *Server) deleteSwarm(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteSwarmCascade(r.Context(), id); err != nil {
		fail(w, statusFor(err), err)
		return
	}
	s.hub.CleanupSwarmChat(id)
	ok(w, nil)
}

func (s *Server) pauseSwarm(w http.ResponseWriter, r *http.Request) {
	s.setSwarmStatus(w, r, types.SwarmPaused)
}

func (s *Server) resumeSwarm(w http.ResponseWriter, r *http.Request) {
	s.setSwarmStatus(w, r, types.SwarmActive)
}

func (s *Server) setSwarmStatus(w http.ResponseWriter, r *http.Request, to types.SwarmStatus) {
	if err := s.store.UpdateSwarmStatus(r.Context(), r.PathValue("id"), to); err != nil {
		fail(w, statusFor(err), err)
		return
	}
	ok(w, nil)
}

// --- Tasks ---

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.FindTasksBySwarm(r.Context(), r.PathValue("id"))
	if err != nil {
		fail(w, statusFor(err), err)
		return
	}
	ok(w, tasks)
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title       string             `json:"title"`
		Description string             `json:"description"`
		Priority    types.TaskPriority `json:"priority"`
		DependsOn   []string           `json:"depends_on"`
		Tags        []string           `json:"tags"`
	}
	if err := decodeValidated(r, edge.ValidateTaskCreateShape, &req); err != nil {
		fail(w, statusFor(err), err)
		return
	}
	if err := edge.ValidateTaskInput(req.Title, req.Description, req.DependsOn, req.Tags); err != nil {
		fail(w, http.StatusBadRequest, err)
		return
	}
	task, err := s.store.CreateTask(r.Context(), r.PathValue("id"), store.CreateTaskInput{
		Title: req.Title, Description: req.Description, Priority: req.Priority,
		DependsOn: req.DependsOn, Tags: req.Tags,
	})
	if err != nil {
		fail(w, statusFor(err), err)
		return
	}
	ok(w, task)
}

func (s *Server) loadOwnedTask(r *http.Request) (types.Task, error) {
	task, err := s.store.FindTaskByID(r.Context(), r.PathValue("task_id"))
	if err != nil {
		return types.Task{}, err
	}
	return edge.TaskInSwarm(task, r.PathValue("id"))
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.loadOwnedTask(r)
	if err != nil {
		fail(w, statusFor(err), err)
		return
	}
	ok(w, task)
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	if _, err := s.loadOwnedTask(r); err != nil {
		fail(w, statusFor(err), err)
		return
	}
	var req struct {
		Title       *string             `json:"title"`
		Description *string             `json:"description"`
		Priority    *types.TaskPriority `json:"priority"`
		DependsOn   *[]string           `json:"depends_on"`
		Tags        *[]string           `json:"tags"`
	}
	if err := decodeValidated(r, edge.ValidateTaskUpdateShape, &req); err != nil {
		fail(w, statusFor(err), err)
		return
	}
	task, err := s.store.UpdateTask(r.Context(), r.PathValue("task_id"), store.UpdateTaskInput{
		Title: req.Title, Description: req.Description, Priority: req.Priority,
		DependsOn: req.DependsOn, Tags: req.Tags,
	})
	if err != nil {
		fail(w, statusFor(err), err)
		return
	}
	ok(w, task)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.loadOwnedTask(r)
	if err != nil {
		fail(w, statusFor(err), err)
		return
	}
	if err := s.store.DeleteTask(r.Context(), task.ID); err != nil {
		fail(w, statusFor(err), err)
		return
	}
	s.hub.CleanupTaskLogs(task.ID)
	ok(w, nil)
}

func (s *Server) retryTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.loadOwnedTask(r)
	if err != nil {
		fail(w, statusFor(err), err)
		return
	}
	if err := s.store.RetryTask(r.Context(), task.ID); err != nil {
		fail(w, statusFor(err), err)
		return
	}
	ok(w, nil)
}

// --- Chat ---

const (
	defaultChatLimit = 100
	maxChatLimit     = 500
)

func (s *Server) listChat(w http.ResponseWriter, r *http.Request) {
	limit := defaultChatLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxChatLimit {
		limit = maxChatLimit
	}
	msgs, err := s.store.FindChatBySwarm(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		fail(w, statusFor(err), err)
		return
	}
	ok(w, msgs)
}

func (s *Server) postChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message  string `json:"message"`
		Metadata string `json:"metadata"`
	}
	if err := decodeValidated(r, edge.ValidateChatCreateShape, &req); err != nil {
		fail(w, statusFor(err), err)
		return
	}
	if err := edge.ValidateChatInput(req.Message, req.Metadata); err != nil {
		fail(w, http.StatusBadRequest, err)
		return
	}
	swarmID := r.PathValue("id")
	msg, err := s.store.CreateChatMessage(r.Context(), swarmID, types.SenderUser, "", req.Message, req.Metadata)
	if err != nil {
		fail(w, statusFor(err), err)
		return
	}
	s.hub.PublishChat(swarmID, bus.ChatMessageData{
		ID: msg.ID, SwarmID: msg.SwarmID, Sender: string(msg.Sender),
		SenderID: msg.SenderID, Message: msg.Message, Metadata: msg.Metadata,
		CreatedAt: msg.CreatedAt.UTC().Format(time.RFC3339),
	})
	ok(w, msg)
}

// --- Pool ---

func (s *Server) poolStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.pool.Status(r.Context())
	if err != nil {
		fail(w, statusFor(err), err)
		return
	}
	ok(w, st)
}

func (s *Server) poolCleanup(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.GetConfig(r.Context())
	if err != nil {
		fail(w, statusFor(err), err)
		return
	}
	destroyed, err := s.pool.CleanupIdle(r.Context(), time.Duration(cfg.PoolIdleTimeoutMinutes)*time.Minute)
	if err != nil {
		fail(w, statusFor(err), err)
		return
	}
	ok(w, destroyed)
}

func (s *Server) getSandbox(w http.ResponseWriter, r *http.Request) {
	sb, err := s.store.FindSandboxByID(r.Context(), r.PathValue("id"))
	if err != nil {
		fail(w, statusFor(err), err)
		return
	}
	ok(w, sb)
}

func (s *Server) deleteSandbox(w http.ResponseWriter, r *http.Request) {
	if err := s.pool.Delete(r.Context(), r.PathValue("id")); err != nil {
		if errors.Is(err, pool.ErrSandboxBusy) {
			fail(w, http.StatusConflict, err)
			return
		}
		fail(w, statusFor(err), err)
		return
	}
	ok(w, nil)
}

// --- Config ---

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.GetConfig(r.Context())
	if err != nil {
		fail(w, statusFor(err), err)
		return
	}
	ok(w, cfg.Secrets())
}

func (s *Server) updateConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProviderURL         *string  `json:"provider_url"`
		ProviderAPIKey      *string  `json:"provider_api_key"`
		AnthropicAPIKey     *string  `json:"anthropic_api_key"`
		GitToken            *string  `json:"git_token"`
		PoolMax             *int     `json:"pool_max"`
		PoolDefaultSnapshot *string  `json:"pool_default_snapshot"`
		SkillsPath          *string  `json:"skills_path"`
		TriggerEnabled      *bool    `json:"trigger_enabled"`
		PollIntervalSeconds *int     `json:"poll_interval_seconds"`
		MaxRetries          *int     `json:"max_retries"`
		BaseDelayMS         *int64   `json:"base_delay_ms"`
		BackoffMultiplier   *float64 `json:"backoff_multiplier"`
	}
	if err := decodeValidated(r, edge.ValidateConfigUpdateShape, &req); err != nil {
		fail(w, statusFor(err), err)
		return
	}
	url, skills, snapshot := "", "", ""
	if req.ProviderURL != nil {
		url = *req.ProviderURL
	}
	if req.SkillsPath != nil {
		skills = *req.SkillsPath
	}
	if req.PoolDefaultSnapshot != nil {
		snapshot = *req.PoolDefaultSnapshot
	}
	if err := edge.ValidateConfigInput(url, skills, snapshot); err != nil {
		fail(w, http.StatusBadRequest, err)
		return
	}
	cfg, err := s.store.UpdateConfig(r.Context(), store.UpdateConfigInput{
		ProviderURL: req.ProviderURL, ProviderAPIKey: req.ProviderAPIKey,
		AnthropicAPIKey: req.AnthropicAPIKey, GitToken: req.GitToken,
		PoolMax: req.PoolMax, PoolDefaultSnapshot: req.PoolDefaultSnapshot,
		SkillsPath: req.SkillsPath, TriggerEnabled: req.TriggerEnabled,
		PollIntervalSeconds: req.PollIntervalSeconds, MaxRetries: req.MaxRetries,
		BaseDelayMS: req.BaseDelayMS, BackoffMultiplier: req.BackoffMultiplier,
	})
	if err != nil {
		fail(w, statusFor(err), err)
		return
	}
	ok(w, cfg.Secrets())
}

func (s *Server) configStatus(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.GetConfig(r.Context())
	if err != nil {
		fail(w, statusFor(err), err)
		return
	}
	ok(w, map[string]any{"secrets": cfg.Secrets(), "trigger_enabled": cfg.TriggerEnabled})
}

// testConfig exercises the configured compute provider's health endpoint
// with the current credentials, without mutating anything.
func (s *Server) testConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.GetConfig(r.Context())
	if err != nil {
		fail(w, statusFor(err), err)
		return
	}
	if cfg.ProviderURL == "" {
		fail(w, http.StatusBadRequest, fmt.Errorf("%w: provider_url is not configured", edge.ErrValidation))
		return
	}
	client := compute.New(cfg.ProviderURL, cfg.ProviderAPIKey, nil)
	if err := client.HealthCheck(r.Context()); err != nil {
		ok(w, map[string]any{"reachable": false, "error": err.Error()})
		return
	}
	ok(w, map[string]any{"reachable": true})
}

// --- Skills (GET /skills, GET /skills/{name}) ---

func (s *Server) listSkills(w http.ResponseWriter, r *http.Request) {
	if s.skills == nil {
		ok(w, []skillsdir.Info{})
		return
	}
	infos, err := s.skills.List(r.URL.Query().Get("q"))
	if err != nil {
		fail(w, statusFor(err), err)
		return
	}
	ok(w, infos)
}

func (s *Server) getSkill(w http.ResponseWriter, r *http.Request) {
	if s.skills == nil {
		fail(w, http.StatusNotFound, edge.ErrNotFound)
		return
	}
	content, err := s.skills.Get(r.PathValue("name"))
	if err != nil {
		fail(w, statusFor(err), err)
		return
	}
	ok(w, map[string]string{"name": r.PathValue("name"), "content": content})
}

// --- WebSocket frames ---

type frame struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

func lagMessage(n int64) string {
	return fmt.Sprintf("Missed %d messages due to lag", n)
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, bool) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.allowOrigins})
	if err != nil {
		return nil, false
	}
	return conn, true
}

// stream drives one subscriber's read/write multiplexing loop: receive
// from the broadcaster, receive a client Ping/Pong, and a 30s heartbeat tick.
// On each heartbeat it also checks lag, emitting one Error frame per
// nonzero delta while the stream continues uninterrupted.
func (s *Server) stream(ctx context.Context, conn *websocket.Conn, ch <-chan []byte, lag func() int64) {
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	if err := wsjson.Write(ctx, conn, frame{Type: "connected"}); err != nil {
		return
	}

	incoming := make(chan frame, 1)
	go func() {
		for {
			var f frame
			if err := wsjson.Read(ctx, conn, &f); err != nil {
				close(incoming)
				return
			}
			incoming <- f
		}
	}()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case payload, open := <-ch:
			if !open {
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				return
			}
		case f, open := <-incoming:
			if !open {
				return
			}
			if f.Type == "ping" {
				if err := wsjson.Write(ctx, conn, frame{Type: "pong"}); err != nil {
					return
				}
			}
		case <-ticker.C:
			if n := lag(); n > 0 {
				if err := wsjson.Write(ctx, conn, frame{Type: "error", Message: lagMessage(n)}); err != nil {
					return
				}
			}
			if err := wsjson.Write(ctx, conn, frame{Type: "ping"}); err != nil {
				return
			}
		}
	}
}

func (s *Server) wsLogs(w http.ResponseWriter, r *http.Request) {
	conn, okAccept := s.accept(w, r)
	if !okAccept {
		return
	}
	ch, lag, cancel := s.hub.SubscribeLogs(r.PathValue("task_id"))
	defer cancel()
	s.stream(r.Context(), conn, ch, lag)
}

func (s *Server) wsChat(w http.ResponseWriter, r *http.Request) {
	conn, okAccept := s.accept(w, r)
	if !okAccept {
		return
	}
	ch, lag, cancel := s.hub.SubscribeChat(r.PathValue("id"))
	defer cancel()
	s.stream(r.Context(), conn, ch, lag)
}

func (s *Server) wsPool(w http.ResponseWriter, r *http.Request) {
	conn, okAccept := s.accept(w, r)
	if !okAccept {
		return
	}
	ch, lag, cancel := s.hub.SubscribePool()
	defer cancel()
	s.stream(r.Context(), conn, ch, lag)
}
