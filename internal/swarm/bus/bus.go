// Package bus is the in-process Broadcast Hub: three independent
// broadcasters — per-task logs, per-swarm chat, and a single global pool
// status stream — each a topic-keyed map of subscriber channels guarded by a
// mutex, following a fan-out-channel style common to broadcast-loop gateway
// clients.
package bus

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCapacity is the per-subscriber channel buffer; once a slow
// subscriber has this many unconsumed messages, further messages for it are
// dropped and counted as lag rather than blocking the publisher. The
// subscriber itself stays subscribed.
const DefaultCapacity = 1024

// LogEntry is one line of sandbox execution output.
type LogEntry struct {
	Type      string `json:"type"` // always "log"
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	Level     string `json:"level,omitempty"`
	Source    string `json:"source,omitempty"`
}

// LogEnd marks the end of a task's log stream.
type LogEnd struct {
	Type      string `json:"type"` // always "log_end"
	ExitCode  int    `json:"exit_code"`
	Summary   string `json:"summary,omitempty"`
	Timestamp string `json:"timestamp"`
}

// ChatMessageData mirrors the persisted chat row shape used on the wire.
type ChatMessageData struct {
	ID        string `json:"id"`
	SwarmID   string `json:"swarm_id"`
	Sender    string `json:"sender"`
	SenderID  string `json:"sender_id,omitempty"`
	Message   string `json:"message"`
	Metadata  string `json:"metadata,omitempty"`
	CreatedAt string `json:"created_at"`
}

// ChatBroadcastMessage wraps a chat row for the chat WS stream.
type ChatBroadcastMessage struct {
	Type string          `json:"type"` // always "message"
	Data ChatMessageData `json:"data"`
}

// PoolStatusUpdate reports a single sandbox's status change on the pool stream.
type PoolStatusUpdate struct {
	Type      string `json:"type"` // always "pool_update"
	SandboxID string `json:"sandbox_id"`
	Status    string `json:"status"`
	TaskID    string `json:"task_id,omitempty"`
	Timestamp string `json:"timestamp"`
}

func nowRFC3339(clock func() time.Time) string {
	return clock().UTC().Format(time.RFC3339)
}

// subscriber pairs a delivery channel with a lag counter; LagSignal lets
// callers observe skipped-message counts per subscriber, an extension beyond
// a single global drop counter.
type subscriber struct {
	ch      chan []byte
	dropped int64
}

type topicHub struct {
	mu   sync.RWMutex
	subs map[string]map[int]*subscriber
	next int
}

func newTopicHub() *topicHub {
	return &topicHub{subs: make(map[string]map[int]*subscriber)}
}

// subscribe returns the delivery channel, a lag-peek function reporting how
// many messages have been dropped for this subscriber since the last call
// (an extension beyond a single global drop counter), and a
// cancel function.
func (h *topicHub) subscribe(topic string, capacity int) (<-chan []byte, func() int64, func()) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[int]*subscriber)
	}
	id := h.next
	h.next++
	sub := &subscriber{ch: make(chan []byte, capacity)}
	h.subs[topic][id] = sub

	var lastReported int64
	lag := func() int64 {
		total := atomic.LoadInt64(&sub.dropped)
		delta := total - lastReported
		lastReported = total
		return delta
	}

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if m, ok := h.subs[topic]; ok {
			if s, ok := m[id]; ok {
				close(s.ch)
				delete(m, id)
			}
			if len(m) == 0 {
				delete(h.subs, topic)
			}
		}
	}
	return sub.ch, lag, cancel
}

// publish sends payload to every current subscriber of topic. A subscriber
// whose buffer is full has the message dropped for it (counted, never
// blocking the publisher) rather than stalling the whole hub.
func (h *topicHub) publish(topic string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs[topic] {
		select {
		case sub.ch <- payload:
		default:
			atomic.AddInt64(&sub.dropped, 1)
		}
	}
}

// cleanup closes and removes every subscriber of one topic (called when a
// task/swarm is deleted).
func (h *topicHub) cleanup(topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs[topic] {
		close(s.ch)
	}
	delete(h.subs, topic)
}

// cleanupAll closes every subscriber across every topic (daemon shutdown).
func (h *topicHub) cleanupAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic, m := range h.subs {
		for _, s := range m {
			close(s.ch)
		}
		delete(h.subs, topic)
	}
}

// Hub is the Broadcast Hub: one broadcaster per stream kind.
type Hub struct {
	logs  *topicHub // keyed by task ID
	chat  *topicHub // keyed by swarm ID
	pool  *topicHub // single key, "pool"
	clock func() time.Time
}

const poolTopic = "pool"

// New constructs an empty Hub. clock defaults to time.Now when nil; tests
// may override it for deterministic timestamps.
func New(clock func() time.Time) *Hub {
	if clock == nil {
		clock = time.Now
	}
	return &Hub{logs: newTopicHub(), chat: newTopicHub(), pool: newTopicHub(), clock: clock}
}

// SubscribeLogs streams LogEntry/LogEnd frames for one task. The returned
// lag function reports messages dropped since its last call.
func (h *Hub) SubscribeLogs(taskID string) (ch <-chan []byte, lag func() int64, cancel func()) {
	return h.logs.subscribe(taskID, DefaultCapacity)
}

// PublishLog appends a log line for taskID.
func (h *Hub) PublishLog(taskID, content, level, source string) {
	entry := LogEntry{
		Type:      "log",
		Content:   content,
		Timestamp: nowRFC3339(h.clock),
		Level:     level,
		Source:    source,
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return
	}
	h.logs.publish(taskID, b)
}

// PublishLogEnd terminates a task's log stream with an exit code and optional summary.
func (h *Hub) PublishLogEnd(taskID string, exitCode int, summary string) {
	end := LogEnd{
		Type:      "log_end",
		ExitCode:  exitCode,
		Summary:   summary,
		Timestamp: nowRFC3339(h.clock),
	}
	b, err := json.Marshal(end)
	if err != nil {
		return
	}
	h.logs.publish(taskID, b)
}

// CleanupTaskLogs closes every log subscriber for a task (task deleted).
func (h *Hub) CleanupTaskLogs(taskID string) { h.logs.cleanup(taskID) }

// SubscribeChat streams ChatBroadcastMessage frames for one swarm. The
// returned lag function reports messages dropped since its last call.
func (h *Hub) SubscribeChat(swarmID string) (ch <-chan []byte, lag func() int64, cancel func()) {
	return h.chat.subscribe(swarmID, DefaultCapacity)
}

// PublishChat broadcasts a chat row to every subscriber of swarmID.
func (h *Hub) PublishChat(swarmID string, data ChatMessageData) {
	msg := ChatBroadcastMessage{Type: "message", Data: data}
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.chat.publish(swarmID, b)
}

// CleanupSwarmChat closes every chat subscriber for a swarm (swarm deleted).
func (h *Hub) CleanupSwarmChat(swarmID string) { h.chat.cleanup(swarmID) }

// SubscribePool streams PoolStatusUpdate frames across all sandboxes. The
// returned lag function reports messages dropped since its last call.
func (h *Hub) SubscribePool() (ch <-chan []byte, lag func() int64, cancel func()) {
	return h.pool.subscribe(poolTopic, DefaultCapacity)
}

// PublishPoolUpdate broadcasts a single sandbox's status change.
func (h *Hub) PublishPoolUpdate(sandboxID, status, taskID string) {
	upd := PoolStatusUpdate{
		Type:      "pool_update",
		SandboxID: sandboxID,
		Status:    status,
		TaskID:    taskID,
		Timestamp: nowRFC3339(h.clock),
	}
	b, err := json.Marshal(upd)
	if err != nil {
		return
	}
	h.pool.publish(poolTopic, b)
}

// Shutdown closes every subscriber across every stream (daemon shutdown).
func (h *Hub) Shutdown() {
	h.logs.cleanupAll()
	h.chat.cleanupAll()
	h.pool.cleanupAll()
}
