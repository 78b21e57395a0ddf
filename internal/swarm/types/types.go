// Package types defines the entities shared by every swarm component: Swarm,
// Task, Sandbox, ChatMessage and Config, plus their closed status/priority
// enums.
package types

import "time"

// SwarmStatus is the lifecycle state of a Swarm.
type SwarmStatus string

const (
	SwarmActive  SwarmStatus = "active"
	SwarmPaused  SwarmStatus = "paused"
	SwarmStopped SwarmStatus = "stopped"
)

// Swarm is a named grouping of related tasks.
type Swarm struct {
	ID          string
	Name        string
	Description string
	Status      SwarmStatus
	ProjectID   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// TaskPriority governs pending-task dispatch order: urgent > high > medium > low.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

// PriorityRank maps a priority to its sort weight; lower sorts first.
func PriorityRank(p TaskPriority) int {
	switch p {
	case PriorityUrgent:
		return 1
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 3
	case PriorityLow:
		return 4
	default:
		return 3
	}
}

// Task is an atomic unit of work belonging to one swarm.
type Task struct {
	ID            string
	SwarmID       string
	Title         string
	Description   string
	Status        TaskStatus
	Priority      TaskPriority
	SandboxID     string
	DependsOn     []string
	TriggersAfter []string
	Result        string
	Error         string
	Tags          []string
	StartedAt     *time.Time
	CompletedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SandboxStatus is the lifecycle state of a Sandbox.
type SandboxStatus string

const (
	SandboxIdle      SandboxStatus = "idle"
	SandboxBusy      SandboxStatus = "busy"
	SandboxDestroyed SandboxStatus = "destroyed"
)

// Sandbox is a remote execution environment obtained from the compute provider.
type Sandbox struct {
	ID            string
	ProviderID    string
	SwarmID       string
	Status        SandboxStatus
	CurrentTaskID string
	CreatedAt     time.Time
	LastUsedAt    *time.Time
}

// ChatSenderKind identifies who authored a ChatMessage.
type ChatSenderKind string

const (
	SenderSystem  ChatSenderKind = "system"
	SenderUser    ChatSenderKind = "user"
	SenderSandbox ChatSenderKind = "sandbox"
)

// ChatMessage is one entry in a swarm's chat stream.
type ChatMessage struct {
	ID        string
	SwarmID   string
	Sender    ChatSenderKind
	SenderID  string
	Message   string
	Metadata  string
	CreatedAt time.Time
}

// DefaultConfigID is the literal singleton key for the Config row.
const DefaultConfigID = "default"

// Config is the singleton operational configuration for the dispatch engine.
type Config struct {
	ID                     string
	ProviderURL            string
	ProviderAPIKey         string
	AnthropicAPIKey        string
	GitToken               string
	PoolMax                int
	PoolIdleTimeoutMinutes int
	PoolDefaultSnapshot    string
	SkillsPath             string
	TriggerEnabled         bool
	PollIntervalSeconds    int
	ExecutionTimeoutMin    int
	MaxRetries             int
	BaseDelayMS            int64
	BackoffMultiplier      float64
	UpdatedAt              time.Time
}

// Defaults returns the Config values used when a field is unset.
func Defaults() Config {
	return Config{
		ID:                     DefaultConfigID,
		PoolMax:                5,
		PoolIdleTimeoutMinutes: 30,
		PoolDefaultSnapshot:    "base",
		SkillsPath:             "/data/.claude/skills",
		TriggerEnabled:         true,
		PollIntervalSeconds:    5,
		ExecutionTimeoutMin:    30,
		MaxRetries:             3,
		BaseDelayMS:            5000,
		BackoffMultiplier:      2.0,
	}
}

// ConfigSecretsView is the secret-free projection returned to edge callers:
// cleartext secrets are never returned, only presence booleans.
type ConfigSecretsView struct {
	HasProviderAPIKey  bool
	HasAnthropicAPIKey bool
	HasGitToken        bool
}

// Secrets reports which optional secret fields are set.
func (c Config) Secrets() ConfigSecretsView {
	return ConfigSecretsView{
		HasProviderAPIKey:  c.ProviderAPIKey != "",
		HasAnthropicAPIKey: c.AnthropicAPIKey != "",
		HasGitToken:        c.GitToken != "",
	}
}

// Role is the derived classification of a task used only during prompt
// composition; it never influences dispatch decisions.
type Role string

const (
	RoleFrontend  Role = "frontend"
	RoleBackend   Role = "backend"
	RoleQA        Role = "qa"
	RoleDevops    Role = "devops"
	RoleProduct   Role = "product"
	RoleArchitect Role = "architect"
	RoleContent   Role = "content"
	RoleGeneral   Role = "general"
)

var roleKeywords = []struct {
	role     Role
	keywords []string
}{
	{RoleFrontend, []string{"frontend", "ui", "react", "vue"}},
	{RoleBackend, []string{"backend", "api", "server", "database"}},
	{RoleQA, []string{"qa", "test", "e2e", "testing"}},
	{RoleDevops, []string{"devops", "deploy", "infra", "ci-cd"}},
	{RoleProduct, []string{"prd", "planning", "product"}},
	{RoleArchitect, []string{"architecture", "architect", "design"}},
	{RoleContent, []string{"content", "copy", "writing"}},
}

// InferRole maps a task's tag set to a role by first-match keyword lookup.
// Absence of any match yields RoleGeneral.
func InferRole(tags []string) Role {
	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		set[lower(t)] = struct{}{}
	}
	for _, rk := range roleKeywords {
		for _, kw := range rk.keywords {
			if _, ok := set[kw]; ok {
				return rk.role
			}
		}
	}
	return RoleGeneral
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
