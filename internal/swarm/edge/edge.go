// Package edge is the Edge Façade: the validation and ownership layer
// sitting between the HTTP/WS gateway and the Store. It is interface-only in
// the sense that it never talks to the network itself, but it carries
// size-cap validation, IDOR ownership checks, and skills-path
// canonicalization, following the leaf-name rejection style of
// install-directory resolution helpers that confine a relative path to a
// root.
package edge

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/basket/swarmd/internal/swarm/store"
	"github.com/basket/swarmd/internal/swarm/types"
)

// Size caps.
const (
	MaxSwarmName        = 255
	MaxSwarmDescription  = 5000
	MaxTaskTitle         = 255
	MaxTaskDescription   = 10000
	MaxDependsOn         = 20
	MaxTagCount          = 50
	MaxTagLength         = 100
	MaxChatMessage       = 10000
	MaxChatMetadata      = 5000
	MaxURLLength         = 500
	MaxSkillsPathLength  = 500
	MaxSnapshotNameLength = 255
)

// ErrValidation is returned for any size-cap or shape violation (HTTP 400).
var ErrValidation = errors.New("validation")

func tooLong(field string, got, max int) error {
	return fmt.Errorf("%w: %s exceeds maximum length %d (got %d)", ErrValidation, field, max, got)
}

// ValidateSwarmInput checks a swarm create/update payload against the size caps.
func ValidateSwarmInput(name, description string) error {
	if len(name) > MaxSwarmName {
		return tooLong("name", len(name), MaxSwarmName)
	}
	if len(description) > MaxSwarmDescription {
		return tooLong("description", len(description), MaxSwarmDescription)
	}
	return nil
}

// ValidateTaskInput checks a task create/update payload against the size caps.
func ValidateTaskInput(title, description string, dependsOn, tags []string) error {
	if len(title) > MaxTaskTitle {
		return tooLong("title", len(title), MaxTaskTitle)
	}
	if len(description) > MaxTaskDescription {
		return tooLong("description", len(description), MaxTaskDescription)
	}
	if len(dependsOn) > MaxDependsOn {
		return tooLong("depends_on", len(dependsOn), MaxDependsOn)
	}
	if len(tags) > MaxTagCount {
		return tooLong("tags", len(tags), MaxTagCount)
	}
	for _, t := range tags {
		if len(t) > MaxTagLength {
			return tooLong("tag", len(t), MaxTagLength)
		}
	}
	return nil
}

// ValidateChatInput checks a chat message payload against the size caps.
func ValidateChatInput(message, metadata string) error {
	if len(message) > MaxChatMessage {
		return tooLong("message", len(message), MaxChatMessage)
	}
	if len(metadata) > MaxChatMetadata {
		return tooLong("metadata", len(metadata), MaxChatMetadata)
	}
	return nil
}

// ValidateConfigInput checks the mutable parts of Config against the size caps.
func ValidateConfigInput(providerURL, skillsPath, defaultSnapshot string) error {
	if len(providerURL) > MaxURLLength {
		return tooLong("provider_url", len(providerURL), MaxURLLength)
	}
	if len(skillsPath) > MaxSkillsPathLength {
		return tooLong("skills_path", len(skillsPath), MaxSkillsPathLength)
	}
	if len(defaultSnapshot) > MaxSnapshotNameLength {
		return tooLong("pool_default_snapshot", len(defaultSnapshot), MaxSnapshotNameLength)
	}
	return nil
}

// ErrNotFound is returned both for genuinely missing rows and for ownership
// mismatches — the facade never reveals which (IDOR defense).
var ErrNotFound = store.ErrNotFound

// TaskInSwarm enforces task.swarm_id = swarmID, folding a mismatch into the
// same "not found" the Store reports for a missing row, so existence across
// swarm boundaries is never observable.
func TaskInSwarm(task types.Task, swarmID string) (types.Task, error) {
	if task.SwarmID != swarmID {
		return types.Task{}, ErrNotFound
	}
	return task, nil
}

// CanonicalizeSkillPath resolves requestedName against skillsRoot, rejecting
// any leaf name containing "..", "/", or "\\" outright, then verifying the
// canonical result still lives under the canonical root.
func CanonicalizeSkillPath(skillsRoot, requestedName string) (string, error) {
	if requestedName == "" {
		return "", fmt.Errorf("%w: empty skill name", ErrValidation)
	}
	if strings.Contains(requestedName, "..") || strings.ContainsAny(requestedName, "/\\") {
		return "", fmt.Errorf("%w: illegal skill name %q", ErrValidation, requestedName)
	}

	canonicalRoot := filepath.Clean(skillsRoot)
	candidate := filepath.Join(canonicalRoot, requestedName)
	canonical := filepath.Clean(candidate)

	rel, err := filepath.Rel(canonicalRoot, canonical)
	if err != nil {
		return "", fmt.Errorf("%w: cannot resolve skill path", ErrValidation)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: skill path escapes root", ErrValidation)
	}
	return canonical, nil
}
