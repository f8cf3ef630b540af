// Package model holds the shared domain types for the engagement runtime:
// engagements, attack context, findings, tool results, checkpoints, and the
// small value types that flow between components.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// LifecycleState is one of the five legal engagement states.
type LifecycleState string

const (
	StateInitializing LifecycleState = "INITIALIZING"
	StateRunning       LifecycleState = "RUNNING"
	StatePaused        LifecycleState = "PAUSED"
	StateStopped       LifecycleState = "STOPPED"
	StateCompleted     LifecycleState = "COMPLETED"
)

// legalTransitions is the six-edge set: INIT->RUN, RUN<->PAUSE,
// RUN->STOP, PAUSE->STOP, STOP->COMPLETE.
var legalTransitions = map[LifecycleState]map[LifecycleState]bool{
	StateInitializing: {StateRunning: true},
	StateRunning:       {StatePaused: true, StateStopped: true},
	StatePaused:        {StateRunning: true, StateStopped: true},
	StateStopped:       {StateCompleted: true},
	StateCompleted:     {},
}

// IsLegalTransition reports whether from->to is one of the six legal edges.
func IsLegalTransition(from, to LifecycleState) bool {
	edges, ok := legalTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// StateTransition is one entry in an engagement's state history.
type StateTransition struct {
	State     LifecycleState
	Timestamp time.Time
}

// AttackPhase enumerates the kill-chain phases.
type AttackPhase string

const (
	PhaseRecon         AttackPhase = "RECON"
	PhaseEnumeration   AttackPhase = "ENUMERATION"
	PhaseVulnerability AttackPhase = "VULNERABILITY"
	PhaseExploitation  AttackPhase = "EXPLOITATION"
	PhasePostExploit   AttackPhase = "POST_EXPLOIT"
	PhaseExfil         AttackPhase = "EXFIL"
	PhaseComplete      AttackPhase = "COMPLETE"
)

// Severity is one of the closed severity set a Finding may carry.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) valid() bool {
	switch s {
	case SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Finding is a normalised, immutable record produced by a tool adapter.
type Finding struct {
	ID        string   `json:"id"`
	Type      string   `json:"type"`
	Severity  Severity `json:"severity"`
	Target    string   `json:"target"`
	Evidence  string   `json:"evidence"`
	AgentID   string   `json:"agent_id"`
	Timestamp string   `json:"timestamp"` // ISO-8601 UTC
	Tool      string   `json:"tool"`
	Topic     string   `json:"topic"`
	Signature string   `json:"signature"`
}

// Validate enforces the model invariants: well-formed UUID fields,
// closed severity set, parseable timestamp, whitespace-free target.
func (f Finding) Validate() error {
	if !isUUID(f.ID) {
		return fmt.Errorf("finding: id %q is not a well-formed UUID", f.ID)
	}
	if !isUUID(f.AgentID) {
		return fmt.Errorf("finding: agent_id %q is not a well-formed UUID", f.AgentID)
	}
	if !f.Severity.valid() {
		return fmt.Errorf("finding: severity %q is not in the closed set", f.Severity)
	}
	if strings.ContainsAny(f.Target, " \t\n\r") || f.Target == "" {
		return fmt.Errorf("finding: target %q contains whitespace or is empty", f.Target)
	}
	if _, err := time.Parse(time.RFC3339, f.Timestamp); err != nil {
		return fmt.Errorf("finding: timestamp %q does not parse as ISO-8601: %w", f.Timestamp, err)
	}
	return nil
}

func isUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	for i, c := range s {
		switch i {
		case 8, 13, 18, 23:
			if c != '-' {
				return false
			}
		default:
			if !isHex(byte(c)) {
				return false
			}
		}
	}
	return true
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// ToolErrorClass tags why a ToolResult was not a success.
type ToolErrorClass string

const (
	ErrClassTimeout          ToolErrorClass = "TIMEOUT"
	ErrClassNonZeroExit      ToolErrorClass = "NON_ZERO_EXIT"
	ErrClassSandboxCrashed   ToolErrorClass = "SANDBOX_CRASHED"
	ErrClassExecutionFailure ToolErrorClass = "EXECUTION_EXCEPTION"
	ErrClassPoolExhausted    ToolErrorClass = "POOL_EXHAUSTED"
	ErrClassUnknownTool      ToolErrorClass = "UNKNOWN_TOOL"
)

// ToolResult is the normalised outcome of one tool invocation.
type ToolResult struct {
	ToolName   string
	Success    bool
	Stdout     string
	Stderr     string
	ExitCode   int
	WallTimeMs int64
	ErrorClass ToolErrorClass
	Findings   []Finding
	Errors     []string
}

// PhaseResult summarises one completed kill-chain phase.
type PhaseResult struct {
	Phase            AttackPhase
	Success          bool
	Findings         []Finding
	RecommendedPhase AttackPhase
	RecommendedTools []string
	WallTime         time.Duration
	Errors           []string
}

// AttackContext is the accumulating intelligence for one engagement. Owned
// by a single agent task; never shared by reference across goroutines.
type AttackContext struct {
	Target          string
	Hosts           []string
	OpenPorts       map[string][]int
	Services        map[string]map[int]string
	Vulnerabilities []map[string]any
	Credentials     []map[string]any
	Shells          []map[string]any
	PhaseHistory    []PhaseResult

	// QuickPhase is the Attack Agent's own re-derived phase view,
	// recomputed after each iteration from the finding-type set alone,
	// kept alongside (and independent of) the Kill Chain's authoritative
	// CurrentPhase.
	QuickPhase AttackPhase
}

// NewAttackContext returns an empty context for the given target.
func NewAttackContext(target string) *AttackContext {
	return &AttackContext{
		Target:     target,
		OpenPorts:  make(map[string][]int),
		Services:   make(map[string]map[int]string),
		QuickPhase: PhaseRecon,
	}
}

// Subscription is a live callback registered by an attached client.
type Subscription struct {
	EngagementID string
	ID           string
	Deliver      func(event StreamEvent)
}

// StreamEvent is one event pushed to a subscriber.
type StreamEvent struct {
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data"`
}

// CheckpointMetadata is the metadata table of a checkpoint file.
type CheckpointMetadata struct {
	EngagementID   string    `json:"engagement_id"`
	SchemaVersion  string    `json:"schema_version"`
	CreatedAt      time.Time `json:"created_at"`
	ScopeHash      string    `json:"scope_hash,omitempty"`
	Signature      string    `json:"signature"`
}

// AgentState is one row of the checkpoint's agents table.
type AgentState struct {
	AgentID string         `json:"agent_id"`
	Phase   AttackPhase    `json:"phase"`
	Context map[string]any `json:"context"`
}

// Checkpoint is the full durable snapshot of one engagement.
type Checkpoint struct {
	Metadata CheckpointMetadata `json:"metadata"`
	Agents   []AgentState       `json:"agents"`
	Findings []Finding          `json:"findings"`
}

// TargetHash returns the first 8 hex chars of SHA-256 of target, used to
// derive findings:<target-hash>:<type> channel names.
func TargetHash(target string) string {
	sum := sha256.Sum256([]byte(target))
	return hex.EncodeToString(sum[:])[:8]
}

// SanitizeTarget strips a protocol prefix, path, and trailing slash.
func SanitizeTarget(target string) string {
	clean := strings.TrimSpace(target)
	clean = strings.TrimPrefix(clean, "https://")
	clean = strings.TrimPrefix(clean, "http://")
	clean = strings.TrimRight(clean, "/")
	if idx := strings.Index(clean, "/"); idx >= 0 {
		clean = clean[:idx]
	}
	return clean
}
