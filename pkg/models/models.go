// Package models defines the message types exchanged between the conductor,
// orchestrator, gateway, and workers, plus the closed agent-type enum used
// for routing and model-config lookup.
package models

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AgentType identifies a worker capability. Node types in a plan must be
// valid AgentType strings.
type AgentType string

const (
	AgentTypePlanner    AgentType = "PLANNER"
	AgentTypeRetrieve   AgentType = "RETRIEVE"
	AgentTypeScout      AgentType = "SCOUT"
	AgentTypeSemantics  AgentType = "SEMANTICS"
	AgentTypeCoder      AgentType = "CODER"
	AgentTypeCompute    AgentType = "COMPUTE"
	AgentTypeReason     AgentType = "REASON"
	AgentTypeSynthesize AgentType = "SYNTHESIZE"
	AgentTypeValidate   AgentType = "VALIDATE"
	AgentTypeSpeaker    AgentType = "SPEAKER"
	AgentTypeConductor  AgentType = "CONDUCTOR"
)

var agentTypes = map[AgentType]bool{
	AgentTypePlanner:    true,
	AgentTypeRetrieve:   true,
	AgentTypeScout:      true,
	AgentTypeSemantics:  true,
	AgentTypeCoder:      true,
	AgentTypeCompute:    true,
	AgentTypeReason:     true,
	AgentTypeSynthesize: true,
	AgentTypeValidate:   true,
	AgentTypeSpeaker:    true,
	AgentTypeConductor:  true,
}

// ParseAgentType validates a string against the closed enum. Matching is
// case-insensitive because plans produced by a model sometimes use lowercase
// node types.
func ParseAgentType(s string) (AgentType, error) {
	t := AgentType(strings.ToUpper(s))
	if !agentTypes[t] {
		return "", fmt.Errorf("unknown agent type %q", s)
	}
	return t, nil
}

// AgentGoalType is the direction of flow from the orchestrator to a worker.
type AgentGoalType string

const (
	GoalPlan      AgentGoalType = "plan"
	GoalTask      AgentGoalType = "task"
	GoalSynthesis AgentGoalType = "synthesis"
	GoalUnknown   AgentGoalType = "unknown"
)

// ThoughtType is the worker's reply status back to the orchestrator.
type ThoughtType string

const (
	ThoughtSubGoal   ThoughtType = "sub_goal"
	ThoughtUserQuery ThoughtType = "user_query"
	ThoughtResolved  ThoughtType = "resolved"
	ThoughtFailed    ThoughtType = "failed"
	ThoughtAnswer    ThoughtType = "answer"
)

// Metadata keys used on goals and thoughts.
const (
	MetaNodeID   = "node_id"
	MetaStepID   = "step_id"
	MetaGoalType = "goal_type"
	MetaExitCode = "exit_code"
	MetaTimeout  = "timeout"
	MetaReplan   = "replan"
)

// Message is the tagged union routed through the bus. Exactly the types in
// this package implement it.
type Message interface {
	isMessage()
}

// AgentGoal is a unit of work sent from the orchestrator to a worker.
// Content carries either the raw query (PLAN) or a JSON-encoded list of
// input impression keys (TASK). Bulk data never travels in messages.
type AgentGoal struct {
	RequestID string
	Type      AgentGoalType
	Content   string
	Metadata  map[string]string
	ReplyTo   string
}

// Thought is a worker's reply. Impressions lists, in order, the shared-memory
// keys the worker wrote.
type Thought struct {
	RequestID   string
	Type        ThoughtType
	Content     string
	Impressions []string
	Metadata    map[string]string
	Sender      string
}

// Response carries final or incremental answer text toward the gateway.
// Type -1 is final, 0 a heartbeat, >0 means more chunks follow.
type Response struct {
	RequestID string
	Content   string
	Type      int
}

// UserQuery is the initial query from the user.
type UserQuery struct {
	Text      string
	RequestID string
}

// NewUserQuery assigns a fresh request ID when none is supplied.
func NewUserQuery(text, requestID string) UserQuery {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return UserQuery{Text: text, RequestID: requestID}
}

// ReplanRequest asks the conductor to produce a new plan for a request whose
// graph stalled.
type ReplanRequest struct {
	RequestID string
	Reason    string
}

// AgentRegistration announces a worker's type to the conductor.
type AgentRegistration struct {
	AgentType AgentType
	Address   string
}

// FailureNotice tells the gateway a request failed hard so it can produce a
// graceful user-facing message.
type FailureNotice struct {
	RequestID string
	Reason    string
}

func (AgentGoal) isMessage()         {}
func (Thought) isMessage()           {}
func (Response) isMessage()          {}
func (UserQuery) isMessage()         {}
func (ReplanRequest) isMessage()     {}
func (AgentRegistration) isMessage() {}
func (FailureNotice) isMessage()     {}

// EncodeKeys renders a list of impression keys for transport in
// AgentGoal.Content.
func EncodeKeys(keys []string) string {
	if keys == nil {
		keys = []string{}
	}
	b, _ := json.Marshal(keys)
	return string(b)
}

// DecodeKeys parses a Content field back into impression keys. Content that
// is not a JSON string list is returned as-is in a single-element slice so
// raw queries pass through unharmed.
func DecodeKeys(content string) []string {
	var keys []string
	if err := json.Unmarshal([]byte(content), &keys); err != nil {
		if content == "" {
			return nil
		}
		return []string{content}
	}
	return keys
}

// ImpressionKey builds the canonical shared-memory key for a work product.
func ImpressionKey(requestID, stepID, name string) string {
	return fmt.Sprintf("%s:%s:%s", requestID, stepID, name)
}

// QueryKey is the shared-memory key holding the raw user query for the
// lifetime of a request.
func QueryKey(requestID string) string {
	return requestID + ":query"
}
