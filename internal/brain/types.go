// Package brain wraps the upstream language-model processing service behind
// a typed streaming client. The wire transport is newline-delimited JSON over
// HTTP; every inbound frame is normalized into a Chunk at the edge so
// internal code never sees raw wire shapes.
package brain

// Role of a chat message on the wire. Numeric per the upstream contract.
type Role int

const (
	RoleUser Role = 0
)

// Message is a single chat turn sent upstream.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest opens a streaming chat run.
// Provider and Model may be empty, letting the upstream pick defaults.
// Recognized Parameters keys: "attachments" (JSON Attachment array),
// "channel".
type ChatRequest struct {
	UserID         string            `json:"user_id"`
	WorkspaceID    string            `json:"workspace_id"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Messages       []Message         `json:"messages"`
	Provider       string            `json:"provider,omitempty"`
	Model          string            `json:"model,omitempty"`
	Parameters     map[string]string `json:"parameters,omitempty"`
}

// ChunkType is the stream chunk discriminator.
type ChunkType int

const (
	ChunkContentDelta ChunkType = 0
	ChunkToolCall     ChunkType = 1
	ChunkDone         ChunkType = 2
	ChunkError        ChunkType = 3
)

// Metadata keys recognized on CONTENT_DELTA chunks.
const (
	MetaAgentStatus  = "agent_status"
	MetaApprovalID   = "approval_id"
	MetaToolName     = "tool_name"
	MetaToolArgs     = "tool_args"
	MetaToolResult   = "tool_result"
	MetaThinking     = "thinking"
	MetaProvider     = "provider"
	MetaModel        = "model"
	MetaComplexity   = "complexity"
	MetaWasEscalated = "was_escalated"
)

// agent_status values.
const (
	StatusToolStart       = "tool_start"
	StatusToolEnd         = "tool_end"
	StatusThinking        = "thinking"
	StatusWaitingApproval = "waiting_approval"
	StatusWaitingForHuman = "waiting_for_human"
	StatusRoutingInfo     = "routing_info"
)

// Chunk is the normalized stream event.
type Chunk struct {
	Type           ChunkType
	ContentDelta   string
	ConversationID string
	ErrorMessage   string
	Metadata       map[string]string
}

// AgentStatus returns the agent_status metadata value, if any.
func (c Chunk) AgentStatus() string {
	return c.Metadata[MetaAgentStatus]
}

// ToolActivityChunk reports whether the chunk carries only agent status
// metadata with no text payload.
func (c Chunk) ToolActivityChunk() bool {
	return c.Type == ChunkContentDelta && c.ContentDelta == "" && c.AgentStatus() != ""
}

// ApprovalResult is the outcome of resolving an approval upstream.
type ApprovalResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// PendingApproval identifies an approval awaiting a user decision.
type PendingApproval struct {
	ApprovalID string `json:"approval_id"`
}
