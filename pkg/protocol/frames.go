// Package protocol defines the client-facing WebSocket wire protocol of the
// web surface: frame shapes and close codes.
package protocol

// Close codes used by the web surface.
const (
	CloseInvalidToken = 4001
	CloseForbidden    = 4004
	CloseAuthTimeout  = 4008
	CloseShutdown     = 1001
)

// Client frame types.
const (
	FrameAuth         = "auth"
	FrameChat         = "chat"
	FrameSetWorkspace = "set_workspace"
	FramePing         = "ping"
)

// Server frame types.
const (
	FrameConnected    = "connected"
	FrameError        = "error"
	FrameThinking     = "thinking"
	FrameRoutingInfo  = "routing_info"
	FrameToolActivity = "tool_activity"
	FrameToken        = "token"
	FrameDone         = "done"
	FrameMessage      = "message"
	FramePong         = "pong"
)

// ClientFrame is any inbound frame from the web client.
type ClientFrame struct {
	Type           string       `json:"type"`
	Token          string       `json:"token,omitempty"`
	Content        string       `json:"content,omitempty"`
	ConversationID string       `json:"conversationId,omitempty"`
	WorkspaceID    string       `json:"workspaceId,omitempty"`
	Provider       string       `json:"provider,omitempty"`
	Model          string       `json:"model,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// Attachment is the wire shape of a media reference.
type Attachment struct {
	Type     string `json:"type"`
	URL      string `json:"url"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// ServerFrame is any outbound frame to the web client. Fields are populated
// per Type; MessageID correlates all frames of one chat exchange.
type ServerFrame struct {
	Type           string `json:"type"`
	SessionID      string `json:"sessionId,omitempty"`
	Error          string `json:"error,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
	Content        string `json:"content,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`

	// routing_info fields
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model,omitempty"`
	WasEscalated bool   `json:"wasEscalated,omitempty"`
	Complexity   string `json:"complexity,omitempty"`

	// tool_activity fields
	Status     string `json:"status,omitempty"`
	ToolName   string `json:"toolName,omitempty"`
	ToolArgs   string `json:"toolArgs,omitempty"`
	ToolResult string `json:"toolResult,omitempty"`
	Thinking   string `json:"thinking,omitempty"`
}
