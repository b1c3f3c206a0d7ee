package brain

import (
	"testing"
)

func TestParseChunk_NumericDiscriminator(t *testing.T) {
	tests := []struct {
		name string
		data string
		want Chunk
	}{
		{
			name: "content delta",
			data: `{"type":0,"content_delta":"Hello "}`,
			want: Chunk{Type: ChunkContentDelta, ContentDelta: "Hello "},
		},
		{
			name: "tool call",
			data: `{"type":1}`,
			want: Chunk{Type: ChunkToolCall},
		},
		{
			name: "done with conversation id",
			data: `{"type":2,"conversation_id":"C1"}`,
			want: Chunk{Type: ChunkDone, ConversationID: "C1"},
		},
		{
			name: "error",
			data: `{"type":3,"error_message":"boom"}`,
			want: Chunk{Type: ChunkError, ErrorMessage: "boom"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseChunk([]byte(tt.data))
			if err != nil {
				t.Fatalf("ParseChunk(%s) error: %v", tt.data, err)
			}
			if got.Type != tt.want.Type ||
				got.ContentDelta != tt.want.ContentDelta ||
				got.ConversationID != tt.want.ConversationID ||
				got.ErrorMessage != tt.want.ErrorMessage {
				t.Errorf("ParseChunk(%s) = %+v, want %+v", tt.data, got, tt.want)
			}
		})
	}
}

func TestParseChunk_StringDiscriminator(t *testing.T) {
	tests := []struct {
		name string
		data string
		want ChunkType
	}{
		{"content_delta", `{"type":"content_delta","content_delta":"x"}`, ChunkContentDelta},
		{"uppercase tag", `{"type":"DONE"}`, ChunkDone},
		{"tool_call", `{"type":"tool_call"}`, ChunkToolCall},
		{"error", `{"type":"error","error_message":"e"}`, ChunkError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseChunk([]byte(tt.data))
			if err != nil {
				t.Fatalf("ParseChunk(%s) error: %v", tt.data, err)
			}
			if got.Type != tt.want {
				t.Errorf("ParseChunk(%s).Type = %d, want %d", tt.data, got.Type, tt.want)
			}
		})
	}
}

func TestParseChunk_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"missing type", `{"content_delta":"x"}`},
		{"unknown numeric", `{"type":9}`},
		{"unknown tag", `{"type":"nope"}`},
		{"not json", `garbage`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseChunk([]byte(tt.data)); err == nil {
				t.Errorf("ParseChunk(%s) expected error, got nil", tt.data)
			}
		})
	}
}

func TestChunk_ToolActivityChunk(t *testing.T) {
	meta := Chunk{Type: ChunkContentDelta, Metadata: map[string]string{MetaAgentStatus: StatusToolStart}}
	if !meta.ToolActivityChunk() {
		t.Error("metadata-only delta should be a tool activity chunk")
	}

	text := Chunk{Type: ChunkContentDelta, ContentDelta: "hi", Metadata: map[string]string{MetaAgentStatus: StatusThinking}}
	if text.ToolActivityChunk() {
		t.Error("delta with text payload is not a tool activity chunk")
	}

	plain := Chunk{Type: ChunkContentDelta}
	if plain.ToolActivityChunk() {
		t.Error("delta without metadata is not a tool activity chunk")
	}
}
