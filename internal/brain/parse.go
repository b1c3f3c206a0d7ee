package brain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// wireChunk mirrors the upstream frame. The discriminator arrives either as
// a numeric enum or a string tag depending on the transport generation, so
// it is captured raw and resolved in ParseChunk.
type wireChunk struct {
	Type           json.RawMessage   `json:"type"`
	ContentDelta   string            `json:"content_delta,omitempty"`
	ConversationID string            `json:"conversation_id,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// chunkTags maps string discriminators to chunk types.
var chunkTags = map[string]ChunkType{
	"content_delta": ChunkContentDelta,
	"tool_call":     ChunkToolCall,
	"done":          ChunkDone,
	"error":         ChunkError,
}

// ParseChunk decodes one wire frame into a normalized Chunk, tolerating both
// numeric and string-tagged discriminators.
func ParseChunk(data []byte) (Chunk, error) {
	var w wireChunk
	if err := json.Unmarshal(data, &w); err != nil {
		return Chunk{}, fmt.Errorf("decode chunk: %w", err)
	}

	ct, err := resolveChunkType(w.Type)
	if err != nil {
		return Chunk{}, err
	}

	return Chunk{
		Type:           ct,
		ContentDelta:   w.ContentDelta,
		ConversationID: w.ConversationID,
		ErrorMessage:   w.ErrorMessage,
		Metadata:       w.Metadata,
	}, nil
}

func resolveChunkType(raw json.RawMessage) (ChunkType, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("chunk missing type discriminator")
	}

	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		if n < int(ChunkContentDelta) || n > int(ChunkError) {
			return 0, fmt.Errorf("unknown chunk type %d", n)
		}
		return ChunkType(n), nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if ct, ok := chunkTags[strings.ToLower(s)]; ok {
			return ct, nil
		}
		return 0, fmt.Errorf("unknown chunk tag %q", s)
	}

	return 0, fmt.Errorf("unparseable chunk discriminator %s", string(raw))
}
