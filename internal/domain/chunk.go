package domain

import "encoding/json"

// ChunkType tags one increment of agent output.
type ChunkType string

const (
	ChunkReasoning    ChunkType = "reasoning"
	ChunkReasoningEnd ChunkType = "reasoning_end"
	ChunkToolCall     ChunkType = "tool_call"
	ChunkToolResult   ChunkType = "tool_result"
	ChunkAssistant    ChunkType = "assistant"
	ChunkAssistantEnd ChunkType = "assistant_end"
	ChunkError        ChunkType = "error"
	ChunkWarning      ChunkType = "warning"
	ChunkInfo         ChunkType = "info"
	ChunkDone         ChunkType = "done"
	ChunkUsage        ChunkType = "usage"
)

// Usage is token accounting reported by the orchestrator.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// StreamChunk is one ephemeral unit of a streamed agent response.
type StreamChunk struct {
	Type       ChunkType       `json:"type"`
	Content    string          `json:"content,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Usage      *Usage          `json:"usage,omitempty"`
}

// ErrorChunk builds an error-typed chunk carrying msg.
func ErrorChunk(msg string) *StreamChunk {
	return &StreamChunk{Type: ChunkError, Error: msg}
}
