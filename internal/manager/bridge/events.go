package bridge

import "fmt"

// EventType discriminates the structured events an agent service streams
// back during a message relay. The set is closed: consumers switch over it
// and treat anything else as a protocol error.
type EventType string

const (
	// EventTextDelta carries incremental text output from the model.
	EventTextDelta EventType = "text_delta"
	// EventToolStart marks the start of a tool call (tool name known).
	EventToolStart EventType = "tool_start"
	// EventToolEnd marks a fully formed tool call (name + input available).
	EventToolEnd EventType = "tool_end"
	// EventToolResult marks a finished tool execution.
	EventToolResult EventType = "tool_result"
	// EventResult is the final result with metadata (cost, duration).
	EventResult EventType = "result"
	// EventError reports an error during processing.
	EventError EventType = "error"
)

// StreamEvent is one structured event in a streaming agent response. The
// Type field determines which other fields are populated:
//
//	text_delta:  Text
//	tool_start:  ToolName
//	tool_end:    ToolName, ToolInput
//	tool_result: ToolName, ToolResultSummary, IsError
//	result:      SessionID, CostUSD, DurationMS
//	error:       Text
type StreamEvent struct {
	Type              EventType      `json:"type"`
	Text              string         `json:"text,omitempty"`
	ToolName          string         `json:"tool_name,omitempty"`
	ToolInput         map[string]any `json:"tool_input,omitempty"`
	ToolResultSummary string         `json:"tool_result_summary,omitempty"`
	IsError           bool           `json:"is_error,omitempty"`
	SessionID         string         `json:"session_id,omitempty"`
	CostUSD           float64        `json:"cost_usd,omitempty"`
	DurationMS        int64          `json:"duration_ms,omitempty"`
}

// Validate checks that the event carries a known type.
func (e StreamEvent) Validate() error {
	switch e.Type {
	case EventTextDelta, EventToolStart, EventToolEnd, EventToolResult, EventResult, EventError:
		return nil
	default:
		return fmt.Errorf("unknown stream event type %q", e.Type)
	}
}
