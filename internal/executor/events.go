package executor

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// EventKind classifies one line of agent stream output.
type EventKind string

const (
	// EventText is assistant narration suitable for progress reporting.
	EventText EventKind = "text"
	// EventToolUse marks the agent invoking a tool.
	EventToolUse EventKind = "tool_use"
	// EventResult is the terminal event carrying the run outcome.
	EventResult EventKind = "result"
)

// Event is one decoded agent stream event.
type Event struct {
	Kind    EventKind
	Text    string
	Tool    string
	IsError bool
}

// eventWire covers the stream fields the host cares about. Unknown event
// types and extra fields pass through undecoded.
type eventWire struct {
	Type    string `json:"type"`
	IsError bool   `json:"is_error"`
	Result  string `json:"result"`
	Message struct {
		Content []struct {
			Type  string          `json:"type"`
			Text  string          `json:"text"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		} `json:"content"`
	} `json:"message"`
}

// ParseEvent decodes one NDJSON stream line. ok is false for blank lines,
// undecodable lines, and event types the host ignores. Within an assistant
// event a tool_use block takes priority over text blocks; otherwise the
// first non-blank text block is surfaced.
func ParseEvent(line []byte) (Event, bool) {
	var raw eventWire
	if err := json.Unmarshal(line, &raw); err != nil {
		return Event{}, false
	}
	switch raw.Type {
	case "result":
		return Event{Kind: EventResult, Text: raw.Result, IsError: raw.IsError}, true
	case "assistant":
		for _, block := range raw.Message.Content {
			if block.Type == "tool_use" {
				return Event{
					Kind: EventToolUse,
					Tool: block.Name,
					Text: renderToolUse(block.Name, block.Input),
				}, true
			}
		}
		for _, block := range raw.Message.Content {
			if block.Type != "text" {
				continue
			}
			if t := strings.TrimSpace(block.Text); t != "" {
				return Event{Kind: EventText, Text: t}, true
			}
		}
		return Event{}, false
	default:
		return Event{}, false
	}
}

const maxToolRender = 120

// renderToolUse formats a tool invocation as "name(key: value, ...)" for
// progress lines. Parameters are sorted for stable output and the whole
// rendering is truncated to keep chat messages short.
func renderToolUse(name string, input json.RawMessage) string {
	var params map[string]any
	if len(input) == 0 || json.Unmarshal(input, &params) != nil || len(params) == 0 {
		return name
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s: %v", k, params[k])
	}
	out := name + "(" + strings.Join(parts, ", ") + ")"
	if len(out) > maxToolRender {
		out = out[:maxToolRender] + "…"
	}
	return out
}
