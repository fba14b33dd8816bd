package executor

import (
	"strings"
	"testing"
)

func TestParseEvent(t *testing.T) {
	cases := []struct {
		name string
		line string
		want Event
		ok   bool
	}{
		{
			"text block",
			`{"type":"assistant","message":{"content":[{"type":"text","text":"reading the file"}]}}`,
			Event{Kind: EventText, Text: "reading the file"},
			true,
		},
		{
			"tool use wins over text",
			`{"type":"assistant","message":{"content":[{"type":"text","text":"let me check"},{"type":"tool_use","name":"read_file"}]}}`,
			Event{Kind: EventToolUse, Tool: "read_file", Text: "read_file"},
			true,
		},
		{
			"tool use renders parameters",
			`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"write_file","input":{"path":"/tmp/a","mode":"append"}}]}}`,
			Event{Kind: EventToolUse, Tool: "write_file", Text: "write_file(mode: append, path: /tmp/a)"},
			true,
		},
		{
			"first text block wins",
			`{"type":"assistant","message":{"content":[{"type":"text","text":"one"},{"type":"text","text":"two"}]}}`,
			Event{Kind: EventText, Text: "one"},
			true,
		},
		{
			"blank text skipped for a later block",
			`{"type":"assistant","message":{"content":[{"type":"text","text":"  "},{"type":"text","text":"real"}]}}`,
			Event{Kind: EventText, Text: "real"},
			true,
		},
		{
			"result",
			`{"type":"result","is_error":false,"result":"done, sent the mail"}`,
			Event{Kind: EventResult, Text: "done, sent the mail"},
			true,
		},
		{
			"error result",
			`{"type":"result","is_error":true,"result":"could not log in"}`,
			Event{Kind: EventResult, Text: "could not log in", IsError: true},
			true,
		},
		{"system event ignored", `{"type":"system","subtype":"init"}`, Event{}, false},
		{"user event ignored", `{"type":"user","message":{}}`, Event{}, false},
		{"empty assistant ignored", `{"type":"assistant","message":{"content":[]}}`, Event{}, false},
		{"whitespace text ignored", `{"type":"assistant","message":{"content":[{"type":"text","text":"  "}]}}`, Event{}, false},
		{"garbage ignored", `not json at all`, Event{}, false},
		{"blank ignored", ``, Event{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ParseEvent([]byte(tc.line))
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if got != tc.want {
				t.Fatalf("event = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestRenderToolUse(t *testing.T) {
	if got := renderToolUse("bash", nil); got != "bash" {
		t.Errorf("no input = %q", got)
	}
	if got := renderToolUse("bash", []byte(`{}`)); got != "bash" {
		t.Errorf("empty input = %q", got)
	}
	if got := renderToolUse("bash", []byte(`not json`)); got != "bash" {
		t.Errorf("bad input = %q", got)
	}
	long := renderToolUse("bash", []byte(`{"command":"`+strings.Repeat("x", 300)+`"}`))
	if len(long) > 124 || !strings.HasSuffix(long, "…") {
		t.Errorf("long rendering not truncated: %d chars", len(long))
	}
}
