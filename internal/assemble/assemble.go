// Package assemble selects the conversation context presented to the agent.
// Recent history always passes through verbatim; older history is filtered
// by an external triage call whose failures silently fall back to
// recent-only, so context assembly can degrade but never break a task.
package assemble

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"valet/internal/config"
	"valet/internal/store"
	"valet/internal/telemetry"
)

// Assembler applies the hybrid recency and triage policy to channel history.
type Assembler struct {
	cfg     config.TriageConfig
	metrics *telemetry.Metrics
	log     *slog.Logger

	// runTriage is swapped in tests.
	runTriage func(ctx context.Context, command []string, input string) ([]byte, error)
}

func New(cfg config.TriageConfig, metrics *telemetry.Metrics, log *slog.Logger) *Assembler {
	return &Assembler{
		cfg:       cfg,
		metrics:   metrics,
		log:       log.With("component", "assemble"),
		runTriage: runTriageCommand,
	}
}

// triageInput is the JSON document handed to the triage subprocess.
type triageInput struct {
	Query   string        `json:"query"`
	Entries []triageEntry `json:"entries"`
}

type triageEntry struct {
	ID      int    `json:"id"`
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

// SelectRelevantContext returns the subsequence of history to present to
// the agent, in original chronological order.
func (a *Assembler) SelectRelevantContext(ctx context.Context, query string, history []store.CachedMessage) []store.CachedMessage {
	if !a.cfg.Enabled || len(history) <= a.cfg.SkipThreshold {
		return history
	}

	if len(history) > a.cfg.Lookback {
		history = history[len(history)-a.cfg.Lookback:]
	}

	recentStart := len(history) - a.cfg.AlwaysIncludeRecent
	if recentStart <= 0 {
		return history
	}
	older := history[:recentStart]
	recent := history[recentStart:]

	keep, err := a.triage(ctx, query, older)
	if err != nil {
		a.log.Warn("triage failed, using recent-only context", "error", err)
		if a.metrics != nil {
			a.metrics.TriageFallbacks.Add(ctx, 1)
		}
		return recent
	}

	out := make([]store.CachedMessage, 0, len(keep)+len(recent))
	for _, id := range keep {
		out = append(out, older[id])
	}
	return append(out, recent...)
}

// triage invokes the external relevance process and returns the kept older
// indexes in ascending order.
func (a *Assembler) triage(ctx context.Context, query string, older []store.CachedMessage) ([]int, error) {
	if len(a.cfg.Command) == 0 {
		return nil, fmt.Errorf("no triage command configured")
	}

	input := triageInput{Query: query}
	for i, msg := range older {
		input.Entries = append(input.Entries, triageEntry{ID: i, Sender: msg.Sender, Content: msg.Content})
	}
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal triage input: %w", err)
	}

	timeout := time.Duration(a.cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := a.runTriage(ctx, a.cfg.Command, string(inputJSON))
	if err != nil {
		return nil, err
	}

	ids, err := ParseRelevantIDs(output)
	if err != nil {
		return nil, err
	}

	var keep []int
	seen := make(map[int]bool)
	for _, id := range ids {
		if id >= 0 && id < len(older) && !seen[id] {
			keep = append(keep, id)
			seen[id] = true
		}
	}
	// Chronological order regardless of how the triage ranked them.
	for i := 1; i < len(keep); i++ {
		for j := i; j > 0 && keep[j] < keep[j-1]; j-- {
			keep[j], keep[j-1] = keep[j-1], keep[j]
		}
	}
	return keep, nil
}

var fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// ParseRelevantIDs extracts the relevant_ids array from triage output. The
// model may wrap the JSON in prose or a fenced code block; non-integer
// array members are dropped silently.
func ParseRelevantIDs(output []byte) ([]int, error) {
	raw := bytes.TrimSpace(output)

	candidate := raw
	if m := fencedJSONRe.FindSubmatch(raw); m != nil {
		candidate = m[1]
	} else if !bytes.HasPrefix(raw, []byte("{")) {
		start := bytes.IndexByte(raw, '{')
		end := bytes.LastIndexByte(raw, '}')
		if start < 0 || end <= start {
			return nil, fmt.Errorf("no JSON object in triage output")
		}
		candidate = raw[start : end+1]
	}

	var doc struct {
		RelevantIDs []any `json:"relevant_ids"`
	}
	if err := json.Unmarshal(candidate, &doc); err != nil {
		return nil, fmt.Errorf("parse triage output: %w", err)
	}
	var ids []int
	for _, v := range doc.RelevantIDs {
		f, ok := v.(float64)
		if !ok || f != float64(int(f)) {
			continue
		}
		ids = append(ids, int(f))
	}
	return ids, nil
}

func runTriageCommand(ctx context.Context, command []string, input string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Stdin = strings.NewReader(input)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("triage command: %w", err)
	}
	return stdout.Bytes(), nil
}
