package memory

import (
	"context"
	"encoding/json"
	"time"

	"github.com/parlancehq/parlance/internal/tool"
	"github.com/parlancehq/parlance/pkg/fault"
)

// defaultRecallLimit caps recall results when the model does not ask for a
// specific count.
const defaultRecallLimit = 5

// recallArgs is the argument object the model sends to recall_memory.
type recallArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

// recallHit is one result row returned to the model.
type recallHit struct {
	Role  string `json:"role"`
	Agent string `json:"agent"`
	Text  string `json:"text"`
	At    string `json:"at"`
}

// RecallToolEntry returns the built-in recall_memory tool. Agents that list
// it can search the session's audit log for things said earlier in the call;
// with the Postgres store the search is semantic, otherwise recency-based.
//
// The executor resolves the session's memory manager from the context the
// orchestrator passes in, so a single registry entry serves every session.
func RecallToolEntry() tool.Entry {
	return tool.Entry{
		Name:        "recall_memory",
		Description: "Search earlier parts of this conversation. Use when the caller refers to something said before that is no longer in view.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "What to look for, in natural language.",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum number of results to return. Defaults to 5.",
				},
			},
			"required": []any{"query"},
		},
		Tags:     []string{"builtin"},
		Executor: recallExecutor,
	}
}

func recallExecutor(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var req recallArgs
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, fault.Errorf(fault.ToolExecution, "recall_memory: bad arguments: %v", err)
	}
	if req.Query == "" {
		return nil, fault.New(fault.ToolExecution, "recall_memory: query is required")
	}
	if req.Limit <= 0 {
		req.Limit = defaultRecallLimit
	}

	m, ok := FromContext(ctx)
	if !ok {
		return nil, fault.New(fault.ToolExecution, "recall_memory: no session memory in scope")
	}

	results, err := m.Recall(ctx, req.Query, req.Limit)
	if err != nil {
		return nil, fault.Errorf(fault.ToolExecution, "recall_memory: %v", err)
	}

	hits := make([]recallHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, recallHit{
			Role:  r.Entry.Role,
			Agent: r.Entry.Agent,
			Text:  r.Entry.Text,
			At:    r.Entry.Timestamp.Format(time.RFC3339),
		})
	}
	out, err := json.Marshal(map[string]any{"ok": true, "results": hits})
	if err != nil {
		return nil, fault.Errorf(fault.ToolExecution, "recall_memory: encode results: %v", err)
	}
	return out, nil
}
