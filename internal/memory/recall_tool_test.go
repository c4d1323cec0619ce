package memory

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/parlancehq/parlance/pkg/fault"
)

func recallContext(t *testing.T) context.Context {
	t.Helper()
	m := NewManager("sess", NewMemStore(), WithFlushInterval(time.Hour))
	t.Cleanup(func() { _ = m.Close() })

	m.AppendAudit(AuditEntry{Role: "user", Agent: "triage", Text: "My order number is 4711."})
	m.AppendAudit(AuditEntry{Role: "assistant", Agent: "triage", Text: "Thanks, I found the order."})
	return NewContext(context.Background(), m)
}

func TestRecallTool_ReturnsAuditEntries(t *testing.T) {
	t.Parallel()

	entry := RecallToolEntry()
	if entry.Name != "recall_memory" || entry.IsHandoff {
		t.Fatalf("unexpected entry shape: %+v", entry)
	}

	out, err := entry.Executor(recallContext(t), json.RawMessage(`{"query":"order number"}`))
	if err != nil {
		t.Fatalf("Executor: %v", err)
	}

	var res struct {
		OK      bool `json:"ok"`
		Results []struct {
			Role string `json:"role"`
			Text string `json:"text"`
		} `json:"results"`
	}
	if err := json.Unmarshal(out, &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if !res.OK || len(res.Results) != 2 {
		t.Fatalf("result = %s", out)
	}
	joined := res.Results[0].Text + res.Results[1].Text
	if !strings.Contains(joined, "4711") {
		t.Errorf("results missing recalled entry: %s", out)
	}
}

func TestRecallTool_RequiresQuery(t *testing.T) {
	t.Parallel()

	_, err := RecallToolEntry().Executor(recallContext(t), json.RawMessage(`{}`))
	if !fault.Is(err, fault.ToolExecution) {
		t.Fatalf("expected ToolExecution fault, got: %v", err)
	}
}

func TestRecallTool_NoSessionMemory(t *testing.T) {
	t.Parallel()

	_, err := RecallToolEntry().Executor(context.Background(), json.RawMessage(`{"query":"anything"}`))
	if !fault.Is(err, fault.ToolExecution) {
		t.Fatalf("expected ToolExecution fault, got: %v", err)
	}
}
