package tool_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/parlancehq/parlance/internal/tool"
)

func echoExecutor(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	return args, nil
}

func TestRegister_RejectsInvalidEntries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		entry tool.Entry
	}{
		{"empty name", tool.Entry{Executor: echoExecutor}},
		{"no executor", tool.Entry{Name: "lookup_account"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := tool.NewRegistry()
			if err := r.Register(tt.entry); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRegister_DuplicateNameFails(t *testing.T) {
	t.Parallel()
	r := tool.NewRegistry()
	if err := r.Register(tool.Entry{Name: "get_balance", Executor: echoExecutor}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(tool.Entry{Name: "get_balance", Executor: echoExecutor}); err == nil {
		t.Error("expected duplicate registration to fail")
	}
}

func TestRegister_HandoffWithoutExecutorAllowed(t *testing.T) {
	t.Parallel()
	r := tool.NewRegistry()
	err := r.Register(tool.Entry{
		Name:          "transfer_to_fraud",
		IsHandoff:     true,
		DefaultTarget: "fraud_desk",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	e, ok := r.Lookup("transfer_to_fraud")
	if !ok {
		t.Fatal("Lookup failed")
	}
	if !e.IsHandoff || e.DefaultTarget != "fraud_desk" {
		t.Errorf("entry = %+v", e)
	}
}

func TestRegister_AppliesDefaults(t *testing.T) {
	t.Parallel()
	r := tool.NewRegistry()
	if err := r.Register(tool.Entry{Name: "get_balance", Executor: echoExecutor}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	e, _ := r.Lookup("get_balance")
	if e.Timeout != 10*time.Second {
		t.Errorf("Timeout = %v; want 10s", e.Timeout)
	}
	if e.Parameters == nil || e.Parameters["type"] != "object" {
		t.Errorf("Parameters = %v; want default object schema", e.Parameters)
	}
}

func TestListForAgent_SkipsUnknownAndSorts(t *testing.T) {
	t.Parallel()
	r := tool.NewRegistry()
	r.Register(tool.Entry{Name: "zeta", Executor: echoExecutor, Description: "z"})
	r.Register(tool.Entry{Name: "alpha", Executor: echoExecutor, Description: "a"})

	defs := r.ListForAgent([]string{"zeta", "no_such_tool", "alpha"})
	if len(defs) != 2 {
		t.Fatalf("got %d defs; want 2", len(defs))
	}
	if defs[0].Name != "alpha" || defs[1].Name != "zeta" {
		t.Errorf("order = %s, %s; want alpha, zeta", defs[0].Name, defs[1].Name)
	}
}

func TestNames_Sorted(t *testing.T) {
	t.Parallel()
	r := tool.NewRegistry()
	r.Register(tool.Entry{Name: "b", Executor: echoExecutor})
	r.Register(tool.Entry{Name: "a", Executor: echoExecutor})
	names := r.Names()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("names = %v", names)
	}
}
