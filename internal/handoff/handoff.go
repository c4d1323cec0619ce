// Package handoff resolves handoff tool calls into agent switches.
//
// Given the session's scenario view and the tool the model just called, the
// service decides the target agent, the switch kind (announced or discrete),
// what context travels to the new agent, and which greeting — if any — the
// new agent speaks. Both pipelines consult this package; neither implements
// its own greeting logic.
package handoff

import (
	"fmt"
	"sort"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/parlancehq/parlance/internal/scenario"
	"github.com/parlancehq/parlance/internal/tool"
	"github.com/parlancehq/parlance/pkg/fault"
)

// maxTypoDistance is the Levenshtein ceiling for tolerant target matching.
const maxTypoDistance = 2

// reservedKeys are control fields stripped by Sanitize before any tool args
// or results are carried to the target agent.
var reservedKeys = map[string]bool{
	"success":         true,
	"target_agent":    true,
	"handoff_summary": true,
	"handoff":         true,
}

// GreetingKind tells the pipeline how to treat the greeting text.
type GreetingKind int

const (
	// GreetingSuppress means the new agent speaks no greeting.
	GreetingSuppress GreetingKind = iota

	// GreetingVerbatim means Text is spoken exactly as configured.
	GreetingVerbatim

	// GreetingRendered means Text was rendered from the target agent's
	// greeting template for this visit.
	GreetingRendered
)

// Greeting is the resolved greeting decision.
type Greeting struct {
	Kind GreetingKind
	Text string
}

// Carried is the context that travels with the switch.
type Carried struct {
	// UserUtterance is the user's last utterance, carried verbatim.
	UserUtterance string

	// Reason is the model's stated reason for the handoff, when the tool
	// args supplied one.
	Reason string

	// LastAssistant is the old agent's final line. Set only for announced
	// handoffs with context sharing.
	LastAssistant string

	// Fields are the sanitized tool args and result.
	Fields map[string]any
}

// Instructions renders the continuation text for a discrete handoff: the
// per-response additional instructions that drive the new agent's first
// answer without touching its system prompt.
func (c Carried) Instructions() string {
	var b strings.Builder
	b.WriteString("The caller just said: ")
	b.WriteString(c.UserUtterance)
	if c.Reason != "" {
		b.WriteString("\nHandoff reason: ")
		b.WriteString(c.Reason)
	}
	if c.LastAssistant != "" {
		b.WriteString("\nThe previous agent's last words were: ")
		b.WriteString(c.LastAssistant)
	}
	if len(c.Fields) > 0 {
		b.WriteString("\nContext:")
		keys := make([]string, 0, len(c.Fields))
		for k := range c.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "\n- %s: %v", k, c.Fields[k])
		}
	}
	b.WriteString("\nContinue the conversation naturally. Do not mention the transfer.")
	return b.String()
}

// Resolution is the full outcome of a resolved handoff.
type Resolution struct {
	TargetAgent  string
	Kind         scenario.HandoffKind
	ShareContext bool
	Carried      Carried
	Greeting     Greeting
}

// View is the session state the resolver needs.
type View struct {
	// Scenario is the session's resolved scenario.
	Scenario *scenario.Resolved

	// CurrentAgent is the active agent's name.
	CurrentAgent string

	// UserUtterance is the user turn that triggered the tool call.
	UserUtterance string

	// LastAssistant is the active agent's most recent spoken line.
	LastAssistant string

	// Visits counts completed visits per agent in this session.
	Visits map[string]int
}

// Resolve decides the switch for a handoff tool call. args and result are the
// tool's JSON-decoded argument and result objects (either may be nil).
//
// Resolution order: the scenario edge (current agent, tool) wins; otherwise
// the tool's registered default target with kind announced and context
// sharing on. A target that cannot be matched against the effective agent set
// yields a fault.HandoffUnresolved error and no switch.
func Resolve(view View, entry tool.Entry, args, result map[string]any) (Resolution, error) {
	edge, hasEdge := view.Scenario.Edge(view.CurrentAgent, entry.Name)

	var res Resolution
	if hasEdge {
		res.TargetAgent = edge.To
		res.Kind = edge.Kind
		if res.Kind == "" {
			res.Kind = scenario.KindAnnounced
		}
		res.ShareContext = edge.ShareContext
	} else {
		if entry.DefaultTarget == "" {
			return Resolution{}, fault.Errorf(fault.HandoffUnresolved,
				"handoff: tool %q has no scenario edge from %q and no default target",
				entry.Name, view.CurrentAgent)
		}
		res.TargetAgent = entry.DefaultTarget
		res.Kind = scenario.KindAnnounced
		res.ShareContext = true
	}

	target, err := matchTarget(res.TargetAgent, view.Scenario.AgentNames())
	if err != nil {
		return Resolution{}, err
	}
	res.TargetAgent = target

	res.Carried = carry(view, res, args, result)
	res.Greeting = selectGreeting(view, res, edge, hasEdge)
	return res, nil
}

// matchTarget finds name in the effective agent set, tolerating case
// differences and small typos. Ambiguous or distant names fail.
func matchTarget(name string, agents []string) (string, error) {
	for _, a := range agents {
		if a == name {
			return a, nil
		}
	}

	var caseMatches []string
	for _, a := range agents {
		if strings.EqualFold(a, name) {
			caseMatches = append(caseMatches, a)
		}
	}
	if len(caseMatches) == 1 {
		return caseMatches[0], nil
	}

	var typoMatches []string
	for _, a := range agents {
		if matchr.Levenshtein(strings.ToLower(a), strings.ToLower(name)) <= maxTypoDistance {
			typoMatches = append(typoMatches, a)
		}
	}
	if len(typoMatches) == 1 {
		return typoMatches[0], nil
	}

	return "", fault.Errorf(fault.HandoffUnresolved,
		"handoff: target agent %q not in effective set", name)
}

// carry assembles the context travelling with the switch.
func carry(view View, res Resolution, args, result map[string]any) Carried {
	c := Carried{UserUtterance: view.UserUtterance}
	if r, ok := args["reason"].(string); ok {
		c.Reason = r
	}
	if !res.ShareContext {
		return c
	}

	fields := Sanitize(args)
	for k, v := range Sanitize(result) {
		fields[k] = v
	}
	delete(fields, "reason") // already carried explicitly
	if len(fields) > 0 {
		c.Fields = fields
	}
	if res.Kind == scenario.KindAnnounced {
		c.LastAssistant = view.LastAssistant
	}
	return c
}

// selectGreeting applies the greeting matrix.
func selectGreeting(view View, res Resolution, edge scenario.HandoffConfig, hasEdge bool) Greeting {
	if res.Kind == scenario.KindDiscrete {
		return Greeting{Kind: GreetingSuppress}
	}
	if hasEdge && !edge.Greet() {
		return Greeting{Kind: GreetingSuppress}
	}
	if hasEdge && edge.GreetingOverride != "" {
		return Greeting{Kind: GreetingVerbatim, Text: edge.GreetingOverride}
	}

	target, ok := view.Scenario.Agent(res.TargetAgent)
	if !ok {
		return Greeting{Kind: GreetingSuppress}
	}
	firstVisit := view.Visits[res.TargetAgent] == 0
	text := target.RenderGreeting(firstVisit, nil)
	if text == "" {
		return Greeting{Kind: GreetingSuppress}
	}
	return Greeting{Kind: GreetingRendered, Text: text}
}

// Sanitize returns a copy of m with reserved control keys removed. Nil input
// yields an empty map. Sanitize(Sanitize(x)) == Sanitize(x).
func Sanitize(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if reservedKeys[k] {
			continue
		}
		out[k] = v
	}
	return out
}
