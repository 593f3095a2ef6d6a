package fsm

import (
	"bytes"
	"fmt"
	"sort"
)

// ExportDOT generates Graphviz DOT source for the machine with the current
// state highlighted. Nil name functions fall back to the numeric IDs.
func (m *Machine) ExportDOT(stateName func(StateID) string, eventName func(EventID) string) string {
	if stateName == nil {
		stateName = func(id StateID) string { return fmt.Sprintf("s%d", int(id)) }
	}
	if eventName == nil {
		eventName = func(id EventID) string { return fmt.Sprintf("e%d", int(id)) }
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]StateID, 0, len(m.states))
	for id := range m.states {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var buf bytes.Buffer
	buf.WriteString(`digraph StateMachine {
  rankdir=LR;
  node [shape=box, fontsize=10, style=rounded];
  edge [fontsize=9];
`)
	for _, id := range ids {
		style := ""
		if m.current != nil && m.current.ID == id {
			style = ` style=filled fillcolor=lightgreen`
		}
		if m.initial != nil && m.initial.ID == id {
			style += ` peripheries=2`
		}
		fmt.Fprintf(&buf, "  %q [label=%q%s];\n", stateName(id), stateName(id), style)
	}
	for _, id := range ids {
		for _, t := range m.states[id].Transitions {
			if t == nil {
				continue
			}
			to := id
			if t.Target != nil {
				to = t.Target.ID
			}
			fmt.Fprintf(&buf, "  %q -> %q [label=%q];\n", stateName(id), stateName(to), eventName(t.Event))
		}
	}
	buf.WriteString("}\n")
	return buf.String()
}
