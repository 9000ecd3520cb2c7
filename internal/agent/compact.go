package agent

import "github.com/ricmars/visualization-sub001/internal/llm"

// Compact returns the history sent to the model: the latest system message
// first, then every other message in order except controller notes older
// than the most recent one. Assistant and tool messages are always kept
// since later turns refer to the ids they carry.
func Compact(msgs []llm.Message) []llm.Message {
	lastSystem, lastNote := -1, -1
	for i, m := range msgs {
		switch {
		case m.Role == llm.RoleSystem:
			lastSystem = i
		case m.Role == llm.RoleUser && m.Note:
			lastNote = i
		}
	}

	out := make([]llm.Message, 0, len(msgs))
	if lastSystem >= 0 {
		out = append(out, msgs[lastSystem])
	}
	for i, m := range msgs {
		if m.Role == llm.RoleSystem {
			continue
		}
		if m.Role == llm.RoleUser && m.Note && i != lastNote {
			continue
		}
		out = append(out, m)
	}
	return out
}
