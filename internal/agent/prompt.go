package agent

import (
	"fmt"
	"strings"
)

const basePrompt = `You are a workflow designer. You build and change workflow cases by calling tools; you never describe changes without making them.
A case has a model of stages, each with processes, each with steps. Data-entry fields belong to the case and are shown to users through views.
Work in this order: create the case, create its fields, create one view per data-entry step that lists the step's fields, then save the complete model.
Use the ids that tool results return. Never invent ids.
Keep your explanations short; the user sees every tool result.`

// Selection names the records an edit request is about.
type Selection struct {
	FieldIDs []int64 `json:"fieldIds,omitempty"`
	ViewIDs  []int64 `json:"viewIds,omitempty"`
}

// Empty reports whether nothing is selected.
func (s *Selection) Empty() bool {
	return s == nil || (len(s.FieldIDs) == 0 && len(s.ViewIDs) == 0)
}

func systemPrompt(req Request, finalize string) string {
	var b strings.Builder
	b.WriteString(basePrompt)
	if finalize != "" {
		fmt.Fprintf(&b, "\nThe task is finished only when %s has succeeded with the complete model.", finalize)
	}
	if req.CaseID != 0 {
		b.WriteString("\n\nYou are editing an existing case")
		if req.CaseName != "" {
			fmt.Fprintf(&b, " %q", req.CaseName)
		}
		fmt.Fprintf(&b, " with id %d. Inspect it with the read-only tools before changing it, change only what the user asks for and do not recreate it.", req.CaseID)
	}
	if !req.Selection.Empty() {
		b.WriteString("\nThe user selected")
		if len(req.Selection.FieldIDs) > 0 {
			fmt.Fprintf(&b, " fields %s", joinIDs(req.Selection.FieldIDs))
		}
		if len(req.Selection.ViewIDs) > 0 {
			if len(req.Selection.FieldIDs) > 0 {
				b.WriteString(" and")
			}
			fmt.Fprintf(&b, " views %s", joinIDs(req.Selection.ViewIDs))
		}
		b.WriteString(". Apply the change to the selection only.")
	}
	if req.Context != "" {
		b.WriteString("\n\nAdditional context:\n")
		b.WriteString(req.Context)
	}
	return b.String()
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ", ")
}

// nudge asks a creation run that stopped calling tools to go on. It grows
// more insistent as progress is made and turns into a demand for the
// finalize tool near the iteration cap.
func nudge(p progressCounts, iteration, max int, finalize string) string {
	if iteration >= max-2 {
		return fmt.Sprintf("You are almost out of steps. Call %s now with the complete model, referencing the views that already exist. Do not create anything else first.", finalize)
	}
	switch {
	case p.Cases == 0 && p.Fields == 0:
		return "Nothing has been created yet. Start by creating the case, then its fields."
	case p.Fields == 0:
		return "The case exists but has no fields. Create the fields the workflow needs."
	case p.Views == 0:
		return fmt.Sprintf("%d fields exist but no views. Create a view for every data-entry step, then call %s.", p.Fields, finalize)
	default:
		return fmt.Sprintf("%d fields and %d views exist. Call %s with the complete model now; every data-entry step must reference one of the views.", p.Fields, p.Views, finalize)
	}
}

func retryMessage(err error) string {
	return fmt.Sprintf("The previous model call failed (%v). Continue where you left off.", err)
}
