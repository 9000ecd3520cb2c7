package models

import (
	"fmt"
	"strings"
)

// ModelError collects structural or referential problems found in a case
// model or view.
type ModelError struct {
	Problems []string
}

func (e *ModelError) Error() string {
	return "invalid model: " + strings.Join(e.Problems, "; ")
}

func (e *ModelError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

func (e *ModelError) orNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}

// ValidateModel checks the structural invariants of a case model. views
// holds the ids of the views that exist in the same case.
func ValidateModel(model CaseModel, views map[int64]bool) error {
	merr := &ModelError{}
	if len(model.Stages) == 0 {
		merr.add("model must contain at least one stage")
	}

	seenViews := make(map[int64]string)
	for si, st := range model.Stages {
		if strings.TrimSpace(st.Name) == "" {
			merr.add("stage %d has no name", si+1)
		}
		for pi, p := range st.Processes {
			if strings.TrimSpace(p.Name) == "" {
				merr.add("process %d of stage %q has no name", pi+1, st.Name)
			}
			for _, step := range p.Steps {
				if strings.TrimSpace(step.Name) == "" {
					merr.add("a step of process %q has no name", p.Name)
				}
				if !step.Type.Valid() {
					merr.add("step %q has unknown type %q", step.Name, step.Type)
				}
				if step.ViewID == nil {
					if step.Type == StepCollectInformation {
						merr.add("step %q of type %q requires a viewId", step.Name, step.Type)
					}
					continue
				}
				id := *step.ViewID
				if prev, dup := seenViews[id]; dup {
					merr.add("viewId %d is used by both %q and %q", id, prev, step.Name)
				} else {
					seenViews[id] = step.Name
				}
				if !views[id] {
					merr.add("step %q references view %d which does not exist in this case", step.Name, id)
				}
			}
		}
	}
	return merr.orNil()
}

// ValidateView checks that every field placed by the view exists in the
// same case. fields holds the ids of the case's fields.
func ValidateView(view View, fields map[int64]bool) error {
	merr := &ModelError{}
	if strings.TrimSpace(view.Name) == "" {
		merr.add("view has no name")
	}
	seen := make(map[int64]bool)
	for _, f := range view.Model.Fields {
		if !fields[f.FieldID] {
			merr.add("view %q references field %d which does not exist in this case", view.Name, f.FieldID)
		}
		if seen[f.FieldID] {
			merr.add("view %q places field %d more than once", view.Name, f.FieldID)
		}
		seen[f.FieldID] = true
	}
	return merr.orNil()
}
