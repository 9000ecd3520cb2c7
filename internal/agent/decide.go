package agent

// State is a step of the loop state machine.
type State int

const (
	StateInit State = iota
	StateCallModel
	StateStreaming
	StateToolCalls
	StateFinalText
	StateDone
	StateError
)

var stateNames = [...]string{"init", "call_model", "streaming", "tool_calls", "final_text", "done", "error"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Mode tells whether the run builds a new case or edits an existing one.
type Mode int

const (
	ModeCreate Mode = iota
	ModeEdit
)

func (m Mode) String() string {
	if m == ModeEdit {
		return "edit"
	}
	return "create"
}

// TurnKind classifies the tools a model turn called.
type TurnKind int

const (
	// TurnNone is a turn without tool calls.
	TurnNone TurnKind = iota
	// TurnReadOnly called only read-only tools.
	TurnReadOnly
	// TurnMutating called at least one tool that changes state.
	TurnMutating
)

func (k TurnKind) String() string {
	switch k {
	case TurnReadOnly:
		return "readonly"
	case TurnMutating:
		return "mutating"
	default:
		return "none"
	}
}

// Decision is what the loop does after a turn.
type Decision int

const (
	DecisionContinue Decision = iota
	DecisionNudge
	DecisionStop
	// DecisionFail ends the run as incomplete because a requested change
	// could not be made.
	DecisionFail
)

func (d Decision) String() string {
	switch d {
	case DecisionNudge:
		return "nudge"
	case DecisionStop:
		return "stop"
	case DecisionFail:
		return "fail"
	default:
		return "continue"
	}
}

// Situation is the input of the completion decision, taken after every
// model turn.
type Situation struct {
	Mode Mode
	// Turn is the kind of the turn that just finished.
	Turn TurnKind
	// Finalized is set once the finalize tool has succeeded in this run.
	Finalized bool
	// Selection is set when the request names the records to change.
	Selection bool
	// ToolErrors is set when a tool of the turn failed.
	ToolErrors bool
	// Unrepaired is set while the latest mutating turn of the run had a
	// failing tool.
	Unrepaired bool
}

// Decide is the completion table.
//
//	mode    turn      finalized  decision
//	create  any       yes        stop
//	create  none      no         nudge
//	create  readonly  no         continue
//	create  mutating  no         continue
//	edit    none      any        stop; fail while a mutation is unrepaired
//	edit    readonly  any        continue
//	edit    mutating  any        stop when every tool succeeded; otherwise
//	                             fail with a selection, else continue
func Decide(s Situation) Decision {
	if s.Mode == ModeCreate {
		switch {
		case s.Finalized:
			return DecisionStop
		case s.Turn == TurnNone:
			return DecisionNudge
		default:
			return DecisionContinue
		}
	}
	switch s.Turn {
	case TurnNone:
		if s.Unrepaired {
			return DecisionFail
		}
		return DecisionStop
	case TurnReadOnly:
		return DecisionContinue
	default:
		switch {
		case !s.ToolErrors:
			return DecisionStop
		case s.Selection:
			return DecisionFail
		default:
			return DecisionContinue
		}
	}
}
