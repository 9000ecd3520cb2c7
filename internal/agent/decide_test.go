package agent

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		in   Situation
		want Decision
	}{
		{Situation{Mode: ModeCreate, Turn: TurnNone}, DecisionNudge},
		{Situation{Mode: ModeCreate, Turn: TurnReadOnly}, DecisionContinue},
		{Situation{Mode: ModeCreate, Turn: TurnMutating}, DecisionContinue},
		{Situation{Mode: ModeCreate, Turn: TurnMutating, ToolErrors: true}, DecisionContinue},
		{Situation{Mode: ModeCreate, Turn: TurnNone, Finalized: true}, DecisionStop},
		{Situation{Mode: ModeCreate, Turn: TurnMutating, Finalized: true}, DecisionStop},
		{Situation{Mode: ModeCreate, Turn: TurnReadOnly, Finalized: true}, DecisionStop},

		{Situation{Mode: ModeCreate, Turn: TurnNone, Unrepaired: true}, DecisionNudge},
		{Situation{Mode: ModeCreate, Turn: TurnNone, Finalized: true, Unrepaired: true}, DecisionStop},

		{Situation{Mode: ModeEdit, Turn: TurnNone}, DecisionStop},
		{Situation{Mode: ModeEdit, Turn: TurnNone, Finalized: true}, DecisionStop},
		{Situation{Mode: ModeEdit, Turn: TurnNone, Unrepaired: true}, DecisionFail},
		{Situation{Mode: ModeEdit, Turn: TurnReadOnly}, DecisionContinue},
		{Situation{Mode: ModeEdit, Turn: TurnReadOnly, Selection: true}, DecisionContinue},
		{Situation{Mode: ModeEdit, Turn: TurnReadOnly, Unrepaired: true}, DecisionContinue},
		{Situation{Mode: ModeEdit, Turn: TurnReadOnly, ToolErrors: true}, DecisionContinue},
		{Situation{Mode: ModeEdit, Turn: TurnMutating}, DecisionStop},
		{Situation{Mode: ModeEdit, Turn: TurnMutating, ToolErrors: true, Unrepaired: true}, DecisionContinue},
		{Situation{Mode: ModeEdit, Turn: TurnMutating, Selection: true}, DecisionStop},
		{Situation{Mode: ModeEdit, Turn: TurnMutating, Selection: true, ToolErrors: true, Unrepaired: true}, DecisionFail},
	}
	for _, tt := range tests {
		name := fmt.Sprintf("%s/%s/final=%v/sel=%v/err=%v/unrepaired=%v",
			tt.in.Mode, tt.in.Turn, tt.in.Finalized, tt.in.Selection, tt.in.ToolErrors, tt.in.Unrepaired)
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.in))
		})
	}
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "call_model", StateCallModel.String())
	assert.Equal(t, "error", StateError.String())
	assert.Equal(t, "unknown", State(42).String())
	assert.Equal(t, "fail", DecisionFail.String())
}
