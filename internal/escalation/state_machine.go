package escalation

import (
	"fmt"

	"github.com/xaenox/supportchat/internal/models"
)

// StateMachine holds the valid moves between handling modes.
type StateMachine struct {
	transitions map[models.HandlingMode][]models.HandlingMode
}

func NewStateMachine() *StateMachine {
	return &StateMachine{
		transitions: map[models.HandlingMode][]models.HandlingMode{
			models.ModeUnassigned: {models.ModeEscalated, models.ModeAssigned, models.ModeResolved, models.ModeDeleted},
			models.ModeEscalated:  {models.ModeEscalated, models.ModeAssigned, models.ModeResolved, models.ModeDeleted},
			models.ModeAssigned:   {models.ModeAssigned, models.ModeResolved, models.ModeDeleted},
			// reopen
			models.ModeResolved: {models.ModeUnassigned, models.ModeAssigned, models.ModeDeleted},
			models.ModeDeleted:  {},
		},
	}
}

func (sm *StateMachine) CanTransition(from, to models.HandlingMode) bool {
	for _, m := range sm.transitions[from] {
		if m == to {
			return true
		}
	}
	return false
}

// Check returns an invalid_transition error when from -> to is not allowed.
func (sm *StateMachine) Check(op, sessionID string, from, to models.HandlingMode) error {
	if sm.CanTransition(from, to) {
		return nil
	}
	return models.NewError(models.KindInvalidTransition, op, sessionID,
		fmt.Sprintf("cannot move session from %s to %s", from, to), nil)
}
