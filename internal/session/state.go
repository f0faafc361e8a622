package session

import (
	"errors"
	"fmt"

	"github.com/opencode-ai/turnstream/pkg/types"
)

// ErrInvalidTransition is returned for a state change the machine does not allow.
var ErrInvalidTransition = errors.New("invalid state transition")

// transitions lists the legal successors of each state. finalized is
// reachable from every other state and is handled by canTransition.
var transitions = map[types.SessionState][]types.SessionState{
	types.StateCreated:      {types.StateThinking},
	types.StateThinking:     {types.StateInvokingTool, types.StateBuilding},
	types.StateInvokingTool: {types.StateThinking},
	types.StateBuilding:     {},
}

func canTransition(from, to types.SessionState) bool {
	if from == types.StateFinalized {
		return false
	}
	if to == types.StateFinalized {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to types.SessionState) error {
	if !canTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// phaseOf returns the status phase announced on entering state. building is
// not announced: complete or error follows it immediately.
func phaseOf(state types.SessionState) (types.Phase, bool) {
	switch state {
	case types.StateThinking:
		return types.PhaseThinking, true
	case types.StateInvokingTool:
		return types.PhaseInvokingTool, true
	}
	return "", false
}
