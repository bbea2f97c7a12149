package strategy

import (
	"hl-funding-arb/internal/errs"
	"hl-funding-arb/internal/state"
)

// NextMode returns the mode after event, or current if the event does not
// apply.
func NextMode(current state.Mode, event Event) state.Mode {
	switch current {
	case state.ModeIdle:
		if event == EventOpenShort {
			return state.ModeDoubleShortFunding
		}
		if event == EventOpenLong {
			return state.ModeSimpleLongFunding
		}
	case state.ModeDoubleShortFunding, state.ModeSimpleLongFunding:
		if event == EventClose {
			return state.ModeIdle
		}
	}
	return current
}

func Transition(current state.Mode, event Event) (state.Mode, error) {
	next := NextMode(current, event)
	if next == current {
		return current, errs.New(errs.InvalidParameter, "strategy.transition", "event %s not allowed in mode %s", event, current)
	}
	return next, nil
}

// effectiveMode treats a closed state as idle; closed states keep their
// mode for audit.
func effectiveMode(st state.StrategyState) state.Mode {
	if !st.IsOpen {
		return state.ModeIdle
	}
	return st.Mode
}

func openEvent(mode state.Mode) Event {
	if mode == state.ModeSimpleLongFunding {
		return EventOpenLong
	}
	return EventOpenShort
}
