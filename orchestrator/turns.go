package orchestrator

import (
	"github.com/jmandel/banterop-sub006/store"
)

// TurnState is the state machine derived from a conversation's event log.
// It is a pure function of the log: replaying the same events always yields
// the same state.
type TurnState struct {
	// CurrentTurn is the highest turn number observed (0 when no agent turn
	// exists yet). System events (turn 0) never advance it.
	CurrentTurn int64
	// Closed reports whether CurrentTurn has been closed by a finality
	// message or a turn_cleared marker.
	Closed bool
	// OwnerAgentID is the author of the first event in CurrentTurn. Empty
	// when CurrentTurn is 0.
	OwnerAgentID string
	// EventsInTurn is the highest event number within CurrentTurn.
	EventsInTurn int64
	// SystemEvents is the highest event number within turn 0.
	SystemEvents int64
	// LastSeq is the highest seq appended to the conversation.
	LastSeq int64
	// LastClosedSeq is the seq of the most recent turn-closing event.
	LastClosedSeq int64
	// LastCloserAgentID is the author of that closing event; scheduling
	// rotates away from it.
	LastCloserAgentID string
}

// HasOpenTurn reports whether an agent turn is open for appending.
func (st *TurnState) HasOpenTurn() bool {
	return st.CurrentTurn > 0 && !st.Closed
}

// Owner returns the open turn's owner, empty when no turn is open.
func (st *TurnState) Owner() string {
	if !st.HasOpenTurn() {
		return ""
	}
	return st.OwnerAgentID
}

// Apply advances the state by one appended event. The event is assumed to
// have passed allocation, so identity fields are trusted.
func (st *TurnState) Apply(ev *store.ConversationEvent) {
	if ev.Seq > st.LastSeq {
		st.LastSeq = ev.Seq
	}

	if ev.Type == store.EventTypeSystem {
		if ev.Event > st.SystemEvents {
			st.SystemEvents = ev.Event
		}
		return
	}

	if ev.Turn > st.CurrentTurn {
		st.CurrentTurn = ev.Turn
		st.Closed = false
		st.OwnerAgentID = ev.AgentID
		st.EventsInTurn = 0
	}
	if ev.Turn == st.CurrentTurn && ev.Event > st.EventsInTurn {
		st.EventsInTurn = ev.Event
	}
	if ev.Turn == st.CurrentTurn && ev.ClosesTurn() {
		st.Closed = true
		st.LastClosedSeq = ev.Seq
		st.LastCloserAgentID = ev.AgentID
	}
}

// DeriveTurnState folds the full event list (seq order) into a TurnState.
// Restart recovery and snapshot hydration both go through here, so in-memory
// state is always replay-equivalent to the persisted log.
func DeriveTurnState(events []*store.ConversationEvent) TurnState {
	var st TurnState
	for _, ev := range events {
		st.Apply(ev)
	}
	return st
}

// allocate assigns the identity (turn, event) for a new agent event under the
// append rules:
//
//  1. With an open turn, the owner may append into it (explicit turn must
//     match the current turn).
//  2. A non-owner appending into an open turn gets Conflict.
//  3. With no open turn, any declared agent may open currentTurn+1.
//  4. Any other explicit turn number gets Conflict.
func allocate(st *TurnState, agentID string, explicitTurn *int64) (turn, event int64, err error) {
	if st.HasOpenTurn() {
		if explicitTurn != nil && *explicitTurn != st.CurrentTurn {
			if *explicitTurn == st.CurrentTurn+1 {
				return 0, 0, Conflictf("turn already open")
			}
			return 0, 0, Conflictf("invalid turn number")
		}
		if agentID != st.OwnerAgentID {
			return 0, 0, Conflictf("turn owned by other")
		}
		return st.CurrentTurn, st.EventsInTurn + 1, nil
	}

	next := st.CurrentTurn + 1
	if explicitTurn != nil && *explicitTurn != next {
		return 0, 0, Conflictf("invalid turn number")
	}
	return next, 1, nil
}

// allocateSystem assigns the identity for a turn-0 system event.
func allocateSystem(st *TurnState) (turn, event int64) {
	return 0, st.SystemEvents + 1
}
