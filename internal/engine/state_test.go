package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		from State
		ev   Event
		want State
	}{
		{StateDisconnected, EventOnline, StateDraining},
		{StateDisconnected, EventEnqueued, StateDisconnected},
		{StateDisconnected, EventAuthFailed, StateDisconnected},
		{StateDraining, EventQueueEmpty, StateIdle},
		{StateDraining, EventOffline, StateDisconnected},
		{StateDraining, EventAuthFailed, StatePaused},
		{StateDraining, EventOnline, StateDraining},
		{StateIdle, EventEnqueued, StateDraining},
		{StateIdle, EventOffline, StateDisconnected},
		{StateIdle, EventAuthFailed, StatePaused},
		{StateIdle, EventQueueEmpty, StateIdle},
		{StatePaused, EventReauthenticated, StateDraining},
		{StatePaused, EventEnqueued, StatePaused},
		{StatePaused, EventOnline, StatePaused},
		{StatePaused, EventOffline, StateDisconnected},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.ev), func(t *testing.T) {
			assert.Equal(t, tt.want, Transition(tt.from, tt.ev))
		})
	}
}

func TestTransitionIsTotal(t *testing.T) {
	states := []State{StateDisconnected, StateDraining, StateIdle, StatePaused}
	events := []Event{EventOnline, EventOffline, EventEnqueued, EventQueueEmpty, EventAuthFailed, EventReauthenticated}
	for _, s := range states {
		for _, e := range events {
			assert.Contains(t, states, Transition(s, e))
		}
	}
}
