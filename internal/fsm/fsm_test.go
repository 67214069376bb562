package fsm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransitionHappyPath(t *testing.T) {
	s := StateIdle

	next, err := Transition(s, EventStart)
	require.NoError(t, err)
	require.Equal(t, StateStarting, next)

	next, err = Transition(next, EventOpened)
	require.NoError(t, err)
	require.Equal(t, StateActive, next)

	next, err = Transition(next, EventPause)
	require.NoError(t, err)
	require.Equal(t, StatePaused, next)

	next, err = Transition(next, EventResume)
	require.NoError(t, err)
	require.Equal(t, StateActive, next)

	next, err = Transition(next, EventStop)
	require.NoError(t, err)
	require.Equal(t, StateStopped, next)
}

func TestTransitionReconnectCycleReturnsToActive(t *testing.T) {
	for _, from := range []State{StateActive, StatePaused, StateStarting} {
		next, err := Transition(from, EventTransportError)
		require.NoError(t, err)
		require.Equal(t, StateReconnecting, next)

		next, err = Transition(next, EventRetry)
		require.NoError(t, err)
		require.Equal(t, StateStarting, next)

		next, err = Transition(next, EventOpened)
		require.NoError(t, err)
		require.Equal(t, StateActive, next)
	}
}

func TestTransitionStopFromAnyStateGoesStopped(t *testing.T) {
	states := []State{StateIdle, StateStarting, StateActive, StatePaused, StateReconnecting, StateStopped, StateFailed}
	for _, state := range states {
		next, err := Transition(state, EventStop)
		require.NoError(t, err)
		require.Equal(t, StateStopped, next)
	}
}

func TestTransitionMatrixInvalidTransitions(t *testing.T) {
	tests := []struct {
		name    string
		state   State
		event   Event
		want    State
		wantErr bool
	}{
		{name: "idle pause invalid", state: StateIdle, event: EventPause, want: StateIdle, wantErr: true},
		{name: "idle opened invalid", state: StateIdle, event: EventOpened, want: StateIdle, wantErr: true},
		{name: "starting pause invalid", state: StateStarting, event: EventPause, want: StateStarting, wantErr: true},
		{name: "starting fail valid", state: StateStarting, event: EventFail, want: StateFailed, wantErr: false},
		{name: "active start invalid", state: StateActive, event: EventStart, want: StateActive, wantErr: true},
		{name: "active resume invalid", state: StateActive, event: EventResume, want: StateActive, wantErr: true},
		{name: "active fail invalid", state: StateActive, event: EventFail, want: StateActive, wantErr: true},
		{name: "paused pause invalid", state: StatePaused, event: EventPause, want: StatePaused, wantErr: true},
		{name: "reconnecting opened invalid", state: StateReconnecting, event: EventOpened, want: StateReconnecting, wantErr: true},
		{name: "reconnecting fail valid", state: StateReconnecting, event: EventFail, want: StateFailed, wantErr: false},
		{name: "stopped start invalid", state: StateStopped, event: EventStart, want: StateStopped, wantErr: true},
		{name: "failed retry invalid", state: StateFailed, event: EventRetry, want: StateFailed, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			next, err := Transition(tc.state, tc.event)
			require.Equal(t, tc.want, next)
			if tc.wantErr {
				require.Error(t, err)
				require.Contains(t, err.Error(), "invalid transition")
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestTransitionUnknownState(t *testing.T) {
	next, err := Transition(State("mystery"), EventStart)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown state")
	require.Equal(t, State("mystery"), next)
}

func TestStateLiveAndTerminal(t *testing.T) {
	require.True(t, StateStarting.Live())
	require.True(t, StateReconnecting.Live())
	require.False(t, StateIdle.Live())
	require.False(t, StateStopped.Live())

	require.True(t, StateFailed.Terminal())
	require.True(t, StateStopped.Terminal())
	require.False(t, StatePaused.Terminal())
}
