// Package fsm defines the listen session state table.
package fsm

import "fmt"

type State string

type Event string

const (
	StateIdle         State = "idle"
	StateStarting     State = "starting"
	StateActive       State = "active"
	StatePaused       State = "paused"
	StateReconnecting State = "reconnecting"
	StateStopped      State = "stopped"
	StateFailed       State = "failed"
)

const (
	EventStart          Event = "start"
	EventOpened         Event = "opened"
	EventPause          Event = "pause"
	EventResume         Event = "resume"
	EventTransportError Event = "transport_error"
	EventRetry          Event = "retry"
	EventFail           Event = "fail"
	EventStop           Event = "stop"
)

// Transition returns the next state for event, or current and an error when
// the edge does not exist. Stop is accepted from every known state.
func Transition(current State, event Event) (State, error) {
	if !current.known() {
		return current, fmt.Errorf("unknown state %q", current)
	}
	if event == EventStop {
		return StateStopped, nil
	}

	switch current {
	case StateIdle:
		switch event {
		case EventStart:
			return StateStarting, nil
		}
	case StateStarting:
		switch event {
		case EventOpened:
			return StateActive, nil
		case EventTransportError:
			return StateReconnecting, nil
		case EventFail:
			return StateFailed, nil
		}
	case StateActive:
		switch event {
		case EventPause:
			return StatePaused, nil
		case EventTransportError:
			return StateReconnecting, nil
		}
	case StatePaused:
		switch event {
		case EventResume:
			return StateActive, nil
		case EventTransportError:
			return StateReconnecting, nil
		}
	case StateReconnecting:
		switch event {
		case EventRetry:
			return StateStarting, nil
		case EventFail:
			return StateFailed, nil
		}
	}
	return current, invalidTransition(current, event)
}

// Live reports whether a session in this state still holds (or is acquiring)
// the microphone and recognition channel.
func (s State) Live() bool {
	switch s {
	case StateStarting, StateActive, StatePaused, StateReconnecting:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition other than stop exists.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

func (s State) known() bool {
	switch s {
	case StateIdle, StateStarting, StateActive, StatePaused, StateReconnecting, StateStopped, StateFailed:
		return true
	default:
		return false
	}
}

func invalidTransition(state State, event Event) error {
	return fmt.Errorf("invalid transition: %s --(%s)--> ?", state, event)
}
