package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"

	"github.com/nerrad567/zwave-relay/internal/zwave"
)

// State is a driver lifecycle state.
type State string

// Lifecycle states.
const (
	StateUninitialized State = "uninitialized"
	StateStarting      State = "starting"
	StateReady         State = "ready"
	StateStopped       State = "stopped"
)

// Gate transitions.
const (
	eventStart = "start"
	eventReady = "ready"
	eventFail  = "fail"
	eventStop  = "stop"
)

// newGate builds the lifecycle state machine. onEnter runs after every
// completed transition with the new state.
//
//	uninitialized|stopped --start--> starting --ready--> ready --stop--> stopped
//	starting|ready --fail--> uninitialized
func newGate(onEnter func(from, to State)) *fsm.FSM {
	return fsm.NewFSM(
		string(StateUninitialized),
		fsm.Events{
			{Name: eventStart, Src: []string{string(StateUninitialized), string(StateStopped)}, Dst: string(StateStarting)},
			{Name: eventReady, Src: []string{string(StateStarting)}, Dst: string(StateReady)},
			{Name: eventFail, Src: []string{string(StateStarting), string(StateReady)}, Dst: string(StateUninitialized)},
			{Name: eventStop, Src: []string{string(StateReady)}, Dst: string(StateStopped)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				if onEnter != nil {
					onEnter(State(e.Src), State(e.Dst))
				}
			},
		},
	)
}

// fire runs a gate transition and maps the fsm's rejection into the
// relay's error taxonomy.
func fire(ctx context.Context, gate *fsm.FSM, event string) error {
	err := gate.Event(ctx, event)
	if err == nil {
		return nil
	}

	var invalid fsm.InvalidEventError
	if errors.As(err, &invalid) {
		switch event {
		case eventStart:
			return fmt.Errorf("%w (state %s)", zwave.ErrAlreadyStarted, invalid.State)
		default:
			return fmt.Errorf("%w (state %s)", zwave.ErrNotReady, invalid.State)
		}
	}
	return fmt.Errorf("lifecycle %s: %w", event, err)
}
