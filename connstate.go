package call

import (
	"context"

	"github.com/looplab/fsm"
	"github.com/pion/webrtc/v4"
)

// connState tracks the state reported on the event stream. Transitions
// that are not listed here are refused and never reach the stream.
type connState struct {
	machine *fsm.FSM
}

func newConnState() *connState {
	return &connState{
		machine: fsm.NewFSM(
			string(StateNew),
			fsm.Events{
				{Name: string(StateChecking), Src: []string{string(StateNew), string(StateDisconnected)}, Dst: string(StateChecking)},
				{Name: string(StateConnected), Src: []string{string(StateNew), string(StateChecking), string(StateDisconnected)}, Dst: string(StateConnected)},
				{Name: string(StateCompleted), Src: []string{string(StateConnected)}, Dst: string(StateCompleted)},
				{Name: string(StateDisconnected), Src: []string{string(StateChecking), string(StateConnected), string(StateCompleted)}, Dst: string(StateDisconnected)},
				{Name: string(StateFailed), Src: []string{string(StateNew), string(StateChecking), string(StateConnected), string(StateCompleted), string(StateDisconnected)}, Dst: string(StateFailed)},
				{Name: string(StateClosed), Src: []string{string(StateNew), string(StateChecking), string(StateConnected), string(StateCompleted), string(StateDisconnected), string(StateFailed)}, Dst: string(StateClosed)},
			},
			fsm.Callbacks{},
		),
	}
}

func (c *connState) Current() ConnectionState {
	return ConnectionState(c.machine.Current())
}

// advance moves to state. The error is fsm's reason for refusing.
func (c *connState) advance(ctx context.Context, state ConnectionState) error {
	return c.machine.Event(ctx, string(state))
}

// fromICEState maps the engine's ICE connection state onto the event
// vocabulary. The second result is false for states with no equivalent.
func fromICEState(s webrtc.ICEConnectionState) (ConnectionState, bool) {
	switch s {
	case webrtc.ICEConnectionStateNew:
		return StateNew, true
	case webrtc.ICEConnectionStateChecking:
		return StateChecking, true
	case webrtc.ICEConnectionStateConnected:
		return StateConnected, true
	case webrtc.ICEConnectionStateCompleted:
		return StateCompleted, true
	case webrtc.ICEConnectionStateDisconnected:
		return StateDisconnected, true
	case webrtc.ICEConnectionStateFailed:
		return StateFailed, true
	case webrtc.ICEConnectionStateClosed:
		return StateClosed, true
	}
	return "", false
}
