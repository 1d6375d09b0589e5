package plugin

// State is the negotiation state of one media handle.
type State int

const (
	StateNew State = iota
	StateNegotiating
	StateConnected
	StateRestarting
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateRestarting:
		return "restarting"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Terminal reports whether no further input can leave s, other than Close.
func (s State) Terminal() bool { return s == StateFailed || s == StateClosed }

type Input int

const (
	InputNegotiate Input = iota
	InputICEConnected
	InputICEDisconnected
	InputICEFailed
	InputRestartExhausted
	InputClose
)

func (in Input) String() string {
	switch in {
	case InputNegotiate:
		return "negotiate"
	case InputICEConnected:
		return "ice-connected"
	case InputICEDisconnected:
		return "ice-disconnected"
	case InputICEFailed:
		return "ice-failed"
	case InputRestartExhausted:
		return "restart-exhausted"
	case InputClose:
		return "close"
	}
	return "unknown"
}

// Next is the handle transition function. ok is false when the input does
// not apply in state s; the returned state is then s unchanged.
//
// Renegotiating a connected handle keeps it connected: ICE is not torn down
// by an offer/answer round, so no new connected signal would follow.
func Next(s State, in Input) (State, bool) {
	if s == StateClosed {
		return s, false
	}
	if in == InputClose {
		return StateClosed, true
	}
	if s == StateFailed {
		return s, false
	}

	switch in {
	case InputNegotiate:
		switch s {
		case StateNew:
			return StateNegotiating, true
		case StateNegotiating, StateConnected, StateRestarting:
			return s, true
		}
	case InputICEConnected:
		switch s {
		case StateNegotiating, StateRestarting, StateConnected:
			return StateConnected, true
		}
	case InputICEDisconnected:
		// restart only a connection that was up
		switch s {
		case StateConnected:
			return StateRestarting, true
		case StateRestarting:
			return s, true
		}
	case InputICEFailed:
		switch s {
		case StateNegotiating, StateConnected, StateRestarting:
			return StateFailed, true
		}
	case InputRestartExhausted:
		if s == StateRestarting {
			return StateFailed, true
		}
	}
	return s, false
}
