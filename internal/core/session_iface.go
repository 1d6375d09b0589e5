package core

import "context"

// ConnectionGate is the single answer to "is it safe to talk to the gateway".
type ConnectionGate interface {
	// WaitForConnection returns immediately when healthy, otherwise parks
	// until the current recovery cycle concludes and reports its outcome.
	WaitForConnection(ctx context.Context) bool
	// Healthy is the non-blocking form.
	Healthy() bool
}

// RoomRestarter is invoked when a session is lost beyond local repair.
type RoomRestarter interface {
	RestartRoom(reason error)
}

// OpenGate is a ConnectionGate that never blocks. Used when no monitor runs.
type OpenGate struct{}

func (OpenGate) WaitForConnection(context.Context) bool { return true }
func (OpenGate) Healthy() bool                          { return true }
