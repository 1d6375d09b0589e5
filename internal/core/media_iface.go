package core

import (
	"context"

	"github.com/dkeye/VoiceClient/internal/domain"
)

// ICEState is the ICE connection state reported by a peer connection.
type ICEState string

const (
	ICENew          ICEState = "new"
	ICEChecking     ICEState = "checking"
	ICEConnected    ICEState = "connected"
	ICECompleted    ICEState = "completed"
	ICEDisconnected ICEState = "disconnected"
	ICEFailed       ICEState = "failed"
	ICEClosed       ICEState = "closed"
)

// PeerRole selects transceiver setup for a new peer connection.
type PeerRole string

const (
	RolePublisher  PeerRole = "publisher"
	RoleSubscriber PeerRole = "subscriber"
	RolePlayback   PeerRole = "playback"
)

// PeerConnection is the media engine capability a plugin handle drives.
type PeerConnection interface {
	// CreateOffer creates an offer and sets it as the local description.
	CreateOffer(ctx context.Context, iceRestart bool) (domain.JSEP, error)
	// CreateAnswer answers the current remote offer and sets it locally.
	CreateAnswer(ctx context.Context) (domain.JSEP, error)
	SetRemoteDescription(domain.JSEP) error
	AddICECandidate(domain.Candidate) error

	// OnICECandidate is called per gathered candidate, and once with nil
	// when gathering completes.
	OnICECandidate(func(*domain.Candidate))
	OnICEConnectionStateChange(func(ICEState))
	OnTrack(func(domain.TrackInfo))
	Close() error
}

type PeerFactory interface {
	NewPeer(role PeerRole) (PeerConnection, error)
}
