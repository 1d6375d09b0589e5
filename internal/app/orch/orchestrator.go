package orch

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/dkeye/VoiceClient/internal/app/gateway"
	"github.com/dkeye/VoiceClient/internal/app/plugin"
	"github.com/dkeye/VoiceClient/internal/app/retry"
	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
)

// GatewaySession is the part of gateway.Session the orchestrator drives.
type GatewaySession interface {
	plugin.Session
	Init(ctx context.Context, token string) (domain.SessionID, error)
	Attach(ctx context.Context, h gateway.Handle) (domain.HandleID, error)
	Destroy(ctx context.Context)
	Snapshot() gateway.Info
}

// SessionFactory builds a fresh, uninitialized gateway session. restarter is
// invoked when the session is lost beyond local repair.
type SessionFactory func(name string, restarter core.RoomRestarter) GatewaySession

// NetworkObserver exposes the resilience monitor's view for Status.
type NetworkObserver interface {
	Observation() domain.NetworkObservation
}

type Orchestrator struct {
	Registry *Registry
	Sessions SessionFactory
	Peers    core.PeerFactory
	Gate     core.ConnectionGate
	Limiter  *RestartLimiter
	Notifier Notifier
	Network  NetworkObserver
	User     *domain.User
	Clock    clockwork.Clock
	// ICERestart overrides the per-handle ICE-restart policy.
	ICERestart retry.Policy

	mu            sync.Mutex
	room          *roomState
	playback      *playbackState
	restarting    bool
	transportDown bool
}

type roomState struct {
	id        domain.RoomID
	display   string
	session   GatewaySession
	ctx       context.Context
	publisher *plugin.Publisher

	mu         sync.Mutex
	subscriber *plugin.Subscriber
	// pending holds publishers announced before the subscriber exists.
	pending []domain.Publisher
}

func (rs *roomState) sub() *plugin.Subscriber {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.subscriber
}

type playbackState struct {
	mountpoint domain.MountpointID
	session    GatewaySession
	handle     *plugin.Playback
}

func (o *Orchestrator) gate() core.ConnectionGate {
	if o.Gate == nil {
		return core.OpenGate{}
	}
	return o.Gate
}

func (o *Orchestrator) notifier() Notifier {
	if o.Notifier == nil {
		return LogNotifier{}
	}
	return o.Notifier
}

func (o *Orchestrator) token() string {
	if o.User == nil {
		return ""
	}
	return o.User.Token
}

func (o *Orchestrator) handleOptions(sess GatewaySession) plugin.Options {
	return plugin.Options{
		Session: sess,
		Peers:   o.Peers,
		Gate:    o.gate(),
		Clock:   o.Clock,
		Restart: o.ICERestart,
	}
}

func (o *Orchestrator) handleCallbacks(onFatal func(error)) plugin.Callbacks {
	n := o.notifier()
	return plugin.Callbacks{
		OnFatal: onFatal,
		OnTrack: n.TrackAdded,
		OnMedia: n.MediaChanged,
	}
}

// Status is a read-only view for the control API.
type Status struct {
	Room          *RoomStatus                `json:"room,omitempty"`
	Playback      *PlaybackStatus            `json:"playback,omitempty"`
	Sessions      []gateway.Info             `json:"sessions"`
	Network       *domain.NetworkObservation `json:"network,omitempty"`
	TransportDown bool                       `json:"transport_down"`
	Restarting    bool                       `json:"restarting"`
}

type RoomStatus struct {
	ID         domain.RoomID      `json:"id"`
	Display    string             `json:"display"`
	Feed       domain.FeedID      `json:"feed"`
	Publisher  string             `json:"publisher_state"`
	Subscriber string             `json:"subscriber_state,omitempty"`
	Publishers []domain.Publisher `json:"publishers"`
	Bitrate    int                `json:"bitrate"`
}

type PlaybackStatus struct {
	Mountpoint domain.MountpointID `json:"mountpoint"`
	State      string              `json:"state"`
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	st := Status{TransportDown: o.transportDown, Restarting: o.restarting}
	room, pb := o.room, o.playback
	o.mu.Unlock()

	if room != nil {
		rs := &RoomStatus{ID: room.id, Display: room.display, Publishers: []domain.Publisher{}}
		if room.publisher != nil {
			rs.Feed = room.publisher.Feed()
			rs.Publisher = room.publisher.State().String()
			rs.Bitrate = room.publisher.Bitrate()
		}
		if sub := room.sub(); sub != nil {
			rs.Subscriber = sub.State().String()
			rs.Publishers = sub.Publishers()
		}
		st.Room = rs
	}
	if pb != nil {
		st.Playback = &PlaybackStatus{Mountpoint: pb.mountpoint, State: pb.handle.State().String()}
	}
	if o.Registry != nil {
		st.Sessions = o.Registry.Snapshot()
	}
	if o.Network != nil {
		obs := o.Network.Observation()
		st.Network = &obs
	}
	return st
}
