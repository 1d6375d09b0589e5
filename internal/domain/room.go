package domain

type (
	RoomID       uint64
	FeedID       uint64
	MountpointID uint64
)

// Publisher is a remote participant currently sending media in a room.
type Publisher struct {
	ID      FeedID `json:"id"`
	Display string `json:"display,omitempty"`
	Talking bool   `json:"talking,omitempty"`
}

// TrackInfo describes a remote track handed to the media layer.
type TrackInfo struct {
	ID       string `json:"id"`
	StreamID string `json:"stream_id"`
	Kind     string `json:"kind"`
	Codec    string `json:"codec,omitempty"`
}
