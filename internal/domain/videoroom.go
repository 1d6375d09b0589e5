package domain

import "encoding/json"

const (
	PluginVideoRoom = "janus.plugin.videoroom"
	PluginStreaming = "janus.plugin.streaming"
)

// VideoRoomEvent is the data object of a videoroom plugin event.
type VideoRoomEvent struct {
	VideoRoom   string          `json:"videoroom"`
	Room        RoomID          `json:"room,omitempty"`
	ID          FeedID          `json:"id,omitempty"`
	PrivateID   uint64          `json:"private_id,omitempty"`
	Publishers  []Publisher     `json:"publishers,omitempty"`
	Unpublished json.RawMessage `json:"unpublished,omitempty"`
	Leaving     json.RawMessage `json:"leaving,omitempty"`
	Configured  string          `json:"configured,omitempty"`
	Started     string          `json:"started,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// GoneFeed returns the feed that unpublished or left, if any. The gateway
// sends "ok" instead of an id when the feed is the receiver itself.
func (e VideoRoomEvent) GoneFeed() (FeedID, bool) {
	for _, raw := range []json.RawMessage{e.Unpublished, e.Leaving} {
		if len(raw) == 0 {
			continue
		}
		var id FeedID
		if err := json.Unmarshal(raw, &id); err == nil && id != 0 {
			return id, true
		}
	}
	return 0, false
}

// StreamingEvent is the data object of a streaming plugin event.
type StreamingEvent struct {
	Streaming string `json:"streaming"`
	Result    struct {
		Status string `json:"status"`
	} `json:"result"`
	ErrorCode int    `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
}
