package domain

import "time"

// NetworkState is one reading of the device network.
type NetworkState struct {
	Connected bool   `json:"connected"`
	Interface string `json:"interface,omitempty"`
	Address   string `json:"address,omitempty"`
}

// SameNetwork reports whether s and o describe the same attachment point.
func (s NetworkState) SameNetwork(o NetworkState) bool {
	return s.Interface == o.Interface && s.Address == o.Address
}

// NetworkObservation is the resilience monitor's view of reality.
type NetworkObservation struct {
	DeviceConnected    bool         `json:"device_connected"`
	TransportConnected bool         `json:"transport_connected"`
	UnstableSince      time.Time    `json:"unstable_since,omitempty"`
	Network            NetworkState `json:"network"`
}

func (o NetworkObservation) Healthy() bool {
	return o.DeviceConnected && o.TransportConnected && o.UnstableSince.IsZero()
}
