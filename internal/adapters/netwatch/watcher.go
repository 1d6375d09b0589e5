// Package netwatch reads the device network from its interfaces and reports
// attachment changes. anet keeps the listing working on Android, where the
// stdlib netlink route is denied.
package netwatch

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/wlynxg/anet"

	"github.com/dkeye/VoiceClient/internal/domain"
)

const DefaultInterval = 2 * time.Second

// Interface is one network interface with its addresses.
type Interface struct {
	Name  string
	Flags net.Flags
	Addrs []net.Addr
}

// Lister enumerates interfaces.
type Lister func() ([]Interface, error)

// SystemInterfaces lists the host's interfaces through anet.
func SystemInterfaces() ([]Interface, error) {
	ifaces, err := anet.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	out := make([]Interface, 0, len(ifaces))
	for i := range ifaces {
		addrs, err := anet.InterfaceAddrsByInterface(&ifaces[i])
		if err != nil {
			log.Debug().Str("module", "netwatch").Err(err).Str("iface", ifaces[i].Name).Msg("interface addrs")
			continue
		}
		out = append(out, Interface{Name: ifaces[i].Name, Flags: ifaces[i].Flags, Addrs: addrs})
	}
	return out, nil
}

// Watcher is a polling device network observer.
type Watcher struct {
	list     Lister
	clock    clockwork.Clock
	interval time.Duration

	mu   sync.Mutex
	last domain.NetworkState
}

func New(list Lister, clock clockwork.Clock, interval time.Duration) *Watcher {
	if list == nil {
		list = SystemInterfaces
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Watcher{list: list, clock: clock, interval: interval}
}

// Current picks the active attachment: the first interface, by name, that
// is up, not loopback and holds a global unicast address. IPv4 wins over
// IPv6 on the same interface.
func (w *Watcher) Current(context.Context) (domain.NetworkState, error) {
	ifaces, err := w.list()
	if err != nil {
		return domain.NetworkState{}, err
	}
	sort.Slice(ifaces, func(i, j int) bool { return ifaces[i].Name < ifaces[j].Name })
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if ip := pickAddress(iface.Addrs); ip != nil {
			return domain.NetworkState{Connected: true, Interface: iface.Name, Address: ip.String()}, nil
		}
	}
	return domain.NetworkState{}, nil
}

func pickAddress(addrs []net.Addr) net.IP {
	var v6 net.IP
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip == nil || !ip.IsGlobalUnicast() {
			continue
		}
		if ip.To4() != nil {
			return ip
		}
		if v6 == nil {
			v6 = ip
		}
	}
	return v6
}

// Run polls until ctx ends and calls onChange whenever the attachment
// differs from the previous reading. The first reading is reported too.
func (w *Watcher) Run(ctx context.Context, onChange func(domain.NetworkState)) {
	first := true
	for {
		state, err := w.Current(ctx)
		if err != nil {
			log.Warn().Str("module", "netwatch").Err(err).Msg("read network")
		} else if w.swap(state) || first {
			log.Info().Str("module", "netwatch").Bool("connected", state.Connected).
				Str("iface", state.Interface).Str("addr", state.Address).Msg("network changed")
			onChange(state)
			first = false
		}

		t := w.clock.NewTimer(w.interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.Chan():
		}
	}
}

func (w *Watcher) swap(s domain.NetworkState) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	changed := s.Connected != w.last.Connected || !s.SameNetwork(w.last)
	w.last = s
	return changed
}
