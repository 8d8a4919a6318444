package p2p

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

// Registry is the authoritative table of live and draining peers and of the
// listening sockets. One lock guards all of it.
type Registry struct {
	mu sync.Mutex

	nextID atomic.Int64

	active    map[PeerID]*Peer
	byHandle  map[Handle]PeerID
	draining  []*Peer
	listeners []*Listener

	inbound    int
	maxInbound int

	metrics *networkMetrics
}

// NewRegistry creates a registry admitting at most maxInbound inbound peers.
func NewRegistry(maxInbound int) *Registry {
	if maxInbound < 0 {
		maxInbound = 0
	}
	return &Registry{
		active:     make(map[PeerID]*Peer),
		byHandle:   make(map[Handle]PeerID),
		maxInbound: maxInbound,
		metrics:    newNetworkMetrics(),
	}
}

// NewPeerID allocates the next process-unique id.
func (r *Registry) NewPeerID() PeerID {
	return PeerID(r.nextID.Add(1))
}

// MaxInbound returns the inbound cap.
func (r *Registry) MaxInbound() int { return r.maxInbound }

// Register inserts a fully constructed peer.
func (r *Registry) Register(p *Peer) (PeerID, error) {
	if p == nil {
		return 0, errors.New("p2p: nil peer")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.active[p.id]; exists {
		return 0, fmt.Errorf("register peer %d: %w", p.id, ErrDuplicatePeer)
	}
	h := p.handle()
	if h >= 0 {
		if other, exists := r.byHandle[h]; exists {
			return 0, fmt.Errorf("register peer %d: socket %d held by peer %d: %w", p.id, h, other, ErrDuplicateHandle)
		}
	}
	if p.inbound {
		if r.inbound >= r.maxInbound {
			return 0, fmt.Errorf("register peer %d: %w", p.id, ErrInboundFull)
		}
		r.inbound++
	}
	r.active[p.id] = p
	if h >= 0 {
		r.byHandle[h] = p.id
	}
	p.advance(StateConnected)
	r.metrics.setPeers(r.inbound, len(r.active)-r.inbound)
	return p.id, nil
}

// MarkForDisconnection flags the peer. It is idempotent and reports whether
// the peer was found in the active set.
func (r *Registry) MarkForDisconnection(id PeerID) bool {
	r.mu.Lock()
	p := r.active[id]
	r.mu.Unlock()
	if p == nil {
		return false
	}
	p.Disconnect()
	return true
}

// SweepDisconnected unlinks every flagged peer, closes its socket and moves
// it to the draining list. The unlinked ids are returned in ascending order.
func (r *Registry) SweepDisconnected() []PeerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var swept []PeerID
	for id, p := range r.active {
		if !p.Disconnecting() {
			continue
		}
		delete(r.active, id)
		if h := p.handle(); h >= 0 && r.byHandle[h] == id {
			delete(r.byHandle, h)
		}
		if p.inbound && r.inbound > 0 {
			r.inbound--
		}
		p.advance(StateDraining)
		p.closeSocket()
		p.releaseGrant()
		r.draining = append(r.draining, p)
		swept = append(swept, id)
	}
	if len(swept) > 0 {
		slices.Sort(swept)
		r.metrics.setPeers(r.inbound, len(r.active)-r.inbound)
	}
	return swept
}

// ReapDrained releases draining peers nobody references any more, or all of
// them when force is set. The released ids are returned.
func (r *Registry) ReapDrained(force bool) []PeerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.draining) == 0 {
		return nil
	}
	var reaped []PeerID
	kept := r.draining[:0]
	for _, p := range r.draining {
		if !force && p.RefCount() > 0 {
			kept = append(kept, p)
			continue
		}
		p.advance(StateRemoved)
		reaped = append(reaped, p.id)
	}
	clear(r.draining[len(kept):])
	r.draining = kept
	return reaped
}

// DrainingCount returns the number of unlinked peers still referenced.
func (r *Registry) DrainingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.draining)
}

// SocketFor returns the socket of an active peer.
func (r *Registry) SocketFor(id PeerID) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.active[id]
	if p == nil {
		return -1, false
	}
	return p.handle(), true
}

// Snapshot returns the active peers with their reference counts raised.
// Callers must pass the result to Release.
func (r *Registry) Snapshot() []*Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	peers := make([]*Peer, 0, len(r.active))
	for _, p := range r.active {
		peers = append(peers, p.acquire())
	}
	slices.SortFunc(peers, func(a, b *Peer) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		default:
			return 0
		}
	})
	return peers
}

// Release drops the references taken by Snapshot or Acquire.
func (r *Registry) Release(peers []*Peer) {
	for _, p := range peers {
		p.release()
	}
}

// Acquire returns an active peer with its reference count raised.
func (r *Registry) Acquire(id PeerID) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.active[id]
	if p == nil {
		return nil, false
	}
	return p.acquire(), true
}

// FindByAddr reports whether an active peer has exactly addr.
func (r *Registry) FindByAddr(addr netip.AddrPort) bool {
	addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.active {
		if p.addr == addr {
			return true
		}
	}
	return false
}

// FindByIP reports whether an active peer is at ip on any port.
func (r *Registry) FindByIP(ip netip.Addr) bool {
	ip = ip.Unmap()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.active {
		if p.addr.Addr() == ip {
			return true
		}
	}
	return false
}

// FindByName reports whether an active peer was dialled by host name.
func (r *Registry) FindByName(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.active {
		if strings.EqualFold(p.addrName, name) {
			return true
		}
	}
	return false
}

// Counts returns the active inbound and outbound totals.
func (r *Registry) Counts() NetworkCounts {
	r.mu.Lock()
	defer r.mu.Unlock()
	return NetworkCounts{
		Total:    len(r.active),
		Inbound:  r.inbound,
		Outbound: len(r.active) - r.inbound,
	}
}

// Len returns the number of active peers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// OutboundGroups returns the address groups already used by outbound peers.
func (r *Registry) OutboundGroups() map[netip.Prefix]struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	groups := make(map[netip.Prefix]struct{})
	for _, p := range r.active {
		if p.inbound {
			continue
		}
		groups[AddressGroup(p.addr.Addr())] = struct{}{}
	}
	return groups
}

// Infos describes every active peer.
func (r *Registry) Infos() []PeerInfo {
	peers := r.Snapshot()
	defer r.Release(peers)
	out := make([]PeerInfo, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.info())
	}
	return out
}

// AddListener records a bound listening socket.
func (r *Registry) AddListener(l *Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// Listeners returns a copy of the listening sockets.
func (r *Registry) Listeners() []*Listener {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Listener(nil), r.listeners...)
}

// CloseListeners closes and forgets every listening socket.
func (r *Registry) CloseListeners() error {
	r.mu.Lock()
	listeners := r.listeners
	r.listeners = nil
	r.mu.Unlock()
	var errs []error
	for _, l := range listeners {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DisconnectAll flags every active peer.
func (r *Registry) DisconnectAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.active {
		p.Disconnect()
	}
}

// NetworkCounts represents current peer counts.
type NetworkCounts struct {
	Total    int `json:"total"`
	Inbound  int `json:"inbound"`
	Outbound int `json:"outbound"`
}
