package p2p

import (
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common/lru"
)

const (
	// MaxReceiveBuffer is the receive backlog above which a peer is no longer
	// polled for reads until the protocol layer drains it.
	MaxReceiveBuffer = 5 * 1000 * 1000
	// MaxSendBuffer caps queued outbound bytes before Send starts refusing.
	MaxSendBuffer = 1 * 1000 * 1000

	maxKnownAddresses = 5000
	maxKnownInventory = 50000
	readChunk         = 64 * 1024
)

var errSendBufferFull = errors.New("peer send buffer full")

// PeerState is the lifecycle position of a peer. Transitions only move
// forward.
type PeerState int32

const (
	StateConnecting PeerState = iota
	StateConnected
	StateFlagged
	StateDraining
	StateRemoved
)

func (s PeerState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFlagged:
		return "flagged"
	case StateDraining:
		return "draining"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// transport is the non-blocking socket a peer owns.
type transport interface {
	Handle() Handle
	ReadNonblock(buf []byte) (int, error)
	WriteNonblock(buf []byte) (int, error)
	Close() error
}

// Peer is one TCP session. Socket I/O is performed only by the IO loop; the
// protocol layer reads received bytes and queues outbound bytes through the
// exported methods.
type Peer struct {
	id          PeerID
	inbound     bool
	whitelisted bool
	oneShot     bool
	addr        netip.AddrPort
	addrName    string

	conn  net.Conn
	trans transport

	networkNode atomic.Bool
	disconnect  atomic.Bool
	refs        atomic.Int32
	state       atomic.Int32
	closeOnce   sync.Once

	connectedAt time.Time
	lastSend    atomic.Int64
	lastRecv    atomic.Int64

	sendMu     sync.Mutex
	sendQueue  [][]byte
	sendOffset int
	sendBytes  int

	recvMu  sync.Mutex
	recvBuf []byte

	version          atomic.Int32
	relayTxes        atomic.Bool
	successfullyConn atomic.Bool

	filterMu  sync.RWMutex
	filter    TxFilter
	localSeen netip.AddrPort

	knownAddrs *lru.Cache[netip.AddrPort, struct{}]
	knownInv   *lru.Cache[Inventory, struct{}]

	queueMu    sync.Mutex
	invQueue   []Inventory
	addrQueue  []NetAddress
	grantOnce  sync.Once
	grantFn    func()
	bytesSent  atomic.Uint64
	bytesRecvd atomic.Uint64
}

type peerOptions struct {
	inbound     bool
	whitelisted bool
	oneShot     bool
	addrName    string
	now         time.Time
}

func newPeer(id PeerID, conn net.Conn, trans transport, addr netip.AddrPort, opts peerOptions) *Peer {
	p := &Peer{
		id:          id,
		inbound:     opts.inbound,
		whitelisted: opts.whitelisted,
		oneShot:     opts.oneShot,
		addr:        addr,
		addrName:    opts.addrName,
		conn:        conn,
		trans:       trans,
		connectedAt: opts.now,
		knownAddrs:  lru.NewCache[netip.AddrPort, struct{}](maxKnownAddresses),
		knownInv:    lru.NewCache[Inventory, struct{}](maxKnownInventory),
	}
	p.state.Store(int32(StateConnecting))
	p.relayTxes.Store(true)
	return p
}

func (p *Peer) ID() PeerID              { return p.id }
func (p *Peer) Inbound() bool           { return p.inbound }
func (p *Peer) Whitelisted() bool       { return p.whitelisted }
func (p *Peer) OneShot() bool           { return p.oneShot }
func (p *Peer) Addr() netip.AddrPort    { return p.addr }
func (p *Peer) AddrName() string        { return p.addrName }
func (p *Peer) ConnectedAt() time.Time  { return p.connectedAt }
func (p *Peer) NetworkNode() bool       { return p.networkNode.Load() }
func (p *Peer) State() PeerState        { return PeerState(p.state.Load()) }
func (p *Peer) Disconnecting() bool     { return p.disconnect.Load() }
func (p *Peer) Version() int32          { return p.version.Load() }
func (p *Peer) SetVersion(v int32)      { p.version.Store(v) }
func (p *Peer) RelaysTxes() bool        { return p.relayTxes.Load() }
func (p *Peer) SetRelayTxes(relay bool) { p.relayTxes.Store(relay) }

// SuccessfullyConnected reports whether the protocol layer completed the
// version handshake.
func (p *Peer) SuccessfullyConnected() bool { return p.successfullyConn.Load() }

// SetSuccessfullyConnected is called by the protocol layer after verack.
func (p *Peer) SetSuccessfullyConnected() { p.successfullyConn.Store(true) }

// LastSend returns the time of the last successful write, or zero.
func (p *Peer) LastSend() time.Time { return unixOrZero(p.lastSend.Load()) }

// LastRecv returns the time of the last successful read, or zero.
func (p *Peer) LastRecv() time.Time { return unixOrZero(p.lastRecv.Load()) }

func unixOrZero(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0)
}

// Filter returns the peer's active relay filter, if any.
func (p *Peer) Filter() TxFilter {
	p.filterMu.RLock()
	defer p.filterMu.RUnlock()
	return p.filter
}

// SetFilter installs or clears the relay filter.
func (p *Peer) SetFilter(f TxFilter) {
	p.filterMu.Lock()
	p.filter = f
	p.filterMu.Unlock()
}

// SetLocalSeen records the address the peer reported seeing us at.
func (p *Peer) SetLocalSeen(addr netip.AddrPort) {
	p.filterMu.Lock()
	p.localSeen = addr
	p.filterMu.Unlock()
}

// LocalSeen returns the address the peer reported seeing us at.
func (p *Peer) LocalSeen() netip.AddrPort {
	p.filterMu.RLock()
	defer p.filterMu.RUnlock()
	return p.localSeen
}

// Disconnect flags the peer. The flag is monotonic.
func (p *Peer) Disconnect() {
	if p.disconnect.CompareAndSwap(false, true) {
		p.advance(StateFlagged)
	}
}

func (p *Peer) advance(to PeerState) {
	for {
		cur := p.state.Load()
		if PeerState(cur) >= to {
			return
		}
		if p.state.CompareAndSwap(cur, int32(to)) {
			return
		}
	}
}

func (p *Peer) acquire() *Peer {
	p.refs.Add(1)
	return p
}

func (p *Peer) release() {
	if p.refs.Add(-1) < 0 {
		panic("p2p: peer reference count below zero")
	}
}

// RefCount returns the number of outstanding references.
func (p *Peer) RefCount() int32 { return p.refs.Load() }

func (p *Peer) setGrant(release func()) {
	p.grantFn = release
}

func (p *Peer) releaseGrant() {
	p.grantOnce.Do(func() {
		if p.grantFn != nil {
			p.grantFn()
		}
	})
}

func (p *Peer) handle() Handle {
	if p.trans == nil {
		return -1
	}
	return p.trans.Handle()
}

// closeSocket closes the transport exactly once.
func (p *Peer) closeSocket() {
	p.closeOnce.Do(func() {
		switch {
		case p.trans != nil:
			_ = p.trans.Close()
		case p.conn != nil:
			_ = p.conn.Close()
		}
	})
}

// Send queues raw bytes for the IO loop to write.
func (p *Peer) Send(msg []byte) error {
	if len(msg) == 0 {
		return nil
	}
	if p.disconnect.Load() {
		return ErrPeerUnknown
	}
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if p.sendBytes >= MaxSendBuffer {
		return errSendBufferFull
	}
	buf := make([]byte, len(msg))
	copy(buf, msg)
	p.sendQueue = append(p.sendQueue, buf)
	p.sendBytes += len(buf)
	return nil
}

// SendBufferSize returns the number of queued but unwritten bytes.
func (p *Peer) SendBufferSize() int {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	return p.sendBytes
}

// ReceiveBufferSize returns the number of bytes waiting for the protocol
// layer.
func (p *Peer) ReceiveBufferSize() int {
	p.recvMu.Lock()
	defer p.recvMu.Unlock()
	return len(p.recvBuf)
}

// TakeReceived hands all buffered bytes to the caller.
func (p *Peer) TakeReceived() []byte {
	p.recvMu.Lock()
	defer p.recvMu.Unlock()
	out := p.recvBuf
	p.recvBuf = nil
	return out
}

// Unread pushes back bytes that form an incomplete message.
func (p *Peer) Unread(rest []byte) {
	if len(rest) == 0 {
		return
	}
	p.recvMu.Lock()
	defer p.recvMu.Unlock()
	buf := make([]byte, 0, len(rest)+len(p.recvBuf))
	buf = append(buf, rest...)
	p.recvBuf = append(buf, p.recvBuf...)
}

// receive reads whatever is available. It returns the number of bytes read.
// io.EOF and socket errors are returned as-is.
func (p *Peer) receive(now time.Time, scratch []byte) (int, error) {
	n, err := p.trans.ReadNonblock(scratch)
	if n > 0 {
		p.recvMu.Lock()
		p.recvBuf = append(p.recvBuf, scratch[:n]...)
		p.recvMu.Unlock()
		p.lastRecv.Store(now.Unix())
		p.bytesRecvd.Add(uint64(n))
	}
	if errors.Is(err, errWouldBlock) {
		return n, nil
	}
	return n, err
}

// flush writes as much of the send queue as the socket accepts.
func (p *Peer) flush(now time.Time) (int, error) {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	written := 0
	for len(p.sendQueue) > 0 {
		head := p.sendQueue[0][p.sendOffset:]
		n, err := p.trans.WriteNonblock(head)
		if n > 0 {
			written += n
			p.sendBytes -= n
			p.sendOffset += n
			p.lastSend.Store(now.Unix())
			p.bytesSent.Add(uint64(n))
		}
		if p.sendOffset == len(p.sendQueue[0]) {
			p.sendQueue[0] = nil
			p.sendQueue = p.sendQueue[1:]
			p.sendOffset = 0
		}
		if err != nil {
			if errors.Is(err, errWouldBlock) {
				return written, nil
			}
			return written, err
		}
		if n < len(head) {
			break
		}
	}
	return written, nil
}

// AddKnownAddress records that the peer already has addr.
func (p *Peer) AddKnownAddress(addr netip.AddrPort) {
	p.knownAddrs.Add(addr, struct{}{})
}

// ClearKnownAddresses resets the address filter so every address is
// announced again.
func (p *Peer) ClearKnownAddresses() {
	p.knownAddrs.Purge()
}

// PushAddress queues addr for announcement unless the peer already knows it.
func (p *Peer) PushAddress(addr NetAddress) bool {
	if !addr.Addr.IsValid() || p.knownAddrs.Contains(addr.Addr) {
		return false
	}
	p.queueMu.Lock()
	p.addrQueue = append(p.addrQueue, addr)
	p.queueMu.Unlock()
	return true
}

// AddKnownInventory records that the peer already has inv.
func (p *Peer) AddKnownInventory(inv Inventory) {
	p.knownInv.Add(inv, struct{}{})
}

// PushInventory queues inv for announcement unless the peer already knows it.
func (p *Peer) PushInventory(inv Inventory) bool {
	if p.disconnect.Load() {
		return false
	}
	if inv.Type == InvTx && p.knownInv.Contains(inv) {
		return false
	}
	p.queueMu.Lock()
	p.invQueue = append(p.invQueue, inv)
	p.queueMu.Unlock()
	return true
}

// TakeInventory drains the queued inventory announcements.
func (p *Peer) TakeInventory() []Inventory {
	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	out := p.invQueue
	p.invQueue = nil
	for _, inv := range out {
		p.knownInv.Add(inv, struct{}{})
	}
	return out
}

// TakeAddresses drains the queued address announcements.
func (p *Peer) TakeAddresses() []NetAddress {
	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	out := p.addrQueue
	p.addrQueue = nil
	for _, a := range out {
		p.knownAddrs.Add(a.Addr, struct{}{})
	}
	return out
}

// PeerInfo is a point-in-time description of a peer.
type PeerInfo struct {
	ID          PeerID    `json:"id"`
	Address     string    `json:"addr"`
	AddrName    string    `json:"addrName,omitempty"`
	Direction   string    `json:"direction"`
	State       string    `json:"state"`
	Whitelisted bool      `json:"whitelisted"`
	OneShot     bool      `json:"oneShot"`
	NetworkNode bool      `json:"networkNode"`
	Version     int32     `json:"version"`
	ConnectedAt time.Time `json:"connectedAt"`
	LastSend    time.Time `json:"lastSend,omitempty"`
	LastRecv    time.Time `json:"lastRecv,omitempty"`
	BytesSent   uint64    `json:"bytesSent"`
	BytesRecv   uint64    `json:"bytesRecv"`
}

func (p *Peer) info() PeerInfo {
	return PeerInfo{
		ID:          p.id,
		Address:     p.addr.String(),
		AddrName:    p.addrName,
		Direction:   directionForPeer(p),
		State:       p.State().String(),
		Whitelisted: p.whitelisted,
		OneShot:     p.oneShot,
		NetworkNode: p.NetworkNode(),
		Version:     p.Version(),
		ConnectedAt: p.connectedAt,
		LastSend:    p.LastSend(),
		LastRecv:    p.LastRecv(),
		BytesSent:   p.bytesSent.Load(),
		BytesRecv:   p.bytesRecvd.Load(),
	}
}

func directionForPeer(p *Peer) string {
	if p == nil {
		return "unknown"
	}
	if p.inbound {
		return "inbound"
	}
	return "outbound"
}
