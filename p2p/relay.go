package p2p

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	"lukechampine.com/blake3"
)

const addressBucket = 24 * time.Hour

type relayEntry struct {
	payload []byte
	expires time.Time
}

type relayExpiry struct {
	inv     Inventory
	expires time.Time
}

// RelayService gossips transactions, inventory and addresses to the current
// peer set. It never changes connection lifecycle.
type RelayService struct {
	registry *Registry
	locals   *LocalAddresses
	ttl      time.Duration
	minProto int32
	listen   bool
	discover bool
	port     uint16

	mu      sync.Mutex
	entries map[Inventory]relayEntry
	fifo    []relayExpiry

	salt [32]byte
	now  func() time.Time
	// pick returns a value in [0, n) and is used to occasionally advertise
	// the address a peer reported for us.
	pick func(n int) int

	logger  *slog.Logger
	metrics *networkMetrics
}

func newRelayService(cfg Config, registry *Registry, locals *LocalAddresses) *RelayService {
	r := &RelayService{
		registry: registry,
		locals:   locals,
		ttl:      cfg.RelayTTL,
		minProto: cfg.MinProtocolVersion,
		listen:   cfg.Listen,
		discover: cfg.Discover,
		port:     cfg.DefaultPort,
		entries:  make(map[Inventory]relayEntry),
		now:      time.Now,
		logger:   slog.Default().With(slog.String("component", "p2p_relay")),
		metrics:  newNetworkMetrics(),
	}
	if r.ttl <= 0 {
		r.ttl = DefaultRelayTTL
	}
	if _, err := rand.Read(r.salt[:]); err != nil {
		panic(fmt.Sprintf("p2p: relay salt: %v", err))
	}
	r.pick = func(n int) int {
		var b [8]byte
		_, _ = rand.Read(b[:])
		return int(binary.LittleEndian.Uint64(b[:]) % uint64(n))
	}
	return r
}

func (r *RelayService) log() *slog.Logger {
	if r.logger == nil {
		r.logger = slog.Default().With(slog.String("component", "p2p_relay"))
	}
	return r.logger
}

// RelayTransaction caches the encoded transaction and announces it to every
// peer that accepts transaction relay and whose filter, if any, matches.
func (r *RelayService) RelayTransaction(tx Transaction) (int, error) {
	payload, err := rlp.EncodeToBytes(tx)
	if err != nil {
		return 0, fmt.Errorf("encode transaction: %w", err)
	}
	return r.RelayEncodedTransaction(tx, payload), nil
}

// RelayEncodedTransaction is RelayTransaction for callers that already hold
// the serialized form. It returns the number of peers the inventory was
// queued for.
func (r *RelayService) RelayEncodedTransaction(tx Transaction, payload []byte) int {
	inv := Inventory{Type: InvTx, Hash: tx.Hash()}
	r.insert(inv, payload, r.now())

	peers := r.registry.Snapshot()
	defer r.registry.Release(peers)
	pushed := 0
	for _, p := range peers {
		if !p.RelaysTxes() {
			continue
		}
		if f := p.Filter(); f != nil && !f.IsRelevantAndUpdate(tx) {
			continue
		}
		if p.PushInventory(inv) {
			pushed++
		}
	}
	return pushed
}

func (r *RelayService) insert(inv Inventory, payload []byte, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked(now)
	if _, ok := r.entries[inv]; ok {
		return
	}
	expires := now.Add(r.ttl)
	if n := len(r.fifo); n > 0 && expires.Before(r.fifo[n-1].expires) {
		expires = r.fifo[n-1].expires
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	r.entries[inv] = relayEntry{payload: buf, expires: expires}
	r.fifo = append(r.fifo, relayExpiry{inv: inv, expires: expires})
	r.metrics.setRelayCache(len(r.entries))
}

// SweepExpired drops every cache entry whose expiry has passed and returns
// how many were removed.
func (r *RelayService) SweepExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sweepLocked(r.now())
}

func (r *RelayService) sweepLocked(now time.Time) int {
	n := 0
	for n < len(r.fifo) && r.fifo[n].expires.Before(now) {
		delete(r.entries, r.fifo[n].inv)
		n++
	}
	if n == 0 {
		return 0
	}
	clear(r.fifo[:n])
	r.fifo = r.fifo[n:]
	r.metrics.setRelayCache(len(r.entries))
	return n
}

// Lookup returns the cached payload for inv.
func (r *RelayService) Lookup(inv Inventory) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[inv]
	if !ok || entry.expires.Before(r.now()) {
		return nil, false
	}
	return entry.payload, true
}

// CacheLen returns the number of cached entries and queued expiries.
func (r *RelayService) CacheLen() (entries, queued int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries), len(r.fifo)
}

// RelayInventory announces inv to every peer at or above the minimum
// protocol version.
func (r *RelayService) RelayInventory(inv Inventory) int {
	peers := r.registry.Snapshot()
	defer r.registry.Release(peers)
	pushed := 0
	for _, p := range peers {
		if p.Version() < r.minProto {
			continue
		}
		if p.PushInventory(inv) {
			pushed++
		}
	}
	return pushed
}

// Broadcast queues an already encoded message on every peer. When relayAll
// is false peers that opted out of transaction relay are skipped.
func (r *RelayService) Broadcast(msg []byte, relayAll bool) int {
	peers := r.registry.Snapshot()
	defer r.registry.Release(peers)
	sent := 0
	for _, p := range peers {
		if !relayAll && !p.RelaysTxes() {
			continue
		}
		if err := p.Send(msg); err == nil {
			sent++
		}
	}
	return sent
}

// RelayAddress pushes addr to the n peers with the lowest keyed hash. The
// selection is stable for a given address while the daily bucket is
// unchanged.
func (r *RelayService) RelayAddress(addr NetAddress, n int) []PeerID {
	if n <= 0 || !addr.Addr.IsValid() {
		return nil
	}
	peers := r.registry.Snapshot()
	defer r.registry.Release(peers)

	type ranked struct {
		key  uint64
		peer *Peer
	}
	bucket := uint64(r.now().Unix() / int64(addressBucket/time.Second))
	candidates := make([]ranked, 0, len(peers))
	for _, p := range peers {
		if p.Disconnecting() {
			continue
		}
		candidates = append(candidates, ranked{key: r.addressKey(addr.Addr, bucket, p.id), peer: p})
	}
	slices.SortFunc(candidates, func(a, b ranked) int {
		switch {
		case a.key < b.key:
			return -1
		case a.key > b.key:
			return 1
		case a.peer.id < b.peer.id:
			return -1
		case a.peer.id > b.peer.id:
			return 1
		default:
			return 0
		}
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	chosen := make([]PeerID, 0, len(candidates))
	for _, c := range candidates {
		c.peer.PushAddress(addr)
		chosen = append(chosen, c.peer.id)
	}
	return chosen
}

func (r *RelayService) addressKey(addr netip.AddrPort, bucket uint64, id PeerID) uint64 {
	buf := make([]byte, 0, len(r.salt)+18+16)
	buf = append(buf, r.salt[:]...)
	ip := addr.Addr().As16()
	buf = append(buf, ip[:]...)
	buf = binary.BigEndian.AppendUint16(buf, addr.Port())
	buf = binary.BigEndian.AppendUint64(buf, bucket)
	buf = binary.BigEndian.AppendUint64(buf, uint64(id))
	sum := blake3.Sum256(buf)
	return binary.BigEndian.Uint64(sum[:8])
}

// RebroadcastOwnAddress advertises our best external address to p. The
// address p reported for us is used instead when ours is not routable, and
// occasionally otherwise.
func (r *RelayService) RebroadcastOwnAddress(p *Peer) bool {
	if !r.listen || p == nil || !p.SuccessfullyConnected() {
		return false
	}
	local, score, ok := r.locals.Best(p.addr.Addr())
	if !ok {
		local = netip.AddrPortFrom(netip.IPv4Unspecified(), r.port)
	}
	if seen := p.LocalSeen(); r.peerSeenGood(p, seen) {
		odds := 2
		if score > LocalManual {
			odds = 8
		}
		if !IsRoutable(local.Addr()) || r.pick(odds) == 0 {
			local = netip.AddrPortFrom(seen.Addr().Unmap(), local.Port())
		}
	}
	if !IsRoutable(local.Addr()) {
		return false
	}
	r.log().Debug("Advertising local address",
		slog.Int64("peer_id", int64(p.id)),
		slog.String("address", local.String()))
	return p.PushAddress(NetAddress{Addr: local, Services: NodeNetwork, Timestamp: r.now()})
}

func (r *RelayService) peerSeenGood(p *Peer, seen netip.AddrPort) bool {
	if !r.discover || !seen.IsValid() {
		return false
	}
	if !IsRoutable(p.addr.Addr()) || !IsRoutable(seen.Addr()) {
		return false
	}
	return !r.locals.IsLimited(NetworkOf(seen.Addr()))
}
