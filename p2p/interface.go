package p2p

import (
	"context"
	"net/netip"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PeerID is a process-unique peer identifier. Ids are never reused.
type PeerID int64

// Handle is an OS socket descriptor.
type Handle int

// InvType distinguishes inventory announcements.
type InvType uint32

const (
	InvError InvType = iota
	InvTx
	InvBlock
	InvFilteredBlock
)

func (t InvType) String() string {
	switch t {
	case InvTx:
		return "tx"
	case InvBlock:
		return "block"
	case InvFilteredBlock:
		return "filtered_block"
	default:
		return "error"
	}
}

// Inventory identifies an object announced between peers.
type Inventory struct {
	Type InvType
	Hash common.Hash
}

// Transaction is the minimal view of a transaction the relay needs. Encoding
// happens once per relay through rlp, so implementations must be rlp
// encodable.
type Transaction interface {
	Hash() common.Hash
}

// NetAddress is a peer address as gossiped and stored in the address
// manager.
type NetAddress struct {
	Addr      netip.AddrPort `json:"addr"`
	Services  uint64         `json:"services"`
	Timestamp time.Time      `json:"timestamp"`
}

// KnownAddress is an address manager entry together with its dial history.
type KnownAddress struct {
	NetAddress
	LastTry  time.Time
	Attempts int
}

// AddressManager is the external address database.
type AddressManager interface {
	Select() (KnownAddress, bool)
	Add(addrs []NetAddress, source netip.Addr) int
	Attempt(addr netip.AddrPort, now time.Time)
	Size() int
	Flush() error
}

// BanEntry describes one banned subnet.
type BanEntry struct {
	Subnet      netip.Prefix `json:"subnet"`
	CreatedAt   time.Time    `json:"createdAt"`
	BannedUntil time.Time    `json:"bannedUntil"`
	Reason      string       `json:"reason,omitempty"`
}

// BanService is the external ban list.
type BanService interface {
	IsBanned(now time.Time, addr netip.Addr) bool
	Ban(subnet netip.Prefix, until time.Time, reason string) error
	LifetimeBan(addr netip.Addr) error
	ClearAll() error
	List() []BanEntry
}

// MessageHandler is implemented by the protocol layer. The session layer
// calls it from the message-dispatch loop and never parses payloads itself.
type MessageHandler interface {
	// InitializePeer runs once after a peer is registered.
	InitializePeer(p *Peer)
	// FinalizePeer runs once when the peer is physically released.
	FinalizePeer(id PeerID)
	// ProcessMessages consumes received bytes. Returning false disconnects
	// the peer.
	ProcessMessages(p *Peer) bool
	// SendMessages produces outbound messages, including queued inventory
	// and addresses. trickle is set for the peer chosen to receive address
	// trickling this round.
	SendMessages(p *Peer, trickle bool)
}

// VersionPusher is optionally implemented by the MessageHandler to emit the
// version message on freshly dialled outbound connections.
type VersionPusher interface {
	PushVersion(p *Peer)
}

// HostResolver resolves seed and added-peer host names.
type HostResolver interface {
	LookupHost(ctx context.Context, host string) ([]netip.Addr, error)
}

// TxFilter is a peer-supplied relay filter.
type TxFilter interface {
	IsRelevantAndUpdate(tx Transaction) bool
}
