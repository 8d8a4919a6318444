package p2p

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/p2p/netutil"
)

// Network is an address family used for onlynet filtering.
type Network uint8

const (
	NetUnroutable Network = iota
	NetIPv4
	NetIPv6
	NetOnion
)

var onionCatPrefix = netip.MustParsePrefix("fd87:d87e:eb43::/48")

func (n Network) String() string {
	switch n {
	case NetIPv4:
		return "ipv4"
	case NetIPv6:
		return "ipv6"
	case NetOnion:
		return "onion"
	default:
		return "unroutable"
	}
}

// ParseNetwork maps an onlynet value to a Network.
func ParseNetwork(name string) (Network, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "ipv4":
		return NetIPv4, nil
	case "ipv6":
		return NetIPv6, nil
	case "onion", "tor":
		return NetOnion, nil
	default:
		return NetUnroutable, fmt.Errorf("unknown network %q", name)
	}
}

// IsOnion reports whether addr is an OnionCat-encoded hidden service.
func IsOnion(addr netip.Addr) bool {
	return onionCatPrefix.Contains(addr.Unmap())
}

// NetworkOf classifies addr.
func NetworkOf(addr netip.Addr) Network {
	addr = addr.Unmap()
	switch {
	case !IsRoutable(addr):
		return NetUnroutable
	case IsOnion(addr):
		return NetOnion
	case addr.Is4():
		return NetIPv4
	default:
		return NetIPv6
	}
}

// IsRoutable reports whether addr can be reached over the public internet.
func IsRoutable(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.IsValid() || addr.IsUnspecified() {
		return false
	}
	if IsOnion(addr) || sixToFour.Contains(addr) || teredo.Contains(addr) {
		return true
	}
	ip := net.IP(addr.AsSlice())
	if netutil.IsLAN(ip) || netutil.IsSpecialNetwork(ip) {
		return false
	}
	return !addr.IsMulticast() && !addr.IsLinkLocalUnicast()
}

var (
	sixToFour  = netip.MustParsePrefix("2002::/16")
	teredo     = netip.MustParsePrefix("2001::/32")
	heNet      = netip.MustParsePrefix("2001:470::/32")
	unroutable = netip.PrefixFrom(netip.IPv6Unspecified(), 0)
)

// AddressGroup buckets addr for outbound diversity. IPv4 (including 6to4 and
// Teredo embedded IPv4) groups by /16, onion by the first 4 bits after the
// OnionCat prefix, Hurricane Electric by /36 and other IPv6 by /32. Every
// unroutable address shares a single group.
func AddressGroup(addr netip.Addr) netip.Prefix {
	addr = addr.Unmap()
	if !IsRoutable(addr) {
		return unroutable
	}
	if addr.Is4() {
		return netip.PrefixFrom(addr, 16).Masked()
	}
	b := addr.As16()
	switch {
	case IsOnion(addr):
		return netip.PrefixFrom(addr, 52).Masked()
	case sixToFour.Contains(addr):
		v4 := netip.AddrFrom4([4]byte{b[2], b[3], b[4], b[5]})
		return netip.PrefixFrom(v4, 16).Masked()
	case teredo.Contains(addr):
		v4 := netip.AddrFrom4([4]byte{^b[12], ^b[13], ^b[14], ^b[15]})
		return netip.PrefixFrom(v4, 16).Masked()
	case heNet.Contains(addr):
		return netip.PrefixFrom(addr, 36).Masked()
	default:
		return netip.PrefixFrom(addr, 32).Masked()
	}
}

// AddrPortFromNet converts a net.Addr into a netip.AddrPort, unmapping IPv4.
func AddrPortFromNet(addr net.Addr) netip.AddrPort {
	if addr == nil {
		return netip.AddrPort{}
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		ap := tcp.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// Local address scores. Higher wins when choosing what to advertise.
const (
	LocalNone = iota
	LocalIf
	LocalBind
	LocalUPnP
	LocalManual
)

type localEntry struct {
	port  uint16
	score int
}

// LocalAddresses tracks the addresses this node believes it is reachable at,
// along with the networks it refuses to use.
type LocalAddresses struct {
	mu       sync.RWMutex
	entries  map[netip.Addr]localEntry
	limited  map[Network]bool
	discover bool
	listen   bool
}

// NewLocalAddresses returns an empty address book.
func NewLocalAddresses(listen, discover bool) *LocalAddresses {
	return &LocalAddresses{
		entries:  make(map[netip.Addr]localEntry),
		limited:  make(map[Network]bool),
		listen:   listen,
		discover: discover,
	}
}

// Add records addr with score. Unroutable or limited addresses are ignored.
// An existing entry keeps the higher score.
func (l *LocalAddresses) Add(addr netip.AddrPort, score int) bool {
	ip := addr.Addr().Unmap()
	if !IsRoutable(ip) {
		return false
	}
	if !l.discover && score < LocalManual {
		return false
	}
	if l.IsLimited(NetworkOf(ip)) {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.entries[ip]
	if !ok || score >= cur.score {
		l.entries[ip] = localEntry{port: addr.Port(), score: score}
	}
	return true
}

// IsLocal reports whether addr is one of ours.
func (l *LocalAddresses) IsLocal(addr netip.Addr) bool {
	if l == nil {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.entries[addr.Unmap()]
	return ok
}

// Best returns the highest scoring local address usable towards peer.
func (l *LocalAddresses) Best(peer netip.Addr) (netip.AddrPort, int, bool) {
	if l == nil || !l.listen {
		return netip.AddrPort{}, 0, false
	}
	peerNet := NetworkOf(peer)
	l.mu.RLock()
	defer l.mu.RUnlock()
	var (
		best      netip.AddrPort
		bestScore = -1
		bestReach = -1
	)
	for ip, e := range l.entries {
		reach := reachability(NetworkOf(ip), peerNet)
		if reach > bestReach || (reach == bestReach && e.score > bestScore) {
			best = netip.AddrPortFrom(ip, e.port)
			bestScore = e.score
			bestReach = reach
		}
	}
	if bestScore < 0 {
		return netip.AddrPort{}, 0, false
	}
	return best, bestScore, true
}

// reachability ranks how well a local address on network ours is reachable
// from a peer on network theirs.
func reachability(ours, theirs Network) int {
	switch {
	case ours == theirs:
		return 3
	case ours == NetIPv4:
		return 2
	case ours == NetIPv6 && theirs != NetIPv4:
		return 1
	default:
		return 0
	}
}

// SetLimited marks net as unusable.
func (l *LocalAddresses) SetLimited(n Network, limited bool) {
	if n == NetUnroutable {
		return
	}
	l.mu.Lock()
	l.limited[n] = limited
	l.mu.Unlock()
}

// IsLimited reports whether n was excluded by onlynet.
func (l *LocalAddresses) IsLimited(n Network) bool {
	if l == nil {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.limited[n]
}

// IsReachable reports whether addr is on a network we are willing to use.
func (l *LocalAddresses) IsReachable(addr netip.Addr) bool {
	n := NetworkOf(addr)
	return n != NetUnroutable && !l.IsLimited(n)
}

// Snapshot lists every local address with its score.
func (l *LocalAddresses) Snapshot() map[netip.AddrPort]int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[netip.AddrPort]int, len(l.entries))
	for ip, e := range l.entries {
		out[netip.AddrPortFrom(ip, e.port)] = e.score
	}
	return out
}

// Discover adds every routable interface address.
func (l *LocalAddresses) Discover(port uint16) int {
	if !l.discover {
		return 0
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return 0
	}
	added := 0
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip, ok := netip.AddrFromSlice(ipNet.IP)
		if !ok {
			continue
		}
		if l.Add(netip.AddrPortFrom(ip.Unmap(), port), LocalIf) {
			added++
		}
	}
	return added
}
