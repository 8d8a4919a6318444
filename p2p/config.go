package p2p

import (
	"net/netip"
	"time"

	"github.com/ethereum/go-ethereum/p2p/netutil"
)

const (
	DefaultMaxConnections = 125
	// MaxOutboundConnections is both the outbound slot count and the number
	// of connection slots reserved away from inbound peers.
	MaxOutboundConnections = 16
	DefaultConnectTimeout  = 5 * time.Second
	DefaultBanTime         = 24 * time.Hour
	DefaultRelayTTL        = 15 * time.Minute
	// MinCoreFileDescriptors are kept back from the connection budget.
	MinCoreFileDescriptors = 150

	pollTimeout           = 50 * time.Millisecond
	dispatchWait          = 100 * time.Millisecond
	loopSleep             = 500 * time.Millisecond
	seedDelay             = 11 * time.Second
	fixedSeedDelay        = 60 * time.Second
	addedPeerInterval     = 2 * time.Minute
	dumpAddressesInterval = 15 * time.Minute
	rebroadcastInterval   = 24 * time.Hour
	upnpRefreshInterval   = 20 * time.Minute
	upnpMappingLifetime   = 20 * time.Minute

	initialInactivityWindow = 60 * time.Second
	inactivityTimeout       = 20 * time.Minute
	legacyRecvTimeout       = 90 * time.Minute
	// legacyPingVersion is the first protocol version with ping/pong nonces.
	// Older peers get a longer receive window.
	legacyPingVersion = 60001

	maxResamples             = 100
	recentTryWindow          = 10 * time.Minute
	recentTryMinAttempts     = 30
	nonDefaultPortMinRejects = 50
)

// ListenAddr is a bind or whitebind address.
type ListenAddr struct {
	Addr        string
	Whitelisted bool
}

// Config encapsulates runtime settings for the session layer.
type Config struct {
	MaxConnections int
	// ReservedOutbound is subtracted from MaxConnections to get the inbound
	// cap.
	ReservedOutbound int
	MaxOutbound      int
	ConnectTimeout   time.Duration
	DefaultPort      uint16

	Listen      bool
	ListenAddrs []ListenAddr
	Discover    bool
	UPnP        bool
	UPnPName    string

	DNSSeed      bool
	ForceDNSSeed bool
	NameLookup   bool

	Connect    []string
	AddNodes   []string
	SeedNodes  []string
	DNSSeeds   []string
	FixedSeeds []netip.AddrPort

	Whitelist   *netutil.Netlist
	OnlyNets    []Network
	ExternalIPs []netip.AddrPort

	Proxy      string
	OnionProxy string

	BanTime            time.Duration
	RelayTTL           time.Duration
	MinProtocolVersion int32

	// AcceptRate limits inbound attempts per remote IP per second. Zero
	// disables the limiter.
	AcceptRate  float64
	AcceptBurst int
}

// withDefaults fills unset durations and budgets. MaxConnections is taken
// as given: zero disables every connection slot.
func (c Config) withDefaults() Config {
	if c.MaxConnections < 0 {
		c.MaxConnections = 0
	}
	if c.ReservedOutbound <= 0 {
		c.ReservedOutbound = MaxOutboundConnections
	}
	if c.MaxOutbound <= 0 {
		c.MaxOutbound = MaxOutboundConnections
	}
	if c.MaxOutbound > c.MaxConnections {
		c.MaxOutbound = c.MaxConnections
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.BanTime <= 0 {
		c.BanTime = DefaultBanTime
	}
	if c.RelayTTL <= 0 {
		c.RelayTTL = DefaultRelayTTL
	}
	if c.UPnPName == "" {
		c.UPnPName = "peerlink"
	}
	if c.OnionProxy == "" {
		c.OnionProxy = c.Proxy
	}
	return c
}

// InboundLimit returns maxConnections minus the reserved outbound budget.
func (c Config) InboundLimit() int {
	limit := c.MaxConnections - c.ReservedOutbound
	if limit < 0 {
		return 0
	}
	return limit
}

// FitFileDescriptors raises the descriptor limit for MaxConnections and
// lowers MaxConnections when the system refuses.
func (c *Config) FitFileDescriptors() (int, error) {
	want := c.MaxConnections
	if want < 0 {
		want = 0
	}
	available, err := raiseFileDescriptorLimit(want + MinCoreFileDescriptors)
	if err != nil {
		return 0, err
	}
	if available <= MinCoreFileDescriptors {
		return available, ErrInsufficientDescriptors
	}
	if available-MinCoreFileDescriptors < want {
		want = available - MinCoreFileDescriptors
	}
	c.MaxConnections = want
	return available, nil
}
