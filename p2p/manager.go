package p2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"peerlink/observability/logging"
)

// Options carries the collaborators a SessionManager depends on.
type Options struct {
	AddressManager AddressManager
	Bans           BanService
	Handler        MessageHandler
	Resolver       HostResolver
	// Multiplexer overrides the platform poller.
	Multiplexer Multiplexer
}

// SessionManager owns every session-layer loop and the state they share.
type SessionManager struct {
	cfg Config

	registry    *Registry
	locals      *LocalAddresses
	factory     *ConnectionFactory
	ioloop      *IOLoop
	outbound    *OutboundPolicy
	relay       *RelayService
	dispatch    *dispatchLoop
	maintenance *maintenanceLoop

	addrman AddressManager
	bans    BanService
	handler MessageHandler

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool
	stopped bool

	now    func() time.Time
	logger *slog.Logger
}

// NewSessionManager wires the registry, loops and collaborators together.
// Nothing runs until Start.
func NewSessionManager(cfg Config, opts Options) (*SessionManager, error) {
	cfg = cfg.withDefaults()
	for _, p := range []string{cfg.Proxy, cfg.OnionProxy} {
		if p == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(p); err != nil {
			return nil, fmt.Errorf("invalid proxy address %q: %w", p, err)
		}
	}
	mux := opts.Multiplexer
	if mux == nil {
		mux = NewMultiplexer()
	}

	locals := NewLocalAddresses(cfg.Listen, cfg.Discover)
	if len(cfg.OnlyNets) > 0 {
		allowed := make(map[Network]bool, len(cfg.OnlyNets))
		for _, n := range cfg.OnlyNets {
			allowed[n] = true
		}
		for _, n := range []Network{NetIPv4, NetIPv6, NetOnion} {
			locals.SetLimited(n, !allowed[n])
		}
	}

	registry := NewRegistry(cfg.InboundLimit())
	wake := make(chan struct{}, 1)
	factory := newConnectionFactory(cfg, registry, opts.AddressManager, locals, opts.Handler)
	relay := newRelayService(cfg, registry, locals)
	ioloop := newIOLoop(cfg, registry, mux, factory, opts.Bans, opts.Handler, wake)

	m := &SessionManager{
		cfg:      cfg,
		registry: registry,
		locals:   locals,
		factory:  factory,
		ioloop:   ioloop,
		outbound: newOutboundPolicy(cfg, registry, factory, opts.AddressManager, opts.Bans, locals, opts.Resolver),
		relay:    relay,
		dispatch: newDispatchLoop(registry, opts.Handler, relay, wake),
		maintenance: &maintenanceLoop{
			addrman: opts.AddressManager,
			bans:    opts.Bans,
			relay:   relay,
			limiter: ioloop.limiter,
			now:     time.Now,
		},
		addrman: opts.AddressManager,
		bans:    opts.Bans,
		handler: opts.Handler,
		now:     time.Now,
		logger:  slog.Default().With(slog.String("component", "p2p_manager")),
	}
	return m, nil
}

func (m *SessionManager) log() *slog.Logger {
	if m.logger == nil {
		m.logger = slog.Default().With(slog.String("component", "p2p_manager"))
	}
	return m.logger
}

// Start binds listeners, seeds the local address book and launches every
// loop. Bind failures are returned before any loop starts.
func (m *SessionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrManagerStopped
	}
	if m.started {
		return nil
	}

	if err := m.bindListeners(); err != nil {
		_ = m.registry.CloseListeners()
		return err
	}
	for _, ext := range m.cfg.ExternalIPs {
		if ext.Port() == 0 {
			ext = netip.AddrPortFrom(ext.Addr(), m.cfg.DefaultPort)
		}
		m.locals.Add(ext, LocalManual)
	}
	if m.cfg.Listen && m.cfg.Discover {
		if n := m.locals.Discover(m.cfg.DefaultPort); n > 0 {
			m.log().Info("Discovered local addresses", slog.Int("count", n))
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	m.cancel = cancel
	m.group = g

	g.Go(func() error { return m.ioloop.Run(gctx) })
	g.Go(func() error { return m.dispatch.Run(gctx) })
	g.Go(func() error { return m.maintenance.Run(gctx) })
	if m.cfg.DNSSeed && len(m.cfg.Connect) == 0 {
		g.Go(func() error { return m.outbound.RunSeedLoop(gctx) })
	} else {
		m.log().Info("DNS seeding disabled")
	}
	if m.cfg.UPnP && m.cfg.Listen {
		mapper := newPortMapper(m.cfg.DefaultPort, m.cfg.UPnPName, m.locals)
		g.Go(func() error { return mapper.Run(gctx) })
	}
	g.Go(func() error { return m.outbound.RunAddedPeerLoop(gctx) })
	g.Go(func() error { return m.outbound.RunGeneralLoop(gctx) })

	m.started = true
	m.log().Info("P2P session layer started",
		slog.Int("max_connections", m.cfg.MaxConnections),
		slog.Int("max_inbound", m.registry.MaxInbound()),
		slog.Int("listeners", len(m.registry.Listeners())))
	return nil
}

func (m *SessionManager) bindListeners() error {
	if !m.cfg.Listen {
		return nil
	}
	binds := m.cfg.ListenAddrs
	explicit := len(binds) > 0
	if !explicit {
		binds = []ListenAddr{{Addr: net.JoinHostPort("", strconv.Itoa(int(m.cfg.DefaultPort)))}}
	}
	var errs []error
	for _, b := range binds {
		ln, err := Listen(b.Addr, b.Whitelisted)
		if err != nil {
			errs = append(errs, fmt.Errorf("bind %s: %w", b.Addr, err))
			continue
		}
		m.registry.AddListener(ln)
		bound := AddrPortFromNet(ln.Addr())
		if m.cfg.Discover && IsRoutable(bound.Addr()) {
			m.locals.Add(bound, LocalBind)
		}
		m.log().Info("P2P listening",
			logging.MaskField("listen_address", ln.Addr().String()),
			slog.Bool("whitelisted", b.Whitelisted))
	}
	if explicit && len(errs) > 0 {
		return errors.Join(errs...)
	}
	if len(m.registry.Listeners()) == 0 {
		return fmt.Errorf("no listening sockets could be opened: %w", errors.Join(errs...))
	}
	return nil
}

// Stop signals every loop, waits for them, forces draining and flushes
// address state. It is safe to call more than once.
func (m *SessionManager) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	cancel, group := m.cancel, m.group
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var errs []error
	if group != nil {
		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}
	if err := m.registry.CloseListeners(); err != nil {
		errs = append(errs, err)
	}
	m.registry.DisconnectAll()
	m.registry.SweepDisconnected()
	for _, id := range m.registry.ReapDrained(true) {
		if m.handler != nil {
			m.handler.FinalizePeer(id)
		}
	}
	if m.addrman != nil {
		if err := m.addrman.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("flush addresses: %w", err))
		}
	}
	m.log().Info("P2P session layer stopped")
	return errors.Join(errs...)
}

// Registry exposes the peer table.
func (m *SessionManager) Registry() *Registry { return m.registry }

// Relay exposes the broadcast service.
func (m *SessionManager) Relay() *RelayService { return m.relay }

// LocalAddresses exposes the local address book.
func (m *SessionManager) LocalAddresses() *LocalAddresses { return m.locals }

// Config returns the effective configuration.
func (m *SessionManager) Config() Config { return m.cfg }

func (m *SessionManager) AddNode(host string) error    { return m.outbound.AddNode(host) }
func (m *SessionManager) RemoveNode(host string) error { return m.outbound.RemoveNode(host) }
func (m *SessionManager) AddedNodes() []string         { return m.outbound.AddedNodes() }
func (m *SessionManager) AddOneShot(target string)     { m.outbound.AddOneShot(target) }

// DisconnectPeer flags a peer for disconnection.
func (m *SessionManager) DisconnectPeer(id PeerID) error {
	if !m.registry.MarkForDisconnection(id) {
		return fmt.Errorf("disconnect %d: %w", id, ErrPeerUnknown)
	}
	return nil
}

// Ban bans subnet for d, or the configured ban time when d is not positive,
// and disconnects every peer inside it.
func (m *SessionManager) Ban(subnet netip.Prefix, d time.Duration, reason string) error {
	if m.bans == nil {
		return errors.New("p2p: ban service not configured")
	}
	if d <= 0 {
		d = m.cfg.BanTime
	}
	subnet = subnet.Masked()
	if err := m.bans.Ban(subnet, m.now().Add(d), reason); err != nil {
		return err
	}
	peers := m.registry.Snapshot()
	defer m.registry.Release(peers)
	for _, p := range peers {
		if subnet.Contains(p.addr.Addr()) {
			p.Disconnect()
		}
	}
	m.log().Info("Subnet banned",
		slog.String("subnet", subnet.String()),
		slog.Duration("duration", d),
		slog.String("reason", reason))
	return nil
}

// ClearBans lifts every ban.
func (m *SessionManager) ClearBans() error {
	if m.bans == nil {
		return nil
	}
	return m.bans.ClearAll()
}

// Bans lists current bans.
func (m *SessionManager) Bans() []BanEntry {
	if m.bans == nil {
		return nil
	}
	return m.bans.List()
}

// Peers describes the active peers.
func (m *SessionManager) Peers() []PeerInfo { return m.registry.Infos() }

// Counts returns active peer totals.
func (m *SessionManager) Counts() NetworkCounts { return m.registry.Counts() }
