package p2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"peerlink/observability/logging"
	"peerlink/p2p/seeds"
)

// NodeNetwork is the service bit advertised by full nodes.
const NodeNetwork uint64 = 1

var errAddedNodeExists = errors.New("p2p: node already added")

// OutboundPolicy drives outbound connection establishment.
type OutboundPolicy struct {
	cfg      Config
	registry *Registry
	factory  *ConnectionFactory
	addrman  AddressManager
	bans     BanService
	locals   *LocalAddresses
	resolver HostResolver
	slots    *semaphore.Weighted

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
	rng   *rand.Rand

	oneShotMu sync.Mutex
	oneShots  []string

	addedMu sync.Mutex
	added   []string

	started         time.Time
	fixedSeedsAdded bool

	logger *slog.Logger
}

func newOutboundPolicy(cfg Config, registry *Registry, factory *ConnectionFactory, addrman AddressManager, bans BanService, locals *LocalAddresses, resolver HostResolver) *OutboundPolicy {
	p := &OutboundPolicy{
		cfg:      cfg,
		registry: registry,
		factory:  factory,
		addrman:  addrman,
		bans:     bans,
		locals:   locals,
		resolver: resolver,
		slots:    semaphore.NewWeighted(int64(cfg.MaxOutbound)),
		now:      time.Now,
		sleep:    sleepCtx,
		rng:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		logger:   slog.Default().With(slog.String("component", "p2p_outbound")),
	}
	for _, host := range cfg.AddNodes {
		_ = p.AddNode(host)
	}
	for _, host := range cfg.SeedNodes {
		p.AddOneShot(host)
	}
	return p
}

func (o *OutboundPolicy) log() *slog.Logger {
	if o.logger == nil {
		o.logger = slog.Default().With(slog.String("component", "p2p_outbound"))
	}
	return o.logger
}

// AddOneShot queues a bootstrap target that bypasses group and backoff
// checks.
func (o *OutboundPolicy) AddOneShot(target string) {
	target = strings.TrimSpace(target)
	if target == "" {
		return
	}
	o.oneShotMu.Lock()
	o.oneShots = append(o.oneShots, target)
	o.oneShotMu.Unlock()
}

func (o *OutboundPolicy) popOneShot() (string, bool) {
	o.oneShotMu.Lock()
	defer o.oneShotMu.Unlock()
	if len(o.oneShots) == 0 {
		return "", false
	}
	target := o.oneShots[0]
	o.oneShots = o.oneShots[1:]
	return target, true
}

// PendingOneShots returns a copy of the one-shot queue.
func (o *OutboundPolicy) PendingOneShots() []string {
	o.oneShotMu.Lock()
	defer o.oneShotMu.Unlock()
	return append([]string(nil), o.oneShots...)
}

// AddNode adds a static peer that is retried forever.
func (o *OutboundPolicy) AddNode(host string) error {
	host = strings.TrimSpace(host)
	if host == "" {
		return ErrDialTargetEmpty
	}
	o.addedMu.Lock()
	defer o.addedMu.Unlock()
	if slices.Contains(o.added, host) {
		return fmt.Errorf("add node %s: %w", host, errAddedNodeExists)
	}
	o.added = append(o.added, host)
	return nil
}

// RemoveNode forgets a static peer. Existing connections stay up.
func (o *OutboundPolicy) RemoveNode(host string) error {
	host = strings.TrimSpace(host)
	o.addedMu.Lock()
	defer o.addedMu.Unlock()
	idx := slices.Index(o.added, host)
	if idx < 0 {
		return fmt.Errorf("remove node %s: %w", host, ErrPeerUnknown)
	}
	o.added = slices.Delete(o.added, idx, idx+1)
	return nil
}

// AddedNodes returns a copy of the static peer list.
func (o *OutboundPolicy) AddedNodes() []string {
	o.addedMu.Lock()
	defer o.addedMu.Unlock()
	return append([]string(nil), o.added...)
}

func (o *OutboundPolicy) acquireSlot(ctx context.Context) (func(), error) {
	if err := o.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return o.slotRelease(), nil
}

func (o *OutboundPolicy) tryAcquireSlot() (func(), bool) {
	if !o.slots.TryAcquire(1) {
		return nil, false
	}
	return o.slotRelease(), true
}

func (o *OutboundPolicy) slotRelease() func() {
	var once sync.Once
	return func() {
		once.Do(func() { o.slots.Release(1) })
	}
}

// openConnection applies the local, duplicate and ban checks before handing
// the target to the factory. release is always consumed.
func (o *OutboundPolicy) openConnection(ctx context.Context, addr netip.AddrPort, dest string, oneShot bool, release func()) bool {
	if release == nil {
		release = func() {}
	}
	if ctx.Err() != nil {
		release()
		return false
	}
	if dest == "" {
		ip := addr.Addr().Unmap()
		if o.locals.IsLocal(ip) || o.registry.FindByIP(ip) {
			release()
			return false
		}
		if o.bans != nil && o.bans.IsBanned(o.now(), ip) {
			release()
			return false
		}
	} else if o.registry.FindByName(dest) {
		release()
		return false
	}
	id, ok := o.factory.ConnectOutbound(ctx, addr, dest, OutboundOptions{OneShot: oneShot, Release: release})
	if !ok {
		return false
	}
	if p, ok := o.registry.Acquire(id); ok {
		p.networkNode.Store(true)
		o.registry.Release([]*Peer{p})
	}
	return true
}

func (o *OutboundPolicy) processOneShot(ctx context.Context) {
	target, ok := o.popOneShot()
	if !ok {
		return
	}
	release, ok := o.tryAcquireSlot()
	if !ok {
		o.AddOneShot(target)
		return
	}
	if !o.openConnection(ctx, netip.AddrPort{}, target, true, release) {
		o.AddOneShot(target)
	}
}

// RunSeedLoop resolves DNS seeds into the address manager. It returns early
// when the node already knows addresses and has peers.
func (o *OutboundPolicy) RunSeedLoop(ctx context.Context) error {
	if o.addrman != nil && o.addrman.Size() > 0 && !o.cfg.ForceDNSSeed {
		if !o.sleep(ctx, seedDelay) {
			return nil
		}
		if o.registry.Len() >= 2 {
			o.log().Info("P2P peers available, skipped DNS seeding")
			return nil
		}
	}
	found := 0
	o.log().Info("Loading addresses from DNS seeds")
	for _, seed := range o.cfg.DNSSeeds {
		if ctx.Err() != nil {
			return nil
		}
		if o.cfg.Proxy != "" {
			o.AddOneShot(seed)
			continue
		}
		found += o.resolveSeed(ctx, seed)
	}
	o.log().Info("DNS seeding finished", slog.Int("addresses", found))
	return nil
}

func (o *OutboundPolicy) resolveSeed(ctx context.Context, seed string) int {
	if o.resolver == nil || o.addrman == nil {
		return 0
	}
	ips, err := o.resolver.LookupHost(ctx, seed)
	if err != nil {
		o.log().Warn("DNS seed lookup failed",
			logging.MaskField("seed", seed),
			slog.Any("error", err))
		return 0
	}
	if len(ips) == 0 {
		return 0
	}
	now := o.now()
	addrs := make([]NetAddress, 0, len(ips))
	for _, ip := range ips {
		age := 3*24*time.Hour + time.Duration(o.rng.Int64N(int64(4*24*time.Hour)))
		addrs = append(addrs, NetAddress{
			Addr:      netip.AddrPortFrom(ip.Unmap(), o.cfg.DefaultPort),
			Services:  NodeNetwork,
			Timestamp: now.Add(-age),
		})
	}
	return o.addrman.Add(addrs, ips[0].Unmap())
}

// RunAddedPeerLoop retries the static peer list every two minutes.
func (o *OutboundPolicy) RunAddedPeerLoop(ctx context.Context) error {
	for pass := 0; ; pass++ {
		o.connectAddedPeers(ctx, pass)
		if !o.sleep(ctx, addedPeerInterval) {
			return nil
		}
	}
}

// connectAddedPeers dials every added node that has no live connection. A
// host with several addresses is tried at a different one on each pass.
func (o *OutboundPolicy) connectAddedPeers(ctx context.Context, pass int) {
	hosts := o.AddedNodes()
	if o.cfg.Proxy != "" {
		for _, host := range hosts {
			release, err := o.acquireSlot(ctx)
			if err != nil {
				return
			}
			o.openConnection(ctx, netip.AddrPort{}, host, false, release)
			if !o.sleep(ctx, loopSleep) {
				return
			}
		}
		return
	}

	pending := make([][]netip.AddrPort, 0, len(hosts))
	for _, host := range hosts {
		addrs, err := o.resolveTarget(ctx, host)
		if err != nil || len(addrs) == 0 {
			o.log().Debug("Added node unresolved",
				logging.MaskField("peer_address", host),
				slog.Any("error", err))
			continue
		}
		connected := false
		for _, a := range addrs {
			if o.registry.FindByAddr(a) {
				connected = true
				break
			}
		}
		if !connected {
			pending = append(pending, addrs)
		}
	}
	for _, addrs := range pending {
		release, err := o.acquireSlot(ctx)
		if err != nil {
			return
		}
		o.openConnection(ctx, addrs[pass%len(addrs)], "", false, release)
		if !o.sleep(ctx, loopSleep) {
			return
		}
	}
}

func (o *OutboundPolicy) resolveTarget(ctx context.Context, target string) ([]netip.AddrPort, error) {
	host, port, err := seeds.SplitHostPort(target, o.cfg.DefaultPort)
	if err != nil {
		return nil, err
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return []netip.AddrPort{netip.AddrPortFrom(ip.Unmap(), port)}, nil
	}
	if !o.cfg.NameLookup || o.resolver == nil {
		return nil, fmt.Errorf("resolve %s: name lookup disabled", host)
	}
	ips, err := o.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	out := make([]netip.AddrPort, 0, len(ips))
	for _, ip := range ips {
		out = append(out, netip.AddrPortFrom(ip.Unmap(), port))
	}
	return out, nil
}

// RunGeneralLoop keeps outbound slots filled from the address manager, or
// cycles the explicit connect list when one is configured.
func (o *OutboundPolicy) RunGeneralLoop(ctx context.Context) error {
	if len(o.cfg.Connect) > 0 {
		return o.runConnectOnly(ctx)
	}
	o.started = o.now()
	for {
		o.processOneShot(ctx)
		if !o.sleep(ctx, loopSleep) {
			return nil
		}
		release, err := o.acquireSlot(ctx)
		if err != nil {
			return nil
		}
		o.maybeAddFixedSeeds()
		addr, ok := o.selectCandidate(o.now())
		if !ok {
			release()
			continue
		}
		o.openConnection(ctx, addr, "", false, release)
	}
}

func (o *OutboundPolicy) runConnectOnly(ctx context.Context) error {
	for loop := 0; ; loop++ {
		o.processOneShot(ctx)
		for _, target := range o.cfg.Connect {
			o.openConnection(ctx, netip.AddrPort{}, target, false, nil)
			for i := 0; i < 10 && i < loop; i++ {
				if !o.sleep(ctx, loopSleep) {
					return nil
				}
			}
		}
		if !o.sleep(ctx, loopSleep) {
			return nil
		}
	}
}

func (o *OutboundPolicy) maybeAddFixedSeeds() {
	if o.fixedSeedsAdded || o.addrman == nil || len(o.cfg.FixedSeeds) == 0 {
		return
	}
	if o.addrman.Size() > 0 || o.now().Sub(o.started) <= fixedSeedDelay {
		return
	}
	o.log().Info("Adding fixed seed nodes as DNS doesn't seem to be available")
	now := o.now()
	const week = 7 * 24 * time.Hour
	addrs := make([]NetAddress, 0, len(o.cfg.FixedSeeds))
	for _, seed := range o.cfg.FixedSeeds {
		age := week + time.Duration(o.rng.Int64N(int64(week)))
		addrs = append(addrs, NetAddress{Addr: seed, Services: NodeNetwork, Timestamp: now.Add(-age)})
	}
	o.addrman.Add(addrs, netip.IPv4Unspecified())
	o.fixedSeedsAdded = true
}

// selectCandidate samples the address manager for a dial target outside any
// address group already used by an outbound peer.
func (o *OutboundPolicy) selectCandidate(now time.Time) (netip.AddrPort, bool) {
	if o.addrman == nil {
		return netip.AddrPort{}, false
	}
	groups := o.registry.OutboundGroups()
	for tries := 0; tries < maxResamples; tries++ {
		ka, ok := o.addrman.Select()
		if !ok {
			return netip.AddrPort{}, false
		}
		addr := netip.AddrPortFrom(ka.Addr.Addr().Unmap(), ka.Addr.Port())
		ip := addr.Addr()
		if !addr.IsValid() || !IsRoutable(ip) || o.locals.IsLocal(ip) {
			continue
		}
		if _, used := groups[AddressGroup(ip)]; used {
			continue
		}
		if o.locals.IsLimited(NetworkOf(ip)) {
			continue
		}
		if !ka.LastTry.IsZero() && now.Sub(ka.LastTry) < recentTryWindow && tries < recentTryMinAttempts {
			continue
		}
		if addr.Port() != o.cfg.DefaultPort && tries < nonDefaultPortMinRejects {
			continue
		}
		return addr, true
	}
	return netip.AddrPort{}, false
}
