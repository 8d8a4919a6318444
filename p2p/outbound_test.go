package p2p

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"reflect"
	"sync"
	"testing"
	"time"
)

// fakeAddrman hands out its entries round-robin.
type fakeAddrman struct {
	mu       sync.Mutex
	entries  []KnownAddress
	next     int
	selects  int
	added    []NetAddress
	attempts []netip.AddrPort
}

func (f *fakeAddrman) Select() (KnownAddress, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.entries) == 0 {
		return KnownAddress{}, false
	}
	f.selects++
	ka := f.entries[f.next%len(f.entries)]
	f.next++
	return ka, true
}

func (f *fakeAddrman) Add(addrs []NetAddress, _ netip.Addr) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, addrs...)
	return len(addrs)
}

func (f *fakeAddrman) Attempt(addr netip.AddrPort, _ time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, addr)
}

func (f *fakeAddrman) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries) + len(f.added)
}

func (f *fakeAddrman) Flush() error { return nil }

func (f *fakeAddrman) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.attempts)
}

func known(addr string) KnownAddress {
	return KnownAddress{NetAddress: NetAddress{Addr: netip.MustParseAddrPort(addr), Services: NodeNetwork}}
}

func newTestPolicy(t *testing.T, cfg Config, r *Registry, am AddressManager) *OutboundPolicy {
	t.Helper()
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	cfg = cfg.withDefaults()
	if cfg.DefaultPort == 0 {
		cfg.DefaultPort = 51472
	}
	locals := NewLocalAddresses(cfg.Listen, cfg.Discover)
	factory := newConnectionFactory(cfg, r, am, locals, nil)
	factory.dialFn = func(context.Context, string, string) (net.Conn, error) {
		return nil, errors.New("dial disabled")
	}
	return newOutboundPolicy(cfg, r, factory, am, nil, locals, nil)
}

func TestSelectCandidateSkipsUsedGroups(t *testing.T) {
	r := NewRegistry(8)
	registerPeer(t, r, "8.8.1.1:51472", false)
	am := &fakeAddrman{entries: []KnownAddress{
		known("8.8.2.2:51472"),
		known("8.8.3.3:51472"),
		known("8.8.200.4:51472"),
	}}
	o := newTestPolicy(t, Config{}, r, am)

	for i := 0; i < 10; i++ {
		if addr, ok := o.selectCandidate(time.Now()); ok {
			t.Fatalf("candidate %s shares the outbound group 8.8.0.0/16", addr)
		}
	}
	if am.selects != 10*maxResamples {
		t.Fatalf("expected %d samples, got %d", 10*maxResamples, am.selects)
	}

	am.entries = append(am.entries, known("9.9.9.9:51472"))
	addr, ok := o.selectCandidate(time.Now())
	if !ok || addr != netip.MustParseAddrPort("9.9.9.9:51472") {
		t.Fatalf("expected the only address outside the used group, got %s %v", addr, ok)
	}
}

func TestSelectCandidateIgnoresInboundGroups(t *testing.T) {
	r := NewRegistry(8)
	registerPeer(t, r, "8.8.1.1:51472", true)
	am := &fakeAddrman{entries: []KnownAddress{known("8.8.2.2:51472")}}
	o := newTestPolicy(t, Config{}, r, am)
	if _, ok := o.selectCandidate(time.Now()); !ok {
		t.Fatalf("inbound peers must not block a group")
	}
}

func TestSelectCandidateRejectsUnroutable(t *testing.T) {
	r := NewRegistry(8)
	am := &fakeAddrman{entries: []KnownAddress{known("10.0.0.1:51472"), known("127.0.0.1:51472")}}
	o := newTestPolicy(t, Config{}, r, am)
	if addr, ok := o.selectCandidate(time.Now()); ok {
		t.Fatalf("unroutable address %s selected", addr)
	}
}

func TestSelectCandidateRecentTry(t *testing.T) {
	now := time.Now()
	recent := known("9.9.9.9:51472")
	recent.LastTry = now.Add(-time.Minute)
	r := NewRegistry(8)
	am := &fakeAddrman{entries: []KnownAddress{recent}}
	o := newTestPolicy(t, Config{}, r, am)

	addr, ok := o.selectCandidate(now)
	if !ok || addr != recent.Addr {
		t.Fatalf("recently tried address should be accepted after enough samples")
	}
	if am.selects != recentTryMinAttempts+1 {
		t.Fatalf("expected %d samples before accepting, got %d", recentTryMinAttempts+1, am.selects)
	}

	am.selects = 0
	am.entries[0].LastTry = now.Add(-recentTryWindow - time.Second)
	if _, ok := o.selectCandidate(now); !ok || am.selects != 1 {
		t.Fatalf("stale attempt should be accepted immediately, samples=%d", am.selects)
	}
}

func TestSelectCandidateNonDefaultPort(t *testing.T) {
	r := NewRegistry(8)
	am := &fakeAddrman{entries: []KnownAddress{known("9.9.9.9:8333")}}
	o := newTestPolicy(t, Config{}, r, am)
	addr, ok := o.selectCandidate(time.Now())
	if !ok || addr.Port() != 8333 {
		t.Fatalf("non-default port should eventually be accepted")
	}
	if am.selects != nonDefaultPortMinRejects+1 {
		t.Fatalf("expected %d samples, got %d", nonDefaultPortMinRejects+1, am.selects)
	}
}

func TestSelectCandidateLimitedNetwork(t *testing.T) {
	r := NewRegistry(8)
	am := &fakeAddrman{entries: []KnownAddress{known("[2a00:1450::1]:51472")}}
	o := newTestPolicy(t, Config{}, r, am)
	o.locals.SetLimited(NetIPv6, true)
	if _, ok := o.selectCandidate(time.Now()); ok {
		t.Fatalf("limited network must be skipped")
	}
}

func TestAddedNodes(t *testing.T) {
	o := newTestPolicy(t, Config{AddNodes: []string{"seed.example.org"}}, NewRegistry(8), nil)
	if err := o.AddNode("seed.example.org"); !errors.Is(err, errAddedNodeExists) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if err := o.AddNode(" "); !errors.Is(err, ErrDialTargetEmpty) {
		t.Fatalf("expected empty target error, got %v", err)
	}
	if err := o.AddNode("9.9.9.9:51472"); err != nil {
		t.Fatalf("add node: %v", err)
	}
	if got := o.AddedNodes(); len(got) != 2 || got[1] != "9.9.9.9:51472" {
		t.Fatalf("unexpected added nodes %v", got)
	}
	if err := o.RemoveNode("seed.example.org"); err != nil {
		t.Fatalf("remove node: %v", err)
	}
	if err := o.RemoveNode("seed.example.org"); !errors.Is(err, ErrPeerUnknown) {
		t.Fatalf("expected ErrPeerUnknown, got %v", err)
	}
}

func TestAddedPeerRotatesResolvedAddresses(t *testing.T) {
	o := newTestPolicy(t, Config{NameLookup: true, AddNodes: []string{"multi.example.org"}}, NewRegistry(8), nil)
	o.resolver = staticResolver{"multi.example.org": {
		netip.MustParseAddr("8.8.4.4"),
		netip.MustParseAddr("9.9.9.9"),
	}}
	o.sleep = func(context.Context, time.Duration) bool { return true }
	var dialed []string
	o.factory.dialFn = func(_ context.Context, _ string, addr string) (net.Conn, error) {
		dialed = append(dialed, addr)
		return nil, errors.New("unreachable")
	}

	for pass := 0; pass < 4; pass++ {
		o.connectAddedPeers(context.Background(), pass)
	}
	want := []string{"8.8.4.4:51472", "9.9.9.9:51472", "8.8.4.4:51472", "9.9.9.9:51472"}
	if !reflect.DeepEqual(dialed, want) {
		t.Fatalf("dialed %v, want %v", dialed, want)
	}
}

func TestOneShotRequeuedOnFailure(t *testing.T) {
	r := NewRegistry(8)
	o := newTestPolicy(t, Config{SeedNodes: []string{"seed.example.org"}}, r, nil)
	o.AddOneShot("  ")
	if got := o.PendingOneShots(); len(got) != 1 {
		t.Fatalf("blank targets must be ignored: %v", got)
	}

	o.processOneShot(context.Background())
	if got := o.PendingOneShots(); len(got) != 1 || got[0] != "seed.example.org" {
		t.Fatalf("failed one-shot should be requeued: %v", got)
	}

	// A failed dial must hand its slot back.
	for i := 0; i < o.cfg.MaxOutbound; i++ {
		release, ok := o.tryAcquireSlot()
		if !ok {
			t.Fatalf("slot %d leaked", i)
		}
		defer release()
	}
	o.processOneShot(context.Background())
	if got := o.PendingOneShots(); len(got) != 1 {
		t.Fatalf("one-shot should wait for a free slot: %v", got)
	}
}

func TestOpenConnectionSkipsKnownTargets(t *testing.T) {
	r := NewRegistry(8)
	registerPeer(t, r, "9.9.9.9:51472", true)
	am := &fakeAddrman{}
	o := newTestPolicy(t, Config{}, r, am)

	released := 0
	release := func() { released++ }
	if o.openConnection(context.Background(), netip.MustParseAddrPort("9.9.9.9:1"), "", false, release) {
		t.Fatalf("an address already connected must not be dialled")
	}
	if released != 1 || am.attemptCount() != 0 {
		t.Fatalf("release=%d attempts=%d", released, am.attemptCount())
	}

	if o.openConnection(context.Background(), netip.MustParseAddrPort("1.1.1.1:51472"), "", false, release) {
		t.Fatalf("dial is disabled")
	}
	if released != 2 || am.attemptCount() != 1 {
		t.Fatalf("failed dial should release and record an attempt: release=%d attempts=%d", released, am.attemptCount())
	}
}

func TestMaybeAddFixedSeeds(t *testing.T) {
	r := NewRegistry(8)
	am := &fakeAddrman{}
	seed := netip.MustParseAddrPort("5.6.7.8:51472")
	o := newTestPolicy(t, Config{FixedSeeds: []netip.AddrPort{seed}}, r, am)
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := start
	o.now = func() time.Time { return clock }
	o.started = start

	o.maybeAddFixedSeeds()
	if len(am.added) != 0 {
		t.Fatalf("fixed seeds added before the delay")
	}
	clock = start.Add(fixedSeedDelay + time.Second)
	o.maybeAddFixedSeeds()
	if len(am.added) != 1 || am.added[0].Addr != seed {
		t.Fatalf("expected fixed seed to be added: %v", am.added)
	}
	age := clock.Sub(am.added[0].Timestamp)
	if age < 7*24*time.Hour || age >= 14*24*time.Hour {
		t.Fatalf("fixed seed timestamp should be one to two weeks old, got %s", age)
	}
	o.maybeAddFixedSeeds()
	if len(am.added) != 1 {
		t.Fatalf("fixed seeds must only be added once")
	}
}

type staticResolver map[string][]netip.Addr

func (s staticResolver) LookupHost(_ context.Context, host string) ([]netip.Addr, error) {
	ips, ok := s[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	return ips, nil
}

func TestResolveSeedAddsAddresses(t *testing.T) {
	r := NewRegistry(8)
	am := &fakeAddrman{}
	o := newTestPolicy(t, Config{}, r, am)
	o.resolver = staticResolver{"seed.example.org": {netip.MustParseAddr("9.9.9.9"), netip.MustParseAddr("::ffff:1.1.1.1")}}

	if n := o.resolveSeed(context.Background(), "seed.example.org"); n != 2 {
		t.Fatalf("expected two addresses, got %d", n)
	}
	if am.added[1].Addr != netip.MustParseAddrPort("1.1.1.1:51472") {
		t.Fatalf("seed addresses should use the default port: %v", am.added[1].Addr)
	}
	if n := o.resolveSeed(context.Background(), "missing.example.org"); n != 0 {
		t.Fatalf("failed lookup must add nothing")
	}
}

func TestRunSeedLoopUsesOneShotsBehindProxy(t *testing.T) {
	r := NewRegistry(8)
	o := newTestPolicy(t, Config{Proxy: "127.0.0.1:9050", DNSSeeds: []string{"seed.example.org"}}, r, &fakeAddrman{})
	if err := o.RunSeedLoop(context.Background()); err != nil {
		t.Fatalf("seed loop: %v", err)
	}
	if got := o.PendingOneShots(); len(got) != 1 || got[0] != "seed.example.org" {
		t.Fatalf("seeds should be queued as one-shots behind a proxy: %v", got)
	}
}

func TestResolveTarget(t *testing.T) {
	o := newTestPolicy(t, Config{NameLookup: true}, NewRegistry(8), nil)
	o.resolver = staticResolver{"node.example.org": {netip.MustParseAddr("9.9.9.9")}}

	got, err := o.resolveTarget(context.Background(), "node.example.org:4000")
	if err != nil || len(got) != 1 || got[0] != netip.MustParseAddrPort("9.9.9.9:4000") {
		t.Fatalf("resolveTarget = %v, %v", got, err)
	}
	got, err = o.resolveTarget(context.Background(), "1.1.1.1")
	if err != nil || got[0] != netip.MustParseAddrPort("1.1.1.1:51472") {
		t.Fatalf("literal target = %v, %v", got, err)
	}

	o.cfg.NameLookup = false
	if _, err := o.resolveTarget(context.Background(), "node.example.org"); err == nil {
		t.Fatalf("name lookup disabled should fail")
	}
}
