package p2p

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/p2p/netutil"
)

type fakeBans struct {
	mu     sync.Mutex
	banned map[netip.Addr]bool
}

func (f *fakeBans) IsBanned(_ time.Time, addr netip.Addr) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.banned[addr.Unmap()]
}

func (f *fakeBans) Ban(subnet netip.Prefix, _ time.Time, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.banned == nil {
		f.banned = make(map[netip.Addr]bool)
	}
	f.banned[subnet.Addr()] = true
	return nil
}

func (f *fakeBans) LifetimeBan(addr netip.Addr) error {
	return f.Ban(netip.PrefixFrom(addr, addr.BitLen()), time.Time{}, "")
}

func (f *fakeBans) ClearAll() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.banned = nil
	return nil
}

func (f *fakeBans) List() []BanEntry { return nil }

type loopHarness struct {
	t        *testing.T
	registry *Registry
	loop     *IOLoop
	addr     string
	wake     chan struct{}
}

func newLoopHarness(t *testing.T, cfg Config, bans BanService) *loopHarness {
	t.Helper()
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	cfg = cfg.withDefaults()
	registry := NewRegistry(cfg.InboundLimit())
	ln, err := Listen("127.0.0.1:0", false)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	registry.AddListener(ln)
	factory := newConnectionFactory(cfg, registry, nil, NewLocalAddresses(true, true), nil)
	wake := make(chan struct{}, 1)
	h := &loopHarness{
		t:        t,
		registry: registry,
		loop:     newIOLoop(cfg, registry, NewMultiplexer(), factory, bans, nil, wake),
		addr:     ln.Addr().String(),
		wake:     wake,
	}
	t.Cleanup(func() {
		_ = registry.CloseListeners()
		registry.DisconnectAll()
		registry.SweepDisconnected()
		registry.ReapDrained(true)
	})
	return h
}

func (h *loopHarness) dial() net.Conn {
	h.t.Helper()
	c, err := net.DialTimeout("tcp", h.addr, time.Second)
	if err != nil {
		h.t.Fatalf("dial: %v", err)
	}
	h.t.Cleanup(func() { _ = c.Close() })
	return c
}

// tickUntil runs the loop until cond holds or two seconds pass.
func (h *loopHarness) tickUntil(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.loop.Tick(context.Background())
		if cond() {
			return true
		}
	}
	return false
}

func expectClosed(t *testing.T, c net.Conn) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err := c.Read(buf)
	var ne net.Error
	if err == nil || (errors.As(err, &ne) && ne.Timeout()) {
		t.Fatalf("expected the connection to be closed, got %v", err)
	}
}

func TestIOLoopInboundAdmission(t *testing.T) {
	h := newLoopHarness(t, Config{MaxConnections: 10, ReservedOutbound: 2}, nil)
	if h.registry.MaxInbound() != 8 {
		t.Fatalf("expected inbound cap 8, got %d", h.registry.MaxInbound())
	}

	for i := 0; i < 8; i++ {
		h.dial()
	}
	if !h.tickUntil(func() bool { return h.registry.Counts().Inbound == 8 }) {
		t.Fatalf("only %d of 8 connections admitted", h.registry.Counts().Inbound)
	}

	ninth := h.dial()
	for i := 0; i < 5; i++ {
		h.loop.Tick(context.Background())
	}
	expectClosed(t, ninth)
	if n := h.registry.Len(); n != 8 {
		t.Fatalf("rejected connection must not be registered, have %d peers", n)
	}

	snap := h.registry.Snapshot()
	victim := snap[0].ID()
	h.registry.Release(snap)
	if !h.registry.MarkForDisconnection(victim) {
		t.Fatalf("mark failed")
	}
	retry := h.dial()
	if !h.tickUntil(func() bool {
		_, present := h.registry.SocketFor(victim)
		return !present && h.registry.Counts().Inbound == 8
	}) {
		t.Fatalf("freed slot was not reused, inbound=%d", h.registry.Counts().Inbound)
	}
	if !h.registry.FindByAddr(AddrPortFromNet(retry.LocalAddr())) {
		t.Fatalf("retried connection should be registered")
	}
}

func TestIOLoopMovesBytes(t *testing.T) {
	h := newLoopHarness(t, Config{MaxConnections: 4, ReservedOutbound: 1}, nil)
	client := h.dial()
	if !h.tickUntil(func() bool { return h.registry.Len() == 1 }) {
		t.Fatalf("connection not admitted")
	}
	snap := h.registry.Snapshot()
	p := snap[0]
	h.registry.Release(snap)

	if _, err := client.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !h.tickUntil(func() bool { return p.ReceiveBufferSize() == 5 }) {
		t.Fatalf("payload not received, buffered=%d", p.ReceiveBufferSize())
	}
	select {
	case <-h.wake:
	default:
		t.Fatalf("receiving bytes should wake the dispatcher")
	}
	if got := string(p.TakeReceived()); got != "hello" {
		t.Fatalf("received %q", got)
	}

	if err := p.Send([]byte("world")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !h.tickUntil(func() bool { return p.SendBufferSize() == 0 }) {
		t.Fatalf("send queue not flushed")
	}
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 5)
	if _, err := io.ReadFull(client, buf); err != nil || string(buf) != "world" {
		t.Fatalf("client read %q: %v", buf, err)
	}

	_ = client.Close()
	if !h.tickUntil(func() bool { return p.Disconnecting() }) {
		t.Fatalf("closed remote should disconnect the peer")
	}
	if !h.tickUntil(func() bool { return h.registry.Len() == 0 }) {
		t.Fatalf("disconnected peer should be swept")
	}
}

func TestIOLoopRejectsBanned(t *testing.T) {
	bans := &fakeBans{}
	_ = bans.LifetimeBan(netip.MustParseAddr("127.0.0.1"))
	h := newLoopHarness(t, Config{}, bans)

	c := h.dial()
	for i := 0; i < 5; i++ {
		h.loop.Tick(context.Background())
	}
	expectClosed(t, c)
	if h.registry.Len() != 0 {
		t.Fatalf("banned connection registered")
	}
}

func TestAdmit(t *testing.T) {
	bans := &fakeBans{}
	_ = bans.LifetimeBan(netip.MustParseAddr("9.9.9.9"))
	cfg := Config{AcceptRate: 1, AcceptBurst: 1}.withDefaults()
	registry := NewRegistry(1)
	l := newIOLoop(cfg, registry, NewMultiplexer(), nil, bans, nil, nil)
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	if got := l.admit(netip.MustParseAddr("9.9.9.9"), false); got != "banned" {
		t.Fatalf("expected banned, got %q", got)
	}
	if got := l.admit(netip.MustParseAddr("9.9.9.9"), true); got != "" {
		t.Fatalf("whitelisted peers bypass bans, got %q", got)
	}
	if got := l.admit(netip.MustParseAddr("1.1.1.1"), false); got != "" {
		t.Fatalf("expected admission, got %q", got)
	}
	if got := l.admit(netip.MustParseAddr("1.1.1.1"), false); got != "rate_limited" {
		t.Fatalf("expected rate_limited, got %q", got)
	}

	registerPeer(t, registry, "5.6.7.8:1", true)
	if got := l.admit(netip.MustParseAddr("8.8.8.8"), true); got != "full" {
		t.Fatalf("whitelisting does not bypass the inbound cap, got %q", got)
	}
}

func TestIsWhitelisted(t *testing.T) {
	list, err := netutil.ParseNetlist("10.0.0.0/8, 2a00:1450::/32")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	l := newIOLoop(Config{Whitelist: list}, NewRegistry(1), NewMultiplexer(), nil, nil, nil, nil)
	for addr, want := range map[string]bool{
		"10.1.2.3":        true,
		"::ffff:10.1.2.3": true,
		"2a00:1450::1":    true,
		"8.8.8.8":         false,
	} {
		if got := l.isWhitelisted(netip.MustParseAddr(addr)); got != want {
			t.Errorf("isWhitelisted(%s) = %v, want %v", addr, got, want)
		}
	}
}

func TestClassify(t *testing.T) {
	p := newPeer(1, nil, nil, netip.MustParseAddrPort("8.8.8.8:1"), peerOptions{})
	if classify(p) != interestReceive {
		t.Fatalf("idle peer should be polled for reads")
	}
	p.recvBuf = make([]byte, MaxReceiveBuffer)
	if classify(p) != interestBusy {
		t.Fatalf("full receive buffer should make the peer busy")
	}
	if err := p.Send([]byte{1}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if classify(p) != interestSend {
		t.Fatalf("pending sends take priority")
	}
}

func TestCheckInactivity(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	l := newIOLoop(Config{}, NewRegistry(1), NewMultiplexer(), nil, nil, nil, nil)

	fresh := newPeer(1, nil, nil, netip.MustParseAddrPort("8.8.8.8:1"), peerOptions{now: now.Add(-30 * time.Second)})
	l.checkInactivity(fresh, now)
	if fresh.Disconnecting() {
		t.Fatalf("peer inside the initial window must stay")
	}

	silent := newPeer(2, nil, nil, netip.MustParseAddrPort("8.8.8.8:2"), peerOptions{now: now.Add(-2 * time.Minute)})
	l.checkInactivity(silent, now)
	if !silent.Disconnecting() {
		t.Fatalf("peer that never exchanged messages must be dropped")
	}

	active := newPeer(3, nil, nil, netip.MustParseAddrPort("8.8.8.8:3"), peerOptions{now: now.Add(-time.Hour)})
	active.lastSend.Store(now.Add(-time.Minute).Unix())
	active.lastRecv.Store(now.Add(-30 * time.Minute).Unix())
	active.SetVersion(60000)
	l.checkInactivity(active, now)
	if active.Disconnecting() {
		t.Fatalf("legacy peers get a longer receive window")
	}
	active.SetVersion(70000)
	l.checkInactivity(active, now)
	if !active.Disconnecting() {
		t.Fatalf("receive timeout should disconnect")
	}

	unversioned := newPeer(4, nil, nil, netip.MustParseAddrPort("8.8.8.8:4"), peerOptions{now: now.Add(-time.Hour)})
	unversioned.lastSend.Store(now.Add(-time.Minute).Unix())
	unversioned.lastRecv.Store(now.Add(-30 * time.Minute).Unix())
	l.checkInactivity(unversioned, now)
	if unversioned.Disconnecting() {
		t.Fatalf("peer without a version must get the legacy receive window")
	}
	if got := recvTimeoutFor(0); got != legacyRecvTimeout {
		t.Fatalf("recvTimeoutFor(0) = %v", got)
	}
	if got := recvTimeoutFor(legacyPingVersion); got != inactivityTimeout {
		t.Fatalf("recvTimeoutFor(%d) = %v", legacyPingVersion, got)
	}
}
