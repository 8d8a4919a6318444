package p2p

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/ethereum/go-ethereum/p2p/netutil"

	"peerlink/observability/logging"
)

type peerInterest uint8

const (
	interestBusy peerInterest = iota
	interestSend
	interestReceive
)

// classify picks exactly one interest per peer per tick. Pending sends win
// over receives; a full receive buffer makes the peer busy.
func classify(p *Peer) peerInterest {
	if p.SendBufferSize() > 0 {
		return interestSend
	}
	if p.ReceiveBufferSize() < MaxReceiveBuffer {
		return interestReceive
	}
	return interestBusy
}

// IOLoop services every socket from a single goroutine.
type IOLoop struct {
	cfg      Config
	registry *Registry
	mux      Multiplexer
	factory  *ConnectionFactory
	bans     BanService
	handler  MessageHandler
	limiter  *acceptLimiter
	wake     chan<- struct{}

	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) bool
	scratch []byte
	logger  *slog.Logger
	metrics *networkMetrics
}

func newIOLoop(cfg Config, registry *Registry, mux Multiplexer, factory *ConnectionFactory, bans BanService, handler MessageHandler, wake chan<- struct{}) *IOLoop {
	return &IOLoop{
		cfg:      cfg,
		registry: registry,
		mux:      mux,
		factory:  factory,
		bans:     bans,
		handler:  handler,
		limiter:  newAcceptLimiter(cfg.AcceptRate, cfg.AcceptBurst),
		wake:     wake,
		now:      time.Now,
		sleep:    sleepCtx,
		scratch:  make([]byte, readChunk),
		logger:   slog.Default().With(slog.String("component", "p2p_ioloop")),
		metrics:  newNetworkMetrics(),
	}
}

func (l *IOLoop) log() *slog.Logger {
	if l.logger == nil {
		l.logger = slog.Default().With(slog.String("component", "p2p_ioloop"))
	}
	return l.logger
}

// Run ticks until ctx is cancelled.
func (l *IOLoop) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		l.Tick(ctx)
	}
}

// Tick runs one sweep, wait and service cycle.
func (l *IOLoop) Tick(ctx context.Context) {
	l.reap()

	l.mux.Reset()
	listeners := l.registry.Listeners()
	for _, ln := range listeners {
		l.mux.RegisterListener(ln.Handle())
	}
	peers := l.registry.Snapshot()
	defer l.registry.Release(peers)
	for _, p := range peers {
		h := p.handle()
		if h < 0 {
			continue
		}
		l.mux.RegisterForErrors(h)
		switch classify(p) {
		case interestSend:
			l.mux.RegisterForSend(h)
		case interestReceive:
			l.mux.RegisterForReceive(h)
		}
	}

	if _, err := l.mux.Wait(pollTimeout); err != nil {
		l.metrics.recordWaitError()
		l.log().Warn("Socket wait failed", slog.Any("error", err))
		l.mux.Reset()
		l.sleep(ctx, pollTimeout)
		return
	}
	if ctx.Err() != nil {
		return
	}

	for _, ln := range listeners {
		if l.mux.IsReady(ln.Handle(), ReadyReceive) {
			l.acceptFrom(ln)
		}
	}

	now := l.now()
	for _, p := range peers {
		if p.Disconnecting() {
			continue
		}
		if _, ok := l.registry.SocketFor(p.id); !ok {
			continue
		}
		l.service(p, now)
		l.checkInactivity(p, now)
	}
}

func (l *IOLoop) reap() {
	l.registry.SweepDisconnected()
	for _, id := range l.registry.ReapDrained(false) {
		if l.handler != nil {
			l.handler.FinalizePeer(id)
		}
	}
}

func (l *IOLoop) service(p *Peer, now time.Time) {
	h := p.handle()
	if l.mux.IsReady(h, ReadyReceive) || l.mux.IsReady(h, ReadyError) {
		n, err := p.receive(now, l.scratch)
		if n > 0 {
			l.metrics.addBytes("in", n)
			l.signal()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				l.log().Debug("Socket receive failed",
					slog.Int64("peer_id", int64(p.id)),
					slog.Any("error", err))
			}
			p.Disconnect()
			return
		}
	}
	if l.mux.IsReady(h, ReadySend) {
		n, err := p.flush(now)
		l.metrics.addBytes("out", n)
		if err != nil {
			l.log().Debug("Socket send failed",
				slog.Int64("peer_id", int64(p.id)),
				slog.Any("error", err))
			p.Disconnect()
		}
	}
}

func (l *IOLoop) checkInactivity(p *Peer, now time.Time) {
	if now.Sub(p.connectedAt) <= initialInactivityWindow {
		return
	}
	lastSend, lastRecv := p.LastSend(), p.LastRecv()
	var reason string
	switch {
	case lastSend.IsZero() || lastRecv.IsZero():
		reason = "no message in first 60 seconds"
	case now.Sub(lastSend) > inactivityTimeout:
		reason = "socket sending timeout"
	case now.Sub(lastRecv) > recvTimeoutFor(p.Version()):
		reason = "socket receive timeout"
	default:
		return
	}
	l.log().Info("Disconnecting inactive peer",
		slog.Int64("peer_id", int64(p.id)),
		slog.String("reason", reason))
	p.Disconnect()
}

// recvTimeoutFor gives peers without a negotiated version the legacy window
// too.
func recvTimeoutFor(version int32) time.Duration {
	if version < legacyPingVersion {
		return legacyRecvTimeout
	}
	return inactivityTimeout
}

func (l *IOLoop) signal() {
	if l.wake == nil {
		return
	}
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// acceptFrom admits at most one pending connection from ln.
func (l *IOLoop) acceptFrom(ln *Listener) {
	conn, err := ln.accept()
	if err != nil {
		var ne net.Error
		if !(errors.As(err, &ne) && ne.Timeout()) {
			l.log().Warn("Socket accept failed", slog.Any("error", err))
		}
		return
	}
	remote := AddrPortFromNet(conn.RemoteAddr())
	whitelisted := ln.Whitelisted() || l.isWhitelisted(remote.Addr())
	if reason := l.admit(remote.Addr(), whitelisted); reason != "" {
		l.metrics.recordAdmission(reason)
		l.log().Info("Inbound connection rejected",
			logging.MaskField("peer_address", remote.String()),
			slog.String("reason", reason))
		_ = conn.Close()
		return
	}
	id, err := l.factory.AcceptInbound(conn, whitelisted)
	if err != nil {
		result := "rejected"
		if errors.Is(err, ErrNotSelectable) || errors.Is(err, ErrUnsupportedPlatform) {
			result = "unselectable"
		} else if errors.Is(err, ErrInboundFull) {
			result = "full"
		}
		l.metrics.recordAdmission(result)
		l.log().Warn("Inbound connection rejected",
			logging.MaskField("peer_address", remote.String()),
			slog.Any("error", err))
		return
	}
	l.metrics.recordAdmission("accepted")
	l.log().Debug("Inbound connection accepted",
		slog.Int64("peer_id", int64(id)),
		logging.MaskField("peer_address", remote.String()))
}

// admit returns an empty string when the connection may proceed, otherwise
// the rejection reason.
func (l *IOLoop) admit(ip netip.Addr, whitelisted bool) string {
	if l.registry.Counts().Inbound >= l.registry.MaxInbound() {
		return "full"
	}
	if !whitelisted && l.bans != nil && l.bans.IsBanned(l.now(), ip) {
		return "banned"
	}
	if !whitelisted && !l.limiter.allow(ip, l.now()) {
		return "rate_limited"
	}
	return ""
}

func (l *IOLoop) isWhitelisted(ip netip.Addr) bool {
	return whitelisted(l.cfg.Whitelist, ip)
}

func whitelisted(list *netutil.Netlist, ip netip.Addr) bool {
	if list == nil || !ip.IsValid() {
		return false
	}
	return list.Contains(net.IP(ip.Unmap().AsSlice()))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
