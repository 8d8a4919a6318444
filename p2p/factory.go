package p2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/proxy"

	"peerlink/observability/logging"
)

// dialFunc opens a raw TCP connection. It is swapped in tests.
type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

func defaultDialer(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, addr)
}

// OutboundOptions tunes a single outbound connection.
type OutboundOptions struct {
	OneShot bool
	// Release is invoked once the resulting peer is swept, or immediately
	// when no peer is created.
	Release func()
}

// ConnectionFactory creates peers and wires them into the registry.
type ConnectionFactory struct {
	cfg      Config
	registry *Registry
	addrman  AddressManager
	locals   *LocalAddresses
	handler  MessageHandler
	dialFn   dialFunc
	now      func() time.Time
	logger   *slog.Logger
	metrics  *networkMetrics
	tracer   trace.Tracer
}

func newConnectionFactory(cfg Config, registry *Registry, addrman AddressManager, locals *LocalAddresses, handler MessageHandler) *ConnectionFactory {
	return &ConnectionFactory{
		cfg:      cfg,
		registry: registry,
		addrman:  addrman,
		locals:   locals,
		handler:  handler,
		dialFn:   defaultDialer,
		now:      time.Now,
		logger:   slog.Default().With(slog.String("component", "p2p_factory")),
		metrics:  newNetworkMetrics(),
		tracer:   otel.Tracer("peerlink/p2p"),
	}
}

func (f *ConnectionFactory) log() *slog.Logger {
	if f.logger == nil {
		f.logger = slog.Default().With(slog.String("component", "p2p_factory"))
	}
	return f.logger
}

// ConnectOutbound dials addr, or dest when a host name is given. It returns
// false without side effects when the target is local or already connected,
// and false after recording an address-manager attempt when the dial fails.
func (f *ConnectionFactory) ConnectOutbound(ctx context.Context, addr netip.AddrPort, dest string, opts OutboundOptions) (PeerID, bool) {
	id, err := f.connectOutbound(ctx, addr, dest, opts)
	if err != nil {
		if opts.Release != nil {
			opts.Release()
		}
		return 0, false
	}
	return id, true
}

func (f *ConnectionFactory) connectOutbound(ctx context.Context, addr netip.AddrPort, dest string, opts OutboundOptions) (PeerID, error) {
	addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	if dest == "" {
		if !addr.IsValid() {
			return 0, ErrDialTargetEmpty
		}
		if f.locals.IsLocal(addr.Addr()) {
			return 0, ErrLocalAddress
		}
		if f.registry.FindByAddr(addr) {
			return 0, ErrAlreadyConnected
		}
	} else if f.registry.FindByName(dest) {
		return 0, ErrAlreadyConnected
	}

	target := dest
	if target == "" {
		target = addr.String()
	} else {
		target = withDefaultPort(target, f.cfg.DefaultPort)
	}

	ctx, span := f.tracer.Start(ctx, "p2p.dial",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.Bool("peer.one_shot", opts.OneShot),
			attribute.Bool("peer.by_name", dest != ""),
		))
	defer span.End()

	dialCtx, cancel := context.WithTimeout(ctx, f.cfg.ConnectTimeout)
	conn, proxied, err := f.dial(dialCtx, target, addr)
	cancel()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if !IsProxyFailure(err) && addr.IsValid() && f.addrman != nil {
			f.addrman.Attempt(addr, f.now())
		}
		f.metrics.recordDial("failed")
		f.log().Debug("Outbound dial failed",
			logging.MaskField("peer_address", target),
			slog.Any("error", err))
		return 0, err
	}

	remote := addr
	if !remote.IsValid() && !proxied {
		remote = AddrPortFromNet(conn.RemoteAddr())
	}
	if dest != "" && remote.IsValid() && f.registry.FindByAddr(remote) {
		_ = conn.Close()
		return 0, ErrAlreadyConnected
	}
	if f.addrman != nil && remote.IsValid() {
		f.addrman.Attempt(remote, f.now())
	}

	p, err := f.wrap(conn, remote, peerOptions{
		oneShot:  opts.OneShot,
		addrName: dest,
		now:      f.now(),
	})
	if err != nil {
		f.metrics.recordDial("unselectable")
		return 0, err
	}
	if opts.Release != nil {
		p.setGrant(opts.Release)
	}
	id, err := f.registry.Register(p)
	if err != nil {
		p.closeSocket()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		f.metrics.recordDial("rejected")
		f.log().Warn("Outbound peer registration failed",
			logging.MaskField("peer_address", target),
			slog.Any("error", err))
		return 0, err
	}
	f.metrics.recordDial("connected")
	span.SetAttributes(attribute.Int64("peer.id", int64(id)))
	span.SetStatus(codes.Ok, "connected")
	f.log().Info("Outbound connection established",
		slog.Int64("peer_id", int64(id)),
		logging.MaskField("peer_address", target))
	if f.handler != nil {
		f.handler.InitializePeer(p)
		if pusher, ok := f.handler.(VersionPusher); ok {
			pusher.PushVersion(p)
		}
	}
	return id, nil
}

// AcceptInbound wraps a socket the IO loop already admitted.
func (f *ConnectionFactory) AcceptInbound(conn net.Conn, whitelisted bool) (PeerID, error) {
	remote := AddrPortFromNet(conn.RemoteAddr())
	p, err := f.wrap(conn, remote, peerOptions{
		inbound:     true,
		whitelisted: whitelisted,
		now:         f.now(),
	})
	if err != nil {
		return 0, err
	}
	id, err := f.registry.Register(p)
	if err != nil {
		p.closeSocket()
		return 0, err
	}
	if f.handler != nil {
		f.handler.InitializePeer(p)
	}
	return id, nil
}

func (f *ConnectionFactory) wrap(conn net.Conn, remote netip.AddrPort, opts peerOptions) (*Peer, error) {
	trans, err := newTransport(conn)
	if err != nil {
		_ = conn.Close()
		f.log().Warn("Socket is not selectable",
			logging.MaskField("peer_address", remote.String()),
			slog.Any("error", err))
		return nil, err
	}
	return newPeer(f.registry.NewPeerID(), conn, trans, remote, opts), nil
}

// dial connects directly or through the configured SOCKS5 proxy. Onion
// targets always go through the onion proxy.
func (f *ConnectionFactory) dial(ctx context.Context, target string, addr netip.AddrPort) (net.Conn, bool, error) {
	proxyAddr := f.cfg.Proxy
	if addr.IsValid() && IsOnion(addr.Addr()) && f.cfg.OnionProxy != "" {
		proxyAddr = f.cfg.OnionProxy
	}
	if proxyAddr == "" {
		conn, err := f.dialFn(ctx, "tcp", target)
		return conn, false, err
	}
	conn, err := f.dialProxy(ctx, proxyAddr, target)
	return conn, true, err
}

// captureDialer records the raw proxy connection so the peer owns a pollable
// socket instead of the SOCKS wrapper.
type captureDialer struct {
	dial dialFunc
	conn net.Conn
}

func (c *captureDialer) Dial(network, addr string) (net.Conn, error) {
	return c.DialContext(context.Background(), network, addr)
}

func (c *captureDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := c.dial(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return conn, nil
}

func (f *ConnectionFactory) dialProxy(ctx context.Context, proxyAddr, target string) (net.Conn, error) {
	capture := &captureDialer{dial: f.dialFn}
	d, err := proxy.SOCKS5("tcp", proxyAddr, nil, capture)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProxyFailure, err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("%w: proxy dialer lacks context support", ErrProxyFailure)
	}
	wrapped, err := cd.DialContext(ctx, "tcp", target)
	if err != nil {
		if capture.conn == nil {
			return nil, fmt.Errorf("%w: %v", ErrProxyFailure, err)
		}
		_ = capture.conn.Close()
		return nil, err
	}
	if capture.conn == nil {
		_ = wrapped.Close()
		return nil, errors.Join(ErrProxyFailure, ErrNotSelectable)
	}
	return capture.conn, nil
}

func withDefaultPort(host string, port uint16) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}
