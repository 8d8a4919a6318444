package p2p

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// ReadyKind selects which readiness bit IsReady inspects.
type ReadyKind uint8

const (
	ReadyReceive ReadyKind = iota
	ReadySend
	ReadyError
)

var errWouldBlock = errors.New("p2p: operation would block")

// Multiplexer turns per-tick read/write interest into a single blocking wait.
// Interest is consumed by each Wait; callers re-register every tick.
type Multiplexer interface {
	Reset()
	RegisterListener(h Handle)
	RegisterForReceive(h Handle)
	RegisterForSend(h Handle)
	RegisterForErrors(h Handle)
	Wait(timeout time.Duration) (int, error)
	IsReady(h Handle, kind ReadyKind) bool
	MaxHandle() Handle
}

const acceptDeadline = 10 * time.Millisecond

// Listener is a bound listening socket.
type Listener struct {
	ln          *net.TCPListener
	handle      Handle
	whitelisted bool
}

// Listen binds addr. Connections accepted on a whitelisted listener are
// exempt from bans and the accept rate limiter.
func Listen(addr string, whitelisted bool) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	tcp, ok := ln.(*net.TCPListener)
	if !ok {
		_ = ln.Close()
		return nil, fmt.Errorf("bind %s: %w", addr, ErrNotSelectable)
	}
	h, err := rawHandle(tcp)
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	return &Listener{ln: tcp, handle: h, whitelisted: whitelisted}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Whitelisted reports whether the listener was bound through whitebind.
func (l *Listener) Whitelisted() bool { return l.whitelisted }

// Handle returns the listening socket descriptor.
func (l *Listener) Handle() Handle { return l.handle }

// accept takes one pending connection. It is only called after the
// multiplexer reported the listener readable, so the short deadline only
// matters when the peer gave up in between.
func (l *Listener) accept() (*net.TCPConn, error) {
	if err := l.ln.SetDeadline(time.Now().Add(acceptDeadline)); err != nil {
		return nil, err
	}
	return l.ln.AcceptTCP()
}

// Close closes the listening socket.
func (l *Listener) Close() error { return l.ln.Close() }
