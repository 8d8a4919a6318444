package main

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"peerlink/p2p"
)

type recordingBook struct {
	mu   sync.Mutex
	good []netip.AddrPort
}

func (r *recordingBook) Good(addr netip.AddrPort, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.good = append(r.good, addr)
}

func (r *recordingBook) marked() []netip.AddrPort {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]netip.AddrPort(nil), r.good...)
}

func TestDrainHandlerMarksOutboundPeersGood(t *testing.T) {
	remote, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer remote.Close()
	go func() {
		var conns []net.Conn
		defer func() {
			for _, c := range conns {
				_ = c.Close()
			}
		}()
		for {
			c, err := remote.Accept()
			if err != nil {
				return
			}
			conns = append(conns, c)
		}
	}()

	book := &recordingBook{}
	manager, err := p2p.NewSessionManager(p2p.Config{
		MaxConnections:   10,
		ReservedOutbound: 2,
		Listen:           true,
		ListenAddrs:      []p2p.ListenAddr{{Addr: "127.0.0.1:0"}},
		DefaultPort:      51472,
		AddNodes:         []string{remote.Addr().String()},
	}, p2p.Options{Handler: newDrainHandler(book, slog.New(slog.NewTextHandler(io.Discard, nil)))})
	require.NoError(t, err)
	require.NoError(t, manager.Start(context.Background()))
	defer func() { _ = manager.Stop() }()

	want := netip.MustParseAddrPort(remote.Addr().String())
	require.Eventually(t, func() bool { return len(book.marked()) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, want, book.marked()[0])

	listeners := manager.Registry().Listeners()
	require.Len(t, listeners, 1)
	c, err := net.DialTimeout("tcp", listeners[0].Addr().String(), time.Second)
	require.NoError(t, err)
	defer c.Close()
	require.Eventually(t, func() bool { return manager.Counts().Inbound == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Len(t, book.marked(), 1, "inbound peers must not be marked good")
}
