package p2p

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// chunkTransport accepts at most limit bytes per write and records them.
type chunkTransport struct {
	fakeTransport
	limit   int
	written bytes.Buffer
	block   bool
}

func (c *chunkTransport) WriteNonblock(b []byte) (int, error) {
	if c.block {
		return 0, errWouldBlock
	}
	n := len(b)
	if n > c.limit {
		n = c.limit
	}
	c.written.Write(b[:n])
	return n, nil
}

func TestPeerFlushPartialWrites(t *testing.T) {
	trans := &chunkTransport{limit: 3}
	p := newPeer(1, nil, trans, netip.MustParseAddrPort("8.8.8.8:51472"), peerOptions{now: time.Now()})
	if err := p.Send([]byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := p.Send([]byte("world")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := p.SendBufferSize(); got != 10 {
		t.Fatalf("send buffer = %d", got)
	}

	now := time.Unix(1_700_000_000, 0)
	n, err := p.flush(now)
	if err != nil || n != 3 {
		t.Fatalf("first flush = %d, %v", n, err)
	}
	if p.SendBufferSize() != 7 || !p.LastSend().Equal(now) {
		t.Fatalf("unexpected state after partial flush: size=%d last=%v", p.SendBufferSize(), p.LastSend())
	}

	trans.block = true
	if n, err := p.flush(now); err != nil || n != 0 {
		t.Fatalf("blocked flush = %d, %v", n, err)
	}
	trans.block = false
	trans.limit = 100
	if _, err := p.flush(now); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if trans.written.String() != "helloworld" || p.SendBufferSize() != 0 {
		t.Fatalf("written %q, remaining %d", trans.written.String(), p.SendBufferSize())
	}
}

func TestPeerSendLimits(t *testing.T) {
	p := newPeer(1, nil, &fakeTransport{}, netip.MustParseAddrPort("8.8.8.8:51472"), peerOptions{now: time.Now()})
	if err := p.Send(make([]byte, MaxSendBuffer)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := p.Send([]byte{1}); !errors.Is(err, errSendBufferFull) {
		t.Fatalf("expected full buffer, got %v", err)
	}
	p.Disconnect()
	if err := p.Send([]byte{1}); !errors.Is(err, ErrPeerUnknown) {
		t.Fatalf("expected disconnecting peer to refuse sends, got %v", err)
	}
}

func TestPeerUnreadKeepsOrder(t *testing.T) {
	p := newPeer(1, nil, nil, netip.MustParseAddrPort("8.8.8.8:51472"), peerOptions{now: time.Now()})
	p.recvBuf = []byte("cd")
	p.Unread([]byte("ab"))
	if got := string(p.TakeReceived()); got != "abcd" {
		t.Fatalf("received %q", got)
	}
	if p.ReceiveBufferSize() != 0 {
		t.Fatalf("take must empty the buffer")
	}
}

func TestPeerStateOnlyMovesForward(t *testing.T) {
	p := newPeer(1, nil, nil, netip.MustParseAddrPort("8.8.8.8:51472"), peerOptions{now: time.Now()})
	p.advance(StateDraining)
	p.advance(StateConnected)
	if p.State() != StateDraining {
		t.Fatalf("state regressed to %s", p.State())
	}
}

func TestPeerInventoryFilters(t *testing.T) {
	p := newPeer(1, nil, nil, netip.MustParseAddrPort("8.8.8.8:51472"), peerOptions{now: time.Now()})
	tx := Inventory{Type: InvTx, Hash: common.HexToHash("0x01")}
	block := Inventory{Type: InvBlock, Hash: common.HexToHash("0x02")}

	if !p.PushInventory(tx) || !p.PushInventory(block) {
		t.Fatalf("fresh inventory must be queued")
	}
	if got := p.TakeInventory(); len(got) != 2 {
		t.Fatalf("took %d items", len(got))
	}
	if p.PushInventory(tx) {
		t.Fatalf("known transaction must not be queued again")
	}
	if !p.PushInventory(block) {
		t.Fatalf("blocks are always announced")
	}

	addr := NetAddress{Addr: netip.MustParseAddrPort("9.9.9.9:51472")}
	if !p.PushAddress(addr) {
		t.Fatalf("fresh address must be queued")
	}
	p.TakeAddresses()
	if p.PushAddress(addr) {
		t.Fatalf("known address must not be queued again")
	}
	p.ClearKnownAddresses()
	if !p.PushAddress(addr) {
		t.Fatalf("cleared filter must allow the address again")
	}
	if p.PushAddress(NetAddress{}) {
		t.Fatalf("invalid address must be ignored")
	}
}
