package p2p

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

// SyncStatus is optionally implemented by the MessageHandler. Own-address
// rebroadcast is held back while the node is still catching up.
type SyncStatus interface {
	InitialSync() bool
}

// dispatchLoop hands received bytes to the protocol layer and lets it
// produce outbound messages, one pass over the peer set per tick.
type dispatchLoop struct {
	registry *Registry
	handler  MessageHandler
	relay    *RelayService
	wake     <-chan struct{}

	now             func() time.Time
	pick            func(n int) int
	lastRebroadcast time.Time
	logger          *slog.Logger
}

func newDispatchLoop(registry *Registry, handler MessageHandler, relay *RelayService, wake <-chan struct{}) *dispatchLoop {
	return &dispatchLoop{
		registry: registry,
		handler:  handler,
		relay:    relay,
		wake:     wake,
		now:      time.Now,
		pick:     rand.IntN,
		logger:   slog.Default().With(slog.String("component", "p2p_dispatch")),
	}
}

func (d *dispatchLoop) log() *slog.Logger {
	if d.logger == nil {
		d.logger = slog.Default().With(slog.String("component", "p2p_dispatch"))
	}
	return d.logger
}

// Run ticks until ctx is cancelled. An idle tick waits up to dispatchWait or
// until the IO loop reports new data.
func (d *dispatchLoop) Run(ctx context.Context) error {
	timer := time.NewTimer(dispatchWait)
	defer timer.Stop()
	for {
		if ctx.Err() != nil {
			return nil
		}
		if d.tick() {
			continue
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(dispatchWait)
		select {
		case <-ctx.Done():
			return nil
		case <-d.wake:
		case <-timer.C:
		}
	}
}

// tick makes one pass and reports whether any peer still has work queued.
func (d *dispatchLoop) tick() bool {
	peers := d.registry.Snapshot()
	defer d.registry.Release(peers)
	if len(peers) == 0 {
		return false
	}

	now := d.now()
	rebroadcast := now.Sub(d.lastRebroadcast) > rebroadcastInterval
	if s, ok := d.handler.(SyncStatus); ok && s.InitialSync() {
		rebroadcast = false
	}
	trickle := peers[d.pick(len(peers))]

	busy := false
	for _, p := range peers {
		if p.Disconnecting() {
			continue
		}
		if d.process(p) {
			busy = true
		}

		if rebroadcast {
			d.rebroadcastAll(peers)
			d.lastRebroadcast = now
			rebroadcast = false
		}

		if d.handler != nil && !p.Disconnecting() && p.SendBufferSize() < MaxSendBuffer {
			d.handler.SendMessages(p, p == trickle || p.Whitelisted())
		}
	}
	return busy
}

// process runs the protocol layer over p's received bytes. It reports true
// when the handler made progress and more bytes remain. A one-shot peer is
// dropped once data received after its handshake has been consumed.
func (d *dispatchLoop) process(p *Peer) bool {
	if d.handler == nil {
		return false
	}
	handshaken := p.SuccessfullyConnected()
	before := p.ReceiveBufferSize()
	if !d.handler.ProcessMessages(p) {
		d.log().Debug("Protocol layer rejected peer", slog.Int64("peer_id", int64(p.id)))
		p.Disconnect()
		return false
	}
	after := p.ReceiveBufferSize()
	if p.OneShot() && handshaken && after < before {
		d.log().Debug("One-shot peer served", slog.Int64("peer_id", int64(p.id)))
		p.Disconnect()
		return false
	}
	return after > 0 && after < before && p.SendBufferSize() < MaxSendBuffer
}

func (d *dispatchLoop) rebroadcastAll(peers []*Peer) {
	first := d.lastRebroadcast.IsZero()
	for _, q := range peers {
		if q.Disconnecting() {
			continue
		}
		if !first {
			q.ClearKnownAddresses()
		}
		if d.relay != nil {
			d.relay.RebroadcastOwnAddress(q)
		}
	}
}

// banSweeper is implemented by ban lists that purge lifted bans.
type banSweeper interface {
	SweepExpired(now time.Time) (int, error)
}

// maintenanceLoop periodically persists address state and expires relay
// cache entries and bans.
type maintenanceLoop struct {
	addrman AddressManager
	bans    BanService
	relay   *RelayService
	limiter *acceptLimiter
	now     func() time.Time
	logger  *slog.Logger
}

func (m *maintenanceLoop) log() *slog.Logger {
	if m.logger == nil {
		m.logger = slog.Default().With(slog.String("component", "p2p_maintenance"))
	}
	return m.logger
}

func (m *maintenanceLoop) Run(ctx context.Context) error {
	ticker := time.NewTicker(dumpAddressesInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.runOnce()
		}
	}
}

func (m *maintenanceLoop) runOnce() {
	start := m.now()
	if m.relay != nil {
		m.relay.SweepExpired()
	}
	m.limiter.prune(start)
	if sweeper, ok := m.bans.(banSweeper); ok {
		if n, err := sweeper.SweepExpired(start); err != nil {
			m.log().Warn("Ban sweep failed", slog.Any("error", err))
		} else if n > 0 {
			m.log().Info("Expired bans removed", slog.Int("count", n))
		}
	}
	if m.addrman == nil {
		return
	}
	if err := m.addrman.Flush(); err != nil {
		m.log().Warn("Address flush failed", slog.Any("error", err))
		return
	}
	m.log().Debug("Flushed addresses",
		slog.Int("addresses", m.addrman.Size()),
		slog.Duration("elapsed", m.now().Sub(start)))
}
