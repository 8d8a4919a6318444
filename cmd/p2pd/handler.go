package main

import (
	"log/slog"
	"net/netip"
	"sync/atomic"
	"time"

	"peerlink/p2p"
)

// goodMarker records addresses that completed a session.
type goodMarker interface {
	Good(addr netip.AddrPort, now time.Time)
}

// drainHandler stands in for a protocol layer. It accepts every peer,
// discards what they send and drops queued announcements, so the session
// layer can run and be observed on its own.
type drainHandler struct {
	discarded atomic.Uint64
	book      goodMarker
	now       func() time.Time
	logger    *slog.Logger
}

func newDrainHandler(book goodMarker, logger *slog.Logger) *drainHandler {
	return &drainHandler{
		book:   book,
		now:    time.Now,
		logger: logger.With(slog.String("component", "p2pd_handler")),
	}
}

func (h *drainHandler) InitializePeer(p *p2p.Peer) {
	p.SetSuccessfullyConnected()
	if h.book != nil && !p.Inbound() && p.Addr().IsValid() {
		h.book.Good(p.Addr(), h.now())
	}
	h.logger.Debug("Peer initialised",
		slog.Int64("peer_id", int64(p.ID())),
		slog.Bool("inbound", p.Inbound()))
}

func (h *drainHandler) FinalizePeer(id p2p.PeerID) {
	h.logger.Debug("Peer released", slog.Int64("peer_id", int64(id)))
}

func (h *drainHandler) ProcessMessages(p *p2p.Peer) bool {
	h.discarded.Add(uint64(len(p.TakeReceived())))
	return true
}

func (h *drainHandler) SendMessages(p *p2p.Peer, _ bool) {
	p.TakeInventory()
	p.TakeAddresses()
}
