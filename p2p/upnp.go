package p2p

import (
	"context"
	"log/slog"
	"net/netip"
	"time"

	"github.com/ethereum/go-ethereum/p2p/nat"
)

// portMapper keeps a UPnP mapping for the listen port alive and records the
// gateway's external address as a local address.
type portMapper struct {
	nat    nat.Interface
	port   int
	name   string
	locals *LocalAddresses
	logger *slog.Logger
}

func newPortMapper(port uint16, name string, locals *LocalAddresses) *portMapper {
	return &portMapper{
		nat:    nat.UPnP(),
		port:   int(port),
		name:   name,
		locals: locals,
		logger: slog.Default().With(slog.String("component", "p2p_upnp")),
	}
}

func (m *portMapper) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := m.nat.DeleteMapping("TCP", m.port, m.port); err != nil {
				m.logger.Debug("UPnP unmap failed", slog.Any("error", err))
			}
			return nil
		case <-timer.C:
			m.refresh()
			timer.Reset(upnpRefreshInterval)
		}
	}
}

func (m *portMapper) refresh() {
	mapped, err := m.nat.AddMapping("TCP", m.port, m.port, m.name, upnpMappingLifetime)
	if err != nil {
		m.logger.Warn("UPnP port mapping failed",
			slog.Int("port", m.port),
			slog.Any("error", err))
		return
	}
	ip, err := m.nat.ExternalIP()
	if err != nil {
		m.logger.Warn("UPnP external address lookup failed", slog.Any("error", err))
		return
	}
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return
	}
	external := netip.AddrPortFrom(addr.Unmap(), mapped)
	if m.locals.Add(external, LocalUPnP) {
		m.logger.Info("UPnP mapping active", slog.String("external", external.String()))
	}
}
