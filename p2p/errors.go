package p2p

import "errors"

var (
	ErrPeerUnknown      = errors.New("p2p: unknown peer")
	ErrDuplicatePeer    = errors.New("p2p: duplicate peer id")
	ErrDuplicateHandle  = errors.New("p2p: socket already registered")
	ErrInboundFull      = errors.New("p2p: inbound slots exhausted")
	ErrNotSelectable    = errors.New("p2p: socket not selectable")
	ErrLocalAddress     = errors.New("p2p: refusing to dial local address")
	ErrAlreadyConnected = errors.New("p2p: already connected")
	ErrAddressBanned    = errors.New("p2p: address is banned")
	ErrDialTargetEmpty  = errors.New("p2p: empty dial target")
	ErrProxyFailure     = errors.New("p2p: proxy connection failed")
	ErrManagerStopped   = errors.New("p2p: session manager stopped")

	// ErrUnsupportedPlatform is returned by the raw socket layer on platforms
	// without poll(2).
	ErrUnsupportedPlatform = errors.New("p2p: readiness polling unsupported on this platform")

	// ErrInsufficientDescriptors is fatal at startup.
	ErrInsufficientDescriptors = errors.New("p2p: not enough file descriptors available")
)

// IsProxyFailure reports whether a dial error originated at the SOCKS proxy
// rather than at the remote peer.
func IsProxyFailure(err error) bool {
	return errors.Is(err, ErrProxyFailure)
}
