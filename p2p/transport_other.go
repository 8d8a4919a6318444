//go:build !linux && !darwin

package p2p

import (
	"net"
	"syscall"
	"time"
)

func newTransport(net.Conn) (transport, error) { return nil, ErrUnsupportedPlatform }

func rawHandle(syscall.Conn) (Handle, error) { return -1, ErrUnsupportedPlatform }

type unsupportedMultiplexer struct{}

// NewMultiplexer returns a multiplexer whose Wait always fails.
func NewMultiplexer() Multiplexer { return unsupportedMultiplexer{} }

func (unsupportedMultiplexer) Reset()                          {}
func (unsupportedMultiplexer) RegisterListener(Handle)         {}
func (unsupportedMultiplexer) RegisterForReceive(Handle)       {}
func (unsupportedMultiplexer) RegisterForSend(Handle)          {}
func (unsupportedMultiplexer) RegisterForErrors(Handle)        {}
func (unsupportedMultiplexer) IsReady(Handle, ReadyKind) bool  { return false }
func (unsupportedMultiplexer) MaxHandle() Handle               { return -1 }
func (unsupportedMultiplexer) Wait(time.Duration) (int, error) { return 0, ErrUnsupportedPlatform }

func raiseFileDescriptorLimit(want int) (int, error) { return want, nil }
