//go:build linux || darwin

package p2p

import (
	"errors"
	"io"
	"math"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

type rawTransport struct {
	conn   net.Conn
	raw    syscall.RawConn
	handle Handle
}

func newTransport(conn net.Conn) (transport, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, ErrNotSelectable
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return nil, errors.Join(ErrNotSelectable, err)
	}
	fd := -1
	if err := raw.Control(func(s uintptr) { fd = int(s) }); err != nil {
		return nil, errors.Join(ErrNotSelectable, err)
	}
	if fd < 0 {
		return nil, ErrNotSelectable
	}
	return &rawTransport{conn: conn, raw: raw, handle: Handle(fd)}, nil
}

func rawHandle(c syscall.Conn) (Handle, error) {
	raw, err := c.SyscallConn()
	if err != nil {
		return -1, errors.Join(ErrNotSelectable, err)
	}
	fd := -1
	if err := raw.Control(func(s uintptr) { fd = int(s) }); err != nil {
		return -1, errors.Join(ErrNotSelectable, err)
	}
	return Handle(fd), nil
}

func (t *rawTransport) Handle() Handle { return t.handle }

// ReadNonblock issues a single read(2). The callback always returns true so
// the runtime never parks the calling goroutine.
func (t *rawTransport) ReadNonblock(buf []byte) (int, error) {
	var (
		n     int
		opErr error
	)
	err := t.raw.Read(func(fd uintptr) bool {
		n, opErr = unix.Read(int(fd), buf)
		return true
	})
	if err != nil {
		return 0, err
	}
	if opErr != nil {
		if opErr == unix.EAGAIN || opErr == unix.EWOULDBLOCK || opErr == unix.EINTR {
			return 0, errWouldBlock
		}
		return 0, opErr
	}
	if n == 0 && len(buf) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (t *rawTransport) WriteNonblock(buf []byte) (int, error) {
	var (
		n     int
		opErr error
	)
	err := t.raw.Write(func(fd uintptr) bool {
		n, opErr = unix.Write(int(fd), buf)
		return true
	})
	if err != nil {
		return 0, err
	}
	if opErr != nil {
		if opErr == unix.EAGAIN || opErr == unix.EWOULDBLOCK || opErr == unix.EINTR {
			return 0, errWouldBlock
		}
		return 0, opErr
	}
	return n, nil
}

func (t *rawTransport) Close() error { return t.conn.Close() }

type pollMultiplexer struct {
	interest  map[Handle]int16
	order     []Handle
	ready     map[Handle]int16
	fds       []unix.PollFd
	maxHandle Handle
}

// NewMultiplexer returns the poll(2) backed multiplexer.
func NewMultiplexer() Multiplexer {
	return &pollMultiplexer{
		interest:  make(map[Handle]int16),
		ready:     make(map[Handle]int16),
		maxHandle: -1,
	}
}

func (m *pollMultiplexer) Reset() {
	clear(m.interest)
	clear(m.ready)
	m.order = m.order[:0]
	m.maxHandle = -1
}

func (m *pollMultiplexer) register(h Handle, events int16) {
	if h < 0 {
		return
	}
	cur, ok := m.interest[h]
	if !ok {
		m.order = append(m.order, h)
	}
	m.interest[h] = cur | events
	if h > m.maxHandle {
		m.maxHandle = h
	}
}

func (m *pollMultiplexer) RegisterListener(h Handle)   { m.register(h, unix.POLLIN) }
func (m *pollMultiplexer) RegisterForReceive(h Handle) { m.register(h, unix.POLLIN) }
func (m *pollMultiplexer) RegisterForSend(h Handle)    { m.register(h, unix.POLLOUT) }

// RegisterForErrors adds h with no read/write interest. poll(2) always
// reports POLLERR and POLLHUP.
func (m *pollMultiplexer) RegisterForErrors(h Handle) { m.register(h, 0) }

func (m *pollMultiplexer) MaxHandle() Handle { return m.maxHandle }

func (m *pollMultiplexer) Wait(timeout time.Duration) (int, error) {
	clear(m.ready)
	m.fds = m.fds[:0]
	for _, h := range m.order {
		m.fds = append(m.fds, unix.PollFd{Fd: int32(h), Events: m.interest[h]})
	}
	ms := int(timeout / time.Millisecond)
	if ms > math.MaxInt32 {
		ms = math.MaxInt32
	}
	n, err := unix.Poll(m.fds, ms)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	for _, fd := range m.fds {
		if fd.Revents != 0 {
			m.ready[Handle(fd.Fd)] = fd.Revents
		}
	}
	return n, nil
}

func (m *pollMultiplexer) IsReady(h Handle, kind ReadyKind) bool {
	ev := m.ready[h]
	switch kind {
	case ReadyReceive:
		return ev&unix.POLLIN != 0
	case ReadySend:
		return ev&unix.POLLOUT != 0
	case ReadyError:
		return ev&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0
	default:
		return false
	}
}

// raiseFileDescriptorLimit asks for want descriptors and returns what the
// process actually has afterwards.
func raiseFileDescriptorLimit(want int) (int, error) {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		return 0, err
	}
	if lim.Cur < uint64(want) {
		next := lim
		next.Cur = uint64(want)
		if next.Cur > lim.Max {
			next.Cur = lim.Max
		}
		_ = unix.Setrlimit(unix.RLIMIT_NOFILE, &next)
		if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
			return 0, err
		}
	}
	if lim.Cur > math.MaxInt32 {
		return want, nil
	}
	return int(lim.Cur), nil
}
