// Package socketpool implements C2: creation of UDP/TCP sockets bound to
// either the tunnel or the physical interface, with fwmark and a
// protect-callback hook applied at bind time.
//
// The bind-to-device mechanism is grounded on the daemon's probe dialer
// (SO_BINDTODEVICE via a net.Dialer/ListenConfig Control hook); fwmark
// uses the Linux-only SO_MARK socket option via the same hook shape.
package socketpool

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"syscall"
)

const (
	soBindToDevice = 25 // Linux SO_BINDTODEVICE
	soMark         = 36 // Linux SO_MARK
)

// Kind selects which physical/tunnel interface a socket is bound to.
type Kind int

const (
	KindTunnel Kind = iota
	KindPhysical
)

// ProtectFunc is the host-supplied callback run on every socket's raw fd
// before use, e.g. to exclude the fd from a VPN-capturing routing table
// on Android/iOS. A nil ProtectFunc is a no-op.
type ProtectFunc func(fd int) error

// Pool owns socket creation for every other component (C2's "sockets
// belong to the pool" ownership rule in SPEC_FULL.md §5).
type Pool struct {
	tunnelIface   string
	physicalIface string
	fwmark        uint32
	protect       ProtectFunc
}

// New creates a socket pool. tunnelIface/physicalIface may be empty,
// meaning "let the OS choose"; protect may be nil.
func New(tunnelIface, physicalIface string, fwmark uint32, protect ProtectFunc) *Pool {
	return &Pool{
		tunnelIface:   tunnelIface,
		physicalIface: physicalIface,
		fwmark:        fwmark,
		protect:       protect,
	}
}

// ListenUDP opens a UDP socket bound to addr on the selected interface,
// with fwmark and the protect callback applied.
func (p *Pool) ListenUDP(ctx context.Context, kind Kind, addr string) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: p.control(kind)}
	conn, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("socketpool: listen udp %s: %w", addr, err)
	}
	udpConn, ok := conn.(*net.UDPConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("socketpool: unexpected conn type %T", conn)
	}
	return udpConn, nil
}

// DialTCP dials a TCP connection on the selected interface, with fwmark
// and the protect callback applied.
func (p *Pool) DialTCP(ctx context.Context, kind Kind, addr string) (net.Conn, error) {
	dialer := net.Dialer{Control: p.control(kind)}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("socketpool: dial tcp %s: %w", addr, err)
	}
	return conn, nil
}

// ListenTCP opens a TCP listener bound to addr on the selected interface.
func (p *Pool) ListenTCP(ctx context.Context, kind Kind, addr string) (net.Listener, error) {
	lc := net.ListenConfig{Control: p.control(kind)}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("socketpool: listen tcp %s: %w", addr, err)
	}
	return ln, nil
}

func (p *Pool) control(kind Kind) func(network, address string, c syscall.RawConn) error {
	iface := p.physicalIface
	if kind == KindTunnel {
		iface = p.tunnelIface
	}
	fwmark := p.fwmark
	protect := p.protect

	if iface == "" && fwmark == 0 && protect == nil {
		return nil
	}

	return func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			if runtime.GOOS == "linux" && iface != "" {
				if e := syscall.SetsockoptString(int(fd), syscall.SOL_SOCKET, soBindToDevice, iface); e != nil {
					sockErr = e
					return
				}
			}
			if runtime.GOOS == "linux" && fwmark != 0 {
				if e := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, soMark, int(fwmark)); e != nil {
					sockErr = e
					return
				}
			}
			if protect != nil {
				if e := protect(int(fd)); e != nil {
					sockErr = e
					return
				}
			}
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}

// SetFwmark updates the fwmark applied to sockets created after this call.
func (p *Pool) SetFwmark(mark uint32) {
	p.fwmark = mark
}
