package rohc

import (
	"fmt"
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// IPIPRawSocket is the concrete RawSocket collaborator: an IPv4 raw
// socket bound to IPPROTO_IPIP. The socket is shared by every session
// rather than connected to a single peer, so sends always go through
// WriteTo.
type IPIPRawSocket struct {
	fd   int
	file *os.File
	rc   syscall.RawConn
}

// NewIPIPRawSocket opens and binds the shared raw socket used by the router
// and every tunnel worker. bindAddr is the local tunnel-facing address the
// socket is bound to; an empty string binds to INADDR_ANY.
func NewIPIPRawSocket(bindAddr string) (*IPIPRawSocket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_IPIP)
	if err != nil {
		return nil, fmt.Errorf("rawsocket: socket: %v", err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rawsocket: set nonblocking: %v", err)
	}

	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rawsocket: fcntl(F_GETFD): %v", err)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, flags|unix.FD_CLOEXEC); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rawsocket: fcntl(F_SETFD, FD_CLOEXEC): %v", err)
	}

	if bindAddr != "" {
		ip := net.ParseIP(bindAddr).To4()
		if ip == nil {
			unix.Close(fd)
			return nil, fmt.Errorf("rawsocket: %q is not an IPv4 address", bindAddr)
		}
		var sa unix.SockaddrInet4
		copy(sa.Addr[:], ip)
		if err := unix.Bind(fd, &sa); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("rawsocket: bind: %v", err)
		}
	}

	file := os.NewFile(uintptr(fd), "ipip-raw")
	rc, err := file.SyscallConn()
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rawsocket: syscallconn: %v", err)
	}

	return &IPIPRawSocket{fd: fd, file: file, rc: rc}, nil
}

// Read receives one datagram into b, discarding the sender address: the
// router recovers the peer address itself from the IP header.
func (s *IPIPRawSocket) Read(b []byte) (n int, err error) {
	cerr := s.rc.Read(func(fd uintptr) bool {
		n, _, err = unix.Recvfrom(int(fd), b, 0)
		return err != unix.EAGAIN && err != unix.EWOULDBLOCK
	})
	if err != nil {
		return n, err
	}
	return n, cerr
}

// Write is not meaningful on a socket shared by every peer; callers must use
// WriteTo to address a specific tunnel peer.
func (s *IPIPRawSocket) Write(b []byte) (int, error) {
	return 0, fmt.Errorf("rawsocket: Write unsupported, use WriteTo")
}

// WriteTo sends b to addr. Workers may call this concurrently: the
// underlying send is atomic per datagram.
func (s *IPIPRawSocket) WriteTo(b []byte, addr net.IP) (n int, err error) {
	ip4 := addr.To4()
	if ip4 == nil {
		return 0, fmt.Errorf("rawsocket: %s is not an IPv4 address", addr)
	}
	var sa unix.SockaddrInet4
	copy(sa.Addr[:], ip4)

	cerr := s.rc.Write(func(fd uintptr) bool {
		err = unix.Sendto(int(fd), b, 0, &sa)
		return err != unix.EAGAIN && err != unix.EWOULDBLOCK
	})
	if err != nil {
		return 0, err
	}
	if cerr != nil {
		return 0, cerr
	}
	return len(b), nil
}

// Close releases the underlying file descriptor. Only the owner (the
// supervisor at shutdown, or a client at exit) may call this; tunnel
// workers only ever hold a borrowed RawSocket reference.
func (s *IPIPRawSocket) Close() error {
	return s.file.Close()
}

// FileTunDevice adapts an already-open virtual-interface file descriptor
// to the TunDevice collaborator. It wraps whatever *os.File the host
// setup hands back; OpenTunDevice in tundev.go is the Linux path.
type FileTunDevice struct {
	f    *os.File
	name string
}

func NewFileTunDevice(f *os.File, name string) *FileTunDevice {
	return &FileTunDevice{f: f, name: name}
}

func (t *FileTunDevice) Read(b []byte) (int, error)  { return t.f.Read(b) }
func (t *FileTunDevice) Write(b []byte) (int, error) { return t.f.Write(b) }
func (t *FileTunDevice) Name() string                { return t.name }
func (t *FileTunDevice) Close() error                { return t.f.Close() }
