package rohc

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
)

// TunDevice is the virtual network interface collaborator. Session and
// worker code only needs packet reads and writes; creating and naming the
// device itself is host-level setup (see tundev.go).
type TunDevice interface {
	io.ReadWriter
	Name() string
}

// RawSocket is the shared IPv4 raw socket collaborator used by the router
// and every tunnel worker to exchange IPIP datagrams with peers.
type RawSocket interface {
	io.ReadWriter
	WriteTo(b []byte, addr net.IP) (int, error)
}

// session holds the state common to both the client and server ends of a
// control session. ClientSession and serverSession embed it and add their
// own fsm table.
type session struct {
	logger log.Logger
	role   peerRole

	cp *controlPlane

	localAddr, remoteAddr net.Addr

	// assignedAddr is the tunnel address handed out by the server,
	// populated for both ends once negotiation completes.
	assignedAddr net.IP

	params TunnelParams

	statusLock   sync.Mutex
	status       sessionStatus
	lastSent     time.Time
	lastReceived time.Time

	worker *tunnelWorker

	doneChan chan struct{}
	wg       sync.WaitGroup
}

// remoteAddrIP extracts the bare IPv4 address of the peer, stripping the
// TCP control-channel port: the raw data path addresses peers by IP alone.
func (s *session) remoteAddrIP() net.IP {
	host, _, err := net.SplitHostPort(s.remoteAddr.String())
	if err != nil {
		host = s.remoteAddr.String()
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}
	return ip.To4()
}

func (s *session) getStatus() sessionStatus {
	s.statusLock.Lock()
	defer s.statusLock.Unlock()
	return s.status
}

// setStatus moves the session to a new status. Status is monotonic: a
// backwards transition out of CONNECTED is refused, and PENDING_DELETE is
// terminal.
func (s *session) setStatus(new sessionStatus) {
	s.statusLock.Lock()
	defer s.statusLock.Unlock()
	if s.status == statusConnected && new == statusConnecting {
		return
	}
	if s.status == statusPendingDelete {
		return
	}
	s.status = new
}

func (s *session) touchSent(now time.Time) {
	s.statusLock.Lock()
	defer s.statusLock.Unlock()
	s.lastSent = now
}

func (s *session) touchReceived(now time.Time) {
	s.statusLock.Lock()
	defer s.statusLock.Unlock()
	s.lastReceived = now
}

func (s *session) silentSince(now time.Time) time.Duration {
	s.statusLock.Lock()
	defer s.statusLock.Unlock()
	return now.Sub(s.lastReceived)
}

func (s *session) sendSince(now time.Time) time.Duration {
	s.statusLock.Lock()
	defer s.statusLock.Unlock()
	return now.Sub(s.lastSent)
}

// sendFrame writes f to the control connection and stamps lastSent,
// keeping the keepalive bookkeeping correct for every message type.
func (s *session) sendFrame(f frame) error {
	if err := s.cp.writeFrame(f); err != nil {
		return err
	}
	s.touchSent(time.Now())
	return nil
}

// close releases the control connection and signals any running worker to
// stop. It is safe to call more than once.
func (s *session) close() {
	select {
	case <-s.doneChan:
		return
	default:
		close(s.doneChan)
	}
	if s.worker != nil {
		s.worker.stop()
	}
	if s.cp != nil {
		_ = s.cp.close()
	}
	s.wg.Wait()
}
