package rohc

import (
	"net"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// routerBufSize bounds a single read from the shared virtual interface or
// raw socket.
const routerBufSize = 65536

// routableSession is the narrow, router-visible view of a session slot.
// Fields are immutable after publication via registerSession (a single
// pointer swap under the table's mutex), so the router never takes the
// session's own status lock on the per-packet path.
type routableSession struct {
	localAddr net.IP // this session's assigned tunnel address (TUN match key)
	peerAddr  net.IP // this session's peer address (RAW match key)
	worker    *tunnelWorker
}

// router is the server-only demultiplexer: a published slot table plus
// the two descriptor-reading goroutines, each doing a linear scan of the
// occupied slots per packet and matching on tunnel or peer address
// depending on which descriptor the packet arrived from.
type router struct {
	logger log.Logger
	tun    TunDevice
	raw    RawSocket

	mu    sync.RWMutex
	slots []*routableSession

	doneChan chan struct{}
}

func newRouter(logger log.Logger, tun TunDevice, raw RawSocket, maxClients int) *router {
	return &router{
		logger:   logger,
		tun:      tun,
		raw:      raw,
		slots:    make([]*routableSession, maxClients),
		doneChan: make(chan struct{}),
	}
}

// registerSession publishes slot i as occupied by rs. Passing rs=nil
// unoccupies the slot (used by the supervisor when it reaps a session).
func (r *router) registerSession(i int, rs *routableSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots[i] = rs
}

func (r *router) snapshot() []*routableSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*routableSession, len(r.slots))
	copy(out, r.slots)
	return out
}

// start launches the TUN-reading and RAW-reading goroutines.
func (r *router) start() {
	go r.routeTun()
	go r.routeRaw()
}

// stop signals both reading goroutines. A read blocked in the kernel
// cannot be interrupted portably, so stop does not join them: they exit
// on the next read, or when the owning command closes the shared devices
// after the supervisor returns.
func (r *router) stop() {
	close(r.doneChan)
}

func (r *router) routeTun() {
	buf := make([]byte, routerBufSize)
	for {
		select {
		case <-r.doneChan:
			return
		default:
		}

		n, err := r.tun.Read(buf)
		if err != nil {
			level.Error(r.logger).Log("message", "tun read failed", "error", err)
			return
		}
		if n < tunDestOffset+ipAddrLen {
			continue
		}
		dest := net.IP(buf[tunDestOffset : tunDestOffset+ipAddrLen])

		pkt := make([]byte, n)
		copy(pkt, buf[:n])

		for _, s := range r.snapshot() {
			if s == nil || s.worker == nil || !s.localAddr.Equal(dest) {
				continue
			}
			if !s.worker.deliverFromTun(pkt) {
				level.Debug(r.logger).Log("message", "fake_tun pipe full, packet dropped")
			}
			break
		}
	}
}

func (r *router) routeRaw() {
	buf := make([]byte, routerBufSize)
	for {
		select {
		case <-r.doneChan:
			return
		default:
		}

		n, err := r.raw.Read(buf)
		if err != nil {
			level.Error(r.logger).Log("message", "raw read failed", "error", err)
			return
		}
		if n < rawSrcOffset+ipAddrLen {
			continue
		}
		src := net.IP(buf[rawSrcOffset : rawSrcOffset+ipAddrLen])

		pkt := make([]byte, n)
		copy(pkt, buf[:n])

		for _, s := range r.snapshot() {
			if s == nil || s.worker == nil || !s.peerAddr.Equal(src) {
				continue
			}
			if !s.worker.deliverFromRaw(pkt) {
				level.Debug(r.logger).Log("message", "fake_raw pipe full, packet dropped")
			}
			break
		}
	}
}

// addrFromBytes is a small helper kept for tests exercising the offset
// contract directly against a synthetic buffer.
func addrFromBytes(b []byte, offset int) net.IP {
	if len(b) < offset+ipAddrLen {
		return nil
	}
	var a [4]byte
	copy(a[:], b[offset:offset+ipAddrLen])
	return net.IP(a[:])
}
