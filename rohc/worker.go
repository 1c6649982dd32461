package rohc

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// pipeDepth is the buffer depth of the two unidirectional session pipes.
// The router drops a packet once a pipe fills rather than blocking on
// behalf of one slow session.
const pipeDepth = 64

// flushInterval bounds how long a partially-filled outbound batch waits
// for the packing factor to be reached before it is flushed anyway.
const flushInterval = 20 * time.Millisecond

// tunnelWorker is the per-session data plane. It owns two pipes fed by
// the router (see router.go): fakeTun carries plaintext packets read from
// the virtual interface that need compressing and sending out over the
// wire; fakeRaw carries datagrams read from the raw socket that need
// depacketizing and decompressing onto the virtual interface.
type tunnelWorker struct {
	logger log.Logger
	sess   *session

	tun   TunDevice
	raw   RawSocket
	codec Codec
	stats StatsSink

	fakeTun chan []byte
	fakeRaw chan []byte

	counters counters

	doneChan chan struct{}
}

func newTunnelWorker(logger log.Logger, sess *session, params TunnelParams, tun TunDevice, raw RawSocket, codec Codec, stats StatsSink) (*tunnelWorker, error) {
	if codec == nil {
		codec = nullCodec{}
	}
	if stats == nil {
		stats = nullStatsSink{}
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if sess.remoteAddr == nil {
		return nil, fmt.Errorf("worker: session has no remote address")
	}

	w := &tunnelWorker{
		logger:   logger,
		sess:     sess,
		tun:      tun,
		raw:      raw,
		codec:    codec,
		stats:    stats,
		fakeTun:  make(chan []byte, pipeDepth),
		fakeRaw:  make(chan []byte, pipeDepth),
		doneChan: make(chan struct{}),
	}
	return w, nil
}

// start launches the worker's two direction goroutines. A client worker
// also starts two feeder goroutines reading its private tun device and
// raw socket; on the server the router performs those reads on behalf of
// every worker.
func (w *tunnelWorker) start() {
	w.sess.wg.Add(2)
	go w.runOutbound()
	go w.runInbound()
	if w.sess.role == roleClient {
		go w.feedFromTun()
		go w.feedFromRaw()
	}
}

// stop signals both direction goroutines to exit. It does not close the
// shared virtual interface or raw socket, which the worker only
// borrows.
func (w *tunnelWorker) stop() {
	select {
	case <-w.doneChan:
	default:
		close(w.doneChan)
	}
}

// deliverFromTun is called by the router (router.go) to hand this worker
// a packet read from the virtual interface. A full pipe drops the packet
// and reports false so the router can log the overrun.
func (w *tunnelWorker) deliverFromTun(b []byte) bool {
	select {
	case w.fakeTun <- b:
		return true
	default:
		return false
	}
}

func (w *tunnelWorker) deliverFromRaw(b []byte) bool {
	select {
	case w.fakeRaw <- b:
		return true
	default:
		return false
	}
}

// runOutbound reads plaintext packets off fakeTun, compresses them, batches
// the compressed results up to the negotiated packing factor (or until
// flushInterval elapses) and writes one datagram per batch to the raw
// socket.
func (w *tunnelWorker) runOutbound() {
	defer w.sess.wg.Done()

	packing := int(w.sess.params.Packing)
	if packing < 1 {
		packing = 1
	}

	batch := make([][]byte, 0, packing)
	flush := time.NewTimer(flushInterval)
	defer flush.Stop()

	sendBatch := func() {
		if len(batch) == 0 {
			return
		}
		dgram := packetizeBatch(batch)
		if _, err := w.raw.WriteTo(dgram, w.sess.remoteAddrIP()); err != nil {
			level.Error(w.logger).Log("message", "raw write failed", "error", err)
			w.sess.setStatus(statusPendingDelete)
		}
		batch = batch[:0]
		if !flush.Stop() {
			select {
			case <-flush.C:
			default:
			}
		}
		flush.Reset(flushInterval)
	}

	for {
		select {
		case <-w.doneChan:
			return
		case <-w.sess.doneChan:
			return

		case pkt, ok := <-w.fakeTun:
			if !ok {
				return
			}
			compressed, err := w.codec.Compress(pkt)
			if err != nil {
				w.counters.onCompress(false, 0, 0, 0, 0)
				continue
			}
			for _, c := range compressed {
				w.counters.onCompress(true, len(pkt), len(c), len(pkt), len(c))
				batch = append(batch, c)
				if len(batch) >= packing {
					sendBatch()
				}
			}

		case <-flush.C:
			sendBatch()
			flush.Reset(flushInterval)
		}
	}
}

// runInbound reads datagrams off fakeRaw, depacketizes them into one or
// more compressed inner packets and decompresses each onto the virtual
// interface. A decompression failure only increments a counter; a
// depacketization failure discards the remainder of that datagram.
func (w *tunnelWorker) runInbound() {
	defer w.sess.wg.Done()
	// final snapshot for the metrics sink once the tunnel ends
	defer func() {
		w.stats.Observe(w.sess.remoteAddr.String(), w.counters.snapshot())
	}()

	for {
		select {
		case <-w.doneChan:
			return
		case <-w.sess.doneChan:
			return

		case dgram, ok := <-w.fakeRaw:
			if !ok {
				return
			}
			payload, err := stripOuterIPHeader(dgram)
			if err != nil {
				w.counters.onDepacketizeFailed()
				continue
			}
			packets, err := depacketizeBatch(payload)
			if err != nil {
				w.counters.onDepacketizeFailed()
				continue
			}
			w.counters.onReceived(len(packets))
			for _, c := range packets {
				pkt, err := w.codec.Decompress(c)
				if err != nil {
					w.counters.onDecompress(false)
					continue
				}
				w.counters.onDecompress(true)
				if _, err := w.tun.Write(pkt); err != nil {
					level.Error(w.logger).Log("message", "tun write failed", "error", err)
				}
			}
		}
	}
}

// packetizeBatch frames a batch of compressed packets as a single datagram:
// each element is preceded by a two-byte big-endian length, in order.
func packetizeBatch(batch [][]byte) []byte {
	size := 0
	for _, p := range batch {
		size += 2 + len(p)
	}
	out := make([]byte, 0, size)
	for _, p := range batch {
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(p)))
		out = append(out, lenBuf[:]...)
		out = append(out, p...)
	}
	return out
}

// depacketizeBatch reverses packetizeBatch. A truncated length prefix or
// a zero-length element is a depacketization failure that discards the
// remainder of the datagram.
func depacketizeBatch(dgram []byte) ([][]byte, error) {
	var out [][]byte
	for len(dgram) > 0 {
		if len(dgram) < 2 {
			return nil, fmt.Errorf("worker: truncated packet length prefix")
		}
		n := binary.BigEndian.Uint16(dgram[:2])
		dgram = dgram[2:]
		if n == 0 {
			return nil, fmt.Errorf("worker: zero-length packet element")
		}
		if int(n) > len(dgram) {
			return nil, fmt.Errorf("worker: truncated packet element: want %d, have %d", n, len(dgram))
		}
		out = append(out, dgram[:n])
		dgram = dgram[n:]
	}
	return out, nil
}

// stripOuterIPHeader removes the outer IPv4 header a raw socket read
// delivers ahead of the datagram payload. The kernel prepends the header
// on receive only; sends through WriteTo carry the payload alone.
func stripOuterIPHeader(dgram []byte) ([]byte, error) {
	if len(dgram) < 20 {
		return nil, fmt.Errorf("worker: datagram shorter than an IPv4 header")
	}
	if dgram[0]>>4 != 4 {
		return nil, fmt.Errorf("worker: outer header is not IPv4")
	}
	ihl := int(dgram[0]&0x0f) * 4
	if ihl < 20 || ihl > len(dgram) {
		return nil, fmt.Errorf("worker: bad outer header length %d", ihl)
	}
	return dgram[ihl:], nil
}

// feedFromTun reads packets from the client's private tun device into the
// outbound direction. The read blocks in the kernel and cannot be
// interrupted by doneChan, so the goroutine is not joined: it exits when
// the device read fails, which the owning command arranges by closing the
// device after the session ends.
func (w *tunnelWorker) feedFromTun() {
	buf := make([]byte, routerBufSize)
	for {
		n, err := w.tun.Read(buf)
		if err != nil {
			return
		}
		select {
		case <-w.doneChan:
			return
		case <-w.sess.doneChan:
			return
		default:
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		w.deliverFromTun(pkt)
	}
}

// feedFromRaw reads datagrams from the client's raw socket into the
// inbound direction, accepting only those whose outer source address is
// the server. Everything else on the IPIP protocol is someone else's
// traffic.
func (w *tunnelWorker) feedFromRaw() {
	peer := w.sess.remoteAddrIP()
	buf := make([]byte, routerBufSize)
	for {
		n, err := w.raw.Read(buf)
		if err != nil {
			return
		}
		select {
		case <-w.doneChan:
			return
		case <-w.sess.doneChan:
			return
		default:
		}
		if n < rawSrcOffset+ipAddrLen {
			continue
		}
		if !peer.Equal(net.IP(buf[rawSrcOffset : rawSrcOffset+ipAddrLen])) {
			continue
		}
		dgram := make([]byte, n)
		copy(dgram, buf[:n])
		w.deliverFromRaw(dgram)
	}
}
