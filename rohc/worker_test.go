package rohc

import (
	"net"
	"reflect"
	"testing"
	"time"
)

func TestPacketizeDepacketizeRoundTrip(t *testing.T) {
	batch := [][]byte{
		{0x01, 0x02, 0x03},
		{0x04},
		{0x05, 0x06, 0x07, 0x08, 0x09},
	}
	dgram := packetizeBatch(batch)
	got, err := depacketizeBatch(dgram)
	if err != nil {
		t.Fatalf("depacketizeBatch: unexpected error: %v", err)
	}
	if !reflect.DeepEqual(got, batch) {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, batch)
	}
}

func TestDepacketizeBatchRejectsTruncatedLengthPrefix(t *testing.T) {
	if _, err := depacketizeBatch([]byte{0x00}); err == nil {
		t.Fatal("expected an error for a truncated length prefix")
	}
}

func TestDepacketizeBatchRejectsZeroLengthElement(t *testing.T) {
	if _, err := depacketizeBatch([]byte{0x00, 0x00}); err == nil {
		t.Fatal("expected an error for a zero-length packet element")
	}
}

func TestDepacketizeBatchRejectsTruncatedElement(t *testing.T) {
	if _, err := depacketizeBatch([]byte{0x00, 0x05, 0x01, 0x02}); err == nil {
		t.Fatal("expected an error for a truncated packet element")
	}
}

func TestPackingHistogramClampsBuckets(t *testing.T) {
	var h PackingHistogram
	h.observe(1)
	h.observe(8)
	h.observe(100) // must clamp into the final bucket, not panic or wrap

	if h[0] != 1 {
		t.Errorf("bucket 0: got %d, want 1", h[0])
	}
	if h[len(h)-1] != 2 {
		t.Errorf("final bucket: got %d, want 2", h[len(h)-1])
	}
}

func TestCountersOnCompress(t *testing.T) {
	var c counters
	c.onCompress(true, 40, 4, 40, 4)
	c.onCompress(false, 0, 0, 0, 0)

	snap := c.snapshot()
	if snap.CompressTotal != 2 {
		t.Errorf("CompressTotal: got %d, want 2", snap.CompressTotal)
	}
	if snap.CompressFailed != 1 {
		t.Errorf("CompressFailed: got %d, want 1", snap.CompressFailed)
	}
	if snap.HeaderUncompressedBytes != 40 || snap.HeaderCompressedBytes != 4 {
		t.Errorf("header byte counters not updated: %+v", snap)
	}
}

func TestCountersOnDecompressAndDepacketizeFailed(t *testing.T) {
	var c counters
	c.onDecompress(true)
	c.onDecompress(false)
	c.onDepacketizeFailed()

	snap := c.snapshot()
	if snap.DecompressTotal != 2 || snap.DecompressFailed != 1 {
		t.Errorf("got %+v, want DecompressTotal=2 DecompressFailed=1", snap)
	}
	if snap.DepacketizeFailed != 1 {
		t.Errorf("DepacketizeFailed: got %d, want 1", snap.DepacketizeFailed)
	}
}

func TestNewTunnelWorkerRequiresRemoteAddr(t *testing.T) {
	sess := &session{}
	if _, err := newTunnelWorker(nil, sess, TunnelParams{}, nil, nil, nil, nil); err == nil {
		t.Fatal("expected an error when the session has no remote address")
	}
}

func TestTunnelWorkerDeliverDropsWhenPipeFull(t *testing.T) {
	sess := &session{remoteAddr: &fakeAddr{}}
	w, err := newTunnelWorker(nil, sess, TunnelParams{Packing: 1}, nil, nil, nullCodec{}, nullStatsSink{})
	if err != nil {
		t.Fatalf("newTunnelWorker: unexpected error: %v", err)
	}
	for i := 0; i < pipeDepth; i++ {
		if !w.deliverFromTun([]byte{byte(i)}) {
			t.Fatalf("delivery %d: expected pipe to accept packet", i)
		}
	}
	if w.deliverFromTun([]byte{0xff}) {
		t.Fatal("expected delivery to a full pipe to report failure")
	}
}

type fakeAddr struct{}

func (fakeAddr) Network() string { return "tcp" }
func (fakeAddr) String() string  { return "10.0.0.1:3126" }

func TestNullCodecPassesThroughUnmodified(t *testing.T) {
	in := []byte{1, 2, 3, 4}
	c := nullCodec{}

	compressed, err := c.Compress(in)
	if err != nil || len(compressed) != 1 || !reflect.DeepEqual(compressed[0], in) {
		t.Fatalf("Compress: got (%+v,%v), want ([%v],nil)", compressed, err, in)
	}

	decompressed, err := c.Decompress(compressed[0])
	if err != nil || !reflect.DeepEqual(decompressed, in) {
		t.Fatalf("Decompress: got (%+v,%v), want (%v,nil)", decompressed, err, in)
	}
}

func TestStripOuterIPHeader(t *testing.T) {
	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	dgram := make([]byte, 20+len(payload))
	dgram[0] = 0x45
	copy(dgram[20:], payload)

	got, err := stripOuterIPHeader(dgram)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(got, payload) {
		t.Errorf("got %v, want %v", got, payload)
	}

	if _, err := stripOuterIPHeader(dgram[:10]); err == nil {
		t.Error("expected an error for a datagram shorter than an IPv4 header")
	}

	dgram[0] = 0x65
	if _, err := stripOuterIPHeader(dgram); err == nil {
		t.Error("expected an error for a non-IPv4 outer header")
	}

	dgram[0] = 0x4f // IHL 60 exceeds the datagram
	if _, err := stripOuterIPHeader(dgram[:24]); err == nil {
		t.Error("expected an error for an IHL overrunning the datagram")
	}
}

// recordingTun captures packets the worker writes towards the virtual
// interface.
type recordingTun struct {
	writes chan []byte
}

func (r *recordingTun) Read(b []byte) (int, error) { select {} }
func (r *recordingTun) Write(b []byte) (int, error) {
	cp := make([]byte, len(b))
	copy(cp, b)
	r.writes <- cp
	return len(b), nil
}
func (r *recordingTun) Name() string { return "rec0" }

// recordingRaw captures datagrams the worker sends towards the wire.
type recordingRaw struct {
	sends chan []byte
}

func (r *recordingRaw) Read(b []byte) (int, error) { select {} }
func (r *recordingRaw) Write(b []byte) (int, error) { return len(b), nil }
func (r *recordingRaw) WriteTo(b []byte, addr net.IP) (int, error) {
	cp := make([]byte, len(b))
	copy(cp, b)
	r.sends <- cp
	return len(b), nil
}

func TestWorkerInboundWritesDecompressedPacketsToTun(t *testing.T) {
	tun := &recordingTun{writes: make(chan []byte, 4)}
	sess := &session{
		role:       roleServer,
		remoteAddr: &net.TCPAddr{IP: net.ParseIP("10.0.0.9"), Port: 3126},
		doneChan:   make(chan struct{}),
	}
	w, err := newTunnelWorker(nil, sess, TunnelParams{Packing: 2}, tun, &recordingRaw{}, nullCodec{}, nullStatsSink{})
	if err != nil {
		t.Fatalf("newTunnelWorker: unexpected error: %v", err)
	}

	sess.wg.Add(1)
	go w.runInbound()
	defer func() {
		w.stop()
		sess.wg.Wait()
	}()

	inner := [][]byte{{0x01, 0x02}, {0x03, 0x04, 0x05}}
	payload := packetizeBatch(inner)
	dgram := make([]byte, 20+len(payload))
	dgram[0] = 0x45
	copy(dgram[20:], payload)

	if !w.deliverFromRaw(dgram) {
		t.Fatal("deliverFromRaw: pipe unexpectedly full")
	}

	for _, want := range inner {
		select {
		case got := <-tun.writes:
			if !reflect.DeepEqual(got, want) {
				t.Errorf("tun write: got %v, want %v", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for the worker to write to the tun device")
		}
	}

	snap := w.counters.snapshot()
	if snap.ReceivedTotal != 1 {
		t.Errorf("ReceivedTotal: got %d, want 1", snap.ReceivedTotal)
	}
	if snap.DecompressTotal != 2 {
		t.Errorf("DecompressTotal: got %d, want 2", snap.DecompressTotal)
	}
	if snap.PackingSizes[1] != 1 {
		t.Errorf("packing histogram bucket for 2 packets: got %d, want 1", snap.PackingSizes[1])
	}
}

func TestWorkerOutboundBatchesUpToPackingFactor(t *testing.T) {
	raw := &recordingRaw{sends: make(chan []byte, 4)}
	sess := &session{
		role:       roleServer,
		remoteAddr: &net.TCPAddr{IP: net.ParseIP("10.0.0.9"), Port: 3126},
		doneChan:   make(chan struct{}),
	}
	w, err := newTunnelWorker(nil, sess, TunnelParams{Packing: 2}, &recordingTun{}, raw, nullCodec{}, nullStatsSink{})
	if err != nil {
		t.Fatalf("newTunnelWorker: unexpected error: %v", err)
	}
	sess.params = TunnelParams{Packing: 2}

	sess.wg.Add(1)
	go w.runOutbound()
	defer func() {
		w.stop()
		sess.wg.Wait()
	}()

	first := []byte{0x11, 0x22}
	second := []byte{0x33}
	w.deliverFromTun(first)
	w.deliverFromTun(second)

	select {
	case got := <-raw.sends:
		want := packetizeBatch([][]byte{first, second})
		if !reflect.DeepEqual(got, want) {
			t.Errorf("datagram: got %v, want %v", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the worker to send the packed datagram")
	}
}
