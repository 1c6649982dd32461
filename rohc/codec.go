package rohc

import "sync"

// Codec is the header-compression/decompression collaborator: bytes in,
// bytes out, plus counters. The core never inspects compressed bytes, it
// only moves them between the virtual interface and the raw socket.
type Codec interface {
	// Compress takes one IP packet read from the virtual interface and
	// returns zero or more compressed packets to be packed into a
	// datagram.
	Compress(packet []byte) (compressed [][]byte, err error)
	// Decompress takes one compressed packet recovered from a datagram
	// and returns the original IP packet.
	Decompress(compressed []byte) (packet []byte, err error)
}

// nullCodec is the zero-value collaborator: it passes packets through
// unmodified. It exists so tests and tooling can exercise the worker's
// packing/depacketization logic without a real header-compression
// implementation.
type nullCodec struct{}

func (nullCodec) Compress(packet []byte) ([][]byte, error) {
	cp := make([]byte, len(packet))
	copy(cp, packet)
	return [][]byte{cp}, nil
}

func (nullCodec) Decompress(compressed []byte) ([]byte, error) {
	cp := make([]byte, len(compressed))
	copy(cp, compressed)
	return cp, nil
}

// PackingHistogram buckets the number of inner packets seen per datagram,
// indexed by (count-1), clamped at the final bucket.
type PackingHistogram [8]uint64

func (h *PackingHistogram) observe(n int) {
	idx := n - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(h) {
		idx = len(h) - 1
	}
	h[idx]++
}

// Counters is the per-tunnel statistics block snapshotted by the
// supervisor's stats-dump path.
type Counters struct {
	CompressTotal     uint64
	CompressFailed    uint64
	DecompressTotal   uint64
	DecompressFailed  uint64
	DepacketizeFailed uint64
	ReceivedTotal     uint64

	HeaderCompressedBytes   uint64
	HeaderUncompressedBytes uint64
	PacketCompressedBytes   uint64
	PacketUncompressedBytes uint64

	PackingSizes PackingHistogram
}

// counters wraps Counters with the mutex that guards it against
// concurrent snapshot and update.
type counters struct {
	mu   sync.Mutex
	snap Counters
}

func (c *counters) snapshot() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

func (c *counters) onCompress(ok bool, headerIn, headerOut, packetIn, packetOut int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap.CompressTotal++
	if !ok {
		c.snap.CompressFailed++
		return
	}
	c.snap.HeaderUncompressedBytes += uint64(headerIn)
	c.snap.HeaderCompressedBytes += uint64(headerOut)
	c.snap.PacketUncompressedBytes += uint64(packetIn)
	c.snap.PacketCompressedBytes += uint64(packetOut)
}

func (c *counters) onDecompress(ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap.DecompressTotal++
	if !ok {
		c.snap.DecompressFailed++
	}
}

func (c *counters) onDepacketizeFailed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap.DepacketizeFailed++
}

func (c *counters) onReceived(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap.ReceivedTotal++
	c.snap.PackingSizes.observe(n)
}

// StatsSink is the optional metrics-export collaborator. nullStatsSink
// is the no-op default.
type StatsSink interface {
	Observe(sessionID string, c Counters)
}

type nullStatsSink struct{}

func (nullStatsSink) Observe(string, Counters) {}
