package rohc

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
)

type fakeRouterDevice struct {
	pkts chan []byte
}

func (f *fakeRouterDevice) Read(b []byte) (int, error) {
	pkt, ok := <-f.pkts
	if !ok {
		return 0, io.EOF
	}
	return copy(b, pkt), nil
}

func (f *fakeRouterDevice) Write(b []byte) (int, error) { return len(b), nil }
func (f *fakeRouterDevice) Name() string                { return "fake" }
func (f *fakeRouterDevice) WriteTo(b []byte, addr net.IP) (int, error) {
	return len(b), nil
}

func TestAddrFromBytes(t *testing.T) {
	b := make([]byte, 24)
	copy(b[20:24], net.ParseIP("192.168.99.5").To4())

	got := addrFromBytes(b, 20)
	if want := net.ParseIP("192.168.99.5"); !got.Equal(want) {
		t.Errorf("got %s, want %s", got, want)
	}

	if got := addrFromBytes(b[:10], 20); got != nil {
		t.Errorf("expected nil for a buffer shorter than offset+len, got %s", got)
	}
}

func TestRouterRoutesTunPacketToMatchingSession(t *testing.T) {
	tun := &fakeRouterDevice{pkts: make(chan []byte, 1)}
	raw := &fakeRouterDevice{pkts: make(chan []byte, 1)}

	r := newRouter(log.NewNopLogger(), tun, raw, 1)
	r.start()
	defer func() {
		close(tun.pkts)
		close(raw.pkts)
		r.stop()
	}()

	peer := net.ParseIP("10.0.0.9")
	sess := &session{remoteAddr: &net.TCPAddr{IP: peer, Port: 3126}}
	w, err := newTunnelWorker(log.NewNopLogger(), sess, TunnelParams{Packing: 1}, tun, raw, nullCodec{}, nullStatsSink{})
	if err != nil {
		t.Fatalf("newTunnelWorker: unexpected error: %v", err)
	}

	assigned := net.ParseIP("192.168.99.1").To4()
	r.registerSession(0, &routableSession{localAddr: assigned, peerAddr: peer.To4(), worker: w})

	pkt := make([]byte, tunDestOffset+ipAddrLen+8)
	copy(pkt[tunDestOffset:], assigned)
	tun.pkts <- pkt

	select {
	case got := <-w.fakeTun:
		if len(got) != len(pkt) {
			t.Errorf("got packet of length %d, want %d", len(got), len(pkt))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the router to deliver the packet to the matching worker")
	}
}

func TestRouterRoutesRawPacketToMatchingSession(t *testing.T) {
	tun := &fakeRouterDevice{pkts: make(chan []byte, 1)}
	raw := &fakeRouterDevice{pkts: make(chan []byte, 1)}

	r := newRouter(log.NewNopLogger(), tun, raw, 1)
	r.start()
	defer func() {
		close(tun.pkts)
		close(raw.pkts)
		r.stop()
	}()

	peer := net.ParseIP("10.0.0.9")
	sess := &session{remoteAddr: &net.TCPAddr{IP: peer, Port: 3126}}
	w, err := newTunnelWorker(log.NewNopLogger(), sess, TunnelParams{Packing: 1}, tun, raw, nullCodec{}, nullStatsSink{})
	if err != nil {
		t.Fatalf("newTunnelWorker: unexpected error: %v", err)
	}

	r.registerSession(0, &routableSession{localAddr: net.ParseIP("192.168.99.1").To4(), peerAddr: peer.To4(), worker: w})

	pkt := make([]byte, rawSrcOffset+ipAddrLen+8)
	copy(pkt[rawSrcOffset:], peer.To4())
	raw.pkts <- pkt

	select {
	case got := <-w.fakeRaw:
		if len(got) != len(pkt) {
			t.Errorf("got datagram of length %d, want %d", len(got), len(pkt))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the router to deliver the datagram to the matching worker")
	}
}

func TestRouterDropsUnmatchedPacket(t *testing.T) {
	tun := &fakeRouterDevice{pkts: make(chan []byte, 1)}
	raw := &fakeRouterDevice{pkts: make(chan []byte, 1)}

	r := newRouter(log.NewNopLogger(), tun, raw, 1)
	r.start()
	defer func() {
		close(tun.pkts)
		close(raw.pkts)
		r.stop()
	}()

	sess := &session{remoteAddr: &net.TCPAddr{IP: net.ParseIP("10.0.0.9"), Port: 3126}}
	w, err := newTunnelWorker(log.NewNopLogger(), sess, TunnelParams{Packing: 1}, tun, raw, nullCodec{}, nullStatsSink{})
	if err != nil {
		t.Fatalf("newTunnelWorker: unexpected error: %v", err)
	}
	r.registerSession(0, &routableSession{localAddr: net.ParseIP("192.168.99.1").To4(), peerAddr: net.ParseIP("10.0.0.9").To4(), worker: w})

	pkt := make([]byte, tunDestOffset+ipAddrLen+8)
	copy(pkt[tunDestOffset:], net.ParseIP("192.168.99.99").To4())
	tun.pkts <- pkt

	select {
	case <-w.fakeTun:
		t.Fatal("packet for an unregistered destination must not be delivered to this worker")
	case <-time.After(100 * time.Millisecond):
	}
}
