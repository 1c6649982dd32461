package rohc

import (
	"bytes"
	"reflect"
	"testing"
)

func TestFrameEncodeReadFrameRoundTrip(t *testing.T) {
	cases := []frame{
		newConnectFrame(4),
		newConnectFrame(0),
		newKeepaliveFrame(),
		newDisconnectFrame(),
		newConnectKOFrame("no address available"),
	}

	for _, want := range cases {
		b, err := want.encode()
		if err != nil {
			t.Fatalf("encode %s: unexpected error: %v", want.op, err)
		}
		got, err := readFrame(bytes.NewReader(b))
		if err != nil {
			t.Fatalf("readFrame %s: unexpected error: %v", want.op, err)
		}
		if got.op != want.op {
			t.Errorf("op mismatch: got %s, want %s", got.op, want.op)
		}
		if !reflect.DeepEqual(got.tlvs, want.tlvs) {
			t.Errorf("tlvs mismatch: got %+v, want %+v", got.tlvs, want.tlvs)
		}
	}
}

func TestConnectOKFrameRoundTrip(t *testing.T) {
	want := TunnelParams{
		Packing:          4,
		MaxCID:           1023,
		Unidirectional:   false,
		WindowWidth:      3,
		RefreshInterval:  100,
		KeepaliveTimeout: 60,
		CodecVersion:     2,
		AssignedAddress:  [4]byte{192, 168, 99, 5},
	}

	f := newConnectOKFrame(want)
	b, err := f.encode()
	if err != nil {
		t.Fatalf("encode: unexpected error: %v", err)
	}

	decoded, err := readFrame(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("readFrame: unexpected error: %v", err)
	}

	got, err := parseConnectOKFrame(decoded)
	if err != nil {
		t.Fatalf("parseConnectOKFrame: unexpected error: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestParseConnectOKFrameRejectsOutOfRangeParams(t *testing.T) {
	f := newConnectOKFrame(TunnelParams{
		Packing:      0, // out of range, MinPacking is 1
		CodecVersion: 1,
	})
	if _, err := parseConnectOKFrame(f); err == nil {
		t.Fatal("expected validation to reject packing factor 0")
	}
}

func TestReadFrameRejectsZeroLengthBody(t *testing.T) {
	_, err := readFrame(bytes.NewReader([]byte{0x00, 0x00}))
	if err == nil {
		t.Fatal("expected an error for a zero-length frame body")
	}
}

func TestReadFrameRejectsTruncatedBody(t *testing.T) {
	_, err := readFrame(bytes.NewReader([]byte{0x00, 0x05, 0x43}))
	if err == nil {
		t.Fatal("expected an error for a truncated frame body")
	}
}

func TestConnectRequestedPacking(t *testing.T) {
	f := newConnectFrame(9)
	got, err := connectRequestedPacking(f)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 9 {
		t.Errorf("got %d, want 9", got)
	}

	f = newConnectFrame(0)
	got, err = connectRequestedPacking(f)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 0 {
		t.Errorf("got %d, want 0 (no preference)", got)
	}
}

func TestConnectKOReason(t *testing.T) {
	f := newConnectKOFrame("pool exhausted")
	if got := connectKOReason(f); got != "pool exhausted" {
		t.Errorf("got %q, want %q", got, "pool exhausted")
	}
}
