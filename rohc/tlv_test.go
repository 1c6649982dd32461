package rohc

import (
	"bytes"
	"reflect"
	"testing"
)

func TestTLVEncodeDecodeRoundTrip(t *testing.T) {
	in := []tlv{
		newUint8TLV(tlvPacking, 5),
		newUint16TLV(tlvMaxCid, 1024),
		newBoolTLV(tlvUnidirectional, true),
		newStringTLV(tlvReason, "no address available"),
	}

	var buf bytes.Buffer
	for _, v := range in {
		buf.Write(v.encode())
	}

	got, err := parseTLVBuffer(buf.Bytes())
	if err != nil {
		t.Fatalf("parseTLVBuffer: unexpected error: %v", err)
	}
	if !reflect.DeepEqual(got, in) {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, in)
	}
}

func TestParseTLVBufferTruncatedHeader(t *testing.T) {
	_, err := parseTLVBuffer([]byte{byte(tlvPacking), 0x00})
	if err == nil {
		t.Fatal("expected an error for a truncated TLV header")
	}
}

func TestParseTLVBufferTruncatedValue(t *testing.T) {
	b := []byte{byte(tlvPacking), 0x00, 0x04, 0x01, 0x02}
	_, err := parseTLVBuffer(b)
	if err == nil {
		t.Fatal("expected an error for a truncated TLV value")
	}
}

func TestFindTLVHelpers(t *testing.T) {
	tlvs := []tlv{
		newUint8TLV(tlvPacking, 7),
		newUint16TLV(tlvMaxCid, 2000),
		newBoolTLV(tlvUnidirectional, true),
		newStringTLV(tlvReason, "pool exhausted"),
	}

	if v, ok, err := findUint8TLV(tlvs, tlvPacking); err != nil || !ok || v != 7 {
		t.Errorf("findUint8TLV: got (%d,%v,%v), want (7,true,nil)", v, ok, err)
	}
	if v, ok, err := findUint16TLV(tlvs, tlvMaxCid); err != nil || !ok || v != 2000 {
		t.Errorf("findUint16TLV: got (%d,%v,%v), want (2000,true,nil)", v, ok, err)
	}
	if v, ok, err := findBoolTLV(tlvs, tlvUnidirectional); err != nil || !ok || !v {
		t.Errorf("findBoolTLV: got (%v,%v,%v), want (true,true,nil)", v, ok, err)
	}
	if v, ok := findStringTLV(tlvs, tlvReason); !ok || v != "pool exhausted" {
		t.Errorf("findStringTLV: got (%q,%v), want (%q,true)", v, ok, "pool exhausted")
	}
	if _, ok, err := findUint8TLV(tlvs, tlvCodecVersion); err != nil || ok {
		t.Errorf("findUint8TLV for absent type: got (ok=%v,err=%v), want (false,nil)", ok, err)
	}
}

func TestTLVWrongSizeConversion(t *testing.T) {
	bad := tlv{typ: tlvPacking, value: []byte{1, 2, 3}}
	if _, err := bad.toUint8(); err == nil {
		t.Error("expected an error converting a 3-byte value to uint8")
	}
	if _, err := bad.toUint16(); err == nil {
		t.Error("expected an error converting a 3-byte value to uint16")
	}
}
