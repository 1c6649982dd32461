package rohc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// tlvHeaderLen is the size in bytes of a TLV header: one type byte
// followed by a two-byte big-endian length.
const tlvHeaderLen = 3

// tlv represents a single type-length-value element carried inside a
// frame's payload.
type tlv struct {
	typ   tlvType
	value []byte
}

func newTLV(typ tlvType, value []byte) tlv {
	return tlv{typ: typ, value: value}
}

func newUint8TLV(typ tlvType, v uint8) tlv {
	return tlv{typ: typ, value: []byte{v}}
}

func newUint16TLV(typ tlvType, v uint16) tlv {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return tlv{typ: typ, value: b}
}

func newUint32TLV(typ tlvType, v uint32) tlv {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return tlv{typ: typ, value: b}
}

func newBoolTLV(typ tlvType, v bool) tlv {
	if v {
		return newUint8TLV(typ, 1)
	}
	return newUint8TLV(typ, 0)
}

func newStringTLV(typ tlvType, v string) tlv {
	return tlv{typ: typ, value: []byte(v)}
}

func (t tlv) encode() []byte {
	out := make([]byte, tlvHeaderLen+len(t.value))
	out[0] = byte(t.typ)
	binary.BigEndian.PutUint16(out[1:3], uint16(len(t.value)))
	copy(out[3:], t.value)
	return out
}

// parseTLVBuffer decodes every TLV element in b. A truncated TLV (a
// header claiming more value bytes than remain in the buffer) is a
// protocol error that ends the session.
func parseTLVBuffer(b []byte) (tlvs []tlv, err error) {
	for len(b) > 0 {
		if len(b) < tlvHeaderLen {
			return nil, fmt.Errorf("tlv: truncated header (%d bytes remain)", len(b))
		}
		typ := tlvType(b[0])
		length := binary.BigEndian.Uint16(b[1:3])
		b = b[tlvHeaderLen:]
		if int(length) > len(b) {
			return nil, fmt.Errorf("tlv: truncated value for type %d: want %d bytes, have %d", typ, length, len(b))
		}
		value := make([]byte, length)
		copy(value, b[:length])
		tlvs = append(tlvs, tlv{typ: typ, value: value})
		b = b[length:]
	}
	return tlvs, nil
}

func findTLV(tlvs []tlv, typ tlvType) (tlv, bool) {
	for _, t := range tlvs {
		if t.typ == typ {
			return t, true
		}
	}
	return tlv{}, false
}

func (t tlv) toUint8() (uint8, error) {
	if len(t.value) != 1 {
		return 0, fmt.Errorf("tlv type %d: expected 1 byte, got %d", t.typ, len(t.value))
	}
	return t.value[0], nil
}

func (t tlv) toUint16() (uint16, error) {
	if len(t.value) != 2 {
		return 0, fmt.Errorf("tlv type %d: expected 2 bytes, got %d", t.typ, len(t.value))
	}
	return binary.BigEndian.Uint16(t.value), nil
}

func (t tlv) toUint32() (uint32, error) {
	if len(t.value) != 4 {
		return 0, fmt.Errorf("tlv type %d: expected 4 bytes, got %d", t.typ, len(t.value))
	}
	return binary.BigEndian.Uint32(t.value), nil
}

func (t tlv) toBool() (bool, error) {
	v, err := t.toUint8()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

func (t tlv) toString() string {
	return string(t.value)
}

// findUint8TLV, findUint16TLV etc. look up a TLV by type and decode it,
// returning ok=false if the TLV is absent. An unknown TLV type inside a
// known message is never an error; callers simply won't find it.
func findUint8TLV(tlvs []tlv, typ tlvType) (v uint8, ok bool, err error) {
	t, found := findTLV(tlvs, typ)
	if !found {
		return 0, false, nil
	}
	v, err = t.toUint8()
	return v, true, err
}

func findUint16TLV(tlvs []tlv, typ tlvType) (v uint16, ok bool, err error) {
	t, found := findTLV(tlvs, typ)
	if !found {
		return 0, false, nil
	}
	v, err = t.toUint16()
	return v, true, err
}

func findUint32TLV(tlvs []tlv, typ tlvType) (v uint32, ok bool, err error) {
	t, found := findTLV(tlvs, typ)
	if !found {
		return 0, false, nil
	}
	v, err = t.toUint32()
	return v, true, err
}

func findBoolTLV(tlvs []tlv, typ tlvType) (v bool, ok bool, err error) {
	t, found := findTLV(tlvs, typ)
	if !found {
		return false, false, nil
	}
	v, err = t.toBool()
	return v, true, err
}

func findStringTLV(tlvs []tlv, typ tlvType) (v string, ok bool) {
	t, found := findTLV(tlvs, typ)
	if !found {
		return "", false
	}
	return t.toString(), true
}

// readFull reads exactly len(b) bytes from r so that the frame reader
// always advances the stream by exactly one encoded frame.
func readFull(r io.Reader, b []byte) error {
	_, err := io.ReadFull(r, b)
	return err
}
