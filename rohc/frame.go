package rohc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// frameLengthPrefixLen is the size of the length prefix that precedes
// every control message on the wire. The length counts the opcode byte
// plus the TLV payload that follows it, but not the prefix itself.
const frameLengthPrefixLen = 2

// frameHeaderLen is the portion of a frame that is always present: the
// length prefix and the opcode byte.
const frameHeaderLen = frameLengthPrefixLen + 1

// maxFrameLen bounds a single control message so that a corrupt length
// prefix cannot make a reader allocate unbounded memory.
const maxFrameLen = 1<<16 - 1

// frame is a single decoded control message: an opcode plus zero or more
// TLV elements.
type frame struct {
	op   frameOpcode
	tlvs []tlv
}

func newFrame(op frameOpcode, tlvs ...tlv) frame {
	return frame{op: op, tlvs: tlvs}
}

// encode renders the frame as the bytes that go on the wire, including its
// own length prefix.
func (f frame) encode() ([]byte, error) {
	payload := make([]byte, 0, 16)
	for _, t := range f.tlvs {
		payload = append(payload, t.encode()...)
	}

	bodyLen := 1 + len(payload)
	if bodyLen > maxFrameLen {
		return nil, fmt.Errorf("frame: body too large (%d bytes)", bodyLen)
	}

	out := make([]byte, frameLengthPrefixLen+bodyLen)
	binary.BigEndian.PutUint16(out, uint16(bodyLen))
	out[frameLengthPrefixLen] = byte(f.op)
	copy(out[frameHeaderLen:], payload)
	return out, nil
}

// readFrame reads exactly one frame from r. It always consumes exactly
// the number of bytes the frame declares in its length prefix: either the
// full frame is read and returned, or an error is returned and the byte
// stream must be considered desynchronised.
func readFrame(r io.Reader) (frame, error) {
	var lenBuf [frameLengthPrefixLen]byte
	if err := readFull(r, lenBuf[:]); err != nil {
		return frame{}, err
	}
	bodyLen := binary.BigEndian.Uint16(lenBuf[:])
	if bodyLen == 0 {
		return frame{}, fmt.Errorf("frame: zero-length body")
	}

	body := make([]byte, bodyLen)
	if err := readFull(r, body); err != nil {
		return frame{}, fmt.Errorf("frame: truncated body: %w", err)
	}

	op := frameOpcode(body[0])
	tlvs, err := parseTLVBuffer(body[1:])
	if err != nil {
		return frame{}, fmt.Errorf("frame: %s: %w", op, err)
	}

	return frame{op: op, tlvs: tlvs}, nil
}

// writeFrame encodes and writes a single frame to w.
func writeFrame(w io.Writer, f frame) error {
	b, err := f.encode()
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// TunnelParams holds the tunnel parameters negotiated during connect.
type TunnelParams struct {
	Packing          uint8
	MaxCID           uint16
	Unidirectional   bool
	WindowWidth      uint16
	RefreshInterval  uint16
	KeepaliveTimeout uint16
	CodecVersion     uint8
	AssignedAddress  [4]byte
}

func (p TunnelParams) validate() error {
	if p.Packing < MinPacking || p.Packing > MaxPacking {
		return fmt.Errorf("packing factor %d out of range [%d,%d]", p.Packing, MinPacking, MaxPacking)
	}
	if p.MaxCID > MaxContextID {
		return fmt.Errorf("max cid %d exceeds %d", p.MaxCID, MaxContextID)
	}
	if p.CodecVersion < MinCodecVersion || p.CodecVersion > MaxCodecVersion {
		return fmt.Errorf("codec version %d out of range [%d,%d]", p.CodecVersion, MinCodecVersion, MaxCodecVersion)
	}
	return nil
}

// newConnectFrame builds a CONNECT message. A requestedPacking of zero
// means "no preference".
func newConnectFrame(requestedPacking uint8) frame {
	var tlvs []tlv
	if requestedPacking != 0 {
		tlvs = append(tlvs, newUint8TLV(tlvRequestedPacking, requestedPacking))
	}
	return newFrame(opConnect, tlvs...)
}

func connectRequestedPacking(f frame) (uint8, error) {
	v, ok, err := findUint8TLV(f.tlvs, tlvRequestedPacking)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return v, nil
}

// newConnectOKFrame builds a CONNECT_OK message carrying the negotiated
// tunnel parameters and the assigned tunnel address.
func newConnectOKFrame(p TunnelParams) frame {
	return newFrame(opConnectOK,
		newUint8TLV(tlvPacking, p.Packing),
		newUint16TLV(tlvMaxCid, p.MaxCID),
		newBoolTLV(tlvUnidirectional, p.Unidirectional),
		newUint16TLV(tlvWindowWidth, p.WindowWidth),
		newUint16TLV(tlvRefreshInterval, p.RefreshInterval),
		newUint16TLV(tlvKeepaliveTimeout, p.KeepaliveTimeout),
		newUint8TLV(tlvCodecVersion, p.CodecVersion),
		newTLV(tlvAssignedAddress, p.AssignedAddress[:]),
	)
}

func parseConnectOKFrame(f frame) (TunnelParams, error) {
	var p TunnelParams
	var err error

	if p.Packing, _, err = findUint8TLV(f.tlvs, tlvPacking); err != nil {
		return p, err
	}
	if p.MaxCID, _, err = findUint16TLV(f.tlvs, tlvMaxCid); err != nil {
		return p, err
	}
	if p.Unidirectional, _, err = findBoolTLV(f.tlvs, tlvUnidirectional); err != nil {
		return p, err
	}
	if p.WindowWidth, _, err = findUint16TLV(f.tlvs, tlvWindowWidth); err != nil {
		return p, err
	}
	if p.RefreshInterval, _, err = findUint16TLV(f.tlvs, tlvRefreshInterval); err != nil {
		return p, err
	}
	if p.KeepaliveTimeout, _, err = findUint16TLV(f.tlvs, tlvKeepaliveTimeout); err != nil {
		return p, err
	}
	if p.CodecVersion, _, err = findUint8TLV(f.tlvs, tlvCodecVersion); err != nil {
		return p, err
	}
	addr, ok := findTLV(f.tlvs, tlvAssignedAddress)
	if !ok || len(addr.value) != 4 {
		return p, fmt.Errorf("connect_ok: missing or malformed assigned address")
	}
	copy(p.AssignedAddress[:], addr.value)

	return p, p.validate()
}

// newConnectKOFrame builds a CONNECT_KO message carrying a human-readable
// reason string, surfaced verbatim by the client.
func newConnectKOFrame(reason string) frame {
	return newFrame(opConnectKO, newStringTLV(tlvReason, reason))
}

func connectKOReason(f frame) string {
	reason, _ := findStringTLV(f.tlvs, tlvReason)
	return reason
}

func newKeepaliveFrame() frame {
	return newFrame(opKeepalive)
}

func newDisconnectFrame() frame {
	return newFrame(opDisconnect)
}
