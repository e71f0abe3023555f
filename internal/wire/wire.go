// Package wire implements the SMN's length-prefixed frame codec. Frames
// carry no schema-version field; the header layout below is the only
// one Decode accepts. It is hand-rolled binary framing in the style of the
// teacher's fixed-layout records (see DESIGN.md) rather than a
// generated-schema codec: the frame shape is small, fixed, and known at
// compile time, so there is nothing a schema compiler buys here.
package wire

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/openbuildnet/smn/internal/smnerr"
)

// Kind enumerates the top-level message types, matching the enum
// values of the wire protocol exactly.
type Kind uint8

const (
	KindInit Kind = 0
	KindY    Kind = 1
	KindX    Kind = 2
	KindAck  Kind = 3
	KindEvent Kind = 4
	KindTerm Kind = 5
	KindError Kind = 6
	KindSysOpenPort Kind = 7
	KindSysRequestConnect Kind = 8
)

func (k Kind) valid() bool {
	return k <= KindSysRequestConnect
}

func (k Kind) String() string {
	switch k {
	case KindInit:
		return "SIM_INIT"
	case KindY:
		return "SIM_Y"
	case KindX:
		return "SIM_X"
	case KindAck:
		return "SIM_ACK"
	case KindEvent:
		return "SIM_EVENT"
	case KindTerm:
		return "SIM_TERM"
	case KindError:
		return "SIM_ERROR"
	case KindSysOpenPort:
		return "SYS_OPENPORT"
	case KindSysRequestConnect:
		return "SYS_REQUEST_CONNECT"
	default:
		return "UNKNOWN"
	}
}

// AckStatus is the status code carried in a SIM_ACK payload.
type AckStatus uint8

const (
	AckOK      AckStatus = 0
	AckRejected AckStatus = 1
)

// Frame is the decoded, in-memory form of a wire message. Payload holds
// the kind-specific fields already parsed into a Go value (see
// payload.go); it is nil for kinds with no payload (SIM_TERM).
type Frame struct {
	Kind    Kind
	SimTime int64
	NodeID  int32
	Mask    uint64
	Payload any
}

// headerSize is the fixed portion common to every frame: msg_type(1) +
// sim_time(8) + node_id(4) + mask(8).
const headerSize = 1 + 8 + 4 + 8

// trailerSize is the CRC32 checksum appended after the payload.
const trailerSize = 4

// Encode serializes f into a length-prefixed frame: a uint32 LE total
// length, followed by the fixed header, the kind-specific payload, and
// a CRC32 trailer over everything preceding it.
func Encode(f *Frame) ([]byte, error) {
	if !f.Kind.valid() {
		return nil, smnerr.ErrCodecUnknownKind(uint8(f.Kind))
	}
	payload, err := encodePayload(f.Kind, f.Payload)
	if err != nil {
		return nil, err
	}

	body := make([]byte, headerSize+len(payload))
	body[0] = uint8(f.Kind)
	binary.LittleEndian.PutUint64(body[1:9], uint64(f.SimTime))
	binary.LittleEndian.PutUint32(body[9:13], uint32(f.NodeID))
	binary.LittleEndian.PutUint64(body[13:21], f.Mask)
	copy(body[headerSize:], payload)

	checksum := crc32.ChecksumIEEE(body)

	out := make([]byte, 4+len(body)+trailerSize)
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(body)+trailerSize))
	copy(out[4:], body)
	binary.LittleEndian.PutUint32(out[4+len(body):], checksum)
	return out, nil
}

// Decode parses a single length-prefixed frame from buf, which must
// contain exactly one frame's length prefix plus body (the transport
// layer is responsible for splitting a byte stream on the length
// prefix before calling Decode).
func Decode(buf []byte) (*Frame, error) {
	if len(buf) < 4 {
		return nil, smnerr.ErrCodecTruncated(len(buf), 4)
	}
	frameLen := int(binary.LittleEndian.Uint32(buf[0:4]))
	if len(buf) < 4+frameLen {
		return nil, smnerr.ErrCodecTruncated(len(buf), 4+frameLen)
	}
	body := buf[4 : 4+frameLen]
	if len(body) < trailerSize {
		return nil, smnerr.ErrCodecTruncated(len(body), trailerSize)
	}
	payload := body[:len(body)-trailerSize]
	wantChecksum := binary.LittleEndian.Uint32(body[len(body)-trailerSize:])
	if got := crc32.ChecksumIEEE(payload); got != wantChecksum {
		return nil, smnerr.ErrCodecBadFields("checksum mismatch")
	}
	if len(payload) < headerSize {
		return nil, smnerr.ErrCodecTruncated(len(payload), headerSize)
	}

	kind := Kind(payload[0])
	if !kind.valid() {
		return nil, smnerr.ErrCodecUnknownKind(uint8(kind))
	}

	f := &Frame{
		Kind:    kind,
		SimTime: int64(binary.LittleEndian.Uint64(payload[1:9])),
		NodeID:  int32(binary.LittleEndian.Uint32(payload[9:13])),
		Mask:    binary.LittleEndian.Uint64(payload[13:21]),
	}

	decoded, err := decodePayload(kind, payload[headerSize:])
	if err != nil {
		return nil, err
	}
	f.Payload = decoded
	return f, nil
}

// FrameLen returns the total byte length (including the 4-byte length
// prefix) the next complete frame at the start of buf would occupy, or
// -1 if buf does not yet contain a full length prefix.
func FrameLen(buf []byte) int {
	if len(buf) < 4 {
		return -1
	}
	return 4 + int(binary.LittleEndian.Uint32(buf[0:4]))
}
