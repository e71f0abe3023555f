package wire

import (
	"encoding/binary"

	"github.com/openbuildnet/smn/internal/smnerr"
)

// InitPayload is the body of a SIM_INIT frame: the global time unit
// scale (atoms per second) the node must confirm it understands.
type InitPayload struct {
	TimeUnitScale int64
}

// AckPayload is the body of a SIM_ACK frame.
type AckPayload struct {
	Status          AckStatus
	NextEventFireAt int64 // 0 if no next-event-request accompanies this ack
	HasNextEvent    bool
}

// EventPayload is the body of a SIM_EVENT frame: a node-initiated
// irregular firing request.
type EventPayload struct {
	LocalBlockID int32
	FireAt       int64
}

// ErrorPayload is the body of a SIM_ERROR frame.
type ErrorPayload struct {
	Info string
}

func encodePayload(kind Kind, payload any) ([]byte, error) {
	switch kind {
	case KindInit:
		p, ok := payload.(*InitPayload)
		if !ok {
			return nil, smnerr.ErrCodecBadFields("SIM_INIT requires *InitPayload")
		}
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, uint64(p.TimeUnitScale))
		return buf, nil

	case KindY, KindX, KindTerm, KindSysOpenPort, KindSysRequestConnect:
		return nil, nil

	case KindAck:
		p, ok := payload.(*AckPayload)
		if !ok {
			return nil, smnerr.ErrCodecBadFields("SIM_ACK requires *AckPayload")
		}
		buf := make([]byte, 10)
		buf[0] = uint8(p.Status)
		if p.HasNextEvent {
			buf[1] = 1
		}
		binary.LittleEndian.PutUint64(buf[2:], uint64(p.NextEventFireAt))
		return buf, nil

	case KindEvent:
		p, ok := payload.(*EventPayload)
		if !ok {
			return nil, smnerr.ErrCodecBadFields("SIM_EVENT requires *EventPayload")
		}
		buf := make([]byte, 12)
		binary.LittleEndian.PutUint32(buf[0:4], uint32(p.LocalBlockID))
		binary.LittleEndian.PutUint64(buf[4:], uint64(p.FireAt))
		return buf, nil

	case KindError:
		p, ok := payload.(*ErrorPayload)
		if !ok {
			return nil, smnerr.ErrCodecBadFields("SIM_ERROR requires *ErrorPayload")
		}
		return []byte(p.Info), nil

	default:
		return nil, smnerr.ErrCodecUnknownKind(uint8(kind))
	}
}

func decodePayload(kind Kind, buf []byte) (any, error) {
	switch kind {
	case KindInit:
		if len(buf) < 8 {
			return nil, smnerr.ErrCodecTruncated(len(buf), 8)
		}
		return &InitPayload{TimeUnitScale: int64(binary.LittleEndian.Uint64(buf[0:8]))}, nil

	case KindY, KindX, KindTerm, KindSysOpenPort, KindSysRequestConnect:
		return nil, nil

	case KindAck:
		if len(buf) < 10 {
			return nil, smnerr.ErrCodecTruncated(len(buf), 10)
		}
		return &AckPayload{
			Status:          AckStatus(buf[0]),
			HasNextEvent:    buf[1] != 0,
			NextEventFireAt: int64(binary.LittleEndian.Uint64(buf[2:10])),
		}, nil

	case KindEvent:
		if len(buf) < 12 {
			return nil, smnerr.ErrCodecTruncated(len(buf), 12)
		}
		return &EventPayload{
			LocalBlockID: int32(binary.LittleEndian.Uint32(buf[0:4])),
			FireAt:       int64(binary.LittleEndian.Uint64(buf[4:12])),
		}, nil

	case KindError:
		return &ErrorPayload{Info: string(buf)}, nil

	default:
		return nil, smnerr.ErrCodecUnknownKind(uint8(kind))
	}
}
