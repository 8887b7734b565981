package mavlink

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bluenviron/gomavlib/v3/pkg/message"
)

// ErrUnknownMessage is returned for ids outside the common dialect.
var ErrUnknownMessage = errors.New("message id not in dialect")

// Encoder serializes messages from one source identity, numbering frames with
// a wrapping 8-bit sequence counter. It is safe for concurrent use.
type Encoder struct {
	source  Identity
	version Version

	mu  sync.Mutex
	seq uint8
}

// NewEncoder creates an encoder writing frames of the given version.
func NewEncoder(source Identity, version Version) *Encoder {
	if version != V1 {
		version = V2
	}
	return &Encoder{source: source, version: version}
}

// Encode serializes msg into a complete frame.
func (e *Encoder) Encode(msg message.Message) ([]byte, error) {
	raw, err := marshal(msg, e.version)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	seq := e.seq
	e.seq++
	e.mu.Unlock()

	return buildFrame(e.version, seq, e.source, raw)
}

// EncodeFrame serializes m using its own version, sequence and source. The
// typed Payload is used when set, Raw otherwise.
func EncodeFrame(m *Message) ([]byte, error) {
	raw := &message.MessageRaw{ID: m.ID, Payload: m.Raw}
	if m.Payload != nil {
		if m.Payload.GetID() != m.ID {
			return nil, fmt.Errorf("payload id %d does not match frame id %d", m.Payload.GetID(), m.ID)
		}
		var err error
		if raw, err = marshal(m.Payload, m.Version); err != nil {
			return nil, err
		}
	}
	return buildFrame(m.Version, m.Sequence, m.Source(), raw)
}

func buildFrame(v Version, seq uint8, src Identity, raw *message.MessageRaw) ([]byte, error) {
	id, payload := raw.ID, raw.Payload
	extra, ok := crcExtra(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, id)
	}

	if len(payload) > MaxPayloadLen {
		return nil, fmt.Errorf("payload too long: %d", len(payload))
	}

	var frame []byte
	switch v {
	case V1:
		if id > 0xFF {
			return nil, fmt.Errorf("message id %d does not fit a v1 frame", id)
		}
		frame = make([]byte, 0, OverheadV1+len(payload))
		frame = append(frame, MagicV1, byte(len(payload)), seq, src.SystemID, src.ComponentID, byte(id))

	case V2:
		frame = make([]byte, 0, OverheadV2+len(payload))
		frame = append(frame, MagicV2, byte(len(payload)), 0, 0, seq, src.SystemID, src.ComponentID,
			byte(id), byte(id>>8), byte(id>>16))

	default:
		return nil, fmt.Errorf("unsupported version %s", v)
	}

	frame = append(frame, payload...)
	crc := checksum(frame[1:], extra)
	return append(frame, byte(crc), byte(crc>>8)), nil
}
