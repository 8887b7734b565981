// Package mavlink implements MAVLink v1/v2 framing: an incremental parser that
// turns a byte stream into checksum-validated messages, and an encoder for the
// subset of common dialect messages a ground control client needs.
package mavlink

import (
	"fmt"

	"github.com/bluenviron/gomavlib/v3/pkg/message"
)

// Version is the wire format of a frame.
type Version uint8

const (
	V1 Version = 1
	V2 Version = 2
)

func (v Version) String() string {
	switch v {
	case V1:
		return "v1"
	case V2:
		return "v2"
	}
	return fmt.Sprintf("v?(%d)", uint8(v))
}

const (
	MagicV1 byte = 0xFE
	MagicV2 byte = 0xFD

	// header bytes following the start marker
	headerLenV1 = 5
	headerLenV2 = 9
	checksumLen = 2

	// OverheadV1 and OverheadV2 are the non-payload bytes of an unsigned frame
	OverheadV1 = 1 + headerLenV1 + checksumLen
	OverheadV2 = 1 + headerLenV2 + checksumLen

	SignatureLen = 13

	// IncompatSigned marks a v2 frame carrying a trailing signature
	IncompatSigned byte = 0x01

	MaxPayloadLen = 255
)

// Identity addresses a MAVLink node.
type Identity struct {
	SystemID    uint8 `json:"systemId"`
	ComponentID uint8 `json:"componentId"`
}

func (i Identity) String() string {
	return fmt.Sprintf("%d/%d", i.SystemID, i.ComponentID)
}

// DefaultTarget is where commands go before a peer heartbeat has been seen.
var DefaultTarget = Identity{SystemID: 1, ComponentID: 1}

// Message is a frame that passed checksum validation.
type Message struct {
	Version     Version
	Sequence    uint8
	SystemID    uint8
	ComponentID uint8
	ID          uint32

	// Payload is the decoded common dialect message.
	Payload message.Message

	// Raw is the payload exactly as it appeared on the wire.
	Raw []byte
}

// Source returns the sender identity.
func (m *Message) Source() Identity {
	return Identity{SystemID: m.SystemID, ComponentID: m.ComponentID}
}

// Name returns the message name, e.g. HEARTBEAT.
func (m *Message) Name() string {
	return MessageName(m.ID)
}

func (m *Message) String() string {
	return fmt.Sprintf("%s(%d) %s seq=%d from %d/%d",
		m.Name(), m.ID, m.Version, m.Sequence, m.SystemID, m.ComponentID)
}
