package mavlink

import (
	"fmt"
	"reflect"
	"strings"
	"unicode"

	"github.com/bluenviron/gomavlib/v3/pkg/dialect"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
	"github.com/bluenviron/gomavlib/v3/pkg/x25"
)

// Message ids the client acts on.
const (
	MsgIDHeartbeat         uint32 = 0
	MsgIDSysStatus         uint32 = 1
	MsgIDSetMode           uint32 = 11
	MsgIDGlobalPositionInt uint32 = 33
	MsgIDCommandLong       uint32 = 76
	MsgIDCommandAck        uint32 = 77
	MsgIDStatustext        uint32 = 253
)

// commonRW validates and decodes every message of the common dialect.
var commonRW = &dialect.ReadWriter{Dialect: common.Dialect}

var messageNames = map[uint32]string{}

func init() {
	if err := commonRW.Initialize(); err != nil {
		panic(fmt.Sprintf("common dialect: %v", err))
	}
	for _, m := range common.Dialect.Messages {
		messageNames[m.GetID()] = definitionName(m)
	}
}

// definitionName turns MessageGlobalPositionInt into GLOBAL_POSITION_INT.
func definitionName(m message.Message) string {
	name := strings.TrimPrefix(reflect.TypeOf(m).Elem().Name(), "Message")
	var b strings.Builder
	for i, r := range name {
		if i > 0 && unicode.IsUpper(r) {
			b.WriteByte('_')
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

// Typed reports whether id belongs to the common dialect, i.e. frames with
// this id are checksum-validated and decoded into a typed Payload.
func Typed(id uint32) bool {
	return commonRW.GetMessage(id) != nil
}

// MessageName returns the dialect name of id, or MSG_<id> when unknown.
func MessageName(id uint32) string {
	if name, ok := messageNames[id]; ok {
		return name
	}
	return fmt.Sprintf("MSG_%d", id)
}

func crcExtra(id uint32) (byte, bool) {
	mrw := commonRW.GetMessage(id)
	if mrw == nil {
		return 0, false
	}
	return mrw.CRCExtra(), true
}

// marshal encodes msg for the given wire version. v1 drops extension fields,
// v2 truncates trailing zeros.
func marshal(msg message.Message, v Version) (*message.MessageRaw, error) {
	mrw := commonRW.GetMessage(msg.GetID())
	if mrw == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, msg.GetID())
	}
	if reflect.TypeOf(msg) != reflect.TypeOf(mrw.Message) {
		return nil, fmt.Errorf("%T does not match %s", msg, MessageName(msg.GetID()))
	}
	return mrw.Write(msg, v == V2), nil
}

// unmarshal decodes a validated payload. v2 payloads are zero-extended, v1
// payloads must match the base length exactly.
func unmarshal(id uint32, payload []byte, v Version) (message.Message, error) {
	mrw := commonRW.GetMessage(id)
	if mrw == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, id)
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	return mrw.Read(&message.MessageRaw{ID: id, Payload: buf}, v == V2)
}

// checksum computes the frame CRC over everything after the start marker up
// to the end of the payload, seeded with the message's CRC_EXTRA.
func checksum(headerAndPayload []byte, extra byte) uint16 {
	h := x25.New()
	h.Write(headerAndPayload)
	h.Write([]byte{extra})
	return h.Sum16()
}
