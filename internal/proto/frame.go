package proto

// MsgType: 1-byte type on wire.
type MsgType uint8

const (
	TypeRequest MsgType = 0x01 // payload: encrypted job frame
	TypeReply   MsgType = 0x02 // payload: encrypted reply frame
	TypePing    MsgType = 0x03
	TypePong    MsgType = 0x04
	TypeFault   MsgType = 0x05 // payload: code(1) + reason, not encrypted
)

func (t MsgType) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeReply:
		return "reply"
	case TypePing:
		return "ping"
	case TypePong:
		return "pong"
	case TypeFault:
		return "fault"
	default:
		return "unknown"
	}
}

// HeaderSize: 1 + 4 + 4 = 9 bytes (type, seq, length).
const HeaderSize = 9

// MaxPayloadSize 16MiB.
const MaxPayloadSize = 1024 * 1024 * 16

// MaxReasonSize caps fault reason text.
const MaxReasonSize = 1024
