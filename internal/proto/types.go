package proto

// Message: on-wire unit (header + opt payload). Seq set by client, echoed by agent.
type Message struct {
	Type    MsgType
	Seq     uint32
	Payload []byte
}

// FaultCode: why the agent could not reply.
type FaultCode uint8

const (
	FaultBadFrame    FaultCode = 1 // request did not decrypt
	FaultHandler     FaultCode = 2 // job handler failed
	FaultInternal    FaultCode = 3 // reply could not be sealed
	FaultUnsupported FaultCode = 4 // unknown message type
)

func (c FaultCode) String() string {
	switch c {
	case FaultBadFrame:
		return "bad-frame"
	case FaultHandler:
		return "handler"
	case FaultInternal:
		return "internal"
	case FaultUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Fault payload: code (1 byte) + reason.
type Fault struct {
	Code   FaultCode
	Reason string
}
