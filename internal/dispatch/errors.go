package dispatch

import (
	"errors"
	"fmt"

	"dev.c0redev.shadownet/internal/proto"
)

// Stage that failed.
type Stage string

const (
	StageTransport Stage = "transport"
	StageCrypto    Stage = "crypto"
	StageRemote    Stage = "remote"
)

// Ops.
const (
	OpConnect = "connect"
	OpSend    = "send"
	OpRecv    = "recv"
	OpEncrypt = "encrypt"
	OpDecrypt = "decrypt"
	OpPing    = "ping"
)

var (
	ErrTransport  = errors.New("dispatch: transport failure")
	ErrConnection = errors.New("dispatch: agent unreachable")
	ErrDecryption = errors.New("dispatch: reply did not decrypt")
	ErrRemote     = errors.New("dispatch: agent returned a fault")
	ErrTimeout    = errors.New("dispatch: timed out waiting for agent")
	ErrProtocol   = errors.New("dispatch: unexpected message from agent")
	ErrClosed     = errors.New("dispatch: client closed")
)

// Error: structured dispatch failure. errors.Is matches ErrTransport/ErrDecryption/ErrRemote/ErrConnection
// by stage and op, and the wrapped cause (crypto sentinels, ErrTimeout, net errors) via Unwrap.
type Error struct {
	Stage Stage
	Op    string
	Code  proto.FaultCode // StageRemote only
	Err   error
}

func (e *Error) Error() string {
	if e.Stage == StageRemote {
		return fmt.Sprintf("dispatch %s: agent fault %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("dispatch %s (%s): %v", e.Op, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrTransport:
		return e.Stage == StageTransport
	case ErrConnection:
		return e.Stage == StageTransport && e.Op == OpConnect
	case ErrDecryption:
		return e.Stage == StageCrypto && e.Op == OpDecrypt
	case ErrRemote:
		return e.Stage == StageRemote
	}
	return false
}

// StageOf returns the failing stage of err, "" if err is not a dispatch error.
func StageOf(err error) Stage {
	var e *Error
	if errors.As(err, &e) {
		return e.Stage
	}
	return ""
}
