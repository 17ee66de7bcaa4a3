package proto

import (
	"encoding/binary"
	"errors"
	"io"
)

var ErrInvalidFrame = errors.New("invalid frame")

// EncodeMessage writes 9-byte header + payload to w in one write (payload opt).
func EncodeMessage(w io.Writer, m *Message) error {
	if len(m.Payload) > MaxPayloadSize {
		return errors.New("payload too large")
	}
	buf := make([]byte, HeaderSize+len(m.Payload))
	buf[0] = byte(m.Type)
	binary.LittleEndian.PutUint32(buf[1:5], m.Seq)
	binary.LittleEndian.PutUint32(buf[5:9], uint32(len(m.Payload)))
	copy(buf[HeaderSize:], m.Payload)
	_, err := w.Write(buf)
	return err
}

// DecodeMessage reads one message; payloadBuf opt (nil = alloc). EOF before header = io.EOF.
func DecodeMessage(r io.Reader, payloadBuf []byte) (*Message, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, ErrInvalidFrame
		}
		return nil, err
	}
	mt := MsgType(header[0])
	seq := binary.LittleEndian.Uint32(header[1:5])
	length := binary.LittleEndian.Uint32(header[5:9])
	var payload []byte
	if length > 0 {
		if length > MaxPayloadSize {
			return nil, ErrInvalidFrame
		}
		if payloadBuf != nil && cap(payloadBuf) >= int(length) {
			payload = payloadBuf[:length]
		} else {
			payload = make([]byte, length)
		}
		if _, err := io.ReadFull(r, payload); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, ErrInvalidFrame
			}
			return nil, err
		}
	}
	return &Message{Type: mt, Seq: seq, Payload: payload}, nil
}

// EncodeFault serializes Fault; reason truncated to MaxReasonSize.
func EncodeFault(f *Fault) []byte {
	reason := f.Reason
	if len(reason) > MaxReasonSize {
		reason = reason[:MaxReasonSize]
	}
	b := make([]byte, 0, 1+len(reason))
	b = append(b, byte(f.Code))
	return append(b, reason...)
}

// DecodeFault parses payload -> Fault.
func DecodeFault(payload []byte) (*Fault, error) {
	if len(payload) < 1 || len(payload) > 1+MaxReasonSize {
		return nil, ErrInvalidFrame
	}
	return &Fault{Code: FaultCode(payload[0]), Reason: string(payload[1:])}, nil
}
