// Package protocol implements the wire framing shared by clients, workers,
// and the head controller: a fixed 17-byte header followed by a
// type-specific payload, all big-endian.
package protocol

import (
	"encoding/binary"
	"time"
)

// MessageType identifies the kind of datagram carried by a Message.
type MessageType uint8

const (
	TypeHeartbeat MessageType = 0x01
	TypeTask      MessageType = 0x02
	TypeResult    MessageType = 0x03
	TypeChunk     MessageType = 0x04
	TypeHealth    MessageType = 0x05
	TypeError     MessageType = 0xFF
)

func (t MessageType) String() string {
	switch t {
	case TypeHeartbeat:
		return "HEARTBEAT"
	case TypeTask:
		return "TASK"
	case TypeResult:
		return "RESULT"
	case TypeChunk:
		return "CHUNK"
	case TypeHealth:
		return "HEALTH"
	case TypeError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// HeaderSize is the fixed size, in bytes, of every Message header:
// type(1) + sequence(4) + timestamp(8) + length(4).
const HeaderSize = 17

// Message is a single framed datagram.
type Message struct {
	Type      MessageType
	Sequence  uint32
	Timestamp uint64 // microseconds since Unix epoch
	Payload   []byte
}

// CurrentTimestampMicros returns the wall clock in microseconds since the
// Unix epoch, the unit every Message.Timestamp field is expressed in.
func CurrentTimestampMicros() uint64 {
	return uint64(time.Now().UnixMicro())
}

// New builds a Message carrying the current wall-clock timestamp.
func New(msgType MessageType, sequence uint32, payload []byte) Message {
	return Message{
		Type:      msgType,
		Sequence:  sequence,
		Timestamp: CurrentTimestampMicros(),
		Payload:   payload,
	}
}

// Encode serializes a Message into its wire representation: header first,
// big-endian packed, then the payload bytes verbatim. Encoding never fails.
func Encode(m Message) []byte {
	buf := make([]byte, HeaderSize+len(m.Payload))
	buf[0] = byte(m.Type)
	binary.BigEndian.PutUint32(buf[1:5], m.Sequence)
	binary.BigEndian.PutUint64(buf[5:13], m.Timestamp)
	binary.BigEndian.PutUint32(buf[13:17], uint32(len(m.Payload)))
	copy(buf[HeaderSize:], m.Payload)
	return buf
}

// Decode parses a Message out of data. It returns false if data is shorter
// than HeaderSize, or if the declared payload length would read past the
// end of data — both are treated as a silently discarded malformed
// datagram, never an error the caller must handle.
func Decode(data []byte) (Message, bool) {
	if len(data) < HeaderSize {
		return Message{}, false
	}

	length := binary.BigEndian.Uint32(data[13:17])
	if uint64(len(data)-HeaderSize) < uint64(length) {
		return Message{}, false
	}

	payload := make([]byte, length)
	copy(payload, data[HeaderSize:HeaderSize+int(length)])

	return Message{
		Type:      MessageType(data[0]),
		Sequence:  binary.BigEndian.Uint32(data[1:5]),
		Timestamp: binary.BigEndian.Uint64(data[5:13]),
		Payload:   payload,
	}, true
}
