// Package protocol implements the fragment frame format of vizrpc.
//
// Every logical message (a serialized request or response envelope) travels as
// a stream of one or more fragments. Each fragment is one frame: a fixed-size
// 19-byte header followed by a variable-length payload. Over a WebSocket one
// binary message holds exactly one frame; over a raw TCP stream frames are
// read back to back, the header telling the receiver how many payload bytes
// follow.
//
// Frame format:
//
//	0      3  4  5  6  7         11        15        19
//	┌──────┬──┬──┬──┬──┬─────────┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│fl│streamID │   seq   │ bodyLen │  payload ...  │
//	│ vzr  │01│  │  │  │ uint32  │ uint32  │ uint32  │ bodyLen bytes │
//	└──────┴──┴──┴──┴──┴─────────┴─────────┴─────────┴───────────────┘
//
// fl (flags): bit0 = last fragment of the stream, bit1 = payload stream is
// zstd-compressed.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic number bytes: "vzr".
// Used to reject non-protocol peers early (e.g., an HTTP client on the TCP port).
const (
	MagicNumber byte = 0x76 // 'v'
	MagicByte2  byte = 0x7a // 'z'
	MagicByte3  byte = 0x72 // 'r'
	Version     byte = 0x01
	HeaderSize  int  = 19 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 1 (flags) + 4 (streamID) + 4 (seq) + 4 (bodyLen)
)

// MsgType distinguishes request, response, and heartbeat frames.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0 // Client → Server call envelope
	MsgTypeResponse  MsgType = 1 // Server → Client result envelope
	MsgTypeHeartbeat MsgType = 2 // KeepAlive probe (no body)
)

// Flags carried in the fifth header byte.
const (
	FlagLast       byte = 1 << 0
	FlagCompressed byte = 1 << 1
)

// Codec type constants, mirrored from codec package to avoid circular import.
const (
	CodecTypeJSON byte = 0
	CodecTypeCBOR byte = 1
)

// Header is the fixed 19-byte frame header.
type Header struct {
	CodecType byte    // Serialization format of the reassembled envelope: 0=JSON, 1=CBOR
	MsgType   MsgType // Request, Response, or Heartbeat
	Flags     byte    // FlagLast | FlagCompressed
	StreamID  uint32  // Logical message this fragment belongs to, scoped to the sender
	Seq       uint32  // Fragment index within the stream, starting at 0
	BodyLen   uint32  // Payload length in bytes
}

// IsLast reports whether this fragment terminates its stream.
func (h *Header) IsLast() bool { return h.Flags&FlagLast != 0 }

// Compressed reports whether the stream payload is zstd-compressed.
func (h *Header) Compressed() bool { return h.Flags&FlagCompressed != 0 }

// Marshal returns the complete frame (header + body) as one byte slice.
// BodyLen is taken from len(body), not from h.
func Marshal(h *Header, body []byte) []byte {
	buf := make([]byte, HeaderSize+len(body))

	// Magic number: 3 bytes — protocol identification
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	// Version: 1 byte — for future protocol upgrades
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	buf[6] = h.Flags
	// Stream, sequence and length: big-endian (network byte order)
	binary.BigEndian.PutUint32(buf[7:11], h.StreamID)
	binary.BigEndian.PutUint32(buf[11:15], h.Seq)
	binary.BigEndian.PutUint32(buf[15:19], uint32(len(body)))
	copy(buf[HeaderSize:], body)
	return buf
}

// Encode writes a complete frame (header + body) to w in a single Write, so
// message-oriented writers see exactly one frame per message.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise bytes from different frames will interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	_, err := w.Write(Marshal(h, body))
	return err
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version, codec type, and message type, and
// refuses bodies larger than maxBody (zero disables the check) before
// allocating them.
func Decode(r io.Reader, maxBody uint32) (*Header, []byte, error) {
	// Step 1: Read the fixed header
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	// Step 2: Validate magic number — reject non-protocol connections
	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}

	// Step 3: Validate version
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}

	// Step 4: Validate codec type
	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeCBOR {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}

	// Step 5: Validate message type
	msgType := headerBuf[5]
	if msgType != byte(MsgTypeRequest) && msgType != byte(MsgTypeResponse) && msgType != byte(MsgTypeHeartbeat) {
		return nil, nil, fmt.Errorf("unsupported message type: %d", msgType)
	}

	h := &Header{
		CodecType: headerBuf[4],
		MsgType:   MsgType(msgType),
		Flags:     headerBuf[6],
		StreamID:  binary.BigEndian.Uint32(headerBuf[7:11]),
		Seq:       binary.BigEndian.Uint32(headerBuf[11:15]),
		BodyLen:   binary.BigEndian.Uint32(headerBuf[15:19]),
	}
	if maxBody > 0 && h.BodyLen > maxBody {
		return nil, nil, fmt.Errorf("frame body %d exceeds limit %d", h.BodyLen, maxBody)
	}

	// Step 6: Read exactly bodyLen bytes
	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}
	return h, body, nil
}
