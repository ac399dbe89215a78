package protocol

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"strings"
)

// Decode parses and validates one datagram. It never allocates more than the
// datagram itself: every declared length is checked against len(b) first.
func Decode(b []byte) (Packet, error) {
	n := len(b)
	if n < MinFrameLen || n > MaxDatagramSize {
		return Packet{}, fmt.Errorf("%w: %d bytes", ErrFrameLength, n)
	}
	if b[0] != Magic[0] || b[1] != Magic[1] {
		return Packet{}, ErrBadMagic
	}
	if b[2] != Version {
		return Packet{}, fmt.Errorf("%w: 0x%02x", ErrBadVersion, b[2])
	}

	body := b[:n-checksumSize]
	want := binary.LittleEndian.Uint32(b[n-checksumSize:])
	if crc32.ChecksumIEEE(body) != want {
		return Packet{}, ErrBadChecksum
	}

	op := Opcode(b[3])
	limit, ok := payloadLimits[op]
	if !ok {
		return Packet{}, fmt.Errorf("%w: 0x%02x", ErrUnknownOpcode, byte(op))
	}

	code, err := decodeCode(b[8 : 8+CodeLen])
	if err != nil {
		return Packet{}, err
	}

	tokenLen := int(b[fixedHeaderLen-1])
	if tokenLen > MaxTokenLen {
		return Packet{}, fmt.Errorf("%w: token %d bytes", ErrFieldTooLong, tokenLen)
	}
	off := fixedHeaderLen
	if off+tokenLen+payloadLenSize > len(body) {
		return Packet{}, fmt.Errorf("%w: truncated token", ErrFrameLength)
	}
	token := string(b[off : off+tokenLen])
	off += tokenLen

	payloadLen := int(binary.LittleEndian.Uint16(b[off:]))
	off += payloadLenSize
	if off+payloadLen != len(body) {
		return Packet{}, fmt.Errorf("%w: declared %d, have %d", ErrFrameLength, payloadLen, len(body)-off)
	}
	if payloadLen < limit.min || payloadLen > limit.max {
		return Packet{}, fmt.Errorf("%w: %s with %d bytes", ErrPayloadLength, op, payloadLen)
	}

	var payload []byte
	if payloadLen > 0 {
		payload = make([]byte, payloadLen)
		copy(payload, b[off:off+payloadLen])
	}

	return Packet{
		Opcode:   op,
		Sequence: binary.LittleEndian.Uint32(b[4:8]),
		RoomCode: code,
		Token:    token,
		Payload:  payload,
	}, nil
}

// Encode frames p. It fails only when p itself violates a field cap.
func Encode(p Packet) ([]byte, error) {
	limit, ok := payloadLimits[p.Opcode]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownOpcode, byte(p.Opcode))
	}
	if len(p.Token) > MaxTokenLen {
		return nil, fmt.Errorf("%w: token %d bytes", ErrFieldTooLong, len(p.Token))
	}
	if len(p.Payload) < limit.min || len(p.Payload) > limit.max {
		return nil, fmt.Errorf("%w: %s with %d bytes", ErrPayloadLength, p.Opcode, len(p.Payload))
	}
	code, err := encodeCode(p.RoomCode)
	if err != nil {
		return nil, err
	}

	size := fixedHeaderLen + len(p.Token) + payloadLenSize + len(p.Payload) + checksumSize
	if size > MaxDatagramSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameLength, size)
	}

	out := make([]byte, 0, size)
	out = append(out, Magic[0], Magic[1], Version, byte(p.Opcode))
	out = binary.LittleEndian.AppendUint32(out, p.Sequence)
	out = append(out, code[:]...)
	out = append(out, byte(len(p.Token)))
	out = append(out, p.Token...)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(p.Payload)))
	out = append(out, p.Payload...)
	out = binary.LittleEndian.AppendUint32(out, crc32.ChecksumIEEE(out))
	return out, nil
}

// Build encodes msg as a complete datagram.
func Build(msg Message, seq uint32, roomCode, token string) ([]byte, error) {
	return Encode(Packet{
		Opcode:   msg.Opcode(),
		Sequence: seq,
		RoomCode: roomCode,
		Token:    token,
		Payload:  msg.AppendPayload(nil),
	})
}

// NormalizeCode upper-cases a user-typed room code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidCode reports whether code is a non-empty room code of at most CodeLen
// upper-case letters and digits.
func ValidCode(code string) bool {
	if code == "" || len(code) > CodeLen {
		return false
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

func decodeCode(field []byte) (string, error) {
	end := len(field)
	for end > 0 && field[end-1] == 0 {
		end--
	}
	if end == 0 {
		return "", nil
	}
	code := NormalizeCode(string(field[:end]))
	if !ValidCode(code) {
		return "", fmt.Errorf("%w: %q", ErrBadRoomCode, field[:end])
	}
	return code, nil
}

func encodeCode(code string) ([CodeLen]byte, error) {
	var field [CodeLen]byte
	if code == "" {
		return field, nil
	}
	code = NormalizeCode(code)
	if !ValidCode(code) {
		return field, fmt.Errorf("%w: %q", ErrBadRoomCode, code)
	}
	copy(field[:], code)
	return field, nil
}
