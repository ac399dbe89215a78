// Package protocol implements the link-play datagram wire format.
//
// Every datagram is a fixed header, an opcode-specific payload and a trailing
// CRC-32 checksum. All integers are little-endian.
//
//	magic(2) version(1) opcode(1) sequence(4) room(6) tokenLen(1) token(n) payloadLen(2) payload(m) crc32(4)
//
// The package is pure: no I/O, no retries. Malformed input is reported with an
// error wrapping ErrMalformed and the caller drops the datagram.
package protocol

import (
	"errors"
	"fmt"
)

// Version is the only wire version this package speaks.
const Version byte = 0x01

var Magic = [2]byte{0x06, 0x16}

const (
	// CodeLen is the width of the room code field. Shorter codes are
	// zero-filled; an all-zero field means "no room".
	CodeLen = 6

	MaxTokenLen   = 64
	MaxChartIDLen = 64
	MaxNameLen    = 16

	// MaxDatagramSize keeps every frame under a typical path MTU.
	MaxDatagramSize = 1200

	fixedHeaderLen = 2 + 1 + 1 + 4 + CodeLen + 1
	payloadLenSize = 2
	checksumSize   = 4

	// MinFrameLen is the smallest well-formed datagram: empty token, empty payload.
	MinFrameLen = fixedHeaderLen + payloadLenSize + checksumSize
)

var (
	ErrMalformed     = errors.New("malformed packet")
	ErrBadMagic      = fmt.Errorf("%w: bad magic", ErrMalformed)
	ErrBadVersion    = fmt.Errorf("%w: unsupported version", ErrMalformed)
	ErrBadChecksum   = fmt.Errorf("%w: checksum mismatch", ErrMalformed)
	ErrUnknownOpcode = fmt.Errorf("%w: unknown opcode", ErrMalformed)
	ErrFrameLength   = fmt.Errorf("%w: frame length", ErrMalformed)
	ErrPayloadLength = fmt.Errorf("%w: payload length for opcode", ErrMalformed)
	ErrFieldTooLong  = fmt.Errorf("%w: field exceeds cap", ErrMalformed)
	ErrBadRoomCode   = fmt.Errorf("%w: room code", ErrMalformed)
)

type Opcode byte

// Client -> server.
const (
	OpJoin           Opcode = 0x01
	OpLeave          Opcode = 0x02
	OpReady          Opcode = 0x03
	OpUnready        Opcode = 0x04
	OpSelectSong     Opcode = 0x05
	OpHeartbeat      Opcode = 0x06
	OpProgressUpdate Opcode = 0x07
	OpFinish         Opcode = 0x08
	OpVote           Opcode = 0x09
	OpSticker        Opcode = 0x0A
	OpSongPreview    Opcode = 0x0B
	OpRoomSettings   Opcode = 0x0C
)

// Server -> client.
const (
	OpRoomState     Opcode = 0x10
	OpStandings     Opcode = 0x11
	OpCountdownTick Opcode = 0x12
	OpStartPlay     Opcode = 0x13
	OpSessionClosed Opcode = 0x14
	OpRejected      Opcode = 0x15
	OpStickerRelay  Opcode = 0x16
	OpPreviewRelay  Opcode = 0x17
)

type payloadLimit struct{ min, max int }

const maxPayload = MaxDatagramSize - MinFrameLen

var payloadLimits = map[Opcode]payloadLimit{
	OpJoin:           {0, 8},
	OpLeave:          {0, 0},
	OpReady:          {0, 0},
	OpUnready:        {0, 0},
	OpHeartbeat:      {0, 0},
	OpSelectSong:     {3, 1 + MaxChartIDLen + 1},
	OpProgressUpdate: {metricsLen, metricsLen},
	OpFinish:         {metricsLen, metricsLen},
	OpVote:           {2, 1 + MaxChartIDLen + 1},
	OpSticker:        {2, 2},
	OpSongPreview:    {3, 1 + MaxChartIDLen + 1},
	OpRoomSettings:   {2, 2},

	OpRoomState:     {roomStateMinLen, maxPayload},
	OpStandings:     {1, maxPayload},
	OpCountdownTick: {5, 5},
	OpStartPlay:     {10, 1 + MaxChartIDLen + 1 + 8},
	OpSessionClosed: {1, 1},
	OpRejected:      {5, 5},
	OpStickerRelay:  {10, 10},
	OpPreviewRelay:  {11, 8 + 1 + MaxChartIDLen + 1},
}

func (o Opcode) String() string {
	switch o {
	case OpJoin:
		return "Join"
	case OpLeave:
		return "Leave"
	case OpReady:
		return "Ready"
	case OpUnready:
		return "Unready"
	case OpSelectSong:
		return "SelectSong"
	case OpHeartbeat:
		return "Heartbeat"
	case OpProgressUpdate:
		return "ProgressUpdate"
	case OpFinish:
		return "Finish"
	case OpVote:
		return "Vote"
	case OpSticker:
		return "Sticker"
	case OpSongPreview:
		return "SongPreview"
	case OpRoomSettings:
		return "RoomSettings"
	case OpRoomState:
		return "RoomState"
	case OpStandings:
		return "Standings"
	case OpCountdownTick:
		return "CountdownTick"
	case OpStartPlay:
		return "StartPlay"
	case OpSessionClosed:
		return "SessionClosed"
	case OpRejected:
		return "Rejected"
	case OpStickerRelay:
		return "StickerRelay"
	case OpPreviewRelay:
		return "PreviewRelay"
	default:
		return fmt.Sprintf("Opcode(0x%02x)", byte(o))
	}
}

// FromClient reports whether o is an opcode game clients may send.
func (o Opcode) FromClient() bool { return o >= OpJoin && o <= OpRoomSettings }

// RejectReason tells a client why a command was refused.
type RejectReason byte

const (
	ReasonUnknown RejectReason = iota
	ReasonUnauthenticated
	ReasonNoSuchRoom
	ReasonInvalidTransition
	ReasonRoomFull
	ReasonNotHost
	ReasonNotParticipant
	ReasonServerBusy
)

func (r RejectReason) String() string {
	switch r {
	case ReasonUnauthenticated:
		return "Unauthenticated"
	case ReasonNoSuchRoom:
		return "NoSuchRoom"
	case ReasonInvalidTransition:
		return "InvalidTransition"
	case ReasonRoomFull:
		return "RoomFull"
	case ReasonNotHost:
		return "NotHost"
	case ReasonNotParticipant:
		return "NotParticipant"
	case ReasonServerBusy:
		return "ServerBusy"
	default:
		return "Unknown"
	}
}

// CloseReason is carried by SessionClosed.
type CloseReason byte

const (
	CloseUnknown CloseReason = iota
	CloseCompleted
	CloseEmpty
	CloseHostLost
	CloseAdmin
	CloseTimeLimit
	CloseShutdown
)

func (c CloseReason) String() string {
	switch c {
	case CloseCompleted:
		return "completed"
	case CloseEmpty:
		return "empty"
	case CloseHostLost:
		return "host_lost"
	case CloseAdmin:
		return "admin"
	case CloseTimeLimit:
		return "time_limit"
	case CloseShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Packet is one decoded datagram. Payload is owned by the packet and never
// aliases the buffer it was decoded from.
type Packet struct {
	Opcode   Opcode
	Sequence uint32
	RoomCode string // "" when absent
	Token    string
	Payload  []byte
}
