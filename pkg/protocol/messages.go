package protocol

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// Message is anything that can be carried as a datagram payload.
type Message interface {
	Opcode() Opcode
	AppendPayload(b []byte) []byte
}

// Metrics is a performance snapshot. ProgressUpdate carries the running values,
// Finish the final ones.
type Metrics struct {
	Score     uint32 `json:"score"`
	Combo     uint16 `json:"combo"`
	MaxCombo  uint16 `json:"max_combo"`
	Perfect   uint16 `json:"perfect"`
	Near      uint16 `json:"near"`
	Miss      uint16 `json:"miss"`
	Progress  uint32 `json:"progress_ms"`
	ClearType uint8  `json:"clear_type"`
}

const metricsLen = 4 + 2 + 2 + 2 + 2 + 2 + 4 + 1

func (m Metrics) appendTo(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, m.Score)
	b = binary.LittleEndian.AppendUint16(b, m.Combo)
	b = binary.LittleEndian.AppendUint16(b, m.MaxCombo)
	b = binary.LittleEndian.AppendUint16(b, m.Perfect)
	b = binary.LittleEndian.AppendUint16(b, m.Near)
	b = binary.LittleEndian.AppendUint16(b, m.Miss)
	b = binary.LittleEndian.AppendUint32(b, m.Progress)
	return append(b, m.ClearType)
}

func readMetrics(r *reader) Metrics {
	return Metrics{
		Score:     r.u32(),
		Combo:     r.u16(),
		MaxCombo:  r.u16(),
		Perfect:   r.u16(),
		Near:      r.u16(),
		Miss:      r.u16(),
		Progress:  r.u32(),
		ClearType: r.u8(),
	}
}

// ParseMetrics decodes a ProgressUpdate or Finish payload.
func ParseMetrics(p []byte) (Metrics, error) {
	r := reader{b: p}
	m := readMetrics(&r)
	return m, r.done()
}

// Join optionally carries a launch nonce. A client picks a fresh, larger nonce
// every time it starts (its launch time works) so the server can tell a
// restart from a replay. Zero means no nonce and encodes as an empty payload.
type Join struct {
	Nonce uint64
}

func (Join) Opcode() Opcode { return OpJoin }

func (j Join) AppendPayload(b []byte) []byte {
	if j.Nonce == 0 {
		return b
	}
	return binary.LittleEndian.AppendUint64(b, j.Nonce)
}

func ParseJoin(p []byte) (Join, error) {
	if len(p) == 0 {
		return Join{}, nil
	}
	r := reader{b: p}
	j := Join{Nonce: r.u64()}
	return j, r.done()
}

// Client messages without a payload. They exist so tests and client tooling
// can use Build uniformly.
type (
	Leave     struct{}
	Ready     struct{}
	Unready   struct{}
	Heartbeat struct{}
)

func (Leave) Opcode() Opcode     { return OpLeave }
func (Ready) Opcode() Opcode     { return OpReady }
func (Unready) Opcode() Opcode   { return OpUnready }
func (Heartbeat) Opcode() Opcode { return OpHeartbeat }

func (Leave) AppendPayload(b []byte) []byte     { return b }
func (Ready) AppendPayload(b []byte) []byte     { return b }
func (Unready) AppendPayload(b []byte) []byte   { return b }
func (Heartbeat) AppendPayload(b []byte) []byte { return b }

type SelectSong struct {
	ChartID    string
	Difficulty uint8
}

func (SelectSong) Opcode() Opcode { return OpSelectSong }

func (s SelectSong) AppendPayload(b []byte) []byte {
	b = appendString(b, s.ChartID, MaxChartIDLen)
	return append(b, s.Difficulty)
}

// ParseSelectSong decodes a SelectSong payload. The chart id must be non-empty.
func ParseSelectSong(p []byte) (SelectSong, error) {
	r := reader{b: p}
	s := SelectSong{ChartID: r.str(MaxChartIDLen), Difficulty: r.u8()}
	if err := r.done(); err != nil {
		return SelectSong{}, err
	}
	if s.ChartID == "" {
		return SelectSong{}, fmt.Errorf("%w: empty chart id", ErrMalformed)
	}
	return s, nil
}

// Vote is a ballot for the next chart. An empty chart id abstains.
type Vote struct {
	ChartID    string
	Difficulty uint8
}

func (Vote) Opcode() Opcode { return OpVote }

func (v Vote) AppendPayload(b []byte) []byte {
	b = appendString(b, v.ChartID, MaxChartIDLen)
	return append(b, v.Difficulty)
}

func ParseVote(p []byte) (Vote, error) {
	r := reader{b: p}
	v := Vote{ChartID: r.str(MaxChartIDLen), Difficulty: r.u8()}
	return v, r.done()
}

type Sticker struct{ ID uint16 }

func (Sticker) Opcode() Opcode                  { return OpSticker }
func (s Sticker) AppendPayload(b []byte) []byte { return binary.LittleEndian.AppendUint16(b, s.ID) }

func ParseSticker(p []byte) (Sticker, error) {
	r := reader{b: p}
	s := Sticker{ID: r.u16()}
	return s, r.done()
}

// SongPreview tells the room which chart the sender is browsing.
type SongPreview struct {
	ChartID    string
	Difficulty uint8
}

func (SongPreview) Opcode() Opcode { return OpSongPreview }

func (s SongPreview) AppendPayload(b []byte) []byte {
	b = appendString(b, s.ChartID, MaxChartIDLen)
	return append(b, s.Difficulty)
}

func ParseSongPreview(p []byte) (SongPreview, error) {
	sel, err := ParseSelectSong(p)
	return SongPreview(sel), err
}

// Round modes carried by RoomSettings and RoomState.
const (
	RoundHostPick uint8 = 0
	RoundVote     uint8 = 1
)

type RoomSettings struct {
	Public    bool
	RoundMode uint8
}

func (RoomSettings) Opcode() Opcode { return OpRoomSettings }

func (s RoomSettings) AppendPayload(b []byte) []byte {
	return append(b, boolByte(s.Public), s.RoundMode)
}

func ParseRoomSettings(p []byte) (RoomSettings, error) {
	r := reader{b: p}
	public, mode := r.u8(), r.u8()
	if err := r.done(); err != nil {
		return RoomSettings{}, err
	}
	if public > 1 || mode > RoundVote {
		return RoomSettings{}, fmt.Errorf("%w: room settings %d/%d", ErrMalformed, public, mode)
	}
	return RoomSettings{Public: public == 1, RoundMode: mode}, nil
}

type ProgressUpdate struct{ Metrics Metrics }

func (ProgressUpdate) Opcode() Opcode                  { return OpProgressUpdate }
func (u ProgressUpdate) AppendPayload(b []byte) []byte { return u.Metrics.appendTo(b) }

type Finish struct{ Metrics Metrics }

func (Finish) Opcode() Opcode                  { return OpFinish }
func (f Finish) AppendPayload(b []byte) []byte { return f.Metrics.appendTo(b) }

// RoomState is a full, idempotent snapshot of one room.
type RoomState struct {
	RoomCode     string
	Phase        uint8
	Version      uint32
	ChartID      string
	Difficulty   uint8
	Countdown    uint8
	Public       bool
	RoundMode    uint8
	HostID       uint64
	Participants []ParticipantState
}

type ParticipantState struct {
	PlayerID uint64
	Name     string
	Ready    bool
	Finished bool
	Online   bool
	Voted    bool
}

const roomStateMinLen = CodeLen + 1 + 4 + 1 + 1 + 1 + 1 + 1 + 8 + 1

func (RoomState) Opcode() Opcode { return OpRoomState }

func (s RoomState) AppendPayload(b []byte) []byte {
	code, _ := encodeCode(s.RoomCode)
	b = append(b, code[:]...)
	b = append(b, s.Phase)
	b = binary.LittleEndian.AppendUint32(b, s.Version)
	b = appendString(b, s.ChartID, MaxChartIDLen)
	b = append(b, s.Difficulty, s.Countdown, boolByte(s.Public), s.RoundMode)
	b = binary.LittleEndian.AppendUint64(b, s.HostID)
	b = append(b, byte(len(s.Participants)))
	for _, p := range s.Participants {
		b = binary.LittleEndian.AppendUint64(b, p.PlayerID)
		b = appendString(b, p.Name, MaxNameLen)
		b = append(b, boolByte(p.Ready), boolByte(p.Finished), boolByte(p.Online), boolByte(p.Voted))
	}
	return b
}

func ParseRoomState(p []byte) (RoomState, error) {
	r := reader{b: p}
	code, err := decodeCode(r.bytes(CodeLen))
	if err != nil {
		return RoomState{}, err
	}
	s := RoomState{
		RoomCode:   code,
		Phase:      r.u8(),
		Version:    r.u32(),
		ChartID:    r.str(MaxChartIDLen),
		Difficulty: r.u8(),
		Countdown:  r.u8(),
		Public:     r.u8() != 0,
		RoundMode:  r.u8(),
		HostID:     r.u64(),
	}
	count := int(r.u8())
	for i := 0; i < count && r.err == nil; i++ {
		s.Participants = append(s.Participants, ParticipantState{
			PlayerID: r.u64(),
			Name:     r.str(MaxNameLen),
			Ready:    r.u8() != 0,
			Finished: r.u8() != 0,
			Online:   r.u8() != 0,
			Voted:    r.u8() != 0,
		})
	}
	return s, r.done()
}

// Standings is the live leaderboard, highest score first.
type Standings struct {
	Entries []Standing
}

type Standing struct {
	PlayerID uint64
	Score    uint32
	Combo    uint16
	Progress uint32
	Finished bool
	Rank     uint8
}

func (Standings) Opcode() Opcode { return OpStandings }

func (s Standings) AppendPayload(b []byte) []byte {
	b = append(b, byte(len(s.Entries)))
	for _, e := range s.Entries {
		b = binary.LittleEndian.AppendUint64(b, e.PlayerID)
		b = binary.LittleEndian.AppendUint32(b, e.Score)
		b = binary.LittleEndian.AppendUint16(b, e.Combo)
		b = binary.LittleEndian.AppendUint32(b, e.Progress)
		b = append(b, boolByte(e.Finished), e.Rank)
	}
	return b
}

func ParseStandings(p []byte) (Standings, error) {
	r := reader{b: p}
	count := int(r.u8())
	var s Standings
	for i := 0; i < count && r.err == nil; i++ {
		s.Entries = append(s.Entries, Standing{
			PlayerID: r.u64(),
			Score:    r.u32(),
			Combo:    r.u16(),
			Progress: r.u32(),
			Finished: r.u8() != 0,
			Rank:     r.u8(),
		})
	}
	return s, r.done()
}

type CountdownTick struct {
	Remaining  uint8
	IntervalMs uint32
}

func (CountdownTick) Opcode() Opcode { return OpCountdownTick }

func (t CountdownTick) AppendPayload(b []byte) []byte {
	b = append(b, t.Remaining)
	return binary.LittleEndian.AppendUint32(b, t.IntervalMs)
}

func ParseCountdownTick(p []byte) (CountdownTick, error) {
	r := reader{b: p}
	t := CountdownTick{Remaining: r.u8(), IntervalMs: r.u32()}
	return t, r.done()
}

type StartPlay struct {
	ChartID    string
	Difficulty uint8
	ServerTime uint64 // unix milliseconds
}

func (StartPlay) Opcode() Opcode { return OpStartPlay }

func (s StartPlay) AppendPayload(b []byte) []byte {
	b = appendString(b, s.ChartID, MaxChartIDLen)
	b = append(b, s.Difficulty)
	return binary.LittleEndian.AppendUint64(b, s.ServerTime)
}

func ParseStartPlay(p []byte) (StartPlay, error) {
	r := reader{b: p}
	s := StartPlay{ChartID: r.str(MaxChartIDLen), Difficulty: r.u8(), ServerTime: r.u64()}
	return s, r.done()
}

// StickerRelay forwards a sticker to the sender's room mates.
type StickerRelay struct {
	PlayerID uint64
	Sticker  uint16
}

func (StickerRelay) Opcode() Opcode { return OpStickerRelay }

func (s StickerRelay) AppendPayload(b []byte) []byte {
	b = binary.LittleEndian.AppendUint64(b, s.PlayerID)
	return binary.LittleEndian.AppendUint16(b, s.Sticker)
}

func ParseStickerRelay(p []byte) (StickerRelay, error) {
	r := reader{b: p}
	s := StickerRelay{PlayerID: r.u64(), Sticker: r.u16()}
	return s, r.done()
}

type PreviewRelay struct {
	PlayerID   uint64
	ChartID    string
	Difficulty uint8
}

func (PreviewRelay) Opcode() Opcode { return OpPreviewRelay }

func (s PreviewRelay) AppendPayload(b []byte) []byte {
	b = binary.LittleEndian.AppendUint64(b, s.PlayerID)
	b = appendString(b, s.ChartID, MaxChartIDLen)
	return append(b, s.Difficulty)
}

func ParsePreviewRelay(p []byte) (PreviewRelay, error) {
	r := reader{b: p}
	s := PreviewRelay{PlayerID: r.u64(), ChartID: r.str(MaxChartIDLen), Difficulty: r.u8()}
	return s, r.done()
}

type SessionClosed struct{ Reason CloseReason }

func (SessionClosed) Opcode() Opcode                  { return OpSessionClosed }
func (s SessionClosed) AppendPayload(b []byte) []byte { return append(b, byte(s.Reason)) }

func ParseSessionClosed(p []byte) (SessionClosed, error) {
	r := reader{b: p}
	s := SessionClosed{Reason: CloseReason(r.u8())}
	return s, r.done()
}

// Rejected echoes the sequence number of the refused command.
type Rejected struct {
	Reason   RejectReason
	Sequence uint32
}

func (Rejected) Opcode() Opcode { return OpRejected }

func (r Rejected) AppendPayload(b []byte) []byte {
	b = append(b, byte(r.Reason))
	return binary.LittleEndian.AppendUint32(b, r.Sequence)
}

func ParseRejected(p []byte) (Rejected, error) {
	r := reader{b: p}
	rej := Rejected{Reason: RejectReason(r.u8()), Sequence: r.u32()}
	return rej, r.done()
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

// appendString writes a u8 length prefix and at most max bytes of s, never
// splitting a UTF-8 sequence.
func appendString(b []byte, s string, max int) []byte {
	s = TruncateUTF8(s, max)
	b = append(b, byte(len(s)))
	return append(b, s...)
}

// TruncateUTF8 cuts s to at most n bytes on a rune boundary.
func TruncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// reader is a bounds-checked cursor. The first short read latches err and
// every later read returns zero values.
type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.b) {
		r.err = fmt.Errorf("%w: truncated payload", ErrMalformed)
		return nil
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}

func (r *reader) bytes(n int) []byte {
	out := r.take(n)
	if out == nil {
		return make([]byte, n)
	}
	return out
}

func (r *reader) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (r *reader) str(max int) string {
	n := int(r.u8())
	if r.err == nil && n > max {
		r.err = fmt.Errorf("%w: string of %d bytes", ErrFieldTooLong, n)
		return ""
	}
	return string(r.take(n))
}

// done fails if a read ran short or bytes are left over.
func (r *reader) done() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.b) {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(r.b)-r.off)
	}
	return nil
}
