package engine

import (
	"errors"
	"net/netip"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/DoyleJ11/linkplayd/pkg/protocol"
)

var ErrInvalidTransition = errors.New("invalid transition")
var ErrRoomFull = errors.New("room full")
var ErrNotHost = errors.New("not host")
var ErrNotParticipant = errors.New("not a participant")
var ErrStaleSequence = errors.New("stale sequence")
var ErrStaleTimer = errors.New("stale timer")
var ErrUnknownCommand = errors.New("unknown command")
var ErrRoomClosed = errors.New("room closed")

type Phase uint8

const (
	PhaseLobby Phase = iota
	PhaseSongSelected
	PhaseCountingDown
	PhaseInProgress
	PhaseFinished
)

func (p Phase) String() string {
	switch p {
	case PhaseLobby:
		return "lobby"
	case PhaseSongSelected:
		return "song_selected"
	case PhaseCountingDown:
		return "counting_down"
	case PhaseInProgress:
		return "in_progress"
	case PhaseFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// RoundMode decides how the chart for the next play is chosen.
type RoundMode uint8

const (
	// RoundHostPick lets the host select the chart.
	RoundHostPick RoundMode = iota
	// RoundVote draws the chart from the participants' ballots.
	RoundVote
)

func (m RoundMode) String() string {
	switch m {
	case RoundHostPick:
		return "host_pick"
	case RoundVote:
		return "vote"
	default:
		return "unknown"
	}
}

type PlayerID uint64

// Identity is what the session directory resolves a token to.
type Identity struct {
	ID   PlayerID
	Name string
}

type Participant struct {
	Identity
	// Addr is the last address a datagram came from. It is a reply hint only;
	// NAT rebinding may change it at any time.
	Addr      netip.AddrPort
	Ready     bool
	Finished  bool
	Online    bool
	LastHeard time.Time
	LastSeq   uint32
	// Nonce identifies the client launch that owns LastSeq.
	Nonce    uint64
	Metrics  protocol.Metrics
	JoinedAt time.Time
	Voted    bool
	// Vote is the participant's ballot; an empty chart is an abstention.
	Vote Ballot
}

type Ballot struct {
	ChartID    string
	Difficulty uint8
}

type Rules struct {
	Capacity          int
	MinPlayers        int
	CountdownTicks    int
	CountdownInterval time.Duration
	MaxPlayDuration   time.Duration
	HeartbeatTimeout  time.Duration
	HostGrace         time.Duration
	FinishedGrace     time.Duration
	RoomTimeLimit     time.Duration
}

type TimerKind uint8

const (
	TimerNone TimerKind = iota
	TimerCountdown
	TimerPlayLimit
	TimerCloseGrace
)

func (k TimerKind) String() string {
	switch k {
	case TimerCountdown:
		return "countdown"
	case TimerPlayLimit:
		return "play_limit"
	case TimerCloseGrace:
		return "close_grace"
	default:
		return "none"
	}
}

type State struct {
	RoomID    uuid.UUID
	Code      string
	CreatedAt time.Time
	Phase     Phase
	// Participants is in join order; index 0 is the host.
	Participants []Participant
	ChartID      string
	Difficulty   uint8
	Countdown    int
	Public       bool
	RoundMode    RoundMode
	// Timer is the single pending transition timer. TimerGen only grows, so a
	// fire carrying an older generation is recognisably stale.
	Timer       TimerKind
	TimerGen    uint64
	StartedAt   time.Time
	Played      bool
	ResultsSent bool
	Closed      bool
	CloseReason protocol.CloseReason
	Rules       Rules
}

type CommandType uint8

const (
	CmdJoin CommandType = iota + 1
	CmdLeave
	CmdReady
	CmdUnready
	CmdSelectSong
	CmdHeartbeat
	CmdProgress
	CmdFinish
	CmdVote
	CmdSticker
	CmdPreview
	CmdSettings

	// Sender-less commands.
	CmdTimerFired
	CmdSweep
	CmdForceClose
)

/*
	CmdJoin        -> EvtJoined (+ EvtHostChanged for the first joiner)
	CmdLeave       -> EvtLeft -> EvtHostChanged | EvtTimerCancelled | EvtClosed
	CmdReady       -> EvtReadinessChanged -> EvtCountdownTick + EvtTimerArmed when everyone is ready
	CmdSelectSong  -> EvtChartSelected
	CmdVote        -> EvtVoteCast -> EvtChartSelected once everyone has voted
	CmdSticker     -> EvtSticker
	CmdPreview     -> EvtPreview
	CmdSettings    -> EvtSettingsChanged
	CmdTimerFired  -> EvtCountdownTick | EvtPlayStarted | EvtSessionComplete | EvtClosed
	CmdProgress    -> EvtStandingsChanged
	CmdFinish      -> EvtStandingsChanged -> EvtSessionComplete when everyone is done
	CmdSweep       -> EvtPresenceChanged | EvtLeft | EvtClosed
*/

type Command struct {
	Type       CommandType
	Player     Identity
	Addr       netip.AddrPort
	Seq        uint32
	At         time.Time
	ChartID    string
	Difficulty uint8
	Metrics    protocol.Metrics
	TimerGen   uint64
	Reason     protocol.CloseReason
	// Nonce is the launch nonce a Join carries.
	Nonce     uint64
	Sticker   uint16
	Public    bool
	RoundMode RoundMode
	// Roll is a random draw supplied by the caller; the engine itself never
	// reads a random source.
	Roll uint64
}

// FromClient reports whether the command originates from a datagram.
func (c Command) FromClient() bool { return c.Type >= CmdJoin && c.Type <= CmdSettings }

type EventType uint8

const (
	EvtJoined EventType = iota + 1
	EvtLeft
	EvtHostChanged
	EvtReadinessChanged
	EvtPresenceChanged
	EvtChartSelected
	EvtTimerArmed
	EvtTimerCancelled
	EvtCountdownTick
	EvtPlayStarted
	EvtStandingsChanged
	EvtSessionComplete
	EvtClosed
	// EvtAck asks for a unicast snapshot to Player without any state change.
	EvtAck
	EvtVoteCast
	EvtSettingsChanged
	// EvtSticker and EvtPreview are relayed to everyone but Player.
	EvtSticker
	EvtPreview
)

type Event struct {
	Type      EventType
	Player    PlayerID
	Timer     TimerKind
	After     time.Duration
	TimerGen  uint64
	Remaining int
	Reason    protocol.CloseReason
	Results   []Result
	Sticker   uint16
	ChartID   string
	// Difficulty accompanies ChartID on EvtPreview.
	Difficulty uint8
}

// Result is one participant's outcome, handed to the result sink.
type Result struct {
	RoomID     uuid.UUID
	RoomCode   string
	ChartID    string
	Difficulty uint8
	Player     Identity
	Metrics    protocol.Metrics
	Finished   bool
	Rank       int
	BestPlayer bool
	StartedAt  time.Time
	EndedAt    time.Time
}

// Apply is a total function of (state, command). On error the input state
// is returned untouched.
func Apply(s State, cmd Command) ([]Event, State, error) {
	if s.Closed {
		return nil, s, ErrRoomClosed
	}

	next := s
	next.Participants = slices.Clone(s.Participants)

	events, err := next.apply(cmd)
	if err != nil {
		return nil, s, err
	}
	return events, next, nil
}

func (s *State) apply(cmd Command) ([]Event, error) {
	switch cmd.Type {
	case CmdJoin:
		return s.join(cmd)
	case CmdTimerFired:
		return s.timerFired(cmd)
	case CmdSweep:
		return s.sweep(cmd.At, cmd.Roll), nil
	case CmdForceClose:
		return s.close(cmd.Reason, cmd.At), nil
	}

	if !cmd.FromClient() {
		return nil, ErrUnknownCommand
	}

	idx := s.indexOf(cmd.Player.ID)
	if idx < 0 {
		return nil, ErrNotParticipant
	}

	events, err := s.touch(idx, cmd)
	if err != nil {
		return nil, err
	}

	var more []Event
	switch cmd.Type {
	case CmdHeartbeat:
		more = []Event{{Type: EvtAck, Player: cmd.Player.ID}}
	case CmdLeave:
		more = s.leave(idx, cmd.At, cmd.Roll)
	case CmdReady:
		more, err = s.setReady(idx, true)
	case CmdUnready:
		more, err = s.setReady(idx, false)
	case CmdSelectSong:
		more, err = s.selectSong(idx, cmd)
	case CmdProgress:
		more, err = s.progress(idx, cmd)
	case CmdFinish:
		more, err = s.finish(idx, cmd)
	case CmdVote:
		more, err = s.vote(idx, cmd)
	case CmdSticker:
		more = []Event{{Type: EvtSticker, Player: cmd.Player.ID, Sticker: cmd.Sticker}}
	case CmdPreview:
		more, err = s.preview(idx, cmd)
	case CmdSettings:
		more, err = s.settings(idx, cmd)
	}
	if err != nil {
		return nil, err
	}
	return append(events, more...), nil
}

// touch applies the per-sender bookkeeping every accepted client command
// carries: sequence, liveness and the reply address.
func (s *State) touch(idx int, cmd Command) ([]Event, error) {
	if cmd.Seq <= s.Participants[idx].LastSeq {
		return nil, ErrStaleSequence
	}
	return s.refresh(idx, cmd), nil
}

func (s *State) refresh(idx int, cmd Command) []Event {
	p := &s.Participants[idx]
	p.LastSeq = cmd.Seq
	p.LastHeard = cmd.At
	if cmd.Addr.IsValid() {
		p.Addr = cmd.Addr
	}
	if !p.Online {
		p.Online = true
		return []Event{{Type: EvtPresenceChanged, Player: p.ID}}
	}
	return nil
}

func (s *State) join(cmd Command) ([]Event, error) {
	id := cmd.Player.ID

	if idx := s.indexOf(id); idx >= 0 {
		// Only a newer launch may restart the sequence. A retransmitted or
		// replayed Join from the current or an earlier launch is stale.
		if cmd.Nonce > s.Participants[idx].Nonce {
			s.Participants[idx].Nonce = cmd.Nonce
			s.Participants[idx].LastSeq = 0
		}
		events, err := s.touch(idx, cmd)
		if err != nil {
			return nil, err
		}
		return append(events, Event{Type: EvtAck, Player: id}), nil
	}

	if s.Phase != PhaseLobby && s.Phase != PhaseSongSelected {
		return nil, ErrInvalidTransition
	}
	if len(s.Participants) >= s.Rules.Capacity {
		return nil, ErrRoomFull
	}

	s.Participants = append(s.Participants, Participant{
		Identity:  cmd.Player,
		Addr:      cmd.Addr,
		Online:    true,
		LastHeard: cmd.At,
		LastSeq:   cmd.Seq,
		Nonce:     cmd.Nonce,
		JoinedAt:  cmd.At,
	})

	events := []Event{{Type: EvtJoined, Player: id}}
	if len(s.Participants) == 1 {
		events = append(events, Event{Type: EvtHostChanged, Player: id})
	}
	return events, nil
}

func (s *State) leave(idx int, at time.Time, roll uint64) []Event {
	p := s.Participants[idx]
	s.Participants = slices.Delete(s.Participants, idx, idx+1)

	events := []Event{{Type: EvtLeft, Player: p.ID}}
	if len(s.Participants) == 0 {
		return append(events, s.close(protocol.CloseEmpty, at)...)
	}
	if idx == 0 {
		events = append(events, Event{Type: EvtHostChanged, Player: s.Participants[0].ID})
	}

	switch s.Phase {
	case PhaseCountingDown:
		// Never start play on a roster that changed mid-countdown.
		events = append(events, s.cancelTimer()...)
		s.Phase = PhaseSongSelected
		s.clearReadiness()
	case PhaseLobby:
		events = append(events, s.maybeResolveVote(roll)...)
	case PhaseSongSelected:
		events = append(events, s.maybeResolveVote(roll)...)
		events = append(events, s.maybeStartCountdown()...)
	case PhaseInProgress:
		events = append(events, Event{Type: EvtStandingsChanged})
		if s.allFinished() {
			events = append(events, s.complete(at)...)
		}
	}
	return events
}

func (s *State) setReady(idx int, ready bool) ([]Event, error) {
	p := &s.Participants[idx]
	changed := Event{Type: EvtReadinessChanged, Player: p.ID}

	switch s.Phase {
	case PhaseLobby:
		p.Ready = ready
		return []Event{changed}, nil

	case PhaseSongSelected:
		p.Ready = ready
		events := []Event{changed}
		if ready {
			events = append(events, s.maybeStartCountdown()...)
		}
		return events, nil

	case PhaseCountingDown:
		if ready {
			return []Event{{Type: EvtAck, Player: p.ID}}, nil
		}
		events := s.cancelTimer()
		s.Phase = PhaseSongSelected
		s.clearReadiness()
		return append(events, changed), nil

	default:
		return nil, ErrInvalidTransition
	}
}

func (s *State) selectSong(idx int, cmd Command) ([]Event, error) {
	if s.Phase != PhaseLobby && s.Phase != PhaseSongSelected {
		return nil, ErrInvalidTransition
	}
	if idx != 0 {
		return nil, ErrNotHost
	}
	if s.RoundMode == RoundVote {
		return nil, ErrInvalidTransition
	}

	s.chooseChart(cmd.ChartID, cmd.Difficulty)
	return []Event{{Type: EvtChartSelected, Player: cmd.Player.ID}}, nil
}

func (s *State) vote(idx int, cmd Command) ([]Event, error) {
	if s.Phase != PhaseLobby && s.Phase != PhaseSongSelected {
		return nil, ErrInvalidTransition
	}
	if s.RoundMode != RoundVote || len(s.Participants) < s.Rules.MinPlayers {
		return nil, ErrInvalidTransition
	}

	p := &s.Participants[idx]
	p.Voted = true
	p.Vote = Ballot{ChartID: cmd.ChartID, Difficulty: cmd.Difficulty}
	events := []Event{{Type: EvtVoteCast, Player: p.ID}}
	return append(events, s.maybeResolveVote(cmd.Roll)...), nil
}

// maybeResolveVote draws the chart once every participant has voted. Ballots
// are equally likely; roll picks one. When everyone abstained the ballots are
// discarded and voting starts over.
func (s *State) maybeResolveVote(roll uint64) []Event {
	if s.RoundMode != RoundVote || len(s.Participants) < s.Rules.MinPlayers {
		return nil
	}
	var ballots []int
	for i, p := range s.Participants {
		if !p.Voted {
			return nil
		}
		if p.Vote.ChartID != "" {
			ballots = append(ballots, i)
		}
	}
	if len(ballots) == 0 {
		s.clearVotes()
		return nil
	}

	winner := s.Participants[ballots[roll%uint64(len(ballots))]]
	s.chooseChart(winner.Vote.ChartID, winner.Vote.Difficulty)
	return []Event{{Type: EvtChartSelected, Player: winner.ID}}
}

func (s *State) chooseChart(chartID string, difficulty uint8) {
	s.ChartID = chartID
	s.Difficulty = difficulty
	s.Phase = PhaseSongSelected
	// A new chart needs everyone to confirm again.
	s.clearReadiness()
	s.clearVotes()
}

func (s *State) preview(idx int, cmd Command) ([]Event, error) {
	if s.Phase != PhaseLobby && s.Phase != PhaseSongSelected {
		return nil, ErrInvalidTransition
	}
	return []Event{{
		Type:       EvtPreview,
		Player:     s.Participants[idx].ID,
		ChartID:    cmd.ChartID,
		Difficulty: cmd.Difficulty,
	}}, nil
}

// settings changes how the room is listed and how its chart is chosen. A
// public room always votes.
func (s *State) settings(idx int, cmd Command) ([]Event, error) {
	if s.Phase != PhaseLobby && s.Phase != PhaseSongSelected {
		return nil, ErrInvalidTransition
	}
	if idx != 0 {
		return nil, ErrNotHost
	}
	if cmd.RoundMode > RoundVote {
		return nil, ErrInvalidTransition
	}

	mode := cmd.RoundMode
	if cmd.Public {
		mode = RoundVote
	}
	if mode != s.RoundMode {
		s.clearVotes()
	}
	s.Public = cmd.Public
	s.RoundMode = mode
	return []Event{{Type: EvtSettingsChanged, Player: cmd.Player.ID}}, nil
}

func (s *State) progress(idx int, cmd Command) ([]Event, error) {
	if s.Phase != PhaseInProgress {
		return nil, ErrInvalidTransition
	}
	p := &s.Participants[idx]
	if p.Finished {
		return nil, ErrInvalidTransition
	}
	// Snapshots replace, never accumulate, so duplicates are harmless.
	p.Metrics = cmd.Metrics
	return []Event{{Type: EvtStandingsChanged}}, nil
}

func (s *State) finish(idx int, cmd Command) ([]Event, error) {
	if s.Phase != PhaseInProgress {
		return nil, ErrInvalidTransition
	}
	p := &s.Participants[idx]
	if p.Finished {
		return []Event{{Type: EvtAck, Player: p.ID}}, nil
	}
	p.Finished = true
	p.Metrics = cmd.Metrics

	events := []Event{{Type: EvtStandingsChanged}}
	if s.allFinished() {
		events = append(events, s.complete(cmd.At)...)
	}
	return events, nil
}

func (s *State) timerFired(cmd Command) ([]Event, error) {
	if s.Timer == TimerNone || cmd.TimerGen != s.TimerGen {
		return nil, ErrStaleTimer
	}
	kind := s.Timer
	s.Timer = TimerNone

	switch kind {
	case TimerCountdown:
		if s.Phase != PhaseCountingDown {
			return nil, ErrStaleTimer
		}
		s.Countdown--
		if s.Countdown > 0 {
			return []Event{
				{Type: EvtCountdownTick, Remaining: s.Countdown},
				s.armTimer(TimerCountdown, s.Rules.CountdownInterval),
			}, nil
		}
		return s.startPlay(cmd.At), nil

	case TimerPlayLimit:
		return s.complete(cmd.At), nil

	case TimerCloseGrace:
		return s.close(protocol.CloseCompleted, cmd.At), nil
	}
	return nil, ErrStaleTimer
}

// sweep is the liveness pass: offline marking, auto-leave, host loss and the
// hard room time limit.
func (s *State) sweep(now time.Time, roll uint64) []Event {
	if s.Rules.RoomTimeLimit > 0 && now.Sub(s.CreatedAt) >= s.Rules.RoomTimeLimit {
		return s.close(protocol.CloseTimeLimit, now)
	}
	if len(s.Participants) == 0 {
		return s.close(protocol.CloseEmpty, now)
	}
	if now.Sub(s.Participants[0].LastHeard) >= s.Rules.HostGrace {
		return s.close(protocol.CloseHostLost, now)
	}

	var events []Event
	for i := len(s.Participants) - 1; i >= 0; i-- {
		p := s.Participants[i]
		silent := now.Sub(p.LastHeard)

		if i > 0 && silent >= s.Rules.HeartbeatTimeout {
			events = append(events, s.leave(i, now, roll)...)
			if s.Closed {
				return events
			}
			continue
		}
		if p.Online && silent >= s.Rules.HeartbeatTimeout/2 {
			s.Participants[i].Online = false
			events = append(events, Event{Type: EvtPresenceChanged, Player: p.ID})
		}
	}
	return events
}

func (s *State) maybeStartCountdown() []Event {
	if s.Phase != PhaseSongSelected || len(s.Participants) < s.Rules.MinPlayers {
		return nil
	}
	for _, p := range s.Participants {
		if !p.Ready {
			return nil
		}
	}

	s.Phase = PhaseCountingDown
	s.Countdown = s.Rules.CountdownTicks
	return []Event{
		{Type: EvtCountdownTick, Remaining: s.Countdown},
		s.armTimer(TimerCountdown, s.Rules.CountdownInterval),
	}
}

func (s *State) startPlay(at time.Time) []Event {
	s.Phase = PhaseInProgress
	s.StartedAt = at
	s.Played = true
	for i := range s.Participants {
		s.Participants[i].Finished = false
		s.Participants[i].Metrics = protocol.Metrics{}
	}
	s.clearVotes()
	return []Event{
		{Type: EvtPlayStarted},
		{Type: EvtStandingsChanged},
		s.armTimer(TimerPlayLimit, s.Rules.MaxPlayDuration),
	}
}

// complete ends play: results go out exactly once and the room lingers for the
// finished grace period before closing.
func (s *State) complete(at time.Time) []Event {
	events := s.cancelTimer()
	events = append(events, s.resultsEvent(at)...)
	s.Phase = PhaseFinished
	events = append(events, Event{Type: EvtStandingsChanged})
	return append(events, s.armTimer(TimerCloseGrace, s.Rules.FinishedGrace))
}

func (s *State) close(reason protocol.CloseReason, at time.Time) []Event {
	events := s.cancelTimer()
	if s.Phase == PhaseInProgress {
		events = append(events, s.resultsEvent(at)...)
	}
	s.Phase = PhaseFinished
	s.Closed = true
	s.CloseReason = reason
	return append(events, Event{Type: EvtClosed, Reason: reason})
}

func (s *State) resultsEvent(at time.Time) []Event {
	if s.ResultsSent || !s.Played || len(s.Participants) == 0 {
		return nil
	}
	s.ResultsSent = true
	return []Event{{Type: EvtSessionComplete, Results: s.results(at)}}
}

func (s *State) armTimer(kind TimerKind, after time.Duration) Event {
	s.TimerGen++
	s.Timer = kind
	return Event{Type: EvtTimerArmed, Timer: kind, After: after, TimerGen: s.TimerGen}
}

func (s *State) cancelTimer() []Event {
	if s.Timer == TimerNone {
		return nil
	}
	kind := s.Timer
	s.Timer = TimerNone
	return []Event{{Type: EvtTimerCancelled, Timer: kind, TimerGen: s.TimerGen}}
}
