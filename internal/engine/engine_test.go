package engine

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/linkplayd/pkg/protocol"
)

var t0 = time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

// harness tracks per-player sequence numbers so tests read as a script.
type harness struct {
	t   *testing.T
	s   State
	seq map[PlayerID]uint32
	now time.Time
}

func newHarness(t *testing.T, players ...PlayerID) *harness {
	t.Helper()
	h := &harness{t: t, s: NewState("AB12", DefaultRules(), t0), seq: map[PlayerID]uint32{}, now: t0}
	for _, id := range players {
		h.must(CmdJoin, id)
	}
	return h
}

func (h *harness) send(typ CommandType, id PlayerID, mods ...func(*Command)) ([]Event, error) {
	h.seq[id]++
	cmd := Command{
		Type:   typ,
		Player: Identity{ID: id, Name: fmt.Sprintf("p%d", id)},
		Seq:    h.seq[id],
		At:     h.now,
	}
	for _, m := range mods {
		m(&cmd)
	}
	events, next, err := Apply(h.s, cmd)
	h.s = next
	return events, err
}

func (h *harness) must(typ CommandType, id PlayerID, mods ...func(*Command)) []Event {
	h.t.Helper()
	events, err := h.send(typ, id, mods...)
	require.NoError(h.t, err)
	return events
}

func (h *harness) fire() ([]Event, error) {
	events, next, err := Apply(h.s, Command{Type: CmdTimerFired, TimerGen: h.s.TimerGen, At: h.now})
	h.s = next
	return events, err
}

// startCountdown selects a chart and readies everyone.
func (h *harness) startCountdown() []Event {
	h.t.Helper()
	h.must(CmdSelectSong, h.s.Participants[0].ID, chart("grievouslady", 2))
	var last []Event
	for _, p := range h.s.Participants {
		last = h.must(CmdReady, p.ID)
	}
	require.Equal(h.t, PhaseCountingDown, h.s.Phase)
	return last
}

func (h *harness) startPlay() {
	h.t.Helper()
	h.startCountdown()
	for h.s.Phase == PhaseCountingDown {
		_, err := h.fire()
		require.NoError(h.t, err)
	}
	require.Equal(h.t, PhaseInProgress, h.s.Phase)
}

func chart(id string, diff uint8) func(*Command) {
	return func(c *Command) { c.ChartID, c.Difficulty = id, diff }
}

func metrics(score uint32) func(*Command) {
	return func(c *Command) { c.Metrics = protocol.Metrics{Score: score, Combo: 10, Progress: 1000} }
}

func findEvent(events []Event, typ EventType) (Event, bool) {
	for _, e := range events {
		if e.Type == typ {
			return e, true
		}
	}
	return Event{}, false
}

func countEvents(events []Event, typ EventType) int {
	n := 0
	for _, e := range events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func TestJoin_FirstJoinerIsHost(t *testing.T) {
	h := newHarness(t)
	events := h.must(CmdJoin, 7)

	assert.True(t, ContainsEvent(events, EvtJoined))
	ev, ok := findEvent(events, EvtHostChanged)
	require.True(t, ok)
	assert.Equal(t, PlayerID(7), ev.Player)

	events = h.must(CmdJoin, 8)
	assert.False(t, ContainsEvent(events, EvtHostChanged))
	host, _ := h.s.Host()
	assert.Equal(t, PlayerID(7), host.ID)
}

func TestJoin_CapacityInvariant(t *testing.T) {
	h := newHarness(t, 1, 2, 3, 4)

	_, err := h.send(CmdJoin, 5)
	require.ErrorIs(t, err, ErrRoomFull)
	assert.Len(t, h.s.Participants, 4)
}

func TestJoin_RejectedOncePlayBegins(t *testing.T) {
	cases := []struct {
		name  string
		setup func(h *harness)
	}{
		{name: "counting down", setup: func(h *harness) { h.startCountdown() }},
		{name: "in progress", setup: func(h *harness) { h.startPlay() }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, 1, 2)
			tc.setup(h)
			_, err := h.send(CmdJoin, 3)
			require.ErrorIs(t, err, ErrInvalidTransition)
			assert.Len(t, h.s.Participants, 2)
		})
	}
}

func TestJoin_ReplayedJoinIsStale(t *testing.T) {
	h := newHarness(t, 1, 2)
	h.startPlay()
	h.must(CmdProgress, 2, metrics(900))
	before := h.s

	// The very first Join datagram, captured and sent again mid-play.
	events, next, err := Apply(h.s, Command{Type: CmdJoin, Player: Identity{ID: 2, Name: "p2"}, Seq: 1, At: t0})
	require.ErrorIs(t, err, ErrStaleSequence)
	assert.Nil(t, events)
	assert.Equal(t, before, next)

	// The window did not reopen: an old progress snapshot is still refused.
	_, _, err = Apply(next, Command{Type: CmdProgress, Player: Identity{ID: 2}, Seq: 2, At: t0, Metrics: protocol.Metrics{Score: 1}})
	require.ErrorIs(t, err, ErrStaleSequence)
	p, _ := next.Participant(2)
	assert.Equal(t, uint32(900), p.Metrics.Score)
}

func TestJoin_RetransmittedJoinIsAcked(t *testing.T) {
	h := newHarness(t, 1, 2)

	events := h.must(CmdJoin, 2)
	assert.True(t, ContainsEvent(events, EvtAck))
	assert.False(t, ContainsEvent(events, EvtJoined))
	assert.Len(t, h.s.Participants, 2)
}

func withNonce(n uint64) func(*Command) {
	return func(c *Command) { c.Nonce = n }
}

func TestJoin_NewerLaunchNonceReseeds(t *testing.T) {
	h := newHarness(t)
	h.must(CmdJoin, 1)
	h.must(CmdJoin, 2, withNonce(100))
	h.must(CmdHeartbeat, 2)
	h.must(CmdHeartbeat, 2)

	// Client restarted: new launch, counter back at 1.
	h.seq[2] = 0
	events := h.must(CmdJoin, 2, withNonce(200))
	assert.True(t, ContainsEvent(events, EvtAck))
	p, _ := h.s.Participant(2)
	assert.Equal(t, uint64(200), p.Nonce)
	assert.Equal(t, uint32(1), p.LastSeq)
	h.must(CmdHeartbeat, 2)

	cases := []struct {
		name  string
		nonce uint64
	}{
		{name: "current launch", nonce: 200},
		{name: "earlier launch", nonce: 100},
		{name: "no nonce", nonce: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, next, err := Apply(h.s, Command{Type: CmdJoin, Player: Identity{ID: 2}, Seq: 1, Nonce: tc.nonce, At: t0})
			require.ErrorIs(t, err, ErrStaleSequence)
			assert.Equal(t, h.s, next)
		})
	}
}

func TestCommand_FromNonParticipant(t *testing.T) {
	h := newHarness(t, 1)
	for _, typ := range []CommandType{CmdLeave, CmdReady, CmdUnready, CmdSelectSong, CmdHeartbeat, CmdProgress, CmdFinish, CmdVote, CmdSticker, CmdPreview, CmdSettings} {
		_, err := h.send(typ, 99)
		assert.ErrorIs(t, err, ErrNotParticipant, "command %d", typ)
	}
}

func TestSequence_StaleIsDropped(t *testing.T) {
	h := newHarness(t, 1, 2)
	h.must(CmdHeartbeat, 1)
	before := h.s

	events, next, err := Apply(h.s, Command{Type: CmdReady, Player: Identity{ID: 1}, Seq: 1, At: t0})
	require.ErrorIs(t, err, ErrStaleSequence)
	assert.Nil(t, events)
	assert.Equal(t, before, next)
}

func TestSelectSong(t *testing.T) {
	h := newHarness(t, 1, 2)

	_, err := h.send(CmdSelectSong, 2, chart("x", 1))
	require.ErrorIs(t, err, ErrNotHost)
	assert.Equal(t, PhaseLobby, h.s.Phase)

	h.must(CmdReady, 2)
	events := h.must(CmdSelectSong, 1, chart("fractureray", 3))
	assert.True(t, ContainsEvent(events, EvtChartSelected))
	assert.Equal(t, PhaseSongSelected, h.s.Phase)
	assert.Equal(t, "fractureray", h.s.ChartID)
	assert.Equal(t, uint8(3), h.s.Difficulty)

	p, _ := h.s.Participant(2)
	assert.False(t, p.Ready, "changing the chart clears readiness")
}

func TestReady_LobbyOnlyTogglesFlag(t *testing.T) {
	h := newHarness(t, 1, 2)
	h.must(CmdReady, 1)
	h.must(CmdReady, 2)

	assert.Equal(t, PhaseLobby, h.s.Phase)
	for _, p := range h.s.Participants {
		assert.True(t, p.Ready)
	}
}

func TestReady_SoloPlayerNeverCountsDown(t *testing.T) {
	h := newHarness(t, 1)
	h.must(CmdSelectSong, 1, chart("x", 0))
	h.must(CmdReady, 1)
	assert.Equal(t, PhaseSongSelected, h.s.Phase)
	assert.Equal(t, TimerNone, h.s.Timer)
}

func TestCountdown_TickStreamThenStartPlay(t *testing.T) {
	h := newHarness(t, 1, 2)
	first := h.startCountdown()

	var ticks []int
	tick, ok := findEvent(first, EvtCountdownTick)
	require.True(t, ok)
	ticks = append(ticks, tick.Remaining)
	armed, ok := findEvent(first, EvtTimerArmed)
	require.True(t, ok)
	assert.Equal(t, TimerCountdown, armed.Timer)
	assert.Equal(t, time.Second, armed.After)

	starts := 0
	for h.s.Phase == PhaseCountingDown {
		events, err := h.fire()
		require.NoError(t, err)
		for _, e := range events {
			switch e.Type {
			case EvtCountdownTick:
				ticks = append(ticks, e.Remaining)
			case EvtPlayStarted:
				starts++
			}
		}
	}

	assert.Equal(t, []int{3, 2, 1}, ticks)
	assert.Equal(t, 1, starts)
	assert.Equal(t, PhaseInProgress, h.s.Phase)
	assert.Equal(t, TimerPlayLimit, h.s.Timer)
	assert.True(t, h.s.Played)
}

func TestCountdown_LeaveCancelsAndReturnsToSongSelected(t *testing.T) {
	h := newHarness(t, 1, 2, 3)
	h.startCountdown()
	h.fire()
	staleGen := h.s.TimerGen

	events := h.must(CmdLeave, 3)
	assert.True(t, ContainsEvent(events, EvtTimerCancelled))
	assert.Equal(t, PhaseSongSelected, h.s.Phase)
	assert.Equal(t, TimerNone, h.s.Timer)
	for _, p := range h.s.Participants {
		assert.False(t, p.Ready)
	}

	_, _, err := Apply(h.s, Command{Type: CmdTimerFired, TimerGen: staleGen, At: t0})
	require.ErrorIs(t, err, ErrStaleTimer)
}

func TestCountdown_UnreadyCancels(t *testing.T) {
	h := newHarness(t, 1, 2)
	h.startCountdown()

	events := h.must(CmdUnready, 2)
	assert.True(t, ContainsEvent(events, EvtTimerCancelled))
	assert.Equal(t, PhaseSongSelected, h.s.Phase)

	// Ready during a countdown is acknowledged without changing anything.
	h.startCountdown()
	before := h.s.Countdown
	events = h.must(CmdReady, 1)
	assert.Equal(t, []Event{{Type: EvtAck, Player: 1}}, events)
	assert.Equal(t, before, h.s.Countdown)
}

func TestTimer_StaleGenerationRejected(t *testing.T) {
	h := newHarness(t, 1, 2)
	h.startCountdown()
	gen := h.s.TimerGen
	_, err := h.fire()
	require.NoError(t, err)

	_, _, err = Apply(h.s, Command{Type: CmdTimerFired, TimerGen: gen, At: t0})
	require.ErrorIs(t, err, ErrStaleTimer)
}

func TestProgress_ReplayIsIdempotent(t *testing.T) {
	h := newHarness(t, 1, 2)
	h.startPlay()

	h.must(CmdProgress, 1, metrics(5000))
	once := h.s.Standings()

	h.must(CmdProgress, 1, metrics(5000))
	assert.Equal(t, once, h.s.Standings())

	// A replayed datagram carries an old sequence number.
	_, _, err := Apply(h.s, Command{Type: CmdProgress, Player: Identity{ID: 1}, Seq: h.seq[1] - 1, At: t0, Metrics: protocol.Metrics{Score: 1}})
	require.ErrorIs(t, err, ErrStaleSequence)
	assert.Equal(t, once, h.s.Standings())
}

func TestProgress_OutsidePlayRejected(t *testing.T) {
	h := newHarness(t, 1, 2)
	_, err := h.send(CmdProgress, 1, metrics(1))
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = h.send(CmdFinish, 1, metrics(1))
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestFinish_CompletesSessionOnce(t *testing.T) {
	h := newHarness(t, 1, 2)
	h.startPlay()

	events := h.must(CmdFinish, 1, metrics(9000))
	assert.False(t, ContainsEvent(events, EvtSessionComplete))

	dup := h.must(CmdFinish, 1, metrics(1))
	assert.Equal(t, []Event{{Type: EvtAck, Player: 1}}, dup)
	p, _ := h.s.Participant(1)
	assert.Equal(t, uint32(9000), p.Metrics.Score)

	events = h.must(CmdFinish, 2, metrics(9500))
	require.Equal(t, 1, countEvents(events, EvtSessionComplete))
	assert.Equal(t, PhaseFinished, h.s.Phase)
	assert.Equal(t, TimerCloseGrace, h.s.Timer)

	done, _ := findEvent(events, EvtSessionComplete)
	require.Len(t, done.Results, 2)
	assert.Equal(t, PlayerID(2), done.Results[0].Player.ID)
	assert.Equal(t, 1, done.Results[0].Rank)
	assert.True(t, done.Results[0].BestPlayer)
	assert.Equal(t, 2, done.Results[1].Rank)
	assert.False(t, done.Results[1].BestPlayer)
	assert.Equal(t, "grievouslady", done.Results[0].ChartID)

	_, err := h.send(CmdFinish, 1, metrics(1))
	require.ErrorIs(t, err, ErrInvalidTransition)

	events, err = h.fire()
	require.NoError(t, err)
	assert.Zero(t, countEvents(events, EvtSessionComplete))
	closed, ok := findEvent(events, EvtClosed)
	require.True(t, ok)
	assert.Equal(t, protocol.CloseCompleted, closed.Reason)
	assert.True(t, h.s.Closed)
}

func TestPlayLimit_CompletesSession(t *testing.T) {
	h := newHarness(t, 1, 2)
	h.startPlay()
	h.must(CmdFinish, 1, metrics(100))

	events, err := h.fire()
	require.NoError(t, err)
	done, ok := findEvent(events, EvtSessionComplete)
	require.True(t, ok)
	require.Len(t, done.Results, 2)
	assert.False(t, done.Results[1].Finished)
	assert.Equal(t, PhaseFinished, h.s.Phase)
}

func TestLeave_LastParticipantClosesRoom(t *testing.T) {
	h := newHarness(t, 1)
	events := h.must(CmdLeave, 1)

	closed, ok := findEvent(events, EvtClosed)
	require.True(t, ok)
	assert.Equal(t, protocol.CloseEmpty, closed.Reason)
	assert.True(t, h.s.Closed)

	_, _, err := Apply(h.s, Command{Type: CmdJoin, Player: Identity{ID: 2}, Seq: 1, At: t0})
	require.ErrorIs(t, err, ErrRoomClosed)
}

func TestLeave_HostPassesToNextInJoinOrder(t *testing.T) {
	h := newHarness(t, 1, 2, 3)
	events := h.must(CmdLeave, 1)

	ev, ok := findEvent(events, EvtHostChanged)
	require.True(t, ok)
	assert.Equal(t, PlayerID(2), ev.Player)
}

func TestLeave_DuringPlayCompletesWhenRestFinished(t *testing.T) {
	h := newHarness(t, 1, 2)
	h.startPlay()
	h.must(CmdFinish, 1, metrics(100))

	events := h.must(CmdLeave, 2)
	done, ok := findEvent(events, EvtSessionComplete)
	require.True(t, ok)
	assert.Len(t, done.Results, 1)
}

func TestSweep(t *testing.T) {
	rules := DefaultRules()

	t.Run("silent guest goes offline then leaves", func(t *testing.T) {
		h := newHarness(t, 1, 2)
		h.now = t0.Add(rules.HeartbeatTimeout / 2)
		h.must(CmdHeartbeat, 1)

		events, next, err := Apply(h.s, Command{Type: CmdSweep, At: h.now})
		require.NoError(t, err)
		h.s = next
		ev, ok := findEvent(events, EvtPresenceChanged)
		require.True(t, ok)
		assert.Equal(t, PlayerID(2), ev.Player)
		p, _ := h.s.Participant(2)
		assert.False(t, p.Online)

		h.now = t0.Add(rules.HeartbeatTimeout)
		h.must(CmdHeartbeat, 1)
		events, next, err = Apply(h.s, Command{Type: CmdSweep, At: h.now})
		require.NoError(t, err)
		h.s = next
		assert.True(t, ContainsEvent(events, EvtLeft))
		assert.Len(t, h.s.Participants, 1)
	})

	t.Run("heartbeat brings a guest back online", func(t *testing.T) {
		h := newHarness(t, 1, 2)
		h.now = t0.Add(rules.HeartbeatTimeout / 2)
		h.must(CmdHeartbeat, 1)
		_, next, err := Apply(h.s, Command{Type: CmdSweep, At: h.now})
		require.NoError(t, err)
		h.s = next

		events := h.must(CmdHeartbeat, 2)
		assert.True(t, ContainsEvent(events, EvtPresenceChanged))
		assert.True(t, ContainsEvent(events, EvtAck))
		p, _ := h.s.Participant(2)
		assert.True(t, p.Online)
	})

	t.Run("silent host closes the room", func(t *testing.T) {
		h := newHarness(t, 1, 2)
		h.now = t0.Add(rules.HostGrace)
		h.must(CmdHeartbeat, 2)

		events, next, err := Apply(h.s, Command{Type: CmdSweep, At: h.now})
		require.NoError(t, err)
		closed, ok := findEvent(events, EvtClosed)
		require.True(t, ok)
		assert.Equal(t, protocol.CloseHostLost, closed.Reason)
		assert.True(t, next.Closed)
	})

	t.Run("room time limit", func(t *testing.T) {
		h := newHarness(t, 1)
		events, _, err := Apply(h.s, Command{Type: CmdSweep, At: t0.Add(rules.RoomTimeLimit)})
		require.NoError(t, err)
		closed, ok := findEvent(events, EvtClosed)
		require.True(t, ok)
		assert.Equal(t, protocol.CloseTimeLimit, closed.Reason)
	})

	t.Run("nothing to do", func(t *testing.T) {
		h := newHarness(t, 1, 2)
		events, next, err := Apply(h.s, Command{Type: CmdSweep, At: t0.Add(time.Second)})
		require.NoError(t, err)
		assert.Empty(t, events)
		assert.Equal(t, h.s, next)
	})
}

func TestForceClose_DuringPlaySubmitsResults(t *testing.T) {
	h := newHarness(t, 1, 2)
	h.startPlay()
	h.must(CmdProgress, 1, metrics(10))

	events, next, err := Apply(h.s, Command{Type: CmdForceClose, Reason: protocol.CloseAdmin, At: t0})
	require.NoError(t, err)
	assert.Equal(t, 1, countEvents(events, EvtSessionComplete))
	assert.True(t, ContainsEvent(events, EvtTimerCancelled))
	assert.True(t, next.Closed)
	assert.Equal(t, protocol.CloseAdmin, next.CloseReason)
}

func TestForceClose_BeforePlayHasNoResults(t *testing.T) {
	h := newHarness(t, 1, 2)
	events, _, err := Apply(h.s, Command{Type: CmdForceClose, Reason: protocol.CloseShutdown, At: t0})
	require.NoError(t, err)
	assert.False(t, ContainsEvent(events, EvtSessionComplete))
}

func TestStandings_TiesShareRank(t *testing.T) {
	s := NewState("AB12", DefaultRules(), t0)
	s.Participants = []Participant{
		{Identity: Identity{ID: 1}, Metrics: protocol.Metrics{Score: 500}},
		{Identity: Identity{ID: 2}, Metrics: protocol.Metrics{Score: 900}},
		{Identity: Identity{ID: 3}, Metrics: protocol.Metrics{Score: 500}},
	}

	got := s.Standings()
	require.Len(t, got, 3)
	assert.Equal(t, []uint64{2, 1, 3}, []uint64{got[0].PlayerID, got[1].PlayerID, got[2].PlayerID})
	assert.Equal(t, []uint8{1, 2, 2}, []uint8{got[0].Rank, got[1].Rank, got[2].Rank})
}

func TestApply_DoesNotMutateInput(t *testing.T) {
	h := newHarness(t, 1, 2)
	before := h.s
	snapshot := append([]Participant(nil), before.Participants...)

	_, _, err := Apply(before, Command{Type: CmdReady, Player: Identity{ID: 2}, Seq: 10, At: t0})
	require.NoError(t, err)
	assert.Equal(t, snapshot, before.Participants)
}

func voteMode(h *harness) {
	h.t.Helper()
	h.must(CmdSettings, h.s.Participants[0].ID, func(c *Command) { c.RoundMode = RoundVote })
}

func ballot(id string, diff uint8, roll uint64) func(*Command) {
	return func(c *Command) { c.ChartID, c.Difficulty, c.Roll = id, diff, roll }
}

func TestVote_ResolvesOnceEveryoneVoted(t *testing.T) {
	h := newHarness(t, 1, 2, 3)
	voteMode(h)

	events := h.must(CmdVote, 1, ballot("grievouslady", 2, 0))
	assert.True(t, ContainsEvent(events, EvtVoteCast))
	assert.False(t, ContainsEvent(events, EvtChartSelected))
	h.must(CmdVote, 2, ballot("", 0, 0))

	// Two real ballots; roll 1 picks the second of them (player 3).
	events = h.must(CmdVote, 3, ballot("fractureray", 3, 1))
	ev, ok := findEvent(events, EvtChartSelected)
	require.True(t, ok)
	assert.Equal(t, PlayerID(3), ev.Player)
	assert.Equal(t, PhaseSongSelected, h.s.Phase)
	assert.Equal(t, "fractureray", h.s.ChartID)
	assert.Equal(t, uint8(3), h.s.Difficulty)
	for _, p := range h.s.Participants {
		assert.False(t, p.Voted, "ballots are spent once the chart is drawn")
	}
}

func TestVote_EveryoneAbstainedStartsOver(t *testing.T) {
	h := newHarness(t, 1, 2)
	voteMode(h)
	h.must(CmdVote, 1, ballot("", 0, 0))
	events := h.must(CmdVote, 2, ballot("", 0, 0))

	assert.False(t, ContainsEvent(events, EvtChartSelected))
	assert.Equal(t, PhaseLobby, h.s.Phase)
	for _, p := range h.s.Participants {
		assert.False(t, p.Voted)
	}
}

func TestVote_LeaverNoLongerBlocksTheDraw(t *testing.T) {
	h := newHarness(t, 1, 2, 3)
	voteMode(h)
	h.must(CmdVote, 1, ballot("tempestissimo", 3, 0))
	h.must(CmdVote, 2, ballot("tempestissimo", 3, 0))

	events := h.must(CmdLeave, 3)
	assert.True(t, ContainsEvent(events, EvtChartSelected))
	assert.Equal(t, "tempestissimo", h.s.ChartID)
}

func TestVote_Rejections(t *testing.T) {
	t.Run("host pick mode", func(t *testing.T) {
		h := newHarness(t, 1, 2)
		_, err := h.send(CmdVote, 2, ballot("x", 0, 0))
		require.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("alone in the room", func(t *testing.T) {
		h := newHarness(t, 1)
		voteMode(h)
		_, err := h.send(CmdVote, 1, ballot("x", 0, 0))
		require.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("during countdown", func(t *testing.T) {
		h := newHarness(t, 1, 2)
		h.startCountdown()
		h.s.RoundMode = RoundVote
		_, err := h.send(CmdVote, 2, ballot("x", 0, 0))
		require.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("host cannot override the ballot", func(t *testing.T) {
		h := newHarness(t, 1, 2)
		voteMode(h)
		_, err := h.send(CmdSelectSong, 1, chart("x", 0))
		require.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestSettings(t *testing.T) {
	h := newHarness(t, 1, 2)

	_, err := h.send(CmdSettings, 2, func(c *Command) { c.Public = true })
	require.ErrorIs(t, err, ErrNotHost)
	_, err = h.send(CmdSettings, 1, func(c *Command) { c.RoundMode = RoundVote + 1 })
	require.ErrorIs(t, err, ErrInvalidTransition)

	events := h.must(CmdSettings, 1, func(c *Command) { c.Public = true })
	assert.True(t, ContainsEvent(events, EvtSettingsChanged))
	assert.True(t, h.s.Public)
	assert.Equal(t, RoundVote, h.s.RoundMode, "public rooms always vote")

	h.must(CmdVote, 2, ballot("x", 0, 0))
	h.must(CmdSettings, 1, func(c *Command) { c.RoundMode = RoundHostPick })
	p, _ := h.s.Participant(2)
	assert.False(t, p.Voted, "switching mode discards ballots")
	assert.False(t, h.s.Public)
}

func TestMatchable(t *testing.T) {
	h := newHarness(t, 1)
	assert.False(t, h.s.Matchable(), "private")

	h.must(CmdSettings, 1, func(c *Command) { c.Public = true })
	assert.True(t, h.s.Matchable())

	h.must(CmdJoin, 2)
	h.must(CmdJoin, 3)
	h.must(CmdJoin, 4)
	assert.False(t, h.s.Matchable(), "full")

	h.must(CmdLeave, 4)
	h.must(CmdVote, 1, ballot("x", 0, 0))
	h.must(CmdVote, 2, ballot("x", 0, 0))
	h.must(CmdVote, 3, ballot("x", 0, 0))
	assert.Equal(t, PhaseSongSelected, h.s.Phase)
	assert.False(t, h.s.Matchable(), "song already chosen")
}

func TestRelays(t *testing.T) {
	h := newHarness(t, 1, 2)

	events := h.must(CmdSticker, 2, func(c *Command) { c.Sticker = 14 })
	ev, ok := findEvent(events, EvtSticker)
	require.True(t, ok)
	assert.Equal(t, PlayerID(2), ev.Player)
	assert.Equal(t, uint16(14), ev.Sticker)

	events = h.must(CmdPreview, 1, chart("ringedgenesis", 2))
	ev, ok = findEvent(events, EvtPreview)
	require.True(t, ok)
	assert.Equal(t, "ringedgenesis", ev.ChartID)
	assert.Equal(t, uint8(2), ev.Difficulty)
	assert.Empty(t, h.s.ChartID, "a preview never selects")

	h.startPlay()
	_, err := h.send(CmdPreview, 1, chart("x", 0))
	require.ErrorIs(t, err, ErrInvalidTransition)
	h.must(CmdSticker, 1, func(c *Command) { c.Sticker = 1 })
}
