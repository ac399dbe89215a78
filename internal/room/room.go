// Package room runs one goroutine per live room. Every command for a room,
// whether from a datagram, a timer or the control plane, goes through its
// inbox, so the engine never sees two commands for the same room at once.
package room

import (
	"context"
	"errors"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/linkplayd/internal/countdown"
	"github.com/DoyleJ11/linkplayd/internal/engine"
	"github.com/DoyleJ11/linkplayd/internal/results"
	"github.com/DoyleJ11/linkplayd/pkg/protocol"
)

var ErrClosed = errors.New("room closed")

type Msg interface{ isRoomMsg() }

type FromClient struct {
	Cmd engine.Command
}

func (FromClient) isRoomMsg() {}

type TimerFired struct {
	Fire countdown.Fire
}

func (TimerFired) isRoomMsg() {}

type Close struct {
	Reason protocol.CloseReason
}

func (Close) isRoomMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isRoomMsg() {}

type Watch struct {
	ID     string
	Outbox chan View
}

func (Watch) isRoomMsg() {}

type Unwatch struct{ ID string }

func (Unwatch) isRoomMsg() {}

type View struct {
	Version  uint32
	Watchers int
	State    engine.State
}

// Sender transmits one encoded datagram.
type Sender interface {
	Send(addr netip.AddrPort, frame []byte) error
}

type Timers interface {
	Schedule(roomID uuid.UUID, code string, kind engine.TimerKind, gen uint64, after time.Duration)
	Cancel(code string, gen uint64)
	CancelRoom(code string)
}

type Options struct {
	Sender        Sender
	Timers        Timers
	Results       results.Sink
	ResultTimeout time.Duration
	SweepInterval time.Duration
	Log           *zap.Logger
	// Tasks tracks result submissions so shutdown can wait for them.
	Tasks *sync.WaitGroup
	Now   func() time.Time
	// Rand supplies the draw for chart votes.
	Rand func() uint64

	OnJoin  func(code string, id engine.PlayerID)
	OnLeave func(code string, id engine.PlayerID)
	OnClose func(r *Room)
}

type Room struct {
	// Immutable copies for callers outside the actor.
	code      string
	id        uuid.UUID
	createdAt time.Time

	inbox    chan Msg
	state    engine.State
	version  uint32
	outSeq   uint32
	watchers map[string]chan View
	opts     Options
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func New(parent context.Context, initial engine.State, opts Options) *Room {
	ctx, cancel := context.WithCancel(parent)
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.Uint64
	}
	if opts.ResultTimeout <= 0 {
		opts.ResultTimeout = 5 * time.Second
	}

	r := &Room{
		code:      initial.Code,
		id:        initial.RoomID,
		createdAt: initial.CreatedAt,

		inbox:    make(chan Msg, 64),
		state:    initial,
		watchers: make(map[string]chan View),
		opts:     opts,
		log:      opts.Log.With(zap.String("room", initial.Code), zap.Stringer("room_id", initial.RoomID)),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go r.loop()
	return r
}

func (r *Room) Code() string          { return r.code }
func (r *Room) ID() uuid.UUID         { return r.id }
func (r *Room) CreatedAt() time.Time  { return r.createdAt }
func (r *Room) Done() <-chan struct{} { return r.done }
func (r *Room) Inbox() chan<- Msg     { return r.inbox }
func (r *Room) Log() *zap.Logger      { return r.log }

// Submit queues m, blocking while the inbox is full.
func (r *Room) Submit(ctx context.Context, m Msg) error {
	select {
	case <-r.done:
		return ErrClosed
	default:
	}
	select {
	case r.inbox <- m:
		return nil
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot asks the actor for a consistent view of its state.
func (r *Room) Snapshot(ctx context.Context) (View, error) {
	reply := make(chan View, 1)
	if err := r.Submit(ctx, GetState{Reply: reply}); err != nil {
		return View{}, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-r.done:
		// The drain may still have answered.
		select {
		case v := <-reply:
			return v, nil
		default:
			return View{}, ErrClosed
		}
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
}

func (r *Room) loop() {
	var sweep <-chan time.Time
	if r.opts.SweepInterval > 0 {
		ticker := time.NewTicker(r.opts.SweepInterval)
		defer ticker.Stop()
		sweep = ticker.C
	}

	for !r.state.Closed {
		select {
		case <-r.ctx.Done():
			r.apply(engine.Command{Type: engine.CmdForceClose, Reason: protocol.CloseShutdown, At: r.opts.Now()})

		case at := <-sweep:
			r.apply(engine.Command{Type: engine.CmdSweep, At: at, Roll: r.opts.Rand()})

		case m := <-r.inbox:
			r.handle(m)
		}
	}
	r.shutdown()
}

func (r *Room) handle(m Msg) {
	switch msg := m.(type) {
	case FromClient:
		r.handleClient(msg.Cmd)

	case TimerFired:
		if msg.Fire.RoomID != r.state.RoomID {
			return
		}
		r.apply(engine.Command{Type: engine.CmdTimerFired, TimerGen: msg.Fire.Gen, At: msg.Fire.At})

	case Close:
		r.apply(engine.Command{Type: engine.CmdForceClose, Reason: msg.Reason, At: r.opts.Now()})

	case GetState:
		msg.Reply <- r.view()

	case Watch:
		r.watchers[msg.ID] = msg.Outbox
		r.notify(msg.ID, msg.Outbox)

	case Unwatch:
		if ch, ok := r.watchers[msg.ID]; ok {
			close(ch)
			delete(r.watchers, msg.ID)
		}
	}
}

func (r *Room) handleClient(cmd engine.Command) {
	if cmd.At.IsZero() {
		cmd.At = r.opts.Now()
	}
	cmd.Roll = r.opts.Rand()

	events, next, err := engine.Apply(r.state, cmd)
	if err != nil {
		reason, reply := RejectReason(err)
		if !reply {
			r.log.Debug("command dropped", zap.Uint8("cmd", uint8(cmd.Type)), zap.Uint32("seq", cmd.Seq), zap.Error(err))
			return
		}
		r.log.Debug("command rejected", zap.Uint8("cmd", uint8(cmd.Type)), zap.Stringer("reason", reason))
		r.sendTo(cmd.Addr, protocol.Rejected{Reason: reason, Sequence: cmd.Seq})
		return
	}

	r.commit(events, next)

	// The leaver is off the roster; tell them directly how things stand.
	if cmd.Type == engine.CmdLeave {
		if r.state.Closed {
			r.sendTo(cmd.Addr, protocol.SessionClosed{Reason: r.state.CloseReason})
		} else {
			r.sendTo(cmd.Addr, r.roomState())
		}
	}
}

func (r *Room) apply(cmd engine.Command) {
	events, next, err := engine.Apply(r.state, cmd)
	if err != nil {
		if !errors.Is(err, engine.ErrStaleTimer) {
			r.log.Warn("internal command failed", zap.Uint8("cmd", uint8(cmd.Type)), zap.Error(err))
		}
		return
	}
	r.commit(events, next)
}

// commit installs next and turns events into side effects. Clients always see
// the new RoomState before any tick, start or close that caused it.
func (r *Room) commit(events []engine.Event, next engine.State) {
	r.state = next

	var (
		changed   bool
		standings bool
		closed    bool
		acks      []engine.PlayerID
		after     []protocol.Message
		relays    []relay
	)

	for _, e := range events {
		switch e.Type {
		case engine.EvtTimerArmed:
			r.opts.Timers.Schedule(r.state.RoomID, r.state.Code, e.Timer, e.TimerGen, e.After)
		case engine.EvtTimerCancelled:
			r.opts.Timers.Cancel(r.state.Code, e.TimerGen)
		case engine.EvtCountdownTick:
			changed = true
			after = append(after, protocol.CountdownTick{
				Remaining:  uint8(e.Remaining),
				IntervalMs: uint32(r.state.Rules.CountdownInterval / time.Millisecond),
			})
		case engine.EvtPlayStarted:
			changed = true
			after = append(after, protocol.StartPlay{
				ChartID:    r.state.ChartID,
				Difficulty: r.state.Difficulty,
				ServerTime: uint64(r.opts.Now().UnixMilli()),
			})
		case engine.EvtStandingsChanged:
			standings = true
		case engine.EvtSessionComplete:
			r.submitResults(e.Results)
		case engine.EvtJoined:
			changed = true
			if r.opts.OnJoin != nil {
				r.opts.OnJoin(r.state.Code, e.Player)
			}
		case engine.EvtLeft:
			changed = true
			if r.opts.OnLeave != nil {
				r.opts.OnLeave(r.state.Code, e.Player)
			}
		case engine.EvtClosed:
			closed = true
		case engine.EvtAck:
			acks = append(acks, e.Player)
		case engine.EvtSticker:
			relays = append(relays, relay{from: e.Player, msg: protocol.StickerRelay{PlayerID: uint64(e.Player), Sticker: e.Sticker}})
		case engine.EvtPreview:
			relays = append(relays, relay{from: e.Player, msg: protocol.PreviewRelay{
				PlayerID:   uint64(e.Player),
				ChartID:    e.ChartID,
				Difficulty: e.Difficulty,
			}})
		default:
			changed = true
		}
	}

	if changed || closed {
		r.version++
		r.notifyAll()
	}
	if changed {
		r.broadcast(r.roomState())
	}
	for _, m := range after {
		r.broadcast(m)
	}
	if standings && len(r.state.Participants) > 0 {
		r.broadcast(protocol.Standings{Entries: r.state.Standings()})
	}
	for _, rl := range relays {
		r.relay(rl)
	}
	if !changed {
		for _, id := range acks {
			if p, ok := r.state.Participant(id); ok {
				r.sendTo(p.Addr, r.roomState())
			}
		}
	}
	if closed {
		r.log.Info("room closed", zap.Stringer("reason", r.state.CloseReason))
		r.broadcast(protocol.SessionClosed{Reason: r.state.CloseReason})
	}
}

func (r *Room) submitResults(res []engine.Result) {
	if r.opts.Results == nil || len(res) == 0 {
		return
	}
	if r.opts.Tasks != nil {
		r.opts.Tasks.Add(1)
	}
	sink, timeout, log := r.opts.Results, r.opts.ResultTimeout, r.log
	go func() {
		if r.opts.Tasks != nil {
			defer r.opts.Tasks.Done()
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := sink.Submit(ctx, res); err != nil {
			log.Error("submit results", zap.Int("players", len(res)), zap.Error(err))
			return
		}
		log.Info("results submitted", zap.Int("players", len(res)))
	}()
}

func (r *Room) view() View {
	return View{Version: r.version, Watchers: len(r.watchers), State: r.state}
}

func (r *Room) roomState() protocol.RoomState {
	s := r.state
	rs := protocol.RoomState{
		RoomCode:   s.Code,
		Phase:      uint8(s.Phase),
		Version:    r.version,
		ChartID:    s.ChartID,
		Difficulty: s.Difficulty,
		Countdown:  uint8(s.Countdown),
		Public:     s.Public,
		RoundMode:  uint8(s.RoundMode),
	}
	if host, ok := s.Host(); ok {
		rs.HostID = uint64(host.ID)
	}
	for _, p := range s.Participants {
		rs.Participants = append(rs.Participants, protocol.ParticipantState{
			PlayerID: uint64(p.ID),
			Name:     p.Name,
			Ready:    p.Ready,
			Finished: p.Finished,
			Online:   p.Online,
			Voted:    p.Voted,
		})
	}
	return rs
}

func (r *Room) frame(m protocol.Message) []byte {
	r.outSeq++
	b, err := protocol.Build(m, r.outSeq, r.state.Code, "")
	if err != nil {
		r.log.Error("encode outbound", zap.Stringer("op", m.Opcode()), zap.Error(err))
		return nil
	}
	return b
}

func (r *Room) broadcast(m protocol.Message) {
	b := r.frame(m)
	if b == nil {
		return
	}
	for _, p := range r.state.Participants {
		r.send(p.Addr, b)
	}
}

type relay struct {
	from engine.PlayerID
	msg  protocol.Message
}

// relay forwards a sender's message to every other online participant.
func (r *Room) relay(rl relay) {
	b := r.frame(rl.msg)
	if b == nil {
		return
	}
	for _, p := range r.state.Participants {
		if p.ID != rl.from && p.Online {
			r.send(p.Addr, b)
		}
	}
}

func (r *Room) sendTo(addr netip.AddrPort, m protocol.Message) {
	if !addr.IsValid() {
		return
	}
	if b := r.frame(m); b != nil {
		r.send(addr, b)
	}
}

func (r *Room) send(addr netip.AddrPort, b []byte) {
	if !addr.IsValid() || r.opts.Sender == nil {
		return
	}
	if err := r.opts.Sender.Send(addr, b); err != nil {
		r.log.Debug("send failed", zap.Stringer("addr", addr), zap.Error(err))
	}
}

func (r *Room) notifyAll() {
	for id, ch := range r.watchers {
		r.notify(id, ch)
	}
}

func (r *Room) notify(id string, ch chan View) {
	select {
	case ch <- r.view():
	default:
		// A full outbox means the watcher fell behind; it is dropped.
		close(ch)
		delete(r.watchers, id)
	}
}

func (r *Room) shutdown() {
	r.opts.Timers.CancelRoom(r.state.Code)
	if r.opts.OnClose != nil {
		r.opts.OnClose(r)
	}
	r.cancel()
	close(r.done)

	for id, ch := range r.watchers {
		close(ch)
		delete(r.watchers, id)
	}

	// Anything that raced into the inbox gets a definite answer.
	for {
		select {
		case m := <-r.inbox:
			r.drain(m)
		default:
			return
		}
	}
}

func (r *Room) drain(m Msg) {
	switch msg := m.(type) {
	case FromClient:
		r.sendTo(msg.Cmd.Addr, protocol.Rejected{Reason: protocol.ReasonNoSuchRoom, Sequence: msg.Cmd.Seq})
	case GetState:
		msg.Reply <- r.view()
	case Watch:
		close(msg.Outbox)
	}
}

// RejectReason maps an engine error to the reason reported to the client.
// Stale sequences and timers are dropped without a reply.
func RejectReason(err error) (protocol.RejectReason, bool) {
	switch {
	case errors.Is(err, engine.ErrStaleSequence), errors.Is(err, engine.ErrStaleTimer):
		return protocol.ReasonUnknown, false
	case errors.Is(err, engine.ErrRoomFull):
		return protocol.ReasonRoomFull, true
	case errors.Is(err, engine.ErrNotHost):
		return protocol.ReasonNotHost, true
	case errors.Is(err, engine.ErrNotParticipant):
		return protocol.ReasonNotParticipant, true
	case errors.Is(err, engine.ErrInvalidTransition):
		return protocol.ReasonInvalidTransition, true
	case errors.Is(err, engine.ErrRoomClosed), errors.Is(err, ErrClosed):
		return protocol.ReasonNoSuchRoom, true
	default:
		return protocol.ReasonUnknown, true
	}
}
