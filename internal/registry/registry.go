// Package registry maps room codes to live room actors and tracks which room
// each player is seated in.
package registry

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/linkplayd/internal/countdown"
	"github.com/DoyleJ11/linkplayd/internal/engine"
	"github.com/DoyleJ11/linkplayd/internal/results"
	"github.com/DoyleJ11/linkplayd/internal/room"
	"github.com/DoyleJ11/linkplayd/pkg/protocol"
)

var ErrNoSuchRoom = errors.New("no such room")
var ErrCodeSpaceExhausted = errors.New("room code space exhausted")

// GenerateCode returns four letters followed by two digits.
func GenerateCode() (string, error) {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	const digits = "0123456789"

	code := make([]byte, protocol.CodeLen)
	for i := range code {
		charset := letters
		if i >= 4 {
			charset = digits
		}
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		code[i] = charset[num.Int64()]
	}
	return string(code), nil
}

type Options struct {
	Rules         engine.Rules
	Sender        room.Sender
	Results       results.Sink
	ResultTimeout time.Duration
	SweepInterval time.Duration
	Log           *zap.Logger
	GenerateCode  func() (string, error)
	CodeAttempts  int
	Now           func() time.Time
}

type Registry struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   Options
	log    *zap.Logger
	timers *countdown.Scheduler
	tasks  sync.WaitGroup

	mu      sync.RWMutex
	rooms   map[string]*room.Room
	members map[engine.PlayerID]string
}

func New(parent context.Context, opts Options) *Registry {
	ctx, cancel := context.WithCancel(parent)
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.GenerateCode == nil {
		opts.GenerateCode = GenerateCode
	}
	if opts.CodeAttempts <= 0 {
		opts.CodeAttempts = 32
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	r := &Registry{
		ctx:     ctx,
		cancel:  cancel,
		opts:    opts,
		log:     opts.Log,
		rooms:   make(map[string]*room.Room),
		members: make(map[engine.PlayerID]string),
	}
	r.timers = countdown.New(r.deliver)
	return r
}

// Create starts a room under a fresh code.
func (r *Registry) Create() (*room.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createLocked()
}

func (r *Registry) createLocked() (*room.Room, error) {
	for i := 0; i < r.opts.CodeAttempts; i++ {
		code, err := r.opts.GenerateCode()
		if err != nil {
			return nil, err
		}
		code = protocol.NormalizeCode(code)
		if _, taken := r.rooms[code]; taken {
			r.log.Debug("collision on code, regenerating", zap.String("code", code))
			continue
		}

		state := engine.NewState(code, r.opts.Rules, r.opts.Now())
		rm := room.New(r.ctx, state, room.Options{
			Sender:        r.opts.Sender,
			Timers:        r.timers,
			Results:       r.opts.Results,
			ResultTimeout: r.opts.ResultTimeout,
			SweepInterval: r.opts.SweepInterval,
			Log:           r.log,
			Tasks:         &r.tasks,
			Now:           r.opts.Now,
			OnJoin:        r.bind,
			OnLeave:       r.unbind,
			OnClose:       r.remove,
		})
		r.rooms[code] = rm
		r.log.Info("room created", zap.String("room", code), zap.Stringer("room_id", rm.ID()))
		return rm, nil
	}
	return nil, ErrCodeSpaceExhausted
}

func (r *Registry) Get(code string) (*room.Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[protocol.NormalizeCode(code)]
	return rm, ok
}

// RoomOf returns the code of the room the player is seated in.
func (r *Registry) RoomOf(id engine.PlayerID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	code, ok := r.members[id]
	return code, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// List returns live rooms ordered by creation time, then code.
func (r *Registry) List(offset, limit int) []*room.Room {
	r.mu.RLock()
	all := make([]*room.Room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		all = append(all, rm)
	}
	r.mu.RUnlock()

	slices.SortFunc(all, func(a, b *room.Room) int {
		if c := a.CreatedAt().Compare(b.CreatedAt()); c != 0 {
			return c
		}
		return strings.Compare(a.Code(), b.Code())
	})

	if offset >= len(all) {
		return nil
	}
	all = all[offset:]
	if limit >= 0 && limit < len(all) {
		all = all[:limit]
	}
	return all
}

// Route forwards a client command to the named room.
func (r *Registry) Route(ctx context.Context, code string, cmd engine.Command) error {
	rm, ok := r.Get(code)
	if !ok {
		return ErrNoSuchRoom
	}
	return submit(ctx, rm, room.FromClient{Cmd: cmd})
}

// Join seats the sender in the room named by code. With no code the player
// lands in the room they already occupy, or a new one when they have none, so
// a retransmitted code-less Join never opens a second room. A player joining a
// named room while seated elsewhere is removed from the old room first.
func (r *Registry) Join(ctx context.Context, code string, cmd engine.Command) (string, error) {
	var rm *room.Room
	if code == "" {
		own, err := r.ownRoom(cmd.Player.ID)
		if err != nil {
			return "", err
		}
		rm = own
	} else {
		found, ok := r.Get(code)
		if !ok {
			return "", ErrNoSuchRoom
		}
		rm = found
	}

	if prev, ok := r.RoomOf(cmd.Player.ID); ok && prev != rm.Code() {
		r.evict(ctx, prev, cmd.Player)
	}

	cmd.Type = engine.CmdJoin
	if err := submit(ctx, rm, room.FromClient{Cmd: cmd}); err != nil {
		return "", err
	}
	return rm.Code(), nil
}

// ownRoom returns the player's current room, creating one if they have none.
// A new room is recorded as theirs before the Join reaches it.
func (r *Registry) ownRoom(id engine.PlayerID) (*room.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if code, ok := r.members[id]; ok {
		if rm, ok := r.rooms[code]; ok {
			return rm, nil
		}
	}
	rm, err := r.createLocked()
	if err != nil {
		return nil, err
	}
	r.members[id] = rm.Code()
	return rm, nil
}

func (r *Registry) evict(ctx context.Context, code string, player engine.Identity) {
	rm, ok := r.Get(code)
	if !ok {
		return
	}
	// Evictions must not lose to the player's own sequence numbers.
	leave := engine.Command{Type: engine.CmdLeave, Player: player, Seq: math.MaxUint32, At: r.opts.Now()}
	if err := submit(ctx, rm, room.FromClient{Cmd: leave}); err != nil {
		r.log.Debug("evict failed", zap.String("room", code), zap.Error(err))
	}
}

// Close force-closes a room from the control plane.
func (r *Registry) Close(ctx context.Context, code string, reason protocol.CloseReason) error {
	rm, ok := r.Get(code)
	if !ok {
		return ErrNoSuchRoom
	}
	if err := submit(ctx, rm, room.Close{Reason: reason}); err != nil {
		return err
	}
	select {
	case <-rm.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown closes every room, then waits for in-flight result submissions.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	live := make([]*room.Room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		live = append(live, rm)
	}
	r.mu.RUnlock()

	r.cancel()
	for _, rm := range live {
		select {
		case <-rm.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.timers.Stop()

	flushed := make(chan struct{})
	go func() {
		r.tasks.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) deliver(f countdown.Fire) {
	rm, ok := r.Get(f.RoomCode)
	if !ok || rm.ID() != f.RoomID {
		return
	}
	if err := rm.Submit(r.ctx, room.TimerFired{Fire: f}); err != nil {
		r.log.Debug("timer fire dropped", zap.String("room", f.RoomCode), zap.Error(err))
	}
}

func (r *Registry) bind(code string, id engine.PlayerID) {
	r.mu.Lock()
	r.members[id] = code
	r.mu.Unlock()
}

func (r *Registry) unbind(code string, id engine.PlayerID) {
	r.mu.Lock()
	if r.members[id] == code {
		delete(r.members, id)
	}
	r.mu.Unlock()
}

func (r *Registry) remove(rm *room.Room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	code := rm.Code()
	if r.rooms[code] != rm {
		panic("registry: closed room " + code + " is not the registered one")
	}
	delete(r.rooms, code)
	for id, c := range r.members {
		if c == code {
			delete(r.members, id)
		}
	}
	r.log.Info("room removed", zap.String("room", code))
}

func submit(ctx context.Context, rm *room.Room, m room.Msg) error {
	err := rm.Submit(ctx, m)
	if errors.Is(err, room.ErrClosed) {
		return ErrNoSuchRoom
	}
	return err
}
