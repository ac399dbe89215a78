// Package countdown owns the single pending transition timer of every room.
// Timers never touch room state: an elapsed timer is handed to the deliver
// callback as a Fire, which the owner routes into the room's queue.
package countdown

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/DoyleJ11/linkplayd/internal/engine"
)

type Fire struct {
	RoomID   uuid.UUID
	RoomCode string
	Kind     engine.TimerKind
	Gen      uint64
	At       time.Time
}

type entry struct {
	timer *time.Timer
	fire  Fire
}

type Scheduler struct {
	mu      sync.Mutex
	deliver func(Fire)
	timers  map[string]*entry
	stopped bool
	now     func() time.Time
}

func New(deliver func(Fire)) *Scheduler {
	return &Scheduler{
		deliver: deliver,
		timers:  make(map[string]*entry),
		now:     time.Now,
	}
}

// Schedule arms the room's timer, replacing whatever was pending for it.
func (s *Scheduler) Schedule(roomID uuid.UUID, code string, kind engine.TimerKind, gen uint64, after time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if old, ok := s.timers[code]; ok {
		old.timer.Stop()
	}

	e := &entry{fire: Fire{RoomID: roomID, RoomCode: code, Kind: kind, Gen: gen}}
	e.timer = time.AfterFunc(after, func() { s.elapsed(e) })
	s.timers[code] = e
}

func (s *Scheduler) elapsed(e *entry) {
	s.mu.Lock()
	// A replaced or cancelled entry may still fire if Stop lost the race.
	if s.timers[e.fire.RoomCode] != e {
		s.mu.Unlock()
		return
	}
	delete(s.timers, e.fire.RoomCode)
	f := e.fire
	f.At = s.now()
	s.mu.Unlock()

	s.deliver(f)
}

// Cancel stops the room's timer if it is still the given generation.
func (s *Scheduler) Cancel(code string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.timers[code]; ok && e.fire.Gen == gen {
		e.timer.Stop()
		delete(s.timers, code)
	}
}

// CancelRoom drops any timer for the room regardless of generation.
func (s *Scheduler) CancelRoom(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.timers[code]; ok {
		e.timer.Stop()
		delete(s.timers, code)
	}
}

// Pending reports the generation of the room's armed timer.
func (s *Scheduler) Pending(code string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.timers[code]
	if !ok {
		return 0, false
	}
	return e.fire.Gen, true
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels everything. Later Schedule calls are ignored.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for code, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, code)
	}
}
