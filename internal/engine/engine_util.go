package engine

import (
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/DoyleJ11/linkplayd/pkg/protocol"
)

func DefaultRules() Rules {
	return Rules{
		Capacity:          4,
		MinPlayers:        2,
		CountdownTicks:    3,
		CountdownInterval: time.Second,
		MaxPlayDuration:   10 * time.Minute,
		HeartbeatTimeout:  15 * time.Second,
		HostGrace:         15 * time.Second,
		FinishedGrace:     10 * time.Second,
		RoomTimeLimit:     time.Hour,
	}
}

func NewState(code string, rules Rules, now time.Time) State {
	return State{
		RoomID:    uuid.New(),
		Code:      code,
		CreatedAt: now,
		Phase:     PhaseLobby,
		Rules:     rules,
	}
}

func ContainsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}

// Host returns the current host, if the room has anyone in it.
func (s State) Host() (Participant, bool) {
	if len(s.Participants) == 0 {
		return Participant{}, false
	}
	return s.Participants[0], true
}

func (s State) Participant(id PlayerID) (Participant, bool) {
	if idx := s.indexOf(id); idx >= 0 {
		return s.Participants[idx], true
	}
	return Participant{}, false
}

func (s State) indexOf(id PlayerID) int {
	return slices.IndexFunc(s.Participants, func(p Participant) bool { return p.ID == id })
}

func (s *State) clearReadiness() {
	for i := range s.Participants {
		s.Participants[i].Ready = false
	}
}

func (s *State) clearVotes() {
	for i := range s.Participants {
		s.Participants[i].Voted = false
		s.Participants[i].Vote = Ballot{}
	}
}

// Matchable reports whether the room is listed for public matchmaking: public,
// still in the lobby and with a free seat.
func (s State) Matchable() bool {
	n := len(s.Participants)
	return s.Public && !s.Closed && s.Phase == PhaseLobby && n > 0 && n < s.Rules.Capacity
}

func (s State) allFinished() bool {
	if len(s.Participants) == 0 {
		return false
	}
	for _, p := range s.Participants {
		if !p.Finished {
			return false
		}
	}
	return true
}

// Standings orders participants by score, ties broken by join order. Equal
// scores share a rank.
func (s State) Standings() []protocol.Standing {
	order := make([]int, len(s.Participants))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		sa, sb := s.Participants[a].Metrics.Score, s.Participants[b].Metrics.Score
		switch {
		case sa > sb:
			return -1
		case sa < sb:
			return 1
		}
		return 0
	})

	out := make([]protocol.Standing, 0, len(order))
	rank := 0
	for pos, i := range order {
		p := s.Participants[i]
		if pos == 0 || p.Metrics.Score != s.Participants[order[pos-1]].Metrics.Score {
			rank = pos + 1
		}
		out = append(out, protocol.Standing{
			PlayerID: uint64(p.ID),
			Score:    p.Metrics.Score,
			Combo:    p.Metrics.Combo,
			Progress: p.Metrics.Progress,
			Finished: p.Finished,
			Rank:     uint8(rank),
		})
	}
	return out
}

func (s State) results(at time.Time) []Result {
	standings := s.Standings()
	out := make([]Result, 0, len(standings))
	for _, st := range standings {
		p, _ := s.Participant(PlayerID(st.PlayerID))
		out = append(out, Result{
			RoomID:     s.RoomID,
			RoomCode:   s.Code,
			ChartID:    s.ChartID,
			Difficulty: s.Difficulty,
			Player:     p.Identity,
			Metrics:    p.Metrics,
			Finished:   p.Finished,
			Rank:       int(st.Rank),
			BestPlayer: st.Rank == 1,
			StartedAt:  s.StartedAt,
			EndedAt:    at,
		})
	}
	return out
}
