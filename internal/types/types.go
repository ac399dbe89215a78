package types

import (
	"time"

	"github.com/DoyleJ11/linkplayd/internal/engine"
	"github.com/DoyleJ11/linkplayd/pkg/protocol"
)

type ParticipantView struct {
	PlayerID  uint64           `json:"player_id"`
	Name      string           `json:"name"`
	Host      bool             `json:"host"`
	Ready     bool             `json:"ready"`
	Finished  bool             `json:"finished"`
	Online    bool             `json:"online"`
	Voted     bool             `json:"voted"`
	LastHeard time.Time        `json:"last_heard"`
	Metrics   protocol.Metrics `json:"metrics"`
}

type RoomSummary struct {
	Code         string    `json:"code"`
	RoomID       string    `json:"room_id"`
	Phase        string    `json:"phase"`
	Participants int       `json:"participants"`
	ChartID      string    `json:"chart_id,omitempty"`
	Public       bool      `json:"public"`
	RoundMode    string    `json:"round_mode"`
	Matchable    bool      `json:"matchable"`
	CreatedAt    time.Time `json:"created_at"`
}

type RoomView struct {
	RoomSummary
	Version     uint32            `json:"version"`
	Difficulty  uint8             `json:"difficulty"`
	Countdown   int               `json:"countdown,omitempty"`
	Timer       string            `json:"timer"`
	Watchers    int               `json:"watchers"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	Roster      []ParticipantView `json:"roster"`
	CloseReason string            `json:"close_reason,omitempty"`
}

type RoomList struct {
	Total  int           `json:"total"`
	Offset int           `json:"offset"`
	Limit  int           `json:"limit"`
	Rooms  []RoomSummary `json:"rooms"`
}

// WatchMessage is one frame on the room watch stream.
type WatchMessage struct {
	Type string    `json:"type"` // "RoomSnapshot" | "Closed"
	Room *RoomView `json:"room,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func NewRoomSummary(s engine.State) RoomSummary {
	return RoomSummary{
		Code:         s.Code,
		RoomID:       s.RoomID.String(),
		Phase:        s.Phase.String(),
		Participants: len(s.Participants),
		ChartID:      s.ChartID,
		Public:       s.Public,
		RoundMode:    s.RoundMode.String(),
		Matchable:    s.Matchable(),
		CreatedAt:    s.CreatedAt,
	}
}

func NewRoomView(s engine.State, version uint32, watchers int) RoomView {
	v := RoomView{
		RoomSummary: NewRoomSummary(s),
		Version:     version,
		Difficulty:  s.Difficulty,
		Countdown:   s.Countdown,
		Timer:       s.Timer.String(),
		Watchers:    watchers,
		Roster:      make([]ParticipantView, 0, len(s.Participants)),
	}
	if s.Played {
		started := s.StartedAt
		v.StartedAt = &started
	}
	if s.Closed {
		v.CloseReason = s.CloseReason.String()
	}
	for i, p := range s.Participants {
		v.Roster = append(v.Roster, ParticipantView{
			PlayerID:  uint64(p.ID),
			Name:      p.Name,
			Host:      i == 0,
			Ready:     p.Ready,
			Finished:  p.Finished,
			Online:    p.Online,
			Voted:     p.Voted,
			LastHeard: p.LastHeard,
			Metrics:   p.Metrics,
		})
	}
	return v
}
