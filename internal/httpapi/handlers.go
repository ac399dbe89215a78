package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/DoyleJ11/linkplayd/internal/registry"
	"github.com/DoyleJ11/linkplayd/internal/room"
	"github.com/DoyleJ11/linkplayd/internal/types"
	"github.com/DoyleJ11/linkplayd/pkg/protocol"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Rooms is the slice of the registry the control plane needs.
type Rooms interface {
	Get(code string) (*room.Room, bool)
	List(offset, limit int) []*room.Room
	Len() int
	Close(ctx context.Context, code string, reason protocol.CloseReason) error
}

func ListRooms(rooms Rooms) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		offset, ok := queryInt(r, "offset", 0)
		if !ok || offset < 0 {
			writeError(w, http.StatusBadRequest, "bad offset")
			return
		}
		limit, ok := queryInt(r, "limit", defaultPageSize)
		if !ok || limit < 0 {
			writeError(w, http.StatusBadRequest, "bad limit")
			return
		}
		limit = min(limit, maxPageSize)

		if matchable, _ := strconv.ParseBool(r.URL.Query().Get("matchable")); matchable {
			writeJSON(w, http.StatusOK, matchRooms(r.Context(), rooms, offset, limit))
			return
		}

		out := types.RoomList{Total: rooms.Len(), Offset: offset, Limit: limit, Rooms: []types.RoomSummary{}}
		for _, rm := range rooms.List(offset, limit) {
			view, err := snapshot(r.Context(), rm)
			if err != nil {
				// Closed between listing and snapshot.
				continue
			}
			out.Rooms = append(out.Rooms, types.NewRoomSummary(view.State))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// matchRooms pages over the rooms open to public matchmaking. Matchability is
// only known from a snapshot, so every live room is inspected.
func matchRooms(ctx context.Context, rooms Rooms, offset, limit int) types.RoomList {
	matches := []types.RoomSummary{}
	for _, rm := range rooms.List(0, -1) {
		view, err := snapshot(ctx, rm)
		if err != nil || !view.State.Matchable() {
			continue
		}
		matches = append(matches, types.NewRoomSummary(view.State))
	}

	out := types.RoomList{Total: len(matches), Offset: offset, Limit: limit, Rooms: []types.RoomSummary{}}
	if offset < len(matches) {
		out.Rooms = matches[offset:min(offset+limit, len(matches))]
	}
	return out
}

func GetRoom(rooms Rooms) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rm, ok := rooms.Get(chi.URLParam(r, "code"))
		if !ok {
			writeError(w, http.StatusNotFound, "room not found")
			return
		}
		view, err := snapshot(r.Context(), rm)
		if err != nil {
			writeError(w, http.StatusNotFound, "room not found")
			return
		}
		writeJSON(w, http.StatusOK, types.NewRoomView(view.State, view.Version, view.Watchers))
	}
}

func CloseRoom(rooms Rooms) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		err := rooms.Close(ctx, chi.URLParam(r, "code"), protocol.CloseAdmin)
		switch {
		case err == nil:
			w.WriteHeader(http.StatusNoContent)
		case errors.Is(err, registry.ErrNoSuchRoom):
			writeError(w, http.StatusNotFound, "room not found")
		default:
			writeError(w, http.StatusGatewayTimeout, err.Error())
		}
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func snapshot(ctx context.Context, rm *room.Room) (room.View, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return rm.Snapshot(ctx)
}

func queryInt(r *http.Request, key string, def int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	return n, err == nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, types.ErrorResponse{Error: msg})
}
