package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/linkplayd/internal/room"
	"github.com/DoyleJ11/linkplayd/internal/types"
)

type Rooms interface {
	Get(code string) (*room.Room, bool)
}

// Handler streams a JSON snapshot of the room after every state change until
// the room closes or the watcher goes away.
func Handler(rooms Rooms, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := chi.URLParam(r, "code")
		rm, ok := rooms.Get(code)
		if !ok {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		out := make(chan room.View, 8)
		watchID := uuid.NewString()
		if err := rm.Submit(r.Context(), room.Watch{ID: watchID, Outbox: out}); err != nil {
			conn.Close(websocket.StatusGoingAway, "room closed")
			return
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := rm.Submit(ctx, room.Unwatch{ID: watchID}); err != nil && !errors.Is(err, room.ErrClosed) {
				log.Debug("unwatch", zap.String("room", code), zap.Error(err))
			}
		}()

		// The stream is one-way; CloseRead handles pings and notices the close.
		ctx := conn.CloseRead(r.Context())

		for {
			select {
			case <-ctx.Done():
				return

			case view, ok := <-out:
				if !ok {
					select {
					case <-rm.Done():
						closed(ctx, conn)
					default:
						// The room dropped us for falling behind.
						conn.Close(websocket.StatusTryAgainLater, "watcher too slow")
					}
					return
				}
				if err := writeView(ctx, conn, view); err != nil {
					return
				}

			case <-rm.Done():
				if err := flush(ctx, conn, out); err != nil {
					return
				}
				closed(ctx, conn)
				return
			}
		}
	}
}

// flush writes whatever the room queued before it stopped.
func flush(ctx context.Context, conn *websocket.Conn, out <-chan room.View) error {
	for {
		select {
		case view, ok := <-out:
			if !ok {
				return nil
			}
			if err := writeView(ctx, conn, view); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func closed(ctx context.Context, conn *websocket.Conn) {
	_ = write(ctx, conn, types.WatchMessage{Type: "Closed"})
	conn.Close(websocket.StatusNormalClosure, "room closed")
}

func writeView(ctx context.Context, conn *websocket.Conn, view room.View) error {
	rv := types.NewRoomView(view.State, view.Version, view.Watchers)
	return write(ctx, conn, types.WatchMessage{Type: "RoomSnapshot", Room: &rv})
}

func write(ctx context.Context, conn *websocket.Conn, msg types.WatchMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, payload)
}
