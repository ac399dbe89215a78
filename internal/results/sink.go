package results

import (
	"context"
	"errors"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/DoyleJ11/linkplayd/internal/engine"
)

var ErrSinkUnavailable = errors.New("result sink unavailable")

// Sink receives the results of a completed session, one entry per
// participant. Implementations must be safe for concurrent use; rooms submit
// from their own goroutines.
type Sink interface {
	Submit(ctx context.Context, results []engine.Result) error
}

// LogSink writes results to the log. It is the fallback when no database is
// configured.
type LogSink struct {
	Log *zap.Logger
}

func (s LogSink) Submit(_ context.Context, results []engine.Result) error {
	for _, r := range results {
		s.Log.Info("play result",
			zap.String("room", r.RoomCode),
			zap.Stringer("room_id", r.RoomID),
			zap.String("chart", r.ChartID),
			zap.Uint8("difficulty", r.Difficulty),
			zap.Uint64("player", uint64(r.Player.ID)),
			zap.Uint32("score", r.Metrics.Score),
			zap.Int("rank", r.Rank),
			zap.Bool("finished", r.Finished),
		)
	}
	return nil
}

// Fanout submits to every sink and reports all failures together.
type Fanout []Sink

func (f Fanout) Submit(ctx context.Context, results []engine.Result) error {
	var err error
	for _, s := range f {
		err = multierr.Append(err, s.Submit(ctx, results))
	}
	return err
}
