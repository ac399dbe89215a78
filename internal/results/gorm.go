package results

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/DoyleJ11/linkplayd/internal/engine"
)

// PlayResult is the row written for each participant of a finished session.
type PlayResult struct {
	gorm.Model
	RoomID     uuid.UUID `gorm:"type:uuid;index"`
	RoomCode   string    `gorm:"size:6"`
	ChartID    string    `gorm:"size:64;index"`
	Difficulty uint8
	PlayerID   uint64 `gorm:"index"`
	PlayerName string `gorm:"size:64"`
	Score      uint32
	MaxCombo   uint16
	Perfect    uint16
	Near       uint16
	Miss       uint16
	ClearType  uint8
	Finished   bool
	Rank       int
	BestPlayer bool
	StartedAt  time.Time
	EndedAt    time.Time
}

func newPlayResult(r engine.Result) PlayResult {
	return PlayResult{
		RoomID:     r.RoomID,
		RoomCode:   r.RoomCode,
		ChartID:    r.ChartID,
		Difficulty: r.Difficulty,
		PlayerID:   uint64(r.Player.ID),
		PlayerName: r.Player.Name,
		Score:      r.Metrics.Score,
		MaxCombo:   r.Metrics.MaxCombo,
		Perfect:    r.Metrics.Perfect,
		Near:       r.Metrics.Near,
		Miss:       r.Metrics.Miss,
		ClearType:  r.Metrics.ClearType,
		Finished:   r.Finished,
		Rank:       r.Rank,
		BestPlayer: r.BestPlayer,
		StartedAt:  r.StartedAt,
		EndedAt:    r.EndedAt,
	}
}

type GormSink struct {
	db *gorm.DB
}

// OpenGorm connects to Postgres and migrates the results table.
func OpenGorm(dsn string) (*GormSink, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSinkUnavailable, err)
	}
	return NewGormSink(db)
}

func NewGormSink(db *gorm.DB) (*GormSink, error) {
	if err := db.AutoMigrate(&PlayResult{}); err != nil {
		return nil, fmt.Errorf("migrate play results: %w", err)
	}
	return &GormSink{db: db}, nil
}

// Submit writes one row per participant. A failing row does not stop the rest.
func (s *GormSink) Submit(ctx context.Context, results []engine.Result) error {
	db := s.db.WithContext(ctx)
	var err error
	for _, r := range results {
		row := newPlayResult(r)
		if e := db.Create(&row).Error; e != nil {
			err = multierr.Append(err, fmt.Errorf("player %d: %w", row.PlayerID, e))
		}
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSinkUnavailable, err)
	}
	return nil
}

func (s *GormSink) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
