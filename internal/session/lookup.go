package session

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/DoyleJ11/linkplayd/internal/engine"
	"github.com/DoyleJ11/linkplayd/pkg/protocol"
)

// PostgresLookup resolves tokens against the account database shared with the
// game's web API.
type PostgresLookup struct {
	pool *pgxpool.Pool
}

func NewPostgresLookup(ctx context.Context, connString string) (*PostgresLookup, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	return &PostgresLookup{pool: pool}, nil
}

const lookupQuery = `SELECT u.user_id, u.name FROM "user" u JOIN login l ON l.user_id = u.user_id WHERE l.access_token = $1`

func (l *PostgresLookup) Lookup(ctx context.Context, token string) (engine.Identity, error) {
	var id int64
	var name string

	err := l.pool.QueryRow(ctx, lookupQuery, token).Scan(&id, &name)
	if err != nil {
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return engine.Identity{}, ErrUnauthenticated
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return engine.Identity{}, err
		default:
			return engine.Identity{}, fmt.Errorf("query session: %w", err)
		}
	}
	return engine.Identity{ID: engine.PlayerID(id), Name: name}, nil
}

func (l *PostgresLookup) Close() { l.pool.Close() }

// InsecureLookup accepts any token and derives a stable identity from it. It
// exists for LAN parties and local testing with authentication turned off.
type InsecureLookup struct{}

func (InsecureLookup) Lookup(_ context.Context, token string) (engine.Identity, error) {
	h := fnv.New64a()
	h.Write([]byte(token))
	return engine.Identity{
		ID:   engine.PlayerID(h.Sum64()),
		Name: protocol.TruncateUTF8(token, protocol.MaxNameLen),
	}, nil
}
