// Package session resolves opaque session tokens to player identities.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/unicode/norm"

	"github.com/DoyleJ11/linkplayd/internal/engine"
	"github.com/DoyleJ11/linkplayd/pkg/protocol"
)

var ErrUnauthenticated = errors.New("unauthenticated")
var ErrLookupUnavailable = errors.New("session lookup unavailable")

// Lookup is the backing store. It returns ErrUnauthenticated for unknown
// tokens; any other error is treated as a transient outage.
type Lookup interface {
	Lookup(ctx context.Context, token string) (engine.Identity, error)
}

type LookupFunc func(ctx context.Context, token string) (engine.Identity, error)

func (f LookupFunc) Lookup(ctx context.Context, token string) (engine.Identity, error) {
	return f(ctx, token)
}

type cacheEntry struct {
	id      engine.Identity
	err     error
	expires time.Time
}

const pruneThreshold = 4096

// DefaultLookupTimeout bounds one backing query when NewDirectory is given no
// timeout.
const DefaultLookupTimeout = 2 * time.Second

// Directory caches lookups for a short TTL and collapses concurrent misses
// for the same token into one backing query. The shared query runs under its
// own timeout, detached from the caller that happened to start it; each
// caller still stops waiting when its own ctx ends.
type Directory struct {
	lookup      Lookup
	ttl         time.Duration
	negativeTTL time.Duration
	timeout     time.Duration
	log         *zap.Logger
	now         func() time.Time

	group singleflight.Group
	mu    sync.Mutex
	cache map[string]cacheEntry
}

func NewDirectory(lookup Lookup, ttl, timeout time.Duration, log *zap.Logger) *Directory {
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Directory{
		lookup:      lookup,
		ttl:         ttl,
		negativeTTL: ttl / 4,
		timeout:     timeout,
		log:         log,
		now:         time.Now,
		cache:       make(map[string]cacheEntry),
	}
}

func (d *Directory) Resolve(ctx context.Context, token string) (engine.Identity, error) {
	if token == "" {
		return engine.Identity{}, ErrUnauthenticated
	}
	if e, ok := d.cached(token); ok {
		return e.id, e.err
	}

	ch := d.group.DoChan(token, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()

		id, err := d.lookup.Lookup(lctx, token)
		switch {
		case err == nil:
			id.Name = normalizeName(id.Name)
			d.store(token, cacheEntry{id: id, expires: d.now().Add(d.ttl)})
			return id, nil
		case errors.Is(err, ErrUnauthenticated):
			d.store(token, cacheEntry{err: ErrUnauthenticated, expires: d.now().Add(d.negativeTTL)})
			return engine.Identity{}, ErrUnauthenticated
		default:
			d.log.Warn("session lookup failed", zap.Error(err))
			return engine.Identity{}, fmt.Errorf("%w: %w", ErrLookupUnavailable, err)
		}
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return engine.Identity{}, res.Err
		}
		if res.Shared {
			d.log.Debug("session lookup shared")
		}
		return res.Val.(engine.Identity), nil
	case <-ctx.Done():
		return engine.Identity{}, fmt.Errorf("%w: %w", ErrLookupUnavailable, ctx.Err())
	}
}

// Forget drops a cached token, e.g. after the player logged out elsewhere.
func (d *Directory) Forget(token string) {
	d.mu.Lock()
	delete(d.cache, token)
	d.mu.Unlock()
}

func (d *Directory) cached(token string) (cacheEntry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.cache[token]
	if !ok {
		return cacheEntry{}, false
	}
	if !d.now().Before(e.expires) {
		delete(d.cache, token)
		return cacheEntry{}, false
	}
	return e, true
}

func (d *Directory) store(token string, e cacheEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.cache) >= pruneThreshold {
		now := d.now()
		for k, v := range d.cache {
			if !now.Before(v.expires) {
				delete(d.cache, k)
			}
		}
	}
	d.cache[token] = e
}

// normalizeName puts display names in NFC so equal names compare equal on the
// wire, then cuts them to the protocol cap.
func normalizeName(name string) string {
	return protocol.TruncateUTF8(norm.NFC.String(name), protocol.MaxNameLen)
}
