// Package udp is the datagram front end: it decodes frames, authenticates the
// sender and hands commands to the room registry. Decoding and lookups run on
// a fixed worker pool so one slow lookup never stalls the socket reader.
package udp

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/DoyleJ11/linkplayd/internal/engine"
	"github.com/DoyleJ11/linkplayd/internal/registry"
	"github.com/DoyleJ11/linkplayd/internal/session"
	"github.com/DoyleJ11/linkplayd/pkg/protocol"
)

type Router interface {
	Join(ctx context.Context, code string, cmd engine.Command) (string, error)
	Route(ctx context.Context, code string, cmd engine.Command) error
}

type Resolver interface {
	Resolve(ctx context.Context, token string) (engine.Identity, error)
}

type Options struct {
	Workers      int
	QueueSize    int
	RateLimit    rate.Limit
	RateBurst    int
	RouteTimeout time.Duration
	// ResolveTimeout bounds the token lookup for one datagram.
	ResolveTimeout time.Duration
	Log            *zap.Logger
}

type datagram struct {
	addr netip.AddrPort
	b    []byte
	at   time.Time
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

type Listener struct {
	conn *net.UDPConn
	opts Options
	log  *zap.Logger
	seq  atomic.Uint32

	mu       sync.Mutex
	limiters map[netip.Addr]*limiterEntry
}

func Listen(addr string, opts Options) (*Listener, error) {
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(ap))
	if err != nil {
		return nil, err
	}
	return New(conn, opts), nil
}

func New(conn *net.UDPConn, opts Options) *Listener {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.RateLimit == 0 {
		opts.RateLimit = rate.Inf
	}
	if opts.RouteTimeout <= 0 {
		opts.RouteTimeout = 250 * time.Millisecond
	}
	if opts.ResolveTimeout <= 0 {
		opts.ResolveTimeout = 2 * time.Second
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Listener{
		conn:     conn,
		opts:     opts,
		log:      opts.Log,
		limiters: make(map[netip.Addr]*limiterEntry),
	}
}

func (l *Listener) Addr() netip.AddrPort {
	return l.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Send writes one frame. It is safe for concurrent use.
func (l *Listener) Send(addr netip.AddrPort, frame []byte) error {
	_, err := l.conn.WriteToUDPAddrPort(frame, addr)
	return err
}

// Serve reads datagrams until ctx is cancelled, then closes the socket.
func (l *Listener) Serve(ctx context.Context, router Router, resolver Resolver) error {
	g, ctx := errgroup.WithContext(ctx)
	jobs := make(chan datagram, l.opts.QueueSize)

	g.Go(func() error {
		<-ctx.Done()
		return l.conn.Close()
	})

	g.Go(func() error {
		defer close(jobs)
		return l.read(ctx, jobs)
	})

	for i := 0; i < l.opts.Workers; i++ {
		g.Go(func() error {
			for d := range jobs {
				l.handle(ctx, d, router, resolver)
			}
			return nil
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-ticker.C:
				l.pruneLimiters(now, 2*time.Minute)
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (l *Listener) read(ctx context.Context, jobs chan<- datagram) error {
	buf := make([]byte, protocol.MaxDatagramSize+1)
	for {
		n, addr, err := l.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.log.Warn("udp read", zap.Error(err))
			continue
		}

		now := time.Now()
		if !l.allow(addr.Addr(), now) {
			l.log.Debug("rate limited", zap.Stringer("addr", addr))
			continue
		}

		d := datagram{addr: addr, b: append([]byte(nil), buf[:n]...), at: now}
		select {
		case jobs <- d:
		default:
			l.log.Debug("worker queue full, dropping datagram", zap.Stringer("addr", addr))
		}
	}
}

func (l *Listener) handle(ctx context.Context, d datagram, router Router, resolver Resolver) {
	pkt, err := protocol.Decode(d.b)
	if err != nil {
		l.log.Debug("malformed datagram", zap.Stringer("addr", d.addr), zap.Error(err))
		return
	}
	if !pkt.Opcode.FromClient() {
		return
	}

	lctx, cancelLookup := context.WithTimeout(ctx, l.opts.ResolveTimeout)
	identity, err := resolver.Resolve(lctx, pkt.Token)
	cancelLookup()
	if err != nil {
		switch {
		case errors.Is(err, session.ErrUnauthenticated):
			l.reject(d.addr, pkt, protocol.ReasonUnauthenticated)
		default:
			l.reject(d.addr, pkt, protocol.ReasonServerBusy)
		}
		return
	}

	cmd, err := toCommand(pkt, identity, d.addr, d.at)
	if err != nil {
		l.log.Debug("malformed payload", zap.Stringer("op", pkt.Opcode), zap.Error(err))
		return
	}

	rctx, cancel := context.WithTimeout(ctx, l.opts.RouteTimeout)
	defer cancel()

	if cmd.Type == engine.CmdJoin {
		_, err = router.Join(rctx, pkt.RoomCode, cmd)
	} else if pkt.RoomCode == "" {
		err = registry.ErrNoSuchRoom
	} else {
		err = router.Route(rctx, pkt.RoomCode, cmd)
	}

	switch {
	case err == nil:
	case errors.Is(err, registry.ErrNoSuchRoom):
		l.reject(d.addr, pkt, protocol.ReasonNoSuchRoom)
	case errors.Is(err, registry.ErrCodeSpaceExhausted), errors.Is(err, context.DeadlineExceeded):
		l.reject(d.addr, pkt, protocol.ReasonServerBusy)
	case ctx.Err() != nil:
	default:
		l.log.Warn("route failed", zap.Stringer("op", pkt.Opcode), zap.Error(err))
		l.reject(d.addr, pkt, protocol.ReasonUnknown)
	}
}

func (l *Listener) reject(addr netip.AddrPort, pkt protocol.Packet, reason protocol.RejectReason) {
	frame, err := protocol.Build(protocol.Rejected{Reason: reason, Sequence: pkt.Sequence}, l.seq.Add(1), pkt.RoomCode, "")
	if err != nil {
		l.log.Error("encode rejection", zap.Error(err))
		return
	}
	if err := l.Send(addr, frame); err != nil {
		l.log.Debug("send rejection", zap.Stringer("addr", addr), zap.Error(err))
	}
}

func (l *Listener) allow(addr netip.Addr, now time.Time) bool {
	if l.opts.RateLimit == rate.Inf {
		return true
	}
	l.mu.Lock()
	e, ok := l.limiters[addr]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(l.opts.RateLimit, l.opts.RateBurst)}
		l.limiters[addr] = e
	}
	e.lastSeen = now
	l.mu.Unlock()
	return e.lim.AllowN(now, 1)
}

func (l *Listener) pruneLimiters(now time.Time, idle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for addr, e := range l.limiters {
		if now.Sub(e.lastSeen) > idle {
			delete(l.limiters, addr)
		}
	}
}

func toCommand(pkt protocol.Packet, id engine.Identity, addr netip.AddrPort, at time.Time) (engine.Command, error) {
	cmd := engine.Command{Player: id, Addr: addr, Seq: pkt.Sequence, At: at}

	switch pkt.Opcode {
	case protocol.OpJoin:
		j, err := protocol.ParseJoin(pkt.Payload)
		if err != nil {
			return engine.Command{}, err
		}
		cmd.Type, cmd.Nonce = engine.CmdJoin, j.Nonce
	case protocol.OpLeave:
		cmd.Type = engine.CmdLeave
	case protocol.OpReady:
		cmd.Type = engine.CmdReady
	case protocol.OpUnready:
		cmd.Type = engine.CmdUnready
	case protocol.OpHeartbeat:
		cmd.Type = engine.CmdHeartbeat
	case protocol.OpSelectSong:
		sel, err := protocol.ParseSelectSong(pkt.Payload)
		if err != nil {
			return engine.Command{}, err
		}
		cmd.Type, cmd.ChartID, cmd.Difficulty = engine.CmdSelectSong, sel.ChartID, sel.Difficulty
	case protocol.OpProgressUpdate, protocol.OpFinish:
		m, err := protocol.ParseMetrics(pkt.Payload)
		if err != nil {
			return engine.Command{}, err
		}
		cmd.Type, cmd.Metrics = engine.CmdProgress, m
		if pkt.Opcode == protocol.OpFinish {
			cmd.Type = engine.CmdFinish
		}
	case protocol.OpVote:
		v, err := protocol.ParseVote(pkt.Payload)
		if err != nil {
			return engine.Command{}, err
		}
		cmd.Type, cmd.ChartID, cmd.Difficulty = engine.CmdVote, v.ChartID, v.Difficulty
	case protocol.OpSticker:
		st, err := protocol.ParseSticker(pkt.Payload)
		if err != nil {
			return engine.Command{}, err
		}
		cmd.Type, cmd.Sticker = engine.CmdSticker, st.ID
	case protocol.OpSongPreview:
		pv, err := protocol.ParseSongPreview(pkt.Payload)
		if err != nil {
			return engine.Command{}, err
		}
		cmd.Type, cmd.ChartID, cmd.Difficulty = engine.CmdPreview, pv.ChartID, pv.Difficulty
	case protocol.OpRoomSettings:
		rs, err := protocol.ParseRoomSettings(pkt.Payload)
		if err != nil {
			return engine.Command{}, err
		}
		cmd.Type, cmd.Public, cmd.RoundMode = engine.CmdSettings, rs.Public, engine.RoundMode(rs.RoundMode)
	default:
		return engine.Command{}, protocol.ErrUnknownOpcode
	}
	return cmd, nil
}
