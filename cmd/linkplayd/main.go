package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/DoyleJ11/linkplayd/internal/config"
	"github.com/DoyleJ11/linkplayd/internal/httpapi"
	"github.com/DoyleJ11/linkplayd/internal/logging"
	"github.com/DoyleJ11/linkplayd/internal/registry"
	"github.com/DoyleJ11/linkplayd/internal/results"
	"github.com/DoyleJ11/linkplayd/internal/session"
	"github.com/DoyleJ11/linkplayd/internal/udp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "linkplayd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, path, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		return err
	}
	defer log.Sync()
	if path != "" {
		log.Info("loaded config file", zap.String("path", path))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lookup, closeLookup, err := buildLookup(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeLookup()
	dir := session.NewDirectory(lookup, cfg.SessionTTL, cfg.LookupTimeout, log.Named("session"))

	sink, closeSink, err := buildSink(cfg, log)
	if err != nil {
		return err
	}
	defer closeSink()

	listener, err := udp.Listen(cfg.UDPAddr(), udp.Options{
		Workers:        cfg.Workers,
		RateLimit:      rate.Limit(cfg.RateLimit),
		RateBurst:      cfg.RateBurst,
		ResolveTimeout: cfg.LookupTimeout,
		Log:            log.Named("udp"),
	})
	if err != nil {
		return fmt.Errorf("listen udp %s: %w", cfg.UDPAddr(), err)
	}

	reg := registry.New(context.Background(), registry.Options{
		Rules:         cfg.Rules(),
		Sender:        listener,
		Results:       sink,
		ResultTimeout: cfg.ResultTimeout,
		SweepInterval: cfg.SweepInterval,
		Log:           log.Named("registry"),
	})

	srv := &http.Server{
		Addr:              cfg.ControlAddr(),
		Handler:           httpapi.SetupRoutes(reg, httpapi.NewSecretChecker(cfg.ControlSecret, cfg.ControlSecretBcrypt), log.Named("control")),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// The socket outlives the signal so rooms can say goodbye on it.
	udpCtx, stopUDP := context.WithCancel(context.Background())
	defer stopUDP()

	g := new(errgroup.Group)
	g.Go(func() error {
		log.Info("udp listening", zap.Stringer("addr", listener.Addr()))
		if err := listener.Serve(udpCtx, reg, dir); err != nil {
			stop()
			return fmt.Errorf("udp: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info("control plane listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			stop()
			return fmt.Errorf("control plane: %w", err)
		}
		return nil
	})

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("control plane shutdown", zap.Error(err))
	}
	if err := reg.Shutdown(shutdownCtx); err != nil {
		log.Warn("registry shutdown", zap.Error(err))
	}
	stopUDP()
	return g.Wait()
}

var errNoSessionStore = errors.New("auth enforced but no database url configured")

// buildLookup never falls back to the insecure lookup while auth is enforced.
func buildLookup(ctx context.Context, cfg config.Config, log *zap.Logger) (session.Lookup, func(), error) {
	if !cfg.AuthEnforced {
		log.Warn("auth disabled; player identity is derived from the token")
		return session.InsecureLookup{}, func() {}, nil
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, errNoSessionStore
	}
	pg, err := session.NewPostgresLookup(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect session store: %w", err)
	}
	return pg, pg.Close, nil
}

func buildSink(cfg config.Config, log *zap.Logger) (results.Sink, func(), error) {
	logSink := results.LogSink{Log: log.Named("results")}
	if cfg.DatabaseURL == "" {
		return logSink, func() {}, nil
	}
	store, err := results.OpenGorm(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open results store: %w", err)
	}
	closeStore := func() {
		if err := store.Close(); err != nil {
			log.Warn("close results store", zap.Error(err))
		}
	}
	return results.Fanout{store, logSink}, closeStore, nil
}
