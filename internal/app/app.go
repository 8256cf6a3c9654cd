// Package app wires the voidlink subsystems into a running program.
//
// The App owns the full lifecycle: New builds the session manager, the
// optional reconnect supervisor, and the HTTP control surface; Run serves
// until its context ends; Shutdown ends the session and releases everything
// in order.
//
// For testing, inject doubles through [Deps] and the functional options.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voidlink/internal/config"
	"github.com/MrWong99/voidlink/internal/control"
	"github.com/MrWong99/voidlink/internal/observe"
	"github.com/MrWong99/voidlink/internal/session"
	"github.com/MrWong99/voidlink/pkg/audio"
	"github.com/MrWong99/voidlink/pkg/provider/s2s"
)

const httpShutdownTimeout = 5 * time.Second

// Deps holds the externally constructed dependencies. Populated by main.go
// via the config registry.
type Deps struct {
	Backend  audio.Backend
	Provider s2s.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg  *config.Config
	deps Deps

	metrics        *observe.Metrics
	metricsHandler http.Handler
	levelVar       *slog.LevelVar
	listener       net.Listener

	manager     *session.Manager
	reconnector *session.Reconnector
	httpSrv     *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics records metrics to m instead of observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLevelVar lets configuration reloads change the log level.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = lv }
}

// WithListener serves the control surface on l instead of listening on
// server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithCloser registers fn to run at the end of Shutdown.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// New creates an App by wiring all subsystems together. The control surface
// listener is bound here so address errors surface before Run.
func New(cfg *config.Config, deps Deps, opts ...Option) (*App, error) {
	if deps.Backend == nil {
		return nil, errors.New("app: audio backend is required")
	}
	if deps.Provider == nil {
		return nil, errors.New("app: transport provider is required")
	}

	a := &App{cfg: cfg, deps: deps}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Session manager ───────────────────────────────────────────────
	a.manager = session.NewManager(session.Config{
		Backend:                    deps.Backend,
		Provider:                   deps.Provider,
		ProviderName:               cfg.Transport.Name,
		Persona:                    personaFromConfig(cfg.Persona),
		InputSampleRate:            cfg.Audio.InputSampleRate,
		OutputSampleRate:           cfg.Audio.OutputSampleRate,
		FrameSize:                  cfg.Audio.FrameSize,
		SendQueue:                  cfg.Audio.SendQueue,
		MaxConsecutiveDecodeErrors: cfg.Audio.MaxConsecutiveDecodeErrors,
		Metrics:                    a.metrics,
	})

	// ── 2. Reconnect supervisor ──────────────────────────────────────────
	if rc := cfg.Session.Reconnect; rc.Enabled {
		a.reconnector = session.NewReconnector(session.ReconnectorConfig{
			Target:     a.manager,
			MaxRetries: rc.MaxRetries,
			Backoff:    rc.Backoff,
			MaxBackoff: rc.MaxBackoff,
			OnReconnect: func() {
				slog.Info("session recovered", "attempts", a.reconnector.Attempts())
			},
		})
	}

	// ── 3. Control surface ───────────────────────────────────────────────
	if a.listener == nil && cfg.Server.ListenAddr != "" {
		l, err := net.Listen("tcp", cfg.Server.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("app: listen %q: %w", cfg.Server.ListenAddr, err)
		}
		a.listener = l
	}
	if a.listener != nil {
		srv := control.New(control.Config{
			Session:        a.manager,
			Checkers:       a.checkers(),
			MetricsHandler: a.metricsHandler,
			Metrics:        a.metrics,
		})
		a.httpSrv = &http.Server{
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	return a, nil
}

// Manager returns the session manager.
func (a *App) Manager() *session.Manager {
	return a.manager
}

// Addr returns the control surface address, or nil when it is disabled.
func (a *App) Addr() net.Addr {
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Run serves the control surface and supervises the session until ctx is
// cancelled. With session.autoconnect set it starts a session immediately;
// a failed autoconnect is logged, not returned.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.httpSrv != nil {
		slog.Info("control surface listening", "addr", a.listener.Addr().String())
		g.Go(func() error {
			if err := a.httpSrv.Serve(a.listener); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: control surface: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), httpShutdownTimeout)
			defer cancel()
			return a.httpSrv.Shutdown(shutdownCtx)
		})
	}

	if a.reconnector != nil {
		g.Go(func() error {
			a.reconnector.Run(gctx)
			return nil
		})
	}

	if a.cfg.Session.Autoconnect {
		g.Go(func() error {
			if err := a.manager.Connect(gctx); err != nil {
				slog.Warn("autoconnect failed", "err", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ApplyConfig applies the hot-reloadable parts of a configuration change.
// A new persona is used by the next session.
func (a *App) ApplyConfig(diff config.ConfigDiff) {
	if diff.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(SlogLevel(diff.NewLogLevel))
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}
	if diff.PersonaChanged {
		a.manager.SetPersona(personaFromConfig(diff.NewPersona))
		slog.Info("persona updated, applies on next connect", "voice", diff.NewPersona.Voice)
	}
}

// Shutdown ends the session and tears down the remaining subsystems. It
// respects the context deadline: if ctx expires before all closers finish,
// the remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.reconnector != nil {
			a.reconnector.Stop()
		}

		done := make(chan struct{})
		go func() {
			a.manager.Disconnect()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded while ending session")
			shutdownErr = ctx.Err()
			return
		}

		if a.httpSrv != nil {
			if err := a.httpSrv.Shutdown(ctx); err != nil {
				slog.Warn("control surface shutdown error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// readier is implemented by dependencies that can probe their own health,
// such as the PortAudio backend.
type readier interface {
	Ready(ctx context.Context) error
}

// checkers reports the injected dependencies on /readyz.
func (a *App) checkers() []control.Checker {
	var out []control.Checker
	if r, ok := a.deps.Backend.(readier); ok {
		out = append(out, control.Checker{Name: "audio_backend", Check: r.Ready})
	}
	if r, ok := a.deps.Provider.(readier); ok {
		out = append(out, control.Checker{Name: "transport", Check: r.Ready})
	}
	return out
}

func personaFromConfig(p config.PersonaConfig) session.Persona {
	return session.Persona{Voice: p.Voice, Instructions: p.Instructions}
}

// SlogLevel converts a config log level to its slog equivalent. Unknown
// values map to info.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
