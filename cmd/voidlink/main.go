// Command voidlink streams microphone audio to a realtime speech model and
// plays its spoken answers back.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voidlink/internal/app"
	"github.com/MrWong99/voidlink/internal/config"
	"github.com/MrWong99/voidlink/internal/observe"
	"github.com/MrWong99/voidlink/pkg/audio"
	"github.com/MrWong99/voidlink/pkg/audio/portaudio"
	"github.com/MrWong99/voidlink/pkg/provider/s2s"
	"github.com/MrWong99/voidlink/pkg/provider/s2s/gemini"
	"github.com/MrWong99/voidlink/pkg/provider/s2s/openai"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envFile := flag.String("env", ".env", "optional dotenv file with the API key")
	noTerminal := flag.Bool("no-terminal", false, "disable the Enter toggle and the status line")
	flag.Parse()

	if err := config.LoadEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "voidlink: %v\n", err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voidlink: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voidlink: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("voidlink starting",
		"version", version,
		"config", *configPath,
		"transport", cfg.Transport.Name,
		"audio_backend", cfg.Audio.Backend,
		"listen_addr", cfg.Server.ListenAddr,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		Transport:      cfg.Transport.Name,
		AudioBackend:   cfg.Audio.Backend,
		Registerer:     promReg,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Registry ──────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg)

	backend, err := reg.CreateBackend(cfg.Audio)
	if err != nil {
		slog.Error("failed to create audio backend", "err", err)
		return 1
	}
	provider, err := reg.CreateTransport(cfg.Transport)
	if err != nil {
		slog.Error("failed to create transport", "err", err)
		return 1
	}
	if cfg.Transport.ResolveAPIKey() == "" {
		slog.Warn("no API key configured; connecting will fail until one is provided",
			"api_key_env", cfg.Transport.APIKeyEnv,
		)
	}

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(cfg, app.Deps{Backend: backend, Provider: provider},
		app.WithMetrics(metrics),
		app.WithMetricsHandler(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})),
		app.WithLevelVar(level),
		app.WithCloser(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return otelShutdown(ctx)
		}),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	watcher, err := config.NewWatcher(*configPath, func(_, _ *config.Config, diff config.ConfigDiff) {
		application.ApplyConfig(diff)
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return application.Run(gctx)
	})
	if !*noTerminal {
		g.Go(func() error {
			return runTerminal(gctx, os.Stdin, os.Stdout, application.Manager())
		})
	}

	code := 0
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// ── Factory wiring ────────────────────────────────────────────────────────────

// registerBuiltins wires the transports and audio backends that ship with
// voidlink into reg.
func registerBuiltins(reg *config.Registry) {
	reg.RegisterTransport(gemini.Name, func(c config.TransportConfig, apiKey string) (s2s.Provider, error) {
		var opts []gemini.Option
		if c.Model != "" {
			opts = append(opts, gemini.WithModel(c.Model))
		}
		if c.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(c.BaseURL))
		}
		if d, ok, err := optDuration(c.Options, "keepalive"); err != nil {
			return nil, fmt.Errorf("transport.options.keepalive: %w", err)
		} else if ok {
			opts = append(opts, gemini.WithKeepalive(d))
		}
		return gemini.New(apiKey, opts...), nil
	})

	reg.RegisterTransport(openai.Name, func(c config.TransportConfig, apiKey string) (s2s.Provider, error) {
		var opts []openai.Option
		if c.Model != "" {
			opts = append(opts, openai.WithModel(c.Model))
		}
		if c.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(c.BaseURL))
		}
		return openai.New(apiKey, opts...), nil
	})

	reg.RegisterBackend("portaudio", func(config.AudioConfig) (audio.Backend, error) {
		return portaudio.New(), nil
	})
}

// optDuration reads a duration string such as "20s" from an options map.
func optDuration(opts map[string]any, key string) (time.Duration, bool, error) {
	v, ok := opts[key]
	if !ok {
		return 0, false, nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, false, fmt.Errorf("expected a duration string, got %T", v)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, false, err
	}
	return d, true, nil
}
