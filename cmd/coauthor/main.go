// Command coauthor is a voice co-author: it streams your microphone to a
// speech-to-speech model and plays the spoken reply, with live barge-in,
// tool calling and transcript capture.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ElkanHub/coauthor/internal/config"
	"github.com/ElkanHub/coauthor/internal/engine"
	"github.com/ElkanHub/coauthor/internal/health"
	"github.com/ElkanHub/coauthor/internal/observe"
	"github.com/ElkanHub/coauthor/internal/toolbridge"
	"github.com/ElkanHub/coauthor/internal/transcript"
	"github.com/ElkanHub/coauthor/pkg/audio"
	"github.com/ElkanHub/coauthor/pkg/audio/capture"
	"github.com/ElkanHub/coauthor/pkg/audio/playback"
	"github.com/ElkanHub/coauthor/pkg/provider/s2s"
	geminilive "github.com/ElkanHub/coauthor/pkg/provider/s2s/gemini"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "coauthor: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "coauthor: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel.Slog(),
	}))
	slog.SetDefault(logger)

	slog.Info("coauthor starting", "config", *configPath, "log_level", cfg.LogLevel)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Metrics ───────────────────────────────────────────────────────────────
	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "coauthor",
	})
	if err != nil {
		slog.Error("failed to initialise metrics", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			slog.Warn("metrics shutdown error", "err", err)
		}
	}()

	// ── Tool bridge ───────────────────────────────────────────────────────────
	bridge := toolbridge.New()
	defer bridge.Close()
	for _, srv := range cfg.MCP.Servers {
		if err := bridge.ConnectServer(ctx, srv.Bridge()); err != nil {
			slog.Error("failed to connect MCP server", "server", srv.Name, "err", err)
			return 1
		}
		slog.Info("MCP server connected", "server", srv.Name, "transport", srv.Transport)
	}

	// ── Transcript store ──────────────────────────────────────────────────────
	var store transcript.Store
	if dsn := cfg.Transcript.PostgresDSN; dsn != "" {
		pg, err := transcript.OpenPostgres(ctx, dsn)
		if err != nil {
			slog.Error("failed to open transcript store", "err", err)
			return 1
		}
		defer pg.Close()
		store = pg
		slog.Info("transcripts persisted to postgres")
	} else {
		store = &transcript.MemoryStore{}
		slog.Info("transcripts kept in memory")
	}

	// ── Provider ──────────────────────────────────────────────────────────────
	var provOpts []geminilive.Option
	if cfg.Provider.Model != "" {
		provOpts = append(provOpts, geminilive.WithModel(cfg.Provider.Model))
	}
	if cfg.Provider.BaseURL != "" {
		provOpts = append(provOpts, geminilive.WithBaseURL(cfg.Provider.BaseURL))
	}
	provider := geminilive.New(cfg.Provider.APIKey, provOpts...)

	// ── Audio I/O ─────────────────────────────────────────────────────────────
	sink, err := playback.NewOtoSink()
	if err != nil {
		slog.Error("failed to open playback device", "err", err)
		return 1
	}
	player := playback.New(sink, playback.WithSpeakingHandler(func(speaking bool) {
		if speaking {
			fmt.Println("● speaking")
		} else {
			fmt.Println("○ listening")
		}
	}))
	defer player.Close()

	newCapture := func() (engine.CaptureSource, error) {
		return capture.New(capture.Config{
			SampleRate:    audio.CaptureRate,
			TargetSamples: cfg.Audio.TargetFrameSamples,
		})
	}

	// ── Controller ────────────────────────────────────────────────────────────
	var reconnector *engine.Reconnector
	controller := engine.NewController(provider,
		s2s.SessionConfig{
			Voice:            cfg.Session.Voice,
			Instructions:     cfg.Session.Instructions,
			TranscribeInput:  cfg.Session.TranscribeInput,
			TranscribeOutput: cfg.Session.TranscribeOutput,
		},
		newCapture,
		player,
		engine.WithTranscriptStore(store),
		engine.WithTools(bridge),
		engine.WithSessionDownHandler(func(err error) {
			slog.Warn("session dropped", "err", err)
			reconnector.NotifyDisconnect()
		}),
	)
	defer controller.Close()

	reconnector = engine.NewReconnector(controller, engine.ReconnectorConfig{})
	reconnector.Monitor(ctx)
	defer reconnector.Stop()

	// ── Metrics and health endpoints ──────────────────────────────────────────
	if addr := cfg.Metrics.ListenAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		checks := []health.Checker{
			{Name: "transcripts", Check: func(ctx context.Context) error {
				_, err := store.Recent(ctx, "probe", 1)
				return err
			}},
		}
		health.New(func() health.Status {
			return health.Status{
				State:    controller.State().String(),
				Muted:    controller.Muted(),
				Speaking: controller.Speaking(),
				Turns:    controller.Turn(),
			}
		}, checks...).Register(mux)
		srv := &http.Server{Addr: addr, Handler: mux}
		go func() {
			slog.Info("metrics endpoint listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", "err", err)
			}
		}()
		defer srv.Close()
	}

	if err := controller.Connect(ctx); err != nil {
		slog.Error("failed to connect", "err", err)
		return 1
	}

	fmt.Println("connected; type 'help' for commands, Ctrl+C to quit")

	// ── Command loop ──────────────────────────────────────────────────────────
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			slog.Info("shutdown signal received, stopping")
			return 0

		case line, ok := <-lines:
			if !ok {
				return 0
			}
			if quit := handleCommand(controller, line); quit {
				return 0
			}
		}
	}
}

// handleCommand interprets one line from stdin. Returns true when the user
// asked to quit.
func handleCommand(c *engine.Controller, line string) bool {
	cmd, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch cmd {
	case "":
	case "help":
		fmt.Println(`commands:
  mute          stop sending microphone audio
  unmute        resume sending microphone audio
  say <text>    send text and ask for a spoken reply
  note <text>   add background context without triggering a reply
  status        show connection and mute state
  quit          disconnect and exit`)

	case "mute":
		c.SetMuted(true)
		fmt.Println("muted")

	case "unmute":
		c.SetMuted(false)
		fmt.Println("unmuted")

	case "say":
		if rest == "" {
			fmt.Println("usage: say <text>")
			break
		}
		if err := c.SendText(rest, true); err != nil {
			fmt.Println("error:", err)
		}

	case "note":
		if rest == "" {
			fmt.Println("usage: note <text>")
			break
		}
		if err := c.InjectContext("user", rest); err != nil {
			fmt.Println("error:", err)
		}

	case "status":
		fmt.Printf("state=%s muted=%v speaking=%v turns=%d\n",
			c.State(), c.Muted(), c.Speaking(), c.Turn())

	case "quit", "exit":
		if err := c.Disconnect(); err != nil {
			fmt.Println("error:", err)
		}
		return true

	default:
		fmt.Printf("unknown command %q; type 'help'\n", cmd)
	}
	return false
}
