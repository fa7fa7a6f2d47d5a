package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tealquilamos/wabot/internal/buffer"
	"github.com/tealquilamos/wabot/internal/bus"
	"github.com/tealquilamos/wabot/internal/channels/whapi"
	"github.com/tealquilamos/wabot/internal/clock"
	"github.com/tealquilamos/wabot/internal/config"
	"github.com/tealquilamos/wabot/internal/delivery"
	statushttp "github.com/tealquilamos/wabot/internal/http"
	"github.com/tealquilamos/wabot/internal/presence"
	"github.com/tealquilamos/wabot/internal/reply"
	"github.com/tealquilamos/wabot/internal/store"
	"github.com/tealquilamos/wabot/internal/store/pg"
	"github.com/tealquilamos/wabot/internal/store/sqlite"
	"github.com/tealquilamos/wabot/internal/tracing"
	"github.com/tealquilamos/wabot/internal/usage"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway (default command)",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	if cfg.Whapi.Token == "" {
		slog.Error("WABOT_WHAPI_TOKEN is not set")
		os.Exit(1)
	}
	if cfg.OpenAI.APIKey == "" {
		slog.Error("WABOT_OPENAI_API_KEY is not set")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Telemetry.OTLPEndpoint, "wabot")
	if err != nil {
		slog.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}

	st, err := openStore(cfg)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	clk := clock.NewSystem()

	registry := delivery.NewRegistry(cfg.Delivery.DedupRetention(), clk)
	tracker := presence.NewTracker(cfg.Presence.Capacity(), cfg.Presence.TTL(), clk)
	transport := whapi.NewClient(cfg.Whapi)

	aiClient := openai.NewClient(cfg.OpenAI.APIKey)
	synth := reply.NewSynthesizer(aiClient, cfg.OpenAI.TTSModel, cfg.OpenAI.Voice)
	pipeline := delivery.NewPipeline(transport, registry, synth, clk, delivery.Config{
		MaxVoiceSegments:  cfg.Delivery.VoiceSegmentCap(),
		VoiceSegmentChars: cfg.Delivery.VoiceSegmentChars(),
		VoiceEnabled:      true,
	})

	coalescer := usage.NewCoalescer(ctx, st, clk, cfg.Usage.Window(), cfg.Usage.DriftLimit())
	engine := reply.NewEngine(aiClient, cfg.OpenAI.Model, pipeline, tracker, coalescer)

	scheduler := buffer.NewManager(ctx, buffer.Options{
		MessageDelay:   cfg.Buffer.MessageDelay(),
		VoiceDelay:     cfg.Buffer.VoiceDelay(),
		TypingDelay:    cfg.Buffer.TypingDelay(),
		MaxFragments:   cfg.Buffer.MaxFragmentCount(),
		RestoreOnError: cfg.Buffer.RestoreOnError,
	}, clk, engine.Reply)

	listener := whapi.NewListener(cfg.Whapi.BridgeURL, registry, whapi.Handlers{
		OnMessage: func(msg bus.InboundMessage) {
			tracker.MarkVoiceInput(msg.UserID, msg.FromVoice)
			if msg.DisplayName != "" {
				tracker.SetDisplayName(msg.UserID, msg.DisplayName)
			}
			scheduler.Ingest(msg.UserID, msg.Body, msg.ChatID, msg.DisplayName)
			if msg.FromVoice {
				// Transcripts arrive piecemeal; hold the flush a bit longer.
				scheduler.Arm(msg.UserID, buffer.TriggerVoice)
			}
		},
		OnPresence: func(ev bus.PresenceEvent) {
			switch ev.Kind {
			case bus.PresenceTyping:
				tracker.MarkTyping(ev.UserID, true)
				scheduler.Arm(ev.UserID, buffer.TriggerTyping)
			case bus.PresenceRecording:
				tracker.MarkRecording(ev.UserID, true)
				scheduler.Arm(ev.UserID, buffer.TriggerRecording)
			case bus.PresencePaused:
				tracker.MarkTyping(ev.UserID, false)
				tracker.MarkRecording(ev.UserID, false)
			}
		},
		OnVoiceNote: func(userID string) {
			tracker.MarkVoiceInput(userID, true)
			scheduler.Arm(userID, buffer.TriggerVoice)
		},
	})

	if err := listener.Start(ctx); err != nil {
		slog.Error("failed to start bridge listener", "error", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := config.Watch(gctx, cfgPath, func(next *config.Config) {
			// Timing knobs are bound at construction; flag the ones that
			// need a restart to take effect.
			if next.Buffer != cfg.Buffer || next.Delivery != cfg.Delivery {
				slog.Warn("buffer/delivery knobs changed on disk, restart to apply")
			}
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		ticker := time.NewTicker(cfg.Delivery.DedupRetention())
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := registry.Prune(); n > 0 {
					slog.Debug("dedup registry pruned", "removed", n)
				}
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(cfg.Buffer.IdleCleanup())
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := scheduler.Cleanup(cfg.Buffer.IdleCleanup()); n > 0 {
					slog.Info("idle buffers reclaimed", "count", n)
				}
			}
		}
	})

	if cfg.Status.Addr != "" {
		handler := statushttp.NewStatusHandler(gatewayStats{
			scheduler: scheduler,
			coalescer: coalescer,
			tracker:   tracker,
			store:     st,
		}, cfg.Status.Token, Version)
		g.Go(func() error {
			err := statushttp.Serve(gctx, cfg.Status.Addr, handler)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	slog.Info("wabot gateway running",
		"version", Version,
		"store", storeKind(cfg),
		"bridge_url", cfg.Whapi.BridgeURL)

	<-ctx.Done()
	slog.Info("shutting down")

	// Order matters: stop intake first so no new fragments arrive, then drop
	// armed timers, then persist whatever usage windows are still open.
	listener.Stop()
	scheduler.Stop()
	coalescer.FlushAll()

	if err := g.Wait(); err != nil {
		slog.Warn("background worker error at shutdown", "error", err)
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracing(flushCtx); err != nil {
		slog.Warn("trace flush failed", "error", err)
	}
	slog.Info("shutdown complete")
}

// gatewayStats adapts the running subsystems to the status endpoint.
type gatewayStats struct {
	scheduler *buffer.Manager
	coalescer *usage.Coalescer
	tracker   *presence.Tracker
	store     store.ConversationStore
}

func (s gatewayStats) ActiveBuffers() int { return s.scheduler.Active() }

func (s gatewayStats) PendingUsageWindows() int { return s.coalescer.Pending() }

func (s gatewayStats) TrackedUsers() int { return s.tracker.Len() }

func (s gatewayStats) StoreConnected() bool { return s.store.Connected() }

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func openStore(cfg *config.Config) (store.ConversationStore, error) {
	if cfg.UsesPostgres() {
		db, err := pg.OpenDB(cfg.Database.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return pg.NewPGConversationStore(db), nil
	}
	return sqlite.Open(config.ExpandHome(cfg.Database.SQLitePath))
}

func storeKind(cfg *config.Config) string {
	if cfg.UsesPostgres() {
		return "postgres"
	}
	return "sqlite"
}
