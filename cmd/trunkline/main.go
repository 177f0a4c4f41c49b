// Command trunkline is the main entry point for the trunkline voice-agent
// call server.
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

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/trunkline-ai/trunkline/internal/agentstore"
	"github.com/trunkline-ai/trunkline/internal/app"
	"github.com/trunkline-ai/trunkline/internal/config"
	"github.com/trunkline-ai/trunkline/internal/observe"
	"github.com/trunkline-ai/trunkline/pkg/provider/llm"
	"github.com/trunkline-ai/trunkline/pkg/provider/llm/anyllm"
	"github.com/trunkline-ai/trunkline/pkg/provider/llm/openai"
	"github.com/trunkline-ai/trunkline/pkg/provider/stt"
	"github.com/trunkline-ai/trunkline/pkg/provider/stt/deepgram"
	"github.com/trunkline-ai/trunkline/pkg/provider/stt/whisper"
	"github.com/trunkline-ai/trunkline/pkg/provider/tts"
	"github.com/trunkline-ai/trunkline/pkg/provider/tts/coqui"
	"github.com/trunkline-ai/trunkline/pkg/provider/tts/elevenlabs"
	"github.com/trunkline-ai/trunkline/pkg/provider/vad"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload agents and log level when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "trunkline: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "trunkline: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so a config reload can change it without
	// rebuilding the handler.
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("trunkline starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "trunkline"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sdCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sdCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, reg, app.WithLogger(logger))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config watcher (hot reload) ───────────────────────────────────────────
	if *watch {
		watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			applyReload(ctx, application, level, new, config.Diff(old, new))
		})
		if err != nil {
			slog.Warn("config watcher not started", "err", err)
		} else {
			defer watcher.Stop()
		}
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	// Run already drains on signal; this covers the path where Run returned
	// without shutting down. Shutdown is idempotent.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// applyReload applies the hot-reloadable parts of a config change to the
// running server: log level and agent definitions. Everything else is logged
// as requiring a restart.
func applyReload(ctx context.Context, application *app.App, level *slog.LevelVar, cfg *config.Config, diff config.ConfigDiff) {
	if !diff.Changed() {
		return
	}
	if diff.LogLevelChanged {
		level.Set(diff.NewLogLevel.Level())
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}
	for _, ac := range diff.AgentChanges {
		switch {
		case ac.Removed:
			if err := application.Store().Delete(ctx, ac.ID); err != nil {
				slog.Warn("agent not removed", "agent_id", ac.ID, "err", err)
			} else {
				slog.Info("agent removed", "agent_id", ac.ID)
			}
		case ac.Added, ac.Updated:
			def := agentByID(cfg, ac.ID)
			if def == nil {
				continue
			}
			if err := application.Store().Upsert(ctx, def); err != nil {
				slog.Warn("agent not applied", "agent_id", ac.ID, "err", err)
			} else {
				slog.Info("agent applied", "agent_id", ac.ID, "live_calls", application.Tracker().Active())
			}
		}
	}
	for _, section := range diff.RestartNeeded {
		slog.Warn("config change requires restart to take effect", "section", section)
	}
}

// agentByID finds an agent definition in cfg by ID, nil when absent.
func agentByID(cfg *config.Config, id string) *agentstore.Definition {
	for i := range cfg.Agents {
		if cfg.Agents[i].ID == id {
			return &cfg.Agents[i]
		}
	}
	return nil
}

// registerBuiltinProviders wires the provider factories that ship with
// trunkline into reg. Each factory receives a config.ProviderEntry and
// constructs a client from the matching provider package.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// openai goes through the native SDK (streamed usage accounting); the
	// remaining backends share the any-llm multi-provider client.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithEndpoint(entry.BaseURL))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		return vad.EnergyEngine{}, nil
	})
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        trunkline — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProviderKind("STT", cfg.Providers.STT)
	printProviderKind("LLM", cfg.Providers.LLM)
	printProviderKind("TTS", cfg.Providers.TTS)
	printProviderKind("VAD", cfg.Providers.VAD)
	if cfg.Telephony.Twilio.Enabled() {
		fmt.Printf("║  Carrier         : %-19s ║\n", "twilio")
	} else {
		fmt.Printf("║  Carrier         : %-19s ║\n", "(none)")
	}
	if cfg.Store.PostgresDSN != "" {
		fmt.Printf("║  Agent store     : %-19s ║\n", "postgres")
	} else {
		fmt.Printf("║  Agent store     : %-19s ║\n", "memory")
	}
	fmt.Printf("║  Response cache  : %-19s ║\n", string(cfg.Cache.Backend))
	if cfg.RateLimit.Enabled {
		fmt.Printf("║  Rate limiting   : %-19s ║\n", fmt.Sprintf("%d tiers", len(cfg.RateLimit.Tiers)))
	} else {
		fmt.Printf("║  Rate limiting   : %-19s ║\n", "off")
	}
	fmt.Printf("║  Agents seeded   : %-19d ║\n", len(cfg.Agents))
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProviderKind(kind string, entries map[string]config.ProviderEntry) {
	value := "(not configured)"
	if len(entries) > 0 {
		value = fmt.Sprintf("%d configured", len(entries))
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
