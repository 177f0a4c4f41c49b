package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind. Used by
// [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "mock"},
	"stt": {"deepgram", "whisper", "mock"},
	"tts": {"elevenlabs", "coqui", "mock"},
	"vad": {"energy", "mock"},
}

// Default returns the configuration used when no file is given: plain HTTP
// on :8080, info logging, in-memory cache and agent store. Everything else
// keeps the owning package's defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		Cache: CacheConfig{
			Backend: CacheMemory,
		},
	}
}

// Load reads the YAML configuration file at path, applies the environment
// overlay, and returns a validated [Config]. An empty path starts from
// [Default] and applies only the environment.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		ApplyEnv(cfg)
		if err := Validate(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	cfg, err := loadBytes(data)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result. No
// environment overlay is applied; useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadBytes is the full pipeline shared by [Load] and the file watcher:
// decode, environment overlay, defaults, validation.
func loadBytes(data []byte) (*Config, error) {
	cfg, err := decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	ApplyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	normalize(cfg)
	return cfg, nil
}

// normalize stamps each provider entry with the map key it was stored under.
func normalize(cfg *Config) {
	for _, kind := range []map[string]ProviderEntry{
		cfg.Providers.STT, cfg.Providers.LLM, cfg.Providers.TTS, cfg.Providers.VAD,
	} {
		for name, entry := range kind {
			entry.Name = name
			kind[name] = entry
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = CacheMemory
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found; advisory issues are
// logged as warnings instead.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Gateway
	if cfg.Gateway.HeartbeatIntervalSec < 0 {
		errs = append(errs, fmt.Errorf("gateway.heartbeat_interval_sec must be non-negative, got %d", cfg.Gateway.HeartbeatIntervalSec))
	}
	if cfg.Gateway.StaleTimeoutSec < 0 {
		errs = append(errs, fmt.Errorf("gateway.stale_timeout_sec must be non-negative, got %d", cfg.Gateway.StaleTimeoutSec))
	}
	if cfg.Gateway.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("gateway.max_connections must be non-negative, got %d", cfg.Gateway.MaxConnections))
	}
	if h, s := cfg.Gateway.HeartbeatIntervalSec, cfg.Gateway.StaleTimeoutSec; h > 0 && s > 0 && s <= h {
		slog.Warn("gateway.stale_timeout_sec is not above the heartbeat interval; connections may be dropped after a single missed ping",
			"heartbeat_interval_sec", h, "stale_timeout_sec", s)
	}

	// Session
	if cfg.Session.ResponseTimeoutSec < 0 {
		errs = append(errs, fmt.Errorf("session.response_timeout_sec must be non-negative, got %d", cfg.Session.ResponseTimeoutSec))
	}
	if cfg.Session.HangupAfterSilenceSec < 0 {
		errs = append(errs, fmt.Errorf("session.hangup_after_silence_sec must be non-negative, got %d", cfg.Session.HangupAfterSilenceSec))
	}

	// Resilience
	if cfg.Resilience.CircuitFailureThreshold < 0 {
		errs = append(errs, fmt.Errorf("resilience.circuit_failure_threshold must be non-negative, got %d", cfg.Resilience.CircuitFailureThreshold))
	}
	if cfg.Resilience.CircuitTimeoutSec < 0 {
		errs = append(errs, fmt.Errorf("resilience.circuit_timeout_sec must be non-negative, got %d", cfg.Resilience.CircuitTimeoutSec))
	}
	if cfg.Resilience.RetryMaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("resilience.retry_max_attempts must be non-negative, got %d", cfg.Resilience.RetryMaxAttempts))
	}

	// Rate limiting
	if rl := cfg.RateLimit; rl.Enabled {
		if len(rl.Tiers) == 0 {
			errs = append(errs, errors.New("rate_limit.enabled requires at least one tier"))
		}
		for name, tier := range rl.Tiers {
			if tier.Algorithm != "" && !tier.Algorithm.IsValid() {
				errs = append(errs, fmt.Errorf("rate_limit.tiers.%s.algorithm %q is invalid; valid values: sliding, token, fixed", name, tier.Algorithm))
			}
			if tier.Requests <= 0 {
				errs = append(errs, fmt.Errorf("rate_limit.tiers.%s.requests must be positive, got %d", name, tier.Requests))
			}
			if tier.WindowSec <= 0 {
				errs = append(errs, fmt.Errorf("rate_limit.tiers.%s.window_sec must be positive, got %d", name, tier.WindowSec))
			}
		}
		if rl.DefaultTier != "" {
			if _, ok := rl.Tiers[rl.DefaultTier]; !ok {
				errs = append(errs, fmt.Errorf("rate_limit.default_tier %q has no tier entry", rl.DefaultTier))
			}
		}
	}

	// Cache
	if !cfg.Cache.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("cache.backend %q is invalid; valid values: memory, redis", cfg.Cache.Backend))
	}
	if cfg.Cache.Backend == CacheRedis && cfg.Cache.Redis.Addr == "" {
		errs = append(errs, errors.New("cache.redis.addr is required when cache.backend is redis"))
	}
	if cfg.Cache.TTLSec < 0 {
		errs = append(errs, fmt.Errorf("cache.ttl_sec must be non-negative, got %d", cfg.Cache.TTLSec))
	}
	if cfg.Cache.MaxSize < 0 {
		errs = append(errs, fmt.Errorf("cache.max_size must be non-negative, got %d", cfg.Cache.MaxSize))
	}

	// Telephony
	tw := cfg.Telephony.Twilio
	if (tw.AccountSID == "") != (tw.AuthToken == "") {
		errs = append(errs, errors.New("telephony.twilio requires both account_sid and auth_token"))
	}
	if tw.Enabled() && cfg.Server.PublicHost == "" {
		slog.Warn("telephony.twilio is configured but server.public_host is empty; carrier media streams cannot reach this server")
	}

	// Provider name validation — warn for unknown provider names, fail on
	// fallback chains that reference entries that do not exist.
	for kind, entries := range map[string]map[string]ProviderEntry{
		"stt": cfg.Providers.STT,
		"llm": cfg.Providers.LLM,
		"tts": cfg.Providers.TTS,
		"vad": cfg.Providers.VAD,
	} {
		for name, entry := range entries {
			validateProviderName(kind, name)
			for _, fb := range entry.Fallbacks {
				if fb == name {
					errs = append(errs, fmt.Errorf("providers.%s.%s.fallbacks must not include the entry itself", kind, name))
					continue
				}
				if _, ok := entries[fb]; !ok {
					errs = append(errs, fmt.Errorf("providers.%s.%s.fallbacks references %q, which has no entry", kind, name, fb))
				}
			}
			if entry.Tier != "" && cfg.RateLimit.Enabled {
				if _, ok := cfg.RateLimit.Tiers[entry.Tier]; !ok {
					errs = append(errs, fmt.Errorf("providers.%s.%s.tier %q has no rate_limit tier", kind, name, entry.Tier))
				}
			}
		}
	}

	// Agents
	idsSeen := make(map[string]int, len(cfg.Agents))
	for i := range cfg.Agents {
		def := &cfg.Agents[i]
		prefix := fmt.Sprintf("agents[%d]", i)
		if err := def.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
		}
		if def.ID != "" {
			if prev, ok := idsSeen[def.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of agents[%d]", prefix, def.ID, prev))
			}
			idsSeen[def.ID] = i
		}

		// Agent ↔ provider cross-validation: a ref naming a provider with
		// no config entry still works for providers that need no
		// credentials (mock, energy), so this is advisory.
		warnMissingEntry(prefix+".stt", "stt", def.STT.Name, cfg.Providers.STT)
		warnMissingEntry(prefix+".llm", "llm", def.LLM.Name, cfg.Providers.LLM)
		warnMissingEntry(prefix+".tts", "tts", def.TTS.Name, cfg.Providers.TTS)
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is not found in the
// [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

func warnMissingEntry(field, kind, name string, entries map[string]ProviderEntry) {
	if name == "" {
		return
	}
	if _, ok := entries[name]; ok {
		return
	}
	slog.Warn("agent references a provider with no configured entry",
		"field", field,
		"kind", kind,
		"name", name,
	)
}
