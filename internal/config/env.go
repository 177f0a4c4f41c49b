package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// ApplyEnv overlays recognised environment variables onto cfg. Set variables
// win over file values; unset variables leave the file value alone.
//
// Recognised keys:
//
//	LISTEN_ADDR, PUBLIC_HOST, LOG_LEVEL
//	HEARTBEAT_INTERVAL_SECONDS, STALE_TIMEOUT_SECONDS, MAX_CONNECTIONS
//	RESPONSE_TIMEOUT_SECONDS, HANGUP_AFTER_SILENCE_SECONDS
//	CIRCUIT_FAILURE_THRESHOLD, CIRCUIT_TIMEOUT_SECONDS
//	LLM_CACHE_TTL_SECONDS, LLM_CACHE_MAX_SIZE, LLM_CACHE_BACKEND
//	REDIS_ADDR, REDIS_PASSWORD, POSTGRES_DSN
//	DEEPGRAM_API_KEY, OPENAI_API_KEY, ELEVENLABS_API_KEY
//	TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, TWILIO_FROM
//
// Non-integer values for integer keys are logged and ignored.
func ApplyEnv(cfg *Config) {
	envStr("LISTEN_ADDR", &cfg.Server.ListenAddr)
	envStr("PUBLIC_HOST", &cfg.Server.PublicHost)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}

	envInt("HEARTBEAT_INTERVAL_SECONDS", &cfg.Gateway.HeartbeatIntervalSec)
	envInt("STALE_TIMEOUT_SECONDS", &cfg.Gateway.StaleTimeoutSec)
	envInt("MAX_CONNECTIONS", &cfg.Gateway.MaxConnections)

	envInt("RESPONSE_TIMEOUT_SECONDS", &cfg.Session.ResponseTimeoutSec)
	envInt("HANGUP_AFTER_SILENCE_SECONDS", &cfg.Session.HangupAfterSilenceSec)

	envInt("CIRCUIT_FAILURE_THRESHOLD", &cfg.Resilience.CircuitFailureThreshold)
	envInt("CIRCUIT_TIMEOUT_SECONDS", &cfg.Resilience.CircuitTimeoutSec)

	envInt("LLM_CACHE_TTL_SECONDS", &cfg.Cache.TTLSec)
	envInt("LLM_CACHE_MAX_SIZE", &cfg.Cache.MaxSize)
	if v := os.Getenv("LLM_CACHE_BACKEND"); v != "" {
		cfg.Cache.Backend = CacheBackend(strings.ToLower(v))
	}
	envStr("REDIS_ADDR", &cfg.Cache.Redis.Addr)
	envStr("REDIS_PASSWORD", &cfg.Cache.Redis.Password)

	envStr("POSTGRES_DSN", &cfg.Store.PostgresDSN)

	envKey("DEEPGRAM_API_KEY", &cfg.Providers.STT, "deepgram")
	envKey("OPENAI_API_KEY", &cfg.Providers.LLM, "openai")
	envKey("ELEVENLABS_API_KEY", &cfg.Providers.TTS, "elevenlabs")

	envStr("TWILIO_ACCOUNT_SID", &cfg.Telephony.Twilio.AccountSID)
	envStr("TWILIO_AUTH_TOKEN", &cfg.Telephony.Twilio.AuthToken)
	envStr("TWILIO_FROM", &cfg.Telephony.Twilio.From)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring non-integer environment value", "key", key, "value", v)
		return
	}
	*dst = n
}

// envKey sets the API key on the named provider entry, creating the entry
// (and the kind map) when the file did not declare it.
func envKey(key string, kind *map[string]ProviderEntry, name string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if *kind == nil {
		*kind = make(map[string]ProviderEntry)
	}
	entry := (*kind)[name]
	entry.Name = name
	entry.APIKey = v
	(*kind)[name] = entry
}
