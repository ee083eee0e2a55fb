package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama"},
}

// Defaults applied by Load when the file leaves a field empty.
const (
	DefaultListenAddr          = ":8080"
	DefaultVoice               = "coral"
	DefaultTranscriptionModel  = "whisper-1"
	DefaultEmbeddingDimensions = 1536
)

// Load reads the YAML configuration file at path, resolves API keys from the
// environment, applies defaults, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, resolves API keys from the
// environment, applies defaults, and validates the result. Useful in tests
// where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	resolveEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Realtime.Voice == "" {
		cfg.Realtime.Voice = DefaultVoice
	}
	if cfg.Realtime.TranscriptionModel == "" {
		cfg.Realtime.TranscriptionModel = DefaultTranscriptionModel
	}
	if cfg.Memory.PostgresDSN != "" && cfg.Memory.EmbeddingDimensions == 0 {
		cfg.Memory.EmbeddingDimensions = DefaultEmbeddingDimensions
	}
}

// resolveEnv fills empty API keys from conventional environment variables, so
// secrets stay out of config files.
func resolveEnv(cfg *Config) {
	if cfg.Backend.APIKey == "" {
		switch cfg.Backend.Provider {
		case BackendAzure:
			cfg.Backend.APIKey = os.Getenv("AZURE_OPENAI_API_KEY")
		case BackendOpenAI:
			cfg.Backend.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}
	resolveProviderKey(&cfg.Providers.LLM)
	resolveProviderKey(&cfg.Providers.Embeddings)
}

func resolveProviderKey(entry *ProviderEntry) {
	if entry.APIKey != "" {
		return
	}
	switch entry.Name {
	case "openai":
		entry.APIKey = os.Getenv("OPENAI_API_KEY")
	case "anthropic":
		entry.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	case "gemini":
		entry.APIKey = os.Getenv("GEMINI_API_KEY")
	case "deepseek":
		entry.APIKey = os.Getenv("DEEPSEEK_API_KEY")
	case "mistral":
		entry.APIKey = os.Getenv("MISTRAL_API_KEY")
	case "groq":
		entry.APIKey = os.Getenv("GROQ_API_KEY")
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	if cfg.Backend.Provider == "" {
		errs = append(errs, errors.New("backend.provider is required; valid values: azure, openai"))
	} else if !cfg.Backend.Provider.IsValid() {
		errs = append(errs, fmt.Errorf("backend.provider %q is invalid; valid values: azure, openai", cfg.Backend.Provider))
	}
	if cfg.Backend.Provider == BackendAzure {
		if cfg.Backend.Endpoint == "" {
			errs = append(errs, errors.New("backend.endpoint is required when provider is azure"))
		}
		if cfg.Backend.Deployment == "" {
			errs = append(errs, errors.New("backend.deployment is required when provider is azure"))
		}
	}
	if cfg.Backend.Provider.IsValid() && cfg.Backend.APIKey == "" {
		slog.Warn("backend.api_key is empty and not found in the environment; backend connections will fail to authenticate")
	}

	if t := cfg.Realtime.VAD.Threshold; t != nil && (*t < 0 || *t > 1) {
		errs = append(errs, fmt.Errorf("realtime.vad.threshold %.2f is out of range [0.0, 1.0]", *t))
	}
	if cfg.Realtime.VAD.PrefixPaddingMs < 0 {
		errs = append(errs, fmt.Errorf("realtime.vad.prefix_padding_ms %d must not be negative", cfg.Realtime.VAD.PrefixPaddingMs))
	}
	if cfg.Realtime.VAD.SilenceDurationMs < 0 {
		errs = append(errs, fmt.Errorf("realtime.vad.silence_duration_ms %d must not be negative", cfg.Realtime.VAD.SilenceDurationMs))
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	if cfg.Providers.Embeddings.Name != "" && cfg.Memory.PostgresDSN == "" {
		slog.Warn("providers.embeddings is configured but memory.postgres_dsn is empty; uploads will not be indexed")
	}
	if cfg.Memory.PostgresDSN != "" && cfg.Providers.Embeddings.Name == "" {
		errs = append(errs, errors.New("memory.postgres_dsn is set but providers.embeddings is not configured"))
	}
	if cfg.Memory.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("memory.embedding_dimensions %d must not be negative", cfg.Memory.EmbeddingDimensions))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
