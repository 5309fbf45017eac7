package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/MrWong99/toolgate/internal/mcpsource"
	"github.com/MrWong99/toolgate/pkg/tool"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"embeddings": {"openai", "ollama"},
	"summarize":  {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Budgets
	errs = append(errs, validateBudget("budgets.text", cfg.Budgets.Text)...)
	errs = append(errs, validateBudget("budgets.voice", cfg.Budgets.Voice)...)

	// Sessions
	if cfg.Sessions.SweepIntervalSeconds < 0 {
		errs = append(errs, fmt.Errorf("sessions.sweep_interval_seconds %d must not be negative", cfg.Sessions.SweepIntervalSeconds))
	}
	if cfg.Sessions.MaxIdleSeconds < 0 {
		errs = append(errs, fmt.Errorf("sessions.max_idle_seconds %d must not be negative", cfg.Sessions.MaxIdleSeconds))
	}

	// Provider name validation; warns for unknown provider names.
	validateProviderName("embeddings", cfg.Knowledge.Embeddings.Name)
	validateProviderName("summarize", cfg.Summarize.Provider.Name)

	// Knowledge store availability
	if cfg.Knowledge.PostgresDSN != "" && cfg.Knowledge.Embeddings.Name == "" {
		errs = append(errs, errors.New("knowledge.embeddings.name is required when knowledge.postgres_dsn is set"))
	}
	if cfg.Knowledge.PostgresDSN == "" && cfg.Knowledge.Embeddings.Name != "" {
		slog.Warn("knowledge.embeddings is configured but knowledge.postgres_dsn is empty; kb_search and kb_store will not be registered")
	}
	if cfg.Knowledge.Embeddings.Name != "" && cfg.Knowledge.EmbeddingDimensions <= 0 {
		slog.Warn("knowledge.embeddings is configured but knowledge.embedding_dimensions is not set; defaulting to 1536")
	}

	// Tool source availability
	if cfg.Descriptors.Dir == "" && len(cfg.MCP.Servers) == 0 {
		slog.Warn("descriptors.dir is empty and no MCP servers are configured; only built-in tools will be registered")
	}

	// MCP server duplicate name detection
	serverNamesSeen := make(map[string]int, len(cfg.MCP.Servers))

	// MCP servers
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := serverNamesSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
			}
			serverNamesSeen[srv.Name] = i
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == mcpsource.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == mcpsource.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
		if srv.Category != "" && !tool.Category(srv.Category).IsValid() {
			errs = append(errs, fmt.Errorf("%s.category %q is invalid; valid values: retrieval, action, session-control", prefix, srv.Category))
		}
		for _, m := range srv.Modes {
			if !tool.Mode(m).IsValid() {
				errs = append(errs, fmt.Errorf("%s.modes entry %q is invalid; valid values: text, voice", prefix, m))
			}
		}
		if srv.Auth != nil && srv.Auth.Token != "" && srv.Auth.OAuth != nil {
			slog.Warn("MCP server auth sets both token and oauth; the static token is ignored", "server", srv.Name)
		}
	}

	return errors.Join(errs...)
}

// validateBudget checks one mode's budget block for incoherent values.
func validateBudget(prefix string, b BudgetConfig) []error {
	var errs []error
	if b.MaxCallsPerTurn < 0 {
		errs = append(errs, fmt.Errorf("%s.max_calls_per_turn %d must not be negative", prefix, b.MaxCallsPerTurn))
	}
	if b.MaxRetrievalPerTurn < 0 {
		errs = append(errs, fmt.Errorf("%s.max_retrieval_per_turn %d must not be negative", prefix, b.MaxRetrievalPerTurn))
	}
	if b.MaxCallsPerTurn > 0 && b.MaxRetrievalPerTurn > b.MaxCallsPerTurn {
		errs = append(errs, fmt.Errorf("%s.max_retrieval_per_turn %d exceeds max_calls_per_turn %d", prefix, b.MaxRetrievalPerTurn, b.MaxCallsPerTurn))
	}
	if b.CallTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("%s.call_timeout_ms %d must not be negative", prefix, b.CallTimeoutMs))
	}
	if b.SoftTargetMs < 0 {
		errs = append(errs, fmt.Errorf("%s.soft_target_ms %d must not be negative", prefix, b.SoftTargetMs))
	}
	if b.HardCeilingMs < 0 {
		errs = append(errs, fmt.Errorf("%s.hard_ceiling_ms %d must not be negative", prefix, b.HardCeilingMs))
	}
	if b.HardCeilingMs > 0 && b.SoftTargetMs > 0 && b.HardCeilingMs < b.SoftTargetMs {
		errs = append(errs, fmt.Errorf("%s.hard_ceiling_ms %d is below soft_target_ms %d", prefix, b.HardCeilingMs, b.SoftTargetMs))
	}
	return errs
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
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
