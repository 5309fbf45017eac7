// Command toolgate runs the tool execution and policy engine server.
//
// Without flags the command builds the registry from the configured
// sources, prints a summary and exits; use it to validate descriptor
// edits before deploying. With -serve it keeps running, exposing the
// ops HTTP surface and hot-rebuilding the registry when descriptor
// files change.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/MrWong99/toolgate/internal/builtin/kbsearch"
	"github.com/MrWong99/toolgate/internal/builtin/notes"
	"github.com/MrWong99/toolgate/internal/builtin/sessionctl"
	"github.com/MrWong99/toolgate/internal/builtin/summarize"
	sumanyllm "github.com/MrWong99/toolgate/internal/builtin/summarize/anyllm"
	"github.com/MrWong99/toolgate/internal/config"
	"github.com/MrWong99/toolgate/internal/mcpsource"
	"github.com/MrWong99/toolgate/internal/observe"
	"github.com/MrWong99/toolgate/internal/ops"
	"github.com/MrWong99/toolgate/pkg/knowledge/embed"
	ollamaembed "github.com/MrWong99/toolgate/pkg/knowledge/embed/ollama"
	oaembed "github.com/MrWong99/toolgate/pkg/knowledge/embed/openai"
	kbpostgres "github.com/MrWong99/toolgate/pkg/knowledge/postgres"
	"github.com/MrWong99/toolgate/pkg/tool"
	"github.com/MrWong99/toolgate/pkg/tool/dispatch"
	"github.com/MrWong99/toolgate/pkg/tool/registry"
	"github.com/MrWong99/toolgate/pkg/tool/session"
)

const (
	// defaultListenAddr serves the ops surface when the config names none.
	defaultListenAddr = ":8080"

	// defaultSweepInterval is how often idle sessions are swept.
	defaultSweepInterval = time.Minute

	// defaultMaxIdle is how long a session may sit untouched before the
	// sweeper removes it.
	defaultMaxIdle = 30 * time.Minute

	// defaultEmbeddingDimensions matches text-embedding-3-small, the most
	// common embeddings model, and is used when the config sets none and
	// the client cannot report its own dimension.
	defaultEmbeddingDimensions = 1536
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	serve := flag.Bool("serve", false, "keep running: serve the ops HTTP surface and watch for config/descriptor changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "toolgate: config file %q not found — pass -config or create one\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "toolgate: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, logLevel := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("toolgate starting",
		"config", *configPath,
		"serve", *serve,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	// The OTel providers only matter in serve mode; the one-shot validation
	// path records against the no-op globals. DefaultMetrics must run after
	// InitProvider so the instruments bind to the Prometheus exporter.
	if *serve {
		otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
		if err != nil {
			slog.Error("failed to initialise telemetry", "err", err)
			return 1
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := otelShutdown(shutdownCtx); err != nil {
				slog.Warn("telemetry shutdown error", "err", err)
			}
		}()
	}
	metrics := observe.DefaultMetrics()

	// ── Provider registry ─────────────────────────────────────────────────────
	providers := config.NewRegistry()
	registerBuiltinProviders(providers)

	// ── Per-session state ─────────────────────────────────────────────────────
	// The notes scratchpad lives outside the session manager, so its state is
	// released through the remove hook when a session is swept or removed.
	notesStore := notes.NewStore()
	sessions := session.NewManager(session.WithRemoveHook(func(id string) {
		notesStore.Clear(id)
	}))
	defer sessions.Close()

	// ── Built-in tools ────────────────────────────────────────────────────────
	builtinSets := [][]tool.Tool{
		sessionctl.NewTools(sessions, metrics),
		notes.NewTools(notesStore),
	}

	var kbStore *kbpostgres.Store
	if cfg.Knowledge.PostgresDSN != "" {
		embedder, err := providers.CreateEmbeddings(cfg.Knowledge.Embeddings)
		if err != nil {
			slog.Error("failed to create embeddings client", "name", cfg.Knowledge.Embeddings.Name, "err", err)
			return 1
		}
		dims := cfg.Knowledge.EmbeddingDimensions
		if dims <= 0 {
			dims = embedder.Dimensions()
		}
		if dims <= 0 {
			dims = defaultEmbeddingDimensions
		}
		kbStore, err = kbpostgres.New(ctx, cfg.Knowledge.PostgresDSN, dims)
		if err != nil {
			slog.Error("failed to open knowledge store", "err", err)
			return 1
		}
		defer kbStore.Close()
		builtinSets = append(builtinSets, kbsearch.NewTools(kbStore, embedder))
		slog.Info("knowledge store ready", "embeddings", cfg.Knowledge.Embeddings.Name, "dimensions", dims)
	}

	if name := cfg.Summarize.Provider.Name; name != "" {
		completer, err := providers.CreateSummarizer(cfg.Summarize.Provider)
		if err != nil {
			slog.Error("failed to create summarize backend", "name", name, "err", err)
			return 1
		}
		builtinSets = append(builtinSets, summarize.NewTools(completer))
		slog.Info("summarize backend ready", "name", name, "model", cfg.Summarize.Provider.Model)
	}

	builtinHandlers := handlerIndex(builtinSets)

	// ── MCP tool import ───────────────────────────────────────────────────────
	var mcpSrc *mcpsource.Source
	if len(cfg.MCP.Servers) > 0 {
		mcpSrc = mcpsource.New(mcpServerConfigs(ctx, cfg.MCP.Servers))
		defer func() {
			if err := mcpSrc.Close(); err != nil {
				slog.Warn("mcp source close error", "err", err)
			}
		}()
	}

	// ── Registry build ────────────────────────────────────────────────────────
	// When a descriptor directory is configured it is authoritative for the
	// built-in tool set: every compiled-in handler must be described there,
	// which lets deployments tune schemas, modes and latency hints without a
	// rebuild. MCP tools always join with their imported definitions.
	buildRegistry := func(ctx context.Context, descriptorDir string) (*registry.Registry, error) {
		sets := slices.Clone(builtinSets)
		if descriptorDir != "" {
			defs, err := registry.LoadDir(descriptorDir)
			if err != nil {
				return nil, err
			}
			bound, err := registry.BindHandlers(defs, builtinHandlers)
			if err != nil {
				return nil, err
			}
			sets = [][]tool.Tool{bound}
		}
		if mcpSrc != nil {
			mcpSets, err := registry.FromSources(ctx, mcpSrc)
			if err != nil {
				return nil, err
			}
			sets = append(sets, mcpSets...)
		}
		return registry.Build(sets...)
	}

	reg, err := buildRegistry(ctx, cfg.Descriptors.Dir)
	if err != nil {
		slog.Error("registry build failed", "err", err)
		return 1
	}

	// ── Dispatcher ────────────────────────────────────────────────────────────
	dispatcher := dispatch.New(reg, sessions,
		dispatch.WithBudget(tool.ModeText, cfg.Budgets.Text.Merged(dispatch.TextBudget())),
		dispatch.WithBudget(tool.ModeVoice, cfg.Budgets.Voice.Merged(dispatch.VoiceBudget())),
		dispatch.WithObserver(metrics),
		dispatch.WithLogger(logger),
	)

	printStartupSummary(cfg, reg)

	if !*serve {
		printRegistryListing(reg)
		slog.Info("registry is valid", "version", reg.Version(), "tools", reg.Len())
		return 0
	}

	// ── Session sweeper ───────────────────────────────────────────────────────
	sweepInterval := defaultSweepInterval
	if cfg.Sessions.SweepIntervalSeconds > 0 {
		sweepInterval = time.Duration(cfg.Sessions.SweepIntervalSeconds) * time.Second
	}
	maxIdle := defaultMaxIdle
	if cfg.Sessions.MaxIdleSeconds > 0 {
		maxIdle = time.Duration(cfg.Sessions.MaxIdleSeconds) * time.Second
	}
	sessions.StartSweeper(sweepInterval, maxIdle)

	// ── Config watcher ────────────────────────────────────────────────────────
	rebuild := func(descriptorDir string) {
		reg, err := buildRegistry(ctx, descriptorDir)
		if err != nil {
			slog.Error("registry rebuild failed, keeping the previous snapshot", "err", err)
			metrics.RecordRegistryRebuild(ctx, "error")
			return
		}
		dispatcher.SwapRegistry(reg)
		metrics.RecordRegistryRebuild(ctx, "ok")
		slog.Info("registry rebuilt", "version", reg.Version(), "tools", reg.Len())
	}

	watcher, err := config.NewWatcher(*configPath,
		func(old, new *config.Config) {
			applyConfigChange(logLevel, config.Diff(old, new), rebuild)
		},
		config.WithDescriptorChange(rebuild),
	)
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}
	defer watcher.Stop()

	// ── Ops HTTP surface ──────────────────────────────────────────────────────
	checkers := []ops.Checker{
		{
			Name: "registry",
			Check: func(context.Context) error {
				if dispatcher.Registry().Len() == 0 {
					return errors.New("registry has no tools")
				}
				return nil
			},
		},
	}
	if kbStore != nil {
		checkers = append(checkers, ops.Checker{Name: "database", Check: kbStore.Ping})
	}

	mux := http.NewServeMux()
	ops.New(dispatcher, sessions, checkers...).Register(mux)

	addr := cfg.Server.ListenAddr
	if addr == "" {
		addr = defaultListenAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("server ready — press Ctrl+C to shut down", "addr", addr)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		slog.Error("ops server error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("ops server shutdown error", "err", err)
	}

	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the client
// from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embed.Client, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embed.Client, error) {
		return ollamaembed.New(entry.BaseURL, entry.Model)
	})

	// ── Summarize backends ────────────────────────────────────────────────────
	// Every any-llm-go provider shares the same pattern: optional APIKey +
	// optional BaseURL, with environment-variable fallback for the key.
	for _, providerName := range config.ValidProviderNames["summarize"] {
		reg.RegisterSummarizer(providerName, func(entry config.ProviderEntry) (summarize.Completer, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return sumanyllm.New(providerName, entry.Model, opts)
		})
	}

	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// handlerIndex flattens tool sets into a handler lookup by tool ID, the
// shape [registry.BindHandlers] consumes.
func handlerIndex(sets [][]tool.Tool) map[string]tool.Handler {
	handlers := map[string]tool.Handler{}
	for _, set := range sets {
		for _, t := range set {
			handlers[t.Definition.ID] = t.Handler
		}
	}
	return handlers
}

// mcpServerConfigs converts the config's MCP server blocks into source
// configs, building an authenticating HTTP client for streamable-http
// servers that carry an auth block.
func mcpServerConfigs(ctx context.Context, servers []config.MCPServerConfig) []mcpsource.ServerConfig {
	out := make([]mcpsource.ServerConfig, 0, len(servers))
	for _, srv := range servers {
		sc := mcpsource.ServerConfig{
			Name:      srv.Name,
			Transport: srv.Transport,
			Command:   srv.Command,
			URL:       srv.URL,
			Env:       srv.Env,
			Category:  tool.Category(srv.Category),
		}
		for _, m := range srv.Modes {
			sc.Modes = append(sc.Modes, tool.Mode(m))
		}
		if srv.Transport == mcpsource.TransportStreamableHTTP && srv.Auth != nil {
			sc.HTTPClient = authClient(ctx, srv.Auth)
		}
		out = append(out, sc)
	}
	return out
}

// authClient builds an http.Client carrying the configured credentials:
// OAuth 2.1 client-credentials when configured, a static Bearer token
// otherwise.
func authClient(ctx context.Context, auth *config.MCPAuthConfig) *http.Client {
	if auth.OAuth != nil {
		cc := clientcredentials.Config{
			ClientID:     auth.OAuth.ClientID,
			ClientSecret: auth.OAuth.ClientSecret,
			TokenURL:     auth.OAuth.TokenURL,
			Scopes:       auth.OAuth.Scopes,
		}
		return cc.Client(ctx)
	}
	if auth.Token != "" {
		return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: auth.Token}))
	}
	return nil
}

// ── Config hot reload ─────────────────────────────────────────────────────────

// applyConfigChange applies the runtime-applicable parts of a config diff
// and warns about the sections that need a restart.
func applyConfigChange(logLevel *slog.LevelVar, d config.ConfigDiff, rebuild func(dir string)) {
	if d.LogLevelChanged {
		logLevel.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.DescriptorDirChanged {
		slog.Info("descriptor directory changed, rebuilding registry", "dir", d.NewDescriptorDir)
		rebuild(d.NewDescriptorDir)
	}
	if d.BudgetsChanged {
		slog.Warn("budgets changed in config; budgets are fixed at startup and apply after a restart")
	}
	if d.SessionsChanged {
		slog.Warn("session sweep settings changed in config; they apply after a restart")
	}
	if d.KnowledgeChanged {
		slog.Warn("knowledge store settings changed in config; they apply after a restart")
	}
	if d.SummarizeChanged {
		slog.Warn("summarize backend settings changed in config; they apply after a restart")
	}
	for _, sd := range d.MCPServerChanges {
		switch {
		case sd.Added:
			slog.Warn("MCP server added in config; it connects after a restart", "server", sd.Name)
		case sd.Removed:
			slog.Warn("MCP server removed from config; its tools disappear after a restart", "server", sd.Name)
		default:
			slog.Warn("MCP server changed in config; the change applies after a restart", "server", sd.Name)
		}
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, reg *registry.Registry) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         toolgate — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printSummaryLine("Registry", reg.Version())
	printSummaryLine("Tools", fmt.Sprintf("%d", reg.Len()))
	if cfg.Descriptors.Dir != "" {
		printSummaryLine("Descriptors", cfg.Descriptors.Dir)
	} else {
		printSummaryLine("Descriptors", "(built-in)")
	}
	printProvider("Embeddings", cfg.Knowledge.Embeddings.Name, cfg.Knowledge.Embeddings.Model)
	printProvider("Summarize", cfg.Summarize.Provider.Name, cfg.Summarize.Provider.Model)
	if cfg.Knowledge.PostgresDSN != "" {
		printSummaryLine("Knowledge", "postgres")
	} else {
		printSummaryLine("Knowledge", "(disabled)")
	}
	printSummaryLine("MCP servers", fmt.Sprintf("%d", len(cfg.MCP.Servers)))
	if cfg.Server.ListenAddr != "" {
		printSummaryLine("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printSummaryLine(label, value string) {
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:16]) + "…"
	}
	fmt.Printf("║  %-15s : %-19s ║\n", label, value)
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	printSummaryLine(kind, value)
}

// printRegistryListing prints every registered definition, one per line,
// for the one-shot validation mode.
func printRegistryListing(reg *registry.Registry) {
	for _, d := range reg.All() {
		fmt.Printf("  %-20s v%-8s %-16s modes=%v\n", d.ID, d.Version, d.Category, d.Modes)
	}
}

// ── Logger ────────────────────────────────────────────────────────────────────

// newLogger builds the process logger with a mutable level so the config
// watcher can change verbosity without a restart.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lvl := &slog.LevelVar{}
	lvl.Set(slogLevel(level))
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), lvl
}

func slogLevel(level config.LogLevel) slog.Level {
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
