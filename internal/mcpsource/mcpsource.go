// Package mcpsource imports tool catalogues from Model Context Protocol
// servers into the engine's registry.
//
// A [Source] dials the configured servers (stdio subprocess or
// streamable-HTTP) on first use, converts every remote tool into a
// [tool.Tool] whose handler proxies calls back to the owning server
// session, and keeps sessions open so registry rebuilds re-list the
// catalogue without reconnecting.
//
// Typical usage:
//
//	src := mcpsource.New([]mcpsource.ServerConfig{{
//	    Name:      "dice",
//	    Transport: mcpsource.TransportStdio,
//	    Command:   "/usr/local/bin/mcp-dice-server",
//	}})
//	defer src.Close()
//
//	sets, err := registry.FromSources(ctx, src)
//	if err != nil { ... }
//	reg, err := registry.Build(sets...)
package mcpsource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"slices"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/toolgate/pkg/tool"
	"github.com/MrWong99/toolgate/pkg/tool/registry"
)

// Transport selects the connection mechanism for an MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and communicates over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP communicates via the MCP Streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// importedVersion is the version stamped onto imported definitions; the MCP
// tool listing carries no version of its own.
const importedVersion = "1.0.0"

// ServerConfig describes how to connect to a single MCP server and how its
// tools are presented to the engine.
type ServerConfig struct {
	// Name is the human-readable identifier for this server.
	// Must be unique within a single [Source]. Used in log messages and errors.
	Name string

	// Transport specifies the connection mechanism.
	Transport Transport

	// Command is the executable path (and optional arguments) used when
	// Transport is [TransportStdio].
	// Example: "/usr/local/bin/mcp-server --config /etc/mcp.json"
	Command string

	// URL is the endpoint address used when Transport is
	// [TransportStreamableHTTP]. Example: "https://tools.example.com/mcp"
	URL string

	// HTTPClient is the client used for [TransportStreamableHTTP] requests.
	// Callers supply one carrying authentication (a Bearer token or OAuth
	// token source transport). When nil, http.DefaultClient is used.
	HTTPClient *http.Client

	// Env holds additional environment variables injected into the server
	// process when Transport is [TransportStdio]. May be nil.
	Env map[string]string

	// Category is assigned to every imported tool. Defaults to
	// [tool.CategoryAction] when empty.
	Category tool.Category

	// Modes lists the request modes imported tools are offered in.
	// Defaults to text only when empty.
	Modes []tool.Mode
}

// Source imports MCP server tools as a registry source.
//
// The zero value is not usable; create instances with [New].
type Source struct {
	configs []ServerConfig
	logger  *slog.Logger
	client  *mcpsdk.Client

	mu       sync.Mutex
	sessions map[string]*mcpsdk.ClientSession
}

// Compile-time check: Source must satisfy the registry's source contract.
var _ registry.Source = (*Source)(nil)

// Option configures a [Source].
type Option func(*Source)

// WithLogger sets the logger. The default is [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Source for the given servers. No connections are opened
// until [Source.Tools] is called.
func New(configs []ServerConfig, opts ...Option) *Source {
	s := &Source{
		configs: configs,
		logger:  slog.Default(),
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "toolgate", Version: "1.0.0"},
			nil,
		),
		sessions: make(map[string]*mcpsdk.ClientSession),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tools connects to every configured server (concurrently) and returns the
// union of their catalogues as bound tools. A failure on any server fails
// the whole import, matching the registry's all-or-nothing build.
func (s *Source) Tools(ctx context.Context) ([]tool.Tool, error) {
	sets := make([][]tool.Tool, len(s.configs))

	var g errgroup.Group
	for i, cfg := range s.configs {
		g.Go(func() error {
			set, err := s.importServer(ctx, cfg)
			if err != nil {
				return fmt.Errorf("mcpsource: server %q: %w", cfg.Name, err)
			}
			sets[i] = set
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []tool.Tool
	for _, set := range sets {
		out = append(out, set...)
	}
	return out, nil
}

// importServer lists one server's tools and converts them into bound tools.
func (s *Source) importServer(ctx context.Context, cfg ServerConfig) ([]tool.Tool, error) {
	session, err := s.session(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var out []tool.Tool
	for t, err := range session.Tools(ctx, nil) {
		if err != nil {
			return nil, fmt.Errorf("list tools: %w", err)
		}
		out = append(out, tool.Tool{
			Definition: buildDefinition(t, cfg),
			Handler:    s.proxyHandler(cfg.Name, t.Name),
		})
	}

	s.logger.Info("imported MCP tools", "server", cfg.Name, "count", len(out))
	return out, nil
}

// session returns the open session for cfg.Name, dialling one if needed.
// Dialling happens outside the lock; when two imports race, the second
// session is closed and the first kept.
func (s *Source) session(ctx context.Context, cfg ServerConfig) (*mcpsdk.ClientSession, error) {
	s.mu.Lock()
	if sess, ok := s.sessions[cfg.Name]; ok {
		s.mu.Unlock()
		return sess, nil
	}
	s.mu.Unlock()

	transport, err := s.transport(ctx, cfg)
	if err != nil {
		return nil, err
	}
	sess, err := s.client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[cfg.Name]; ok {
		_ = sess.Close()
		return existing, nil
	}
	s.sessions[cfg.Name] = sess
	return sess, nil
}

// transport builds the SDK transport for one server config.
func (s *Source) transport(ctx context.Context, cfg ServerConfig) (mcpsdk.Transport, error) {
	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return nil, errors.New("stdio transport requires a non-empty command")
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		// Inject additional environment variables.
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		return &mcpsdk.CommandTransport{Command: cmd}, nil

	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return nil, errors.New("streamable-http transport requires a non-empty url")
		}
		return &mcpsdk.StreamableClientTransport{
			Endpoint:   cfg.URL,
			HTTPClient: cfg.HTTPClient,
		}, nil

	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// proxyHandler returns a handler that forwards calls to the owning server
// session under the tool's remote name.
func (s *Source) proxyHandler(serverName, remoteName string) tool.Handler {
	return func(ctx context.Context, call tool.Call) (tool.Result, error) {
		var args map[string]any
		if trimmed := bytes.TrimSpace(call.Args); len(trimmed) > 0 {
			if err := json.Unmarshal(trimmed, &args); err != nil {
				return tool.Result{}, tool.Errorf(tool.KindValidation,
					"arguments for %s are not a JSON object: %v", call.Tool, err)
			}
		}

		s.mu.Lock()
		session, ok := s.sessions[serverName]
		s.mu.Unlock()
		if !ok {
			return tool.Result{}, tool.Errorf(tool.KindInternal,
				"MCP server %q has no open session", serverName)
		}

		res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
			Name:      remoteName,
			Arguments: args,
		})
		if err != nil {
			return tool.Result{}, fmt.Errorf("mcpsource: call %s on server %q: %w", remoteName, serverName, err)
		}

		text := textContent(res.Content)
		if res.IsError {
			return tool.Result{}, fmt.Errorf("mcpsource: %s reported: %s", call.Tool, text)
		}
		if strings.TrimSpace(text) == "" {
			return tool.Result{Empty: true}, nil
		}

		// Servers answering in JSON get structured data in the envelope;
		// anything else is passed through as plain text.
		var decoded any
		if err := json.Unmarshal([]byte(text), &decoded); err == nil {
			return tool.Result{Data: decoded}, nil
		}
		return tool.Result{Data: text}, nil
	}
}

// Close shuts down all server sessions. After Close returns the Source must
// not be used again.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for name, sess := range s.sessions {
		if err := sess.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcpsource: close server %q: %w", name, err)
		}
		delete(s.sessions, name)
	}
	return firstErr
}

// buildDefinition converts an SDK tool into an engine definition under the
// server's import settings.
func buildDefinition(t *mcpsdk.Tool, cfg ServerConfig) tool.Definition {
	p50, maxMs := extractLatencyHints(t)

	modes := slices.Clone(cfg.Modes)
	if len(modes) == 0 {
		modes = []tool.Mode{tool.ModeText}
	}
	category := cfg.Category
	if category == "" {
		category = tool.CategoryAction
	}

	return tool.Definition{
		ID:                  normalizeID(t.Name),
		Version:             importedVersion,
		Description:         t.Description,
		Category:            category,
		Modes:               modes,
		Schema:              schemaToMap(t.InputSchema),
		EstimatedDurationMs: int(p50),
		MaxDurationMs:       int(maxMs),
	}
}

// normalizeID maps a remote tool name onto the registry's ID grammar
// (lowercase snake_case). Calls still go out under the remote name.
func normalizeID(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	id := strings.Trim(b.String(), "_")
	if id == "" || id[0] >= '0' && id[0] <= '9' {
		id = "mcp_" + id
	}
	return id
}

// extractLatencyHints tries to read estimated_duration_ms and max_duration_ms
// from a tool's schema metadata or from JSON embedded in its description.
func extractLatencyHints(t *mcpsdk.Tool) (p50Ms, maxMs int64) {
	if schema := schemaToMap(t.InputSchema); schema != nil {
		if props, ok := schema["properties"].(map[string]any); ok {
			if meta, ok := props["_metadata"].(map[string]any); ok {
				p50Ms = extractInt64(meta, "estimated_duration_ms")
				maxMs = extractInt64(meta, "max_duration_ms")
			}
		}
	}

	if p50Ms == 0 {
		p50Ms, maxMs = parseLatencyFromDescription(t.Description)
	}

	return p50Ms, maxMs
}

// extractInt64 retrieves an integer value from a map by key.
func extractInt64(m map[string]any, key string) int64 {
	v, ok := m[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	}
	return 0
}

// parseLatencyFromDescription tries to unmarshal a JSON blob embedded in a
// tool description to extract latency hints.
func parseLatencyFromDescription(desc string) (int64, int64) {
	start := strings.Index(desc, "{")
	end := strings.LastIndex(desc, "}")
	if start < 0 || end < start {
		return 0, 0
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(desc[start:end+1]), &m); err != nil {
		return 0, 0
	}
	return extractInt64(m, "estimated_duration_ms"), extractInt64(m, "max_duration_ms")
}

// schemaToMap converts any schema value to a map[string]any.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// textContent concatenates the text parts of a tool result.
func textContent(content []mcpsdk.Content) string {
	var sb strings.Builder
	for _, c := range content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

// splitCommand splits a command string into executable and arguments.
// e.g. "/bin/foo --bar baz" → ("/bin/foo", ["--bar", "baz"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
