package mcpsource

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/toolgate/pkg/tool"
)

func TestTransportIsValid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		transport Transport
		want      bool
	}{
		{TransportStdio, true},
		{TransportStreamableHTTP, true},
		{Transport(""), false},
		{Transport("grpc"), false},
		{Transport("http"), false},
	}
	for _, tc := range tests {
		if got := tc.transport.IsValid(); got != tc.want {
			t.Errorf("Transport(%q).IsValid() = %v, want %v", tc.transport, got, tc.want)
		}
	}
}

func TestSplitCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		command  string
		wantExec string
		wantArgs []string
	}{
		{"", "", nil},
		{"/usr/local/bin/mcp-server", "/usr/local/bin/mcp-server", []string{}},
		{"/bin/server --config /etc/mcp.json", "/bin/server", []string{"--config", "/etc/mcp.json"}},
		{"  spaced   out  ", "spaced", []string{"out"}},
	}
	for _, tc := range tests {
		gotExec, gotArgs := splitCommand(tc.command)
		if gotExec != tc.wantExec {
			t.Errorf("splitCommand(%q) executable = %q, want %q", tc.command, gotExec, tc.wantExec)
		}
		if !slices.Equal(gotArgs, tc.wantArgs) {
			t.Errorf("splitCommand(%q) args = %v, want %v", tc.command, gotArgs, tc.wantArgs)
		}
	}
}

func TestNormalizeID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		want string
	}{
		{"kb_search", "kb_search"},
		{"search-web", "search_web"},
		{"SearchWeb", "searchweb"},
		{"get.page", "get_page"},
		{"fetch page v2", "fetch_page_v2"},
		{"_private", "private"},
		{"3d_print", "mcp_3d_print"},
		{"", "mcp_"},
	}
	for _, tc := range tests {
		if got := normalizeID(tc.name); got != tc.want {
			t.Errorf("normalizeID(%q) = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestBuildDefinitionDefaults(t *testing.T) {
	t.Parallel()

	remote := &mcpsdk.Tool{
		Name:        "search-web",
		Description: "Searches the public web.",
	}
	def := buildDefinition(remote, ServerConfig{Name: "web"})

	if def.ID != "search_web" {
		t.Errorf("ID = %q, want %q", def.ID, "search_web")
	}
	if def.Version != importedVersion {
		t.Errorf("Version = %q, want %q", def.Version, importedVersion)
	}
	if def.Category != tool.CategoryAction {
		t.Errorf("Category = %q, want %q", def.Category, tool.CategoryAction)
	}
	if !slices.Equal(def.Modes, []tool.Mode{tool.ModeText}) {
		t.Errorf("Modes = %v, want [text]", def.Modes)
	}
	if def.EstimatedDurationMs != 0 || def.MaxDurationMs != 0 {
		t.Errorf("duration hints = (%d, %d), want (0, 0)",
			def.EstimatedDurationMs, def.MaxDurationMs)
	}
}

func TestBuildDefinitionImportSettings(t *testing.T) {
	t.Parallel()

	remote := &mcpsdk.Tool{Name: "lookup", Description: "Looks things up."}
	cfg := ServerConfig{
		Name:     "kb",
		Category: tool.CategoryRetrieval,
		Modes:    []tool.Mode{tool.ModeText, tool.ModeVoice},
	}
	def := buildDefinition(remote, cfg)

	if def.Category != tool.CategoryRetrieval {
		t.Errorf("Category = %q, want %q", def.Category, tool.CategoryRetrieval)
	}
	if !slices.Equal(def.Modes, []tool.Mode{tool.ModeText, tool.ModeVoice}) {
		t.Errorf("Modes = %v, want [text voice]", def.Modes)
	}

	// The definition must hold its own copy of the mode list.
	cfg.Modes[0] = tool.ModeVoice
	if def.Modes[0] != tool.ModeText {
		t.Error("definition modes alias the config slice")
	}
}

func TestBuildDefinitionLatencyFromDescription(t *testing.T) {
	t.Parallel()

	remote := &mcpsdk.Tool{
		Name:        "slow-fetch",
		Description: `Fetches a large document. {"estimated_duration_ms": 1200, "max_duration_ms": 5000}`,
	}
	def := buildDefinition(remote, ServerConfig{Name: "docs"})

	if def.EstimatedDurationMs != 1200 {
		t.Errorf("EstimatedDurationMs = %d, want 1200", def.EstimatedDurationMs)
	}
	if def.MaxDurationMs != 5000 {
		t.Errorf("MaxDurationMs = %d, want 5000", def.MaxDurationMs)
	}
}

func TestParseLatencyFromDescription(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		desc    string
		wantP50 int64
		wantMax int64
	}{
		{"both hints", `x {"estimated_duration_ms": 80, "max_duration_ms": 400} y`, 80, 400},
		{"estimate only", `{"estimated_duration_ms": 50}`, 50, 0},
		{"no braces", "plain prose description", 0, 0},
		{"invalid json", "set {a: b} here", 0, 0},
		{"unrelated json", `{"timeout": 30}`, 0, 0},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p50, max := parseLatencyFromDescription(tc.desc)
			if p50 != tc.wantP50 || max != tc.wantMax {
				t.Fatalf("parseLatencyFromDescription(%q) = (%d, %d), want (%d, %d)",
					tc.desc, p50, max, tc.wantP50, tc.wantMax)
			}
		})
	}
}

func TestExtractInt64(t *testing.T) {
	t.Parallel()

	m := map[string]any{
		"as_int64":   int64(7),
		"as_float64": float64(9),
		"as_number":  json.Number("11"),
		"as_string":  "13",
	}
	tests := []struct {
		key  string
		want int64
	}{
		{"as_int64", 7},
		{"as_float64", 9},
		{"as_number", 11},
		{"as_string", 0},
		{"missing", 0},
	}
	for _, tc := range tests {
		if got := extractInt64(m, tc.key); got != tc.want {
			t.Errorf("extractInt64(m, %q) = %d, want %d", tc.key, got, tc.want)
		}
	}
}

func TestSchemaToMap(t *testing.T) {
	t.Parallel()

	t.Run("nil defaults to object", func(t *testing.T) {
		t.Parallel()
		got := schemaToMap(nil)
		if got["type"] != "object" {
			t.Fatalf("schemaToMap(nil) = %v, want type object", got)
		}
	})

	t.Run("map passes through", func(t *testing.T) {
		t.Parallel()
		in := map[string]any{"type": "object", "properties": map[string]any{}}
		got := schemaToMap(in)
		if got["type"] != "object" {
			t.Fatalf("type = %v, want object", got["type"])
		}
		if _, ok := got["properties"]; !ok {
			t.Fatal("properties dropped on passthrough")
		}
	})

	t.Run("struct round-trips", func(t *testing.T) {
		t.Parallel()
		in := struct {
			Type string `json:"type"`
		}{Type: "object"}
		got := schemaToMap(in)
		if got["type"] != "object" {
			t.Fatalf("schemaToMap(struct) = %v, want type object", got)
		}
	})
}

func TestTextContent(t *testing.T) {
	t.Parallel()

	content := []mcpsdk.Content{
		&mcpsdk.TextContent{Text: "first"},
		&mcpsdk.TextContent{Text: " second"},
	}
	if got := textContent(content); got != "first second" {
		t.Fatalf("textContent = %q, want %q", got, "first second")
	}
	if got := textContent(nil); got != "" {
		t.Fatalf("textContent(nil) = %q, want empty", got)
	}
}

func TestTransportConfigErrors(t *testing.T) {
	t.Parallel()

	s := New(nil)
	ctx := context.Background()

	if _, err := s.transport(ctx, ServerConfig{Transport: TransportStdio}); err == nil {
		t.Error("stdio without command: expected error")
	}
	if _, err := s.transport(ctx, ServerConfig{Transport: TransportStreamableHTTP}); err == nil {
		t.Error("streamable-http without url: expected error")
	}
	if _, err := s.transport(ctx, ServerConfig{Transport: "grpc"}); err == nil {
		t.Error("unknown transport: expected error")
	}
}

func TestTransportStdioCommand(t *testing.T) {
	t.Parallel()

	s := New(nil)
	tr, err := s.transport(context.Background(), ServerConfig{
		Transport: TransportStdio,
		Command:   "/bin/echo hello world",
		Env:       map[string]string{"MCP_TOKEN": "secret"},
	})
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	ct, ok := tr.(*mcpsdk.CommandTransport)
	if !ok {
		t.Fatalf("transport type = %T, want *mcpsdk.CommandTransport", tr)
	}
	wantArgs := []string{"/bin/echo", "hello", "world"}
	if !slices.Equal(ct.Command.Args, wantArgs) {
		t.Errorf("command args = %v, want %v", ct.Command.Args, wantArgs)
	}
	if !slices.Contains(ct.Command.Env, "MCP_TOKEN=secret") {
		t.Error("command env is missing MCP_TOKEN")
	}
}

func TestTransportStreamableHTTP(t *testing.T) {
	t.Parallel()

	s := New(nil)
	tr, err := s.transport(context.Background(), ServerConfig{
		Transport: TransportStreamableHTTP,
		URL:       "https://tools.example.com/mcp",
	})
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	st, ok := tr.(*mcpsdk.StreamableClientTransport)
	if !ok {
		t.Fatalf("transport type = %T, want *mcpsdk.StreamableClientTransport", tr)
	}
	if st.Endpoint != "https://tools.example.com/mcp" {
		t.Errorf("endpoint = %q", st.Endpoint)
	}
}

func TestToolsNoServers(t *testing.T) {
	t.Parallel()

	s := New(nil)
	got, err := s.Tools(context.Background())
	if err != nil {
		t.Fatalf("Tools: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Tools = %d entries, want 0", len(got))
	}
}

func TestProxyHandlerRejectsBadArgs(t *testing.T) {
	t.Parallel()

	s := New(nil)
	h := s.proxyHandler("web", "search-web")

	_, err := h(context.Background(), tool.Call{
		Tool: "search_web",
		Args: json.RawMessage(`[1, 2, 3]`),
	})
	var ce *tool.CallError
	if !errors.As(err, &ce) {
		t.Fatalf("error type = %T, want *tool.CallError", err)
	}
	if ce.Kind != tool.KindValidation {
		t.Fatalf("Kind = %s, want %s", ce.Kind, tool.KindValidation)
	}
}

func TestProxyHandlerNoSession(t *testing.T) {
	t.Parallel()

	s := New(nil)
	h := s.proxyHandler("ghost", "search-web")

	_, err := h(context.Background(), tool.Call{Tool: "search_web"})
	var ce *tool.CallError
	if !errors.As(err, &ce) {
		t.Fatalf("error type = %T, want *tool.CallError", err)
	}
	if ce.Kind != tool.KindInternal {
		t.Fatalf("Kind = %s, want %s", ce.Kind, tool.KindInternal)
	}
}

func TestCloseWithoutSessions(t *testing.T) {
	t.Parallel()

	s := New(nil)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Closing again must be a no-op.
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
