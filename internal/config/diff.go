package config

import (
	"maps"
	"slices"
)

// ConfigDiff describes what changed between two configs. Log level and
// descriptor location apply at runtime; the remaining flags tell the caller
// that a restart (or a registry rebuild) is needed to pick the change up.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// DescriptorDirChanged is set when the config points at a different
	// descriptor directory. The new directory's contents require a rebuild.
	DescriptorDirChanged bool
	NewDescriptorDir     string

	BudgetsChanged   bool
	SessionsChanged  bool
	KnowledgeChanged bool
	SummarizeChanged bool

	MCPServersChanged bool
	MCPServerChanges  []MCPServerDiff // per-server diffs
}

// MCPServerDiff describes what changed for a single MCP server between two configs.
type MCPServerDiff struct {
	Name             string
	TransportChanged bool
	EndpointChanged  bool // command or url
	AuthChanged      bool
	EnvChanged       bool
	ImportChanged    bool // category or modes assigned to imported tools
	Added            bool
	Removed          bool
}

// changed reports whether any field of an existing server differs.
func (d MCPServerDiff) changed() bool {
	return d.TransportChanged || d.EndpointChanged || d.AuthChanged ||
		d.EnvChanged || d.ImportChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Descriptor directory
	if old.Descriptors.Dir != new.Descriptors.Dir {
		d.DescriptorDirChanged = true
		d.NewDescriptorDir = new.Descriptors.Dir
	}

	// Sections that only apply after a restart.
	d.BudgetsChanged = old.Budgets != new.Budgets
	d.SessionsChanged = old.Sessions != new.Sessions
	d.KnowledgeChanged = old.Knowledge != new.Knowledge
	d.SummarizeChanged = old.Summarize != new.Summarize

	// Build server lookup maps keyed by name.
	oldServers := make(map[string]*MCPServerConfig, len(old.MCP.Servers))
	for i := range old.MCP.Servers {
		oldServers[old.MCP.Servers[i].Name] = &old.MCP.Servers[i]
	}
	newServers := make(map[string]*MCPServerConfig, len(new.MCP.Servers))
	for i := range new.MCP.Servers {
		newServers[new.MCP.Servers[i].Name] = &new.MCP.Servers[i]
	}

	// Detect modified and removed servers.
	for name, oldSrv := range oldServers {
		newSrv, exists := newServers[name]
		if !exists {
			d.MCPServerChanges = append(d.MCPServerChanges, MCPServerDiff{
				Name:    name,
				Removed: true,
			})
			d.MCPServersChanged = true
			continue
		}
		sd := diffServer(name, oldSrv, newSrv)
		if sd.changed() {
			d.MCPServerChanges = append(d.MCPServerChanges, sd)
			d.MCPServersChanged = true
		}
	}

	// Detect added servers.
	for name := range newServers {
		if _, exists := oldServers[name]; !exists {
			d.MCPServerChanges = append(d.MCPServerChanges, MCPServerDiff{
				Name:  name,
				Added: true,
			})
			d.MCPServersChanged = true
		}
	}

	return d
}

// diffServer compares two MCP server configs with the same name.
func diffServer(name string, old, new *MCPServerConfig) MCPServerDiff {
	sd := MCPServerDiff{Name: name}

	if old.Transport != new.Transport {
		sd.TransportChanged = true
	}

	if old.Command != new.Command || old.URL != new.URL {
		sd.EndpointChanged = true
	}

	if !authEqual(old.Auth, new.Auth) {
		sd.AuthChanged = true
	}

	if !maps.Equal(old.Env, new.Env) {
		sd.EnvChanged = true
	}

	if old.Category != new.Category || !slices.Equal(old.Modes, new.Modes) {
		sd.ImportChanged = true
	}

	return sd
}

func authEqual(a, b *MCPAuthConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Token != b.Token {
		return false
	}
	return oauthEqual(a.OAuth, b.OAuth)
}

func oauthEqual(a, b *MCPOAuthConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ClientID == b.ClientID &&
		a.ClientSecret == b.ClientSecret &&
		a.TokenURL == b.TokenURL &&
		slices.Equal(a.Scopes, b.Scopes)
}
