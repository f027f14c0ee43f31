package provider

import (
	"sort"
	"strings"

	"github.com/beastoin/ccbot/internal/logging"
)

// Registry maps provider names to singleton instances. Unknown names
// fall back to Claude.
type Registry struct {
	providers map[string]Provider
	log       *logging.Logger
}

// NewRegistry builds a Registry pre-populated with claude, codex, and
// gemini.
func NewRegistry(log *logging.Logger) *Registry {
	return &Registry{
		providers: map[string]Provider{
			"claude": ClaudeProvider{},
			"codex":  CodexProvider{},
			"gemini": GeminiProvider{},
		},
		log: log,
	}
}

// Get returns the provider registered under name, falling back to Claude
// (and logging a warning) if name is unknown or empty.
func (r *Registry) Get(name string) Provider {
	if p, ok := r.providers[name]; ok {
		return p
	}
	if name != "" && r.log != nil {
		r.log.Warn("unknown provider, falling back to claude", "provider", name)
	}
	return r.providers["claude"]
}

// Available returns the sorted list of registered provider names.
func (r *Registry) Available() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DetectFromCommand resolves a provider by matching basename against a
// known provider name, case-insensitively, allowing "<name>-<suffix>"
// variants (e.g. "claude-3.5" matches "claude").
func (r *Registry) DetectFromCommand(basename string) (Provider, bool) {
	lower := strings.ToLower(basename)
	for name, p := range r.providers {
		if lower == name || strings.HasPrefix(lower, name+"-") {
			return p, true
		}
	}
	return nil, false
}
