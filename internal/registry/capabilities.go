// Package registry provides centralized model management for the gateway.
// It maps client-facing model identifiers to upstream identifiers and
// capability flags through a closed table, with a substring classifier kept
// only as a fallback for identifiers the table does not know.
package registry

import (
	"sort"
	"strings"

	"github.com/zgate-proxy/zgate/internal/config"
)

// Capabilities describes what a model supports and how it is addressed
// upstream.
type Capabilities struct {
	// ID is the client-facing model identifier.
	ID string
	// UpstreamID is the identifier sent to the upstream backend.
	UpstreamID string
	// Vision marks the model as accepting inline image content.
	Vision bool
	// Thinking enables the upstream thinking feature flag.
	Thinking bool
	// Search enables the upstream web search feature flag.
	Search bool
	// DefaultParams holds default sampling parameters for the model.
	DefaultParams map[string]any
}

// builtinModels is the closed capability table for the stock upstream models.
var builtinModels = map[string]Capabilities{
	"glm-4.5": {
		ID:         "glm-4.5",
		UpstreamID: "0727-360B-API",
	},
	"glm-4.5-thinking": {
		ID:         "glm-4.5-thinking",
		UpstreamID: "0727-360B-API",
		Thinking:   true,
	},
	"glm-4.5-search": {
		ID:         "glm-4.5-search",
		UpstreamID: "0727-360B-API",
		Search:     true,
	},
	"glm-4.5-air": {
		ID:         "glm-4.5-air",
		UpstreamID: "0727-106B-API",
	},
	"glm-4.5v": {
		ID:         "glm-4.5v",
		UpstreamID: "glm-4.5v",
		Vision:     true,
		Thinking:   true,
	},
}

// Registry resolves model identifiers against the built-in table merged with
// configuration overrides.
type Registry struct {
	models map[string]Capabilities
}

// New builds a registry from the built-in table plus configured overrides.
// A configured model with an ID already present in the table replaces the
// built-in entry.
func New(overrides []config.Model) *Registry {
	models := make(map[string]Capabilities, len(builtinModels)+len(overrides))
	for id, caps := range builtinModels {
		models[id] = caps
	}
	for _, m := range overrides {
		upstream := m.Upstream
		if upstream == "" {
			upstream = m.ID
		}
		models[m.ID] = Capabilities{
			ID:            m.ID,
			UpstreamID:    upstream,
			Vision:        m.Vision,
			Thinking:      m.Thinking,
			Search:        m.Search,
			DefaultParams: m.Params,
		}
	}
	return &Registry{models: models}
}

// Lookup returns the capabilities for a known model identifier.
func (r *Registry) Lookup(model string) (Capabilities, bool) {
	caps, ok := r.models[model]
	return caps, ok
}

// Resolve returns the capabilities for a model identifier, falling back to
// the substring classifier when the identifier is not in the table.
func (r *Registry) Resolve(model string) Capabilities {
	if caps, ok := r.models[model]; ok {
		return caps
	}
	return Classify(model)
}

// IDs returns the known model identifiers in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.models))
	for id := range r.models {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Classify derives capabilities for an unrecognized model identifier from
// name substrings. It exists only as a fallback; known models resolve through
// the closed table.
func Classify(model string) Capabilities {
	lower := strings.ToLower(model)
	return Capabilities{
		ID:         model,
		UpstreamID: model,
		Vision:     strings.Contains(lower, "vision") || strings.HasSuffix(lower, "v"),
		Thinking:   strings.Contains(lower, "thinking"),
		Search:     strings.Contains(lower, "search"),
	}
}
