package discussion

import (
	"context"
)

// SourceConfig is the tenant-scoped credential + metadata bundle an adapter
// needs to reach its source API. Owned by configuration management; the
// pipeline only reads it.
type SourceConfig struct {
	SourceType SourceType        `yaml:"source_type" json:"source_type"`
	TeamID     string            `yaml:"team_id" json:"team_id"`
	APIToken   string            `yaml:"api_token" json:"api_token"`
	Metadata   map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// ValidationResult is the outcome of a pure structural config check.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// SourceAdapter normalizes one source kind into the shared discussion model.
//
// ParseIncoming and FetchThread fail with *Error values carrying the
// retryable flag. PostReply and UpdateStatus are best effort: they return
// false on failure and never abort the pipeline. ValidateConfig is pure and
// never touches the network; TestConnection makes exactly one cheap
// authenticated call and returns false instead of an error.
type SourceAdapter interface {
	SourceType() SourceType
	ParseIncoming(ctx context.Context, payload []byte, cfg *SourceConfig) (*ParsedDiscussion, error)
	FetchThread(ctx context.Context, threadID string, cfg *SourceConfig) (*Thread, error)
	PostReply(ctx context.Context, threadID, message string, cfg *SourceConfig) bool
	UpdateStatus(ctx context.Context, threadID, status string, cfg *SourceConfig) bool
	ValidateConfig(cfg *SourceConfig) ValidationResult
	TestConnection(ctx context.Context, cfg *SourceConfig) bool
}

// Registry resolves adapters by source type. Unknown kinds surface as
// configuration errors, not data errors.
type Registry struct {
	adapters map[SourceType]SourceAdapter
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(adapters ...SourceAdapter) *Registry {
	r := &Registry{adapters: make(map[SourceType]SourceAdapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.SourceType()] = a
	}
	return r
}

// Get returns the adapter for the given source type.
func (r *Registry) Get(st SourceType) (SourceAdapter, error) {
	a, ok := r.adapters[st]
	if !ok {
		return nil, Configf("no adapter registered for source type %q", st)
	}
	return a, nil
}
