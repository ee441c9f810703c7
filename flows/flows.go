// Package flows holds the read-only pipeline configuration: which sources
// feed a tenant's pipeline and which destination outputs receive its tasks.
// The pipeline never writes configuration; it is loaded once at startup
// from a YAML file maintained by the dashboard side of the system.
package flows

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"taskbridge/discussion"
)

// OutputConfig carries destination credentials and field mapping.
type OutputConfig struct {
	Token         string `yaml:"token" json:"token"`
	DatabaseID    string `yaml:"database_id" json:"database_id"`
	TitleProperty string `yaml:"title_property,omitempty" json:"title_property,omitempty"`
}

// FlowOutput is one destination board plus its routing rule. An empty
// DomainFilter matches nothing by itself; such an output only receives
// tasks when it is the flow's default.
type FlowOutput struct {
	Name         string       `yaml:"name" json:"name"`
	OutputType   string       `yaml:"output_type" json:"output_type"`
	DomainFilter []string     `yaml:"domain_filter,omitempty" json:"domain_filter,omitempty"`
	IsDefault    bool         `yaml:"is_default,omitempty" json:"is_default"`
	Disabled     bool         `yaml:"disabled,omitempty" json:"disabled,omitempty"`
	OutputConfig OutputConfig `yaml:"output_config" json:"output_config"`
}

// Matches reports whether this output's filter contains the domain.
func (o *FlowOutput) Matches(domain string) bool {
	for _, d := range o.DomainFilter {
		if strings.EqualFold(d, domain) {
			return true
		}
	}
	return false
}

// AISettings are the per-tenant analysis overrides.
type AISettings struct {
	SummaryPrompt string   `yaml:"summary_prompt,omitempty" json:"summary_prompt,omitempty"`
	TaskPrompt    string   `yaml:"task_prompt,omitempty" json:"task_prompt,omitempty"`
	Domains       []string `yaml:"domains" json:"domains"`
}

// Flow is one tenant's configured pipeline: inputs, outputs, AI settings.
type Flow struct {
	ID          string                    `yaml:"id" json:"id"`
	Name        string                    `yaml:"name" json:"name"`
	TeamID      string                    `yaml:"team_id" json:"team_id"`
	WorkspaceID string                    `yaml:"workspace_id,omitempty" json:"workspace_id,omitempty"`
	Inputs      []discussion.SourceConfig `yaml:"inputs" json:"inputs"`
	Outputs     []FlowOutput              `yaml:"outputs" json:"outputs"`
	AI          AISettings                `yaml:"ai" json:"ai"`
}

// Validate enforces the configuration invariant the processor relies on:
// every flow has exactly one default output among its enabled outputs.
func (f *Flow) Validate() error {
	if f.ID == "" {
		return discussion.Configf("flow missing id")
	}
	if f.TeamID == "" {
		return discussion.Configf("flow %s missing team_id", f.ID)
	}
	if len(f.Outputs) == 0 {
		return discussion.Configf("flow %s has no outputs", f.ID)
	}
	defaults := 0
	for i := range f.Outputs {
		if f.Outputs[i].Disabled {
			continue
		}
		if f.Outputs[i].IsDefault {
			defaults++
		}
	}
	if defaults != 1 {
		return discussion.Configf("flow %s must have exactly one default output, found %d", f.ID, defaults)
	}
	for i := range f.Inputs {
		if !f.Inputs[i].SourceType.Valid() {
			return discussion.Configf("flow %s input %d has unknown source type %q", f.ID, i, f.Inputs[i].SourceType)
		}
	}
	return nil
}

// Input returns the flow's source config for the given source type.
func (f *Flow) Input(st discussion.SourceType) *discussion.SourceConfig {
	for i := range f.Inputs {
		if f.Inputs[i].SourceType == st {
			return &f.Inputs[i]
		}
	}
	return nil
}

// ActiveOutputs returns the enabled outputs in configured order.
func (f *Flow) ActiveOutputs() []FlowOutput {
	out := make([]FlowOutput, 0, len(f.Outputs))
	for _, o := range f.Outputs {
		if !o.Disabled {
			out = append(out, o)
		}
	}
	return out
}

// Registry is the in-memory view of the flow configuration store, with the
// lookups the processor needs: by workspace and by (team, source type).
type Registry struct {
	flows []Flow

	// Legacy single source + single output pairs, used when no flow
	// matches an inbound discussion.
	legacy []LegacyConfig
}

// LegacyConfig is the pre-flow configuration shape: one source feeding one
// implicit-default output.
type LegacyConfig struct {
	Source discussion.SourceConfig `yaml:"source" json:"source"`
	Output FlowOutput              `yaml:"output" json:"output"`
}

type configFile struct {
	Flows  []Flow         `yaml:"flows"`
	Legacy []LegacyConfig `yaml:"legacy,omitempty"`
}

// Load reads and validates the flow configuration file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flow config: %w", err)
	}
	return Parse(data)
}

// Parse builds a registry from raw YAML.
func Parse(data []byte) (*Registry, error) {
	var file configFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse flow config: %w", err)
	}
	for i := range file.Flows {
		if err := file.Flows[i].Validate(); err != nil {
			return nil, err
		}
	}
	for i := range file.Legacy {
		if !file.Legacy[i].Source.SourceType.Valid() {
			return nil, discussion.Configf("legacy config %d has unknown source type %q", i, file.Legacy[i].Source.SourceType)
		}
	}
	return &Registry{flows: file.Flows, legacy: file.Legacy}, nil
}

// NewRegistry builds a registry directly from flow values. Used in tests
// and by callers that source configuration elsewhere.
func NewRegistry(flows []Flow, legacy []LegacyConfig) *Registry {
	return &Registry{flows: flows, legacy: legacy}
}

// Find resolves the flow owning an inbound discussion: workspace match
// first, then (team, source type). Returns nil when no flow matches, in
// which case the caller falls back to the legacy path.
func (r *Registry) Find(teamID, workspaceID string, st discussion.SourceType) *Flow {
	if workspaceID != "" {
		for i := range r.flows {
			if r.flows[i].WorkspaceID == workspaceID && r.flows[i].Input(st) != nil {
				return &r.flows[i]
			}
		}
	}
	for i := range r.flows {
		if r.flows[i].TeamID == teamID && r.flows[i].Input(st) != nil {
			return &r.flows[i]
		}
	}
	return nil
}

// FindLegacy resolves the legacy single-source config for a team + kind.
func (r *Registry) FindLegacy(teamID string, st discussion.SourceType) *LegacyConfig {
	for i := range r.legacy {
		if r.legacy[i].Source.TeamID == teamID && r.legacy[i].Source.SourceType == st {
			return &r.legacy[i]
		}
	}
	return nil
}

// Flows returns all configured flows.
func (r *Registry) Flows() []Flow { return r.flows }
