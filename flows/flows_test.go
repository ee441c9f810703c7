package flows

import (
	"testing"

	"github.com/stretchr/testify/require"

	"taskbridge/discussion"
)

const sampleConfig = `
flows:
  - id: flow-1
    name: Acme
    team_id: T1
    workspace_id: W1
    inputs:
      - source_type: slack
        team_id: T1
        api_token: xoxb-token
        metadata:
          trigger_keyword: "@taskbot"
    outputs:
      - name: engineering
        output_type: notion
        domain_filter: [engineering, infra]
        output_config:
          token: secret_a
          database_id: db-eng
      - name: general
        output_type: notion
        is_default: true
        output_config:
          token: secret_a
          database_id: db-gen
    ai:
      domains: [engineering, design, infra]
legacy:
  - source:
      source_type: figma
      team_id: T9
      api_token: figd_token
    output:
      name: legacy-board
      output_type: notion
      output_config:
        token: secret_b
        database_id: db-legacy
`

func TestParseValidConfig(t *testing.T) {
	reg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)
	require.Len(t, reg.Flows(), 1)

	flow := reg.Flows()[0]
	require.Equal(t, "flow-1", flow.ID)
	require.Equal(t, []string{"engineering", "design", "infra"}, flow.AI.Domains)

	input := flow.Input(discussion.SourceSlack)
	require.NotNil(t, input)
	require.Equal(t, "@taskbot", input.Metadata["trigger_keyword"])
	require.Nil(t, flow.Input(discussion.SourceNotion))
}

func TestParseRejectsMultipleDefaults(t *testing.T) {
	cfg := `
flows:
  - id: flow-1
    team_id: T1
    outputs:
      - name: a
        output_type: notion
        is_default: true
        output_config: {token: x, database_id: d1}
      - name: b
        output_type: notion
        is_default: true
        output_config: {token: x, database_id: d2}
`
	_, err := Parse([]byte(cfg))
	require.Error(t, err)
	require.Equal(t, discussion.KindConfiguration, discussion.KindOf(err))
	require.Contains(t, err.Error(), "exactly one default")
}

func TestParseRejectsMissingDefault(t *testing.T) {
	cfg := `
flows:
  - id: flow-1
    team_id: T1
    outputs:
      - name: a
        output_type: notion
        output_config: {token: x, database_id: d1}
`
	_, err := Parse([]byte(cfg))
	require.Error(t, err)
	require.Contains(t, err.Error(), "exactly one default")
}

func TestParseRejectsUnknownSourceType(t *testing.T) {
	cfg := `
flows:
  - id: flow-1
    team_id: T1
    inputs:
      - source_type: jira
        team_id: T1
        api_token: x
    outputs:
      - name: a
        output_type: notion
        is_default: true
        output_config: {token: x, database_id: d1}
`
	_, err := Parse([]byte(cfg))
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown source type")
}

func TestDisabledDefaultDoesNotCount(t *testing.T) {
	flow := Flow{
		ID:     "flow-1",
		TeamID: "T1",
		Outputs: []FlowOutput{
			{Name: "a", IsDefault: true, Disabled: true},
			{Name: "b", IsDefault: true},
		},
	}
	require.NoError(t, flow.Validate())
	require.Equal(t, []string{"b"}, outputNames(flow.ActiveOutputs()))
}

func TestFindPrefersWorkspaceMatch(t *testing.T) {
	reg := NewRegistry([]Flow{
		{
			ID: "by-team", TeamID: "T1",
			Inputs:  []discussion.SourceConfig{{SourceType: discussion.SourceSlack, TeamID: "T1"}},
			Outputs: []FlowOutput{{Name: "a", IsDefault: true}},
		},
		{
			ID: "by-workspace", TeamID: "T2", WorkspaceID: "W1",
			Inputs:  []discussion.SourceConfig{{SourceType: discussion.SourceSlack, TeamID: "T2"}},
			Outputs: []FlowOutput{{Name: "b", IsDefault: true}},
		},
	}, nil)

	flow := reg.Find("T1", "W1", discussion.SourceSlack)
	require.NotNil(t, flow)
	require.Equal(t, "by-workspace", flow.ID)

	flow = reg.Find("T1", "", discussion.SourceSlack)
	require.NotNil(t, flow)
	require.Equal(t, "by-team", flow.ID)

	require.Nil(t, reg.Find("T1", "", discussion.SourceFigma))
}

func TestFindLegacy(t *testing.T) {
	reg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	legacy := reg.FindLegacy("T9", discussion.SourceFigma)
	require.NotNil(t, legacy)
	require.Equal(t, "legacy-board", legacy.Output.Name)

	require.Nil(t, reg.FindLegacy("T9", discussion.SourceSlack))
	require.Nil(t, reg.FindLegacy("T1", discussion.SourceFigma))
}

func TestOutputMatches(t *testing.T) {
	o := FlowOutput{DomainFilter: []string{"Engineering", "infra"}}
	require.True(t, o.Matches("engineering"))
	require.True(t, o.Matches("INFRA"))
	require.False(t, o.Matches("design"))
	require.False(t, o.Matches(""))
}

func outputNames(outputs []FlowOutput) []string {
	out := make([]string, 0, len(outputs))
	for _, o := range outputs {
		out = append(out, o.Name)
	}
	return out
}
