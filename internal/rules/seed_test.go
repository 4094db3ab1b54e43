package rules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "lead-router/internal/common/errors"
)

const seedYAML = `
workspaces:
  - id: w1
    name: Inbound
    routing: {enabled: true}
  - id: w2
    name: Tech Sales
    allowed_industries: [Technology]
    routing: {enabled: true}
rules:
  - name: tech
    source_workspace_id: w1
    destination_workspace_id: w2
    priority: 10
    active: true
    conditions:
      - type: industry_in
        values: [Technology]
      - type: region_in
        values: [West, Northeast]
`

func TestParseSeed(t *testing.T) {
	seed, err := Parse([]byte(seedYAML))
	require.NoError(t, err)
	require.Len(t, seed.Workspaces, 2)
	require.Len(t, seed.Rules, 1)

	r := seed.Rules[0]
	assert.Equal(t, "w2", r.DestinationWorkspaceID)
	assert.True(t, r.Active)
	assert.Equal(t, Conditions{IndustryIn{"Technology"}, RegionIn{"West", "Northeast"}}, r.Conditions)
	assert.Equal(t, []string{"Technology"}, seed.Workspaces[1].AllowedIndustries)
	assert.True(t, seed.Workspaces[0].Routing.Enabled)
}

func TestParseSeedRejects(t *testing.T) {
	tests := map[string]string{
		"unknown condition": `
rules:
  - name: x
    source_workspace_id: w1
    destination_workspace_id: w2
    conditions:
      - type: revenue_in
        values: [big]
`,
		"missing destination": `
rules:
  - name: x
    source_workspace_id: w1
`,
		"duplicate workspace": `
workspaces:
  - {id: w1, name: a}
  - {id: w1, name: b}
`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
		})
	}

	_, err := Parse([]byte(tests["missing destination"]))
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeInvalidRule))
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o600))

	seed, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, seed.Rules, 1)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
