package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchOrdering(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	candidates := []Rule{
		{ID: "low", Priority: 1, Active: true, Sequence: 1, CreatedAt: base},
		{ID: "high-late", Priority: 10, Active: true, Sequence: 5, CreatedAt: base.Add(time.Hour)},
		{ID: "high-early", Priority: 10, Active: true, Sequence: 2, CreatedAt: base},
		{ID: "inactive", Priority: 100, Active: false, Sequence: 0},
	}

	matched := Match(Profile{Industry: "Technology"}, candidates)
	ids := make([]string, len(matched))
	for i, r := range matched {
		ids[i] = r.ID
	}
	assert.Equal(t, []string{"high-early", "high-late", "low"}, ids)
	assert.Equal(t, "low", candidates[0].ID, "input must not be reordered")
}

func TestSelectDeterministic(t *testing.T) {
	rs := []Rule{
		{ID: "b", Priority: 5, Active: true, Sequence: 2, Conditions: Conditions{IndustryIn{"Technology"}}},
		{ID: "a", Priority: 5, Active: true, Sequence: 1, Conditions: Conditions{IndustryIn{"Technology"}}},
	}
	for i := 0; i < 20; i++ {
		got, ok := Select(Profile{Industry: "Technology"}, rs)
		require.True(t, ok)
		assert.Equal(t, "a", got.ID)
	}

	_, ok := Select(Profile{Industry: "Retail"}, rs)
	assert.False(t, ok)
}

func TestConditions(t *testing.T) {
	tests := []struct {
		name    string
		conds   Conditions
		profile Profile
		want    bool
	}{
		{"empty matches everything", nil, Profile{}, true},
		{"all", Conditions{All{}}, Profile{}, true},
		{"industry case insensitive", Conditions{IndustryIn{"Technology"}}, Profile{Industry: "technology"}, true},
		{"industry miss", Conditions{IndustryIn{"Technology"}}, Profile{Industry: "Manufacturing"}, false},
		{"missing attribute does not match", Conditions{IndustryIn{"Technology"}}, Profile{}, false},
		{"census region from state", Conditions{RegionIn{"West"}}, Profile{State: "CA"}, true},
		{"state code", Conditions{RegionIn{"TX"}}, Profile{State: "TX"}, true},
		{"country implied by state", Conditions{RegionIn{"US"}}, Profile{State: "NY"}, true},
		{"explicit region", Conditions{RegionIn{"EMEA"}}, Profile{Country: "DE", Region: "EMEA"}, true},
		{"no census region outside US", Conditions{RegionIn{"West"}}, Profile{Country: "CA", State: "CA"}, false},
		{"company size", Conditions{CompanySizeIn{"51-200"}}, Profile{CompanySize: "51-200"}, true},
		{
			"conjunctive",
			Conditions{IndustryIn{"Technology"}, RegionIn{"Midwest"}},
			Profile{Industry: "Technology", State: "CA"},
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.conds.Matches(tt.profile))
		})
	}
}

func TestConditionsJSON(t *testing.T) {
	t.Run("typed list", func(t *testing.T) {
		cs, err := ParseConditions([]byte(`[{"type":"industry_in","values":["Technology"]},{"type":"all"}]`))
		require.NoError(t, err)
		require.Len(t, cs, 2)
		assert.Equal(t, IndustryIn{"Technology"}, cs[0])
		assert.Equal(t, All{}, cs[1])

		out, err := cs.MarshalJSON()
		require.NoError(t, err)
		assert.JSONEq(t, `[{"type":"industry_in","values":["Technology"]},{"type":"all"}]`, string(out))
	})

	t.Run("legacy object", func(t *testing.T) {
		cs, err := ParseConditions([]byte(`{"industries":["Technology"],"us_states":["CA","OR"],"regions":["West"]}`))
		require.NoError(t, err)
		assert.Equal(t, Conditions{IndustryIn{"Technology"}, RegionIn{"CA", "OR"}, RegionIn{"West"}}, cs)
	})

	t.Run("null", func(t *testing.T) {
		cs, err := ParseConditions([]byte(`null`))
		require.NoError(t, err)
		assert.Empty(t, cs)
	})

	rejected := map[string]string{
		"unknown type":       `[{"type":"revenue_in","values":["1M"]}]`,
		"empty values":       `[{"type":"region_in","values":[]}]`,
		"blank value":        `[{"type":"industry_in","values":[" "]}]`,
		"all with values":    `[{"type":"all","values":["x"]}]`,
		"unknown legacy key": `{"industries":["Tech"],"budgets":["high"]}`,
		"malformed":          `[{"type":`,
	}
	for name, raw := range rejected {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConditions([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestCensusRegion(t *testing.T) {
	assert.Equal(t, RegionNortheast, CensusRegion("ny"))
	assert.Equal(t, RegionSouthwest, CensusRegion("TX"))
	assert.Equal(t, RegionWest, CensusRegion(" wa "))
	assert.Equal(t, "", CensusRegion("ON"))
}
