// Package rules holds routing rules, their typed conditions and the pure
// matcher that orders candidate rules for a lead.
package rules

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	apperrors "lead-router/internal/common/errors"
	"lead-router/internal/models"
)

// Rule routes matching leads from a source workspace to a destination.
type Rule struct {
	ID                     string     `json:"id" yaml:"id"`
	SourceWorkspaceID      string     `json:"source_workspace_id" yaml:"source_workspace_id" validate:"required"`
	DestinationWorkspaceID string     `json:"destination_workspace_id" yaml:"destination_workspace_id" validate:"required"`
	Name                   string     `json:"name" yaml:"name" validate:"required,max=200"`
	Priority               int        `json:"priority" yaml:"priority"`
	Active                 bool       `json:"is_active" yaml:"active"`
	Conditions             Conditions `json:"conditions" yaml:"conditions"`
	// Sequence is assigned by the store and breaks priority ties: lower was created first.
	Sequence  int64     `json:"sequence" yaml:"-"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
}

var validate = validator.New()

// Validate checks required fields and every condition.
func (r *Rule) Validate() error {
	if err := validate.Struct(r); err != nil {
		return apperrors.InvalidRuleError("rule "+r.Name, err)
	}
	if err := r.Conditions.Validate(); err != nil {
		return err
	}
	return nil
}

// Matches is true when the rule is active and all its conditions hold.
func (r *Rule) Matches(p Profile) bool {
	return r.Active && r.Conditions.Matches(p)
}

// Profile is the subset of lead attributes rules can inspect.
type Profile struct {
	Industry    string
	CompanySize string
	Country     string
	State       string
	Region      string
}

// ProfileFromLead extracts the matchable attributes of a lead.
func ProfileFromLead(l *models.Lead) Profile {
	return Profile{
		Industry:    l.Industry,
		CompanySize: l.CompanySize,
		Country:     l.Country,
		State:       l.State,
		Region:      l.Region,
	}
}

// Regions lists every region name the lead can be matched by. A lead with
// a state and no country is treated as US.
func (p Profile) Regions() []string {
	out := make([]string, 0, 4)
	country := strings.TrimSpace(p.Country)
	if country == "" && p.State != "" {
		country = "US"
	}
	for _, r := range []string{country, p.State, p.Region} {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	if census := CensusRegion(p.State); census != "" && (country == "" || strings.EqualFold(country, "US")) {
		out = append(out, census)
	}
	return out
}

// CensusRegion returns the derived census region, or "".
func (p Profile) CensusRegion() string {
	return CensusRegion(p.State)
}
