package rules

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	apperrors "lead-router/internal/common/errors"
)

// Kind names a condition variant in its serialized form.
type Kind string

const (
	KindIndustryIn    Kind = "industry_in"
	KindRegionIn      Kind = "region_in"
	KindCompanySizeIn Kind = "company_size_in"
	KindAll           Kind = "all"
)

// Condition is one conjunct of a rule. The set of variants is closed:
// IndustryIn, RegionIn, CompanySizeIn and All.
type Condition interface {
	Kind() Kind
	Matches(p Profile) bool
	// Values returns the accepted values; nil for All.
	Values() []string
	validate() error
}

// IndustryIn matches leads whose industry is one of the listed values.
type IndustryIn []string

// RegionIn matches leads whose country, state, explicit region or derived
// census region is one of the listed values.
type RegionIn []string

// CompanySizeIn matches leads whose company size bucket is listed.
type CompanySizeIn []string

// All matches every lead.
type All struct{}

func (IndustryIn) Kind() Kind    { return KindIndustryIn }
func (RegionIn) Kind() Kind      { return KindRegionIn }
func (CompanySizeIn) Kind() Kind { return KindCompanySizeIn }
func (All) Kind() Kind           { return KindAll }

func (c IndustryIn) Values() []string    { return []string(c) }
func (c RegionIn) Values() []string      { return []string(c) }
func (c CompanySizeIn) Values() []string { return []string(c) }
func (All) Values() []string             { return nil }

func (c IndustryIn) Matches(p Profile) bool {
	return containsFold(c, p.Industry)
}

func (c RegionIn) Matches(p Profile) bool {
	for _, r := range p.Regions() {
		if containsFold(c, r) {
			return true
		}
	}
	return false
}

func (c CompanySizeIn) Matches(p Profile) bool {
	return containsFold(c, p.CompanySize)
}

func (All) Matches(Profile) bool { return true }

func (c IndustryIn) validate() error    { return validateValues(KindIndustryIn, c) }
func (c RegionIn) validate() error      { return validateValues(KindRegionIn, c) }
func (c CompanySizeIn) validate() error { return validateValues(KindCompanySizeIn, c) }
func (All) validate() error             { return nil }

func validateValues(kind Kind, values []string) error {
	if len(values) == 0 {
		return apperrors.InvalidRuleError(fmt.Sprintf("%s requires at least one value", kind), nil)
	}
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			return apperrors.InvalidRuleError(fmt.Sprintf("%s contains an empty value", kind), nil)
		}
	}
	return nil
}

func containsFold(list []string, v string) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return false
	}
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), v) {
			return true
		}
	}
	return false
}

// Conditions is a conjunctive list. An empty list matches everything.
type Conditions []Condition

// Matches is true when every condition matches p.
func (cs Conditions) Matches(p Profile) bool {
	for _, c := range cs {
		if !c.Matches(p) {
			return false
		}
	}
	return true
}

// Validate rejects nil conditions and empty value lists.
func (cs Conditions) Validate() error {
	for _, c := range cs {
		if c == nil {
			return apperrors.InvalidRuleError("nil condition", nil)
		}
		if err := c.validate(); err != nil {
			return err
		}
	}
	return nil
}

// conditionDoc is the wire form of a single condition.
type conditionDoc struct {
	Type   Kind     `json:"type" yaml:"type"`
	Values []string `json:"values,omitempty" yaml:"values,omitempty"`
}

// legacyDoc is the flat object form used by older rule rows. Each non-empty
// list becomes one condition.
type legacyDoc struct {
	Industries   []string `json:"industries"`
	CompanySizes []string `json:"company_sizes"`
	Countries    []string `json:"countries"`
	USStates     []string `json:"us_states"`
	Regions      []string `json:"regions"`
}

func fromDoc(d conditionDoc) (Condition, error) {
	var c Condition
	switch d.Type {
	case KindIndustryIn:
		c = IndustryIn(d.Values)
	case KindRegionIn:
		c = RegionIn(d.Values)
	case KindCompanySizeIn:
		c = CompanySizeIn(d.Values)
	case KindAll:
		if len(d.Values) > 0 {
			return nil, apperrors.InvalidRuleError("all takes no values", nil)
		}
		c = All{}
	default:
		return nil, apperrors.InvalidRuleError(fmt.Sprintf("unknown condition type %q", d.Type), nil)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func fromDocs(docs []conditionDoc) (Conditions, error) {
	out := make(Conditions, 0, len(docs))
	for _, d := range docs {
		c, err := fromDoc(d)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func fromLegacy(l legacyDoc) Conditions {
	var out Conditions
	if len(l.Industries) > 0 {
		out = append(out, IndustryIn(l.Industries))
	}
	if len(l.CompanySizes) > 0 {
		out = append(out, CompanySizeIn(l.CompanySizes))
	}
	// Countries, states and regions are separate conjuncts in the flat form.
	for _, r := range [][]string{l.Countries, l.USStates, l.Regions} {
		if len(r) > 0 {
			out = append(out, RegionIn(r))
		}
	}
	return out
}

// MarshalJSON writes the typed list form.
func (cs Conditions) MarshalJSON() ([]byte, error) {
	docs := make([]conditionDoc, 0, len(cs))
	for _, c := range cs {
		docs = append(docs, conditionDoc{Type: c.Kind(), Values: c.Values()})
	}
	return json.Marshal(docs)
}

// UnmarshalJSON accepts the typed list form or the flat legacy object.
func (cs *Conditions) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	switch {
	case trimmed == "" || trimmed == "null":
		*cs = nil
		return nil
	case strings.HasPrefix(trimmed, "{"):
		var l legacyDoc
		dec := json.NewDecoder(strings.NewReader(trimmed))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&l); err != nil {
			return apperrors.InvalidRuleError("decode conditions", err)
		}
		parsed := fromLegacy(l)
		if err := parsed.Validate(); err != nil {
			return err
		}
		*cs = parsed
		return nil
	}

	var docs []conditionDoc
	if err := json.Unmarshal(data, &docs); err != nil {
		return apperrors.InvalidRuleError("decode conditions", err)
	}
	parsed, err := fromDocs(docs)
	if err != nil {
		return err
	}
	*cs = parsed
	return nil
}

// UnmarshalYAML accepts the typed list form.
func (cs *Conditions) UnmarshalYAML(node *yaml.Node) error {
	var docs []conditionDoc
	if err := node.Decode(&docs); err != nil {
		return apperrors.InvalidRuleError("decode conditions", err)
	}
	parsed, err := fromDocs(docs)
	if err != nil {
		return err
	}
	*cs = parsed
	return nil
}

// ParseConditions decodes a stored conditions column.
func ParseConditions(raw []byte) (Conditions, error) {
	var cs Conditions
	if err := cs.UnmarshalJSON(raw); err != nil {
		return nil, err
	}
	return cs, nil
}
