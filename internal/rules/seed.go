package rules

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	apperrors "lead-router/internal/common/errors"
	"lead-router/internal/models"
)

// Seed is the contents of a rules file: workspaces first, then rules in
// creation order.
//
//	workspaces:
//	  - id: w2
//	    name: West Coast Sales
//	    routing: {enabled: true}
//	rules:
//	  - name: tech-to-w2
//	    source_workspace_id: w1
//	    destination_workspace_id: w2
//	    priority: 10
//	    active: true
//	    conditions:
//	      - type: industry_in
//	        values: [Technology]
type Seed struct {
	Workspaces []models.Workspace `yaml:"workspaces"`
	Rules      []Rule             `yaml:"rules"`
}

// LoadFile reads and validates a YAML seed file.
func LoadFile(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML seed data. Unknown condition types and
// empty value lists are rejected here rather than at match time.
func Parse(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, apperrors.InvalidRuleError("parse rules file", err)
	}

	workspaces := make(map[string]bool, len(seed.Workspaces))
	for i := range seed.Workspaces {
		w := &seed.Workspaces[i]
		if err := validate.Struct(w); err != nil {
			return nil, apperrors.ValidationError(fmt.Sprintf("workspace %d: %v", i, err))
		}
		if workspaces[w.ID] {
			return nil, apperrors.ValidationError(fmt.Sprintf("duplicate workspace id %q", w.ID))
		}
		workspaces[w.ID] = true
	}

	for i := range seed.Rules {
		if err := seed.Rules[i].Validate(); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return &seed, nil
}
