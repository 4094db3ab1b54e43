package models

import (
	"strings"
	"time"
)

// RoutingConfig controls whether a workspace takes part in routing.
type RoutingConfig struct {
	Enabled          bool   `json:"enabled" yaml:"enabled"`
	AssignmentMethod string `json:"assignment_method,omitempty" yaml:"assignment_method"`
}

// Workspace is a tenant. The router only reads workspaces.
type Workspace struct {
	ID                string        `json:"id" yaml:"id" validate:"required"`
	Name              string        `json:"name" yaml:"name" validate:"required"`
	AllowedIndustries []string      `json:"allowed_industries,omitempty" yaml:"allowed_industries"`
	AllowedRegions    []string      `json:"allowed_regions,omitempty" yaml:"allowed_regions"`
	Routing           RoutingConfig `json:"routing_config" yaml:"routing"`
	CreatedAt         time.Time     `json:"created_at" yaml:"-"`
}

// AcceptsIndustry is true when the workspace has no industry filter or lists industry.
func (w *Workspace) AcceptsIndustry(industry string) bool {
	if len(w.AllowedIndustries) == 0 {
		return true
	}
	return containsFold(w.AllowedIndustries, industry)
}

// AcceptsRegion is true when the workspace has no region filter or lists any of regions.
func (w *Workspace) AcceptsRegion(regions ...string) bool {
	if len(w.AllowedRegions) == 0 {
		return true
	}
	for _, r := range regions {
		if r != "" && containsFold(w.AllowedRegions, r) {
			return true
		}
	}
	return false
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
