// Package models holds the persisted entities of the lead router.
package models

import (
	"strings"
	"time"
)

// LeadStatus is the routing lifecycle state of a lead.
type LeadStatus string

const (
	LeadPending   LeadStatus = "pending"
	LeadRouted    LeadStatus = "routed"
	LeadDuplicate LeadStatus = "duplicate"
	LeadFailed    LeadStatus = "failed"
	LeadAbandoned LeadStatus = "abandoned"
)

// Valid reports whether s is a known status.
func (s LeadStatus) Valid() bool {
	switch s {
	case LeadPending, LeadRouted, LeadDuplicate, LeadFailed, LeadAbandoned:
		return true
	}
	return false
}

// Routable reports whether a lead in this state may still be routed.
func (s LeadStatus) Routable() bool {
	return s == LeadPending || s == LeadFailed
}

// Lead is an inbound sales lead owned by its source workspace.
type Lead struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id" validate:"required"`
	Email       string `json:"email" validate:"omitempty,email"`
	CompanyName string `json:"company_name,omitempty"`
	Industry    string `json:"industry,omitempty"`
	CompanySize string `json:"company_size,omitempty"`
	Country     string `json:"country,omitempty"`
	State       string `json:"state,omitempty"`
	Region      string `json:"region,omitempty"`

	Status                 LeadStatus `json:"routing_status"`
	DedupeHash             string     `json:"dedupe_hash,omitempty"`
	DestinationWorkspaceID string     `json:"destination_workspace_id,omitempty"`
	RoutingRuleID          string     `json:"routing_rule_id,omitempty"`
	RoutedAt               *time.Time `json:"routed_at,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// LockKey is the key the router serializes on: the dedupe hash, or the lead
// id when the lead has no hash.
func (l *Lead) LockKey() string {
	if l.DedupeHash != "" {
		return "dedupe:" + l.DedupeHash
	}
	return "lead:" + l.ID
}

// NormalizedEmail lowercases and trims the contact email.
func (l *Lead) NormalizedEmail() string {
	return strings.ToLower(strings.TrimSpace(l.Email))
}

// DedupeClaim records which lead first claimed a dedupe hash. Claims are
// never updated or deleted.
type DedupeClaim struct {
	Hash      string    `json:"dedupe_hash"`
	LeadID    string    `json:"lead_id"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// ClaimResult is the outcome of a conditional claim write.
type ClaimResult struct {
	Claimed        bool   `json:"claimed"`
	ExistingLeadID string `json:"existing_lead_id,omitempty"`
}

// RouteCommit is the single durable write that finishes a successful routing.
type RouteCommit struct {
	LeadID                 string
	DedupeHash             string
	DestinationWorkspaceID string
	RuleID                 string
	RoutedAt               time.Time
}

// CommitOutcome is what the store did with a RouteCommit.
type CommitOutcome struct {
	// Routed is false when the hash was claimed by another lead first; the
	// lead has then been marked duplicate in the same transaction.
	Routed         bool
	ExistingLeadID string
}
