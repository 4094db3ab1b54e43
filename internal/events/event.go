// Package events publishes routing outcomes to an optional broker so
// downstream systems can react to routed, duplicate, queued and abandoned
// leads without polling the store.
//
// Publishing is best effort: the store is the source of truth and a
// failed publish never changes a routing outcome.
package events

import (
	"context"
	"encoding/json"
	"time"
)

type Kind string

const (
	KindRouted    Kind = "routed"
	KindDuplicate Kind = "duplicate"
	KindQueued    Kind = "queued"
	KindAbandoned Kind = "abandoned"
)

type Event struct {
	Kind                   Kind      `json:"kind"`
	LeadID                 string    `json:"lead_id"`
	SourceWorkspaceID      string    `json:"source_workspace_id"`
	DestinationWorkspaceID string    `json:"destination_workspace_id,omitempty"`
	RuleID                 string    `json:"rule_id,omitempty"`
	ExistingLeadID         string    `json:"existing_lead_id,omitempty"`
	ErrorKind              string    `json:"error_kind,omitempty"`
	Attempts               int       `json:"attempts,omitempty"`
	OccurredAt             time.Time `json:"occurred_at"`
}

// RoutingKey is "lead.<kind>", used as the AMQP routing key and SNS attribute.
func (e Event) RoutingKey() string {
	return "lead." + string(e.Kind)
}

func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }
