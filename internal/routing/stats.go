package routing

import (
	"context"
	"time"

	"lead-router/internal/models"
	"lead-router/internal/rules"
)

// Stats summarizes routing for leads created since the given time. Counts
// by status, industry, region and rule cover leads the workspace owns;
// RoutedIn counts leads other workspaces routed to it.
func (r *Router) Stats(ctx context.Context, workspaceID string, since time.Time) (*models.RoutingStats, error) {
	if _, err := r.store.GetWorkspace(ctx, workspaceID); err != nil {
		return nil, err
	}
	leads, err := r.store.ListLeadsForStats(ctx, workspaceID, since)
	if err != nil {
		return nil, err
	}

	stats := &models.RoutingStats{
		WorkspaceID: workspaceID,
		ByStatus:    make(map[string]int),
		ByIndustry:  make(map[string]int),
		ByRegion:    make(map[string]int),
		ByRule:      make(map[string]int),
	}
	for _, l := range leads {
		if l.WorkspaceID != workspaceID {
			if l.Status == models.LeadRouted && l.DestinationWorkspaceID == workspaceID {
				stats.RoutedIn++
			}
			continue
		}

		stats.Total++
		stats.ByStatus[string(l.Status)]++
		if l.Industry != "" {
			stats.ByIndustry[l.Industry]++
		}
		if region := statsRegion(l); region != "" {
			stats.ByRegion[region]++
		}
		if l.Status == models.LeadRouted {
			if l.DestinationWorkspaceID != workspaceID {
				stats.RoutedOut++
			} else {
				stats.RoutedIn++
			}
			if l.RoutingRuleID != "" {
				stats.ByRule[l.RoutingRuleID]++
			}
		}
	}
	return stats, nil
}

// statsRegion prefers an explicit region, then the census region of the state.
func statsRegion(l *models.Lead) string {
	if l.Region != "" {
		return l.Region
	}
	return rules.ProfileFromLead(l).CensusRegion()
}
