package routing

import (
	"context"
	"sync"

	"lead-router/internal/common/logging"
)

// RouteLeads routes a batch owned by sourceWorkspaceID with at most
// BulkConcurrency calls in flight. Each lead goes through RouteLead, so
// the batch has the same per-lead guarantees as single calls.
func (r *Router) RouteLeads(ctx context.Context, leadIDs []string, sourceWorkspaceID, userID string, maxRetries int) BulkResult {
	out := BulkResult{
		Total:  len(leadIDs),
		Routed: make(map[string]int),
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, r.cfg.BulkConcurrency)
	)

	for _, id := range leadIDs {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()

			res := r.RouteLead(ctx, id, sourceWorkspaceID, userID, maxRetries)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case res.Success:
				out.Routed[res.DestinationWorkspaceID]++
			case res.IsDuplicate:
				out.Duplicates++
			default:
				out.Unrouted++
				out.Errors = append(out.Errors, LeadError{LeadID: id, Kind: res.ErrorKind, Message: res.Message})
			}
		}(id)
	}
	wg.Wait()

	// Leads never attempted because the context ended count as unrouted.
	attempted := out.Duplicates + out.Unrouted
	for _, n := range out.Routed {
		attempted += n
	}
	out.Unrouted += out.Total - attempted

	r.logger.Info("Bulk routing finished",
		logging.String("source_workspace_id", sourceWorkspaceID),
		logging.Int("total", out.Total),
		logging.Int("duplicates", out.Duplicates),
		logging.Int("unrouted", out.Unrouted),
	)
	return out
}
