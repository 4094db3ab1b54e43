// Package memory is a mutex-guarded in-process Storage used by tests, the
// benchmark harness and single-node development runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "lead-router/internal/common/errors"
	"lead-router/internal/common/utils"
	"lead-router/internal/models"
	"lead-router/internal/rules"
	"lead-router/internal/storage"
)

type Store struct {
	mu         sync.Mutex
	workspaces map[string]models.Workspace
	leads      map[string]models.Lead
	rules      map[string]rules.Rule
	claims     map[string]models.DedupeClaim
	entries    map[string]models.QueueEntry
	seq        int64
	closed     bool
	now        func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		workspaces: make(map[string]models.Workspace),
		leads:      make(map[string]models.Lead),
		rules:      make(map[string]rules.Rule),
		claims:     make(map[string]models.DedupeClaim),
		entries:    make(map[string]models.QueueEntry),
		now:        time.Now,
	}
}

func (s *Store) lock() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return apperrors.TransientError("memory store", fmt.Errorf("store closed"))
	}
	return nil
}

func (s *Store) CreateWorkspace(_ context.Context, w *models.Workspace) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	if w.ID == "" {
		w.ID = utils.NewID()
	}
	if _, ok := s.workspaces[w.ID]; ok {
		return apperrors.ConflictError(fmt.Sprintf("workspace %s already exists", w.ID))
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = s.now().UTC()
	}
	s.workspaces[w.ID] = cloneWorkspace(*w)
	return nil
}

func (s *Store) GetWorkspace(_ context.Context, id string) (*models.Workspace, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	w, ok := s.workspaces[id]
	if !ok {
		return nil, apperrors.NotFoundError("workspace " + id)
	}
	w = cloneWorkspace(w)
	return &w, nil
}

func (s *Store) CreateLead(_ context.Context, lead *models.Lead) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	if lead.ID == "" {
		lead.ID = utils.NewID()
	}
	if _, ok := s.leads[lead.ID]; ok {
		return apperrors.ConflictError(fmt.Sprintf("lead %s already exists", lead.ID))
	}
	now := s.now().UTC()
	if lead.Status == "" {
		lead.Status = models.LeadPending
	}
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = now
	}
	lead.UpdatedAt = now
	s.leads[lead.ID] = *lead
	return nil
}

func (s *Store) GetLead(_ context.Context, id string) (*models.Lead, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	l, ok := s.leads[id]
	if !ok {
		return nil, apperrors.NotFoundError("lead " + id)
	}
	return &l, nil
}

func (s *Store) ListLeadsForStats(_ context.Context, workspaceID string, since time.Time) ([]*models.Lead, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	var out []*models.Lead
	for _, l := range s.leads {
		if l.CreatedAt.Before(since) {
			continue
		}
		if l.WorkspaceID == workspaceID || l.DestinationWorkspaceID == workspaceID {
			l := l
			out = append(out, &l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CreateRule(_ context.Context, rule *rules.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	if rule.ID == "" {
		rule.ID = utils.NewID()
	}
	if _, ok := s.rules[rule.ID]; ok {
		return apperrors.ConflictError(fmt.Sprintf("rule %s already exists", rule.ID))
	}
	s.seq++
	rule.Sequence = s.seq
	rule.CreatedAt = s.now().UTC()
	s.rules[rule.ID] = *rule
	return nil
}

func (s *Store) SetRuleActive(_ context.Context, id string, active bool) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	r, ok := s.rules[id]
	if !ok {
		return apperrors.NotFoundError("rule " + id)
	}
	r.Active = active
	s.rules[id] = r
	return nil
}

func (s *Store) ListActiveRules(_ context.Context, sourceWorkspaceID string) ([]rules.Rule, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	var out []rules.Rule
	for _, r := range s.rules {
		if r.Active && r.SourceWorkspaceID == sourceWorkspaceID {
			out = append(out, r)
		}
	}
	rules.Sort(out)
	return out, nil
}

func (s *Store) LookupClaim(_ context.Context, hash string) (string, error) {
	if err := s.lock(); err != nil {
		return "", err
	}
	defer s.mu.Unlock()
	return s.claims[hash].LeadID, nil
}

func (s *Store) Claim(_ context.Context, hash, leadID string) (models.ClaimResult, error) {
	if err := s.lock(); err != nil {
		return models.ClaimResult{}, err
	}
	defer s.mu.Unlock()
	return s.claimLocked(hash, leadID), nil
}

func (s *Store) claimLocked(hash, leadID string) models.ClaimResult {
	if existing, ok := s.claims[hash]; ok {
		if existing.LeadID == leadID {
			return models.ClaimResult{Claimed: true}
		}
		return models.ClaimResult{ExistingLeadID: existing.LeadID}
	}
	s.claims[hash] = models.DedupeClaim{Hash: hash, LeadID: leadID, ClaimedAt: s.now().UTC()}
	return models.ClaimResult{Claimed: true}
}

func (s *Store) CommitRoute(_ context.Context, c models.RouteCommit) (models.CommitOutcome, error) {
	if err := s.lock(); err != nil {
		return models.CommitOutcome{}, err
	}
	defer s.mu.Unlock()

	lead, ok := s.leads[c.LeadID]
	if !ok {
		return models.CommitOutcome{}, apperrors.NotFoundError("lead " + c.LeadID)
	}
	if !lead.Status.Routable() {
		return models.CommitOutcome{}, apperrors.ConflictError(fmt.Sprintf("lead %s is %s", c.LeadID, lead.Status))
	}

	now := s.now().UTC()
	if c.DedupeHash != "" {
		if res := s.claimLocked(c.DedupeHash, c.LeadID); !res.Claimed {
			lead.Status = models.LeadDuplicate
			lead.UpdatedAt = now
			s.leads[c.LeadID] = lead
			return models.CommitOutcome{ExistingLeadID: res.ExistingLeadID}, nil
		}
	}

	routedAt := c.RoutedAt.UTC()
	lead.Status = models.LeadRouted
	lead.DestinationWorkspaceID = c.DestinationWorkspaceID
	lead.RoutingRuleID = c.RuleID
	lead.RoutedAt = &routedAt
	lead.UpdatedAt = now
	s.leads[c.LeadID] = lead
	return models.CommitOutcome{Routed: true}, nil
}

func (s *Store) MarkDuplicate(_ context.Context, leadID string) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	lead, ok := s.leads[leadID]
	if !ok {
		return apperrors.NotFoundError("lead " + leadID)
	}
	if !lead.Status.Routable() {
		return apperrors.ConflictError(fmt.Sprintf("lead %s is %s", leadID, lead.Status))
	}
	lead.Status = models.LeadDuplicate
	lead.UpdatedAt = s.now().UTC()
	s.leads[leadID] = lead
	return nil
}

func (s *Store) RecordRouteFailure(_ context.Context, req models.EnqueueRequest) (*models.QueueEntry, bool, error) {
	if err := s.lock(); err != nil {
		return nil, false, err
	}
	defer s.mu.Unlock()

	lead, ok := s.leads[req.LeadID]
	if !ok {
		return nil, false, apperrors.NotFoundError("lead " + req.LeadID)
	}
	if !lead.Status.Routable() {
		return nil, false, nil
	}
	now := s.now().UTC()
	lead.Status = models.LeadFailed
	lead.UpdatedAt = now
	s.leads[req.LeadID] = lead

	for _, e := range s.entries {
		if e.LeadID == req.LeadID && e.Status.Open() {
			if e.Status == models.QueueQueued {
				e.LastError = req.LastError
				e.LastErrorKind = req.LastErrorKind
				e.UpdatedAt = now
				s.entries[e.ID] = e
			}
			return &e, false, nil
		}
	}

	e := models.QueueEntry{
		ID:            utils.NewID(),
		LeadID:        req.LeadID,
		WorkspaceID:   req.WorkspaceID,
		MaxAttempts:   req.MaxAttempts,
		NextRetryAt:   req.NextRetryAt.UTC(),
		Status:        models.QueueQueued,
		LastError:     req.LastError,
		LastErrorKind: req.LastErrorKind,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.entries[e.ID] = e
	return &e, true, nil
}

func (s *Store) GetQueueEntry(_ context.Context, id string) (*models.QueueEntry, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, apperrors.NotFoundError("queue entry " + id)
	}
	return &e, nil
}

func (s *Store) ClaimDueEntries(_ context.Context, now time.Time, limit int, owner string, leaseUntil time.Time) ([]*models.QueueEntry, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	var due []models.QueueEntry
	for _, e := range s.entries {
		if e.Status == models.QueueQueued && !e.NextRetryAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextRetryAt.Equal(due[j].NextRetryAt) {
			return due[i].NextRetryAt.Before(due[j].NextRetryAt)
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	lease := leaseUntil.UTC()
	out := make([]*models.QueueEntry, 0, len(due))
	for _, e := range due {
		e.Status = models.QueueProcessing
		e.LeaseOwner = owner
		e.LeaseExpiresAt = &lease
		e.UpdatedAt = s.now().UTC()
		s.entries[e.ID] = e
		e := e
		out = append(out, &e)
	}
	return out, nil
}

func (s *Store) leased(id, owner string) (models.QueueEntry, error) {
	e, ok := s.entries[id]
	if !ok {
		return e, apperrors.NotFoundError("queue entry " + id)
	}
	if e.Status != models.QueueProcessing || e.LeaseOwner != owner {
		return e, apperrors.ConflictError(fmt.Sprintf("queue entry %s is not leased by %s", id, owner))
	}
	return e, nil
}

func (s *Store) ResolveEntry(_ context.Context, id, owner string, at time.Time) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	e, err := s.leased(id, owner)
	if err != nil {
		return err
	}
	processed := at.UTC()
	e.Status = models.QueueResolved
	e.ProcessedAt = &processed
	e.LeaseOwner = ""
	e.LeaseExpiresAt = nil
	e.UpdatedAt = processed
	s.entries[id] = e
	return nil
}

func (s *Store) RecordAttemptFailure(_ context.Context, u models.RetryUpdate) (*models.QueueEntry, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	e, err := s.leased(u.EntryID, u.Owner)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	e.Attempts++
	e.LastError = u.LastError
	e.LastErrorKind = u.LastErrorKind
	e.LeaseOwner = ""
	e.LeaseExpiresAt = nil
	e.UpdatedAt = now

	if e.Attempts >= e.MaxAttempts {
		e.Status = models.QueueAbandoned
		e.ProcessedAt = &now
		if lead, ok := s.leads[e.LeadID]; ok && lead.Status.Routable() {
			lead.Status = models.LeadAbandoned
			lead.UpdatedAt = now
			s.leads[e.LeadID] = lead
		}
	} else {
		e.Status = models.QueueQueued
		e.NextRetryAt = u.NextRetryAt.UTC()
	}
	s.entries[e.ID] = e
	return &e, nil
}

func (s *Store) RequeueStale(_ context.Context, now time.Time) (int, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	n := 0
	for id, e := range s.entries {
		if e.Status == models.QueueProcessing && e.LeaseExpiresAt != nil && e.LeaseExpiresAt.Before(now) {
			e.Status = models.QueueQueued
			e.LeaseOwner = ""
			e.LeaseExpiresAt = nil
			e.UpdatedAt = now.UTC()
			s.entries[id] = e
			n++
		}
	}
	return n, nil
}

func (s *Store) QueueDepth(_ context.Context) ([]models.QueueDepth, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	byWorkspace := make(map[string]*models.QueueDepth)
	for _, e := range s.entries {
		if !e.Status.Open() {
			continue
		}
		d, ok := byWorkspace[e.WorkspaceID]
		if !ok {
			d = &models.QueueDepth{WorkspaceID: e.WorkspaceID}
			byWorkspace[e.WorkspaceID] = d
		}
		if e.Status == models.QueueQueued {
			d.Queued++
		} else {
			d.Processing++
		}
		if e.Stalled() {
			d.Stalled++
		}
	}

	out := make([]models.QueueDepth, 0, len(byWorkspace))
	for _, d := range byWorkspace {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkspaceID < out[j].WorkspaceID })
	return out, nil
}

func (s *Store) ListFailedJobs(_ context.Context, limit int) ([]models.FailedJob, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	var out []models.FailedJob
	for _, e := range s.entries {
		if e.Status != models.QueueAbandoned {
			continue
		}
		job := models.FailedJob{
			EntryID:       e.ID,
			LeadID:        e.LeadID,
			WorkspaceID:   e.WorkspaceID,
			Attempts:      e.Attempts,
			LastErrorKind: e.LastErrorKind,
			LastError:     e.LastError,
			AbandonedAt:   e.UpdatedAt,
		}
		if e.ProcessedAt != nil {
			job.AbandonedAt = *e.ProcessedAt
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AbandonedAt.Equal(out[j].AbandonedAt) {
			return out[i].AbandonedAt.After(out[j].AbandonedAt)
		}
		return out[i].EntryID < out[j].EntryID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Health(context.Context) error {
	if err := s.lock(); err != nil {
		return err
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func cloneWorkspace(w models.Workspace) models.Workspace {
	w.AllowedIndustries = append([]string(nil), w.AllowedIndustries...)
	w.AllowedRegions = append([]string(nil), w.AllowedRegions...)
	return w
}

// Config selects the memory backend.
type Config struct{}

func (Config) Validate() error             { return nil }
func (Config) GetType() string             { return "memory" }
func (Config) GetConnectionString() string { return "" }

type Factory struct{}

func (Factory) Create(storage.StorageConfig) (storage.Storage, error) { return New(), nil }
func (Factory) GetType() string                                       { return "memory" }

func init() {
	storage.Register("memory", Factory{})
}

var _ storage.Storage = (*Store)(nil)
