package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	apperrors "lead-router/internal/common/errors"
	"lead-router/internal/common/utils"
	"lead-router/internal/models"
	"lead-router/internal/rules"
	"lead-router/internal/storage"
)

const (
	leadCols = "id, workspace_id, email, company_name, industry, company_size, country, state, region, " +
		"routing_status, dedupe_hash, destination_workspace_id, routing_rule_id, routed_at, created_at, updated_at"
	ruleCols  = "id, source_workspace_id, destination_workspace_id, name, priority, is_active, conditions, seq, created_at"
	queueCols = "id, lead_id, workspace_id, attempts, max_attempts, next_retry_at, status, last_error, last_error_kind, " +
		"lease_owner, lease_expires_at, processed_at, created_at, updated_at"
)

var routableStatuses = []string{string(models.LeadPending), string(models.LeadFailed)}

// Store is a storage.Storage over *sql.DB.
type Store struct {
	db      *sql.DB
	dialect Dialect
	sb      sq.StatementBuilderType
	now     func() time.Time
}

// New wraps an open, migrated database.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{
		db:      db,
		dialect: dialect,
		sb:      sq.StatementBuilder.PlaceholderFormat(dialect.Placeholder),
		now:     time.Now,
	}
}

// DB exposes the handle for migrations and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) fail(op string, err error) error {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return apperrors.TransientError(op, err)
}

func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.fail(op+": begin", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return s.fail(op, err)
	}
	if err := tx.Commit(); err != nil {
		return s.fail(op+": commit", err)
	}
	return nil
}

func (s *Store) exec(ctx context.Context, x execer, b sq.Sqlizer) (int64, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return 0, apperrors.InternalError("build query", err)
	}
	res, err := x.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) queryRow(ctx context.Context, x execer, b sq.Sqlizer) (*sql.Row, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, apperrors.InternalError("build query", err)
	}
	return x.QueryRowContext(ctx, query, args...), nil
}

func (s *Store) query(ctx context.Context, x execer, b sq.Sqlizer) (*sql.Rows, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, apperrors.InternalError("build query", err)
	}
	return x.QueryContext(ctx, query, args...)
}

// Workspaces

func (s *Store) CreateWorkspace(ctx context.Context, w *models.Workspace) error {
	if w.ID == "" {
		w.ID = utils.NewID()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = s.now().UTC()
	}
	industries, _ := json.Marshal(nonNil(w.AllowedIndustries))
	regions, _ := json.Marshal(nonNil(w.AllowedRegions))

	n, err := s.exec(ctx, s.db, s.sb.Insert("workspaces").
		Columns("id", "name", "allowed_industries", "allowed_regions", "routing_enabled", "assignment_method", "created_at").
		Values(w.ID, w.Name, string(industries), string(regions), w.Routing.Enabled, w.Routing.AssignmentMethod, s.t(w.CreatedAt)).
		Suffix("ON CONFLICT DO NOTHING"))
	if err != nil {
		return s.fail("create workspace", err)
	}
	if n == 0 {
		return apperrors.ConflictError(fmt.Sprintf("workspace %s already exists", w.ID))
	}
	return nil
}

func (s *Store) GetWorkspace(ctx context.Context, id string) (*models.Workspace, error) {
	row, err := s.queryRow(ctx, s.db, s.sb.
		Select("id", "name", "allowed_industries", "allowed_regions", "routing_enabled", "assignment_method", "created_at").
		From("workspaces").Where(sq.Eq{"id": id}))
	if err != nil {
		return nil, err
	}

	var (
		w                   models.Workspace
		industries, regions string
	)
	if err := row.Scan(&w.ID, &w.Name, &industries, &regions, &w.Routing.Enabled, &w.Routing.AssignmentMethod,
		&timeCol{t: &w.CreatedAt}); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFoundError("workspace " + id)
		}
		return nil, s.fail("get workspace", err)
	}
	if err := json.Unmarshal([]byte(industries), &w.AllowedIndustries); err != nil {
		return nil, s.fail("decode allowed industries", err)
	}
	if err := json.Unmarshal([]byte(regions), &w.AllowedRegions); err != nil {
		return nil, s.fail("decode allowed regions", err)
	}
	if len(w.AllowedIndustries) == 0 {
		w.AllowedIndustries = nil
	}
	if len(w.AllowedRegions) == 0 {
		w.AllowedRegions = nil
	}
	return &w, nil
}

// Leads

func (s *Store) CreateLead(ctx context.Context, lead *models.Lead) error {
	now := s.now().UTC()
	if lead.ID == "" {
		lead.ID = utils.NewID()
	}
	if lead.Status == "" {
		lead.Status = models.LeadPending
	}
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = now
	}
	lead.UpdatedAt = now

	n, err := s.exec(ctx, s.db, s.sb.Insert("leads").
		Columns(strings.Split(leadCols, ", ")...).
		Values(lead.ID, lead.WorkspaceID, lead.Email, lead.CompanyName, lead.Industry, lead.CompanySize,
			lead.Country, lead.State, lead.Region, string(lead.Status), lead.DedupeHash,
			utils.StringOrNil(lead.DestinationWorkspaceID), utils.StringOrNil(lead.RoutingRuleID),
			s.nt(lead.RoutedAt), s.t(lead.CreatedAt), s.t(lead.UpdatedAt)).
		Suffix("ON CONFLICT DO NOTHING"))
	if err != nil {
		return s.fail("create lead", err)
	}
	if n == 0 {
		return apperrors.ConflictError(fmt.Sprintf("lead %s already exists", lead.ID))
	}
	return nil
}

func scanLead(row rowScanner) (*models.Lead, error) {
	var (
		l          models.Lead
		status     string
		dest, rule sql.NullString
	)
	err := row.Scan(&l.ID, &l.WorkspaceID, &l.Email, &l.CompanyName, &l.Industry, &l.CompanySize,
		&l.Country, &l.State, &l.Region, &status, &l.DedupeHash, &dest, &rule,
		&nullTimeCol{dst: &l.RoutedAt}, &timeCol{t: &l.CreatedAt}, &timeCol{t: &l.UpdatedAt})
	if err != nil {
		return nil, err
	}
	l.Status = models.LeadStatus(status)
	l.DestinationWorkspaceID = dest.String
	l.RoutingRuleID = rule.String
	return &l, nil
}

func (s *Store) GetLead(ctx context.Context, id string) (*models.Lead, error) {
	row, err := s.queryRow(ctx, s.db, s.sb.Select(leadCols).From("leads").Where(sq.Eq{"id": id}))
	if err != nil {
		return nil, err
	}
	l, err := scanLead(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFoundError("lead " + id)
		}
		return nil, s.fail("get lead", err)
	}
	return l, nil
}

func (s *Store) ListLeadsForStats(ctx context.Context, workspaceID string, since time.Time) ([]*models.Lead, error) {
	rows, err := s.query(ctx, s.db, s.sb.Select(leadCols).From("leads").
		Where(sq.Or{sq.Eq{"workspace_id": workspaceID}, sq.Eq{"destination_workspace_id": workspaceID}}).
		Where(sq.GtOrEq{"created_at": s.t(since)}).
		OrderBy("created_at"))
	if err != nil {
		return nil, s.fail("list leads", err)
	}
	defer rows.Close()

	var out []*models.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, s.fail("scan lead", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("list leads", err)
	}
	return out, nil
}

// lockRoutableLead reads a lead's status inside tx, taking a row lock where
// the dialect supports it.
func (s *Store) lockRoutableLead(ctx context.Context, tx *sql.Tx, leadID string) error {
	b := s.sb.Select("routing_status").From("leads").Where(sq.Eq{"id": leadID})
	if s.dialect.RowLock != "" {
		b = b.Suffix(s.dialect.RowLock)
	}
	row, err := s.queryRow(ctx, tx, b)
	if err != nil {
		return err
	}
	var status string
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFoundError("lead " + leadID)
		}
		return err
	}
	if !models.LeadStatus(status).Routable() {
		return apperrors.ConflictError(fmt.Sprintf("lead %s is %s", leadID, status))
	}
	return nil
}

func (s *Store) setLeadStatus(ctx context.Context, x execer, leadID string, status models.LeadStatus) (int64, error) {
	return s.exec(ctx, x, s.sb.Update("leads").
		Set("routing_status", string(status)).
		Set("updated_at", s.t(s.now())).
		Where(sq.Eq{"id": leadID, "routing_status": routableStatuses}))
}

func (s *Store) MarkDuplicate(ctx context.Context, leadID string) error {
	return s.inTx(ctx, "mark duplicate", func(tx *sql.Tx) error {
		if err := s.lockRoutableLead(ctx, tx, leadID); err != nil {
			return err
		}
		_, err := s.setLeadStatus(ctx, tx, leadID, models.LeadDuplicate)
		return err
	})
}

// Rules

func (s *Store) CreateRule(ctx context.Context, rule *rules.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	if rule.ID == "" {
		rule.ID = utils.NewID()
	}
	rule.CreatedAt = s.now().UTC()
	conds, err := rule.Conditions.MarshalJSON()
	if err != nil {
		return apperrors.InvalidRuleError("encode conditions", err)
	}

	row, err := s.queryRow(ctx, s.db, s.sb.Insert("routing_rules").
		Columns("id", "source_workspace_id", "destination_workspace_id", "name", "priority", "is_active", "conditions", "created_at").
		Values(rule.ID, rule.SourceWorkspaceID, rule.DestinationWorkspaceID, rule.Name, rule.Priority, rule.Active,
			string(conds), s.t(rule.CreatedAt)).
		Suffix("ON CONFLICT DO NOTHING RETURNING seq"))
	if err != nil {
		return err
	}
	if err := row.Scan(&rule.Sequence); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.ConflictError(fmt.Sprintf("rule %s already exists", rule.ID))
		}
		return s.fail("create rule", err)
	}
	return nil
}

func (s *Store) SetRuleActive(ctx context.Context, id string, active bool) error {
	n, err := s.exec(ctx, s.db, s.sb.Update("routing_rules").Set("is_active", active).Where(sq.Eq{"id": id}))
	if err != nil {
		return s.fail("set rule active", err)
	}
	if n == 0 {
		return apperrors.NotFoundError("rule " + id)
	}
	return nil
}

func (s *Store) ListActiveRules(ctx context.Context, sourceWorkspaceID string) ([]rules.Rule, error) {
	rows, err := s.query(ctx, s.db, s.sb.Select(ruleCols).From("routing_rules").
		Where(sq.Eq{"source_workspace_id": sourceWorkspaceID, "is_active": true}).
		OrderBy("priority DESC", "seq ASC"))
	if err != nil {
		return nil, s.fail("list rules", err)
	}
	defer rows.Close()

	var out []rules.Rule
	for rows.Next() {
		var (
			r     rules.Rule
			conds string
		)
		if err := rows.Scan(&r.ID, &r.SourceWorkspaceID, &r.DestinationWorkspaceID, &r.Name, &r.Priority,
			&r.Active, &conds, &r.Sequence, &timeCol{t: &r.CreatedAt}); err != nil {
			return nil, s.fail("scan rule", err)
		}
		if r.Conditions, err = rules.ParseConditions([]byte(conds)); err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("list rules", err)
	}
	rules.Sort(out)
	return out, nil
}

// Claims

func (s *Store) LookupClaim(ctx context.Context, hash string) (string, error) {
	return s.claimant(ctx, s.db, hash)
}

func (s *Store) claimant(ctx context.Context, x execer, hash string) (string, error) {
	row, err := s.queryRow(ctx, x, s.sb.Select("lead_id").From("lead_dedupe_claims").Where(sq.Eq{"dedupe_hash": hash}))
	if err != nil {
		return "", err
	}
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", s.fail("lookup claim", err)
	}
	return id, nil
}

// insertClaim is the single conditional write the dedupe guarantee rests on.
func (s *Store) insertClaim(ctx context.Context, x execer, hash, leadID string) (models.ClaimResult, error) {
	if _, err := s.exec(ctx, x, s.sb.Insert("lead_dedupe_claims").
		Columns("dedupe_hash", "lead_id", "claimed_at").
		Values(hash, leadID, s.t(s.now())).
		Suffix("ON CONFLICT DO NOTHING")); err != nil {
		return models.ClaimResult{}, err
	}
	holder, err := s.claimant(ctx, x, hash)
	if err != nil {
		return models.ClaimResult{}, err
	}
	if holder == leadID {
		return models.ClaimResult{Claimed: true}, nil
	}
	return models.ClaimResult{ExistingLeadID: holder}, nil
}

func (s *Store) Claim(ctx context.Context, hash, leadID string) (models.ClaimResult, error) {
	res, err := s.insertClaim(ctx, s.db, hash, leadID)
	if err != nil {
		return res, s.fail("claim", err)
	}
	return res, nil
}

func (s *Store) CommitRoute(ctx context.Context, c models.RouteCommit) (models.CommitOutcome, error) {
	var out models.CommitOutcome
	err := s.inTx(ctx, "commit route", func(tx *sql.Tx) error {
		if err := s.lockRoutableLead(ctx, tx, c.LeadID); err != nil {
			return err
		}

		if c.DedupeHash != "" {
			res, err := s.insertClaim(ctx, tx, c.DedupeHash, c.LeadID)
			if err != nil {
				return err
			}
			if !res.Claimed {
				out.ExistingLeadID = res.ExistingLeadID
				_, err := s.setLeadStatus(ctx, tx, c.LeadID, models.LeadDuplicate)
				return err
			}
		}

		n, err := s.exec(ctx, tx, s.sb.Update("leads").
			Set("routing_status", string(models.LeadRouted)).
			Set("destination_workspace_id", c.DestinationWorkspaceID).
			Set("routing_rule_id", utils.StringOrNil(c.RuleID)).
			Set("routed_at", s.t(c.RoutedAt)).
			Set("updated_at", s.t(s.now())).
			Where(sq.Eq{"id": c.LeadID, "routing_status": routableStatuses}))
		if err != nil {
			return err
		}
		if n == 0 {
			return apperrors.ConflictError(fmt.Sprintf("lead %s changed state during commit", c.LeadID))
		}
		out.Routed = true
		return nil
	})
	if err != nil {
		return models.CommitOutcome{}, err
	}
	return out, nil
}

// Queue

func scanEntry(row rowScanner) (*models.QueueEntry, error) {
	var (
		e      models.QueueEntry
		status string
	)
	err := row.Scan(&e.ID, &e.LeadID, &e.WorkspaceID, &e.Attempts, &e.MaxAttempts, &timeCol{t: &e.NextRetryAt},
		&status, &e.LastError, &e.LastErrorKind, &e.LeaseOwner,
		&nullTimeCol{dst: &e.LeaseExpiresAt}, &nullTimeCol{dst: &e.ProcessedAt},
		&timeCol{t: &e.CreatedAt}, &timeCol{t: &e.UpdatedAt})
	if err != nil {
		return nil, err
	}
	e.Status = models.QueueStatus(status)
	return &e, nil
}

func (s *Store) getEntry(ctx context.Context, x execer, where sq.Sqlizer) (*models.QueueEntry, error) {
	row, err := s.queryRow(ctx, x, s.sb.Select(queueCols).From("routing_queue").Where(where))
	if err != nil {
		return nil, err
	}
	return scanEntry(row)
}

func (s *Store) GetQueueEntry(ctx context.Context, id string) (*models.QueueEntry, error) {
	e, err := s.getEntry(ctx, s.db, sq.Eq{"id": id})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFoundError("queue entry " + id)
		}
		return nil, s.fail("get queue entry", err)
	}
	return e, nil
}

var openStatuses = []string{string(models.QueueQueued), string(models.QueueProcessing)}

func (s *Store) RecordRouteFailure(ctx context.Context, req models.EnqueueRequest) (*models.QueueEntry, bool, error) {
	var (
		entry   *models.QueueEntry
		created bool
	)
	err := s.inTx(ctx, "record route failure", func(tx *sql.Tx) error {
		row, err := s.queryRow(ctx, tx, s.sb.Select("1").From("leads").Where(sq.Eq{"id": req.LeadID}))
		if err != nil {
			return err
		}
		var one int
		if err := row.Scan(&one); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return apperrors.NotFoundError("lead " + req.LeadID)
			}
			return err
		}
		n, err := s.setLeadStatus(ctx, tx, req.LeadID, models.LeadFailed)
		if err != nil {
			return err
		}
		if n == 0 {
			// Settled by another call.
			return nil
		}

		now := s.now().UTC()
		id := utils.NewID()
		n, err = s.exec(ctx, tx, s.sb.Insert("routing_queue").
			Columns("id", "lead_id", "workspace_id", "attempts", "max_attempts", "next_retry_at", "status",
				"last_error", "last_error_kind", "lease_owner", "created_at", "updated_at").
			Values(id, req.LeadID, req.WorkspaceID, 0, req.MaxAttempts, s.t(req.NextRetryAt), string(models.QueueQueued),
				req.LastError, req.LastErrorKind, "", s.t(now), s.t(now)).
			Suffix("ON CONFLICT DO NOTHING"))
		if err != nil {
			return err
		}

		if n == 1 {
			created = true
			entry, err = s.getEntry(ctx, tx, sq.Eq{"id": id})
			return err
		}

		if _, err := s.exec(ctx, tx, s.sb.Update("routing_queue").
			Set("last_error", req.LastError).
			Set("last_error_kind", req.LastErrorKind).
			Set("updated_at", s.t(now)).
			Where(sq.Eq{"lead_id": req.LeadID, "status": string(models.QueueQueued)})); err != nil {
			return err
		}
		entry, err = s.getEntry(ctx, tx, sq.Eq{"lead_id": req.LeadID, "status": openStatuses})
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return entry, created, nil
}

func (s *Store) ClaimDueEntries(ctx context.Context, now time.Time, limit int, owner string, leaseUntil time.Time) ([]*models.QueueEntry, error) {
	if limit <= 0 {
		return nil, nil
	}

	due := sq.Select("id").From("routing_queue").
		Where(sq.Eq{"status": string(models.QueueQueued)}).
		Where(sq.LtOrEq{"next_retry_at": s.t(now)}).
		OrderBy("next_retry_at", "created_at").
		Limit(uint64(limit))
	if s.dialect.SkipLocked != "" {
		due = due.Suffix(s.dialect.SkipLocked)
	}
	dueSQL, dueArgs, err := due.ToSql()
	if err != nil {
		return nil, apperrors.InternalError("build query", err)
	}

	var out []*models.QueueEntry
	err = s.inTx(ctx, "claim due entries", func(tx *sql.Tx) error {
		rows, err := s.query(ctx, tx, s.sb.Update("routing_queue").
			Set("status", string(models.QueueProcessing)).
			Set("lease_owner", owner).
			Set("lease_expires_at", s.t(leaseUntil)).
			Set("updated_at", s.t(s.now())).
			Where("id IN ("+dueSQL+")", dueArgs...).
			Where(sq.Eq{"status": string(models.QueueQueued)}).
			Suffix("RETURNING "+queueCols))
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextRetryAt.Equal(out[j].NextRetryAt) {
			return out[i].NextRetryAt.Before(out[j].NextRetryAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// leaseConflict distinguishes a missing entry from one leased elsewhere.
func (s *Store) leaseConflict(ctx context.Context, x execer, id, owner string) error {
	e, err := s.getEntry(ctx, x, sq.Eq{"id": id})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFoundError("queue entry " + id)
		}
		return err
	}
	return apperrors.ConflictError(fmt.Sprintf("queue entry %s is %s and not leased by %s", id, e.Status, owner))
}

func (s *Store) ResolveEntry(ctx context.Context, id, owner string, at time.Time) error {
	n, err := s.exec(ctx, s.db, s.sb.Update("routing_queue").
		Set("status", string(models.QueueResolved)).
		Set("processed_at", s.t(at)).
		Set("lease_owner", "").
		Set("lease_expires_at", nil).
		Set("updated_at", s.t(at)).
		Where(sq.Eq{"id": id, "status": string(models.QueueProcessing), "lease_owner": owner}))
	if err != nil {
		return s.fail("resolve entry", err)
	}
	if n == 0 {
		return s.fail("resolve entry", s.leaseConflict(ctx, s.db, id, owner))
	}
	return nil
}

func (s *Store) RecordAttemptFailure(ctx context.Context, u models.RetryUpdate) (*models.QueueEntry, error) {
	var entry *models.QueueEntry
	err := s.inTx(ctx, "record attempt failure", func(tx *sql.Tx) error {
		now := s.now().UTC()
		exhausted := "attempts + 1 >= max_attempts"
		rows, err := s.query(ctx, tx, s.sb.Update("routing_queue").
			Set("attempts", sq.Expr("attempts + 1")).
			Set("status", sq.Expr("CASE WHEN "+exhausted+" THEN ? ELSE ? END",
				string(models.QueueAbandoned), string(models.QueueQueued))).
			Set("next_retry_at", sq.Expr("CASE WHEN "+exhausted+" THEN next_retry_at ELSE ? END", s.t(u.NextRetryAt))).
			Set("processed_at", sq.Expr("CASE WHEN "+exhausted+" THEN ? ELSE processed_at END", s.t(now))).
			Set("last_error", u.LastError).
			Set("last_error_kind", u.LastErrorKind).
			Set("lease_owner", "").
			Set("lease_expires_at", nil).
			Set("updated_at", s.t(now)).
			Where(sq.Eq{"id": u.EntryID, "status": string(models.QueueProcessing), "lease_owner": u.Owner}).
			Suffix("RETURNING "+queueCols))
		if err != nil {
			return err
		}
		if rows.Next() {
			entry, err = scanEntry(rows)
		}
		if closeErr := rows.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return err
		}
		if entry == nil {
			return s.leaseConflict(ctx, tx, u.EntryID, u.Owner)
		}

		if entry.Status == models.QueueAbandoned {
			_, err = s.setLeadStatus(ctx, tx, entry.LeadID, models.LeadAbandoned)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *Store) RequeueStale(ctx context.Context, now time.Time) (int, error) {
	n, err := s.exec(ctx, s.db, s.sb.Update("routing_queue").
		Set("status", string(models.QueueQueued)).
		Set("lease_owner", "").
		Set("lease_expires_at", nil).
		Set("updated_at", s.t(now)).
		Where(sq.Eq{"status": string(models.QueueProcessing)}).
		Where(sq.Lt{"lease_expires_at": s.t(now)}))
	if err != nil {
		return 0, s.fail("requeue stale", err)
	}
	return int(n), nil
}

func (s *Store) QueueDepth(ctx context.Context) ([]models.QueueDepth, error) {
	rows, err := s.query(ctx, s.db, s.sb.Select(
		"workspace_id",
		"SUM(CASE WHEN status = 'queued' THEN 1 ELSE 0 END)",
		"SUM(CASE WHEN status = 'processing' THEN 1 ELSE 0 END)",
		"SUM(CASE WHEN last_error_kind = 'no_matching_rule' THEN 1 ELSE 0 END)",
	).From("routing_queue").
		Where(sq.Eq{"status": openStatuses}).
		GroupBy("workspace_id").
		OrderBy("workspace_id"))
	if err != nil {
		return nil, s.fail("queue depth", err)
	}
	defer rows.Close()

	var out []models.QueueDepth
	for rows.Next() {
		var d models.QueueDepth
		if err := rows.Scan(&d.WorkspaceID, &d.Queued, &d.Processing, &d.Stalled); err != nil {
			return nil, s.fail("scan queue depth", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("queue depth", err)
	}
	return out, nil
}

func (s *Store) ListFailedJobs(ctx context.Context, limit int) ([]models.FailedJob, error) {
	b := s.sb.Select("id", "lead_id", "workspace_id", "attempts", "last_error_kind", "last_error",
		"COALESCE(processed_at, updated_at)").
		From("routing_queue").
		Where(sq.Eq{"status": string(models.QueueAbandoned)}).
		OrderBy("COALESCE(processed_at, updated_at) DESC", "id")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	rows, err := s.query(ctx, s.db, b)
	if err != nil {
		return nil, s.fail("list failed jobs", err)
	}
	defer rows.Close()

	var out []models.FailedJob
	for rows.Next() {
		var j models.FailedJob
		if err := rows.Scan(&j.EntryID, &j.LeadID, &j.WorkspaceID, &j.Attempts, &j.LastErrorKind, &j.LastError,
			&timeCol{t: &j.AbandonedAt}); err != nil {
			return nil, s.fail("scan failed job", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("list failed jobs", err)
	}
	return out, nil
}

func (s *Store) Health(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return s.fail("ping", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

var _ storage.Storage = (*Store)(nil)
