package app

import (
	"context"

	"github.com/google/uuid"

	apperrors "lead-router/internal/common/errors"
	"lead-router/internal/common/logging"
	"lead-router/internal/rules"
	"lead-router/internal/storage"
)

// SeedSummary counts what ApplySeed created and what already existed.
type SeedSummary struct {
	WorkspacesCreated int `json:"workspaces_created"`
	WorkspacesSkipped int `json:"workspaces_skipped"`
	RulesCreated      int `json:"rules_created"`
	RulesSkipped      int `json:"rules_skipped"`
}

// seedNamespace scopes derived rule ids.
var seedNamespace = uuid.MustParse("6f1c3b52-8d0e-4c1a-9d4e-3a9b7f2c5e10")

// SeedRuleID derives a stable id for a seeded rule without one, so applying
// the same file twice does not duplicate it.
func SeedRuleID(r rules.Rule) string {
	name := r.SourceWorkspaceID + "\x00" + r.DestinationWorkspaceID + "\x00" + r.Name
	return "seed-" + uuid.NewSHA1(seedNamespace, []byte(name)).String()
}

// ApplySeed creates the seed's workspaces then its rules, in file order.
// Anything that already exists is left untouched.
func ApplySeed(ctx context.Context, store storage.Storage, seed *rules.Seed, logger logging.Logger) (SeedSummary, error) {
	var summary SeedSummary

	for i := range seed.Workspaces {
		w := seed.Workspaces[i]
		err := store.CreateWorkspace(ctx, &w)
		switch {
		case err == nil:
			summary.WorkspacesCreated++
		case apperrors.IsType(err, apperrors.ErrTypeConflict):
			summary.WorkspacesSkipped++
		default:
			return summary, err
		}
	}

	for i := range seed.Rules {
		r := seed.Rules[i]
		if r.ID == "" {
			r.ID = SeedRuleID(r)
		}
		err := store.CreateRule(ctx, &r)
		switch {
		case err == nil:
			summary.RulesCreated++
		case apperrors.IsType(err, apperrors.ErrTypeConflict):
			summary.RulesSkipped++
		default:
			return summary, err
		}
	}

	logger.Info("Seed applied",
		logging.Int("workspaces_created", summary.WorkspacesCreated),
		logging.Int("workspaces_skipped", summary.WorkspacesSkipped),
		logging.Int("rules_created", summary.RulesCreated),
		logging.Int("rules_skipped", summary.RulesSkipped),
	)
	return summary, nil
}

func (app *App) seedRules(ctx context.Context) error {
	if app.Config.RulesFile == "" {
		return nil
	}
	seed, err := rules.LoadFile(app.Config.RulesFile)
	if err != nil {
		return err
	}
	_, err = ApplySeed(ctx, app.Storage, seed, app.Logger)
	return err
}
