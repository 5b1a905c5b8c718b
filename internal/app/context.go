package app

import (
	"context"
	"errors"
	"fmt"

	"selfaudit/internal/config"
	"selfaudit/internal/repo"
)

// ResolveQuestionnaire picks the active questionnaire and makes sure its
// config is stored. It prefers the override, then the only stored
// questionnaire. An empty database is seeded from selfaudit.yml in the
// workspace, or from the built-in default when there is no such file.
func ResolveQuestionnaire(ctx context.Context, workspace, override string, r repo.Repo) (*config.Config, error) {
	id := override
	if id == "" {
		single, err := r.SingleQuestionnaire(ctx)
		switch {
		case err == nil:
			id = single
		case errors.Is(err, repo.ErrNotFound):
			return seed(ctx, workspace, r)
		default:
			return nil, err
		}
	}
	cfg, err := r.GetQuestionnaireConfig(ctx, id)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	seeded, serr := seedCandidate(workspace)
	if serr != nil {
		return nil, serr
	}
	if seeded.Questionnaire.ID != id {
		return nil, fmt.Errorf("questionnaire %s not found; import it with sa questionnaire import --file <path>", id)
	}
	if err := r.UpsertQuestionnaireConfig(ctx, seeded); err != nil {
		return nil, fmt.Errorf("seed questionnaire config: %w", err)
	}
	return seeded, nil
}

func seed(ctx context.Context, workspace string, r repo.Repo) (*config.Config, error) {
	cfg, err := seedCandidate(workspace)
	if err != nil {
		return nil, err
	}
	if err := r.UpsertQuestionnaireConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("seed questionnaire config: %w", err)
	}
	return cfg, nil
}

func seedCandidate(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", config.Path(workspace), err)
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}
