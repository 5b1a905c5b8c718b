package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"selfaudit/internal/config"
	"selfaudit/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) conn(tx *sql.Tx) dbtx {
	if tx != nil {
		return tx
	}
	return r.DB
}

// GetProgress loads the record for one subject/module pair.
func (r Repo) GetProgress(ctx context.Context, subjectID, moduleID string) (domain.ModuleProgress, error) {
	return r.GetProgressTx(ctx, nil, subjectID, moduleID)
}

func (r Repo) GetProgressTx(ctx context.Context, tx *sql.Tx, subjectID, moduleID string) (domain.ModuleProgress, error) {
	var payload string
	err := r.conn(tx).QueryRowContext(ctx, `SELECT progress_json FROM module_progress WHERE subject_id=? AND module_id=?`, subjectID, moduleID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ModuleProgress{}, ErrNotFound
	}
	if err != nil {
		return domain.ModuleProgress{}, err
	}
	return decodeProgress(payload, subjectID, moduleID)
}

// UpsertProgressTx stores p, replacing any previous record for its key.
func (r Repo) UpsertProgressTx(ctx context.Context, tx *sql.Tx, p domain.ModuleProgress) error {
	if p.SubjectID == "" || p.ModuleID == "" {
		return errors.New("subject_id and module_id required")
	}
	if p.Runs == nil {
		p.Runs = []domain.Run{}
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err = r.conn(tx).ExecContext(ctx, `INSERT INTO module_progress(subject_id,module_id,active_run_id,progress_json,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(subject_id,module_id) DO UPDATE SET active_run_id=excluded.active_run_id, progress_json=excluded.progress_json, updated_at=excluded.updated_at`,
		p.SubjectID, p.ModuleID, nullable(p.ActiveRunID), string(payload), updated.UTC().Format(time.RFC3339Nano))
	return err
}

// ListProgress returns every stored record for a subject ordered by module id.
func (r Repo) ListProgress(ctx context.Context, subjectID string) ([]domain.ModuleProgress, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT module_id,progress_json FROM module_progress WHERE subject_id=? ORDER BY module_id`, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ModuleProgress
	for rows.Next() {
		var moduleID, payload string
		if err := rows.Scan(&moduleID, &payload); err != nil {
			return nil, err
		}
		p, err := decodeProgress(payload, subjectID, moduleID)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func decodeProgress(payload, subjectID, moduleID string) (domain.ModuleProgress, error) {
	var p domain.ModuleProgress
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return p, fmt.Errorf("decode progress %s/%s: %w", subjectID, moduleID, err)
	}
	p.SubjectID = subjectID
	p.ModuleID = moduleID
	return p, nil
}

func (r Repo) UpsertQuestionnaireConfig(ctx context.Context, cfg *config.Config) error {
	return r.UpsertQuestionnaireConfigTx(ctx, nil, cfg)
}

func (r Repo) UpsertQuestionnaireConfigTx(ctx context.Context, tx *sql.Tx, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.conn(tx).ExecContext(ctx, `INSERT INTO questionnaire_configs(questionnaire_id,config_json,updated_at) VALUES (?,?,?)
ON CONFLICT(questionnaire_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, cfg.Questionnaire.ID, string(payload), now)
	return err
}

func (r Repo) GetQuestionnaireConfig(ctx context.Context, questionnaireID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM questionnaire_configs WHERE questionnaire_id=?`, questionnaireID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	return &cfg, cfg.Validate()
}

// SingleQuestionnaire returns the only stored questionnaire id.
func (r Repo) SingleQuestionnaire(ctx context.Context) (string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT questionnaire_id FROM questionnaire_configs ORDER BY questionnaire_id`)
	if err != nil {
		return "", err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	switch len(ids) {
	case 0:
		return "", ErrNotFound
	case 1:
		return ids[0], nil
	default:
		return "", fmt.Errorf("multiple questionnaires exist; specify --questionnaire")
	}
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
