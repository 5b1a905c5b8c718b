package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"selfaudit/internal/config"
	"selfaudit/internal/domain"
	"selfaudit/internal/engine/branching"
	"selfaudit/internal/engine/runs"
	"selfaudit/internal/events"
	"selfaudit/internal/metrics"
	"selfaudit/internal/repo"
)

// ErrInvalidInput marks errors caused by caller input rather than storage.
var ErrInvalidInput = errors.New("invalid input")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Engine owns the progress records of one questionnaire. Every mutation is a
// read-modify-write of one ModuleProgress inside a transaction, with the
// matching event appended in the same transaction.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Logger *slog.Logger
	Now    func() time.Time
	// NewID overrides run id generation; nil uses UUIDv7.
	NewID func() string
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{},
		Config: cfg,
		Now:    time.Now,
	}
}

// Key identifies one progress record.
type Key struct {
	SubjectID string
	ModuleID  string
}

func (k Key) String() string { return k.SubjectID + "/" + k.ModuleID }

// Result is returned by every mutation. Changed is false when the operation
// did not apply and nothing was written.
type Result struct {
	Progress domain.ModuleProgress `json:"progress"`
	Changed  bool                  `json:"changed"`
	// RunID is the run the operation created or targeted, when there is one.
	RunID string `json:"run_id,omitempty"`
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) manager() runs.Manager {
	m := runs.Manager{Now: e.now, NewID: e.NewID}
	if e.Config != nil {
		m.CurrentName = e.Config.Runs.CurrentName
		m.ArchiveName = e.Config.Runs.ArchiveName
	}
	return m
}

func (e Engine) module(moduleID string) (*config.Module, error) {
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	m, ok := e.Config.Module(moduleID)
	if !ok {
		return nil, fmt.Errorf("module %s: %w", moduleID, repo.ErrNotFound)
	}
	return m, nil
}

func (e Engine) checkKey(k Key) error {
	if strings.TrimSpace(k.SubjectID) == "" {
		return invalidf("subject id is required")
	}
	_, err := e.module(k.ModuleID)
	return err
}

// change is what a mutation reports back to mutate.
type change struct {
	changed bool
	event   string
	runID   string
	payload events.EventPayload
}

// mutate loads the record for k, applies fn and persists the result when it
// changed anything.
func (e Engine) mutate(ctx context.Context, op string, k Key, actorID string, fn func(m runs.Manager, p *domain.ModuleProgress) (change, error)) (res Result, err error) {
	start := time.Now()
	defer func() { metrics.Observe(op, start, res.Changed, err) }()

	if err := e.checkKey(k); err != nil {
		return Result{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProgressTx(ctx, tx, k.SubjectID, k.ModuleID)
	if errors.Is(err, repo.ErrNotFound) {
		p = domain.ModuleProgress{SubjectID: k.SubjectID, ModuleID: k.ModuleID, Runs: []domain.Run{}}
	} else if err != nil {
		return Result{}, fmt.Errorf("load progress %s: %w", k, err)
	}

	c, err := fn(e.manager(), &p)
	if err != nil {
		return Result{}, err
	}
	res = Result{Progress: p, Changed: c.changed, RunID: c.runID}
	if !c.changed {
		e.log().Debug("no-op", "op", op, "subject", k.SubjectID, "module", k.ModuleID, "run_id", c.runID)
		return res, nil
	}
	if err := e.Repo.UpsertProgressTx(ctx, tx, p); err != nil {
		return Result{}, fmt.Errorf("store progress %s: %w", k, err)
	}
	scope := events.Scope{SubjectID: k.SubjectID, ModuleID: k.ModuleID, EntityKind: "run", EntityID: c.runID, ActorID: actorID}
	if err := e.Events.Append(ctx, tx, c.event, scope, c.payload); err != nil {
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	e.log().Info(c.event, "op", op, "subject", k.SubjectID, "module", k.ModuleID, "run_id", c.runID, "actor", actorID)
	return res, nil
}

// StartModule moves the module to in-progress. Depth, when set, is recorded on
// the live run as the mode it is reviewed in.
func (e Engine) StartModule(ctx context.Context, k Key, depth domain.ReviewDepth, actorID string) (Result, error) {
	if depth != "" {
		d, err := branching.ParseReviewDepth(string(depth))
		if err != nil {
			return Result{}, invalidf("%s", err)
		}
		depth = d
	}
	return e.mutate(ctx, "start", k, actorID, func(m runs.Manager, p *domain.ModuleProgress) (change, error) {
		changed := m.Start(p)
		live, _ := runs.Active(p)
		if changed && depth != "" {
			live.ReviewDepth = depth
		}
		return change{changed: changed, event: events.ModuleStarted, runID: live.ID,
			payload: events.EventPayload{"review_depth": string(live.ReviewDepth)}}, nil
	})
}

// SaveResponse upserts one response into the live run. The question must
// belong to the module and the payload must match its type.
func (e Engine) SaveResponse(ctx context.Context, k Key, resp domain.Response, actorID string) (Result, error) {
	mod, err := e.module(k.ModuleID)
	if err != nil {
		return Result{}, err
	}
	q, ok := findQuestion(mod, resp.QuestionID)
	if !ok {
		return Result{}, fmt.Errorf("question %s in module %s: %w", resp.QuestionID, k.ModuleID, repo.ErrNotFound)
	}
	if resp.Payload != nil && resp.Payload.Kind() != domain.PayloadKindFor(q.Type) {
		return Result{}, invalidf("question %s expects a %s payload, got %s", q.ID, domain.PayloadKindFor(q.Type), resp.Payload.Kind())
	}
	return e.mutate(ctx, "save_response", k, actorID, func(m runs.Manager, p *domain.ModuleProgress) (change, error) {
		changed := m.SaveResponse(p, resp)
		live, _ := runs.Active(p)
		payload := events.EventPayload{"question_id": resp.QuestionID, "revision": live.Revision}
		if resp.Payload != nil {
			payload["kind"] = string(resp.Payload.Kind())
		}
		return change{changed: changed, event: events.ResponseSaved, runID: live.ID, payload: payload}, nil
	})
}

// CompleteModule completes the live run and records its confidence.
func (e Engine) CompleteModule(ctx context.Context, k Key, summary string, by *domain.Completion, actorID string) (Result, error) {
	if by != nil && by.ActorID == "" {
		c := *by
		c.ActorID = actorID
		by = &c
	}
	res, err := e.mutate(ctx, "complete", k, actorID, func(m runs.Manager, p *domain.ModuleProgress) (change, error) {
		changed := m.Complete(p, summary, by)
		c := change{changed: changed, event: events.ModuleCompleted}
		if live, ok := runs.Active(p); ok {
			c.runID = live.ID
			c.payload = events.EventPayload{"confidence": string(live.Confidence), "responses": len(live.Responses)}
		}
		return c, nil
	})
	if err == nil && res.Changed {
		if live, ok := runs.Active(&res.Progress); ok {
			metrics.Completion(string(live.Confidence))
		}
	}
	return res, err
}

// StartNewRun retires the live run and starts an empty one labeled rc.
func (e Engine) StartNewRun(ctx context.Context, k Key, rc domain.RunContext, actorID string) (Result, error) {
	rc, err := normalizeContext(rc)
	if err != nil {
		return Result{}, err
	}
	return e.mutate(ctx, "new_run", k, actorID, func(m runs.Manager, p *domain.ModuleProgress) (change, error) {
		id := m.StartNewRun(p, rc)
		return change{changed: true, event: events.RunCreated, runID: id,
			payload: events.EventPayload{"context_type": string(rc.Type), "name": rc.Name}}, nil
	})
}

// ArchiveCurrent snapshots the live run as a new archived run labeled rc.
// Changed is false when the live run has no responses.
func (e Engine) ArchiveCurrent(ctx context.Context, k Key, rc domain.RunContext, actorID string) (Result, error) {
	rc, err := normalizeContext(rc)
	if err != nil {
		return Result{}, err
	}
	return e.mutate(ctx, "archive", k, actorID, func(m runs.Manager, p *domain.ModuleProgress) (change, error) {
		id, ok := m.ArchiveCurrent(p, rc)
		return change{changed: ok, event: events.RunArchived, runID: id,
			payload: events.EventPayload{"context_type": string(rc.Type), "name": rc.Name, "source_run_id": p.ActiveRunID}}, nil
	})
}

// SwitchToRun makes an existing run the live one.
func (e Engine) SwitchToRun(ctx context.Context, k Key, runID, actorID string) (Result, error) {
	return e.mutate(ctx, "switch", k, actorID, func(m runs.Manager, p *domain.ModuleProgress) (change, error) {
		if _, ok := runs.Find(p, runID); !ok {
			return change{}, fmt.Errorf("run %s: %w", runID, repo.ErrNotFound)
		}
		previous := p.ActiveRunID
		return change{changed: m.SwitchTo(p, runID), event: events.RunActivated, runID: runID,
			payload: events.EventPayload{"previous_run_id": previous}}, nil
	})
}

// DeleteRun removes a run. Deleting the live run leaves the module not
// started.
func (e Engine) DeleteRun(ctx context.Context, k Key, runID, actorID string) (Result, error) {
	return e.mutate(ctx, "delete", k, actorID, func(m runs.Manager, p *domain.ModuleProgress) (change, error) {
		if _, ok := runs.Find(p, runID); !ok {
			return change{}, fmt.Errorf("run %s: %w", runID, repo.ErrNotFound)
		}
		wasActive := p.ActiveRunID == runID
		return change{changed: m.Delete(p, runID), event: events.RunDeleted, runID: runID,
			payload: events.EventPayload{"was_active": wasActive}}, nil
	})
}

// RelabelRun replaces a run's context.
func (e Engine) RelabelRun(ctx context.Context, k Key, runID string, rc domain.RunContext, actorID string) (Result, error) {
	rc, err := normalizeContext(rc)
	if err != nil {
		return Result{}, err
	}
	return e.mutate(ctx, "relabel", k, actorID, func(m runs.Manager, p *domain.ModuleProgress) (change, error) {
		if _, ok := runs.Find(p, runID); !ok {
			return change{}, fmt.Errorf("run %s: %w", runID, repo.ErrNotFound)
		}
		return change{changed: m.Relabel(p, runID, rc), event: events.RunRelabeled, runID: runID,
			payload: events.EventPayload{"context_type": string(rc.Type), "name": rc.Name}}, nil
	})
}

// ImportQuestionnaire validates and stores cfg. Engines built afterwards pick
// it up.
func (e Engine) ImportQuestionnaire(ctx context.Context, cfg *config.Config, actorID string) error {
	if cfg == nil {
		return invalidf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertQuestionnaireConfigTx(ctx, tx, cfg); err != nil {
		return fmt.Errorf("store questionnaire: %w", err)
	}
	scope := events.Scope{EntityKind: "questionnaire", EntityID: cfg.Questionnaire.ID, ActorID: actorID}
	if err := e.Events.Append(ctx, tx, events.ConfigImported, scope, events.EventPayload{
		"version": cfg.Questionnaire.Version, "modules": len(cfg.Modules),
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.log().Info("questionnaire imported", "questionnaire", cfg.Questionnaire.ID, "modules", len(cfg.Modules))
	return nil
}

func normalizeContext(rc domain.RunContext) (domain.RunContext, error) {
	rc.Name = strings.TrimSpace(rc.Name)
	if rc.Type == "" {
		rc.Type = domain.ContextGeneral
	}
	if !rc.Type.Valid() {
		return rc, invalidf("unknown context type %q", rc.Type)
	}
	if rc.Name == "" {
		return rc, invalidf("context name is required")
	}
	return rc, nil
}

func findQuestion(m *config.Module, id string) (domain.Question, bool) {
	for _, q := range m.Questions {
		if q.ID == id {
			return q, true
		}
	}
	return domain.Question{}, false
}
