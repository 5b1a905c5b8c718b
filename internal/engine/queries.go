package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"selfaudit/internal/domain"
	"selfaudit/internal/engine/branching"
	"selfaudit/internal/engine/compare"
	"selfaudit/internal/engine/runs"
	"selfaudit/internal/metrics"
	"selfaudit/internal/repo"
)

// CurrentRun names the live run wherever a run id is expected.
const CurrentRun = "current"

// Progress returns the stored record for k, or an empty one when nothing has
// been recorded yet.
func (e Engine) Progress(ctx context.Context, k Key) (domain.ModuleProgress, error) {
	if err := e.checkKey(k); err != nil {
		return domain.ModuleProgress{}, err
	}
	p, err := e.Repo.GetProgress(ctx, k.SubjectID, k.ModuleID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.ModuleProgress{SubjectID: k.SubjectID, ModuleID: k.ModuleID, Runs: []domain.Run{}}, nil
	}
	return p, err
}

// ModuleStatus summarizes where a module stands for one subject.
type ModuleStatus struct {
	SubjectID   string             `json:"subject_id"`
	ModuleID    string             `json:"module_id"`
	Status      domain.RunStatus   `json:"status"`
	ReviewDepth domain.ReviewDepth `json:"review_depth"`
	ActiveRun   *domain.Run        `json:"active_run,omitempty"`
	Progress    branching.Progress `json:"progress"`
	Runs        int                `json:"runs"`
	UpdatedAt   *time.Time         `json:"updated_at,omitempty"`
}

// Status reports the module status and answered/visible counts in the depth
// the live run is reviewed in.
func (e Engine) Status(ctx context.Context, k Key) (ModuleStatus, error) {
	p, err := e.Progress(ctx, k)
	if err != nil {
		return ModuleStatus{}, err
	}
	return e.status(p)
}

func (e Engine) status(p domain.ModuleProgress) (ModuleStatus, error) {
	seq, depth, err := e.sequence(p, "")
	if err != nil {
		return ModuleStatus{}, err
	}
	st := ModuleStatus{
		SubjectID:   p.SubjectID,
		ModuleID:    p.ModuleID,
		Status:      runs.Status(&p),
		ReviewDepth: depth,
		Progress:    seq.Progress(),
		Runs:        len(p.Runs),
	}
	if live, ok := runs.Active(&p); ok {
		r := live.Clone()
		st.ActiveRun = &r
	}
	if !p.UpdatedAt.IsZero() {
		t := p.UpdatedAt
		st.UpdatedAt = &t
	}
	return st, nil
}

// ListModules returns the status of every configured module for a subject,
// in questionnaire order. Stored records of modules no longer in the
// questionnaire are skipped.
func (e Engine) ListModules(ctx context.Context, subjectID string) ([]ModuleStatus, error) {
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	if strings.TrimSpace(subjectID) == "" {
		return nil, invalidf("subject id is required")
	}
	stored, err := e.Repo.ListProgress(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	byModule := make(map[string]domain.ModuleProgress, len(stored))
	for _, p := range stored {
		byModule[p.ModuleID] = p
	}
	out := make([]ModuleStatus, 0, len(e.Config.Modules))
	for _, m := range e.Config.Modules {
		p, ok := byModule[m.ID]
		if !ok {
			p = domain.ModuleProgress{SubjectID: subjectID, ModuleID: m.ID, Runs: []domain.Run{}}
		}
		st, err := e.status(p)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// RunList splits a record into its live run and history.
type RunList struct {
	ActiveRunID string       `json:"active_run_id,omitempty"`
	Active      *domain.Run  `json:"active,omitempty"`
	History     []domain.Run `json:"history"`
}

func (e Engine) ListRuns(ctx context.Context, k Key) (RunList, error) {
	p, err := e.Progress(ctx, k)
	if err != nil {
		return RunList{}, err
	}
	out := RunList{ActiveRunID: p.ActiveRunID, History: runs.History(&p)}
	if live, ok := runs.Active(&p); ok {
		r := live.Clone()
		out.Active = &r
	}
	return out, nil
}

// QuestionView is the visible question sequence of the live run.
type QuestionView struct {
	ReviewDepth domain.ReviewDepth `json:"review_depth"`
	Questions   []domain.Question  `json:"questions"`
	Progress    branching.Progress `json:"progress"`
}

// Questions computes the visible questions of the live run. An empty depth
// uses the depth the run was started with.
func (e Engine) Questions(ctx context.Context, k Key, depth string) (QuestionView, error) {
	p, err := e.Progress(ctx, k)
	if err != nil {
		return QuestionView{}, err
	}
	seq, d, err := e.sequence(p, depth)
	if err != nil {
		return QuestionView{}, err
	}
	return QuestionView{ReviewDepth: d, Questions: seq.Questions(), Progress: seq.Progress()}, nil
}

// NextQuestion returns the visible question after questionID. An empty
// questionID asks for the first question. ok is false at the end.
func (e Engine) NextQuestion(ctx context.Context, k Key, depth, questionID string) (domain.Question, bool, error) {
	return e.step(ctx, k, depth, questionID, true)
}

// PreviousQuestion returns the visible question before questionID.
func (e Engine) PreviousQuestion(ctx context.Context, k Key, depth, questionID string) (domain.Question, bool, error) {
	return e.step(ctx, k, depth, questionID, false)
}

func (e Engine) step(ctx context.Context, k Key, depth, questionID string, forward bool) (domain.Question, bool, error) {
	p, err := e.Progress(ctx, k)
	if err != nil {
		return domain.Question{}, false, err
	}
	seq, _, err := e.sequence(p, depth)
	if err != nil {
		return domain.Question{}, false, err
	}
	if questionID == "" {
		if !forward {
			return domain.Question{}, false, nil
		}
		q, ok := seq.First()
		return q, ok, nil
	}
	mod, _ := e.module(k.ModuleID)
	if _, ok := findQuestion(mod, questionID); !ok {
		return domain.Question{}, false, fmt.Errorf("question %s in module %s: %w", questionID, k.ModuleID, repo.ErrNotFound)
	}
	if forward {
		q, ok := seq.Next(questionID)
		return q, ok, nil
	}
	q, ok := seq.Previous(questionID)
	return q, ok, nil
}

func (e Engine) sequence(p domain.ModuleProgress, depth string) (branching.Sequence, domain.ReviewDepth, error) {
	mod, err := e.module(p.ModuleID)
	if err != nil {
		return branching.Sequence{}, "", err
	}
	var responses map[string]domain.Response
	live, ok := runs.Active(&p)
	if ok {
		responses = live.Responses
		if depth == "" {
			depth = string(live.ReviewDepth)
		}
	}
	d, err := branching.ParseReviewDepth(depth)
	if err != nil {
		return branching.Sequence{}, "", fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}
	return branching.Compute(mod.Questions, responses, d), d, nil
}

// CompareRuns diffs two runs of the same record. CurrentRun selects the live
// run on either side.
func (e Engine) CompareRuns(ctx context.Context, k Key, runA, runB string) (domain.RunComparison, error) {
	if runA == "" || runB == "" {
		return domain.RunComparison{}, invalidf("run_a and run_b are required")
	}
	p, err := e.Progress(ctx, k)
	if err != nil {
		return domain.RunComparison{}, err
	}
	a, err := resolveRun(&p, runA)
	if err != nil {
		return domain.RunComparison{}, err
	}
	b, err := resolveRun(&p, runB)
	if err != nil {
		return domain.RunComparison{}, err
	}
	cmp := compare.Runs(a, b)
	metrics.Comparison(string(cmp.OverallTrend))
	e.log().Debug("compared runs", "subject", k.SubjectID, "module", k.ModuleID,
		"run_a", a.ID, "run_b", b.ID, "trend", cmp.OverallTrend, "score_change", cmp.ScoreChangePercent)
	return cmp, nil
}

func resolveRun(p *domain.ModuleProgress, id string) (domain.Run, error) {
	if id == CurrentRun {
		live, ok := runs.Active(p)
		if !ok {
			return domain.Run{}, fmt.Errorf("current run: %w", repo.ErrNotFound)
		}
		return live.Clone(), nil
	}
	r, ok := runs.Find(p, id)
	if !ok {
		return domain.Run{}, fmt.Errorf("run %s: %w", id, repo.ErrNotFound)
	}
	return r.Clone(), nil
}
