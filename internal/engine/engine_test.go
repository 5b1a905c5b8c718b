package engine_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"selfaudit/internal/config"
	"selfaudit/internal/db"
	"selfaudit/internal/domain"
	"selfaudit/internal/engine"
	"selfaudit/internal/migrate"
	"selfaudit/internal/repo"
)

const module = "physical-access"

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Key    engine.Key
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	eng := engine.New(conn, cfg)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	seq := 0
	eng.NewID = func() string {
		seq++
		return fmt.Sprintf("run-%03d", seq)
	}
	if err := eng.ImportQuestionnaire(ctx, cfg, "tester"); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Key: engine.Key{SubjectID: "venue-1", ModuleID: module}}
}

func answer(id string, v domain.AnswerValue) domain.Response {
	return domain.Response{QuestionID: id, Payload: domain.Answer{Value: v}}
}

func (env testEnv) save(t *testing.T, id string, v domain.AnswerValue) {
	t.Helper()
	if _, err := env.Engine.SaveResponse(env.Ctx, env.Key, answer(id, v), "tester"); err != nil {
		t.Fatalf("save %s: %v", id, err)
	}
}

func TestModuleLifecyclePersists(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.StartModule(env.Ctx, env.Key, domain.DepthFoundation, "tester")
	if err != nil || !res.Changed {
		t.Fatalf("start: changed=%v err=%v", res.Changed, err)
	}
	res, err = env.Engine.StartModule(env.Ctx, env.Key, domain.DepthFoundation, "tester")
	if err != nil || res.Changed {
		t.Fatalf("second start should be a no-op: changed=%v err=%v", res.Changed, err)
	}
	env.save(t, "pa-entrance-step-free", domain.AnswerYes)
	env.save(t, "pa-accessible-toilet", domain.AnswerYes)
	env.save(t, "pa-evacuation-plan", domain.AnswerNo)

	res, err = env.Engine.CompleteModule(env.Ctx, env.Key, "walkthrough done", &domain.Completion{Name: "Sam"}, "tester")
	if err != nil || !res.Changed {
		t.Fatalf("complete: changed=%v err=%v", res.Changed, err)
	}

	st, err := env.Engine.Status(env.Ctx, env.Key)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", st.Status)
	}
	if st.ReviewDepth != domain.DepthFoundation {
		t.Fatalf("expected foundation depth, got %s", st.ReviewDepth)
	}
	if st.ActiveRun == nil || st.ActiveRun.Confidence != domain.ConfidenceMixed {
		t.Fatalf("expected mixed confidence, got %+v", st.ActiveRun)
	}
	if st.ActiveRun.CompletedBy == nil || st.ActiveRun.CompletedBy.ActorID != "tester" {
		t.Fatalf("completion actor not recorded: %+v", st.ActiveRun.CompletedBy)
	}
	if st.Progress.Answered != 3 {
		t.Fatalf("expected 3 answered, got %+v", st.Progress)
	}

	stored, err := env.Engine.Repo.GetProgress(env.Ctx, env.Key.SubjectID, env.Key.ModuleID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, ok := stored.Runs[0].Responses["pa-evacuation-plan"].Answer()
	if !ok || got != domain.AnswerNo {
		t.Fatalf("response lost in round trip: %v %v", got, ok)
	}

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{SubjectID: "venue-1", Limit: 10})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var types []string
	for i := len(evts) - 1; i >= 0; i-- {
		types = append(types, evts[i].Type)
	}
	want := []string{"module.started", "response.saved", "response.saved", "response.saved", "module.completed"}
	if fmt.Sprint(types) != fmt.Sprint(want) {
		t.Fatalf("events %v, want %v", types, want)
	}
}

func TestSaveResponseValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.SaveResponse(env.Ctx, env.Key, answer("ghost", domain.AnswerYes), "tester")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for unknown question, got %v", err)
	}
	_, err = env.Engine.SaveResponse(env.Ctx, env.Key, domain.Response{
		QuestionID: "pa-ramp-gradient",
		Payload:    domain.Answer{Value: domain.AnswerYes},
	}, "tester")
	if !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid input for payload mismatch, got %v", err)
	}
	_, err = env.Engine.SaveResponse(env.Ctx, env.Key, domain.Response{
		QuestionID: "pa-ramp-gradient",
		Payload:    domain.Measurement{Value: 12, Unit: "1:x"},
	}, "tester")
	if err != nil {
		t.Fatalf("measurement: %v", err)
	}
	_, err = env.Engine.StartModule(env.Ctx, engine.Key{SubjectID: "venue-1", ModuleID: "nope"}, "", "tester")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for unknown module, got %v", err)
	}
	_, err = env.Engine.StartModule(env.Ctx, engine.Key{ModuleID: module}, "", "tester")
	if !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid input for missing subject, got %v", err)
	}
}

func TestStartNewRunArchivesPreviousContext(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Engine.StartNewRun(env.Ctx, env.Key, domain.RunContext{Type: domain.ContextTeam, Name: "A"}, "tester")
	if err != nil {
		t.Fatalf("new run A: %v", err)
	}
	env.save(t, "pa-entrance-step-free", domain.AnswerNo)
	env.save(t, "pa-ramp-available", domain.AnswerNo)

	second, err := env.Engine.StartNewRun(env.Ctx, env.Key, domain.RunContext{Type: domain.ContextTeam, Name: "B"}, "tester")
	if err != nil {
		t.Fatalf("new run B: %v", err)
	}
	list, err := env.Engine.ListRuns(env.Ctx, env.Key)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(list.History) != 1 || list.History[0].ID != first.RunID || list.History[0].Context.Name != "A" {
		t.Fatalf("unexpected history %+v", list.History)
	}
	if list.Active == nil || list.Active.ID != second.RunID || len(list.Active.Responses) != 0 {
		t.Fatalf("unexpected active run %+v", list.Active)
	}

	if _, err := env.Engine.StartNewRun(env.Ctx, env.Key, domain.RunContext{Type: "galaxy", Name: "x"}, "tester"); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid context type, got %v", err)
	}
	if _, err := env.Engine.StartNewRun(env.Ctx, env.Key, domain.RunContext{Name: "  "}, "tester"); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected missing name error, got %v", err)
	}
}

func TestArchiveSwitchAndCompare(t *testing.T) {
	env := newTestEnv(t)
	if res, err := env.Engine.ArchiveCurrent(env.Ctx, env.Key, domain.RunContext{Name: "empty"}, "tester"); err != nil || res.Changed {
		t.Fatalf("archiving nothing should be a no-op: changed=%v err=%v", res.Changed, err)
	}
	env.save(t, "pa-entrance-step-free", domain.AnswerNo)
	env.save(t, "pa-accessible-toilet", domain.AnswerYes)
	snap, err := env.Engine.ArchiveCurrent(env.Ctx, env.Key, domain.RunContext{Type: domain.ContextEvent, Name: "Before works"}, "tester")
	if err != nil || !snap.Changed {
		t.Fatalf("archive: changed=%v err=%v", snap.Changed, err)
	}
	env.save(t, "pa-entrance-step-free", domain.AnswerYes)

	cmp, err := env.Engine.CompareRuns(env.Ctx, env.Key, snap.RunID, engine.CurrentRun)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if cmp.OverallTrend != domain.TrendImproving || cmp.ScoreChangePercent != 50 {
		t.Fatalf("unexpected comparison %s %.1f", cmp.OverallTrend, cmp.ScoreChangePercent)
	}
	if fmt.Sprint(cmp.Improvements) != "[pa-entrance-step-free]" {
		t.Fatalf("unexpected improvements %v", cmp.Improvements)
	}

	live, _ := env.Engine.ListRuns(env.Ctx, env.Key)
	liveID := live.ActiveRunID
	res, err := env.Engine.SwitchToRun(env.Ctx, env.Key, snap.RunID, "tester")
	if err != nil || !res.Changed {
		t.Fatalf("switch: changed=%v err=%v", res.Changed, err)
	}
	list, _ := env.Engine.ListRuns(env.Ctx, env.Key)
	if list.ActiveRunID != snap.RunID {
		t.Fatalf("expected %s active, got %s", snap.RunID, list.ActiveRunID)
	}
	var kept bool
	for _, r := range list.History {
		if r.ID == liveID && len(r.Responses) == 2 {
			kept = true
		}
	}
	if !kept {
		t.Fatalf("previous live run %s not kept in history: %+v", liveID, list.History)
	}

	if _, err := env.Engine.SwitchToRun(env.Ctx, env.Key, "missing", "tester"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := env.Engine.CompareRuns(env.Ctx, env.Key, "missing", engine.CurrentRun); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteActiveRunResetsModule(t *testing.T) {
	env := newTestEnv(t)
	env.save(t, "pa-entrance-step-free", domain.AnswerYes)
	list, _ := env.Engine.ListRuns(env.Ctx, env.Key)
	if _, err := env.Engine.DeleteRun(env.Ctx, env.Key, list.ActiveRunID, "tester"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	st, err := env.Engine.Status(env.Ctx, env.Key)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Status != domain.StatusNotStarted || st.ActiveRun != nil || st.Progress.Answered != 0 {
		t.Fatalf("expected reset module, got %+v", st)
	}
	if _, err := env.Engine.DeleteRun(env.Ctx, env.Key, list.ActiveRunID, "tester"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestRelabelRun(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.StartModule(env.Ctx, env.Key, "", "tester")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.Engine.RelabelRun(env.Ctx, env.Key, res.RunID, domain.RunContext{Type: domain.ContextLocation, Name: "North site"}, "tester"); err != nil {
		t.Fatalf("relabel: %v", err)
	}
	list, _ := env.Engine.ListRuns(env.Ctx, env.Key)
	if list.Active.Context.Name != "North site" || list.Active.Provisional {
		t.Fatalf("unexpected context %+v", list.Active)
	}
}

func TestQuestionsFollowBranching(t *testing.T) {
	env := newTestEnv(t)
	view, err := env.Engine.Questions(env.Ctx, env.Key, "")
	if err != nil {
		t.Fatalf("questions: %v", err)
	}
	if view.ReviewDepth != domain.DepthDetailed || len(view.Questions) != 3 {
		t.Fatalf("expected 3 detailed questions, got %s %d", view.ReviewDepth, len(view.Questions))
	}

	env.save(t, "pa-entrance-step-free", domain.AnswerNo)
	env.save(t, "pa-ramp-available", domain.AnswerUnableToCheck)
	view, _ = env.Engine.Questions(env.Ctx, env.Key, "foundation")
	ids := make([]string, 0, len(view.Questions))
	for _, q := range view.Questions {
		ids = append(ids, q.ID)
	}
	want := "[pa-entrance-step-free pa-ramp-available pa-alternative-entrance pa-accessible-toilet pa-evacuation-plan]"
	if fmt.Sprint(ids) != want {
		t.Fatalf("visible %v, want %s", ids, want)
	}

	first, ok, err := env.Engine.NextQuestion(env.Ctx, env.Key, "", "")
	if err != nil || !ok || first.ID != "pa-entrance-step-free" {
		t.Fatalf("first question: %v %v %v", first.ID, ok, err)
	}
	next, ok, _ := env.Engine.NextQuestion(env.Ctx, env.Key, "foundation", "pa-ramp-available")
	if !ok || next.ID != "pa-alternative-entrance" {
		t.Fatalf("next after ramp: %v %v", next.ID, ok)
	}
	// Hidden in foundation mode: navigation falls back to authoring order.
	next, ok, _ = env.Engine.NextQuestion(env.Ctx, env.Key, "foundation", "pa-ramp-gradient")
	if !ok || next.ID != "pa-alternative-entrance" {
		t.Fatalf("next after hidden gradient: %v %v", next.ID, ok)
	}
	prev, ok, _ := env.Engine.PreviousQuestion(env.Ctx, env.Key, "", "pa-entrance-step-free")
	if ok {
		t.Fatalf("expected no previous question, got %s", prev.ID)
	}
	if _, _, err := env.Engine.NextQuestion(env.Ctx, env.Key, "both", "pa-ramp-available"); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid depth, got %v", err)
	}
	for _, depth := range []domain.ReviewDepth{domain.DepthBoth, "everything"} {
		if _, err := env.Engine.StartModule(env.Ctx, env.Key, depth, "auditor"); !errors.Is(err, engine.ErrInvalidInput) {
			t.Fatalf("start with depth %q: expected invalid input, got %v", depth, err)
		}
	}
}

func TestCreateAPIKey(t *testing.T) {
	env := newTestEnv(t)
	key, plain, err := env.Engine.CreateAPIKey(env.Ctx, "auditor", "ci")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	stored, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(plain))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if stored.ID != key.ID || stored.ActorID != "auditor" {
		t.Fatalf("unexpected key %+v", stored)
	}
}
