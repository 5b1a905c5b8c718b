package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"selfaudit/internal/config"
	"selfaudit/internal/domain"
	"selfaudit/internal/engine"
	"selfaudit/internal/repo"
)

// ModulePath addresses one subject's module.
type ModulePath struct {
	SubjectID string `path:"subject_id" doc:"Subject under review (venue, site, organisation)"`
	ModuleID  string `path:"module_id"`
}

func (p ModulePath) key() engine.Key {
	return engine.Key{SubjectID: p.SubjectID, ModuleID: p.ModuleID}
}

type RunPath struct {
	ModulePath
	RunID string `path:"run_id"`
}

func registerQuestionnaire(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "questionnaire-get",
		Method:      http.MethodGet,
		Path:        "/questionnaire",
		Summary:     "Loaded questionnaire",
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[config.Config], error) {
		cfg := *e.Config
		cfg.Webhooks = make([]config.WebhookConfig, len(e.Config.Webhooks))
		for i, h := range e.Config.Webhooks {
			if h.Secret != "" {
				h.Secret = "***"
			}
			cfg.Webhooks[i] = h
		}
		return respond(cfg), nil
	})
}

func registerModules(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "modules-list",
		Method:      http.MethodGet,
		Path:        "/subjects/{subject_id}/modules",
		Summary:     "Status of every module for a subject",
	}, func(ctx context.Context, input *struct {
		SubjectID string `path:"subject_id"`
	}) (*bodyOutput[[]engine.ModuleStatus], error) {
		items, err := e.ListModules(ctx, input.SubjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "module-status",
		Method:      http.MethodGet,
		Path:        "/subjects/{subject_id}/modules/{module_id}",
		Summary:     "Module status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *ModulePath) (*bodyOutput[engine.ModuleStatus], error) {
		st, err := e.Status(ctx, input.key())
		if err != nil {
			return nil, handleError(err)
		}
		return respond(st), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "module-start",
		Method:      http.MethodPost,
		Path:        "/subjects/{subject_id}/modules/{module_id}/start",
		Summary:     "Start a module",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ModulePath
		Body *StartModuleRequest `required:"false"`
	}) (*bodyOutput[MutationResponse], error) {
		actor, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		var depth domain.ReviewDepth
		if input.Body != nil {
			depth = domain.ReviewDepth(input.Body.ReviewDepth)
		}
		res, err := e.StartModule(ctx, input.key(), depth, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(mutationResponse(res)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "response-save",
		Method:      http.MethodPut,
		Path:        "/subjects/{subject_id}/modules/{module_id}/responses/{question_id}",
		Summary:     "Save a response",
		Description: "Upserts the response for one question in the live run. A completed run is reopened.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ModulePath
		QuestionID string `path:"question_id"`
		Body       SaveResponseRequest
	}) (*bodyOutput[MutationResponse], error) {
		actor, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		q, err := lookupQuestion(e, input.ModuleID, input.QuestionID)
		if err != nil {
			return nil, handleError(err)
		}
		resp, err := input.Body.toDomain(input.QuestionID, &q)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.SaveResponse(ctx, input.key(), resp, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(mutationResponse(res)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "module-complete",
		Method:      http.MethodPost,
		Path:        "/subjects/{subject_id}/modules/{module_id}/complete",
		Summary:     "Complete the live run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ModulePath
		Body *CompleteModuleRequest `required:"false"`
	}) (*bodyOutput[MutationResponse], error) {
		actor, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		var summary string
		if input.Body != nil {
			summary = input.Body.Summary
		}
		res, err := e.CompleteModule(ctx, input.key(), summary, input.Body.completion(), actor)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(mutationResponse(res)), nil
	})
}

func lookupQuestion(e engine.Engine, moduleID, questionID string) (domain.Question, error) {
	mod, ok := e.Config.Module(moduleID)
	if !ok {
		return domain.Question{}, fmt.Errorf("module %s: %w", moduleID, repo.ErrNotFound)
	}
	for _, q := range mod.Questions {
		if q.ID == questionID {
			return q, nil
		}
	}
	return domain.Question{}, fmt.Errorf("question %s in module %s: %w", questionID, moduleID, repo.ErrNotFound)
}

func registerQuestions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "questions-visible",
		Method:      http.MethodGet,
		Path:        "/subjects/{subject_id}/modules/{module_id}/questions",
		Summary:     "Visible questions of the live run",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ModulePath
		Depth string `query:"depth" enum:"foundation,detailed" doc:"Defaults to the depth the live run was started with"`
	}) (*bodyOutput[engine.QuestionView], error) {
		view, err := e.Questions(ctx, input.key(), input.Depth)
		if err != nil {
			return nil, handleError(err)
		}
		if view.Questions == nil {
			view.Questions = []domain.Question{}
		}
		return respond(view), nil
	})

	type stepInput struct {
		ModulePath
		QuestionID string `path:"question_id"`
		Depth      string `query:"depth" enum:"foundation,detailed"`
	}
	step := func(forward bool) func(context.Context, *stepInput) (*bodyOutput[StepResponse], error) {
		return func(ctx context.Context, input *stepInput) (*bodyOutput[StepResponse], error) {
			fn := e.PreviousQuestion
			if forward {
				fn = e.NextQuestion
			}
			q, ok, err := fn(ctx, input.key(), input.Depth, input.QuestionID)
			if err != nil {
				return nil, handleError(err)
			}
			if !ok {
				return respond(StepResponse{Done: true}), nil
			}
			return respond(StepResponse{Question: &q}), nil
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "question-next",
		Method:      http.MethodGet,
		Path:        "/subjects/{subject_id}/modules/{module_id}/questions/{question_id}/next",
		Summary:     "Next visible question",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, step(true))
	huma.Register(api, huma.Operation{
		OperationID: "question-previous",
		Method:      http.MethodGet,
		Path:        "/subjects/{subject_id}/modules/{module_id}/questions/{question_id}/previous",
		Summary:     "Previous visible question",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, step(false))
}

func registerRuns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "runs-list",
		Method:      http.MethodGet,
		Path:        "/subjects/{subject_id}/modules/{module_id}/runs",
		Summary:     "Live run and history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *ModulePath) (*bodyOutput[engine.RunList], error) {
		list, err := e.ListRuns(ctx, input.key())
		if err != nil {
			return nil, handleError(err)
		}
		if list.History == nil {
			list.History = []domain.Run{}
		}
		return respond(list), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "run-create",
		Method:        http.MethodPost,
		Path:          "/subjects/{subject_id}/modules/{module_id}/runs",
		Summary:       "Start a new run",
		Description:   "Archives the live run when it holds unsaved work, then starts an empty run with the given context.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ModulePath
		Body RunContextRequest
	}) (*bodyOutput[MutationResponse], error) {
		actor, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		res, err := e.StartNewRun(ctx, input.key(), input.Body.toDomain(), actor)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(mutationResponse(res)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-archive",
		Method:      http.MethodPost,
		Path:        "/subjects/{subject_id}/modules/{module_id}/runs/archive",
		Summary:     "Archive a snapshot of the live run",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ModulePath
		Body RunContextRequest
	}) (*bodyOutput[MutationResponse], error) {
		actor, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		res, err := e.ArchiveCurrent(ctx, input.key(), input.Body.toDomain(), actor)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(mutationResponse(res)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-activate",
		Method:      http.MethodPost,
		Path:        "/subjects/{subject_id}/modules/{module_id}/runs/{run_id}/activate",
		Summary:     "Make a run the live one",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *RunPath) (*bodyOutput[MutationResponse], error) {
		actor, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		res, err := e.SwitchToRun(ctx, input.key(), input.RunID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(mutationResponse(res)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-relabel",
		Method:      http.MethodPatch,
		Path:        "/subjects/{subject_id}/modules/{module_id}/runs/{run_id}",
		Summary:     "Replace a run's context",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunPath
		Body RunContextRequest
	}) (*bodyOutput[MutationResponse], error) {
		actor, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		res, err := e.RelabelRun(ctx, input.key(), input.RunID, input.Body.toDomain(), actor)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(mutationResponse(res)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-delete",
		Method:      http.MethodDelete,
		Path:        "/subjects/{subject_id}/modules/{module_id}/runs/{run_id}",
		Summary:     "Delete a run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *RunPath) (*bodyOutput[MutationResponse], error) {
		actor, aerr := actorIDFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		res, err := e.DeleteRun(ctx, input.key(), input.RunID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(mutationResponse(res)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "runs-compare",
		Method:      http.MethodGet,
		Path:        "/subjects/{subject_id}/modules/{module_id}/compare",
		Summary:     "Compare two runs",
		Description: "run_a is the baseline. Use \"current\" for the live run.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ModulePath
		RunA string `query:"run_a" required:"true"`
		RunB string `query:"run_b" required:"true"`
	}) (*bodyOutput[domain.RunComparison], error) {
		cmp, err := e.CompareRuns(ctx, input.key(), input.RunA, input.RunB)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(cmp), nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "events-list",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Event log, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		SubjectID string `query:"subject_id"`
		ModuleID  string `query:"module_id"`
		Type      string `query:"type"`
		Limit     int    `query:"limit"`
		Cursor    string `query:"cursor" doc:"next_cursor from the previous page"`
	}) (*bodyOutput[paginatedEvents], error) {
		limit := normalizeLimit(input.Limit)
		var before int64
		if c := strings.TrimSpace(input.Cursor); c != "" {
			v, err := strconv.ParseInt(c, 10, 64)
			if err != nil || v <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
			}
			before = v
		}
		evts, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			Limit:     limit + 1,
			Before:    before,
			SubjectID: input.SubjectID,
			ModuleID:  input.ModuleID,
			Type:      input.Type,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := paginatedEvents{Items: []EventResponse{}}
		if len(evts) > limit {
			evts = evts[:limit]
			out.NextCursor = strconv.FormatInt(evts[len(evts)-1].ID, 10)
		}
		for _, evt := range evts {
			out.Items = append(out.Items, eventResponse(evt))
		}
		return respond(out), nil
	})
}
