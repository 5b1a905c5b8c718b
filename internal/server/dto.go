package server

import (
	"encoding/json"
	"fmt"

	"selfaudit/internal/domain"
	"selfaudit/internal/engine"
	"selfaudit/internal/engine/runs"
)

// Request payloads

type StartModuleRequest struct {
	ReviewDepth string `json:"review_depth,omitempty" enum:"foundation,detailed"`
}

// SaveResponseRequest carries one response. Kind may be omitted; it then
// follows the question type.
type SaveResponseRequest struct {
	Kind    string         `json:"kind,omitempty" enum:"answer,measurement,multi-select,selection,link,text,url-analysis"`
	Payload map[string]any `json:"payload,omitempty" example:"{\"value\":\"yes\"}"`
	Notes   string         `json:"notes,omitempty"`
}

type CompletionRequest struct {
	Name         string `json:"name,omitempty"`
	Role         string `json:"role,omitempty"`
	Organisation string `json:"organisation,omitempty"`
}

type CompleteModuleRequest struct {
	Summary     string             `json:"summary,omitempty"`
	CompletedBy *CompletionRequest `json:"completed_by,omitempty"`
}

type RunContextRequest struct {
	Type        string `json:"type,omitempty" enum:"general,team,department,event,location,experience,other"`
	Name        string `json:"name" minLength:"1"`
	Description string `json:"description,omitempty"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Response payloads

type MutationResponse struct {
	Changed  bool                  `json:"changed"`
	RunID    string                `json:"run_id,omitempty"`
	Status   domain.RunStatus      `json:"status"`
	Progress domain.ModuleProgress `json:"progress"`
}

type StepResponse struct {
	Done     bool             `json:"done"`
	Question *domain.Question `json:"question,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	SubjectID  string         `json:"subject_id,omitempty"`
	ModuleID   string         `json:"module_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Conversion helpers

func (r RunContextRequest) toDomain() domain.RunContext {
	return domain.RunContext{Type: domain.RunContextType(r.Type), Name: r.Name, Description: r.Description}
}

func (r SaveResponseRequest) toDomain(questionID string, q *domain.Question) (domain.Response, error) {
	kind := domain.PayloadKind(r.Kind)
	if kind == "" && q != nil && r.Payload != nil {
		kind = domain.PayloadKindFor(q.Type)
	}
	var raw json.RawMessage
	if r.Payload != nil {
		b, err := json.Marshal(r.Payload)
		if err != nil {
			return domain.Response{}, err
		}
		raw = b
	}
	if kind == "" && raw != nil {
		return domain.Response{}, fmt.Errorf("%w: payload kind is required", engine.ErrInvalidInput)
	}
	p, err := domain.DecodePayload(kind, raw)
	if err != nil {
		return domain.Response{}, fmt.Errorf("%w: payload: %s", engine.ErrInvalidInput, err)
	}
	return domain.Response{QuestionID: questionID, Payload: p, Notes: r.Notes}, nil
}

func (r *CompleteModuleRequest) completion() *domain.Completion {
	if r == nil || r.CompletedBy == nil {
		return nil
	}
	return &domain.Completion{Name: r.CompletedBy.Name, Role: r.CompletedBy.Role, Organisation: r.CompletedBy.Organisation}
}

func mutationResponse(res engine.Result) MutationResponse {
	if res.Progress.Runs == nil {
		res.Progress.Runs = []domain.Run{}
	}
	return MutationResponse{Changed: res.Changed, RunID: res.RunID, Status: runs.Status(&res.Progress), Progress: res.Progress}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		SubjectID:  e.SubjectID,
		ModuleID:   e.ModuleID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return map[string]any{}
	}
	return obj
}
