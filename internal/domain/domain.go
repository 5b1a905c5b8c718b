package domain

import (
	"time"
)

type QuestionType string

const (
	QuestionYesNoUnsure  QuestionType = "yes-no-unsure"
	QuestionMeasurement  QuestionType = "measurement"
	QuestionMultiSelect  QuestionType = "multi-select"
	QuestionSingleSelect QuestionType = "single-select"
	QuestionLink         QuestionType = "link"
	QuestionText         QuestionType = "text"
	QuestionURLAnalysis  QuestionType = "url-analysis"
)

// QuestionTypes lists every supported question type in declaration order.
var QuestionTypes = []QuestionType{
	QuestionYesNoUnsure, QuestionMeasurement, QuestionMultiSelect, QuestionSingleSelect,
	QuestionLink, QuestionText, QuestionURLAnalysis,
}

// ReviewDepth is both a question attribute (foundation, detailed, both) and the
// mode a pass is reviewed in (foundation or detailed only).
type ReviewDepth string

const (
	DepthFoundation ReviewDepth = "foundation"
	DepthDetailed   ReviewDepth = "detailed"
	DepthBoth       ReviewDepth = "both"
)

type ImpactLevel string

const (
	ImpactHigh   ImpactLevel = "high"
	ImpactMedium ImpactLevel = "medium"
	ImpactLow    ImpactLevel = "low"
)

type AnswerValue string

const (
	AnswerYes           AnswerValue = "yes"
	AnswerPartially     AnswerValue = "partially"
	AnswerNo            AnswerValue = "no"
	AnswerUnableToCheck AnswerValue = "unable-to-check"
	// AnswerNotSure is a legacy spelling still present in stored data.
	AnswerNotSure AnswerValue = "not-sure"
)

// Valid reports whether v is one of the canonical answers (legacy included).
func (v AnswerValue) Valid() bool {
	switch v {
	case AnswerYes, AnswerPartially, AnswerNo, AnswerUnableToCheck, AnswerNotSure:
		return true
	}
	return false
}

// Condition gates a question on the answer to another question. OrConditions
// widen it: the condition holds if its own clause or any alternative holds.
type Condition struct {
	QuestionID        string        `json:"question_id,omitempty" yaml:"question_id"`
	AcceptableAnswers []AnswerValue `json:"acceptable_answers,omitempty" yaml:"acceptable_answers"`
	OrConditions      []Condition   `json:"or_conditions,omitempty" yaml:"or_conditions"`
}

type Question struct {
	ID                  string       `json:"id" yaml:"id" validate:"required"`
	Text                string       `json:"text,omitempty" yaml:"text"`
	Type                QuestionType `json:"type" yaml:"type" validate:"required,oneof=yes-no-unsure measurement multi-select single-select link text url-analysis"`
	ReviewDepth         ReviewDepth  `json:"review_depth" yaml:"review_depth" validate:"required,oneof=foundation detailed both"`
	Category            string       `json:"category,omitempty" yaml:"category"`
	ImpactLevel         ImpactLevel  `json:"impact_level,omitempty" yaml:"impact_level" validate:"omitempty,oneof=high medium low"`
	SafetyRelated       bool         `json:"safety_related,omitempty" yaml:"safety_related"`
	EntryPoint          bool         `json:"entry_point,omitempty" yaml:"entry_point"`
	VisibilityCondition *Condition   `json:"visibility_condition,omitempty" yaml:"visibility_condition"`
	HideCondition       *Condition   `json:"hide_condition,omitempty" yaml:"hide_condition"`
	Options             []string     `json:"options,omitempty" yaml:"options"`
	Unit                string       `json:"unit,omitempty" yaml:"unit"`
}

type RunStatus string

const (
	StatusNotStarted RunStatus = "not-started"
	StatusInProgress RunStatus = "in-progress"
	StatusCompleted  RunStatus = "completed"
)

type RunContextType string

const (
	ContextGeneral    RunContextType = "general"
	ContextTeam       RunContextType = "team"
	ContextDepartment RunContextType = "department"
	ContextEvent      RunContextType = "event"
	ContextLocation   RunContextType = "location"
	ContextExperience RunContextType = "experience"
	ContextOther      RunContextType = "other"
)

// Valid reports whether t is a known context type.
func (t RunContextType) Valid() bool {
	switch t {
	case ContextGeneral, ContextTeam, ContextDepartment, ContextEvent, ContextLocation, ContextExperience, ContextOther:
		return true
	}
	return false
}

// RunContext labels what a run was for. It never influences engine logic.
type RunContext struct {
	Type        RunContextType `json:"type" enum:"general,team,department,event,location,experience,other"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
}

type Confidence string

const (
	ConfidenceStrong    Confidence = "strong"
	ConfidenceMixed     Confidence = "mixed"
	ConfidenceNeedsWork Confidence = "needs-work"
)

// Completion records who signed off a run.
type Completion struct {
	ActorID      string `json:"actor_id,omitempty"`
	Name         string `json:"name,omitempty"`
	Role         string `json:"role,omitempty"`
	Organisation string `json:"organisation,omitempty"`
}

type Run struct {
	ID          string              `json:"id"`
	Context     RunContext          `json:"context"`
	Status      RunStatus           `json:"status" enum:"not-started,in-progress,completed"`
	ReviewDepth ReviewDepth         `json:"review_depth,omitempty"`
	StartedAt   *time.Time          `json:"started_at,omitempty"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
	Responses   map[string]Response `json:"responses"`
	Summary     string              `json:"summary,omitempty"`
	CompletedBy *Completion         `json:"completed_by,omitempty"`
	Confidence  Confidence          `json:"confidence,omitempty"`
	// Provisional marks the live run before it was given an explicit context.
	Provisional bool       `json:"provisional,omitempty"`
	Archived    bool       `json:"archived,omitempty"`
	ArchivedAt  *time.Time `json:"archived_at,omitempty"`
	// Revision counts writes to the run's content. SnapshotRunID names the
	// copy made by the last explicit archive and SnapshotRevision the
	// revision it was taken at.
	Revision         int    `json:"revision"`
	SnapshotRevision int    `json:"snapshot_revision,omitempty"`
	SnapshotRunID    string `json:"snapshot_run_id,omitempty"`
}

// Clone returns a deep copy of r.
func (r Run) Clone() Run {
	out := r
	out.Responses = make(map[string]Response, len(r.Responses))
	for k, v := range r.Responses {
		out.Responses[k] = v.Clone()
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	if r.ArchivedAt != nil {
		t := *r.ArchivedAt
		out.ArchivedAt = &t
	}
	if r.CompletedBy != nil {
		c := *r.CompletedBy
		out.CompletedBy = &c
	}
	return out
}

// ModuleProgress is the persisted record of every run of one module for one
// subject. The run being edited is always an entry of Runs.
type ModuleProgress struct {
	SubjectID   string    `json:"subject_id"`
	ModuleID    string    `json:"module_id"`
	ActiveRunID string    `json:"active_run_id,omitempty"`
	Runs        []Run     `json:"runs"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDeclining Trend = "declining"
	TrendStable    Trend = "stable"
	TrendMixed     Trend = "mixed"
)

type RunComparison struct {
	RunA               Run      `json:"run_a"`
	RunB               Run      `json:"run_b"`
	Improvements       []string `json:"improvements"`
	Regressions        []string `json:"regressions"`
	Unchanged          []string `json:"unchanged"`
	NewQuestions       []string `json:"new_questions"`
	OverallTrend       Trend    `json:"overall_trend" enum:"improving,declining,stable,mixed"`
	ScoreChangePercent float64  `json:"score_change_percent"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	SubjectID  string `json:"subject_id,omitempty"`
	ModuleID   string `json:"module_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID         string `json:"id"`
	ActorID    string `json:"actor_id"`
	Name       string `json:"name,omitempty"`
	KeyHash    string `json:"-"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	LastUsedAt string `json:"last_used_at,omitempty" format:"date-time"`
}
