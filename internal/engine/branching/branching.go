// Package branching decides which questions of a module are shown for a given
// set of responses and review depth.
//
// Everything here is a total function: stale or unknown question references
// evaluate as unsatisfied and never produce an error.
package branching

import (
	"selfaudit/internal/domain"
)

// Satisfied reports whether cond holds for responses. The condition's own
// clause holds when the referenced question has a canonical answer listed in
// AcceptableAnswers; any satisfied OrConditions entry also makes it hold.
func Satisfied(cond domain.Condition, responses map[string]domain.Response) bool {
	if clauseSatisfied(cond, responses) {
		return true
	}
	for _, alt := range cond.OrConditions {
		if Satisfied(alt, responses) {
			return true
		}
	}
	return false
}

func clauseSatisfied(cond domain.Condition, responses map[string]domain.Response) bool {
	if cond.QuestionID == "" {
		return false
	}
	r, ok := responses[cond.QuestionID]
	if !ok {
		return false
	}
	answer, ok := r.Answer()
	if !ok {
		return false
	}
	for _, a := range cond.AcceptableAnswers {
		if a == answer {
			return true
		}
	}
	return false
}

// Visible applies the visibility rules to a single question.
func Visible(q domain.Question, responses map[string]domain.Response, depth domain.ReviewDepth) bool {
	if depth == domain.DepthFoundation && q.ReviewDepth == domain.DepthDetailed {
		return false
	}
	if q.HideCondition != nil && Satisfied(*q.HideCondition, responses) {
		return false
	}
	if q.VisibilityCondition != nil {
		return Satisfied(*q.VisibilityCondition, responses)
	}
	return true
}
