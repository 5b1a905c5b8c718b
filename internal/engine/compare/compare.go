// Package compare diffs two runs of the same module.
package compare

import (
	"math"
	"sort"

	"selfaudit/internal/domain"
)

// MaxScore is the score of the best canonical answer.
const MaxScore = 3

// Score maps a response onto the ordinal scale used for comparisons.
// Responses without a canonical answer score as unable-to-check.
func Score(r domain.Response) int {
	answer, ok := r.Answer()
	if !ok {
		return 1
	}
	switch answer {
	case domain.AnswerYes:
		return 3
	case domain.AnswerPartially:
		return 2
	case domain.AnswerNo:
		return 0
	default:
		return 1
	}
}

// Runs classifies every question answered in a or b. It never fails; two
// empty runs compare as stable with no change.
func Runs(a, b domain.Run) domain.RunComparison {
	out := domain.RunComparison{
		RunA:         a,
		RunB:         b,
		Improvements: []string{},
		Regressions:  []string{},
		Unchanged:    []string{},
		NewQuestions: []string{},
	}
	var (
		sumA, sumB int
		comparable int
	)
	for id, ra := range a.Responses {
		rb, ok := b.Responses[id]
		if !ok {
			out.NewQuestions = append(out.NewQuestions, id)
			continue
		}
		sa, sb := Score(ra), Score(rb)
		sumA += sa
		sumB += sb
		comparable++
		switch {
		case sb > sa:
			out.Improvements = append(out.Improvements, id)
		case sb < sa:
			out.Regressions = append(out.Regressions, id)
		default:
			out.Unchanged = append(out.Unchanged, id)
		}
	}
	for id := range b.Responses {
		if _, ok := a.Responses[id]; !ok {
			out.NewQuestions = append(out.NewQuestions, id)
		}
	}
	sort.Strings(out.Improvements)
	sort.Strings(out.Regressions)
	sort.Strings(out.Unchanged)
	sort.Strings(out.NewQuestions)

	if comparable > 0 {
		pct := float64(sumB-sumA) / float64(comparable*MaxScore) * 100
		out.ScoreChangePercent = math.Round(pct*10) / 10
	}
	out.OverallTrend = Trend(len(out.Improvements), len(out.Regressions))
	return out
}

// Trend classifies improvement and regression counts. A side must outnumber
// the other more than twofold to set the direction.
func Trend(improvements, regressions int) domain.Trend {
	switch {
	case improvements == 0 && regressions == 0:
		return domain.TrendStable
	case improvements > 2*regressions:
		return domain.TrendImproving
	case regressions > 2*improvements:
		return domain.TrendDeclining
	default:
		return domain.TrendMixed
	}
}
