package runs

import "selfaudit/internal/domain"

const (
	StrongThreshold    = 0.70
	NeedsWorkThreshold = 0.50
)

// Confidence rolls the yes/no/unable-to-check answers of a run up into a
// three-level snapshot. Partial answers and non-answer payloads are ignored;
// a run without any counted answer needs work.
func Confidence(responses map[string]domain.Response) domain.Confidence {
	var yes, negative int
	for _, r := range responses {
		answer, ok := r.Answer()
		if !ok {
			continue
		}
		switch answer {
		case domain.AnswerYes:
			yes++
		case domain.AnswerNo, domain.AnswerUnableToCheck, domain.AnswerNotSure:
			negative++
		}
	}
	total := yes + negative
	if total == 0 {
		return domain.ConfidenceNeedsWork
	}
	switch {
	case float64(yes)/float64(total) >= StrongThreshold:
		return domain.ConfidenceStrong
	case float64(negative)/float64(total) >= NeedsWorkThreshold:
		return domain.ConfidenceNeedsWork
	default:
		return domain.ConfidenceMixed
	}
}
