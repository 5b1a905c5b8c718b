package branching

import (
	"fmt"

	"selfaudit/internal/domain"
)

// Sequence is the memoized, ordered list of visible questions for one
// evaluation. It is immutable once computed.
type Sequence struct {
	all       []domain.Question
	visible   []domain.Question
	position  map[string]int // index into visible
	authoring map[string]int // index into all
	answered  int
}

// Progress counts answered questions among the visible ones.
type Progress struct {
	Answered int `json:"answered"`
	Total    int `json:"total"`
}

// Compute filters questions down to the visible ones, keeping authoring order.
// Any depth other than foundation is treated as detailed.
func Compute(questions []domain.Question, responses map[string]domain.Response, depth domain.ReviewDepth) Sequence {
	s := Sequence{
		all:       questions,
		position:  make(map[string]int, len(questions)),
		authoring: make(map[string]int, len(questions)),
	}
	for i, q := range questions {
		if _, dup := s.authoring[q.ID]; !dup {
			s.authoring[q.ID] = i
		}
		if !Visible(q, responses, depth) {
			continue
		}
		if _, dup := s.position[q.ID]; dup {
			continue
		}
		s.position[q.ID] = len(s.visible)
		s.visible = append(s.visible, q)
		if _, ok := responses[q.ID]; ok {
			s.answered++
		}
	}
	return s
}

// Questions returns the visible questions in authoring order.
func (s Sequence) Questions() []domain.Question {
	out := make([]domain.Question, len(s.visible))
	copy(out, s.visible)
	return out
}

// Len is the number of visible questions.
func (s Sequence) Len() int { return len(s.visible) }

// IsVisible reports whether id is in the sequence.
func (s Sequence) IsVisible(id string) bool {
	_, ok := s.position[id]
	return ok
}

// First returns the first visible entry-point question, or the first visible
// question when none is marked as an entry point.
func (s Sequence) First() (domain.Question, bool) {
	for _, q := range s.visible {
		if q.EntryPoint {
			return q, true
		}
	}
	if len(s.visible) == 0 {
		return domain.Question{}, false
	}
	return s.visible[0], true
}

// Next returns the visible question after id. If id is currently hidden the
// search starts from its authoring position. There is no wrap-around.
func (s Sequence) Next(id string) (domain.Question, bool) {
	if i, ok := s.position[id]; ok {
		if i+1 < len(s.visible) {
			return s.visible[i+1], true
		}
		return domain.Question{}, false
	}
	at, ok := s.authoring[id]
	if !ok {
		return domain.Question{}, false
	}
	for _, q := range s.all[at+1:] {
		if s.IsVisible(q.ID) {
			return q, true
		}
	}
	return domain.Question{}, false
}

// Previous is the mirror of Next.
func (s Sequence) Previous(id string) (domain.Question, bool) {
	if i, ok := s.position[id]; ok {
		if i > 0 {
			return s.visible[i-1], true
		}
		return domain.Question{}, false
	}
	at, ok := s.authoring[id]
	if !ok {
		return domain.Question{}, false
	}
	for j := at - 1; j >= 0; j-- {
		if s.IsVisible(s.all[j].ID) {
			return s.all[j], true
		}
	}
	return domain.Question{}, false
}

// Progress counts answered questions among the visible ones.
func (s Sequence) Progress() Progress {
	return Progress{Answered: s.answered, Total: len(s.visible)}
}

// ParseReviewDepth validates a review mode. Only foundation and detailed are
// modes; "both" is a question attribute.
func ParseReviewDepth(v string) (domain.ReviewDepth, error) {
	switch domain.ReviewDepth(v) {
	case "":
		return domain.DepthDetailed, nil
	case domain.DepthFoundation, domain.DepthDetailed:
		return domain.ReviewDepth(v), nil
	}
	return "", fmt.Errorf("invalid review depth %q (want foundation or detailed)", v)
}
