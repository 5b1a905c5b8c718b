package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// PayloadKind tags which variant a Response carries.
type PayloadKind string

const (
	KindAnswer      PayloadKind = "answer"
	KindMeasurement PayloadKind = "measurement"
	KindMultiSelect PayloadKind = "multi-select"
	KindSelection   PayloadKind = "selection"
	KindLink        PayloadKind = "link"
	KindText        PayloadKind = "text"
	KindURLAnalysis PayloadKind = "url-analysis"
)

// Payload is the closed set of response variants. Each question type stores
// exactly one of them.
type Payload interface {
	Kind() PayloadKind
	clone() Payload
}

type Answer struct {
	Value AnswerValue `json:"value"`
}

type Measurement struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
}

type MultiSelect struct {
	Values []string `json:"values"`
}

type Selection struct {
	Value string `json:"value"`
}

type Link struct {
	URL   string `json:"url"`
	Label string `json:"label,omitempty"`
}

type Text struct {
	Value string `json:"value"`
}

type URLAnalysis struct {
	URL      string   `json:"url"`
	Score    *float64 `json:"score,omitempty"`
	Findings []string `json:"findings,omitempty"`
}

func (Answer) Kind() PayloadKind      { return KindAnswer }
func (Measurement) Kind() PayloadKind { return KindMeasurement }
func (MultiSelect) Kind() PayloadKind { return KindMultiSelect }
func (Selection) Kind() PayloadKind   { return KindSelection }
func (Link) Kind() PayloadKind        { return KindLink }
func (Text) Kind() PayloadKind        { return KindText }
func (URLAnalysis) Kind() PayloadKind { return KindURLAnalysis }

func (p Answer) clone() Payload      { return p }
func (p Measurement) clone() Payload { return p }
func (p Selection) clone() Payload   { return p }
func (p Link) clone() Payload        { return p }
func (p Text) clone() Payload        { return p }

func (p MultiSelect) clone() Payload {
	p.Values = append([]string(nil), p.Values...)
	return p
}

func (p URLAnalysis) clone() Payload {
	if p.Score != nil {
		s := *p.Score
		p.Score = &s
	}
	p.Findings = append([]string(nil), p.Findings...)
	return p
}

// PayloadKindFor maps a question type to the payload it expects.
func PayloadKindFor(t QuestionType) PayloadKind {
	switch t {
	case QuestionMeasurement:
		return KindMeasurement
	case QuestionMultiSelect:
		return KindMultiSelect
	case QuestionSingleSelect:
		return KindSelection
	case QuestionLink:
		return KindLink
	case QuestionText:
		return KindText
	case QuestionURLAnalysis:
		return KindURLAnalysis
	default:
		return KindAnswer
	}
}

type Response struct {
	QuestionID string    `json:"question_id"`
	Payload    Payload   `json:"payload"`
	Notes      string    `json:"notes,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Answer returns the canonical answer when the response carries one.
func (r Response) Answer() (AnswerValue, bool) {
	a, ok := r.Payload.(Answer)
	if !ok || a.Value == "" {
		return "", false
	}
	return a.Value, true
}

// Clone returns a deep copy of r.
func (r Response) Clone() Response {
	if r.Payload != nil {
		r.Payload = r.Payload.clone()
	}
	return r
}

type responseWire struct {
	QuestionID string          `json:"question_id"`
	Kind       PayloadKind     `json:"kind,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Notes      string          `json:"notes,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

func (r Response) MarshalJSON() ([]byte, error) {
	w := responseWire{QuestionID: r.QuestionID, Notes: r.Notes, Timestamp: r.Timestamp}
	if r.Payload != nil {
		b, err := json.Marshal(r.Payload)
		if err != nil {
			return nil, err
		}
		w.Kind = r.Payload.Kind()
		w.Payload = b
	}
	return json.Marshal(w)
}

func (r *Response) UnmarshalJSON(data []byte) error {
	var w responseWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p, err := DecodePayload(w.Kind, w.Payload)
	if err != nil {
		return fmt.Errorf("response %s: %w", w.QuestionID, err)
	}
	*r = Response{QuestionID: w.QuestionID, Payload: p, Notes: w.Notes, Timestamp: w.Timestamp}
	return nil
}

// DecodePayload builds the variant named by kind from raw JSON. An empty kind
// decodes to a nil payload.
func DecodePayload(kind PayloadKind, raw json.RawMessage) (Payload, error) {
	if kind == "" {
		return nil, nil
	}
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	var (
		p   Payload
		err error
	)
	switch kind {
	case KindAnswer:
		var v Answer
		err = json.Unmarshal(raw, &v)
		if err == nil && !v.Value.Valid() {
			err = fmt.Errorf("invalid answer %q", v.Value)
		}
		p = v
	case KindMeasurement:
		var v Measurement
		err = json.Unmarshal(raw, &v)
		p = v
	case KindMultiSelect:
		var v MultiSelect
		err = json.Unmarshal(raw, &v)
		p = v
	case KindSelection:
		var v Selection
		err = json.Unmarshal(raw, &v)
		p = v
	case KindLink:
		var v Link
		err = json.Unmarshal(raw, &v)
		p = v
	case KindText:
		var v Text
		err = json.Unmarshal(raw, &v)
		p = v
	case KindURLAnalysis:
		var v URLAnalysis
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown payload kind %q", kind)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}
