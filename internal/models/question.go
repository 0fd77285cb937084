package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// QuestionKind is the closed set of question bodies.
type QuestionKind string

const (
	KindChoice QuestionKind = "choice"
	KindText   QuestionKind = "text"
	KindRating QuestionKind = "rating"
)

var questionKinds = map[string]QuestionKind{
	"choice":          KindChoice,
	"single_choice":   KindChoice,
	"multiple_choice": KindChoice,
	"radio":           KindChoice,
	"checkbox":        KindChoice,
	"text":            KindText,
	"text_input":      KindText,
	"textarea":        KindText,
	"short_text":      KindText,
	"long_text":       KindText,
	"rating":          KindRating,
	"scale":           KindRating,
	"likert":          KindRating,
}

// KindOf maps a declared question type to its body kind.
func KindOf(declared string) (QuestionKind, bool) {
	k, ok := questionKinds[strings.ToLower(strings.TrimSpace(declared))]
	return k, ok
}

// QuestionBody is implemented by *ChoiceBody, *TextBody and *RatingBody only.
type QuestionBody interface {
	Kind() QuestionKind
	questionBody()
}

// Question is one administered item. The order of questions in a record is
// the administration order.
type Question struct {
	ID         int
	Type       string
	Question   string
	Section    string
	IsRequired bool
	Body       QuestionBody
}

type questionHeader struct {
	ID         int    `json:"id"`
	Type       string `json:"type"`
	Question   string `json:"question"`
	Section    string `json:"section,omitempty"`
	IsRequired bool   `json:"is_required"`
}

// Option is one selectable answer of a choice question. Value is a float64
// or a string after normalization.
type Option struct {
	Value any    `json:"value"`
	Text  string `json:"text"`
}

// QuestionTypeInfo is handler telemetry attached on canonicalization.
type QuestionTypeInfo struct {
	Handler       string `json:"handler"`
	OptionCount   int    `json:"option_count"`
	SelectedCount int    `json:"selected_count"`
	AllowMultiple bool   `json:"allow_multiple"`
}

type ChoiceBody struct {
	Options       []Option          `json:"options"`
	Selected      []any             `json:"selected"`
	AllowMultiple bool              `json:"allow_multiple"`
	CanSpeak      *bool             `json:"can_speak,omitempty"`
	SelectedTexts []string          `json:"selected_texts,omitempty"`
	ChoiceMode    string            `json:"choice_mode,omitempty"`
	TypeInfo      *QuestionTypeInfo `json:"question_type_info,omitempty"`
}

type TextBody struct {
	Answer            string  `json:"answer"`
	InputType         string  `json:"input_type"`
	TextType          string  `json:"text_type,omitempty"`
	MinLength         *int    `json:"min_length,omitempty"`
	MaxLength         int     `json:"max_length,omitempty"`
	AnswerLength      int     `json:"answer_length"`
	WordCount         int     `json:"word_count"`
	LineCount         int     `json:"line_count"`
	LengthUtilization float64 `json:"length_utilization"`
}

type RatingBody struct {
	Rating           *int     `json:"rating"`
	MinRating        int      `json:"min_rating"`
	MaxRating        int      `json:"max_rating"`
	Labels           []string `json:"labels,omitempty"`
	CanSpeak         *bool    `json:"can_speak,omitempty"`
	RatingPercentage float64  `json:"rating_percentage"`
}

func (*ChoiceBody) Kind() QuestionKind { return KindChoice }
func (*TextBody) Kind() QuestionKind   { return KindText }
func (*RatingBody) Kind() QuestionKind { return KindRating }

func (*ChoiceBody) questionBody() {}
func (*TextBody) questionBody()   {}
func (*RatingBody) questionBody() {}

// MarshalJSON flattens the header and the body into one object, which is
// the shape clients submit.
func (q Question) MarshalJSON() ([]byte, error) {
	head, err := json.Marshal(questionHeader{ID: q.ID, Type: q.Type, Question: q.Question, Section: q.Section, IsRequired: q.IsRequired})
	if err != nil {
		return nil, err
	}
	if q.Body == nil {
		return head, nil
	}
	body, err := json.Marshal(q.Body)
	if err != nil {
		return nil, err
	}
	m := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(head, &m); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func (q *Question) UnmarshalJSON(b []byte) error {
	var head questionHeader
	if err := json.Unmarshal(b, &head); err != nil {
		return err
	}
	*q = Question{ID: head.ID, Type: head.Type, Question: head.Question, Section: head.Section, IsRequired: head.IsRequired}
	kind, ok := KindOf(head.Type)
	if !ok {
		return fmt.Errorf("question %d: unknown question type %q", head.ID, head.Type)
	}
	var body QuestionBody
	switch kind {
	case KindChoice:
		body = &ChoiceBody{}
	case KindText:
		body = &TextBody{}
	case KindRating:
		body = &RatingBody{}
	}
	if err := json.Unmarshal(b, body); err != nil {
		return fmt.Errorf("question %d: %w", head.ID, err)
	}
	q.Body = body
	return nil
}

// Choice returns the choice body or nil.
func (q *Question) Choice() *ChoiceBody {
	b, _ := q.Body.(*ChoiceBody)
	return b
}

// Text returns the text body or nil.
func (q *Question) Text() *TextBody {
	b, _ := q.Body.(*TextBody)
	return b
}

// Rating returns the rating body or nil.
func (q *Question) Rating() *RatingBody {
	b, _ := q.Body.(*RatingBody)
	return b
}
