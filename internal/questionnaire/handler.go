package questionnaire

import (
	"fmt"
	"math"

	"github.com/wlcxs123/prd-system-sub000/internal/models"
)

// Diagnostic is one validation finding. Path is dotted and relative to the
// payload root once the validator has prefixed it.
type Diagnostic struct {
	Path    string
	Message string
}

func (d Diagnostic) String() string {
	if d.Path == "" {
		return d.Message
	}
	return d.Path + ": " + d.Message
}

// Diagnostics is the flat list a validation run produces.
type Diagnostics []Diagnostic

func (ds *Diagnostics) add(path, format string, args ...any) {
	*ds = append(*ds, Diagnostic{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (ds *Diagnostics) merge(prefix string, more Diagnostics) {
	for _, d := range more {
		p := prefix
		if d.Path != "" {
			p = prefix + "." + d.Path
		}
		*ds = append(*ds, Diagnostic{Path: p, Message: d.Message})
	}
}

// Strings renders every diagnostic as "<path>: <message>".
func (ds Diagnostics) Strings() []string {
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.String())
	}
	return out
}

// Rules carries the per-question context a handler cannot see on its own.
type Rules struct {
	// AllowEmpty lets a required question stay unanswered (Frankfurt SS sections).
	AllowEmpty bool
}

// Handler implements the behavior of one question kind.
type Handler interface {
	Kind() models.QuestionKind
	// Validate returns diagnostics with paths relative to the question.
	Validate(q *models.Question, rules Rules) Diagnostics
	// Canonicalize fills derived fields; calling it twice changes nothing.
	Canonicalize(q *models.Question)
	FormatForDisplay(q *models.Question) string
	Answered(q *models.Question) bool
	Score(q *models.Question) float64
	// Value is the numeric answer used by section aggregation.
	Value(q *models.Question) (float64, bool)
}

func fmtIndex(list string, i int, field string) string {
	return fmt.Sprintf("%s.%d.%s", list, i, field)
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
