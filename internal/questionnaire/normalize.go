package questionnaire

import (
	"encoding/json"
	"math"
	"regexp"
	"strings"

	"github.com/spf13/cast"
	"golang.org/x/text/width"

	"github.com/wlcxs123/prd-system-sub000/internal/models"
)

// basicInfoKeys are lifted from the top level into basic_info when a client
// posts a flat form.
var basicInfoKeys = []string{
	"name", "grade", "submission_date", "age", "gender", "birth_date", "school",
	"class_name", "parent_phone", "parent_wechat", "parent_email", "school_name",
	"admission_date", "address", "filler_name", "fill_date",
}

// Fields folded from full-width to ASCII before validation.
var widthFolded = map[string]bool{
	"name": true, "grade": true, "submission_date": true, "birth_date": true,
	"parent_phone": true, "admission_date": true, "fill_date": true,
}

var (
	spaceRun      = regexp.MustCompile(`\s+`)
	genderAliases = map[string]string{
		"male": "男", "m": "男", "1": "男", "boy": "男", "男": "男",
		"female": "女", "f": "女", "0": "女", "girl": "女", "女": "女",
	}
)

// Normalize coerces a loosely shaped payload with the default registry.
func Normalize(in map[string]any) map[string]any { return Default().Normalize(in) }

// Normalize returns a canonicalized copy of in. It never rejects and never
// touches in; applying it to its own output changes nothing.
func (r *Registry) Normalize(in map[string]any) map[string]any {
	out, _ := deepCopy(in).(map[string]any)
	if out == nil {
		out = map[string]any{}
	}

	if t, ok := out["type"].(string); ok {
		out["type"] = strings.ToLower(strings.TrimSpace(t))
	}

	if _, ok := out["basic_info"]; !ok {
		bi := map[string]any{}
		for _, k := range basicInfoKeys {
			if v, ok := out[k]; ok {
				bi[k] = v
				delete(out, k)
			}
		}
		if len(bi) > 0 {
			out["basic_info"] = bi
		}
	}
	if bi, ok := out["basic_info"].(map[string]any); ok {
		normalizeBasicInfo(bi)
	}

	if qs, ok := out["questions"].([]any); ok {
		for _, item := range qs {
			if q, ok := item.(map[string]any); ok {
				normalizeQuestion(q)
			}
		}
	}

	sectioned := false
	if t, ok := out["type"].(string); ok {
		if d, err := r.Describe(t); err == nil && d.Recipe == RecipeSections {
			sectioned = true
		}
	}
	if !sectioned {
		if st, present := out["statistics"]; !present || st == nil {
			out["statistics"] = map[string]any{"total_score": 0.0, "completion_rate": 0.0}
		}
	}
	return out
}

func normalizeBasicInfo(bi map[string]any) {
	for k, v := range bi {
		s, ok := v.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		if widthFolded[k] {
			s = width.Fold.String(s)
		}
		if k == "name" {
			s = spaceRun.ReplaceAllString(s, " ")
		}
		bi[k] = s
	}
	if v, ok := bi["age"]; ok {
		if s, isStr := v.(string); isStr && s != "" {
			if f, err := cast.ToFloat64E(s); err == nil {
				bi["age"] = f
			}
		}
	}
	if v, ok := bi["gender"]; ok && v != nil {
		key := strings.ToLower(strings.TrimSpace(cast.ToString(v)))
		if g, known := genderAliases[key]; known {
			bi["gender"] = g
		}
	}
}

func normalizeQuestion(q map[string]any) {
	if v, ok := q["id"]; ok {
		if id, ok := integral(v); ok {
			q["id"] = id
		}
	}
	if t, ok := q["type"].(string); ok {
		q["type"] = strings.ToLower(strings.TrimSpace(t))
	}
	if s, ok := q["question"].(string); ok {
		q["question"] = strings.TrimSpace(s)
	}
	if s, ok := q["section"].(string); ok {
		q["section"] = strings.TrimSpace(s)
	}
	for _, k := range []string{"is_required", "allow_multiple", "can_speak"} {
		if s, ok := q[k].(string); ok {
			if b, err := cast.ToBoolE(strings.TrimSpace(s)); err == nil {
				q[k] = b
			}
		}
	}
	if _, ok := q["is_required"]; !ok {
		q["is_required"] = true
	}
	if s, ok := q["text_type"].(string); ok {
		q["text_type"] = strings.ToLower(strings.TrimSpace(s))
	}

	declared, _ := q["type"].(string)
	kind, _ := models.KindOf(declared)
	switch kind {
	case models.KindChoice:
		if _, ok := q["allow_multiple"]; !ok && (declared == "multiple_choice" || declared == "checkbox") {
			q["allow_multiple"] = true
		}
		if opts, ok := q["options"].([]any); ok {
			for _, item := range opts {
				o, ok := item.(map[string]any)
				if !ok {
					continue
				}
				if s, ok := o["text"].(string); ok {
					o["text"] = strings.TrimSpace(s)
				}
				if s, ok := o["value"].(string); ok {
					o["value"] = strings.TrimSpace(s)
				}
			}
		}
		if sel, ok := q["selected"]; ok && sel != nil {
			if _, isList := sel.([]any); !isList {
				q["selected"] = []any{sel}
			}
		}
	case models.KindText:
		if v, ok := q["answer"]; ok && v != nil {
			if _, isStr := v.(string); !isStr {
				q["answer"] = cast.ToString(v)
			}
		}
		if s, ok := q["input_type"].(string); ok {
			q["input_type"] = strings.ToLower(strings.TrimSpace(s))
		}
	case models.KindRating:
		if _, ok := q["min_rating"]; !ok {
			q["min_rating"] = 0.0
		}
		if _, ok := q["max_rating"]; !ok {
			q["max_rating"] = 5.0
		}
		for _, k := range []string{"rating", "min_rating", "max_rating"} {
			if s, ok := q[k].(string); ok && strings.TrimSpace(s) != "" {
				if f, err := cast.ToFloat64E(strings.TrimSpace(s)); err == nil {
					q[k] = f
				}
			}
		}
	}
}

// integral converts whole numbers and numeric strings to a float64 holding
// an integer; anything else is left for the validator to reject.
func integral(v any) (float64, bool) {
	if s, ok := v.(string); ok {
		v = strings.TrimSpace(s)
	}
	f, err := cast.ToFloat64E(v)
	if err != nil || math.Trunc(f) != f || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// deepCopy clones JSON-shaped data, turning every Go number into float64 so
// values compare equal to their decoded JSON form.
func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = deepCopy(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopy(e)
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopy(e)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = e
		}
		return out
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32:
		return cast.ToFloat64(t)
	default:
		return v
	}
}
