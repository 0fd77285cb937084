package questionnaire

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"
)

var testNow = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func decode(t *testing.T, s string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	return m
}

const minimalText = `{
  "type": "parent_interview",
  "basic_info": {"name": "张三", "grade": "1", "submission_date": "2024-01-15"},
  "questions": [{"id": 1, "type": "text_input", "question": "测试", "answer": "答案", "is_required": true}]
}`

func choiceQuestion(id int, section string, selected string, max int) string {
	opts := make([]string, 0, max+1)
	for v := 0; v <= max; v++ {
		opts = append(opts, fmt.Sprintf(`{"value": %d, "text": "档位%d"}`, v, v))
	}
	return fmt.Sprintf(`{"id": %d, "type": "single_choice", "question": "题目%d", "section": %q, "options": [%s], "selected": %s}`,
		id, id, section, strings.Join(opts, ","), selected)
}

// frankfurt builds a Frankfurt payload whose DS answers are ds and whose SS
// sections are left unanswered. DS items offer the options 0 and 1.
func frankfurt(t *testing.T, ds []int, stats string) map[string]any {
	t.Helper()
	return frankfurtWithDSOptions(t, ds, 1, stats)
}

func frankfurtWithDSOptions(t *testing.T, ds []int, dsMax int, stats string) map[string]any {
	t.Helper()
	var qs []string
	id := 1
	for _, v := range ds {
		qs = append(qs, choiceQuestion(id, "DS", fmt.Sprintf("[%d]", v), dsMax))
		id++
	}
	for _, s := range []string{"SS_school", "SS_public", "SS_home"} {
		qs = append(qs, choiceQuestion(id, s, "[]", 4))
		id++
	}
	body := fmt.Sprintf(`{
  "type": "frankfurt_scale_selective_mutism",
  "basic_info": {"name": "李四", "grade": "三年级", "submission_date": "2024-05-20"},
  "questions": [%s]`, strings.Join(qs, ","))
	if stats != "" {
		body += `, "statistics": ` + stats
	}
	return decode(t, body+"}")
}

func hasDiagnostic(ds Diagnostics, prefix, fragment string) bool {
	for _, d := range ds {
		s := d.String()
		if strings.HasPrefix(s, prefix) && strings.Contains(s, fragment) {
			return true
		}
	}
	return false
}
