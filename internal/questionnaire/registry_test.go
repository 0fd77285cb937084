package questionnaire

import (
	"errors"
	"testing"

	"github.com/wlcxs123/prd-system-sub000/internal/models"
)

func TestDefaultRegistryTypes(t *testing.T) {
	reg := Default()
	want := []string{
		"adolescent_interview", "elementary_school_report", "frankfurt_scale_selective_mutism",
		"parent_interview", "primary_communication_scale", "sm_maintenance_factors",
		"speech_habit", "student_report",
	}
	got := reg.Types()
	if len(got) != len(want) {
		t.Fatalf("want %d types, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("type %d: want %s, got %s", i, want[i], got[i])
		}
	}
	if reg.Version < 1 {
		t.Fatalf("registry version missing")
	}
}

func TestDescribeFailsClosed(t *testing.T) {
	reg := Default()
	if _, err := reg.Describe("unknown_form"); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("want ErrUnknownType, got %v", err)
	}
	d, err := reg.Describe("  Parent_Interview ")
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if d.Recipe != RecipeTotal || d.MinQuestions != 1 {
		t.Fatalf("unexpected descriptor: %+v", d)
	}
	f, err := reg.Describe("frankfurt_scale_selective_mutism")
	if err != nil {
		t.Fatalf("describe frankfurt: %v", err)
	}
	if f.Recipe != RecipeSections || len(f.Sections) != 4 || f.MinQuestions != 4 {
		t.Fatalf("unexpected frankfurt descriptor: %+v", f)
	}
	if f.AllowsStatistic("total_score") {
		t.Fatalf("frankfurt must not whitelist total_score")
	}
}

func TestHandlerDispatch(t *testing.T) {
	reg := Default()
	cases := map[string]models.QuestionKind{
		"radio":      models.KindChoice,
		"checkbox":   models.KindChoice,
		"text_input": models.KindText,
		"long_text":  models.KindText,
		"likert":     models.KindRating,
	}
	for declared, kind := range cases {
		h, err := reg.HandlerFor(declared)
		if err != nil {
			t.Fatalf("%s: %v", declared, err)
		}
		if h.Kind() != kind {
			t.Fatalf("%s: want %s, got %s", declared, kind, h.Kind())
		}
	}
	if _, err := reg.HandlerFor("matrix"); !errors.Is(err, ErrUnknownQuestionType) {
		t.Fatalf("want ErrUnknownQuestionType, got %v", err)
	}
}

func TestAgeGroupFirstMatchAndRisk(t *testing.T) {
	d, _ := Default().Describe("frankfurt_scale_selective_mutism")
	if g, _ := d.AgeGroupFor(6); g != "3_7" {
		t.Fatalf("age 6: want 3_7, got %s", g)
	}
	if g, _ := d.AgeGroupFor(9); g != "6_11" {
		t.Fatalf("age 9: want 6_11, got %s", g)
	}
	if _, ok := d.AgeGroupFor(30); ok {
		t.Fatalf("age 30 should have no group")
	}
	checks := []struct {
		group string
		value float64
		want  string
	}{
		{"6_11", 7, "high"},
		{"6_11", 5, "mid"},
		{"6_11", 4, "low"},
		{"3_7", 5, "high"},
		{"3_7", 3, "mid"},
		{"12_18", 6.5, "mid"},
	}
	for _, c := range checks {
		got, ok := d.RiskLevel(c.group, c.value)
		if !ok || got != c.want {
			t.Fatalf("risk(%s, %v): want %s, got %s", c.group, c.value, c.want, got)
		}
	}
}

func TestLoadRejectsBadDocuments(t *testing.T) {
	bad := map[string]string{
		"unknown field": "version: 1\ntypes:\n  a:\n    recipe: total\n    statistics: [total_score]\n    colour: red\n",
		"bad recipe":    "version: 1\ntypes:\n  a:\n    recipe: average\n",
		"no types":      "version: 1\n",
		"bad combo": "version: 1\ntypes:\n  a:\n    recipe: sections\n    statistics: [x_total, y]\n" +
			"    sections: [{name: X, key: x_total, max_score: 1}]\n    combos: [{key: y, sections: [Z]}]\n",
	}
	for name, doc := range bad {
		if _, err := Load([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
