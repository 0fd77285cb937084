package questionnaire

import (
	"reflect"
	"testing"
)

func TestMergePatchKeepsEmptyValues(t *testing.T) {
	base := decode(t, `{
  "type": "parent_interview",
  "basic_info": {"name": "张三", "grade": "1", "submission_date": "2024-01-15", "age": 7},
  "questions": [{"id": 1, "answer": "旧"}, {"id": 2, "answer": "保留"}],
  "statistics": {"total_score": 1}
}`)
	patch := decode(t, `{
  "basic_info": {"name": null, "grade": "", "age": 0},
  "questions": [{"answer": "新"}, null, {"id": 3, "answer": "追加"}],
  "statistics": [],
  "source": "kiosk"
}`)
	out := MergePatch(base, patch)

	bi := out["basic_info"].(map[string]any)
	if bi["name"] != "张三" || bi["grade"] != "1" {
		t.Fatalf("empty patch values overwrote stored ones: %v", bi)
	}
	if bi["age"] != 0.0 {
		t.Fatalf("zero is a real value: %v", bi["age"])
	}
	qs := out["questions"].([]any)
	if len(qs) != 3 {
		t.Fatalf("want 3 questions, got %d", len(qs))
	}
	if q := qs[0].(map[string]any); q["id"] != 1.0 || q["answer"] != "新" {
		t.Fatalf("question 0 not merged: %v", q)
	}
	if q := qs[1].(map[string]any); q["answer"] != "保留" {
		t.Fatalf("null element replaced stored question: %v", q)
	}
	if !reflect.DeepEqual(out["statistics"], map[string]any{"total_score": 1.0}) {
		t.Fatalf("empty list replaced statistics: %v", out["statistics"])
	}
	if out["source"] != "kiosk" {
		t.Fatalf("unknown key not accepted")
	}
	if base["basic_info"].(map[string]any)["age"] != 7.0 {
		t.Fatalf("base mutated")
	}
}

func TestMergePatchBooleansOverwrite(t *testing.T) {
	base := map[string]any{"questions": []any{map[string]any{"is_required": true, "allow_multiple": true}}}
	patch := map[string]any{"questions": []any{map[string]any{"is_required": false}}}
	out := MergePatch(base, patch)
	q := out["questions"].([]any)[0].(map[string]any)
	if q["is_required"] != false || q["allow_multiple"] != true {
		t.Fatalf("booleans not merged: %v", q)
	}
}
