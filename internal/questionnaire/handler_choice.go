package questionnaire

import (
	"strings"

	"github.com/spf13/cast"
	"golang.org/x/text/cases"

	"github.com/wlcxs123/prd-system-sub000/internal/models"
)

const (
	maxOptions  = 20
	maxSelected = 10
)

type choiceHandler struct{}

func (choiceHandler) Kind() models.QuestionKind { return models.KindChoice }

func valueKey(v any) string { return cast.ToString(v) }

func foldText(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

func (choiceHandler) Validate(q *models.Question, rules Rules) Diagnostics {
	var ds Diagnostics
	b := q.Choice()
	if b == nil {
		ds.add("", "题目内容与类型不符")
		return ds
	}
	switch n := len(b.Options); {
	case n == 0:
		ds.add("options", "选项不能为空")
	case n > maxOptions:
		ds.add("options", "选项数量不能超过%d个", maxOptions)
	}
	values := map[string]bool{}
	texts := map[string]bool{}
	for i, o := range b.Options {
		key := valueKey(o.Value)
		if o.Value == nil || key == "" {
			ds.add(fmtIndex("options", i, "value"), "选项值不能为空")
		} else if values[key] {
			ds.add(fmtIndex("options", i, "value"), "选项值 %s 重复", key)
		}
		values[key] = true
		folded := foldText(o.Text)
		if folded == "" {
			ds.add(fmtIndex("options", i, "text"), "选项文本不能为空")
		} else if texts[folded] {
			ds.add(fmtIndex("options", i, "text"), "选项文本 %q 重复", o.Text)
		}
		texts[folded] = true
	}
	if len(b.Selected) > maxSelected {
		ds.add("selected", "最多只能选择%d项", maxSelected)
	}
	if !b.AllowMultiple && len(b.Selected) > 1 {
		ds.add("selected", "单选题只能选择一个选项")
	}
	seen := map[string]bool{}
	for _, s := range b.Selected {
		key := valueKey(s)
		if !values[key] {
			ds.add("selected", "选项值 %s 不在可选范围内", key)
			continue
		}
		if seen[key] {
			ds.add("selected", "选项值 %s 被重复选择", key)
		}
		seen[key] = true
	}
	if q.IsRequired && !rules.AllowEmpty && len(b.Selected) == 0 {
		ds.add("selected", "必填题目未作答")
	}
	return ds
}

func (choiceHandler) Canonicalize(q *models.Question) {
	b := q.Choice()
	if b == nil {
		return
	}
	if b.Options == nil {
		b.Options = []models.Option{}
	}
	byKey := make(map[string]models.Option, len(b.Options))
	for _, o := range b.Options {
		byKey[valueKey(o.Value)] = o
	}
	selected := make([]any, 0, len(b.Selected))
	texts := make([]string, 0, len(b.Selected))
	for _, s := range b.Selected {
		if o, ok := byKey[valueKey(s)]; ok {
			selected = append(selected, o.Value)
			texts = append(texts, o.Text)
			continue
		}
		selected = append(selected, s)
	}
	b.Selected = selected
	b.SelectedTexts = texts
	b.ChoiceMode = "single"
	if b.AllowMultiple {
		b.ChoiceMode = "multiple"
	}
	b.TypeInfo = &models.QuestionTypeInfo{
		Handler:       string(models.KindChoice),
		OptionCount:   len(b.Options),
		SelectedCount: len(selected),
		AllowMultiple: b.AllowMultiple,
	}
}

func (h choiceHandler) FormatForDisplay(q *models.Question) string {
	b := q.Choice()
	if b == nil || len(b.Selected) == 0 {
		return ""
	}
	if len(b.SelectedTexts) == len(b.Selected) {
		return strings.Join(b.SelectedTexts, "、")
	}
	parts := make([]string, 0, len(b.Selected))
	for _, s := range b.Selected {
		parts = append(parts, valueKey(s))
	}
	return strings.Join(parts, "、")
}

func (choiceHandler) Answered(q *models.Question) bool {
	b := q.Choice()
	return b != nil && len(b.Selected) > 0
}

func (h choiceHandler) Score(q *models.Question) float64 {
	if h.Answered(q) {
		return 1
	}
	return 0
}

func (choiceHandler) Value(q *models.Question) (float64, bool) {
	b := q.Choice()
	if b == nil {
		return 0, false
	}
	var sum float64
	numeric := false
	for _, s := range b.Selected {
		f, err := cast.ToFloat64E(s)
		if err != nil {
			continue
		}
		sum += f
		numeric = true
	}
	return sum, numeric
}
