package questionnaire

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/wlcxs123/prd-system-sub000/internal/models"
)

const (
	shortTextMax = 200
	longTextMax  = 2000
)

var (
	inputTypes = map[string]bool{"text": true, "textarea": true, "number": true, "email": true, "phone": true}

	emailPattern = regexp.MustCompile(`^[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}$`)
	phonePatterns = []*regexp.Regexp{
		regexp.MustCompile(`^1[3-9]\d{9}$`),                 // mainland mobile
		regexp.MustCompile(`^\+\d{1,3}[\s-]?\d{4,14}$`),     // international
		regexp.MustCompile(`^0\d{2,3}-\d{7,8}(-\d{1,6})?$`), // landline
	}
)

// ValidEmail applies the email answer rule.
func ValidEmail(s string) bool { return emailPattern.MatchString(s) }

// ValidPhone accepts mainland mobiles, international numbers and landlines
// written with dashes.
func ValidPhone(s string) bool {
	s = strings.TrimSpace(s)
	for _, p := range phonePatterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

type textHandler struct{}

func (textHandler) Kind() models.QuestionKind { return models.KindText }

func textMax(b *models.TextBody) int {
	if b.MaxLength > 0 {
		return b.MaxLength
	}
	if b.TextType == "long" || b.InputType == "textarea" {
		return longTextMax
	}
	return shortTextMax
}

func (textHandler) Validate(q *models.Question, rules Rules) Diagnostics {
	var ds Diagnostics
	b := q.Text()
	if b == nil {
		ds.add("", "题目内容与类型不符")
		return ds
	}
	if b.InputType != "" && !inputTypes[b.InputType] {
		ds.add("input_type", "不支持的输入类型 %s", b.InputType)
	}
	if b.TextType != "" && b.TextType != "short" && b.TextType != "long" {
		ds.add("text_type", "文本类型只能是 short 或 long")
	}
	if b.MaxLength < 0 {
		ds.add("max_length", "最大长度不能为负数")
	}
	max := textMax(b)
	if b.MinLength != nil {
		if *b.MinLength < 0 {
			ds.add("min_length", "最小长度不能为负数")
		} else if *b.MinLength > max {
			ds.add("min_length", "最小长度不能大于最大长度")
		}
	}
	answer := strings.TrimSpace(b.Answer)
	if answer == "" {
		if q.IsRequired && !rules.AllowEmpty {
			ds.add("answer", "必填题目未作答")
		}
		return ds
	}
	n := utf8.RuneCountInString(answer)
	if n > max {
		ds.add("answer", "答案长度不能超过%d个字符", max)
	}
	if b.MinLength != nil && n < *b.MinLength {
		ds.add("answer", "答案长度不能少于%d个字符", *b.MinLength)
	}
	switch b.InputType {
	case "email":
		if !ValidEmail(answer) {
			ds.add("answer", "邮箱格式不正确")
		}
	case "phone":
		if !ValidPhone(answer) {
			ds.add("answer", "电话号码格式不正确")
		}
	case "number":
		if _, err := strconv.ParseFloat(answer, 64); err != nil {
			ds.add("answer", "请输入有效的数字")
		}
	}
	return ds
}

func (textHandler) Canonicalize(q *models.Question) {
	b := q.Text()
	if b == nil {
		return
	}
	b.Answer = strings.TrimSpace(b.Answer)
	if b.InputType == "" {
		b.InputType = "text"
		if q.Type == "textarea" || q.Type == "long_text" {
			b.InputType = "textarea"
		}
	}
	if b.TextType == "" {
		b.TextType = "short"
		if b.InputType == "textarea" || q.Type == "long_text" {
			b.TextType = "long"
		}
	}
	b.MaxLength = textMax(b)
	b.AnswerLength = utf8.RuneCountInString(b.Answer)
	b.WordCount = len(strings.Fields(b.Answer))
	b.LineCount = 0
	if b.Answer != "" {
		b.LineCount = strings.Count(b.Answer, "\n") + 1
	}
	b.LengthUtilization = 0
	if b.MaxLength > 0 {
		b.LengthUtilization = round2(float64(b.AnswerLength) / float64(b.MaxLength) * 100)
	}
}

func (textHandler) FormatForDisplay(q *models.Question) string {
	if b := q.Text(); b != nil {
		return strings.TrimSpace(b.Answer)
	}
	return ""
}

func (textHandler) Answered(q *models.Question) bool {
	b := q.Text()
	return b != nil && strings.TrimSpace(b.Answer) != ""
}

func (h textHandler) Score(q *models.Question) float64 {
	if h.Answered(q) {
		return 1
	}
	return 0
}

func (h textHandler) Value(q *models.Question) (float64, bool) {
	b := q.Text()
	if b == nil || b.InputType != "number" {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(b.Answer), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
