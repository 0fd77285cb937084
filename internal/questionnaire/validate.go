package questionnaire

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/spf13/cast"

	"github.com/wlcxs123/prd-system-sub000/internal/models"
)

const (
	maxNameRunes     = 50
	maxGradeRunes    = 50
	maxQuestionRunes = 500
	maxQuestionID    = 9999
	maxAge           = 150
)

var (
	namePattern = regexp.MustCompile(`^[\p{Han}A-Za-z\s·]+$`)
	dateLayouts = []string{"2006-01-02", "2006/01/02", time.RFC3339, "2006-01-02 15:04:05"}

	fieldLabels = map[string]string{
		"name":            "姓名",
		"grade":           "年级",
		"submission_date": "提交日期",
		"age":             "年龄",
		"gender":          "性别",
		"birth_date":      "出生日期",
		"school":          "学校",
		"class_name":      "班级",
		"parent_phone":    "家长电话",
		"parent_wechat":   "家长微信",
		"parent_email":    "家长邮箱",
		"school_name":     "学校名称",
		"admission_date":  "入学日期",
		"address":         "地址",
		"filler_name":     "填写人",
		"fill_date":       "填写日期",
	}
	dateFields = []string{"submission_date", "birth_date", "admission_date", "fill_date"}
	riskLevels = map[string]bool{"low": true, "mid": true, "high": true}

	// Keys never carried over into Record.Extra.
	reservedKeys = map[string]bool{
		"type": true, "basic_info": true, "questions": true, "statistics": true,
		"id": true, "created_at": true, "updated_at": true,
	}
)

// ParseDate accepts the date layouts clients are known to send.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func label(key string) string {
	if l, ok := fieldLabels[key]; ok {
		return l
	}
	return key
}

// Validate checks a normalized payload against the default registry.
func Validate(payload map[string]any, now time.Time) (*models.Record, Diagnostics) {
	return Default().Validate(payload, now)
}

// Validate runs every stage and returns all findings at once. A record is
// returned only when the diagnostics are empty.
func (r *Registry) Validate(payload map[string]any, now time.Time) (*models.Record, Diagnostics) {
	var ds Diagnostics

	var desc *TypeDescriptor
	typ, ok := payload["type"].(string)
	switch {
	case !ok || strings.TrimSpace(typ) == "":
		ds.add("type", "问卷类型不能为空")
	default:
		d, err := r.Describe(typ)
		if err != nil {
			ds.add("type", "未知的问卷类型 %s", typ)
		} else {
			desc = d
		}
	}

	bi, biOK := payload["basic_info"].(map[string]any)
	if !biOK {
		ds.add("basic_info", "基本信息必须是对象")
	}
	qs, qsOK := payload["questions"].([]any)
	if !qsOK {
		ds.add("questions", "题目列表必须是数组")
	}
	var stats map[string]any
	if raw, present := payload["statistics"]; present && raw != nil {
		m, isMap := raw.(map[string]any)
		if !isMap {
			ds.add("statistics", "统计信息必须是对象")
		}
		stats = m
	}

	var info models.BasicInfo
	if biOK {
		info = validateBasicInfo(desc, bi, now, &ds)
	}

	var questions []models.Question
	if qsOK {
		questions = r.validateQuestions(desc, qs, &ds)
	}

	if desc != nil {
		validateTypeRules(desc, qs, questions, stats, &ds)
	}

	if len(ds) > 0 {
		return nil, ds
	}
	rec := &models.Record{
		Type:       desc.Name,
		BasicInfo:  info,
		Questions:  questions,
		Statistics: models.Statistics{},
	}
	for k, v := range stats {
		rec.Statistics[k] = v
	}
	for k, v := range payload {
		if reservedKeys[k] {
			continue
		}
		if rec.Extra == nil {
			rec.Extra = map[string]any{}
		}
		rec.Extra[k] = v
	}
	return rec, nil
}

func str(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	return strings.TrimSpace(cast.ToString(v))
}

func validateBasicInfo(desc *TypeDescriptor, bi map[string]any, now time.Time, ds *Diagnostics) models.BasicInfo {
	required := []string{"name", "grade", "submission_date"}
	if desc != nil {
		required = desc.RequiredBasicInfo
	}
	for _, k := range required {
		if str(bi, k) == "" {
			ds.add("basic_info."+k, "%s不能为空", label(k))
		}
	}

	info := models.BasicInfo{
		Name:         str(bi, "name"),
		Grade:        str(bi, "grade"),
		Gender:       str(bi, "gender"),
		School:       str(bi, "school"),
		ClassName:    str(bi, "class_name"),
		ParentPhone:  str(bi, "parent_phone"),
		ParentWechat: str(bi, "parent_wechat"),
		ParentEmail:  str(bi, "parent_email"),
		SchoolName:   str(bi, "school_name"),
		Address:      str(bi, "address"),
		FillerName:   str(bi, "filler_name"),
	}

	if info.Name != "" {
		if utf8.RuneCountInString(info.Name) > maxNameRunes {
			ds.add("basic_info.name", "姓名长度不能超过%d个字符", maxNameRunes)
		}
		if !namePattern.MatchString(info.Name) {
			ds.add("basic_info.name", "姓名只能包含中文、英文字母、空格和·")
		}
	}
	if utf8.RuneCountInString(info.Grade) > maxGradeRunes {
		ds.add("basic_info.grade", "年级长度不能超过%d个字符", maxGradeRunes)
	}

	if v, ok := bi["age"]; ok && v != nil && str(bi, "age") != "" {
		f, isInt := integral(v)
		if !isInt || f < 0 || f > maxAge {
			ds.add("basic_info.age", "年龄必须是0到%d之间的整数", maxAge)
		} else {
			age := int(f)
			info.Age = &age
		}
	}

	dates := map[string]time.Time{}
	today := now.Format("2006-01-02")
	for _, k := range dateFields {
		s := str(bi, k)
		if s == "" {
			continue
		}
		t, ok := ParseDate(s)
		if !ok {
			ds.add("basic_info."+k, "%s格式不正确", label(k))
			continue
		}
		day := t.Format("2006-01-02")
		if (k == "submission_date" || k == "birth_date") && day > today {
			ds.add("basic_info."+k, "%s不能晚于今天", label(k))
		}
		dates[k] = t
		switch k {
		case "submission_date":
			info.SubmissionDate = day
		case "birth_date":
			info.BirthDate = day
		case "admission_date":
			info.AdmissionDate = day
		case "fill_date":
			info.FillDate = day
		}
	}
	if birth, ok := dates["birth_date"]; ok && info.Age != nil {
		if diff := yearsBetween(birth, now) - *info.Age; diff > 1 || diff < -1 {
			ds.add("basic_info.age", "年龄与出生日期不一致")
		}
	}

	if info.Gender != "" && info.Gender != "男" && info.Gender != "女" {
		ds.add("basic_info.gender", "性别只能是男或女")
	}
	if info.ParentPhone != "" && !ValidPhone(info.ParentPhone) {
		ds.add("basic_info.parent_phone", "家长电话格式不正确")
	}
	if info.ParentEmail != "" && !ValidEmail(info.ParentEmail) {
		ds.add("basic_info.parent_email", "家长邮箱格式不正确")
	}
	return info
}

func yearsBetween(birth, now time.Time) int {
	years := now.Year() - birth.Year()
	if now.YearDay() < birth.YearDay() {
		years--
	}
	return years
}

func (r *Registry) validateQuestions(desc *TypeDescriptor, qs []any, ds *Diagnostics) []models.Question {
	out := make([]models.Question, 0, len(qs))
	firstByID := map[int]int{}
	for i, item := range qs {
		prefix := fmt.Sprintf("questions.%d", i)
		m, ok := item.(map[string]any)
		if !ok {
			ds.add(prefix, "题目必须是对象")
			continue
		}

		idOK := false
		id, isInt := integral(m["id"])
		switch {
		case !isInt:
			ds.add(prefix+".id", "题目编号必须是整数")
		case id < 1 || id > maxQuestionID:
			ds.add(prefix+".id", "题目编号必须在1到%d之间", maxQuestionID)
		default:
			idOK = true
			if first, dup := firstByID[int(id)]; dup {
				ds.add(prefix+".id", "题目编号 %d 与第%d题重复", int(id), first+1)
			} else {
				firstByID[int(id)] = i
			}
		}

		text, _ := m["question"].(string)
		switch n := utf8.RuneCountInString(text); {
		case strings.TrimSpace(text) == "":
			ds.add(prefix+".question", "题目内容不能为空")
		case n > maxQuestionRunes:
			ds.add(prefix+".question", "题目内容不能超过%d个字符", maxQuestionRunes)
		}

		declared, _ := m["type"].(string)
		h, err := r.HandlerFor(declared)
		if err != nil {
			ds.add(prefix+".type", "不支持的题目类型 %q", declared)
			continue
		}
		if desc != nil && !desc.AllowsKind(h.Kind()) {
			ds.add(prefix+".type", "该问卷不允许%s类题目", h.Kind())
			continue
		}
		if h.Kind() == models.KindRating && !ratingIntegral(m, prefix, ds) {
			continue
		}
		if !idOK {
			continue
		}

		q, err := decodeQuestion(m)
		if err != nil {
			ds.add(prefix, "题目格式无效: %v", err)
			continue
		}

		var rules Rules
		var section *SectionSpec
		if desc != nil && desc.Recipe == RecipeSections {
			s, found := desc.Section(q.Section)
			switch {
			case q.Section == "":
				ds.add(prefix+".section", "题目必须属于一个分区")
			case !found:
				ds.add(prefix+".section", "未知的分区 %s", q.Section)
			default:
				section = s
				rules.AllowEmpty = s.AllowEmpty
			}
		}
		ds.merge(prefix, h.Validate(q, rules))
		if section != nil && h.Answered(q) {
			if v, ok := h.Value(q); ok && (v < section.MinScore || v > section.MaxScore) {
				ds.add(prefix, "分区 %s 的题目得分 %v 超出范围 [%v, %v]", section.Name, v, section.MinScore, section.MaxScore)
			}
		}
		out = append(out, *q)
	}
	return out
}

func ratingIntegral(m map[string]any, prefix string, ds *Diagnostics) bool {
	ok := true
	for _, k := range []string{"rating", "min_rating", "max_rating"} {
		v, present := m[k]
		if !present || v == nil {
			continue
		}
		if _, isInt := integral(v); !isInt {
			ds.add(prefix+"."+k, "评分必须是整数")
			ok = false
		}
	}
	return ok
}

func decodeQuestion(m map[string]any) (*models.Question, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var q models.Question
	if err := json.Unmarshal(b, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

func validateTypeRules(desc *TypeDescriptor, raw []any, questions []models.Question, stats map[string]any, ds *Diagnostics) {
	if raw != nil && len(raw) < desc.MinQuestions {
		ds.add("questions", "题目数量不能少于%d个", desc.MinQuestions)
	}
	if desc.Recipe == RecipeSections {
		present := map[string]bool{}
		for _, q := range questions {
			present[q.Section] = true
		}
		for _, s := range desc.Sections {
			if !present[s.Name] {
				ds.add("questions", "缺少分区 %s 的题目", s.Name)
			}
		}
	}

	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !desc.AllowsStatistic(k) {
			ds.add("statistics."+k, "不允许的统计字段")
		}
	}
	if v, ok := stats["completion_rate"]; ok && v != nil {
		f, err := cast.ToFloat64E(v)
		if err != nil || f < 0 || f > 100 {
			ds.add("statistics.completion_rate", "完成率必须在0到100之间")
		}
	}
	if v, ok := stats["age_group"]; ok && v != nil && desc.AllowsStatistic("age_group") {
		groups := desc.AgeGroups()
		if !containsString(groups, cast.ToString(v)) {
			ds.add("statistics.age_group", "年龄组只能是 %s", strings.Join(groups, "、"))
		}
	}
	if v, ok := stats["risk_level"]; ok && v != nil && desc.AllowsStatistic("risk_level") {
		if !riskLevels[cast.ToString(v)] {
			ds.add("statistics.risk_level", "风险等级只能是 low、mid 或 high")
		}
	}
}
