package questionnaire

import (
	"fmt"

	"github.com/wlcxs123/prd-system-sub000/internal/models"
)

type ratingHandler struct{}

func (ratingHandler) Kind() models.QuestionKind { return models.KindRating }

func (ratingHandler) Validate(q *models.Question, rules Rules) Diagnostics {
	var ds Diagnostics
	b := q.Rating()
	if b == nil {
		ds.add("", "题目内容与类型不符")
		return ds
	}
	if b.MinRating >= b.MaxRating {
		ds.add("max_rating", "最大评分必须大于最小评分")
		return ds
	}
	if span := b.MaxRating - b.MinRating + 1; len(b.Labels) > 0 && len(b.Labels) != span {
		ds.add("labels", "标签数量应为%d个，实际为%d个", span, len(b.Labels))
	}
	if b.Rating == nil {
		if q.IsRequired && !rules.AllowEmpty {
			ds.add("rating", "必填题目未作答")
		}
		return ds
	}
	if *b.Rating < b.MinRating || *b.Rating > b.MaxRating {
		ds.add("rating", "评分 %d 超出范围 [%d, %d]", *b.Rating, b.MinRating, b.MaxRating)
	}
	return ds
}

func (ratingHandler) Canonicalize(q *models.Question) {
	b := q.Rating()
	if b == nil {
		return
	}
	b.RatingPercentage = 0
	if b.Rating != nil && b.MaxRating > b.MinRating {
		b.RatingPercentage = round2(float64(*b.Rating-b.MinRating) / float64(b.MaxRating-b.MinRating) * 100)
	}
}

func (ratingHandler) FormatForDisplay(q *models.Question) string {
	b := q.Rating()
	if b == nil || b.Rating == nil {
		return ""
	}
	out := fmt.Sprintf("%d/%d", *b.Rating, b.MaxRating)
	if i := *b.Rating - b.MinRating; i >= 0 && i < len(b.Labels) {
		out += " " + b.Labels[i]
	}
	return out
}

func (ratingHandler) Answered(q *models.Question) bool {
	b := q.Rating()
	return b != nil && b.Rating != nil
}

func (ratingHandler) Score(q *models.Question) float64 {
	b := q.Rating()
	if b == nil || b.Rating == nil || b.MaxRating == 0 {
		return 0
	}
	return float64(*b.Rating) / float64(b.MaxRating)
}

func (ratingHandler) Value(q *models.Question) (float64, bool) {
	b := q.Rating()
	if b == nil || b.Rating == nil {
		return 0, false
	}
	return float64(*b.Rating), true
}
