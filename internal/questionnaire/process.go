package questionnaire

import (
	"fmt"
	"time"

	"github.com/wlcxs123/prd-system-sub000/internal/models"
)

// Process canonicalizes questions and computes the statistics block with
// the default registry.
func Process(rec *models.Record, now time.Time) error { return Default().Process(rec, now) }

// Process canonicalizes every question of a validated record and rebuilds
// its statistics from the type descriptor. Client statistics survive only
// where the descriptor whitelists them and nothing is computed in their place.
func (r *Registry) Process(rec *models.Record, now time.Time) error {
	desc, err := r.Describe(rec.Type)
	if err != nil {
		return err
	}

	stats := models.Statistics{}
	for k, v := range rec.Statistics {
		if desc.AllowsStatistic(k) {
			stats[k] = v
		}
	}

	var score float64
	answered := 0
	sections := map[string]float64{}
	for i := range rec.Questions {
		q := &rec.Questions[i]
		h, err := r.HandlerFor(q.Type)
		if err != nil {
			return fmt.Errorf("question %d: %w", q.ID, err)
		}
		h.Canonicalize(q)
		if !h.Answered(q) {
			continue
		}
		answered++
		score += h.Score(q)
		if v, ok := h.Value(q); ok {
			sections[q.Section] += v
		}
	}

	total := len(rec.Questions)
	stats["total_questions"] = float64(total)
	stats["answered_questions"] = float64(answered)
	rate := 0.0
	if total > 0 {
		rate = round2(float64(answered) / float64(total) * 100)
	}
	stats["completion_rate"] = rate
	if stats.String("submission_time") == "" {
		stats["submission_time"] = now.UTC().Format(time.RFC3339)
	}

	switch desc.Recipe {
	case RecipeTotal:
		stats["total_score"] = round2(score)
	case RecipeSections:
		delete(stats, "total_score")
		for _, s := range desc.Sections {
			stats[s.Key] = round2(sections[s.Name])
		}
		for _, c := range desc.Combos {
			var sum float64
			for _, s := range c.Sections {
				sum += sections[s]
			}
			stats[c.Key] = round2(sum)
		}
		if desc.Risk != nil {
			applyRisk(desc, rec.BasicInfo, stats, sections[desc.Risk.Section], now)
		}
	}
	rec.Statistics = stats
	return nil
}

func applyRisk(desc *TypeDescriptor, info models.BasicInfo, stats models.Statistics, value float64, now time.Time) {
	group := stats.String("age_group")
	if group == "" {
		if age, ok := respondentAge(info, now); ok {
			group, _ = desc.AgeGroupFor(age)
		}
	}
	if group == "" {
		delete(stats, "age_group")
		delete(stats, "risk_level")
		return
	}
	stats["age_group"] = group
	if level, ok := desc.RiskLevel(group, value); ok {
		stats["risk_level"] = level
	} else {
		delete(stats, "risk_level")
	}
}

// ResetDerived strips the statistics a previous Process run derived from
// stored, so merging a patch onto its payload and processing again derives
// them from the merged basic info. An age group survives only when it differs
// from the one stored's own basic info yields at stored.UpdatedAt, which
// means the client supplied it.
func (r *Registry) ResetDerived(payload map[string]any, stored *models.Record) {
	stats, ok := payload["statistics"].(map[string]any)
	if !ok {
		return
	}
	desc, err := r.Describe(stored.Type)
	if err != nil || desc.Risk == nil {
		return
	}
	delete(stats, "risk_level")
	group, ok := stats["age_group"].(string)
	if !ok {
		return
	}
	age, ok := respondentAge(stored.BasicInfo, stored.UpdatedAt)
	if !ok {
		return
	}
	if derived, _ := desc.AgeGroupFor(age); derived == group {
		delete(stats, "age_group")
	}
}

func respondentAge(info models.BasicInfo, now time.Time) (int, bool) {
	if info.Age != nil {
		return *info.Age, true
	}
	if info.BirthDate == "" {
		return 0, false
	}
	birth, ok := ParseDate(info.BirthDate)
	if !ok {
		return 0, false
	}
	return yearsBetween(birth, now), true
}

// Prepare runs normalize, validate and process in order. Diagnostics mean
// the payload was rejected; an error means the registry could not process
// an accepted record.
func (r *Registry) Prepare(raw map[string]any, now time.Time) (*models.Record, Diagnostics, error) {
	rec, ds := r.Validate(r.Normalize(raw), now)
	if len(ds) > 0 {
		return nil, ds, nil
	}
	if err := r.Process(rec, now); err != nil {
		return nil, nil, err
	}
	return rec, nil, nil
}
