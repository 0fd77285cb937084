package services

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cast"

	"github.com/wlcxs123/prd-system-sub000/internal/models"
	"github.com/wlcxs123/prd-system-sub000/internal/questionnaire"
)

type ExportResult struct {
	Filename    string
	ContentType string
	Data        []byte
	Count       int
}

// utf8BOM lets spreadsheet tools detect the encoding of Chinese text.
const utf8BOM = "\ufeff"

var basicColumns = []string{
	"id", "type", "name", "grade", "submission_date", "age", "gender", "birth_date",
	"school", "class_name", "parent_phone", "parent_wechat", "parent_email",
	"school_name", "admission_date", "address", "filler_name", "fill_date",
	"created_at", "updated_at",
}

func basicRow(r *models.Record) []string {
	bi := r.BasicInfo
	age := ""
	if bi.Age != nil {
		age = strconv.Itoa(*bi.Age)
	}
	return []string{
		strconv.FormatInt(r.ID, 10), r.Type, bi.Name, bi.Grade, bi.SubmissionDate, age, bi.Gender, bi.BirthDate,
		bi.School, bi.ClassName, bi.ParentPhone, bi.ParentWechat, bi.ParentEmail,
		bi.SchoolName, bi.AdmissionDate, bi.Address, bi.FillerName, bi.FillDate,
		r.CreatedAt.UTC().Format(time.RFC3339), r.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// ExportRecordsCSV renders one row per record: basic info, then every
// statistics key seen in the set, then one column per question id with the
// handler's display form of the answer.
func ExportRecordsCSV(reg *questionnaire.Registry, recs []*models.Record) ([]byte, error) {
	statSet := map[string]struct{}{}
	idSet := map[int]struct{}{}
	for _, r := range recs {
		for k := range r.Statistics {
			statSet[k] = struct{}{}
		}
		for _, q := range r.Questions {
			idSet[q.ID] = struct{}{}
		}
	}
	stats := make([]string, 0, len(statSet))
	for k := range statSet {
		stats = append(stats, k)
	}
	sort.Strings(stats)
	ids := make([]int, 0, len(idSet))
	for id := range idSet {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	buf := &bytes.Buffer{}
	buf.WriteString(utf8BOM)
	w := csv.NewWriter(buf)
	header := append([]string{}, basicColumns...)
	for _, k := range stats {
		header = append(header, "statistics."+k)
	}
	for _, id := range ids {
		header = append(header, "q"+strconv.Itoa(id))
	}
	_ = w.Write(header)

	for _, r := range recs {
		row := basicRow(r)
		for _, k := range stats {
			v, ok := r.Statistics[k]
			if !ok || v == nil {
				row = append(row, "")
				continue
			}
			row = append(row, cast.ToString(v))
		}
		answers := make(map[int]string, len(r.Questions))
		for i := range r.Questions {
			q := &r.Questions[i]
			h, err := reg.HandlerFor(q.Type)
			if err != nil {
				return nil, err
			}
			answers[q.ID] = h.FormatForDisplay(q)
		}
		for _, id := range ids {
			row = append(row, answers[id])
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// ExportRecordsJSON renders the records as returned by Get.
func ExportRecordsJSON(recs []*models.Record) ([]byte, error) {
	if recs == nil {
		recs = []*models.Record{}
	}
	return json.MarshalIndent(recs, "", "  ")
}
