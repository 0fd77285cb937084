package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cast"
)

// Record is a questionnaire submission in canonical form.
type Record struct {
	ID         int64
	Type       string
	BasicInfo  BasicInfo
	Questions  []Question
	Statistics Statistics
	// Extra keeps unknown top-level payload keys (accepted by merge updates).
	Extra     map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BasicInfo holds the respondent block. Contact fields are mirrored to
// dedicated columns by the store.
type BasicInfo struct {
	Name           string `json:"name"`
	Grade          string `json:"grade"`
	SubmissionDate string `json:"submission_date"`
	Age            *int   `json:"age,omitempty"`
	Gender         string `json:"gender,omitempty"`
	BirthDate      string `json:"birth_date,omitempty"`
	School         string `json:"school,omitempty"`
	ClassName      string `json:"class_name,omitempty"`
	ParentPhone    string `json:"parent_phone,omitempty"`
	ParentWechat   string `json:"parent_wechat,omitempty"`
	ParentEmail    string `json:"parent_email,omitempty"`
	SchoolName     string `json:"school_name,omitempty"`
	AdmissionDate  string `json:"admission_date,omitempty"`
	Address        string `json:"address,omitempty"`
	FillerName     string `json:"filler_name,omitempty"`
	FillDate       string `json:"fill_date,omitempty"`
}

// Statistics is keyed by the names the registry whitelists for a type.
// Numbers are always float64 so a stored payload decodes to the same value.
type Statistics map[string]any

func (s Statistics) Float(key string) (float64, bool) {
	v, ok := s[key]
	if !ok || v == nil {
		return 0, false
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, false
	}
	return f, true
}

func (s Statistics) String(key string) string {
	v, ok := s[key]
	if !ok || v == nil {
		return ""
	}
	return cast.ToString(v)
}

type payloadView struct {
	Type       string     `json:"type"`
	BasicInfo  BasicInfo  `json:"basic_info"`
	Questions  []Question `json:"questions"`
	Statistics Statistics `json:"statistics"`
}

var payloadKeys = map[string]struct{}{"type": {}, "basic_info": {}, "questions": {}, "statistics": {}}

// PayloadJSON renders the canonical payload stored in payload_json: the
// questionnaire itself plus any extra top-level keys, without store metadata.
func (r *Record) PayloadJSON() ([]byte, error) {
	m, err := r.payloadMap()
	if err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// PayloadMap is PayloadJSON decoded into a generic map, the shape merge
// patches are applied to.
func (r *Record) PayloadMap() (map[string]any, error) {
	b, err := r.PayloadJSON()
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Record) payloadMap() (map[string]json.RawMessage, error) {
	questions := r.Questions
	if questions == nil {
		questions = []Question{}
	}
	stats := r.Statistics
	if stats == nil {
		stats = Statistics{}
	}
	b, err := json.Marshal(payloadView{Type: r.Type, BasicInfo: r.BasicInfo, Questions: questions, Statistics: stats})
	if err != nil {
		return nil, err
	}
	m := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	for k, v := range r.Extra {
		if _, taken := m[k]; taken {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode extra key %q: %w", k, err)
		}
		m[k] = raw
	}
	return m, nil
}

// DecodePayload is the inverse of PayloadJSON.
func DecodePayload(b []byte) (*Record, error) {
	var view payloadView
	if err := json.Unmarshal(b, &view); err != nil {
		return nil, err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(b, &all); err != nil {
		return nil, err
	}
	rec := &Record{Type: view.Type, BasicInfo: view.BasicInfo, Questions: view.Questions, Statistics: view.Statistics}
	for k, raw := range all {
		if _, known := payloadKeys[k]; known {
			continue
		}
		var v any
		dec := json.NewDecoder(bytes.NewReader(raw))
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("decode extra key %q: %w", k, err)
		}
		if rec.Extra == nil {
			rec.Extra = map[string]any{}
		}
		rec.Extra[k] = v
	}
	if rec.Statistics == nil {
		rec.Statistics = Statistics{}
	}
	return rec, nil
}

// MarshalJSON renders the record as returned to clients: payload fields plus
// id and timestamps.
func (r Record) MarshalJSON() ([]byte, error) {
	m, err := r.payloadMap()
	if err != nil {
		return nil, err
	}
	for k, v := range map[string]any{"id": r.ID, "created_at": r.CreatedAt, "updated_at": r.UpdatedAt} {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		m[k] = raw
	}
	return json.Marshal(m)
}

// Role of an authenticated user.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

func (r Role) Valid() bool { return r == RoleAdmin || r == RoleUser }

// User is an administrative account. PasswordHash never leaves the server.
type User struct {
	ID           int64      `json:"id"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"-"`
	Role         Role       `json:"role"`
	CreatedAt    time.Time  `json:"created_at"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
}

// ListFilter selects questionnaires for List and Export.
type ListFilter struct {
	Search    string
	Type      string
	Grade     string
	DateFrom  string
	DateTo    string
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

// Page is one page of a listing.
type Page[T any] struct {
	Items []T   `json:"items"`
	Total int64 `json:"total"`
	Page  int   `json:"page"`
	Pages int   `json:"pages"`
}

// NewPage fills in the page count.
func NewPage[T any](items []T, total int64, page, size int) *Page[T] {
	if items == nil {
		items = []T{}
	}
	pages := 0
	if size > 0 {
		pages = int((total + int64(size) - 1) / int64(size))
	}
	return &Page[T]{Items: items, Total: total, Page: page, Pages: pages}
}
