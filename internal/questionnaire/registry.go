package questionnaire

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/wlcxs123/prd-system-sub000/internal/models"
)

//go:embed registry.yaml
var registryYAML []byte

var (
	ErrUnknownType         = errors.New("unknown questionnaire type")
	ErrUnknownQuestionType = errors.New("unknown question type")
)

// Recipe selects how the processor aggregates question results.
type Recipe string

const (
	RecipeTotal    Recipe = "total"
	RecipeSections Recipe = "sections"
)

type SectionSpec struct {
	Name       string  `yaml:"name"`
	Key        string  `yaml:"key"`
	MinScore   float64 `yaml:"min_score"`
	MaxScore   float64 `yaml:"max_score"`
	AllowEmpty bool    `yaml:"allow_empty"`
}

type Combo struct {
	Key      string   `yaml:"key"`
	Sections []string `yaml:"sections"`
}

type AgeRange struct {
	Name   string `yaml:"name"`
	MinAge int    `yaml:"min_age"`
	MaxAge int    `yaml:"max_age"`
}

// RiskSpec maps a section total to a coarse risk label through an
// age-indexed threshold table.
type RiskSpec struct {
	Section    string             `yaml:"section"`
	MidBand    float64            `yaml:"mid_band"`
	Thresholds map[string]float64 `yaml:"thresholds"`
	AgeGroups  []AgeRange         `yaml:"age_groups"`
}

// TypeDescriptor is the static description of one questionnaire type.
type TypeDescriptor struct {
	Name              string                `yaml:"-" json:"name"`
	DisplayName       string                `yaml:"display_name" json:"display_name"`
	RequiredBasicInfo []string              `yaml:"required_basic_info" json:"required_basic_info"`
	OptionalBasicInfo []string              `yaml:"optional_basic_info" json:"optional_basic_info"`
	QuestionKinds     []models.QuestionKind `yaml:"question_kinds" json:"question_kinds"`
	Recipe            Recipe                `yaml:"recipe" json:"recipe"`
	Sections          []SectionSpec         `yaml:"sections" json:"sections,omitempty"`
	Combos            []Combo               `yaml:"combos" json:"-"`
	Risk              *RiskSpec             `yaml:"risk" json:"-"`
	Statistics        []string              `yaml:"statistics" json:"statistics"`
	MinQuestions      int                   `yaml:"min_questions" json:"min_questions"`
}

// Section returns the section named name.
func (d *TypeDescriptor) Section(name string) (*SectionSpec, bool) {
	for i := range d.Sections {
		if d.Sections[i].Name == name {
			return &d.Sections[i], true
		}
	}
	return nil, false
}

// AllowsKind reports whether questions of kind k may appear in this type.
func (d *TypeDescriptor) AllowsKind(k models.QuestionKind) bool {
	for _, allowed := range d.QuestionKinds {
		if allowed == k {
			return true
		}
	}
	return false
}

// AllowsStatistic reports whether key is in the statistics whitelist.
func (d *TypeDescriptor) AllowsStatistic(key string) bool {
	for _, s := range d.Statistics {
		if s == key {
			return true
		}
	}
	return false
}

// AgeGroups lists the configured age group names, empty without a risk recipe.
func (d *TypeDescriptor) AgeGroups() []string {
	if d.Risk == nil {
		return nil
	}
	out := make([]string, 0, len(d.Risk.AgeGroups))
	for _, g := range d.Risk.AgeGroups {
		out = append(out, g.Name)
	}
	return out
}

// AgeGroupFor returns the first age group whose range contains age.
func (d *TypeDescriptor) AgeGroupFor(age int) (string, bool) {
	if d.Risk == nil {
		return "", false
	}
	for _, g := range d.Risk.AgeGroups {
		if age >= g.MinAge && age <= g.MaxAge {
			return g.Name, true
		}
	}
	return "", false
}

// RiskLevel classifies value against the threshold of group:
// value >= t is high, t-midBand <= value < t is mid, anything lower is low.
func (d *TypeDescriptor) RiskLevel(group string, value float64) (string, bool) {
	if d.Risk == nil {
		return "", false
	}
	t, ok := d.Risk.Thresholds[group]
	if !ok {
		return "", false
	}
	switch {
	case value >= t:
		return "high", true
	case value >= t-d.Risk.MidBand:
		return "mid", true
	default:
		return "low", true
	}
}

// Registry holds every accepted questionnaire type and the handler
// dispatch table. It is immutable after Load.
type Registry struct {
	Version  int
	types    map[string]*TypeDescriptor
	order    []string
	handlers map[models.QuestionKind]Handler
}

type registryDoc struct {
	Version  int `yaml:"version"`
	Defaults struct {
		MinQuestions int `yaml:"min_questions"`
	} `yaml:"defaults"`
	Common map[string]any              `yaml:"common"`
	Types  map[string]*TypeDescriptor `yaml:"types"`
}

// Load parses a registry document. Unknown fields are rejected.
func Load(data []byte) (*Registry, error) {
	var doc registryDoc
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	if len(doc.Types) == 0 {
		return nil, errors.New("registry declares no types")
	}
	if doc.Defaults.MinQuestions <= 0 {
		doc.Defaults.MinQuestions = 1
	}
	reg := &Registry{
		Version: doc.Version,
		types:   make(map[string]*TypeDescriptor, len(doc.Types)),
		handlers: map[models.QuestionKind]Handler{
			models.KindChoice: choiceHandler{},
			models.KindText:   textHandler{},
			models.KindRating: ratingHandler{},
		},
	}
	for name, d := range doc.Types {
		if d == nil {
			return nil, fmt.Errorf("type %s: empty descriptor", name)
		}
		d.Name = strings.ToLower(strings.TrimSpace(name))
		if d.MinQuestions <= 0 {
			d.MinQuestions = doc.Defaults.MinQuestions
		}
		if err := checkDescriptor(d, reg.handlers); err != nil {
			return nil, fmt.Errorf("type %s: %w", name, err)
		}
		reg.types[d.Name] = d
		reg.order = append(reg.order, d.Name)
	}
	sort.Strings(reg.order)
	return reg, nil
}

func checkDescriptor(d *TypeDescriptor, handlers map[models.QuestionKind]Handler) error {
	for _, k := range d.QuestionKinds {
		if _, ok := handlers[k]; !ok {
			return fmt.Errorf("question kind %q has no handler", k)
		}
	}
	switch d.Recipe {
	case RecipeTotal:
		if !containsString(d.Statistics, "total_score") {
			return errors.New("recipe total needs total_score in statistics")
		}
	case RecipeSections:
		if len(d.Sections) == 0 {
			return errors.New("recipe sections needs sections")
		}
		for _, s := range d.Sections {
			if s.Key == "" || !containsString(d.Statistics, s.Key) {
				return fmt.Errorf("section %s: key %q not in statistics", s.Name, s.Key)
			}
			if s.MinScore > s.MaxScore {
				return fmt.Errorf("section %s: min_score above max_score", s.Name)
			}
		}
		for _, c := range d.Combos {
			for _, s := range c.Sections {
				if _, ok := d.Section(s); !ok {
					return fmt.Errorf("combo %s: unknown section %s", c.Key, s)
				}
			}
		}
	default:
		return fmt.Errorf("unknown recipe %q", d.Recipe)
	}
	if d.Risk != nil {
		if _, ok := d.Section(d.Risk.Section); !ok {
			return fmt.Errorf("risk: unknown section %s", d.Risk.Section)
		}
		for _, g := range d.Risk.AgeGroups {
			if _, ok := d.Risk.Thresholds[g.Name]; !ok {
				return fmt.Errorf("risk: no threshold for age group %s", g.Name)
			}
		}
	}
	return nil
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
)

// Default returns the registry compiled into the binary.
func Default() *Registry {
	defaultOnce.Do(func() {
		reg, err := Load(registryYAML)
		if err != nil {
			panic(err)
		}
		defaultReg = reg
	})
	return defaultReg
}

// Describe returns the descriptor of a registered type. Lookup is
// case-insensitive; anything unregistered fails closed.
func (r *Registry) Describe(typ string) (*TypeDescriptor, error) {
	d, ok := r.types[strings.ToLower(strings.TrimSpace(typ))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	return d, nil
}

// Types lists registered type identifiers in sorted order.
func (r *Registry) Types() []string {
	return append([]string(nil), r.order...)
}

// Descriptors returns every descriptor in Types order.
func (r *Registry) Descriptors() []*TypeDescriptor {
	out := make([]*TypeDescriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.types[name])
	}
	return out
}

// HandlerFor resolves a declared question type to its handler.
func (r *Registry) HandlerFor(questionType string) (Handler, error) {
	kind, ok := models.KindOf(questionType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownQuestionType, questionType)
	}
	return r.handlers[kind], nil
}

func (r *Registry) handler(kind models.QuestionKind) Handler { return r.handlers[kind] }

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
