package ruletable

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	domain "github.com/voltvault/api/internal/domain"
	"github.com/voltvault/api/internal/platform/textutil"
)

const (
	defaultMajorCityDays     = 2
	defaultDomesticDays      = 3
	defaultInternationalDays = 7
)

var (
	defaultDomesticCountries = []string{"TR", "Türkiye", "Turkey"}
	defaultMajorCities       = []string{"İstanbul", "Ankara", "İzmir"}
)

// ErrInvalidTable is returned when a rule table document cannot be accepted.
var ErrInvalidTable = errors.New("ruletable: invalid table")

// TableError lists every problem found while parsing a rule table document.
type TableError struct {
	problems []string
}

// Error implements the error interface.
func (e *TableError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidTable.Error(), strings.Join(e.problems, "; "))
}

// Is reports ErrInvalidTable equivalence for errors.Is.
func (e *TableError) Is(target error) bool {
	return target == ErrInvalidTable
}

// Problems returns a copy of the recorded problems.
func (e *TableError) Problems() []string {
	out := make([]string, len(e.problems))
	copy(out, e.problems)
	return out
}

type document struct {
	Version  string           `yaml:"version"`
	Delivery deliveryDocument `yaml:"delivery"`
	Rules    []ruleDocument   `yaml:"rules"`
}

type deliveryDocument struct {
	DomesticCountries []string `yaml:"domesticCountries"`
	MajorCities       []string `yaml:"majorCities"`
	MajorCityDays     *int     `yaml:"majorCityDays"`
	DomesticDays      *int     `yaml:"domesticDays"`
	InternationalDays *int     `yaml:"internationalDays"`
}

type ruleDocument struct {
	ID         string            `yaml:"id"`
	Name       string            `yaml:"name"`
	Priority   int               `yaml:"priority"`
	Conditions conditionDocument `yaml:"conditions"`
	Cost       costDocument      `yaml:"cost"`
	Carriers   []string          `yaml:"carriers"`
}

type conditionDocument struct {
	WeightMin   *int     `yaml:"weightMin"`
	WeightMax   *int     `yaml:"weightMax"`
	VolumeMin   *int     `yaml:"volumeMin"`
	VolumeMax   *int     `yaml:"volumeMax"`
	CategoryIDs []string `yaml:"categoryIds"`
	IsDangerous *bool    `yaml:"isDangerous"`
	IsFragile   *bool    `yaml:"isFragile"`
}

type costDocument struct {
	Base          string  `yaml:"base"`
	PerKg         *string `yaml:"perKg"`
	PerVolume     *string `yaml:"perVolume"`
	FreeThreshold *string `yaml:"freeThreshold"`
}

// Parse decodes a YAML (or JSON) rule table document and returns the immutable, priority sorted table.
func Parse(data []byte) (*Table, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidTable, err)
	}

	var problems []string
	addProblem := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if len(doc.Rules) == 0 {
		addProblem("at least one rule is required")
	}

	rules := make([]domain.ShippingRule, 0, len(doc.Rules))
	seen := make(map[string]struct{}, len(doc.Rules))
	for idx, raw := range doc.Rules {
		id := strings.TrimSpace(raw.ID)
		label := id
		if label == "" {
			label = fmt.Sprintf("#%d", idx)
			addProblem("rule %s: id is required", label)
		} else if _, dup := seen[id]; dup {
			addProblem("rule %s: duplicate id", label)
		}
		seen[id] = struct{}{}

		rule := domain.ShippingRule{
			ID:       id,
			Name:     strings.TrimSpace(raw.Name),
			Priority: raw.Priority,
			Carriers: trimAll(raw.Carriers),
		}
		if rule.Name == "" {
			rule.Name = id
		}

		cond := raw.Conditions
		checkRange(label, "weight", cond.WeightMin, cond.WeightMax, addProblem)
		checkRange(label, "volume", cond.VolumeMin, cond.VolumeMax, addProblem)
		rule.Conditions = domain.RuleConditions{
			WeightMin:   cond.WeightMin,
			WeightMax:   cond.WeightMax,
			VolumeMin:   cond.VolumeMin,
			VolumeMax:   cond.VolumeMax,
			CategoryIDs: trimAll(cond.CategoryIDs),
			IsDangerous: cond.IsDangerous,
			IsFragile:   cond.IsFragile,
		}

		base, err := parseAmount(raw.Cost.Base, true)
		if err != nil {
			addProblem("rule %s: cost.base %v", label, err)
		}
		rule.Cost.Base = base
		rule.Cost.PerKg = parseOptionalAmount(label, "cost.perKg", raw.Cost.PerKg, addProblem)
		rule.Cost.PerVolume = parseOptionalAmount(label, "cost.perVolume", raw.Cost.PerVolume, addProblem)
		rule.Cost.FreeThreshold = parseOptionalAmount(label, "cost.freeThreshold", raw.Cost.FreeThreshold, addProblem)

		rules = append(rules, rule)
	}

	delivery := domain.DeliveryPolicy{
		DomesticCountries: trimAll(doc.Delivery.DomesticCountries),
		MajorCities:       trimAll(doc.Delivery.MajorCities),
		MajorCityDays:     intOrDefault(doc.Delivery.MajorCityDays, defaultMajorCityDays),
		DomesticDays:      intOrDefault(doc.Delivery.DomesticDays, defaultDomesticDays),
		InternationalDays: intOrDefault(doc.Delivery.InternationalDays, defaultInternationalDays),
	}
	if len(delivery.DomesticCountries) == 0 {
		delivery.DomesticCountries = append([]string(nil), defaultDomesticCountries...)
	}
	if doc.Delivery.MajorCities == nil {
		delivery.MajorCities = append([]string(nil), defaultMajorCities...)
	}
	if delivery.MajorCityDays <= 0 || delivery.DomesticDays <= 0 || delivery.InternationalDays <= 0 {
		addProblem("delivery: day estimates must be positive")
	}

	if len(problems) > 0 {
		return nil, &TableError{problems: problems}
	}

	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})

	return &Table{
		version:     strings.TrimSpace(doc.Version),
		rules:       rules,
		delivery:    delivery,
		domestic:    textutil.FoldSet(delivery.DomesticCountries),
		majorCities: textutil.FoldSet(delivery.MajorCities),
	}, nil
}

func checkRange(label, name string, lo, hi *int, addProblem func(string, ...any)) {
	if lo != nil && *lo < 0 {
		addProblem("rule %s: %sMin must be >= 0", label, name)
	}
	if hi != nil && *hi < 0 {
		addProblem("rule %s: %sMax must be >= 0", label, name)
	}
	if lo != nil && hi != nil && *lo > *hi {
		addProblem("rule %s: %sMin %d exceeds %sMax %d", label, name, *lo, name, *hi)
	}
}

func parseOptionalAmount(label, field string, raw *string, addProblem func(string, ...any)) *decimal.Decimal {
	if raw == nil {
		return nil
	}
	value, err := parseAmount(*raw, false)
	if err != nil {
		addProblem("rule %s: %s %v", label, field, err)
		return nil
	}
	return &value
}

func parseAmount(raw string, allowEmpty bool) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		if allowEmpty {
			return decimal.Zero, nil
		}
		return decimal.Zero, errors.New("is empty")
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("is not a decimal: %q", trimmed)
	}
	if value.IsNegative() {
		return decimal.Zero, fmt.Errorf("must be >= 0, got %s", value.String())
	}
	return value, nil
}

func intOrDefault(value *int, fallback int) int {
	if value == nil {
		return fallback
	}
	return *value
}

func trimAll(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
