package ruletable

import (
	"time"

	domain "github.com/voltvault/api/internal/domain"
	"github.com/voltvault/api/internal/platform/textutil"
)

// Table is an immutable, priority sorted snapshot of the shipping rules. Reloads replace the whole
// table; a Table value is never modified after Parse returns it.
type Table struct {
	version     string
	rules       []domain.ShippingRule
	delivery    domain.DeliveryPolicy
	domestic    map[string]struct{}
	majorCities map[string]struct{}
	source      string
	loadedAt    time.Time
}

// Version returns the version label declared by the table document.
func (t *Table) Version() string {
	if t == nil {
		return ""
	}
	return t.version
}

// Source names where the table was loaded from.
func (t *Table) Source() string {
	if t == nil {
		return ""
	}
	return t.source
}

// LoadedAt returns when the table was loaded.
func (t *Table) LoadedAt() time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.loadedAt
}

// Rules returns the rules in evaluation order. The slice is a copy; rule values must not be mutated.
func (t *Table) Rules() []domain.ShippingRule {
	if t == nil {
		return nil
	}
	out := make([]domain.ShippingRule, len(t.rules))
	copy(out, t.rules)
	return out
}

// Len returns the number of rules.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.rules)
}

// Delivery returns the delivery-day policy.
func (t *Table) Delivery() domain.DeliveryPolicy {
	if t == nil {
		return domain.DeliveryPolicy{}
	}
	return t.delivery
}

// IsDomestic reports whether the country is one of the configured domestic countries.
func (t *Table) IsDomestic(country string) bool {
	if t == nil {
		return false
	}
	_, ok := t.domestic[textutil.FoldKey(country)]
	return ok
}

// IsMajorCity reports whether the city is one of the configured major cities.
func (t *Table) IsMajorCity(city string) bool {
	if t == nil {
		return false
	}
	_, ok := t.majorCities[textutil.FoldKey(city)]
	return ok
}

// HasCatchAll reports whether at least one rule has no conditions and therefore matches every cart.
func (t *Table) HasCatchAll() bool {
	if t == nil {
		return false
	}
	for _, rule := range t.rules {
		if rule.Conditions.IsEmpty() {
			return true
		}
	}
	return false
}

func (t *Table) withOrigin(source string, loadedAt time.Time) *Table {
	clone := *t
	clone.source = source
	clone.loadedAt = loadedAt.UTC()
	return &clone
}
