// Package normalize rescales currency-subunit account values to their parent
// currency before they reach the Store or the Aggregator.
//
// Normalization is the only way to turn a model.RawAccount or model.RawEvent
// into its normalized counterpart, so a record cannot be divided twice.
package normalize

import (
	"fmt"
	"math"
	"strings"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"

	"github.com/rickgao/account-aggregator/internal/model"
)

// Subunit describes a currency code whose values are quoted in fractions of
// a parent currency (e.g. USC cents of USD).
type Subunit struct {
	Code   string `yaml:"code"`
	Parent string `yaml:"parent"`
	Factor int64  `yaml:"factor"` // 0 = derive from the parent's minor units
}

// DefaultSubunits returns the cent-account currencies seen on the feed.
func DefaultSubunits() []Subunit {
	return []Subunit{
		{Code: "USC", Parent: money.USD},
		{Code: "EUC", Parent: money.EUR},
		{Code: "GBC", Parent: money.GBP},
	}
}

// excludedFields are never divided.
var excludedFields = map[string]struct{}{
	"login":        {},
	"leverage":     {},
	"timestamp":    {},
	"updated_at":   {},
	"registration": {},
	"last_access":  {},
	"margin_level": {},
	"group_id":     {},
}

var excludedSuffixes = []string{"_percent", "_pct", "_time", "_ts", "_id"}

// Normalizer divides monetary fields of subunit-currency accounts.
type Normalizer struct {
	factors map[string]decimal.Decimal
	parents map[string]string
}

// New builds a Normalizer. A subunit whose parent is unknown to go-money and
// that has no explicit factor is rejected.
func New(subunits []Subunit) (*Normalizer, error) {
	n := &Normalizer{
		factors: make(map[string]decimal.Decimal, len(subunits)),
		parents: make(map[string]string, len(subunits)),
	}

	for _, su := range subunits {
		code := strings.ToUpper(su.Code)
		if code == "" {
			return nil, fmt.Errorf("subunit code is required")
		}
		if _, dup := n.factors[code]; dup {
			return nil, fmt.Errorf("duplicate subunit %s", code)
		}

		factor := su.Factor
		if factor == 0 {
			cur := money.GetCurrency(su.Parent)
			if cur == nil {
				return nil, fmt.Errorf("subunit %s: unknown parent currency %q", code, su.Parent)
			}
			factor = int64(math.Pow10(cur.Fraction))
		}
		if factor <= 1 {
			return nil, fmt.Errorf("subunit %s: factor must be > 1, got %d", code, factor)
		}

		n.factors[code] = decimal.NewFromInt(factor)
		n.parents[code] = strings.ToUpper(su.Parent)
	}

	return n, nil
}

// MustDefault returns a Normalizer over DefaultSubunits.
func MustDefault() *Normalizer {
	n, err := New(DefaultSubunits())
	if err != nil {
		panic(err)
	}
	return n
}

// Factor returns the subunit divisor for a currency code.
func (n *Normalizer) Factor(currency string) (int64, bool) {
	f, ok := n.factors[strings.ToUpper(currency)]
	if !ok {
		return 1, false
	}
	return f.IntPart(), true
}

// Parent returns the parent currency for a subunit code, or the code itself.
func (n *Normalizer) Parent(currency string) string {
	if p, ok := n.parents[strings.ToUpper(currency)]; ok {
		return p
	}
	return currency
}

// Values returns a rescaled copy of raw values for the given currency.
func (n *Normalizer) Values(currency string, raw map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(raw))

	factor, ok := n.factors[strings.ToUpper(currency)]
	if !ok {
		for k, v := range raw {
			out[k] = v
		}
		return out
	}

	for k, v := range raw {
		if Excluded(k) {
			out[k] = v
			continue
		}
		out[k], _ = decimal.NewFromFloat(v).Div(factor).Float64()
	}
	return out
}

// Account normalizes a raw account.
func (n *Normalizer) Account(raw model.RawAccount) model.Account {
	return model.Account{
		Login:     raw.Login,
		Currency:  raw.Currency,
		UpdatedAt: raw.UpdatedAt,
		Values:    n.Values(raw.Currency, raw.Values),
	}
}

// Accounts normalizes a raw collection.
func (n *Normalizer) Accounts(raw []model.RawAccount) []model.Account {
	out := make([]model.Account, len(raw))
	for i, r := range raw {
		out[i] = n.Account(r)
	}
	return out
}

// Event normalizes a raw stream event. currency is the effective account
// currency: the event's own when present, otherwise the caller's lookup.
func (n *Normalizer) Event(raw model.RawEvent, currency string) model.UpdateEvent {
	if raw.Currency != "" {
		currency = raw.Currency
	}
	ev := model.UpdateEvent{
		Login:      raw.Login,
		Kind:       raw.Kind,
		Currency:   currency,
		Timestamp:  raw.Timestamp,
		ReceivedAt: raw.ReceivedAt,
	}
	if raw.Values != nil {
		ev.Values = n.Values(currency, raw.Values)
	}
	return ev
}

// Excluded reports whether a field name is never rescaled.
func Excluded(name string) bool {
	name = strings.ToLower(name)
	if _, ok := excludedFields[name]; ok {
		return true
	}
	if strings.HasPrefix(name, "percent") {
		return true
	}
	for _, suffix := range excludedSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}
