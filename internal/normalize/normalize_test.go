package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/account-aggregator/internal/model"
)

func TestNew(t *testing.T) {
	n, err := New(DefaultSubunits())
	require.NoError(t, err)

	f, ok := n.Factor("usc")
	assert.True(t, ok)
	assert.Equal(t, int64(100), f)
	assert.Equal(t, "USD", n.Parent("USC"))
	assert.Equal(t, "USD", n.Parent("USD"))

	_, ok = n.Factor("USD")
	assert.False(t, ok)
}

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		name     string
		subunits []Subunit
	}{
		{"missing code", []Subunit{{Parent: "USD"}}},
		{"unknown parent", []Subunit{{Code: "XXC", Parent: "NOPE"}}},
		{"factor one", []Subunit{{Code: "ABC", Parent: "USD", Factor: 1}}},
		{"duplicate", []Subunit{{Code: "USC", Parent: "USD"}, {Code: "usc", Parent: "USD"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.subunits)
			assert.Error(t, err)
		})
	}
}

func TestNew_ExplicitFactor(t *testing.T) {
	n, err := New([]Subunit{{Code: "MIL", Factor: 1000}})
	require.NoError(t, err)

	out := n.Values("MIL", map[string]float64{"balance": 2500})
	assert.InDelta(t, 2.5, out["balance"], 1e-12)
}

func TestValues(t *testing.T) {
	n := MustDefault()

	raw := map[string]float64{
		"balance":        150000,
		"equity":         149999,
		"leverage":       500,
		"margin_level":   250.5,
		"profit_percent": 12.5,
		"drawdown_pct":   3,
		"updated_at":     1700000000000,
		"bonus_points":   1000, // unknown: divided
	}

	out := n.Values("USC", raw)

	assert.InDelta(t, 1500.0, out["balance"], 1e-9)
	assert.InDelta(t, 1499.99, out["equity"], 1e-9)
	assert.Equal(t, 500.0, out["leverage"])
	assert.Equal(t, 250.5, out["margin_level"])
	assert.Equal(t, 12.5, out["profit_percent"])
	assert.Equal(t, 3.0, out["drawdown_pct"])
	assert.Equal(t, 1700000000000.0, out["updated_at"])
	assert.InDelta(t, 10.0, out["bonus_points"], 1e-9)

	// Input untouched.
	assert.Equal(t, 150000.0, raw["balance"])
}

func TestValues_NonSubunitCopies(t *testing.T) {
	n := MustDefault()
	raw := map[string]float64{"balance": 100}

	out := n.Values("USD", raw)
	assert.Equal(t, raw, out)

	out["balance"] = 5
	assert.Equal(t, 100.0, raw["balance"])
}

func TestAccount(t *testing.T) {
	n := MustDefault()

	acc := n.Account(model.RawAccount{
		Login:     "2001",
		Currency:  "USC",
		UpdatedAt: 42,
		Values:    map[string]float64{"balance": 1000},
	})

	assert.Equal(t, "2001", acc.Login)
	assert.Equal(t, "USC", acc.Currency)
	assert.Equal(t, int64(42), acc.UpdatedAt)
	assert.InDelta(t, 10.0, acc.Value(model.FieldBalance), 1e-9)

	all := n.Accounts([]model.RawAccount{{Login: "a"}, {Login: "b"}})
	assert.Len(t, all, 2)
}

func TestEvent_UsesLookupCurrency(t *testing.T) {
	n := MustDefault()

	// Partial update without a currency: caller supplies the stored one.
	ev := n.Event(model.RawEvent{
		Login:  "3001",
		Kind:   model.EventUpdated,
		Values: map[string]float64{"equity": 500},
	}, "USC")

	assert.Equal(t, "USC", ev.Currency)
	assert.InDelta(t, 5.0, ev.Values["equity"], 1e-9)

	// Event currency wins over the lookup.
	ev = n.Event(model.RawEvent{
		Login:    "3001",
		Kind:     model.EventUpdated,
		Currency: "USD",
		Values:   map[string]float64{"equity": 500},
	}, "USC")
	assert.Equal(t, 500.0, ev.Values["equity"])

	del := n.Event(model.RawEvent{Login: "3001", Kind: model.EventDeleted}, "USC")
	assert.Nil(t, del.Values)
}

func TestExcluded(t *testing.T) {
	for _, name := range []string{"login", "LEVERAGE", "open_time", "win_rate_percent", "percent_change", "group_id"} {
		assert.True(t, Excluded(name), name)
	}
	for _, name := range []string{"balance", "equity", "pnl_daily", "deposit_monthly"} {
		assert.False(t, Excluded(name), name)
	}
}
