package model

import (
	"math"
	"time"
)

// -----------------------------------------------------------------------------
// Monitored Fields
// -----------------------------------------------------------------------------

// Field identifies one of the numeric account attributes that are summed into
// the portfolio totals.
type Field int

const (
	FieldBalance Field = iota
	FieldCredit
	FieldEquity
	FieldProfit
	FieldFloating
	FieldMargin
	FieldPnLDaily
	FieldPnLWeekly
	FieldPnLMonthly
	FieldDepositDaily
	FieldDepositWeekly
	FieldDepositMonthly
	FieldWithdrawalDaily
	FieldWithdrawalWeekly
	FieldWithdrawalMonthly

	NumFields int = iota
)

var fieldNames = [NumFields]string{
	FieldBalance:           "balance",
	FieldCredit:            "credit",
	FieldEquity:            "equity",
	FieldProfit:            "profit",
	FieldFloating:          "floating",
	FieldMargin:            "margin",
	FieldPnLDaily:          "pnl_daily",
	FieldPnLWeekly:         "pnl_weekly",
	FieldPnLMonthly:        "pnl_monthly",
	FieldDepositDaily:      "deposit_daily",
	FieldDepositWeekly:     "deposit_weekly",
	FieldDepositMonthly:    "deposit_monthly",
	FieldWithdrawalDaily:   "withdrawal_daily",
	FieldWithdrawalWeekly:  "withdrawal_weekly",
	FieldWithdrawalMonthly: "withdrawal_monthly",
}

// Name returns the wire name of the field.
func (f Field) Name() string {
	if f < 0 || int(f) >= NumFields {
		return ""
	}
	return fieldNames[f]
}

func (f Field) String() string { return f.Name() }

// Fields returns all monitored fields in declaration order.
func Fields() []Field {
	out := make([]Field, NumFields)
	for i := range out {
		out[i] = Field(i)
	}
	return out
}

// FieldByName looks up a monitored field by wire name.
func FieldByName(name string) (Field, bool) {
	for i, n := range fieldNames {
		if n == name {
			return Field(i), true
		}
	}
	return 0, false
}

// -----------------------------------------------------------------------------
// Entity Types
// -----------------------------------------------------------------------------

// RawAccount is an account record as delivered by the feed or the bulk
// source, before currency normalization. It never enters the Store.
type RawAccount struct {
	Login     string             // Identity
	Currency  string             // Account currency code (e.g. "USD", "USC")
	UpdatedAt int64              // Source timestamp (ms since epoch)
	Values    map[string]float64 // Numeric attributes keyed by wire name
}

// Account is a normalized account record held by the Store.
type Account struct {
	Login     string
	Currency  string
	UpdatedAt int64 // ms since epoch
	Values    map[string]float64
}

// Value returns a monitored field's value (0 when absent).
func (a *Account) Value(f Field) float64 {
	if a == nil {
		return 0
	}
	return a.Values[f.Name()]
}

// Clone returns a deep copy of the account.
func (a Account) Clone() Account {
	c := a
	c.Values = make(map[string]float64, len(a.Values))
	for k, v := range a.Values {
		c.Values[k] = v
	}
	return c
}

// -----------------------------------------------------------------------------
// Stream Events
// -----------------------------------------------------------------------------

// EventKind classifies an update event.
type EventKind string

const (
	EventAdded   EventKind = "added"
	EventUpdated EventKind = "updated"
	EventDeleted EventKind = "deleted"
)

// RawEvent is a decoded stream event before normalization.
type RawEvent struct {
	Login      string             `json:"login"`
	Kind       EventKind          `json:"kind"`
	Currency   string             `json:"currency,omitempty"` // Empty on partial updates
	Values     map[string]float64 `json:"values,omitempty"`   // Partial or full raw values
	Timestamp  int64              `json:"ts"`                 // Source timestamp (ms)
	ReceivedAt time.Time          `json:"received_at"`
}

// UpdateEvent is a normalized stream event, ready for batching.
type UpdateEvent struct {
	Login      string
	Kind       EventKind
	Currency   string
	Values     map[string]float64
	Timestamp  int64 // ms
	ReceivedAt time.Time
}

// Change is an (old, new) pair produced by applying one event to the Store.
// Old is nil for an insert and New is nil for a delete.
type Change struct {
	Old *Account
	New *Account
}

// -----------------------------------------------------------------------------
// Aggregates
// -----------------------------------------------------------------------------

// Stats holds running sums of every monitored field plus the entity count.
type Stats struct {
	Sums      [NumFields]float64
	Count     int
	UpdatedAt time.Time
}

// Sum returns the running sum for a field.
func (s Stats) Sum(f Field) float64 { return s.Sums[f] }

// AddAccount adds an account's monitored values (and one to the count).
func (s *Stats) AddAccount(a *Account) {
	for i := 0; i < NumFields; i++ {
		s.Sums[i] += a.Value(Field(i))
	}
	s.Count++
}

// Diff returns other - s per field, and the count difference.
func (s Stats) Diff(other Stats) (deltas [NumFields]float64, count int) {
	for i := 0; i < NumFields; i++ {
		deltas[i] = other.Sums[i] - s.Sums[i]
	}
	return deltas, other.Count - s.Count
}

// Equal reports whether both stats agree within eps on every field and
// exactly on the count.
func (s Stats) Equal(other Stats, eps float64) bool {
	if s.Count != other.Count {
		return false
	}
	for i := 0; i < NumFields; i++ {
		if math.Abs(s.Sums[i]-other.Sums[i]) > eps {
			return false
		}
	}
	return true
}

// Map returns the sums keyed by wire name.
func (s Stats) Map() map[string]float64 {
	out := make(map[string]float64, NumFields)
	for i := 0; i < NumFields; i++ {
		out[fieldNames[i]] = s.Sums[i]
	}
	return out
}

// DriftSource tags where a drift report came from.
type DriftSource string

const (
	DriftPeriodic DriftSource = "periodic"
	DriftOnDemand DriftSource = "on-demand"
)

// DriftReport records the difference between two Stats snapshots.
type DriftReport struct {
	ID          string             `json:"id"`
	Timestamp   time.Time          `json:"timestamp"`
	Source      DriftSource        `json:"source"`
	Deltas      map[string]float64 `json:"deltas"`       // reference - local, per field
	CountDelta  int                `json:"count_delta"`  // reference count - local count
	EntityCount int                `json:"entity_count"` // Entities in the reference set
	Drifted     bool               `json:"drifted"`      // Any delta beyond epsilon
	Applied     bool               `json:"applied"`      // Local state replaced by reference
}
