package store

import (
	"sync"

	"github.com/rickgao/account-aggregator/internal/model"
)

// volatileFields are compared to decide whether a bulk snapshot changes anything.
var volatileFields = []model.Field{
	model.FieldBalance,
	model.FieldEquity,
	model.FieldProfit,
	model.FieldFloating,
}

// RescaleFunc converts source-unit values to normalized values for a currency.
type RescaleFunc func(currency string, raw map[string]float64) map[string]float64

// Option configures a Store.
type Option func(*Store)

// WithRescale sets the function used to normalize values that were applied
// while an account's currency was still unknown.
func WithRescale(fn RescaleFunc) Option {
	return func(s *Store) {
		s.rescale = fn
	}
}

// Store is the identity-indexed set of known accounts.
type Store struct {
	mu       sync.RWMutex
	accounts []model.Account
	index    map[string]int // login → position in accounts
	rescale  RescaleFunc
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{index: make(map[string]int)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Len returns the number of accounts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts)
}

// Get returns a copy of the account for login.
func (s *Store) Get(login string) (model.Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.index[login]
	if !ok {
		return model.Account{}, false
	}
	return s.accounts[i].Clone(), true
}

// Currency returns the stored currency for login, or "" when unknown.
func (s *Store) Currency(login string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i, ok := s.index[login]; ok {
		return s.accounts[i].Currency
	}
	return ""
}

// Accounts returns a copy of the current collection.
func (s *Store) Accounts() []model.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Account, len(s.accounts))
	for i, a := range s.accounts {
		out[i] = a.Clone()
	}
	return out
}

// Logins returns the set of known logins.
func (s *Store) Logins() map[string]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]struct{}, len(s.index))
	for login := range s.index {
		out[login] = struct{}{}
	}
	return out
}

// Upsert merges partial values into the account for login, creating it if
// needed. Returns the prior value (nil on insert) and the new value.
func (s *Store) Upsert(login, currency string, partial map[string]float64, ts int64) (old *model.Account, updated model.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(login, currency, partial, ts, false)
}

// Delete removes the account for login.
func (s *Store) Delete(login string) (model.Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(login)
}

// ApplyBatch applies a coalesced batch and returns one Change per login that
// was inserted, updated or deleted. Deletes of unknown logins yield no Change.
func (s *Store) ApplyBatch(batch *model.Batch) []model.Change {
	s.mu.Lock()
	defer s.mu.Unlock()

	changes := make([]model.Change, 0, batch.Len())
	for _, ev := range batch.Events() {
		switch ev.Kind {
		case model.EventDeleted:
			old, ok := s.deleteLocked(ev.Login)
			if !ok {
				continue
			}
			changes = append(changes, model.Change{Old: &old})

		default:
			// An add carries the full record and replaces prior values.
			replace := ev.Kind == model.EventAdded
			old, updated := s.upsertLocked(ev.Login, ev.Currency, ev.Values, ev.Timestamp, replace)
			changes = append(changes, model.Change{Old: old, New: &updated})
		}
	}
	return changes
}

// UpsertMany replaces the collection with a bulk snapshot taken at asOf
// (ms). An existing account whose UpdatedAt is newer than its snapshot
// counterpart is merged over the snapshot row, and an account missing from
// the snapshot survives only if it was updated after asOf. Returns false
// without touching the Store when the snapshot is identical on the volatile
// fields.
func (s *Store) UpsertMany(accounts []model.Account, asOf int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.identicalLocked(accounts) {
		return false
	}

	next := make([]model.Account, 0, len(accounts))
	nextIndex := make(map[string]int, len(accounts))

	put := func(a model.Account) {
		if i, ok := nextIndex[a.Login]; ok {
			next[i] = a
			return
		}
		nextIndex[a.Login] = len(next)
		next = append(next, a)
	}

	for _, a := range accounts {
		if a.Login == "" {
			continue
		}
		if i, ok := s.index[a.Login]; ok && s.accounts[i].UpdatedAt > a.UpdatedAt {
			put(s.mergeLocked(s.accounts[i], a))
			continue
		}
		put(a.Clone())
	}

	for _, a := range s.accounts {
		if _, ok := nextIndex[a.Login]; ok {
			continue
		}
		if asOf > 0 && a.UpdatedAt > asOf {
			put(a)
		}
	}

	s.accounts = next
	s.index = nextIndex
	return true
}

// Reset empties the Store.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = nil
	s.index = make(map[string]int)
}

func (s *Store) upsertLocked(login, currency string, partial map[string]float64, ts int64, replace bool) (*model.Account, model.Account) {
	i, ok := s.index[login]
	if !ok {
		a := model.Account{
			Login:     login,
			Currency:  currency,
			UpdatedAt: ts,
			Values:    make(map[string]float64, len(partial)),
		}
		for k, v := range partial {
			a.Values[k] = v
		}
		s.index[login] = len(s.accounts)
		s.accounts = append(s.accounts, a)
		return nil, a.Clone()
	}

	old := s.accounts[i].Clone()
	cur := &s.accounts[i]
	if replace {
		cur.Values = make(map[string]float64, len(partial))
	} else if cur.Currency == "" && currency != "" && s.rescale != nil {
		cur.Values = s.rescale(currency, cur.Values)
	}
	for k, v := range partial {
		cur.Values[k] = v
	}
	if currency != "" {
		cur.Currency = currency
	}
	if ts > cur.UpdatedAt {
		cur.UpdatedAt = ts
	}
	return &old, cur.Clone()
}

// mergeLocked folds a stream-newer account over its snapshot row. The row
// supplies fields the stream never sent and, when the stream did not carry
// one, the currency; values applied without a currency are rescaled then.
func (s *Store) mergeLocked(cur, row model.Account) model.Account {
	out := row.Clone()
	out.UpdatedAt = cur.UpdatedAt

	values := cur.Values
	if cur.Currency != "" {
		out.Currency = cur.Currency
	} else if row.Currency != "" && s.rescale != nil {
		values = s.rescale(row.Currency, cur.Values)
	}
	for k, v := range values {
		out.Values[k] = v
	}
	return out
}

func (s *Store) deleteLocked(login string) (model.Account, bool) {
	i, ok := s.index[login]
	if !ok {
		return model.Account{}, false
	}

	removed := s.accounts[i]
	last := len(s.accounts) - 1
	if i != last {
		s.accounts[i] = s.accounts[last]
		s.index[s.accounts[i].Login] = i
	}
	s.accounts[last] = model.Account{}
	s.accounts = s.accounts[:last]
	delete(s.index, login)

	return removed, true
}

func (s *Store) identicalLocked(accounts []model.Account) bool {
	if len(accounts) != len(s.accounts) {
		return false
	}
	for _, a := range accounts {
		i, ok := s.index[a.Login]
		if !ok {
			return false
		}
		cur := &s.accounts[i]
		if cur.UpdatedAt != a.UpdatedAt {
			return false
		}
		for _, f := range volatileFields {
			if cur.Value(f) != a.Value(f) {
				return false
			}
		}
	}
	return true
}
