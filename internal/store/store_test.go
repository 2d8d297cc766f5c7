package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/account-aggregator/internal/model"
)

func acct(login string, balance float64, ts int64) model.Account {
	return model.Account{
		Login:     login,
		Currency:  "USD",
		UpdatedAt: ts,
		Values:    map[string]float64{"balance": balance, "equity": balance},
	}
}

func TestStore_UpsertAndGet(t *testing.T) {
	s := New()

	old, cur := s.Upsert("1001", "USD", map[string]float64{"balance": 1000, "equity": 1000}, 1)
	assert.Nil(t, old)
	assert.Equal(t, 1000.0, cur.Value(model.FieldBalance))

	old, cur = s.Upsert("1001", "", map[string]float64{"balance": 1500}, 2)
	require.NotNil(t, old)
	assert.Equal(t, 1000.0, old.Value(model.FieldBalance))
	assert.Equal(t, 1500.0, cur.Value(model.FieldBalance))
	assert.Equal(t, 1000.0, cur.Value(model.FieldEquity), "partial update keeps other fields")
	assert.Equal(t, "USD", cur.Currency)
	assert.Equal(t, int64(2), cur.UpdatedAt)

	assert.Equal(t, 1, s.Len())
	assert.Equal(t, "USD", s.Currency("1001"))
	assert.Equal(t, "", s.Currency("nope"))

	got, ok := s.Get("1001")
	require.True(t, ok)
	got.Values["balance"] = 0
	again, _ := s.Get("1001")
	assert.Equal(t, 1500.0, again.Value(model.FieldBalance), "Get returns a copy")
}

func TestStore_DeleteKeepsIndexConsistent(t *testing.T) {
	s := New()
	for i := 0; i < 5; i++ {
		s.Upsert(fmt.Sprint(i), "USD", map[string]float64{"balance": float64(i)}, 1)
	}

	_, ok := s.Delete("1")
	require.True(t, ok)
	_, ok = s.Delete("1")
	assert.False(t, ok)

	assert.Equal(t, 4, s.Len())
	for _, login := range []string{"0", "2", "3", "4"} {
		a, ok := s.Get(login)
		require.True(t, ok, login)
		assert.Equal(t, login, a.Login)
	}

	logins := s.Logins()
	assert.Len(t, logins, 4)
	assert.NotContains(t, logins, "1")
}

func TestStore_ApplyBatchCapturesPriorValueOnce(t *testing.T) {
	s := New()
	s.Upsert("a", "USD", map[string]float64{"balance": 100}, 1)

	b := model.NewBatch()
	now := time.Now()
	b.Put(model.UpdateEvent{Login: "a", Kind: model.EventUpdated, Values: map[string]float64{"balance": 110}}, now)
	b.Put(model.UpdateEvent{Login: "a", Kind: model.EventUpdated, Values: map[string]float64{"balance": 130}}, now)
	b.Put(model.UpdateEvent{Login: "b", Kind: model.EventAdded, Values: map[string]float64{"balance": 50}}, now)
	b.Put(model.UpdateEvent{Login: "ghost", Kind: model.EventDeleted}, now)

	changes := s.ApplyBatch(b)
	require.Len(t, changes, 2)

	assert.Equal(t, 100.0, changes[0].Old.Value(model.FieldBalance))
	assert.Equal(t, 130.0, changes[0].New.Value(model.FieldBalance))
	assert.Nil(t, changes[1].Old)
	assert.Equal(t, 50.0, changes[1].New.Value(model.FieldBalance))
}

func TestStore_ApplyBatchAddReplacesValues(t *testing.T) {
	s := New()
	s.Upsert("a", "USD", map[string]float64{"balance": 100, "credit": 7}, 1)

	b := model.NewBatch()
	now := time.Now()
	b.Put(model.UpdateEvent{Login: "a", Kind: model.EventDeleted}, now)
	b.Put(model.UpdateEvent{Login: "a", Kind: model.EventUpdated, Values: map[string]float64{"balance": 5}}, now)

	changes := s.ApplyBatch(b)
	require.Len(t, changes, 1)

	a, _ := s.Get("a")
	assert.Equal(t, 5.0, a.Value(model.FieldBalance))
	assert.Equal(t, 0.0, a.Value(model.FieldCredit), "re-added account must not inherit old fields")
}

func TestStore_UpsertManyReplacesCollection(t *testing.T) {
	s := New()
	s.UpsertMany([]model.Account{acct("a", 1, 10), acct("b", 2, 10)}, 0)

	changed := s.UpsertMany([]model.Account{acct("b", 3, 20), acct("c", 4, 20)}, 0)
	assert.True(t, changed)
	assert.Equal(t, 2, s.Len())

	_, ok := s.Get("a")
	assert.False(t, ok, "account absent from snapshot is dropped")

	b, _ := s.Get("b")
	assert.Equal(t, 3.0, b.Value(model.FieldBalance))
}

func TestStore_UpsertManyIdenticalIsNoop(t *testing.T) {
	s := New()
	snap := []model.Account{acct("a", 1, 10), acct("b", 2, 10)}
	require.True(t, s.UpsertMany(snap, 0))
	assert.False(t, s.UpsertMany(snap, 0))

	snap[1].Values["balance"] = 5
	assert.True(t, s.UpsertMany(snap, 0))
}

func TestStore_UpsertManyDoesNotRegressNewerStreamState(t *testing.T) {
	s := New()
	s.UpsertMany([]model.Account{acct("a", 100, 10)}, 0)

	// Stream advances a and adds d after the bulk request was issued at t=50.
	s.Upsert("a", "", map[string]float64{"balance": 150}, 60)
	s.Upsert("d", "USD", map[string]float64{"balance": 9}, 70)

	// Late snapshot taken at t=50 still carries the old a.
	s.UpsertMany([]model.Account{acct("a", 100, 40)}, 50)

	a, _ := s.Get("a")
	assert.Equal(t, 150.0, a.Value(model.FieldBalance))

	_, ok := s.Get("d")
	assert.True(t, ok, "stream-added account newer than the snapshot survives")
}

func centsToUnits(currency string, raw map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(raw))
	for k, v := range raw {
		if currency == "USC" {
			v /= 100
		}
		out[k] = v
	}
	return out
}

func TestStore_UpsertManyMergesStreamStateWithUnknownCurrency(t *testing.T) {
	s := New(WithRescale(centsToUnits))

	// Partial update before any snapshot: no currency is known yet.
	s.Upsert("7", "", map[string]float64{"balance": 15000}, 2000)

	s.UpsertMany([]model.Account{{
		Login:     "7",
		Currency:  "USC",
		UpdatedAt: 1000,
		Values:    map[string]float64{"balance": 100, "equity": 120, "credit": 5},
	}}, 1500)

	a, ok := s.Get("7")
	require.True(t, ok)
	assert.Equal(t, "USC", a.Currency)
	assert.Equal(t, int64(2000), a.UpdatedAt)
	assert.InDelta(t, 150, a.Value(model.FieldBalance), 1e-9)
	assert.InDelta(t, 120, a.Value(model.FieldEquity), 1e-9)
	assert.InDelta(t, 5, a.Value(model.FieldCredit), 1e-9)
	assert.Equal(t, "USC", s.Currency("7"))
}

func TestStore_UpsertManyMergeKeepsStreamCurrency(t *testing.T) {
	s := New(WithRescale(centsToUnits))
	s.Upsert("a", "USD", map[string]float64{"balance": 150}, 60)

	s.UpsertMany([]model.Account{acct("a", 100, 40)}, 50)

	a, _ := s.Get("a")
	assert.Equal(t, "USD", a.Currency)
	assert.Equal(t, 150.0, a.Value(model.FieldBalance))
	assert.Equal(t, 100.0, a.Value(model.FieldEquity), "fields the stream never sent come from the snapshot")
}

func TestStore_UpsertRescalesWhenCurrencyArrives(t *testing.T) {
	s := New(WithRescale(centsToUnits))
	s.Upsert("7", "", map[string]float64{"balance": 15000, "equity": 20000}, 1)

	old, updated := s.Upsert("7", "USC", map[string]float64{"balance": 160}, 2)

	require.NotNil(t, old)
	assert.Equal(t, 15000.0, old.Value(model.FieldBalance))
	assert.Equal(t, "USC", updated.Currency)
	assert.InDelta(t, 160, updated.Value(model.FieldBalance), 1e-9)
	assert.InDelta(t, 200, updated.Value(model.FieldEquity), 1e-9)
}

func TestStore_UpsertManyDeduplicatesLogins(t *testing.T) {
	s := New()
	s.UpsertMany([]model.Account{acct("a", 1, 1), acct("a", 2, 2), {Login: ""}}, 0)

	assert.Equal(t, 1, s.Len())
	a, _ := s.Get("a")
	assert.Equal(t, 2.0, a.Value(model.FieldBalance))
}

func TestStore_Reset(t *testing.T) {
	s := New()
	s.Upsert("a", "USD", nil, 1)
	s.Reset()
	assert.Equal(t, 0, s.Len())
	assert.Empty(t, s.Accounts())
}
