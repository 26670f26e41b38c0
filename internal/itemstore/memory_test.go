package itemstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_CreateAssignsID(t *testing.T) {
	m := NewMemory()

	rec, err := m.Create(context.Background(), "coupons", Record{"code": "A"})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID())

	got, err := FindOne(context.Background(), m, "coupons", Filter{"code": "A"})
	require.NoError(t, err)
	assert.Equal(t, rec.ID(), got.ID())
}

func TestMemory_UniqueField(t *testing.T) {
	m := NewMemory(WithUnique("coupons", "code"))

	_, err := m.Create(context.Background(), "coupons", Record{"code": "A"})
	require.NoError(t, err)

	_, err = m.Create(context.Background(), "coupons", Record{"code": "A"})
	assert.True(t, errors.Is(err, ErrDuplicate), "got %v", err)
}

func TestMemory_ReadFilterSortLimit(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for _, r := range []Record{
		{"status": "pending", "n": 1},
		{"status": "approved", "n": 2},
		{"status": "pending", "n": 3},
		{"status": "pending", "n": 2},
	} {
		_, err := m.Create(ctx, "evaluations", r)
		require.NoError(t, err)
	}

	res, err := m.Read(ctx, "evaluations", Query{
		Filter: Filter{"status": "pending"},
		Sort:   []string{"-n"},
		Limit:  2,
	})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, float64(3), res[0]["n"])
	assert.Equal(t, float64(2), res[1]["n"])
}

func TestMemory_UpdatePrecondition(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	rec, err := m.Create(ctx, "evaluations", Record{"status": "pending"})
	require.NoError(t, err)

	updated, err := m.Update(ctx, "evaluations", rec.ID(), Record{"status": "approved"}, Filter{"status": "pending"})
	require.NoError(t, err)
	assert.Equal(t, "approved", updated["status"])

	_, err = m.Update(ctx, "evaluations", rec.ID(), Record{"status": "rejected"}, Filter{"status": "pending"})
	assert.True(t, errors.Is(err, ErrPreconditionFailed), "got %v", err)

	_, err = m.Update(ctx, "evaluations", "missing", Record{"status": "rejected"}, nil)
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
}

func TestMemory_ReturnsCopies(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	rec, err := m.Create(ctx, "customers", Record{"email": "a@example.com"})
	require.NoError(t, err)
	rec["email"] = "changed"

	got, err := FindOne(ctx, m, "customers", Filter{"id": rec.ID()})
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", got["email"])
}

func TestEncodeDecode(t *testing.T) {
	type item struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	rec, err := Encode(item{Name: "x", Count: 2})
	require.NoError(t, err)
	assert.Equal(t, float64(2), rec["count"])

	var out item
	require.NoError(t, Decode(rec, &out))
	assert.Equal(t, item{Name: "x", Count: 2}, out)
}

func TestMemory_SortByTimestamp(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 10, 0, 5, 0, time.UTC)

	for _, at := range []time.Time{
		base.Add(500 * time.Millisecond),
		base,
		base.Add(-time.Second),
	} {
		_, err := m.Create(ctx, "evaluations", Record{"reviewed_at": at})
		require.NoError(t, err)
	}

	res, err := m.Read(ctx, "evaluations", Query{Sort: []string{"reviewed_at"}})
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.Equal(t, "2026-04-01T10:00:04Z", res[0]["reviewed_at"])
	assert.Equal(t, "2026-04-01T10:00:05Z", res[1]["reviewed_at"])
	assert.Equal(t, "2026-04-01T10:00:05.5Z", res[2]["reviewed_at"])
}
