package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luiso2/directus-sleep-admin-sub001/internal/itemstore"
)

func TestBuildSelect(t *testing.T) {
	tests := []struct {
		name     string
		q        itemstore.Query
		wantSQL  string
		wantArgs []any
	}{
		{
			name:     "whole collection",
			q:        itemstore.Query{},
			wantSQL:  "SELECT data FROM items WHERE collection = $1 ORDER BY created_at",
			wantArgs: []any{"evaluations"},
		},
		{
			name: "filter, sort and limit",
			q: itemstore.Query{
				Filter: itemstore.Filter{"status": "pending", "customer_id": "c-1"},
				Sort:   []string{"-created_at"},
				Limit:  10,
			},
			wantSQL: "SELECT data FROM items WHERE collection = $1" +
				" AND data @> $2::jsonb AND data @> $3::jsonb" +
				" ORDER BY (data->>($4::text))::timestamptz DESC LIMIT $5",
			wantArgs: []any{"evaluations", `{"customer_id":"c-1"}`, `{"status":"pending"}`, "created_at", 10},
		},
		{
			name:     "sort by plain field",
			q:        itemstore.Query{Sort: []string{"code"}},
			wantSQL:  "SELECT data FROM items WHERE collection = $1 ORDER BY data->($2::text) ASC",
			wantArgs: []any{"evaluations", "code"},
		},
		{
			name:     "null field",
			q:        itemstore.Query{Filter: itemstore.Filter{"coupon_code": nil}},
			wantSQL:  "SELECT data FROM items WHERE collection = $1 AND data->>($2::text) IS NULL ORDER BY created_at",
			wantArgs: []any{"evaluations", "coupon_code"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args, err := buildSelect("evaluations", tt.q)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSQL, sql)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestBuildUpdate(t *testing.T) {
	sql, args, err := buildUpdate("evaluations", "e-1",
		itemstore.Record{"id": "other", "status": "approved"},
		itemstore.Filter{"status": "pending"},
	)
	require.NoError(t, err)

	assert.Equal(t,
		"UPDATE items SET data = data || $3::jsonb, updated_at = now()"+
			" WHERE collection = $1 AND id = $2 AND data @> $4::jsonb RETURNING data",
		sql)
	assert.Equal(t, []any{"evaluations", "e-1", `{"status":"approved"}`, `{"status":"pending"}`}, args)
}

func TestBuildUpdate_Unconditional(t *testing.T) {
	sql, args, err := buildUpdate("coupons", "c-1", itemstore.Record{"usage_count": 1}, nil)
	require.NoError(t, err)

	assert.Equal(t,
		"UPDATE items SET data = data || $3::jsonb, updated_at = now() WHERE collection = $1 AND id = $2 RETURNING data",
		sql)
	assert.Len(t, args, 3)
}

func TestWithRetry(t *testing.T) {
	r := &PostgresRepository{delays: []time.Duration{time.Millisecond, time.Millisecond}}

	t.Run("retries serialization failures", func(t *testing.T) {
		calls := 0
		err := r.withRetry(context.Background(), func() error {
			calls++
			if calls < 3 {
				return &pgconn.PgError{Code: pgerrcode.SerializationFailure}
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after last delay", func(t *testing.T) {
		calls := 0
		err := r.withRetry(context.Background(), func() error {
			calls++
			return &pgconn.PgError{Code: pgerrcode.DeadlockDetected}
		})
		require.Error(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("does not retry other errors", func(t *testing.T) {
		calls := 0
		err := r.withRetry(context.Background(), func() error {
			calls++
			return &pgconn.PgError{Code: pgerrcode.UniqueViolation}
		})
		assert.True(t, isUniqueViolation(err))
		assert.Equal(t, 1, calls)
	})

	t.Run("stops on cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		slow := &PostgresRepository{delays: []time.Duration{time.Hour}}
		err := slow.withRetry(ctx, func() error {
			return errors.New("read: connection reset by peer")
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
