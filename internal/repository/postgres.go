// Package repository содержит реализацию хранилища элементов в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/luiso2/directus-sleep-admin-sub001/internal/itemstore"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresRepository хранит элементы коллекций в одной таблице items с данными в jsonb.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	delays []time.Duration
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{
		pool:   pool,
		delays: []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second},
	}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет fn при конфликтах сериализации, взаимоблокировках и обрывах соединения.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i <= len(r.delays); i++ {
		err = fn()
		if err == nil || !isRetryable(err) || i == len(r.delays) {
			return err
		}

		timer := time.NewTimer(r.delays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}

	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// Create сохраняет элемент и присваивает ему идентификатор, если он не задан.
func (r *PostgresRepository) Create(ctx context.Context, collection string, rec itemstore.Record) (itemstore.Record, error) {
	stored := make(itemstore.Record, len(rec)+1)
	for k, v := range rec {
		stored[k] = v
	}
	if stored.ID() == "" {
		stored["id"] = uuid.NewString()
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("marshal item: %w", err)
	}

	var raw []byte
	err = r.withRetry(ctx, func() error {
		return r.pool.QueryRow(ctx,
			`INSERT INTO items (collection, id, data) VALUES ($1, $2, $3::jsonb) RETURNING data`,
			collection, stored.ID(), string(data),
		).Scan(&raw)
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s/%s", itemstore.ErrDuplicate, collection, stored.ID())
		}
		return nil, fmt.Errorf("insert item: %w", err)
	}

	return decodeItem(raw)
}

// Read возвращает элементы коллекции, удовлетворяющие запросу.
func (r *PostgresRepository) Read(ctx context.Context, collection string, q itemstore.Query) ([]itemstore.Record, error) {
	sql, args, err := buildSelect(collection, q)
	if err != nil {
		return nil, err
	}

	var res []itemstore.Record
	err = r.withRetry(ctx, func() error {
		res = nil

		rows, err := r.pool.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var raw []byte
			if err := rows.Scan(&raw); err != nil {
				return fmt.Errorf("scan item: %w", err)
			}
			rec, err := decodeItem(raw)
			if err != nil {
				return err
			}
			res = append(res, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("select items: %w", err)
	}

	return res, nil
}

// Update частично обновляет элемент. Условие expect проверяется в том же операторе UPDATE.
func (r *PostgresRepository) Update(ctx context.Context, collection, id string, patch itemstore.Record, expect itemstore.Filter) (itemstore.Record, error) {
	sql, args, err := buildUpdate(collection, id, patch, expect)
	if err != nil {
		return nil, err
	}

	var raw []byte
	err = r.withRetry(ctx, func() error {
		return r.pool.QueryRow(ctx, sql, args...).Scan(&raw)
	})
	if err == nil {
		return decodeItem(raw)
	}

	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: %s/%s", itemstore.ErrDuplicate, collection, id)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("update item: %w", err)
	}

	var exists bool
	err = r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM items WHERE collection = $1 AND id = $2)`,
		collection, id,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check item: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s/%s", itemstore.ErrNotFound, collection, id)
	}
	return nil, fmt.Errorf("%w: %s/%s", itemstore.ErrPreconditionFailed, collection, id)
}

func buildSelect(collection string, q itemstore.Query) (string, []any, error) {
	args := []any{collection}
	where, args, err := appendConditions("collection = $1", args, q.Filter)
	if err != nil {
		return "", nil, err
	}

	var sb strings.Builder
	sb.WriteString("SELECT data FROM items WHERE ")
	sb.WriteString(where)

	if len(q.Sort) > 0 {
		order := make([]string, 0, len(q.Sort))
		for _, key := range q.Sort {
			dir := "ASC"
			field := key
			if strings.HasPrefix(key, "-") {
				dir = "DESC"
				field = strings.TrimPrefix(key, "-")
			}
			args = append(args, field)
			n := strconv.Itoa(len(args))
			if isTimestampField(field) {
				order = append(order, "(data->>($"+n+"::text))::timestamptz "+dir)
				continue
			}
			order = append(order, "data->($"+n+"::text) "+dir)
		}
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(order, ", "))
	} else {
		sb.WriteString(" ORDER BY created_at")
	}

	if q.Limit > 0 {
		args = append(args, q.Limit)
		sb.WriteString(" LIMIT $" + strconv.Itoa(len(args)))
	}

	return sb.String(), args, nil
}

// isTimestampField сообщает, что поле хранит метку времени: такие поля сортируются как
// timestamptz, а не как строки JSON.
func isTimestampField(field string) bool {
	return strings.HasSuffix(field, "_at")
}

func buildUpdate(collection, id string, patch itemstore.Record, expect itemstore.Filter) (string, []any, error) {
	p := make(itemstore.Record, len(patch))
	for k, v := range patch {
		if k == "id" {
			continue
		}
		p[k] = v
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", nil, fmt.Errorf("marshal patch: %w", err)
	}

	args := []any{collection, id, string(data)}
	where, args, err := appendConditions("collection = $1 AND id = $2", args, expect)
	if err != nil {
		return "", nil, err
	}

	sql := "UPDATE items SET data = data || $3::jsonb, updated_at = now() WHERE " + where + " RETURNING data"
	return sql, args, nil
}

// appendConditions добавляет к where условия равенства полей jsonb.
// Значение nil означает отсутствующее поле или JSON null.
func appendConditions(where string, args []any, f itemstore.Filter) (string, []any, error) {
	if len(f) == 0 {
		return where, args, nil
	}

	fields := make([]string, 0, len(f))
	for field := range f {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var sb strings.Builder
	sb.WriteString(where)
	for _, field := range fields {
		v := f[field]
		if v == nil {
			args = append(args, field)
			sb.WriteString(" AND data->>($" + strconv.Itoa(len(args)) + "::text) IS NULL")
			continue
		}

		cond, err := json.Marshal(map[string]any{field: v})
		if err != nil {
			return "", nil, fmt.Errorf("marshal filter: %w", err)
		}
		args = append(args, string(cond))
		sb.WriteString(" AND data @> $" + strconv.Itoa(len(args)) + "::jsonb")
	}

	return sb.String(), args, nil
}

func decodeItem(raw []byte) (itemstore.Record, error) {
	var rec itemstore.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode item: %w", err)
	}
	return rec, nil
}
