// Package itemstore описывает узкий контракт хранилища элементов CMS и его реализацию в памяти.
package itemstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNotFound возвращается, если элемент с указанным идентификатором отсутствует.
	ErrNotFound = errors.New("item not found")
	// ErrPreconditionFailed возвращается, если условное обновление не применено: хранимый элемент изменился.
	ErrPreconditionFailed = errors.New("item precondition failed")
	// ErrDuplicate возвращается при нарушении уникальности поля.
	ErrDuplicate = errors.New("item already exists")
)

// Record представляет элемент коллекции в виде набора полей.
type Record map[string]any

// ID возвращает идентификатор элемента или пустую строку.
func (r Record) ID() string {
	id, _ := r["id"].(string)
	return id
}

// Filter задаёт условия равенства полей.
type Filter map[string]any

// Query описывает выборку из коллекции.
type Query struct {
	Filter Filter
	// Sort содержит имена полей; префикс "-" означает сортировку по убыванию.
	Sort  []string
	Limit int
}

// Store описывает операции с элементами коллекций CMS.
type Store interface {
	Create(ctx context.Context, collection string, rec Record) (Record, error)
	Read(ctx context.Context, collection string, q Query) ([]Record, error)
	// Update частично обновляет элемент. Если expect не nil, обновление применяется
	// только пока хранимый элемент удовлетворяет expect.
	Update(ctx context.Context, collection, id string, patch Record, expect Filter) (Record, error)
}

// Encode преобразует структуру с json-тегами в Record.
func Encode(v any) (Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return rec, nil
}

// Decode заполняет структуру v полями элемента.
func Decode(rec Record, v any) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	return nil
}

// FindOne возвращает первый элемент, удовлетворяющий фильтру, или ErrNotFound.
func FindOne(ctx context.Context, s Store, collection string, filter Filter) (Record, error) {
	recs, err := s.Read(ctx, collection, Query{Filter: filter, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0], nil
}
