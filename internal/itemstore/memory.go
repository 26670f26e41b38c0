package itemstore

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory хранит элементы коллекций в памяти процесса.
type Memory struct {
	mu          sync.Mutex
	collections map[string][]Record
	unique      map[string][]string
}

// MemoryOption настраивает хранилище в памяти.
type MemoryOption func(*Memory)

// WithUnique объявляет поле коллекции уникальным.
func WithUnique(collection, field string) MemoryOption {
	return func(m *Memory) {
		m.unique[collection] = append(m.unique[collection], field)
	}
}

// NewMemory создаёт пустое хранилище в памяти.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		collections: make(map[string][]Record),
		unique:      make(map[string][]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create сохраняет элемент и присваивает ему идентификатор, если он не задан.
func (m *Memory) Create(_ context.Context, collection string, rec Record) (Record, error) {
	stored, err := normalize(rec)
	if err != nil {
		return nil, err
	}
	if stored.ID() == "" {
		stored["id"] = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.collections[collection] {
		if existing.ID() == stored.ID() {
			return nil, fmt.Errorf("%w: %s/%s", ErrDuplicate, collection, stored.ID())
		}
		for _, field := range m.unique[collection] {
			if v, ok := stored[field]; ok && v != nil && reflect.DeepEqual(existing[field], v) {
				return nil, fmt.Errorf("%w: %s.%s", ErrDuplicate, collection, field)
			}
		}
	}

	m.collections[collection] = append(m.collections[collection], stored)
	return clone(stored), nil
}

// Read возвращает элементы коллекции, удовлетворяющие запросу.
func (m *Memory) Read(_ context.Context, collection string, q Query) ([]Record, error) {
	filter, err := normalize(Record(q.Filter))
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	var res []Record
	for _, rec := range m.collections[collection] {
		if matches(rec, Filter(filter)) {
			res = append(res, clone(rec))
		}
	}
	m.mu.Unlock()

	if len(q.Sort) > 0 {
		sort.SliceStable(res, func(i, j int) bool {
			for _, key := range q.Sort {
				desc := strings.HasPrefix(key, "-")
				field := strings.TrimPrefix(key, "-")
				c := compare(res[i][field], res[j][field])
				if c == 0 {
					continue
				}
				if desc {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}

	if q.Limit > 0 && len(res) > q.Limit {
		res = res[:q.Limit]
	}
	return res, nil
}

// Update частично обновляет элемент, проверяя условие expect под блокировкой.
func (m *Memory) Update(_ context.Context, collection, id string, patch Record, expect Filter) (Record, error) {
	p, err := normalize(patch)
	if err != nil {
		return nil, err
	}
	e, err := normalize(Record(expect))
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	items := m.collections[collection]
	for i, rec := range items {
		if rec.ID() != id {
			continue
		}
		if expect != nil && !matches(rec, Filter(e)) {
			return nil, fmt.Errorf("%w: %s/%s", ErrPreconditionFailed, collection, id)
		}
		for k, v := range p {
			if k == "id" {
				continue
			}
			rec[k] = v
		}
		items[i] = rec
		return clone(rec), nil
	}

	return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
}

func matches(rec Record, filter Filter) bool {
	for k, want := range filter {
		if !reflect.DeepEqual(rec[k], want) {
			return false
		}
	}
	return true
}

func compare(a, b any) int {
	switch av := a.(type) {
	case float64:
		bv, _ := b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case string:
		bv, _ := b.(string)
		if at, bt, ok := parseTimes(av, bv); ok {
			return at.Compare(bt)
		}
		return strings.Compare(av, bv)
	case bool:
		bv, _ := b.(bool)
		if av == bv {
			return 0
		}
		if !av {
			return -1
		}
		return 1
	case nil:
		if b == nil {
			return 0
		}
		return -1
	}
	return 0
}

// parseTimes разбирает обе строки как метки времени RFC 3339. Дробная часть секунд
// в JSON не дополняется нулями, поэтому строки нельзя сравнивать посимвольно.
func parseTimes(a, b string) (time.Time, time.Time, bool) {
	at, err := time.Parse(time.RFC3339Nano, a)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	bt, err := time.Parse(time.RFC3339Nano, b)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	return at, bt, true
}

// normalize приводит значения к типам, которые даёт JSON-декодирование.
func normalize(rec Record) (Record, error) {
	if rec == nil {
		return Record{}, nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	var out Record
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return out, nil
}

func clone(rec Record) Record {
	out, _ := normalize(rec)
	return out
}
