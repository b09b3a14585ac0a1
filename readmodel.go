package keel

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"
)

// Read model errors
var (
	// ErrNotFound indicates the requested read model was not found.
	ErrNotFound = errors.New("keel: not found")

	// ErrAlreadyExists indicates the read model already exists.
	ErrAlreadyExists = errors.New("keel: already exists")

	// ErrInvalidQuery indicates the query is invalid.
	ErrInvalidQuery = errors.New("keel: invalid query")
)

// ReadModelRepository provides generic CRUD operations for read models.
type ReadModelRepository[T any] interface {
	// Get retrieves a read model by ID.
	// Returns ErrNotFound if not found.
	Get(ctx context.Context, id string) (*T, error)

	// Find queries read models with the given criteria.
	Find(ctx context.Context, query Query) ([]*T, error)

	// Count returns the number of read models matching the query.
	Count(ctx context.Context, query Query) (int64, error)

	// Insert creates a new read model.
	// Returns ErrAlreadyExists if ID already exists.
	Insert(ctx context.Context, model *T) error

	// Update modifies an existing read model.
	// Returns ErrNotFound if not found.
	Update(ctx context.Context, id string, updateFn func(*T)) error

	// Upsert creates or updates a read model.
	Upsert(ctx context.Context, model *T) error

	// Delete removes a read model by ID.
	// Returns ErrNotFound if not found.
	Delete(ctx context.Context, id string) error

	// Clear removes all read models.
	Clear(ctx context.Context) error
}

// Query represents a query for read models.
type Query struct {
	Filters []Filter
	OrderBy []OrderBy

	// Limit caps the number of results; 0 means no limit.
	Limit  int
	Offset int
}

// NewQuery creates a new empty Query.
func NewQuery() *Query {
	return &Query{}
}

// Where adds a filter condition.
func (q *Query) Where(field string, op FilterOp, value interface{}) *Query {
	q.Filters = append(q.Filters, Filter{Field: field, Op: op, Value: value})
	return q
}

// OrderByAsc adds ascending order.
func (q *Query) OrderByAsc(field string) *Query {
	q.OrderBy = append(q.OrderBy, OrderBy{Field: field})
	return q
}

// OrderByDesc adds descending order.
func (q *Query) OrderByDesc(field string) *Query {
	q.OrderBy = append(q.OrderBy, OrderBy{Field: field, Desc: true})
	return q
}

// WithLimit sets the maximum number of results.
func (q *Query) WithLimit(limit int) *Query {
	q.Limit = limit
	return q
}

// WithOffset sets the number of results to skip.
func (q *Query) WithOffset(offset int) *Query {
	q.Offset = offset
	return q
}

// Build returns a copy of the query.
func (q *Query) Build() Query {
	return *q
}

// Filter represents a query filter condition. Field names a struct field of
// the read model, either by Go name or by json tag.
type Filter struct {
	Field string
	Op    FilterOp
	Value interface{}
}

// FilterOp represents a filter operation.
type FilterOp string

const (
	FilterOpEq  FilterOp = "="
	FilterOpNe  FilterOp = "!="
	FilterOpGt  FilterOp = ">"
	FilterOpGte FilterOp = ">="
	FilterOpLt  FilterOp = "<"
	FilterOpLte FilterOp = "<="
	FilterOpIn  FilterOp = "IN"

	// FilterOpPrefix matches strings starting with Value.
	FilterOpPrefix FilterOp = "PREFIX"
)

// OrderBy represents a sort order.
type OrderBy struct {
	Field string
	Desc  bool
}

// InMemoryRepository provides an in-memory implementation of ReadModelRepository.
// Stored models are returned by pointer; callers must not mutate them outside Update.
type InMemoryRepository[T any] struct {
	data  map[string]*T
	mu    sync.RWMutex
	getID func(*T) string
}

// NewInMemoryRepository creates a new in-memory repository.
// The getID function extracts the ID from a read model.
func NewInMemoryRepository[T any](getID func(*T) string) *InMemoryRepository[T] {
	return &InMemoryRepository[T]{
		data:  make(map[string]*T),
		getID: getID,
	}
}

// Get retrieves a read model by ID.
func (r *InMemoryRepository[T]) Get(ctx context.Context, id string) (*T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if model, ok := r.data[id]; ok {
		return model, nil
	}
	return nil, ErrNotFound
}

// Find returns the models matching every filter, ordered by query.OrderBy and
// then by ID.
func (r *InMemoryRepository[T]) Find(ctx context.Context, query Query) ([]*T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.data))
	for id := range r.data {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	results := make([]*T, 0, len(ids))
	for _, id := range ids {
		model := r.data[id]
		ok, err := matches(model, query.Filters)
		if err != nil {
			return nil, err
		}
		if ok {
			results = append(results, model)
		}
	}

	if len(query.OrderBy) > 0 {
		var sortErr error
		slices.SortStableFunc(results, func(a, b *T) int {
			for _, o := range query.OrderBy {
				av, err := fieldValue(a, o.Field)
				if err != nil {
					sortErr = err
					return 0
				}
				bv, err := fieldValue(b, o.Field)
				if err != nil {
					sortErr = err
					return 0
				}
				c, err := compareValues(av, bv)
				if err != nil {
					sortErr = err
					return 0
				}
				if o.Desc {
					c = -c
				}
				if c != 0 {
					return c
				}
			}
			return 0
		})
		if sortErr != nil {
			return nil, sortErr
		}
	}

	if query.Offset > 0 {
		if query.Offset >= len(results) {
			return []*T{}, nil
		}
		results = results[query.Offset:]
	}
	if query.Limit > 0 && query.Limit < len(results) {
		results = results[:query.Limit]
	}

	return results, nil
}

// Count returns the number of read models matching the query filters.
func (r *InMemoryRepository[T]) Count(ctx context.Context, query Query) (int64, error) {
	query.Limit, query.Offset, query.OrderBy = 0, 0, nil
	results, err := r.Find(ctx, query)
	if err != nil {
		return 0, err
	}
	return int64(len(results)), nil
}

// Insert creates a new read model.
func (r *InMemoryRepository[T]) Insert(ctx context.Context, model *T) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.getID(model)
	if _, exists := r.data[id]; exists {
		return ErrAlreadyExists
	}

	r.data[id] = model
	return nil
}

// Update modifies an existing read model.
func (r *InMemoryRepository[T]) Update(ctx context.Context, id string, updateFn func(*T)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	model, ok := r.data[id]
	if !ok {
		return ErrNotFound
	}

	updateFn(model)
	return nil
}

// Upsert creates or updates a read model.
func (r *InMemoryRepository[T]) Upsert(ctx context.Context, model *T) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.data[r.getID(model)] = model
	return nil
}

// Delete removes a read model by ID.
func (r *InMemoryRepository[T]) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.data[id]; !exists {
		return ErrNotFound
	}

	delete(r.data, id)
	return nil
}

// Clear removes all read models.
func (r *InMemoryRepository[T]) Clear(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.data = make(map[string]*T)
	return nil
}

// Len returns the number of items in the repository.
func (r *InMemoryRepository[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

func matches[T any](model *T, filters []Filter) (bool, error) {
	for _, f := range filters {
		v, err := fieldValue(model, f.Field)
		if err != nil {
			return false, err
		}

		var ok bool
		switch f.Op {
		case FilterOpIn:
			list := reflect.ValueOf(f.Value)
			if list.Kind() != reflect.Slice {
				return false, fmt.Errorf("%w: IN on %q needs a slice", ErrInvalidQuery, f.Field)
			}
			for i := 0; i < list.Len() && !ok; i++ {
				c, err := compareValues(v, list.Index(i).Interface())
				if err != nil {
					return false, err
				}
				ok = c == 0
			}
		case FilterOpPrefix:
			s, isString := v.(string)
			prefix, prefixString := f.Value.(string)
			if !isString || !prefixString {
				return false, fmt.Errorf("%w: PREFIX on %q needs strings", ErrInvalidQuery, f.Field)
			}
			ok = strings.HasPrefix(s, prefix)
		default:
			c, err := compareValues(v, f.Value)
			if err != nil {
				return false, err
			}
			switch f.Op {
			case FilterOpEq:
				ok = c == 0
			case FilterOpNe:
				ok = c != 0
			case FilterOpGt:
				ok = c > 0
			case FilterOpGte:
				ok = c >= 0
			case FilterOpLt:
				ok = c < 0
			case FilterOpLte:
				ok = c <= 0
			default:
				return false, fmt.Errorf("%w: unsupported operator %q", ErrInvalidQuery, f.Op)
			}
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func fieldValue[T any](model *T, field string) (interface{}, error) {
	v := reflect.ValueOf(model).Elem()
	if v.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: %T is not a struct", ErrInvalidQuery, *model)
	}

	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		tag, _, _ := strings.Cut(sf.Tag.Get("json"), ",")
		if sf.Name == field || tag == field {
			return v.Field(i).Interface(), nil
		}
	}
	return nil, fmt.Errorf("%w: unknown field %q", ErrInvalidQuery, field)
}

func compareValues(a, b interface{}) (int, error) {
	av, bv := reflect.ValueOf(a), reflect.ValueOf(b)
	switch {
	case isInt(av) && isInt(bv):
		return cmp.Compare(av.Int(), bv.Int()), nil
	case isNumber(av) && isNumber(bv):
		return cmp.Compare(toFloat(av), toFloat(bv)), nil
	case av.Kind() == reflect.String && bv.Kind() == reflect.String:
		return strings.Compare(av.String(), bv.String()), nil
	case av.Kind() == reflect.Bool && bv.Kind() == reflect.Bool:
		if av.Bool() == bv.Bool() {
			return 0, nil
		}
		if !av.Bool() {
			return -1, nil
		}
		return 1, nil
	}
	return 0, fmt.Errorf("%w: cannot compare %T with %T", ErrInvalidQuery, a, b)
}

func isInt(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return true
	}
	return false
}

func isNumber(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return isInt(v)
}

func toFloat(v reflect.Value) float64 {
	switch {
	case isInt(v):
		return float64(v.Int())
	case v.Kind() == reflect.Float32 || v.Kind() == reflect.Float64:
		return v.Float()
	}
	return float64(v.Uint())
}
