// Package docstore is the document-collection realtime service the push
// transport and the reaction sources run on: ordered, filtered, limited
// queries, one-shot reads, live listeners that emit change sets and plain
// document writes. MemoryStore serves single-process use and tests;
// RedisStore shares collections between processes.
package docstore

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/stationfy/arena-chat-sdk-sub000/model"
)

// Document is one entry of a collection. Data always holds JSON-compatible
// values: numbers are float64 after a store round trip.
type Document struct {
	ID   string
	Data map[string]interface{}
}

// Decode unmarshals the document's data into v.
func (d Document) Decode(v interface{}) error {
	raw, err := json.Marshal(d.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

type Direction string

const (
	Ascending  Direction = "asc"
	Descending Direction = "desc"
)

// Filter is a where clause. Op is one of == != < <= > >=.
type Filter struct {
	Field string
	Op    string
	Value interface{}
}

var filterOps = map[string]bool{"==": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true}

// Query selects documents of the collection at Path. StartAt and EndAt are
// inclusive cursors on the OrderBy field, applied in query direction.
type Query struct {
	Path      string
	OrderBy   string
	Direction Direction
	Limit     int
	Filters   []Filter
	StartAt   interface{}
	EndAt     interface{}
}

// Collection starts a query over the collection at path.
func Collection(path string) Query {
	return Query{Path: path, Direction: Ascending}
}

func (q Query) Where(field, op string, value interface{}) Query {
	filters := make([]Filter, len(q.Filters), len(q.Filters)+1)
	copy(filters, q.Filters)
	q.Filters = append(filters, Filter{Field: field, Op: op, Value: value})
	return q
}

func (q Query) Order(field string, direction Direction) Query {
	q.OrderBy = field
	q.Direction = direction
	return q
}

func (q Query) WithLimit(limit int) Query {
	q.Limit = limit
	return q
}

func (q Query) Start(value interface{}) Query {
	q.StartAt = value
	return q
}

func (q Query) End(value interface{}) Query {
	q.EndAt = value
	return q
}

// Validate rejects queries no backend can run.
func (q Query) Validate() error {
	if strings.Trim(q.Path, "/") == "" {
		return model.ValidationError("docstore query", "collection path is required")
	}
	if q.Limit < 0 {
		return model.ValidationError("docstore query", "limit must not be negative")
	}
	if q.Direction != "" && q.Direction != Ascending && q.Direction != Descending {
		return model.ValidationError("docstore query", "unknown direction "+string(q.Direction))
	}
	if (q.StartAt != nil || q.EndAt != nil) && q.OrderBy == "" {
		return model.ValidationError("docstore query", "cursors require an order")
	}
	for _, filter := range q.Filters {
		if filter.Field == "" {
			return model.ValidationError("docstore query", "filter field is required")
		}
		if !filterOps[filter.Op] {
			return model.ValidationError("docstore query", "unsupported filter operator "+filter.Op)
		}
	}
	return nil
}

// run evaluates q over the documents of its collection. It returns the
// query window and the ids of every document matching the filters, inside
// the window or not.
func (q Query) run(docs map[string]Document) ([]Document, map[string]bool) {
	matching := make(map[string]bool, len(docs))
	selected := make([]Document, 0, len(docs))

	for id, doc := range docs {
		if !q.matches(doc) {
			continue
		}
		matching[id] = true
		selected = append(selected, doc)
	}

	sort.Slice(selected, func(i, j int) bool {
		return q.less(selected[i], selected[j])
	})

	window := selected[:0]
	for _, doc := range selected {
		if q.StartAt != nil && q.beforeCursor(doc, q.StartAt) {
			continue
		}
		if q.EndAt != nil && q.afterCursor(doc, q.EndAt) {
			continue
		}
		window = append(window, doc)
	}

	if q.Limit > 0 && len(window) > q.Limit {
		window = window[:q.Limit]
	}
	return window, matching
}

func (q Query) matches(doc Document) bool {
	for _, filter := range q.Filters {
		value, ok := doc.Data[filter.Field]
		if !ok {
			return false
		}
		cmp, comparable := compareValues(value, filter.Value)
		switch filter.Op {
		case "==":
			if !comparable || cmp != 0 {
				return false
			}
		case "!=":
			if comparable && cmp == 0 {
				return false
			}
		case "<":
			if !comparable || cmp >= 0 {
				return false
			}
		case "<=":
			if !comparable || cmp > 0 {
				return false
			}
		case ">":
			if !comparable || cmp <= 0 {
				return false
			}
		case ">=":
			if !comparable || cmp < 0 {
				return false
			}
		}
	}
	if q.OrderBy != "" {
		if _, ok := doc.Data[q.OrderBy]; !ok {
			return false
		}
	}
	return true
}

func (q Query) less(a, b Document) bool {
	if q.OrderBy != "" {
		cmp, _ := compareValues(a.Data[q.OrderBy], b.Data[q.OrderBy])
		if cmp != 0 {
			if q.Direction == Descending {
				return cmp > 0
			}
			return cmp < 0
		}
	}
	if q.Direction == Descending {
		return a.ID > b.ID
	}
	return a.ID < b.ID
}

// beforeCursor reports whether doc sorts strictly before cursor.
func (q Query) beforeCursor(doc Document, cursor interface{}) bool {
	cmp, _ := compareValues(doc.Data[q.OrderBy], cursor)
	if q.Direction == Descending {
		return cmp > 0
	}
	return cmp < 0
}

// afterCursor reports whether doc sorts strictly after cursor.
func (q Query) afterCursor(doc Document, cursor interface{}) bool {
	cmp, _ := compareValues(doc.Data[q.OrderBy], cursor)
	if q.Direction == Descending {
		return cmp < 0
	}
	return cmp > 0
}

// compareValues orders two JSON-compatible values. Numbers compare
// numerically across Go types, strings and bools compare naturally, nil sorts
// first. Values of different kinds are not comparable.
func compareValues(a, b interface{}) (int, bool) {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0, true
		case a == nil:
			return -1, false
		default:
			return 1, false
		}
	}

	if x, ok := toFloat(a); ok {
		y, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	}

	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		}
		return 1, true
	}

	if reflect.DeepEqual(a, b) {
		return 0, true
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// normalize converts data to its JSON-compatible form so every backend
// stores and compares the same shapes.
func normalize(data interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, model.ValidationError("docstore write", "document is not serializable").WithCause(err)
	}
	var normalized map[string]interface{}
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, model.ValidationError("docstore write", "document must be an object").WithCause(err)
	}
	if normalized == nil {
		return nil, model.ValidationError("docstore write", "document must be an object")
	}
	return normalized, nil
}

func validateTarget(op, path, id string) error {
	if strings.Trim(path, "/") == "" {
		return model.ValidationError(op, "collection path is required")
	}
	if id == "" {
		return model.ValidationError(op, "document id is required")
	}
	return nil
}

func describe(q Query) string {
	return fmt.Sprintf("%s order=%s/%s limit=%d filters=%d", q.Path, q.OrderBy, q.Direction, q.Limit, len(q.Filters))
}
