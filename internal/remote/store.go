// Package remote defines the document-store contract used for search
// fallback and for mirroring personal writes, plus the clients for it.
package remote

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Collection names
const (
	Points    = "points"
	Creatures = "creatures"
	Reviews   = "reviews"
	Proposals = "proposals"
	Users     = "users"
	Links     = "point_creatures"
)

// UserCollection returns the per-principal sub-collection, e.g. users/<uid>/logs
func UserCollection(uid, name string) string {
	return Users + "/" + uid + "/" + name
}

// Document is one record. Reads always carry the record id under "id".
type Document map[string]any

// Op is a filter comparison
type Op string

const (
	OpEq  Op = "=="
	OpGt  Op = ">"
	OpGte Op = ">="
	OpLt  Op = "<"
	OpLte Op = "<="
)

// Filter is a single field predicate
type Filter struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value any    `json:"value"`
}

// Query selects documents from one collection. Filters are ANDed.
type Query struct {
	Collection string   `json:"-"`
	Filters    []Filter `json:"filters,omitempty"`
	OrderBy    string   `json:"orderBy,omitempty"`
	Limit      int      `json:"limit,omitempty"`
}

// DocumentStore is the remote document collection service
type DocumentStore interface {
	Query(ctx context.Context, q Query) ([]Document, error)
	// Get returns util.ErrNotFound when the document does not exist
	Get(ctx context.Context, collection, id string) (Document, error)
	Upsert(ctx context.Context, collection, id string, doc Document) error
	// Delete succeeds when the document is already gone
	Delete(ctx context.Context, collection, id string) error
}

// Match reports whether doc satisfies every filter
func Match(doc Document, filters []Filter) bool {
	for _, f := range filters {
		v, ok := doc[f.Field]
		if !ok {
			return false
		}
		c, ok := compare(v, f.Value)
		if !ok {
			return false
		}
		switch f.Op {
		case OpEq:
			if c != 0 {
				return false
			}
		case OpGt:
			if c <= 0 {
				return false
			}
		case OpGte:
			if c < 0 {
				return false
			}
		case OpLt:
			if c >= 0 {
				return false
			}
		case OpLte:
			if c > 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// Apply filters, orders and limits docs in memory
func Apply(docs []Document, q Query) []Document {
	var out []Document
	for _, d := range docs {
		if Match(d, q.Filters) {
			out = append(out, d)
		}
	}

	if q.OrderBy != "" {
		sort.SliceStable(out, func(i, j int) bool {
			c, ok := compare(out[i][q.OrderBy], out[j][q.OrderBy])
			return ok && c < 0
		})
	}

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// compare orders two scalar values. Strings compare bytewise, numbers numerically.
func compare(a, b any) (int, bool) {
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(as, bs), true
	}

	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		if !ok {
			return 0, false
		}
		if ab == bb {
			return 0, true
		}
		return 1, true
	}

	af, ok := toFloat(a)
	if !ok {
		return 0, false
	}
	bf, ok := toFloat(b)
	if !ok {
		return 0, false
	}
	switch {
	case af < bf:
		return -1, true
	case af > bf:
		return 1, true
	}
	return 0, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}

func copyDoc(doc Document) Document {
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

func validateKey(collection, id string) error {
	if collection == "" {
		return fmt.Errorf("collection cannot be empty")
	}
	if id == "" {
		return fmt.Errorf("document id cannot be empty")
	}
	return nil
}
