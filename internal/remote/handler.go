package remote

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/franz/dive-atlas/internal/util"
)

// NewHandler serves the HTTPStore protocol on top of any DocumentStore
func NewHandler(store DocumentStore) http.Handler {
	return &handler{store: store}
}

type handler struct {
	store DocumentStore
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(r.URL.EscapedPath(), "/")
	if path == "" {
		http.Error(w, "missing collection", http.StatusBadRequest)
		return
	}

	if r.Method == http.MethodPost && strings.HasSuffix(path, ":query") {
		collection, err := unescapePath(strings.TrimSuffix(path, ":query"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.query(w, r, collection)
		return
	}

	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		http.Error(w, "missing document id", http.StatusBadRequest)
		return
	}
	collection, err := unescapePath(path[:idx])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := url.PathUnescape(path[idx+1:])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		doc, err := h.store.Get(ctx, collection, id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, doc)
	case http.MethodPut:
		var doc Document
		if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := h.store.Upsert(ctx, collection, id, doc); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		if err := h.store.Delete(ctx, collection, id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *handler) query(w http.ResponseWriter, r *http.Request, collection string) {
	var q Query
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	q.Collection = collection

	docs, err := h.store.Query(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	if docs == nil {
		docs = []Document{}
	}
	writeJSON(w, queryResponse{Documents: docs})
}

func unescapePath(p string) (string, error) {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		u, err := url.PathUnescape(part)
		if err != nil {
			return "", err
		}
		parts[i] = u
	}
	return strings.Join(parts, "/"), nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, util.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, util.ErrNetwork):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
