package personal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/franz/dive-atlas/internal/metrics"
	"github.com/franz/dive-atlas/internal/remote"
	"github.com/franz/dive-atlas/internal/rows"
	"github.com/franz/dive-atlas/internal/sqlexec"
	"github.com/franz/dive-atlas/internal/util"
	"github.com/google/uuid"
)

// Mirror operations
const (
	OpUpsert = "upsert"
	OpDelete = "delete"
)

// mutation is one remote write. Failed mutations are kept in my_outbox.
type mutation struct {
	Collection string
	DocID      string
	Op         string
	Doc        remote.Document
}

func (s *Store) mirrorUpsert(ctx context.Context, principal, collection, id string, entity any, extra remote.Document) {
	if s.remote == nil {
		return
	}
	doc, err := rows.ToDocument(entity)
	if err != nil {
		util.WarnLog("Not mirroring %s/%s: %v", collection, id, err)
		return
	}
	for k, v := range extra {
		doc[k] = v
	}
	s.mirror(ctx, principal, mutation{Collection: collection, DocID: id, Op: OpUpsert, Doc: doc})
}

func (s *Store) mirrorDelete(ctx context.Context, principal, collection, id string) {
	if s.remote == nil {
		return
	}
	s.mirror(ctx, principal, mutation{Collection: collection, DocID: id, Op: OpDelete})
}

// mirror sends m in the background. The caller's cancellation does not
// abort it; a final failure is queued in the principal's outbox.
func (s *Store) mirror(ctx context.Context, principal string, m mutation) {
	bg := context.WithoutCancel(ctx)
	s.mirrors.Go(func() {
		attempts, err := s.send(bg, m)
		s.events.LogMirror(principal, m.Collection, m.DocID, m.Op, attempts, err)

		if err == nil {
			metrics.MirrorWritesTotal.WithLabelValues("ok").Inc()
			// A newer write supersedes anything still queued for this document
			if err := s.dequeue(bg, principal, m); err != nil {
				util.DebugLog("Outbox cleanup for %s/%s skipped: %v", m.Collection, m.DocID, err)
			}
			return
		}

		util.WarnLog("Mirror of %s/%s failed, queued for retry: %v", m.Collection, m.DocID, err)
		if qerr := s.enqueue(bg, principal, m, err); qerr != nil {
			metrics.MirrorWritesTotal.WithLabelValues("dropped").Inc()
			util.WarnLog("Could not queue %s/%s: %v", m.Collection, m.DocID, qerr)
			return
		}
		metrics.MirrorWritesTotal.WithLabelValues("queued").Inc()
	})
}

// send applies m to the remote store with retries
func (s *Store) send(ctx context.Context, m mutation) (int, error) {
	attempts := 0
	err := util.Retry(ctx, s.retry, func(ctx context.Context) error {
		attempts++
		switch m.Op {
		case OpUpsert:
			return s.remote.Upsert(ctx, m.Collection, m.DocID, m.Doc)
		case OpDelete:
			return s.remote.Delete(ctx, m.Collection, m.DocID)
		}
		return fmt.Errorf("unknown mirror op %q", m.Op)
	}, "mirror "+m.Collection+"/"+m.DocID)
	return attempts, err
}

func (s *Store) enqueue(ctx context.Context, principal string, m mutation, cause error) error {
	payload := ""
	if m.Doc != nil {
		data, err := json.Marshal(m.Doc)
		if err != nil {
			return err
		}
		payload = string(data)
	}

	return s.withPrincipal(ctx, principal, func(h *sqlexec.Handle) error {
		err := s.exec.Execute(ctx, h, `
			INSERT INTO my_outbox (id, collection, doc_id, op, payload, attempts, last_error, updated_at)
			VALUES (?, ?, ?, ?, ?, 1, ?, ?)
			ON CONFLICT(collection, doc_id) DO UPDATE SET
				op = excluded.op,
				payload = excluded.payload,
				attempts = my_outbox.attempts + 1,
				last_error = excluded.last_error,
				updated_at = excluded.updated_at
		`, uuid.NewString(), m.Collection, m.DocID, m.Op, payload, cause.Error(), rows.FormatTime(time.Now()))
		if err != nil {
			return err
		}
		s.updatePendingGauge(ctx, h)
		return nil
	})
}

func (s *Store) dequeue(ctx context.Context, principal string, m mutation) error {
	return s.withPrincipal(ctx, principal, func(h *sqlexec.Handle) error {
		result, err := s.exec.QueryAll(ctx, h,
			"DELETE FROM my_outbox WHERE collection = ? AND doc_id = ? RETURNING id", m.Collection, m.DocID)
		if err != nil {
			return err
		}
		if len(result) > 0 {
			s.updatePendingGauge(ctx, h)
		}
		return nil
	})
}

func (s *Store) updatePendingGauge(ctx context.Context, h *sqlexec.Handle) {
	result, err := s.exec.QueryAll(ctx, h, "SELECT COUNT(*) AS n FROM my_outbox")
	if err == nil && len(result) > 0 {
		metrics.OutboxPending.Set(float64(rows.Int(result[0]["n"])))
	}
}

// OutboxEntry is a queued mirror write
type OutboxEntry struct {
	Collection string
	DocID      string
	Op         string
	Attempts   int
	LastError  string
	UpdatedAt  time.Time
}

// Outbox lists the queued mirror writes, oldest first
func (s *Store) Outbox(ctx context.Context) ([]OutboxEntry, error) {
	result, err := s.query(ctx, `SELECT collection, doc_id, op, attempts, last_error, updated_at
		FROM my_outbox ORDER BY updated_at, id`)
	if err != nil {
		return nil, err
	}
	entries := make([]OutboxEntry, 0, len(result))
	for _, r := range result {
		entries = append(entries, OutboxEntry{
			Collection: rows.String(r["collection"]),
			DocID:      rows.String(r["doc_id"]),
			Op:         rows.String(r["op"]),
			Attempts:   int(rows.Int(r["attempts"])),
			LastError:  rows.String(r["last_error"]),
			UpdatedAt:  rows.Time(r["updated_at"]),
		})
	}
	return entries, nil
}

// FlushOutbox replays queued mirror writes in order and returns how many
// succeeded. Entries that fail again stay queued.
func (s *Store) FlushOutbox(ctx context.Context) (int, error) {
	if s.remote == nil {
		return 0, nil
	}
	principal := s.Principal()
	if principal == "" {
		return 0, s.noHandleErr(ctx)
	}

	result, err := s.query(ctx, "SELECT collection, doc_id, op, payload FROM my_outbox ORDER BY updated_at, id")
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, r := range result {
		m := mutation{
			Collection: rows.String(r["collection"]),
			DocID:      rows.String(r["doc_id"]),
			Op:         rows.String(r["op"]),
		}
		if m.Op == OpUpsert {
			m.Doc = rows.DecodeJSON(r["payload"], remote.Document(nil))
			if m.Doc == nil {
				util.WarnLog("Dropping unreadable outbox entry %s/%s", m.Collection, m.DocID)
				if err := s.dequeue(ctx, principal, m); err != nil {
					util.DebugLog("Outbox cleanup for %s/%s skipped: %v", m.Collection, m.DocID, err)
				}
				continue
			}
		}

		attempts, err := s.send(ctx, m)
		s.events.LogMirror(principal, m.Collection, m.DocID, m.Op, attempts, err)
		if err != nil {
			if qerr := s.enqueue(ctx, principal, m, err); qerr != nil {
				return sent, qerr
			}
			continue
		}
		if err := s.dequeue(ctx, principal, m); err != nil {
			return sent, err
		}
		metrics.MirrorWritesTotal.WithLabelValues("replayed").Inc()
		sent++
	}

	if sent > 0 {
		util.InfoLog("Replayed %d queued mirror writes", sent)
	}
	return sent, nil
}
