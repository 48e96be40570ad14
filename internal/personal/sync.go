package personal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/franz/dive-atlas/internal/model"
	"github.com/franz/dive-atlas/internal/remote"
	"github.com/franz/dive-atlas/internal/rows"
	"github.com/franz/dive-atlas/internal/sqlexec"
	"github.com/franz/dive-atlas/internal/util"
	"github.com/sourcegraph/conc/pool"
)

// SyncResult counts what an initial sync pulled
type SyncResult struct {
	Skipped   bool // profile marker already present
	Logs      int
	Reviews   int
	Bookmarks int
	Favorites int
}

// Total is the number of pulled records
func (r SyncResult) Total() int {
	return r.Logs + r.Reviews + r.Bookmarks + r.Favorites
}

// InitialSync rehydrates the open principal's database from the remote store
// once. Records already present locally are kept. The profile marker is only
// written when every pull succeeded, so a failed sync runs again next time.
func (s *Store) InitialSync(ctx context.Context) (SyncResult, error) {
	var res SyncResult

	principal := s.Principal()
	if principal == "" {
		return res, s.noHandleErr(ctx)
	}
	var synced bool
	err := s.withPrincipal(ctx, principal, func(h *sqlexec.Handle) error {
		result, err := s.exec.QueryAll(ctx, h, "SELECT value FROM my_settings WHERE key = ?", SettingProfile)
		if err != nil || len(result) == 0 {
			return err
		}
		synced = rows.DecodeJSON(result[0]["value"], model.Profile{}).UserID != ""
		return nil
	})
	if err != nil {
		return res, err
	}
	if synced {
		res.Skipped = true
		return res, nil
	}
	if s.remote == nil {
		return res, fmt.Errorf("%w: no remote store configured", util.ErrNetwork)
	}

	var (
		profile   model.Profile
		logs      []model.DiveLog
		reviews   []model.Review
		bookmarks []model.Bookmark
		favorites []model.Favorite
	)

	fetch := func(ctx context.Context, q remote.Query) ([]remote.Document, error) {
		return util.RetryWithBackoff(ctx, s.retry, func(ctx context.Context) ([]remote.Document, error) {
			return s.remote.Query(ctx, q)
		}, "sync "+q.Collection)
	}

	p := pool.New().WithErrors().WithContext(ctx)
	p.Go(func(ctx context.Context) error {
		doc, err := util.RetryWithBackoff(ctx, s.retry, func(ctx context.Context) (remote.Document, error) {
			return s.remote.Get(ctx, remote.Users, principal)
		}, "sync profile")
		switch {
		case errors.Is(err, util.ErrNotFound):
			profile = model.Profile{UserID: principal}
		case err != nil:
			return fmt.Errorf("profile: %w", err)
		default:
			profile = rows.ProfileFromDocument(doc)
		}
		return nil
	})
	p.Go(func(ctx context.Context) error {
		docs, err := fetch(ctx, remote.Query{Collection: remote.UserCollection(principal, "logs")})
		if err != nil {
			return fmt.Errorf("logs: %w", err)
		}
		for _, d := range docs {
			logs = append(logs, rows.DiveLogFromDocument(d))
		}
		return nil
	})
	p.Go(func(ctx context.Context) error {
		docs, err := fetch(ctx, remote.Query{
			Collection: remote.Reviews,
			Filters:    []remote.Filter{{Field: "userId", Op: remote.OpEq, Value: principal}},
		})
		if err != nil {
			return fmt.Errorf("reviews: %w", err)
		}
		for _, d := range docs {
			reviews = append(reviews, rows.ReviewFromDocument(d))
		}
		return nil
	})
	p.Go(func(ctx context.Context) error {
		docs, err := fetch(ctx, remote.Query{Collection: remote.UserCollection(principal, "bookmarks")})
		if err != nil {
			return fmt.Errorf("bookmarks: %w", err)
		}
		for _, d := range docs {
			bookmarks = append(bookmarks, rows.BookmarkFromDocument(d))
		}
		return nil
	})
	p.Go(func(ctx context.Context) error {
		docs, err := fetch(ctx, remote.Query{Collection: remote.UserCollection(principal, "favorites")})
		if err != nil {
			return fmt.Errorf("favorites: %w", err)
		}
		for _, d := range docs {
			favorites = append(favorites, rows.FavoriteFromDocument(d))
		}
		return nil
	})

	if err := p.Wait(); err != nil {
		s.events.LogSync(principal, 0, err)
		return res, fmt.Errorf("initial sync failed: %w", err)
	}

	profile.UserID = principal
	profile.SyncedAt = time.Now().UTC()

	// The marker goes into the same critical section as the pulled rows, so a
	// principal switch cannot move it into another database.
	err = s.withPrincipal(ctx, principal, func(h *sqlexec.Handle) error {
		var err error
		if res.Logs, err = insertPulled(ctx, s, h, logs, func(l model.DiveLog) (string, []any, error) {
			args, err := rows.DiveLogToArgs(l)
			return logInsert, args, err
		}); err != nil {
			return err
		}
		if res.Reviews, err = insertPulled(ctx, s, h, reviews, func(rv model.Review) (string, []any, error) {
			args, err := rows.ReviewToArgs(rv)
			return reviewInsert, args, err
		}); err != nil {
			return err
		}
		if res.Bookmarks, err = insertPulled(ctx, s, h, bookmarks, func(b model.Bookmark) (string, []any, error) {
			return bookmarkInsert, rows.BookmarkToArgs(b), nil
		}); err != nil {
			return err
		}
		if res.Favorites, err = insertPulled(ctx, s, h, favorites, func(f model.Favorite) (string, []any, error) {
			return favoriteInsert, rows.FavoriteToArgs(f), nil
		}); err != nil {
			return err
		}
		return s.putSetting(ctx, h, SettingProfile, profile)
	})
	if err != nil {
		s.events.LogSync(principal, res.Total(), err)
		return res, err
	}

	util.InfoLog("Initial sync for %s pulled %d records", principal, res.Total())
	s.events.LogSync(principal, res.Total(), nil)
	return res, nil
}

// insertPulled writes remote records without mirroring them back. Local rows
// win over pulled ones with the same key.
func insertPulled[T any](ctx context.Context, s *Store, h *sqlexec.Handle, items []T, stmt func(T) (string, []any, error)) (int, error) {
	n := 0
	for _, item := range items {
		q, args, err := stmt(item)
		if err != nil {
			util.WarnLog("Skipping unreadable synced record: %v", err)
			continue
		}
		q = strings.Replace(q, "INSERT OR REPLACE", "INSERT OR IGNORE", 1)
		if err := s.exec.Execute(ctx, h, q, args...); err != nil {
			return n, fmt.Errorf("failed to store synced record: %w", err)
		}
		n++
	}
	return n, nil
}
