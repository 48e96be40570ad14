package personal

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/franz/dive-atlas/internal/model"
	"github.com/franz/dive-atlas/internal/remote"
	"github.com/franz/dive-atlas/internal/rows"
	"github.com/franz/dive-atlas/internal/sqlexec"
	"github.com/franz/dive-atlas/internal/util"
	"github.com/google/uuid"
)

const (
	logInsert = `INSERT OR REPLACE INTO my_logs (id, date, point_id, point_name, creature_id, data)
		VALUES (?, ?, ?, ?, ?, ?)`
	reviewInsert = `INSERT OR REPLACE INTO my_reviews (id, point_id, rating, data, created_at)
		VALUES (?, ?, ?, ?, ?)`
	proposalInsert = `INSERT OR REPLACE INTO my_proposals
		(id, target_id, proposal_type, status, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	bookmarkInsert = `INSERT OR REPLACE INTO my_bookmarks (point_id, created_at) VALUES (?, ?)`
	favoriteInsert = `INSERT OR REPLACE INTO my_favorites (creature_id, created_at) VALUES (?, ?)`
	settingInsert  = `INSERT OR REPLACE INTO my_settings (key, value) VALUES (?, ?)`

	// inChunk bounds the number of bound parameters per IN list
	inChunk = 500
)

// SaveLog stores a dive log. A missing id, date or timestamp is filled in.
// The returned log is what was stored locally; mirroring happens later.
func (s *Store) SaveLog(ctx context.Context, l model.DiveLog) (model.DiveLog, error) {
	now := time.Now().UTC()
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.Date == "" {
		l.Date = now.Format("2006-01-02")
	} else if _, err := time.Parse("2006-01-02", l.Date); err != nil {
		return l, fmt.Errorf("%w: log date %q is not YYYY-MM-DD", util.ErrInvalidInput, l.Date)
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	l.UpdatedAt = now

	args, err := rows.DiveLogToArgs(l)
	if err != nil {
		return l, err
	}

	err = s.withHandle(ctx, func(h *sqlexec.Handle, principal string) error {
		if err := s.exec.Execute(ctx, h, logInsert, args...); err != nil {
			return fmt.Errorf("failed to save log: %w", err)
		}
		s.mirrorUpsert(ctx, principal, remote.UserCollection(principal, "logs"), l.ID, l, nil)
		return nil
	})
	return l, err
}

// DeleteLog removes a dive log
func (s *Store) DeleteLog(ctx context.Context, id string) error {
	return s.withHandle(ctx, func(h *sqlexec.Handle, principal string) error {
		if err := s.exec.Execute(ctx, h, "DELETE FROM my_logs WHERE id = ?", id); err != nil {
			return fmt.Errorf("failed to delete log: %w", err)
		}
		s.mirrorDelete(ctx, principal, remote.UserCollection(principal, "logs"), id)
		return nil
	})
}

// GetLog returns one dive log
func (s *Store) GetLog(ctx context.Context, id string) (*model.DiveLog, error) {
	result, err := s.query(ctx, "SELECT id, date, point_id, point_name, creature_id, data FROM my_logs WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("log %s: %w", id, util.ErrNotFound)
	}
	l := rows.DiveLogFromRow(result[0])
	return &l, nil
}

// ListLogs returns logs matching filter, newest dive first
func (s *Store) ListLogs(ctx context.Context, filter model.LogFilter) ([]model.DiveLog, error) {
	var where []string
	var args []any
	if filter.PointID != "" {
		where = append(where, "point_id = ?")
		args = append(args, filter.PointID)
	}
	if filter.CreatureID != "" {
		where = append(where, "creature_id = ?")
		args = append(args, filter.CreatureID)
	}
	if filter.From != "" {
		where = append(where, "date >= ?")
		args = append(args, filter.From)
	}
	if filter.To != "" {
		where = append(where, "date <= ?")
		args = append(args, filter.To)
	}

	q := "SELECT id, date, point_id, point_name, creature_id, data FROM my_logs"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY date DESC, id"
	if filter.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	result, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	logs := make([]model.DiveLog, 0, len(result))
	for _, r := range result {
		logs = append(logs, rows.DiveLogFromRow(r))
	}
	return logs, nil
}

// SaveReview stores a review of a point. Ratings run from 1 to 5.
func (s *Store) SaveReview(ctx context.Context, rv model.Review) (model.Review, error) {
	if rv.PointID == "" {
		return rv, fmt.Errorf("%w: review needs a point id", util.ErrInvalidInput)
	}
	if rv.Rating < 1 || rv.Rating > 5 {
		return rv, fmt.Errorf("%w: rating %d is outside 1..5", util.ErrInvalidInput, rv.Rating)
	}
	if rv.ID == "" {
		rv.ID = uuid.NewString()
	}
	if rv.CreatedAt.IsZero() {
		rv.CreatedAt = time.Now().UTC()
	}

	args, err := rows.ReviewToArgs(rv)
	if err != nil {
		return rv, err
	}

	err = s.withHandle(ctx, func(h *sqlexec.Handle, principal string) error {
		if err := s.exec.Execute(ctx, h, reviewInsert, args...); err != nil {
			return fmt.Errorf("failed to save review: %w", err)
		}
		s.mirrorUpsert(ctx, principal, remote.Reviews, rv.ID, rv, remote.Document{"userId": principal})
		return nil
	})
	return rv, err
}

// DeleteReview removes a review
func (s *Store) DeleteReview(ctx context.Context, id string) error {
	return s.withHandle(ctx, func(h *sqlexec.Handle, principal string) error {
		if err := s.exec.Execute(ctx, h, "DELETE FROM my_reviews WHERE id = ?", id); err != nil {
			return fmt.Errorf("failed to delete review: %w", err)
		}
		s.mirrorDelete(ctx, principal, remote.Reviews, id)
		return nil
	})
}

// ListReviews returns the principal's reviews, newest first. An empty
// pointID lists all of them.
func (s *Store) ListReviews(ctx context.Context, pointID string) ([]model.Review, error) {
	q := "SELECT id, point_id, rating, data, created_at FROM my_reviews"
	var args []any
	if pointID != "" {
		q += " WHERE point_id = ?"
		args = append(args, pointID)
	}
	q += " ORDER BY created_at DESC, id"

	result, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	reviews := make([]model.Review, 0, len(result))
	for _, r := range result {
		reviews = append(reviews, rows.ReviewFromRow(r))
	}
	return reviews, nil
}

// SubmitProposal stores a new pending proposal and mirrors it for moderation
func (s *Store) SubmitProposal(ctx context.Context, p model.Proposal) (model.Proposal, error) {
	if !p.Type.Valid() {
		return p, fmt.Errorf("%w: unknown proposal type %q", util.ErrInvalidInput, p.Type)
	}
	if p.TargetID == "" {
		return p, fmt.Errorf("%w: proposal needs a target id", util.ErrInvalidInput)
	}
	now := time.Now().UTC()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.Status = model.StatusPending
	p.CreatedAt = now
	p.UpdatedAt = now

	args, err := rows.ProposalToArgs(p)
	if err != nil {
		return p, fmt.Errorf("%w: %v", util.ErrInvalidInput, err)
	}
	if len(p.Payload) == 0 {
		p.Payload = json.RawMessage("{}")
	}

	err = s.withHandle(ctx, func(h *sqlexec.Handle, principal string) error {
		if err := s.exec.Execute(ctx, h, proposalInsert, args...); err != nil {
			return fmt.Errorf("failed to save proposal: %w", err)
		}
		s.mirrorUpsert(ctx, principal, remote.Proposals, p.ID, p, remote.Document{"userId": principal})
		return nil
	})
	return p, err
}

// ListProposals returns proposals, oldest first. An empty status lists all.
func (s *Store) ListProposals(ctx context.Context, status model.ProposalStatus) ([]model.Proposal, error) {
	q := "SELECT id, target_id, proposal_type, status, data, created_at, updated_at FROM my_proposals"
	var args []any
	if status != "" {
		q += " WHERE status = ?"
		args = append(args, string(status))
	}
	q += " ORDER BY created_at, id"

	result, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	proposals := make([]model.Proposal, 0, len(result))
	for _, r := range result {
		proposals = append(proposals, rows.ProposalFromRow(r))
	}
	return proposals, nil
}

// SetProposalStatus records a moderation decision. This is the only
// mutation a stored proposal accepts.
func (s *Store) SetProposalStatus(ctx context.Context, id string, status model.ProposalStatus) error {
	switch status {
	case model.StatusPending, model.StatusApproved, model.StatusRejected:
	default:
		return fmt.Errorf("%w: unknown proposal status %q", util.ErrInvalidInput, status)
	}

	result, err := s.query(ctx, "UPDATE my_proposals SET status = ?, updated_at = ? WHERE id = ? RETURNING id",
		string(status), rows.FormatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update proposal: %w", err)
	}
	if len(result) == 0 {
		return fmt.Errorf("proposal %s: %w", id, util.ErrNotFound)
	}
	return nil
}

// DeleteProposalsForTargets deletes every proposal whose target id is in ids
// and returns how many were removed
func (s *Store) DeleteProposalsForTargets(ctx context.Context, ids []string) (int, error) {
	deleted := 0
	for start := 0; start < len(ids); start += inChunk {
		end := min(start+inChunk, len(ids))
		chunk := ids[start:end]

		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(chunk)), ", ")

		result, err := s.query(ctx, "DELETE FROM my_proposals WHERE target_id IN ("+placeholders+") RETURNING id", args...)
		if err != nil {
			return deleted, fmt.Errorf("failed to delete proposals: %w", err)
		}
		deleted += len(result)
	}
	return deleted, nil
}

// PruneProposals deletes rejected proposals and pending ones created before
// olderThan. A zero olderThan only removes rejected proposals.
func (s *Store) PruneProposals(ctx context.Context, olderThan time.Time) (int, error) {
	q := "DELETE FROM my_proposals WHERE status = ?"
	args := []any{string(model.StatusRejected)}
	if !olderThan.IsZero() {
		q += " OR (status = ? AND created_at < ?)"
		args = append(args, string(model.StatusPending), rows.FormatTime(olderThan))
	}

	result, err := s.query(ctx, q+" RETURNING id", args...)
	if err != nil {
		return 0, fmt.Errorf("failed to prune proposals: %w", err)
	}
	return len(result), nil
}

// AddBookmark marks a point
func (s *Store) AddBookmark(ctx context.Context, pointID string) error {
	if pointID == "" {
		return fmt.Errorf("%w: empty point id", util.ErrInvalidInput)
	}
	b := model.Bookmark{PointID: pointID, CreatedAt: time.Now().UTC()}
	return s.withHandle(ctx, func(h *sqlexec.Handle, principal string) error {
		if err := s.exec.Execute(ctx, h, bookmarkInsert, rows.BookmarkToArgs(b)...); err != nil {
			return fmt.Errorf("failed to save bookmark: %w", err)
		}
		s.mirrorUpsert(ctx, principal, remote.UserCollection(principal, "bookmarks"), pointID, b, nil)
		return nil
	})
}

// RemoveBookmark unmarks a point
func (s *Store) RemoveBookmark(ctx context.Context, pointID string) error {
	return s.withHandle(ctx, func(h *sqlexec.Handle, principal string) error {
		if err := s.exec.Execute(ctx, h, "DELETE FROM my_bookmarks WHERE point_id = ?", pointID); err != nil {
			return fmt.Errorf("failed to delete bookmark: %w", err)
		}
		s.mirrorDelete(ctx, principal, remote.UserCollection(principal, "bookmarks"), pointID)
		return nil
	})
}

// IsBookmarked reports whether a point is marked
func (s *Store) IsBookmarked(ctx context.Context, pointID string) (bool, error) {
	result, err := s.query(ctx, "SELECT 1 AS found FROM my_bookmarks WHERE point_id = ?", pointID)
	if err != nil {
		return false, err
	}
	return len(result) > 0, nil
}

// ListBookmarks returns bookmarks, newest first
func (s *Store) ListBookmarks(ctx context.Context) ([]model.Bookmark, error) {
	result, err := s.query(ctx, "SELECT point_id, created_at FROM my_bookmarks ORDER BY created_at DESC, point_id")
	if err != nil {
		return nil, err
	}
	bookmarks := make([]model.Bookmark, 0, len(result))
	for _, r := range result {
		bookmarks = append(bookmarks, rows.BookmarkFromRow(r))
	}
	return bookmarks, nil
}

// AddFavorite marks a creature
func (s *Store) AddFavorite(ctx context.Context, creatureID string) error {
	if creatureID == "" {
		return fmt.Errorf("%w: empty creature id", util.ErrInvalidInput)
	}
	f := model.Favorite{CreatureID: creatureID, CreatedAt: time.Now().UTC()}
	return s.withHandle(ctx, func(h *sqlexec.Handle, principal string) error {
		if err := s.exec.Execute(ctx, h, favoriteInsert, rows.FavoriteToArgs(f)...); err != nil {
			return fmt.Errorf("failed to save favorite: %w", err)
		}
		s.mirrorUpsert(ctx, principal, remote.UserCollection(principal, "favorites"), creatureID, f, nil)
		return nil
	})
}

// RemoveFavorite unmarks a creature
func (s *Store) RemoveFavorite(ctx context.Context, creatureID string) error {
	return s.withHandle(ctx, func(h *sqlexec.Handle, principal string) error {
		if err := s.exec.Execute(ctx, h, "DELETE FROM my_favorites WHERE creature_id = ?", creatureID); err != nil {
			return fmt.Errorf("failed to delete favorite: %w", err)
		}
		s.mirrorDelete(ctx, principal, remote.UserCollection(principal, "favorites"), creatureID)
		return nil
	})
}

// ListFavorites returns favorites, newest first
func (s *Store) ListFavorites(ctx context.Context) ([]model.Favorite, error) {
	result, err := s.query(ctx, "SELECT creature_id, created_at FROM my_favorites ORDER BY created_at DESC, creature_id")
	if err != nil {
		return nil, err
	}
	favorites := make([]model.Favorite, 0, len(result))
	for _, r := range result {
		favorites = append(favorites, rows.FavoriteFromRow(r))
	}
	return favorites, nil
}

// PutSetting stores a JSON-encodable value under key. Settings are device
// local; UpdateProfile is the mirrored way to change the profile.
func (s *Store) PutSetting(ctx context.Context, key string, v any) error {
	return s.withHandle(ctx, func(h *sqlexec.Handle, _ string) error {
		return s.putSetting(ctx, h, key, v)
	})
}

// putSetting writes to h directly. Callers hold the store lock and have
// checked that h belongs to the principal the value describes.
func (s *Store) putSetting(ctx context.Context, h *sqlexec.Handle, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode setting %s: %w", key, err)
	}
	return s.exec.Execute(ctx, h, settingInsert, key, string(data))
}

// GetSetting returns the raw JSON stored under key, or nil when unset
func (s *Store) GetSetting(ctx context.Context, key string) (json.RawMessage, error) {
	result, err := s.query(ctx, "SELECT value FROM my_settings WHERE key = ?", key)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, nil
	}
	raw := rows.String(result[0]["value"])
	if !json.Valid([]byte(raw)) {
		util.WarnLog("Ignoring malformed setting %s", key)
		return nil, nil
	}
	return json.RawMessage(raw), nil
}

// Profile returns the cached profile, or nil before the initial sync
func (s *Store) Profile(ctx context.Context) (*model.Profile, error) {
	raw, err := s.GetSetting(ctx, SettingProfile)
	if err != nil || raw == nil {
		return nil, err
	}
	p := rows.DecodeJSON([]byte(raw), model.Profile{})
	if p.UserID == "" {
		return nil, nil
	}
	return &p, nil
}

// UpdateProfile stores the profile and mirrors it to the users collection
func (s *Store) UpdateProfile(ctx context.Context, p model.Profile) (model.Profile, error) {
	principal := s.Principal()
	if principal == "" {
		return p, s.noHandleErr(ctx)
	}
	p.UserID = principal
	if p.SyncedAt.IsZero() {
		p.SyncedAt = time.Now().UTC()
	}
	err := s.withPrincipal(ctx, principal, func(h *sqlexec.Handle) error {
		return s.putSetting(ctx, h, SettingProfile, p)
	})
	if err != nil {
		return p, err
	}
	s.mirrorUpsert(ctx, principal, remote.Users, principal, p, nil)
	return p, nil
}

// Stats returns the cached log statistics, computing them when missing
func (s *Store) Stats(ctx context.Context) (model.Stats, error) {
	raw, err := s.GetSetting(ctx, SettingStats)
	if err != nil {
		return model.Stats{}, err
	}
	if raw != nil {
		if st := rows.DecodeJSON([]byte(raw), model.Stats{}); !st.UpdatedAt.IsZero() {
			return st, nil
		}
	}
	return s.RefreshStats(ctx)
}

// RefreshStats recomputes the log statistics and caches them. The logs are
// read and the result written under one lock, so the stats always land in
// the database they were computed from.
func (s *Store) RefreshStats(ctx context.Context) (model.Stats, error) {
	var st model.Stats
	err := s.withHandle(ctx, func(h *sqlexec.Handle, _ string) error {
		result, err := s.exec.QueryAll(ctx, h, "SELECT id, date, point_id, point_name, creature_id, data FROM my_logs")
		if err != nil {
			return err
		}
		logs := make([]model.DiveLog, 0, len(result))
		for _, r := range result {
			logs = append(logs, rows.DiveLogFromRow(r))
		}
		st = computeStats(logs)
		return s.putSetting(ctx, h, SettingStats, st)
	})
	if err != nil {
		return model.Stats{}, err
	}
	return st, nil
}

func computeStats(logs []model.DiveLog) model.Stats {
	st := model.Stats{LogCount: len(logs), UpdatedAt: time.Now().UTC()}
	points := make(map[string]struct{})
	creatures := make(map[string]struct{})
	for _, l := range logs {
		if l.PointID != "" {
			points[l.PointID] = struct{}{}
		}
		if l.CreatureID != "" {
			creatures[l.CreatureID] = struct{}{}
		}
		for _, c := range l.Sightings {
			creatures[c] = struct{}{}
		}
		if l.MaxDepth != nil && *l.MaxDepth > st.MaxDepth {
			st.MaxDepth = *l.MaxDepth
		}
		if l.Date > st.LastDiveDate {
			st.LastDiveDate = l.Date
		}
	}
	st.PointCount = len(points)
	st.CreatureCount = len(creatures)
	return st
}
