package rows

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/franz/dive-atlas/internal/model"
	"github.com/franz/dive-atlas/internal/remote"
	"github.com/franz/dive-atlas/internal/sqlexec"
)

// Current envelope versions of the personal JSON columns
var (
	LogCodec     = NewCodec[model.DiveLog](1)
	ReviewCodec  = NewCodec[model.Review](1)
	PayloadCodec = NewCodec[json.RawMessage](1)
)

// DiveLogFromRow maps a my_logs row. The structured columns win over the
// JSON record when both are present.
func DiveLogFromRow(r sqlexec.Row) model.DiveLog {
	l := LogCodec.Decode(r["data"], model.DiveLog{})
	l.ID = String(r["id"])
	if date := String(r["date"]); date != "" {
		l.Date = date
	}
	if pointID := String(r["point_id"]); pointID != "" {
		l.PointID = pointID
	}
	if pointName := String(r["point_name"]); pointName != "" {
		l.PointName = pointName
	}
	if creatureID := String(r["creature_id"]); creatureID != "" {
		l.CreatureID = creatureID
	}
	return l
}

// DiveLogToArgs returns id, date, point_id, point_name, creature_id, data
func DiveLogToArgs(l model.DiveLog) ([]any, error) {
	data, err := LogCodec.Encode(l)
	if err != nil {
		return nil, err
	}
	return []any{l.ID, l.Date, l.PointID, l.PointName, nullString(l.CreatureID), data}, nil
}

// ReviewFromRow maps a my_reviews row
func ReviewFromRow(r sqlexec.Row) model.Review {
	rv := ReviewCodec.Decode(r["data"], model.Review{})
	rv.ID = String(r["id"])
	rv.PointID = String(r["point_id"])
	rv.Rating = int(Int(r["rating"]))
	if created := Time(r["created_at"]); !created.IsZero() {
		rv.CreatedAt = created
	}
	return rv
}

// ReviewToArgs returns id, point_id, rating, data, created_at
func ReviewToArgs(rv model.Review) ([]any, error) {
	data, err := ReviewCodec.Encode(rv)
	if err != nil {
		return nil, err
	}
	return []any{rv.ID, rv.PointID, rv.Rating, data, FormatTime(rv.CreatedAt)}, nil
}

// ProposalFromRow maps a my_proposals row
func ProposalFromRow(r sqlexec.Row) model.Proposal {
	status := model.ProposalStatus(String(r["status"]))
	if status == "" {
		status = model.StatusPending
	}
	return model.Proposal{
		ID:        String(r["id"]),
		TargetID:  String(r["target_id"]),
		Type:      model.ProposalType(String(r["proposal_type"])),
		Status:    status,
		Payload:   PayloadCodec.Decode(r["data"], nil),
		CreatedAt: Time(r["created_at"]),
		UpdatedAt: Time(r["updated_at"]),
	}
}

// ProposalToArgs returns id, target_id, proposal_type, status, data, created_at, updated_at
func ProposalToArgs(p model.Proposal) ([]any, error) {
	payload := p.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("proposal %s: payload is not valid JSON", p.ID)
	}
	data, err := PayloadCodec.Encode(payload)
	if err != nil {
		return nil, err
	}
	return []any{
		p.ID, p.TargetID, string(p.Type), string(p.Status), data,
		FormatTime(p.CreatedAt), FormatTime(p.UpdatedAt),
	}, nil
}

// BookmarkFromRow maps a my_bookmarks row
func BookmarkFromRow(r sqlexec.Row) model.Bookmark {
	return model.Bookmark{PointID: String(r["point_id"]), CreatedAt: Time(r["created_at"])}
}

// BookmarkToArgs returns point_id, created_at
func BookmarkToArgs(b model.Bookmark) []any {
	return []any{b.PointID, FormatTime(b.CreatedAt)}
}

// FavoriteFromRow maps a my_favorites row
func FavoriteFromRow(r sqlexec.Row) model.Favorite {
	return model.Favorite{CreatureID: String(r["creature_id"]), CreatedAt: Time(r["created_at"])}
}

// FavoriteToArgs returns creature_id, created_at
func FavoriteToArgs(f model.Favorite) []any {
	return []any{f.CreatureID, FormatTime(f.CreatedAt)}
}

// ToDocument converts an entity to its remote document form
func ToDocument(v any) (remote.Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	var doc remote.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return doc, nil
}

// FromDocument converts a remote document to an entity, or fallback
func FromDocument[T any](d remote.Document, fallback T) T {
	data, err := json.Marshal(d)
	if err != nil {
		return fallback
	}
	return DecodeJSON[T](data, fallback)
}

// DiveLogFromDocument maps a users/<uid>/logs document
func DiveLogFromDocument(d remote.Document) model.DiveLog {
	l := FromDocument(d, model.DiveLog{})
	l.ID = String(d["id"])
	return l
}

// ReviewFromDocument maps a reviews document
func ReviewFromDocument(d remote.Document) model.Review {
	rv := FromDocument(d, model.Review{})
	rv.ID = String(d["id"])
	rv.Rating = int(Int(d["rating"]))
	return rv
}

// BookmarkFromDocument maps a users/<uid>/bookmarks document, keyed by point id
func BookmarkFromDocument(d remote.Document) model.Bookmark {
	pointID := String(d["pointId"])
	if pointID == "" {
		pointID = String(d["id"])
	}
	return model.Bookmark{PointID: pointID, CreatedAt: docTime(d["createdAt"])}
}

// FavoriteFromDocument maps a users/<uid>/favorites document, keyed by creature id
func FavoriteFromDocument(d remote.Document) model.Favorite {
	creatureID := String(d["creatureId"])
	if creatureID == "" {
		creatureID = String(d["id"])
	}
	return model.Favorite{CreatureID: creatureID, CreatedAt: docTime(d["createdAt"])}
}

// ProfileFromDocument maps a users document
func ProfileFromDocument(d remote.Document) model.Profile {
	p := FromDocument(d, model.Profile{})
	if p.UserID == "" {
		p.UserID = String(d["id"])
	}
	return p
}

func docTime(v any) time.Time {
	t := Time(v)
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
