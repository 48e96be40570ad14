package rows

import (
	"encoding/json"
	"strings"

	"github.com/franz/dive-atlas/internal/model"
	"github.com/franz/dive-atlas/internal/remote"
	"github.com/franz/dive-atlas/internal/sqlexec"
)

// Column lists, in ToArgs order
const (
	PointColumns = "id, name, name_kana, region_name, zone_name, area_name, latitude, longitude, " +
		"level, max_depth, entry_type, topography, features, image_url, rating_avg, review_count, search_text"
	CreatureColumns = "id, name, name_kana, scientific_name, category, rarity, description, tags, " +
		"season, depth_min, depth_max, image_url, search_text"
	PointCreatureColumns = "id, point_id, creature_id, local_rarity, status"
)

// PointFromRow maps a master_points row
func PointFromRow(r sqlexec.Row) model.Point {
	return model.Point{
		ID:          String(r["id"]),
		Name:        String(r["name"]),
		NameKana:    String(r["name_kana"]),
		Region:      String(r["region_name"]),
		Zone:        String(r["zone_name"]),
		Area:        String(r["area_name"]),
		Latitude:    OptFloat(r["latitude"]),
		Longitude:   OptFloat(r["longitude"]),
		Level:       String(r["level"]),
		MaxDepth:    OptFloat(r["max_depth"]),
		EntryType:   String(r["entry_type"]),
		Topography:  Strings(r["topography"]),
		Features:    Strings(r["features"]),
		ImageURL:    String(r["image_url"]),
		RatingAvg:   Float(r["rating_avg"]),
		ReviewCount: int(Int(r["review_count"])),
	}
}

// PointToArgs returns the values for PointColumns
func PointToArgs(p model.Point) []any {
	return []any{
		p.ID, p.Name, p.NameKana, p.Region, p.Zone, p.Area,
		floatArg(p.Latitude), floatArg(p.Longitude),
		p.Level, floatArg(p.MaxDepth), p.EntryType,
		jsonArg(p.Topography), jsonArg(p.Features),
		p.ImageURL, p.RatingAvg, p.ReviewCount, PointSearchText(p),
	}
}

// PointSearchText is the lower-cased concatenation of a point's searchable fields
func PointSearchText(p model.Point) string {
	return searchText(p.Name, p.NameKana, p.Region, p.Zone, p.Area)
}

// CreatureFromRow maps a master_creatures row
func CreatureFromRow(r sqlexec.Row) model.Creature {
	return model.Creature{
		ID:             String(r["id"]),
		Name:           String(r["name"]),
		NameKana:       String(r["name_kana"]),
		ScientificName: String(r["scientific_name"]),
		Category:       String(r["category"]),
		Rarity:         String(r["rarity"]),
		Description:    String(r["description"]),
		Tags:           Strings(r["tags"]),
		Season:         Strings(r["season"]),
		DepthMin:       OptFloat(r["depth_min"]),
		DepthMax:       OptFloat(r["depth_max"]),
		ImageURL:       String(r["image_url"]),
	}
}

// CreatureToArgs returns the values for CreatureColumns
func CreatureToArgs(c model.Creature) []any {
	return []any{
		c.ID, c.Name, c.NameKana, c.ScientificName, c.Category, c.Rarity, c.Description,
		jsonArg(c.Tags), jsonArg(c.Season),
		floatArg(c.DepthMin), floatArg(c.DepthMax),
		c.ImageURL, CreatureSearchText(c),
	}
}

// CreatureSearchText is the lower-cased concatenation of a creature's searchable fields
func CreatureSearchText(c model.Creature) string {
	return searchText(append([]string{c.Name, c.NameKana, c.ScientificName, c.Category}, c.Tags...)...)
}

// PointCreatureFromRow maps a master_point_creatures row
func PointCreatureFromRow(r sqlexec.Row) model.PointCreature {
	status := String(r["status"])
	if status == "" {
		status = string(model.StatusApproved)
	}
	return model.PointCreature{
		ID:          String(r["id"]),
		PointID:     String(r["point_id"]),
		CreatureID:  String(r["creature_id"]),
		LocalRarity: String(r["local_rarity"]),
		Status:      status,
	}
}

// PointCreatureToArgs returns the values for PointCreatureColumns
func PointCreatureToArgs(pc model.PointCreature) []any {
	status := pc.Status
	if status == "" {
		status = string(model.StatusApproved)
	}
	return []any{pc.ID, pc.PointID, pc.CreatureID, pc.LocalRarity, status}
}

// PointFromDocument maps a document from the remote points collection
func PointFromDocument(d remote.Document) model.Point {
	return model.Point{
		ID:          String(d["id"]),
		Name:        String(d["name"]),
		NameKana:    String(d["nameKana"]),
		Region:      String(d["region"]),
		Zone:        String(d["zone"]),
		Area:        String(d["area"]),
		Latitude:    OptFloat(d["latitude"]),
		Longitude:   OptFloat(d["longitude"]),
		Level:       String(d["level"]),
		MaxDepth:    OptFloat(d["maxDepth"]),
		EntryType:   String(d["entryType"]),
		Topography:  Strings(d["topography"]),
		Features:    Strings(d["features"]),
		ImageURL:    String(d["imageUrl"]),
		RatingAvg:   Float(d["ratingAvg"]),
		ReviewCount: int(Int(d["reviewCount"])),
	}
}

// CreatureFromDocument maps a document from the remote creatures collection
func CreatureFromDocument(d remote.Document) model.Creature {
	return model.Creature{
		ID:             String(d["id"]),
		Name:           String(d["name"]),
		NameKana:       String(d["nameKana"]),
		ScientificName: String(d["scientificName"]),
		Category:       String(d["category"]),
		Rarity:         String(d["rarity"]),
		Description:    String(d["description"]),
		Tags:           Strings(d["tags"]),
		Season:         Strings(d["season"]),
		DepthMin:       OptFloat(d["depthMin"]),
		DepthMax:       OptFloat(d["depthMax"]),
		ImageURL:       String(d["imageUrl"]),
	}
}

func searchText(fields ...string) string {
	var parts []string
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			parts = append(parts, f)
		}
	}
	return strings.ToLower(strings.Join(parts, " "))
}

func floatArg(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func jsonArg(v []string) string {
	if v == nil {
		v = []string{}
	}
	data, _ := json.Marshal(v)
	return string(data)
}
