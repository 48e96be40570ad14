// Package model holds the in-memory entity shapes shared by the master and
// personal stores.
package model

import (
	"encoding/json"
	"time"
)

// Point is a diving location from the master snapshot
type Point struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	NameKana    string   `json:"nameKana,omitempty"`
	Region      string   `json:"region,omitempty"`
	Zone        string   `json:"zone,omitempty"`
	Area        string   `json:"area,omitempty"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
	Level       string   `json:"level,omitempty"`
	MaxDepth    *float64 `json:"maxDepth,omitempty"`
	EntryType   string   `json:"entryType,omitempty"`
	Topography  []string `json:"topography,omitempty"`
	Features    []string `json:"features,omitempty"`
	ImageURL    string   `json:"imageUrl,omitempty"`
	RatingAvg   float64  `json:"ratingAvg,omitempty"`
	ReviewCount int      `json:"reviewCount,omitempty"`
}

// Creature is a catalog entry from the master snapshot
type Creature struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	NameKana       string   `json:"nameKana,omitempty"`
	ScientificName string   `json:"scientificName,omitempty"`
	Category       string   `json:"category,omitempty"`
	Rarity         string   `json:"rarity,omitempty"`
	Description    string   `json:"description,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	Season         []string `json:"season,omitempty"`
	DepthMin       *float64 `json:"depthMin,omitempty"`
	DepthMax       *float64 `json:"depthMax,omitempty"`
	ImageURL       string   `json:"imageUrl,omitempty"`
}

// PointCreature links a creature to a point with a locally assigned rarity
type PointCreature struct {
	ID          string `json:"id"`
	PointID     string `json:"pointId"`
	CreatureID  string `json:"creatureId"`
	LocalRarity string `json:"localRarity,omitempty"`
	Status      string `json:"status"`
}

// DiveLog is a principal's record of one dive
type DiveLog struct {
	ID         string    `json:"id"`
	Date       string    `json:"date"` // YYYY-MM-DD
	DiveNumber int       `json:"diveNumber,omitempty"`
	PointID    string    `json:"pointId,omitempty"`
	PointName  string    `json:"pointName,omitempty"`
	CreatureID string    `json:"creatureId,omitempty"` // main sighting
	Sightings  []string  `json:"sightings,omitempty"`
	MaxDepth   *float64  `json:"maxDepth,omitempty"`
	Duration   *float64  `json:"durationMinutes,omitempty"`
	WaterTemp  *float64  `json:"waterTemp,omitempty"`
	Buddy      string    `json:"buddy,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Review is a principal's rating of a point
type Review struct {
	ID        string    `json:"id"`
	PointID   string    `json:"pointId"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	VisitedAt string    `json:"visitedAt,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ProposalType names the kind of master entity a proposal targets
type ProposalType string

const (
	ProposalPoint         ProposalType = "point"
	ProposalCreature      ProposalType = "creature"
	ProposalPointCreature ProposalType = "point_creature"
)

// Valid reports whether t is a known proposal type
func (t ProposalType) Valid() bool {
	switch t {
	case ProposalPoint, ProposalCreature, ProposalPointCreature:
		return true
	}
	return false
}

// ProposalStatus is the moderation state of a proposal
type ProposalStatus string

const (
	StatusPending  ProposalStatus = "pending"
	StatusApproved ProposalStatus = "approved"
	StatusRejected ProposalStatus = "rejected"
)

// Proposal is a locally authored request to add or change a master entity
type Proposal struct {
	ID        string          `json:"id"`
	TargetID  string          `json:"targetId"`
	Type      ProposalType    `json:"proposalType"`
	Status    ProposalStatus  `json:"status"`
	Payload   json.RawMessage `json:"payload,omitempty"` // diff against the master entity
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Bookmark marks a point
type Bookmark struct {
	PointID   string    `json:"pointId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Favorite marks a creature
type Favorite struct {
	CreatureID string    `json:"creatureId"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Profile is the cached remote profile. Its presence in settings marks the
// principal as synced.
type Profile struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName,omitempty"`
	HomeRegion  string    `json:"homeRegion,omitempty"`
	SyncedAt    time.Time `json:"syncedAt"`
}

// Stats are derived from the principal's logs
type Stats struct {
	LogCount      int       `json:"logCount"`
	PointCount    int       `json:"pointCount"`
	CreatureCount int       `json:"creatureCount"`
	MaxDepth      float64   `json:"maxDepth,omitempty"`
	LastDiveDate  string    `json:"lastDiveDate,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// LogFilter narrows a log listing. Zero fields match everything.
type LogFilter struct {
	PointID    string
	CreatureID string
	From       string // inclusive YYYY-MM-DD
	To         string // inclusive YYYY-MM-DD
	Limit      int
}

// Sighting is a creature seen at a point, with the point's local rarity
type Sighting struct {
	Creature
	LocalRarity string `json:"localRarity,omitempty"`
}
