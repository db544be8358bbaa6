// Package models provides data model definitions for the local-first sync subsystem.
package models

import (
	"encoding/json"
	"time"
)

// EntityType identifies the domain collection an entity belongs to.
type EntityType string

const (
	EntityPlayer         EntityType = "player"
	EntityTeam           EntityType = "team"
	EntityGame           EntityType = "game"
	EntitySeason         EntityType = "season"
	EntityTournament     EntityType = "tournament"
	EntityPersonnel      EntityType = "personnel"
	EntitySettings       EntityType = "settings"
	EntityRosterEntry    EntityType = "roster-entry"
	EntityStatAdjustment EntityType = "stat-adjustment"
	EntityPlan           EntityType = "plan"
)

// EntityTypes lists every synced collection.
var EntityTypes = []EntityType{
	EntityPlayer,
	EntityTeam,
	EntityGame,
	EntitySeason,
	EntityTournament,
	EntityPersonnel,
	EntitySettings,
	EntityRosterEntry,
	EntityStatAdjustment,
	EntityPlan,
}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	for _, known := range EntityTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseEntityType converts a string into a known EntityType.
func ParseEntityType(s string) (EntityType, bool) {
	t := EntityType(s)
	return t, t.Valid()
}

// Entity is a domain record as held by the Local Store. Data is the
// opaque JSON document owned by the application.
type Entity struct {
	Type      EntityType      `db:"entity_type" json:"entity_type"`
	ID        string          `db:"entity_id" json:"entity_id"`
	Data      json.RawMessage `db:"data" json:"data"`
	UpdatedAt int64           `db:"updated_at" json:"updated_at"` // unix ms
}

// TableName returns the table name for Entity.
func (Entity) TableName() string {
	return "entities"
}

// UpdatedAtTime returns UpdatedAt as time.Time.
func (e *Entity) UpdatedAtTime() time.Time {
	return time.UnixMilli(e.UpdatedAt)
}

// RemoteEntity is the remote store's view of an entity. A deleted entity
// may be reported as a tombstone rather than omitted.
type RemoteEntity struct {
	Entity
	Deleted bool `json:"deleted"`
}

// Exists reports whether the remote holds a live copy.
func (r *RemoteEntity) Exists() bool {
	return r != nil && !r.Deleted
}
