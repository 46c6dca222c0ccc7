// Package domain defines the persistence models for submissions and their
// content fingerprints. These types are mapped with GORM and form the core
// data layer of the cave service.
package domain

import (
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Status is the lifecycle state of a Submission.
type Status string

const (
	// StatusProvisional marks a row whose media is still being fetched and hashed.
	StatusProvisional Status = "provisional"
	// StatusPending marks a committed submission awaiting a moderator decision.
	StatusPending Status = "pending"
	// StatusActive marks a publicly visible submission.
	StatusActive Status = "active"
	// StatusDeleted marks a soft-deleted submission awaiting the reaper.
	StatusDeleted Status = "deleted"
)

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusProvisional, StatusPending, StatusActive, StatusDeleted:
		return true
	}
	return false
}

// Submission is a short multimedia note stored in a scope's pool.
//
// Fields:
//   - Scope: grouping key; "" when per-scope ids are disabled. Part of the primary key.
//   - ID: positive integer, unique within Scope. Part of the primary key.
//   - Channel: the scope the request originally targeted (kept even when Scope is "").
//   - Owner / OwnerName: submitting user.
//   - Status: lifecycle state (see Status).
//   - Elements: ordered content elements, stored as JSON.
//   - Review: moderation and dedup notes (warnings, moderator, reason), stored as JSON.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
type Submission struct {
	Scope     string         `json:"scope"      gorm:"type:varchar(64);primaryKey"`
	ID        int            `json:"id"         gorm:"primaryKey;autoIncrement:false"`
	Channel   string         `json:"channel"    gorm:"type:varchar(64);not null;default:''"`
	Owner     string         `json:"owner"      gorm:"type:varchar(64);not null;index:idx_submission_owner"`
	OwnerName string         `json:"owner_name" gorm:"type:varchar(255);not null;default:''"`
	Status    Status         `json:"status"     gorm:"type:varchar(16);not null;index:idx_submission_status;check:status IN ('provisional','pending','active','deleted')"`
	Elements  Elements       `json:"elements"   gorm:"type:text;not null"`
	Review    datatypes.JSON `json:"review,omitempty" gorm:"type:text"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// TableName returns the database table name for Submission.
func (Submission) TableName() string { return "submissions" }

// Kind identifies the algorithm (and image region) a fingerprint was derived from.
type Kind string

const (
	KindTextSimHash Kind = "text-simhash"
	KindImageGlobal Kind = "image-global"
	KindImageDHash  Kind = "image-dhash"
	KindImageDigest Kind = "image-digest"
	KindQuadrant1   Kind = "image-quadrant-1"
	KindQuadrant2   Kind = "image-quadrant-2"
	KindQuadrant3   Kind = "image-quadrant-3"
	KindQuadrant4   Kind = "image-quadrant-4"
)

const quadrantKindBase = "image-quadrant-"

// QuadrantKinds lists the four quadrant kinds in region order
// (top-left, top-right, bottom-left, bottom-right).
var QuadrantKinds = [4]Kind{KindQuadrant1, KindQuadrant2, KindQuadrant3, KindQuadrant4}

// QuadrantKind returns the kind for quadrant n in 1..4.
func QuadrantKind(n int) Kind {
	if n < 1 || n > 4 {
		return ""
	}
	return QuadrantKinds[n-1]
}

// IsQuadrant reports whether k is one of the image-quadrant kinds.
func (k Kind) IsQuadrant() bool {
	s := string(k)
	if len(s) != len(quadrantKindBase)+1 || !strings.HasPrefix(s, quadrantKindBase) {
		return false
	}
	n := s[len(s)-1]
	return n >= '1' && n <= '4'
}

// Fingerprint is one fixed-width hash owned by a committed submission.
// The tuple (scope, owner, hash, kind) is unique.
type Fingerprint struct {
	ID    uint   `json:"-"     gorm:"primaryKey"`
	Scope string `json:"scope" gorm:"type:varchar(64);not null;uniqueIndex:ux_fingerprint,priority:1;index:idx_fingerprint_kind,priority:1"`
	Owner int    `json:"owner" gorm:"not null;uniqueIndex:ux_fingerprint,priority:2"`
	Hash  string `json:"hash"  gorm:"type:varchar(128);not null;uniqueIndex:ux_fingerprint,priority:3"`
	Kind  Kind   `json:"kind"  gorm:"type:varchar(32);not null;uniqueIndex:ux_fingerprint,priority:4;index:idx_fingerprint_kind,priority:2"`
}

// TableName returns the database table name for Fingerprint.
func (Fingerprint) TableName() string { return "fingerprints" }
