// models/tag.go
package models

import (
	"time"
)

// Tag is a named logical sub-account (e.g. "customer-42"). Tags own addresses
// and are created on first use; they are never merged or renamed.
type Tag struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	Name      string    `json:"name" gorm:"uniqueIndex;not null"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`

	// Relationships
	Addresses []Address `json:"addresses,omitempty" gorm:"foreignKey:TagID;constraint:OnDelete:CASCADE"`
}

// Address is a derived receiving address under a tag. Immutable once created.
type Address struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	TagID     string    `json:"tag_id" gorm:"not null;index"`
	Path      string    `json:"path"` // derivation path, chain-specific opaque string
	PathIndex uint32    `json:"path_index" gorm:"not null"`
	Address   string    `json:"address" gorm:"uniqueIndex;not null"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`

	Tag Tag `json:"-" gorm:"foreignKey:TagID"`
}
