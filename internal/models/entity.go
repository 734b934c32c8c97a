package models

import (
	"time"
)

// Entity is a contract whose reads are cached
type Entity struct {
	Reference string    `json:"reference" db:"reference"`
	Address   string    `json:"address" db:"address"`
	Name      string    `json:"name" db:"name"`
	ABI       string    `json:"abi" db:"abi"`
	Active    bool      `json:"active" db:"active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// EntityFilter narrows entity queries
type EntityFilter struct {
	Active *bool `json:"active,omitempty"`
	Limit  int   `json:"limit,omitempty"`
	Offset int   `json:"offset,omitempty"`
}
