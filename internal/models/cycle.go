package models

import (
	"time"
)

// CycleRecord is one entry of the refresh cycle journal
type CycleRecord struct {
	ID           int64         `json:"id" db:"id"`
	Cycle        uint64        `json:"cycle" db:"cycle"`
	Epoch        uint64        `json:"epoch" db:"epoch"`
	NetworkID    int           `json:"network_id" db:"network_id"`
	BlockNumber  uint64        `json:"block_number" db:"block_number"`
	Outcome      string        `json:"outcome" db:"outcome"` // ok, partial, discarded, failed
	Calls        int           `json:"calls" db:"calls"`
	Groups       int           `json:"groups" db:"groups"`
	FailedGroups int           `json:"failed_groups" db:"failed_groups"`
	FailedCalls  int           `json:"failed_calls" db:"failed_calls"`
	Writes       int           `json:"writes" db:"writes"`
	Suppressed   int           `json:"suppressed" db:"suppressed"`
	Duration     time.Duration `json:"duration" db:"duration_ms"`
	Error        *string       `json:"error,omitempty" db:"error"`
	StartedAt    time.Time     `json:"started_at" db:"started_at"`
}
