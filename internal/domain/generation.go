package domain

import (
	"encoding/json"
	"time"
)

// GenerationType enumerates supported generation categories.
type GenerationType string

const (
	GenerationTypeVideo GenerationType = "video_generate"
)

// GenerationStatus enumerates the record lifecycle
// pending -> processing -> {success | failed}.
type GenerationStatus string

const (
	GenerationPending    GenerationStatus = "pending"
	GenerationProcessing GenerationStatus = "processing"
	GenerationSuccess    GenerationStatus = "success"
	GenerationFailed     GenerationStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s GenerationStatus) Terminal() bool {
	return s == GenerationSuccess || s == GenerationFailed
}

// GenerationRecord is the persisted row for one dispatched job. Cost is the
// amount debited at dispatch time and the only amount ever refunded for it.
type GenerationRecord struct {
	ID            string
	UserID        string
	Type          GenerationType
	Model         string
	Cost          int
	Status        GenerationStatus
	ProviderJobID string
	URL           string
	ErrorReason   string
	Meta          json.RawMessage
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
