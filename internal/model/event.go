package model

import (
	"time"
)

// CandidateEvent is an unvalidated event proposal from one producer: a venue
// scraper, the periodic crawler, or the photo-upload extraction path. It is
// merged into the canonical store and then discarded.
type CandidateEvent struct {
	Source          string     `json:"source" validate:"required"`
	ExternalID      *string    `json:"external_id,omitempty"`
	IdempotencyKey  string     `json:"idempotency_key,omitempty"`
	Name            string     `json:"name" validate:"required"`
	Description     string     `json:"description"`
	StartDate       *time.Time `json:"start_date"`
	EndDate         *time.Time `json:"end_date,omitempty"`
	Address         *string    `json:"address,omitempty"`
	LocationName    *string    `json:"location_name,omitempty"`
	Confidence      float64    `json:"confidence" validate:"gte=0,lte=1"`
	TypeLabels      []string   `json:"type_labels,omitempty"`
	URL             *string    `json:"url,omitempty" validate:"omitempty,http_url"`
	Price           *float64   `json:"price,omitempty" validate:"omitempty,gte=0"`
	AgeRestrictions *string    `json:"age_restrictions,omitempty"`
}

// Event is the single deduplicated, persisted representation of a real-world
// event. StartDate is never zero on a persisted row.
type Event struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	Description     string     `json:"description"`
	StartDate       time.Time  `json:"start_date"`
	EndDate         *time.Time `json:"end_date,omitempty"`
	Address         *string    `json:"address,omitempty"`
	PlaceID         *string    `json:"place_id,omitempty"`
	LocationName    *string    `json:"location_name,omitempty"`
	Source          string     `json:"source"`
	ExternalID      *string    `json:"external_id,omitempty"`
	Confidence      float64    `json:"confidence"`
	AgeRestrictions *string    `json:"age_restrictions,omitempty"`
	Price           *float64   `json:"price,omitempty"`
	URL             *string    `json:"url,omitempty"`
	EventTypes      []string   `json:"event_types"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// OtherType is the catch-all event type every registry carries. Unrecognized
// labels degrade to it instead of being dropped.
const OtherType = "Other"

// IngestStatus describes how the coordinator disposed of a candidate.
type IngestStatus string

const (
	StatusInserted IngestStatus = "inserted"
	StatusMerged   IngestStatus = "merged"
	StatusRejected IngestStatus = "rejected"
)

// Outcome is the result of one ingestion attempt.
type Outcome struct {
	Status  IngestStatus `json:"status"`
	EventID int64        `json:"event_id,omitempty"`
	Reason  string       `json:"reason,omitempty"`
}

// IdempotencyStatus tracks the lifecycle of a claimed upload key.
type IdempotencyStatus string

const (
	IdempotencyPending   IdempotencyStatus = "pending"
	IdempotencySucceeded IdempotencyStatus = "succeeded"
	IdempotencyFailed    IdempotencyStatus = "failed"
)

// IdempotencyRecord is the durable outcome attached to an upload key.
type IdempotencyRecord struct {
	Key       string            `json:"key"`
	Status    IdempotencyStatus `json:"status"`
	EventID   *int64            `json:"event_id,omitempty"`
	Failure   string            `json:"failure,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// MergeFrom applies a candidate's fields onto the stored event following the
// whole-record confidence rule: the candidate overwrites populated fields only
// when its confidence strictly exceeds the stored confidence; otherwise it
// only fills fields the stored row is missing. Type labels are unioned by the
// store, not here. Returns true if any field changed.
func (e *Event) MergeFrom(c CandidateEvent) bool {
	changed := false
	overwrite := c.Confidence > e.Confidence

	if overwrite {
		if c.Name != "" && c.Name != e.Name {
			e.Name = c.Name
			changed = true
		}
		if c.Description != "" && c.Description != e.Description {
			e.Description = c.Description
			changed = true
		}
		e.Confidence = c.Confidence
		changed = true
	} else {
		if e.Name == "" && c.Name != "" {
			e.Name = c.Name
			changed = true
		}
		if e.Description == "" && c.Description != "" {
			e.Description = c.Description
			changed = true
		}
	}

	changed = mergeOptString(&e.Address, c.Address, overwrite) || changed
	changed = mergeOptString(&e.LocationName, c.LocationName, overwrite) || changed
	changed = mergeOptString(&e.URL, c.URL, overwrite) || changed
	changed = mergeOptString(&e.AgeRestrictions, c.AgeRestrictions, overwrite) || changed
	changed = mergeOptFloat(&e.Price, c.Price, overwrite) || changed

	if e.EndDate == nil && c.EndDate != nil {
		t := *c.EndDate
		e.EndDate = &t
		changed = true
	} else if overwrite && c.EndDate != nil && (e.EndDate == nil || !e.EndDate.Equal(*c.EndDate)) {
		t := *c.EndDate
		e.EndDate = &t
		changed = true
	}

	return changed
}

func mergeOptString(dst **string, src *string, overwrite bool) bool {
	if src == nil || *src == "" {
		return false
	}
	if *dst == nil || **dst == "" || (overwrite && **dst != *src) {
		v := *src
		*dst = &v
		return true
	}
	return false
}

func mergeOptFloat(dst **float64, src *float64, overwrite bool) bool {
	if src == nil {
		return false
	}
	if *dst == nil || (overwrite && **dst != *src) {
		v := *src
		*dst = &v
		return true
	}
	return false
}
