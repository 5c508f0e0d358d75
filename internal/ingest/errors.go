package ingest

import "errors"

var (
	// ErrExtractionIncomplete rejects a candidate missing the fields no
	// event can be stored without, the start date above all.
	ErrExtractionIncomplete = errors.New("ingest: extraction incomplete")

	// ErrValidation rejects a candidate with invalid fields or an
	// unregistered source.
	ErrValidation = errors.New("ingest: validation failed")

	// ErrNoEventFound reports an upload whose image contained no readable
	// event. Recorded as the upload's terminal outcome.
	ErrNoEventFound = errors.New("ingest: no event found in upload")
)
