package memory

import "github.com/m-mizutani/goerr/v2"

var (
	// ErrNotFound is returned when a requested record is not in the index.
	ErrNotFound = goerr.New("memory record not found")

	// ErrEmptyContent is returned when asked to embed blank text.
	ErrEmptyContent = goerr.New("content is empty")

	// ErrInvalidRecord is returned for records missing required fields or
	// carrying metadata outside the schema.
	ErrInvalidRecord = goerr.New("invalid memory record")

	// ErrDeleteStalled is returned when a delete page yields only ids that
	// were already deleted, meaning the index stopped making progress.
	// The count returned alongside it is the number of ids removed so far.
	ErrDeleteStalled = goerr.New("cascading delete stalled")

	// ErrVersionConflict is returned when a parent record no longer holds
	// the link just written to it.
	ErrVersionConflict = goerr.New("record version changed during update")
)
