package storage

import (
	"context"
	"fmt"

	"apartment-watcher/models"
)

// ListingStore is the persistence contract the pipeline runs against.
// All status transitions are expressed here; the orchestrator holds no
// listing state of its own.
type ListingStore interface {
	// Upsert inserts the candidate with status new if its external ID is
	// unseen and reports isNew=true. For a known ID it returns the existing
	// row unmodified with isNew=false. Safe under concurrent calls with the
	// same external ID: at most one row is ever created.
	Upsert(ctx context.Context, raw *models.RawListing) (listing *models.Listing, isNew bool, err error)

	// MarkFiltered sets status=filtered_out and stamps processed_at.
	MarkFiltered(ctx context.Context, externalID, reason string) error

	// MarkAccepted sets status=accepted. processed_at stays unset until
	// notification completes.
	MarkAccepted(ctx context.Context, externalID string) error

	// MarkNotified sets status=notified and stamps processed_at.
	MarkNotified(ctx context.Context, externalID string) error

	// MarkError sets status=error with a diagnostic detail. processed_at is
	// left unset so the listing stays eligible for retry.
	MarkError(ctx context.Context, externalID, detail string) error

	// ListPending returns listings with status new or accepted, oldest
	// first, so interrupted cycles resume without starving early listings.
	ListPending(ctx context.Context) ([]*models.Listing, error)

	// RequeueErrored moves every errored listing back to new and reports
	// how many rows changed. Called at the top of each cycle.
	RequeueErrored(ctx context.Context) (int64, error)

	Close() error
}

// RawListingWriter is the interface for persisting unprocessed scraped data.
type RawListingWriter interface {
	WriteRaw(listings []*models.RawListing) error
	Close() error
}

// StoreError wraps any store failure. Whole-cycle handling treats it as
// transient: the current cycle aborts, the process keeps running.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
