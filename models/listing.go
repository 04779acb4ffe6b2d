package models

import "time"

// Status tracks a listing's position in the pipeline. Transitions are
// monotonic except for error, which any state may enter and which is reset
// to new before the next cycle.
type Status string

const (
	StatusNew         Status = "new"
	StatusFilteredOut Status = "filtered_out"
	StatusAccepted    Status = "accepted"
	StatusNotified    Status = "notified"
	StatusError       Status = "error"
)

// Terminal reports whether no further pipeline action applies to s.
func (s Status) Terminal() bool {
	return s == StatusFilteredOut || s == StatusNotified
}

// RawListing holds unprocessed scraped data directly from the browser,
// before it has been reconciled against the store. Price, Size and Rooms
// are nil when the source page omits them.
type RawListing struct {
	ExternalID  string
	Title       string
	Location    string
	Description string
	Price       *float64
	Size        *float64
	Rooms       *int
	URL         string
	ScrapedAt   time.Time
	Source      string
}

// Listing is the persisted record as last observed. ProcessedAt is set
// exactly when Status is terminal for the cycle that handled it.
type Listing struct {
	ID           int64
	ExternalID   string
	Title        string
	Location     string
	Description  string
	Price        *float64
	Size         *float64
	Rooms        *int
	URL          string
	Status       Status
	FilterReason string
	ErrorDetail  string
	CreatedAt    time.Time
	ProcessedAt  *time.Time
}

// ParseFailure records a single search-result card that could not be parsed.
// A failure never aborts the batch it was found in.
type ParseFailure struct {
	ExternalID string
	URL        string
	Err        error
}

// FetchResult is the outcome of one scrape pass over the configured
// search pages.
type FetchResult struct {
	Candidates    []*RawListing
	ParseFailures []ParseFailure
}
