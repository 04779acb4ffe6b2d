package models

// FilterCriteria is the acceptance-rule snapshot a run is configured with.
// A zero bound means the bound is not applied. Keyword matching is
// case-insensitive substring over title plus description.
type FilterCriteria struct {
	MinRooms int
	MaxRooms int

	MinSize float64
	MaxSize float64

	MinPrice float64
	MaxPrice float64

	// Locations is the allowed-substring set; empty means any location.
	Locations []string

	NegativeKeywords []string
}

// Decision is the outcome of evaluating one listing against the criteria.
// Reason is set only on rejection and names the first rule that fired.
type Decision struct {
	Accepted bool
	Reason   string
}
