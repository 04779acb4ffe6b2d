package services

import (
	"context"
	"fmt"
	"time"

	"apartment-watcher/models"
	"apartment-watcher/notify"
	"apartment-watcher/storage"
	"apartment-watcher/utils"
)

// Fetcher produces the current crop of listing candidates from the source site.
type Fetcher interface {
	FetchCandidates(ctx context.Context) (*models.FetchResult, error)
}

// Notifier delivers a listing notification to the given targets and reports
// the per-target outcome.
type Notifier interface {
	Notify(ctx context.Context, l *models.Listing, targets []string) notify.DeliveryReport
}

// SearchService runs the scrape, filter, persist and notify cycle on a fixed
// interval. It holds no listing state between cycles; the store is the single
// source of truth.
type SearchService struct {
	store    storage.ListingStore
	fetcher  Fetcher
	notifier Notifier
	raw      storage.RawListingWriter
	criteria models.FilterCriteria
	targets  []string
	interval time.Duration
	logger   *utils.Logger
}

// CycleStats summarizes one completed cycle for logging and tests.
type CycleStats struct {
	Fetched    int
	Inserted   int
	Filtered   int
	Accepted   int
	Notified   int
	Errored    int
	Requeued   int64
	ParseFails int
}

// NewSearchService wires the pipeline together. rawWriter may be nil when no
// raw mirror is configured; notifier targets may be empty, in which case
// accepted listings stay accepted until targets are configured.
func NewSearchService(
	store storage.ListingStore,
	fetcher Fetcher,
	notifier Notifier,
	rawWriter storage.RawListingWriter,
	criteria models.FilterCriteria,
	targets []string,
	interval time.Duration,
	logger *utils.Logger,
) *SearchService {
	return &SearchService{
		store:    store,
		fetcher:  fetcher,
		notifier: notifier,
		raw:      rawWriter,
		criteria: criteria,
		targets:  targets,
		interval: interval,
		logger:   logger,
	}
}

// Run executes cycles until ctx is cancelled. A failed cycle never stops the
// loop; after three consecutive failures the pause before the next cycle is
// doubled to back off from a struggling source site.
func (s *SearchService) Run(ctx context.Context) error {
	s.logger.Info("[search] starting, interval %s", s.interval)

	consecutiveFailures := 0
	for {
		started := time.Now()
		stats, err := s.RunCycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info("[search] shutting down")
				return nil
			}
			consecutiveFailures++
			s.logger.Error("[search] cycle failed (%d consecutive): %v", consecutiveFailures, err)
		} else {
			consecutiveFailures = 0
			s.logger.Info("[search] cycle done in %s: fetched=%d inserted=%d filtered=%d accepted=%d notified=%d errored=%d requeued=%d parse_failures=%d",
				time.Since(started).Round(time.Millisecond),
				stats.Fetched, stats.Inserted, stats.Filtered, stats.Accepted,
				stats.Notified, stats.Errored, stats.Requeued, stats.ParseFails)
		}

		wait := s.interval
		if consecutiveFailures >= 3 {
			wait *= 2
			s.logger.Warn("[search] backing off, next cycle in %s", wait)
		}

		select {
		case <-ctx.Done():
			s.logger.Info("[search] shutting down")
			return nil
		case <-time.After(wait):
		}
	}
}

// RunCycle performs one full pass: requeue errored listings, fetch, persist
// new candidates, filter pending ones and notify the accepted. A fetch or
// listing-query failure aborts the cycle with the store untouched beyond the
// requeue; per-listing failures are recorded on the listing and the cycle
// continues.
func (s *SearchService) RunCycle(ctx context.Context) (CycleStats, error) {
	var stats CycleStats

	requeued, err := s.store.RequeueErrored(ctx)
	if err != nil {
		return stats, fmt.Errorf("requeue errored: %w", err)
	}
	stats.Requeued = requeued
	if requeued > 0 {
		s.logger.Info("[search] requeued %d errored listings", requeued)
	}

	result, err := s.fetcher.FetchCandidates(ctx)
	if err != nil {
		return stats, fmt.Errorf("fetch candidates: %w", err)
	}
	stats.Fetched = len(result.Candidates)
	stats.ParseFails = len(result.ParseFailures)
	for _, pf := range result.ParseFailures {
		s.logger.Warn("[search] skipped unparseable card id=%q url=%q: %v", pf.ExternalID, pf.URL, pf.Err)
	}

	if s.raw != nil && len(result.Candidates) > 0 {
		if err := s.raw.WriteRaw(result.Candidates); err != nil {
			s.logger.Warn("[search] raw mirror write failed: %v", err)
		}
	}

	for _, raw := range result.Candidates {
		_, isNew, err := s.store.Upsert(ctx, raw)
		if err != nil {
			s.logger.Error("[search] upsert %s failed: %v", raw.ExternalID, err)
			continue
		}
		if isNew {
			stats.Inserted++
		}
	}

	pending, err := s.store.ListPending(ctx)
	if err != nil {
		return stats, fmt.Errorf("list pending: %w", err)
	}

	for _, l := range pending {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		s.processListing(ctx, l, &stats)
	}

	return stats, nil
}

// processListing advances one pending listing as far as it can go this cycle.
// Listings arriving with status accepted skip re-evaluation and go straight
// to notification, so an interrupted cycle never re-filters them.
func (s *SearchService) processListing(ctx context.Context, l *models.Listing, stats *CycleStats) {
	if l.Status == models.StatusNew {
		decision := Evaluate(l, s.criteria)
		if !decision.Accepted {
			if err := s.store.MarkFiltered(ctx, l.ExternalID, decision.Reason); err != nil {
				s.logger.Error("[search] mark filtered %s: %v", l.ExternalID, err)
				return
			}
			stats.Filtered++
			return
		}
		if err := s.store.MarkAccepted(ctx, l.ExternalID); err != nil {
			s.logger.Error("[search] mark accepted %s: %v", l.ExternalID, err)
			return
		}
		l.Status = models.StatusAccepted
		stats.Accepted++
	}

	if len(s.targets) == 0 {
		return
	}

	report := s.notifier.Notify(ctx, l, s.targets)
	if report.AllDelivered() {
		if err := s.store.MarkNotified(ctx, l.ExternalID); err != nil {
			s.logger.Error("[search] mark notified %s: %v", l.ExternalID, err)
			return
		}
		stats.Notified++
		return
	}

	detail := fmt.Sprintf("delivery failed for targets %v", report.Failed())
	if err := s.store.MarkError(ctx, l.ExternalID, detail); err != nil {
		s.logger.Error("[search] mark error %s: %v", l.ExternalID, err)
		return
	}
	stats.Errored++
}
