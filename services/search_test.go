package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"apartment-watcher/models"
	"apartment-watcher/notify"
	"apartment-watcher/utils"
)

// fakeStore is an in-memory ListingStore keyed by external ID.
type fakeStore struct {
	mu     sync.Mutex
	rows   map[string]*models.Listing
	order  []string
	nextID int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]*models.Listing)}
}

func (s *fakeStore) Upsert(_ context.Context, raw *models.RawListing) (*models.Listing, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.rows[raw.ExternalID]; ok {
		cp := *existing
		return &cp, false, nil
	}
	s.nextID++
	l := &models.Listing{
		ID:          s.nextID,
		ExternalID:  raw.ExternalID,
		Title:       raw.Title,
		Location:    raw.Location,
		Description: raw.Description,
		Price:       raw.Price,
		Size:        raw.Size,
		Rooms:       raw.Rooms,
		URL:         raw.URL,
		Status:      models.StatusNew,
		CreatedAt:   time.Now(),
	}
	s.rows[raw.ExternalID] = l
	s.order = append(s.order, raw.ExternalID)
	cp := *l
	return &cp, true, nil
}

func (s *fakeStore) transition(externalID string, status models.Status, reason, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.rows[externalID]
	if !ok {
		return errors.New("no such listing")
	}
	l.Status = status
	l.FilterReason = reason
	l.ErrorDetail = detail
	if status.Terminal() {
		now := time.Now()
		l.ProcessedAt = &now
	}
	return nil
}

func (s *fakeStore) MarkFiltered(_ context.Context, id, reason string) error {
	return s.transition(id, models.StatusFilteredOut, reason, "")
}

func (s *fakeStore) MarkAccepted(_ context.Context, id string) error {
	return s.transition(id, models.StatusAccepted, "", "")
}

func (s *fakeStore) MarkNotified(_ context.Context, id string) error {
	return s.transition(id, models.StatusNotified, "", "")
}

func (s *fakeStore) MarkError(_ context.Context, id, detail string) error {
	return s.transition(id, models.StatusError, "", detail)
}

func (s *fakeStore) ListPending(_ context.Context) ([]*models.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []*models.Listing
	for _, id := range s.order {
		l := s.rows[id]
		if l.Status == models.StatusNew || l.Status == models.StatusAccepted {
			cp := *l
			pending = append(pending, &cp)
		}
	}
	return pending, nil
}

func (s *fakeStore) RequeueErrored(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, l := range s.rows {
		if l.Status == models.StatusError {
			l.Status = models.StatusNew
			l.ErrorDetail = ""
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) get(t *testing.T, id string) models.Listing {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.rows[id]
	if !ok {
		t.Fatalf("listing %s not in store", id)
	}
	return *l
}

type fakeFetcher struct {
	result *models.FetchResult
	err    error
	calls  int
}

func (f *fakeFetcher) FetchCandidates(context.Context) (*models.FetchResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

// fakeNotifier fails delivery to the targets named in failing.
type fakeNotifier struct {
	mu       sync.Mutex
	failing  map[string]bool
	attempts map[string]int // externalID -> Notify calls
}

func newFakeNotifier(failing ...string) *fakeNotifier {
	f := &fakeNotifier{failing: make(map[string]bool), attempts: make(map[string]int)}
	for _, t := range failing {
		f.failing[t] = true
	}
	return f
}

func (f *fakeNotifier) Notify(_ context.Context, l *models.Listing, targets []string) notify.DeliveryReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[l.ExternalID]++
	report := make(notify.DeliveryReport, len(targets))
	for _, t := range targets {
		if f.failing[t] {
			report[t] = errors.New("send failed")
		} else {
			report[t] = nil
		}
	}
	return report
}

func rawListing(id string, rooms int, price float64, desc string) *models.RawListing {
	return &models.RawListing{
		ExternalID:  id,
		Title:       "Wohnung " + id,
		Location:    "Bremen Mitte",
		Description: desc,
		Rooms:       iptr(rooms),
		Price:       fptr(price),
		URL:         "https://example.org/" + id,
		ScrapedAt:   time.Now(),
		Source:      "test",
	}
}

func newTestService(store *fakeStore, fetcher Fetcher, notifier Notifier, targets []string) *SearchService {
	return NewSearchService(
		store, fetcher, notifier, nil,
		testCriteria(), targets,
		time.Minute, utils.NewLogger(),
	)
}

func TestRunCycleFiltersAndNotifies(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{result: &models.FetchResult{
		Candidates: []*models.RawListing{
			rawListing("A", 2, 900, "no WBS required"),
			rawListing("B", 2, 900, "WBS zwingend erforderlich"),
		},
	}}
	notifier := newFakeNotifier()
	svc := newTestService(store, fetcher, notifier, []string{"chat1", "chat2"})

	stats, err := svc.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if stats.Inserted != 2 || stats.Accepted != 1 || stats.Filtered != 1 || stats.Notified != 1 {
		t.Fatalf("stats: %+v", stats)
	}

	a := store.get(t, "A")
	if a.Status != models.StatusNotified {
		t.Errorf("A status: got %s, want %s", a.Status, models.StatusNotified)
	}
	if a.ProcessedAt == nil {
		t.Error("A should have processed_at set")
	}

	b := store.get(t, "B")
	if b.Status != models.StatusFilteredOut {
		t.Errorf("B status: got %s, want %s", b.Status, models.StatusFilteredOut)
	}
	if b.FilterReason != "keyword:WBS" {
		t.Errorf("B reason: got %q", b.FilterReason)
	}
	if b.ProcessedAt == nil {
		t.Error("B should have processed_at set")
	}
}

func TestRunCycleSecondPassIsIdempotent(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{result: &models.FetchResult{
		Candidates: []*models.RawListing{
			rawListing("A", 2, 900, "no WBS required"),
			rawListing("B", 2, 900, "WBS zwingend erforderlich"),
		},
	}}
	notifier := newFakeNotifier()
	svc := newTestService(store, fetcher, notifier, []string{"chat1"})

	if _, err := svc.RunCycle(context.Background()); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	stats, err := svc.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}

	if stats.Inserted != 0 {
		t.Errorf("second cycle inserted %d rows, want 0", stats.Inserted)
	}
	if got := notifier.attempts["A"]; got != 1 {
		t.Errorf("A was notified %d times, want exactly 1", got)
	}
	if a := store.get(t, "A"); a.Status != models.StatusNotified {
		t.Errorf("A status after second cycle: got %s", a.Status)
	}
}

func TestRunCyclePartialDeliveryRetriesNextCycle(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{result: &models.FetchResult{
		Candidates: []*models.RawListing{rawListing("A", 2, 900, "")},
	}}
	notifier := newFakeNotifier("chat2")
	svc := newTestService(store, fetcher, notifier, []string{"chat1", "chat2"})

	stats, err := svc.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if stats.Errored != 1 || stats.Notified != 0 {
		t.Fatalf("stats: %+v", stats)
	}

	a := store.get(t, "A")
	if a.Status != models.StatusError {
		t.Fatalf("A status: got %s, want %s", a.Status, models.StatusError)
	}
	if a.ProcessedAt != nil {
		t.Error("errored listing must not have processed_at set")
	}
	if a.ErrorDetail == "" {
		t.Error("errored listing should carry a delivery detail")
	}

	// Delivery recovers; the next cycle requeues and re-sends to all targets.
	notifier.failing["chat2"] = false
	stats, err = svc.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if stats.Requeued != 1 {
		t.Errorf("requeued: got %d, want 1", stats.Requeued)
	}
	if got := notifier.attempts["A"]; got != 2 {
		t.Errorf("A was notified %d times, want 2", got)
	}
	a = store.get(t, "A")
	if a.Status != models.StatusNotified {
		t.Errorf("A status after retry: got %s", a.Status)
	}
	if a.ProcessedAt == nil {
		t.Error("notified listing should have processed_at set")
	}
}

func TestRunCycleFetchFailureLeavesStoreUntouched(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{err: errors.New("browser crashed")}
	svc := newTestService(store, fetcher, newFakeNotifier(), []string{"chat1"})

	if _, err := svc.RunCycle(context.Background()); err == nil {
		t.Fatal("expected cycle error on fetch failure")
	}
	if len(store.rows) != 0 {
		t.Errorf("store has %d rows after failed fetch, want 0", len(store.rows))
	}
}

func TestRunCycleNoTargetsLeavesAccepted(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{result: &models.FetchResult{
		Candidates: []*models.RawListing{rawListing("A", 2, 900, "")},
	}}
	notifier := newFakeNotifier()
	svc := newTestService(store, fetcher, notifier, nil)

	if _, err := svc.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	a := store.get(t, "A")
	if a.Status != models.StatusAccepted {
		t.Errorf("A status: got %s, want %s", a.Status, models.StatusAccepted)
	}
	if got := notifier.attempts["A"]; got != 0 {
		t.Errorf("Notify was called %d times with no targets configured", got)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{result: &models.FetchResult{}}
	svc := newTestService(store, fetcher, newFakeNotifier(), nil)
	svc.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v on cancel", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	if fetcher.calls == 0 {
		t.Error("Run never executed a cycle")
	}
}
