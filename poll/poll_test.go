package poll

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"nws-notifier/geometry"
	"nws-notifier/pkg/alerting"
)

type fakeStore struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	hasErr    error
	commitErr error
	pruned    int
	pruneErr  error
}

func newFakeStore(seenIDs ...string) *fakeStore {
	s := &fakeStore{seen: make(map[string]time.Time)}
	for _, id := range seenIDs {
		s.seen[id] = time.Now()
	}
	return s
}

func (s *fakeStore) Has(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasErr != nil {
		return false, s.hasErr
	}
	_, ok := s.seen[id]
	return ok, nil
}

func (s *fakeStore) Commit(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commitErr != nil {
		return s.commitErr
	}
	if _, ok := s.seen[id]; !ok {
		s.seen[id] = at
	}
	return nil
}

func (s *fakeStore) Prune(_ context.Context, _ time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruned++
	if s.pruneErr != nil {
		return 0, s.pruneErr
	}
	return 0, nil
}

func (s *fakeStore) committed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[id]
	return ok
}

type fakeFetcher struct {
	alerts    []*alerting.Alert
	err       error
	zoneGeoms []json.RawMessage
	zoneCalls int
}

func (f *fakeFetcher) Fetch(context.Context) ([]*alerting.Alert, error) {
	return f.alerts, f.err
}

func (f *fakeFetcher) ZoneGeometries(context.Context, []string) []json.RawMessage {
	f.zoneCalls++
	return f.zoneGeoms
}

type pushCall struct {
	message string
	zones   string
}

type fakePusher struct {
	mu    sync.Mutex
	errs  []error // consumed one per call, nil after exhaustion
	calls []pushCall
}

func (p *fakePusher) Send(_ context.Context, message, zonesJSON string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, pushCall{message: message, zones: zonesJSON})
	if len(p.errs) == 0 {
		return nil
	}
	err := p.errs[0]
	p.errs = p.errs[1:]
	return err
}

func (p *fakePusher) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type fakeSessions struct {
	mu          sync.Mutex
	ensureErr   error
	ensured     int
	invalidated int
}

func (s *fakeSessions) Ensure(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensured++
	return s.ensureErr
}

func (s *fakeSessions) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated++
}

func testConfig() Config {
	return Config{
		Interval:     time.Minute,
		Workers:      2,
		PushAttempts: 1,
		BaseDelay:    time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Retention:    30 * 24 * time.Hour,
		Simplify:     geometry.Options{MaxPoints: 300},
	}
}

func testMonitor(fetcher *fakeFetcher, store *fakeStore, pusher *fakePusher, sessions *fakeSessions, cfg Config) *Monitor {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(fetcher, store, pusher, sessions, logger, cfg)
}

const polygonJSON = `{"type":"Polygon","coordinates":[[[-105.0,40.0],[-104.0,40.0],[-104.0,41.0],[-105.0,40.0]]]}`

func makeAlert(id, event string, withGeometry bool) *alerting.Alert {
	a := &alerting.Alert{
		ID:          id,
		Event:       event,
		Headline:    event + " issued June 14 at 2:12PM MDT",
		MessageType: "Alert",
	}
	if withGeometry {
		a.Geometry = json.RawMessage(polygonJSON)
	}
	return a
}

func TestPartitionSeparatesSeenAndSortsNew(t *testing.T) {
	store := newFakeStore("urn:alert:2")
	alerts := []*alerting.Alert{
		makeAlert("urn:alert:3", "Flood Warning", true),
		makeAlert("urn:alert:2", "Flood Warning", true),
		makeAlert("urn:alert:1", "Tornado Warning", true),
	}

	newAlerts, seen, err := Partition(context.Background(), alerts, store)
	if err != nil {
		t.Fatalf("Partition: %v", err)
	}
	if seen != 1 {
		t.Errorf("seen = %d, want 1", seen)
	}
	if len(newAlerts) != 2 {
		t.Fatalf("new = %d, want 2", len(newAlerts))
	}
	if newAlerts[0].ID != "urn:alert:1" || newAlerts[1].ID != "urn:alert:3" {
		t.Errorf("new order = %q, %q; want sorted by id", newAlerts[0].ID, newAlerts[1].ID)
	}
}

func TestPartitionSurfacesStoreErrors(t *testing.T) {
	store := newFakeStore()
	store.hasErr = errors.New("database is locked")

	_, _, err := Partition(context.Background(), []*alerting.Alert{makeAlert("a", "Flood Warning", true)}, store)
	if err == nil {
		t.Fatal("expected error from failing store")
	}
}

func TestRunCycleDeliversAndCommits(t *testing.T) {
	store := newFakeStore("urn:alert:seen")
	fetcher := &fakeFetcher{alerts: []*alerting.Alert{
		makeAlert("urn:alert:new", "Flood Warning", true),
		makeAlert("urn:alert:seen", "Flood Warning", true),
	}}
	pusher := &fakePusher{}
	sessions := &fakeSessions{}
	m := testMonitor(fetcher, store, pusher, sessions, testConfig())

	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if got := pusher.callCount(); got != 1 {
		t.Fatalf("push calls = %d, want 1", got)
	}
	if !store.committed("urn:alert:new") {
		t.Error("delivered alert was not committed")
	}
	if pusher.calls[0].zones == "" {
		t.Error("push carried no zones payload")
	}

	stats := m.Snapshot()
	if stats.LastCycleDelivered != 1 || stats.LastCycleNew != 1 || stats.LastCycleFetched != 2 {
		t.Errorf("stats = %+v, want delivered=1 new=1 fetched=2", stats)
	}
}

func TestRunCycleDoesNotCommitOnPushFailure(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{alerts: []*alerting.Alert{makeAlert("urn:alert:a", "Flood Warning", true)}}
	pusher := &fakePusher{errs: []error{errors.New("push down"), errors.New("push down"), errors.New("push down")}}
	sessions := &fakeSessions{}
	cfg := testConfig()
	cfg.PushAttempts = 3
	m := testMonitor(fetcher, store, pusher, sessions, cfg)

	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if store.committed("urn:alert:a") {
		t.Error("failed alert must stay uncommitted so the next cycle retries it")
	}
	if got := pusher.callCount(); got != 3 {
		t.Errorf("push attempts = %d, want 3", got)
	}
	if stats := m.Snapshot(); stats.LastCycleFailed != 1 {
		t.Errorf("failed = %d, want 1", stats.LastCycleFailed)
	}
}

func TestRunCycleTransientFailureThenSuccess(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{alerts: []*alerting.Alert{makeAlert("urn:alert:a", "Flood Warning", true)}}
	pusher := &fakePusher{errs: []error{errors.New("502 from upstream")}}
	sessions := &fakeSessions{}
	cfg := testConfig()
	cfg.PushAttempts = 3
	m := testMonitor(fetcher, store, pusher, sessions, cfg)

	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if got := pusher.callCount(); got != 2 {
		t.Errorf("push attempts = %d, want 2", got)
	}
	if !store.committed("urn:alert:a") {
		t.Error("alert should be committed after the retry succeeded")
	}
}

func TestRunCyclePermanentRejectionIsNotRetried(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{alerts: []*alerting.Alert{makeAlert("urn:alert:a", "Flood Warning", true)}}
	pusher := &fakePusher{errs: []error{&alerting.PermanentError{Op: "push", Status: 400}}}
	sessions := &fakeSessions{}
	cfg := testConfig()
	cfg.PushAttempts = 4
	m := testMonitor(fetcher, store, pusher, sessions, cfg)

	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if got := pusher.callCount(); got != 1 {
		t.Errorf("push attempts = %d, want 1", got)
	}
	if store.committed("urn:alert:a") {
		t.Error("rejected alert must not be committed")
	}
}

func TestRunCycleReauthenticatesOnAuthError(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{alerts: []*alerting.Alert{makeAlert("urn:alert:a", "Flood Warning", true)}}
	pusher := &fakePusher{errs: []error{&alerting.AuthError{Op: "push", Status: 302}}}
	sessions := &fakeSessions{}
	m := testMonitor(fetcher, store, pusher, sessions, testConfig())

	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if sessions.invalidated != 1 {
		t.Errorf("invalidations = %d, want 1", sessions.invalidated)
	}
	if got := pusher.callCount(); got != 2 {
		t.Errorf("push attempts = %d, want 2 (one before and one after re-login)", got)
	}
	if !store.committed("urn:alert:a") {
		t.Error("alert should be committed after the post-login push succeeded")
	}
}

func TestRunCycleSkipsGeometrylessAlerts(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{alerts: []*alerting.Alert{makeAlert("urn:alert:dry", "Special Weather Statement", false)}}
	pusher := &fakePusher{}
	sessions := &fakeSessions{}
	m := testMonitor(fetcher, store, pusher, sessions, testConfig())

	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if got := pusher.callCount(); got != 0 {
		t.Errorf("push calls = %d, want 0", got)
	}
	if !store.committed("urn:alert:dry") {
		t.Error("geometry-less alert must be committed so it is not re-examined")
	}
	if stats := m.Snapshot(); stats.LastCycleSkipped != 1 {
		t.Errorf("skipped = %d, want 1", stats.LastCycleSkipped)
	}
}

func TestRunCycleFallsBackToZoneGeometry(t *testing.T) {
	store := newFakeStore()
	alert := makeAlert("urn:alert:zoned", "Winter Storm Warning", false)
	alert.AffectedZones = []string{"https://api.weather.gov/zones/forecast/COZ039"}
	fetcher := &fakeFetcher{
		alerts:    []*alerting.Alert{alert},
		zoneGeoms: []json.RawMessage{json.RawMessage(polygonJSON)},
	}
	pusher := &fakePusher{}
	sessions := &fakeSessions{}
	m := testMonitor(fetcher, store, pusher, sessions, testConfig())

	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if fetcher.zoneCalls != 1 {
		t.Errorf("zone geometry fetches = %d, want 1", fetcher.zoneCalls)
	}
	if got := pusher.callCount(); got != 1 {
		t.Fatalf("push calls = %d, want 1", got)
	}
	if pusher.calls[0].zones == "" {
		t.Error("fallback zones payload is empty")
	}
}

func TestRunCycleFiltersIgnoredAndNonAlertMessages(t *testing.T) {
	store := newFakeStore()
	ignored := makeAlert("urn:alert:marine", "Special Marine Warning", true)
	update := makeAlert("urn:alert:update", "Flood Warning", true)
	update.MessageType = "Update"
	kept := makeAlert("urn:alert:kept", "Flood Warning", true)
	fetcher := &fakeFetcher{alerts: []*alerting.Alert{ignored, update, kept}}
	pusher := &fakePusher{}
	sessions := &fakeSessions{}
	cfg := testConfig()
	cfg.IgnoredEvents = []string{"Special Marine Warning"}
	m := testMonitor(fetcher, store, pusher, sessions, cfg)

	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if got := pusher.callCount(); got != 1 {
		t.Fatalf("push calls = %d, want 1", got)
	}
	if store.committed("urn:alert:marine") || store.committed("urn:alert:update") {
		t.Error("filtered alerts must not be committed")
	}
}

func TestRunCycleSessionFailureAbortsCycle(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{alerts: []*alerting.Alert{makeAlert("urn:alert:a", "Flood Warning", true)}}
	pusher := &fakePusher{}
	sessions := &fakeSessions{ensureErr: errors.New("login rejected")}
	m := testMonitor(fetcher, store, pusher, sessions, testConfig())

	if err := m.RunCycle(context.Background()); err == nil {
		t.Fatal("expected cycle error when the session cannot be established")
	}
	if got := pusher.callCount(); got != 0 {
		t.Errorf("push calls = %d, want 0", got)
	}
}

func TestRunCycleTreatsFetchFailureAsEmpty(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{err: errors.New("api.weather.gov unreachable")}
	pusher := &fakePusher{}
	sessions := &fakeSessions{}
	m := testMonitor(fetcher, store, pusher, sessions, testConfig())

	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle should absorb fetch failures, got %v", err)
	}
	if stats := m.Snapshot(); stats.CyclesRun != 1 || stats.LastCycleFetched != 0 {
		t.Errorf("stats = %+v, want one empty cycle", stats)
	}
}

func TestMaintenanceDue(t *testing.T) {
	firstOfJune := time.Date(2026, time.June, 1, 4, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		now     time.Time
		lastRun time.Time
		want    bool
	}{
		{"first of month, never run", firstOfJune, time.Time{}, true},
		{"first of month, ran last month", firstOfJune, firstOfJune.AddDate(0, -1, 0), true},
		{"first of month, already ran today", firstOfJune.Add(2 * time.Hour), firstOfJune, false},
		{"mid-month", firstOfJune.AddDate(0, 0, 14), time.Time{}, false},
		{"first of month, ran same month last year", firstOfJune, firstOfJune.AddDate(-1, 0, 0), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := maintenanceDue(tt.now, tt.lastRun); got != tt.want {
				t.Errorf("maintenanceDue(%v, %v) = %v, want %v", tt.now, tt.lastRun, got, tt.want)
			}
		})
	}
}

func TestMaybeMaintainRunsOncePerMonth(t *testing.T) {
	store := newFakeStore()
	var logPrunes int
	cfg := testConfig()
	cfg.PruneLogs = func(time.Duration) (int, error) {
		logPrunes++
		return 0, nil
	}
	m := testMonitor(&fakeFetcher{}, store, &fakePusher{}, &fakeSessions{}, cfg)

	clock := time.Date(2026, time.June, 1, 4, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }

	m.maybeMaintain(context.Background())
	m.maybeMaintain(context.Background()) // same day, must not re-run
	clock = clock.Add(6 * time.Hour)
	m.maybeMaintain(context.Background())

	if store.pruned != 1 || logPrunes != 1 {
		t.Fatalf("prunes = store %d / logs %d, want 1 each", store.pruned, logPrunes)
	}

	clock = time.Date(2026, time.July, 1, 4, 0, 0, 0, time.UTC)
	m.maybeMaintain(context.Background())
	if store.pruned != 2 {
		t.Errorf("store prunes after next month = %d, want 2", store.pruned)
	}
}
