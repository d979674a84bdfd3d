// Package poll drives the fetch, filter, deliver cycle against the alert
// feed and the push dashboard.
package poll

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"nws-notifier/geometry"
	"nws-notifier/pkg/alerting"
)

// Fetcher retrieves alerts and zone geometry from the feed.
type Fetcher interface {
	Fetch(ctx context.Context) ([]*alerting.Alert, error)
	ZoneGeometries(ctx context.Context, zoneURLs []string) []json.RawMessage
}

// Store is the durable record of delivered alert ids.
type Store interface {
	Has(ctx context.Context, id string) (bool, error)
	Commit(ctx context.Context, id string, deliveredAt time.Time) error
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Pusher delivers one notification through the dashboard.
type Pusher interface {
	Send(ctx context.Context, message, zonesJSON string) error
}

// Sessions owns the authenticated dashboard session.
type Sessions interface {
	Ensure(ctx context.Context) error
	Invalidate()
}

// Config holds monitor configuration.
type Config struct {
	Interval      time.Duration
	Workers       int
	PushAttempts  uint
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	IgnoredEvents []string
	Retention     time.Duration // age cutoff for the monthly maintenance sweep
	Simplify      geometry.Options

	// PruneLogs removes log files older than the cutoff; nil disables
	// log pruning during maintenance.
	PruneLogs func(olderThan time.Duration) (int, error)
}

// Stats is a snapshot of the most recent cycle, for the status endpoint.
type Stats struct {
	CyclesRun          int64     `json:"cycles_run"`
	LastCycleAt        time.Time `json:"last_cycle_at"`
	LastCycleFetched   int       `json:"last_cycle_fetched"`
	LastCycleNew       int       `json:"last_cycle_new"`
	LastCycleDelivered int       `json:"last_cycle_delivered"`
	LastCycleFailed    int       `json:"last_cycle_failed"`
	LastCycleSkipped   int       `json:"last_cycle_skipped"`
	LastMaintenanceAt  time.Time `json:"last_maintenance_at,omitempty"`
}

// Monitor runs the poll loop.
type Monitor struct {
	fetcher  Fetcher
	store    Store
	pusher   Pusher
	sessions Sessions
	logger   *slog.Logger
	cfg      Config
	ignored  map[string]bool
	now      func() time.Time // injectable for maintenance tests

	mu              sync.Mutex
	stats           Stats
	lastMaintenance time.Time
}

// New creates a poll monitor.
func New(fetcher Fetcher, store Store, pusher Pusher, sessions Sessions, logger *slog.Logger, cfg Config) *Monitor {
	ignored := make(map[string]bool, len(cfg.IgnoredEvents))
	for _, event := range cfg.IgnoredEvents {
		ignored[event] = true
	}
	return &Monitor{
		fetcher:  fetcher,
		store:    store,
		pusher:   pusher,
		sessions: sessions,
		logger:   logger,
		cfg:      cfg,
		ignored:  ignored,
		now:      time.Now,
	}
}

// Snapshot returns the current stats.
func (m *Monitor) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Run executes the poll loop until ctx is cancelled. Individual cycle
// failures are logged and never terminate the loop.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("Starting poll loop", "interval", m.cfg.Interval.String(), "workers", m.cfg.Workers)

	for {
		m.maybeMaintain(ctx)

		if err := m.RunCycle(ctx); err != nil {
			if ctx.Err() != nil {
				m.logger.Info("Stop signal received, exiting poll loop")
				return ctx.Err()
			}
			m.logger.Error("Cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			m.logger.Info("Stop signal received, exiting poll loop")
			return ctx.Err()
		case <-time.After(m.cfg.Interval):
		}
	}
}

// RunCycle performs one fetch, filter, deliver pass. The returned error
// covers only conditions that abort the whole cycle (session exhaustion,
// seen-store failure); per-alert delivery failures are absorbed into the
// cycle stats.
func (m *Monitor) RunCycle(ctx context.Context) error {
	cycleID := uuid.NewString()[:8]
	logger := m.logger.With("cycle_id", cycleID)
	start := m.now()

	// Authenticate up front: without a session no delivery can succeed,
	// so a login failure skips the whole cycle.
	if err := m.sessions.Ensure(ctx); err != nil {
		return fmt.Errorf("dashboard session: %w", err)
	}

	alerts, err := m.fetcher.Fetch(ctx)
	if err != nil {
		// The feed being down means no new information, not a broken cycle.
		logger.Warn("Feed fetch failed; treating cycle as empty", "error", err)
		alerts = nil
	}

	eligible := m.filterEligible(logger, alerts)

	newAlerts, seenCount, err := Partition(ctx, eligible, m.store)
	if err != nil {
		return fmt.Errorf("partition alerts: %w", err)
	}

	logger.Info("Cycle partitioned",
		"fetched", len(alerts),
		"eligible", len(eligible),
		"already_delivered", seenCount,
		"new", len(newAlerts))

	var delivered, failed, skipped int
	if len(newAlerts) > 0 {
		delivered, failed, skipped, err = m.deliverAll(ctx, logger, newAlerts)
		if err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.stats.CyclesRun++
	m.stats.LastCycleAt = start
	m.stats.LastCycleFetched = len(alerts)
	m.stats.LastCycleNew = len(newAlerts)
	m.stats.LastCycleDelivered = delivered
	m.stats.LastCycleFailed = failed
	m.stats.LastCycleSkipped = skipped
	m.mu.Unlock()

	logger.Info("Cycle completed",
		"duration_ms", time.Since(start).Milliseconds(),
		"delivered", delivered,
		"failed", failed,
		"skipped", skipped)
	return nil
}

// filterEligible drops alert types the notifier does not push: configured
// ignored events and non-Alert message types (updates, cancellations).
func (m *Monitor) filterEligible(logger *slog.Logger, alerts []*alerting.Alert) []*alerting.Alert {
	eligible := make([]*alerting.Alert, 0, len(alerts))
	for _, a := range alerts {
		if a.MessageType != "Alert" {
			continue
		}
		if m.ignored[a.Event] {
			logger.Debug("Ignoring event type", "alert_id", a.ID, "event", a.Event)
			continue
		}
		eligible = append(eligible, a)
	}
	return eligible
}

// Partition splits alerts into new and already-delivered using the store.
// It has no side effects, and the new set is sorted by id so delivery order
// is reproducible. A store failure aborts the partition: guessing would
// risk a duplicate or a lost notification.
func Partition(ctx context.Context, alerts []*alerting.Alert, store Store) (newAlerts []*alerting.Alert, seen int, err error) {
	for _, a := range alerts {
		has, err := store.Has(ctx, a.ID)
		if err != nil {
			return nil, 0, fmt.Errorf("seen-store lookup: %w", err)
		}
		if has {
			seen++
			continue
		}
		newAlerts = append(newAlerts, a)
	}
	sort.Slice(newAlerts, func(i, j int) bool { return newAlerts[i].ID < newAlerts[j].ID })
	return newAlerts, seen, nil
}

// deliverAll dispatches new alerts through a bounded worker pool. One
// alert's failure never blocks the others; a seen-store failure cancels the
// remaining work because delivery correctness depends on it.
func (m *Monitor) deliverAll(ctx context.Context, logger *slog.Logger, alerts []*alerting.Alert) (delivered, failed, skipped int, err error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Workers)

	var mu sync.Mutex
	for _, alert := range alerts {
		alert := alert
		g.Go(func() error {
			outcome, err := m.deliver(gctx, logger, alert)
			if err != nil {
				return err
			}
			mu.Lock()
			switch outcome {
			case alerting.Delivered:
				delivered++
			case alerting.Failed:
				failed++
			case alerting.Skipped:
				skipped++
			}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return delivered, failed, skipped, fmt.Errorf("cycle aborted: %w", err)
	}
	return delivered, failed, skipped, nil
}

// deliver pushes one alert. The returned error is non-nil only for
// seen-store failures, which are fatal to the cycle; every push failure is
// folded into the outcome and retried on a later cycle because no commit
// happened.
func (m *Monitor) deliver(ctx context.Context, logger *slog.Logger, alert *alerting.Alert) (alerting.DeliveryOutcome, error) {
	logger = logger.With("alert_id", alert.ID, "event", alert.Event)

	zonesJSON, ok := m.zonesFor(ctx, logger, alert)
	if !ok {
		// Without a polygon there is nothing to push. Commit so the alert
		// is not re-examined every cycle; the feed will not grow geometry
		// for it later.
		if err := m.store.Commit(ctx, alert.ID, m.now().UTC()); err != nil {
			return alerting.Failed, err
		}
		logger.Info("No usable geometry; alert recorded without delivery", "headline", alert.Headline)
		return alerting.Skipped, nil
	}

	message := FormatMessage(alert.Event, alert.Headline, m.now())

	err := m.push(ctx, logger, message, zonesJSON)
	if alerting.IsAuthError(err) {
		// The session died mid-cycle. Re-authenticate once and retry;
		// a second rejection waits for the next cycle.
		logger.Warn("Push rejected as unauthenticated; re-establishing session")
		m.sessions.Invalidate()
		if err = m.sessions.Ensure(ctx); err == nil {
			err = m.push(ctx, logger, message, zonesJSON)
		}
	}
	if err != nil {
		logger.Error("Push failed; alert stays eligible for next cycle",
			"error", err,
			"permanent", alerting.IsPermanentError(err))
		return alerting.Failed, nil
	}

	// Commit strictly after the dashboard confirmed the push. A crash in
	// the window before this line redelivers; a crash after never does.
	if err := m.store.Commit(ctx, alert.ID, m.now().UTC()); err != nil {
		return alerting.Failed, err
	}
	logger.Info("Alert delivered", "message", message)
	return alerting.Delivered, nil
}

// push sends with capped exponential backoff. Auth and permanent
// rejections are surfaced immediately; only transient failures burn
// attempts.
func (m *Monitor) push(ctx context.Context, logger *slog.Logger, message, zonesJSON string) error {
	return retry.Do(
		func() error { return m.pusher.Send(ctx, message, zonesJSON) },
		retry.Attempts(m.cfg.PushAttempts),
		retry.Delay(m.cfg.BaseDelay),
		retry.MaxDelay(m.cfg.MaxDelay),
		retry.MaxJitter(m.cfg.BaseDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !alerting.IsAuthError(err) && !alerting.IsPermanentError(err)
		}),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying push", "attempt", n, "error", err)
		}),
	)
}

// zonesFor resolves the alert's polygon payload. Alert-level geometry wins;
// alerts without one fall back to their affected zones' shapes.
func (m *Monitor) zonesFor(ctx context.Context, logger *slog.Logger, alert *alerting.Alert) (string, bool) {
	if !alert.HasGeometrySource() {
		return "", false
	}

	var geoms []json.RawMessage
	if len(alert.Geometry) > 0 {
		geoms = []json.RawMessage{alert.Geometry}
	} else {
		geoms = m.fetcher.ZoneGeometries(ctx, alert.AffectedZones)
	}

	zones := geometry.Zones(geoms, m.cfg.Simplify)
	if zones == nil {
		return "", false
	}

	encoded, err := geometry.Encode(zones)
	if err != nil {
		logger.Warn("Zone encoding failed", "error", err)
		return "", false
	}
	logger.Debug("Polygon resolved", "rings", len(zones), "points", geometry.TotalPoints(zones))
	return encoded, true
}
