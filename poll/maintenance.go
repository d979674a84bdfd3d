package poll

import (
	"context"
	"time"
)

// maybeMaintain runs the monthly cleanup sweep: expired seen records and
// old log files. It fires on the first day of the month, at most once per
// month, and its failures are logged only; maintenance never blocks alert
// delivery.
func (m *Monitor) maybeMaintain(ctx context.Context) {
	now := m.now()

	m.mu.Lock()
	due := maintenanceDue(now, m.lastMaintenance)
	if due {
		m.lastMaintenance = now
	}
	m.mu.Unlock()
	if !due {
		return
	}

	logger := m.logger.With("task", "maintenance")
	logger.Info("Running monthly maintenance", "retention", m.cfg.Retention.String())

	removed, err := m.store.Prune(ctx, m.cfg.Retention)
	if err != nil {
		logger.Error("Seen-store prune failed", "error", err)
	} else {
		logger.Info("Pruned seen records", "removed", removed)
	}

	if m.cfg.PruneLogs != nil {
		pruned, err := m.cfg.PruneLogs(m.cfg.Retention)
		if err != nil {
			logger.Error("Log prune failed", "error", err)
		} else {
			logger.Info("Pruned log files", "removed", pruned)
		}
	}

	m.mu.Lock()
	m.stats.LastMaintenanceAt = now
	m.mu.Unlock()
}

// maintenanceDue reports whether the monthly sweep should run: only on the
// first day of a month, and only if it has not already run during that
// same month.
func maintenanceDue(now, lastRun time.Time) bool {
	if now.Day() != 1 {
		return false
	}
	if lastRun.IsZero() {
		return true
	}
	return lastRun.Year() != now.Year() || lastRun.Month() != now.Month()
}
