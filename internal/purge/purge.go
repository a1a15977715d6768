// Package purge removes expired payload blobs while leaving the audit
// metadata intact: hashes stay in the database, so lineage queries keep
// working with payload_available reported as false.
package purge

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/tachyon-beep/elspeth-sub004/internal/landscape"
	"github.com/tachyon-beep/elspeth-sub004/internal/payload"
)

// Report summarizes one purge pass.
type Report struct {
	// Expired is the distinct set of payload hashes past retention.
	Expired []string
	// Deleted counts blobs removed from the store.
	Deleted int
	// Skipped counts hashes that were already absent; deleting a
	// missing blob is a success.
	Skipped int
	// DryRun marks a pass that only scanned.
	DryRun bool
}

// Manager scans the audit database for expired payload references.
type Manager struct {
	db     *landscape.DB
	store  payload.Store
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a manager.
type Option func(*Manager)

// WithClock injects a clock for retention tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a purge manager over the audit database and the
// payload store it references.
func NewManager(db *landscape.DB, store payload.Store, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{db: db, store: store, logger: logger, now: time.Now}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// refQueries lists every column holding a payload reference together
// with the table's timestamp column.
var refQueries = []string{
	`SELECT DISTINCT source_data_ref FROM rows
		WHERE source_data_ref IS NOT NULL AND created_at < ?`,
	`SELECT DISTINCT request_ref FROM calls
		WHERE request_ref IS NOT NULL AND created_at < ?`,
	`SELECT DISTINCT response_ref FROM calls
		WHERE response_ref IS NOT NULL AND created_at < ?`,
	`SELECT DISTINCT reason_ref FROM routing_events
		WHERE reason_ref IS NOT NULL AND created_at < ?`,
}

// FindExpiredPayloadRefs returns the distinct payload hashes
// referenced only by records older than the retention period.
func (m *Manager) FindExpiredPayloadRefs(ctx context.Context, retention time.Duration) ([]string, error) {
	cutoff := m.now().Add(-retention)
	seen := map[string]bool{}

	for _, q := range refQueries {
		var refs []string

		if err := m.db.Conn().SelectContext(ctx, &refs, q, cutoff); err != nil {
			return nil, fmt.Errorf("scanning payload refs: %w", err)
		}

		for _, ref := range refs {
			seen[ref] = true
		}
	}

	hashes := make([]string, 0, len(seen))
	for h := range seen {
		hashes = append(hashes, h)
	}

	sort.Strings(hashes)

	return hashes, nil
}

// Purge deletes expired payload blobs. With dryRun it only reports
// what would be deleted. Idempotent: a hash already missing from the
// store counts as skipped, not as a failure.
func (m *Manager) Purge(ctx context.Context, retention time.Duration, dryRun bool) (*Report, error) {
	hashes, err := m.FindExpiredPayloadRefs(ctx, retention)
	if err != nil {
		return nil, err
	}

	report := &Report{Expired: hashes, DryRun: dryRun}

	if dryRun {
		return report, nil
	}

	for _, hash := range hashes {
		removed, err := m.store.Delete(hash)
		if err != nil {
			return report, fmt.Errorf("deleting payload %s: %w", hash, err)
		}

		if removed {
			report.Deleted++
		} else {
			report.Skipped++
		}
	}

	m.logger.Info("purge complete",
		"expired", len(report.Expired), "deleted", report.Deleted, "skipped", report.Skipped)

	return report, nil
}
