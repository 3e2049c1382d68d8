// Package janitor runs periodic workspace maintenance: refreshing the size
// gauge and sweeping stale engine staging files. It never enforces quota;
// the authoritative check stays with the per-write measurement.
package janitor

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/manojlds/heimdall/internal/observability"
	"github.com/manojlds/heimdall/internal/quota"
)

// staleAge is how old an orphaned staging file must be before the sweep
// removes it. Live stagings exist only for the duration of one execution.
const staleAge = time.Hour

// Janitor owns the cron schedule for one workspace.
type Janitor struct {
	root    string
	keeper  *quota.Keeper
	metrics *observability.MetricsCollector
	logger  *slog.Logger
	cron    *cron.Cron
}

// New creates a janitor. metrics may be nil.
func New(root string, keeper *quota.Keeper, metrics *observability.MetricsCollector, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		root:    root,
		keeper:  keeper,
		metrics: metrics,
		logger:  logger,
		cron:    cron.New(),
	}
}

// Start registers the sweep on the given cron schedule and starts the
// scheduler. One sweep runs immediately so gauges are populated at boot.
func (j *Janitor) Start(schedule string) error {
	if _, err := j.cron.AddFunc(schedule, j.Sweep); err != nil {
		return err
	}
	j.cron.Start()
	go j.Sweep()
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}

// Sweep refreshes the workspace size gauge and removes stale staging files.
func (j *Janitor) Sweep() {
	usage, err := j.keeper.Usage()
	if err != nil {
		j.logger.Warn("workspace size measurement failed", slog.String("error", err.Error()))
	} else if j.metrics != nil {
		j.metrics.WorkspaceBytes.Set(float64(usage))
	}

	removed := j.sweepStale()
	if removed > 0 {
		j.logger.Info("removed stale staging files", slog.Int("count", removed))
	}
}

func (j *Janitor) sweepStale() int {
	cutoff := time.Now().Add(-staleAge)
	removed := 0

	entries, err := os.ReadDir(j.root)
	if err != nil {
		return 0
	}
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), ".heimdall") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(j.root, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			j.logger.Warn("removing stale staging file failed",
				slog.String("name", entry.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++
	}
	return removed
}
