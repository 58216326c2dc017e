// Package health probes the subsystems and aggregates an overall status.
// Database and workers are critical: either failing makes the whole service
// unhealthy. Everything else can at worst degrade it.
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/printvault/printvault/internal/catalog"
	"github.com/printvault/printvault/internal/jobs"
	"github.com/printvault/printvault/internal/ratelimit"
	"github.com/printvault/printvault/internal/storage"
	"github.com/printvault/printvault/internal/worker"
)

// Status grades one subsystem or the whole service.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

const (
	cacheTTL = 5 * time.Second

	// minFreeBytes is the soft storage floor.
	minFreeBytes = 10 << 30
	// maxRecentFailures is the soft failed-job ceiling over failureWindow.
	maxRecentFailures = 50
	failureWindow     = 24 * time.Hour
	// maxBackoffEntities is the soft ceiling on rate-limited entities.
	maxBackoffEntities = 5
)

type (
	// Probe is one subsystem's result.
	Probe struct {
		Status Status `json:"status"`
		Detail string `json:"detail,omitempty"`
	}

	// Report is the detailed health answer.
	Report struct {
		Status     Status           `json:"status"`
		Subsystems map[string]Probe `json:"subsystems"`
		CheckedAt  time.Time        `json:"checked_at"`
	}

	// Checker runs the probes, caching the report briefly so the endpoint
	// can be polled aggressively.
	Checker struct {
		store    *catalog.Store
		queue    *jobs.Queue
		manager  *worker.Manager
		limiters map[string]*ratelimit.Limiter
		paths    storage.Paths

		mu     sync.Mutex
		cached *Report
	}
)

// criticalSubsystems fail the whole service when unhealthy.
var criticalSubsystems = map[string]bool{"database": true, "workers": true}

// NewChecker wires the health checker. The limiters map is keyed by a short
// display name (telegram, google, ai).
func NewChecker(store *catalog.Store, queue *jobs.Queue, manager *worker.Manager, limiters map[string]*ratelimit.Limiter, paths storage.Paths) *Checker {
	return &Checker{store: store, queue: queue, manager: manager, limiters: limiters, paths: paths}
}

// Check returns the current report, recomputing at most every five seconds.
func (c *Checker) Check(ctx context.Context) *Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached != nil && time.Since(c.cached.CheckedAt) < cacheTTL {
		return c.cached
	}
	rep := &Report{
		Subsystems: map[string]Probe{
			"database":   c.probeDatabase(ctx),
			"workers":    c.probeWorkers(),
			"storage":    c.probeStorage(),
			"queue":      c.probeQueue(ctx),
			"rate_limit": c.probeLimiters(),
		},
		CheckedAt: time.Now().UTC(),
	}
	rep.Status = overall(rep.Subsystems)
	c.cached = rep
	return rep
}

func overall(subs map[string]Probe) Status {
	status := StatusHealthy
	for name, p := range subs {
		switch p.Status {
		case StatusUnhealthy:
			if criticalSubsystems[name] {
				return StatusUnhealthy
			}
			status = StatusDegraded
		case StatusDegraded:
			status = StatusDegraded
		}
	}
	return status
}

func (c *Checker) probeDatabase(ctx context.Context) Probe {
	db, err := c.store.DB().DB()
	if err == nil {
		err = db.PingContext(ctx)
	}
	if err != nil {
		return Probe{Status: StatusUnhealthy, Detail: err.Error()}
	}
	return Probe{Status: StatusHealthy}
}

func (c *Checker) probeWorkers() Probe {
	if c.manager == nil || !c.manager.Running() {
		return Probe{Status: StatusUnhealthy, Detail: "worker fleet is not running"}
	}
	return Probe{Status: StatusHealthy}
}

func (c *Checker) probeStorage() Probe {
	var fs unix.Statfs_t
	if err := unix.Statfs(c.paths.DataDir, &fs); err != nil {
		return Probe{Status: StatusUnhealthy, Detail: err.Error()}
	}
	free := uint64(fs.Bavail) * uint64(fs.Bsize)
	if free < minFreeBytes {
		return Probe{Status: StatusDegraded, Detail: "less than 10 GiB free"}
	}
	return Probe{Status: StatusHealthy}
}

func (c *Checker) probeQueue(ctx context.Context) Probe {
	n, err := c.queue.CountFailedSince(ctx, time.Now().UTC().Add(-failureWindow))
	if err != nil {
		return Probe{Status: StatusUnhealthy, Detail: err.Error()}
	}
	if n > maxRecentFailures {
		return Probe{Status: StatusDegraded, Detail: "elevated failure rate in the last 24h"}
	}
	return Probe{Status: StatusHealthy}
}

func (c *Checker) probeLimiters() Probe {
	backoffs := 0
	for _, l := range c.limiters {
		backoffs += len(l.GetStats().EntitiesInBackoff)
	}
	if backoffs > maxBackoffEntities {
		return Probe{Status: StatusDegraded, Detail: "many entities in rate-limit backoff"}
	}
	return Probe{Status: StatusHealthy}
}
