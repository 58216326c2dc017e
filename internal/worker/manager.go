package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"goa.design/clue/log"

	"github.com/printvault/printvault/internal/catalog"
	"github.com/printvault/printvault/internal/jobs"
)

type (
	// Spec pairs a worker with the number of concurrent runners to start.
	// Downloads default to one runner because SQLite serialises writes; on a
	// concurrent-write store the count may be raised by configuration.
	Spec struct {
		Worker Worker
		Count  int
	}

	// ManagerConfig tunes the manager loops.
	ManagerConfig struct {
		// PollInterval is the idle claim retry interval.
		PollInterval time.Duration
		// StaleCheckInterval is the maintenance loop period.
		StaleCheckInterval time.Duration
		// StaleThreshold is how long a job may run before being requeued.
		StaleThreshold time.Duration
		// ShutdownGrace bounds how long Stop waits for in-flight jobs.
		ShutdownGrace time.Duration
	}

	// Manager owns the worker fleet. Start launches every runner plus a
	// maintenance loop that requeues stale jobs and schedules due import
	// source syncs. Stop is cooperative: no new claims, in-flight jobs get
	// the grace window before their contexts are canceled.
	Manager struct {
		specs []Spec
		queue *jobs.Queue
		store *catalog.Store
		cfg   ManagerConfig

		stopClaims context.CancelFunc
		cancelProc context.CancelFunc
		wg         sync.WaitGroup
		running    atomic.Bool
	}
)

// DefaultManagerConfig returns the documented defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		PollInterval:       2 * time.Second,
		StaleCheckInterval: 5 * time.Minute,
		StaleThreshold:     30 * time.Minute,
		ShutdownGrace:      30 * time.Second,
	}
}

// NewManager constructs a Manager. Zero config fields take defaults.
func NewManager(queue *jobs.Queue, store *catalog.Store, specs []Spec, cfg ManagerConfig) *Manager {
	def := DefaultManagerConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.StaleCheckInterval <= 0 {
		cfg.StaleCheckInterval = def.StaleCheckInterval
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = def.StaleThreshold
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = def.ShutdownGrace
	}
	return &Manager{specs: specs, queue: queue, store: store, cfg: cfg}
}

// Start recovers orphaned jobs, then launches every runner and the
// maintenance loop. It returns immediately; the loops run until Stop.
func (m *Manager) Start(ctx context.Context) error {
	n, err := m.queue.RecoverOrphaned(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Printf(ctx, "recovered %d orphaned jobs", n)
	}
	// Two contexts: claimCtx stops new claims first; procCtx keeps in-flight
	// jobs alive until the grace window expires.
	procCtx, cancelProc := context.WithCancel(ctx)
	claimCtx, stopClaims := context.WithCancel(procCtx)
	m.cancelProc = cancelProc
	m.stopClaims = stopClaims
	for _, spec := range m.specs {
		count := spec.Count
		if count <= 0 {
			count = 1
		}
		for i := 0; i < count; i++ {
			r := &runner{worker: spec.Worker, queue: m.queue, poll: m.cfg.PollInterval}
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				r.run(claimCtx, procCtx)
			}()
		}
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.maintenanceLoop(claimCtx)
	}()
	m.running.Store(true)
	log.Printf(ctx, "worker manager started (%d worker specs)", len(m.specs))
	return nil
}

// Running reports whether the fleet has been started and not yet stopped.
func (m *Manager) Running() bool { return m.running.Load() }

// Stop halts claiming and waits up to the grace window for in-flight jobs to
// finish on their own. Jobs still running after the window have their contexts
// canceled and end as retryable failures; the next process start requeues any
// survivors through orphan recovery.
func (m *Manager) Stop(ctx context.Context) {
	if m.stopClaims == nil {
		return
	}
	m.running.Store(false)
	m.stopClaims()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.cancelProc()
		log.Printf(ctx, "worker manager stopped")
		return
	case <-time.After(m.cfg.ShutdownGrace):
		log.Printf(ctx, "shutdown grace %s elapsed, canceling in-flight jobs", m.cfg.ShutdownGrace)
	}
	m.cancelProc()
	select {
	case <-done:
		log.Printf(ctx, "worker manager stopped")
	case <-time.After(5 * time.Second):
		log.Printf(ctx, "workers still running; their jobs requeue on next start")
	}
}

// maintenanceLoop periodically requeues stale jobs and enqueues sync jobs
// for import sources past their sync interval.
func (m *Manager) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.StaleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runMaintenance(ctx)
		}
	}
}

func (m *Manager) runMaintenance(ctx context.Context) {
	if n, err := m.queue.RequeueStale(ctx, m.cfg.StaleThreshold); err != nil {
		log.Errorf(ctx, err, "stale requeue failed")
	} else if n > 0 {
		log.Printf(ctx, "requeued %d stale jobs", n)
	}

	due, err := m.store.ListDueImportSources(ctx, time.Now().UTC())
	if err != nil {
		log.Errorf(ctx, err, "list due import sources failed")
		return
	}
	for _, src := range due {
		active, err := m.queue.HasActiveJob(ctx, catalog.JobSyncImportSource, src.ID)
		if err != nil {
			log.Errorf(ctx, err, "sync job lookup failed")
			continue
		}
		if active {
			continue
		}
		_, err = m.queue.Enqueue(ctx, catalog.JobSyncImportSource, jobs.EnqueueOptions{
			Payload:     jobs.SyncImportSourcePayload{ImportSourceID: src.ID},
			DisplayName: "Sync " + src.Name,
		})
		if err != nil {
			log.Errorf(ctx, err, "enqueue sync for source %d failed", src.ID)
			continue
		}
		log.Printf(ctx, "scheduled sync for import source %d (%s)", src.ID, src.Name)
	}
}
