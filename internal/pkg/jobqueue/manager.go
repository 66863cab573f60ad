package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/creditgate/internal/pkg/entitlements"
)

const sweepPageSize = 200

// Manager runs the job queue and the periodic reconcile sweep
type Manager struct {
	queue         *Queue
	store         entitlements.Store
	sweepInterval time.Duration
	sweepTicker   *time.Ticker
	stopCh        chan struct{}
	wg            sync.WaitGroup
	mu            sync.Mutex
	running       bool
}

// NewManager wires a queue to the store it sweeps. A zero interval disables the sweep.
func NewManager(queue *Queue, store entitlements.Store, sweepInterval time.Duration) *Manager {
	return &Manager{
		queue:         queue,
		store:         store,
		sweepInterval: sweepInterval,
		stopCh:        make(chan struct{}),
	}
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Start starts the job queue and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	m.queue.Start()

	if m.sweepInterval > 0 {
		m.sweepTicker = time.NewTicker(m.sweepInterval)
		m.wg.Add(1)
		go m.sweepWorker()
	} else {
		log.Info("[JobQueue Manager] Reconcile sweep disabled")
	}

	log.Info("[JobQueue Manager] Started successfully")
}

// Stop stops the job queue and background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")

	if m.sweepTicker != nil {
		m.sweepTicker.Stop()
	}

	close(m.stopCh)
	m.running = false
	m.wg.Wait()

	m.queue.Stop()

	log.Info("[JobQueue Manager] Stopped successfully")
}

func (m *Manager) sweepWorker() {
	defer m.wg.Done()
	log.Infof("[JobQueue Manager] Started reconcile sweep (interval: %s)", m.sweepInterval)

	for {
		select {
		case <-m.stopCh:
			log.Info("[JobQueue Manager] Reconcile sweep stopping")
			return
		case <-m.sweepTicker.C:
			n, err := m.RunSweepOnce(context.Background())
			if err != nil {
				log.Errorf("[JobQueue Manager] Reconcile sweep error: %v", err)
				continue
			}
			log.Debugf("[JobQueue Manager] Reconcile sweep queued %d jobs", n)
		}
	}
}

// RunSweepOnce queues a reconcile job for every record that references a
// provider subscription. Users with a job already waiting are skipped.
func (m *Manager) RunSweepOnce(ctx context.Context) (int, error) {
	queued := 0
	for offset := 0; ; offset += sweepPageSize {
		recs, err := m.store.List(ctx, entitlements.ListFilter{
			WithSubscriptionRef: true,
			Limit:               sweepPageSize,
			Offset:              offset,
		})
		if err != nil {
			return queued, err
		}
		for _, rec := range recs {
			_, created, err := m.queue.EnqueueReconcile(ctx, ReconcileEntitlementJobPayload{
				UserID:         rec.UserID,
				SubscriptionID: rec.ProviderSubscriptionID,
				Reason:         "sweep",
			})
			if err != nil {
				return queued, err
			}
			if created {
				queued++
			}
		}
		if len(recs) < sweepPageSize {
			return queued, nil
		}
	}
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
