package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bookflow/config"
	"bookflow/logger"
	"bookflow/models"
	"bookflow/store"
)

// State is the scheduler lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// BookSource supplies the current order book for an instrument. The
// feed keeps a cache of the latest books behind this interface; a nil
// return means no book has arrived yet.
type BookSource interface {
	CurrentBook(instrument string) *models.OrderBook
}

// Scheduler snapshots every configured instrument into the store on a
// fixed interval and runs the retention janitor. One instrument failing
// to persist never blocks the others.
type Scheduler struct {
	config *config.Config
	source BookSource
	store  *store.Store
	ctx    context.Context
	cancel context.CancelFunc
	wg     *sync.WaitGroup
	mu     sync.RWMutex
	state  State
	log    *logger.Log
}

// NewScheduler creates a persistence scheduler over the given source
// and store.
func NewScheduler(cfg *config.Config, source BookSource, st *store.Store) *Scheduler {
	log := logger.GetLogger()

	log.WithComponent("capture_scheduler").WithFields(logger.Fields{
		"instruments":      cfg.Capture.Instruments,
		"interval":         cfg.Capture.Interval,
		"cleanup_interval": cfg.Storage.CleanupInterval,
	}).Info("capture scheduler initialized")

	return &Scheduler{
		config: cfg,
		source: source,
		store:  st,
		wg:     &sync.WaitGroup{},
		state:  StateIdle,
		log:    log,
	}
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Start launches the capture and janitor workers.
func (s *Scheduler) Start(ctx context.Context) error {
	if len(s.config.Capture.Instruments) == 0 {
		return fmt.Errorf("no instruments configured")
	}

	s.mu.Lock()
	if s.state != StateIdle && s.state != StateStopped {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.state = StateRunning
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	log := s.log.WithComponent("capture_scheduler").WithFields(logger.Fields{"operation": "start"})

	s.wg.Add(1)
	go s.captureWorker()

	s.wg.Add(1)
	go s.janitorWorker()

	log.Info("capture scheduler started successfully")
	return nil
}

// Stop finishes the in-flight tick and waits for the workers to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.state = StateShuttingDown
	s.mu.Unlock()

	s.log.WithComponent("capture_scheduler").Info("stopping capture scheduler")
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
	s.log.WithComponent("capture_scheduler").Info("capture scheduler stopped")
}

func (s *Scheduler) captureWorker() {
	defer s.wg.Done()

	log := s.log.WithComponent("capture_scheduler").WithFields(logger.Fields{
		"worker": "snapshot_capture",
	})
	log.Info("starting capture worker")

	ticker := time.NewTicker(s.config.Capture.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case <-ticker.C:
			if s.State() != StateRunning {
				return
			}
			s.captureTick()
		}
	}
}

// captureTick snapshots every instrument sequentially. A failing
// instrument is logged and skipped so the rest of the tick proceeds.
// Cancellation mid-tick abandons the remaining instruments quietly
// instead of logging one spurious error per instrument.
func (s *Scheduler) captureTick() {
	for _, instrument := range s.config.Capture.Instruments {
		if s.ctx.Err() != nil {
			return
		}
		if err := s.captureOne(instrument); err != nil {
			s.log.WithComponent("capture_scheduler").WithError(err).WithFields(logger.Fields{
				"instrument": instrument,
			}).Error("failed to persist snapshot")
		}
	}
}

func (s *Scheduler) captureOne(instrument string) error {
	book := s.source.CurrentBook(instrument)
	if book == nil || book.Empty() {
		return nil
	}

	snap := models.SnapshotFromBook(book)
	return s.store.PutSnapshot(s.ctx, instrument, snap)
}

func (s *Scheduler) janitorWorker() {
	defer s.wg.Done()

	log := s.log.WithComponent("capture_janitor").WithFields(logger.Fields{
		"retention": s.config.Storage.Retention,
	})
	log.Info("starting janitor worker")

	ticker := time.NewTicker(s.config.Storage.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case <-ticker.C:
			start := time.Now()
			removed, err := s.store.Cleanup(s.ctx, s.config.Storage.Retention)
			if err != nil {
				log.WithError(err).Error("retention cleanup failed")
				continue
			}
			logger.LogPerformanceEntry(log, "capture_janitor", "cleanup", time.Since(start), logger.Fields{
				"removed": removed,
			})
		}
	}
}
