package export

import (
	"context"
	"fmt"
	"sync"
	"time"

	appconfig "bookflow/config"
	"bookflow/logger"
)

// Archiver periodically exports the oldest retained day of snapshots so
// it survives the retention janitor. A failed export is logged and
// retried on the next tick; it never stops the archiver.
type Archiver struct {
	config   *appconfig.Config
	exporter *Exporter
	ctx      context.Context
	cancel   context.CancelFunc
	wg       *sync.WaitGroup
	mu       sync.Mutex
	running  bool
	log      *logger.Log
}

// NewArchiver creates an archiver over the exporter.
func NewArchiver(cfg *appconfig.Config, exporter *Exporter) *Archiver {
	return &Archiver{
		config:   cfg,
		exporter: exporter,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

// Start launches the archive worker.
func (a *Archiver) Start(ctx context.Context) error {
	if !a.config.Archive.Enabled {
		return fmt.Errorf("archiver is disabled")
	}

	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("archiver already running")
	}
	a.running = true
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.mu.Unlock()

	a.wg.Add(1)
	go a.archiveWorker()

	a.log.WithComponent("archiver").WithFields(logger.Fields{
		"dir":      a.config.Archive.Dir,
		"interval": a.config.Archive.Interval,
	}).Info("archiver started successfully")
	return nil
}

// Stop waits for the in-flight export to finish.
func (a *Archiver) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	a.log.WithComponent("archiver").Info("stopping archiver")
	a.cancel()
	a.wg.Wait()
	a.log.WithComponent("archiver").Info("archiver stopped")
}

func (a *Archiver) archiveWorker() {
	defer a.wg.Done()

	log := a.log.WithComponent("archiver").WithFields(logger.Fields{
		"worker": "archive",
	})
	log.Info("starting archive worker")

	ticker := time.NewTicker(a.config.Archive.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case <-ticker.C:
			a.archiveTick()
		}
	}
}

// archiveTick exports the oldest retained day for every instrument.
func (a *Archiver) archiveTick() {
	start := time.Now().Add(-a.config.Storage.Retention)
	end := start.Add(24 * time.Hour)

	for _, instrument := range a.config.Capture.Instruments {
		path, err := a.exporter.Export(a.ctx, instrument, start, end)
		if err != nil {
			a.log.WithComponent("archiver").WithError(err).WithFields(logger.Fields{
				"instrument": instrument,
			}).Warn("archive export skipped")
			continue
		}
		a.log.WithComponent("archiver").WithFields(logger.Fields{
			"instrument": instrument,
			"path":       path,
		}).Info("day archived")
	}
}
