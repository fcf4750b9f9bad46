package maintenance

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meridianhq/meridian/internal/logger"
	"github.com/meridianhq/meridian/internal/store"
	"github.com/meridianhq/meridian/internal/workflow"
)

// Sweeper periodically evicts expired cache entries and prunes old run
// snapshot files. The cache also sweeps opportunistically on access; the
// sweeper exists so that idle deployments do not accumulate expired
// entries or stale snapshot files indefinitely.
//
// Thread-safety: Start and Shutdown may be called from different
// goroutines but each at most once.
type Sweeper struct {
	store     *store.Store
	runs      *workflow.RunStore
	interval  time.Duration
	retention time.Duration
	logger    *logger.Logger
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

// NewSweeper creates a sweeper. Either store or runs may be nil, in which
// case that side of the sweep is skipped.
func NewSweeper(st *store.Store, runs *workflow.RunStore, interval, retention time.Duration, log *logger.Logger) *Sweeper {
	return &Sweeper{
		store:     st,
		runs:      runs,
		interval:  interval,
		retention: retention,
		logger:    log.WithComponent("sweeper"),
		shutdown:  make(chan struct{}),
	}
}

// Start launches the background sweep loop. It is non-blocking.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.run()

	s.logger.Info("started maintenance sweeper",
		slog.Duration("interval", s.interval),
		slog.Duration("retention", s.retention))
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweepOnce()
		case <-s.shutdown:
			return
		}
	}
}

func (s *Sweeper) sweepOnce() {
	start := time.Now()

	if s.store != nil {
		s.store.Sweep()
	}

	if s.runs != nil {
		if err := s.runs.CleanupOld(s.retention); err != nil {
			s.logger.Warn("run snapshot cleanup failed",
				slog.String("error", err.Error()))
		}
	}

	s.logger.Debug("sweep completed",
		slog.Duration("duration", time.Since(start)))
}

// Shutdown stops the sweep loop and waits for any in-flight sweep to
// finish, up to a 10 second timeout.
func (s *Sweeper) Shutdown() error {
	close(s.shutdown)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("maintenance sweeper shut down")
		return nil
	case <-time.After(10 * time.Second):
		s.logger.Warn("maintenance sweeper shutdown timed out")
		return fmt.Errorf("sweeper shutdown timeout after 10 seconds")
	}
}
