package cleanup

import (
	"log/slog"
	"sync"
	"time"
)

// Purger drops expired entries and reports how many were removed
type Purger interface {
	PurgeExpired() int
}

// CleanupService periodically sweeps expired keys out of the in-memory store.
// Expired keys are already invisible to readers; sweeping returns their memory
// before LRU eviction has to.
type CleanupService struct {
	store    Purger
	interval time.Duration
	logger   *slog.Logger
	stopChan chan struct{}
	stopOnce sync.Once
}

func NewCleanupService(store Purger, interval time.Duration, logger *slog.Logger) *CleanupService {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &CleanupService{
		store:    store,
		interval: interval,
		logger:   logger.With("component", "cleanup"),
		stopChan: make(chan struct{}),
	}
}

// Start runs the sweeper until Stop is called
func (s *CleanupService) Start() {
	s.logger.Info("starting expired key cleanup", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stopChan:
			s.logger.Info("stopping expired key cleanup")
			return
		}
	}
}

// Stop stops the cleanup service. It is safe to call more than once.
func (s *CleanupService) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

// Sweep runs a single cleanup pass
func (s *CleanupService) Sweep() int {
	count := s.store.PurgeExpired()
	if count > 0 {
		s.logger.Debug("purged expired keys", "count", count)
	}
	return count
}
