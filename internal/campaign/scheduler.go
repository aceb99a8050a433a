package campaign

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Scheduler periodically sends due scheduled campaigns
type Scheduler struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates a new campaign scheduler
func NewScheduler(service *Service, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{
		service:  service,
		interval: interval,
		logger:   logger.With("component", "campaign_scheduler"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the scheduler loop
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
	s.logger.Info("campaign scheduler started", "interval", s.interval)
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("campaign scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	sent, err := s.service.SendDue(ctx)
	if err != nil {
		s.logger.Error("scheduler tick failed", "error", err)
		return
	}
	if sent > 0 {
		s.logger.Info("scheduled campaigns sent", "count", sent)
	}
}
