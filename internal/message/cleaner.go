package message

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Cleaner periodically removes terminal messages past their retention
type Cleaner struct {
	storage  *Storage
	maxAge   time.Duration
	interval time.Duration
	logger   *slog.Logger
	wg       sync.WaitGroup
	done     chan struct{}
}

// NewCleaner creates a new cleaner
func NewCleaner(storage *Storage, maxAge, interval time.Duration, logger *slog.Logger) *Cleaner {
	return &Cleaner{
		storage:  storage,
		maxAge:   maxAge,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start starts the cleanup loop. It does nothing when retention is disabled.
func (c *Cleaner) Start(ctx context.Context) {
	if c.maxAge <= 0 || c.interval <= 0 {
		return
	}

	c.wg.Add(1)
	go c.loop(ctx)

	c.logger.Info("message cleaner started", "max_age", c.maxAge, "interval", c.interval)
}

// Stop stops the cleaner and waits for the loop to finish
func (c *Cleaner) Stop() {
	close(c.done)
	c.wg.Wait()
}

func (c *Cleaner) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.run(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.run(ctx)
		}
	}
}

func (c *Cleaner) run(ctx context.Context) {
	deleted, err := c.storage.Cleanup(ctx, c.maxAge)
	if err != nil {
		c.logger.Error("failed to cleanup messages", "error", err)
		return
	}
	if deleted > 0 {
		c.logger.Info("cleaned up messages", "deleted", deleted)
	}
}
