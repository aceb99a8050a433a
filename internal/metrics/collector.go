package metrics

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"
)

// StatusCounter reports stored messages per status
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// Collector periodically refreshes the gauges that are sampled rather than counted
type Collector struct {
	metrics     *Metrics
	statuses    StatusCounter
	storagePath string
	interval    time.Duration
	startTime   time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a new gauge collector
func NewCollector(m *Metrics, statuses StatusCounter, storagePath string, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		metrics:     m,
		statuses:    statuses,
		storagePath: storagePath,
		interval:    interval,
		startTime:   time.Now(),
		stopCh:      make(chan struct{}),
	}
}

// Start begins sampling in the background
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop stops sampling
func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Collector) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

// Collect samples every gauge once
func (c *Collector) Collect(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.statuses == nil {
		return
	}
	counts, err := c.statuses.CountByStatus(ctx)
	if err != nil {
		return
	}
	c.metrics.MessagesByStatus.Reset()
	for status, n := range counts {
		c.metrics.MessagesByStatus.WithLabelValues(status).Set(float64(n))
	}
}
