package dispatch

import (
	"context"
	"sync"

	"github.com/zoptal/mailflow/internal/analytics"
	"github.com/zoptal/mailflow/internal/message"
	"github.com/zoptal/mailflow/internal/metrics"
)

// Result is the outcome of accepting one message of a bulk send
type Result struct {
	Index    int       `json:"index"`
	Delivery *Delivery `json:"-"`
	Err      error     `json:"-"`
}

// SendBulk accepts messages concurrently with at most Workers in flight.
// One failure never affects the others; results are returned in input order.
func (d *Dispatcher) SendBulk(ctx context.Context, msgs []*message.Message) []Result {
	results := make([]Result, len(msgs))
	sem := make(chan struct{}, d.cfg.Workers)
	var wg sync.WaitGroup

	for i, msg := range msgs {
		results[i].Index = i

		select {
		case <-ctx.Done():
			results[i].Err = ctx.Err()
			continue
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(i int, msg *message.Message) {
			defer wg.Done()
			defer func() { <-sem }()

			delivery, err := d.Send(ctx, msg)
			results[i].Delivery = delivery
			results[i].Err = err
		}(i, msg)
	}

	wg.Wait()

	accepted := 0
	for _, r := range results {
		if r.Err == nil {
			accepted++
		}
	}

	metrics.IncBulkBatches()
	d.tracker.Track(ctx, analytics.EventBulkEmailsSent, map[string]any{
		"total":    len(msgs),
		"accepted": accepted,
		"failed":   len(msgs) - accepted,
	})
	d.logger.Info("bulk send accepted", "total", len(msgs), "accepted", accepted)

	return results
}
