package dispatch

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/zoptal/mailflow/internal/message"
)

// SimulationConfig controls the simulated transport
type SimulationConfig struct {
	MaxSubmitDelay   time.Duration
	MaxConfirmDelay  time.Duration
	ErrorProbability float64
}

var simulatedErrors = []DeliveryError{
	{Code: 550, Message: "User not found", Temporary: false},
	{Code: 451, Message: "Temporary failure", Temporary: true},
	{Code: 452, Message: "Insufficient storage", Temporary: true},
	{Code: 421, Message: "Service not available", Temporary: true},
}

// SimulatedTransport delivers nothing. It waits a random delay per phase
// and optionally fails submissions at random.
type SimulatedTransport struct {
	cfg SimulationConfig
}

// NewSimulatedTransport creates a simulated transport
func NewSimulatedTransport(cfg SimulationConfig) *SimulatedTransport {
	return &SimulatedTransport{cfg: cfg}
}

func (t *SimulatedTransport) Submit(ctx context.Context, msg *message.Message) error {
	if err := sleep(ctx, t.cfg.MaxSubmitDelay); err != nil {
		return err
	}
	if t.cfg.ErrorProbability > 0 && rand.Float64() < t.cfg.ErrorProbability {
		e := simulatedErrors[rand.IntN(len(simulatedErrors))]
		return &e
	}
	return nil
}

func (t *SimulatedTransport) Confirm(ctx context.Context, msg *message.Message) error {
	return sleep(ctx, t.cfg.MaxConfirmDelay)
}

// sleep waits a random duration in [0, max) or until ctx is done.
func sleep(ctx context.Context, max time.Duration) error {
	if max <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(rand.N(max))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
