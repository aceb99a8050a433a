package dispatch

import (
	"context"
	"sync"

	"github.com/zoptal/mailflow/internal/message"
)

// Delivery is a handle on one asynchronous delivery
type Delivery struct {
	id     string
	done   chan struct{}
	cancel context.CancelFunc

	once sync.Once
	msg  *message.Message
	err  error
}

func newDelivery(id string, cancel context.CancelFunc) *Delivery {
	return &Delivery{id: id, done: make(chan struct{}), cancel: cancel}
}

// Finished returns a delivery already in its final state, for senders that
// complete synchronously.
func Finished(msg *message.Message, err error) *Delivery {
	d := newDelivery(msg.ID, func() {})
	d.finish(msg, err)
	return d
}

// ID returns the message ID
func (d *Delivery) ID() string {
	return d.id
}

// Done is closed when the delivery reaches its final state
func (d *Delivery) Done() <-chan struct{} {
	return d.done
}

// Cancel aborts the delivery. A message not yet submitted ends up failed;
// a submitted one stays sent.
func (d *Delivery) Cancel() {
	d.cancel()
}

// Wait blocks until the delivery finishes or ctx is done. It returns the
// final message and a non-nil error when the message was not delivered.
func (d *Delivery) Wait(ctx context.Context) (*message.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.done:
		return d.msg, d.err
	}
}

// Result returns the final message and error, or nil values while the
// delivery is still running.
func (d *Delivery) Result() (*message.Message, error) {
	select {
	case <-d.done:
		return d.msg, d.err
	default:
		return nil, nil
	}
}

func (d *Delivery) finish(msg *message.Message, err error) {
	d.once.Do(func() {
		d.msg = msg
		d.err = err
		close(d.done)
	})
}
