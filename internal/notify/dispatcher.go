package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const notifyTimeout = 15 * time.Second

// Dispatcher runs notifications as supervised background tasks. A failing
// or panicking notifier is retried and then logged; it never reaches the
// caller.
type Dispatcher struct {
	notifier     Notifier
	retryCount   int
	retryBackoff time.Duration
	wg           sync.WaitGroup
}

// NewDispatcher builds a dispatcher. retryCount is the total number of
// delivery attempts per notification.
func NewDispatcher(notifier Notifier, retryCount int, retryBackoff time.Duration) *Dispatcher {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	if retryCount <= 0 {
		retryCount = 3
	}
	if retryBackoff <= 0 {
		retryBackoff = 500 * time.Millisecond
	}
	return &Dispatcher{
		notifier:     notifier,
		retryCount:   retryCount,
		retryBackoff: retryBackoff,
	}
}

// Dispatch schedules n for delivery and returns immediately. The task keeps
// running after ctx is cancelled but inherits its values.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notification) {
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}
	taskCtx := context.WithoutCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.deliver(taskCtx, n)
	}()
}

// Wait blocks until every dispatched notification has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, n Notification) {
	for attempt := 1; attempt <= d.retryCount; attempt++ {
		err := d.attempt(ctx, n)
		if err == nil {
			return
		}

		slog.Warn("notification delivery failed",
			"notifier", d.notifier.Name(),
			"kind", n.Kind,
			"user_id", n.UserID,
			"attempt", attempt,
			"err", err,
		)
		if attempt == d.retryCount {
			slog.Error("notification dropped", "notifier", d.notifier.Name(), "kind", n.Kind, "user_id", n.UserID)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.retryBackoff):
		}
	}
}

func (d *Dispatcher) attempt(ctx context.Context, n Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("notifier panic: %v", r)
		}
	}()
	attemptCtx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	return d.notifier.Notify(attemptCtx, n)
}
