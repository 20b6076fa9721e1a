// Package metering runs billable work so that credits consumed for a failed
// operation are always given back.
package metering

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"metered-gateway/internal/ledger"
)

const refundTimeout = 10 * time.Second

// ErrLedgerUnavailable is returned by Tracker.Consume when the ledger could
// not be reached. Callers must treat it as a denial.
var ErrLedgerUnavailable = errors.New("credit ledger unavailable")

// PaymentRequiredError reports a consume denied for lack of credits.
type PaymentRequiredError struct {
	Operation  string
	Available  int
	Required   int
	IsFreeTier bool
}

func (e *PaymentRequiredError) Error() string {
	return fmt.Sprintf("insufficient credits for %s: need %d, have %d", e.Operation, e.Required, e.Available)
}

// Ledger is the subset of ledger.Service that Protect needs.
type Ledger interface {
	CheckAndConsume(ctx context.Context, userID, operation string, opID ledger.OperationID) ledger.ConsumeResult
	Refund(ctx context.Context, userID, operation string, opID ledger.OperationID) bool
}

// Charge identifies who pays for a protected operation.
type Charge struct {
	UserID      string
	Operation   string
	OperationID ledger.OperationID
}

type consumed struct {
	operation string
}

// Tracker records the consumes made inside one Protect call.
type Tracker struct {
	ledger Ledger
	charge Charge

	mu       sync.Mutex
	consumed []consumed
}

// Consume charges the default operation.
func (t *Tracker) Consume(ctx context.Context) (ledger.ConsumeResult, error) {
	return t.ConsumeFor(ctx, t.charge.Operation)
}

// ConsumeFor charges operation. The returned error is a *PaymentRequiredError
// or ErrLedgerUnavailable and should be returned from the protected function
// as is.
func (t *Tracker) ConsumeFor(ctx context.Context, operation string) (ledger.ConsumeResult, error) {
	result := t.ledger.CheckAndConsume(ctx, t.charge.UserID, operation, t.charge.OperationID)
	if !result.Allowed {
		if result.Denial == ledger.DenialInsufficientCredits {
			return result, &PaymentRequiredError{
				Operation:  operation,
				Available:  result.Available,
				Required:   result.Cost,
				IsFreeTier: result.IsFreeTier,
			}
		}
		return result, ErrLedgerUnavailable
	}

	// A replay charged nothing, so there is nothing to give back.
	if result.Replayed {
		return result, nil
	}
	t.mu.Lock()
	t.consumed = append(t.consumed, consumed{operation: operation})
	t.mu.Unlock()
	return result, nil
}

// Consumed reports how many consumes charged the user so far. Replays are
// not counted.
func (t *Tracker) Consumed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.consumed)
}

func (t *Tracker) refundAll(ctx context.Context, cause any) {
	t.mu.Lock()
	pending := t.consumed
	t.consumed = nil
	t.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refundTimeout)
	defer cancel()

	for _, c := range pending {
		if t.ledger.Refund(ctx, t.charge.UserID, c.operation, t.charge.OperationID) {
			continue
		}
		slog.Error("credit refund failed",
			"user_id", t.charge.UserID,
			"operation", c.operation,
			"operation_id", t.charge.OperationID.String(),
			"cause", cause,
		)
	}
}

// Protect runs fn with a Tracker. If fn returns an error or panics, every
// consume it made is refunded before the error is returned or the panic
// continues.
func Protect[T any](ctx context.Context, l Ledger, charge Charge, fn func(ctx context.Context, tracker *Tracker) (T, error)) (result T, err error) {
	tracker := &Tracker{ledger: l, charge: charge}

	defer func() {
		if r := recover(); r != nil {
			tracker.refundAll(ctx, r)
			panic(r)
		}
	}()

	result, err = fn(ctx, tracker)
	if err != nil {
		tracker.refundAll(ctx, err)
		var zero T
		return zero, err
	}
	return result, nil
}
