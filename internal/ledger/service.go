package ledger

import (
	"context"
	"log/slog"
	"time"

	"metered-gateway/internal/notify"
)

const defaultLowBalanceRatio = 0.2

// Dispatcher schedules a notification without waiting for delivery.
type Dispatcher interface {
	Dispatch(ctx context.Context, n notify.Notification)
}

// Service implements check-and-consume and refund on top of a Store.
//
// Consumption is fail-closed: a datastore error denies the operation rather
// than letting it through for free.
type Service struct {
	store           Store
	notifier        Dispatcher
	lowBalanceRatio float64
	now             func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithNotifier routes low-balance notifications to d.
func WithNotifier(d Dispatcher) Option {
	return func(s *Service) {
		s.notifier = d
	}
}

// WithLowBalanceRatio sets the fraction of the allocation under which a
// low-balance notification is sent.
func WithLowBalanceRatio(ratio float64) Option {
	return func(s *Service) {
		if ratio > 0 && ratio < 1 {
			s.lowBalanceRatio = ratio
		}
	}
}

// NewService builds a ledger service.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:           store,
		lowBalanceRatio: defaultLowBalanceRatio,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CheckAndConsume charges operation to userID.
//
// With an operation id that has already been charged, it returns Allowed
// without touching the balance. Insufficient credits and datastore failures
// come back as a denied result, never as an error.
func (s *Service) CheckAndConsume(ctx context.Context, userID, operation string, opID OperationID) ConsumeResult {
	log := slog.With("user_id", userID, "operation", operation, "operation_id", opID.String())

	id, keyed := opID.Value()
	if keyed {
		exists, err := s.store.HasTransaction(ctx, userID, id, TypeConsume)
		if err != nil {
			log.Error("credit idempotency lookup failed", "err", err)
			return ConsumeResult{Denial: DenialLedgerUnavailable}
		}
		if exists {
			return s.replayResult(ctx, userID, operation)
		}
	}

	cost, err := s.store.OperationCost(ctx, operation)
	if err != nil {
		log.Error("credit cost lookup failed", "err", err)
		return ConsumeResult{Denial: DenialLedgerUnavailable}
	}

	ok, err := s.store.UseCredits(ctx, userID, operation)
	if err != nil {
		log.Error("credit consume failed", "err", err)
		return ConsumeResult{Cost: cost, Denial: DenialLedgerUnavailable}
	}

	acct, acctErr := s.store.Account(ctx, userID)
	if acctErr != nil {
		log.Warn("credit balance read failed", "err", acctErr)
	}

	if !ok {
		return ConsumeResult{
			Available:  acct.Available(),
			Cost:       cost,
			IsFreeTier: !acct.Active(),
			Denial:     DenialInsufficientCredits,
		}
	}

	result := ConsumeResult{
		Allowed:    true,
		Available:  acct.Available(),
		Cost:       cost,
		IsFreeTier: !acct.Active(),
	}

	inserted, err := s.store.RecordTransaction(ctx, Transaction{
		UserID:      userID,
		OperationID: opID,
		Operation:   operation,
		Type:        TypeConsume,
		Amount:      cost,
		CreatedAt:   s.now().UTC(),
	})
	switch {
	case err != nil:
		// The credits stay consumed; only the audit row is missing.
		log.Error("credit transaction log failed", "type", TypeConsume, "err", err)
	case !inserted:
		// A concurrent request charged this operation id first. Undo our
		// charge so the pair nets out to one.
		log.Warn("duplicate consume for operation id, compensating")
		switch ok, err := s.store.RefundCredits(ctx, userID, operation); {
		case err != nil:
			log.Error("compensating refund failed", "err", err)
		case !ok:
			log.Error("compensating refund not applied; user is charged twice")
		}
		return s.replayResult(ctx, userID, operation)
	}

	if acctErr == nil {
		s.maybeNotifyLowBalance(ctx, acct)
	}
	return result
}

func (s *Service) replayResult(ctx context.Context, userID, operation string) ConsumeResult {
	result := ConsumeResult{Allowed: true, Replayed: true}
	if cost, err := s.store.OperationCost(ctx, operation); err == nil {
		result.Cost = cost
	}
	if acct, err := s.store.Account(ctx, userID); err == nil {
		result.Available = acct.Available()
		result.IsFreeTier = !acct.Active()
	}
	return result
}

// Refund restores operation's cost to userID. With an operation id that has
// already been refunded it returns true without touching the balance.
// Failures are logged and reported as false.
func (s *Service) Refund(ctx context.Context, userID, operation string, opID OperationID) bool {
	log := slog.With("user_id", userID, "operation", operation, "operation_id", opID.String())

	id, keyed := opID.Value()
	if keyed {
		exists, err := s.store.HasTransaction(ctx, userID, id, TypeRefund)
		if err != nil {
			log.Error("refund idempotency lookup failed", "err", err)
			return false
		}
		if exists {
			return true
		}
	}

	ok, err := s.store.RefundCredits(ctx, userID, operation)
	if err != nil {
		log.Error("credit refund failed", "err", err)
		return false
	}
	if !ok {
		log.Warn("credit refund not applied")
		return false
	}

	cost, err := s.store.OperationCost(ctx, operation)
	if err != nil {
		cost = DefaultOperationCost
	}
	inserted, err := s.store.RecordTransaction(ctx, Transaction{
		UserID:      userID,
		OperationID: opID,
		Operation:   operation,
		Type:        TypeRefund,
		Amount:      cost,
		CreatedAt:   s.now().UTC(),
	})
	switch {
	case err != nil:
		log.Error("credit transaction log failed", "type", TypeRefund, "err", err)
	case !inserted:
		log.Warn("duplicate refund for operation id, compensating")
		switch ok, err := s.store.UseCredits(ctx, userID, operation); {
		case err != nil:
			log.Error("compensating consume failed", "err", err)
		case !ok:
			log.Error("compensating consume not applied; user is refunded twice")
		}
	}
	return true
}

// KnownOperation reports whether operation has its own price in the cost
// table.
func (s *Service) KnownOperation(ctx context.Context, operation string) (bool, error) {
	return s.store.HasOperation(ctx, operation)
}

// Balance reports the user's current credit position.
func (s *Service) Balance(ctx context.Context, userID string) (Balance, error) {
	acct, err := s.store.Account(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	return Balance{
		UserID:     userID,
		PlanID:     acct.PlanID,
		Status:     acct.Status,
		Available:  acct.Available(),
		Total:      acct.Total(),
		Used:       acct.UsedThisMonth,
		IsFreeTier: !acct.Active(),
	}, nil
}

// Grant adds bonus credits to an existing subscription.
func (s *Service) Grant(ctx context.Context, userID string, amount int) error {
	return s.store.GrantBonus(ctx, userID, amount)
}

func (s *Service) maybeNotifyLowBalance(ctx context.Context, acct Account) {
	if s.notifier == nil {
		return
	}
	total := acct.Total()
	if total <= 0 {
		return
	}
	available := acct.Available()
	if float64(available) >= s.lowBalanceRatio*float64(total) {
		return
	}
	s.notifier.Dispatch(ctx, notify.Notification{
		Kind:      notify.KindLowBalance,
		UserID:    acct.UserID,
		Available: available,
		Total:     total,
		At:        s.now().UTC(),
	})
}
