package ledger

import (
	"strings"
	"time"
)

// OperationID is the optional idempotency key for a logical user-facing
// operation. The zero value, NoOperationID, means the caller has chosen to
// go without an at-most-once guarantee.
type OperationID struct {
	value string
}

// NoOperationID opts out of idempotency.
var NoOperationID = OperationID{}

// NewOperationID wraps id. A blank id is treated as NoOperationID.
func NewOperationID(id string) OperationID {
	return OperationID{value: strings.TrimSpace(id)}
}

// Value returns the key and whether one was supplied.
func (o OperationID) Value() (string, bool) {
	return o.value, o.value != ""
}

func (o OperationID) String() string {
	if o.value == "" {
		return "<none>"
	}
	return o.value
}

// TransactionType distinguishes ledger audit rows.
type TransactionType string

const (
	TypeConsume TransactionType = "consume"
	TypeRefund  TransactionType = "refund"
)

// Subscription statuses that grant credits.
const (
	StatusActive   = "active"
	StatusTrialing = "trialing"
)

// Transaction is an immutable audit record of a consume or refund.
type Transaction struct {
	ID          string
	UserID      string
	OperationID OperationID
	Operation   string
	Type        TransactionType
	Amount      int
	CreatedAt   time.Time
}

// Account is a user's credit position for the current month.
type Account struct {
	UserID          string
	PlanID          string
	Status          string
	CreditsPerMonth int
	Rollover        int
	Bonus           int
	UsedThisMonth   int
}

// Active reports whether the subscription status grants credits.
func (a Account) Active() bool {
	return a.Status == StatusActive || a.Status == StatusTrialing
}

// Total is the month's allocation: plan credits plus rollover and bonus.
func (a Account) Total() int {
	if !a.Active() {
		return 0
	}
	return a.CreditsPerMonth + a.Rollover + a.Bonus
}

// Available is the unspent allocation, never negative.
func (a Account) Available() int {
	avail := a.Total() - a.UsedThisMonth
	if !a.Active() || avail < 0 {
		return 0
	}
	return avail
}

// Denial explains why a consume was not allowed.
type Denial string

const (
	DenialNone                Denial = ""
	DenialInsufficientCredits Denial = "insufficient_credits"
	DenialLedgerUnavailable   Denial = "ledger_unavailable"
)

// ConsumeResult is the outcome of CheckAndConsume. A denial is a value, not
// an error.
type ConsumeResult struct {
	Allowed    bool
	Available  int
	Cost       int
	IsFreeTier bool
	// Replayed is set when the operation id had already been charged and
	// the balance was left untouched.
	Replayed bool
	Denial   Denial
}

// Balance summarises an account for display.
type Balance struct {
	UserID     string `json:"user_id"`
	PlanID     string `json:"plan_id,omitempty"`
	Status     string `json:"status,omitempty"`
	Available  int    `json:"credits_available"`
	Total      int    `json:"credits_total"`
	Used       int    `json:"credits_used_this_month"`
	IsFreeTier bool   `json:"is_free_user"`
}
