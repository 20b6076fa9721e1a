package ledger

import "time"

type planRow struct {
	ID              string    `gorm:"primaryKey;size:191"`
	Name            string    `gorm:"size:191"`
	CreditsPerMonth int       `gorm:"not null;default:0"`
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (planRow) TableName() string {
	return "plans"
}

type subscriptionRow struct {
	UserID               string    `gorm:"primaryKey;size:191"`
	PlanID               string    `gorm:"size:191;not null"`
	Status               string    `gorm:"size:64;not null"`
	CreditsUsedThisMonth int       `gorm:"not null;default:0"`
	CreditsRollover      int       `gorm:"not null;default:0"`
	CreditsBonus         int       `gorm:"not null;default:0"`
	CreatedAt            time.Time `gorm:"not null"`
	UpdatedAt            time.Time `gorm:"not null"`
}

func (subscriptionRow) TableName() string {
	return "subscriptions"
}

func (r subscriptionRow) toAccount(plan planRow) Account {
	return Account{
		UserID:          r.UserID,
		PlanID:          r.PlanID,
		Status:          r.Status,
		CreditsPerMonth: plan.CreditsPerMonth,
		Rollover:        r.CreditsRollover,
		Bonus:           r.CreditsBonus,
		UsedThisMonth:   r.CreditsUsedThisMonth,
	}
}

type creditCostRow struct {
	Operation string `gorm:"primaryKey;size:191"`
	Cost      int    `gorm:"not null"`
}

func (creditCostRow) TableName() string {
	return "credit_costs"
}

// OperationID is NULL for calls made without an idempotency key; NULLs never
// collide in the unique index, so only keyed calls are deduplicated.
type transactionRow struct {
	ID          string    `gorm:"primaryKey;size:64"`
	UserID      string    `gorm:"size:191;not null;index;uniqueIndex:idx_credit_tx_op,priority:1"`
	OperationID *string   `gorm:"size:191;uniqueIndex:idx_credit_tx_op,priority:2"`
	Type        string    `gorm:"size:16;not null;uniqueIndex:idx_credit_tx_op,priority:3"`
	Operation   string    `gorm:"size:191;not null"`
	Amount      int       `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null"`
}

func (transactionRow) TableName() string {
	return "credit_transactions"
}

func transactionRowFromRecord(tx Transaction) transactionRow {
	row := transactionRow{
		ID:        tx.ID,
		UserID:    tx.UserID,
		Type:      string(tx.Type),
		Operation: tx.Operation,
		Amount:    tx.Amount,
		CreatedAt: tx.CreatedAt,
	}
	if id, ok := tx.OperationID.Value(); ok {
		row.OperationID = &id
	}
	return row
}

func (r transactionRow) toRecord() Transaction {
	tx := Transaction{
		ID:        r.ID,
		UserID:    r.UserID,
		Type:      TransactionType(r.Type),
		Operation: r.Operation,
		Amount:    r.Amount,
		CreatedAt: r.CreatedAt,
	}
	if r.OperationID != nil {
		tx.OperationID = NewOperationID(*r.OperationID)
	}
	return tx
}
