package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	dbpkg "metered-gateway/internal/db"
)

// DefaultOperationCost applies to operations missing from credit_costs.
const DefaultOperationCost = 1

const maxConflictRetries = 3

var errConcurrentUpdate = errors.New("subscription changed concurrently")

// Store is the datastore behind the ledger. UseCredits and RefundCredits are
// the atomic stored operations: each performs its balance check and update
// inside one row-locked transaction.
type Store interface {
	UseCredits(ctx context.Context, userID, operation string) (bool, error)
	RefundCredits(ctx context.Context, userID, operation string) (bool, error)
	OperationCost(ctx context.Context, operation string) (int, error)
	// HasOperation reports whether operation has a row in credit_costs.
	HasOperation(ctx context.Context, operation string) (bool, error)
	Account(ctx context.Context, userID string) (Account, error)
	HasTransaction(ctx context.Context, userID, operationID string, typ TransactionType) (bool, error)
	// RecordTransaction appends an audit row and reports whether it was
	// inserted; false means a row for the same (user, operation id, type)
	// already exists.
	RecordTransaction(ctx context.Context, tx Transaction) (bool, error)
	GrantBonus(ctx context.Context, userID string, amount int) error
}

// GormStore implements Store on gorm (sqlite or postgres).
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the datastore and migrates the ledger tables.
func NewGormStore(driver, dsn string) (*GormStore, error) {
	gormDB, err := dbpkg.OpenGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger store: %w", err)
	}

	store := &GormStore{db: gormDB}
	if err := store.Migrate(); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// Migrate creates or updates the ledger tables.
func (s *GormStore) Migrate() error {
	if err := s.db.AutoMigrate(&planRow{}, &subscriptionRow{}, &creditCostRow{}, &transactionRow{}); err != nil {
		return fmt.Errorf("migrate ledger store: %w", err)
	}
	return nil
}

// lockForUpdate adds SELECT ... FOR UPDATE where the dialect has row locks.
// SQLite serialises writers on its own, and the used-credits guard in the
// UPDATE catches any interleaving.
func (s *GormStore) lockForUpdate(tx *gorm.DB) *gorm.DB {
	if s.db.Dialector.Name() == dbpkg.DriverSQLite {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

func (s *GormStore) UseCredits(ctx context.Context, userID, operation string) (bool, error) {
	return s.adjust(ctx, userID, operation, func(acct Account, cost int) (map[string]any, bool) {
		if acct.Available() < cost {
			return nil, false
		}
		return map[string]any{
			"credits_used_this_month": gorm.Expr("credits_used_this_month + ?", cost),
		}, true
	})
}

// RefundCredits gives back an operation's cost. If the used counter has
// already been reset below the cost (a month boundary passed), the
// remainder is credited as bonus so the refund is never lost.
func (s *GormStore) RefundCredits(ctx context.Context, userID, operation string) (bool, error) {
	return s.adjust(ctx, userID, operation, func(acct Account, cost int) (map[string]any, bool) {
		if acct.UsedThisMonth >= cost {
			return map[string]any{
				"credits_used_this_month": gorm.Expr("credits_used_this_month - ?", cost),
			}, true
		}
		return map[string]any{
			"credits_used_this_month": 0,
			"credits_bonus":           gorm.Expr("credits_bonus + ?", cost-acct.UsedThisMonth),
		}, true
	})
}

type adjustFunc func(acct Account, cost int) (updates map[string]any, ok bool)

func (s *GormStore) adjust(ctx context.Context, userID, operation string, fn adjustFunc) (bool, error) {
	if strings.TrimSpace(userID) == "" {
		return false, errors.New("user id is required")
	}

	var applied bool
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		applied = false
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			cost, err := operationCost(tx, operation)
			if err != nil {
				return err
			}

			var sub subscriptionRow
			if err := s.lockForUpdate(tx).Where("user_id = ?", userID).Take(&sub).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return nil
				}
				return fmt.Errorf("lock subscription: %w", err)
			}
			plan, err := loadPlan(tx, sub.PlanID)
			if err != nil {
				return err
			}

			updates, ok := fn(sub.toAccount(plan), cost)
			if !ok {
				return nil
			}
			updates["updated_at"] = time.Now().UTC()

			res := tx.Model(&subscriptionRow{}).
				Where("user_id = ? AND credits_used_this_month = ?", userID, sub.CreditsUsedThisMonth).
				Updates(updates)
			if res.Error != nil {
				return fmt.Errorf("update subscription: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return errConcurrentUpdate
			}
			applied = true
			return nil
		})
		if !errors.Is(err, errConcurrentUpdate) {
			break
		}
	}
	if err != nil {
		return false, err
	}
	return applied, nil
}

func operationCost(tx *gorm.DB, operation string) (int, error) {
	var row creditCostRow
	if err := tx.Where("operation = ?", operation).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return DefaultOperationCost, nil
		}
		return 0, fmt.Errorf("get operation cost: %w", err)
	}
	return row.Cost, nil
}

func loadPlan(tx *gorm.DB, planID string) (planRow, error) {
	var plan planRow
	if err := tx.Where("id = ?", planID).Take(&plan).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return planRow{ID: planID}, nil
		}
		return planRow{}, fmt.Errorf("get plan: %w", err)
	}
	return plan, nil
}

func (s *GormStore) OperationCost(ctx context.Context, operation string) (int, error) {
	return operationCost(s.db.WithContext(ctx), operation)
}

func (s *GormStore) HasOperation(ctx context.Context, operation string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&creditCostRow{}).
		Where("operation = ?", operation).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("lookup operation cost: %w", err)
	}
	return count > 0, nil
}

// Account returns the user's credit position. A user without a subscription
// gets a zero Account, which reads as free tier.
func (s *GormStore) Account(ctx context.Context, userID string) (Account, error) {
	var sub subscriptionRow
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Account{UserID: userID}, nil
		}
		return Account{}, fmt.Errorf("get subscription: %w", err)
	}
	plan, err := loadPlan(s.db.WithContext(ctx), sub.PlanID)
	if err != nil {
		return Account{}, err
	}
	return sub.toAccount(plan), nil
}

func (s *GormStore) HasTransaction(ctx context.Context, userID, operationID string, typ TransactionType) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&transactionRow{}).
		Where("user_id = ? AND operation_id = ? AND type = ?", userID, operationID, string(typ)).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("lookup credit transaction: %w", err)
	}
	return count > 0, nil
}

func (s *GormStore) RecordTransaction(ctx context.Context, tx Transaction) (bool, error) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	row := transactionRowFromRecord(tx)
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("record credit transaction: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Transactions lists a user's audit rows, oldest first.
func (s *GormStore) Transactions(ctx context.Context, userID string) ([]Transaction, error) {
	var rows []transactionRow
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list credit transactions: %w", err)
	}
	out := make([]Transaction, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

func (s *GormStore) GrantBonus(ctx context.Context, userID string, amount int) error {
	if amount <= 0 {
		return fmt.Errorf("grant amount must be positive, got %d", amount)
	}
	res := s.db.WithContext(ctx).Model(&subscriptionRow{}).Where("user_id = ?", userID).Updates(map[string]any{
		"credits_bonus": gorm.Expr("credits_bonus + ?", amount),
		"updated_at":    time.Now().UTC(),
	})
	if res.Error != nil {
		return fmt.Errorf("grant bonus: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNoSubscription, userID)
	}
	return nil
}

// ErrNoSubscription indicates the user has no subscription row.
var ErrNoSubscription = errors.New("no subscription for user")

// UpsertPlan creates or updates a plan.
func (s *GormStore) UpsertPlan(ctx context.Context, id, name string, creditsPerMonth int) error {
	now := time.Now().UTC()
	row := planRow{ID: id, Name: name, CreditsPerMonth: creditsPerMonth, CreatedAt: now, UpdatedAt: now}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "credits_per_month", "updated_at"}),
		}).
		Create(&row).Error
}

// SubscriptionRecord seeds or replaces a user's subscription.
type SubscriptionRecord struct {
	UserID        string
	PlanID        string
	Status        string
	UsedThisMonth int
	Rollover      int
	Bonus         int
}

// UpsertSubscription creates or replaces a subscription row.
func (s *GormStore) UpsertSubscription(ctx context.Context, rec SubscriptionRecord) error {
	if strings.TrimSpace(rec.UserID) == "" {
		return errors.New("user id is required")
	}
	now := time.Now().UTC()
	row := subscriptionRow{
		UserID:               rec.UserID,
		PlanID:               rec.PlanID,
		Status:               rec.Status,
		CreditsUsedThisMonth: rec.UsedThisMonth,
		CreditsRollover:      rec.Rollover,
		CreditsBonus:         rec.Bonus,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"plan_id", "status", "credits_used_this_month", "credits_rollover", "credits_bonus", "updated_at",
			}),
		}).
		Create(&row).Error
}

// SeedCosts upserts operation costs.
func (s *GormStore) SeedCosts(ctx context.Context, costs map[string]int) error {
	if len(costs) == 0 {
		return nil
	}
	rows := make([]creditCostRow, 0, len(costs))
	for op, cost := range costs {
		rows = append(rows, creditCostRow{Operation: op, Cost: cost})
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "operation"}},
			DoUpdates: clause.AssignmentColumns([]string{"cost"}),
		}).
		Create(&rows).Error
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}
