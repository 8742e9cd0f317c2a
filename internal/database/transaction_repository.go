package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// TransactionRepository handles transaction persistence and the window and
// behavioral aggregation queries the fact builder depends on.
type TransactionRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewTransactionRepository creates a new transaction repository.
func NewTransactionRepository(db *sqlx.DB, logger *slog.Logger) *TransactionRepository {
	return &TransactionRepository{BaseRepository: BaseRepository{db: db}, logger: logger}
}

// Create inserts a new transaction row.
func (r *TransactionRepository) Create(ctx context.Context, q sqlx.ExtContext, tx *Transaction) error {
	query := `
		INSERT INTO transactions (
			id, organization_id, account_id, type, sub_type, amount, currency,
			amount_normalized, currency_normalized, datetime, country,
			counterparty_id, channel, quantity, asset, price, origin,
			external_code, is_voided, is_blocked, data, metadata, device_info,
			created_by, created_at
		) VALUES (
			:id, :organization_id, :account_id, :type, :sub_type, :amount, :currency,
			:amount_normalized, :currency_normalized, :datetime, :country,
			:counterparty_id, :channel, :quantity, :asset, :price, :origin,
			:external_code, :is_voided, :is_blocked, :data, :metadata, :device_info,
			:created_by, :created_at
		)`

	tx.CreatedAt = time.Now().UTC()

	if _, err := sqlx.NamedExecContext(ctx, q, query, tx); err != nil {
		r.logger.Error("Failed to create transaction", "transaction_id", tx.ID, "error", err)
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// GetByID retrieves a transaction by ID within an organization.
func (r *TransactionRepository) GetByID(ctx context.Context, q sqlx.ExtContext, orgID, id string) (*Transaction, error) {
	query := `
		SELECT * FROM transactions
		WHERE id = $1 AND organization_id = $2 AND deleted_at IS NULL`

	var tx Transaction
	if err := sqlx.GetContext(ctx, q, &tx, query, id, orgID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.Error("Failed to get transaction", "transaction_id", id, "error", err)
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return &tx, nil
}

// WindowAggregates computes count/sum/avg/max/min over the account's
// transactions inside [start, end), excluding the anchor transaction so it
// never counts itself.
func (r *TransactionRepository) WindowAggregates(ctx context.Context, q sqlx.ExtContext, orgID, accountID, excludeID string, start, end time.Time) (*WindowAggregatesRow, error) {
	query := `
		SELECT
			COUNT(*) AS count,
			SUM(amount) AS sum,
			AVG(amount) AS avg,
			MAX(amount) AS max,
			MIN(amount) AS min
		FROM transactions
		WHERE organization_id = $1 AND account_id = $2
		AND datetime >= $3 AND datetime < $4
		AND id <> $5 AND deleted_at IS NULL`

	var row WindowAggregatesRow
	if err := sqlx.GetContext(ctx, q, &row, query, orgID, accountID, start, end, excludeID); err != nil {
		r.logger.Error("Failed to compute window aggregates", "account_id", accountID, "error", err)
		return nil, fmt.Errorf("failed to compute window aggregates: %w", err)
	}
	return &row, nil
}

// CountByTypeInWindow counts the account's transactions per type inside
// [start, end), excluding the anchor transaction.
func (r *TransactionRepository) CountByTypeInWindow(ctx context.Context, q sqlx.ExtContext, orgID, accountID, excludeID string, start, end time.Time) ([]TypeCountRow, error) {
	query := `
		SELECT type, COUNT(*) AS count
		FROM transactions
		WHERE organization_id = $1 AND account_id = $2
		AND datetime >= $3 AND datetime < $4
		AND id <> $5 AND deleted_at IS NULL
		GROUP BY type`

	var rows []TypeCountRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, orgID, accountID, start, end, excludeID); err != nil {
		r.logger.Error("Failed to count transactions by type", "account_id", accountID, "error", err)
		return nil, fmt.Errorf("failed to count transactions by type: %w", err)
	}
	return rows, nil
}

// BehaviorAggregates computes the behavioral baseline aggregates over the
// lookback window anchored to the transaction datetime, excluding the
// anchor itself.
func (r *TransactionRepository) BehaviorAggregates(ctx context.Context, q sqlx.ExtContext, orgID, accountID, excludeID string, start, end time.Time) (*BehaviorAggregatesRow, error) {
	query := `
		SELECT
			COUNT(*) AS history_count,
			AVG(amount) AS avg_amount,
			STDDEV_POP(amount) AS std_amount,
			ARRAY_AGG(DISTINCT country) FILTER (WHERE country IS NOT NULL) AS countries,
			ARRAY_AGG(DISTINCT channel) FILTER (WHERE channel IS NOT NULL) AS channels
		FROM transactions
		WHERE organization_id = $1 AND account_id = $2
		AND datetime >= $3 AND datetime < $4
		AND id <> $5 AND deleted_at IS NULL`

	var row BehaviorAggregatesRow
	if err := sqlx.GetContext(ctx, q, &row, query, orgID, accountID, start, end, excludeID); err != nil {
		r.logger.Error("Failed to compute behavior aggregates", "account_id", accountID, "error", err)
		return nil, fmt.Errorf("failed to compute behavior aggregates: %w", err)
	}
	return &row, nil
}

// ListByAccount retrieves recent transactions for an account.
func (r *TransactionRepository) ListByAccount(ctx context.Context, q sqlx.ExtContext, orgID, accountID string, limit int) ([]*Transaction, error) {
	query := `
		SELECT * FROM transactions
		WHERE organization_id = $1 AND account_id = $2 AND deleted_at IS NULL
		ORDER BY datetime DESC
		LIMIT $3`

	var txs []*Transaction
	if err := sqlx.SelectContext(ctx, q, &txs, query, orgID, accountID, limit); err != nil {
		r.logger.Error("Failed to list transactions", "account_id", accountID, "error", err)
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txs, nil
}
