package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
)

// EvaluationRepository handles evaluation result persistence. Results are
// immutable.
type EvaluationRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewEvaluationRepository creates a new evaluation repository.
func NewEvaluationRepository(db *sqlx.DB, logger *slog.Logger) *EvaluationRepository {
	return &EvaluationRepository{BaseRepository: BaseRepository{db: db}, logger: logger}
}

// Create inserts a new evaluation result.
func (r *EvaluationRepository) Create(ctx context.Context, q sqlx.ExtContext, result *EvaluationResult) error {
	query := `
		INSERT INTO evaluation_results (
			id, organization_id, transaction_id, account_id, decision,
			triggered_rules, all_rule_results, actions, evaluated_at,
			evaluation_duration_ms
		) VALUES (
			:id, :organization_id, :transaction_id, :account_id, :decision,
			:triggered_rules, :all_rule_results, :actions, :evaluated_at,
			:evaluation_duration_ms
		)`

	if _, err := sqlx.NamedExecContext(ctx, q, query, result); err != nil {
		r.logger.Error("Failed to create evaluation result", "evaluation_result_id", result.ID, "error", err)
		return fmt.Errorf("failed to create evaluation result: %w", err)
	}
	return nil
}

// GetByID retrieves an evaluation result by ID within an organization.
func (r *EvaluationRepository) GetByID(ctx context.Context, q sqlx.ExtContext, orgID, id string) (*EvaluationResult, error) {
	query := `
		SELECT * FROM evaluation_results
		WHERE id = $1 AND organization_id = $2`

	var result EvaluationResult
	if err := sqlx.GetContext(ctx, q, &result, query, id, orgID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.Error("Failed to get evaluation result", "evaluation_result_id", id, "error", err)
		return nil, fmt.Errorf("failed to get evaluation result: %w", err)
	}
	return &result, nil
}

// GetByTransaction retrieves the evaluation result of a transaction.
func (r *EvaluationRepository) GetByTransaction(ctx context.Context, q sqlx.ExtContext, orgID, transactionID string) (*EvaluationResult, error) {
	query := `
		SELECT * FROM evaluation_results
		WHERE transaction_id = $1 AND organization_id = $2`

	var result EvaluationResult
	if err := sqlx.GetContext(ctx, q, &result, query, transactionID, orgID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.Error("Failed to get evaluation result by transaction", "transaction_id", transactionID, "error", err)
		return nil, fmt.Errorf("failed to get evaluation result by transaction: %w", err)
	}
	return &result, nil
}

// ListByAccount retrieves recent evaluation results for an account.
func (r *EvaluationRepository) ListByAccount(ctx context.Context, q sqlx.ExtContext, orgID, accountID string, limit int) ([]*EvaluationResult, error) {
	query := `
		SELECT * FROM evaluation_results
		WHERE organization_id = $1 AND account_id = $2
		ORDER BY evaluated_at DESC
		LIMIT $3`

	var results []*EvaluationResult
	if err := sqlx.SelectContext(ctx, q, &results, query, orgID, accountID, limit); err != nil {
		r.logger.Error("Failed to list evaluation results", "account_id", accountID, "error", err)
		return nil, fmt.Errorf("failed to list evaluation results: %w", err)
	}
	return results, nil
}
