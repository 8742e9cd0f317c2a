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

// ListRepository handles compliance list and entry persistence, including
// the batched entry lookup list-fact resolution depends on.
type ListRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewListRepository creates a new list repository.
func NewListRepository(db *sqlx.DB, logger *slog.Logger) *ListRepository {
	return &ListRepository{BaseRepository: BaseRepository{db: db}, logger: logger}
}

// CreateList inserts a new compliance list.
func (r *ListRepository) CreateList(ctx context.Context, q sqlx.ExtContext, list *ComplianceList) error {
	query := `
		INSERT INTO compliance_lists (
			id, organization_id, code, name, entity_type, list_type, is_active,
			created_at, updated_at
		) VALUES (
			:id, :organization_id, :code, :name, :entity_type, :list_type, :is_active,
			:created_at, :updated_at
		)`

	list.CreatedAt = time.Now().UTC()
	list.UpdatedAt = list.CreatedAt

	if _, err := sqlx.NamedExecContext(ctx, q, query, list); err != nil {
		r.logger.Error("Failed to create compliance list", "list_id", list.ID, "error", err)
		return fmt.Errorf("failed to create compliance list: %w", err)
	}
	return nil
}

// GetList retrieves a list by ID within an organization.
func (r *ListRepository) GetList(ctx context.Context, q sqlx.ExtContext, orgID, id string) (*ComplianceList, error) {
	query := `
		SELECT * FROM compliance_lists
		WHERE id = $1 AND organization_id = $2 AND deleted_at IS NULL`

	var list ComplianceList
	if err := sqlx.GetContext(ctx, q, &list, query, id, orgID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.Error("Failed to get compliance list", "list_id", id, "error", err)
		return nil, fmt.Errorf("failed to get compliance list: %w", err)
	}
	return &list, nil
}

// GetListByCode retrieves a list by its organization-unique code.
func (r *ListRepository) GetListByCode(ctx context.Context, q sqlx.ExtContext, orgID, code string) (*ComplianceList, error) {
	query := `
		SELECT * FROM compliance_lists
		WHERE organization_id = $1 AND code = $2 AND deleted_at IS NULL`

	var list ComplianceList
	if err := sqlx.GetContext(ctx, q, &list, query, orgID, code); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.Error("Failed to get compliance list by code", "code", code, "error", err)
		return nil, fmt.Errorf("failed to get compliance list by code: %w", err)
	}
	return &list, nil
}

// ListActive retrieves every active list in an organization.
func (r *ListRepository) ListActive(ctx context.Context, q sqlx.ExtContext, orgID string) ([]*ComplianceList, error) {
	query := `
		SELECT * FROM compliance_lists
		WHERE organization_id = $1 AND is_active = TRUE AND deleted_at IS NULL
		ORDER BY code ASC`

	var lists []*ComplianceList
	if err := sqlx.SelectContext(ctx, q, &lists, query, orgID); err != nil {
		r.logger.Error("Failed to list compliance lists", "organization_id", orgID, "error", err)
		return nil, fmt.Errorf("failed to list compliance lists: %w", err)
	}
	return lists, nil
}

// DeactivateList marks a list inactive.
func (r *ListRepository) DeactivateList(ctx context.Context, q sqlx.ExtContext, orgID, id string) error {
	query := `
		UPDATE compliance_lists SET is_active = FALSE, updated_at = NOW()
		WHERE id = $1 AND organization_id = $2 AND is_active = TRUE AND deleted_at IS NULL`

	result, err := q.ExecContext(ctx, query, id, orgID)
	if err != nil {
		r.logger.Error("Failed to deactivate compliance list", "list_id", id, "error", err)
		return fmt.Errorf("failed to deactivate compliance list: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("compliance list not found or already inactive: %s", id)
	}
	return nil
}

// AddEntry inserts a new list entry.
func (r *ListRepository) AddEntry(ctx context.Context, q sqlx.ExtContext, entry *ListEntry) error {
	query := `
		INSERT INTO list_entries (id, list_id, value, created_at)
		VALUES (:id, :list_id, :value, :created_at)`

	entry.CreatedAt = time.Now().UTC()

	if _, err := sqlx.NamedExecContext(ctx, q, query, entry); err != nil {
		r.logger.Error("Failed to add list entry", "list_id", entry.ListID, "error", err)
		return fmt.Errorf("failed to add list entry: %w", err)
	}
	return nil
}

// GetEntry retrieves one entry of a list by value.
func (r *ListRepository) GetEntry(ctx context.Context, q sqlx.ExtContext, listID, value string) (*ListEntry, error) {
	query := `SELECT * FROM list_entries WHERE list_id = $1 AND value = $2`

	var entry ListEntry
	if err := sqlx.GetContext(ctx, q, &entry, query, listID, value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.Error("Failed to get list entry", "list_id", listID, "error", err)
		return nil, fmt.Errorf("failed to get list entry: %w", err)
	}
	return &entry, nil
}

// RemoveEntry deletes a list entry by value.
func (r *ListRepository) RemoveEntry(ctx context.Context, q sqlx.ExtContext, listID, value string) error {
	result, err := q.ExecContext(ctx, `DELETE FROM list_entries WHERE list_id = $1 AND value = $2`, listID, value)
	if err != nil {
		r.logger.Error("Failed to remove list entry", "list_id", listID, "error", err)
		return fmt.Errorf("failed to remove list entry: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("list entry not found: %s", value)
	}
	return nil
}

// ListEntries retrieves all entries of a list.
func (r *ListRepository) ListEntries(ctx context.Context, q sqlx.ExtContext, listID string) ([]*ListEntry, error) {
	query := `SELECT * FROM list_entries WHERE list_id = $1 ORDER BY value ASC`

	var entries []*ListEntry
	if err := sqlx.SelectContext(ctx, q, &entries, query, listID); err != nil {
		r.logger.Error("Failed to list entries", "list_id", listID, "error", err)
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	return entries, nil
}

// EntriesBatchLookup resolves membership for many (list, value) pairs in
// one query, returning the set of list IDs with at least one hit.
func (r *ListRepository) EntriesBatchLookup(ctx context.Context, q sqlx.ExtContext, listIDs, values []string) (map[string]bool, error) {
	if len(listIDs) == 0 || len(values) == 0 {
		return map[string]bool{}, nil
	}

	query, args, err := sqlx.In(`
		SELECT DISTINCT list_id FROM list_entries
		WHERE list_id IN (?) AND value IN (?)`, listIDs, values)
	if err != nil {
		return nil, fmt.Errorf("failed to build batch lookup query: %w", err)
	}
	query = q.Rebind(query)

	var hits []string
	if err := sqlx.SelectContext(ctx, q, &hits, query, args...); err != nil {
		r.logger.Error("Failed to batch-look up list entries", "error", err)
		return nil, fmt.Errorf("failed to batch-look up list entries: %w", err)
	}

	hitSet := make(map[string]bool, len(hits))
	for _, id := range hits {
		hitSet[id] = true
	}
	return hitSet, nil
}
