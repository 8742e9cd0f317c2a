package lists

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ledgerguard/compliance-engine/internal/cache"
	"github.com/ledgerguard/compliance-engine/internal/database"
	"github.com/ledgerguard/compliance-engine/internal/errs"
)

// Facts is the list-membership slice of the fact bundle.
type Facts struct {
	Blacklists    map[string]bool `json:"blacklists"`
	Whitelists    map[string]bool `json:"whitelists"`
	IsBlacklisted bool            `json:"isBlacklisted"`
	IsWhitelisted bool            `json:"isWhitelisted"`
}

// Attributes are the transaction attributes list membership is resolved
// against. Nil means the attribute is absent from the transaction.
type Attributes struct {
	Country        *string
	AccountID      *string
	CounterpartyID *string
}

// Hash renders a short deterministic digest of the attribute triple, used
// as the cache key suffix.
func (a Attributes) Hash() string {
	deref := func(s *string) string {
		if s == nil {
			return ""
		}
		return *s
	}
	input := fmt.Sprintf("country=%s|account=%s|counterparty=%s",
		deref(a.Country), deref(a.AccountID), deref(a.CounterpartyID))
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])[:16]
}

// Service manages compliance lists and resolves membership facts with a
// batched lookup and a read-through cache.
type Service struct {
	db     *sqlx.DB
	lists  *database.ListRepository
	cache  *cache.Cache
	logger *slog.Logger
}

// NewService creates a new compliance list service.
func NewService(db *sqlx.DB, lists *database.ListRepository, cache *cache.Cache, logger *slog.Logger) *Service {
	return &Service{db: db, lists: lists, cache: cache, logger: logger}
}

// CreateListInput is the validated input for list creation.
type CreateListInput struct {
	OrganizationID string
	Code           string
	Name           string
	EntityType     string
	ListType       string
}

// CreateList creates a compliance list.
func (s *Service) CreateList(ctx context.Context, input CreateListInput) (*database.ComplianceList, error) {
	if input.OrganizationID == "" {
		return nil, errs.New(errs.OrganizationContextRequired, "organization context is required")
	}

	switch input.EntityType {
	case database.EntityCountry, database.EntityAccount, database.EntityCounterparty:
	default:
		return nil, errs.New(errs.ValidationError, "unknown entity type %q", input.EntityType)
	}
	switch input.ListType {
	case database.ListBlacklist, database.ListWhitelist:
	default:
		return nil, errs.New(errs.ValidationError, "unknown list type %q", input.ListType)
	}

	existing, err := s.lists.GetListByCode(ctx, s.db, input.OrganizationID, input.Code)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errs.New(errs.DuplicateOperation, "compliance list code %q already exists", input.Code)
	}

	list := &database.ComplianceList{
		ID:             uuid.NewString(),
		OrganizationID: input.OrganizationID,
		Code:           input.Code,
		Name:           input.Name,
		EntityType:     input.EntityType,
		ListType:       input.ListType,
		IsActive:       true,
	}
	if err := s.lists.CreateList(ctx, s.db, list); err != nil {
		return nil, err
	}

	s.invalidateFacts(ctx, input.OrganizationID)
	s.logger.Info("Compliance list created", "list_id", list.ID, "code", list.Code)
	return list, nil
}

// GetList retrieves a list.
func (s *Service) GetList(ctx context.Context, orgID, id string) (*database.ComplianceList, error) {
	if orgID == "" {
		return nil, errs.New(errs.OrganizationContextRequired, "organization context is required")
	}
	list, err := s.lists.GetList(ctx, s.db, orgID, id)
	if err != nil {
		return nil, err
	}
	if list == nil {
		return nil, errs.New(errs.EntityNotFound, "compliance list %s not found", id)
	}
	return list, nil
}

// ListActive retrieves every active list in an organization.
func (s *Service) ListActive(ctx context.Context, orgID string) ([]*database.ComplianceList, error) {
	if orgID == "" {
		return nil, errs.New(errs.OrganizationContextRequired, "organization context is required")
	}
	return s.lists.ListActive(ctx, s.db, orgID)
}

// DeactivateList deactivates a list.
func (s *Service) DeactivateList(ctx context.Context, orgID, id string) error {
	list, err := s.GetList(ctx, orgID, id)
	if err != nil {
		return err
	}
	if !list.IsActive {
		return errs.New(errs.InactiveEntity, "compliance list %s is already inactive", id)
	}
	if err := s.lists.DeactivateList(ctx, s.db, orgID, id); err != nil {
		return err
	}
	s.invalidateFacts(ctx, orgID)
	return nil
}

// AddEntry adds a value to a list. Values are unique within a list.
func (s *Service) AddEntry(ctx context.Context, orgID, listID, value string) (*database.ListEntry, error) {
	list, err := s.GetList(ctx, orgID, listID)
	if err != nil {
		return nil, err
	}
	if !list.IsActive {
		return nil, errs.New(errs.InactiveEntity, "compliance list %s is inactive", listID)
	}
	if value == "" {
		return nil, errs.New(errs.ValidationError, "entry value must not be empty")
	}

	existing, err := s.lists.GetEntry(ctx, s.db, listID, value)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errs.New(errs.DuplicateOperation, "value %q already on list %s", value, list.Code)
	}

	entry := &database.ListEntry{
		ID:     uuid.NewString(),
		ListID: listID,
		Value:  value,
	}
	if err := s.lists.AddEntry(ctx, s.db, entry); err != nil {
		return nil, err
	}

	s.invalidateFacts(ctx, orgID)
	s.logger.Info("List entry added", "list_id", listID, "value", value)
	return entry, nil
}

// RemoveEntry removes a value from a list.
func (s *Service) RemoveEntry(ctx context.Context, orgID, listID, value string) error {
	if _, err := s.GetList(ctx, orgID, listID); err != nil {
		return err
	}
	entry, err := s.lists.GetEntry(ctx, s.db, listID, value)
	if err != nil {
		return err
	}
	if entry == nil {
		return errs.New(errs.EntityNotFound, "value %q not on list %s", value, listID)
	}
	if err := s.lists.RemoveEntry(ctx, s.db, listID, value); err != nil {
		return err
	}
	s.invalidateFacts(ctx, orgID)
	return nil
}

// Entries retrieves all entries of a list.
func (s *Service) Entries(ctx context.Context, orgID, listID string) ([]*database.ListEntry, error) {
	if _, err := s.GetList(ctx, orgID, listID); err != nil {
		return nil, err
	}
	return s.lists.ListEntries(ctx, s.db, listID)
}

// ResolveFacts resolves list membership for a transaction's attributes:
// cache try, projection per entity type, one batched entry lookup, fan
// back out to per-list results.
func (s *Service) ResolveFacts(ctx context.Context, q sqlx.ExtContext, orgID string, attrs Attributes) (*Facts, error) {
	if orgID == "" {
		return nil, errs.New(errs.OrganizationContextRequired, "organization context is required")
	}

	key := cache.ListFactsKey(orgID, attrs.Hash())
	var cached Facts
	if s.cache.Get(ctx, key, &cached) {
		return &cached, nil
	}

	activeLists, err := s.lists.ListActive(ctx, q, orgID)
	if err != nil {
		return nil, err
	}

	facts := &Facts{
		Blacklists: map[string]bool{},
		Whitelists: map[string]bool{},
	}

	// Lists whose projected attribute is absent resolve to false without
	// touching the entries table.
	type candidate struct {
		list  *database.ComplianceList
		value string
	}
	var candidates []candidate
	listIDs := make([]string, 0, len(activeLists))
	values := make([]string, 0, len(activeLists))
	for _, list := range activeLists {
		value := projectAttribute(list.EntityType, attrs)
		if value == nil {
			s.record(facts, list, false)
			continue
		}
		candidates = append(candidates, candidate{list: list, value: *value})
		listIDs = append(listIDs, list.ID)
		values = append(values, *value)
	}

	hits := map[string]bool{}
	if len(candidates) > 0 {
		hits, err = s.lists.EntriesBatchLookup(ctx, q, listIDs, values)
		if err != nil {
			return nil, err
		}
	}
	for _, c := range candidates {
		s.record(facts, c.list, hits[c.list.ID])
	}

	s.cache.Set(ctx, key, facts, s.cache.ListFactsTTL())
	return facts, nil
}

func (s *Service) record(facts *Facts, list *database.ComplianceList, hit bool) {
	switch list.ListType {
	case database.ListBlacklist:
		facts.Blacklists[list.Code] = hit
		if hit {
			facts.IsBlacklisted = true
		}
	case database.ListWhitelist:
		facts.Whitelists[list.Code] = hit
		if hit {
			facts.IsWhitelisted = true
		}
	}
}

func projectAttribute(entityType string, attrs Attributes) *string {
	switch entityType {
	case database.EntityCountry:
		return attrs.Country
	case database.EntityAccount:
		return attrs.AccountID
	case database.EntityCounterparty:
		return attrs.CounterpartyID
	default:
		return nil
	}
}

func (s *Service) invalidateFacts(ctx context.Context, orgID string) {
	s.cache.DeletePrefix(ctx, "lists:facts:"+orgID+":")
}
