package lists

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerguard/compliance-engine/internal/cache"
	"github.com/ledgerguard/compliance-engine/internal/config"
	"github.com/ledgerguard/compliance-engine/internal/database"
	"github.com/ledgerguard/compliance-engine/internal/errs"
)

func strptr(s string) *string { return &s }

func TestAttributesHash(t *testing.T) {
	a := Attributes{Country: strptr("DE"), AccountID: strptr("acct-1")}
	b := Attributes{Country: strptr("DE"), AccountID: strptr("acct-1")}
	c := Attributes{Country: strptr("FR"), AccountID: strptr("acct-1")}

	assert.Equal(t, a.Hash(), b.Hash())
	assert.NotEqual(t, a.Hash(), c.Hash())
	assert.Len(t, a.Hash(), 16)

	// Swapping a value between positions must not collide.
	x := Attributes{Country: strptr("v"), AccountID: nil}
	y := Attributes{Country: nil, AccountID: strptr("v")}
	assert.NotEqual(t, x.Hash(), y.Hash())
}

func TestProjectAttribute(t *testing.T) {
	attrs := Attributes{
		Country:        strptr("DE"),
		AccountID:      strptr("acct-1"),
		CounterpartyID: nil,
	}

	require.NotNil(t, projectAttribute(database.EntityCountry, attrs))
	assert.Equal(t, "DE", *projectAttribute(database.EntityCountry, attrs))
	assert.Equal(t, "acct-1", *projectAttribute(database.EntityAccount, attrs))
	assert.Nil(t, projectAttribute(database.EntityCounterparty, attrs))
	assert.Nil(t, projectAttribute("SOMETHING_ELSE", attrs))
}

func newListService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	db := sqlx.NewDb(mockDB, "sqlmock")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	repo := database.NewListRepository(db, logger)
	cfg := config.CacheConfig{ActiveRulesTTL: time.Minute, ListFactsTTL: time.Minute}
	return NewService(db, repo, cache.New(cfg, nil, logger), logger), mock
}

func listColumns() []string {
	return []string{
		"id", "organization_id", "code", "name", "entity_type", "list_type",
		"is_active", "created_at", "updated_at", "deleted_at",
	}
}

func listRow(id, code, entityType, listType string) []interface{} {
	now := time.Now().UTC()
	return []interface{}{id, "org-1", code, code, entityType, listType, true, now, now, nil}
}

func TestResolveFactsMembership(t *testing.T) {
	svc, mock := newListService(t)

	lists := sqlmock.NewRows(listColumns()).
		AddRow(listRow("l1", "SANCTIONED_COUNTRIES", database.EntityCountry, database.ListBlacklist)...).
		AddRow(listRow("l2", "TRUSTED_ACCOUNTS", database.EntityAccount, database.ListWhitelist)...).
		AddRow(listRow("l3", "RISKY_COUNTERPARTIES", database.EntityCounterparty, database.ListBlacklist)...)
	mock.ExpectQuery("SELECT \\* FROM compliance_lists").WillReturnRows(lists)

	// Only the country list matches; the counterparty attribute is absent
	// so that list never reaches the lookup.
	mock.ExpectQuery("SELECT DISTINCT list_id FROM list_entries").
		WillReturnRows(sqlmock.NewRows([]string{"list_id"}).AddRow("l1"))

	attrs := Attributes{Country: strptr("KP"), AccountID: strptr("acct-1")}
	facts, err := svc.ResolveFacts(context.Background(), svc.db, "org-1", attrs)
	require.NoError(t, err)

	assert.True(t, facts.IsBlacklisted)
	assert.False(t, facts.IsWhitelisted)
	assert.Equal(t, map[string]bool{
		"SANCTIONED_COUNTRIES": true,
		"RISKY_COUNTERPARTIES": false,
	}, facts.Blacklists)
	assert.Equal(t, map[string]bool{"TRUSTED_ACCOUNTS": false}, facts.Whitelists)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveFactsCacheHitSkipsDatabase(t *testing.T) {
	svc, mock := newListService(t)

	mock.ExpectQuery("SELECT \\* FROM compliance_lists").
		WillReturnRows(sqlmock.NewRows(listColumns()).
			AddRow(listRow("l1", "SANCTIONED_COUNTRIES", database.EntityCountry, database.ListBlacklist)...))
	mock.ExpectQuery("SELECT DISTINCT list_id FROM list_entries").
		WillReturnRows(sqlmock.NewRows([]string{"list_id"}))

	attrs := Attributes{Country: strptr("DE")}
	first, err := svc.ResolveFacts(context.Background(), svc.db, "org-1", attrs)
	require.NoError(t, err)

	// Second resolution for the same attribute triple: no further
	// expectations are registered, so a database touch would fail.
	second, err := svc.ResolveFacts(context.Background(), svc.db, "org-1", attrs)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveFactsNoActiveLists(t *testing.T) {
	svc, mock := newListService(t)

	mock.ExpectQuery("SELECT \\* FROM compliance_lists").
		WillReturnRows(sqlmock.NewRows(listColumns()))

	facts, err := svc.ResolveFacts(context.Background(), svc.db, "org-1", Attributes{Country: strptr("DE")})
	require.NoError(t, err)
	assert.False(t, facts.IsBlacklisted)
	assert.False(t, facts.IsWhitelisted)
	assert.Empty(t, facts.Blacklists)
	assert.Empty(t, facts.Whitelists)
}

func TestResolveFactsRequiresOrganization(t *testing.T) {
	svc, _ := newListService(t)
	_, err := svc.ResolveFacts(context.Background(), svc.db, "", Attributes{})
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.OrganizationContextRequired))
}

func TestCreateListValidatesTypes(t *testing.T) {
	svc, _ := newListService(t)

	_, err := svc.CreateList(context.Background(), CreateListInput{
		OrganizationID: "org-1",
		Code:           "X",
		EntityType:     "PLANET",
		ListType:       database.ListBlacklist,
	})
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.ValidationError))

	_, err = svc.CreateList(context.Background(), CreateListInput{
		OrganizationID: "org-1",
		Code:           "X",
		EntityType:     database.EntityCountry,
		ListType:       "GREYLIST",
	})
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.ValidationError))
}

func TestAddEntryRejectsDuplicates(t *testing.T) {
	svc, mock := newListService(t)

	mock.ExpectQuery("SELECT \\* FROM compliance_lists").
		WillReturnRows(sqlmock.NewRows(listColumns()).
			AddRow(listRow("l1", "SANCTIONED_COUNTRIES", database.EntityCountry, database.ListBlacklist)...))
	mock.ExpectQuery("SELECT \\* FROM list_entries").
		WillReturnRows(sqlmock.NewRows([]string{"id", "list_id", "value", "created_at"}).
			AddRow("e1", "l1", "KP", time.Now().UTC()))

	_, err := svc.AddEntry(context.Background(), "org-1", "l1", "KP")
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.DuplicateOperation))
}
