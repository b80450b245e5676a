package crossmodule

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agencyos/module-platform/internal/apperr"
	"github.com/agencyos/module-platform/internal/db/models"
	"github.com/agencyos/module-platform/internal/tenant"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeTables map[string]string

func (f fakeTables) LookupPhysicalTable(_ context.Context, module, logical string) (string, error) {
	if module == "broken" {
		return "", errors.New("connection refused")
	}
	return f[module+"."+logical], nil
}

type fakeLogs struct {
	mu      sync.Mutex
	entries []models.AccessLogEntry
	err     error
}

func (f *fakeLogs) InsertAccessLog(_ context.Context, e *models.AccessLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, *e)
	return nil
}

var siteOne = tenant.Context{AgencyID: "agency-1", SiteID: "site-1", UserID: "user-1"}

func newMediator(t *testing.T, perms ...Permission) (*Mediator, sqlmock.Sqlmock, *fakeLogs) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	r := newRegistry(nil)
	for _, p := range perms {
		require.NoError(t, r.Upsert(p))
	}
	logs := &fakeLogs{}
	m := NewMediator(sqlx.NewDb(db, "sqlmock"), r, fakeTables{
		"crm.contacts": "mod_crm_contacts",
		"crm.notes":    "mod_crm.notes",
	}, logs, "ecommerce")
	m.async = func(fn func()) { fn() }
	return m, mock, logs
}

func q(s string) string { return regexp.QuoteMeta(s) }

var readContacts = Permission{Source: "ecommerce", Target: "crm", Tables: []string{"contacts"}, Operations: []Operation{OpRead}}
var writeContacts = Permission{Source: "ecommerce", Target: "crm", Tables: []string{"contacts"}, Operations: []Operation{OpRead, OpWrite}}

// ---------------------------------------------------------------------------
// Permissions
// ---------------------------------------------------------------------------

func TestReadFrom_DeniedWithoutPermission(t *testing.T) {
	m, mock, logs := newMediator(t)
	_, err := m.ReadFrom(context.Background(), siteOne, "crm", "contacts", nil, tenant.Options{})
	assert.True(t, apperr.Is(err, apperr.CodeAccessDenied))
	assert.Empty(t, logs.entries)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadFrom_SucceedsThenDeniedAfterRemoval(t *testing.T) {
	m, mock, logs := newMediator(t, readContacts)

	mock.ExpectQuery(q(`SELECT * FROM "mod_crm_contacts" WHERE ("site_id" = $1 AND "email" = $2)`)).
		WithArgs("site-1", "a@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email"}).AddRow("c-1", "a@example.com"))

	rows, err := m.ReadFrom(context.Background(), siteOne, "crm", "contacts",
		[]tenant.Filter{tenant.Eq("email", "a@example.com")}, tenant.Options{})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	require.Len(t, logs.entries, 1)
	entry := logs.entries[0]
	assert.Equal(t, "ecommerce", entry.SourceModule)
	assert.Equal(t, "crm", entry.TargetModule)
	assert.Equal(t, "contacts", entry.TableName)
	assert.Equal(t, "read", entry.Operation)
	assert.Equal(t, 1, entry.RecordCount)
	assert.Equal(t, "site-1", entry.SiteID)
	require.NotNil(t, entry.AgencyID)
	assert.Equal(t, "agency-1", *entry.AgencyID)

	m.perms.Remove("ecommerce", "crm")
	_, err = m.ReadFrom(context.Background(), siteOne, "crm", "contacts", nil, tenant.Options{})
	assert.True(t, apperr.Is(err, apperr.CodeAccessDenied))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteTo_ReadOnlyPermissionDenied(t *testing.T) {
	m, _, _ := newMediator(t, readContacts)
	_, err := m.WriteTo(context.Background(), siteOne, "crm", "contacts", WriteInsert, tenant.Record{"email": "x"}, "")
	assert.True(t, apperr.Is(err, apperr.CodeAccessDenied))
}

// ---------------------------------------------------------------------------
// Table resolution
// ---------------------------------------------------------------------------

func TestReadFrom_UnregisteredTable(t *testing.T) {
	m, _, _ := newMediator(t, Permission{Source: "ecommerce", Target: "crm", Tables: []string{Wildcard}, Operations: []Operation{OpRead}})
	_, err := m.ReadFrom(context.Background(), siteOne, "crm", "deals", nil, tenant.Options{})
	assert.True(t, apperr.Is(err, apperr.CodeTableNotFound))
}

func TestReadFrom_ResolverFailureIsQueryFailed(t *testing.T) {
	m, _, _ := newMediator(t, Permission{Source: "ecommerce", Target: Wildcard, Tables: []string{Wildcard}, Operations: []Operation{OpRead}})
	_, err := m.ReadFrom(context.Background(), siteOne, "broken", "x", nil, tenant.Options{})
	assert.True(t, apperr.Is(err, apperr.CodeQueryFailed))
}

func TestCountIn_SchemaQualifiedRegistryName(t *testing.T) {
	m, mock, logs := newMediator(t, Permission{Source: "ecommerce", Target: "crm", Tables: []string{"notes"}, Operations: []Operation{OpRead}})

	mock.ExpectQuery(q(`SELECT COUNT(*) FROM "mod_crm"."notes" WHERE ("site_id" = $1)`)).
		WithArgs("site-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	n, err := m.CountIn(context.Background(), siteOne, "crm", "notes", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	require.Len(t, logs.entries, 1)
	assert.Equal(t, "count", logs.entries[0].Operation)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ---------------------------------------------------------------------------
// Writes
// ---------------------------------------------------------------------------

func TestWriteTo_InsertStampsTenant(t *testing.T) {
	m, mock, _ := newMediator(t, writeContacts)

	mock.ExpectQuery(q(`INSERT INTO "mod_crm_contacts" ("agency_id","created_by","email","site_id") VALUES ($1,$2,$3,$4) RETURNING *`)).
		WithArgs("agency-1", "user-1", "new@example.com", "site-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email"}).AddRow("c-9", "new@example.com"))

	res, err := m.WriteTo(context.Background(), siteOne, "crm", "contacts", WriteInsert, tenant.Record{"email": "new@example.com"}, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Affected)
	assert.Equal(t, "c-9", res.Records[0]["id"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteTo_UpdateStampsUpdatedByAndAt(t *testing.T) {
	m, mock, _ := newMediator(t, writeContacts)

	mock.ExpectQuery(q(`UPDATE "mod_crm_contacts" SET "status" = $1, "updated_at" = $2, "updated_by" = $3 WHERE ("site_id" = $4 AND "id" = $5) RETURNING *`)).
		WithArgs("vip", sqlmock.AnyArg(), "user-1", "site-1", "c-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).AddRow("c-1", "vip"))

	res, err := m.WriteTo(context.Background(), siteOne, "crm", "contacts", WriteUpdate, tenant.Record{"status": "vip"}, "c-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Affected)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteTo_DeleteScopedToSite(t *testing.T) {
	m, mock, logs := newMediator(t, writeContacts)

	mock.ExpectExec(q(`DELETE FROM "mod_crm_contacts" WHERE ("site_id" = $1 AND "id" = $2)`)).
		WithArgs("site-1", "c-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := m.WriteTo(context.Background(), siteOne, "crm", "contacts", WriteDelete, nil, "c-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Affected)
	assert.Equal(t, "delete", logs.entries[0].Operation)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteTo_UpdateAndDeleteRequireID(t *testing.T) {
	m, mock, _ := newMediator(t, writeContacts)
	for _, op := range []WriteOp{WriteUpdate, WriteDelete} {
		_, err := m.WriteTo(context.Background(), siteOne, "crm", "contacts", op, tenant.Record{"a": 1}, "")
		assert.True(t, apperr.Is(err, apperr.CodeValidationFailed), string(op))
	}
	_, err := m.WriteTo(context.Background(), siteOne, "crm", "contacts", "truncate", nil, "x")
	assert.True(t, apperr.Is(err, apperr.CodeValidationFailed))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccessLogFailureDoesNotFailCall(t *testing.T) {
	m, mock, logs := newMediator(t, readContacts)
	logs.err = errors.New("log table missing")

	mock.ExpectQuery(q(`FROM "mod_crm_contacts"`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("c-1"))

	rows, err := m.ReadFrom(context.Background(), siteOne, "crm", "contacts", nil, tenant.Options{})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
