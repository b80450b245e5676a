package tenant

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agencyos/module-platform/internal/apperr"
	"github.com/agencyos/module-platform/internal/naming"
)

// ---- helpers ----------------------------------------------------------------

var crm = Module{ShortID: "abc123", Mode: naming.IsolationTables}

var siteOne = Context{AgencyID: "agency-1", SiteID: "site-1", UserID: "user-1", Role: "admin"}

func newStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := NewStore(sqlx.NewDb(db, "sqlmock"), crm, siteOne)
	require.NoError(t, err)
	return s, mock
}

func newAdmin(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := NewAdminStore(sqlx.NewDb(db, "sqlmock"), crm)
	require.NoError(t, err)
	return s, mock
}

func q(s string) string { return regexp.QuoteMeta(s) }

// ---- construction -----------------------------------------------------------

func TestNewStore_RequiresSite(t *testing.T) {
	_, err := NewStore(nil, crm, Context{AgencyID: "a"})
	assert.True(t, apperr.Is(err, apperr.CodeValidationFailed))
}

func TestNewStore_RejectsBadShortID(t *testing.T) {
	_, err := NewStore(nil, Module{ShortID: "Bad-ID"}, siteOne)
	assert.True(t, apperr.Is(err, apperr.CodeValidationFailed))
}

func TestPhysicalName_MatchesNamingResolver(t *testing.T) {
	s, _ := newStore(t)
	got, err := s.PhysicalName("contacts")
	require.NoError(t, err)
	assert.Equal(t, naming.Resolve("abc123", "contacts", naming.IsolationTables), got)
	assert.Equal(t, "mod_abc123_contacts", got)

	_, err = s.PhysicalName("users")
	assert.True(t, apperr.Is(err, apperr.CodeValidationFailed), "reserved names are rejected")
}

// ---- reads ------------------------------------------------------------------

func TestFind_AlwaysFiltersBySite(t *testing.T) {
	s, mock := newStore(t)
	mock.ExpectQuery(q(`SELECT * FROM "mod_abc123_contacts" WHERE ("site_id" = $1 AND "status" = $2) ORDER BY "created_at" DESC LIMIT 10`)).
		WithArgs("site-1", "active").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "tags"}).
			AddRow("c-1", "a@example.com", []byte(`["vip"]`)))

	rows, err := s.Find(context.Background(), "contacts",
		[]Filter{Eq("status", "active")},
		Options{OrderBy: "created_at", Limit: 10})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "a@example.com", rows[0]["email"])
	assert.Equal(t, []interface{}{"vip"}, rows[0]["tags"], "JSONB values decode")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFind_SchemaIsolationQualifiesTable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s, err := NewStore(sqlx.NewDb(db, "sqlmock"), Module{ShortID: "abc123", Mode: naming.IsolationSchema}, siteOne)
	require.NoError(t, err)

	mock.ExpectQuery(q(`FROM "mod_abc123"."contacts" WHERE ("site_id" = $1)`)).
		WithArgs("site-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err = s.Find(context.Background(), "contacts", nil, Options{})
	require.NoError(t, err)
}

func TestFind_Operators(t *testing.T) {
	cases := []struct {
		name   string
		filter Filter
		sql    string
		args   []interface{}
	}{
		{"neq", Filter{"status", OpNeq, "x"}, `"status" <> $2`, []interface{}{"x"}},
		{"gt", Filter{"age", OpGt, 3}, `"age" > $2`, []interface{}{3}},
		{"gte", Filter{"age", OpGte, 3}, `"age" >= $2`, []interface{}{3}},
		{"lt", Filter{"age", OpLt, 3}, `"age" < $2`, []interface{}{3}},
		{"lte", Filter{"age", OpLte, 3}, `"age" <= $2`, []interface{}{3}},
		{"like", Filter{"email", OpLike, "%@x"}, `"email" LIKE $2`, []interface{}{"%@x"}},
		{"ilike", Filter{"email", OpILike, "%@x"}, `"email" ILIKE $2`, []interface{}{"%@x"}},
		{"in", Filter{"id", OpIn, []string{"a", "b"}}, `"id" IN ($2,$3)`, []interface{}{"a", "b"}},
		{"is null", Filter{"deleted_at", OpIs, nil}, `"deleted_at" IS NULL`, nil},
		{"is true", Filter{"archived", OpIs, true}, `"archived" IS TRUE`, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, mock := newStore(t)
			args := append([]interface{}{"site-1"}, tc.args...)
			driverArgs := make([]interface{}, len(args))
			copy(driverArgs, args)
			mock.ExpectQuery(q(tc.sql)).
				WithArgs(toDriverArgs(driverArgs)...).
				WillReturnRows(sqlmock.NewRows([]string{"id"}))
			_, err := s.Find(context.Background(), "contacts", []Filter{tc.filter}, Options{})
			require.NoError(t, err)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func toDriverArgs(in []interface{}) []driver.Value {
	out := make([]driver.Value, len(in))
	for i, v := range in {
		if n, ok := v.(int); ok {
			out[i] = int64(n)
			continue
		}
		out[i] = v
	}
	return out
}

func TestFind_UnknownOperatorIsValidationError(t *testing.T) {
	s, mock := newStore(t)
	_, err := s.Find(context.Background(), "contacts", []Filter{{Column: "x", Op: "between", Value: 1}}, Options{})
	assert.True(t, apperr.Is(err, apperr.CodeValidationFailed))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFind_InvalidColumnRejected(t *testing.T) {
	s, _ := newStore(t)
	_, err := s.Find(context.Background(), "contacts", []Filter{Eq(`email"; DROP TABLE x;--`, 1)}, Options{})
	assert.True(t, apperr.Is(err, apperr.CodeValidationFailed))
}

func TestFind_InRequiresList(t *testing.T) {
	s, _ := newStore(t)
	_, err := s.Find(context.Background(), "contacts", []Filter{{Column: "id", Op: OpIn, Value: "a"}}, Options{})
	assert.True(t, apperr.Is(err, apperr.CodeValidationFailed))
}

func TestFindByID_NotFoundReturnsNil(t *testing.T) {
	s, mock := newStore(t)
	mock.ExpectQuery(q(`WHERE ("site_id" = $1 AND "id" = $2) LIMIT 1`)).
		WithArgs("site-1", "c-9").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	rec, err := s.FindByID(context.Background(), "contacts", "c-9")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestFind_StorageErrorWrapped(t *testing.T) {
	s, mock := newStore(t)
	mock.ExpectQuery("SELECT").WillReturnError(errors.New("connection reset"))

	_, err := s.Find(context.Background(), "contacts", nil, Options{})
	require.Error(t, err)
	var ae *apperr.Error
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, apperr.CodeQueryFailed, ae.Code)
	assert.Equal(t, "find", ae.Op)
	assert.Equal(t, "contacts", ae.Table)
}

func TestAdminStore_DoesNotFilterBySite(t *testing.T) {
	s, mock := newAdmin(t)
	mock.ExpectQuery(q(`SELECT * FROM "mod_abc123_contacts" WHERE ("status" = $1)`)).
		WithArgs("active").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("c-1").AddRow("c-2"))

	rows, err := s.Find(context.Background(), "contacts", []Filter{Eq("status", "active")}, Options{})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestCountAndExists(t *testing.T) {
	s, mock := newStore(t)
	mock.ExpectQuery(q(`SELECT COUNT(*) FROM "mod_abc123_contacts" WHERE ("site_id" = $1)`)).
		WithArgs("site-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))
	mock.ExpectQuery(q(`SELECT EXISTS (SELECT 1 FROM "mod_abc123_contacts" WHERE ("site_id" = $1 AND "email" = $2) LIMIT 1)`)).
		WithArgs("site-1", "a@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	n, err := s.Count(context.Background(), "contacts", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	ok, err := s.Exists(context.Background(), "contacts", []Filter{Eq("email", "a@example.com")})
	require.NoError(t, err)
	assert.True(t, ok)
}

// ---- writes -----------------------------------------------------------------

func TestCreate_StampsTenantColumns(t *testing.T) {
	s, mock := newStore(t)
	mock.ExpectQuery(q(`INSERT INTO "mod_abc123_contacts" ("agency_id","created_by","email","site_id") VALUES ($1,$2,$3,$4) RETURNING *`)).
		WithArgs("agency-1", "user-1", "a@example.com", "site-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "site_id", "created_at"}).
			AddRow("c-1", "a@example.com", "site-1", time.Now()))

	rec, err := s.Create(context.Background(), "contacts", Record{"email": "a@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "c-1", rec["id"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_KeepsExplicitAgencyAndMatchingSite(t *testing.T) {
	s, mock := newStore(t)
	mock.ExpectQuery(q(`("agency_id","created_by","email","site_id")`)).
		WithArgs("agency-override", "user-1", "b@example.com", "site-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("c-2"))

	_, err := s.Create(context.Background(), "contacts",
		Record{"email": "b@example.com", "site_id": "site-1", "agency_id": "agency-override"})
	require.NoError(t, err)
}

func TestCreate_ForeignSiteIsDenied(t *testing.T) {
	s, mock := newStore(t)
	_, err := s.Create(context.Background(), "contacts", Record{"email": "x", "site_id": "site-2"})
	assert.True(t, apperr.Is(err, apperr.CodeAccessDenied))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdate_EmptyWhereRejectedBeforeSQL(t *testing.T) {
	s, mock := newStore(t)
	_, err := s.Update(context.Background(), "contacts", nil, Record{"status": "archived"})
	assert.True(t, apperr.Is(err, apperr.CodeValidationFailed))
	assert.NoError(t, mock.ExpectationsWereMet(), "no statement may run")
}

func TestUpdate_ScopedToSite(t *testing.T) {
	s, mock := newStore(t)
	mock.ExpectQuery(q(`UPDATE "mod_abc123_contacts" SET "status" = $1 WHERE ("site_id" = $2 AND "id" = $3) RETURNING *`)).
		WithArgs("archived", "site-1", "c-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).AddRow("c-1", "archived"))

	rows, err := s.Update(context.Background(), "contacts", []Filter{Eq("id", "c-1")}, Record{"status": "archived"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "archived", rows[0]["status"])
}

func TestUpdate_CannotMoveRowToAnotherSite(t *testing.T) {
	s, _ := newStore(t)
	_, err := s.Update(context.Background(), "contacts", []Filter{Eq("id", "c-1")}, Record{"site_id": "site-2"})
	assert.True(t, apperr.Is(err, apperr.CodeAccessDenied))
}

func TestDelete_EmptyWhereRejectedBeforeSQL(t *testing.T) {
	s, mock := newStore(t)
	_, err := s.Delete(context.Background(), "contacts", []Filter{})
	assert.True(t, apperr.Is(err, apperr.CodeValidationFailed))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDelete_ScopedToSite(t *testing.T) {
	s, mock := newStore(t)
	mock.ExpectExec(q(`DELETE FROM "mod_abc123_contacts" WHERE ("site_id" = $1 AND "id" = $2)`)).
		WithArgs("site-1", "c-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := s.Delete(context.Background(), "contacts", []Filter{Eq("id", "c-1")})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestUpsert_GuardsConflictUpdateBySite(t *testing.T) {
	s, mock := newStore(t)
	mock.ExpectQuery(q(`INSERT INTO "mod_abc123_contacts" AS t ("agency_id","created_by","email","id","site_id") VALUES ($1,$2,$3,$4,$5) ON CONFLICT ("id") DO UPDATE SET "agency_id" = EXCLUDED."agency_id", "created_by" = EXCLUDED."created_by", "email" = EXCLUDED."email", "site_id" = EXCLUDED."site_id" WHERE t."site_id" = EXCLUDED."site_id" RETURNING *`)).
		WithArgs("agency-1", "user-1", "a@example.com", "c-1", "site-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("c-1"))

	rec, err := s.Upsert(context.Background(), "contacts", Record{"id": "c-1", "email": "a@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "c-1", rec["id"])
}

func TestUpsert_ConflictWithForeignRowDenied(t *testing.T) {
	s, mock := newStore(t)
	mock.ExpectQuery("INSERT INTO").WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.Upsert(context.Background(), "contacts", Record{"id": "c-1"})
	assert.True(t, apperr.Is(err, apperr.CodeAccessDenied))
}

func TestOpenTable_ValidatesPhysicalName(t *testing.T) {
	_, err := OpenTable(nil, "mod_x.contacts.extra", siteOne)
	assert.True(t, apperr.Is(err, apperr.CodeValidationFailed))

	tbl, err := OpenTable(nil, "mod_abc123_contacts", siteOne)
	require.NoError(t, err)
	assert.Equal(t, "mod_abc123_contacts", tbl.Physical())
}

func TestEncodeValue_MarshalsJSONShapes(t *testing.T) {
	b, ok := encodeValue(map[string]interface{}{"a": 1}).([]byte)
	require.True(t, ok)
	assert.JSONEq(t, `{"a":1}`, string(b))
	assert.Equal(t, "plain", encodeValue("plain"))
}
