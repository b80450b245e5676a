package gateway

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agencyos/module-platform/internal/config"
	"github.com/agencyos/module-platform/internal/crossmodule"
	"github.com/agencyos/module-platform/internal/db/models"
)

type fakeTables map[string]string

func (f fakeTables) LookupPhysicalTable(_ context.Context, moduleRef, logical string) (string, error) {
	return f[moduleRef+"."+logical], nil
}

func builtinHarness(t *testing.T, mutate func(*Deps)) (*harness, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	h := newHarness(t, config.GatewayConfig{}, func(d *Deps) {
		d.DB = sqlx.NewDb(sqlDB, "postgres")
		if mutate != nil {
			mutate(d)
		}
	})
	RegisterBuiltins(h.handlers)
	return h, mock
}

func builtinRoute(method, path, handlerID string) *models.RegisteredRoute {
	r := functionRoute(method, path, handlerID)
	r.ID = "route-" + method + path
	return r
}

// ---------------------------------------------------------------------------
// Record handlers
// ---------------------------------------------------------------------------

func TestBuiltin_RecordsListFiltersAndLimits(t *testing.T) {
	h, mock := builtinHarness(t, nil)
	h.routes.routes = []*models.RegisteredRoute{builtinRoute("GET", "/data/:table", BuiltinRecordsList)}

	mock.ExpectQuery(`SELECT \* FROM "mod_abc123_deals" WHERE .*"site_id" = \$1.*"stage" = \$2.* LIMIT 500`).
		WithArgs(testSiteID, "won").
		WillReturnRows(sqlmock.NewRows([]string{"id", "stage"}).AddRow("d1", "won"))

	w := h.do("GET", "/api/modules/mod-1/data/deals?stage=won&limit=9999", nil, apiKeyHeader)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"data":[{"id":"d1","stage":"won"}],"limit":500,"offset":0}`, w.Body.String())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuiltin_RecordsListBadLimit(t *testing.T) {
	h, _ := builtinHarness(t, nil)
	h.routes.routes = []*models.RegisteredRoute{builtinRoute("GET", "/data/:table", BuiltinRecordsList)}

	w := h.do("GET", "/api/modules/mod-1/data/deals?limit=-1", nil, apiKeyHeader)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_FAILED", errorBody(t, w)["code"])
}

func TestBuiltin_RecordsGetMissing(t *testing.T) {
	h, mock := builtinHarness(t, nil)
	h.routes.routes = []*models.RegisteredRoute{builtinRoute("GET", "/data/:table/:id", BuiltinRecordsGet)}

	mock.ExpectQuery(`SELECT \* FROM "mod_abc123_contacts"`).
		WithArgs(testSiteID, "c-9").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	w := h.do("GET", "/api/modules/mod-1/data/contacts/c-9", nil, apiKeyHeader)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", errorBody(t, w)["code"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuiltin_RecordsCreateStampsTenant(t *testing.T) {
	h, mock := builtinHarness(t, nil)
	h.routes.routes = []*models.RegisteredRoute{builtinRoute("POST", "/data/:table", BuiltinRecordsCreate)}

	mock.ExpectQuery(`INSERT INTO "mod_abc123_contacts" \("agency_id","name","site_id"\) VALUES \(\$1,\$2,\$3\) RETURNING \*`).
		WithArgs("agency-1", "Ada", testSiteID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "site_id"}).AddRow("c1", "Ada", testSiteID))

	w := h.do("POST", "/api/modules/mod-1/data/contacts", strings.NewReader(`{"name":"Ada"}`),
		map[string]string{HeaderAPIKey: testAPIKey, "Content-Type": "application/json"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.JSONEq(t, `{"id":"c1","name":"Ada","site_id":"site-1"}`, w.Body.String())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuiltin_RecordsCreateRejectsNonObject(t *testing.T) {
	h, _ := builtinHarness(t, nil)
	h.routes.routes = []*models.RegisteredRoute{builtinRoute("POST", "/data/:table", BuiltinRecordsCreate)}

	w := h.do("POST", "/api/modules/mod-1/data/contacts", strings.NewReader(`[1,2]`),
		map[string]string{HeaderAPIKey: testAPIKey, "Content-Type": "application/json"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBuiltin_RecordsDelete(t *testing.T) {
	h, mock := builtinHarness(t, nil)
	h.routes.routes = []*models.RegisteredRoute{builtinRoute("DELETE", "/data/:table/:id", BuiltinRecordsDelete)}

	mock.ExpectExec(`DELETE FROM "mod_abc123_contacts"`).
		WithArgs(testSiteID, "c1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM "mod_abc123_contacts"`).
		WithArgs(testSiteID, "c2").
		WillReturnResult(sqlmock.NewResult(0, 0))

	w := h.do("DELETE", "/api/modules/mod-1/data/contacts/c1", nil, apiKeyHeader)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = h.do("DELETE", "/api/modules/mod-1/data/contacts/c2", nil, apiKeyHeader)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ---------------------------------------------------------------------------
// Cross-module handlers
// ---------------------------------------------------------------------------

func crossModuleDeps(perms *crossmodule.Registry) func(*Deps) {
	return func(d *Deps) {
		d.Permissions = perms
		d.Tables = fakeTables{"booking.appointments": "mod_bk1234_appointments"}
	}
}

func TestBuiltin_ModulesCountWithPermission(t *testing.T) {
	perms := crossmodule.NewRegistry()
	require.NoError(t, perms.Upsert(crossmodule.Permission{
		Source:     "crm",
		Target:     "booking",
		Tables:     []string{"appointments"},
		Operations: []crossmodule.Operation{crossmodule.OpRead},
	}))
	h, mock := builtinHarness(t, crossModuleDeps(perms))
	h.routes.routes = []*models.RegisteredRoute{builtinRoute("GET", "/linked/:target/:table/count", BuiltinModulesCount)}

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM "mod_bk1234_appointments"`).
		WithArgs(testSiteID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	w := h.do("GET", "/api/modules/mod-1/linked/booking/appointments/count", nil, apiKeyHeader)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"count":4}`, w.Body.String())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuiltin_ModulesReadDenied(t *testing.T) {
	h, mock := builtinHarness(t, crossModuleDeps(crossmodule.NewRegistry()))
	h.routes.routes = []*models.RegisteredRoute{builtinRoute("GET", "/linked/:target/:table", BuiltinModulesRead)}

	w := h.do("GET", "/api/modules/mod-1/linked/billing/invoices", nil, apiKeyHeader)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "ACCESS_DENIED", errorBody(t, w)["code"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuiltin_ModulesReadUnconfigured(t *testing.T) {
	h, _ := builtinHarness(t, nil)
	h.routes.routes = []*models.RegisteredRoute{builtinRoute("GET", "/linked/:target/:table", BuiltinModulesRead)}

	w := h.do("GET", "/api/modules/mod-1/linked/booking/appointments", nil, apiKeyHeader)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
