package repositories

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/agencyos/module-platform/internal/db/models"
)

// ---------------------------------------------------------------------------
// Column definitions
// ---------------------------------------------------------------------------

var apiKeyCols = []string{
	"id", "module_id", "site_id", "name", "key_hash", "key_prefix", "scopes",
	"is_active", "expires_at", "last_used_at", "created_by", "created_at",
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newAPIKeyRepo(t *testing.T) (*APIKeyRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := newMockDB(t)
	return NewAPIKeyRepository(db), mock
}

func sampleAPIKeyRow(active bool) *sqlmock.Rows {
	return sqlmock.NewRows(apiKeyCols).
		AddRow("key-1", testModuleID, "site-1", "Zapier", "hash-1", "mpk_abcd",
			[]byte(`["read","write"]`), active, nil, nil, nil, time.Now())
}

// ---------------------------------------------------------------------------
// CreateAPIKey
// ---------------------------------------------------------------------------

func TestCreateAPIKey_Success(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectExec("INSERT INTO module_api_keys").WillReturnResult(sqlmock.NewResult(1, 1))

	key := &models.ModuleAPIKey{ModuleID: testModuleID, SiteID: "site-1", Name: "Zapier", KeyHash: "h", KeyPrefix: "mpk_abcd"}
	if err := repo.CreateAPIKey(context.Background(), key); err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	if key.ID == "" || !key.IsActive {
		t.Errorf("key = %+v, want generated id and active", key)
	}
}

func TestCreateAPIKey_DBError(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectExec("INSERT INTO module_api_keys").WillReturnError(errDB)

	if err := repo.CreateAPIKey(context.Background(), &models.ModuleAPIKey{}); err == nil {
		t.Fatal("expected error")
	}
}

// ---------------------------------------------------------------------------
// GetAPIKeyByHash
// ---------------------------------------------------------------------------

func TestGetAPIKeyByHash_Found(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectQuery("SELECT.*FROM module_api_keys WHERE key_hash").
		WithArgs("hash-1").
		WillReturnRows(sampleAPIKeyRow(true))

	key, err := repo.GetAPIKeyByHash(context.Background(), "hash-1")
	if err != nil || key == nil {
		t.Fatalf("GetAPIKeyByHash = %v, %v", key, err)
	}
	if len(key.Scopes) != 2 || key.Scopes[0] != "read" {
		t.Errorf("Scopes = %v", key.Scopes)
	}
}

func TestGetAPIKeyByHash_NotFound(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectQuery("FROM module_api_keys WHERE key_hash").WillReturnRows(sqlmock.NewRows(apiKeyCols))

	key, err := repo.GetAPIKeyByHash(context.Background(), "nope")
	if err != nil || key != nil {
		t.Errorf("GetAPIKeyByHash = %v, %v; want nil, nil", key, err)
	}
}

func TestGetAPIKeyByHash_DBError(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectQuery("FROM module_api_keys").WillReturnError(errDB)

	if _, err := repo.GetAPIKeyByHash(context.Background(), "x"); err == nil {
		t.Fatal("expected error")
	}
}

// ---------------------------------------------------------------------------
// List / Revoke / UpdateLastUsed
// ---------------------------------------------------------------------------

func TestListAPIKeys(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectQuery("FROM module_api_keys WHERE module_id").
		WithArgs(testModuleID, "site-1").
		WillReturnRows(sampleAPIKeyRow(true))

	keys, err := repo.ListAPIKeys(context.Background(), testModuleID, "site-1")
	if err != nil || len(keys) != 1 {
		t.Fatalf("ListAPIKeys = %v, %v", keys, err)
	}
}

func TestRevokeAPIKey(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectExec("UPDATE module_api_keys SET is_active = false").
		WithArgs("key-1", "site-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE module_api_keys SET is_active = false").
		WithArgs("key-9", "site-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if ok, err := repo.RevokeAPIKey(context.Background(), "site-1", "key-1"); err != nil || !ok {
		t.Errorf("RevokeAPIKey = %v, %v", ok, err)
	}
	if ok, err := repo.RevokeAPIKey(context.Background(), "site-1", "key-9"); err != nil || ok {
		t.Errorf("RevokeAPIKey(missing) = %v, %v", ok, err)
	}
}

func TestUpdateLastUsed(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectExec("UPDATE module_api_keys SET last_used_at").
		WithArgs("key-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.UpdateLastUsed(context.Background(), "key-1"); err != nil {
		t.Fatalf("UpdateLastUsed: %v", err)
	}
}

func TestDeactivateExpired(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec("UPDATE module_api_keys SET is_active = false").
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.DeactivateExpired(context.Background(), now)
	if err != nil || n != 3 {
		t.Fatalf("DeactivateExpired = %d, %v", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
