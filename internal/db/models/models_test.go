package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// ModuleAPIKey.IsUsable
// ---------------------------------------------------------------------------

func TestModuleAPIKey_IsUsable_ActiveNoExpiry(t *testing.T) {
	k := &ModuleAPIKey{IsActive: true}
	if !k.IsUsable(time.Now()) {
		t.Error("IsUsable() should be true for an active key without expiry")
	}
}

func TestModuleAPIKey_IsUsable_Inactive(t *testing.T) {
	k := &ModuleAPIKey{IsActive: false}
	if k.IsUsable(time.Now()) {
		t.Error("IsUsable() should be false for a revoked key")
	}
}

func TestModuleAPIKey_IsUsable_FutureExpiry(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)
	k := &ModuleAPIKey{IsActive: true, ExpiresAt: &future}
	if !k.IsUsable(now) {
		t.Error("IsUsable() should be true before expiry")
	}
}

func TestModuleAPIKey_IsUsable_ExpiryBoundary(t *testing.T) {
	now := time.Now()
	k := &ModuleAPIKey{IsActive: true, ExpiresAt: &now}
	if k.IsUsable(now) {
		t.Error("IsUsable() should be false at the expiry instant")
	}
}

func TestModuleAPIKey_HashNeverSerialized(t *testing.T) {
	b, err := json.Marshal(&ModuleAPIKey{KeyHash: "deadbeef", KeyPrefix: "mpk_abc"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(b), "deadbeef") {
		t.Errorf("key hash leaked into JSON: %s", b)
	}
}

// ---------------------------------------------------------------------------
// ModuleResources manifest shape
// ---------------------------------------------------------------------------

func TestModuleResources_DecodesManifest(t *testing.T) {
	manifest := `{
		"tables": [{
			"name": "contacts",
			"schema": {"email": {"type": "text", "nullable": false, "unique": true}},
			"rlsPolicies": [{"name": "own_site", "command": "ALL", "using": "site_id = current_site()"}]
		}],
		"storageBuckets": [{"name": "avatars", "public": true}]
	}`
	var res ModuleResources
	if err := json.Unmarshal([]byte(manifest), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(res.Tables) != 1 || res.Tables[0].Name != "contacts" {
		t.Fatalf("tables = %+v", res.Tables)
	}
	col := res.Tables[0].Schema["email"]
	if col.Type != "text" || col.Nullable || !col.Unique {
		t.Errorf("email column = %+v", col)
	}
	if len(res.Tables[0].RLSPolicies) != 1 || res.Tables[0].RLSPolicies[0].Command != "ALL" {
		t.Errorf("policies = %+v", res.Tables[0].RLSPolicies)
	}
	if len(res.StorageBuckets) != 1 || res.StorageBuckets[0].Name != "avatars" {
		t.Errorf("buckets = %+v", res.StorageBuckets)
	}
}

func TestRegisteredRoute_ProxyHeadersNeverSerialized(t *testing.T) {
	sealed := "sealed-blob"
	b, err := json.Marshal(&RegisteredRoute{ProxyHeadersEnc: &sealed})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(b), sealed) {
		t.Errorf("sealed headers leaked into JSON: %s", b)
	}
}
