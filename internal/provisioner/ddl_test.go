package provisioner

import (
	"strings"
	"testing"

	"github.com/agencyos/module-platform/internal/db/models"
	"github.com/agencyos/module-platform/internal/naming"
)

func strPtr(s string) *string { return &s }

func contactsTable() models.ModuleTable {
	return models.ModuleTable{
		Name: "contacts",
		Schema: map[string]models.ColumnDefinition{
			"email":      {Type: "text", Unique: true},
			"name":       {Type: "varchar(200)"},
			"score":      {Type: "integer", Nullable: true, Default: strPtr("0")},
			"company_id": {Type: "uuid", Nullable: true, References: strPtr("companies")},
		},
		RLSPolicies: []models.RLSPolicy{
			{Name: "site_isolation", Command: "ALL", Using: "site_id = current_setting('app.site_id')::uuid"},
		},
		Indexes: []models.IndexDefinition{{Columns: []string{"email", "name"}}},
	}
}

// ---------------------------------------------------------------------------
// validateTable
// ---------------------------------------------------------------------------

func TestValidateTable_Rejections(t *testing.T) {
	policy := []models.RLSPolicy{{Name: "p", Using: "true"}}
	tests := []struct {
		name  string
		table models.ModuleTable
	}{
		{"bad table name", models.ModuleTable{Name: "Contacts", RLSPolicies: policy}},
		{"reserved table name", models.ModuleTable{Name: "users", RLSPolicies: policy}},
		{"no policy", models.ModuleTable{Name: "contacts"}},
		{"bad column name", models.ModuleTable{Name: "contacts", RLSPolicies: policy,
			Schema: map[string]models.ColumnDefinition{"Email": {Type: "text"}}}},
		{"unsupported type", models.ModuleTable{Name: "contacts", RLSPolicies: policy,
			Schema: map[string]models.ColumnDefinition{"x": {Type: "text; drop table sites"}}}},
		{"unsafe default", models.ModuleTable{Name: "contacts", RLSPolicies: policy,
			Schema: map[string]models.ColumnDefinition{"x": {Type: "text", Default: strPtr("pg_sleep(10)")}}}},
		{"bad reference", models.ModuleTable{Name: "contacts", RLSPolicies: policy,
			Schema: map[string]models.ColumnDefinition{"x": {Type: "uuid", References: strPtr("a b")}}}},
		{"unknown policy command", models.ModuleTable{Name: "contacts",
			RLSPolicies: []models.RLSPolicy{{Name: "p", Command: "TRUNCATE", Using: "true"}}}},
		{"policy without expression", models.ModuleTable{Name: "contacts",
			RLSPolicies: []models.RLSPolicy{{Name: "p"}}}},
		{"insert policy with using", models.ModuleTable{Name: "contacts",
			RLSPolicies: []models.RLSPolicy{{Name: "p", Command: "insert", Using: "true"}}}},
		{"select policy with check", models.ModuleTable{Name: "contacts",
			RLSPolicies: []models.RLSPolicy{{Name: "p", Command: "SELECT", WithCheck: "true"}}}},
		{"stacked statement in policy", models.ModuleTable{Name: "contacts",
			RLSPolicies: []models.RLSPolicy{{Name: "p", Using: "true); DROP TABLE sites; --"}}}},
		{"duplicate policy", models.ModuleTable{Name: "contacts",
			RLSPolicies: []models.RLSPolicy{{Name: "p", Using: "true"}, {Name: "p", Using: "false"}}}},
		{"empty index", models.ModuleTable{Name: "contacts", RLSPolicies: policy,
			Indexes: []models.IndexDefinition{{Name: "i"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := validateTable(tt.table); err == nil {
				t.Error("validateTable() = nil, want error")
			}
		})
	}
}

func TestValidateTable_AcceptsTypesAndDefaults(t *testing.T) {
	table := models.ModuleTable{
		Name: "deals",
		Schema: map[string]models.ColumnDefinition{
			"amount":   {Type: "numeric(12,2)", Default: strPtr("0")},
			"tags":     {Type: "text[]", Default: strPtr("'{}'::text[]")},
			"meta":     {Type: "JSONB", Default: strPtr("'{}'::jsonb")},
			"closed":   {Type: "boolean", Default: strPtr("false")},
			"due_at":   {Type: "timestamp with time zone", Nullable: true},
			"owner_id": {Type: "uuid", References: strPtr("profiles(id)")},
			"label":    {Type: "text", Default: strPtr("'it''s new'")},
			"id":       {Type: "serial"},
		},
		RLSPolicies: []models.RLSPolicy{{Name: "ins", Command: "INSERT", WithCheck: "true"}},
	}
	if err := validateTable(table); err != nil {
		t.Errorf("validateTable() = %v, want nil", err)
	}
}

// ---------------------------------------------------------------------------
// planTable
// ---------------------------------------------------------------------------

func TestPlanTable_TablesMode(t *testing.T) {
	siblings := map[string]bool{"contacts": true, "companies": true}
	plan, err := planTable(contactsTable(), "crm", naming.IsolationTables, siblings)
	if err != nil {
		t.Fatalf("planTable() error: %v", err)
	}
	if plan.physical != "mod_crm_contacts" {
		t.Errorf("physical = %q, want mod_crm_contacts", plan.physical)
	}

	create := plan.statements[0]
	for _, want := range []string{
		`CREATE TABLE IF NOT EXISTS "mod_crm_contacts"`,
		`"id" uuid PRIMARY KEY DEFAULT gen_random_uuid()`,
		`"created_at" timestamptz NOT NULL DEFAULT now()`,
		`"updated_at" timestamptz NOT NULL DEFAULT now()`,
		`"site_id" uuid NOT NULL`,
		`"agency_id" uuid`,
		`"created_by" uuid`,
		`"updated_by" uuid`,
		`"email" text NOT NULL UNIQUE`,
		`"name" varchar(200) NOT NULL`,
		`"score" integer DEFAULT 0`,
		`"company_id" uuid REFERENCES "mod_crm_companies"("id")`,
	} {
		if !strings.Contains(create, want) {
			t.Errorf("CREATE TABLE missing %q\n%s", want, create)
		}
	}
	if strings.Index(create, `"company_id"`) > strings.Index(create, `"email"`) {
		t.Error("declared columns should be emitted in sorted order")
	}

	want := []string{
		`ALTER TABLE "mod_crm_contacts" ENABLE ROW LEVEL SECURITY`,
		`DROP POLICY IF EXISTS "site_isolation" ON "mod_crm_contacts"`,
		`CREATE POLICY "site_isolation" ON "mod_crm_contacts" FOR ALL USING (site_id = current_setting('app.site_id')::uuid)`,
		`CREATE INDEX IF NOT EXISTS "mod_crm_contacts_site_id_idx" ON "mod_crm_contacts" ("site_id")`,
		`CREATE INDEX IF NOT EXISTS "mod_crm_contacts_email_name_idx" ON "mod_crm_contacts" ("email", "name")`,
		`DROP TRIGGER IF EXISTS "mod_crm_contacts_set_updated_at" ON "mod_crm_contacts"`,
		`CREATE TRIGGER "mod_crm_contacts_set_updated_at" BEFORE UPDATE ON "mod_crm_contacts" FOR EACH ROW EXECUTE FUNCTION platform_set_updated_at()`,
	}
	if len(plan.statements) != len(want)+1 {
		t.Fatalf("statements = %d, want %d", len(plan.statements), len(want)+1)
	}
	for i, w := range want {
		if got := plan.statements[i+1]; got != w {
			t.Errorf("statement %d = %q, want %q", i+1, got, w)
		}
	}
}

func TestPlanTable_SchemaMode(t *testing.T) {
	table := contactsTable()
	table.Schema["company_id"] = models.ColumnDefinition{Type: "uuid", Nullable: true, References: strPtr("sites")}
	plan, err := planTable(table, "crm", naming.IsolationSchema, map[string]bool{"contacts": true})
	if err != nil {
		t.Fatalf("planTable() error: %v", err)
	}
	if plan.physical != "mod_crm.contacts" {
		t.Errorf("physical = %q", plan.physical)
	}
	if !strings.HasPrefix(plan.statements[0], `CREATE TABLE IF NOT EXISTS "mod_crm"."contacts"`) {
		t.Errorf("schema-qualified CREATE expected, got %q", plan.statements[0])
	}
	if !strings.Contains(plan.statements[0], `REFERENCES "sites"("id")`) {
		t.Error("platform table reference should stay unqualified")
	}
	if !strings.Contains(strings.Join(plan.statements, "\n"), `"contacts_site_id_idx"`) {
		t.Error("index names derive from the unqualified table name")
	}
}

func TestPlanTable_DeclaredTenantColumnWins(t *testing.T) {
	table := contactsTable()
	table.Schema["agency_id"] = models.ColumnDefinition{Type: "uuid"}
	plan, err := planTable(table, "crm", naming.IsolationTables, map[string]bool{"companies": true})
	if err != nil {
		t.Fatalf("planTable() error: %v", err)
	}
	if n := strings.Count(plan.statements[0], `"agency_id"`); n != 1 {
		t.Errorf("agency_id appears %d times, want 1", n)
	}
	if !strings.Contains(plan.statements[0], `"agency_id" uuid NOT NULL`) {
		t.Error("declared agency_id definition should be used")
	}
}

func TestPlanTable_UnknownReference(t *testing.T) {
	if _, err := planTable(contactsTable(), "crm", naming.IsolationTables, map[string]bool{"contacts": true}); err == nil {
		t.Error("planTable() = nil error, want error for reference to an undeclared table")
	}
}

func TestDerivedName_TruncatesToIdentifierLimit(t *testing.T) {
	got := derivedName(strings.Repeat("a", 60), "site_id", "idx")
	if len(got) > 63 {
		t.Errorf("len = %d, want <= 63", len(got))
	}
	if strings.HasSuffix(got, "_") {
		t.Errorf("derived name %q should not end in an underscore", got)
	}
}
