package provisioner

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/agencyos/module-platform/internal/db/models"
	"github.com/agencyos/module-platform/internal/naming"
)

// Columns every provisioned table carries. id, created_at and updated_at are
// fixed; the tenant columns are added only when the module does not declare
// its own definition.
var (
	fixedColumns = []string{
		`"id" uuid PRIMARY KEY DEFAULT gen_random_uuid()`,
		`"created_at" timestamptz NOT NULL DEFAULT now()`,
		`"updated_at" timestamptz NOT NULL DEFAULT now()`,
	}
	fixedColumnNames = map[string]bool{"id": true, "created_at": true, "updated_at": true}

	tenantColumns = []struct{ name, ddl string }{
		{"site_id", `"site_id" uuid NOT NULL`},
		{"agency_id", `"agency_id" uuid`},
		{"created_by", `"created_by" uuid`},
		{"updated_by", `"updated_by" uuid`},
	}
)

var columnTypePattern = regexp.MustCompile(`^(text|citext|varchar(\(\d{1,5}\))?|char\(\d{1,5}\)|smallint|integer|int|bigint|serial|bigserial|` +
	`numeric(\(\d{1,3}(,\s?\d{1,3})?\))?|decimal(\(\d{1,3}(,\s?\d{1,3})?\))?|real|double precision|boolean|bool|` +
	`date|time|timetz|timestamp|timestamptz|timestamp with time zone|interval|uuid|json|jsonb|bytea|inet)(\[\])?$`)

var defaultPattern = regexp.MustCompile(`^(-?\d+(\.\d+)?|'([^'\;]|'')*'(::[a-z ]+(\[\])?)?|true|false|null|` +
	`now\(\)|current_timestamp|current_date|gen_random_uuid\(\))$`)

var referencePattern = regexp.MustCompile(`^([a-z][a-z0-9_]*)(\(([a-z][a-z0-9_]*)\))?$`)

var policyCommands = map[string]bool{"ALL": true, "SELECT": true, "INSERT": true, "UPDATE": true, "DELETE": true}

// tablePlan is the validated DDL for one module table
type tablePlan struct {
	logical    string
	physical   string
	statements []string
}

// normalizeType lowercases and collapses whitespace in a declared column type
func normalizeType(t string) string {
	return strings.Join(strings.Fields(strings.ToLower(t)), " ")
}

// validatePolicyExpr rejects expressions that could terminate the statement
// or comment out the rest of it
func validatePolicyExpr(expr string) error {
	if strings.Contains(expr, ";") || strings.Contains(expr, "--") || strings.Contains(expr, "/*") {
		return fmt.Errorf("policy expression must be a single boolean expression")
	}
	return nil
}

// validateTable checks a table declaration before any DDL is generated
func validateTable(t models.ModuleTable) error {
	if err := naming.ValidateTableName(t.Name); err != nil {
		return err
	}
	if len(t.RLSPolicies) == 0 {
		return fmt.Errorf("table %q declares no row level security policy", t.Name)
	}
	for col, def := range t.Schema {
		if err := naming.ValidateIdentifier(col); err != nil {
			return fmt.Errorf("column: %w", err)
		}
		if fixedColumnNames[col] {
			continue
		}
		if !columnTypePattern.MatchString(normalizeType(def.Type)) {
			return fmt.Errorf("column %q has unsupported type %q", col, def.Type)
		}
		if def.Default != nil && !defaultPattern.MatchString(strings.TrimSpace(*def.Default)) {
			return fmt.Errorf("column %q has unsupported default %q", col, *def.Default)
		}
		if def.References != nil && !referencePattern.MatchString(*def.References) {
			return fmt.Errorf("column %q has invalid reference %q", col, *def.References)
		}
	}
	seen := map[string]bool{}
	for _, p := range t.RLSPolicies {
		if err := naming.ValidateIdentifier(p.Name); err != nil {
			return fmt.Errorf("policy: %w", err)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate policy %q", p.Name)
		}
		seen[p.Name] = true
		cmd := strings.ToUpper(p.Command)
		if cmd == "" {
			cmd = "ALL"
		}
		if !policyCommands[cmd] {
			return fmt.Errorf("policy %q has unsupported command %q", p.Name, p.Command)
		}
		if p.Using == "" && p.WithCheck == "" {
			return fmt.Errorf("policy %q needs a using or withCheck expression", p.Name)
		}
		if cmd == "INSERT" && p.Using != "" {
			return fmt.Errorf("policy %q: INSERT policies only accept withCheck", p.Name)
		}
		if (cmd == "SELECT" || cmd == "DELETE") && p.WithCheck != "" {
			return fmt.Errorf("policy %q: %s policies only accept using", p.Name, cmd)
		}
		for _, expr := range []string{p.Using, p.WithCheck} {
			if err := validatePolicyExpr(expr); err != nil {
				return fmt.Errorf("policy %q: %w", p.Name, err)
			}
		}
	}
	for _, idx := range t.Indexes {
		if len(idx.Columns) == 0 {
			return fmt.Errorf("index on %q declares no columns", t.Name)
		}
		if idx.Name != "" {
			if err := naming.ValidateIdentifier(idx.Name); err != nil {
				return fmt.Errorf("index: %w", err)
			}
		}
		for _, c := range idx.Columns {
			if err := naming.ValidateIdentifier(c); err != nil {
				return fmt.Errorf("index column: %w", err)
			}
		}
	}
	return nil
}

// baseName is the unqualified part of a physical name, used to derive
// index, policy and trigger names that stay unique per table
func baseName(physical string) string {
	if i := strings.LastIndexByte(physical, '.'); i >= 0 {
		return physical[i+1:]
	}
	return physical
}

// derivedName joins parts with underscores and trims the result to the
// PostgreSQL identifier limit
func derivedName(parts ...string) string {
	name := strings.Join(parts, "_")
	if len(name) > 63 {
		name = name[:63]
	}
	return strings.TrimRight(name, "_")
}

// resolveReference maps "table" or "table(column)" onto a quoted target.
// Sibling tables of the same module resolve through the naming rules;
// reserved platform tables (sites, profiles, ...) are referenced directly.
func resolveReference(ref, shortID string, mode naming.IsolationMode, siblings map[string]bool) (string, error) {
	m := referencePattern.FindStringSubmatch(ref)
	if m == nil {
		return "", fmt.Errorf("invalid reference %q", ref)
	}
	table, column := m[1], m[3]
	if column == "" {
		column = "id"
	}
	var target string
	switch {
	case siblings[table]:
		target = naming.Resolve(shortID, table, mode)
	case naming.IsReserved(table):
		target = table
	default:
		return "", fmt.Errorf("reference %q names neither a module table nor a platform table", ref)
	}
	return fmt.Sprintf("%s(%s)", naming.Quote(target), naming.Quote(column)), nil
}

// columnDDL renders one declared column
func columnDDL(name string, def models.ColumnDefinition, shortID string, mode naming.IsolationMode, siblings map[string]bool) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", naming.Quote(name), normalizeType(def.Type))
	if !def.Nullable {
		b.WriteString(" NOT NULL")
	}
	if def.Default != nil {
		fmt.Fprintf(&b, " DEFAULT %s", strings.TrimSpace(*def.Default))
	}
	if def.Unique {
		b.WriteString(" UNIQUE")
	}
	if def.References != nil {
		target, err := resolveReference(*def.References, shortID, mode, siblings)
		if err != nil {
			return "", fmt.Errorf("column %q: %w", name, err)
		}
		fmt.Fprintf(&b, " REFERENCES %s", target)
	}
	return b.String(), nil
}

// planTable validates a table and renders its DDL: CREATE TABLE, RLS,
// policies, the site_id index, declared indexes and the updated_at trigger.
// Every statement is idempotent so a republish can re-run provisioning.
func planTable(t models.ModuleTable, shortID string, mode naming.IsolationMode, siblings map[string]bool) (*tablePlan, error) {
	if err := validateTable(t); err != nil {
		return nil, err
	}

	physical := naming.Resolve(shortID, t.Name, mode)
	quoted := naming.Quote(physical)
	base := baseName(physical)

	cols := append([]string{}, fixedColumns...)
	for _, tc := range tenantColumns {
		if _, declared := t.Schema[tc.name]; !declared {
			cols = append(cols, tc.ddl)
		}
	}

	names := make([]string, 0, len(t.Schema))
	for name := range t.Schema {
		if !fixedColumnNames[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		ddl, err := columnDDL(name, t.Schema[name], shortID, mode, siblings)
		if err != nil {
			return nil, err
		}
		cols = append(cols, ddl)
	}

	stmts := []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", quoted, strings.Join(cols, ",\n\t")),
		fmt.Sprintf("ALTER TABLE %s ENABLE ROW LEVEL SECURITY", quoted),
	}

	for _, p := range t.RLSPolicies {
		cmd := strings.ToUpper(p.Command)
		if cmd == "" {
			cmd = "ALL"
		}
		stmt := fmt.Sprintf("CREATE POLICY %s ON %s FOR %s", naming.Quote(p.Name), quoted, cmd)
		if p.Using != "" {
			stmt += fmt.Sprintf(" USING (%s)", p.Using)
		}
		if p.WithCheck != "" {
			stmt += fmt.Sprintf(" WITH CHECK (%s)", p.WithCheck)
		}
		stmts = append(stmts,
			fmt.Sprintf("DROP POLICY IF EXISTS %s ON %s", naming.Quote(p.Name), quoted),
			stmt,
		)
	}

	stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
		naming.Quote(derivedName(base, "site_id", "idx")), quoted, naming.Quote("site_id")))

	for _, idx := range t.Indexes {
		name := idx.Name
		if name == "" {
			name = derivedName(append(append([]string{base}, idx.Columns...), "idx")...)
		}
		quotedCols := make([]string, len(idx.Columns))
		for i, c := range idx.Columns {
			quotedCols[i] = naming.Quote(c)
		}
		unique := ""
		if idx.Unique {
			unique = "UNIQUE "
		}
		stmts = append(stmts, fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)",
			unique, naming.Quote(name), quoted, strings.Join(quotedCols, ", ")))
	}

	trigger := naming.Quote(derivedName(base, "set_updated_at"))
	stmts = append(stmts,
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", trigger, quoted),
		fmt.Sprintf("CREATE TRIGGER %s BEFORE UPDATE ON %s FOR EACH ROW EXECUTE FUNCTION platform_set_updated_at()", trigger, quoted),
	)

	return &tablePlan{logical: t.Name, physical: physical, statements: stmts}, nil
}

func sortedValues(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
