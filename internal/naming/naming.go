// Package naming maps a module's logical table names onto physical PostgreSQL
// identifiers. Provisioning, tenant data access and the gateway's limited DB
// interface all resolve names through Resolve so a given (short id, table,
// isolation mode) always produces the same identifier.
package naming

import (
	"fmt"
	"regexp"
	"strings"
)

// IsolationMode selects how a module's tables are separated from other modules.
type IsolationMode string

const (
	// IsolationNone stores tables under their logical name in the public schema.
	IsolationNone IsolationMode = "none"
	// IsolationTables prefixes each table with mod_{shortId}_.
	IsolationTables IsolationMode = "tables"
	// IsolationSchema places tables in a dedicated mod_{shortId} schema.
	IsolationSchema IsolationMode = "schema"
)

// maxIdentifierLength is PostgreSQL's NAMEDATALEN-1.
const maxIdentifierLength = 63

var identifierPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

var reservedNames = map[string]bool{
	"profiles": true,
	"agencies": true,
	"sites":    true,
	"users":    true,
	"auth":     true,
	"storage":  true,
}

// ParseMode converts a stored isolation mode string. An empty value is treated
// as IsolationTables, the platform default.
func ParseMode(s string) (IsolationMode, error) {
	switch IsolationMode(s) {
	case IsolationNone, IsolationTables, IsolationSchema:
		return IsolationMode(s), nil
	case "":
		return IsolationTables, nil
	default:
		return "", fmt.Errorf("invalid isolation mode: %q", s)
	}
}

// Resolve returns the physical table name for a logical table.
func Resolve(shortID, table string, mode IsolationMode) string {
	switch mode {
	case IsolationTables:
		return "mod_" + shortID + "_" + table
	case IsolationSchema:
		return SchemaName(shortID) + "." + table
	default:
		return table
	}
}

// SchemaName returns the dedicated schema used in schema isolation mode.
func SchemaName(shortID string) string {
	return "mod_" + shortID
}

// ValidateIdentifier checks a table or column name against the allowed grammar.
func ValidateIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("identifier is empty")
	}
	if len(name) > maxIdentifierLength {
		return fmt.Errorf("identifier %q exceeds %d characters", name, maxIdentifierLength)
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("identifier %q must match %s", name, identifierPattern.String())
	}
	return nil
}

// ValidateTableName validates the identifier and rejects reserved platform names.
func ValidateTableName(name string) error {
	if err := ValidateIdentifier(name); err != nil {
		return err
	}
	if IsReserved(name) {
		return fmt.Errorf("table name %q is reserved", name)
	}
	return nil
}

// ValidateShortID checks a module short id. Short ids become part of physical
// names so they follow the identifier grammar too.
func ValidateShortID(shortID string) error {
	if err := ValidateIdentifier(shortID); err != nil {
		return fmt.Errorf("invalid short id: %w", err)
	}
	return nil
}

// IsReserved reports whether name collides with a platform-owned table.
func IsReserved(name string) bool {
	return reservedNames[name]
}

// Quote quotes a possibly schema-qualified physical name for use in SQL.
// Every part must already satisfy ValidateIdentifier.
func Quote(physical string) string {
	parts := strings.Split(physical, ".")
	for i, p := range parts {
		parts[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
	}
	return strings.Join(parts, ".")
}

// ValidatePhysical validates every dotted part of a physical name read back
// from storage before it is spliced into SQL.
func ValidatePhysical(physical string) error {
	parts := strings.Split(physical, ".")
	if len(parts) > 2 {
		return fmt.Errorf("invalid physical name %q", physical)
	}
	for _, p := range parts {
		if err := ValidateIdentifier(p); err != nil {
			return err
		}
	}
	return nil
}
