package db

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"testing"

	"github.com/lib/pq"
)

func TestMigrationsEmbedded_UpAndDownPairs(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		}
	}
	if len(ups) == 0 {
		t.Fatal("no migrations embedded")
	}
	for v := range ups {
		if !downs[v] {
			t.Errorf("migration %s has no down file", v)
		}
	}
}

func TestRunMigrations_InvalidDirection(t *testing.T) {
	err := RunMigrations(nil, "sideways")
	if err == nil || !strings.Contains(err.Error(), "invalid migration direction") {
		t.Errorf("RunMigrations() = %v, want invalid direction error", err)
	}
}

func TestPQErrorClassification(t *testing.T) {
	undefined := fmt.Errorf("drop: %w", &pq.Error{Code: "42P01"})
	if !IsUndefinedObject(undefined) {
		t.Error("42P01 should be an undefined object")
	}
	if !IsUndefinedObject(&pq.Error{Code: "3F000"}) {
		t.Error("3F000 should be an undefined object")
	}
	if !IsDuplicateObject(&pq.Error{Code: "42710"}) {
		t.Error("42710 should be a duplicate object")
	}
	if !IsUniqueViolation(&pq.Error{Code: "23505"}) {
		t.Error("23505 should be a unique violation")
	}
	if IsUndefinedObject(errors.New("plain")) || IsUniqueViolation(nil) {
		t.Error("non-pq errors must not classify")
	}
}
