package postgres

import (
	"strings"
	"testing"
)

func TestParse_VersionedAndOrdered(t *testing.T) {
	t.Parallel()
	migrations, err := parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(migrations) == 0 {
		t.Fatalf("no migrations embedded")
	}
	last := 0
	for _, m := range migrations {
		if m.version <= last {
			t.Fatalf("migrations out of order: %d after %d", m.version, last)
		}
		last = m.version
		if strings.TrimSpace(m.sql) == "" {
			t.Fatalf("migration %d_%s is empty", m.version, m.name)
		}
	}
	if migrations[0].version != 1 || migrations[0].name != "init" {
		t.Fatalf("first migration: %d_%s", migrations[0].version, migrations[0].name)
	}
}
