package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const pool = `
scenarios:
  - id: dishes
    text: Your partner leaves the dishes in the sink overnight.
    category: chores
  - id: trip
    text: Your partner plans a weekend trip as a surprise.
    category: plans
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestScenarioLifecycle(t *testing.T) {
	dir := t.TempDir()
	dsn := filepath.Join(dir, "app.db")
	file := filepath.Join(dir, "pool.yaml")
	if err := os.WriteFile(file, []byte(pool), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "import", file, "--db-dsn", dsn)
	if err != nil {
		t.Fatalf("import: %v (%s)", err, out)
	}
	if !strings.Contains(out, "imported 2 scenarios") {
		t.Errorf("import output = %q", out)
	}

	if out, err = execute(t, "deactivate", "trip", "--db-dsn", dsn); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	out, err = execute(t, "list", "--db-dsn", dsn)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "dishes") || strings.Contains(out, "trip") {
		t.Errorf("active list = %q", out)
	}

	out, err = execute(t, "list", "--all", "--db-dsn", dsn)
	if err != nil {
		t.Fatalf("list --all: %v", err)
	}
	if !strings.Contains(out, "trip") || !strings.Contains(out, "false") {
		t.Errorf("full list = %q", out)
	}

	if _, err := execute(t, "activate", "nope", "--db-dsn", dsn); err == nil {
		t.Error("expected error activating unknown scenario")
	}
}

func TestRequiresDSN(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	if _, err := execute(t, "list"); err == nil || !strings.Contains(err.Error(), "no database given") {
		t.Errorf("expected missing DSN error, got %v", err)
	}
}

func TestArgumentValidation(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "app.db")
	if _, err := execute(t, "import", "--db-dsn", dsn); err == nil {
		t.Error("import without a file should fail")
	}
	if _, err := execute(t, "deactivate", "--db-dsn", dsn); err == nil {
		t.Error("deactivate without ids should fail")
	}
}
