package config_test

import (
	"context"
	"strings"
	"testing"

	"stepline/internal/config"
	"stepline/internal/db"
	"stepline/internal/domain"
	"stepline/internal/engine"
	"stepline/internal/migrate"
)

const testYAML = `catalog:
  name: test

steps:
  - id: create-account
    version: 1
    required: true

  - id: verify-email
    version: 2
    required: true
    visible_after: [create-account]

  - id: invite-team
    version: 1
    opt_in: true
    args:
      emails:
        type: array
        required: true
`

func TestFromYAMLAndBuild(t *testing.T) {
	cfg, err := config.FromYAML([]byte(testYAML))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	cat, err := cfg.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if cat.Len() != 3 {
		t.Fatalf("len = %d, want 3", cat.Len())
	}
	step, ok := cat.Get("verify-email")
	if !ok || step.Version != 2 || step.Condition == nil {
		t.Fatalf("unexpected verify-email step: %+v", step)
	}
	invite, _ := cat.Get("invite-team")
	if !invite.OptIn || invite.Args["emails"].Kind != "array" || !invite.Args["emails"].Required {
		t.Fatalf("unexpected invite-team step: %+v", invite)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"no steps", "catalog:\n  name: x\n", "at least one step"},
		{"zero version", "steps:\n  - id: a\n    version: 0\n", "version must be >= 1"},
		{"duplicate id", "steps:\n  - id: a\n    version: 1\n  - id: a\n    version: 1\n", "duplicate step id"},
		{"unknown dep", "steps:\n  - id: a\n    version: 1\n    visible_after: [b]\n", "unknown step"},
		{"self dep", "steps:\n  - id: a\n    version: 1\n    visible_after: [a]\n", "cannot reference itself"},
		{"bad arg type", "steps:\n  - id: a\n    version: 1\n    args:\n      x:\n        type: integer\n", "unknown type"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(tc.yaml))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want substring %q", err, tc.want)
			}
		})
	}
}

func TestDefaultTemplateParses(t *testing.T) {
	cfg := config.Default("demo")
	if cfg.Catalog.Name != "demo" {
		t.Fatalf("name = %s, want demo", cfg.Catalog.Name)
	}
	if _, err := cfg.Build(); err != nil {
		t.Fatalf("build default: %v", err)
	}
}

func TestVisibleAfterGatesOnCurrentVersion(t *testing.T) {
	cfg, err := config.FromYAML([]byte(testYAML))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	cat, err := cfg.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cat)
	ctx := context.Background()

	st, err := e.Status(ctx, "u1", "verify-email")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Visible {
		t.Fatalf("verify-email should be hidden before create-account completes")
	}
	if _, err := e.Complete(ctx, "u1", "create-account"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	st, err = e.Status(ctx, "u1", "verify-email")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.Visible || st.State != domain.StatePending {
		t.Fatalf("verify-email should be visible and pending: %+v", st)
	}
}
