package analysis

import (
	"testing"

	"github.com/antigravity-dev/agentlab/internal/rundir"
)

func TestValidateReadOnlySQLAllowsSelect(t *testing.T) {
	if err := ValidateReadOnlySQL("SELECT * FROM trials"); err != nil {
		t.Fatalf("expected SELECT to pass, got %v", err)
	}
}

func TestValidateReadOnlySQLRejectsMutatingVerb(t *testing.T) {
	if err := ValidateReadOnlySQL("DELETE FROM trials"); err == nil {
		t.Fatal("expected DELETE to be rejected")
	}
}

func TestValidateReadOnlySQLRejectsMultipleStatements(t *testing.T) {
	if err := ValidateReadOnlySQL("SELECT 1; DROP TABLE trials"); err == nil {
		t.Fatal("expected multi-statement query to be rejected")
	}
}

func TestValidateReadOnlySQLRejectsEmbeddedMutatingIdentifier(t *testing.T) {
	if err := ValidateReadOnlySQL("WITH x AS (DELETE FROM trials RETURNING *) SELECT * FROM x"); err == nil {
		t.Fatal("expected embedded DELETE in a CTE to be rejected")
	}
}

func TestValidateReadOnlySQLAllowsWithAndPragma(t *testing.T) {
	if err := ValidateReadOnlySQL("WITH x AS (SELECT 1) SELECT * FROM x"); err != nil {
		t.Fatalf("expected WITH to pass, got %v", err)
	}
	if err := ValidateReadOnlySQL("PRAGMA table_info(trials)"); err != nil {
		t.Fatalf("expected PRAGMA to pass, got %v", err)
	}
}

func TestQueryRunAndListViews(t *testing.T) {
	dir, err := rundir.Create(t.TempDir(), "run-q")
	if err != nil {
		t.Fatalf("create rundir: %v", err)
	}
	resolved := resolvedFixture()
	writeTrial(t, dir, "run-q:0", "succeeded", 1.0)
	refs := []TrialRef{{TrialID: "run-q:0", ScheduleIdx: 0, VariantID: "control", TaskID: "t0", ReplIdx: 0}}
	if err := Materialize(dir, resolved, refs); err != nil {
		t.Fatalf("materialize: %v", err)
	}

	views, err := ListViews(dir)
	if err != nil {
		t.Fatalf("list views: %v", err)
	}
	found := false
	for _, v := range views {
		if v == "analysis_metadata" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected analysis_metadata view, got %v", views)
	}

	rows, err := QueryRun(dir, "SELECT trial_id, status FROM trials")
	if err != nil {
		t.Fatalf("query run: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 trial row, got %d", len(rows))
	}

	if _, err := QueryView(dir, "trials", 10); err != nil {
		t.Fatalf("query view: %v", err)
	}

	if _, err := QueryRun(dir, "DROP TABLE trials"); err == nil {
		t.Fatal("expected query_run to reject a mutating statement")
	}
}
