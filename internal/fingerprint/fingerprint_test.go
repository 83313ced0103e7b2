package fingerprint

import (
	"testing"

	"github.com/kilnpkg/kiln/internal/history"
)

func TestEnvironmentIsDeterministic(t *testing.T) {
	env := map[string]string{"CFLAGS": "-O2", "PATH": "/usr/bin"}
	a := Environment(env)
	b := Environment(env)
	if a != b {
		t.Fatalf("Environment not deterministic: %s vs %s", a, b)
	}
}

func TestEnvironmentDiffersOnChange(t *testing.T) {
	a := Environment(map[string]string{"CFLAGS": "-O2"})
	b := Environment(map[string]string{"CFLAGS": "-O3"})
	if a == b {
		t.Fatal("expected different fingerprints for different CFLAGS")
	}
}

func newDBWithRecords(t *testing.T, records map[string][]string) history.DB {
	t.Helper()
	dir := t.TempDir()
	db := history.DB{InstalledDir: dir + "/installed", HistoryDir: dir + "/history"}
	for name, deps := range records {
		if err := db.Save(&history.InstalledRecord{Name: name, EVR: "0:1-1", Deps: deps}); err != nil {
			t.Fatal(err)
		}
	}
	return db
}

func TestPlanWorldOrdersByDependency(t *testing.T) {
	db := newDBWithRecords(t, map[string][]string{
		"glibc": nil,
		"gcc":   {"glibc"},
	})
	order, err := PlanWorld(db)
	if err != nil {
		t.Fatalf("PlanWorld: %v", err)
	}
	idx := map[string]int{}
	for i, n := range order {
		idx[n] = i
	}
	if idx["glibc"] >= idx["gcc"] {
		t.Fatalf("glibc must precede gcc in %v", order)
	}
}

func TestPlanChangedIncludesDependents(t *testing.T) {
	db := newDBWithRecords(t, map[string][]string{
		"glibc": nil,
		"gcc":   {"glibc"},
		"make":  {"glibc"},
	})
	changed, err := PlanChanged(db, "glibc")
	if err != nil {
		t.Fatalf("PlanChanged: %v", err)
	}
	has := map[string]bool{}
	for _, n := range changed {
		has[n] = true
	}
	for _, want := range []string{"glibc", "gcc", "make"} {
		if !has[want] {
			t.Fatalf("PlanChanged(glibc) = %v, missing %s", changed, want)
		}
	}
}

func TestPlanSmartDetectsEnvironmentDrift(t *testing.T) {
	db := newDBWithRecords(t, map[string][]string{"zlib": nil})
	rec, err := db.Load("zlib")
	if err != nil {
		t.Fatal(err)
	}
	rec.EnvironmentFingerprint = "old-fingerprint"
	if err := db.Save(rec); err != nil {
		t.Fatal(err)
	}

	dc := DriftChecker{CurrentEnvironment: "new-fingerprint"}
	changed, err := PlanSmart(db, dc)
	if err != nil {
		t.Fatalf("PlanSmart: %v", err)
	}
	if len(changed) != 1 || changed[0] != "zlib" {
		t.Fatalf("PlanSmart = %v, want [zlib]", changed)
	}
}

func TestPlanSmartNoDriftIsEmpty(t *testing.T) {
	db := newDBWithRecords(t, map[string][]string{"zlib": nil})
	changed, err := PlanSmart(db, DriftChecker{})
	if err != nil {
		t.Fatalf("PlanSmart: %v", err)
	}
	if len(changed) != 0 {
		t.Fatalf("PlanSmart = %v, want empty", changed)
	}
}
