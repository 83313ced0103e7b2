package history

import (
	"testing"
	"time"
)

func newTestDB(t *testing.T) DB {
	t.Helper()
	dir := t.TempDir()
	return DB{InstalledDir: dir + "/installed", HistoryDir: dir + "/history"}
}

func TestSaveLoadDelete(t *testing.T) {
	db := newTestDB(t)
	r := &InstalledRecord{Name: "zlib", EVR: "0:1.3-1", TargetRoot: "/", InstallAt: time.Now()}
	if err := db.Save(r); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := db.Load("zlib")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.EVR != "0:1.3-1" {
		t.Fatalf("EVR = %q", got.EVR)
	}

	if err := db.Delete("zlib"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := db.Load("zlib"); err == nil {
		t.Fatal("expected NotFound after Delete")
	}
}

func TestAllReturnsEveryRecord(t *testing.T) {
	db := newTestDB(t)
	for _, name := range []string{"a", "b", "c"} {
		if err := db.Save(&InstalledRecord{Name: name, EVR: "0:1-1"}); err != nil {
			t.Fatal(err)
		}
	}
	records, err := db.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("len(records) = %d, want 3", len(records))
	}
}

func TestAppendAndReadEvents(t *testing.T) {
	db := newTestDB(t)
	if err := db.AppendEvent("gcc", Event{Time: time.Now(), Kind: "INSTALL", FromEVR: "-", ToEVR: "0:13.2-1", Note: "-"}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if err := db.AppendEvent("gcc", Event{Time: time.Now(), Kind: "UPGRADE", FromEVR: "0:13.2-1", ToEVR: "0:13.3-1", Note: "-"}); err != nil {
		t.Fatal(err)
	}
	events, err := db.Events("gcc")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].Kind != "INSTALL" || events[1].Kind != "UPGRADE" {
		t.Fatalf("events out of order: %+v", events)
	}
}
