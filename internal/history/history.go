// Package history maintains the on-disk installed-package database: one
// YAML record per installed name, a per-name append-only event log, and
// the directory layout every other component resolves paths against.
// Every write goes through renameio so a crash never leaves a half-written
// record behind, mirroring the teacher's preference for rename-into-place
// over in-place writes anywhere durability matters.
package history

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/renameio"
	"github.com/kilnpkg/kiln/internal/kerr"
	"gopkg.in/yaml.v3"
)

// DepVersion records the resolved EVR of a dependency at build time, used
// by plan_smart to detect drift.
type DepVersion struct {
	Name string `yaml:"name"`
	EVR  string `yaml:"evr"`
}

// InstalledRecord is the metadata file kept per installed package name
// (spec §3's glossary entry). Exactly one record exists per name at any
// time; an upgrade overwrites it in place.
type InstalledRecord struct {
	Name       string       `yaml:"name"`
	EVR        string       `yaml:"evr"`
	TargetRoot string       `yaml:"target_root"`
	Archive    string       `yaml:"archive"`
	Manifest   string       `yaml:"manifest"`
	InstallAt  time.Time    `yaml:"install_at"`
	BuildAt    time.Time    `yaml:"build_at"`
	Deps       []string     `yaml:"deps"`
	DepEVRs    []DepVersion `yaml:"dep_evrs"`

	ToolchainFingerprint  string `yaml:"toolchain_fingerprint"`
	EnvironmentFingerprint string `yaml:"environment_fingerprint"`
	ABIFingerprint        string `yaml:"abi_fingerprint"`

	// BuiltNotInstalled marks a record produced by the packager before the
	// installer has overlaid it into a target root (spec §4.7 output).
	BuiltNotInstalled bool `yaml:"built_not_installed,omitempty"`
}

// DB resolves the installed-record directory layout.
type DB struct {
	InstalledDir string
	HistoryDir   string
}

func (db DB) recordPath(name string) string {
	return filepath.Join(db.InstalledDir, name+".meta")
}

func (db DB) logPath(name string) string {
	return filepath.Join(db.HistoryDir, name+".log")
}

// Load reads the installed record for name.
func (db DB) Load(name string) (*InstalledRecord, error) {
	b, err := os.ReadFile(db.recordPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &kerr.NotFound{Kind: "record", Name: name}
		}
		return nil, err
	}
	var r InstalledRecord
	if err := yaml.Unmarshal(b, &r); err != nil {
		return nil, &kerr.ParseError{Path: db.recordPath(name), Reason: err.Error()}
	}
	return &r, nil
}

// Save writes r atomically, overwriting any prior record for r.Name.
func (db DB) Save(r *InstalledRecord) error {
	if err := os.MkdirAll(db.InstalledDir, 0755); err != nil {
		return err
	}
	b, err := yaml.Marshal(r)
	if err != nil {
		return err
	}
	return renameio.WriteFile(db.recordPath(r.Name), b, 0644)
}

// Delete removes the installed record for name. Absence is not an error.
func (db DB) Delete(name string) error {
	err := os.Remove(db.recordPath(name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// All returns every installed record, sorted by name.
func (db DB) All() ([]*InstalledRecord, error) {
	entries, err := os.ReadDir(db.InstalledDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var records []*InstalledRecord
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".meta" {
			continue
		}
		name := e.Name()[:len(e.Name())-len(".meta")]
		r, err := db.Load(name)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	return records, nil
}

// Event is one line of a package's append-only history log: spec §3's
// "timestamp action from-EVR to-EVR", actions restricted to
// {SAVE, INSTALL, UPGRADE, ROLLBACK}. FromEVR is "-" for a fresh INSTALL
// with no prior state; ToEVR is "-" for a SAVE (uninstall removes the
// installed state entirely). Note carries incidental context that isn't
// part of the spec's core four-field line but is convenient to keep
// alongside it.
type Event struct {
	Time    time.Time
	Kind    string // SAVE, INSTALL, UPGRADE, ROLLBACK
	FromEVR string
	ToEVR   string
	Note    string
}

// AppendEvent appends one event to name's log. The log is append-only and
// is never rewritten, so it is opened with O_APPEND rather than routed
// through renameio.
func (db DB) AppendEvent(name string, ev Event) error {
	if err := os.MkdirAll(db.HistoryDir, 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(db.logPath(name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	from := ev.FromEVR
	if from == "" {
		from = "-"
	}
	_, err = fmt.Fprintf(f, "%s %s %s %s %s\n", ev.Time.UTC().Format(time.RFC3339), ev.Kind, from, ev.ToEVR, ev.Note)
	return err
}

// Events reads back name's full event log in append order.
func (db DB) Events(name string) ([]Event, error) {
	f, err := os.Open(db.logPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev Event
		var ts, kind, from, to, note string
		n, err := fmt.Sscanf(sc.Text(), "%s %s %s %s %s", &ts, &kind, &from, &to, &note)
		if err != nil && n < 4 {
			continue
		}
		ev.Time, _ = time.Parse(time.RFC3339, ts)
		ev.Kind = kind
		ev.FromEVR = from
		ev.ToEVR = to
		ev.Note = note
		events = append(events, ev)
	}
	return events, sc.Err()
}
