// Package fingerprint computes the three SHA-256 fingerprints the rebuild
// planner reasons over — toolchain, environment, and ABI — and implements
// the plan_world/plan_changed/plan_smart planning tiers over the
// installed database. Toolchain and ABI probes shell out to the actual
// host tools rather than parsing object files in Go, the same choice the
// teacher makes for shared-library dependency discovery.
package fingerprint

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kilnpkg/kiln/internal/depgraph"
	"github.com/kilnpkg/kiln/internal/history"
)

func hashLines(lines []string) string {
	h := sha256.New()
	for _, l := range lines {
		fmt.Fprintln(h, l)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// probeVersion runs "<tool> <args...>" and returns its first line of
// combined output, or the sentinel "<tool>?" if the tool could not be run
// (spec §4.9's toolchain-probe failure policy).
func probeVersion(ctx context.Context, tool string, args ...string) string {
	cmd := exec.CommandContext(ctx, tool, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return tool + "?"
	}
	sc := bufio.NewScanner(bytes.NewReader(out))
	if sc.Scan() {
		return tool + ": " + sc.Text()
	}
	return tool + "?"
}

// Toolchain computes the toolchain fingerprint: a hash of each named
// tool's version-probe output, in a fixed tool order so the fingerprint is
// stable regardless of probe-call ordering.
func Toolchain(ctx context.Context) string {
	probes := []string{
		probeVersion(ctx, "cc", "--version"),
		probeVersion(ctx, "ld", "--version"),
		probeVersion(ctx, "as", "--version"),
		probeVersion(ctx, "ar", "--version"),
		probeVersion(ctx, "ranlib", "--version"),
		probeVersion(ctx, "ldd", "--version"),
	}
	return hashLines(probes)
}

// pinnedEnvKeys is the subset of variables spec §4.9 says influence
// builds: compiler/linker flags, search paths, pkg-config path, PATH.
var pinnedEnvKeys = []string{
	"CFLAGS", "CXXFLAGS", "LDFLAGS", "CPPFLAGS",
	"PKG_CONFIG_PATH", "LIBRARY_PATH", "C_INCLUDE_PATH", "CPLUS_INCLUDE_PATH",
	"PATH",
}

// Environment computes the environment fingerprint from the current
// process environment (or an explicit override map for testing).
func Environment(env map[string]string) string {
	if env == nil {
		env = map[string]string{}
		for _, k := range pinnedEnvKeys {
			env[k] = os.Getenv(k)
		}
	}
	var lines []string
	for _, k := range pinnedEnvKeys {
		lines = append(lines, k+"="+env[k])
	}
	return hashLines(lines)
}

// ABI computes the ABI fingerprint for every ELF file under root: SONAME
// and NEEDED entries extracted via "objdump -p" (never a Go ELF parser),
// concatenated in stable (lexical-by-path) order and hashed.
func ABI(ctx context.Context, root string) (string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return hashLines(nil), nil
		}
		return "", err
	}
	sort.Strings(paths)

	var lines []string
	for _, p := range paths {
		out, err := exec.CommandContext(ctx, "objdump", "-p", p).CombinedOutput()
		if err != nil {
			continue // not an ELF file, or objdump unavailable for it
		}
		for _, line := range strings.Split(string(out), "\n") {
			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, "SONAME") || strings.HasPrefix(line, "NEEDED") {
				lines = append(lines, filepath.Base(p)+": "+line)
			}
		}
	}
	return hashLines(lines), nil
}

// PlanWorld returns the topological build order of every installed
// package.
func PlanWorld(db history.DB) ([]string, error) {
	records, err := db.All()
	if err != nil {
		return nil, err
	}
	deps := map[string][]string{}
	var roots []string
	for _, r := range records {
		deps[r.Name] = r.Deps
		roots = append(roots, r.Name)
	}
	sort.Strings(roots)
	g, err := depgraph.New(roots, func(name string) ([]string, error) { return deps[name], nil })
	if err != nil {
		return nil, err
	}
	return g.Order()
}

// PlanChanged returns {pkg} union its transitive dependents, in
// topological order.
func PlanChanged(db history.DB, pkg string) ([]string, error) {
	records, err := db.All()
	if err != nil {
		return nil, err
	}
	deps := map[string][]string{}
	var roots []string
	for _, r := range records {
		deps[r.Name] = r.Deps
		roots = append(roots, r.Name)
	}
	sort.Strings(roots)
	g, err := depgraph.New(roots, func(name string) ([]string, error) { return deps[name], nil })
	if err != nil {
		return nil, err
	}
	return g.ReverseReachable(pkg)
}

// DriftChecker reports whether an installed record's recorded fingerprints
// have drifted from the package's current observed state.
type DriftChecker struct {
	CurrentToolchain   string
	CurrentEnvironment string
	// CurrentDepEVR resolves a dependency name to its currently installed
	// EVR string.
	CurrentDepEVR func(name string) string
	// CurrentABI resolves a package name to its freshly computed ABI
	// fingerprint.
	CurrentABI func(name string) string
}

func (dc DriftChecker) drifted(r *history.InstalledRecord) bool {
	if dc.CurrentToolchain != "" && r.ToolchainFingerprint != "" && r.ToolchainFingerprint != dc.CurrentToolchain {
		return true
	}
	if dc.CurrentEnvironment != "" && r.EnvironmentFingerprint != "" && r.EnvironmentFingerprint != dc.CurrentEnvironment {
		return true
	}
	if dc.CurrentDepEVR != nil {
		for _, dv := range r.DepEVRs {
			if cur := dc.CurrentDepEVR(dv.Name); cur != "" && cur != dv.EVR {
				return true
			}
		}
	}
	if dc.CurrentABI != nil {
		if cur := dc.CurrentABI(r.Name); cur != "" && r.ABIFingerprint != "" && cur != r.ABIFingerprint {
			return true
		}
	}
	return false
}

// PlanSmart returns every installed package whose recorded fingerprints
// have drifted from their current observed values, closed under reverse
// reachability and topologically ordered (spec §4.9). The toolchain
// fingerprint itself is evaluated per record rather than globally here;
// callers that want "first observation is not a change" semantics should
// leave CurrentToolchain empty until a prior global value is on record.
func PlanSmart(db history.DB, dc DriftChecker) ([]string, error) {
	records, err := db.All()
	if err != nil {
		return nil, err
	}
	deps := map[string][]string{}
	var roots []string
	changed := map[string]bool{}
	for _, r := range records {
		deps[r.Name] = r.Deps
		roots = append(roots, r.Name)
		if dc.drifted(r) {
			changed[r.Name] = true
		}
	}
	sort.Strings(roots)
	g, err := depgraph.New(roots, func(name string) ([]string, error) { return deps[name], nil })
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var out []string
	for name := range changed {
		rev, err := g.ReverseReachable(name)
		if err != nil {
			return nil, err
		}
		for _, n := range rev {
			seen[n] = true
		}
	}
	full, err := g.Order()
	if err != nil {
		return nil, err
	}
	for _, n := range full {
		if seen[n] {
			out = append(out, n)
		}
	}
	return out, nil
}
