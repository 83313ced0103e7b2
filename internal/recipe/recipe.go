// Package recipe locates, parses and validates recipe descriptors: the
// declarative description of how to fetch, patch and build one package.
package recipe

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/kilnpkg/kiln/internal/kerr"
	"gopkg.in/yaml.v3"
)

// SourceRef is one fetchable input: a URL and its expected content hash.
type SourceRef struct {
	URL  string `yaml:"url"`
	SHA256 string `yaml:"sha256"`
}

// GitRef identifies a git source.
type GitRef struct {
	URL string `yaml:"url"`
	Ref string `yaml:"ref"`
}

// Capabilities are the recipe's boolean build-behavior flags.
type Capabilities struct {
	PreferChroot      bool `yaml:"prefer_chroot"`
	Strip             bool `yaml:"strip"`
	ReproducibleEpoch bool `yaml:"reproducible_epoch"`
	LockDeps          bool `yaml:"lock_deps"`
}

// Procedures holds the recipe's three build stages expressed as ordered
// shell-like command sequences. A nil/empty slice means "use the build
// engine's default for this stage" (spec §4.6).
type Procedures struct {
	Prepare []string `yaml:"prepare,omitempty"`
	Build   []string `yaml:"build,omitempty"`
	Install []string `yaml:"install,omitempty"`
}

// Recipe is the declarative package description identified by
// (Name, Epoch, Version, Release).
type Recipe struct {
	Name    string `yaml:"name"`
	Epoch   int64  `yaml:"epoch"`
	Version string `yaml:"version"`
	Release string `yaml:"release"`

	Summary  string `yaml:"summary,omitempty"`
	Homepage string `yaml:"homepage,omitempty"`
	License  string `yaml:"license,omitempty"`

	Deps      []string `yaml:"deps,omitempty"`
	BuildDeps []string `yaml:"build_deps,omitempty"`

	Sources []SourceRef `yaml:"sources,omitempty"`
	Patches []SourceRef `yaml:"patches,omitempty"`
	Git     *GitRef     `yaml:"git,omitempty"`

	Procedures   Procedures   `yaml:"procedures,omitempty"`
	Capabilities Capabilities `yaml:"capabilities,omitempty"`

	// Vars are extra variables declared by the recipe. The build engine
	// does not export them: stage commands and hooks see only the fixed
	// environment built by buildengine.
	Vars map[string]string `yaml:"vars,omitempty"`
}

var bufPool = sync.Pool{New: func() interface{} { return &bytes.Buffer{} }}

// Resolve locates the on-disk path for a recipe by name, searching the
// user-writable directory first, then the read-only system directory.
// Accepted layouts: "<name>.recipe.yaml" or "<name>/<name>.recipe.yaml".
func Resolve(name string, userDir, systemDir string) (string, error) {
	candidates := func(dir string) []string {
		return []string{
			filepath.Join(dir, name+".recipe.yaml"),
			filepath.Join(dir, name, name+".recipe.yaml"),
		}
	}
	for _, dir := range []string{userDir, systemDir} {
		if dir == "" {
			continue
		}
		for _, c := range candidates(dir) {
			if _, err := os.Stat(c); err == nil {
				return c, nil
			}
		}
	}
	return "", &kerr.NotFound{Kind: "recipe", Name: name}
}

// Load parses a Recipe from path.
func Load(path string) (*Recipe, error) {
	b := bufPool.Get().(*bytes.Buffer)
	b.Reset()
	defer bufPool.Put(b)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &kerr.NotFound{Kind: "recipe", Name: path}
		}
		return nil, err
	}
	defer f.Close()

	if _, err := b.ReadFrom(f); err != nil {
		return nil, err
	}

	var r Recipe
	if err := yaml.Unmarshal(b.Bytes(), &r); err != nil {
		return nil, &kerr.ParseError{Path: path, Reason: err.Error()}
	}
	return &r, nil
}

// Lint verifies the invariants from spec §3: name/version set, source and
// patch hash-array lengths equal (guaranteed structurally here since
// SourceRef pairs URL with its hash, but we still check every entry has
// both fields populated), git-ref requirement, and that at least one of
// Sources or Git is present unless the recipe is pure-inline (install-only:
// no sources, but at least one Procedures.Install command).
func Lint(r *Recipe) error {
	if r.Name == "" {
		return &kerr.LintError{Recipe: r.Name, Field: "name", Reason: "must not be empty"}
	}
	if r.Version == "" {
		return &kerr.LintError{Recipe: r.Name, Field: "version", Reason: "must not be empty"}
	}
	for i, s := range r.Sources {
		if s.URL == "" {
			return &kerr.LintError{Recipe: r.Name, Field: fmt.Sprintf("sources[%d].url", i), Reason: "must not be empty"}
		}
		if s.SHA256 == "" {
			return &kerr.LintError{Recipe: r.Name, Field: fmt.Sprintf("sources[%d].sha256", i), Reason: "missing expected hash"}
		}
	}
	for i, p := range r.Patches {
		if p.URL == "" {
			return &kerr.LintError{Recipe: r.Name, Field: fmt.Sprintf("patches[%d].url", i), Reason: "must not be empty"}
		}
		if p.SHA256 == "" {
			return &kerr.LintError{Recipe: r.Name, Field: fmt.Sprintf("patches[%d].sha256", i), Reason: "missing expected hash"}
		}
	}
	if r.Git != nil {
		if r.Git.URL == "" {
			return &kerr.LintError{Recipe: r.Name, Field: "git.url", Reason: "must not be empty"}
		}
		if r.Git.Ref == "" {
			return &kerr.LintError{Recipe: r.Name, Field: "git.ref", Reason: "git.url is set but git.ref is empty"}
		}
	}
	pureInline := len(r.Sources) == 0 && r.Git == nil && len(r.Procedures.Install) > 0
	if len(r.Sources) == 0 && r.Git == nil && !pureInline {
		return &kerr.LintError{Recipe: r.Name, Field: "sources", Reason: "at least one of sources or git is required unless the recipe is pure-inline"}
	}
	return nil
}

// Deps returns the recipe's runtime dependency names.
func Deps(r *Recipe) []string { return r.Deps }

// BuildDeps returns the recipe's build-time dependency names.
func BuildDeps(r *Recipe) []string { return r.BuildDeps }
