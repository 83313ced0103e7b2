package recipe

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConvertLegacy parses the original key=value + positional-array recipe
// format (one "key=value" per line; array-valued keys are space-separated
// and positionally paired, e.g. sources= / source_hashes=) and returns the
// equivalent Recipe. This is the one-shot converter DESIGN NOTES §9 calls
// for, letting an existing tree of legacy recipes move onto the schema-
// checked YAML format without hand-editing every file.
func ConvertLegacy(path string) (*Recipe, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	kv := map[string]string{}
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			return nil, fmt.Errorf("%s:%d: missing '=' in %q", path, lineNo, line)
		}
		kv[strings.TrimSpace(line[:idx])] = strings.TrimSpace(line[idx+1:])
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	r := &Recipe{
		Name:     kv["name"],
		Version:  kv["version"],
		Release:  kv["release"],
		Summary:  kv["summary"],
		Homepage: kv["homepage"],
		License:  kv["license"],
	}
	if e := kv["epoch"]; e != "" {
		n, err := strconv.ParseInt(e, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid epoch %q: %w", path, e, err)
		}
		r.Epoch = n
	}
	if d := kv["deps"]; d != "" {
		r.Deps = strings.Fields(d)
	}
	if d := kv["build_deps"]; d != "" {
		r.BuildDeps = strings.Fields(d)
	}
	if s := kv["sources"]; s != "" {
		urls := strings.Fields(s)
		hashes := strings.Fields(kv["source_hashes"])
		if len(urls) != len(hashes) {
			return nil, fmt.Errorf("%s: sources has %d entries but source_hashes has %d", path, len(urls), len(hashes))
		}
		for i, u := range urls {
			r.Sources = append(r.Sources, SourceRef{URL: u, SHA256: hashes[i]})
		}
	}
	if p := kv["patches"]; p != "" {
		urls := strings.Fields(p)
		hashes := strings.Fields(kv["patch_hashes"])
		if len(urls) != len(hashes) {
			return nil, fmt.Errorf("%s: patches has %d entries but patch_hashes has %d", path, len(urls), len(hashes))
		}
		for i, u := range urls {
			r.Patches = append(r.Patches, SourceRef{URL: u, SHA256: hashes[i]})
		}
	}
	if u := kv["git_url"]; u != "" {
		r.Git = &GitRef{URL: u, Ref: kv["git_ref"]}
	}
	r.Capabilities = Capabilities{
		PreferChroot:      kv["prefer_chroot"] == "true",
		Strip:             kv["strip"] != "false",
		ReproducibleEpoch: kv["reproducible_epoch"] == "true",
		LockDeps:          kv["lock_deps"] == "true",
	}
	return r, nil
}

// ConvertLegacyFile reads a legacy-format recipe at src and writes its YAML
// equivalent to dst.
func ConvertLegacyFile(src, dst string) error {
	r, err := ConvertLegacy(src)
	if err != nil {
		return err
	}
	if err := Lint(r); err != nil {
		return err
	}
	b, err := yaml.Marshal(r)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, b, 0644)
}
