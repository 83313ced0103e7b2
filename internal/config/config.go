// Package config implements named exclusive locks and the global
// configuration surface (paths and tunables) shared by every other
// component. Locking and configuration loading are kept small and
// explicit on purpose: this package is the one place the rest of the
// build-package-install pipeline reaches for "where do things live" and
// "who may touch the target root right now".
package config

import (
	"bufio"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
)

// Config holds the recognized keys from the filesystem layout and
// configuration surface. The zero value is not the default configuration;
// start from Defaults().
type Config struct {
	Root string // e.g. /var/lib/kiln, overridable via KILN_ROOT

	Verbosity          int    // 0..3
	ColorMode          string // auto, always, never
	MaxBuildJobs       int    // 0 means runtime.NumCPU()
	MaxParallelFetches int
	Mirrors            []string
	LogTimezone        string
	RetryCount         int
	RetryBackoffBase   string // duration string, e.g. "500ms"
}

// Defaults returns the configuration used when no config file is present.
func Defaults() Config {
	root := os.Getenv("KILN_ROOT")
	if root == "" {
		root = "/var/lib/kiln"
	}
	return Config{
		Root:               root,
		Verbosity:          1,
		ColorMode:          "auto",
		MaxBuildJobs:       0,
		MaxParallelFetches: 4,
		Mirrors:            nil,
		LogTimezone:        "UTC",
		RetryCount:         3,
		RetryBackoffBase:   "500ms",
	}
}

// Jobs returns MaxBuildJobs, resolving the 0 ("detect") sentinel to the
// number of logical CPUs.
func (c Config) Jobs() int {
	if c.MaxBuildJobs > 0 {
		return c.MaxBuildJobs
	}
	return runtime.NumCPU()
}

// Paths derived from Root, matching the default filesystem layout.
func (c Config) SourceCacheDir() string    { return filepath.Join(c.Root, "cache", "sources") }
func (c Config) GitCacheDir() string       { return filepath.Join(c.Root, "cache", "tarballs") }
func (c Config) LocksDir() string          { return filepath.Join(c.Root, "locks") }
func (c Config) InstalledDir() string      { return filepath.Join(c.Root, "db", "installed") }
func (c Config) ManifestsDir() string      { return filepath.Join(c.Root, "manifests") }
func (c Config) PackagesDir() string       { return filepath.Join(c.Root, "packages") }
func (c Config) UserRecipesDir() string    { return filepath.Join(c.Root, "recipes") }
func (c Config) SystemRecipesDir() string  { return "/usr/local/share/kiln/recipes" }
func (c Config) HistoryDir() string        { return filepath.Join(c.Root, "history") }
func (c Config) RollbackDir() string       { return filepath.Join(c.Root, "rollback") }
func (c Config) DeltaDir() string          { return filepath.Join(c.Root, "delta") }
func (c Config) HooksDir(stage string) string {
	return filepath.Join("/etc/kiln/hooks", stage+".d")
}

// Load reads /etc/kiln/config followed by every file in
// /etc/kiln/config.d/*.conf in lexical order, each later key overriding an
// earlier one. Missing files are not an error; the key space not present in
// any file keeps its Defaults() value. Unknown keys are preserved on the
// returned LoadResult's Extra map so callers can warn about them, but do not
// cause Load to fail — recipes and deployments evolve independently.
type LoadResult struct {
	Config Config
	Extra  map[string]string
}

func Load(etcDir string) (LoadResult, error) {
	cfg := Defaults()
	extra := map[string]string{}

	files := []string{filepath.Join(etcDir, "config")}
	if matches, err := filepath.Glob(filepath.Join(etcDir, "config.d", "*.conf")); err == nil {
		sort.Strings(matches)
		files = append(files, matches...)
	}

	for _, fn := range files {
		f, err := os.Open(fn)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return LoadResult{}, err
		}
		if err := applyFile(&cfg, extra, f); err != nil {
			f.Close()
			return LoadResult{}, err
		}
		f.Close()
	}

	return LoadResult{Config: cfg, Extra: extra}, nil
}

func applyFile(cfg *Config, extra map[string]string, f *os.File) error {
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		switch key {
		case "verbosity":
			n, err := strconv.Atoi(val)
			if err == nil {
				cfg.Verbosity = n
			}
		case "color_mode":
			cfg.ColorMode = val
		case "max_build_jobs":
			n, err := strconv.Atoi(val)
			if err == nil {
				cfg.MaxBuildJobs = n
			}
		case "max_parallel_fetches":
			n, err := strconv.Atoi(val)
			if err == nil {
				cfg.MaxParallelFetches = n
			}
		case "mirrors":
			cfg.Mirrors = strings.Fields(val)
		case "log_timezone":
			cfg.LogTimezone = val
		case "retry_count":
			n, err := strconv.Atoi(val)
			if err == nil {
				cfg.RetryCount = n
			}
		case "retry_backoff_base":
			cfg.RetryBackoffBase = val
		default:
			extra[key] = val
		}
	}
	return sc.Err()
}
