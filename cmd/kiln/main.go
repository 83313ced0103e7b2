// Command kiln is a thin dispatcher over the build-package-install
// pipeline: it wires config/locks, recipes, fetch, extract, build,
// package, install, fingerprint, rollback and history together behind a
// handful of subcommands. It is deliberately not an elaborate interactive
// UI — just subcommand parsing and orchestration, matching the teacher's
// own "plain dispatcher, not a UX" cmd/distri entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/mattn/go-isatty"

	"github.com/kilnpkg/kiln"
	"github.com/kilnpkg/kiln/internal/buildengine"
	"github.com/kilnpkg/kiln/internal/config"
	"github.com/kilnpkg/kiln/internal/evr"
	"github.com/kilnpkg/kiln/internal/extract"
	"github.com/kilnpkg/kiln/internal/fetch"
	"github.com/kilnpkg/kiln/internal/fingerprint"
	"github.com/kilnpkg/kiln/internal/history"
	"github.com/kilnpkg/kiln/internal/installer"
	"github.com/kilnpkg/kiln/internal/kerr"
	"github.com/kilnpkg/kiln/internal/logging"
	"github.com/kilnpkg/kiln/internal/packager"
	"github.com/kilnpkg/kiln/internal/recipe"
	"github.com/kilnpkg/kiln/internal/rollback"
)

const hooksBaseDir = "/etc/kiln/hooks"

type cli struct {
	Verbosity int    `short:"v" help:"Verbosity level (0-3)."`
	Color     string `default:"auto" enum:"auto,always,never" help:"Color mode."`

	Build     buildCmd     `cmd:"" help:"Build one or more recipes."`
	Install   installCmd   `cmd:"" help:"Install a built package archive into a target root."`
	Uninstall uninstallCmd `cmd:"" help:"Uninstall a package by name."`
	Fetch     fetchCmd     `cmd:"" help:"Fetch a recipe's declared sources into the cache."`
	Rollback  rollbackCmd  `cmd:"" help:"Roll a package back to a prior installed EVR."`
	Plan      planCmd      `cmd:"" help:"Print a rebuild plan (world, changed, or smart)."`
	GC        gcCmd        `cmd:"" help:"Garbage-collect quarantined cache entries."`
}

func main() {
	var c cli
	kctx := kong.Parse(&c, kong.Name("kiln"), kong.Description("source-based package manager and build orchestrator"))

	colorMode := c.Color
	if colorMode == "auto" {
		if isatty.IsTerminal(os.Stdout.Fd()) {
			colorMode = "always"
		} else {
			colorMode = "never"
		}
	}
	log := logging.New(c.Verbosity)
	log.Infof("color mode resolved to %s", colorMode)

	loaded, err := config.Load("/etc/kiln")
	cfg := loaded.Config
	if err != nil {
		log.Errorf("kiln", "main", "loading config: %v", err)
		cfg = config.Defaults()
	}

	ctx, cancel := kiln.InterruptibleContext()
	defer cancel()

	env := &runEnv{cfg: cfg, log: log, ctx: ctx}
	runErr := kctx.Run(env)
	if err := kiln.RunAtExit(); err != nil && runErr == nil {
		runErr = err
	}
	if runErr != nil {
		log.Errorf("kiln", "main", "%v", runErr)
		os.Exit(kerr.ExitCode(runErr))
	}
}

type runEnv struct {
	cfg config.Config
	log *logging.Logger
	ctx context.Context
}

// registerTransactionHooks schedules every executable script under
// hooksBaseDir/post-transaction.d to run once the current install,
// uninstall, or rollback has finished applying to targetRoot — the
// integration point for things like initramfs regeneration or bootloader
// refresh that must happen after content lands, not per file.
func registerTransactionHooks(targetRoot string) {
	kiln.RegisterAtExit(func() error {
		matches, err := filepath.Glob(filepath.Join(hooksBaseDir, "post-transaction.d", "*"))
		if err != nil {
			return err
		}
		sort.Strings(matches)
		for _, hook := range matches {
			fi, err := os.Stat(hook)
			if err != nil || fi.IsDir() || fi.Mode()&0111 == 0 {
				continue
			}
			cmd := exec.Command(hook, targetRoot)
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
			if err := cmd.Run(); err != nil {
				return fmt.Errorf("post-transaction hook %s: %w", hook, err)
			}
		}
		return nil
	})
}

func (e *runEnv) db() history.DB {
	return history.DB{InstalledDir: e.cfg.InstalledDir(), HistoryDir: e.cfg.HistoryDir()}
}

// buildCmd resolves a recipe, fetches its sources, extracts, patches, and
// runs the build engine's stages, then packages the result.
type buildCmd struct {
	Name string `arg:"" help:"Recipe name to build."`
	Jobs int    `help:"Override max build jobs for this invocation."`
}

func (b *buildCmd) Run(env *runEnv) error {
	ctx := env.ctx
	cfg := env.cfg

	path, err := recipe.Resolve(b.Name, cfg.UserRecipesDir(), cfg.SystemRecipesDir())
	if err != nil {
		return err
	}
	r, err := recipe.Load(path)
	if err != nil {
		return err
	}
	if err := recipe.Lint(r); err != nil {
		return err
	}

	lock, err := config.Acquire(cfg.LocksDir(), "build-"+r.Name, 30*time.Second)
	if err != nil {
		return err
	}
	defer lock.Release()

	srcRoot, epoch, err := acquireSources(ctx, r, cfg)
	if err != nil {
		return err
	}

	jobs := b.Jobs
	if jobs <= 0 {
		jobs = cfg.Jobs()
	}
	destDir, err := os.MkdirTemp("", "kiln-dest-"+r.Name)
	if err != nil {
		return err
	}

	pkgEVR := fmt.Sprintf("%d:%s-%s", r.Epoch, r.Version, r.Release)
	bc := &buildengine.Context{
		Name: r.Name, EVR: pkgEVR,
		SrcRoot: srcRoot, DestDir: destDir, Jobs: jobs, Epoch: epoch,
		HooksDir: hooksBaseDir,
	}
	if err := buildengine.Run(ctx, bc, r); err != nil {
		return err
	}

	if err := packager.StripBinaries(destDir, []string{"usr/bin", "usr/lib", "bin", "lib"}, func(p string) {
		env.log.Infof("package %s: skipping setuid binary %s", r.Name, p)
	}); err != nil {
		return err
	}
	entries, err := packager.BuildManifest(destDir)
	if err != nil {
		return err
	}

	manifestPath := filepath.Join(cfg.ManifestsDir(), fmt.Sprintf("%s-%s.manifest", r.Name, pkgEVR))
	if err := os.MkdirAll(filepath.Dir(manifestPath), 0755); err != nil {
		return err
	}
	if err := packager.WriteManifest(entries, manifestPath); err != nil {
		return err
	}

	archivePath := filepath.Join(cfg.PackagesDir(), fmt.Sprintf("%s-%s-%s.tar.zst", r.Name, r.Version, r.Release))
	if err := os.MkdirAll(filepath.Dir(archivePath), 0755); err != nil {
		return err
	}
	if err := packager.Archive(destDir, entries, archivePath, packager.CompressionZstd, epoch); err != nil {
		return err
	}

	env.log.Infof("built %s -> %s", r.Name, archivePath)
	return nil
}

// acquireSources fetches and, for tarball sources, extracts+patches a
// recipe's inputs, returning the resulting source root (empty for
// install-only recipes) and the SOURCE_DATE_EPOCH to build with: the git
// commit time for git sources, or the current time otherwise.
func acquireSources(ctx context.Context, r *recipe.Recipe, cfg config.Config) (string, int64, error) {
	if r.Git != nil {
		dest, epoch, err := fetch.FetchGit(ctx, r.Git.URL, r.Git.Ref, r.Name, cfg.GitCacheDir())
		if err != nil {
			return "", 0, err
		}
		var patchPaths []string
		for i, p := range r.Patches {
			path, err := fetch.FetchOne(ctx, p.URL, p.SHA256, cfg.SourceCacheDir(), fetch.Options{Mirrors: cfg.Mirrors})
			if err != nil {
				return "", 0, &kerr.PatchFailed{Index: i, Reason: err.Error()}
			}
			patchPaths = append(patchPaths, path)
		}
		if err := extract.ApplyPatches(dest, patchPaths); err != nil {
			return "", 0, err
		}
		return dest, epoch, nil
	}

	now := time.Now().Unix()
	var wants []fetch.Want
	for _, s := range r.Sources {
		wants = append(wants, fetch.Want{URL: s.URL, ExpectedSHA256: s.SHA256})
	}
	paths, err := fetch.FetchBatch(ctx, wants, cfg.SourceCacheDir(), fetch.Options{Mirrors: cfg.Mirrors, ParallelCap: cfg.MaxParallelFetches})
	if err != nil {
		return "", 0, err
	}
	if len(paths) == 0 {
		return "", now, nil // pure-inline recipe: no sources to extract
	}
	srcRoot, err := extract.Extract(paths[0], filepath.Join(os.TempDir(), "kiln-src-"+r.Name))
	if err != nil {
		return "", 0, err
	}

	var patchPaths []string
	for i, p := range r.Patches {
		path, err := fetch.FetchOne(ctx, p.URL, p.SHA256, cfg.SourceCacheDir(), fetch.Options{Mirrors: cfg.Mirrors})
		if err != nil {
			return "", 0, &kerr.PatchFailed{Index: i, Reason: err.Error()}
		}
		patchPaths = append(patchPaths, path)
	}
	if err := extract.ApplyPatches(srcRoot, patchPaths); err != nil {
		return "", 0, err
	}
	return srcRoot, now, nil
}

// installCmd applies a built archive to a target root.
type installCmd struct {
	Archive    string `arg:"" help:"Path to a built package archive."`
	Manifest   string `arg:"" help:"Path to the archive's manifest."`
	TargetRoot string `default:"/" help:"Target root to install into."`
	Force      bool   `help:"Allow downgrading an already-installed newer EVR."`
}

func (i *installCmd) Run(env *runEnv) error {
	name, _, _, _, err := installer.DecodeFilename(i.Archive)
	if err != nil {
		return err
	}
	lock, err := config.Acquire(env.cfg.LocksDir(), "install-"+name, 30*time.Second)
	if err != nil {
		return err
	}
	defer lock.Release()

	tmpDir, err := os.MkdirTemp("", "kiln-install")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	rec, err := installer.UpgradePkg(env.ctx, i.Archive, i.TargetRoot, i.Manifest, i.Force, env.db(), tmpDir,
		env.cfg.RollbackDir(), env.cfg.DeltaDir(), time.Now().Unix())
	if err != nil {
		return err
	}
	registerTransactionHooks(i.TargetRoot)
	env.log.Infof("installed %s %s into %s", rec.Name, rec.EVR, i.TargetRoot)
	return nil
}

// uninstallCmd removes an installed package by name.
type uninstallCmd struct {
	Name       string `arg:"" help:"Installed package name."`
	TargetRoot string `default:"/" help:"Target root to uninstall from."`
	Force      bool   `help:"Ignore reverse-dependency checks."`
}

func (u *uninstallCmd) Run(env *runEnv) error {
	lock, err := config.Acquire(env.cfg.LocksDir(), "uninstall-"+u.Name, 30*time.Second)
	if err != nil {
		return err
	}
	defer lock.Release()

	reverseDeps, err := reverseDepsOf(env.db(), u.Name)
	if err != nil {
		return err
	}
	if err := installer.Uninstall(u.Name, u.TargetRoot, u.Force, reverseDeps, env.db()); err != nil {
		return err
	}
	registerTransactionHooks(u.TargetRoot)
	env.log.Infof("uninstalled %s from %s", u.Name, u.TargetRoot)
	return nil
}

func reverseDepsOf(db history.DB, name string) ([]string, error) {
	records, err := db.All()
	if err != nil {
		return nil, err
	}
	var by []string
	for _, r := range records {
		for _, d := range r.Deps {
			if d == name {
				by = append(by, r.Name)
				break
			}
		}
	}
	return by, nil
}

// fetchCmd fetches a recipe's declared sources into the cache without
// building.
type fetchCmd struct {
	Name string `arg:"" help:"Recipe name whose sources should be fetched."`
}

func (f *fetchCmd) Run(env *runEnv) error {
	cfg := env.cfg
	path, err := recipe.Resolve(f.Name, cfg.UserRecipesDir(), cfg.SystemRecipesDir())
	if err != nil {
		return err
	}
	r, err := recipe.Load(path)
	if err != nil {
		return err
	}
	if _, _, err := acquireSources(env.ctx, r, cfg); err != nil {
		return err
	}
	env.log.Infof("fetched sources for %s", f.Name)
	return nil
}

// rollbackCmd restores a package to a prior EVR: if that EVR's package
// archive is still on disk, it reinstalls normally; otherwise it falls
// back to the captured rollback bundle.
type rollbackCmd struct {
	Name       string `arg:"" help:"Package name to roll back."`
	EVR        string `arg:"" help:"Target EVR to restore."`
	TargetRoot string `default:"/" help:"Target root to restore into."`
}

func (r *rollbackCmd) Run(env *runEnv) error {
	cfg := env.cfg
	lock, err := config.Acquire(cfg.LocksDir(), "install-"+r.Name, 30*time.Second)
	if err != nil {
		return err
	}
	defer lock.Release()

	reverseDeps, err := reverseDepsOf(env.db(), r.Name)
	if err != nil {
		return err
	}
	fromEVR := "-"
	if prior, err := env.db().Load(r.Name); err == nil {
		fromEVR = prior.EVR
		if err := installer.Uninstall(r.Name, r.TargetRoot, true, reverseDeps, env.db()); err != nil {
			return err
		}
	}

	targetEVR, err := evr.Parse(r.EVR)
	if err != nil {
		return err
	}
	// Archive filenames carry no epoch (spec §6's grammar is
	// <name>-<version>-<release>.tar.<zst|xz>), matching what buildCmd
	// produced.
	archivePath := filepath.Join(cfg.PackagesDir(), fmt.Sprintf("%s-%s-%s.tar.zst", r.Name, targetEVR.Version, targetEVR.Release))
	manifestPath := filepath.Join(cfg.ManifestsDir(), fmt.Sprintf("%s-%s.manifest", r.Name, r.EVR))
	if _, err := os.Stat(archivePath); err == nil {
		tmpDir, err := os.MkdirTemp("", "kiln-rollback")
		if err != nil {
			return err
		}
		defer os.RemoveAll(tmpDir)
		if _, err := installer.InstallPkg(env.ctx, archivePath, r.TargetRoot, manifestPath, env.db(), tmpDir); err != nil {
			return err
		}
	} else {
		bundle := &rollback.Bundle{
			Name: r.Name, EVR: r.EVR,
			ArchivePath:  filepath.Join(cfg.RollbackDir(), r.Name, r.EVR, "bundle.tar.zst"),
			ManifestPath: filepath.Join(cfg.RollbackDir(), r.Name, r.EVR, "manifest.old"),
		}
		if _, err := rollback.Restore(bundle, r.TargetRoot); err != nil {
			return err
		}
		rec := &history.InstalledRecord{Name: r.Name, EVR: r.EVR, TargetRoot: r.TargetRoot, Manifest: bundle.ManifestPath, InstallAt: time.Now()}
		if err := env.db().Save(rec); err != nil {
			return err
		}
	}
	registerTransactionHooks(r.TargetRoot)
	env.log.Infof("rolled back %s to %s", r.Name, r.EVR)
	return env.db().AppendEvent(r.Name, history.Event{Time: time.Now(), Kind: "ROLLBACK", FromEVR: fromEVR, ToEVR: r.EVR, Note: "-"})
}

// planCmd prints one of the three rebuild planning tiers.
type planCmd struct {
	Tier string `arg:"" enum:"world,changed,smart" help:"Which plan to compute."`
	Pkg  string `arg:"" optional:"" help:"Package name, required for 'changed'."`
}

func (p *planCmd) Run(env *runEnv) error {
	db := env.db()
	var order []string
	var err error
	switch p.Tier {
	case "world":
		order, err = fingerprint.PlanWorld(db)
	case "changed":
		if p.Pkg == "" {
			return fmt.Errorf("plan changed requires a package name")
		}
		order, err = fingerprint.PlanChanged(db, p.Pkg)
	case "smart":
		order, err = fingerprint.PlanSmart(db, fingerprint.DriftChecker{
			CurrentToolchain:   fingerprint.Toolchain(context.Background()),
			CurrentEnvironment: fingerprint.Environment(nil),
		})
	}
	if err != nil {
		return err
	}
	for _, name := range order {
		fmt.Println(name)
	}
	return nil
}

// gcCmd removes quarantined source-cache entries, freeing space without
// touching anything still installable.
type gcCmd struct {
	Dir string `default:"" help:"Cache directory to sweep; defaults to the configured source cache."`
}

func (g *gcCmd) Run(env *runEnv) error {
	dir := g.Dir
	if dir == "" {
		dir = env.cfg.SourceCacheDir()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	removed := 0
	for _, e := range entries {
		if strings.Contains(e.Name(), ".bad.") {
			if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
				removed++
			}
		}
	}
	env.log.Infof("removed %d quarantined cache entries from %s", removed, dir)
	return nil
}
