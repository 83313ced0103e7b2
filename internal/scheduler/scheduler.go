// Package scheduler runs an independent build function across every
// package in a dependency graph with a bounded worker pool, honoring
// dependency order while maximizing cross-package parallelism. The
// worker-pool/ready-channel/canBuild-markFailed shape is the teacher's
// internal/batch scheduler, generalized from a hardcoded "distri build"
// subprocess invocation to an arbitrary build callback.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kilnpkg/kiln/internal/config"
	"github.com/kilnpkg/kiln/internal/depgraph"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

// BuildFunc performs the actual work for one package name.
type BuildFunc func(ctx context.Context, name string) error

// Result is the final build outcome for one package.
type Result struct {
	Name string
	Err  error
}

// Run builds every package reachable from roots (via deps) with up to
// workers concurrent build calls, never starting a package before all of
// its dependencies have succeeded. If workers <= 0, it defaults to
// config.Defaults().Jobs(), mirroring the teacher's jobs-as-worker-count
// convention. A dependency that fails marks every transitive dependent as
// failed without attempting to build it, exactly the teacher's
// markFailed fan-out.
func Run(ctx context.Context, roots []string, deps func(name string) ([]string, error), workers int, build BuildFunc) (map[string]Result, error) {
	if workers <= 0 {
		workers = config.Defaults().Jobs()
	}

	g, err := depgraph.New(roots, deps)
	if err != nil {
		return nil, err
	}
	order, err := g.Order()
	if err != nil {
		return nil, err
	}

	depsOf := map[string][]string{}
	dependents := map[string][]string{}
	for _, name := range order {
		d, err := deps(name)
		if err != nil {
			return nil, err
		}
		depsOf[name] = d
		for _, dep := range d {
			dependents[dep] = append(dependents[dep], name)
		}
	}
	for _, ds := range dependents {
		sort.Strings(ds)
	}

	s := &scheduler{
		depsOf:     depsOf,
		dependents: dependents,
		build:      build,
		built:      make(map[string]error),
	}
	return s.run(ctx, order, workers)
}

type scheduler struct {
	depsOf     map[string][]string
	dependents map[string][]string
	build      BuildFunc

	mu    sync.Mutex
	built map[string]error
}

type buildResult struct {
	name string
	err  error
}

func (s *scheduler) canBuild(name string) bool {
	for _, dep := range s.depsOf[name] {
		err, ok := s.built[dep]
		if !ok || err != nil {
			return false
		}
	}
	return true
}

// markFailed marks every transitive dependent of name as failed, without
// invoking build on any of them. Returns the number newly marked.
func (s *scheduler) markFailed(name string) int {
	marked := 0
	for _, dependent := range s.dependents[name] {
		if _, already := s.built[dependent]; already {
			continue
		}
		s.built[dependent] = xerrors.Errorf("dependency %s failed", name)
		marked++
		marked += s.markFailed(dependent)
	}
	return marked
}

func (s *scheduler) run(ctx context.Context, order []string, workers int) (map[string]Result, error) {
	total := len(order)
	work := make(chan string, total)
	done := make(chan buildResult, total)

	eg, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		eg.Go(func() error {
			for name := range work {
				if err := ctx.Err(); err != nil {
					return err
				}
				err := s.build(ctx, name)
				select {
				case done <- buildResult{name: name, err: err}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
	}

	s.mu.Lock()
	for _, name := range order {
		if len(s.depsOf[name]) == 0 {
			work <- name
		}
	}
	s.mu.Unlock()

	go func() {
		defer close(work)
		for len(s.built) < total {
			select {
			case result := <-done:
				s.mu.Lock()
				s.built[result.name] = result.err
				if result.err == nil {
					for _, dependent := range s.dependents[result.name] {
						if s.canBuild(dependent) {
							if _, already := s.built[dependent]; !already {
								work <- dependent
							}
						}
					}
				} else {
					s.markFailed(result.name)
				}
				s.mu.Unlock()
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	results := make(map[string]Result, total)
	for name, err := range s.built {
		results[name] = Result{Name: name, Err: err}
	}
	if len(results) != total {
		return results, fmt.Errorf("scheduler: built %d of %d packages", len(results), total)
	}
	return results, nil
}
