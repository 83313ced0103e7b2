package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

func depsFromMap(m map[string][]string) func(string) ([]string, error) {
	return func(name string) ([]string, error) {
		return m[name], nil
	}
}

func TestRunRespectsDependencyOrder(t *testing.T) {
	deps := depsFromMap(map[string][]string{
		"iptables": {"libnftnl"},
		"libnftnl": {"libmnl"},
		"libmnl":   nil,
	})

	var mu sync.Mutex
	var built []string
	build := func(ctx context.Context, name string) error {
		mu.Lock()
		built = append(built, name)
		mu.Unlock()
		return nil
	}

	results, err := Run(context.Background(), []string{"iptables"}, deps, 4, build)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, name := range []string{"libmnl", "libnftnl", "iptables"} {
		if r, ok := results[name]; !ok || r.Err != nil {
			t.Fatalf("expected %s to build successfully, got %+v", name, r)
		}
	}

	idx := map[string]int{}
	for i, n := range built {
		idx[n] = i
	}
	if idx["libmnl"] >= idx["libnftnl"] || idx["libnftnl"] >= idx["iptables"] {
		t.Fatalf("build order violated dependency order: %v", built)
	}
}

func TestRunMarksDependentsFailedWithoutBuilding(t *testing.T) {
	deps := depsFromMap(map[string][]string{
		"gcc":   {"glibc"},
		"make":  {"glibc"},
		"glibc": nil,
	})

	var mu sync.Mutex
	attempted := map[string]bool{}
	build := func(ctx context.Context, name string) error {
		mu.Lock()
		attempted[name] = true
		mu.Unlock()
		if name == "glibc" {
			return fmt.Errorf("build failed")
		}
		return nil
	}

	results, err := Run(context.Background(), []string{"gcc", "make"}, deps, 4, build)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if results["glibc"].Err == nil {
		t.Fatal("expected glibc to fail")
	}
	if results["gcc"].Err == nil || results["make"].Err == nil {
		t.Fatal("expected gcc and make to be marked failed")
	}
	if attempted["gcc"] || attempted["make"] {
		t.Fatal("gcc/make should never have been attempted once glibc failed")
	}
}

func TestRunParallelizesIndependentPackages(t *testing.T) {
	deps := depsFromMap(map[string][]string{
		"a": nil,
		"b": nil,
		"c": nil,
	})
	build := func(ctx context.Context, name string) error { return nil }

	results, err := Run(context.Background(), []string{"a", "b", "c"}, deps, 3, build)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}
}
