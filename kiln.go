// Package kiln implements a source-based package manager and build
// orchestrator for constructing a Linux-from-scratch style distribution.
package kiln

// Repo identifies a recipe/package source: a file system path (e.g.
// /var/lib/kiln/recipes) or an HTTP URL (e.g. http://repo.example.org/).
type Repo struct {
	// Path is the repo's root, e.g. /home/user/kiln/recipes or
	// https://pkg.example.org/.
	Path string

	// PkgPath is Path joined with the packages subdirectory.
	PkgPath string
}
