// Package evr implements the Epoch:Version-Release version identifier used
// to order and compare recipe and package versions.
package evr

import (
	"fmt"
	"strconv"
	"strings"
)

// EVR is a composite version identifier: epoch:version-release.
type EVR struct {
	Epoch   int64
	Version string
	Release string
}

// Parse parses a string of the form "<epoch>:<version>-<release>". The
// epoch defaults to 0 when the colon is absent. The release defaults to the
// empty string when the dash is absent (e.g. a bare upstream version).
func Parse(s string) (EVR, error) {
	var e EVR
	epoch := "0"
	rest := s
	if idx := strings.IndexByte(s, ':'); idx >= 0 {
		epoch = s[:idx]
		rest = s[idx+1:]
	}
	n, err := strconv.ParseInt(epoch, 10, 64)
	if err != nil {
		return EVR{}, fmt.Errorf("evr.Parse(%q): invalid epoch %q: %w", s, epoch, err)
	}
	e.Epoch = n
	if idx := strings.LastIndexByte(rest, '-'); idx >= 0 {
		e.Version = rest[:idx]
		e.Release = rest[idx+1:]
	} else {
		e.Version = rest
	}
	if e.Version == "" {
		return EVR{}, fmt.Errorf("evr.Parse(%q): empty version", s)
	}
	return e, nil
}

// String formats e back into "<epoch>:<version>-<release>" form. It is the
// inverse of Parse: Parse(e.String()) reproduces e.
func (e EVR) String() string {
	if e.Release == "" {
		return fmt.Sprintf("%d:%s", e.Epoch, e.Version)
	}
	return fmt.Sprintf("%d:%s-%s", e.Epoch, e.Version, e.Release)
}

// segment is one component of a dot/dash/underscore-separated version
// string: either purely numeric or purely non-numeric.
func segments(s string) []string {
	var segs []string
	var cur strings.Builder
	var curDigit bool
	flush := func() {
		if cur.Len() > 0 {
			segs = append(segs, cur.String())
			cur.Reset()
		}
	}
	for i, r := range s {
		switch r {
		case '.', '-', '_':
			flush()
			continue
		}
		isDigit := r >= '0' && r <= '9'
		if i > 0 && cur.Len() > 0 && isDigit != curDigit {
			flush()
		}
		curDigit = isDigit
		cur.WriteRune(r)
	}
	flush()
	return segs
}

// compareComponent compares two version/release components by splitting
// each into numeric and non-numeric segments (on '.', '-', '_' plus
// transitions between digit and non-digit runs) and comparing segment by
// segment: numeric segments compare numerically, non-numeric segments
// compare lexically. A missing trailing segment sorts lower than any
// present segment, except a missing numeric segment is treated as 0.
func compareComponent(a, b string) int {
	as := segments(a)
	bs := segments(b)
	for i := 0; i < len(as) || i < len(bs); i++ {
		var sa, sb string
		if i < len(as) {
			sa = as[i]
		}
		if i < len(bs) {
			sb = bs[i]
		}
		if sa == sb {
			continue
		}
		na, aIsNum := isNumeric(sa)
		nb, bIsNum := isNumeric(sb)
		if aIsNum && bIsNum {
			if na != nb {
				if na < nb {
					return -1
				}
				return 1
			}
			continue
		}
		if sa == "" {
			return -1
		}
		if sb == "" {
			return 1
		}
		if sa < sb {
			return -1
		}
		return 1
	}
	return 0
}

func isNumeric(s string) (int64, bool) {
	if s == "" {
		return 0, true // absent segment behaves as numeric 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Compare returns -1, 0, or 1 as a is less than, equal to, or greater than
// b. Equality under Compare coincides with componentwise equality of
// (Epoch, Version, Release): components that compareComponent ranks equal
// but that differ as strings (e.g. "1.0" and "1") are ordered by plain
// string comparison.
func Compare(a, b EVR) int {
	if a.Epoch != b.Epoch {
		if a.Epoch < b.Epoch {
			return -1
		}
		return 1
	}
	if c := compareComponent(a.Version, b.Version); c != 0 {
		return c
	}
	if a.Version != b.Version {
		return strings.Compare(a.Version, b.Version)
	}
	if c := compareComponent(a.Release, b.Release); c != 0 {
		return c
	}
	return strings.Compare(a.Release, b.Release)
}

// Less reports whether a sorts strictly before b.
func Less(a, b EVR) bool { return Compare(a, b) < 0 }

// Equal reports whether a and b are componentwise equal.
func Equal(a, b EVR) bool { return Compare(a, b) == 0 }
