// Package ingest feeds repository snapshots into the corpus catalog. The
// history walker itself is an external collaborator behind the Source
// interface; this package supplies the walk-spec parsing, a filesystem
// source, and the driver that pumps blobs into the catalog.
package ingest

import "strings"

// WalkSpec is one parsed `[name@]path[:rev1,rev2,...]` positional argument.
type WalkSpec struct {
	Name string
	Path string
	Revs []string
}

// ParseWalkSpec splits a positional tree argument. A missing name defaults
// to the path; a missing revision list defaults to HEAD.
func ParseWalkSpec(spec string) WalkSpec {
	var out WalkSpec
	if i := strings.Index(spec, "@"); i >= 0 {
		out.Name = spec[:i]
		spec = spec[i+1:]
	}
	if i := strings.Index(spec, ":"); i >= 0 {
		for _, rev := range strings.Split(spec[i+1:], ",") {
			if rev != "" {
				out.Revs = append(out.Revs, rev)
			}
		}
		spec = spec[:i]
	}
	if len(out.Revs) == 0 {
		out.Revs = []string{"HEAD"}
	}
	out.Path = spec
	if out.Name == "" {
		out.Name = spec
	}
	return out
}
