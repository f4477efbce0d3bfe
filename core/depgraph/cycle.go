package depgraph

import (
	"context"
	"strings"

	"github.com/basuotian/kmodctl/pkg/log"
)

// frame is one link in the DFS ancestor chain, mirroring the original's
// struct module_traverse.
type frame struct {
	mod  *Module
	prev *frame
}

func inChain(m *Module, f *frame) bool {
	for ; f != nil; f = f.prev {
		if f.mod == m {
			return true
		}
	}
	return false
}

// canonicalRoot walks the ancestor chain from the point a cycle closed
// back to its start, and returns the lexicographically-smallest-path
// module in the loop together with the human-readable "needs ... needs"
// chain, matching report_loop's algorithm: only the module whose path
// sorts first is allowed to report (and later, be removed), so a loop is
// never reported twice from different starting points.
func canonicalRoot(closedAt *Module, chain *frame) (root *Module, ordered []*Module, isCanonical bool) {
	// chain is the frame for the node where the repeat was detected
	// (closedAt itself); chain.prev is the parent, walking back to the
	// DFS root (whose frame has prev == nil).
	smallest := closedAt
	for f := chain.prev; f != nil && f.prev != nil; f = f.prev {
		if f.mod.path < smallest.path {
			smallest = f.mod
		}
	}
	// Find the DFS root (the module has_dep_loop was originally called
	// with from the top-level module list).
	root = chain.mod
	for f := chain; f.prev != nil; f = f.prev {
		root = f.prev.mod
	}
	if closedAt != root {
		// Loop doesn't close back to the top-level module under
		// examination this call; don't report from here (it will be
		// reported, or was already reported, when the DFS is rooted at
		// the actual cycle member).
		return root, nil, false
	}
	if smallest != root {
		return root, nil, false
	}

	ordered = []*Module{root}
	var rev []*Module
	for f := chain; f.prev != nil; f = f.prev {
		rev = append(rev, f.mod)
	}
	for i := len(rev) - 1; i >= 0; i-- {
		ordered = append(ordered, rev[i])
	}
	return root, ordered, true
}

// hasDepLoop performs a recursive DFS over the dependency graph. It
// returns true as soon as a path closes a cycle back to the DFS root
// with the root as the loop's smallest-path member, emitting the loop
// report as a side effect; a path that revisits any other ancestor is
// not followed further and does not count.
func hasDepLoop(ctx context.Context, m *Module, prev *frame) bool {
	f := &frame{mod: m, prev: prev}
	if inChain(m, prev) {
		root, ordered, ok := canonicalRoot(m, f)
		if ok {
			reportLoop(ctx, root, ordered)
		}
		return ok
	}
	for _, d := range m.ActiveDeps() {
		if hasDepLoop(ctx, d, f) {
			return true
		}
	}
	return false
}

func reportLoop(ctx context.Context, root *Module, chain []*Module) {
	var b strings.Builder
	b.WriteString(root.path)
	for i := 1; i < len(chain); i++ {
		b.WriteString(" needs ")
		b.WriteString(chain[i].path)
	}
	b.WriteString(" needs ")
	b.WriteString(root.path)
	b.WriteString(" again")

	log.WithModule(ctx, "depgraph").Warnf("Loop detected: %s", b.String())
}

// DetectAndPruneLoops repeatedly scans modules for a dependency cycle,
// reports exactly one canonical warning per loop, marks the
// lexicographically-smallest-path module in that loop Removed, and
// restarts the scan — until a full pass finds nothing. It returns the
// modules that were removed, in removal order.
func DetectAndPruneLoops(ctx context.Context, modules []*Module) []*Module {
	var removed []*Module
	for {
		found := false
		for _, m := range modules {
			if m.removed {
				continue
			}
			if hasDepLoop(ctx, m, nil) {
				m.removed = true
				removed = append(removed, m)
				log.WithModule(ctx, "depgraph").Warnf("Module %s ignored, due to loop", m.path)
				found = true
				break
			}
		}
		if !found {
			return removed
		}
	}
}

// OrderDepList returns m's transitive dependency closure in the
// deterministic order depmod emits: a DFS where, on each visit to a
// dependency D, D is detached from its current position in a shared tail
// list and re-appended, so the tail list ends in reverse post-order — each
// module appears after everyone that depends on it within its chain.
// Edges to removed modules are not traversed.
func OrderDepList(m *Module) []*Module {
	var tail []*Module
	orderDepList(m, &tail)
	return tail
}

func orderDepList(m *Module, tail *[]*Module) {
	for _, d := range m.ActiveDeps() {
		removeFromTail(tail, d)
		*tail = append(*tail, d)
		orderDepList(d, tail)
	}
}

func removeFromTail(tail *[]*Module, d *Module) {
	for i, x := range *tail {
		if x == d {
			*tail = append((*tail)[:i], (*tail)[i+1:]...)
			return
		}
	}
}
