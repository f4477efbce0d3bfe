/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package depgraph builds the per-module dependency graph, detects and
// prunes dependency cycles, and produces the deterministic post-order
// dependency listing depmod writes out.
package depgraph

// Module is a node in the dependency graph: one loaded ELF object
// identified by its path. "Deleted-module parking" is implemented here
// as a Removed flag rather than unlinking the struct from memory: edges
// that still point at a removed module simply aren't walked by
// DetectAndPruneLoops or OrderDepList, so the active graph becomes
// acyclic without anyone needing to keep the object alive for
// dangling-pointer safety the way the C original does.
type Module struct {
	path  string
	order int

	deps    []*Module
	depSet  map[*Module]bool
	removed bool
}

// NewModule returns a Module identified by path. order is the
// modules.order priority (smaller is higher priority); pass 0 if unknown.
func NewModule(path string, order int) *Module {
	return &Module{
		path:   path,
		order:  order,
		depSet: make(map[*Module]bool),
	}
}

// Path returns the module's identifying path (its symtab.Owner interface
// method too).
func (m *Module) Path() string { return m.path }

// Order returns the modules.order priority.
func (m *Module) Order() int { return m.order }

// SetOrder updates the modules.order priority after construction (used
// when core/modtree resolves modules.order after initial discovery).
func (m *Module) SetOrder(order int) { m.order = order }

// Removed reports whether the module has been pruned from the active set
// by a cycle-detection pass.
func (m *Module) Removed() bool { return m.removed }

// AddDep records a directed edge from m to dep (m imports a symbol dep
// exports). Self-edges are rejected; duplicate edges are no-ops. Returns
// true if a new edge was added.
func (m *Module) AddDep(dep *Module) bool {
	if dep == nil || dep == m || m.depSet[dep] {
		return false
	}
	m.depSet[dep] = true
	m.deps = append(m.deps, dep)
	return true
}

// RawDeps returns every dependency edge added via AddDep, including edges
// to modules that have since been marked Removed. Most callers want
// ActiveDeps instead.
func (m *Module) RawDeps() []*Module {
	return m.deps
}

// ActiveDeps returns the dependency edges whose target has not been
// removed by cycle pruning, in insertion order.
func (m *Module) ActiveDeps() []*Module {
	out := make([]*Module, 0, len(m.deps))
	for _, d := range m.deps {
		if !d.removed {
			out = append(out, d)
		}
	}
	return out
}
