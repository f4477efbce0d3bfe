package depgraph

import (
	"context"
	"sort"

	"github.com/basuotian/kmodctl/pkg/log"
)

// UnresolvedSymbol is one strong undefined symbol a module imports that no
// module and no System.map entry exports.
type UnresolvedSymbol struct {
	Module *Module
	Symbol string
}

// UnresolvedReport collects the strong undefined symbols, per module, that
// the caller found no owner for in the exporter map (via Add, called while
// building the graph), and returns them sorted by module path then symbol
// name. It does no lookups of its own. This is depmod -e's report: the
// original never fails the build over it, it only warns.
type UnresolvedReport struct {
	entries []UnresolvedSymbol
}

// NewUnresolvedReport returns an empty report.
func NewUnresolvedReport() *UnresolvedReport {
	return &UnresolvedReport{}
}

// Add records that mod has an unresolved strong symbol. Callers are
// expected to only call this once the exporter map lookup for name has
// already failed.
func (r *UnresolvedReport) Add(ctx context.Context, mod *Module, name string) {
	r.entries = append(r.entries, UnresolvedSymbol{Module: mod, Symbol: name})
	log.WithModule(ctx, mod.Path()).WithField("symbol", name).
		Warn("unresolved symbol")
}

// Entries returns every recorded unresolved symbol, sorted by module path
// then symbol name so the report is deterministic across runs.
func (r *UnresolvedReport) Entries() []UnresolvedSymbol {
	out := make([]UnresolvedSymbol, len(r.entries))
	copy(out, r.entries)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Module.Path() != out[j].Module.Path() {
			return out[i].Module.Path() < out[j].Module.Path()
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// Empty reports whether no unresolved symbols were recorded.
func (r *UnresolvedReport) Empty() bool {
	return len(r.entries) == 0
}
