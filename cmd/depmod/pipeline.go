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

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/basuotian/kmodctl/core/depgraph"
	"github.com/basuotian/kmodctl/core/elf"
	"github.com/basuotian/kmodctl/core/modconf"
	"github.com/basuotian/kmodctl/core/modtree"
	"github.com/basuotian/kmodctl/core/strtab"
	"github.com/basuotian/kmodctl/core/symtab"
	"github.com/basuotian/kmodctl/core/trie"
	"github.com/basuotian/kmodctl/internal/atomicfile"
	"github.com/basuotian/kmodctl/internal/canon"
	"github.com/basuotian/kmodctl/pkg/depmodconfig"
	"github.com/basuotian/kmodctl/pkg/log"
)

// Options holds depmod's resolved command-line/config inputs, the
// boundary between cmd/depmod's cli.Context wiring and the pipeline
// itself (kept free of *cli.Context so it can be driven directly by
// tests).
type Options struct {
	BaseDir       string // root prefix ("/" in production, a tempdir in tests)
	KernelVersion string
	ConfigFile    string // explicit -C path; empty means the default depmod.d layering
	SystemMap     string // path to System.map, or "" to skip
	Quick         bool   // depmod -A: skip the rebuild if nothing changed
	Force         bool   // depmod -f: rebuild even when Quick's mtime check finds nothing changed
	Symvers       bool   // depmod -z: also write Module.symvers-shaped output
	UnresolvedErr bool   // depmod -e: print the unresolved-symbol report
}

func (o Options) moduleRoot() string {
	return filepath.Join(o.BaseDir, "lib", "modules", o.KernelVersion)
}

// runDepmod enumerates the module tree, orders it by modules.order, loads
// each ELF, populates the global exporter hash, computes per-module dep
// sets, prunes cycles, and writes all index files atomically.
func runDepmod(ctx context.Context, opts Options) error {
	moduleRoot := opts.moduleRoot()
	depPath := filepath.Join(moduleRoot, "modules.dep")

	runtimeConf, err := depmodconfig.Load(filepath.Join(opts.BaseDir, "etc", "depmod.toml"))
	if err != nil {
		return fmt.Errorf("loading depmod runtime config: %w", err)
	}

	if (opts.Quick || runtimeConf.Quick) && !opts.Force {
		needsRebuild, err := modtree.NeedsRebuild(moduleRoot, depPath)
		if err != nil {
			return fmt.Errorf("checking quick-rebuild mtimes: %w", err)
		}
		if !needsRebuild {
			log.WithPath(ctx, depPath).Info("quick check: nothing to do")
			return nil
		}
	}

	domainConf, err := modconf.ParseTopLevelDepmod(ctx, opts.ConfigFile, "")
	if err != nil {
		return fmt.Errorf("parsing depmod.conf/depmod.d: %w", err)
	}

	overrides := make([]modtree.Override, 0, len(domainConf.Overrides))
	for _, ov := range domainConf.Overrides {
		if ok, _ := filepath.Match(ov.Version, opts.KernelVersion); !ok {
			continue
		}
		overrides = append(overrides, modtree.Override{
			Path: filepath.Join(moduleRoot, ov.Subdir, ov.ModuleName+".ko"),
		})
	}

	modules, err := modtree.WalkBaseDir(ctx, moduleRoot, domainConf.SearchPath, overrides)
	if err != nil {
		return fmt.Errorf("walking %s: %w", moduleRoot, err)
	}
	modules, err = modtree.ApplyModulesOrder(moduleRoot, modules)
	if err != nil {
		return fmt.Errorf("applying modules.order: %w", err)
	}

	names := strtab.New() // interns every basename and dep-symbol name the pipeline touches
	syms := symtab.New()
	views := make(map[*depgraph.Module]*elf.View, len(modules))
	aliasesByModule := make(map[*depgraph.Module][]string, len(modules))
	modinfoByModule := make(map[*depgraph.Module][]string, len(modules))
	exportedByModule := make(map[*depgraph.Module][]string, len(modules))

	if opts.SystemMap != "" {
		f, err := os.Open(opts.SystemMap)
		if err != nil {
			return fmt.Errorf("opening %s: %w", opts.SystemMap, err)
		}
		err = syms.LoadSystemMap(ctx, f)
		f.Close()
		if err != nil {
			return fmt.Errorf("loading %s: %w", opts.SystemMap, err)
		}
	}

	for _, m := range modules {
		names.Add(moduleBasename(m.Path()))
		data, err := os.ReadFile(m.Path())
		if err != nil {
			log.WithPath(ctx, m.Path()).Warnf("skipping unreadable module: %v", err)
			continue
		}
		view, err := elf.Open(data)
		if err != nil {
			log.WithPath(ctx, m.Path()).Warnf("skipping malformed module: %v", err)
			continue
		}
		views[m] = view
		aliasesByModule[m] = view.GetAliases()
		modinfoByModule[m] = view.GetModinfo()

		exported := view.LoadSymbols()
		exportedByModule[m] = exported
		for _, sym := range exported {
			names.Add(sym)
			syms.Add(ctx, sym, m)
		}
	}

	unresolved := depgraph.NewUnresolvedReport()
	for _, m := range modules {
		view, ok := views[m]
		if !ok {
			continue
		}
		depSyms, err := view.LoadDepSyms()
		if err != nil {
			log.WithPath(ctx, m.Path()).Warnf("reading undefined symbols: %v", err)
			continue
		}
		for _, ds := range depSyms {
			names.Add(ds.Name)
			owner, ok := syms.Find(ds.Name)
			if !ok {
				if ds.Kind == elf.Strong {
					unresolved.Add(ctx, m, ds.Name)
				}
				continue
			}
			if syms.IsKernelOwned(ds.Name) {
				continue
			}
			dep, ok := owner.(*depgraph.Module)
			if !ok {
				continue
			}
			m.AddDep(dep)
		}
	}

	depgraph.DetectAndPruneLoops(ctx, modules)
	modules = liveModules(modules)

	if opts.UnresolvedErr && !unresolved.Empty() {
		for _, e := range unresolved.Entries() {
			log.WithModule(ctx, moduleBasename(e.Module.Path())).Warnf("unresolved symbol %s", e.Symbol)
		}
	}

	builtinAliases, err := writeBuiltinIndex(moduleRoot, runtimeConf.BinaryIndexes)
	if err != nil {
		return fmt.Errorf("writing modules.builtin.bin: %w", err)
	}

	if err := writeModulesDep(moduleRoot, modules, runtimeConf.BinaryIndexes); err != nil {
		return fmt.Errorf("writing modules.dep: %w", err)
	}
	if err := writeAliasIndex(moduleRoot, modules, aliasesByModule, builtinAliases, runtimeConf.BinaryIndexes); err != nil {
		return fmt.Errorf("writing modules.alias: %w", err)
	}
	if err := writeSymbolIndex(moduleRoot, exportedByModule, modules, runtimeConf.BinaryIndexes); err != nil {
		return fmt.Errorf("writing modules.symbols: %w", err)
	}
	if opts.Symvers || runtimeConf.Symvers {
		if err := writeModuleSymvers(moduleRoot, modules, views); err != nil {
			return fmt.Errorf("writing Module.symvers: %w", err)
		}
	}
	log.G(ctx).Debugf("interned %d distinct names across %d modules", names.Len(), len(modules))
	_ = modinfoByModule // reserved for modules.devname/modinfo consumers layered on later
	return nil
}

func moduleBasename(path string) string {
	return canon.FileName2ModName(path)
}

// liveModules drops modules DetectAndPruneLoops marked Removed, mirroring
// parse_modules re-deriving the module list from del_module's unlinking
// before any output_* writer sees it: a module pruned for being part of a
// dependency cycle must not get its own modules.dep line, nor appear in
// modules.alias/modules.symbols, even though its *Module still exists for
// ActiveDeps bookkeeping.
func liveModules(modules []*depgraph.Module) []*depgraph.Module {
	out := make([]*depgraph.Module, 0, len(modules))
	for _, m := range modules {
		if !m.Removed() {
			out = append(out, m)
		}
	}
	return out
}

// relPath renders p relative to moduleRoot the way modules.dep's format
// requires: relative unless the original path was itself absolute
// outside the tree, in which case it is left untouched.
func relPath(moduleRoot, p string) string {
	rel, err := filepath.Rel(moduleRoot, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		return p
	}
	return rel
}

func writeModulesDep(moduleRoot string, modules []*depgraph.Module, binary bool) error {
	var b strings.Builder
	for _, m := range modules {
		b.WriteString(relPath(moduleRoot, m.Path()))
		b.WriteString(":")
		for _, d := range depgraph.OrderDepList(m) {
			b.WriteString(" ")
			b.WriteString(relPath(moduleRoot, d.Path()))
		}
		b.WriteString("\n")
	}
	if err := atomicfile.WriteFile(filepath.Join(moduleRoot, "modules.dep"), []byte(b.String()), 0o644); err != nil {
		return err
	}
	if !binary {
		return nil
	}

	// Keyed by module name rather than path: modprobe looks up a module's
	// dependency line by the name it was asked to load, then parses the
	// path back out of the line's own "relpath:" prefix.
	builder := trie.NewBuilder()
	for _, m := range modules {
		var line strings.Builder
		line.WriteString(relPath(moduleRoot, m.Path()))
		line.WriteString(":")
		for _, d := range depgraph.OrderDepList(m) {
			line.WriteString(" ")
			line.WriteString(relPath(moduleRoot, d.Path()))
		}
		builder.Add(moduleBasename(m.Path()), line.String(), uint32(m.Order()))
	}
	return atomicfile.WriteFile(filepath.Join(moduleRoot, "modules.dep.bin"), builder.Build(), 0o644)
}

// aliasPair is a (pattern, modname) alias entry that didn't come from a
// loadable module in the tree: modules.builtin.modinfo's "alias=" records,
// merged in alongside the regular per-.ko aliases so "modprobe <alias>"
// resolves builtin modules the same way it resolves loadable ones.
type aliasPair struct {
	pattern, modname string
}

// writeBuiltinIndex converts an optional modules.builtin (one would-be
// .ko path per line, shipped by the kernel build) into modules.builtin.bin,
// keyed by module name so modprobe's module_builtin check is an exact
// lookup, and extracts modules.builtin.modinfo's "alias=" records for the
// caller to fold into modules.alias[.bin].
func writeBuiltinIndex(moduleRoot string, binary bool) ([]aliasPair, error) {
	if f, err := os.Open(filepath.Join(moduleRoot, "modules.builtin")); err == nil {
		builtins, parseErr := modtree.ParseBuiltin(f)
		f.Close()
		if parseErr != nil {
			return nil, fmt.Errorf("parsing modules.builtin: %w", parseErr)
		}
		if binary {
			builder := trie.NewBuilder()
			for i, b := range builtins {
				builder.Add(canon.FileName2ModName(b.Path), b.Path, uint32(i))
			}
			if err := atomicfile.WriteFile(filepath.Join(moduleRoot, "modules.builtin.bin"), builder.Build(), 0o644); err != nil {
				return nil, err
			}
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(moduleRoot, "modules.builtin.modinfo"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	entries := modtree.ParseBuiltinModinfo(data)
	var extra []aliasPair
	for _, a := range modtree.SortBuiltinAliases(entries) {
		extra = append(extra, aliasPair{pattern: a.Value, modname: a.Module})
	}
	return extra, nil
}

func writeAliasIndex(moduleRoot string, modules []*depgraph.Module, aliases map[*depgraph.Module][]string, extra []aliasPair, binary bool) error {
	type entry struct {
		pattern, modname string
		priority         uint32
	}
	var entries []entry
	for _, m := range modules {
		modname := moduleBasename(m.Path())
		for _, pattern := range aliases[m] {
			if pattern == "" {
				continue
			}
			entries = append(entries, entry{pattern: pattern, modname: modname, priority: uint32(m.Order())})
		}
	}
	for _, a := range extra {
		entries = append(entries, entry{pattern: a.pattern, modname: a.modname, priority: uint32(len(modules))})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].pattern != entries[j].pattern {
			return entries[i].pattern < entries[j].pattern
		}
		return entries[i].modname < entries[j].modname
	})

	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "alias %s %s\n", e.pattern, e.modname)
	}
	if err := atomicfile.WriteFile(filepath.Join(moduleRoot, "modules.alias"), []byte(b.String()), 0o644); err != nil {
		return err
	}
	if !binary {
		return nil
	}
	builder := trie.NewBuilder()
	for _, e := range entries {
		builder.Add(e.pattern, e.modname, e.priority)
	}
	return atomicfile.WriteFile(filepath.Join(moduleRoot, "modules.alias.bin"), builder.Build(), 0o644)
}

func writeSymbolIndex(moduleRoot string, exportedByModule map[*depgraph.Module][]string, modules []*depgraph.Module, binary bool) error {
	type entry struct {
		symbol, modname string
		priority         uint32
	}
	var entries []entry
	// Only emit a symbol for the module that actually won it in the
	// exporter map: when two modules export the same name, symtab.Add
	// keeps the first-seen owner and the loser must not also claim it
	// here.
	claimed := make(map[string]bool, len(exportedByModule))
	for _, m := range modules {
		modname := moduleBasename(m.Path())
		for _, sym := range exportedByModule[m] {
			if claimed[sym] {
				continue
			}
			claimed[sym] = true
			entries = append(entries, entry{symbol: sym, modname: modname, priority: uint32(m.Order())})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].symbol != entries[j].symbol {
			return entries[i].symbol < entries[j].symbol
		}
		return entries[i].modname < entries[j].modname
	})

	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "alias symbol:%s %s\n", e.symbol, e.modname)
	}
	if err := atomicfile.WriteFile(filepath.Join(moduleRoot, "modules.symbols"), []byte(b.String()), 0o644); err != nil {
		return err
	}
	if !binary {
		return nil
	}
	builder := trie.NewBuilder()
	for _, e := range entries {
		builder.Add("symbol:"+e.symbol, e.modname, e.priority)
	}
	return atomicfile.WriteFile(filepath.Join(moduleRoot, "modules.symbols.bin"), builder.Build(), 0o644)
}

// writeModuleSymvers supplements depmod -z: a flat CRC/symbol/module/
// export-type listing in the shape Module.symvers uses, derived from
// dump_modvers rather than re-parsing __ksymtab.
func writeModuleSymvers(moduleRoot string, modules []*depgraph.Module, views map[*depgraph.Module]*elf.View) error {
	var b strings.Builder
	for _, m := range modules {
		view, ok := views[m]
		if !ok {
			continue
		}
		vers, err := view.DumpModVers()
		if err != nil {
			continue
		}
		modname := moduleBasename(m.Path())
		for _, v := range vers {
			fmt.Fprintf(&b, "0x%08x\t%s\t%s\tEXPORT_SYMBOL\n", v.CRC, v.Name, modname)
		}
	}
	return atomicfile.WriteFile(filepath.Join(moduleRoot, "Module.symvers"), []byte(b.String()), 0o644)
}
