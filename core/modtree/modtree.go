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

// Package modtree walks a kernel module tree, resolving which
// module wins when the same basename appears more than once (search-path
// priority and depmod.conf "override" directives), and applies
// modules.order afterward to give depmod its deterministic processing
// order.
package modtree

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/basuotian/kmodctl/core/depgraph"
	"github.com/basuotian/kmodctl/pkg/log"
)

// BuiltinKey is the synthetic search-path entry denoting "modules built
// into the kernel image" in a depmod.conf "search built-in" directive.
const BuiltinKey = "built-in"

// Override is a depmod.conf "override <modname> <kernelversion> <subdir>"
// directive, already filtered down to the ones whose kernelversion
// matched (the caller applies that filter; Path is simply the
// fully-qualified module file it pins).
type Override struct {
	Path string
}

// isHigherPriority decides whether newPath should replace oldPath when
// both produce a module with the same basename, checking explicit
// overrides first and otherwise the order directories were listed on
// "search" lines (builtin's position applies to any path not covered by
// a more specific search entry).
func isHigherPriority(newPath, oldPath string, search []string, overrides []Override) bool {
	for _, ov := range overrides {
		if ov.Path == newPath {
			return true
		}
		if ov.Path == oldPath {
			return false
		}
	}

	prioBuiltin, prioNew, prioOld := -1, -1, -1
	for i, s := range search {
		switch {
		case s == BuiltinKey:
			prioBuiltin = i
		case strings.HasPrefix(newPath, s):
			prioNew = i
		case strings.HasPrefix(oldPath, s):
			prioOld = i
		}
	}
	if prioNew < 0 {
		prioNew = prioBuiltin
	}
	if prioOld < 0 {
		prioOld = prioBuiltin
	}
	return prioNew > prioOld
}

func smellsLikeModule(name string) bool {
	return strings.HasSuffix(name, ".ko") || strings.HasSuffix(name, ".ko.gz") ||
		strings.HasSuffix(name, ".ko.xz") || strings.HasSuffix(name, ".ko.zst")
}

// skipDirNames are entries grab_dir never recurses into: "." and ".."
// from readdir, plus the "source" and "build" symlinks kernel module
// trees carry back to the build directory.
var skipDirNames = map[string]bool{
	".": true, "..": true, "source": true, "build": true,
}

// WalkBaseDir recursively enumerates basedir for files that "smell like"
// a kernel module, returning one depgraph.Module per distinct basename
// (the highest-priority path wins collisions, per isHigherPriority). The
// returned order is the order modules were first discovered in; call
// ApplyModulesOrder afterward to reorder against modules.order.
func WalkBaseDir(ctx context.Context, basedir string, search []string, overrides []Override) ([]*depgraph.Module, error) {
	byBasename := make(map[string]*depgraph.Module)
	var order []string

	var walk func(dir string) error
	walk = func(dir string) error {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, e := range entries {
			name := e.Name()
			if smellsLikeModule(name) {
				path := filepath.Join(dir, name)
				if existing, ok := byBasename[name]; ok {
					if isHigherPriority(path, existing.Path(), search, overrides) {
						byBasename[name] = depgraph.NewModule(path, 0)
					}
					continue
				}
				byBasename[name] = depgraph.NewModule(path, 0)
				order = append(order, name)
				continue
			}
			if skipDirNames[name] {
				continue
			}
			if e.IsDir() {
				if err := walk(filepath.Join(dir, name)); err != nil {
					log.WithPath(ctx, filepath.Join(dir, name)).Warnf("skipping unreadable subdirectory: %v", err)
				}
			}
		}
		return nil
	}

	if err := walk(basedir); err != nil {
		return nil, err
	}

	out := make([]*depgraph.Module, 0, len(order))
	for _, name := range order {
		out = append(out, byBasename[name])
	}
	return out, nil
}

// ApplyModulesOrder reads dirname/modules.order (one module path per
// line, relative to dirname) and reorders modules to match it, assigning
// each matched module an Order equal to its 1-based line number; modules
// not mentioned (or present when the kernel predates modules.order) are
// appended afterward, keeping their relative discovery order. A missing
// modules.order file is not an error: older kernels never generated one.
func ApplyModulesOrder(dirname string, modules []*depgraph.Module) ([]*depgraph.Module, error) {
	f, err := os.Open(filepath.Join(dirname, "modules.order"))
	if os.IsNotExist(err) {
		return modules, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	byRelPath := make(map[string]*depgraph.Module, len(modules))
	prefix := dirname + string(filepath.Separator)
	for _, m := range modules {
		byRelPath[strings.TrimPrefix(m.Path(), prefix)] = m
	}

	var ordered []*depgraph.Module
	seen := make(map[*depgraph.Module]bool)
	scanner := bufio.NewScanner(f)
	linenum := 0
	for scanner.Scan() {
		linenum++
		rel := scanner.Text()
		if m, ok := byRelPath[rel]; ok && !seen[m] {
			m.SetOrder(linenum)
			ordered = append(ordered, m)
			seen[m] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	for _, m := range modules {
		if !seen[m] {
			ordered = append(ordered, m)
		}
	}
	return ordered, nil
}

// NeedsRebuild implements depmod -A's quick check: it compares the mtime
// of depPath (an existing modules.dep) against every module file found
// under basedir, returning false (skip the rebuild) only if depPath is
// newer than all of them. Any stat error, or a missing depPath, means a
// rebuild is needed.
func NeedsRebuild(basedir, depPath string) (bool, error) {
	depInfo, err := os.Stat(depPath)
	if os.IsNotExist(err) {
		return true, nil
	}
	if err != nil {
		return true, err
	}
	depModTime := depInfo.ModTime()

	needsRebuild := false
	walkErr := filepath.WalkDir(basedir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if needsRebuild || d.IsDir() {
			return nil
		}
		if !smellsLikeModule(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(depModTime) {
			needsRebuild = true
		}
		return nil
	})
	if walkErr != nil {
		return true, walkErr
	}
	return needsRebuild, nil
}

// BuiltinModule is one entry from modules.builtin: a module compiled
// directly into vmlinux, identified by its would-be .ko path.
type BuiltinModule struct {
	Path string
}

// ParseBuiltin parses modules.builtin (one "kernel/.../foo.ko" path per
// line). Supplemental to the base spec: depmod needs to know which
// modules are builtin so aliases/symbols for them still resolve even
// though no .ko file exists on disk for them.
func ParseBuiltin(r *os.File) ([]BuiltinModule, error) {
	var out []BuiltinModule
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, BuiltinModule{Path: line})
	}
	return out, scanner.Err()
}

// BuiltinModinfoEntry is one "module.key=value" record from
// modules.builtin.modinfo, a NUL-separated blob embedded in the kernel
// image carrying the same MODULE_INFO key/value pairs a loadable module
// would have in its .modinfo ELF section.
type BuiltinModinfoEntry struct {
	Module string
	Key    string
	Value  string
}

// ParseBuiltinModinfo parses the NUL-separated modules.builtin.modinfo
// blob into individual module/key/value records.
func ParseBuiltinModinfo(data []byte) []BuiltinModinfoEntry {
	var out []BuiltinModinfoEntry
	for _, entry := range strings.Split(string(data), "\x00") {
		if entry == "" {
			continue
		}
		dot := strings.IndexByte(entry, '.')
		eq := strings.IndexByte(entry, '=')
		if dot < 0 || eq < 0 || eq < dot {
			continue
		}
		out = append(out, BuiltinModinfoEntry{
			Module: entry[:dot],
			Key:    entry[dot+1 : eq],
			Value:  entry[eq+1:],
		})
	}
	return out
}

// SortBuiltinAliases collects the "alias" keyed entries from
// modules.builtin.modinfo as (pattern, module) pairs, sorted by module
// then pattern for deterministic output.
func SortBuiltinAliases(entries []BuiltinModinfoEntry) []BuiltinModinfoEntry {
	var aliases []BuiltinModinfoEntry
	for _, e := range entries {
		if e.Key == "alias" {
			aliases = append(aliases, e)
		}
	}
	sort.Slice(aliases, func(i, j int) bool {
		if aliases[i].Module != aliases[j].Module {
			return aliases[i].Module < aliases[j].Module
		}
		return aliases[i].Value < aliases[j].Value
	})
	return aliases
}
