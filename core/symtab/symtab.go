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

// Package symtab is the global exporter map: a mapping from symbol name
// to the module that exports it, with a nil owner meaning "exported by
// vmlinux itself".
package symtab

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/basuotian/kmodctl/pkg/log"
)

// Owner is anything that can export a symbol. core/depgraph's Module type
// satisfies this; symtab itself stays independent of the module type so it
// can be unit tested without pulling in the whole dependency graph.
type Owner interface {
	// Path is used only for duplicate-warning messages.
	Path() string
}

// Table is the global exporter map. The zero value is not usable; use New.
type Table struct {
	owners map[string]Owner // name -> owner; missing owner + present key never happens
	null   map[string]bool  // names exported by nil (vmlinux) - kept separate so Owner can stay non-nil-able
}

// New returns an empty exporter map.
func New() *Table {
	return &Table{
		owners: make(map[string]Owner),
		null:   make(map[string]bool),
	}
}

// Add records that name is exported by owner (nil meaning vmlinux itself).
// A duplicate insertion keeps the first-seen owner; Add logs the duplicate
// warning itself and returns nothing.
func (t *Table) Add(ctx context.Context, name string, owner Owner) {
	if t.exists(name) {
		log.WithModule(ctx, "symtab").WithField("symbol", name).
			Warn("duplicate symbol export, keeping first-seen owner")
		return
	}
	if owner == nil {
		t.null[name] = true
	} else {
		t.owners[name] = owner
	}
}

func (t *Table) exists(name string) bool {
	if t.null[name] {
		return true
	}
	_, ok := t.owners[name]
	return ok
}

// Find looks up name (applying the PPC64 leading-dot convention: a name
// beginning with '.' matches without the leading dot) and returns its
// owner. ok is false if the symbol is unknown; owner is nil both when the
// symbol is unknown and when it is kernel-exported, so callers must check
// ok before treating a nil owner as "exported by vmlinux".
func (t *Table) Find(name string) (owner Owner, ok bool) {
	if strings.HasPrefix(name, ".") {
		name = name[1:]
	}
	if t.null[name] {
		return nil, true
	}
	o, found := t.owners[name]
	return o, found
}

// IsKernelOwned reports whether name resolves to the vmlinux sentinel
// owner (a nil owner, as opposed to being entirely unknown).
func (t *Table) IsKernelOwned(name string) bool {
	if strings.HasPrefix(name, ".") {
		name = name[1:]
	}
	return t.null[name]
}

const systemMapKsymPrefix = "__ksymtab_"

// LoadSystemMap scans a System.map ("ADDR TYPE NAME" per line) and adds
// every "__ksymtab_*"-prefixed name (prefix stripped) as a kernel-owned
// symbol, then inserts the two magic always-kernel-owned names
// "__this_module" and "_GLOBAL_OFFSET_TABLE_".
func (t *Table) LoadSystemMap(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		// "ADDR TYPE NAME": split on the first two spaces.
		sp1 := strings.IndexByte(line, ' ')
		if sp1 < 0 {
			continue
		}
		rest := line[sp1+1:]
		sp2 := strings.IndexByte(rest, ' ')
		if sp2 < 0 {
			continue
		}
		name := rest[sp2+1:]
		if strings.HasPrefix(name, systemMapKsymPrefix) {
			t.Add(ctx, name[len(systemMapKsymPrefix):], nil)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	t.Add(ctx, "__this_module", nil)
	t.Add(ctx, "_GLOBAL_OFFSET_TABLE_", nil)
	return nil
}
