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
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/basuotian/kmodctl/core/trie"
	"github.com/basuotian/kmodctl/internal/canon"
)

// lookupDepLine returns the literal "relpath: dep1 dep2 ..." line depmod
// wrote for modname in modules.dep[.bin], preferring the binary index
// when binary is set and falling back to the textual file otherwise,
// exactly as read_depends does.
func lookupDepLine(moduleRoot, modname string, binary bool) (string, bool, error) {
	if binary {
		line, ok, err := searchBinExact(moduleRoot, "modules.dep.bin", modname)
		if err != nil {
			return "", false, err
		}
		if ok {
			return line, true, nil
		}
	}
	return searchTextDepLine(moduleRoot, modname)
}

func searchBinExact(moduleRoot, filename, key string) (string, bool, error) {
	idx, ok, err := openIndex(moduleRoot, filename)
	if err != nil || !ok {
		return "", false, err
	}
	values := idx.Search(key)
	if len(values) == 0 {
		return "", false, nil
	}
	return values[0].Value, true, nil
}

func searchTextDepLine(moduleRoot, modname string) (string, bool, error) {
	data, err := os.ReadFile(filepath.Join(moduleRoot, "modules.dep"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		colon := strings.IndexByte(line, ':')
		if colon < 0 || strings.HasPrefix(strings.TrimLeft(line, "\t "), "#") {
			continue
		}
		relpath := line[:colon]
		if canon.FileName2ModName(relpath) == modname {
			return line, true, nil
		}
	}
	return "", false, nil
}

// parseDepLine splits a "relpath: dep1 dep2 ..." line into the target's
// own relative path and the relative paths of its dependencies, in the
// order add_modules_dep_line builds them.
func parseDepLine(line string) (target string, deps []string) {
	colon := strings.IndexByte(line, ':')
	if colon < 0 {
		return "", nil
	}
	target = strings.TrimSpace(line[:colon])
	rest := strings.Fields(line[colon+1:])
	return target, rest
}

// searchAliasAndSymbolIndex resolves name by wildcard search against
// index (modules.alias[.bin] or modules.symbols[.bin]): both are, on
// disk, a table of (pattern, modname) pairs and read_aliases consults
// both the same way, via index_searchwild, whether or not the stored
// pattern actually contains glob metacharacters.
func searchAliasAndSymbolIndex(moduleRoot, filename, name string, binary bool) ([]string, error) {
	if binary {
		idx, ok, err := openIndex(moduleRoot, filename+".bin")
		if err != nil {
			return nil, err
		}
		if ok {
			values := idx.SearchWild(name)
			out := make([]string, 0, len(values))
			for _, v := range values {
				out = append(out, v.Value)
			}
			return out, nil
		}
	}
	return searchTextAliasFile(moduleRoot, filename, name)
}

func searchTextAliasFile(moduleRoot, filename, name string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(moduleRoot, filename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 || fields[0] != "alias" {
			continue
		}
		pattern, realname := canon.Underscores(fields[1]), canon.Underscores(fields[2])
		if ok, _ := path.Match(pattern, name); ok {
			out = append(out, realname)
		}
	}
	return out, nil
}

// moduleBuiltin reports whether modname is compiled into the kernel
// image, per modules.builtin.bin (an exact-match membership index; the
// stored value itself is unused, same as module_builtin's index_search
// whose only use of its result is the nil check).
func moduleBuiltin(moduleRoot, modname string) (bool, error) {
	idx, ok, err := openIndex(moduleRoot, "modules.builtin.bin")
	if err != nil || !ok {
		return false, err
	}
	return len(idx.Search(modname)) > 0, nil
}

func openIndex(moduleRoot, filename string) (*trie.Index, bool, error) {
	data, err := os.ReadFile(filepath.Join(moduleRoot, filename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	idx, err := trie.Open(data)
	if err != nil {
		return nil, false, err
	}
	return idx, true, nil
}
