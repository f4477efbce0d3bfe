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
	"path/filepath"
	"strings"

	"github.com/basuotian/kmodctl/core/action"
	"github.com/basuotian/kmodctl/core/depgraph"
	"github.com/basuotian/kmodctl/core/kernel"
	"github.com/basuotian/kmodctl/core/modconf"
	"github.com/basuotian/kmodctl/internal/canon"
	"github.com/basuotian/kmodctl/pkg/log"
)

// Options holds modprobe's resolved command-line inputs, kept free of
// *cli.Context so runModprobe can be driven directly by tests.
type Options struct {
	BaseDir       string
	KernelVersion string
	ConfigFile    string
	ModuleName    string
	NewName       string
	CmdlineOpts   string

	Remove          bool
	DryRun          bool
	IgnoreLoaded    bool
	IgnoreCommands  bool
	UseBlacklist    bool
	FirstTime       bool
	StripVermagic   bool
	StripModversion bool
	ResolveAlias    bool

	// Print receives each resolved name for -R/--resolve-alias; defaults
	// to fmt.Println in production.
	Print func(string)
}

func (o Options) moduleRoot() string {
	return filepath.Join(o.BaseDir, "lib", "modules", o.KernelVersion)
}

// runModprobe canonicalizes the requested name, parses the layered config
// with it as subject, tries symbol/dep/alias/builtin resolution in order,
// applies the blacklist, then drives handleModule for whatever survives.
func runModprobe(ctx context.Context, opts Options, eng *action.Engine) error {
	moduleRoot := opts.moduleRoot()
	modname := canon.Underscores(opts.ModuleName)

	conf, err := modconf.ParseTopLevel(ctx, opts.ConfigFile, modname, opts.Remove)
	if err != nil {
		return fmt.Errorf("parsing modprobe.conf/modprobe.d: %w", err)
	}
	eng.Conf = conf
	binary := conf.BinaryIndexes

	aliases := aliasNames(conf.Aliases)

	if len(aliases) == 0 && strings.HasPrefix(modname, "symbol:") {
		aliases, err = searchAliasAndSymbolIndex(moduleRoot, "modules.symbols", modname, binary)
		if err != nil {
			return fmt.Errorf("searching modules.symbols: %w", err)
		}
	}

	var literalLine string
	var literalFound bool
	if len(aliases) == 0 {
		if !strings.Contains(modname, ":") {
			literalLine, literalFound, err = lookupDepLine(moduleRoot, modname, binary)
			if err != nil {
				return fmt.Errorf("searching modules.dep: %w", err)
			}
		}
		if !literalFound {
			_, hasSoftdep := modconf.FindSoftdep(modname, conf.Softdeps)
			_, hasCommand := modconf.FindCommand(modname, commandsFor(conf, opts.Remove))
			if !hasSoftdep && !hasCommand {
				aliases, err = searchAliasAndSymbolIndex(moduleRoot, "modules.alias", modname, binary)
				if err != nil {
					return fmt.Errorf("searching modules.alias: %w", err)
				}
				if len(aliases) == 0 {
					builtin, err := moduleBuiltin(moduleRoot, modname)
					if err != nil {
						return fmt.Errorf("checking modules.builtin: %w", err)
					}
					if builtin {
						return handleBuiltinModule(ctx, modname, opts)
					}
				}
			}
		}
	}

	filtered := filterBlacklist(aliases, conf)
	if len(aliases) > 0 && len(filtered) == 0 {
		// Every module the name resolved to is blacklisted: nothing survives.
		return nil
	}

	if opts.ResolveAlias {
		print := opts.Print
		if print == nil {
			print = func(s string) { fmt.Println(s) }
		}
		for _, name := range filtered {
			print(name)
		}
		return nil
	}

	if len(filtered) > 0 {
		// More than one alias: a failed one is a warning, not a hard
		// error, since only some of the expanded aliases may apply to
		// hardware actually present.
		warnOnly := len(filtered) > 1
		var firstErr error
		for _, alias := range filtered {
			line, found, err := lookupDepLine(moduleRoot, alias, binary)
			if err != nil {
				return fmt.Errorf("searching modules.dep for %s: %w", alias, err)
			}
			if err := handleModule(ctx, eng, moduleRoot, alias, line, found, opts); err != nil {
				if warnOnly {
					log.WithModule(ctx, alias).Warnf("%v", err)
					continue
				}
				firstErr = err
			}
		}
		return firstErr
	}

	if opts.UseBlacklist && conf.IsBlacklisted(modname) {
		return nil
	}
	return handleModule(ctx, eng, moduleRoot, modname, literalLine, literalFound, opts)
}

// handleModule drives insmod/rmmod on the dep chain modules.dep named
// for modname, or, when modname has no entry there at all, on a bare
// target carrying no dependencies — Engine's own softdep/install-command
// checks still run first in that case, exactly as handle_module's
// empty-todo-list branch checks them before declaring the module not
// found.
func handleModule(ctx context.Context, eng *action.Engine, moduleRoot, modname, depLine string, found bool, opts Options) error {
	flags := action.Flags{
		FirstTime:       opts.FirstTime,
		IgnoreLoaded:    opts.IgnoreLoaded,
		IgnoreCommands:  opts.IgnoreCommands,
		DryRun:          opts.DryRun,
		Remove:          opts.Remove,
		StripModversion: opts.StripModversion,
		StripVermagic:   opts.StripVermagic,
	}

	if !found {
		target := depgraph.NewModule(filepath.Join(moduleRoot, modname+".ko"), 0)
		if opts.Remove {
			return eng.Rmmod(ctx, target, nil, flags)
		}
		return eng.Insmod(ctx, nil, target, opts.NewName, opts.CmdlineOpts, flags)
	}

	targetPath, depPaths := parseDepLine(depLine)
	target := depgraph.NewModule(absPath(moduleRoot, targetPath), 0)
	chain := make([]*depgraph.Module, 0, len(depPaths))
	for _, p := range depPaths {
		chain = append(chain, depgraph.NewModule(absPath(moduleRoot, p), 0))
	}

	if opts.Remove {
		return eng.Rmmod(ctx, target, chain, flags)
	}
	return eng.Insmod(ctx, chain, target, opts.NewName, opts.CmdlineOpts, flags)
}

// handleBuiltinModule mirrors handle_builtin_module: a builtin module is
// never actually inserted or removed, but first_time/remove against one
// is still an error, and --show-depends still reports it.
func handleBuiltinModule(ctx context.Context, modname string, opts Options) error {
	if opts.Remove {
		return fmt.Errorf("module %s is builtin", modname)
	}
	if opts.FirstTime {
		return fmt.Errorf("module %s: %w", modname, kernel.ErrAlreadyLoaded)
	}
	if opts.IgnoreLoaded {
		log.WithModule(ctx, modname).Info("builtin")
	}
	return nil
}

func aliasNames(aliases []modconf.Alias) []string {
	if len(aliases) == 0 {
		return nil
	}
	out := make([]string, len(aliases))
	for i, a := range aliases {
		out[i] = a.RealName
	}
	return out
}

func filterBlacklist(names []string, conf *modconf.Config) []string {
	if len(names) == 0 {
		return names
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !conf.IsBlacklisted(n) {
			out = append(out, n)
		}
	}
	return out
}

func commandsFor(conf *modconf.Config, removing bool) []modconf.Command {
	if removing {
		return conf.RemoveCommands
	}
	return conf.Commands
}

func absPath(moduleRoot, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(moduleRoot, p)
}
