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

// Package action is modprobe's action engine: alias and softdep
// resolution, and the recursive insert/remove of a module together with
// everything it (transitively) depends on.
package action

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/containerd/errdefs"

	"github.com/basuotian/kmodctl/core/depgraph"
	"github.com/basuotian/kmodctl/core/elf"
	"github.com/basuotian/kmodctl/core/kernel"
	"github.com/basuotian/kmodctl/core/modconf"
	"github.com/basuotian/kmodctl/pkg/log"
)

// maxRecursion is the general recursion guard insmodOne and rmmodOne check
// their depth argument against; softdep loops are bounded separately by
// maxSoftdepRecursion.
const maxRecursion = 100

// maxSoftdepRecursion bounds do_softdep's own recursion counter
// separately from maxRecursion: a softdep chain that loops back on
// itself (A softdeps to B, B softdeps to A) must be caught well before
// the general insmod/rmmod recursion guard would fire.
const maxSoftdepRecursion = 50

var ErrRecursionLimit = fmt.Errorf("softdep dependency loop encountered: %w", errdefs.ErrFailedPrecondition)

// Flags mirrors modprobe_flags_t: the per-invocation behavior switches
// threaded through every level of the insert/remove recursion.
type Flags struct {
	FirstTime       bool // only the module named on the command line gets "already loaded"/"not loaded" diagnostics
	IgnoreLoaded    bool
	IgnoreCommands  bool
	DryRun          bool
	Remove          bool
	StripModversion bool
	StripVermagic   bool
}

// clearedForDependency returns the flags a dependency insert/remove
// recurses with: first_time and ignore_commands never apply below the
// top-level module.
func (f Flags) clearedForDependency() Flags {
	f.FirstTime = false
	f.IgnoreCommands = false
	return f
}

// Engine drives insmod/rmmod against a kernel.Interface, consulting a
// modconf.Config for blacklist/options/install/remove/softdep overrides.
type Engine struct {
	Kernel kernel.Interface
	Conf   *modconf.Config

	// ReadFile loads a module's raw ELF image; overridable for tests.
	ReadFile func(path string) ([]byte, error)

	// Run executes an install/remove shell command; overridable for
	// tests. Matches do_command's use of system(3).
	Run func(ctx context.Context, command string) error

	// SoftdepResolver resolves and inserts/removes a softdep member by
	// bare name, recursing back through the caller's own alias/directory
	// resolution (Engine has no module tree of its own to search). A nil
	// resolver makes softdep pre/post members a no-op, which is enough
	// for unit tests that don't exercise the softdep path.
	SoftdepResolver func(ctx context.Context, name, cmdlineOpts string, flags Flags, depth int) error
}

// NewEngine returns an Engine with production ReadFile/Run
// implementations.
func NewEngine(k kernel.Interface, conf *modconf.Config) *Engine {
	return &Engine{
		Kernel:   k,
		Conf:     conf,
		ReadFile: os.ReadFile,
		Run: func(ctx context.Context, command string) error {
			cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
			return cmd.Run()
		},
	}
}

// Insmod recursively inserts chain (in depgraph.OrderDepList order, where
// each module appears before the modules it depends on) into the kernel,
// walking it from the last entry to the first so dependencies go in
// first, and the target module last. newname applies only to the target
// module: it is the name its already-loaded check looks up (the image
// itself is not renamed); cmdlineOpts are extra parameters for the target
// module only.
func (e *Engine) Insmod(ctx context.Context, chain []*depgraph.Module, target *depgraph.Module, newname, cmdlineOpts string, flags Flags) error {
	for i := len(chain) - 1; i >= 0; i-- {
		dep := chain[i]
		depFlags := flags.clearedForDependency()
		if err := e.insmodOne(ctx, dep, "", "", depFlags, 0); err != nil {
			return fmt.Errorf("inserting dependency %s: %w", dep.Path(), err)
		}
	}
	return e.insmodOne(ctx, target, newname, cmdlineOpts, flags, 0)
}

func (e *Engine) insmodOne(ctx context.Context, mod *depgraph.Module, newname, cmdlineOpts string, flags Flags, depth int) error {
	if depth >= maxRecursion {
		return ErrRecursionLimit
	}

	modname := moduleName(mod.Path())
	lookupName := modname
	if newname != "" {
		lookupName = newname
	}

	if !flags.IgnoreLoaded {
		found, _, err := e.Kernel.InKernel(ctx, lookupName)
		if err != nil {
			return err
		}
		if found {
			if flags.FirstTime {
				return fmt.Errorf("module %s: %w", lookupName, kernel.ErrAlreadyLoaded)
			}
			return nil
		}
	}

	if sd, ok := modconf.FindSoftdep(modname, e.Conf.Softdeps); ok && !flags.IgnoreCommands {
		return e.doSoftdep(ctx, sd, cmdlineOpts, flags, depth)
	}

	if cmd, ok := modconf.FindCommand(modname, e.Conf.Commands); ok && !flags.IgnoreCommands {
		return e.doCommand(ctx, modname, cmd, "install", cmdlineOpts, flags.DryRun)
	}

	data, err := e.ReadFile(mod.Path())
	if err != nil {
		return fmt.Errorf("reading %s: %w", mod.Path(), err)
	}

	if newname != "" || flags.StripModversion || flags.StripVermagic {
		data, err = adjustImage(data, newname, flags)
		if err != nil {
			return err
		}
	}

	params := modconf.OptionsFor(modname, e.Conf.Options)
	if cmdlineOpts != "" {
		params = strings.TrimSpace(params + " " + cmdlineOpts)
	}

	log.WithModule(ctx, modname).Infof("insmod %s %s", mod.Path(), params)
	if flags.DryRun {
		return nil
	}
	if err := e.Kernel.Insert(ctx, data, params); err != nil {
		if flags.FirstTime {
			return fmt.Errorf("module %s: %w", lookupName, err)
		}
		// A dependency that's already loaded, or that the hardware
		// doesn't need, is not fatal to the overall insert.
		if errdefs.IsAlreadyExists(err) {
			return nil
		}
		return err
	}
	return nil
}

// adjustImage applies the ELF-level transforms insmod performs before
// handing the image to init_module: stripping the version-magic sections
// when the caller asked modprobe to ignore them. It does not rename the
// module: newname is not written into the image, so the kernel registers
// the module under the name embedded in it.
func adjustImage(data []byte, newname string, flags Flags) ([]byte, error) {
	// core/elf.View works against a shared buffer; copy so callers that
	// re-read the same file concurrently aren't affected by in-place
	// strips.
	buf := make([]byte, len(data))
	copy(buf, data)

	view, err := elf.Open(buf)
	if err != nil {
		return nil, fmt.Errorf("reading module for rename/strip: %w", err)
	}
	if flags.StripModversion {
		view.StripSection("__versions")
	}
	if flags.StripVermagic {
		view.StripSection(".modinfo")
	}
	_ = newname // not applied to the image; see the doc comment above
	return buf, nil
}

// Rmmod recursively removes chain (target first, dependencies after, the
// reverse of Insmod's order) from the kernel.
func (e *Engine) Rmmod(ctx context.Context, target *depgraph.Module, chain []*depgraph.Module, flags Flags) error {
	if err := e.rmmodOne(ctx, target, flags, 0); err != nil {
		return err
	}
	for _, dep := range chain {
		depFlags := flags.clearedForDependency()
		depFlags.IgnoreLoaded = true
		if err := e.rmmodOne(ctx, dep, depFlags, 0); err != nil {
			log.WithModule(ctx, dep.Path()).Warnf("failed to remove dependency: %v", err)
		}
	}
	return nil
}

func (e *Engine) rmmodOne(ctx context.Context, mod *depgraph.Module, flags Flags, depth int) error {
	if depth >= maxRecursion {
		return ErrRecursionLimit
	}
	modname := moduleName(mod.Path())

	if sd, ok := modconf.FindSoftdep(modname, e.Conf.Softdeps); ok && !flags.IgnoreCommands {
		return e.doSoftdep(ctx, sd, "", flags, depth)
	}
	if cmd, ok := modconf.FindCommand(modname, e.Conf.RemoveCommands); ok && !flags.IgnoreCommands {
		return e.doCommand(ctx, modname, cmd, "remove", "", flags.DryRun)
	}

	found, usecount, err := e.Kernel.InKernel(ctx, modname)
	if err != nil {
		return err
	}
	if !found {
		if flags.FirstTime {
			return fmt.Errorf("module %s: %w", modname, kernel.ErrNotLoaded)
		}
		return nil
	}
	if usecount != 0 {
		if !flags.IgnoreLoaded {
			return fmt.Errorf("module %s: %w", modname, kernel.ErrInUse)
		}
		return nil
	}

	log.WithModule(ctx, modname).Infof("rmmod %s", mod.Path())
	if flags.DryRun {
		return nil
	}
	if err := e.Kernel.Remove(ctx, modname, 0); err != nil {
		if flags.FirstTime {
			return err
		}
	}
	return nil
}

// doSoftdep runs a softdep's pre-modules, then the module itself
// (ignoring its own commands, since the softdep line already routed us
// here), then its post-modules; module order is reversed when removing.
func (e *Engine) doSoftdep(ctx context.Context, sd modconf.Softdep, cmdlineOpts string, flags Flags, depth int) error {
	// A member resolved through SoftdepResolver re-enters insmodOne/rmmodOne
	// with depth 0, so the softdep nesting level also travels in ctx.
	type nestingKey struct{}
	nesting, _ := ctx.Value(nestingKey{}).(int)
	if depth+nesting+1 >= maxSoftdepRecursion {
		return ErrRecursionLimit
	}
	ctx = context.WithValue(ctx, nestingKey{}, nesting+1)
	pre, post := sd.Pre, sd.Post
	if flags.Remove {
		pre, post = reversed(sd.Post), reversed(sd.Pre)
	}

	for _, name := range pre {
		if err := e.modprobeSoftdepMember(ctx, name, "", flags, depth+1); err != nil {
			log.WithModule(ctx, name).Warnf("softdep pre-module failed: %v", err)
		}
	}

	mainFlags := flags
	mainFlags.IgnoreCommands = true
	if err := e.modprobeSoftdepMember(ctx, sd.ModuleName, cmdlineOpts, mainFlags, depth+1); err != nil {
		return err
	}

	for _, name := range post {
		if err := e.modprobeSoftdepMember(ctx, name, "", flags, depth+1); err != nil {
			log.WithModule(ctx, name).Warnf("softdep post-module failed: %v", err)
		}
	}
	return nil
}

func (e *Engine) modprobeSoftdepMember(ctx context.Context, name, cmdlineOpts string, flags Flags, depth int) error {
	if e.SoftdepResolver == nil {
		return nil
	}
	return e.SoftdepResolver(ctx, name, cmdlineOpts, flags, depth)
}

func (e *Engine) doCommand(ctx context.Context, modname, command, kind, cmdlineOpts string, dryRun bool) error {
	replaced := strings.ReplaceAll(command, "$CMDLINE_OPTS", cmdlineOpts)
	log.WithModule(ctx, modname).Infof("%s %s", kind, replaced)
	if dryRun {
		return nil
	}
	if err := e.Run(ctx, replaced); err != nil {
		return fmt.Errorf("running %s command for %s: %w", kind, modname, err)
	}
	return nil
}

func moduleName(path string) string {
	base := path
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	for _, suf := range []string{".ko.zst", ".ko.xz", ".ko.gz", ".ko"} {
		if strings.HasSuffix(base, suf) {
			return strings.ReplaceAll(base[:len(base)-len(suf)], "-", "_")
		}
	}
	return strings.ReplaceAll(base, "-", "_")
}

func reversed(in []string) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[len(in)-1-i] = v
	}
	return out
}
