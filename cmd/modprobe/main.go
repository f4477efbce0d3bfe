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

// Command modprobe resolves a module name or alias through the
// modules.dep/alias/symbols index family depmod writes, and drives
// recursive insertion or removal of the resulting dependency chain.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/containerd/log"
	"github.com/urfave/cli/v2"

	"github.com/basuotian/kmodctl/core/action"
	"github.com/basuotian/kmodctl/core/kernel"
	"github.com/basuotian/kmodctl/core/modconf"
)

func main() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "modprobe: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "modprobe"
	app.Usage = "resolve and insert or remove a kernel module and its dependencies"
	app.UsageText = "modprobe [options] modulename [module parameters...]"
	app.Flags = []cli.Flag{
		&cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
		&cli.StringFlag{Name: "basedir", Value: "/", Usage: "root prefix under which lib/modules/<version> lives"},
		&cli.StringFlag{Name: "set-version", Aliases: []string{"S"}, Usage: "use this kernel version instead of uname -r"},
		&cli.StringFlag{Name: "config", Aliases: []string{"C"}, Usage: "use this config file or directory in place of /etc/modprobe.d"},
		&cli.StringFlag{Name: "name", Aliases: []string{"o"}, Usage: "name to check the target against when deciding whether it is already loaded (the module image is not renamed)"},
		&cli.BoolFlag{Name: "remove", Aliases: []string{"r"}, Usage: "remove a module (and, if unused, its dependencies) instead of inserting it"},
		&cli.BoolFlag{Name: "dry-run", Aliases: []string{"n", "show"}, Usage: "print what would be done without doing it"},
		&cli.BoolFlag{Name: "show-depends", Aliases: []string{"D"}, Usage: "dry run, ignore already-loaded state, report builtin modules"},
		&cli.BoolFlag{Name: "resolve-alias", Aliases: []string{"R"}, Usage: "print the resolved module name(s) and exit"},
		&cli.BoolFlag{Name: "ignore-install", Aliases: []string{"i", "ignore-remove"}, Usage: "ignore install/remove/softdep overrides (also --ignore-remove)"},
		&cli.BoolFlag{Name: "use-blacklist", Aliases: []string{"b"}, Usage: "apply the blacklist to the literal module name too, not just aliases"},
		&cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "strip both vermagic and modversion checks"},
		&cli.BoolFlag{Name: "force-vermagic", Usage: "strip vermagic checks"},
		&cli.BoolFlag{Name: "force-modversion", Usage: "strip modversion checks"},
		&cli.BoolFlag{Name: "first-time", Usage: "fail if the module is already loaded (or not loaded, on removal)"},
		&cli.BoolFlag{Name: "all", Aliases: []string{"a"}, Usage: "with -r, remove every module named on the command line"},
		&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "do not report failures: a module that fails to resolve or load is skipped without an error"},
	}
	app.Before = func(cliCtx *cli.Context) error {
		if cliCtx.Bool("debug") {
			return log.SetLevel("debug")
		}
		return nil
	}
	app.Action = func(cliCtx *cli.Context) error {
		args := cliCtx.Args().Slice()
		if len(args) == 0 {
			return fmt.Errorf("no module name given")
		}

		version := cliCtx.String("set-version")
		if version == "" {
			uname, err := currentKernelRelease()
			if err != nil {
				return fmt.Errorf("determining running kernel release: %w", err)
			}
			version = uname
		}

		base := Options{
			BaseDir:         cliCtx.String("basedir"),
			KernelVersion:   version,
			ConfigFile:      cliCtx.String("config"),
			NewName:         cliCtx.String("name"),
			Remove:          cliCtx.Bool("remove"),
			DryRun:          cliCtx.Bool("dry-run") || cliCtx.Bool("show-depends"),
			IgnoreLoaded:    cliCtx.Bool("show-depends"),
			IgnoreCommands:  cliCtx.Bool("ignore-install"),
			UseBlacklist:    cliCtx.Bool("use-blacklist"),
			FirstTime:       cliCtx.Bool("first-time"),
			StripVermagic:   cliCtx.Bool("force") || cliCtx.Bool("force-vermagic"),
			StripModversion: cliCtx.Bool("force") || cliCtx.Bool("force-modversion"),
			ResolveAlias:    cliCtx.Bool("resolve-alias"),
		}

		eng := action.NewEngine(&kernel.Real{}, modconf.New())

		names := []string{args[0]}
		base.CmdlineOpts = strings.Join(args[1:], " ")
		if base.Remove && cliCtx.Bool("all") {
			names = args
			base.CmdlineOpts = ""
		}

		var failed error
		for _, name := range names {
			opts := base
			opts.ModuleName = name
			wireSoftdepResolver(eng, opts)
			if err := runModprobe(cliCtx.Context, opts, eng); err != nil {
				if cliCtx.Bool("quiet") {
					continue
				}
				failed = err
			}
		}
		return failed
	}
	return app
}

// wireSoftdepResolver makes a softdep member's pre/main/post modprobe
// call go through the full resolution path (fresh config parse, alias
// expansion, builtin check) instead of a bare insert, mirroring do_softdep
// calling back into do_modprobe. Engine.Conf is saved and restored around
// the nested call since Engine has no call-scoped config of its own.
func wireSoftdepResolver(eng *action.Engine, outer Options) {
	eng.SoftdepResolver = func(ctx context.Context, name, cmdlineOpts string, flags action.Flags, depth int) error {
		sub := outer
		sub.ModuleName = name
		sub.CmdlineOpts = cmdlineOpts
		sub.NewName = ""
		sub.Remove = flags.Remove
		sub.DryRun = flags.DryRun
		sub.IgnoreCommands = flags.IgnoreCommands
		sub.IgnoreLoaded = flags.IgnoreLoaded
		sub.FirstTime = false
		sub.ResolveAlias = false

		saved := eng.Conf
		err := runModprobe(ctx, sub, eng)
		eng.Conf = saved
		return err
	}
}
