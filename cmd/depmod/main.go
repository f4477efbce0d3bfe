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

// Command depmod scans a kernel module tree and writes the modules.dep,
// modules.alias, and modules.symbols index family depmod's downstream
// consumers (modprobe, the kernel's own module-init scripts) read.
package main

import (
	"fmt"
	"os"

	"github.com/containerd/log"
	"github.com/urfave/cli/v2"
)

func main() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "depmod: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "depmod"
	app.Usage = "generate modules.dep and map files for a kernel module tree"
	app.UsageText = "depmod [options] [kernelversion]"
	app.Flags = []cli.Flag{
		&cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
		&cli.StringFlag{Name: "basedir", Aliases: []string{"b"}, Value: "/", Usage: "root prefix under which lib/modules/<version> lives"},
		&cli.StringFlag{Name: "config", Aliases: []string{"C"}, Usage: "use this config file or directory in place of /etc/depmod.d"},
		&cli.StringFlag{Name: "system-map", Aliases: []string{"F"}, Usage: "System.map to cross-check symbols against"},
		&cli.BoolFlag{Name: "quick", Aliases: []string{"A"}, Usage: "skip rebuild if modules.dep is newer than every module"},
		&cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "override the quick check"},
		&cli.BoolFlag{Name: "symvers", Aliases: []string{"z"}, Usage: "also write Module.symvers"},
		&cli.BoolFlag{Name: "errsyms", Aliases: []string{"e"}, Usage: "report unresolved symbols"},
	}
	app.Before = func(cliCtx *cli.Context) error {
		if cliCtx.Bool("debug") {
			return log.SetLevel("debug")
		}
		return nil
	}
	app.Action = func(cliCtx *cli.Context) error {
		version := cliCtx.Args().First()
		if version == "" {
			uname, err := currentKernelRelease()
			if err != nil {
				return fmt.Errorf("determining running kernel release: %w", err)
			}
			version = uname
		}
		opts := Options{
			BaseDir:       cliCtx.String("basedir"),
			KernelVersion: version,
			ConfigFile:    cliCtx.String("config"),
			SystemMap:     cliCtx.String("system-map"),
			Quick:         cliCtx.Bool("quick"),
			Force:         cliCtx.Bool("force"),
			Symvers:       cliCtx.Bool("symvers"),
			UnresolvedErr: cliCtx.Bool("errsyms"),
		}
		return runDepmod(cliCtx.Context, opts)
	}
	return app
}
