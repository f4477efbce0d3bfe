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

// Package depmodconfig holds depmod's own runtime defaults: the handful
// of knobs that aren't part of the module-tree data model itself (root
// prefix, whether to emit binary indexes, quick mode, Module.symvers
// output, and a list of warning categories). It is a thin TOML
// document, encoded and decoded the same way containerd's own daemon
// config is.
package depmodconfig

import (
	"io"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config is depmod's persisted configuration (e.g. /etc/depmod.d's
// equivalent of depmod's own command-line defaults, for environments
// that want to pin them outside argv).
type Config struct {
	// Version lets future revisions of this file add fields without
	// breaking old ones, the same role containerd's config Version
	// plays.
	Version int `toml:"version"`

	BasedirPrefix string `toml:"root,omitempty"`
	// BinaryIndexes mirrors modprobe.conf's "config binary_indexes".
	BinaryIndexes bool `toml:"binary_indexes"`
	// Quick, when true, skips a rebuild if every module file's mtime is
	// older than the existing modules.dep (depmod -A).
	Quick bool `toml:"quick"`
	// Symvers, when true, writes Module.symvers alongside the usual
	// output files.
	Symvers bool `toml:"symvers"`
	// Warnings names non-fatal warning categories ("unresolved-symbols",
	// "duplicate-aliases", "loops" by default). It is decoded and encoded
	// but depmod does not consult it: no warning is suppressed either way.
	Warnings []string `toml:"warnings,omitempty"`
}

const currentVersion = 1

// Default returns depmod's built-in defaults, used when no config file
// is present.
func Default() *Config {
	return &Config{
		Version:       currentVersion,
		BinaryIndexes: true,
		Warnings:      []string{"unresolved-symbols", "duplicate-aliases", "loops"},
	}
}

// Load reads a depmodconfig.Config from path, starting from Default and
// overlaying whatever path sets. A missing file is not an error; Default
// is returned unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	defer f.Close()

	if err := toml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Write encodes cfg as TOML to w, with indented tables. cmd/depmod has no
// subcommand that prints it.
func Write(w io.Writer, cfg *Config) error {
	return toml.NewEncoder(w).SetIndentTables(true).Encode(cfg)
}
