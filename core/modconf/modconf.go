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

// Package modconf parses modprobe.d configuration: alias, options,
// install, remove, blacklist, softdep, include and config directives,
// folding backslash-continued lines and applying the directory scan's
// filename filter and lexicographic ordering.
package modconf

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/basuotian/kmodctl/internal/canon"
	"github.com/basuotian/kmodctl/pkg/log"
)

// Options is one "options <modname> <args...>" directive.
type Options struct {
	ModuleName string
	Args       string
}

// Command is one "install"/"remove" directive: the shell command to run
// instead of the kernel's own insert/remove.
type Command struct {
	Pattern string
	Command string
}

// Alias is one "alias <wildcard> <realname>" directive, already matched
// against the module name being resolved (see Config.Aliases).
type Alias struct {
	RealName string
}

// Blacklist is one blacklisted module name.
type Blacklist struct {
	ModuleName string
}

// Softdep is one "softdep <modname> pre: ... post: ..." directive.
type Softdep struct {
	ModuleName string
	Pre        []string
	Post       []string
}

// OverrideDirective is a depmod-only "override <modname> <version> <subdir>"
// directive: when a basename collides in the module tree, the path under
// subdir wins regardless of search-path priority.
type OverrideDirective struct {
	ModuleName string
	Version    string
	Subdir     string
}

// Config accumulates every directive read while resolving a single module
// name. A fresh Config should be built per modprobe invocation (aliases in
// particular are filtered during parsing against the name being looked
// up, the same way the original parser does, rather than stored for every
// name up front).
type Config struct {
	Options        []Options
	Commands       []Command
	RemoveCommands []Command
	Aliases        []Alias
	Blacklist      []Blacklist
	Softdeps       []Softdep

	// BinaryIndexes mirrors the "config binary_indexes yes|no" directive.
	BinaryIndexes bool

	// SearchPath is depmod.conf's "search D1 D2 ..." directive: the
	// module-search priority list consulted by core/modtree when
	// basenames collide.
	SearchPath []string
	// Overrides is depmod.conf's "override" directive list.
	Overrides []OverrideDirective
	// MakeMapFiles mirrors depmod.conf's "make_map_files yes|no"; kept
	// for config-compatibility even though the legacy per-bus map file
	// emitters themselves are a documented Non-goal.
	MakeMapFiles bool
}

// New returns an empty Config with binary index use enabled by default.
func New() *Config {
	return &Config{BinaryIndexes: true}
}

// IsBlacklisted reports whether modname has been blacklisted.
func (c *Config) IsBlacklisted(modname string) bool {
	for _, b := range c.Blacklist {
		if b.ModuleName == modname {
			return true
		}
	}
	return false
}

// FindCommand returns the install (or, for Removing, remove) shell
// command registered for modname, if any. Patterns are glob-matched the
// same way aliases are.
func FindCommand(modname string, commands []Command) (string, bool) {
	for _, c := range commands {
		if ok, _ := path.Match(c.Pattern, modname); ok {
			return c.Command, true
		}
	}
	return "", false
}

// FindSoftdep returns the softdep entry registered for modname, if any.
func FindSoftdep(modname string, softdeps []Softdep) (Softdep, bool) {
	for _, s := range softdeps {
		if ok, _ := path.Match(s.ModuleName, modname); ok {
			return s, true
		}
	}
	return Softdep{}, false
}

// OptionsFor concatenates every "options" line registered for modname, in
// file order, the way the kernel command line accepts repeated options.
func OptionsFor(modname string, opts []Options) string {
	var parts []string
	for _, o := range opts {
		if o.ModuleName == modname {
			parts = append(parts, o.Args)
		}
	}
	return strings.Join(parts, " ")
}

// skipPrefixes and skipSuffixes are config_filter's ignore-list: editor
// backups, package-manager leftovers and VCS directories that commonly
// turn up inside /etc/modprobe.d and must never be parsed as config.
var skipPrefixes = []string{".", "~", "CVS"}

var skipSuffixes = []string{
	".rpmsave", ".rpmorig", ".rpmnew",
	".dpkg-old", ".dpkg-dist", ".dpkg-new", ".dpkg-bak",
	".bak", ".orig", ".rej", ".YaST2save", ".-", "~", ",v",
}

// ConfigFilter reports whether name is a candidate config file/directory
// entry worth parsing.
func ConfigFilter(name string) bool {
	for _, p := range skipPrefixes {
		if strings.HasPrefix(name, p) {
			return false
		}
	}
	for _, s := range skipSuffixes {
		if strings.HasSuffix(name, s) {
			return false
		}
	}
	return true
}

// ReadLogicalLines reads r as a sequence of logical lines: physical lines
// joined across a trailing backslash, with no line terminator retained.
func ReadLogicalLines(r io.Reader) ([]string, error) {
	br := bufio.NewReader(r)
	var lines []string
	var cur strings.Builder
	for {
		b, err := br.ReadByte()
		if err != nil {
			if err == io.EOF {
				if cur.Len() > 0 {
					lines = append(lines, cur.String())
				}
				return lines, nil
			}
			return nil, err
		}
		switch b {
		case '\n':
			lines = append(lines, cur.String())
			cur.Reset()
		case '\\':
			next, err := br.ReadByte()
			if err == io.EOF {
				cur.WriteByte(b)
				continue
			}
			if err != nil {
				return nil, err
			}
			if next == '\n' {
				continue
			}
			cur.WriteByte(b)
			cur.WriteByte(next)
		default:
			cur.WriteByte(b)
		}
	}
}

// ParseFile parses one config file's logical lines into conf, matching
// alias directives against lookupName. When removing, "remove" directives
// populate conf.RemoveCommands and "install" and "blacklist" lines are
// skipped; otherwise "install" populates conf.Commands, "blacklist"
// populates conf.Blacklist and "remove" lines are skipped.
//
// include directives replace the accumulated Aliases with whatever the
// included file produced (when it produced any), while the options,
// commands, blacklist and softdeps it produces are appended to those
// already collected - the same asymmetric
// "include overrides aliases only" behavior the original parser has. This
// is surprising but preserved deliberately rather than "fixed": nothing
// in the retrieved material justified guessing at a different, presumably
// saner, semantics.
func ParseFile(ctx context.Context, filename, lookupName string, conf *Config, removing bool) error {
	f, err := os.Open(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	lines, err := ReadLogicalLines(f)
	if err != nil {
		return err
	}

	for linenum, line := range lines {
		if err := parseLine(ctx, filename, linenum+1, line, lookupName, conf, removing); err != nil {
			log.WithPath(ctx, filename).Warnf("%v", err)
		}
	}
	return nil
}

func parseLine(ctx context.Context, filename string, linenum int, line, lookupName string, conf *Config, removing bool) error {
	fields := splitConfigLine(line)
	if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
		return nil
	}
	cmd, rest := fields[0], fields[1:]

	switch cmd {
	case "alias":
		if len(rest) < 2 {
			return syntaxError(filename, linenum)
		}
		wildcard, realname := rest[0], rest[1]
		if ok, _ := path.Match(canon.Underscores(wildcard), lookupName); ok {
			conf.Aliases = append(conf.Aliases, Alias{RealName: canon.Underscores(realname)})
		}

	case "include":
		if len(rest) < 1 {
			return syntaxError(filename, linenum)
		}
		included := rest[0]
		log.WithPath(ctx, filename).Warnf("%q include is deprecated, please use /etc/modprobe.d", included)
		if strings.HasPrefix(included, "/etc/modprobe.d") {
			log.WithPath(ctx, filename).Debug("include /etc/modprobe.d is the default, ignored")
			return nil
		}
		sub := *conf
		sub.Aliases = nil
		if err := ScanDir(ctx, included, lookupName, &sub, removing); err != nil {
			log.WithPath(ctx, filename).Warnf("failed to open included config %s: %v", included, err)
		}
		if sub.Aliases == nil {
			sub.Aliases = conf.Aliases
		}
		*conf = sub

	case "options":
		if len(rest) < 1 {
			return syntaxError(filename, linenum)
		}
		modname := canon.Underscores(rest[0])
		args := strings.TrimSpace(strings.Join(rest[1:], " "))
		conf.Options = append(conf.Options, Options{ModuleName: modname, Args: args})

	case "install":
		if len(rest) < 1 {
			return syntaxError(filename, linenum)
		}
		if !removing {
			modname := canon.Underscores(rest[0])
			conf.Commands = append(conf.Commands, Command{Pattern: modname, Command: strings.Join(rest[1:], " ")})
		}

	case "remove":
		if len(rest) < 1 {
			return syntaxError(filename, linenum)
		}
		if removing {
			modname := canon.Underscores(rest[0])
			conf.RemoveCommands = append(conf.RemoveCommands, Command{Pattern: modname, Command: strings.Join(rest[1:], " ")})
		}

	case "blacklist":
		if len(rest) < 1 {
			return syntaxError(filename, linenum)
		}
		if !removing {
			conf.Blacklist = append(conf.Blacklist, Blacklist{ModuleName: canon.Underscores(rest[0])})
		}

	case "softdep":
		if len(rest) < 2 {
			return syntaxError(filename, linenum)
		}
		sd := Softdep{ModuleName: canon.Underscores(rest[0])}
		mode := ""
		for _, tk := range rest[1:] {
			switch tk {
			case "pre:":
				mode = "pre"
			case "post:":
				mode = "post"
			case "":
			default:
				switch mode {
				case "pre":
					sd.Pre = append(sd.Pre, tk)
				case "post":
					sd.Post = append(sd.Post, tk)
				default:
					return syntaxError(filename, linenum)
				}
			}
		}
		conf.Softdeps = append(conf.Softdeps, sd)

	case "config":
		if len(rest) < 1 {
			return nil
		}
		if rest[0] == "binary_indexes" && len(rest) >= 2 {
			switch rest[1] {
			case "yes":
				conf.BinaryIndexes = true
			case "no":
				conf.BinaryIndexes = false
			}
		}

	case "search":
		conf.SearchPath = append(conf.SearchPath, rest...)

	case "override":
		if len(rest) < 3 {
			return syntaxError(filename, linenum)
		}
		conf.Overrides = append(conf.Overrides, OverrideDirective{
			ModuleName: canon.Underscores(rest[0]),
			Version:    rest[1],
			Subdir:     rest[2],
		})

	case "make_map_files":
		if len(rest) < 1 {
			return syntaxError(filename, linenum)
		}
		conf.MakeMapFiles = rest[0] == "yes"

	default:
		return syntaxError(filename, linenum)
	}
	return nil
}

func syntaxError(filename string, linenum int) error {
	return fmt.Errorf("%s line %d: ignoring bad line starting with unrecognized keyword", filename, linenum)
}

// splitConfigLine tokenizes a logical line on runs of tabs and spaces,
// without removing any single field's internal whitespace (mirroring
// strsep_skipspace on "\t ").
func splitConfigLine(line string) []string {
	return strings.FieldsFunc(line, func(r rune) bool { return r == '\t' || r == ' ' })
}

// ScanDir parses filename: if it's a directory, every entry accepted by
// ConfigFilter is parsed in lexicographic order; otherwise filename is
// parsed directly as a single config file.
func ScanDir(ctx context.Context, filename, lookupName string, conf *Config, removing bool) error {
	entries, err := os.ReadDir(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		// Not a directory (or some other ReadDir failure): fall back to
		// parsing filename as a single config file.
		return ParseFile(ctx, filename, lookupName, conf, removing)
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if !ConfigFilter(name) {
			continue
		}
		if len(name) < 6 || (!strings.HasSuffix(name, ".conf") && !strings.HasSuffix(name, ".alias")) {
			log.WithPath(ctx, filename).Warnf("all config files need .conf: %s/%s, it will be ignored in a future release", filename, name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := ParseFile(ctx, filepath.Join(filename, name), lookupName, conf, removing); err != nil {
			log.WithPath(ctx, filename).Warnf("failed to open config file %s: %v", name, err)
		}
	}
	return nil
}

// ParseTopLevel resolves lookupName against the full modprobe.d
// configuration: an explicit -C config file/dir if configFile is
// non-empty, else the deprecated /etc/modprobe.conf followed by the
// default /etc/modprobe.d scan.
func ParseTopLevel(ctx context.Context, configFile, lookupName string, removing bool) (*Config, error) {
	return parseTopLevelWithDefaults(ctx, configFile, "/etc/modprobe.conf", "/etc/modprobe.d", lookupName, removing)
}

// ParseTopLevelDepmod is ParseTopLevel's depmod-side counterpart: the
// legacy single file is /etc/depmod.conf and the directory scan is
// /etc/depmod.d.
func ParseTopLevelDepmod(ctx context.Context, configFile, lookupName string) (*Config, error) {
	return parseTopLevelWithDefaults(ctx, configFile, "/etc/depmod.conf", "/etc/depmod.d", lookupName, false)
}

func parseTopLevelWithDefaults(ctx context.Context, configFile, legacyFile, confDir, lookupName string, removing bool) (*Config, error) {
	conf := New()
	if configFile != "" {
		return conf, ScanDir(ctx, configFile, lookupName, conf, removing)
	}

	if err := ParseFile(ctx, legacyFile, lookupName, conf, removing); err == nil {
		log.G(ctx).Debugf("deprecated config file %s in use; config belongs in %s", legacyFile, confDir)
	}
	return conf, ScanDir(ctx, confDir, lookupName, conf, removing)
}
