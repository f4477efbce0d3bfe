package modconf

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadLogicalLinesJoinsBackslashContinuation(t *testing.T) {
	lines, err := ReadLogicalLines(strings.NewReader("alias foo \\\nbar\noptions baz quux\n"))
	require.NoError(t, err)
	require.Equal(t, []string{"alias foo bar", "options baz quux"}, lines)
}

func TestConfigFilterSkipsBackupsAndVCS(t *testing.T) {
	require.False(t, ConfigFilter(".hidden"))
	require.False(t, ConfigFilter("~backup"))
	require.False(t, ConfigFilter("CVS"))
	require.False(t, ConfigFilter("foo.rpmsave"))
	require.False(t, ConfigFilter("foo.bak"))
	require.True(t, ConfigFilter("foo.conf"))
}

func TestParseFileAlias(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.conf")
	require.NoError(t, os.WriteFile(path, []byte("alias eth* e1000e\nalias usb-storage usb_storage\n"), 0o644))

	conf := New()
	require.NoError(t, ParseFile(context.Background(), path, "eth0", conf, false))
	require.Len(t, conf.Aliases, 1)
	require.Equal(t, "e1000e", conf.Aliases[0].RealName)
}

func TestParseFileOptionsInstallBlacklistSoftdep(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.conf")
	content := `options e1000e debug=1
install pcspkr /bin/true
blacklist nouveau
softdep bridge pre: stp llc post: br_netfilter
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	conf := New()
	require.NoError(t, ParseFile(context.Background(), path, "whatever", conf, false))

	require.Equal(t, "debug=1", OptionsFor("e1000e", conf.Options))
	cmd, ok := FindCommand("pcspkr", conf.Commands)
	require.True(t, ok)
	require.Equal(t, "/bin/true", cmd)
	require.True(t, conf.IsBlacklisted("nouveau"))

	sd, ok := FindSoftdep("bridge", conf.Softdeps)
	require.True(t, ok)
	require.Equal(t, []string{"stp", "llc"}, sd.Pre)
	require.Equal(t, []string{"br_netfilter"}, sd.Post)
}

func TestParseFileRemoveDirectiveOnlyAppliesWhenRemoving(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.conf")
	require.NoError(t, os.WriteFile(path, []byte("remove floppy /sbin/modprobe -r --ignore-remove floppy\n"), 0o644))

	conf := New()
	require.NoError(t, ParseFile(context.Background(), path, "floppy", conf, false))
	require.Empty(t, conf.RemoveCommands)

	conf = New()
	require.NoError(t, ParseFile(context.Background(), path, "floppy", conf, true))
	require.Len(t, conf.RemoveCommands, 1)
}

func TestParseFileBlacklistOnlyAppliesWhenNotRemoving(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.conf")
	require.NoError(t, os.WriteFile(path, []byte("blacklist nouveau\n"), 0o644))

	conf := New()
	require.NoError(t, ParseFile(context.Background(), path, "whatever", conf, false))
	require.True(t, conf.IsBlacklisted("nouveau"))

	conf = New()
	require.NoError(t, ParseFile(context.Background(), path, "whatever", conf, true))
	require.Empty(t, conf.Blacklist)
	require.False(t, conf.IsBlacklisted("nouveau"))
}

func TestParseFileDepmodOnlyDirectives(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "depmod.conf")
	content := `search built-in updates extra
override usb-storage 6.8.0 extra
make_map_files yes
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	conf := New()
	require.NoError(t, ParseFile(context.Background(), path, "whatever", conf, false))
	require.Equal(t, []string{"built-in", "updates", "extra"}, conf.SearchPath)
	require.Len(t, conf.Overrides, 1)
	require.Equal(t, "usb_storage", conf.Overrides[0].ModuleName)
	require.Equal(t, "extra", conf.Overrides[0].Subdir)
	require.True(t, conf.MakeMapFiles)
}

func TestScanDirOrdersLexicographically(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "20-second.conf"), []byte("alias foo two\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "10-first.conf"), []byte("alias foo one\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.bak"), []byte("alias foo ignored\n"), 0o644))

	conf := New()
	require.NoError(t, ScanDir(context.Background(), dir, "foo", conf, false))
	require.Len(t, conf.Aliases, 2)
	require.Equal(t, "one", conf.Aliases[0].RealName)
	require.Equal(t, "two", conf.Aliases[1].RealName)
}
