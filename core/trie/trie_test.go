package trie

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func values(vs []Value) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.Value
	}
	sort.Strings(out)
	return out
}

func TestBuildOpenRoundTrip(t *testing.T) {
	b := NewBuilder()
	b.Add("loop", "kernel/drivers/block/loop.ko: ", 0)
	b.Add("loop_fs", "kernel/fs/loop_fs.ko: kernel/drivers/block/loop.ko", 0)
	b.Add("e1000", "kernel/drivers/net/e1000.ko: ", 0)

	idx, err := Open(b.Build())
	require.NoError(t, err)

	got := idx.Search("loop")
	require.Equal(t, []string{"kernel/drivers/block/loop.ko: "}, values(got))

	got = idx.Search("loop_fs")
	require.Equal(t, []string{"kernel/fs/loop_fs.ko: kernel/drivers/block/loop.ko"}, values(got))

	require.Nil(t, idx.Search("nope"))
	require.Nil(t, idx.Search("loo"))
}

func TestAddSplitsOnDivergence(t *testing.T) {
	b := NewBuilder()
	b.Add("snd_hda_codec", "a", 0)
	b.Add("snd_hda_intel", "b", 0)
	b.Add("snd_hda", "c", 0)

	idx, err := Open(b.Build())
	require.NoError(t, err)

	require.Equal(t, []string{"a"}, values(idx.Search("snd_hda_codec")))
	require.Equal(t, []string{"b"}, values(idx.Search("snd_hda_intel")))
	require.Equal(t, []string{"c"}, values(idx.Search("snd_hda")))
}

func TestDuplicateKeyKeepsBothValues(t *testing.T) {
	b := NewBuilder()
	b.Add("usbcore", "first", 0)
	b.Add("usbcore", "second", 1)

	idx, err := Open(b.Build())
	require.NoError(t, err)

	require.ElementsMatch(t, []string{"first", "second"}, values(idx.Search("usbcore")))
}

func TestSearchReturnsLowestPriorityValueFirst(t *testing.T) {
	b := NewBuilder()
	// Inserted out of priority order, as writeAliasIndex/writeSymbolIndex
	// do when they sort entries alphabetically before calling Add.
	b.Add("usbcore", "second", 5)
	b.Add("usbcore", "first", 1)

	idx, err := Open(b.Build())
	require.NoError(t, err)

	got := idx.Search("usbcore")
	require.Len(t, got, 2)
	require.Equal(t, "first", got[0].Value)
	require.Equal(t, "second", got[1].Value)
}

func TestSearchWildReturnsLowestPriorityValueFirst(t *testing.T) {
	b := NewBuilder()
	b.Add("pci:v00008086*", "second", 5)
	b.Add("pci:v0000*", "first", 1)

	idx, err := Open(b.Build())
	require.NoError(t, err)

	got := idx.SearchWild("pci:v00008086d1234")
	require.Len(t, got, 2)
	require.Equal(t, "first", got[0].Value)
	require.Equal(t, "second", got[1].Value)
}

func TestAddPanicsOnNonASCIIKey(t *testing.T) {
	b := NewBuilder()
	require.Panics(t, func() { b.Add("caf\xe9", "val", 0) })
}

func TestAddPanicsOnNonASCIIValue(t *testing.T) {
	b := NewBuilder()
	require.Panics(t, func() { b.Add("key", "caf\xe9", 0) })
}

func TestSearchWildMatchesStoredPatterns(t *testing.T) {
	b := NewBuilder()
	b.Add("pci:v00008086d*sv*sd*bc*sc*i*", "e1000e", 0)
	b.Add("usb:v1234p*", "usbmod", 0)

	idx, err := Open(b.Build())
	require.NoError(t, err)

	got := idx.SearchWild("pci:v00008086d00001234sv0000sd0000bc02sc00i00")
	require.ElementsMatch(t, []string{"e1000e"}, values(got))

	require.Nil(t, idx.SearchWild("no:match"))
}

func TestOpenRejectsBadMagic(t *testing.T) {
	_, err := Open([]byte{0, 0, 0, 0, 0, 0, 0, 0})
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestOpenRejectsTruncated(t *testing.T) {
	_, err := Open([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrTruncated)
}

func TestDump(t *testing.T) {
	b := NewBuilder()
	b.Add("loop", "loopval", 0)
	b.Add("e1000", "e1000val", 0)

	idx, err := Open(b.Build())
	require.NoError(t, err)

	kvs := idx.Dump("alias ")
	require.Len(t, kvs, 2)
	for _, kv := range kvs {
		require.Contains(t, []string{"alias loop", "alias e1000"}, kv.Key)
	}
}
