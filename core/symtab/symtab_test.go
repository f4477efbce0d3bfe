package symtab

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeOwner string

func (f fakeOwner) Path() string { return string(f) }

func TestAddAndFind(t *testing.T) {
	ctx := context.Background()
	tbl := New()
	tbl.Add(ctx, "foo", fakeOwner("a.ko"))

	owner, ok := tbl.Find("foo")
	require.True(t, ok)
	require.Equal(t, fakeOwner("a.ko"), owner)

	_, ok = tbl.Find("bar")
	require.False(t, ok)
}

func TestDuplicateFirstWins(t *testing.T) {
	ctx := context.Background()
	tbl := New()
	tbl.Add(ctx, "foo", fakeOwner("a.ko"))
	tbl.Add(ctx, "foo", fakeOwner("b.ko"))

	owner, ok := tbl.Find("foo")
	require.True(t, ok)
	require.Equal(t, fakeOwner("a.ko"), owner)
}

func TestLeadingDotMatchesWithout(t *testing.T) {
	ctx := context.Background()
	tbl := New()
	tbl.Add(ctx, "foo", fakeOwner("a.ko"))

	owner, ok := tbl.Find(".foo")
	require.True(t, ok)
	require.Equal(t, fakeOwner("a.ko"), owner)
}

func TestKernelOwnedNilSymbol(t *testing.T) {
	ctx := context.Background()
	tbl := New()
	tbl.Add(ctx, "printk", nil)

	owner, ok := tbl.Find("printk")
	require.True(t, ok)
	require.Nil(t, owner)
	require.True(t, tbl.IsKernelOwned("printk"))
	require.False(t, tbl.IsKernelOwned("unknown_sym"))
}

func TestLoadSystemMap(t *testing.T) {
	ctx := context.Background()
	tbl := New()
	data := `c0294200 R __ksymtab_devfs_alloc_devnum
c0294300 R __ksymtab_some_other_sym
c0294400 T not_a_ksymtab_line
`
	require.NoError(t, tbl.LoadSystemMap(ctx, strings.NewReader(data)))

	require.True(t, tbl.IsKernelOwned("devfs_alloc_devnum"))
	require.True(t, tbl.IsKernelOwned("some_other_sym"))
	require.True(t, tbl.IsKernelOwned("__this_module"))
	require.True(t, tbl.IsKernelOwned("_GLOBAL_OFFSET_TABLE_"))
	_, ok := tbl.Find("not_a_ksymtab_line")
	require.False(t, ok)
}
