package strtab

import "testing"

func TestAddDedupesAndPreservesOrder(t *testing.T) {
	tbl := New()
	if !tbl.Add("a") {
		t.Fatal("first Add(a) should report new")
	}
	if tbl.Add("a") {
		t.Fatal("second Add(a) should report duplicate")
	}
	tbl.Add("b")
	tbl.Add("a")

	got := tbl.Strings()
	want := []string{"a", "b"}
	if len(got) != len(want) {
		t.Fatalf("Strings() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Strings()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if tbl.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", tbl.Len())
	}
	if !tbl.Has("a") || !tbl.Has("b") || tbl.Has("c") {
		t.Fatal("Has returned wrong result")
	}
}
