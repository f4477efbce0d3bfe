package canon

import "testing"

func TestUnderscores(t *testing.T) {
	cases := []struct{ in, want string }{
		{"foo-bar", "foo_bar"},
		{"pci:v0000Ad-*", "pci:v0000Ad_*"},
		{"pci:v*[0-9a-f]*", "pci:v*[0-9a-f]*"},
		{"", ""},
	}
	for _, c := range cases {
		if got := Underscores(c.in); got != c.want {
			t.Errorf("Underscores(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestUnderscoresIdempotent(t *testing.T) {
	for _, s := range []string{"foo-bar-baz", "a[0-9]-b", "no-dash-here[a-z]"} {
		once := Underscores(s)
		twice := Underscores(once)
		if once != twice {
			t.Errorf("Underscores not idempotent for %q: %q != %q", s, once, twice)
		}
	}
}

func TestFileName2ModName(t *testing.T) {
	cases := []struct{ in, want string }{
		{"/lib/modules/6.1/kernel/drivers/net/e1000-e.ko", "e1000_e"},
		{"loop.ko.gz", "loop"},
		{"nf_conntrack", "nf_conntrack"},
	}
	for _, c := range cases {
		if got := FileName2ModName(c.in); got != c.want {
			t.Errorf("FileName2ModName(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestFileName2ModNameIdempotent(t *testing.T) {
	for _, s := range []string{"e1000-e", "nf_conntrack", "loop"} {
		once := FileName2ModName(s)
		twice := FileName2ModName(once)
		if once != twice {
			t.Errorf("not idempotent for %q: %q != %q", s, once, twice)
		}
	}
}
