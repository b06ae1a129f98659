package router

import (
	"reflect"
	"strings"
	"testing"
)

func TestTokenizeCommandLine(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"   ", nil},
		{"/check alice@example.org", []string{"/check", "alice@example.org"}},
		{`/wl add "acme corp" partner`, []string{"/wl", "add", "acme corp", "partner"}},
		{`/wl add 'one two' three`, []string{"/wl", "add", "one two", "three"}},
		{`say \"hi\"`, []string{"say", `"hi"`}},
		{`"unclosed quote`, []string{"unclosed quote"}},
		{"a\tb\nc", []string{"a", "b", "c"}},
	}
	for _, tc := range cases {
		got := tokenizeCommandLine(tc.in)
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("tokenizeCommandLine(%q) = %#v, want %#v", tc.in, got, tc.want)
		}
	}
}

func TestParseFlags(t *testing.T) {
	pos, flags, bools := parseFlags([]string{"x", "--mode=fast", "y", "--dry", "-n", "5", "-abc"})
	if !reflect.DeepEqual(pos, []string{"x", "y"}) {
		t.Fatalf("pos = %#v, want [x y]", pos)
	}
	if flags["mode"] != "fast" || flags["n"] != "5" {
		t.Fatalf("flags = %#v, want mode=fast n=5", flags)
	}
	for _, k := range []string{"dry", "a", "b", "c"} {
		if !bools[k] {
			t.Fatalf("bools = %#v, want %q set", bools, k)
		}
	}
}

func TestParseFlagsValueAfterSpace(t *testing.T) {
	_, flags, _ := parseFlags([]string{"--reason", "manual review"})
	if flags["reason"] != "manual review" {
		t.Fatalf("flags = %#v, want reason=%q", flags, "manual review")
	}
}

func TestParseFlagsDoesNotEatNextFlag(t *testing.T) {
	_, flags, bools := parseFlags([]string{"--out", "-x"})
	if _, ok := flags["out"]; ok {
		t.Fatalf("flags = %#v, --out must not consume -x", flags)
	}
	if !bools["out"] || !bools["x"] {
		t.Fatalf("bools = %#v, want out and x", bools)
	}
}

func TestRestAfterCommand(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"/broadcast", ""},
		{"/broadcast hello", "hello"},
		{"/broadcast hello\nsecond line", "hello\nsecond line"},
		{"/broadcast   spaced   out  ", "spaced   out"},
	}
	for _, tc := range cases {
		if got := restAfterCommand(tc.in); got != tc.want {
			t.Fatalf("restAfterCommand(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNewReqIDUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		id := newReqID()
		if id == "" || strings.ContainsAny(id, " \t\n") {
			t.Fatalf("newReqID() = %q, want compact id", id)
		}
		if seen[id] {
			t.Fatalf("newReqID() repeated %q", id)
		}
		seen[id] = true
	}
}

func TestBase36(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{0, "0"},
		{35, "z"},
		{36, "10"},
		{-36, "10"},
	}
	for _, tc := range cases {
		if got := base36(tc.in); got != tc.want {
			t.Fatalf("base36(%d) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
