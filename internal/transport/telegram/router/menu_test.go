package router

import (
	"strings"
	"testing"
)

func TestSanitizeTelegramCommand(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"check", "check"},
		{"Check", "check"},
		{"wl add", "wl_add"},
		{"WL-Add", "wl_add"},
		{"__a__b__", "a_b"},
		{"émigré", "migr"},
		{"123go", "cmd_123go"},
		{"", ""},
		{"!!!", ""},
		{strings.Repeat("a", 40), strings.Repeat("a", 32)},
	}
	for _, tc := range cases {
		if got := sanitizeTelegramCommand(tc.in); got != tc.want {
			t.Fatalf("sanitizeTelegramCommand(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestTelegramCommandNameFromRoute(t *testing.T) {
	if got, ok := telegramCommandNameFromRoute([]string{"wl", "add"}); !ok || got != "wl_add" {
		t.Fatalf("name(wl add) = %q/%v, want wl_add/true", got, ok)
	}
	if got, ok := telegramCommandNameFromRoute([]string{"check"}); !ok || got != "check" {
		t.Fatalf("name(check) = %q/%v, want check/true", got, ok)
	}
	if _, ok := telegramCommandNameFromRoute(nil); ok {
		t.Fatal("name(nil) should report not ok")
	}
}

func TestBuildTelegramMenuCommands(t *testing.T) {
	cmds := []Command{
		{Route: "check", Description: "Check a value"},
		{Route: "wl add", Description: "Add an entry", Access: AccessAdminOnly},
		{Route: "wl remove", Description: "Remove an entry", Access: AccessAdminOnly},
	}
	root := newRoot()
	for _, c := range cmds {
		root.add(splitRoute(c.Route), c)
	}

	menu := buildTelegramMenuCommands(root, cmds)
	byName := map[string]string{}
	for _, mc := range menu {
		byName[mc.Command] = mc.Description
	}

	if _, ok := byName["check"]; !ok {
		t.Fatalf("menu = %v, want top-level check", menu)
	}
	if _, ok := byName["wl"]; !ok {
		t.Fatalf("menu = %v, want top-level wl group", menu)
	}
	if !strings.HasPrefix(byName["wl"], "🔒") {
		t.Fatalf("wl desc = %q, want admin lock prefix", byName["wl"])
	}
	if desc, ok := byName["wl_add"]; !ok || !strings.HasPrefix(desc, "🔒") {
		t.Fatalf("wl_add = %q/%v, want locked shortcut", desc, ok)
	}

	// Top-level entries sort before leaf shortcuts.
	var sawShortcut bool
	for _, mc := range menu {
		if strings.Contains(mc.Command, "_") {
			sawShortcut = true
			continue
		}
		if sawShortcut {
			t.Fatalf("menu order %v, top-level after shortcut", menu)
		}
	}
}
