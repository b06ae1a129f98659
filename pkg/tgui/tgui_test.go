package tgui

import (
	"strings"
	"testing"
)

func TestBuilderEscapesByDefault(t *testing.T) {
	msg := New().
		Title("📝", "Whitelist <entries>").
		KV("Value", "a<b>").
		Code("0x<1>").
		Build()

	if strings.Contains(msg.Text, "<entries>") {
		t.Fatalf("title was not escaped: %q", msg.Text)
	}
	if !strings.Contains(msg.Text, "&lt;entries&gt;") {
		t.Fatalf("escaped title missing: %q", msg.Text)
	}
	if !strings.Contains(msg.Text, "<code>0x&lt;1&gt;</code>") {
		t.Fatalf("code line wrong: %q", msg.Text)
	}
	if msg.Opt == nil || msg.Opt.ParseMode != "HTML" || !msg.Opt.DisablePreview {
		t.Fatalf("default options wrong: %+v", msg.Opt)
	}
}

func TestBuilderInlineMarkup(t *testing.T) {
	kb := NewInline().Row(Btn("Prev", Data("wl", "page", "1")), Btn("Next", Data("wl", "page", "3")))
	msg := New().Line("x").Inline(kb).Build()
	if msg.Opt.ReplyMarkupAdapter == nil {
		t.Fatalf("inline markup not attached")
	}
}

func TestData(t *testing.T) {
	cases := []struct {
		ns, action, payload string
		want                string
	}{
		{"wl", "page", "2", "wl:page:2"},
		{"imp", "mode", "append", "imp:mode:append"},
		{"bcast", "cancel", "", "bcast:cancel"},
	}
	for _, tc := range cases {
		if got := Data(tc.ns, tc.action, tc.payload); got != tc.want {
			t.Fatalf("Data(%q,%q,%q) = %q, want %q", tc.ns, tc.action, tc.payload, got, tc.want)
		}
		if len(tc.want) > MaxCallbackDataLen {
			t.Fatalf("callback data %q exceeds Telegram limit", tc.want)
		}
	}
}

func TestPageLabel(t *testing.T) {
	cases := []struct {
		page, size, total int
		want              string
	}{
		{1, 10, 0, "Page 1/1"},
		{1, 10, 25, "Page 1/3 • 1-10 of 25"},
		{3, 10, 25, "Page 3/3 • 21-25 of 25"},
		{9, 10, 25, "Page 3/3 • 21-25 of 25"}, // clamped
	}
	for _, tc := range cases {
		if got := PageLabel(tc.page, tc.size, tc.total); got != tc.want {
			t.Fatalf("PageLabel(%d,%d,%d) = %q, want %q", tc.page, tc.size, tc.total, got, tc.want)
		}
	}
}

func TestTruncRunes(t *testing.T) {
	if got := TruncRunes("hello", 10); got != "hello" {
		t.Fatalf("TruncRunes short = %q, want unchanged", got)
	}
	if got := TruncRunes("hello", 4); got != "hell…" {
		t.Fatalf("TruncRunes = %q, want %q", got, "hell…")
	}
	if got := TruncRunes("héllo", 2); got != "hé…" {
		t.Fatalf("TruncRunes multibyte = %q, want %q", got, "hé…")
	}
}
