package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTempCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "import.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	return path
}

func TestImportHeadlessRows(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	path := writeTempCSV(t, "val1,GTD,reasonA\nval2\n,,\n")

	stats, err := s.ImportCSV(ctx, path, ImportAppend)
	if err != nil {
		t.Fatalf("ImportCSV: %v", err)
	}
	want := ImportStats{Processed: 3, Added: 2, Invalid: 1}
	if stats != want {
		t.Fatalf("stats = %+v, want %+v", stats, want)
	}

	res, err := s.Check(ctx, "val1", 0)
	if err != nil {
		t.Fatalf("Check val1: %v", err)
	}
	if !res.Found || res.Entry.Category != "GTD" || res.Entry.Reason != "reasonA" {
		t.Fatalf("val1 = %+v, want GTD/reasonA", res.Entry)
	}

	res, err = s.Check(ctx, "val2", 0)
	if err != nil {
		t.Fatalf("Check val2: %v", err)
	}
	if !res.Found || res.Entry.Category != "general" {
		t.Fatalf("val2 = %+v, want default category", res.Entry)
	}

	if got := eventCount(t, s, EventImport); got != 1 {
		t.Fatalf("import events = %d, want 1", got)
	}
}

func TestImportHeaderMapsReorderedColumns(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	path := writeTempCSV(t, "reason,value\nwhy it matters,valX\n")

	stats, err := s.ImportCSV(ctx, path, ImportAppend)
	if err != nil {
		t.Fatalf("ImportCSV: %v", err)
	}
	if stats.Processed != 1 || stats.Added != 1 {
		t.Fatalf("stats = %+v, want 1 processed 1 added", stats)
	}

	res, err := s.Check(ctx, "valX", 0)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !res.Found || res.Entry.Reason != "why it matters" {
		t.Fatalf("valX = %+v, want mapped reason", res.Entry)
	}
}

func TestImportFourColumnsSkipsLeadingID(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	path := writeTempCSV(t, "10,valY,catY,reasonY\n")

	stats, err := s.ImportCSV(ctx, path, ImportAppend)
	if err != nil {
		t.Fatalf("ImportCSV: %v", err)
	}
	if stats.Added != 1 {
		t.Fatalf("stats = %+v, want 1 added", stats)
	}

	res, err := s.Check(ctx, "valY", 0)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !res.Found || res.Entry.Category != "catY" {
		t.Fatalf("valY = %+v, want the id column ignored", res.Entry)
	}
	if res.Entry.ID == 10 {
		t.Fatal("imported entry reused the file's id column")
	}
}

func TestImportModesHandleDuplicates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("append skips", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t)
		mustAdd(t, s, "dup", "old", "old reason")
		path := writeTempCSV(t, "dup,new,new reason\n")

		stats, err := s.ImportCSV(ctx, path, ImportAppend)
		if err != nil {
			t.Fatalf("ImportCSV: %v", err)
		}
		if stats.Skipped != 1 || stats.Added != 0 {
			t.Fatalf("stats = %+v, want 1 skipped", stats)
		}
		res, _ := s.Check(ctx, "dup", 0)
		if res.Entry.Category != "old" {
			t.Fatalf("category = %q, append must not touch existing rows", res.Entry.Category)
		}
	})

	t.Run("update overwrites", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t)
		mustAdd(t, s, "dup", "old", "old reason")
		path := writeTempCSV(t, "dup,new,new reason\n")

		stats, err := s.ImportCSV(ctx, path, ImportUpdate)
		if err != nil {
			t.Fatalf("ImportCSV: %v", err)
		}
		if stats.Updated != 1 || stats.Added != 0 {
			t.Fatalf("stats = %+v, want 1 updated", stats)
		}
		res, _ := s.Check(ctx, "dup", 0)
		if res.Entry.Category != "new" || res.Entry.Reason != "new reason" {
			t.Fatalf("entry = %+v, want overwritten fields", res.Entry)
		}
	})

	t.Run("replace wipes first", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t)
		mustAdd(t, s, "dup", "old", "old reason")
		mustAdd(t, s, "other", "", "")
		path := writeTempCSV(t, "dup,new,new reason\n")

		stats, err := s.ImportCSV(ctx, path, ImportReplace)
		if err != nil {
			t.Fatalf("ImportCSV: %v", err)
		}
		if stats.Added != 1 {
			t.Fatalf("stats = %+v, want 1 added after wipe", stats)
		}
		n, err := s.Count(ctx)
		if err != nil {
			t.Fatalf("Count: %v", err)
		}
		if n != 1 {
			t.Fatalf("Count = %d, want only the imported row", n)
		}
	})
}

func TestReplaceWithEmptyFileClearsWhitelist(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	mustAdd(t, s, "a", "", "")
	mustAdd(t, s, "b", "", "")
	path := writeTempCSV(t, "")

	stats, err := s.ImportCSV(ctx, path, ImportReplace)
	if err != nil {
		t.Fatalf("ImportCSV: %v", err)
	}
	if stats != (ImportStats{}) {
		t.Fatalf("stats = %+v, want all zero", stats)
	}
	n, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 0 {
		t.Fatalf("Count = %d, want 0 after replace with empty file", n)
	}
}

func TestImportStripsBOMAndSkipsHeader(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	path := writeTempCSV(t, "\xEF\xBB\xBFvalue,category,reason\nvalZ,catZ,reasonZ\n")

	stats, err := s.ImportCSV(ctx, path, ImportAppend)
	if err != nil {
		t.Fatalf("ImportCSV: %v", err)
	}
	if stats.Processed != 1 || stats.Added != 1 {
		t.Fatalf("stats = %+v, want header excluded from counts", stats)
	}
	res, _ := s.Check(ctx, "valZ", 0)
	if !res.Found {
		t.Fatal("valZ missing after BOM+header import")
	}
}

func TestImportMissingFileFails(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	_, err := s.ImportCSV(context.Background(), filepath.Join(t.TempDir(), "nope.csv"), ImportAppend)
	if err == nil {
		t.Fatal("ImportCSV on a missing file succeeded")
	}
}

func TestExportRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	mustAdd(t, s, "one", "cat1", "r1")
	mustAdd(t, s, "two", "cat2", "r2")

	path, ok, err := s.ExportCSV(ctx, "snapshot")
	if err != nil {
		t.Fatalf("ExportCSV: %v", err)
	}
	if !ok {
		t.Fatal("ExportCSV ok = false, want true")
	}
	if !strings.HasPrefix(filepath.Base(path), "snapshot_") || !strings.HasSuffix(path, ".csv") {
		t.Fatalf("export path = %q, want snapshot_<timestamp>.csv", path)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 3 {
		t.Fatalf("export lines = %d, want header + 2 rows", len(lines))
	}
	if lines[0] != "id,value,category,reason" {
		t.Fatalf("header = %q, want id,value,category,reason", lines[0])
	}

	// The exported file must re-import cleanly, id column and all.
	dst := newTestStore(t)
	stats, err := dst.ImportCSV(ctx, path, ImportAppend)
	if err != nil {
		t.Fatalf("re-import: %v", err)
	}
	if stats.Added != 2 || stats.Invalid != 0 {
		t.Fatalf("re-import stats = %+v, want 2 added", stats)
	}
	res, _ := dst.Check(ctx, "two", 0)
	if !res.Found || res.Entry.Category != "cat2" {
		t.Fatalf("round-tripped entry = %+v", res.Entry)
	}

	if got := eventCount(t, s, EventExport); got != 1 {
		t.Fatalf("export events = %d, want 1", got)
	}
}

func TestExportEmptyWhitelistProducesNothing(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	path, ok, err := s.ExportCSV(context.Background(), "")
	if err != nil {
		t.Fatalf("ExportCSV: %v", err)
	}
	if ok || path != "" {
		t.Fatalf("ExportCSV = (%q, %v), want empty result", path, ok)
	}

	entries, err := os.ReadDir(s.cfg.ExportDir)
	if err == nil && len(entries) > 0 {
		t.Fatalf("export dir has %d files, want none", len(entries))
	}
}
