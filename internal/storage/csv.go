package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"wlbot/internal/observability/metrics"
	logx "wlbot/pkg/logx"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// csvHeader is the column order written by ExportCSV and recognized on
// re-import.
var csvHeader = []string{"id", "value", "category", "reason"}

// headerAliases maps recognizable header cell names to canonical columns.
var headerAliases = map[string]string{
	"id":          "id",
	"value":       "value",
	"item":        "value",
	"entry":       "value",
	"category":    "category",
	"cat":         "category",
	"type":        "category",
	"reason":      "reason",
	"note":        "reason",
	"comment":     "reason",
	"description": "reason",
}

// ImportCSV ingests a whitelist CSV. Mode decides what happens to values
// already present. Replace clears the table up front, so replacing with an
// empty file empties the whitelist.
//
// The reader is forgiving: an optional header row is sniffed by cell names,
// rows may carry 1 to 4+ columns (value / value,category / value,category,
// reason / id,value,category,reason with the id ignored), and a malformed
// row counts as invalid without stopping the run. Each row commits on its
// own, a large file never holds the database for its whole duration.
func (s *Store) ImportCSV(ctx context.Context, path string, mode ImportMode) (ImportStats, error) {
	var stats ImportStats

	f, err := os.Open(path)
	if err != nil {
		return stats, fmt.Errorf("open import file: %w", err)
	}
	defer f.Close()

	if mode == ImportReplace {
		res, err := s.db.ExecContext(ctx, `DELETE FROM whitelist`)
		if err != nil {
			return stats, fmt.Errorf("clear whitelist: %w", err)
		}
		cleared, _ := res.RowsAffected()
		s.invalidateWhitelist()
		s.log.Info("whitelist cleared for replace import", logx.Int64("removed", cleared))
	}

	br := bufio.NewReader(f)
	if head, _ := br.Peek(len(utf8BOM)); bytes.Equal(head, utf8BOM) {
		br.Discard(len(utf8BOM))
	}

	r := csv.NewReader(br)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	first, err := r.Read()
	if errors.Is(err, io.EOF) {
		s.finishImport(ctx, path, mode, stats)
		return stats, nil
	}
	if err != nil {
		return stats, fmt.Errorf("read import file: %w", err)
	}

	columns, isHeader := sniffHeader(first)
	if !isHeader {
		if err := s.importRow(ctx, first, nil, mode, &stats); err != nil {
			return stats, err
		}
	}

	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			stats.Processed++
			stats.Invalid++
			metrics.ImportRows.WithLabelValues("invalid").Inc()
			continue
		}
		if err != nil {
			return stats, fmt.Errorf("read import file: %w", err)
		}
		if err := s.importRow(ctx, rec, columns, mode, &stats); err != nil {
			return stats, err
		}
	}

	s.invalidateWhitelist()
	s.finishImport(ctx, path, mode, stats)
	return stats, nil
}

// importRow classifies and persists one data row. Returned errors are
// database failures that abort the import; bad rows only bump Invalid.
func (s *Store) importRow(ctx context.Context, rec []string, columns map[string]int, mode ImportMode, stats *ImportStats) error {
	stats.Processed++

	value, category, reason := splitRow(rec, columns)
	if value == "" {
		stats.Invalid++
		metrics.ImportRows.WithLabelValues("invalid").Inc()
		return nil
	}
	cfg := s.config()
	if category == "" {
		category = cfg.DefaultCategory
	}
	if reason == "" {
		reason = cfg.DefaultReason
	}

	_, err := s.insertEntry(ctx, s.db, value, category, reason)
	switch {
	case err == nil:
		stats.Added++
		metrics.ImportRows.WithLabelValues("added").Inc()
		return nil

	case isUniqueViolation(err):
		if mode == ImportUpdate {
			if _, uerr := s.db.ExecContext(ctx,
				`UPDATE whitelist SET category = ?, reason = ? WHERE value = ?`,
				category, reason, value); uerr != nil {
				return fmt.Errorf("update imported entry: %w", uerr)
			}
			stats.Updated++
			metrics.ImportRows.WithLabelValues("updated").Inc()
			return nil
		}
		stats.Skipped++
		metrics.ImportRows.WithLabelValues("skipped").Inc()
		return nil

	default:
		return fmt.Errorf("insert imported entry: %w", err)
	}
}

func (s *Store) finishImport(ctx context.Context, path string, mode ImportMode, stats ImportStats) {
	payload := map[string]any{
		"batch_id":  uuid.NewString(),
		"file":      filepath.Base(path),
		"mode":      mode.String(),
		"processed": stats.Processed,
		"added":     stats.Added,
		"updated":   stats.Updated,
		"skipped":   stats.Skipped,
		"invalid":   stats.Invalid,
	}
	s.RecordEvent(ctx, EventImport, 0, payload, true)
	s.publish(EventImport, payload)
	s.log.Info("import finished",
		logx.String("file", filepath.Base(path)),
		logx.String("mode", mode.String()),
		logx.Int("processed", stats.Processed),
		logx.Int("added", stats.Added),
		logx.Int("updated", stats.Updated),
		logx.Int("skipped", stats.Skipped),
		logx.Int("invalid", stats.Invalid))
}

// sniffHeader decides whether the first row is a header. Any cell matching a
// known column name makes it one; the returned map tells which column lives
// at which index for the data rows that follow.
func sniffHeader(rec []string) (map[string]int, bool) {
	columns := map[string]int{}
	matched := false
	for i, cell := range rec {
		name, ok := headerAliases[strings.ToLower(strings.TrimSpace(cell))]
		if !ok {
			continue
		}
		matched = true
		if _, taken := columns[name]; !taken {
			columns[name] = i
		}
	}
	if !matched {
		return nil, false
	}
	return columns, true
}

// splitRow extracts value/category/reason from one data row. With a header
// the mapped indexes win; without one the row width decides: a 4th column
// shifts everything right by one because exports lead with the row id.
func splitRow(rec []string, columns map[string]int) (value, category, reason string) {
	cell := func(i int) string {
		if i < 0 || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	if columns != nil {
		at := func(name string) int {
			if i, ok := columns[name]; ok {
				return i
			}
			return -1
		}
		return cell(at("value")), cell(at("category")), cell(at("reason"))
	}

	if len(rec) >= len(csvHeader) {
		return cell(1), cell(2), cell(3)
	}
	return cell(0), cell(1), cell(2)
}

// ExportCSV writes every whitelist entry to a timestamped CSV in the
// configured export directory and returns the file's path. An empty
// whitelist produces no file and ok=false.
func (s *Store) ExportCSV(ctx context.Context, name string) (string, bool, error) {
	entries, _, err := s.List(ctx, 1, 0)
	if err != nil {
		return "", false, err
	}
	if len(entries) == 0 {
		return "", false, nil
	}

	base := strings.TrimSpace(name)
	if base == "" {
		base = "whitelist_export"
	}
	base = strings.TrimSuffix(base, ".csv")

	dir := s.config().ExportDir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", false, fmt.Errorf("create export dir: %w", err)
	}

	filename := fmt.Sprintf("%s_%s.csv", base, s.now().UTC().Format("20060102_150405"))
	path := filepath.Join(dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return "", false, fmt.Errorf("create export file: %w", err)
	}

	w := csv.NewWriter(f)
	werr := w.Write(csvHeader)
	for _, e := range entries {
		if werr != nil {
			break
		}
		werr = w.Write([]string{strconv.FormatInt(e.ID, 10), e.Value, e.Category, e.Reason})
	}
	w.Flush()
	if werr == nil {
		werr = w.Error()
	}
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(path)
		return "", false, fmt.Errorf("write export file: %w", werr)
	}

	payload := map[string]any{"file": filename, "entries": len(entries)}
	s.RecordEvent(ctx, EventExport, 0, payload, true)
	s.publish(EventExport, payload)
	s.log.Info("export finished",
		logx.String("file", filename), logx.Int("entries", len(entries)))
	return path, true, nil
}
