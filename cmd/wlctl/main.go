// wlctl manages the whitelist store directly, without the bot running.
// It opens the same SQLite file the bot uses, so it also works as a
// recovery tool when Telegram is unreachable.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"wlbot/internal/config"
	"wlbot/internal/storage"
	logx "wlbot/pkg/logx"
)

const usageText = `wlctl manages the whitelist store directly, without the bot.

Usage:
  wlctl (-config FILE | -db FILE) [-v] <command> [arguments]

Commands:
  add <value>      add one entry (-category, -reason)
  remove <value>   remove one entry
  check <value>    report whether a value is whitelisted (exit 1 when not)
  list             print entries (-page, -per-page)
  count            print the entry count
  import <file>    bulk import a CSV (-mode append|update|replace)
  export           write a timestamped CSV export (-name)
  stats            print the aggregate stats snapshot
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("wlctl", flag.ExitOnError)
	fs.Usage = func() { fmt.Fprint(os.Stderr, usageText) }
	cfgPath := fs.String("config", "", "bot config file; its storage section is used")
	dbPath := fs.String("db", "", "storage file path (overrides the config's storage.path)")
	verbose := fs.Bool("v", false, "verbose logging")
	_ = fs.Parse(args)

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return 2
	}
	cmd, cmdArgs := rest[0], rest[1:]

	sc, err := resolveStorageConfig(*cfgPath, *dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 2
	}

	level := "WARN"
	if *verbose {
		level = "DEBUG"
	}
	log := logx.NewConsole(level).With(logx.String("comp", "wlctl"))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := storage.Open(sc, log, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error: open storage:", err)
		return 1
	}
	defer st.Close()

	switch cmd {
	case "add":
		return cmdAdd(ctx, st, cmdArgs)
	case "remove":
		return cmdRemove(ctx, st, cmdArgs)
	case "check":
		return cmdCheck(ctx, st, cmdArgs)
	case "list":
		return cmdList(ctx, st, cmdArgs)
	case "count":
		return cmdCount(ctx, st)
	case "import":
		return cmdImport(ctx, st, cmdArgs)
	case "export":
		return cmdExport(ctx, st, cmdArgs)
	case "stats":
		return cmdStats(ctx, st)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fs.Usage()
		return 2
	}
}

// resolveStorageConfig builds the store config from the bot's config file,
// a bare -db path, or both (-db overriding the file's storage.path). The
// read cache is left off: a one-shot process gains nothing from it.
func resolveStorageConfig(cfgPath, dbPath string) (storage.Config, error) {
	sc := storage.Config{
		BusyTimeout:            5 * time.Second,
		PreserveAddressOnBlank: true,
	}

	if strings.TrimSpace(cfgPath) != "" {
		cfg, err := config.NewManager(cfgPath).Load()
		if err != nil {
			return storage.Config{}, fmt.Errorf("load config: %w", err)
		}
		s := cfg.Storage
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", s.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		sc.Path = strings.TrimSpace(s.Path)
		sc.BusyTimeout = busy
		sc.DefaultCategory = strings.TrimSpace(s.DefaultCategory)
		sc.DefaultReason = strings.TrimSpace(s.DefaultReason)
		if s.PreserveAddressOnBlank != nil {
			sc.PreserveAddressOnBlank = *s.PreserveAddressOnBlank
		}
		sc.StatsTimezone = strings.TrimSpace(s.StatsTimezone)
		sc.ExportDir = strings.TrimSpace(s.ExportDir)
	}
	if strings.TrimSpace(dbPath) != "" {
		sc.Path = strings.TrimSpace(dbPath)
	}
	if sc.Path == "" {
		return storage.Config{}, fmt.Errorf("no storage file: pass -config or -db")
	}
	return sc, nil
}

func cmdAdd(ctx context.Context, st *storage.Store, args []string) int {
	fs := flag.NewFlagSet("wlctl add", flag.ExitOnError)
	category := fs.String("category", "", "entry category (blank uses the configured default)")
	reason := fs.String("reason", "", "entry reason (blank uses the configured default)")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: wlctl add [-category C] [-reason R] <value>")
		return 2
	}

	res, err := st.Add(ctx, fs.Arg(0), *category, *reason)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	if res.Outcome == storage.AddOutcomeExists {
		fmt.Printf("already whitelisted: %s\n", res.Entry.Value)
		return 0
	}
	fmt.Printf("added: %s (category %q)\n", res.Entry.Value, res.Entry.Category)
	return 0
}

func cmdRemove(ctx context.Context, st *storage.Store, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: wlctl remove <value>")
		return 2
	}
	removed, err := st.Remove(ctx, args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	if !removed {
		fmt.Printf("not found: %s\n", strings.TrimSpace(args[0]))
		return 1
	}
	fmt.Printf("removed: %s\n", strings.TrimSpace(args[0]))
	return 0
}

func cmdCheck(ctx context.Context, st *storage.Store, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: wlctl check <value>")
		return 2
	}
	res, err := st.Check(ctx, args[0], 0)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	if !res.Found {
		fmt.Printf("not whitelisted: %s\n", strings.TrimSpace(args[0]))
		return 1
	}
	fmt.Printf("whitelisted: %s (category %q, reason %q)\n",
		res.Entry.Value, res.Entry.Category, res.Entry.Reason)
	return 0
}

func cmdList(ctx context.Context, st *storage.Store, args []string) int {
	fs := flag.NewFlagSet("wlctl list", flag.ExitOnError)
	page := fs.Int("page", 1, "page number, 1-based")
	perPage := fs.Int("per-page", 0, "entries per page, 0 means all")
	_ = fs.Parse(args)

	entries, total, err := st.List(ctx, *page, *perPage)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	if total == 0 {
		fmt.Println("whitelist is empty")
		return 0
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVALUE\tCATEGORY\tREASON")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", e.ID, e.Value, e.Category, e.Reason)
	}
	_ = w.Flush()
	if *perPage > 0 {
		pages := (total + int64(*perPage) - 1) / int64(*perPage)
		fmt.Printf("page %d/%d, %d total\n", *page, pages, total)
	} else {
		fmt.Printf("%d total\n", total)
	}
	return 0
}

func cmdCount(ctx context.Context, st *storage.Store) int {
	n, err := st.Count(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	fmt.Println(n)
	return 0
}

func cmdImport(ctx context.Context, st *storage.Store, args []string) int {
	fs := flag.NewFlagSet("wlctl import", flag.ExitOnError)
	modeStr := fs.String("mode", "append", "append, update or replace")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: wlctl import [-mode append|update|replace] <file.csv>")
		return 2
	}
	mode, err := storage.ParseImportMode(*modeStr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 2
	}

	stats, err := st.ImportCSV(ctx, fs.Arg(0), mode)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	fmt.Printf("processed %d rows: %d added, %d updated, %d skipped, %d invalid\n",
		stats.Processed, stats.Added, stats.Updated, stats.Skipped, stats.Invalid)
	return 0
}

func cmdExport(ctx context.Context, st *storage.Store, args []string) int {
	fs := flag.NewFlagSet("wlctl export", flag.ExitOnError)
	name := fs.String("name", "", "export file base name")
	_ = fs.Parse(args)

	path, ok, err := st.ExportCSV(ctx, *name)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	if !ok {
		fmt.Println("whitelist is empty, nothing exported")
		return 0
	}
	fmt.Printf("exported to %s\n", path)
	return 0
}

func cmdStats(ctx context.Context, st *storage.Store) int {
	s := st.Stats(ctx)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "generated\t%s\n", s.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "whitelist entries\t%d\n", s.WhitelistEntries)
	fmt.Fprintf(w, "users total\t%d\n", s.TotalUsers)
	fmt.Fprintf(w, "users active 24h\t%d\n", s.ActiveUsers24)
	fmt.Fprintf(w, "users active 7d\t%d\n", s.ActiveUsers7d)
	fmt.Fprintf(w, "users new 7d\t%d\n", s.NewUsers7d)
	fmt.Fprintf(w, "checks 24h\t%d\n", s.Checks24h)
	fmt.Fprintf(w, "checks 7d\t%d\n", s.Checks7d)
	fmt.Fprintf(w, "checks 7d successful\t%d\n", s.SuccessfulChecks7d)
	_ = w.Flush()

	if len(s.WeekdayActivity) > 0 {
		fmt.Println("activity by weekday (7d):")
		order := []time.Weekday{
			time.Monday, time.Tuesday, time.Wednesday, time.Thursday,
			time.Friday, time.Saturday, time.Sunday,
		}
		for _, d := range order {
			fmt.Printf("  %-9s %d\n", d.String(), s.WeekdayActivity[d])
		}
	}
	return 0
}
