package router

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"wlbot/internal/config"
	"wlbot/internal/notifier"
	"wlbot/internal/storage"
	kit "wlbot/internal/transport"
	"wlbot/pkg/tgui"

	tele "gopkg.in/telebot.v4"
)

const defaultPageSize = 10

func pageSize(cfg *config.Config) int {
	if cfg != nil && cfg.Telegram.PageSize > 0 {
		return cfg.Telegram.PageSize
	}
	return defaultPageSize
}

func (m *CommandManager) builtinCommands() []Command {
	return []Command{
		{
			Route:       "start",
			Description: "register and see what the bot does",
			Usage:       "/start",
			Access:      AccessEveryone,
			Timeout:     10 * time.Second,
			Handle:      m.handleStart,
		},
		{
			Route:       "check",
			Aliases:     []string{"c"},
			Description: "check a value against the whitelist",
			Usage:       "/check <value>",
			Access:      AccessEveryone,
			Timeout:     10 * time.Second,
			Handle:      m.handleCheck,
		},
		{
			Route:       "wl add",
			Aliases:     []string{"add"},
			Description: "add a value to the whitelist",
			Usage:       `/wl add <value> [category] [reason...]`,
			Access:      AccessAdminOnly,
			Timeout:     15 * time.Second,
			Handle:      m.handleWlAdd,
		},
		{
			Route:       "wl remove",
			Aliases:     []string{"remove", "rm"},
			Description: "remove a value from the whitelist",
			Usage:       "/wl remove <value>",
			Access:      AccessAdminOnly,
			Timeout:     15 * time.Second,
			Handle:      m.handleWlRemove,
		},
		{
			Route:       "wl list",
			Aliases:     []string{"list"},
			Description: "page through the whitelist",
			Usage:       "/wl list [page]",
			Access:      AccessAdminOnly,
			Timeout:     15 * time.Second,
			Handle:      m.handleWlList,
		},
		{
			Route:       "wl count",
			Aliases:     []string{"count"},
			Description: "count whitelist entries",
			Usage:       "/wl count",
			Access:      AccessAdminOnly,
			Timeout:     10 * time.Second,
			Handle:      m.handleWlCount,
		},
		{
			Route:       "stats",
			Description: "usage statistics",
			Usage:       "/stats",
			Access:      AccessAdminOnly,
			Timeout:     15 * time.Second,
			Handle:      m.handleStats,
		},
		{
			Route:       "export",
			Description: "export the whitelist as CSV",
			Usage:       "/export [name]",
			Access:      AccessAdminOnly,
			Timeout:     60 * time.Second,
			Handle:      m.handleExport,
		},
		{
			Route:       "import",
			Description: "import whitelist entries from CSV",
			Usage:       "/import [append|update|replace]",
			Access:      AccessAdminOnly,
			Timeout:     15 * time.Second,
			Handle:      m.handleImport,
		},
		{
			Route:       "broadcast",
			Description: "message every registered user",
			Usage:       "/broadcast <text>",
			Access:      AccessAdminOnly,
			Timeout:     15 * time.Second,
			Handle:      m.handleBroadcast,
		},
		{
			Route:       "broadcast status",
			Description: "progress of a broadcast job",
			Usage:       "/broadcast status <job-id>",
			Access:      AccessAdminOnly,
			Timeout:     10 * time.Second,
			Handle:      m.handleBroadcastStatus,
		},
		{
			Route:       "health",
			Description: "storage and subsystem health",
			Usage:       "/health",
			Access:      AccessAdminOnly,
			Timeout:     10 * time.Second,
			Handle:      m.handleHealth,
		},
	}
}

func (m *CommandManager) builtinCallbacks() []CallbackRoute {
	return []CallbackRoute{
		{Namespace: "wl", Action: "page", Description: "whitelist pagination", Timeout: 15 * time.Second, Handle: m.cbWlPage},
		{Namespace: "imp", Action: "mode", Description: "pick import mode", Timeout: 10 * time.Second, Handle: m.cbImportMode},
		{Namespace: "imp", Action: "cancel", Description: "cancel pending import", Timeout: 10 * time.Second, Handle: m.cbImportCancel},
		{Namespace: "bcast", Action: "confirm", Description: "send pending broadcast", Timeout: 30 * time.Second, Handle: m.cbBroadcastConfirm},
		{Namespace: "bcast", Action: "cancel", Description: "discard pending broadcast", Timeout: 10 * time.Second, Handle: m.cbBroadcastCancel},
	}
}

// ---- shared helpers ----

func replyText(ctx context.Context, req *Request, text string) error {
	_, err := req.Adapter.SendText(ctx, req.Chat, text, nil)
	return err
}

func reply(ctx context.Context, req *Request, msg tgui.Message) error {
	_, err := msg.Send(ctx, req.Adapter, req.Chat)
	return err
}

func cbRef(req *Request) kit.MessageRef {
	cb := req.Update.Callback
	return kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID}
}

// editCb replaces the message the pressed button hangs off, dropping its
// keyboard in the process.
func editCb(ctx context.Context, req *Request, msg tgui.Message) error {
	return msg.Edit(ctx, req.Adapter, cbRef(req))
}

func (m *CommandManager) replyStoreDown(ctx context.Context, req *Request) error {
	return replyText(ctx, req, "Storage is unavailable right now, please try again later.")
}

func (m *CommandManager) patchSession(uid int64, fn func(*session)) {
	s, _ := m.sessions.Get(uid)
	fn(&s)
	m.sessions.Set(uid, s)
}

// ---- basic commands ----

func (m *CommandManager) handleStart(ctx context.Context, req *Request) error {
	if req.Deps == nil || req.Deps.Store == nil {
		return m.replyStoreDown(ctx, req)
	}
	msg := req.Update.Message
	err := req.Deps.Store.UpsertUser(ctx, storage.UserProfile{
		UserID:          req.FromID,
		Username:        msg.FromUsername,
		FirstName:       msg.FromFirst,
		LastName:        msg.FromLast,
		DeliveryAddress: strconv.FormatInt(req.Chat.ChatID, 10),
	})
	if err != nil {
		_ = m.replyStoreDown(ctx, req)
		return err
	}

	b := tgui.New().
		Title("👋", "Whitelist bot").
		Line("Send any value to check it against the whitelist, or use a command:").
		Blank().
		Bullets(
			"/check <value> — explicit check",
			"/help — full command list",
		)
	if isAdmin(req.FromID, req.AdminIDs) {
		b.Blank().Line("Admin commands: /wl, /stats, /import, /export, /broadcast, /health.")
	}
	return reply(ctx, req, b.Build())
}

func (m *CommandManager) handleCheck(ctx context.Context, req *Request) error {
	value := strings.TrimSpace(strings.Join(req.Args, " "))
	if value == "" {
		return reply(ctx, req, tgui.New().
			Line("Send the value you want to check, e.g.").
			Code("/check alice@example.org").
			Build())
	}
	if req.Deps == nil || req.Deps.Store == nil {
		return m.replyStoreDown(ctx, req)
	}
	res, err := req.Deps.Store.Check(ctx, value, req.FromID)
	if err != nil {
		_ = replyText(ctx, req, "Check failed, please try again later.")
		return err
	}
	if !res.Found {
		return reply(ctx, req, tgui.New().
			RawLine("❌ "+tgui.Code(value).String()+" is not in the whitelist.").
			Build())
	}
	b := tgui.New().
		RawLine("✅ " + tgui.Code(res.Entry.Value).String() + " is whitelisted.").
		KV("Category", res.Entry.Category)
	if res.Entry.Reason != "" {
		b.KV("Reason", res.Entry.Reason)
	}
	return reply(ctx, req, b.Build())
}

// ---- whitelist management ----

func (m *CommandManager) handleWlAdd(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return reply(ctx, req, tgui.New().
			Line("Usage:").
			Code(`/wl add <value> [category] [reason...]`).
			Line(`Quote values that contain spaces: /wl add "acme corp" partner.`).
			Build())
	}
	if req.Deps == nil || req.Deps.Store == nil {
		return m.replyStoreDown(ctx, req)
	}
	value := req.Args[0]
	category, reason := "", ""
	if len(req.Args) > 1 {
		category = req.Args[1]
	}
	if len(req.Args) > 2 {
		reason = strings.Join(req.Args[2:], " ")
	}

	res, err := req.Deps.Store.Add(ctx, value, category, reason)
	if err != nil {
		_ = replyText(ctx, req, "Adding the entry failed, please try again.")
		return err
	}
	if res.Outcome == storage.AddOutcomeExists {
		return reply(ctx, req, tgui.New().
			RawLine("⚠️ "+tgui.Code(res.Entry.Value).String()+" is already whitelisted.").
			KV("Category", res.Entry.Category).
			Build())
	}
	b := tgui.New().
		RawLine("✅ Added " + tgui.Code(res.Entry.Value).String() + ".").
		KV("Category", res.Entry.Category)
	if res.Entry.Reason != "" {
		b.KV("Reason", res.Entry.Reason)
	}
	return reply(ctx, req, b.Build())
}

func (m *CommandManager) handleWlRemove(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return reply(ctx, req, tgui.New().
			Line("Usage:").
			Code("/wl remove <value>").
			Build())
	}
	if req.Deps == nil || req.Deps.Store == nil {
		return m.replyStoreDown(ctx, req)
	}
	value := req.Args[0]
	removed, err := req.Deps.Store.Remove(ctx, value)
	if err != nil {
		_ = replyText(ctx, req, "Removing the entry failed, please try again.")
		return err
	}
	if !removed {
		return reply(ctx, req, tgui.New().
			RawLine("❌ "+tgui.Code(value).String()+" is not in the whitelist.").
			Build())
	}
	return reply(ctx, req, tgui.New().
		RawLine("🗑 Removed "+tgui.Code(value).String()+" from the whitelist.").
		Build())
}

func (m *CommandManager) handleWlList(ctx context.Context, req *Request) error {
	page := 1
	if len(req.Args) > 0 {
		p, err := strconv.Atoi(req.Args[0])
		if err != nil || p < 1 {
			return replyText(ctx, req, "Page must be a positive number.")
		}
		page = p
	}
	if req.Deps == nil || req.Deps.Store == nil {
		return m.replyStoreDown(ctx, req)
	}
	size := pageSize(req.Config)
	entries, total, err := req.Deps.Store.List(ctx, page, size)
	if err != nil {
		_ = replyText(ctx, req, "Listing failed, please try again.")
		return err
	}
	return reply(ctx, req, renderWhitelistPage(entries, total, page, size))
}

func renderWhitelistPage(entries []storage.Entry, total int64, page, size int) tgui.Message {
	b := tgui.New().Title("📝", "Whitelist")
	if total == 0 {
		b.Line("The whitelist is empty.")
		return b.Build()
	}
	if len(entries) == 0 {
		b.Line("Nothing on this page.")
	}
	start := (page - 1) * size
	for i, e := range entries {
		line := strconv.Itoa(start+i+1) + ". " + tgui.Code(e.Value).String()
		if e.Category != "" {
			line += " — " + tgui.Esc(e.Category).String()
		}
		b.RawLine(line)
	}
	b.Blank().Line(tgui.PageLabel(page, size, int(total)))

	if pages := tgui.PageCount(int(total), size); pages > 1 {
		var row []tele.Btn
		if page > 1 {
			row = append(row, tgui.Btn("⬅️ Prev", tgui.Data("wl", "page", strconv.Itoa(page-1))))
		}
		if page < pages {
			row = append(row, tgui.Btn("Next ➡️", tgui.Data("wl", "page", strconv.Itoa(page+1))))
		}
		if len(row) > 0 {
			b.Inline(tgui.NewInline().Row(row...))
		}
	}
	return b.Build()
}

func (m *CommandManager) cbWlPage(ctx context.Context, req *Request, payload string) error {
	page, err := strconv.Atoi(payload)
	if err != nil || page < 1 {
		return nil
	}
	if req.Deps == nil || req.Deps.Store == nil {
		return nil
	}
	size := pageSize(req.Config)
	entries, total, err := req.Deps.Store.List(ctx, page, size)
	if err != nil {
		return err
	}
	return editCb(ctx, req, renderWhitelistPage(entries, total, page, size))
}

func (m *CommandManager) handleWlCount(ctx context.Context, req *Request) error {
	if req.Deps == nil || req.Deps.Store == nil {
		return m.replyStoreDown(ctx, req)
	}
	n, err := req.Deps.Store.Count(ctx)
	if err != nil {
		_ = replyText(ctx, req, "Counting failed, please try again.")
		return err
	}
	return reply(ctx, req, tgui.New().
		Line(fmt.Sprintf("📝 Whitelist entries: %d", n)).
		Build())
}

// ---- statistics ----

func (m *CommandManager) handleStats(ctx context.Context, req *Request) error {
	if req.Deps == nil || req.Deps.Store == nil {
		return m.replyStoreDown(ctx, req)
	}
	st := req.Deps.Store.Stats(ctx)

	successRate := 0.0
	if st.Checks7d > 0 {
		successRate = float64(st.SuccessfulChecks7d) / float64(st.Checks7d) * 100
	}
	activeRate := 0.0
	if st.TotalUsers > 0 {
		activeRate = float64(st.ActiveUsers7d) / float64(st.TotalUsers) * 100
	}

	b := tgui.New().
		Title("📊", "Bot statistics").
		Blank().
		Section("👥 Users").
		KV("Total", strconv.FormatInt(st.TotalUsers, 10)).
		KV("Active (24h)", strconv.FormatInt(st.ActiveUsers24, 10)).
		KV("Active (7d)", fmt.Sprintf("%d (%.1f%%)", st.ActiveUsers7d, activeRate)).
		KV("New (7d)", strconv.FormatInt(st.NewUsers7d, 10)).
		Blank().
		Section("🔍 Checks").
		KV("Last 24h", strconv.FormatInt(st.Checks24h, 10)).
		KV("Last 7d", strconv.FormatInt(st.Checks7d, 10)).
		KV("Successful (7d)", fmt.Sprintf("%d (%.1f%%)", st.SuccessfulChecks7d, successRate)).
		Blank().
		Section("📝 Whitelist").
		KV("Entries", strconv.FormatInt(st.WhitelistEntries, 10))

	if chart := weekdayChart(st.WeekdayActivity); chart != "" {
		b.Blank().Section("📅 Activity by weekday (7d)").Pre(chart)
	}
	return reply(ctx, req, b.Build())
}

func weekdayChart(act map[time.Weekday]int64) string {
	if len(act) == 0 {
		return ""
	}
	order := []time.Weekday{
		time.Monday, time.Tuesday, time.Wednesday, time.Thursday,
		time.Friday, time.Saturday, time.Sunday,
	}
	var max int64
	for _, d := range order {
		if act[d] > max {
			max = act[d]
		}
	}
	if max == 0 {
		return ""
	}
	var sb strings.Builder
	for _, d := range order {
		n := act[d]
		bar := strings.Repeat("█", int(n*10/max))
		if n > 0 && bar == "" {
			bar = "▏"
		}
		fmt.Fprintf(&sb, "%s %-10s %d\n", d.String()[:3], bar, n)
	}
	return sb.String()
}

// ---- export / import ----

func (m *CommandManager) handleExport(ctx context.Context, req *Request) error {
	if req.Deps == nil || req.Deps.Store == nil {
		return m.replyStoreDown(ctx, req)
	}
	name := ""
	if len(req.Args) > 0 {
		// Strip any path the admin sneaks in; exports stay in the export dir.
		name = filepath.Base(req.Args[0])
	}
	path, ok, err := req.Deps.Store.ExportCSV(ctx, name)
	if err != nil {
		_ = replyText(ctx, req, "Export failed, please try again.")
		return err
	}
	if !ok {
		return replyText(ctx, req, "The whitelist is empty, nothing to export.")
	}

	count, _ := req.Deps.Store.Count(ctx)
	caption := fmt.Sprintf("Whitelist export (%d entries)", count)
	if ds, can := req.Adapter.(kit.DocumentSender); can {
		if err := ds.SendDocument(ctx, req.Chat, path, caption); err != nil {
			_ = replyText(ctx, req, "Export written to "+path+" but sending the file failed.")
			return err
		}
		return nil
	}
	return replyText(ctx, req, "Export written to "+path)
}

func (m *CommandManager) handleImport(ctx context.Context, req *Request) error {
	if len(req.Args) > 0 {
		mode, err := storage.ParseImportMode(req.Args[0])
		if err != nil {
			return replyText(ctx, req, "Unknown mode. Use append, update or replace.")
		}
		m.patchSession(req.FromID, func(s *session) {
			s.importMode = mode
			s.awaitUpload = true
		})
		return reply(ctx, req, tgui.New().
			Line(fmt.Sprintf("Mode %s selected. Now send the CSV file (columns: value,category,reason).", mode)).
			Build())
	}

	kb := tgui.NewInline().
		Row(tgui.Btn("➕ Append", tgui.Data("imp", "mode", "append"))).
		Row(tgui.Btn("♻️ Update", tgui.Data("imp", "mode", "update"))).
		Row(tgui.Btn("🧹 Replace", tgui.Data("imp", "mode", "replace"))).
		Row(tgui.Btn("❌ Cancel", tgui.Data("imp", "cancel", "")))
	b := tgui.New().
		Title("📥", "CSV import").
		Line("Pick what happens to rows that already exist, then upload the file.").
		Blank().
		Bullets(
			"append — keep existing rows, skip duplicates",
			"update — overwrite category/reason of duplicates",
			"replace — wipe the whitelist first",
		).
		Inline(kb)
	return reply(ctx, req, b.Build())
}

func (m *CommandManager) cbImportMode(ctx context.Context, req *Request, payload string) error {
	mode, err := storage.ParseImportMode(payload)
	if err != nil {
		return nil
	}
	m.patchSession(req.FromID, func(s *session) {
		s.importMode = mode
		s.awaitUpload = true
	})
	return editCb(ctx, req, tgui.New().
		Line(fmt.Sprintf("Mode %s selected. Send the CSV file now.", mode)).
		Build())
}

func (m *CommandManager) cbImportCancel(ctx context.Context, req *Request, _ string) error {
	m.patchSession(req.FromID, func(s *session) { s.awaitUpload = false })
	return editCb(ctx, req, tgui.New().Line("Import cancelled.").Build())
}

// handleImportFile ingests an uploaded CSV. Without a prior /import the mode
// defaults to append, the safest of the three.
func (m *CommandManager) handleImportFile(ctx context.Context, req *Request) error {
	msg := req.Update.Message
	doc := msg.Document
	if !strings.EqualFold(filepath.Ext(doc.FileName), ".csv") {
		return replyText(ctx, req, "Please upload a .csv file.")
	}
	if req.Deps == nil || req.Deps.Store == nil {
		return m.replyStoreDown(ctx, req)
	}
	fetch, ok := req.Adapter.(kit.DocumentFetcher)
	if !ok {
		return replyText(ctx, req, "File downloads are not supported on this transport.")
	}

	mode := storage.ImportAppend
	if s, found := m.sessions.Get(req.FromID); found && s.awaitUpload {
		mode = s.importMode
	}

	dir, err := os.MkdirTemp("", "wl-import-")
	if err != nil {
		_ = replyText(ctx, req, "Import failed, please try again.")
		return err
	}
	defer os.RemoveAll(dir)

	path, err := fetch.DownloadDocument(ctx, doc.FileID, dir)
	if err != nil {
		_ = replyText(ctx, req, "Downloading the file failed, please retry.")
		return err
	}

	stats, err := req.Deps.Store.ImportCSV(ctx, path, mode)
	if err != nil {
		_ = replyText(ctx, req, "Import failed: "+err.Error())
		return err
	}
	m.patchSession(req.FromID, func(s *session) { s.awaitUpload = false })

	return reply(ctx, req, tgui.New().
		Title("📥", "Import finished").
		KV("Mode", mode.String()).
		KV("Processed", strconv.Itoa(stats.Processed)).
		KV("Added", strconv.Itoa(stats.Added)).
		KV("Updated", strconv.Itoa(stats.Updated)).
		KV("Skipped", strconv.Itoa(stats.Skipped)).
		KV("Invalid", strconv.Itoa(stats.Invalid)).
		Build())
}

// ---- broadcast ----

func (m *CommandManager) handleBroadcast(ctx context.Context, req *Request) error {
	text := restAfterCommand(req.Update.Message.Text)
	if text == "" {
		return reply(ctx, req, tgui.New().
			Line("Usage:").
			Code("/broadcast <text>").
			Line("The text goes to every registered user after you confirm.").
			Build())
	}
	if req.Deps == nil || req.Deps.Store == nil {
		return m.replyStoreDown(ctx, req)
	}
	notif := req.Deps.Notifier
	if notif == nil || !notif.Enabled() {
		return replyText(ctx, req, "Broadcasting is disabled in the config.")
	}
	recipients, err := req.Deps.Store.Recipients(ctx)
	if err != nil {
		_ = replyText(ctx, req, "Could not load the recipient list, please try again.")
		return err
	}
	if len(recipients) == 0 {
		return replyText(ctx, req, "No recipients yet: nobody has started the bot.")
	}

	m.patchSession(req.FromID, func(s *session) { s.broadcast = text })

	kb := tgui.ConfirmInline(
		tgui.Btn("✅ Send", tgui.Data("bcast", "confirm", "")),
		tgui.Btn("❌ Cancel", tgui.Data("bcast", "cancel", "")),
	)
	return reply(ctx, req, tgui.New().
		Title("📢", "Broadcast preview").
		Pre(tgui.TruncRunes(text, 1000)).
		Line(fmt.Sprintf("Recipients: %d. Send it?", len(recipients))).
		Inline(kb).
		Build())
}

func (m *CommandManager) cbBroadcastConfirm(ctx context.Context, req *Request, _ string) error {
	s, ok := m.sessions.Get(req.FromID)
	if !ok || s.broadcast == "" {
		return editCb(ctx, req, tgui.New().
			Line("This broadcast expired. Run /broadcast again.").
			Build())
	}
	if req.Deps == nil || req.Deps.Store == nil {
		return m.replyStoreDown(ctx, req)
	}
	notif := req.Deps.Notifier
	if notif == nil || !notif.Enabled() {
		return editCb(ctx, req, tgui.New().Line("Broadcasting is disabled in the config.").Build())
	}

	recipients, err := req.Deps.Store.Recipients(ctx)
	if err != nil {
		return err
	}
	targets := make([]notifier.Target, 0, len(recipients))
	for _, r := range recipients {
		chatID, perr := strconv.ParseInt(strings.TrimSpace(r.Address), 10, 64)
		if perr != nil || chatID == 0 {
			continue
		}
		targets = append(targets, notifier.Target{UserID: r.UserID, Chat: kit.ChatTarget{ChatID: chatID}})
	}
	if len(targets) == 0 {
		m.patchSession(req.FromID, func(s *session) { s.broadcast = "" })
		return editCb(ctx, req, tgui.New().Line("No reachable recipients.").Build())
	}

	jobID := notif.Broadcast("broadcast", targets, s.broadcast, nil)
	m.patchSession(req.FromID, func(s *session) { s.broadcast = "" })

	return editCb(ctx, req, tgui.New().
		Title("📤", "Broadcast queued").
		KV("Recipients", strconv.Itoa(len(targets))).
		KV("Job", jobID).
		RawLine("Track it with "+tgui.Code("/broadcast status "+jobID).String()+".").
		Build())
}

func (m *CommandManager) cbBroadcastCancel(ctx context.Context, req *Request, _ string) error {
	m.patchSession(req.FromID, func(s *session) { s.broadcast = "" })
	return editCb(ctx, req, tgui.New().Line("Broadcast cancelled.").Build())
}

func (m *CommandManager) handleBroadcastStatus(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return reply(ctx, req, tgui.New().
			Line("Usage:").
			Code("/broadcast status <job-id>").
			Build())
	}
	if req.Deps == nil || req.Deps.Notifier == nil {
		return replyText(ctx, req, "Broadcasting is disabled in the config.")
	}
	st, ok := req.Deps.Notifier.Status(req.Args[0])
	if !ok {
		return replyText(ctx, req, "Unknown job id (statuses are kept for a day).")
	}

	state := "queued"
	switch {
	case st.Running:
		state = "sending"
	case !st.DoneAt.IsZero():
		state = "done"
	}
	b := tgui.New().
		Title("📤", "Broadcast job").
		KV("Job", st.ID).
		KV("State", state).
		KV("Delivered", fmt.Sprintf("%d/%d", st.Done, st.Total)).
		KV("Failed", strconv.Itoa(st.Failed))
	if !st.DoneAt.IsZero() {
		b.KV("Finished", st.DoneAt.UTC().Format("2006-01-02 15:04:05 MST"))
	}
	return reply(ctx, req, b.Build())
}

// ---- health ----

func (m *CommandManager) handleHealth(ctx context.Context, req *Request) error {
	b := tgui.New().Title("❤️", "Health")

	if req.Deps != nil && req.Deps.Store != nil {
		if err := req.Deps.Store.Ping(ctx); err != nil {
			b.RawLine("🔴 " + tgui.B("storage").String() + " — " + tgui.Esc(tgui.TruncRunes(err.Error(), 120)).String())
		} else {
			b.RawLine("🟢 " + tgui.B("storage").String() + " — ok")
		}
	}

	var names []string
	if req.Deps != nil && req.Deps.Supervisors != nil {
		reg := req.Deps.Supervisors.Snapshot()
		for k := range reg {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, name := range names {
			st := reg[name].Snapshot()
			detail := fmt.Sprintf("%d active, %d started", st.Counters.Active, st.Counters.Started)
			var restarts, panics uint64
			for _, t := range st.Tasks {
				restarts += t.Restarts
				panics += t.Panics
			}
			if restarts > 0 {
				detail += fmt.Sprintf(", %d restarts", restarts)
			}
			if panics > 0 {
				detail += fmt.Sprintf(", %d panics", panics)
			}
			marker := "🟢"
			if st.FirstError != "" {
				marker = "🔴"
			}
			b.RawLine(marker + " " + tgui.B(name).String() + " — " + tgui.Esc(detail).String())
			if st.FirstError != "" {
				b.RawLine("⚠️ " + tgui.Esc(tgui.TruncRunes(st.FirstError, 120)).String())
			}
		}
	}
	if len(names) == 0 {
		b.Line("No subsystems registered.")
	}
	return reply(ctx, req, b.Build())
}
