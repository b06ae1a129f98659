package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"wlbot/internal/cache"
	"wlbot/internal/config"
	"wlbot/internal/notifier"
	"wlbot/internal/runtime/supervisor"
	"wlbot/internal/storage"
	kit "wlbot/internal/transport"
	logx "wlbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessAdminOnly
)

type Command struct {
	// Route is a space-separated command path, e.g.:
	//   "check"
	//   "wl add"
	Route       string
	Aliases     []string // root-level aliases, e.g. ["add"] for "wl add"
	Description string
	Usage       string
	Access      Access

	Timeout time.Duration // optional per-command override
	Handle  HandlerFunc
}

type CallbackHandlerFunc func(ctx context.Context, req *Request, payload string) error

// CallbackAccess controls who can trigger an inline-button callback.
//
// Default is admin-only (safer for mutating actions). Set
// CallbackAccessEveryone explicitly for public UI callbacks.
type CallbackAccess int

const (
	CallbackAccessAdminOnly CallbackAccess = iota
	CallbackAccessEveryone
)

type CallbackRoute struct {
	Namespace   string
	Action      string
	Description string
	Access      CallbackAccess
	Timeout     time.Duration
	Handle      CallbackHandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Path    []string // matched command path tokens (for message updates)
	Command string   // convenience (route or callback key)
	Args    []string
	Payload string // callback payload (raw string)

	// Parsed arguments
	RawArgs   []string
	Flags     map[string]string
	BoolFlags map[string]bool
	ReqID     string

	Adapter  kit.Adapter
	Config   *config.Config
	Logger   logx.Logger
	Deps     *Deps
	AdminIDs []int64
}

// Deps are the services command handlers reach into. Any field may be nil in
// minimal/test environments; handlers degrade with a polite reply.
type Deps struct {
	Store    *storage.Store
	Notifier *notifier.Service

	// Supervisors exposes subsystem supervisors for /health.
	Supervisors *SupervisorRegistry
}

// session holds short-lived per-user conversation state: a pending import
// mode and a pending broadcast text. Entries expire after sessionTTL so an
// abandoned /broadcast cannot be confirmed days later.
type session struct {
	importMode  storage.ImportMode
	awaitUpload bool
	broadcast   string
}

const sessionTTL = 10 * time.Minute

type CommandManager struct {
	mu sync.RWMutex

	root  *cmdNode
	alias map[string]*cmdNode // alias -> leaf node

	cbMu      sync.RWMutex
	callbacks map[string]map[string]CallbackRoute // namespace -> action -> route

	admins []int64

	log     logx.Logger
	adapter kit.Adapter
	cfgm    *config.Manager
	deps    *Deps

	sessions *cache.TTL[int64, session]

	menuMu sync.Mutex
	menu   []kit.BotCommand

	runMu   sync.Mutex
	running bool
	sup     *supervisor.Supervisor

	jobs chan func()
}

func New(log logx.Logger, adapter kit.Adapter, cfgm *config.Manager, deps *Deps, admins []int64) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &CommandManager{
		root:      newRoot(),
		alias:     map[string]*cmdNode{},
		callbacks: map[string]map[string]CallbackRoute{},
		log:       log,
		adapter:   adapter,
		cfgm:      cfgm,
		deps:      deps,
		admins:    append([]int64(nil), admins...),
		sessions:  cache.New[int64, session](sessionTTL),
		jobs:      make(chan func(), 256),
	}
	m.SetRegistry(m.builtinCommands(), m.builtinCallbacks())
	return m
}

// Supervisor returns the command manager's internal supervisor (nil if not running).
// Useful for operational visibility (/health).
func (m *CommandManager) Supervisor() *supervisor.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

func (m *CommandManager) setSupervisor(sup *supervisor.Supervisor, running bool) {
	m.runMu.Lock()
	m.sup = sup
	m.running = running
	m.runMu.Unlock()
}

// tryEnqueue is a panic-safe enqueue helper (handles the jobs channel being closed).
func (m *CommandManager) tryEnqueue(fn func()) (ok bool) {
	if fn == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// SetAdmins updates the admin list used for AccessAdminOnly checks.
// Safe to call during hot-reload.
func (m *CommandManager) SetAdmins(admins []int64) {
	cp := append([]int64(nil), admins...)
	m.mu.Lock()
	m.admins = cp
	m.mu.Unlock()
}

func (m *CommandManager) adminsSnapshot() []int64 {
	m.mu.RLock()
	cp := append([]int64(nil), m.admins...)
	m.mu.RUnlock()
	return cp
}

func (m *CommandManager) SetRegistry(cmds []Command, cbs []CallbackRoute) {
	// always inject help
	helper := Command{
		Route:       "help",
		Aliases:     []string{"h"},
		Description: "show command help",
		Usage:       "/help [cmd] [sub...]",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			text := m.helpText(req.Args)
			_, _ = req.Adapter.SendText(ctx, req.Chat, text, &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
			return nil
		},
	}
	cmds = append(cmds, helper)

	root := newRoot()
	alias := map[string]*cmdNode{}
	menuCandidates := make([]Command, 0, len(cmds))

	for _, c := range cmds {
		route := splitRoute(c.Route)
		if len(route) == 0 || c.Handle == nil {
			continue
		}
		cc := c // copy
		leaf := root.add(route, cc)
		menuCandidates = append(menuCandidates, cc)

		// Auto aliases to support Telegram /menu autocomplete.
		// Telegram command names are restricted to [a-z0-9_]{1,32}.
		//
		// The canonical single-token command name itself must NOT go into the
		// alias map: an alias hit short-circuits subcommand traversal, so
		// "/wl list" would never reach the "wl list" route if "wl" were an
		// alias. Only add the shortcut when it differs from the base token
		// (multi-token routes, or names that need sanitizing).
		if menu, ok := telegramCommandNameFromRoute(route); ok {
			if len(route) > 1 || (len(route) == 1 && menu != route[0]) {
				if _, exists := alias[menu]; !exists {
					alias[menu] = leaf
				}
			}
		}
		for _, a := range c.Aliases {
			a = strings.TrimSpace(a)
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			alias[a] = leaf
			if sa := sanitizeTelegramCommand(a); sa != "" {
				if _, exists := alias[sa]; !exists {
					alias[sa] = leaf
				}
			}
		}
	}

	cb := map[string]map[string]CallbackRoute{}
	for _, r := range cbs {
		ns := strings.TrimSpace(r.Namespace)
		a := strings.TrimSpace(r.Action)
		if ns == "" || a == "" || r.Handle == nil {
			continue
		}
		if cb[ns] == nil {
			cb[ns] = map[string]CallbackRoute{}
		}
		cb[ns][a] = r
	}

	m.mu.Lock()
	m.root = root
	m.alias = alias
	m.mu.Unlock()

	m.cbMu.Lock()
	m.callbacks = cb
	m.cbMu.Unlock()

	// The Telegram menu push happens when the dispatcher starts; the adapter
	// may not be connected yet at registry time.
	m.menuMu.Lock()
	m.menu = buildTelegramMenuCommands(root, menuCandidates)
	m.menuMu.Unlock()
}

func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	// bounded worker pool
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}

	// Internal supervisor keeps the worker pool resilient and observable.
	sup := supervisor.New(ctx,
		supervisor.WithLogger(m.log.With(logx.String("comp", "telegram.router"))),
		supervisor.WithCancelOnError(false),
	)
	m.setSupervisor(sup, true)
	if m.deps != nil && m.deps.Supervisors != nil {
		m.deps.Supervisors.Set("telegram.router", sup)
	}

	m.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(m.jobs)))

	// Best-effort Telegram /menu autocomplete update.
	if up, ok := m.adapter.(kit.CommandMenuUpdater); ok {
		sup.Go("telegram.menu.update", func(c context.Context) error {
			m.menuMu.Lock()
			menu := m.menu
			m.menuMu.Unlock()
			cctx, cancel := context.WithTimeout(c, 5*time.Second)
			defer cancel()
			_ = up.UpdateMenuCommands(cctx, menu)
			return nil
		})
	}

	// Drop expired conversation state so abandoned flows don't pile up.
	sup.Go0("telegram.sessions.sweep", func(c context.Context) {
		t := time.NewTicker(sessionTTL)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				m.sessions.Sweep()
			}
		}
	})

	var closeOnce sync.Once
	closeJobs := func() {
		closeOnce.Do(func() {
			// Mark as not running before closing so enqueue can degrade gracefully.
			m.setSupervisor(sup, false)
			close(m.jobs)
		})
	}

	for i := 0; i < workers; i++ {
		idx := i
		name := "command.worker." + strconv.Itoa(idx)
		sup.GoRestart(name, func(c context.Context) error {
			m.log.Debug("command worker started", logx.Int("worker", idx))
			defer m.log.Debug("command worker stopped", logx.Int("worker", idx))
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-m.jobs:
					if !ok {
						return nil
					}
					if job == nil {
						continue
					}
					// A job should never panic (middleware already catches),
					// but keep workers alive if it happens.
					func() {
						defer func() {
							if r := recover(); r != nil {
								m.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			supervisor.WithPublishFirstError(true),
			supervisor.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		closeJobs()
		// Wait briefly for workers to drain.
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		if m.deps != nil && m.deps.Supervisors != nil {
			m.deps.Supervisors.Delete("telegram.router")
		}
		m.setSupervisor(nil, false)
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				m.log.Info("command dispatcher stopped (updates channel closed)")
				return nil
			}
			m.routeUpdate(ctx, up)
		}
	}
}

func (m *CommandManager) routeUpdate(root context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		m.routeMessage(root, up)
	case kit.UpdateCallback:
		m.routeCallback(root, up)
	case kit.UpdateDocument:
		m.routeDocument(root, up)
	}
}

func (m *CommandManager) routeMessage(root context.Context, up kit.Update) {
	if up.Message == nil {
		return
	}
	msg := up.Message
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	// Plain text in a private chat is an implicit whitelist check; the bot's
	// main job stays one message away. Groups only react to commands.
	if !strings.HasPrefix(text, "/") {
		if msg.IsGroup {
			return
		}
		m.enqueueImplicitCheck(root, up, text)
		return
	}

	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return
	}
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	args := []string{}
	if len(parts) > 1 {
		args = parts[1:]
	}

	// snapshot registry
	m.mu.RLock()
	rootNode := m.root
	aliasMap := m.alias
	m.mu.RUnlock()

	// alias as root-level shortcut
	if leaf, ok := aliasMap[word]; ok && leaf != nil && leaf.cmd != nil {
		cmd := *leaf.cmd
		pos, flags, bools := parseFlags(args)
		m.enqueueCommand(root, up, cmd, splitRoute(cmd.Route), pos, args, flags, bools)
		return
	}

	// traverse subcommand tree
	cur, ok := rootNode.child(word)
	if !ok {
		_, _ = m.adapter.SendText(root, kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}, "Unknown command. Try /help.", nil)
		return
	}
	path := []string{word}
	for len(args) > 0 {
		nxt := args[0]
		if strings.HasPrefix(nxt, "-") { // flags start, stop subcommand traversal
			break
		}
		child, ok := cur.child(nxt)
		if !ok {
			break
		}
		cur = child
		path = append(path, nxt)
		args = args[1:]
	}

	// Container node without handler: show help for that path.
	if cur.cmd == nil {
		txt := m.helpText(path)
		_, _ = m.adapter.SendText(root, kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}, txt, &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
		return
	}

	cmd := *cur.cmd
	pos, flags, bools := parseFlags(args)
	m.enqueueCommand(root, up, cmd, path, pos, args, flags, bools)
}

// enqueueImplicitCheck routes bare message text through the regular check
// command so access, logging and metrics stay uniform.
func (m *CommandManager) enqueueImplicitCheck(root context.Context, up kit.Update, text string) {
	m.mu.RLock()
	rootNode := m.root
	m.mu.RUnlock()

	n, ok := rootNode.child("check")
	if !ok || n.cmd == nil {
		return
	}
	cmd := *n.cmd
	m.enqueueCommand(root, up, cmd, []string{"check"}, []string{text}, []string{text}, map[string]string{}, map[string]bool{})
}

// routeDocument handles uploaded files: an admin sending a CSV continues the
// import flow. Anything else is ignored.
func (m *CommandManager) routeDocument(root context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil || msg.Document == nil {
		return
	}
	if !isAdmin(msg.FromID, m.adminsSnapshot()) {
		return
	}
	cmd := Command{
		Route:   "import file",
		Access:  AccessAdminOnly,
		Timeout: 2 * time.Minute,
		Handle:  m.handleImportFile,
	}
	m.enqueueCommand(root, up, cmd, []string{"import", "file"}, nil, nil, map[string]string{}, map[string]bool{})
}

func (m *CommandManager) enqueueCommand(root context.Context, up kit.Update, cmd Command, path []string, args []string, raw []string, flags map[string]string, bools map[string]bool) {
	msg := up.Message
	if msg == nil {
		return
	}

	admins := m.adminsSnapshot()
	if cmd.Access == AccessAdminOnly && !isAdmin(msg.FromID, admins) {
		_, _ = m.adapter.SendText(root, kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}, "This command requires admin rights.", nil)
		return
	}

	rid := newReqID()
	reqLog := m.log.With(
		logx.String("rid", rid),
		logx.Int64("chat_id", msg.ChatID),
		logx.Int("thread_id", msg.ThreadID),
		logx.Int64("from_id", msg.FromID),
		logx.String("cmd", cmd.Route),
	)

	req := &Request{
		Update:    up,
		Chat:      kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		FromID:    msg.FromID,
		Path:      path,
		Command:   cmd.Route,
		Args:      args,
		RawArgs:   raw,
		Flags:     flags,
		BoolFlags: bools,
		ReqID:     rid,
		Adapter:   m.adapter,
		Config:    m.cfgm.Get(),
		Logger:    reqLog,
		Deps:      m.deps,
		AdminIDs:  admins,
	}

	final := Chain(
		cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWMetrics(cmd.Route),
		MWTimeout(cmd.Timeout),
	)

	if !m.tryEnqueue(func() {
		m.noteContact(root, msg)
		_ = final(root, req)
	}) {
		_, _ = m.adapter.SendText(root, req.Chat, "busy, try again", nil)
	}
}

func (m *CommandManager) routeCallback(root context.Context, up kit.Update) {
	if up.Callback == nil {
		return
	}
	cb := up.Callback
	data := strings.TrimSpace(cb.Data)
	parts := strings.SplitN(data, ":", 3)
	if len(parts) < 2 {
		return
	}
	ns := parts[0]
	action := parts[1]
	payload := ""
	if len(parts) == 3 {
		payload = parts[2]
	}

	m.cbMu.RLock()
	actions := m.callbacks[ns]
	route, ok := actions[action]
	m.cbMu.RUnlock()
	if !ok {
		return
	}

	// Access control: default is admin-only.
	admins := m.adminsSnapshot()
	if route.Access == CallbackAccessAdminOnly && !isAdmin(cb.FromID, admins) {
		_ = m.adapter.AnswerCallback(root, cb.ID, "forbidden")
		return
	}
	rid := newReqID()
	key := "cb:" + ns + ":" + action
	reqLog := m.log.With(
		logx.String("rid", rid),
		logx.Int64("chat_id", cb.ChatID),
		logx.Int("thread_id", cb.ThreadID),
		logx.Int64("from_id", cb.FromID),
		logx.String("cmd", key),
	)
	req := &Request{
		Update:   up,
		Chat:     kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID},
		FromID:   cb.FromID,
		Command:  key,
		Payload:  payload,
		ReqID:    rid,
		Adapter:  m.adapter,
		Config:   m.cfgm.Get(),
		Logger:   reqLog,
		Deps:     m.deps,
		AdminIDs: admins,
	}

	h := func(ctx context.Context, r *Request) error { return route.Handle(ctx, r, payload) }

	final := Chain(
		h,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWMetrics(key),
		MWTimeout(route.Timeout),
	)

	if !m.tryEnqueue(func() {
		_ = final(root, req)
		// best-effort to stop "loading" UI
		_ = m.adapter.AnswerCallback(root, cb.ID, "")
	}) {
		_ = m.adapter.AnswerCallback(root, cb.ID, "busy")
	}
}

// noteContact keeps the user directory fresh: every interaction upserts the
// sender's profile with a blank delivery address (the store preserves a known
// address on blank) and refreshes last_activity.
func (m *CommandManager) noteContact(ctx context.Context, msg *kit.Message) {
	if m.deps == nil || m.deps.Store == nil || msg.FromID == 0 {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := m.deps.Store.UpsertUser(cctx, storage.UserProfile{
		UserID:    msg.FromID,
		Username:  msg.FromUsername,
		FirstName: msg.FromFirst,
		LastName:  msg.FromLast,
	})
	if err != nil {
		m.log.Debug("user upsert failed", logx.Int64("user_id", msg.FromID), logx.Any("err", err))
	}
}

func isAdmin(id int64, admins []int64) bool {
	for _, a := range admins {
		if a == id {
			return true
		}
	}
	return false
}
