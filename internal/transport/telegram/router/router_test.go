package router

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"wlbot/internal/config"
	"wlbot/internal/storage"
	kit "wlbot/internal/transport"
	logx "wlbot/pkg/logx"
)

const (
	testAdminID int64 = 99
	testUserID  int64 = 7
)

type fakeAdapter struct {
	mu      sync.Mutex
	texts   []string
	edits   []string
	answers []string
	docs    []string
	menu    []kit.BotCommand

	// csvBody is the file content DownloadDocument hands out.
	csvBody string
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error {
	<-ctx.Done()
	return nil
}

func (f *fakeAdapter) Stop(ctx context.Context) error { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: len(f.texts)}, nil
}

func (f *fakeAdapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeAdapter) AnswerCallback(ctx context.Context, callbackID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, text)
	return nil
}

func (f *fakeAdapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.menu = append([]kit.BotCommand(nil), cmds...)
	return nil
}

func (f *fakeAdapter) DownloadDocument(ctx context.Context, fileID, dir string) (string, error) {
	f.mu.Lock()
	body := f.csvBody
	f.mu.Unlock()
	p := filepath.Join(dir, "upload.csv")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		return "", err
	}
	return p, nil
}

func (f *fakeAdapter) SendDocument(ctx context.Context, to kit.ChatTarget, path, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = append(f.docs, path)
	return nil
}

func (f *fakeAdapter) allTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func (f *fakeAdapter) allEdits() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.edits...)
}

func (f *fakeAdapter) allAnswers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.answers...)
}

func (f *fakeAdapter) menuSnapshot() []kit.BotCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]kit.BotCommand(nil), f.menu...)
}

func containsText(texts []string, sub string) bool {
	for _, s := range texts {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fixture struct {
	m       *CommandManager
	ad      *fakeAdapter
	st      *storage.Store
	reg     *SupervisorRegistry
	updates chan kit.Update
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := storage.Open(storage.Config{
		Path:                   filepath.Join(t.TempDir(), "router.db"),
		PreserveAddressOnBlank: true,
	}, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfgm := config.NewManager(filepath.Join(t.TempDir(), "config.yaml"))
	cfgm.Commit(&config.Config{
		Telegram: config.TelegramConfig{
			AdminUserIDs: []int64{testAdminID},
			PageSize:     3,
		},
	})

	ad := &fakeAdapter{}
	reg := NewSupervisorRegistry()
	m := New(logx.Nop(), ad, cfgm, &Deps{Store: st, Supervisors: reg}, []int64{testAdminID})

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.DispatchLoop(ctx, updates)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("dispatch loop did not stop")
		}
	})

	return &fixture{m: m, ad: ad, st: st, reg: reg, updates: updates}
}

func privMsg(from int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ID: 1, ChatID: from, FromID: from,
		FromUsername: "tester", FromFirst: "Test",
		Text: text,
	}}
}

func groupMsg(from int64, text string) kit.Update {
	up := privMsg(from, text)
	up.Message.ChatID = -100200300
	up.Message.IsGroup = true
	return up
}

func cbUpdate(from int64, data string) kit.Update {
	return kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{
		ID: "cb1", FromID: from, ChatID: from, MessageID: 5, Data: data,
	}}
}

func docUpdate(from int64, name string) kit.Update {
	return kit.Update{Kind: kit.UpdateDocument, Message: &kit.Message{
		ID: 2, ChatID: from, FromID: from,
		Document: &kit.Document{FileID: "f1", FileName: name, Size: 64},
	}}
}

func TestDispatchUnknownCommand(t *testing.T) {
	f := newFixture(t)
	f.updates <- privMsg(testUserID, "/definitelynot")
	waitFor(t, "unknown command reply", func() bool {
		return containsText(f.ad.allTexts(), "Unknown command. Try /help.")
	})
}

func TestDispatchAdminGate(t *testing.T) {
	f := newFixture(t)

	f.updates <- privMsg(testUserID, "/wl add example.org")
	waitFor(t, "admin gate reply", func() bool {
		return containsText(f.ad.allTexts(), "This command requires admin rights.")
	})

	f.updates <- privMsg(testAdminID, "/wl add example.org vip")
	waitFor(t, "added reply", func() bool {
		return containsText(f.ad.allTexts(), "Added")
	})

	res, err := f.st.Check(context.Background(), "example.org", testAdminID)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !res.Found {
		t.Fatal("entry not stored after /wl add")
	}
	if res.Entry.Category != "vip" {
		t.Fatalf("category = %q, want vip", res.Entry.Category)
	}
}

func TestDispatchImplicitCheck(t *testing.T) {
	f := newFixture(t)
	f.updates <- privMsg(testUserID, "example.net")
	waitFor(t, "implicit check reply", func() bool {
		return containsText(f.ad.allTexts(), "is not in the whitelist")
	})
}

func TestDispatchGroupIgnoresBareText(t *testing.T) {
	f := newFixture(t)
	f.updates <- groupMsg(testUserID, "example.net")
	// The unknown-command reply is the ordering marker: both updates run
	// through the same dispatch goroutine.
	f.updates <- privMsg(testUserID, "/nope")
	waitFor(t, "marker reply", func() bool {
		return containsText(f.ad.allTexts(), "Unknown command")
	})
	if got := f.ad.allTexts(); len(got) != 1 {
		t.Fatalf("texts = %q, group bare text must not trigger a check", got)
	}
}

func TestDispatchAliasRoutes(t *testing.T) {
	f := newFixture(t)
	f.updates <- privMsg(testUserID, "/c example.org")
	waitFor(t, "alias check reply", func() bool {
		return containsText(f.ad.allTexts(), "is not in the whitelist")
	})
}

func TestDispatchContainerShowsHelp(t *testing.T) {
	f := newFixture(t)
	f.updates <- privMsg(testAdminID, "/wl")
	waitFor(t, "container help", func() bool {
		return containsText(f.ad.allTexts(), "Subcommands")
	})
}

func TestDispatchCallbackAccess(t *testing.T) {
	f := newFixture(t)

	f.updates <- cbUpdate(testUserID, "wl:page:1")
	waitFor(t, "forbidden answer", func() bool {
		for _, a := range f.ad.allAnswers() {
			if a == "forbidden" {
				return true
			}
		}
		return false
	})
	if len(f.ad.allEdits()) != 0 {
		t.Fatal("non-admin callback must not edit the message")
	}

	f.updates <- cbUpdate(testAdminID, "wl:page:1")
	waitFor(t, "page edit", func() bool {
		return containsText(f.ad.allEdits(), "Whitelist")
	})
}

func TestDispatchStartRegistersRecipient(t *testing.T) {
	f := newFixture(t)
	f.updates <- privMsg(testUserID, "/start")
	waitFor(t, "welcome reply", func() bool {
		return containsText(f.ad.allTexts(), "/check")
	})
	waitFor(t, "recipient registered", func() bool {
		recs, err := f.st.Recipients(context.Background())
		if err != nil {
			return false
		}
		for _, r := range recs {
			if r.UserID == testUserID && r.Address == "7" {
				return true
			}
		}
		return false
	})
}

func TestDispatchImportFlow(t *testing.T) {
	f := newFixture(t)
	f.ad.csvBody = "example.org,vip,friend\nexample.net,partner,\n"

	f.updates <- privMsg(testAdminID, "/import append")
	waitFor(t, "mode selected reply", func() bool {
		return containsText(f.ad.allTexts(), "Mode append selected")
	})

	f.updates <- docUpdate(testAdminID, "wl.csv")
	waitFor(t, "import finished reply", func() bool {
		return containsText(f.ad.allTexts(), "Import finished")
	})

	for _, v := range []string{"example.org", "example.net"} {
		res, err := f.st.Check(context.Background(), v, testAdminID)
		if err != nil {
			t.Fatalf("Check(%s) error = %v", v, err)
		}
		if !res.Found {
			t.Fatalf("%s missing after import", v)
		}
	}
}

func TestDispatchRejectsNonCSVUpload(t *testing.T) {
	f := newFixture(t)
	f.updates <- docUpdate(testAdminID, "notes.txt")
	waitFor(t, "csv rejection", func() bool {
		return containsText(f.ad.allTexts(), "Please upload a .csv file.")
	})
}

func TestDispatchIgnoresDocumentFromNonAdmin(t *testing.T) {
	f := newFixture(t)
	f.updates <- docUpdate(testUserID, "wl.csv")
	f.updates <- privMsg(testUserID, "/nope")
	waitFor(t, "marker reply", func() bool {
		return containsText(f.ad.allTexts(), "Unknown command")
	})
	if got := f.ad.allTexts(); len(got) != 1 {
		t.Fatalf("texts = %q, non-admin upload must be silent", got)
	}
}

func TestDispatchPushesCommandMenu(t *testing.T) {
	f := newFixture(t)
	waitFor(t, "menu push", func() bool {
		for _, c := range f.ad.menuSnapshot() {
			if c.Command == "help" {
				return true
			}
		}
		return false
	})
}

func TestDispatchRegistersSupervisor(t *testing.T) {
	f := newFixture(t)
	waitFor(t, "router supervisor", func() bool {
		return f.reg.Snapshot()["telegram.router"] != nil
	})
}
