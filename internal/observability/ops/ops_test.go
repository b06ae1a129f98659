package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"wlbot/internal/storage"
	logx "wlbot/pkg/logx"
)

type fakeStore struct {
	pingErr error
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) Stats(context.Context) storage.StatsSnapshot {
	return storage.StatsSnapshot{
		GeneratedAt:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		TotalUsers:       7,
		WhitelistEntries: 3,
		WeekdayActivity:  map[time.Weekday]int64{time.Monday: 2},
	}
}

func newTestService(store StoreSource, cfg Config) *Service {
	return New(cfg, Deps{Store: store}, logx.Nop())
}

func get(t *testing.T, h http.Handler, path string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthzOK(t *testing.T) {
	s := newTestService(&fakeStore{}, Config{Enabled: true})
	rec := get(t, s.routes(s.cfg), "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want %d", rec.Code, http.StatusOK)
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("healthz body not json: %v", err)
	}
	if resp.Status != "ok" || resp.Storage != "ok" {
		t.Fatalf("healthz = %+v, want status/storage ok", resp)
	}
}

func TestHealthzDegradedOnPingError(t *testing.T) {
	s := newTestService(&fakeStore{pingErr: errors.New("db locked")}, Config{Enabled: true})
	rec := get(t, s.routes(s.cfg), "/healthz", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("healthz status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if !strings.Contains(rec.Body.String(), "degraded") {
		t.Fatalf("healthz body = %q, want degraded", rec.Body.String())
	}
}

func TestStatszJSON(t *testing.T) {
	s := newTestService(&fakeStore{}, Config{Enabled: true})
	rec := get(t, s.routes(s.cfg), "/statsz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("statsz status = %d, want %d", rec.Code, http.StatusOK)
	}
	var resp statsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("statsz body not json: %v", err)
	}
	if resp.TotalUsers != 7 || resp.WhitelistEntries != 3 {
		t.Fatalf("statsz = %+v, want totals from store", resp)
	}
	if resp.WeekdayActivity["Monday"] != 2 {
		t.Fatalf("weekday activity = %v, want Monday=2", resp.WeekdayActivity)
	}
}

func TestBearerAuth(t *testing.T) {
	s := newTestService(&fakeStore{}, Config{Enabled: true, Token: "sekrit"})
	h := s.routes(s.cfg)

	if rec := get(t, h, "/healthz", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no-auth status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if rec := get(t, h, "/healthz", map[string]string{"Authorization": "Bearer wrong"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad-token status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if rec := get(t, h, "/healthz", map[string]string{"Authorization": "Bearer sekrit"}); rec.Code != http.StatusOK {
		t.Fatalf("header-auth status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec := get(t, h, "/healthz?token=sekrit", nil); rec.Code != http.StatusOK {
		t.Fatalf("query-auth status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestService(&fakeStore{}, Config{Enabled: true})
	rec := get(t, s.routes(s.cfg), "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("metrics body is empty")
	}
}

func TestPprofMountIsConditional(t *testing.T) {
	s := newTestService(&fakeStore{}, Config{Enabled: true})
	if rec := get(t, s.routes(Config{Enabled: true}), "/debug/pprof/", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof-off status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if rec := get(t, s.routes(Config{Enabled: true, Pprof: true}), "/debug/pprof/", nil); rec.Code != http.StatusOK {
		t.Fatalf("pprof-on status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestStartServesAndReconfigureStops(t *testing.T) {
	s := newTestService(&fakeStore{}, Config{Enabled: true, Addr: "127.0.0.1:0"})
	t.Cleanup(func() { s.Stop(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	s.Start(ctx)

	var addr string
	deadline := time.Now().Add(2 * time.Second)
	for addr == "" && time.Now().Before(deadline) {
		addr = s.Addr()
		time.Sleep(20 * time.Millisecond)
	}
	if addr == "" {
		t.Fatal("server did not expose an address")
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("healthz over tcp: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz over tcp status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	s.Reconfigure(ctx, Config{Enabled: false})
	if got := s.Addr(); got != "" {
		t.Fatalf("server still bound to %s after disable", got)
	}
}

func TestServeOnceRefusesInsecureBind(t *testing.T) {
	s := newTestService(&fakeStore{}, Config{Enabled: true, Addr: "0.0.0.0:0"})
	err := s.serveOnce(context.Background())
	if err == nil || !strings.Contains(err.Error(), "insecure") {
		t.Fatalf("serveOnce err = %v, want insecure bind refusal", err)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	cases := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:8701", true},
		{"localhost:8701", true},
		{"[::1]:8701", true},
		{"0.0.0.0:8701", false},
		{":8701", false},
		{"10.0.0.5:8701", false},
		{"not-an-addr", false},
	}
	for _, tc := range cases {
		if got := isLoopbackAddr(tc.addr); got != tc.want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", tc.addr, got, tc.want)
		}
	}
}

func TestNeedsRestart(t *testing.T) {
	base := Config{Enabled: true, Addr: "127.0.0.1:8701"}
	if needsRestart(base, base) {
		t.Fatal("identical config should not force restart")
	}
	changed := base
	changed.Token = "t"
	if !needsRestart(base, changed) {
		t.Fatal("token change should force restart")
	}
	changed = base
	changed.Pprof = true
	if !needsRestart(base, changed) {
		t.Fatal("pprof toggle should force restart")
	}
}
