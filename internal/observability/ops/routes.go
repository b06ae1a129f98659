package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wlbot/internal/runtime/supervisor"
	logx "wlbot/pkg/logx"
)

func (s *Service) routes(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	if cfg.Token != "" {
		r.Use(bearerAuth(cfg.Token))
	}

	r.Get("/healthz", s.handleHealthz)
	r.Get("/statsz", s.handleStatsz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	if cfg.Pprof {
		r.Mount("/debug", chimw.Profiler())
	}
	return r
}

// bearerAuth accepts "Authorization: Bearer <token>" or "?token=<token>".
func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if q := r.URL.Query().Get("token"); q != "" {
				if q == token {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			ah := r.Header.Get("Authorization")
			if strings.HasPrefix(ah, "Bearer ") {
				if strings.TrimSpace(strings.TrimPrefix(ah, "Bearer ")) == token {
					next.ServeHTTP(w, r)
					return
				}
			}
			unauthorized(w)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="ops"`)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

type healthResponse struct {
	Status      string                       `json:"status"`
	Storage     string                       `json:"storage"`
	Uptime      string                       `json:"uptime"`
	Supervisors map[string]supervisor.Status `json:"supervisors,omitempty"`
}

func (s *Service) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context5s(r)
	defer cancel()

	resp := healthResponse{Status: "ok", Storage: "ok", Uptime: time.Since(s.startedAt).Round(time.Second).String()}
	code := http.StatusOK

	switch {
	case s.deps.Store == nil:
		resp.Storage = "unwired"
	default:
		if err := s.deps.Store.Ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.Storage = err.Error()
			code = http.StatusServiceUnavailable
		}
	}

	if s.deps.Supervisors != nil {
		sups := s.deps.Supervisors.Snapshot()
		if len(sups) > 0 {
			resp.Supervisors = make(map[string]supervisor.Status, len(sups))
			for name, sup := range sups {
				if sup == nil {
					continue
				}
				resp.Supervisors[name] = sup.Snapshot()
			}
		}
	}

	writeJSON(w, code, resp, s.log)
}

type statsResponse struct {
	GeneratedAt        time.Time        `json:"generated_at"`
	TotalUsers         int64            `json:"total_users"`
	ActiveUsers24h     int64            `json:"active_users_24h"`
	ActiveUsers7d      int64            `json:"active_users_7d"`
	NewUsers7d         int64            `json:"new_users_7d"`
	Checks24h          int64            `json:"checks_24h"`
	Checks7d           int64            `json:"checks_7d"`
	SuccessfulChecks7d int64            `json:"successful_checks_7d"`
	WhitelistEntries   int64            `json:"whitelist_entries"`
	WeekdayActivity    map[string]int64 `json:"weekday_activity,omitempty"`
}

func (s *Service) handleStatsz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		http.Error(w, "stats unavailable", http.StatusServiceUnavailable)
		return
	}
	ctx, cancel := context5s(r)
	defer cancel()

	snap := s.deps.Store.Stats(ctx)
	resp := statsResponse{
		GeneratedAt:        snap.GeneratedAt,
		TotalUsers:         snap.TotalUsers,
		ActiveUsers24h:     snap.ActiveUsers24,
		ActiveUsers7d:      snap.ActiveUsers7d,
		NewUsers7d:         snap.NewUsers7d,
		Checks24h:          snap.Checks24h,
		Checks7d:           snap.Checks7d,
		SuccessfulChecks7d: snap.SuccessfulChecks7d,
		WhitelistEntries:   snap.WhitelistEntries,
	}
	if len(snap.WeekdayActivity) > 0 {
		resp.WeekdayActivity = make(map[string]int64, len(snap.WeekdayActivity))
		for wd, n := range snap.WeekdayActivity {
			resp.WeekdayActivity[wd.String()] = n
		}
	}
	writeJSON(w, http.StatusOK, resp, s.log)
}

func context5s(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), 5*time.Second)
}

func writeJSON(w http.ResponseWriter, code int, v any, log logx.Logger) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Debug("ops response encode failed", logx.Any("err", err))
	}
}
