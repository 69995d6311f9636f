package api

import (
	"net/http"
	"strconv"

	"sqlgate/internal/core"
	"sqlgate/internal/logger"
	"sqlgate/internal/service"
	"sqlgate/internal/session"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/sessions"
)

// ConsoleHandler is the operator surface: live session list, connection
// store keys, pool stats, bans and the recent audit trail. Operators log
// in with an internal account; the login rides a cookie, not the client
// protocol's session tokens.
type ConsoleHandler struct {
	exec      *service.Executor
	authority *session.Authority
	users     core.UserRepository
	bans      core.BanRepository
	audit     core.AuditRepository
	cookies   *sessions.CookieStore
}

func NewConsoleHandler(exec *service.Executor, authority *session.Authority, users core.UserRepository,
	bans core.BanRepository, audit core.AuditRepository, cookieSecret string) *ConsoleHandler {
	store := sessions.NewCookieStore([]byte(cookieSecret))
	store.Options = &sessions.Options{
		Path:     "/console",
		MaxAge:   3600 * 8,
		HttpOnly: true,
	}
	return &ConsoleHandler{
		exec:      exec,
		authority: authority,
		users:     users,
		bans:      bans,
		audit:     audit,
		cookies:   store,
	}
}

func (h *ConsoleHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Post("/login", h.Login)
	r.Post("/logout", h.Logout)

	r.Group(func(r chi.Router) {
		r.Use(h.requireLogin)
		r.Get("/sessions", h.Sessions)
		r.Get("/connections", h.Connections)
		r.Get("/pool", h.Pool)
		r.Get("/bans", h.Bans)
		r.Get("/audit", h.Audit)
	})

	return r
}

func (h *ConsoleHandler) Login(w http.ResponseWriter, r *http.Request) {
	username := r.FormValue("username")
	password := r.FormValue("password")

	auth := session.NewUserStoreAuthenticator(h.users)
	ok, err := auth.Authenticate(r.Context(), username, password, "", extractIP(r))
	if err != nil || !ok {
		writeError(w, core.NewError(core.ErrTypeAuthentication, "invalid credentials"), false)
		return
	}

	cookie, _ := h.cookies.Get(r, "sqlgate-console")
	cookie.Values["username"] = username
	cookie.Save(r, w)

	logger.Info.Printf("console login: %s from %s", username, extractIP(r))
	writeOK(w, nil)
}

func (h *ConsoleHandler) Logout(w http.ResponseWriter, r *http.Request) {
	cookie, _ := h.cookies.Get(r, "sqlgate-console")
	cookie.Options.MaxAge = -1
	cookie.Save(r, w)
	writeOK(w, nil)
}

func (h *ConsoleHandler) requireLogin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, _ := h.cookies.Get(r, "sqlgate-console")
		if name, ok := cookie.Values["username"].(string); !ok || name == "" {
			writeError(w, core.NewError(core.ErrTypeAuthentication, "console login required"), false)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *ConsoleHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]interface{}{"sessions": h.authority.Sessions()})
}

func (h *ConsoleHandler) Connections(w http.ResponseWriter, r *http.Request) {
	keys := h.exec.Store().Keys()
	out := make([]map[string]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, map[string]string{
			"username":      k.Username,
			"session_id":    k.SessionID,
			"connection_id": k.ConnectionID,
		})
	}
	writeOK(w, map[string]interface{}{"connections": out})
}

func (h *ConsoleHandler) Pool(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]interface{}{"pools": h.exec.PoolStats()})
}

func (h *ConsoleHandler) Bans(w http.ResponseWriter, r *http.Request) {
	bans, err := h.bans.GetAll()
	if err != nil {
		writeError(w, core.WrapError(core.ErrTypeInternal, "cannot list bans", err), false)
		return
	}
	writeOK(w, map[string]interface{}{"bans": bans})
}

func (h *ConsoleHandler) Audit(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	recs, err := h.audit.GetRecent(limit)
	if err != nil {
		writeError(w, core.WrapError(core.ErrTypeInternal, "cannot read audit trail", err), false)
		return
	}
	writeOK(w, map[string]interface{}{"audit": recs})
}
