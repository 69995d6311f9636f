package api

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strings"

	"sqlgate/internal/core"
	"sqlgate/internal/logger"
	"sqlgate/internal/service"
	"sqlgate/internal/stream"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	exec         *service.Executor
	loginLimiter *RateLimiter
	debug        bool
}

func NewHandler(exec *service.Executor, debug bool) *Handler {
	return &Handler{
		exec:         exec,
		loginLimiter: NewRateLimiter(30, 10), // brute-force protection on /connect
		debug:        debug,
	}
}

// Routes mounts the client-facing API surface.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.With(h.loginLimiter.Middleware).Post("/connect", h.Connect)
	r.Post("/disconnect", h.Disconnect)

	r.Post("/execute_query", h.ExecuteQuery)
	r.Post("/execute_update", h.ExecuteUpdate)
	r.Post("/execute_batch", h.ExecuteBatch)

	r.Post("/begin", h.tx("begin"))
	r.Post("/commit", h.tx("commit"))
	r.Post("/rollback", h.tx("rollback"))
	r.Post("/savepoint/set", h.tx("savepoint_set"))
	r.Post("/savepoint/release", h.tx("savepoint_release"))
	r.Post("/savepoint/rollback", h.tx("savepoint_rollback"))

	r.Post("/metadata/{kind}", h.Metadata)
	r.Post("/health_check", h.HealthCheck)

	return r
}

func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	username := r.FormValue("username")
	secret := r.FormValue("password")
	if secret == "" {
		secret = r.FormValue("token")
	}
	database := r.FormValue("database")
	if username == "" || database == "" {
		writeError(w, core.Protocolf("username and database are required"), h.debug)
		return
	}
	if v := r.FormValue("client_version"); v != "" {
		logger.Info.Printf("connect: %s on %s (client %s)", username, database, v)
	}

	token, connectionID, err := h.exec.Connect(r.Context(), username, secret, database, extractIP(r))
	if err != nil {
		writeError(w, err, h.debug)
		return
	}
	writeOK(w, map[string]interface{}{
		"session_id":    token,
		"connection_id": connectionID,
	})
}

func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	token := r.FormValue("session_id")
	if token == "" {
		writeError(w, core.Protocolf("session_id is required"), h.debug)
		return
	}
	// Idempotent: disconnecting an already-closed session still answers OK.
	h.exec.Disconnect(token)
	writeOK(w, nil)
}

func (h *Handler) ExecuteQuery(w http.ResponseWriter, r *http.Request) {
	req, err := h.statementRequest(r)
	if err != nil {
		writeError(w, err, h.debug)
		return
	}

	opts := stream.Options{
		IncludeMeta: r.FormValue("column_metadata") == "true",
		Gzip:        r.FormValue("gzip_result") == "true",
	}

	w.Header().Set("Content-Type", "application/json")
	if opts.Gzip {
		w.Header().Set("Content-Encoding", "gzip")
	}

	tw := &trackingWriter{ResponseWriter: w}
	if _, err := h.exec.ExecuteQuery(r.Context(), req, tw, opts); err != nil && tw.written == 0 {
		// Nothing streamed yet, so the envelope channel is still usable.
		// Mid-stream failures were already reported in the body trailer.
		w.Header().Del("Content-Encoding")
		writeError(w, err, h.debug)
	}
}

func (h *Handler) ExecuteUpdate(w http.ResponseWriter, r *http.Request) {
	req, err := h.statementRequest(r)
	if err != nil {
		writeError(w, err, h.debug)
		return
	}

	res, err := h.exec.ExecuteUpdate(r.Context(), req)
	if err != nil {
		writeError(w, err, h.debug)
		return
	}
	payload := map[string]interface{}{"update_count": res.Count}
	if res.HasGeneratedKey {
		payload["generated_key"] = res.GeneratedKey
	}
	writeOK(w, payload)
}

func (h *Handler) ExecuteBatch(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, core.Protocolf("malformed form body"), h.debug)
		return
	}
	statements := r.PostForm["sql"]

	req, err := h.statementRequest(r)
	if err != nil {
		writeError(w, err, h.debug)
		return
	}
	req.SQL = ""

	counts, err := h.exec.ExecuteBatch(r.Context(), req, statements)
	if err != nil {
		writeError(w, err, h.debug)
		return
	}
	writeOK(w, map[string]interface{}{"update_counts": counts})
}

func (h *Handler) tx(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.FormValue("session_id")
		if token == "" {
			writeError(w, core.Protocolf("session_id is required"), h.debug)
			return
		}
		err := h.exec.TxControl(r.Context(), token, r.FormValue("connection_id"), op, r.FormValue("savepoint"))
		if err != nil {
			writeError(w, err, h.debug)
			return
		}
		writeOK(w, nil)
	}
}

func (h *Handler) Metadata(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	token := r.FormValue("session_id")
	if token == "" {
		writeError(w, core.Protocolf("session_id is required"), h.debug)
		return
	}

	result, err := h.exec.Metadata(r.Context(), token, r.FormValue("connection_id"), kind, r.FormValue("table"))
	if err != nil {
		writeError(w, err, h.debug)
		return
	}
	writeOK(w, map[string]interface{}{kind: result})
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	writeOK(w, map[string]interface{}{
		"memory_stats": map[string]interface{}{
			"alloc_bytes":       m.Alloc,
			"total_alloc_bytes": m.TotalAlloc,
			"sys_bytes":         m.Sys,
			"num_gc":            m.NumGC,
			"goroutines":        runtime.NumGoroutine(),
		},
		"pools": h.exec.PoolStats(),
	})
}

// statementRequest decodes the common statement parameters. Prepared
// parameter values arrive as a JSON array in the params field.
func (h *Handler) statementRequest(r *http.Request) (service.StatementRequest, error) {
	token := r.FormValue("session_id")
	if token == "" {
		return service.StatementRequest{}, core.Protocolf("session_id is required")
	}

	sqlText := r.FormValue("sql")
	if sqlText == "" && !strings.HasSuffix(r.URL.Path, "/execute_batch") {
		return service.StatementRequest{}, core.Protocolf("sql is required")
	}

	connectionID := r.FormValue("connection_id")
	if connectionID == "" {
		connectionID = core.StatelessConnectionID
	}

	var params []interface{}
	prepared := false
	if raw := r.FormValue("params"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			return service.StatementRequest{}, core.Protocolf("params must be a JSON array: %v", err)
		}
		params = normalizeParams(params)
		prepared = true
	}

	return service.StatementRequest{
		Token:        token,
		ConnectionID: connectionID,
		SQL:          sqlText,
		Params:       params,
		Prepared:     prepared,
		Confirmed:    r.FormValue("confirm") == "true",
		ClientAddr:   extractIP(r),
	}, nil
}

// normalizeParams converts JSON numbers that are really integers back to
// int64, so drivers bind them as integers rather than floats.
func normalizeParams(params []interface{}) []interface{} {
	for i, p := range params {
		if f, ok := p.(float64); ok {
			if n := int64(f); float64(n) == f {
				params[i] = n
			}
		}
	}
	return params
}

type trackingWriter struct {
	http.ResponseWriter
	written int
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	n, err := t.ResponseWriter.Write(p)
	t.written += n
	return n, err
}
