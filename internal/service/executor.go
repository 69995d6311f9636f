package service

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"regexp"
	"time"

	"sqlgate/internal/config"
	"sqlgate/internal/core"
	"sqlgate/internal/firewall"
	"sqlgate/internal/logger"
	"sqlgate/internal/pool"
	"sqlgate/internal/session"
	"sqlgate/internal/store"
	"sqlgate/internal/stream"

	"github.com/google/uuid"
)

// Executor sequences every operation the HTTP surface accepts:
// authenticate, resolve or acquire a connection, run the firewall chain,
// execute, stream the result, then release or keep the connection. All
// resource cleanup lives here, behind deferred scoping, so no error path
// can leave a connection double-leased or orphaned.
type Executor struct {
	pool      *pool.Pool
	store     *store.Store
	authority *session.Authority
	chains    map[string]*firewall.Chain
	databases map[string]config.DatabaseConfig
	audit     logger.AuditLogger
}

func NewExecutor(p *pool.Pool, authority *session.Authority, chains map[string]*firewall.Chain,
	databases map[string]config.DatabaseConfig, leaseTimeout time.Duration, audit logger.AuditLogger) *Executor {
	if audit == nil {
		audit = logger.NopAudit{}
	}
	e := &Executor{
		pool:      p,
		authority: authority,
		chains:    chains,
		databases: databases,
		audit:     audit,
	}
	e.store = store.New(e.releaseLoaned, leaseTimeout)
	authority.SetReleaseHook(e.EndSession)
	return e
}

// Store exposes the connection store for operational tooling.
func (e *Executor) Store() *store.Store { return e.store }

// PoolStats exposes pool snapshots for the console and health check.
func (e *Executor) PoolStats() []core.PoolStats { return e.pool.Stats() }

// Connect authenticates and, in stateful mode, pins a fresh pool connection
// to the new session. The returned connection id addresses that pinned
// connection on subsequent calls; in stateless mode it is the sentinel and
// each call gets its own short-lived connection.
func (e *Executor) Connect(ctx context.Context, username, secret, database, clientAddr string) (token, connectionID string, err error) {
	cfg, ok := e.databases[database]
	if !ok {
		return "", "", core.Protocolf("unknown database %q", database)
	}

	token, err = e.authority.Login(ctx, username, secret, database, clientAddr)
	if err != nil {
		return "", "", err
	}

	if cfg.Stateless {
		return token, core.StatelessConnectionID, nil
	}

	sess, err := e.authority.Validate(token)
	if err != nil {
		return "", "", err
	}

	conn, err := e.pool.Acquire(ctx, database)
	if err != nil {
		// No partial state: the session must not outlive a failed connect.
		e.authority.Logout(token)
		return "", "", err
	}

	connectionID = uuid.NewString()
	key := core.ConnectionKey{Username: sess.Username, SessionID: sess.ID, ConnectionID: connectionID}
	if err := e.store.Put(key, database, conn); err != nil {
		e.pool.Release(database, conn, false)
		e.authority.Logout(token)
		return "", "", err
	}
	return token, connectionID, nil
}

// Disconnect ends the session and releases every connection keyed to it.
// A second disconnect for the same session is a harmless no-op.
func (e *Executor) Disconnect(token string) {
	e.authority.Logout(token)
}

// EndSession is the release hook fired on logout and on the inactivity
// sweep. Connections still leased by an in-flight operation are doomed in
// the store and come back through releaseLoaned when that operation ends.
func (e *Executor) EndSession(username, sessionID string) {
	for _, rem := range e.store.RemoveAll(username, sessionID) {
		e.releaseLoaned(rem.Database, rem.Conn)
	}
}

// releaseLoaned rolls back any transaction left open on a reclaimed
// stateful connection, then returns it to the pool. Timing out a session
// mid-transaction means rollback, not a leaked uncommitted connection.
func (e *Executor) releaseLoaned(database string, conn *sql.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := conn.ExecContext(ctx, "ROLLBACK"); err != nil {
		// No open transaction is the common case; only log real noise.
		logger.Info.Printf("release %s: rollback: %v", database, err)
	}
	e.pool.Release(database, conn, false)
}

// StatementRequest is one decoded statement/batch call.
type StatementRequest struct {
	Token        string
	ConnectionID string
	SQL          string
	Params       []interface{}
	Prepared     bool
	Confirmed    bool
	ClientAddr   string
}

// leased is the scoped acquisition of a backend connection for one
// operation; done must always be called, exactly once.
type leased struct {
	conn      *sql.Conn
	database  string
	stateless bool
}

func (e *Executor) resolve(ctx context.Context, sess core.Session, connectionID string) (*leased, func(broken bool), error) {
	cfg, ok := e.databases[sess.Database]
	if !ok {
		return nil, nil, core.Protocolf("unknown database %q", sess.Database)
	}

	if cfg.Stateless || connectionID == core.StatelessConnectionID {
		if !cfg.Stateless {
			return nil, nil, core.Protocolf("database %q is not in stateless mode", sess.Database)
		}
		conn, err := e.pool.Acquire(ctx, sess.Database)
		if err != nil {
			return nil, nil, err
		}
		l := &leased{conn: conn, database: sess.Database, stateless: true}
		done := func(broken bool) { e.pool.Release(sess.Database, conn, broken) }
		return l, done, nil
	}

	key := core.ConnectionKey{Username: sess.Username, SessionID: sess.ID, ConnectionID: connectionID}
	conn, database, err := e.store.Lease(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	l := &leased{conn: conn, database: database}
	done := func(broken bool) {
		if broken {
			// The backend reported the connection itself is dead: drop it
			// from the store and the pool rather than recycling it.
			if rem, ok := e.store.DiscardLeased(key); ok {
				e.pool.Release(rem.Database, rem.Conn, true)
			}
			return
		}
		e.store.Unlease(key)
	}
	return l, done, nil
}

// ExecuteQuery runs one query through the full pipeline and streams the
// result into w. Everything after the firewall gate happens under the
// connection lease; cleanup is unconditional.
func (e *Executor) ExecuteQuery(ctx context.Context, req StatementRequest, w io.Writer, opts stream.Options) (rowCount int, err error) {
	sess, err := e.authority.Validate(req.Token)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	defer func() { e.emitAudit(sess, req.SQL, "query", start, err) }()

	l, done, err := e.resolve(ctx, sess, req.ConnectionID)
	if err != nil {
		return 0, err
	}
	broken := false
	defer func() { done(broken) }()

	ev := firewall.NewEvent(sess.Username, sess.Database, req.ClientAddr, req.SQL, req.Prepared, req.Params, req.Confirmed)
	if err = e.gate(ctx, ev, l.conn); err != nil {
		return 0, err
	}

	rows, qerr := l.conn.QueryContext(ctx, req.SQL, req.Params...)
	if qerr != nil {
		broken = e.isBroken(ctx, l.conn)
		err = core.WrapError(core.ErrTypeExecution, "query failed", qerr)
		return 0, err
	}

	rowCount, err = stream.StreamRows(w, rows, opts)
	if err == nil {
		e.chain(sess.Database).NotifyExecuted(ctx, ev, int64(rowCount))
	}
	return rowCount, err
}

// UpdateResult is the outcome of one update/DDL statement. GeneratedKey
// carries the driver's last-insert id when the driver reports one; drivers
// without the notion (postgres among them) leave HasGeneratedKey false.
type UpdateResult struct {
	Count           int64
	GeneratedKey    int64
	HasGeneratedKey bool
}

// ExecuteUpdate runs one update/DDL statement and returns its update count
// and, where the driver supports it, the generated key.
func (e *Executor) ExecuteUpdate(ctx context.Context, req StatementRequest) (out UpdateResult, err error) {
	sess, err := e.authority.Validate(req.Token)
	if err != nil {
		return out, err
	}

	start := time.Now()
	defer func() { e.emitAudit(sess, req.SQL, "update", start, err) }()

	l, done, err := e.resolve(ctx, sess, req.ConnectionID)
	if err != nil {
		return out, err
	}
	broken := false
	defer func() { done(broken) }()

	ev := firewall.NewEvent(sess.Username, sess.Database, req.ClientAddr, req.SQL, req.Prepared, req.Params, req.Confirmed)
	if err = e.gate(ctx, ev, l.conn); err != nil {
		return out, err
	}

	res, xerr := l.conn.ExecContext(ctx, req.SQL, req.Params...)
	if xerr != nil {
		broken = e.isBroken(ctx, l.conn)
		err = core.WrapError(core.ErrTypeExecution, "statement failed", xerr)
		return out, err
	}

	out.Count, _ = res.RowsAffected()
	if id, kerr := res.LastInsertId(); kerr == nil && id != 0 {
		out.GeneratedKey = id
		out.HasGeneratedKey = true
	}
	e.chain(sess.Database).NotifyExecuted(ctx, ev, out.Count)
	return out, nil
}

// ExecuteBatch runs the statements in order on one connection; the firewall
// gates each statement individually and a denial aborts the remainder.
func (e *Executor) ExecuteBatch(ctx context.Context, req StatementRequest, statements []string) (counts []int64, err error) {
	if len(statements) == 0 {
		return nil, core.Protocolf("empty batch")
	}

	sess, err := e.authority.Validate(req.Token)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() { e.emitAudit(sess, fmt.Sprintf("[batch of %d]", len(statements)), "batch", start, err) }()

	l, done, err := e.resolve(ctx, sess, req.ConnectionID)
	if err != nil {
		return nil, err
	}
	broken := false
	defer func() { done(broken) }()

	counts = make([]int64, 0, len(statements))
	for _, stmt := range statements {
		ev := firewall.NewEvent(sess.Username, sess.Database, req.ClientAddr, stmt, false, nil, req.Confirmed)
		if err = e.gate(ctx, ev, l.conn); err != nil {
			return counts, err
		}
		res, xerr := l.conn.ExecContext(ctx, stmt)
		if xerr != nil {
			broken = e.isBroken(ctx, l.conn)
			err = core.WrapError(core.ErrTypeExecution, fmt.Sprintf("batch statement %d failed", len(counts)), xerr)
			return counts, err
		}
		n, _ := res.RowsAffected()
		counts = append(counts, n)
		e.chain(sess.Database).NotifyExecuted(ctx, ev, n)
	}
	return counts, nil
}

var savepointName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// TxControl executes one transaction-control operation on a stateful
// connection. Transaction control is unavailable in stateless mode, where
// every call commits implicitly.
func (e *Executor) TxControl(ctx context.Context, token, connectionID, op, savepoint string) (err error) {
	sess, err := e.authority.Validate(token)
	if err != nil {
		return err
	}

	var stmt string
	switch op {
	case "begin":
		stmt = "BEGIN"
	case "commit":
		stmt = "COMMIT"
	case "rollback":
		stmt = "ROLLBACK"
	case "savepoint_set", "savepoint_release", "savepoint_rollback":
		if !savepointName.MatchString(savepoint) {
			return core.Protocolf("invalid savepoint name %q", savepoint)
		}
		switch op {
		case "savepoint_set":
			stmt = "SAVEPOINT " + savepoint
		case "savepoint_release":
			stmt = "RELEASE SAVEPOINT " + savepoint
		case "savepoint_rollback":
			stmt = "ROLLBACK TO SAVEPOINT " + savepoint
		}
	default:
		return core.Protocolf("unknown transaction operation %q", op)
	}

	start := time.Now()
	defer func() { e.emitAudit(sess, stmt, "tx", start, err) }()

	// Stateless databases have no connection to hold a transaction on,
	// whatever connection id the client passes.
	if cfg, ok := e.databases[sess.Database]; (ok && cfg.Stateless) || connectionID == core.StatelessConnectionID {
		return core.Protocolf("transaction control is unavailable in stateless mode")
	}

	l, done, err := e.resolve(ctx, sess, connectionID)
	if err != nil {
		return err
	}
	broken := false
	defer func() { done(broken) }()

	if _, xerr := l.conn.ExecContext(ctx, stmt); xerr != nil {
		broken = e.isBroken(ctx, l.conn)
		return core.WrapError(core.ErrTypeExecution, op+" failed", xerr)
	}
	return nil
}

// gate consults the firewall chain. Deny maps to the firewall error type,
// Ask to the confirmation-required type; both reach the client as
// rejections, never as server faults.
func (e *Executor) gate(ctx context.Context, ev *core.SqlEvent, conn *sql.Conn) error {
	v := e.chain(ev.Database).Evaluate(ctx, ev, conn)
	switch v.Decision {
	case core.Deny:
		return core.NewError(core.ErrTypeFirewallDenied, fmt.Sprintf("%s: %s", v.Manager, v.Reason))
	case core.Ask:
		return core.NewError(core.ErrTypeConfirmation, fmt.Sprintf("%s: %s (repeat the call with confirm=true)", v.Manager, v.Reason))
	}
	return nil
}

func (e *Executor) chain(database string) *firewall.Chain {
	if c, ok := e.chains[database]; ok {
		return c
	}
	// Unreachable when construction validated the config; fail closed anyway.
	return firewall.NewChain(database, core.ModeProtecting,
		[]core.FirewallManager{denyUnconfigured{}}, nil, nil, e.audit)
}

type denyUnconfigured struct{}

func (denyUnconfigured) Name() string { return "deny_unconfigured" }

func (denyUnconfigured) Examine(ctx context.Context, ev *core.SqlEvent, conn *sql.Conn) (core.Verdict, error) {
	return core.Verdict{Decision: core.Deny, Manager: "deny_unconfigured", Reason: "no firewall chain configured"}, nil
}

// isBroken pings the connection after an execution error to decide whether
// the error condemned the connection itself or just the statement.
func (e *Executor) isBroken(ctx context.Context, conn *sql.Conn) bool {
	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return conn.PingContext(pingCtx) != nil
}

func (e *Executor) emitAudit(sess core.Session, sqlText, action string, start time.Time, err error) {
	outcome := "OK"
	meta := map[string]interface{}{"sql": sqlText}
	if err != nil {
		outcome = string(core.TypeOf(err))
		meta["error"] = err.Error()
	}
	e.audit.Log(logger.AuditEntry{
		Timestamp:  start,
		Username:   sess.Username,
		Database:   sess.Database,
		ClientAddr: sess.ClientAddr,
		Action:     action,
		Outcome:    outcome,
		DurationMs: time.Since(start).Milliseconds(),
		Metadata:   meta,
	})
}
