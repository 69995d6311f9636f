package service

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"sqlgate/internal/config"
	"sqlgate/internal/core"
	"sqlgate/internal/firewall"
	"sqlgate/internal/logger"
	"sqlgate/internal/pool"
	"sqlgate/internal/session"
	"sqlgate/internal/stream"
)

func TestMain(m *testing.M) {
	logger.InitDiscard()
	os.Exit(m.Run())
}

type fixedAuthenticator struct{}

func (fixedAuthenticator) Authenticate(ctx context.Context, username, secret, database, clientAddr string) (bool, error) {
	return username == "demo" && secret == "secret", nil
}

// slowManager holds the connection for a while before allowing, so tests
// can observe same-key serialization.
type slowManager struct{ delay time.Duration }

func (slowManager) Name() string { return "slow" }

func (m slowManager) Examine(ctx context.Context, ev *core.SqlEvent, conn *sql.Conn) (core.Verdict, error) {
	time.Sleep(m.delay)
	return core.Verdict{Decision: core.Allow}, nil
}

type countingTrigger struct {
	mu    sync.Mutex
	fired int
}

func (t *countingTrigger) Name() string { return "counting" }

func (t *countingTrigger) Fire(ctx context.Context, ev *core.SqlEvent, v core.Verdict) error {
	t.mu.Lock()
	t.fired++
	t.mu.Unlock()
	return nil
}

func (t *countingTrigger) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}

type env struct {
	exec      *Executor
	authority *session.Authority
	pool      *pool.Pool
	dsn       string
}

// newEnv wires a full executor over a seeded sqlite file: pool, session
// authority with a fixed demo/secret login, and a firewall chain with the
// given managers and triggers.
func newEnv(t *testing.T, cfg config.DatabaseConfig, managers []core.FirewallManager, triggers []core.Trigger) *env {
	t.Helper()

	if cfg.Name == "" {
		cfg.Name = "sampledb"
	}
	cfg.Driver = "sqlite"
	cfg.DSN = filepath.Join(t.TempDir(), "executor_test.db")
	if cfg.MaxOpen == 0 {
		cfg.MaxOpen = 2
	}
	if cfg.AcquireWaitMs == 0 {
		cfg.AcquireWaitMs = 500
	}

	seed, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		t.Fatal(err)
	}
	stmts := []string{
		`CREATE TABLE customer (
			customer_id INTEGER PRIMARY KEY,
			customer_name TEXT NOT NULL,
			phone TEXT,
			avatar BLOB
		)`,
		`INSERT INTO customer VALUES (1, 'Alice Doe', '555-0101', X'89504E47')`,
		`INSERT INTO customer VALUES (2, 'Bob Smith', NULL, NULL)`,
		`INSERT INTO customer VALUES (3, 'Carol King', '555-0103', NULL)`,
	}
	for _, s := range stmts {
		if _, err := seed.Exec(s); err != nil {
			t.Fatal(err)
		}
	}
	seed.Close()

	p := pool.New()
	if err := p.Add(cfg); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(p.Close)

	auths := map[string]core.Authenticator{cfg.Name: fixedAuthenticator{}}
	authority := session.NewAuthority(auths, session.OpaqueTokens{}, time.Minute, time.Minute)

	chain := firewall.NewChain(cfg.Name, cfg.OperationalMode(), managers, triggers, nil, nil)
	exec := NewExecutor(p, authority,
		map[string]*firewall.Chain{cfg.Name: chain},
		map[string]config.DatabaseConfig{cfg.Name: cfg},
		time.Second, nil)

	return &env{exec: exec, authority: authority, pool: p, dsn: cfg.DSN}
}

func (e *env) connect(t *testing.T) (token, connID string) {
	t.Helper()
	token, connID, err := e.exec.Connect(context.Background(), "demo", "secret", "sampledb", "127.0.0.1")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return token, connID
}

func (e *env) query(t *testing.T, token, connID, sqlText string) *stream.Result {
	t.Helper()
	var buf bytes.Buffer
	req := StatementRequest{Token: token, ConnectionID: connID, SQL: sqlText, ClientAddr: "127.0.0.1"}
	if _, err := e.exec.ExecuteQuery(context.Background(), req, &buf, stream.Options{IncludeMeta: true}); err != nil {
		t.Fatalf("ExecuteQuery(%q) failed: %v", sqlText, err)
	}
	res, err := stream.Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	return res
}

func (e *env) customerCount(t *testing.T, token, connID string) int {
	t.Helper()
	res := e.query(t, token, connID, "SELECT COUNT(*) FROM customer")
	return int(res.Rows[0][0].(float64))
}

func TestConnectQueryDisconnect(t *testing.T) {
	e := newEnv(t, config.DatabaseConfig{}, nil, nil)

	token, connID := e.connect(t)
	if connID == core.StatelessConnectionID {
		t.Fatal("stateful connect returned the stateless sentinel")
	}

	res := e.query(t, token, connID, "SELECT * FROM customer")
	if res.Status != "OK" || len(res.Rows) != 3 {
		t.Fatalf("unexpected result: status %q, %d rows", res.Status, len(res.Rows))
	}
	for i, want := range []float64{1, 2, 3} {
		if res.Rows[i][0] != want {
			t.Fatalf("rows out of order: %+v", res.Rows)
		}
	}
	if res.Rows[1][2] != nil {
		t.Fatalf("NULL phone should decode to nil: %+v", res.Rows[1])
	}
	avatar, ok := res.Rows[0][3].([]byte)
	if !ok || !bytes.Equal(avatar, []byte{0x89, 0x50, 0x4e, 0x47}) {
		t.Fatalf("binary avatar mangled: %#v", res.Rows[0][3])
	}

	e.exec.Disconnect(token)
	if e.exec.Store().Len() != 0 {
		t.Fatal("disconnect left connections in the store")
	}

	var buf bytes.Buffer
	_, err := e.exec.ExecuteQuery(context.Background(),
		StatementRequest{Token: token, ConnectionID: connID, SQL: "SELECT 1"}, &buf, stream.Options{})
	if core.TypeOf(err) != core.ErrTypeAuthentication {
		t.Fatalf("query after disconnect should fail authentication, got %v", err)
	}
}

// A second disconnect of the same token is a harmless no-op.
func TestDisconnectIsIdempotent(t *testing.T) {
	e := newEnv(t, config.DatabaseConfig{}, nil, nil)
	token, _ := e.connect(t)
	e.exec.Disconnect(token)
	e.exec.Disconnect(token)
	if e.exec.Store().Len() != 0 {
		t.Fatal("store not empty after disconnects")
	}
}

// A failed statement must not consume the pinned connection or the session:
// the next statement on the same connection id works.
func TestExecutionErrorDoesNotLeak(t *testing.T) {
	e := newEnv(t, config.DatabaseConfig{MaxOpen: 1}, nil, nil)
	token, connID := e.connect(t)

	var buf bytes.Buffer
	_, err := e.exec.ExecuteQuery(context.Background(),
		StatementRequest{Token: token, ConnectionID: connID, SQL: "SELECT * FROM no_such_table"},
		&buf, stream.Options{})
	if core.TypeOf(err) != core.ErrTypeExecution {
		t.Fatalf("expected EXECUTION error, got %v", err)
	}

	if got := e.customerCount(t, token, connID); got != 3 {
		t.Fatalf("connection unusable after error: count = %d", got)
	}
	e.exec.Disconnect(token)
}

func TestConnectExhaustionLeavesNoSession(t *testing.T) {
	e := newEnv(t, config.DatabaseConfig{MaxOpen: 1, AcquireWaitMs: 200}, nil, nil)
	token, _ := e.connect(t)

	start := time.Now()
	_, _, err := e.exec.Connect(context.Background(), "demo", "secret", "sampledb", "127.0.0.1")
	if !errors.Is(err, core.ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("exhausted connect did not fail within the configured bound")
	}
	if got := len(e.authority.Sessions()); got != 1 {
		t.Fatalf("failed connect left %d sessions, want 1", got)
	}

	// Disconnecting the first client frees the slot.
	e.exec.Disconnect(token)
	token2, _, err := e.exec.Connect(context.Background(), "demo", "secret", "sampledb", "127.0.0.1")
	if err != nil {
		t.Fatalf("connect after release failed: %v", err)
	}
	e.exec.Disconnect(token2)
}

func TestFirewallDenyFiresTriggers(t *testing.T) {
	trig := &countingTrigger{}
	e := newEnv(t, config.DatabaseConfig{},
		[]core.FirewallManager{firewall.NewDenyClass(core.ClassDDL)}, []core.Trigger{trig})
	token, connID := e.connect(t)
	defer e.exec.Disconnect(token)

	_, err := e.exec.ExecuteUpdate(context.Background(),
		StatementRequest{Token: token, ConnectionID: connID, SQL: "DROP TABLE customer"})
	if core.TypeOf(err) != core.ErrTypeFirewallDenied {
		t.Fatalf("expected FIREWALL_DENIED, got %v", err)
	}
	if trig.count() != 1 {
		t.Fatalf("trigger fired %d times, want 1", trig.count())
	}

	// The table survived.
	if got := e.customerCount(t, token, connID); got != 3 {
		t.Fatalf("denied statement still ran: count = %d", got)
	}
}

func TestAskThenConfirm(t *testing.T) {
	e := newEnv(t, config.DatabaseConfig{},
		[]core.FirewallManager{firewall.NewAskClass(core.ClassDDL)}, nil)
	token, connID := e.connect(t)
	defer e.exec.Disconnect(token)

	req := StatementRequest{Token: token, ConnectionID: connID, SQL: "CREATE TABLE scratch (id INTEGER)"}
	_, err := e.exec.ExecuteUpdate(context.Background(), req)
	if core.TypeOf(err) != core.ErrTypeConfirmation {
		t.Fatalf("expected CONFIRMATION_REQUIRED, got %v", err)
	}

	req.Confirmed = true
	if _, err := e.exec.ExecuteUpdate(context.Background(), req); err != nil {
		t.Fatalf("confirmed retry failed: %v", err)
	}
}

func TestTransactionCommitAndRollback(t *testing.T) {
	e := newEnv(t, config.DatabaseConfig{}, nil, nil)
	token, connID := e.connect(t)
	defer e.exec.Disconnect(token)
	ctx := context.Background()

	insert := StatementRequest{Token: token, ConnectionID: connID,
		SQL: "INSERT INTO customer (customer_id, customer_name) VALUES (4, 'Dave Hall')"}

	if err := e.exec.TxControl(ctx, token, connID, "begin", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := e.exec.ExecuteUpdate(ctx, insert); err != nil {
		t.Fatal(err)
	}
	if err := e.exec.TxControl(ctx, token, connID, "rollback", ""); err != nil {
		t.Fatal(err)
	}
	if got := e.customerCount(t, token, connID); got != 3 {
		t.Fatalf("rollback did not undo the insert: count = %d", got)
	}

	if err := e.exec.TxControl(ctx, token, connID, "begin", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := e.exec.ExecuteUpdate(ctx, insert); err != nil {
		t.Fatal(err)
	}
	if err := e.exec.TxControl(ctx, token, connID, "commit", ""); err != nil {
		t.Fatal(err)
	}
	if got := e.customerCount(t, token, connID); got != 4 {
		t.Fatalf("commit lost the insert: count = %d", got)
	}
}

func TestSavepointNameValidation(t *testing.T) {
	e := newEnv(t, config.DatabaseConfig{}, nil, nil)
	token, connID := e.connect(t)
	defer e.exec.Disconnect(token)

	err := e.exec.TxControl(context.Background(), token, connID, "savepoint_set", "sp1; DROP TABLE customer")
	if core.TypeOf(err) != core.ErrTypeProtocol {
		t.Fatalf("hostile savepoint name accepted: %v", err)
	}
}

func TestStatelessMode(t *testing.T) {
	e := newEnv(t, config.DatabaseConfig{Stateless: true}, nil, nil)
	token, connID := e.connect(t)
	defer e.exec.Disconnect(token)

	if connID != core.StatelessConnectionID {
		t.Fatalf("stateless connect returned %q", connID)
	}

	res := e.query(t, token, connID, "SELECT COUNT(*) FROM customer")
	if res.Rows[0][0] != float64(3) {
		t.Fatalf("stateless query wrong: %+v", res.Rows)
	}

	err := e.exec.TxControl(context.Background(), token, connID, "begin", "")
	if core.TypeOf(err) != core.ErrTypeProtocol {
		t.Fatalf("transaction control in stateless mode should be a protocol error, got %v", err)
	}
	// A made-up connection id must not open a back door to transaction
	// control on a throwaway connection.
	err = e.exec.TxControl(context.Background(), token, uuid.NewString(), "begin", "")
	if core.TypeOf(err) != core.ErrTypeProtocol {
		t.Fatalf("transaction control with a fabricated connection id should be a protocol error, got %v", err)
	}

	// Per-call connections go straight back to the pool.
	for _, s := range e.pool.Stats() {
		if s.InUse != 0 {
			t.Fatalf("stateless call leaked a connection: %+v", s)
		}
	}
}

/// Two concurrent statements on the same connection id serialize: total wall
// time is at least the sum of the individual holds.
func TestSameConnectionSerializes(t *testing.T) {
	hold := 60 * time.Millisecond
	e := newEnv(t, config.DatabaseConfig{},
		[]core.FirewallManager{slowManager{delay: hold}}, nil)
	token, connID := e.connect(t)
	defer e.exec.Disconnect(token)

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var buf bytes.Buffer
			_, err := e.exec.ExecuteQuery(context.Background(),
				StatementRequest{Token: token, ConnectionID: connID, SQL: "SELECT 1"},
				&buf, stream.Options{})
			if err != nil {
				t.Errorf("concurrent query failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if elapsed := time.Since(start); elapsed < 2*hold {
		t.Fatalf("same-key statements overlapped: %v elapsed for two %v holds", elapsed, hold)
	}
}

// The inactivity sweep rolls back whatever transaction the session left
// open and returns its connection to the pool.
func TestSweepRollsBackAndReleases(t *testing.T) {
	e := newEnv(t, config.DatabaseConfig{MaxOpen: 1}, nil, nil)
	token, connID := e.connect(t)
	ctx := context.Background()

	if err := e.exec.TxControl(ctx, token, connID, "begin", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := e.exec.ExecuteUpdate(ctx, StatementRequest{Token: token, ConnectionID: connID,
		SQL: "INSERT INTO customer (customer_id, customer_name) VALUES (4, 'Dave Hall')"}); err != nil {
		t.Fatal(err)
	}

	if n := e.authority.Sweep(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Fatalf("sweep removed %d sessions, want 1", n)
	}
	if e.exec.Store().Len() != 0 {
		t.Fatal("sweep left connections in the store")
	}

	// The single pool slot is free again, and the uncommitted insert is gone.
	token2, connID2 := e.connect(t)
	defer e.exec.Disconnect(token2)
	if got := e.customerCount(t, token2, connID2); got != 3 {
		t.Fatalf("timed-out transaction was not rolled back: count = %d", got)
	}
}

func TestBatchStopsAtDenial(t *testing.T) {
	e := newEnv(t, config.DatabaseConfig{},
		[]core.FirewallManager{firewall.NewDenyClass(core.ClassDDL)}, nil)
	token, connID := e.connect(t)
	defer e.exec.Disconnect(token)

	counts, err := e.exec.ExecuteBatch(context.Background(),
		StatementRequest{Token: token, ConnectionID: connID},
		[]string{
			"INSERT INTO customer (customer_id, customer_name) VALUES (10, 'Eve Ray')",
			"DROP TABLE customer",
			"INSERT INTO customer (customer_id, customer_name) VALUES (11, 'Frank Orr')",
		})
	if core.TypeOf(err) != core.ErrTypeFirewallDenied {
		t.Fatalf("expected FIREWALL_DENIED, got %v", err)
	}
	if len(counts) != 1 {
		t.Fatalf("batch ran %d statements before the denial, want 1", len(counts))
	}
	if got := e.customerCount(t, token, connID); got != 4 {
		t.Fatalf("unexpected row count after aborted batch: %d", got)
	}
}

func TestMetadata(t *testing.T) {
	e := newEnv(t, config.DatabaseConfig{}, nil, nil)
	token, connID := e.connect(t)
	defer e.exec.Disconnect(token)
	ctx := context.Background()

	info, err := e.exec.Metadata(ctx, token, connID, "db_info", "")
	if err != nil {
		t.Fatal(err)
	}
	if m := info.(map[string]string); m["driver"] != "sqlite" {
		t.Fatalf("unexpected db_info: %+v", m)
	}

	tables, err := e.exec.Metadata(ctx, token, connID, "tables", "")
	if err != nil {
		t.Fatal(err)
	}
	if names := tables.([]string); len(names) != 1 || names[0] != "customer" {
		t.Fatalf("unexpected tables: %+v", names)
	}

	cols, err := e.exec.Metadata(ctx, token, connID, "columns", "customer")
	if err != nil {
		t.Fatal(err)
	}
	if list := cols.([]columnInfo); len(list) != 4 || list[0].Name != "customer_id" {
		t.Fatalf("unexpected columns: %+v", list)
	}

	if _, err := e.exec.Metadata(ctx, token, connID, "columns", "bad name!"); core.TypeOf(err) != core.ErrTypeProtocol {
		t.Fatalf("hostile table name accepted: %v", err)
	}
}
