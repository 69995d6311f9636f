package core

import (
	"fmt"
	"time"
)

// StatelessConnectionID is the ConnectionKey sentinel used when a backend
// connection is acquired, used and released within a single HTTP call.
const StatelessConnectionID = "stateless"

// ConnectionKey addresses exactly one loaned backend connection.
// It is a comparable value type and is used directly as a map key.
type ConnectionKey struct {
	Username     string
	SessionID    string
	ConnectionID string
}

func (k ConnectionKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Username, k.SessionID, k.ConnectionID)
}

// Stateless reports whether the key belongs to a per-call connection.
func (k ConnectionKey) Stateless() bool {
	return k.ConnectionID == StatelessConnectionID
}

// Mode controls whether the firewall chain is consulted for a database.
type Mode string

const (
	ModeProtecting Mode = "protecting"
	ModeTrusted    Mode = "trusted"
)

// StatementClass is the coarse classification the firewall works with.
// SQL text is otherwise opaque to the server.
type StatementClass string

const (
	ClassDDL   StatementClass = "DDL"
	ClassDCL   StatementClass = "DCL"
	ClassDML   StatementClass = "DML"
	ClassOther StatementClass = "OTHER"
)

// SqlEvent records one attempted SQL operation. It is built once per
// operation, passed through the firewall chain and then to the executor,
// and never mutated after construction.
type SqlEvent struct {
	Username   string
	Database   string
	ClientAddr string
	SQL        string
	IsPrepared bool
	Params     []interface{}
	Class      StatementClass

	// Confirmed is set when the client re-submits a statement that a
	// manager previously answered with Ask.
	Confirmed bool
}

type Session struct {
	ID         string    `json:"session_id"`
	Username   string    `json:"username"`
	Database   string    `json:"database"`
	ClientAddr string    `json:"client_addr"`
	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
}

// User is an internal server account used by the userstore authenticator
// and the ops console.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

// BanEntry is written by the ban_user trigger and consulted by the
// deny_banned manager.
type BanEntry struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Database  string    `json:"database"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditRecord is one row of the persisted audit trail: an executed
// statement, a firewall denial or an execution error.
type AuditRecord struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Username   string    `json:"username"`
	Database   string    `json:"database"`
	ClientAddr string    `json:"client_addr"`
	SQL        string    `json:"sql"`
	Outcome    string    `json:"outcome"` // EXECUTED, DENIED, ERROR
	DurationMs int64     `json:"duration_ms"`
	Detail     string    `json:"detail"`
}

// PoolStats is a point-in-time snapshot exposed by the ops console and
// the health check.
type PoolStats struct {
	Database  string `json:"database"`
	MaxOpen   int    `json:"max_open"`
	Open      int    `json:"open"`
	InUse     int    `json:"in_use"`
	Idle      int    `json:"idle"`
	WaitCount int64  `json:"wait_count"`
}
