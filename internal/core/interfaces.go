package core

import (
	"context"
	"database/sql"
)

// Decision is the ternary outcome of a firewall manager.
type Decision int

const (
	Allow Decision = iota
	Deny
	Ask
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "ALLOW"
	case Deny:
		return "DENY"
	case Ask:
		return "ASK"
	}
	return "UNKNOWN"
}

// Verdict is a Decision plus the reason the deciding manager gave.
type Verdict struct {
	Decision Decision
	Manager  string
	Reason   string
}

// Authenticator verifies credentials against some backend. Implementations
// for LDAP, SSH and the like plug in through the registry; the core ships
// the userstore and static variants.
type Authenticator interface {
	Authenticate(ctx context.Context, username, secret, database, clientAddr string) (bool, error)
}

// FirewallManager decides whether one SQL event may execute. The live
// connection is passed for read-only use, e.g. allow-list lookups.
type FirewallManager interface {
	Name() string
	Examine(ctx context.Context, ev *SqlEvent, conn *sql.Conn) (Verdict, error)
}

// Trigger is a side effect fired when a manager denies an event. Trigger
// failures are logged and swallowed; they never reach the client.
type Trigger interface {
	Name() string
	Fire(ctx context.Context, ev *SqlEvent, v Verdict) error
}

// UpdateListener is notified after an event executed successfully.
// It is never invoked for denied or failed statements.
type UpdateListener interface {
	Name() string
	Notify(ctx context.Context, ev *SqlEvent, rowsAffected int64) error
}

// UserRepository defines storage operations for internal accounts.
type UserRepository interface {
	CreateUser(username, passwordHash string) (*User, error)
	GetUserByUsername(username string) (*User, error)
	UpdatePassword(username, passwordHash string) error
	CountUsers() (int, error)
}

// BanRepository defines storage operations for banned users.
type BanRepository interface {
	Ban(entry *BanEntry) error
	IsBanned(username, database string) (bool, error)
	GetAll() ([]BanEntry, error)
}

// AuditRepository defines storage operations for the audit trail.
type AuditRepository interface {
	Create(rec *AuditRecord) error
	GetRecent(limit int) ([]AuditRecord, error)
}
