package firewall

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"sqlgate/internal/core"
)

// AllowAll passes every event. Placing it at the end of a chain makes the
// declared order explicit in configuration.
type AllowAll struct{}

func (AllowAll) Name() string { return "allow_all" }

func (AllowAll) Examine(ctx context.Context, ev *core.SqlEvent, conn *sql.Conn) (core.Verdict, error) {
	return core.Verdict{Decision: core.Allow}, nil
}

// DenyClass denies every statement of one class. deny_ddl and deny_dcl are
// instances of it.
type DenyClass struct {
	class core.StatementClass
}

func NewDenyClass(class core.StatementClass) DenyClass { return DenyClass{class: class} }

func (m DenyClass) Name() string { return "deny_" + strings.ToLower(string(m.class)) }

func (m DenyClass) Examine(ctx context.Context, ev *core.SqlEvent, conn *sql.Conn) (core.Verdict, error) {
	if ev.Class == m.class {
		return core.Verdict{
			Decision: core.Deny,
			Manager:  m.Name(),
			Reason:   fmt.Sprintf("%s statements are not allowed", m.class),
		}, nil
	}
	return core.Verdict{Decision: core.Allow}, nil
}

// AskClass requires explicit client confirmation for one statement class.
type AskClass struct {
	class core.StatementClass
}

func NewAskClass(class core.StatementClass) AskClass { return AskClass{class: class} }

func (m AskClass) Name() string { return "ask_" + strings.ToLower(string(m.class)) }

func (m AskClass) Examine(ctx context.Context, ev *core.SqlEvent, conn *sql.Conn) (core.Verdict, error) {
	if ev.Class == m.class {
		return core.Verdict{
			Decision: core.Ask,
			Manager:  m.Name(),
			Reason:   fmt.Sprintf("%s statements require confirmation", m.class),
		}, nil
	}
	return core.Verdict{Decision: core.Allow}, nil
}

// DenyBanned rejects events from users on the ban list, typically put there
// by the ban_user trigger after an earlier denial.
type DenyBanned struct {
	bans core.BanRepository
}

func (DenyBanned) Name() string { return "deny_banned" }

func (m DenyBanned) Examine(ctx context.Context, ev *core.SqlEvent, conn *sql.Conn) (core.Verdict, error) {
	banned, err := m.bans.IsBanned(ev.Username, ev.Database)
	if err != nil {
		return core.Verdict{}, err
	}
	if banned {
		return core.Verdict{
			Decision: core.Deny,
			Manager:  m.Name(),
			Reason:   "user is banned on this database",
		}, nil
	}
	return core.Verdict{Decision: core.Allow}, nil
}

// TableAllowlist consults an allow-list table on the live backend
// connection: a row (username, statement_class) permits that class for
// that user. A user with no rows at all is unrestricted, so the
// restriction is opt-in per user.
type TableAllowlist struct {
	table string
}

func (TableAllowlist) Name() string { return "table_allowlist" }

func (m TableAllowlist) Examine(ctx context.Context, ev *core.SqlEvent, conn *sql.Conn) (core.Verdict, error) {
	var total int
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE username = ?", m.table)
	if err := conn.QueryRowContext(ctx, q, ev.Username).Scan(&total); err != nil {
		return core.Verdict{}, err
	}
	if total == 0 {
		return core.Verdict{Decision: core.Allow}, nil
	}

	var allowed int
	q = fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE username = ? AND statement_class = ?", m.table)
	if err := conn.QueryRowContext(ctx, q, ev.Username, string(ev.Class)).Scan(&allowed); err != nil {
		return core.Verdict{}, err
	}
	if allowed == 0 {
		return core.Verdict{
			Decision: core.Deny,
			Manager:  m.Name(),
			Reason:   fmt.Sprintf("class %s not on the allow list for this user", ev.Class),
		}, nil
	}
	return core.Verdict{Decision: core.Allow}, nil
}

// RegisterManagers adds the built-in firewall managers to the registry.
func RegisterManagers(reg *core.Registry) {
	reg.RegisterManager("allow_all", func(deps core.PluginDeps) (core.FirewallManager, error) {
		return AllowAll{}, nil
	})
	reg.RegisterManager("deny_ddl", func(deps core.PluginDeps) (core.FirewallManager, error) {
		return NewDenyClass(core.ClassDDL), nil
	})
	reg.RegisterManager("deny_dcl", func(deps core.PluginDeps) (core.FirewallManager, error) {
		return NewDenyClass(core.ClassDCL), nil
	})
	reg.RegisterManager("ask_ddl", func(deps core.PluginDeps) (core.FirewallManager, error) {
		return NewAskClass(core.ClassDDL), nil
	})
	reg.RegisterManager("deny_banned", func(deps core.PluginDeps) (core.FirewallManager, error) {
		if deps.Bans == nil {
			return nil, errors.New("deny_banned requires the ban repository")
		}
		return DenyBanned{bans: deps.Bans}, nil
	})
	reg.RegisterManager("table_allowlist", func(deps core.PluginDeps) (core.FirewallManager, error) {
		table := deps.Options["allowlist_table"]
		if table == "" {
			return nil, errors.New("table_allowlist requires allowlist_table in the database configuration")
		}
		return TableAllowlist{table: table}, nil
	})
}
