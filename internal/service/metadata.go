package service

import (
	"context"
	"fmt"
	"regexp"

	"sqlgate/internal/core"
)

// Metadata answers the read-only introspection endpoints. It rides the
// same resolve/lease discipline as statement execution, so metadata calls
// on a stateful connection are serialized with statements on it.
func (e *Executor) Metadata(ctx context.Context, token, connectionID, kind, table string) (result interface{}, err error) {
	sess, err := e.authority.Validate(token)
	if err != nil {
		return nil, err
	}

	cfg, ok := e.databases[sess.Database]
	if !ok {
		return nil, core.Protocolf("unknown database %q", sess.Database)
	}

	l, done, err := e.resolve(ctx, sess, connectionID)
	if err != nil {
		return nil, err
	}
	defer func() { done(false) }()

	switch kind {
	case "db_info":
		return map[string]string{
			"database": sess.Database,
			"driver":   cfg.Driver,
			"mode":     string(cfg.OperationalMode()),
		}, nil
	case "tables":
		return e.listStrings(ctx, l, tablesQuery(cfg.Driver))
	case "columns":
		if !identName.MatchString(table) {
			return nil, core.Protocolf("invalid table name %q", table)
		}
		q, args := columnsQuery(cfg.Driver, table)
		return e.listColumns(ctx, l, q, args)
	default:
		return nil, core.Protocolf("unknown metadata kind %q", kind)
	}
}

var identName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func (e *Executor) listStrings(ctx context.Context, l *leased, query string) ([]string, error) {
	rows, err := l.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, core.WrapError(core.ErrTypeExecution, "metadata query failed", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, core.WrapError(core.ErrTypeExecution, "metadata scan failed", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type columnInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

func (e *Executor) listColumns(ctx context.Context, l *leased, query string, args []interface{}) ([]columnInfo, error) {
	rows, err := l.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.WrapError(core.ErrTypeExecution, "metadata query failed", err)
	}
	defer rows.Close()

	var out []columnInfo
	for rows.Next() {
		var c columnInfo
		if err := rows.Scan(&c.Name, &c.Type); err != nil {
			return nil, core.WrapError(core.ErrTypeExecution, "metadata scan failed", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func tablesQuery(driver string) string {
	switch driver {
	case "sqlite":
		return `SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name`
	case "mysql":
		return `SELECT table_name FROM information_schema.tables WHERE table_schema = DATABASE() ORDER BY table_name`
	case "sqlserver", "odbc":
		return `SELECT table_name FROM information_schema.tables ORDER BY table_name`
	default: // postgres
		return `SELECT table_name FROM information_schema.tables WHERE table_schema = 'public' ORDER BY table_name`
	}
}

func columnsQuery(driver, table string) (string, []interface{}) {
	switch driver {
	case "sqlite":
		// PRAGMA doesn't take bind parameters; the name was validated above.
		return fmt.Sprintf(`SELECT name, type FROM pragma_table_info('%s') ORDER BY cid`, table), nil
	case "mysql":
		return `SELECT column_name, data_type FROM information_schema.columns WHERE table_schema = DATABASE() AND table_name = ? ORDER BY ordinal_position`, []interface{}{table}
	case "sqlserver", "odbc":
		return `SELECT column_name, data_type FROM information_schema.columns WHERE table_name = @p1 ORDER BY ordinal_position`, []interface{}{table}
	default: // postgres
		return `SELECT column_name, data_type FROM information_schema.columns WHERE table_name = $1 ORDER BY ordinal_position`, []interface{}{table}
	}
}
