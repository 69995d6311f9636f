package firewall

import (
	"strings"

	"sqlgate/internal/core"
)

var classByKeyword = map[string]core.StatementClass{
	"CREATE":   core.ClassDDL,
	"ALTER":    core.ClassDDL,
	"DROP":     core.ClassDDL,
	"TRUNCATE": core.ClassDDL,
	"RENAME":   core.ClassDDL,
	"COMMENT":  core.ClassDDL,

	"GRANT":  core.ClassDCL,
	"REVOKE": core.ClassDCL,
	"DENY":   core.ClassDCL,

	"SELECT": core.ClassDML,
	"INSERT": core.ClassDML,
	"UPDATE": core.ClassDML,
	"DELETE": core.ClassDML,
	"MERGE":  core.ClassDML,
	"WITH":   core.ClassDML,
}

// Classify derives the coarse statement class from the leading keyword.
// SQL text is otherwise opaque to the server; this is deliberately not a
// parser. Leading whitespace, line comments and block comments are skipped.
func Classify(sqlText string) core.StatementClass {
	rest := sqlText
	for {
		rest = strings.TrimLeft(rest, " \t\r\n;")
		switch {
		case strings.HasPrefix(rest, "--"):
			if i := strings.IndexByte(rest, '\n'); i >= 0 {
				rest = rest[i+1:]
				continue
			}
			return core.ClassOther
		case strings.HasPrefix(rest, "/*"):
			if i := strings.Index(rest, "*/"); i >= 0 {
				rest = rest[i+2:]
				continue
			}
			return core.ClassOther
		}
		break
	}

	end := strings.IndexFunc(rest, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z')
	})
	word := rest
	if end >= 0 {
		word = rest[:end]
	}

	if class, ok := classByKeyword[strings.ToUpper(word)]; ok {
		return class
	}
	return core.ClassOther
}

// NewEvent builds the immutable record of one SQL operation attempt.
func NewEvent(username, database, clientAddr, sqlText string, prepared bool, params []interface{}, confirmed bool) *core.SqlEvent {
	return &core.SqlEvent{
		Username:   username,
		Database:   database,
		ClientAddr: clientAddr,
		SQL:        sqlText,
		IsPrepared: prepared,
		Params:     params,
		Class:      Classify(sqlText),
		Confirmed:  confirmed,
	}
}
