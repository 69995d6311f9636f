package logger

import (
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"
)

// AuditEntry is the structured record emitted for every SQL operation and
// firewall decision. It is written as one JSON line per entry.
type AuditEntry struct {
	Timestamp  time.Time              `json:"timestamp"`
	Username   string                 `json:"username"`
	Database   string                 `json:"database"`
	ClientAddr string                 `json:"client_addr,omitempty"`
	Action     string                 `json:"action"`
	Outcome    string                 `json:"outcome"`
	DurationMs int64                  `json:"duration_ms,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// AuditLogger is the generic "emit structured record" capability the core
// consumes.
type AuditLogger interface {
	Log(entry AuditEntry)
}

// JSONAudit writes entries as JSON lines to an io.Writer.
type JSONAudit struct {
	mu  sync.Mutex
	out io.Writer
}

func NewJSONAudit(w io.Writer) *JSONAudit {
	return &JSONAudit{out: w}
}

func (l *JSONAudit) Log(entry AuditEntry) {
	if entry.Metadata != nil {
		maskSensitive(entry.Metadata)
	}

	b, err := json.Marshal(entry)
	if err != nil {
		if Error != nil {
			Error.Printf("audit marshal failed: %v", err)
		}
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Write(b)
	l.out.Write([]byte("\n"))
}

// NopAudit discards entries.
type NopAudit struct{}

func (NopAudit) Log(AuditEntry) {}

func maskSensitive(m map[string]interface{}) {
	sensitiveKeys := []string{"password", "secret", "token"}
	for k := range m {
		lowerK := strings.ToLower(k)
		for _, s := range sensitiveKeys {
			if strings.Contains(lowerK, s) {
				m[k] = "***REDACTED***"
				break
			}
		}
	}
}
