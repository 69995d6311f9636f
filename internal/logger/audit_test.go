package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestJSONAuditWritesOneLinePerEntry(t *testing.T) {
	InitDiscard()

	var buf bytes.Buffer
	audit := NewJSONAudit(&buf)

	audit.Log(AuditEntry{
		Timestamp: time.Now(),
		Username:  "demo",
		Database:  "sampledb",
		Action:    "query",
		Outcome:   "OK",
	})
	audit.Log(AuditEntry{
		Timestamp: time.Now(),
		Username:  "demo",
		Database:  "sampledb",
		Action:    "firewall",
		Outcome:   "DENY",
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	for _, line := range lines {
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("line is not valid JSON: %q", line)
		}
		if entry["username"] != "demo" {
			t.Fatalf("unexpected entry: %q", line)
		}
	}
}

// Credential-bearing metadata keys never reach the audit stream in clear.
func TestJSONAuditMasksSensitiveMetadata(t *testing.T) {
	InitDiscard()

	var buf bytes.Buffer
	audit := NewJSONAudit(&buf)
	audit.Log(AuditEntry{
		Timestamp: time.Now(),
		Username:  "demo",
		Action:    "connect",
		Outcome:   "OK",
		Metadata: map[string]interface{}{
			"password":     "hunter2",
			"api_token":    "abc123",
			"some_secret":  "s3cret",
			"client_addr":  "127.0.0.1",
		},
	})

	out := buf.String()
	for _, leaked := range []string{"hunter2", "abc123", "s3cret"} {
		if strings.Contains(out, leaked) {
			t.Fatalf("sensitive value %q leaked into the audit stream: %s", leaked, out)
		}
	}
	if !strings.Contains(out, "127.0.0.1") {
		t.Fatalf("non-sensitive metadata was dropped: %s", out)
	}
}
