package firewall

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sqlgate/internal/core"
	"sqlgate/internal/logger"
)

// BanUserTrigger writes the offending user onto the ban list, so the
// deny_banned manager rejects everything they send from then on.
type BanUserTrigger struct {
	bans core.BanRepository
}

func (BanUserTrigger) Name() string { return "ban_user" }

func (t BanUserTrigger) Fire(ctx context.Context, ev *core.SqlEvent, v core.Verdict) error {
	return t.bans.Ban(&core.BanEntry{
		Username: ev.Username,
		Database: ev.Database,
		Reason:   fmt.Sprintf("denied by %s: %s", v.Manager, v.Reason),
	})
}

// AuditTrigger persists the denial to the audit trail.
type AuditTrigger struct {
	audit core.AuditRepository
}

func (AuditTrigger) Name() string { return "audit" }

func (t AuditTrigger) Fire(ctx context.Context, ev *core.SqlEvent, v core.Verdict) error {
	return t.audit.Create(&core.AuditRecord{
		Timestamp:  time.Now(),
		Username:   ev.Username,
		Database:   ev.Database,
		ClientAddr: ev.ClientAddr,
		SQL:        ev.SQL,
		Outcome:    "DENIED",
		Detail:     fmt.Sprintf("%s: %s", v.Manager, v.Reason),
	})
}

// AlertTrigger emits a loud log line for operators watching the stream.
type AlertTrigger struct{}

func (AlertTrigger) Name() string { return "alert" }

func (AlertTrigger) Fire(ctx context.Context, ev *core.SqlEvent, v core.Verdict) error {
	logger.Error.Printf("ALERT: firewall denied %s on %s from %s (%s: %s): %s",
		ev.Username, ev.Database, ev.ClientAddr, v.Manager, v.Reason, ev.SQL)
	return nil
}

// AuditListener records successful executions in the audit trail. It is an
// update listener, not a trigger: it never sees denied events.
type AuditListener struct {
	audit core.AuditRepository
}

func (AuditListener) Name() string { return "audit_listener" }

func (l AuditListener) Notify(ctx context.Context, ev *core.SqlEvent, rowsAffected int64) error {
	return l.audit.Create(&core.AuditRecord{
		Timestamp:  time.Now(),
		Username:   ev.Username,
		Database:   ev.Database,
		ClientAddr: ev.ClientAddr,
		SQL:        ev.SQL,
		Outcome:    "EXECUTED",
		Detail:     fmt.Sprintf("%d rows affected", rowsAffected),
	})
}

// RegisterTriggers adds the built-in triggers and listeners to the registry.
func RegisterTriggers(reg *core.Registry) {
	reg.RegisterTrigger("ban_user", func(deps core.PluginDeps) (core.Trigger, error) {
		if deps.Bans == nil {
			return nil, errors.New("ban_user requires the ban repository")
		}
		return BanUserTrigger{bans: deps.Bans}, nil
	})
	reg.RegisterTrigger("audit", func(deps core.PluginDeps) (core.Trigger, error) {
		if deps.Audit == nil {
			return nil, errors.New("audit trigger requires the audit repository")
		}
		return AuditTrigger{audit: deps.Audit}, nil
	})
	reg.RegisterTrigger("alert", func(deps core.PluginDeps) (core.Trigger, error) {
		return AlertTrigger{}, nil
	})
	reg.RegisterListener("audit_listener", func(deps core.PluginDeps) (core.UpdateListener, error) {
		if deps.Audit == nil {
			return nil, errors.New("audit_listener requires the audit repository")
		}
		return AuditListener{audit: deps.Audit}, nil
	})
}
