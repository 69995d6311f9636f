package firewall

import (
	"context"
	"database/sql"
	"time"

	"sqlgate/internal/core"
	"sqlgate/internal/logger"
)

// Chain is the ordered firewall pipeline for one database. Managers are
// evaluated in declaration order and the first Deny wins; triggers fire
// only on Deny; update listeners only after successful execution.
type Chain struct {
	database  string
	mode      core.Mode
	managers  []core.FirewallManager
	triggers  []core.Trigger
	listeners []core.UpdateListener
	audit     logger.AuditLogger
}

func NewChain(database string, mode core.Mode, managers []core.FirewallManager, triggers []core.Trigger, listeners []core.UpdateListener, audit logger.AuditLogger) *Chain {
	if audit == nil {
		audit = logger.NopAudit{}
	}
	return &Chain{
		database:  database,
		mode:      mode,
		managers:  managers,
		triggers:  triggers,
		listeners: listeners,
		audit:     audit,
	}
}

// Evaluate walks the managers. The live connection is handed to each for
// read-only use. A manager error fails closed: the event is denied rather
// than waved through on a broken policy check.
func (c *Chain) Evaluate(ctx context.Context, ev *core.SqlEvent, conn *sql.Conn) core.Verdict {
	if c.mode == core.ModeTrusted {
		return core.Verdict{Decision: core.Allow}
	}

	for _, m := range c.managers {
		v, err := m.Examine(ctx, ev, conn)
		if err != nil {
			logger.Error.Printf("firewall %s: manager %s failed: %v", c.database, m.Name(), err)
			v = core.Verdict{Decision: core.Deny, Manager: m.Name(), Reason: "policy check failed"}
		}

		switch v.Decision {
		case core.Allow:
			continue
		case core.Ask:
			if ev.Confirmed {
				continue
			}
			return v
		case core.Deny:
			c.fireTriggers(ctx, ev, v)
			return v
		}
	}
	return core.Verdict{Decision: core.Allow}
}

// fireTriggers runs every configured trigger in order, synchronously but
// isolated: a trigger error or panic is logged and swallowed. A broken
// trigger must neither fail the request nor let the statement through.
func (c *Chain) fireTriggers(ctx context.Context, ev *core.SqlEvent, v core.Verdict) {
	c.audit.Log(logger.AuditEntry{
		Timestamp:  time.Now(),
		Username:   ev.Username,
		Database:   ev.Database,
		ClientAddr: ev.ClientAddr,
		Action:     "firewall",
		Outcome:    "DENY",
		Metadata:   map[string]interface{}{"manager": v.Manager, "reason": v.Reason, "sql": ev.SQL},
	})

	for _, t := range c.triggers {
		c.fireOne(ctx, t, ev, v)
	}
}

func (c *Chain) fireOne(ctx context.Context, t core.Trigger, ev *core.SqlEvent, v core.Verdict) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error.Printf("firewall %s: trigger %s panicked: %v", c.database, t.Name(), r)
		}
	}()
	if err := t.Fire(ctx, ev, v); err != nil {
		logger.Error.Printf("firewall %s: trigger %s failed: %v", c.database, t.Name(), err)
	}
}

// NotifyExecuted informs update listeners of a successful execution, with
// the same isolation discipline as triggers.
func (c *Chain) NotifyExecuted(ctx context.Context, ev *core.SqlEvent, rowsAffected int64) {
	for _, l := range c.listeners {
		c.notifyOne(ctx, l, ev, rowsAffected)
	}
}

func (c *Chain) notifyOne(ctx context.Context, l core.UpdateListener, ev *core.SqlEvent, rowsAffected int64) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error.Printf("firewall %s: listener %s panicked: %v", c.database, l.Name(), r)
		}
	}()
	if err := l.Notify(ctx, ev, rowsAffected); err != nil {
		logger.Error.Printf("firewall %s: listener %s failed: %v", c.database, l.Name(), err)
	}
}
