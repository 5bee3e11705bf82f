package policy

import (
	"context"
	"time"

	"github.com/dray-io/autoprune/internal/logging"
)

// AuditAction names a policy mutation in the audit trail.
type AuditAction string

const (
	ActionCreate AuditAction = "create_namespace_autoprune_policy"
	ActionUpdate AuditAction = "update_namespace_autoprune_policy"
	ActionDelete AuditAction = "delete_namespace_autoprune_policy"
)

// AuditEvent describes one committed policy mutation.
type AuditEvent struct {
	Action    AuditAction
	Namespace string
	PolicyID  string
	Method    Method
	Value     string
	At        time.Time
}

// AuditSink receives audit events after the mutation has committed.
type AuditSink interface {
	Record(ctx context.Context, ev AuditEvent)
}

// LogAuditSink writes audit events through the structured logger.
type LogAuditSink struct {
	Logger *logging.Logger
}

func (s LogAuditSink) Record(ctx context.Context, ev AuditEvent) {
	l := s.Logger
	if l == nil {
		l = logging.FromCtx(ctx)
	}
	l.Infof("policy audit", map[string]any{
		"action":    string(ev.Action),
		"namespace": ev.Namespace,
		"uuid":      ev.PolicyID,
		"method":    string(ev.Method),
		"value":     ev.Value,
		"at":        ev.At.UnixMilli(),
	})
}

func auditEvent(action AuditAction, p Policy, at time.Time) AuditEvent {
	return AuditEvent{
		Action:    action,
		Namespace: p.Namespace,
		PolicyID:  p.ID,
		Method:    p.Rule.Method(),
		Value:     p.Rule.Value().String(),
		At:        at,
	}
}
