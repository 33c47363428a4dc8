package campaign

import (
	"context"
	"log"
)

// AuditSink receives audit records for operator-visible actions. The
// engine only writes to it; persistence lives elsewhere.
type AuditSink interface {
	Record(ctx context.Context, actorID, action, targetType, targetID string, details map[string]interface{})
}

// LogAuditSink writes audit records to the process log. It is the
// default sink when no persistent recorder is wired in.
type LogAuditSink struct{}

func (LogAuditSink) Record(_ context.Context, actorID, action, targetType, targetID string, details map[string]interface{}) {
	log.Printf("[Audit] actor=%s action=%s target=%s/%s details=%v",
		actorID, action, targetType, targetID, details)
}
