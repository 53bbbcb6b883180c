package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/jmcleod/hostlink/internal/logging"
)

// AuditEvent identifies a security-relevant session action.
type AuditEvent string

const (
	AuditSessionCreated      AuditEvent = "session_created"
	AuditSessionEvicted      AuditEvent = "session_evicted"
	AuditSessionDeleted      AuditEvent = "session_deleted"
	AuditSessionExpired      AuditEvent = "session_expired"
	AuditSessionsInvalidated AuditEvent = "sessions_invalidated"
	AuditChallengeIssued     AuditEvent = "challenge_issued"
	AuditResumeSuccess       AuditEvent = "resume_success"
	AuditResumeFailure       AuditEvent = "resume_failure"
)

// auditLogger writes structured audit entries. Keys, challenges and proofs
// are never logged and session ids are truncated.
type auditLogger struct {
	logger *slog.Logger
	now    func() time.Time
}

func newAuditLogger(logger *slog.Logger, now func() time.Time) *auditLogger {
	return &auditLogger{logger: logger.With("component", "audit"), now: now}
}

func (al *auditLogger) log(ctx context.Context, event AuditEvent, sessionID, username string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("timestamp", al.now().UTC().Format(time.RFC3339)),
	}
	if sessionID != "" {
		attrs = append(attrs, slog.String("session_id", logging.ShortID(sessionID)))
	}
	if username != "" {
		attrs = append(attrs, slog.String("username", username))
	}
	attrs = append(attrs, extra...)
	al.logger.LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
}
