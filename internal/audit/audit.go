// Package audit records structured security audit events. Every grant
// decision and bearer authentication outcome goes through here; the trail is
// part of the server's contract (non-repudiation, incident forensics), not
// incidental logging.
package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"oauth-service/internal/models"
)

// Audit action names.
const (
	ActionTokenGrant     = "oauth.token.grant"
	ActionCodeIssued     = "oauth.code.issued"
	ActionCodeReplay     = "oauth.code.replay"
	ActionRefreshReuse   = "oauth.refresh.reuse"
	ActionTokenRevoked   = "oauth.token.revoked"
	ActionBearerAuth     = "oauth.bearer.auth"
	ActionUserinfoAccess = "oauth.userinfo.access"
)

// Store is the persistence surface for audit events.
type Store interface {
	InsertAuditEvent(ctx context.Context, event *models.AuditEvent) error
}

// Event is the caller-facing shape of an audit record.
type Event struct {
	Action    string
	Actor     string
	Resource  string
	IP        string
	UserAgent string
	Success   bool
	Error     string
	Metadata  map[string]interface{}
}

// Recorder persists audit events and mirrors them to the structured log.
type Recorder struct {
	store  Store
	logger *zap.Logger
}

// NewRecorder creates a new audit recorder
func NewRecorder(store Store, logger *zap.Logger) *Recorder {
	return &Recorder{
		store:  store,
		logger: logger,
	}
}

// Record writes one audit event. Persistence failures are logged and
// swallowed: an audit outage must not turn into a token-endpoint outage,
// but the log line preserves the record.
func (r *Recorder) Record(ctx context.Context, event Event) {
	metadata := "{}"
	if len(event.Metadata) > 0 {
		if data, err := json.Marshal(event.Metadata); err == nil {
			metadata = string(data)
		}
	}

	record := &models.AuditEvent{
		ID:        uuid.New().String(),
		Action:    event.Action,
		Actor:     event.Actor,
		Resource:  event.Resource,
		IP:        event.IP,
		UserAgent: event.UserAgent,
		Success:   event.Success,
		Error:     event.Error,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}

	fields := []zap.Field{
		zap.String("action", event.Action),
		zap.String("actor", event.Actor),
		zap.String("resource", event.Resource),
		zap.String("ip", event.IP),
		zap.Bool("success", event.Success),
	}
	if event.Error != "" {
		fields = append(fields, zap.String("error", event.Error))
	}

	switch event.Action {
	case ActionCodeReplay, ActionRefreshReuse:
		r.logger.Warn("Security event", fields...)
	default:
		r.logger.Info("Audit event", fields...)
	}

	if err := r.store.InsertAuditEvent(ctx, record); err != nil {
		r.logger.Error("Failed to persist audit event", zap.String("action", event.Action), zap.Error(err))
	}
}

// RequestInfo extracts the caller IP and user agent from a request.
func RequestInfo(r *http.Request) (ip, userAgent string) {
	ip = r.RemoteAddr
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		ip = strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	return ip, r.UserAgent()
}
