package telemetry

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Audited messaging actions.
const (
	ActionConversationStarted = "conversation.started"
	ActionConversationLeft    = "conversation.left"
	ActionProbe               = "audit.probe"
)

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

// AuditRecord describes one action taken on a conversation.
type AuditRecord struct {
	Level          string
	Action         string
	ConversationID string
	UserID         string
	RequestID      string
	Detail         string
}

type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	RequestID     string       `json:"request_id"`
	UserID        string       `json:"user_id,omitempty"`
	Payload       AuditPayload `json:"payload"`
}

type AuditPayload struct {
	Level          string `json:"level"`
	Action         string `json:"action"`
	ConversationID string `json:"conversation_id,omitempty"`
	Detail         string `json:"detail,omitempty"`
}

// AuditEmitter publishes audit records for the messaging service.
type AuditEmitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
	log         *zap.Logger
	now         func() time.Time
}

func NewAuditEmitter(publisher Publisher, routingKey, service, environment string, log *zap.Logger) *AuditEmitter {
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		log:         log,
		now:         time.Now,
	}
}

// Emit publishes rec. A nil emitter drops it; publish failures are logged only.
func (e *AuditEmitter) Emit(ctx context.Context, rec AuditRecord) {
	if e == nil || e.publisher == nil {
		return
	}
	if rec.Level == "" {
		rec.Level = "INFO"
	}

	e.log.Debug("audit emit",
		zap.String("action", rec.Action),
		zap.String("conversation_id", rec.ConversationID),
		zap.String("user_id", rec.UserID),
		zap.String("request_id", rec.RequestID),
	)
	envelope := AuditEnvelope{
		SchemaVersion: 2,
		EventType:     "audit_log",
		OccurredAt:    e.now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     rec.RequestID,
		UserID:        rec.UserID,
		Payload: AuditPayload{
			Level:          rec.Level,
			Action:         rec.Action,
			ConversationID: rec.ConversationID,
			Detail:         rec.Detail,
		},
	}

	if err := e.publisher.Publish(ctx, e.routingKey, envelope); err != nil {
		e.log.Warn("audit publish failed", zap.String("action", rec.Action), zap.Error(err))
	}
}
