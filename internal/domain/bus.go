package domain

import (
	"context"
)

// EventBus moves records and verdict events between the API, the analyzer
// and the workers. Every call is scoped to a tenant; subscribers of one
// tenant never see another tenant's messages.
type EventBus interface {
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	// Request publishes payload and blocks for the first Reply, bounded by
	// the context deadline.
	Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error)
	// Reply answers a message received through Request.
	Reply(ctx context.Context, msg *Message, payload []byte) error

	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// MetadataTraceID carries the publisher's trace ID in Message.Metadata.
const MetadataTraceID = "trace_id"

// Message is the envelope every bus implementation carries.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`

	// ReplyTo is set on messages sent with Request.
	ReplyTo string `json:"replyTo,omitempty"`
}

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `json:"type" koanf:"type"`

	// Channel settings (Community tier)
	ChannelBufferSize int `json:"channelBufferSize" koanf:"channel_buffer_size"`

	// NATS settings (Pro tier)
	NATSUrl           string `json:"natsUrl" koanf:"nats_url"`
	NATSToken         string `json:"-" koanf:"nats_token"`
	NATSMaxReconnects int    `json:"natsMaxReconnects" koanf:"nats_max_reconnects"`
	NATSReconnectWait int    `json:"natsReconnectWait" koanf:"nats_reconnect_wait"` // seconds

	// NATSQueueGroup load-balances subscriptions across replicas when set.
	NATSQueueGroup string `json:"natsQueueGroup" koanf:"nats_queue_group"`
}

// Topics of the ingestion pipeline.
const (
	TopicRecordIngested = "landwatch.record.ingested"
	TopicVerdict        = "landwatch.verdict"
	TopicAlert          = "landwatch.alert"
	TopicModelTrained   = "landwatch.model.trained"

	// TopicAnalyzeRequest carries a record to analyze by request-reply.
	// The reply payload is an AnalyzeReply.
	TopicAnalyzeRequest = "landwatch.analyze.request"
)

// AnalyzeReply answers a TopicAnalyzeRequest.
type AnalyzeReply struct {
	Verdict *FraudVerdict `json:"verdict,omitempty"`
	Error   string        `json:"error,omitempty"`
}
