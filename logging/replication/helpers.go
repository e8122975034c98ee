package replication

import (
	"context"

	"mine-and-die/replication/logging"
)

const (
	// EventClientConnected is emitted when a client joins the hub.
	EventClientConnected logging.EventType = "replication.client_connected"
	// EventClientDisconnected is emitted when a client's state is discarded.
	EventClientDisconnected logging.EventType = "replication.client_disconnected"
	// EventAckAdvanced is emitted when a client acknowledges a newer tick.
	EventAckAdvanced logging.EventType = "replication.ack_advanced"
	// EventAckRegression is emitted when a client reports an older acknowledgement than previously recorded.
	EventAckRegression logging.EventType = "replication.ack_regression"
	// EventSnapshotSent is emitted whenever a full snapshot is handed to the transport.
	EventSnapshotSent logging.EventType = "replication.snapshot_sent"
	// EventResyncRequested is emitted when the server accepts a client resync request.
	EventResyncRequested logging.EventType = "replication.resync_requested"
	// EventResyncRateLimited is emitted when a resync request is deferred by the limiter.
	EventResyncRateLimited logging.EventType = "replication.resync_rate_limited"
	// EventResyncEscalated is emitted when a client keeps falling out of sync.
	EventResyncEscalated logging.EventType = "replication.resync_escalated"
	// EventSendFailed is emitted when the transport rejects a frame.
	EventSendFailed logging.EventType = "replication.send_failed"
	// EventUnknownEntity is emitted when a record references an unmapped entity.
	EventUnknownEntity logging.EventType = "replication.unknown_entity"
	// EventMalformedComponent is emitted when a message is rejected because a payload failed to decode.
	EventMalformedComponent logging.EventType = "replication.malformed_component"
	// EventReorderWindowExceeded is emitted when a structural gap is too wide to buffer.
	EventReorderWindowExceeded logging.EventType = "replication.reorder_window_exceeded"
	// EventClientResyncing is emitted when a client discards its pending state and waits for a snapshot.
	EventClientResyncing logging.EventType = "replication.client_resyncing"
)

// AckPayload captures acknowledgement progression details.
type AckPayload struct {
	Previous uint64 `json:"previous"`
	Ack      uint64 `json:"ack"`
	Clamped  bool   `json:"clamped,omitempty"`
}

// SnapshotPayload describes a full snapshot.
type SnapshotPayload struct {
	Reason     string `json:"reason"`
	Entities   int    `json:"entities"`
	Components int    `json:"components"`
	Frames     int    `json:"frames"`
	Bytes      int    `json:"bytes"`
}

// ResyncPayload describes a resync transition or request.
type ResyncPayload struct {
	Reason  string `json:"reason"`
	Applied uint64 `json:"applied"`
	Summary string `json:"summary,omitempty"`
}

// RecordPayload identifies a record that could not be applied.
type RecordPayload struct {
	Message string `json:"message"`
	Range   string `json:"range"`
	Entity  uint64 `json:"entity"`
	Tag     uint32 `json:"tag,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SendPayload describes a failed transport send.
type SendPayload struct {
	Channel string `json:"channel"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func publish(ctx context.Context, pub logging.Publisher, typ logging.EventType, sev logging.Severity, category string, tick uint64, actor logging.EntityRef, payload any, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     typ,
		Tick:     tick,
		Actor:    actor,
		Severity: sev,
		Category: category,
		Payload:  payload,
		Extra:    extra,
	})
}

// ClientConnected publishes an info event when a client joins.
func ClientConnected(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, extra map[string]any) {
	publish(ctx, pub, EventClientConnected, logging.SeverityInfo, logging.CategoryNetwork, tick, actor, nil, extra)
}

// ClientDisconnected publishes an info event when a client leaves.
func ClientDisconnected(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, extra map[string]any) {
	publish(ctx, pub, EventClientDisconnected, logging.SeverityInfo, logging.CategoryNetwork, tick, actor, nil, extra)
}

// AckAdvanced publishes a debug event when a client acknowledgement advances.
func AckAdvanced(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload AckPayload, extra map[string]any) {
	publish(ctx, pub, EventAckAdvanced, logging.SeverityDebug, logging.CategoryNetwork, tick, actor, payload, extra)
}

// AckRegression publishes a warning event when a client acknowledgement regresses.
func AckRegression(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload AckPayload, extra map[string]any) {
	publish(ctx, pub, EventAckRegression, logging.SeverityWarn, logging.CategoryNetwork, tick, actor, payload, extra)
}

// SnapshotSent publishes an info event for every full snapshot.
func SnapshotSent(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload SnapshotPayload, extra map[string]any) {
	sev := logging.SeverityInfo
	if payload.Reason == "out_of_sync" {
		sev = logging.SeverityWarn
	}
	publish(ctx, pub, EventSnapshotSent, sev, logging.CategoryReplication, tick, actor, payload, extra)
}

// ResyncRequested publishes an info event when a client asks for a snapshot.
func ResyncRequested(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload ResyncPayload, extra map[string]any) {
	publish(ctx, pub, EventResyncRequested, logging.SeverityInfo, logging.CategoryReplication, tick, actor, payload, extra)
}

// ResyncRateLimited publishes a warning when a resync request is deferred.
func ResyncRateLimited(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload ResyncPayload, extra map[string]any) {
	publish(ctx, pub, EventResyncRateLimited, logging.SeverityWarn, logging.CategoryReplication, tick, actor, payload, extra)
}

// ResyncEscalated publishes an error event when resyncs keep recurring.
func ResyncEscalated(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload ResyncPayload, extra map[string]any) {
	publish(ctx, pub, EventResyncEscalated, logging.SeverityError, logging.CategoryReplication, tick, actor, payload, extra)
}

// SendFailed publishes a warning when the transport rejects a frame.
func SendFailed(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload SendPayload, extra map[string]any) {
	publish(ctx, pub, EventSendFailed, logging.SeverityWarn, logging.CategoryNetwork, tick, actor, payload, extra)
}

// UnknownEntity publishes a warning for a skipped record.
func UnknownEntity(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload RecordPayload, extra map[string]any) {
	publish(ctx, pub, EventUnknownEntity, logging.SeverityWarn, logging.CategoryReplication, tick, actor, payload, extra)
}

// MalformedComponent publishes an error for a rejected message.
func MalformedComponent(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload RecordPayload, extra map[string]any) {
	publish(ctx, pub, EventMalformedComponent, logging.SeverityError, logging.CategoryReplication, tick, actor, payload, extra)
}

// ReorderWindowExceeded publishes a warning when a structural gap forces a resync.
func ReorderWindowExceeded(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload RecordPayload, extra map[string]any) {
	publish(ctx, pub, EventReorderWindowExceeded, logging.SeverityWarn, logging.CategoryReplication, tick, actor, payload, extra)
}

// ClientResyncing publishes a warning when a client enters the resyncing state.
func ClientResyncing(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload ResyncPayload, extra map[string]any) {
	publish(ctx, pub, EventClientResyncing, logging.SeverityWarn, logging.CategoryReplication, tick, actor, payload, extra)
}
