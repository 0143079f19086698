package models

import "maps"

type EventType string

const (
	EventMessageStarted     EventType = "message.started"
	EventTextBlockStarted   EventType = "text.block.started"
	EventTextDelta          EventType = "text.delta"
	EventTextBlockCompleted EventType = "text.block.completed"
	EventConversationInfo   EventType = "conversation.info"
	EventMessageCompleted   EventType = "message.completed"
	EventMessageFailed      EventType = "message.failed"
	EventKeepalive          EventType = "stream.keepalive"
	EventStreamEnd          EventType = "stream.end"
)

// Message completion statuses reported in message.completed.
const (
	CompletionStatusCompleted = "completed"
	CompletionStatusRejected  = "rejected"
)

// Failure codes reported in message.failed.
const (
	FailureInvalidRequest  = "invalid_request"
	FailureInvalidProfile  = "invalid_profile"
	FailureRepairExhausted = "repair_exhausted"
	FailureInternal        = "internal_error"
	FailureCancelled       = "cancelled"
)

type StreamEvent struct {
	Type      EventType      `json:"type"`
	MessageID string         `json:"messageId"`
	Sequence  int64          `json:"sequence"`
	Payload   map[string]any `json:"payload"`
}

// Data is the frame body: the payload plus messageId and sequence.
func (e StreamEvent) Data() map[string]any {
	data := make(map[string]any, len(e.Payload)+2)
	maps.Copy(data, e.Payload)
	data["messageId"] = e.MessageID
	data["sequence"] = e.Sequence
	return data
}
