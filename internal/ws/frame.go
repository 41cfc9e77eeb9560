package ws

import (
	"github.com/etchmuzik/fleetbus/internal/schema"
)

// Frame types exchanged over a duplex connection.
const (
	FrameAuth               = "auth"
	FrameAuthSuccess        = "auth:success"
	FrameAuthError          = "auth:error"
	FrameSubscribe          = "subscribe"
	FrameSubscribeSuccess   = "subscribe:success"
	FrameUnsubscribe        = "unsubscribe"
	FrameUnsubscribeSuccess = "unsubscribe:success"
	FrameEvent              = "event"
	FrameEventAccepted      = "event:accepted"
	FrameHeartbeat          = "heartbeat"
	FrameDisconnect         = "disconnect"
	FrameError              = "error"
)

// clientFrame is the shape of every message a client may send. Fields are
// populated depending on Type.
type clientFrame struct {
	Type           string             `json:"type"`
	Token          string             `json:"token,omitempty"`
	EventTypes     []schema.EventType `json:"eventTypes,omitempty"`
	Filters        map[string]any     `json:"filters,omitempty"`
	SubscriptionID string             `json:"subscriptionId,omitempty"`
	Event          *schema.RawEvent   `json:"event,omitempty"`
}

// serverFrame is the shape of every message the backbone sends. Fields are
// populated depending on Type.
type serverFrame struct {
	Type             string        `json:"type"`
	SubjectID        string        `json:"subjectId,omitempty"`
	Role             string        `json:"role,omitempty"`
	Code             string        `json:"code,omitempty"`
	Message          string        `json:"message,omitempty"`
	SubscriptionID   string        `json:"subscriptionId,omitempty"`
	SubscriptionIDs  []string      `json:"subscriptionIds,omitempty"`
	EventID          string        `json:"eventId,omitempty"`
	Event            *schema.Event `json:"event,omitempty"`
	Timestamp        string        `json:"timestamp,omitempty"`
	ConnectedClients int           `json:"connectedClients,omitempty"`
}
