package collab

import (
	"encoding/json"
	"fmt"
	"time"
)

// the fixed event catalogue.
// client->server events are emitted by the sync layer,
// server->client events are dispatched to registered handlers.
type EventKind string

const (
	// client -> server
	EventAuth               EventKind = "auth"
	EventSubscribe          EventKind = "subscribe-to-content"
	EventUnsubscribe        EventKind = "unsubscribe-from-content"
	EventContentChangeStart EventKind = "content-change-start"
	EventContentChangeEnd   EventKind = "content-change-end"
	EventOptimisticUpdate   EventKind = "optimistic-update"
	EventRollbackUpdate     EventKind = "rollback-update"

	// server -> client
	EventConnectionConfirmed EventKind = "connection-confirmed"
	EventContentUpdated      EventKind = "content-updated"
	EventContentDeleted      EventKind = "content-deleted"
	EventUserJoinedEditing   EventKind = "user-joined-editing"
	EventUserLeftEditing     EventKind = "user-left-editing"
	EventFieldEditStart      EventKind = "field-edit-start"
	EventFieldEditEnd        EventKind = "field-edit-end"
	EventActiveEditors       EventKind = "active-editors"
	EventUpdateRollback      EventKind = "update-rollback"
	EventAuthErrorKind       EventKind = "auth-error"
)

type Envelope struct {
	Event   EventKind       `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func EncodeEnvelope(kind EventKind, payload any) ([]byte, error) {
	var rawPayload json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		rawPayload = b
	}
	return json.Marshal(&Envelope{
		Event:   kind,
		Payload: rawPayload,
	})
}

func DecodeEnvelope(message []byte) (*Envelope, error) {
	envelope := &Envelope{}
	if err := json.Unmarshal(message, envelope); err != nil {
		return nil, err
	}
	if envelope.Event == "" {
		return nil, fmt.Errorf("missing event kind")
	}
	return envelope, nil
}

type AuthRequest struct {
	Token string `json:"token"`
}

type AuthErrorEvent struct {
	Message string `json:"message"`
}

type ConnectionConfirmedEvent struct {
	EditorId          Id        `json:"editorId"`
	EditorDisplayName string    `json:"editorDisplayName"`
	ConnectedAt       time.Time `json:"connectedAt"`
	ActiveConnections int       `json:"activeConnections"`
}

type SubscribeEvent struct {
	ContentType string `json:"contentType"`
	ContentId   string `json:"contentId"`
}

type FieldChangeEvent struct {
	ContentType string `json:"contentType"`
	ContentId   string `json:"contentId"`
	Field       string `json:"field"`
}

type OptimisticUpdateEvent struct {
	ContentType string          `json:"contentType"`
	ContentId   string          `json:"contentId"`
	Changes     []ContentChange `json:"changes"`
	UpdateId    Id              `json:"updateId"`
}

type RollbackUpdateEvent struct {
	ContentType string `json:"contentType"`
	ContentId   string `json:"contentId"`
	UpdateId    Id     `json:"updateId"`
	Reason      string `json:"reason,omitempty"`
}

// status absent means committed
type ContentUpdatedEvent struct {
	ContentType string          `json:"contentType"`
	ContentId   string          `json:"contentId"`
	Content     map[string]any  `json:"content,omitempty"`
	Changes     []ContentChange `json:"changes,omitempty"`
	UpdatedBy   Id              `json:"updatedBy,omitempty"`
	UpdateId    *Id             `json:"updateId,omitempty"`
	Status      UpdateStatus    `json:"status,omitempty"`
}

type ContentDeletedEvent struct {
	ContentType string    `json:"contentType"`
	ContentId   string    `json:"contentId"`
	DeletedBy   Id        `json:"deletedBy"`
	Timestamp   time.Time `json:"timestamp"`
}

type EditorPresenceEvent struct {
	EditorId          Id        `json:"editorId"`
	EditorDisplayName string    `json:"editorDisplayName"`
	ContentType       string    `json:"contentType"`
	ContentId         string    `json:"contentId"`
	Timestamp         time.Time `json:"timestamp"`
}

type FieldEditEvent struct {
	EditorId          Id        `json:"editorId"`
	EditorDisplayName string    `json:"editorDisplayName"`
	ContentType       string    `json:"contentType"`
	ContentId         string    `json:"contentId"`
	Field             string    `json:"field"`
	Timestamp         time.Time `json:"timestamp"`
}

type ActiveEditorsEvent struct {
	ContentType string         `json:"contentType"`
	ContentId   string         `json:"contentId"`
	Editors     []ActiveEditor `json:"editors"`
}

type UpdateRollbackEvent struct {
	EditorId    Id        `json:"editorId"`
	ContentType string    `json:"contentType"`
	ContentId   string    `json:"contentId"`
	UpdateId    Id        `json:"updateId"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
