package collab

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func RequireParseId(idStr string) Id {
	id, err := ParseId(idStr)
	if err != nil {
		panic(err)
	}
	return id
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) LessThan(b Id) bool {
	return bytes.Compare(self[0:16], b[0:16]) < 0
}

func (self Id) IsZero() bool {
	return self == Id{}
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// one session per transport client instance,
// created on a successful handshake and destroyed on disconnect
type Session struct {
	SessionId         Id
	EditorId          Id
	EditorDisplayName string
	AuthToken         string
}

// the single record a session watches.
// at most one per session at any time.
// comparable
type Subscription struct {
	ContentType string `json:"contentType"`
	ContentId   string `json:"contentId"`
}

func (self Subscription) String() string {
	return fmt.Sprintf("%s/%s", self.ContentType, self.ContentId)
}

// ephemeral presence record for a remote editor on the same record
type ActiveEditor struct {
	EditorId          Id        `json:"editorId"`
	EditorDisplayName string    `json:"editorDisplayName"`
	ConnectedAt       time.Time `json:"connectedAt"`
}

// advisory "someone is typing here" marker. never blocks writes.
type FieldEditMarker struct {
	EditorId          Id        `json:"editorId"`
	EditorDisplayName string    `json:"editorDisplayName"`
	Field             string    `json:"field"`
	StartedAt         time.Time `json:"startedAt"`
}

type ContentChange struct {
	Field     string    `json:"field"`
	OldValue  any       `json:"oldValue"`
	NewValue  any       `json:"newValue"`
	Timestamp time.Time `json:"timestamp"`
}

type UpdateStatus string

const (
	UpdateStatusPending    UpdateStatus = "pending"
	UpdateStatusCommitted  UpdateStatus = "committed"
	UpdateStatusRolledBack UpdateStatus = "rolled_back"
)

// a locally applied edit awaiting the server's verdict.
// pending -> committed or pending -> rolled_back, never revisited.
type OptimisticUpdate struct {
	UpdateId    Id
	ContentType string
	ContentId   string
	Changes     []ContentChange
	Status      UpdateStatus
}

// the values to restore when the update is rolled back,
// which are each change's last server-confirmed value
func (self *OptimisticUpdate) RevertValues() map[string]any {
	revert := map[string]any{}
	for _, change := range self.Changes {
		revert[change.Field] = change.OldValue
	}
	return revert
}

type ConflictType string

const (
	// a remote editor is present on the record while the field is locally dirty
	ConflictConcurrentRecordEdit ConflictType = "concurrent_record_edit"
	// additionally, the remote editor holds an edit marker on the same field
	ConflictConcurrentFieldEdit ConflictType = "concurrent_field_edit"
)

// surfaced to a human. never auto-resolved.
type ContentConflict struct {
	ConflictId   Id
	Field        string
	LocalValue   any
	RemoteValue  any
	RemoteEditor ActiveEditor
	ConflictType ConflictType
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}
