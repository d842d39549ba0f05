package store

import (
	"time"
)

// MessageState tracks the outgoing lifecycle of a message row.
type MessageState string

const (
	// MessageStatePending marks a locally created message awaiting network
	// confirmation.
	MessageStatePending MessageState = "pending"
	// MessageStateConfirmed marks a message reconciled against the network.
	MessageStateConfirmed MessageState = "confirmed"
	// MessageStateFailed marks an outgoing message whose send pipeline failed.
	MessageStateFailed MessageState = "failed"
)

// TopicVersion is the protocol generation of a conversation topic.
type TopicVersion int

const (
	// TopicVersionV1 topics carry no key material.
	TopicVersionV1 TopicVersion = 1
	// TopicVersionV2 topics carry key material and a negotiation context.
	TopicVersionV2 TopicVersion = 2
)

// Conversation models the persisted conversation row. Exactly one row exists
// per distinct peer address.
type Conversation struct {
	ID          int64      `gorm:"column:id;primaryKey;autoIncrement"`
	PeerAddress string     `gorm:"column:peer_address;uniqueIndex;size:190;not null"`
	DisplayName string     `gorm:"column:display_name;size:190;not null;default:''"`
	CreatedAt   time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;not null;index"`
	ViewedAt    *time.Time `gorm:"column:viewed_at"`
}

// TableName provides the explicit table binding for GORM.
func (Conversation) TableName() string {
	return "conversations"
}

// Unread reports whether the conversation holds activity newer than the last
// time the user viewed it.
func (c Conversation) Unread() bool {
	return c.ViewedAt == nil || c.ViewedAt.Before(c.UpdatedAt)
}

// Title returns the resolved display name, falling back to a truncated peer
// address.
func (c Conversation) Title() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	return TruncateAddress(c.PeerAddress)
}

// TruncateAddress shortens a hex address for display, keeping both ends.
func TruncateAddress(address string) string {
	if len(address) <= 10 {
		return address
	}
	return address[:6] + "…" + address[len(address)-4:]
}

// Topic maps a conversation to one remote message channel. A conversation
// accumulates topics across protocol migrations; old topics stay readable.
type Topic struct {
	ID                 int64        `gorm:"column:id;primaryKey;autoIncrement"`
	ConversationID     int64        `gorm:"column:conversation_id;not null;index"`
	Identifier         string       `gorm:"column:identifier;uniqueIndex;size:190;not null"`
	Version            TopicVersion `gorm:"column:protocol_version;not null"`
	KeyMaterial        []byte       `gorm:"column:key_material"`
	NegotiationContext []byte       `gorm:"column:negotiation_context"`
	CreatedAt          time.Time    `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Topic) TableName() string {
	return "topics"
}

// Message models one persisted message. RemoteID is unique; pending rows hold
// a locally generated placeholder until reconciliation rewrites them in place.
type Message struct {
	ID             int64        `gorm:"column:id;primaryKey;autoIncrement"`
	RemoteID       string       `gorm:"column:remote_id;uniqueIndex;size:190;not null"`
	ConversationID int64        `gorm:"column:conversation_id;not null;index:idx_messages_conv_time,priority:1"`
	SenderAddress  string       `gorm:"column:sender_address;size:190;not null"`
	Body           string       `gorm:"column:body;type:text;not null"`
	Fallback       string       `gorm:"column:fallback;type:text;not null;default:''"`
	CreatedAt      time.Time    `gorm:"column:created_at;not null;index:idx_messages_conv_time,priority:2"`
	State          MessageState `gorm:"column:state;size:16;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "messages"
}

// Pending reports whether the message still awaits network confirmation.
func (m Message) Pending() bool {
	return m.State == MessageStatePending
}

// Attachment is a locally stored attachment blob belonging to a message.
type Attachment struct {
	ID        int64  `gorm:"column:id;primaryKey;autoIncrement"`
	MessageID int64  `gorm:"column:message_id;not null;index"`
	Filename  string `gorm:"column:filename;size:190;not null"`
	MimeType  string `gorm:"column:mime_type;size:190;not null"`
	Location  string `gorm:"column:location;size:500;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Attachment) TableName() string {
	return "message_attachments"
}

// RemoteAttachment is an encrypted attachment hosted outside the network,
// with the material required to fetch and decrypt it.
type RemoteAttachment struct {
	ID            int64  `gorm:"column:id;primaryKey;autoIncrement"`
	MessageID     int64  `gorm:"column:message_id;not null;index"`
	URL           string `gorm:"column:url;size:500;not null"`
	Filename      string `gorm:"column:filename;size:190;not null;default:''"`
	Salt          []byte `gorm:"column:salt"`
	Nonce         []byte `gorm:"column:nonce"`
	Secret        []byte `gorm:"column:secret"`
	ContentLength int64  `gorm:"column:content_length;not null;default:0"`
	Fallback      string `gorm:"column:fallback;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (RemoteAttachment) TableName() string {
	return "message_remote_attachments"
}

// SyncState is a key/value row for engine-level state that must survive
// restarts, such as the enrichment throttle timestamp.
type SyncState struct {
	Key   string `gorm:"column:key;primaryKey;size:190;not null"`
	Value string `gorm:"column:value;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SyncState) TableName() string {
	return "sync_state"
}
