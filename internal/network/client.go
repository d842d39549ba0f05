package network

import (
	"context"
	"time"
)

// ProtocolVersion distinguishes the two wire generations a topic can speak.
type ProtocolVersion int

const (
	// ProtocolV1 topics carry no key material.
	ProtocolV1 ProtocolVersion = 1
	// ProtocolV2 topics carry key material and a serialized negotiation context.
	ProtocolV2 ProtocolVersion = 2
)

// ContentTypeTag identifies the payload encoding of an outgoing message.
type ContentTypeTag string

const (
	ContentTypeText             ContentTypeTag = "text"
	ContentTypeRemoteAttachment ContentTypeTag = "remote-attachment"
)

// RemoteConversation is a conversation as reported by the messaging network.
type RemoteConversation struct {
	PeerAddress        string
	Topic              string
	Version            ProtocolVersion
	KeyMaterial        []byte
	NegotiationContext []byte
	CreatedAt          time.Time
}

// RemoteAttachment describes an encrypted attachment stored outside the
// network, along with the material needed to decrypt it.
type RemoteAttachment struct {
	URL           string
	Filename      string
	Salt          []byte
	Nonce         []byte
	Secret        []byte
	ContentLength int64
}

// RemoteMessage is a message as delivered by the messaging network. Body is
// empty and DecodeFailed is set when the payload could not be decoded into a
// known content type; such messages are still ingested so ordering and
// presence are preserved.
type RemoteMessage struct {
	ID            string
	Topic         string
	SenderAddress string
	Body          string
	Fallback      string
	Attachment    *RemoteAttachment
	CreatedAt     time.Time
	DecodeFailed  bool
}

// MessageQuery bounds a remote message listing.
type MessageQuery struct {
	Limit  int
	Before time.Time
}

// SendRequest carries an outgoing payload for a single topic.
type SendRequest struct {
	Topic       string
	ContentType ContentTypeTag
	Body        string
	Attachment  *RemoteAttachment
	Fallback    string
}

// Client is the capability surface of the messaging network. Implementations
// live outside this module; the engine only consumes them.
type Client interface {
	// ListConversations returns every conversation visible to the local
	// identity.
	ListConversations(ctx context.Context) ([]RemoteConversation, error)

	// StreamConversations delivers newly created conversations until ctx is
	// canceled. The conversation channel is closed on termination; a
	// stream-level failure is delivered on the error channel.
	StreamConversations(ctx context.Context) (<-chan RemoteConversation, <-chan error)

	// ListMessages returns messages for one topic, newest first.
	ListMessages(ctx context.Context, topic string, query MessageQuery) ([]RemoteMessage, error)

	// SendMessage publishes a payload to a topic.
	SendMessage(ctx context.Context, request SendRequest) error
}
