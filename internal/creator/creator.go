package creator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lumenchat/inboxsync/internal/attachment"
	"github.com/lumenchat/inboxsync/internal/network"
	"github.com/lumenchat/inboxsync/internal/store"
)

var (
	errMissingStore    = errors.New("store is required")
	errMissingClient   = errors.New("network client is required")
	errMissingAddress  = errors.New("local address is required")
	errMissingUploader = errors.New("uploader is required for attachments")
	errMissingBlobs    = errors.New("blob store is required for attachments")

	// ErrNoTopic means the conversation has no topic to publish on.
	ErrNoTopic = errors.New("creator: conversation has no topic")
	// ErrNotDelivered means the published message could not be re-fetched
	// from the network for reconciliation.
	ErrNotDelivered = errors.New("creator: sent message not found on network")

	noOpLogger = zap.NewNop()
)

// How many recent messages to scan when reconciling a send.
const reconcileFetchLimit = 10

// Config carries the dependencies for a Creator.
type Config struct {
	Store        *store.Store
	Client       network.Client
	Uploader     attachment.Uploader
	Blobs        *attachment.BlobStore
	Logger       *zap.Logger
	Clock        func() time.Time
	LocalAddress string
}

// AttachmentInput is an attachment the user wants to send.
type AttachmentInput struct {
	Filename string
	MimeType string
	Data     []byte
}

// Creator builds and persists outgoing messages: pending row first, then
// attachment encryption and upload, publish on the newest topic, and
// reconciliation of the pending row against the network-confirmed message.
type Creator struct {
	store        *store.Store
	client       network.Client
	uploader     attachment.Uploader
	blobs        *attachment.BlobStore
	logger       *zap.Logger
	clock        func() time.Time
	localAddress string
}

// New validates the configuration and constructs a Creator.
func New(cfg Config) (*Creator, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	if strings.TrimSpace(cfg.LocalAddress) == "" {
		return nil, errMissingAddress
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Creator{
		store:        cfg.Store,
		client:       cfg.Client,
		uploader:     cfg.Uploader,
		blobs:        cfg.Blobs,
		logger:       logger,
		clock:        clock,
		localAddress: cfg.LocalAddress,
	}, nil
}

// Send publishes text (and an optional attachment) to the conversation's
// newest topic. The message is visible immediately as a pending row; on
// success the same row is confirmed in place with the network-assigned id.
// On any failure the row is marked failed and stays visible.
func (c *Creator) Send(ctx context.Context, conversation store.Conversation, text string, input *AttachmentInput) (store.Message, error) {
	pending, err := c.store.InsertPendingMessage(ctx, conversation.ID, c.localAddress, text)
	if err != nil {
		return store.Message{}, err
	}

	topics, err := c.store.Topics(ctx, conversation.ID)
	if err != nil {
		return c.fail(ctx, pending, err)
	}
	if len(topics) == 0 {
		return c.fail(ctx, pending, ErrNoTopic)
	}
	// The newest topic is authoritative for sending; older topics remain
	// readable for history only.
	topic := topics[len(topics)-1]

	request := network.SendRequest{
		Topic:       topic.Identifier,
		ContentType: network.ContentTypeText,
		Body:        text,
	}
	if input != nil {
		remote, err := c.prepareAttachment(ctx, pending, input)
		if err != nil {
			return c.fail(ctx, pending, err)
		}
		request.ContentType = network.ContentTypeRemoteAttachment
		request.Attachment = remote
		request.Fallback = attachmentFallback(input.Filename)
	}

	if err := c.client.SendMessage(ctx, request); err != nil {
		return c.fail(ctx, pending, err)
	}

	sent, err := c.fetchSent(ctx, topic.Identifier, input != nil, text)
	if err != nil {
		return c.fail(ctx, pending, err)
	}

	confirmed, err := c.store.ConfirmMessage(ctx, pending.ID, sent.ID, sent.CreatedAt)
	if err != nil {
		return c.fail(ctx, pending, err)
	}
	return confirmed, nil
}

// prepareAttachment stores the plaintext locally, encrypts it, uploads the
// ciphertext, and records the remote attachment descriptor on the pending
// row.
func (c *Creator) prepareAttachment(ctx context.Context, pending store.Message, input *AttachmentInput) (*network.RemoteAttachment, error) {
	if c.uploader == nil {
		return nil, errMissingUploader
	}
	if c.blobs == nil {
		return nil, errMissingBlobs
	}

	location, err := c.blobs.Put(input.Data, filepath.Ext(input.Filename))
	if err != nil {
		return nil, &attachment.EncryptionError{Err: err}
	}
	if _, err := c.store.AddAttachment(ctx, pending.ID, input.Filename, input.MimeType, location); err != nil {
		return nil, err
	}

	payload, err := attachment.Encrypt(input.Data)
	if err != nil {
		return nil, err
	}

	url, err := c.uploader.Upload(ctx, payload.Ciphertext)
	if err != nil {
		return nil, err
	}

	remote := &network.RemoteAttachment{
		URL:           url,
		Filename:      input.Filename,
		Salt:          payload.Salt,
		Nonce:         payload.Nonce,
		Secret:        payload.Secret,
		ContentLength: int64(len(input.Data)),
	}
	if _, err := c.store.AddRemoteAttachment(ctx, pending.ID, store.RemoteAttachmentInput{
		URL:           remote.URL,
		Filename:      remote.Filename,
		Salt:          remote.Salt,
		Nonce:         remote.Nonce,
		Secret:        remote.Secret,
		ContentLength: remote.ContentLength,
		Fallback:      attachmentFallback(input.Filename),
	}); err != nil {
		return nil, err
	}
	return remote, nil
}

// fetchSent re-fetches the just-published message to learn its authoritative
// remote id and timestamp.
func (c *Creator) fetchSent(ctx context.Context, topic string, withAttachment bool, body string) (network.RemoteMessage, error) {
	messages, err := c.client.ListMessages(ctx, topic, network.MessageQuery{Limit: reconcileFetchLimit})
	if err != nil {
		return network.RemoteMessage{}, err
	}

	for _, message := range messages {
		if !strings.EqualFold(message.SenderAddress, c.localAddress) {
			continue
		}
		if withAttachment {
			if message.Attachment != nil {
				return message, nil
			}
			continue
		}
		if message.Body == body {
			return message, nil
		}
	}
	return network.RemoteMessage{}, ErrNotDelivered
}

func (c *Creator) fail(ctx context.Context, pending store.Message, cause error) (store.Message, error) {
	if err := c.store.FailMessage(ctx, pending.ID); err != nil {
		c.logger.Error("failed to mark message failed",
			zap.Int64("message_id", pending.ID),
			zap.Error(err))
	}
	c.logger.Warn("send failed",
		zap.Int64("message_id", pending.ID),
		zap.Error(cause))
	pending.State = store.MessageStateFailed
	return pending, cause
}

func attachmentFallback(filename string) string {
	return fmt.Sprintf("Attachment: %s", filename)
}
