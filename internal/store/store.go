package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opNew                 = "store.new"
	opUpsertConversation  = "store.upsert_conversation"
	opEnsureTopic         = "store.ensure_topic"
	opUpsertMessage       = "store.upsert_message"
	opInsertPending       = "store.insert_pending_message"
	opConfirmMessage      = "store.confirm_message"
	opFailMessage         = "store.fail_message"
	opListMessages        = "store.list_messages"
	opListConversations   = "store.list_conversations"
	opConversationByPeer  = "store.conversation_by_peer"
	opLatestMessage       = "store.latest_message"
	opOldestMessage       = "store.oldest_message"
	opMarkViewed          = "store.mark_viewed"
	opSetDisplayName      = "store.set_display_name"
	opTopics              = "store.topics"
	opAddAttachment       = "store.add_attachment"
	opAddRemoteAttachment = "store.add_remote_attachment"
	opAttachments         = "store.attachments"
	opRemoteAttachments   = "store.remote_attachments"
	opSyncTime            = "store.sync_time"
	opSetSyncTime         = "store.set_sync_time"
)

const pendingRemoteIDPrefix = "pending:"

// Config carries the dependencies for a Store.
type Config struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	Events     *Dispatcher
}

// Store is the relational cache of conversations, topics, messages and
// attachments. All writes are atomic per call; no transaction spans a network
// round-trip.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	events     *Dispatcher
}

// New validates the configuration and constructs a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStorageError(opNew, errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	events := cfg.Events
	if events == nil {
		events = NewDispatcher(0)
	}

	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
		events:     events,
	}, nil
}

// Events exposes the dispatcher so presentation layers can subscribe.
func (s *Store) Events() *Dispatcher {
	return s.events
}

// UpsertConversation returns the conversation for peerAddress, creating it if
// no row exists yet. An existing row is returned unchanged; displayName is
// only applied on first creation.
func (s *Store) UpsertConversation(ctx context.Context, peerAddress string, createdAt time.Time, displayName string) (Conversation, error) {
	if peerAddress == "" {
		return Conversation{}, newStorageError(opUpsertConversation, errors.New("peer address is required"))
	}

	var existing Conversation
	err := s.db.WithContext(ctx).Where("peer_address = ?", peerAddress).Take(&existing).Error
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opUpsertConversation, err, zap.String("peer_address", peerAddress))
		return Conversation{}, newStorageError(opUpsertConversation, err)
	}

	conversation := Conversation{
		PeerAddress: peerAddress,
		DisplayName: displayName,
		CreatedAt:   createdAt.UTC(),
		UpdatedAt:   createdAt.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&conversation).Error; err != nil {
		// A concurrent upsert may have won the race on the unique index.
		var winner Conversation
		if takeErr := s.db.WithContext(ctx).Where("peer_address = ?", peerAddress).Take(&winner).Error; takeErr == nil {
			return winner, nil
		}
		s.logError(opUpsertConversation, err, zap.String("peer_address", peerAddress))
		return Conversation{}, newStorageError(opUpsertConversation, err)
	}

	s.events.Publish(Event{
		Type:           EventConversationUpdated,
		ConversationID: conversation.ID,
		Timestamp:      s.clock().UTC(),
	})
	return conversation, nil
}

// TopicInput describes a topic to ensure. Version is a tagged variant: v1
// topics must carry no key material, v2 topics must carry both key material
// and a negotiation context.
type TopicInput struct {
	ConversationID     int64
	Identifier         string
	Version            TopicVersion
	KeyMaterial        []byte
	NegotiationContext []byte
	CreatedAt          time.Time
}

func (in TopicInput) validate() error {
	if in.Identifier == "" {
		return errors.New("topic identifier is required")
	}
	switch in.Version {
	case TopicVersionV1:
		if len(in.KeyMaterial) > 0 || len(in.NegotiationContext) > 0 {
			return errors.New("v1 topics carry no key material")
		}
	case TopicVersionV2:
		if len(in.KeyMaterial) == 0 {
			return errors.New("v2 topics require key material")
		}
	default:
		return fmt.Errorf("unknown topic version %d", in.Version)
	}
	return nil
}

// EnsureTopic returns the topic with the given identifier, creating it if
// absent. Topic identifiers are globally unique and topic rows are append
// only.
func (s *Store) EnsureTopic(ctx context.Context, input TopicInput) (Topic, error) {
	if err := input.validate(); err != nil {
		return Topic{}, newStorageError(opEnsureTopic, err)
	}

	var existing Topic
	err := s.db.WithContext(ctx).Where("identifier = ?", input.Identifier).Take(&existing).Error
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opEnsureTopic, err, zap.String("topic", input.Identifier))
		return Topic{}, newStorageError(opEnsureTopic, err)
	}

	topic := Topic{
		ConversationID:     input.ConversationID,
		Identifier:         input.Identifier,
		Version:            input.Version,
		KeyMaterial:        input.KeyMaterial,
		NegotiationContext: input.NegotiationContext,
		CreatedAt:          input.CreatedAt.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&topic).Error; err != nil {
		var winner Topic
		if takeErr := s.db.WithContext(ctx).Where("identifier = ?", input.Identifier).Take(&winner).Error; takeErr == nil {
			return winner, nil
		}
		s.logError(opEnsureTopic, err, zap.String("topic", input.Identifier))
		return Topic{}, newStorageError(opEnsureTopic, err)
	}

	s.events.Publish(Event{
		Type:           EventTopicCreated,
		ConversationID: topic.ConversationID,
		TopicID:        topic.Identifier,
		Timestamp:      s.clock().UTC(),
	})
	return topic, nil
}

// Topics returns a conversation's topics oldest first; the last topic is the
// authoritative one for sending.
func (s *Store) Topics(ctx context.Context, conversationID int64) ([]Topic, error) {
	var topics []Topic
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC").
		Find(&topics).Error; err != nil {
		s.logError(opTopics, err, zap.Int64("conversation_id", conversationID))
		return nil, newStorageError(opTopics, err)
	}
	return topics, nil
}

// RemoteAttachmentInput describes an ingested remote attachment reference.
type RemoteAttachmentInput struct {
	URL           string
	Filename      string
	Salt          []byte
	Nonce         []byte
	Secret        []byte
	ContentLength int64
	Fallback      string
}

// MessageInput describes a network message to ingest.
type MessageInput struct {
	RemoteID          string
	ConversationID    int64
	SenderAddress     string
	Body              string
	Fallback          string
	CreatedAt         time.Time
	RemoteAttachments []RemoteAttachmentInput
}

// UpsertMessage ingests a network message idempotently. If a row with the
// same remote id already exists it is returned unchanged; otherwise the
// message and its remote attachment references are persisted, the owning
// conversation's updated_at is bumped, and a MessageAppended event fires.
func (s *Store) UpsertMessage(ctx context.Context, input MessageInput) (Message, error) {
	if input.RemoteID == "" {
		return Message{}, newStorageError(opUpsertMessage, errors.New("remote id is required"))
	}

	var existing Message
	err := s.db.WithContext(ctx).Where("remote_id = ?", input.RemoteID).Take(&existing).Error
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opUpsertMessage, err, zap.String("remote_id", input.RemoteID))
		return Message{}, newStorageError(opUpsertMessage, err)
	}

	message := Message{
		RemoteID:       input.RemoteID,
		ConversationID: input.ConversationID,
		SenderAddress:  input.SenderAddress,
		Body:           input.Body,
		Fallback:       input.Fallback,
		CreatedAt:      input.CreatedAt.UTC(),
		State:          MessageStateConfirmed,
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&message).Error; err != nil {
			return err
		}
		for _, ref := range input.RemoteAttachments {
			record := RemoteAttachment{
				MessageID:     message.ID,
				URL:           ref.URL,
				Filename:      ref.Filename,
				Salt:          ref.Salt,
				Nonce:         ref.Nonce,
				Secret:        ref.Secret,
				ContentLength: ref.ContentLength,
				Fallback:      ref.Fallback,
			}
			if err := tx.Create(&record).Error; err != nil {
				return err
			}
		}
		return touchConversation(tx, input.ConversationID, message.CreatedAt)
	})
	if txErr != nil {
		// A concurrent ingestion of the same remote id may have won; converge
		// on the stored row.
		var winner Message
		if takeErr := s.db.WithContext(ctx).Where("remote_id = ?", input.RemoteID).Take(&winner).Error; takeErr == nil {
			return winner, nil
		}
		s.logError(opUpsertMessage, txErr, zap.String("remote_id", input.RemoteID))
		return Message{}, newStorageError(opUpsertMessage, txErr)
	}

	s.events.Publish(Event{
		Type:           EventMessageAppended,
		ConversationID: message.ConversationID,
		MessageID:      message.ID,
		Timestamp:      s.clock().UTC(),
	})
	return message, nil
}

// InsertPendingMessage persists an outgoing message in the pending state with
// a locally generated placeholder remote id, so it renders immediately.
func (s *Store) InsertPendingMessage(ctx context.Context, conversationID int64, senderAddress, body string) (Message, error) {
	placeholder, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opInsertPending, err)
		return Message{}, newStorageError(opInsertPending, err)
	}

	message := Message{
		RemoteID:       pendingRemoteIDPrefix + placeholder,
		ConversationID: conversationID,
		SenderAddress:  senderAddress,
		Body:           body,
		CreatedAt:      s.clock().UTC(),
		State:          MessageStatePending,
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&message).Error; err != nil {
			return err
		}
		return touchConversation(tx, conversationID, message.CreatedAt)
	})
	if txErr != nil {
		s.logError(opInsertPending, txErr, zap.Int64("conversation_id", conversationID))
		return Message{}, newStorageError(opInsertPending, txErr)
	}

	s.events.Publish(Event{
		Type:           EventMessageAppended,
		ConversationID: conversationID,
		MessageID:      message.ID,
		Timestamp:      s.clock().UTC(),
	})
	return message, nil
}

// ConfirmMessage reconciles a pending row against the network-confirmed
// message, rewriting the same row in place. If a backfill already stored the
// confirmed remote id, the pending placeholder is superseded by that row and
// removed.
func (s *Store) ConfirmMessage(ctx context.Context, messageID int64, remoteID string, createdAt time.Time) (Message, error) {
	if remoteID == "" {
		return Message{}, newStorageError(opConfirmMessage, errors.New("remote id is required"))
	}

	var confirmed Message
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pending Message
		if err := tx.Where("id = ?", messageID).Take(&pending).Error; err != nil {
			return err
		}

		var duplicate Message
		err := tx.Where("remote_id = ? AND id <> ?", remoteID, messageID).Take(&duplicate).Error
		if err == nil {
			if deleteErr := tx.Delete(&Message{}, pending.ID).Error; deleteErr != nil {
				return deleteErr
			}
			confirmed = duplicate
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		pending.RemoteID = remoteID
		pending.CreatedAt = createdAt.UTC()
		pending.State = MessageStateConfirmed
		if err := tx.Save(&pending).Error; err != nil {
			return err
		}
		confirmed = pending
		return touchConversation(tx, pending.ConversationID, pending.CreatedAt)
	})
	if txErr != nil {
		s.logError(opConfirmMessage, txErr, zap.Int64("message_id", messageID), zap.String("remote_id", remoteID))
		return Message{}, newStorageError(opConfirmMessage, txErr)
	}

	s.events.Publish(Event{
		Type:           EventConversationUpdated,
		ConversationID: confirmed.ConversationID,
		MessageID:      confirmed.ID,
		Timestamp:      s.clock().UTC(),
	})
	return confirmed, nil
}

// FailMessage marks an outgoing message as failed to send. The row stays
// visible; it never silently disappears.
func (s *Store) FailMessage(ctx context.Context, messageID int64) error {
	result := s.db.WithContext(ctx).Model(&Message{}).
		Where("id = ?", messageID).
		Update("state", MessageStateFailed)
	if result.Error != nil {
		s.logError(opFailMessage, result.Error, zap.Int64("message_id", messageID))
		return newStorageError(opFailMessage, result.Error)
	}
	if result.RowsAffected == 0 {
		return newStorageError(opFailMessage, gorm.ErrRecordNotFound)
	}
	return nil
}

// ListQuery bounds a local message listing. Zero time bounds are open.
type ListQuery struct {
	After  time.Time
	Before time.Time
	Limit  int
}

// ListMessages returns a conversation's messages ordered by created_at
// ascending, ties broken by remote id for determinism.
func (s *Store) ListMessages(ctx context.Context, conversationID int64, query ListQuery) ([]Message, error) {
	tx := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID)
	if !query.After.IsZero() {
		tx = tx.Where("created_at > ?", query.After.UTC())
	}
	if !query.Before.IsZero() {
		tx = tx.Where("created_at < ?", query.Before.UTC())
	}
	tx = tx.Order("created_at ASC, remote_id ASC")
	if query.Limit > 0 {
		tx = tx.Limit(query.Limit)
	}

	var messages []Message
	if err := tx.Find(&messages).Error; err != nil {
		s.logError(opListMessages, err, zap.Int64("conversation_id", conversationID))
		return nil, newStorageError(opListMessages, err)
	}
	return messages, nil
}

// ListConversations returns all conversations, most recently updated first.
func (s *Store) ListConversations(ctx context.Context) ([]Conversation, error) {
	var conversations []Conversation
	if err := s.db.WithContext(ctx).
		Order("updated_at DESC, id ASC").
		Find(&conversations).Error; err != nil {
		s.logError(opListConversations, err)
		return nil, newStorageError(opListConversations, err)
	}
	return conversations, nil
}

// ConversationByPeer looks a conversation up by its peer address.
func (s *Store) ConversationByPeer(ctx context.Context, peerAddress string) (Conversation, bool, error) {
	var conversation Conversation
	err := s.db.WithContext(ctx).Where("peer_address = ?", peerAddress).Take(&conversation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Conversation{}, false, nil
	}
	if err != nil {
		s.logError(opConversationByPeer, err, zap.String("peer_address", peerAddress))
		return Conversation{}, false, newStorageError(opConversationByPeer, err)
	}
	return conversation, true, nil
}

// LatestMessage returns the newest message of a conversation, if any. It
// backs the denormalized last-message pointer without storing one.
func (s *Store) LatestMessage(ctx context.Context, conversationID int64) (Message, bool, error) {
	return s.edgeMessage(ctx, opLatestMessage, conversationID, "created_at DESC, remote_id DESC")
}

// OldestMessage returns the oldest cached message of a conversation, if any.
// Pagination fetches remote messages strictly older than it.
func (s *Store) OldestMessage(ctx context.Context, conversationID int64) (Message, bool, error) {
	return s.edgeMessage(ctx, opOldestMessage, conversationID, "created_at ASC, remote_id ASC")
}

func (s *Store) edgeMessage(ctx context.Context, op string, conversationID int64, order string) (Message, bool, error) {
	var message Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order(order).
		Take(&message).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Message{}, false, nil
	}
	if err != nil {
		s.logError(op, err, zap.Int64("conversation_id", conversationID))
		return Message{}, false, newStorageError(op, err)
	}
	return message, true, nil
}

// MarkViewed records that the user opened the conversation at the given time.
func (s *Store) MarkViewed(ctx context.Context, conversationID int64, at time.Time) error {
	viewedAt := at.UTC()
	result := s.db.WithContext(ctx).Model(&Conversation{}).
		Where("id = ?", conversationID).
		Update("viewed_at", viewedAt)
	if result.Error != nil {
		s.logError(opMarkViewed, result.Error, zap.Int64("conversation_id", conversationID))
		return newStorageError(opMarkViewed, result.Error)
	}
	if result.RowsAffected == 0 {
		return newStorageError(opMarkViewed, gorm.ErrRecordNotFound)
	}

	s.events.Publish(Event{
		Type:           EventConversationUpdated,
		ConversationID: conversationID,
		Timestamp:      s.clock().UTC(),
	})
	return nil
}

// SetDisplayName stores a resolved name for the conversation's peer.
func (s *Store) SetDisplayName(ctx context.Context, conversationID int64, displayName string) error {
	result := s.db.WithContext(ctx).Model(&Conversation{}).
		Where("id = ?", conversationID).
		Update("display_name", displayName)
	if result.Error != nil {
		s.logError(opSetDisplayName, result.Error, zap.Int64("conversation_id", conversationID))
		return newStorageError(opSetDisplayName, result.Error)
	}
	if result.RowsAffected == 0 {
		return newStorageError(opSetDisplayName, gorm.ErrRecordNotFound)
	}

	s.events.Publish(Event{
		Type:           EventConversationUpdated,
		ConversationID: conversationID,
		Timestamp:      s.clock().UTC(),
	})
	return nil
}

// AddAttachment records a locally stored attachment blob for a message.
func (s *Store) AddAttachment(ctx context.Context, messageID int64, filename, mimeType, location string) (Attachment, error) {
	attachment := Attachment{
		MessageID: messageID,
		Filename:  filename,
		MimeType:  mimeType,
		Location:  location,
	}
	if err := s.db.WithContext(ctx).Create(&attachment).Error; err != nil {
		s.logError(opAddAttachment, err, zap.Int64("message_id", messageID))
		return Attachment{}, newStorageError(opAddAttachment, err)
	}
	return attachment, nil
}

// AddRemoteAttachment records a remote attachment reference for a message.
func (s *Store) AddRemoteAttachment(ctx context.Context, messageID int64, input RemoteAttachmentInput) (RemoteAttachment, error) {
	record := RemoteAttachment{
		MessageID:     messageID,
		URL:           input.URL,
		Filename:      input.Filename,
		Salt:          input.Salt,
		Nonce:         input.Nonce,
		Secret:        input.Secret,
		ContentLength: input.ContentLength,
		Fallback:      input.Fallback,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opAddRemoteAttachment, err, zap.Int64("message_id", messageID))
		return RemoteAttachment{}, newStorageError(opAddRemoteAttachment, err)
	}
	return record, nil
}

// Attachments returns the local attachments of a message.
func (s *Store) Attachments(ctx context.Context, messageID int64) ([]Attachment, error) {
	var attachments []Attachment
	if err := s.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("id ASC").
		Find(&attachments).Error; err != nil {
		s.logError(opAttachments, err, zap.Int64("message_id", messageID))
		return nil, newStorageError(opAttachments, err)
	}
	return attachments, nil
}

// RemoteAttachments returns the remote attachment references of a message.
func (s *Store) RemoteAttachments(ctx context.Context, messageID int64) ([]RemoteAttachment, error) {
	var records []RemoteAttachment
	if err := s.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("id ASC").
		Find(&records).Error; err != nil {
		s.logError(opRemoteAttachments, err, zap.Int64("message_id", messageID))
		return nil, newStorageError(opRemoteAttachments, err)
	}
	return records, nil
}

// SyncTime reads a persisted engine timestamp such as the enrichment
// throttle. The boolean reports whether the key exists.
func (s *Store) SyncTime(ctx context.Context, key string) (time.Time, bool, error) {
	var state SyncState
	err := s.db.WithContext(ctx).Where("key = ?", key).Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		s.logError(opSyncTime, err, zap.String("key", key))
		return time.Time{}, false, newStorageError(opSyncTime, err)
	}

	parsed, parseErr := time.Parse(time.RFC3339Nano, state.Value)
	if parseErr != nil {
		s.logError(opSyncTime, parseErr, zap.String("key", key))
		return time.Time{}, false, newStorageError(opSyncTime, parseErr)
	}
	return parsed, true, nil
}

// SetSyncTime persists an engine timestamp, last writer wins.
func (s *Store) SetSyncTime(ctx context.Context, key string, value time.Time) error {
	state := SyncState{Key: key, Value: value.UTC().Format(time.RFC3339Nano)}
	if err := s.db.WithContext(ctx).Save(&state).Error; err != nil {
		s.logError(opSetSyncTime, err, zap.String("key", key))
		return newStorageError(opSetSyncTime, err)
	}
	return nil
}

// touchConversation bumps updated_at when a newer message lands.
func touchConversation(tx *gorm.DB, conversationID int64, at time.Time) error {
	return tx.Model(&Conversation{}).
		Where("id = ? AND updated_at < ?", conversationID, at.UTC()).
		Update("updated_at", at.UTC()).Error
}

func (s *Store) logError(operation string, err error, fields ...zap.Field) {
	attrs := []zap.Field{zap.String("operation", operation)}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("store error", attrs...)
}
