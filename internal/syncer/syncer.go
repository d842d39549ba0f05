package syncer

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/lumenchat/inboxsync/internal/network"
	"github.com/lumenchat/inboxsync/internal/store"
)

// State tracks where a conversation sits in its sync lifecycle. The machine
// is re-enterable: every sync request moves Synced back through Syncing.
type State int

const (
	// StateLocalOnly means only cached messages have been served.
	StateLocalOnly State = iota
	// StateSyncing means a remote fetch is in flight.
	StateSyncing
	// StateSynced means the last remote fetch completed.
	StateSynced
)

var (
	errMissingStore    = errors.New("store is required")
	errMissingClient   = errors.New("network client is required")
	errAllTopicsFailed = errors.New("all topic fetches failed")
	noOpLogger         = zap.NewNop()
)

// Config carries the dependencies for a Syncer.
type Config struct {
	Store        *store.Store
	Client       network.Client
	Conversation store.Conversation
	Logger       *zap.Logger
}

// Syncer is the read-through/write-through cache for one conversation's
// messages. Cached messages are served immediately; remote fetches merge
// through the store's idempotent upsert.
type Syncer struct {
	store        *store.Store
	client       network.Client
	conversation store.Conversation
	logger       *zap.Logger

	mu    sync.Mutex
	state State
}

// New validates the configuration and constructs a Syncer.
func New(cfg Config) (*Syncer, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Client == nil {
		return nil, errMissingClient
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Syncer{
		store:        cfg.Store,
		client:       cfg.Client,
		conversation: cfg.Conversation,
		logger:       logger,
	}, nil
}

// State returns the current sync state.
func (s *Syncer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Syncer) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// LoadLocal reads cached messages ordered by created_at ascending. It always
// succeeds with an empty slice on a cache miss; this is the fast path served
// before any remote fetch completes.
func (s *Syncer) LoadLocal(ctx context.Context) ([]store.Message, error) {
	return s.store.ListMessages(ctx, s.conversation.ID, store.ListQuery{})
}

// FetchRemote fetches remote messages for every topic of the conversation
// and merges them through the idempotent upsert. A failure on one topic is
// logged and skipped; it never aborts the other topics.
func (s *Syncer) FetchRemote(ctx context.Context) error {
	return s.fetchTopics(ctx, network.MessageQuery{})
}

// FetchRecent fetches only the most recent limit messages per topic.
func (s *Syncer) FetchRecent(ctx context.Context, limit int) error {
	return s.fetchTopics(ctx, network.MessageQuery{Limit: limit})
}

// FetchEarlier fetches remote messages strictly older than the oldest cached
// message and returns the refreshed local window. The window only advances
// when at least one topic fetch succeeds.
func (s *Syncer) FetchEarlier(ctx context.Context, limit int) ([]store.Message, error) {
	oldest, ok, err := s.store.OldestMessage(ctx, s.conversation.ID)
	if err != nil {
		return nil, err
	}

	query := network.MessageQuery{Limit: limit}
	if ok {
		query.Before = oldest.CreatedAt
	}
	if err := s.fetchTopics(ctx, query); err != nil {
		return nil, err
	}
	return s.LoadLocal(ctx)
}

func (s *Syncer) fetchTopics(ctx context.Context, query network.MessageQuery) error {
	s.setState(StateSyncing)

	topics, err := s.store.Topics(ctx, s.conversation.ID)
	if err != nil {
		s.setState(StateLocalOnly)
		return err
	}

	succeeded := 0
	for _, topic := range topics {
		messages, err := s.client.ListMessages(ctx, topic.Identifier, query)
		if err != nil {
			s.logger.Warn("topic fetch failed",
				zap.String("topic", topic.Identifier),
				zap.Int64("conversation_id", s.conversation.ID),
				zap.Error(err))
			continue
		}
		succeeded++

		for _, message := range messages {
			if _, err := s.store.UpsertMessage(ctx, IngestInput(s.conversation.ID, message)); err != nil {
				s.logger.Warn("message ingest failed",
					zap.String("remote_id", message.ID),
					zap.Error(err))
			}
		}
	}

	if len(topics) > 0 && succeeded == 0 {
		s.setState(StateLocalOnly)
		return &network.TransportError{Op: "fetch topics", Err: errAllTopicsFailed}
	}

	s.setState(StateSynced)
	return nil
}

// IngestInput maps a network message onto the store's ingestion input. A
// message whose payload failed to decode keeps its fallback text and an empty
// body so ordering and presence are preserved.
func IngestInput(conversationID int64, message network.RemoteMessage) store.MessageInput {
	input := store.MessageInput{
		RemoteID:       message.ID,
		ConversationID: conversationID,
		SenderAddress:  message.SenderAddress,
		Body:           message.Body,
		Fallback:       message.Fallback,
		CreatedAt:      message.CreatedAt.UTC(),
	}
	if message.Attachment != nil {
		input.RemoteAttachments = []store.RemoteAttachmentInput{{
			URL:           message.Attachment.URL,
			Filename:      message.Attachment.Filename,
			Salt:          message.Attachment.Salt,
			Nonce:         message.Attachment.Nonce,
			Secret:        message.Attachment.Secret,
			ContentLength: message.Attachment.ContentLength,
			Fallback:      message.Fallback,
		}}
	}
	return input
}
