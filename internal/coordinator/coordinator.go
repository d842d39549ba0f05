package coordinator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lumenchat/inboxsync/internal/enrich"
	"github.com/lumenchat/inboxsync/internal/network"
	"github.com/lumenchat/inboxsync/internal/store"
	"github.com/lumenchat/inboxsync/internal/syncer"
)

var (
	errMissingStore   = errors.New("store is required")
	errMissingClient  = errors.New("network client is required")
	errMissingAddress = errors.New("local address is required")
	noOpLogger        = zap.NewNop()
)

const defaultRecentLimit = 10

// Config carries the dependencies for a Coordinator.
type Config struct {
	Store        *store.Store
	Client       network.Client
	Enricher     *enrich.Enricher
	Logger       *zap.Logger
	LocalAddress string
	RecentLimit  int
}

// Coordinator reconciles the remote conversation list with the local store,
// fans out per-conversation backfills, and consumes the live conversation
// stream.
type Coordinator struct {
	store        *store.Store
	client       network.Client
	enricher     *enrich.Enricher
	logger       *zap.Logger
	localAddress string
	recentLimit  int
}

// New validates the configuration and constructs a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	if strings.TrimSpace(cfg.LocalAddress) == "" {
		return nil, errMissingAddress
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	recentLimit := cfg.RecentLimit
	if recentLimit <= 0 {
		recentLimit = defaultRecentLimit
	}

	return &Coordinator{
		store:        cfg.Store,
		client:       cfg.Client,
		enricher:     cfg.Enricher,
		logger:       logger,
		localAddress: cfg.LocalAddress,
		recentLimit:  recentLimit,
	}, nil
}

// Load runs one full sync pass: remote conversation list, then recent
// message backfill for every known conversation.
func (c *Coordinator) Load(ctx context.Context) error {
	if err := c.FetchRemote(ctx); err != nil {
		return err
	}
	return c.FetchRecentMessages(ctx)
}

// FetchRemote lists all remote conversations, upserts each with its topic,
// then refreshes display names subject to the enrichment throttle.
func (c *Coordinator) FetchRemote(ctx context.Context) error {
	remotes, err := c.client.ListConversations(ctx)
	if err != nil {
		return err
	}

	conversations := make([]store.Conversation, 0, len(remotes))
	for _, remote := range remotes {
		conversation, err := c.upsertRemote(ctx, remote)
		if err != nil {
			c.logger.Warn("conversation upsert failed",
				zap.String("peer_address", remote.PeerAddress),
				zap.Error(err))
			continue
		}
		conversations = append(conversations, conversation)
	}

	c.refreshNames(ctx, conversations)
	return nil
}

// FetchRecentMessages backfills the most recent messages of every locally
// known conversation concurrently. A single conversation's failure never
// cancels its siblings.
func (c *Coordinator) FetchRecentMessages(ctx context.Context) error {
	conversations, err := c.store.ListConversations(ctx)
	if err != nil {
		return err
	}

	var group sync.WaitGroup
	for _, conversation := range conversations {
		group.Add(1)
		go func(conversation store.Conversation) {
			defer group.Done()
			if err := c.backfillRecent(ctx, conversation); err != nil {
				c.logger.Warn("recent message backfill failed",
					zap.String("peer_address", conversation.PeerAddress),
					zap.Error(err))
			}
		}(conversation)
	}
	group.Wait()
	return nil
}

// StreamConversations consumes the long-lived conversation stream until ctx
// is canceled. Conversations from the local address are filtered out; every
// other event is upserted and immediately backfilled, which emits store
// events for subscribers. Cancellation terminates silently. A stream-level
// error escalates only when no conversations exist locally; otherwise the
// cache stays valid and the error is logged as a transient notification.
func (c *Coordinator) StreamConversations(ctx context.Context) error {
	remotes, errs := c.client.StreamConversations(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case remote, ok := <-remotes:
			if !ok {
				return nil
			}
			if strings.EqualFold(remote.PeerAddress, c.localAddress) {
				continue
			}
			conversation, err := c.upsertRemote(ctx, remote)
			if err != nil {
				c.logger.Warn("streamed conversation upsert failed",
					zap.String("peer_address", remote.PeerAddress),
					zap.Error(err))
				continue
			}
			if err := c.backfillRecent(ctx, conversation); err != nil {
				c.logger.Warn("streamed conversation backfill failed",
					zap.String("peer_address", remote.PeerAddress),
					zap.Error(err))
			}
		case err, ok := <-errs:
			if !ok {
				// A nil channel select case never fires again.
				errs = nil
				continue
			}
			if err == nil {
				continue
			}
			return c.degrade(ctx, err)
		}
	}
}

// degrade applies the stale-cache policy: with any local conversations the
// previous state remains valid and the failure is only a notification.
func (c *Coordinator) degrade(ctx context.Context, cause error) error {
	conversations, err := c.store.ListConversations(ctx)
	if err != nil {
		return cause
	}
	if len(conversations) == 0 {
		return cause
	}
	c.logger.Warn("conversation stream interrupted, serving cached state", zap.Error(cause))
	return nil
}

func (c *Coordinator) upsertRemote(ctx context.Context, remote network.RemoteConversation) (store.Conversation, error) {
	conversation, err := c.store.UpsertConversation(ctx, remote.PeerAddress, remote.CreatedAt, "")
	if err != nil {
		return store.Conversation{}, err
	}

	input := store.TopicInput{
		ConversationID: conversation.ID,
		Identifier:     remote.Topic,
		CreatedAt:      remote.CreatedAt,
	}
	switch remote.Version {
	case network.ProtocolV2:
		input.Version = store.TopicVersionV2
		input.KeyMaterial = remote.KeyMaterial
		input.NegotiationContext = remote.NegotiationContext
	default:
		input.Version = store.TopicVersionV1
	}

	if _, err := c.store.EnsureTopic(ctx, input); err != nil {
		return store.Conversation{}, err
	}
	return conversation, nil
}

func (c *Coordinator) backfillRecent(ctx context.Context, conversation store.Conversation) error {
	conversationSyncer, err := syncer.New(syncer.Config{
		Store:        c.store,
		Client:       c.client,
		Conversation: conversation,
		Logger:       c.logger,
	})
	if err != nil {
		return err
	}
	return conversationSyncer.FetchRecent(ctx, c.recentLimit)
}

func (c *Coordinator) refreshNames(ctx context.Context, conversations []store.Conversation) {
	if c.enricher == nil {
		return
	}
	err := c.enricher.Refresh(ctx, conversations)
	switch {
	case err == nil:
	case errors.Is(err, enrich.ErrThrottled):
		c.logger.Debug("name refresh throttled")
	default:
		c.logger.Warn("name refresh failed", zap.Error(err))
	}
}

// Run loads once, then keeps re-syncing on the given interval until ctx is
// canceled.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) error {
	if err := c.Load(ctx); err != nil {
		c.logger.Warn("initial sync failed", zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.Load(ctx); err != nil {
				c.logger.Warn("periodic sync failed", zap.Error(err))
			}
		}
	}
}
