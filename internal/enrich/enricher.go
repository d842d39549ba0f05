package enrich

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lumenchat/inboxsync/internal/store"
)

// ErrThrottled reports that a refresh was intentionally skipped because the
// throttle window has not elapsed. It is a noop signal, not a failure.
var ErrThrottled = errors.New("enrich: refresh throttled")

var (
	errMissingStore    = errors.New("store is required")
	errMissingResolver = errors.New("resolver is required")
	noOpLogger         = zap.NewNop()
)

// RefreshedAtKey is the sync_state key holding the last refresh time, so the
// throttle survives process restarts.
const RefreshedAtKey = "enrich_refreshed_at"

const defaultInterval = time.Hour

// Resolver is the capability surface of the identity resolution service.
// Best effort: unresolved addresses are omitted from the result rather than
// failing the batch. Result keys are lowercased addresses.
type Resolver interface {
	ResolveBatch(ctx context.Context, addresses []string) (map[string]string, error)
}

// Config carries the dependencies for an Enricher.
type Config struct {
	Store    *store.Store
	Resolver Resolver
	Clock    func() time.Time
	Logger   *zap.Logger
	Interval time.Duration
}

// Enricher resolves peer addresses to display names. One global throttle
// window gates remote calls; the window is persisted through the store.
type Enricher struct {
	store    *store.Store
	resolver Resolver
	clock    func() time.Time
	logger   *zap.Logger
	interval time.Duration
}

// New validates the configuration and constructs an Enricher.
func New(cfg Config) (*Enricher, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Resolver == nil {
		return nil, errMissingResolver
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}

	return &Enricher{
		store:    cfg.Store,
		resolver: cfg.Resolver,
		clock:    clock,
		logger:   logger,
		interval: interval,
	}, nil
}

// Refresh resolves display names for the peers of the given conversations in
// one batched call, unless a refresh completed within the throttle window, in
// which case it returns ErrThrottled without any remote call. Only resolved
// entries are written; the throttle timestamp advances to the resolution
// completion time.
func (e *Enricher) Refresh(ctx context.Context, conversations []store.Conversation) error {
	refreshedAt, known, err := e.store.SyncTime(ctx, RefreshedAtKey)
	if err != nil {
		return err
	}
	if known && e.clock().Sub(refreshedAt) < e.interval {
		return ErrThrottled
	}
	if len(conversations) == 0 {
		return nil
	}

	addresses := make([]string, 0, len(conversations))
	for _, conversation := range conversations {
		addresses = append(addresses, conversation.PeerAddress)
	}

	resolved, err := e.resolver.ResolveBatch(ctx, addresses)
	if err != nil {
		return err
	}

	for _, conversation := range conversations {
		name, ok := resolved[strings.ToLower(conversation.PeerAddress)]
		if !ok || name == "" {
			continue
		}
		if err := e.store.SetDisplayName(ctx, conversation.ID, name); err != nil {
			e.logger.Warn("enrich: display name write failed",
				zap.String("peer_address", conversation.PeerAddress),
				zap.Error(err))
		}
	}

	return e.store.SetSyncTime(ctx, RefreshedAtKey, e.clock())
}
