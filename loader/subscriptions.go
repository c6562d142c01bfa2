package loader

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/aweris/odacache/internal/remote"
)

// SubscriptionHook runs after a follow or unfollow succeeded.
type SubscriptionHook func(ctx context.Context, shopID string, following bool)

// Subscriptions applies follow changes to the remote service and runs the
// registered hooks after each successful change.
type Subscriptions struct {
	source remote.Source
	logger *zap.Logger

	mu    sync.RWMutex
	hooks []SubscriptionHook
}

func NewSubscriptions(source remote.Source, logger *zap.Logger) *Subscriptions {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriptions{source: source, logger: logger.Named("subscriptions")}
}

// OnChange registers a hook.
func (s *Subscriptions) OnChange(hook SubscriptionHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// Toggle follows (follow=true) or unfollows shopID for userID. Hooks run
// only when the remote change succeeded.
func (s *Subscriptions) Toggle(ctx context.Context, userID, shopID string, follow bool) error {
	var err error
	if follow {
		err = s.source.Follow(ctx, userID, shopID)
	} else {
		err = s.source.Unfollow(ctx, userID, shopID)
	}
	if err != nil {
		return fmt.Errorf("toggle subscription to %s: %w", shopID, err)
	}

	s.mu.RLock()
	hooks := append([]SubscriptionHook(nil), s.hooks...)
	s.mu.RUnlock()

	for _, hook := range hooks {
		hook(ctx, shopID, follow)
	}
	s.logger.Debug("subscription changed", zap.String("shop", shopID), zap.Bool("following", follow))
	return nil
}

// Attach registers the hook that drops cached subscriber counts and the
// compiled view after every subscription change.
func (l *Loader) Attach(subs *Subscriptions) {
	subs.OnChange(func(ctx context.Context, shopID string, _ bool) {
		l.cache.InvalidateSubscribers(ctx)
		l.logger.Debug("subscriber cache invalidated", zap.String("shop", shopID))
	})
}
