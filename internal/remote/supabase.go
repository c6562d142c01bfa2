package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"github.com/supabase-community/supabase-go"
	"go.uber.org/zap"
)

const (
	DefaultRetries = 3
	DefaultBackoff = 500 * time.Millisecond
)

// Supabase implements Source over the Supabase PostgREST API.
type Supabase struct {
	client  *supabase.Client
	breaker *gobreaker.CircuitBreaker
	retries int
	backoff time.Duration
	logger  *zap.Logger
}

type Option func(*Supabase)

// WithRetries sets the number of attempts per query.
func WithRetries(n int) Option {
	return func(s *Supabase) {
		if n > 0 {
			s.retries = n
		}
	}
}

// WithBackoff sets the delay before the second attempt; later delays double.
func WithBackoff(d time.Duration) Option {
	return func(s *Supabase) { s.backoff = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Supabase) { s.logger = l }
}

// NewSupabase creates a client for the project at url using an API key.
func NewSupabase(url, key string, opts ...Option) (*Supabase, error) {
	client, err := supabase.NewClient(url, key, nil)
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}

	s := &Supabase{
		client:  client,
		retries: DefaultRetries,
		backoff: DefaultBackoff,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("remote")

	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "supabase",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return s, nil
}

// execute runs one PostgREST request with retries behind the breaker.
func (s *Supabase) execute(ctx context.Context, table string, req func(*supabase.Client) ([]byte, int64, error)) ([]byte, error) {
	body, err := retry(ctx, s.retries, s.backoff, isBreakerOpen, func() ([]byte, error) {
		v, err := s.breaker.Execute(func() (interface{}, error) {
			body, _, err := req(s.client)
			return body, err
		})
		if err != nil {
			return nil, err
		}
		return v.([]byte), nil
	})
	if err != nil {
		if isBreakerOpen(err) {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, table, err)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrQuery, table, err)
	}
	return body, nil
}

func isBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func selectRows[T any](ctx context.Context, s *Supabase, table string, req func(*supabase.Client) ([]byte, int64, error)) ([]T, error) {
	start := time.Now()
	body, err := s.execute(ctx, table, req)
	if err != nil {
		return nil, err
	}

	var rows []T
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("%w: %s: decode rows: %v", ErrQuery, table, err)
	}
	s.logger.Debug("query complete",
		zap.String("table", table),
		zap.Int("rows", len(rows)),
		zap.Duration("took", time.Since(start)))
	return rows, nil
}

func (s *Supabase) Shops(ctx context.Context) ([]ShopRow, error) {
	return selectRows[ShopRow](ctx, s, TableShops, func(c *supabase.Client) ([]byte, int64, error) {
		return c.From(TableShops).Select("user_id, config", "", false).Execute()
	})
}

func (s *Supabase) Products(ctx context.Context) ([]ProductRow, error) {
	return selectRows[ProductRow](ctx, s, TableProducts, func(c *supabase.Client) ([]byte, int64, error) {
		return c.From(TableProducts).
			Select("id, user_id", "", false).
			Eq("statut", "published").
			Gt("stock", "0").
			Execute()
	})
}

func (s *Supabase) Likes(ctx context.Context) ([]LikeRow, error) {
	return selectRows[LikeRow](ctx, s, TableLikes, func(c *supabase.Client) ([]byte, int64, error) {
		return c.From(TableLikes).Select("product_id", "", false).Execute()
	})
}

func (s *Supabase) Follows(ctx context.Context) ([]FollowRow, error) {
	return selectRows[FollowRow](ctx, s, TableFollows, func(c *supabase.Client) ([]byte, int64, error) {
		return c.From(TableFollows).Select("shop_id", "", false).Execute()
	})
}

func (s *Supabase) Follow(ctx context.Context, userID, shopID string) error {
	row := FollowRow{ShopID: ID(shopID), UserID: ID(userID)}
	_, err := s.execute(ctx, TableFollows, func(c *supabase.Client) ([]byte, int64, error) {
		return c.From(TableFollows).Insert(row, true, "user_id,shop_id", "minimal", "").Execute()
	})
	return err
}

func (s *Supabase) Unfollow(ctx context.Context, userID, shopID string) error {
	_, err := s.execute(ctx, TableFollows, func(c *supabase.Client) ([]byte, int64, error) {
		return c.From(TableFollows).
			Delete("minimal", "").
			Eq("user_id", userID).
			Eq("shop_id", shopID).
			Execute()
	})
	return err
}
