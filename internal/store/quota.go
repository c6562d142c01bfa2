package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Quota limits the total size of an underlying Store. Usage is the sum of
// key and value lengths; a Set that would push usage past the limit fails
// with ErrQuotaExceeded and leaves the store unchanged.
type Quota struct {
	Store
	limit int64
	mu    sync.Mutex
}

func NewQuota(inner Store, limit int64) *Quota {
	return &Quota{Store: inner, limit: limit}
}

func (q *Quota) Set(ctx context.Context, key string, value []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	used, err := q.usageExcept(ctx, key)
	if err != nil {
		return err
	}
	if used+int64(len(key)+len(value)) > q.limit {
		return fmt.Errorf("%w: %d of %d bytes used", ErrQuotaExceeded, used, q.limit)
	}
	return q.Store.Set(ctx, key, value)
}

// Usage returns the bytes currently accounted against the limit.
func (q *Quota) Usage(ctx context.Context) (int64, error) {
	return q.usageExcept(ctx, "")
}

func (q *Quota) Limit() int64 { return q.limit }

func (q *Quota) usageExcept(ctx context.Context, skip string) (int64, error) {
	keys, err := q.Store.Keys(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, k := range keys {
		if k == skip {
			continue
		}
		v, err := q.Store.Get(ctx, k)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		total += int64(len(k) + len(v))
	}
	return total, nil
}
