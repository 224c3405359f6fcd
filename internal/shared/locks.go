package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// InvoiceSettleLockKey builds redis keys for invoice settlement critical sections.
func InvoiceSettleLockKey(invoiceID int64) string {
	return fmt.Sprintf("billing:invoice:%d:settle", invoiceID)
}

// InvoiceLocker holds a short redis lease per invoice while a settlement runs.
type InvoiceLocker struct {
	client *redislock.Client
	ttl    time.Duration
	wait   time.Duration
}

// NewInvoiceLocker constructs the locker. ttl bounds how long a crashed holder
// blocks others; wait bounds how long a caller queues behind a live holder.
func NewInvoiceLocker(rdb redis.UniversalClient, ttl, wait time.Duration) *InvoiceLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if wait < 0 {
		wait = 0
	}
	return &InvoiceLocker{client: redislock.New(rdb), ttl: ttl, wait: wait}
}

// Lock obtains the invoice lease. The returned func releases it.
func (l *InvoiceLocker) Lock(ctx context.Context, invoiceID int64) (func(context.Context) error, error) {
	if l == nil || l.client == nil {
		return func(context.Context) error { return nil }, nil
	}
	opts := &redislock.Options{}
	obtainCtx := ctx
	if l.wait > 0 {
		var cancel context.CancelFunc
		obtainCtx, cancel = context.WithTimeout(ctx, l.wait)
		defer cancel()
		opts.RetryStrategy = redislock.LinearBackoff(50 * time.Millisecond)
	}
	lock, err := l.client.Obtain(obtainCtx, InvoiceSettleLockKey(invoiceID), l.ttl, opts)
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrLockNotObtained
		}
		return nil, fmt.Errorf("shared: obtain invoice lock: %w", err)
	}
	return func(ctx context.Context) error {
		if err := lock.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			return err
		}
		return nil
	}, nil
}
