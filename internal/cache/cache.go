package cache

import (
	"context"
	"time"

	"motoparts/backend/internal/domain"
)

// BillCache holds finalized bills only. Finalized bills are immutable, so a
// cached entry can never go stale; drafts are never cached.
type BillCache interface {
	Get(ctx context.Context, id string) (*domain.Bill, bool, error)
	Set(ctx context.Context, bill *domain.Bill, ttl time.Duration) error
}

type NoopBillCache struct{}

func (NoopBillCache) Get(_ context.Context, _ string) (*domain.Bill, bool, error) {
	return nil, false, nil
}

func (NoopBillCache) Set(_ context.Context, _ *domain.Bill, _ time.Duration) error {
	return nil
}
