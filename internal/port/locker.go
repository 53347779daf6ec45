package port

import (
	"context"
	"time"
)

type Locker interface {
	// TryLock acquires key without waiting, returns ErrDuplicateRequest if it is already held.
	// unlock reports a failed release; the lease still expires after ttl.
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func() error, err error)
}
