package txn

import (
	"time"

	"github.com/stratadb/strata-core/pkg/errors"
	"github.com/stratadb/strata-core/pkg/storekey"
)

// RetryConfig controls TransactionWithRetry's backoff between attempts.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig matches spec.md §4.6's suggested defaults for
// contended single-key read-modify-write loops (CAS retry, for example).
// Event append does not use it: pkg/eventlog has its own, larger budget.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 10, BaseDelay: time.Millisecond, MaxDelay: 50 * time.Millisecond}
}

// backoff returns base*2^attempt, saturating instead of overflowing once
// attempt reaches the width of the shift, then clamping to max.
func backoff(base, max time.Duration, attempt int) time.Duration {
	shift := attempt
	if shift > 62 {
		shift = 62
	}
	d := base << uint(shift)
	if d <= 0 || d > max {
		return max
	}
	return d
}

// TransactionWithRetry runs f against a fresh Context started on coordinator
// for branch, committing it and retrying on a version conflict with
// exponential backoff. Any other error, or exhausting cfg.MaxAttempts,
// returns immediately. f must be idempotent with respect to its own Get/Put
// calls: it runs once per attempt against a fresh snapshot each time.
func TransactionWithRetry(coordinator *Coordinator, branch storekey.BranchID, cfg RetryConfig, f func(*Context) error) error {
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		txn := coordinator.StartTransaction(branch)
		if err := f(txn); err != nil {
			coordinator.AbortWithoutCommit(txn, err.Error())
			return err
		}
		err := coordinator.Commit(txn)
		if err == nil {
			return nil
		}
		if !errors.IsConflict(err) {
			return err
		}
		lastErr = err
		if attempt < cfg.MaxAttempts-1 {
			time.Sleep(backoff(cfg.BaseDelay, cfg.MaxDelay, attempt))
		}
	}
	return errors.Wrap(errors.KindVersionConflict, "txn.with_retry", "exhausted retry attempts", lastErr)
}

// TransactionWithTimeout runs f against a fresh Context, aborting before
// even attempting to commit once the transaction has been open longer than
// limit (spec.md §4.5's configurable per-transaction timeout).
func TransactionWithTimeout(coordinator *Coordinator, branch storekey.BranchID, limit time.Duration, f func(*Context) error) error {
	txn := coordinator.StartTransaction(branch)
	if err := f(txn); err != nil {
		coordinator.AbortWithoutCommit(txn, err.Error())
		return err
	}
	if txn.IsExpired(limit) {
		coordinator.AbortWithoutCommit(txn, "transaction exceeded timeout before commit")
		return errors.New(errors.KindTransactionTimeout, "txn.with_timeout", "transaction exceeded timeout")
	}
	return coordinator.Commit(txn)
}
