package memory

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mattn/go-sqlite3"
)

const maxBusyRetries = 5

// withRetry runs fn, retrying while SQLite reports the database busy or locked.
// Any other failure is returned as a *StorageError; ErrNotFound is passed through.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 10 * time.Millisecond
	eb.MaxInterval = 500 * time.Millisecond
	eb.MaxElapsedTime = 5 * time.Second
	b := backoff.WithContext(backoff.WithMaxRetries(eb, maxBusyRetries), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if isBusy(err) {
			s.logger.Warn().
				Str("method", "withRetry").
				Str("op", op).
				Int("attempt", attempt).
				Err(err).
				Msg("database busy, retrying")
			return err
		}
		return backoff.Permanent(err)
	}, b)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return err
	default:
		return &StorageError{Op: op, Err: err}
	}
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}
