package providers

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dataferry/dataferry/pkg/abstract"
	"github.com/dataferry/dataferry/pkg/errors/codes"
	"github.com/dataferry/dataferry/pkg/providers/mysql"
	"github.com/dataferry/dataferry/pkg/providers/postgres"
	"go.ytsaurus.tech/library/go/core/xerrors"
)

// NewStorage opens the read side of the connection descriptor with the
// matching adapter.
func NewStorage(ctx context.Context, params *abstract.ConnParams) (abstract.Storage, error) {
	driver, err := params.ResolveDriver()
	if err != nil {
		return nil, xerrors.Errorf("unable to resolve source driver: %w", err)
	}
	switch driver {
	case abstract.DriverPostgres:
		return postgres.NewStorage(ctx, params)
	case abstract.DriverMySQL:
		return mysql.NewStorage(ctx, params)
	}
	return nil, xerrors.Errorf("no storage adapter for driver %s", driver)
}

// NewSink opens the write side of the connection descriptor.
func NewSink(ctx context.Context, params *abstract.ConnParams) (abstract.Sink, error) {
	driver, err := params.ResolveDriver()
	if err != nil {
		return nil, xerrors.Errorf("unable to resolve target driver: %w", err)
	}
	switch driver {
	case abstract.DriverPostgres:
		return postgres.NewSink(ctx, params)
	case abstract.DriverMySQL:
		return mysql.NewSink(ctx, params)
	}
	return nil, xerrors.Errorf("no sink adapter for driver %s", driver)
}

// Retryable reports whether the error is worth an in-place retry. Only
// transient transport conditions qualify: data and auth defects fail the
// attempt immediately.
func Retryable(err error) bool {
	return codes.ConnectionLost.Contains(err) || codes.Timeout.Contains(err)
}

// WithRetries runs op with bounded exponential backoff, retrying transient
// errors only.
func WithRetries(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(500*time.Millisecond),
		backoff.WithMaxInterval(10*time.Second),
	), 4), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}
