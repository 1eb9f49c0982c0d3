package postgres

import (
	"context"
	"fmt"
	"net/url"

	"github.com/dataferry/dataferry/pkg/abstract"
	"github.com/jackc/pgx/v4/pgxpool"
	"go.ytsaurus.tech/library/go/core/xerrors"
)

func connString(params *abstract.ConnParams) string {
	sslmode := "disable"
	if params.TLS {
		sslmode = "require"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(params.User),
		url.QueryEscape(params.Password.Raw()),
		params.Host, params.Port, params.Database, sslmode)
}

func newPool(ctx context.Context, params *abstract.ConnParams) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(connString(params))
	if err != nil {
		return nil, xerrors.Errorf("unable to parse connection config for %s: %w", params.Fqdn(), err)
	}
	cfg.MaxConns = 4
	pool, err := pgxpool.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, xerrors.Errorf("unable to connect to %s: %w", params.Fqdn(), mapError(err))
	}
	return pool, nil
}
