package mysql

import (
	"context"
	"fmt"
	"time"

	"github.com/dataferry/dataferry/pkg/abstract"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"go.ytsaurus.tech/library/go/core/xerrors"
)

func dsn(params *abstract.ConnParams) string {
	cfg := mysql.NewConfig()
	cfg.User = params.User
	cfg.Passwd = params.Password.Raw()
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", params.Host, params.Port)
	cfg.DBName = params.Database
	cfg.ParseTime = true
	cfg.MultiStatements = false
	if params.TLS {
		cfg.TLSConfig = "true"
	}
	return cfg.FormatDSN()
}

func connect(ctx context.Context, params *abstract.ConnParams) (*sqlx.DB, error) {
	db, err := sqlx.Open("mysql", dsn(params))
	if err != nil {
		return nil, xerrors.Errorf("unable to open connection to %s: %w", params.Fqdn(), mapError(err))
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("unable to connect to %s: %w", params.Fqdn(), mapError(err))
	}
	return db, nil
}

func quoteIdent(name string) string {
	return "`" + name + "`"
}
