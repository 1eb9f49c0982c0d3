package abstract

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cast"
	"go.ytsaurus.tech/library/go/core/xerrors"
)

// Secret is an opaque credential. It never renders itself: not in logs, not
// in %v formatting, not in yaml/json dumps of a job spec.
type Secret string

func (s Secret) String() string {
	return "***"
}

func (s Secret) MarshalYAML() (interface{}, error) {
	return "***", nil
}

func (s Secret) Raw() string {
	return string(s)
}

type DriverType string

const (
	DriverMySQL    = DriverType("mysql")
	DriverPostgres = DriverType("postgres")
)

func (d DriverType) DefaultPort() int {
	switch d {
	case DriverMySQL:
		return 3306
	case DriverPostgres:
		return 5432
	}
	return 0
}

// ConnParams is a connection descriptor for one side of a migration.
type ConnParams struct {
	Host     string     `yaml:"host"`
	Port     int        `yaml:"port"`
	Database string     `yaml:"database"`
	User     string     `yaml:"user"`
	Password Secret     `yaml:"password"`
	TLS      bool       `yaml:"tls"`
	Driver   DriverType `yaml:"driver"`
}

// ResolveDriver picks the adapter: explicit hint wins, otherwise the host
// field may carry a URL-style descriptor ("postgresql://…", "mysql://…").
func (p *ConnParams) ResolveDriver() (DriverType, error) {
	if p.Driver != "" {
		switch p.Driver {
		case DriverMySQL, DriverPostgres:
			return p.Driver, nil
		}
		return "", xerrors.Errorf("unknown driver hint: %s", p.Driver)
	}
	switch {
	case strings.HasPrefix(p.Host, "postgresql://"), strings.HasPrefix(p.Host, "postgres://"):
		return DriverPostgres, nil
	case strings.HasPrefix(p.Host, "mysql://"):
		return DriverMySQL, nil
	}
	return "", xerrors.Errorf("unable to infer driver for host %q, set an explicit driver hint", p.Host)
}

// Normalize expands URL-style descriptors into discrete fields and fills the
// driver default port.
func (p *ConnParams) Normalize() error {
	driver, err := p.ResolveDriver()
	if err != nil {
		return err
	}
	p.Driver = driver
	if strings.Contains(p.Host, "://") {
		u, err := url.Parse(p.Host)
		if err != nil {
			return xerrors.Errorf("unable to parse connection url: %w", err)
		}
		p.Host = u.Hostname()
		if u.Port() != "" {
			p.Port = cast.ToInt(u.Port())
		}
		if u.User != nil {
			if p.User == "" {
				p.User = u.User.Username()
			}
			if pass, ok := u.User.Password(); ok && p.Password == "" {
				p.Password = Secret(pass)
			}
		}
		if db := strings.TrimPrefix(u.Path, "/"); db != "" && p.Database == "" {
			p.Database = db
		}
	}
	if p.Port == 0 {
		p.Port = driver.DefaultPort()
	}
	return nil
}

// Fqdn is the loggable identity of the descriptor, credentials excluded.
func (p *ConnParams) Fqdn() string {
	return fmt.Sprintf("%s://%s:%d/%s", p.Driver, p.Host, p.Port, p.Database)
}
