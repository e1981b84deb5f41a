package lock

import (
	"context"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	acquireSQL = "SELECT pg_advisory_lock($1)"
	releaseSQL = "SELECT pg_advisory_unlock($1)"
)

// Session is a single live connection to the server. Advisory locks are
// scoped to the session that acquired them. *pgx.Conn satisfies it.
type Session interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Connector opens a new session from a fully built connection config.
type Connector func(ctx context.Context, cfg *pgx.ConnConfig) (Session, error)

// Endpoint identifies the server and database to connect to.
type Endpoint struct {
	Host     string
	Port     int
	Database string
}

// Credentials authenticate a session. Password may contain any characters.
type Credentials struct {
	User     string
	Password string
}

// ConnectPgx opens a dedicated pgx connection. It is the default Connector.
func ConnectPgx(ctx context.Context, cfg *pgx.ConnConfig) (Session, error) {
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// buildConnConfig assembles the connection config without ever rendering the
// password into a connection string. Host, port, database and user travel in
// a URL escaped by net/url; the password is assigned to the parsed config.
func buildConnConfig(ep Endpoint, creds Credentials, appName string, connectTimeout time.Duration) (*pgx.ConnConfig, error) {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port)),
		Path:   "/" + ep.Database,
	}
	if creds.User != "" {
		u.User = url.User(creds.User)
	}

	cfg, err := pgx.ParseConfig(u.String())
	if err != nil {
		return nil, err
	}

	if creds.Password != "" {
		cfg.Password = creds.Password
	}
	if connectTimeout > 0 {
		cfg.ConnectTimeout = connectTimeout
	}
	if appName != "" {
		cfg.RuntimeParams["application_name"] = appName
	}

	return cfg, nil
}
