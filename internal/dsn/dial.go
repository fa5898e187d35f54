package dsn

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/sqlx-go/sqlx/internal/conn"
	"github.com/sqlx-go/sqlx/internal/migrate"
	"github.com/sqlx-go/sqlx/internal/pgproto"
	"github.com/sqlx-go/sqlx/internal/sqlerr"
	"github.com/sqlx-go/sqlx/internal/wire"
)

// Dial opens and fully authenticates a Connection for cfg, per spec §6's
// connection-URL interface. TLS is treated as an opaque net.Conn wrapper
// around the transport (spec §1 carves out TLS internals as a
// collaborator concern): for Postgres, SSLMode of "require", "verify-ca"
// or "verify-full" triggers an SSLRequest negotiation before the startup
// handshake begins.
func Dial(ctx context.Context, cfg *Config) (conn.Connection, error) {
	switch cfg.Engine {
	case migrate.Postgres:
		return dialPostgres(ctx, cfg)
	case migrate.MySQL:
		return dialMySQL(ctx, cfg)
	default:
		return nil, sqlerr.New(sqlerr.Configuration,
			"sqlite has no in-module driver: supply a conn.Connection via a caller-provided adapter (spec §1 out-of-scope)")
	}
}

func dialNet(ctx context.Context, cfg *Config) (net.Conn, error) {
	var d net.Dialer
	network := "tcp"
	if cfg.Socket != "" {
		network = "unix"
	}
	nc, err := d.DialContext(ctx, network, cfg.Address())
	if err != nil {
		return nil, sqlerr.Wrap(sqlerr.Io, "dial "+cfg.Address(), err)
	}
	return nc, nil
}

func dialPostgres(ctx context.Context, cfg *Config) (conn.Connection, error) {
	nc, err := dialNet(ctx, cfg)
	if err != nil {
		return nil, err
	}

	switch cfg.SSLMode {
	case "require", "verify-ca", "verify-full":
		nc, err = negotiatePostgresTLS(nc, cfg)
		if err != nil {
			return nil, err
		}
	}

	params := map[string]string{}
	if cfg.AppName != "" {
		params["application_name"] = cfg.AppName
	}

	c, err := conn.OpenPG(ctx, nc, conn.PGDialOptions{
		User:          cfg.User,
		Password:      cfg.Password,
		Database:      cfg.Database,
		RuntimeParams: params,
		DialInfo:      cfg.Address(),
	})
	if err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

// negotiatePostgresTLS sends the pre-startup SSLRequest and, if the
// server agrees with a single 'S' byte, wraps nc in a TLS client
// connection. A 'N' response means the server declined; we surface that
// as a Tls error rather than silently falling back to plaintext, since
// the caller asked for an encrypted transport.
func negotiatePostgresTLS(nc net.Conn, cfg *Config) (net.Conn, error) {
	w := wire.NewPGWriter(nc)
	if err := w.WriteUntaggedFrame(pgproto.EncodeSSLRequest()); err != nil {
		nc.Close()
		return nil, sqlerr.Wrap(sqlerr.Io, "send SSLRequest", err)
	}
	if err := w.Flush(); err != nil {
		nc.Close()
		return nil, sqlerr.Wrap(sqlerr.Io, "flush SSLRequest", err)
	}
	resp := make([]byte, 1)
	if _, err := nc.Read(resp); err != nil {
		nc.Close()
		return nil, sqlerr.Wrap(sqlerr.Io, "read SSLRequest response", err)
	}
	if resp[0] != 'S' {
		nc.Close()
		return nil, sqlerr.New(sqlerr.Tls, "server declined SSLRequest")
	}

	tlsCfg := &tls.Config{
		ServerName:         cfg.Host,
		InsecureSkipVerify: cfg.SSLMode == "require",
	}
	tc := tls.Client(nc, tlsCfg)
	if err := tc.Handshake(); err != nil {
		tc.Close()
		return nil, sqlerr.Wrap(sqlerr.Tls, "tls handshake", err)
	}
	return tc, nil
}

func dialMySQL(ctx context.Context, cfg *Config) (conn.Connection, error) {
	nc, err := dialNet(ctx, cfg)
	if err != nil {
		return nil, err
	}

	c, err := conn.OpenMySQL(ctx, nc, conn.MySQLDialOptions{
		User:     cfg.User,
		Password: cfg.Password,
		Database: cfg.Database,
		DialInfo: cfg.Address(),
	})
	if err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}
