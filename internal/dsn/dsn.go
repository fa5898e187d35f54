// Package dsn parses connection URLs and resolves the fields they leave
// unspecified from standard Postgres environment variables and the
// ~/.pgpass passfile, per spec §6.
package dsn

import (
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/sqlx-go/sqlx/internal/migrate"
	"github.com/sqlx-go/sqlx/internal/sqlerr"
)

// Config is a fully-resolved set of connection parameters for one of
// the three backends.
type Config struct {
	Engine      migrate.Engine
	Host        string // may be a directory path, from which Socket is then derived
	Port        uint16
	Socket      string // Unix-domain socket file: MySQL's ?socket=, or <Host>/.s.PGSQL.<port> when Host is a directory
	User        string
	Password    string
	Database    string
	SSLMode     string
	SSLRootCert string
	SSLCert     string
	SSLKey      string
	Options     string
	AppName     string
	Params      map[string]string
}

// Parse decodes a connection URL of the form
// scheme://[user[:password]@][host[:port]]/[database][?k=v&...],
// filling in anything left unspecified from environment variables
// (Postgres only) and, if still no password, ~/.pgpass.
func Parse(raw string) (*Config, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, sqlerr.Wrap(sqlerr.Configuration, "parse connection url", err)
	}

	cfg := &Config{Params: map[string]string{}}
	switch strings.ToLower(u.Scheme) {
	case "postgres", "postgresql":
		cfg.Engine = migrate.Postgres
	case "mysql":
		cfg.Engine = migrate.MySQL
	case "sqlite", "sqlite3", "file":
		cfg.Engine = migrate.SQLite
	default:
		return nil, sqlerr.New(sqlerr.Configuration, "unrecognized connection url scheme "+u.Scheme)
	}

	if u.User != nil {
		cfg.User = u.User.Username()
		cfg.Password, _ = u.User.Password()
	}

	host := u.Hostname()
	if strings.HasPrefix(host, "%2F") || strings.HasPrefix(host, "/") {
		decoded, err := url.PathUnescape(host)
		if err != nil {
			return nil, sqlerr.Wrap(sqlerr.Configuration, "decode unix socket directory", err)
		}
		cfg.Host = decoded
	} else {
		cfg.Host = host
	}
	if p := u.Port(); p != "" {
		port, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return nil, sqlerr.Wrap(sqlerr.Configuration, "parse port", err)
		}
		cfg.Port = uint16(port)
	}

	cfg.Database = strings.TrimPrefix(u.Path, "/")

	q := u.Query()
	for k, vs := range q {
		if len(vs) > 0 {
			cfg.Params[k] = vs[len(vs)-1]
		}
	}
	cfg.SSLMode = q.Get("sslmode")
	if cfg.Engine == migrate.MySQL {
		if socket := q.Get("socket"); socket != "" {
			cfg.Socket = socket
		}
	}

	if cfg.Engine == migrate.Postgres {
		fillFromPostgresEnv(cfg)
	}
	if cfg.Password == "" {
		if pw, ok := lookupPassfile(cfg); ok {
			cfg.Password = pw
		}
	}
	if cfg.Host != "" && strings.HasPrefix(cfg.Host, string(filepath.Separator)) {
		cfg.Socket = filepath.Join(cfg.Host, ".s.PGSQL."+portString(cfg.Port))
	}
	return cfg, nil
}

func portString(p uint16) string {
	if p == 0 {
		return "5432"
	}
	return strconv.Itoa(int(p))
}

// fillFromPostgresEnv fills any field Parse left blank from the
// standard PG* environment variables, per spec §6.
func fillFromPostgresEnv(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = os.Getenv("PGHOST")
	}
	if cfg.Port == 0 {
		if p := os.Getenv("PGPORT"); p != "" {
			if port, err := strconv.ParseUint(p, 10, 16); err == nil {
				cfg.Port = uint16(port)
			}
		}
	}
	if cfg.User == "" {
		cfg.User = os.Getenv("PGUSER")
	}
	if cfg.Password == "" {
		cfg.Password = os.Getenv("PGPASSWORD")
	}
	if cfg.Database == "" {
		cfg.Database = os.Getenv("PGDATABASE")
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = os.Getenv("PGSSLMODE")
	}
	if cfg.SSLRootCert == "" {
		cfg.SSLRootCert = os.Getenv("PGSSLROOTCERT")
	}
	if cfg.SSLCert == "" {
		cfg.SSLCert = os.Getenv("PGSSLCERT")
	}
	if cfg.SSLKey == "" {
		cfg.SSLKey = os.Getenv("PGSSLKEY")
	}
	if cfg.Options == "" {
		cfg.Options = os.Getenv("PGOPTIONS")
	}
	if cfg.AppName == "" {
		cfg.AppName = os.Getenv("PGAPPNAME")
	}
}

func passfilePath() string {
	if p := os.Getenv("PGPASSFILE"); p != "" {
		return p
	}
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("APPDATA"), "postgresql", "pgpass.conf")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".pgpass")
}

// lookupPassfile scans ~/.pgpass for a host:port:database:user:password
// line matching cfg, per spec §6. "*" matches any field in that
// position; a backslash escapes a literal ":" or "\" within a field.
func lookupPassfile(cfg *Config) (string, bool) {
	path := passfilePath()
	if path == "" {
		return "", false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}

	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := portString(cfg.Port)

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := splitPassfileLine(line)
		if len(fields) != 5 {
			continue
		}
		if passfileMatch(fields[0], host) && passfileMatch(fields[1], port) &&
			passfileMatch(fields[2], cfg.Database) && passfileMatch(fields[3], cfg.User) {
			return fields[4], true
		}
	}
	return "", false
}

func passfileMatch(field, value string) bool {
	return field == "*" || field == value
}

// splitPassfileLine splits on unescaped colons.
func splitPassfileLine(line string) []string {
	var fields []string
	var cur strings.Builder
	escaped := false
	for _, r := range line {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == ':':
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	fields = append(fields, cur.String())
	return fields
}

// Address returns the network address to dial: a Unix socket path when
// Socket is set, otherwise host:port via net.JoinHostPort.
func (c *Config) Address() string {
	if c.Socket != "" {
		return c.Socket
	}
	port := c.Port
	if port == 0 {
		port = defaultPort(c.Engine)
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(int(port)))
}

func defaultPort(e migrate.Engine) uint16 {
	switch e {
	case migrate.MySQL:
		return 3306
	default:
		return 5432
	}
}
