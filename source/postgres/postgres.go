// Package postgres implements the replication source capability set against
// a PostgreSQL database: catalog introspection, type mapping, and batched
// extraction over a server-side cursor.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/colrep/colrep/tunnel"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Config tells the source how to connect to the database.
type Config struct {
	Host     string         `json:"host" jsonschema:"title=Host,description=Host at which the database can be reached."`
	Port     int            `json:"port,omitempty" jsonschema:"title=Port,description=Port at which the database can be reached. Defaults to 5432.,default=5432"`
	Database string         `json:"database" jsonschema:"title=Database,description=Logical database name to replicate from."`
	User     string         `json:"user" jsonschema:"title=User,description=The database user to authenticate as."`
	Password string         `json:"password" jsonschema:"title=Password,description=Password for the specified database user." jsonschema_extras:"secret=true"`
	Tunnel   *tunnel.Config `json:"tunnel,omitempty" jsonschema:"title=SSH Tunnel,description=Optional SSH tunnel through which the database is reached."`
}

// Validate checks that the configuration possesses all required properties.
func (c *Config) Validate() error {
	var requiredProperties = [][]string{
		{"host", c.Host},
		{"database", c.Database},
		{"user", c.User},
		{"password", c.Password},
	}
	for _, req := range requiredProperties {
		if req[1] == "" {
			return fmt.Errorf("missing '%s'", req[0])
		}
	}
	return c.Tunnel.Validate()
}

// SetDefaults fills in the default values for unset optional parameters.
func (c *Config) SetDefaults() {
	if c.Port == 0 {
		c.Port = 5432
	}
}

// Address returns the host:port the database listens on.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ToURI converts the Config to a DSN string for the given address, which may
// be the configured one or a local tunnel endpoint.
func (c *Config) ToURI(address string) string {
	var uri = url.URL{
		Scheme: "postgres",
		Host:   address,
		User:   url.UserPassword(c.User, c.Password),
	}
	if c.Database != "" {
		uri.Path = "/" + c.Database
	}
	return uri.String()
}

// Source is an open PostgreSQL replication source. It owns one database
// connection pool (and the SSH tunnel, when one is configured) for the life
// of a run.
type Source struct {
	cfg    Config
	db     *sql.DB
	tun    *tunnel.Tunnel
	logger *logrus.Entry

	// Reserved words of the dialect, used for identifier escaping decisions.
	keywords map[string]struct{}
}

// Characters which force an identifier to be quoted when they appear in a
// column name.
const specialCharacters = " !\"#$%&'()*+,./:;<=>?@[\\]^`{|}~"

// Open connects to the database, optionally by way of an SSH tunnel, and
// loads the dialect's reserved keyword set.
func Open(ctx context.Context, cfg Config, logger *logrus.Entry) (*Source, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid source configuration: %w", err)
	}

	var address = cfg.Address()
	var tun *tunnel.Tunnel
	if cfg.Tunnel.InUse() {
		var err error
		if tun, err = cfg.Tunnel.Start(address, logger); err != nil {
			return nil, fmt.Errorf("starting ssh tunnel: %w", err)
		}
		address = tun.Addr()
	}

	logger.WithFields(logrus.Fields{
		"address":  address,
		"user":     cfg.User,
		"database": cfg.Database,
	}).Info("connecting to database")

	var db, err = sql.Open("pgx", cfg.ToURI(address))
	if err != nil {
		tun.Stop()
		return nil, fmt.Errorf("error opening database connection: %w", err)
	} else if err := db.PingContext(ctx); err != nil {
		db.Close()
		tun.Stop()
		return nil, fmt.Errorf("error pinging database: %w", err)
	}

	var src = &Source{cfg: cfg, db: db, tun: tun, logger: logger}
	src.loadKeywords(ctx)
	return src, nil
}

// Name identifies the source for logging.
func (s *Source) Name() string {
	return fmt.Sprintf("%s/%s", s.cfg.Address(), s.cfg.Database)
}

// Close releases the connection pool and tears down the tunnel, if any.
func (s *Source) Close() error {
	var err = s.db.Close()
	s.tun.Stop()
	return err
}

// loadKeywords fetches the server's reserved keyword list. A failure here is
// survivable: escaping decisions fall back to the special-character rule.
func (s *Source) loadKeywords(ctx context.Context) {
	s.keywords = make(map[string]struct{})

	const query = `SELECT word FROM pg_catalog.pg_get_keywords() WHERE catcode = 'R'`
	var rows, err = s.db.QueryContext(ctx, query)
	if err != nil {
		s.logger.WithError(err).Warn("failed to load reserved keywords")
		return
	}
	defer rows.Close()

	for rows.Next() {
		var word string
		if err := rows.Scan(&word); err != nil {
			s.logger.WithError(err).Warn("failed to scan reserved keyword")
			return
		}
		s.keywords[word] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		s.logger.WithError(err).Warn("failed to list reserved keywords")
	}
}

// escapeIdentifier quotes a column name when it collides with a reserved
// keyword or contains characters outside the safe set. Quoted identifiers can
// contain any character; embedded double quotes are written doubled.
func (s *Source) escapeIdentifier(name string) string {
	var _, reserved = s.keywords[strings.ToLower(name)]
	if reserved || strings.ContainsAny(name, specialCharacters) {
		return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
	}
	return name
}
