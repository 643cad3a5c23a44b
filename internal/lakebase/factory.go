package lakebase

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/example/lakebase/internal/credential"
)

// ConnectionConfig is the static description of the Lakebase endpoint.
type ConnectionConfig struct {
	Host     string
	Database string
	User     string
	Port     int
	SSLMode  string
}

// String is safe to log.
func (c ConnectionConfig) String() string {
	return fmt.Sprintf("%s@%s:%d/%s (sslmode=%s)", c.User, c.Host, c.Port, c.Database, c.sslMode())
}

func (c ConnectionConfig) sslMode() string {
	if c.SSLMode == "" {
		return "require"
	}
	return c.SSLMode
}

func (c ConnectionConfig) validate() error {
	if c.Host == "" || c.Database == "" || c.User == "" {
		return errors.New("host, database and user are required")
	}
	switch c.sslMode() {
	case "require", "verify-ca", "verify-full":
		return nil
	default:
		return fmt.Errorf("sslmode %q would allow plaintext transport", c.SSLMode)
	}
}

// dsn builds a key/value connection string with the credential as password.
func (c ConnectionConfig) dsn(password string) string {
	port := c.Port
	if port == 0 {
		port = 5432
	}
	parts := []string{
		"host=" + quoteValue(c.Host),
		fmt.Sprintf("port=%d", port),
		"user=" + quoteValue(c.User),
		"dbname=" + quoteValue(c.Database),
		"sslmode=" + c.sslMode(),
		"password=" + quoteValue(password),
	}
	return strings.Join(parts, " ")
}

func quoteValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// TokenSource hands out the current database credential.
type TokenSource interface {
	Token(ctx context.Context) (credential.Credential, error)
}

// Conn is the physical connection held by a Scope.
// *sql.Conn satisfies it.
type Conn interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	Close() error
}

// Opener opens one physical connection per call.
type Opener interface {
	Open(ctx context.Context) (Conn, error)
}

var _ Opener = (*Factory)(nil)

// Factory opens physical connections to Lakebase using a fresh credential lookup
// for every connection. It never pools connections.
type Factory struct {
	cfg     ConnectionConfig
	tokens  TokenSource
	timeout time.Duration
}

// NewFactory validates cfg. A non-zero timeout bounds every WithConnection scope.
func NewFactory(cfg ConnectionConfig, tokens TokenSource, timeout time.Duration) (*Factory, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid connection config: %w", err)
	}
	return &Factory{cfg: cfg, tokens: tokens, timeout: timeout}, nil
}

func (f *Factory) Config() ConnectionConfig { return f.cfg }

// OpenDB returns a handle limited to a single physical connection that has
// already been verified with a ping. The caller must close it.
func (f *Factory) OpenDB(ctx context.Context) (*sql.DB, error) {
	db, _, err := f.openDB(ctx)
	return db, err
}

func (f *Factory) openDB(ctx context.Context) (*sql.DB, *socketDialer, error) {
	cred, err := f.tokens.Token(ctx)
	if err != nil {
		return nil, nil, &ConnectionError{Host: f.cfg.Host, Err: err}
	}

	connector, err := pq.NewConnector(f.cfg.dsn(cred.Token))
	if err != nil {
		return nil, nil, &ConnectionError{Host: f.cfg.Host, Err: err}
	}
	dialer := &socketDialer{}
	connector.Dialer(dialer)
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// pq only sends a cancel request when ctx ends, a server that never
	// answers would keep the ping blocked
	stop := context.AfterFunc(ctx, dialer.interrupt)
	err = db.PingContext(ctx)
	stop()
	if err != nil {
		_ = db.Close()
		return nil, nil, &ConnectionError{Host: f.cfg.Host, Err: withTimeout(ctx, err)}
	}
	return db, dialer, nil
}

// Open implements Opener.
func (f *Factory) Open(ctx context.Context) (Conn, error) {
	db, dialer, err := f.openDB(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, &ConnectionError{Host: f.cfg.Host, Err: withTimeout(ctx, err)}
	}
	return &physicalConn{Conn: conn, db: db, sockets: dialer}, nil
}

// WithConnection runs fn in a scope opened by this factory, bounded by the
// factory's operation timeout when one is configured.
func (f *Factory) WithConnection(ctx context.Context, fn func(*Scope) error) error {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	return WithConnection(ctx, f, fn)
}

type physicalConn struct {
	*sql.Conn
	db      *sql.DB
	sockets *socketDialer
}

func (c *physicalConn) interrupt() { c.sockets.interrupt() }

func (c *physicalConn) Close() error {
	return errors.Join(c.Conn.Close(), c.db.Close())
}

// socketDialer remembers the sockets it dialed so that a statement stuck on a
// silent server can be failed from outside.
type socketDialer struct {
	net.Dialer

	mu    sync.Mutex
	conns []net.Conn
}

func (d *socketDialer) Dial(network, address string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, address)
}

func (d *socketDialer) DialTimeout(network, address string, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return d.DialContext(ctx, network, address)
}

func (d *socketDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	c, err := d.Dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

// interrupt makes every pending and future read or write on the dialed sockets fail.
func (d *socketDialer) interrupt() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.conns {
		_ = c.SetDeadline(time.Now())
	}
}
