package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"io"
	"net"
	"net/url"
	"strconv"
	"sync"

	_ "github.com/SAP/go-hdb/driver"
	"github.com/pkg/errors"
)

const hdbDriverName = "hdb"

// HdbDriver creates go-hdb backed connections.
type HdbDriver struct{}

func (HdbDriver) NewConnection() Connection { return NewDBClient() }

// SupportsStoredKey is false: go-hdb cannot read the hdbuserstore.
func (HdbDriver) SupportsStoredKey() bool { return false }

// DBClient is a single HANA session on top of database/sql.
type DBClient struct {
	mu     sync.Mutex
	conn   *sql.DB
	host   string
	port   int
	params ConnParams
	open   func(dsn string) (*sql.DB, error)
}

func NewDBClient() *DBClient {
	return &DBClient{
		open: func(dsn string) (*sql.DB, error) {
			return sql.Open(hdbDriverName, dsn)
		},
	}
}

// BuildDSN renders the go-hdb DSN for one connection.
func BuildDSN(host string, port int, params ConnParams) string {
	u := &url.URL{
		Scheme: "hdb",
		User:   url.UserPassword(params.User, params.Password),
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
	}
	q := url.Values{}
	if params.DatabaseName != "" {
		q.Set("databaseName", params.DatabaseName)
	}
	if params.Encrypt {
		q.Set("TLSServerName", host)
		if !params.ValidateCertificate {
			q.Set("TLSInsecureSkipVerify", "true")
		}
		if params.TrustStore != "" {
			q.Set("TLSRootCAFile", params.TrustStore)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *DBClient) Connect(ctx context.Context, host string, port int, params ConnParams) error {
	if params.UsesStoredKey() {
		return &ConnectionError{Host: host, Port: port, Err: ErrUnsupportedAuthMode}
	}

	conn, err := c.open(BuildDSN(host, port, params))
	if err != nil {
		return &ConnectionError{Host: host, Port: port, Err: err}
	}
	// one session per client, statements on it are serialized
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return &ConnectionError{Host: host, Port: port, Err: err}
	}

	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.host = host
	c.port = port
	c.params = params
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

func (c *DBClient) Query(ctx context.Context, query string) (*RowSet, error) {
	conn := c.session()
	if conn == nil {
		return nil, &ConnectionError{Host: c.host, Port: c.port, Err: ErrNotConnected}
	}

	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, c.classify(query, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, c.classify(query, err)
	}

	result := &RowSet{Columns: columns}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		dest := make([]interface{}, len(columns))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, c.classify(query, err)
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, c.classify(query, err)
	}
	return result, nil
}

func (c *DBClient) IsConnected(ctx context.Context) bool {
	conn := c.session()
	if conn == nil {
		return false
	}
	return conn.PingContext(ctx) == nil
}

// Reconnect reopens the session with the parameters of the last successful Connect.
func (c *DBClient) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	host, port, params, opened := c.host, c.port, c.params, c.conn != nil
	c.mu.Unlock()
	if !opened {
		return &ConnectionError{Host: host, Port: port, Err: ErrNotConnected}
	}
	return c.Connect(ctx, host, port, params)
}

func (c *DBClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *DBClient) session() *sql.DB {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// classify separates session loss from statement failures.
func (c *DBClient) classify(query string, err error) error {
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) ||
		errors.Is(err, sql.ErrConnDone) || errors.As(err, &netErr) {
		return &ConnectionError{Host: c.host, Port: c.port, Err: err}
	}
	return &QueryError{Query: query, Err: err}
}
