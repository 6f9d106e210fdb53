package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidCredentials is returned when no usable credential was supplied or
	// the stored key was rejected by the server.
	ErrInvalidCredentials = errors.New("userkey or user/password pair must be provided")

	// ErrUnsupportedAuthMode is returned when a stored key is requested from a
	// driver that cannot use one.
	ErrUnsupportedAuthMode = errors.New("userkey usage is not supported by the database driver")

	// ErrConnectionTimeout is returned when the system database cannot be reached
	// before the startup deadline.
	ErrConnectionTimeout = errors.New("timeout reached connecting the System database")

	// ErrNotConnected is returned by operations on a connection that was never opened.
	ErrNotConnected = errors.New("not connected to database")
)

// invalidKeyMessage is reported by the server when a stored key cannot be resolved.
const invalidKeyMessage = "invalid value for key"

// ConnectionError reports a failure to open or keep a database session.
type ConnectionError struct {
	Host string
	Port int
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s:%d failed: %v", e.Host, e.Port, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// QueryError reports a failure of one statement on an otherwise healthy session.
type QueryError struct {
	Query string
	Err   error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query failed: %v", e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// IsInvalidKey reports whether err is a connection error caused by an unknown
// stored key. Retrying such a connection can never succeed.
func IsInvalidKey(err error) bool {
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		return false
	}
	return strings.Contains(strings.ToLower(connErr.Error()), invalidKeyMessage)
}

// AuthParams holds the resolved authentication settings shared by every
// connection of one exporter process.
type AuthParams struct {
	StoredKey           string
	User                string
	Password            string
	Encrypt             bool
	ValidateCertificate bool
	// TrustStore is a PEM bundle path. Empty means the system roots.
	TrustStore string
}

// UsesStoredKey reports whether the stored key takes precedence over user/password.
func (a AuthParams) UsesStoredKey() bool {
	return a.StoredKey != ""
}

// ConnParams are the per-connection parameters passed to Connect.
type ConnParams struct {
	AuthParams
	DatabaseName string
}

// Connection is a live session to one database instance, either the system
// database or one tenant.
type Connection interface {
	Connect(ctx context.Context, host string, port int, params ConnParams) error
	Query(ctx context.Context, query string) (*RowSet, error)
	IsConnected(ctx context.Context) bool
	Reconnect(ctx context.Context) error
	Close() error
}

// Driver creates connections and describes the features of the underlying
// database client.
type Driver interface {
	NewConnection() Connection
	SupportsStoredKey() bool
}

// RowSet is the result of one query: ordered column names and row tuples
// positionally aligned to them.
type RowSet struct {
	Columns []string
	Rows    [][]interface{}
}

// Field is one column/value pair of a record.
type Field struct {
	Column string
	Value  interface{}
}

// Record is one row keyed by column, in column order.
type Record []Field

// Get returns the value of the column matching name case-insensitively.
func (r Record) Get(name string) (interface{}, bool) {
	for _, f := range r {
		if strings.EqualFold(f.Column, name) {
			return f.Value, true
		}
	}
	return nil, false
}

// Records shapes the row set into ordered column/value records.
func (rs *RowSet) Records() []Record {
	if rs == nil {
		return nil
	}
	records := make([]Record, 0, len(rs.Rows))
	for _, row := range rs.Rows {
		record := make(Record, 0, len(rs.Columns))
		for i, column := range rs.Columns {
			var value interface{}
			if i < len(row) {
				value = row[i]
			}
			record = append(record, Field{Column: column, Value: value})
		}
		records = append(records, record)
	}
	return records
}
