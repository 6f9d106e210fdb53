package db

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// RetryInterval is the pause between two system database connection attempts.
	RetryInterval = 15 * time.Second

	systemDatabaseName = "SYSTEMDB"

	// TenantDataQuery lists the SQL endpoint of every database coordinator.
	TenantDataQuery = `SELECT DATABASE_NAME, SQL_PORT FROM SYS_DATABASES.M_SERVICES
WHERE COORDINATOR_TYPE = 'MASTER' AND SQL_PORT <> 0`
)

// TLSOptions are the user supplied TLS settings before resolution.
type TLSOptions struct {
	Enabled             bool
	ValidateCertificate bool
	TrustStore          string
}

// Tenant identifies one tenant database by name and SQL port.
type Tenant struct {
	Name string
	Port int
}

// Manager owns the system database connection and the tenant connections
// discovered from it.
type Manager struct {
	log           *logrus.Entry
	driver        Driver
	system        Connection
	connections   []Connection
	retryInterval time.Duration
	now           func() time.Time
	sleep         func(ctx context.Context, d time.Duration) error
}

func NewManager(driver Driver, log *logrus.Entry) *Manager {
	return &Manager{
		log:           log.WithField("component", "db_manager"),
		driver:        driver,
		system:        driver.NewConnection(),
		retryInterval: RetryInterval,
		now:           time.Now,
		sleep:         sleepContext,
	}
}

// ResolveAuth validates the credentials and settles the authentication mode
// used by every connection of this manager.
func (m *Manager) ResolveAuth(storedKey, user, password string, tls TLSOptions) (AuthParams, error) {
	if storedKey == "" && (user == "" || password == "") {
		return AuthParams{}, errors.Wrap(ErrInvalidCredentials, "provided user data is not valid")
	}

	auth := AuthParams{User: user, Password: password}
	if storedKey != "" {
		if !m.driver.SupportsStoredKey() {
			return AuthParams{}, ErrUnsupportedAuthMode
		}
		m.log.Infof("stored user key %s will be used to connect to the database", storedKey)
		if user != "" || password != "" {
			m.log.Warn("userkey will be used to create the connection. user/password are omitted")
		}
		auth.StoredKey = storedKey
	} else {
		m.log.Info("user/password combination will be used to connect to the database")
	}

	if tls.Enabled {
		m.log.Info("Using ssl connection...")
		auth.Encrypt = true
		auth.ValidateCertificate = tls.ValidateCertificate
		auth.TrustStore = m.resolveTrustStore(tls.TrustStore)
	}
	return auth, nil
}

func (m *Manager) resolveTrustStore(path string) string {
	if path == "" {
		m.log.Warn("no trusted root bundle configured, falling back to the system trust store")
		return ""
	}
	if _, err := os.Stat(path); err != nil {
		m.log.WithError(err).Warnf("trusted root bundle %s is not available, falling back to the system trust store", path)
		return ""
	}
	return path
}

// Start connects to the system database, retrying until timeout elapses, and
// then to every tenant when multiTenant is set.
func (m *Manager) Start(ctx context.Context, host string, port int, auth AuthParams, multiTenant bool, timeout time.Duration) error {
	params := ConnParams{AuthParams: auth}

	current := m.now()
	deadline := current.Add(timeout)
	for !current.After(deadline) {
		err := m.system.Connect(ctx, host, port, params)
		if err == nil {
			m.connections = append(m.connections, m.system)
			if multiTenant {
				m.connectTenants(ctx, host, auth)
			}
			return nil
		}

		m.log.Errorf("the connection to the system database failed. error message: %v", err)
		if IsInvalidKey(err) {
			return errors.Wrap(ErrInvalidCredentials, "provided userkey is not valid")
		}
		if errors.Is(err, ErrUnsupportedAuthMode) {
			return err
		}
		if err := m.sleep(ctx, m.retryInterval); err != nil {
			return errors.Wrap(err, "waiting for the system database")
		}
		current = m.now()
	}
	return ErrConnectionTimeout
}

// GetConnections returns the live connections, system database first.
func (m *Manager) GetConnections() []Connection {
	conns := make([]Connection, len(m.connections))
	copy(conns, m.connections)
	return conns
}

func (m *Manager) Close() {
	for _, conn := range m.connections {
		if err := conn.Close(); err != nil {
			m.log.WithError(err).Warn("closing database connection")
		}
	}
	m.connections = nil
}

func (m *Manager) tenants(ctx context.Context) ([]Tenant, error) {
	result, err := m.system.Query(ctx, TenantDataQuery)
	if err != nil {
		return nil, err
	}

	var tenants []Tenant
	for _, record := range result.Records() {
		rawName, _ := record.Get("DATABASE_NAME")
		name := fmt.Sprint(stringValue(rawName))
		if strings.EqualFold(name, systemDatabaseName) {
			continue
		}
		rawPort, _ := record.Get("SQL_PORT")
		port, err := intValue(rawPort)
		if err != nil {
			m.log.WithError(err).Warnf("tenant %s has an invalid SQL port", name)
			continue
		}
		if port == 0 {
			continue
		}
		tenants = append(tenants, Tenant{Name: name, Port: port})
	}
	return tenants, nil
}

func (m *Manager) connectTenants(ctx context.Context, host string, auth AuthParams) {
	tenants, err := m.tenants(ctx)
	if err != nil {
		m.log.WithError(err).Error("tenant discovery failed, only the system database is monitored")
		return
	}

	for _, tenant := range tenants {
		params := ConnParams{AuthParams: auth}
		// stored keys are scoped per host:port, the database name selects the tenant
		if auth.UsesStoredKey() {
			params.DatabaseName = tenant.Name
		}
		conn := m.driver.NewConnection()
		if err := conn.Connect(ctx, host, tenant.Port, params); err != nil {
			m.log.Warnf("Could not connect to TENANT database %s with error: %v", tenant.Name, err)
			continue
		}
		m.connections = append(m.connections, conn)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func stringValue(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func intValue(v interface{}) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(n))
	case []byte:
		return strconv.Atoi(strings.TrimSpace(string(n)))
	case nil:
		return 0, errors.New("no value")
	default:
		return 0, errors.Errorf("unexpected type %T", v)
	}
}
