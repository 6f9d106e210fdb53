package app

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/barryq93/promHANA/internal/collector"
	"github.com/barryq93/promHANA/internal/db"
	"github.com/barryq93/promHANA/internal/metrics"
	"github.com/barryq93/promHANA/internal/secrets"
	"github.com/barryq93/promHANA/internal/types"
	"github.com/barryq93/promHANA/internal/utils"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/juju/ratelimit"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Options are the command line settings of the exporter.
type Options struct {
	ConfigFile  string
	MetricsFile string
	Daemon      bool
	Verbosity   string

	// Driver opens the database sessions. Defaults to the SAP HANA driver.
	Driver db.Driver
	// Secrets resolves hana.aws_secret_name. Defaults to AWS Secrets Manager.
	Secrets CredentialSource
}

// configureLogger applies the logging section and returns the log file closer.
var configureLogger = utils.ConfigureLogger

// CredentialSource returns the database credentials stored under a secret name.
type CredentialSource interface {
	GetCredentials(ctx context.Context, secretName string) (secrets.Credentials, error)
}

type Application struct {
	config     types.Config
	log        *logrus.Entry
	logCloser  io.Closer
	manager    *db.Manager
	collectors *collector.Collectors
	registry   *prometheus.Registry
	server     *http.Server
	listener   net.Listener
	certs      *certReloader
	cancel     context.CancelFunc
	shutdown   chan struct{}
	wg         sync.WaitGroup
	once       sync.Once
}

// NewApplication loads the configuration and the metrics catalog, connects to
// the databases and starts serving /metrics. ctx bounds the startup only.
// Everything acquired before a startup failure is released.
func NewApplication(ctx context.Context, opts Options, logger *logrus.Logger) (_ *Application, err error) {
	log := logrus.NewEntry(logger)

	config, err := LoadConfig(opts.ConfigFile, log)
	if err != nil {
		return nil, errors.Wrap(err, "loading config")
	}
	logCloser := configureLogger(logger, config.Logging, os.Stdout)

	var (
		manager *db.Manager
		app     *Application
	)
	defer func() {
		if err == nil {
			return
		}
		if app != nil {
			app.Shutdown()
			return
		}
		if manager != nil {
			manager.Close()
		}
		if logCloser != nil {
			logCloser.Close()
		}
	}()
	if opts.Verbosity != "" {
		utils.SetLogLevel(logger, opts.Verbosity)
	}

	metricsFile, err := LookupMetricsFile(opts.MetricsFile)
	if err != nil {
		return nil, errors.Wrap(err, "metrics file")
	}
	catalog, err := metrics.Load(metricsFile)
	if err != nil {
		return nil, errors.Wrap(err, "loading metrics")
	}

	if config.Hana.AWSSecretName != "" {
		log.Info("AWS secret name is going to be used to read the database username and password")
		source := opts.Secrets
		if source == nil {
			source = secrets.NewClient(secrets.DefaultMetadataURL, log)
		}
		creds, err := source.GetCredentials(ctx, config.Hana.AWSSecretName)
		if err != nil {
			return nil, err
		}
		config.Hana.User, config.Hana.Password = creds.Username, creds.Password
	}

	driver := opts.Driver
	if driver == nil {
		driver = db.HdbDriver{}
	}
	manager = db.NewManager(driver, log)
	auth, err := manager.ResolveAuth(config.Hana.UserKey, config.Hana.User, config.Hana.Password, db.TLSOptions{
		Enabled:             config.Hana.SSL,
		ValidateCertificate: config.Hana.SSLValidateCert,
		TrustStore:          config.Hana.SSLTrustStore,
	})
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(config.Timeout) * time.Second
	if err := manager.Start(ctx, config.Hana.Host, config.Hana.Port, auth, config.MultiTenant, timeout); err != nil {
		return nil, err
	}

	scrapeCtx, cancel := context.WithCancel(context.Background())
	app = &Application{
		config:    config,
		log:       log,
		logCloser: logCloser,
		manager:   manager,
		registry:  prometheus.NewRegistry(),
		cancel:    cancel,
		shutdown:  make(chan struct{}),
	}

	telemetry := collector.NewTelemetry()
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := telemetry.Register(app.registry); err != nil {
		return nil, errors.Wrap(err, "registering exporter telemetry")
	}
	app.collectors = collector.NewCollectors(scrapeCtx, manager.GetConnections(), catalog, telemetry, log)
	if err := app.registry.Register(app.collectors); err != nil {
		return nil, errors.Wrap(err, "registering collectors")
	}
	log.Info("exporter successfully registered")

	if err := app.startHTTPServer(); err != nil {
		return nil, err
	}
	log.Info("starting to serve metrics")

	if err := app.watchFiles([]string{opts.ConfigFile, metricsFile, config.Server.CertFile, config.Server.KeyFile}); err != nil {
		log.WithError(err).Warn("configuration changes will not be detected")
	}

	if opts.Daemon {
		app.notifyReady()
	}
	return app, nil
}

// Addr returns the address /metrics is served on.
func (app *Application) Addr() string {
	if app.listener == nil {
		return ""
	}
	return app.listener.Addr().String()
}

func (app *Application) routes() http.Handler {
	mux := http.NewServeMux()

	metricsHandler := promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{
		ErrorLog:      app.log.WithField("component", "promhttp"),
		ErrorHandling: promhttp.ContinueOnError,
	})
	mux.Handle("/metrics", app.rateLimit(
		utils.BasicAuthHandler(app.config.BasicAuth.Username, app.config.BasicAuth.Password, metricsHandler),
	))
	mux.HandleFunc("/health", app.healthHandler)
	return mux
}

// rateLimit rejects requests beyond server.rate_limit_requests per second.
// A zero rate disables the limit.
func (app *Application) rateLimit(h http.Handler) http.Handler {
	rate := app.config.Server.RateLimitRequests
	if rate <= 0 {
		return h
	}
	burst := app.config.Server.RateLimitBurst
	if burst <= 0 {
		burst = rate
	}
	bucket := ratelimit.NewBucketWithRate(float64(rate), int64(burst))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if bucket.TakeAvailable(1) == 0 {
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func (app *Application) startHTTPServer() error {
	addr := net.JoinHostPort(app.config.ListenAddress, strconv.Itoa(app.config.ExpositionPort))
	server := &http.Server{
		Addr:              addr,
		Handler:           app.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if app.config.Server.UseHTTPS {
		tlsConfig, err := app.tlsConfig()
		if err != nil {
			return err
		}
		server.TLSConfig = tlsConfig
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", addr)
	}
	app.server = server
	app.listener = ln

	go func() {
		var err error
		if server.TLSConfig != nil {
			err = server.ServeTLS(ln, "", "")
		} else {
			err = server.Serve(ln)
		}
		if err != nil && err != http.ErrServerClosed {
			app.log.Errorf("HTTP server failed: %v", err)
		}
	}()
	return nil
}

func (app *Application) tlsConfig() (*tls.Config, error) {
	certs, err := newCertReloader(app.config.Server.CertFile, app.config.Server.KeyFile, app.log)
	if err != nil {
		return nil, err
	}
	app.certs = certs

	tlsConfig := &tls.Config{
		MinVersion:     tls.VersionTLS13,
		GetCertificate: certs.GetCertificate,
	}
	if caFile := app.config.Server.ClientCACertFile; caFile != "" {
		caCert, err := os.ReadFile(caFile)
		if err != nil {
			return nil, errors.Wrap(err, "reading client CA certificate")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errors.Errorf("no certificate found in %s", caFile)
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsConfig, nil
}

func (app *Application) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := struct {
		Status    string             `json:"status"`
		Databases []collector.Status `json:"databases"`
	}{
		Status:    "healthy",
		Databases: app.collectors.Status(r.Context()),
	}
	for _, d := range status.Databases {
		if !d.Connected {
			status.Status = "degraded"
		}
	}
	if len(status.Databases) == 0 {
		status.Status = "unhealthy"
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		app.log.Errorf("Failed to encode health response: %v", err)
	}
}

// notifyReady reports readiness to systemd. Running outside systemd is fine.
func (app *Application) notifyReady() {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	switch {
	case err != nil:
		app.log.WithError(err).Warn("systemd readiness notification failed")
	case !sent:
		app.log.Info("not running under systemd, readiness notification skipped")
	default:
		app.log.Info("readiness notified to systemd")
	}
}

// Shutdown stops the HTTP server and the watchers and closes every database
// connection. It is safe to call more than once.
func (app *Application) Shutdown() {
	app.once.Do(func() {
		close(app.shutdown)
		if app.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(app.config.Server.ShutdownTimeout)*time.Second)
			if err := app.server.Shutdown(ctx); err != nil {
				app.log.Errorf("Server shutdown failed: %v", err)
			}
			cancel()
		}
		app.cancel()
		app.wg.Wait()
		app.manager.Close()
		if app.logCloser != nil {
			if err := app.logCloser.Close(); err != nil {
				app.log.Errorf("Failed to close log file: %v", err)
			}
		}
	})
}
