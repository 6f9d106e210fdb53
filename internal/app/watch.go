package app

import (
	"crypto/tls"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// certReloader serves the exposition certificate and reloads it from disk
// when the key pair changes.
type certReloader struct {
	mu       sync.RWMutex
	log      *logrus.Entry
	certFile string
	keyFile  string
	cert     *tls.Certificate
}

func newCertReloader(certFile, keyFile string, log *logrus.Entry) (*certReloader, error) {
	r := &certReloader{log: log, certFile: certFile, keyFile: keyFile}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *certReloader) reload() error {
	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		return errors.Wrap(err, "loading server certificate")
	}
	r.mu.Lock()
	r.cert = &cert
	r.mu.Unlock()
	return nil
}

func (r *certReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cert, nil
}

func (r *certReloader) owns(path string) bool {
	path = filepath.Clean(path)
	return path == filepath.Clean(r.certFile) || path == filepath.Clean(r.keyFile)
}

// watchFiles follows the configuration, metrics and certificate files until
// the application shuts down. Certificates are reloaded in place, the other
// files only take effect after a restart.
func (app *Application) watchFiles(paths []string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating file watcher")
	}
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := watcher.Add(path); err != nil {
			app.log.WithError(err).Errorf("Failed to watch %s", path)
		}
	}

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				app.handleFileEvent(event)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				app.log.Errorf("File watcher error: %v", err)
			case <-app.shutdown:
				return
			}
		}
	}()
	return nil
}

func (app *Application) handleFileEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	if app.certs != nil && app.certs.owns(event.Name) {
		if err := app.certs.reload(); err != nil {
			app.log.WithError(err).Error("Failed to reload server certificate, keeping the previous one")
			return
		}
		app.log.Info("Server certificate reloaded")
		return
	}
	app.log.Warnf("%s changed, restart the exporter to apply the change", event.Name)
}
