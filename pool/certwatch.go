package pool

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	mssql "github.com/tdsclient/mssql"
)

// CertWatcher reloads a Pool's TLS trust roots and client certificate
// from disk whenever the underlying files change, so a rotated
// certificate authority or client identity takes effect on the next
// Dial without an application restart.
type CertWatcher struct {
	mu       sync.Mutex
	cfg      *mssql.Config
	pool     *Pool
	trustBundle string
	clientCert  string
	clientKey   string

	fsWatcher *fsnotify.Watcher
	stopCh    chan struct{}
	doneCh    chan struct{}

	debounce time.Duration
	pending  map[string]struct{}
	timer    *time.Timer

	onReload func(path string)
	onError  func(err error)
}

// CertWatcherOption configures a CertWatcher.
type CertWatcherOption func(*CertWatcher)

// WithOnReload sets a callback invoked after a successful reload.
func WithOnReload(fn func(path string)) CertWatcherOption {
	return func(w *CertWatcher) { w.onReload = fn }
}

// WithOnError sets a callback invoked when a reload fails; the
// previously loaded material is left in place.
func WithOnError(fn func(err error)) CertWatcherOption {
	return func(w *CertWatcher) { w.onError = fn }
}

// NewCertWatcher watches trustBundlePath (a PEM file of trusted CAs)
// and, if non-empty, clientCertPath/clientKeyPath, updating cfg.TLS in
// place and marking p for rotation as they change. cfg must be the
// same *mssql.Config backing p, since Dial reads TLS fields directly
// from it.
func NewCertWatcher(cfg *mssql.Config, p *Pool, trustBundlePath, clientCertPath, clientKeyPath string, opts ...CertWatcherOption) (*CertWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &CertWatcher{
		cfg:         cfg,
		pool:        p,
		trustBundle: trustBundlePath,
		clientCert:  clientCertPath,
		clientKey:   clientKeyPath,
		fsWatcher:   fsw,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		debounce:    250 * time.Millisecond,
		pending:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start performs an initial load and begins watching for changes.
func (w *CertWatcher) Start() error {
	if err := w.reload(); err != nil {
		return err
	}
	for _, path := range w.watchedPaths() {
		// Watch the containing directory: editors and secret-mount
		// updaters (e.g. Kubernetes ConfigMap/Secret volumes) typically
		// replace a file via rename rather than an in-place write, which
		// fsnotify only observes on the directory, not the old inode.
		dir := filepath.Dir(path)
		if err := w.fsWatcher.Add(dir); err != nil {
			return err
		}
	}
	go w.processEvents()
	return nil
}

// Stop stops watching and releases the underlying inotify/kqueue handle.
func (w *CertWatcher) Stop() error {
	close(w.stopCh)
	<-w.doneCh
	return w.fsWatcher.Close()
}

func (w *CertWatcher) watchedPaths() []string {
	paths := []string{w.trustBundle}
	if w.clientCert != "" {
		paths = append(paths, w.clientCert)
	}
	if w.clientKey != "" {
		paths = append(paths, w.clientKey)
	}
	return paths
}

func (w *CertWatcher) processEvents() {
	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
			if w.timer != nil {
				w.timer.Stop()
			}
			return
		case ev, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			if w.onError != nil {
				w.onError(err)
			}
		}
	}
}

func (w *CertWatcher) handleEvent(ev fsnotify.Event) {
	relevant := false
	for _, p := range w.watchedPaths() {
		if filepath.Clean(ev.Name) == filepath.Clean(p) {
			relevant = true
			break
		}
	}
	if !relevant {
		return
	}

	w.mu.Lock()
	w.pending[ev.Name] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.drainPending)
	w.mu.Unlock()
}

func (w *CertWatcher) drainPending() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	if err := w.reload(); err != nil {
		if w.onError != nil {
			w.onError(err)
		}
		return
	}
	if w.onReload != nil {
		for _, p := range paths {
			w.onReload(p)
		}
	}
}

// reload re-reads the trust bundle and client identity from disk and
// swaps them into cfg.TLS. Later Dial calls pick up the new material;
// connections already established keep whatever was negotiated at
// handshake time.
func (w *CertWatcher) reload() error {
	pool := x509.NewCertPool()
	pem, err := os.ReadFile(w.trustBundle)
	if err != nil {
		return err
	}
	if !pool.AppendCertsFromPEM(pem) {
		return &os.PathError{Op: "parse", Path: w.trustBundle, Err: os.ErrInvalid}
	}

	w.mu.Lock()
	w.cfg.TLS.TrustRoots = pool
	if w.clientCert != "" {
		w.cfg.TLS.ClientCertFile = w.clientCert
		w.cfg.TLS.ClientKeyFile = w.clientKey
	}
	w.mu.Unlock()

	if w.pool != nil {
		w.pool.MarkRotate()
	}
	return nil
}
