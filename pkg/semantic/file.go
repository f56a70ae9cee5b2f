package semantic

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	pmerrors "github.com/ha1tch/pgmeta/pkg/errors"
	"github.com/ha1tch/pgmeta/pkg/log"
)

// FileSource reads schema documents (*.json) from a directory. With Watch
// it reloads them when files change; readers see either the old or the new
// snapshot, never a mix.
type FileSource struct {
	mu sync.RWMutex

	root   string
	logger *log.Logger

	tables  []Table
	loaded  time.Time
	version uint64

	// Watching
	fsWatcher     *fsnotify.Watcher
	running       bool
	stopCh        chan struct{}
	doneCh        chan struct{}
	debounceDelay time.Duration
	eventTimer    *time.Timer

	onReload func(tables []Table)
	onError  func(err error)
}

// FileOption configures a FileSource.
type FileOption func(*FileSource)

// WithDebounceDelay sets how long file events are collected before a
// reload. Default is 100ms.
func WithDebounceDelay(d time.Duration) FileOption {
	return func(s *FileSource) {
		s.debounceDelay = d
	}
}

// WithOnReload sets a callback run after each successful reload.
func WithOnReload(fn func(tables []Table)) FileOption {
	return func(s *FileSource) {
		s.onReload = fn
	}
}

// WithOnError sets a callback for failed reloads and watcher errors.
func WithOnError(fn func(err error)) FileOption {
	return func(s *FileSource) {
		s.onError = fn
	}
}

// WithFileLogger sets the logger.
func WithFileLogger(logger *log.Logger) FileOption {
	return func(s *FileSource) {
		s.logger = logger
	}
}

// NewFileSource loads every schema document under root.
func NewFileSource(root string, opts ...FileOption) (*FileSource, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, pmerrors.Wrap(err, pmerrors.ErrCodeSourceLoad, "schema directory").
			WithOp("semantic.NewFileSource").
			WithField("path", root).
			Err()
	}
	if !info.IsDir() {
		return nil, pmerrors.New(pmerrors.ErrCodeSourceLoad, "schema path is not a directory").
			WithOp("semantic.NewFileSource").
			WithField("path", root).
			Err()
	}

	s := &FileSource{
		root:          root,
		logger:        log.Default(),
		debounceDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Tables returns the current snapshot.
func (s *FileSource) Tables(ctx context.Context) ([]Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clone(s.tables), nil
}

// Version increments on every successful reload.
func (s *FileSource) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// LoadedAt returns when the current snapshot was read.
func (s *FileSource) LoadedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

// Reload re-reads every document. On failure the previous snapshot is kept.
func (s *FileSource) Reload() error {
	start := time.Now()

	tables, files, err := loadDir(s.root)
	if err != nil {
		s.logger.Catalog().Error("schema reload failed", err, "root", s.root)
		return err
	}

	s.mu.Lock()
	s.tables = tables
	s.loaded = time.Now()
	s.version++
	s.mu.Unlock()

	s.logger.Catalog().Info("schema loaded",
		"root", s.root,
		"files", files,
		"tables", len(tables),
		"duration", time.Since(start),
	)
	return nil
}

func loadDir(root string) ([]Table, int, error) {
	var paths []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if path != root && strings.HasPrefix(info.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if isSchemaFile(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, 0, pmerrors.Wrap(err, pmerrors.ErrCodeSourceLoad, "walking schema directory").
			WithOp("semantic.loadDir").
			WithField("path", root).
			Err()
	}
	sort.Strings(paths)

	var all []Table
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, 0, pmerrors.Wrap(err, pmerrors.ErrCodeSourceLoad, "opening schema file").
				WithOp("semantic.loadDir").
				WithField("path", path).
				Err()
		}
		tables, err := Decode(f)
		f.Close()
		if err != nil {
			return nil, 0, pmerrors.Wrap(err, pmerrors.GetCode(err), "reading schema file").
				WithOp("semantic.loadDir").
				WithField("path", path).
				Err()
		}
		all = append(all, tables...)
	}

	norm, err := Normalize(all)
	if err != nil {
		return nil, 0, err
	}
	return norm, len(paths), nil
}

func isSchemaFile(path string) bool {
	name := filepath.Base(path)
	return !strings.HasPrefix(name, ".") && strings.EqualFold(filepath.Ext(name), ".json")
}

// Watch starts reloading on file changes until Close.
func (s *FileSource) Watch() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		s.mu.Unlock()
		return pmerrors.Wrap(err, pmerrors.ErrCodeSourceWatch, "creating watcher").
			WithOp("FileSource.Watch").
			Err()
	}
	s.fsWatcher = fsw
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	if err := s.addWatchesRecursive(s.root); err != nil {
		s.Close()
		return pmerrors.Wrap(err, pmerrors.ErrCodeSourceWatch, "watching schema directory").
			WithOp("FileSource.Watch").
			WithField("path", s.root).
			Err()
	}

	s.logger.Catalog().Info("schema watcher started", "root", s.root)

	go s.processEvents()
	return nil
}

// Close stops watching. It is safe to call on a source that never watched.
func (s *FileSource) Close() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh

	s.mu.Lock()
	if s.eventTimer != nil {
		s.eventTimer.Stop()
	}
	s.mu.Unlock()

	s.logger.Catalog().Info("schema watcher stopped", "root", s.root)
	return s.fsWatcher.Close()
}

// IsWatching reports whether the watcher is running.
func (s *FileSource) IsWatching() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *FileSource) addWatchesRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(info.Name(), ".") {
			return filepath.SkipDir
		}
		if err := s.fsWatcher.Add(path); err != nil {
			s.logger.Catalog().Warn("failed to watch directory",
				"path", path,
				"error", err.Error(),
			)
			return nil
		}
		s.logger.Catalog().Debug("watching directory", "path", path)
		return nil
	})
}

func (s *FileSource) processEvents() {
	defer close(s.doneCh)

	for {
		select {
		case <-s.stopCh:
			return

		case event, ok := <-s.fsWatcher.Events:
			if !ok {
				return
			}
			s.handleEvent(event)

		case err, ok := <-s.fsWatcher.Errors:
			if !ok {
				return
			}
			s.logger.Catalog().Error("watcher error", err)
			if s.onError != nil {
				s.onError(err)
			}
		}
	}
}

func (s *FileSource) handleEvent(event fsnotify.Event) {
	if !isSchemaFile(event.Name) {
		if event.Has(fsnotify.Create) {
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				s.fsWatcher.Add(event.Name)
				s.logger.Catalog().Debug("added watch for new directory", "path", event.Name)
			}
		}
		// A removed or renamed directory may have held schema files.
		if !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	if s.eventTimer != nil {
		s.eventTimer.Stop()
	}
	s.eventTimer = time.AfterFunc(s.debounceDelay, s.reloadFromWatch)
}

func (s *FileSource) reloadFromWatch() {
	if err := s.Reload(); err != nil {
		if s.onError != nil {
			s.onError(err)
		}
		return
	}
	if s.onReload != nil {
		tables, _ := s.Tables(context.Background())
		s.onReload(tables)
	}
}
