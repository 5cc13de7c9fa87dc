// Package filecache is the file collaborator for the gateway: cached
// one-shot reads plus a change-notification fan-out keyed by file path. The
// config store and the login-asset server both read through it; a change
// notification carries no payload beyond "re-read now".
package filecache

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/wudi/authgate/internal/logging"
)

const defaultDebounce = 500 * time.Millisecond

// Cache caches file contents and notifies subscribers on change.
type Cache struct {
	files   *lru.Cache[string, []byte]
	watcher *fsnotify.Watcher

	mu       sync.Mutex
	subs     map[string][]func() // absolute path -> callbacks
	watched  map[string]bool     // directories added to the fs watcher
	pending  map[string]*time.Timer
	debounce time.Duration

	closed chan struct{}
}

// New creates a cache bounded to maxEntries files.
func New(maxEntries int) (*Cache, error) {
	files, err := lru.New[string, []byte](maxEntries)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	c := &Cache{
		files:    files,
		watcher:  watcher,
		subs:     make(map[string][]func()),
		watched:  make(map[string]bool),
		pending:  make(map[string]*time.Timer),
		debounce: defaultDebounce,
		closed:   make(chan struct{}),
	}
	go c.watch()
	return c, nil
}

// SetDebounce sets the change-notification debounce interval.
func (c *Cache) SetDebounce(d time.Duration) {
	c.mu.Lock()
	c.debounce = d
	c.mu.Unlock()
}

// ReadFile returns the contents of path, from cache when possible. The
// context is honored before touching the filesystem so a caller that has
// gone away does not pay for the read.
func (c *Cache) ReadFile(ctx context.Context, path string) ([]byte, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if data, ok := c.files.Get(abs); ok {
		return data, nil
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	c.files.Add(abs, data)
	return data, nil
}

// Subscribe registers fn to run whenever path changes on disk. The cached
// entry is invalidated before fn fires, so a re-read observes fresh bytes.
func (c *Cache) Subscribe(path string, fn func()) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Watch the directory, not the file: editors replace files by rename
	// and a file watch would be lost on the first save.
	dir := filepath.Dir(abs)
	if !c.watched[dir] {
		if err := c.watcher.Add(dir); err != nil {
			return err
		}
		c.watched[dir] = true
	}
	c.subs[abs] = append(c.subs[abs], fn)
	return nil
}

func (c *Cache) watch() {
	for {
		select {
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil {
				continue
			}
			c.files.Remove(abs)
			c.scheduleNotify(abs)

		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("file watcher error", zap.Error(err))

		case <-c.closed:
			return
		}
	}
}

// scheduleNotify debounces rapid event bursts (editors commonly emit several
// writes per save) into a single notification per path.
func (c *Cache) scheduleNotify(abs string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.subs[abs]) == 0 {
		return
	}
	if t, ok := c.pending[abs]; ok {
		t.Stop()
	}
	c.pending[abs] = time.AfterFunc(c.debounce, func() {
		c.mu.Lock()
		delete(c.pending, abs)
		callbacks := make([]func(), len(c.subs[abs]))
		copy(callbacks, c.subs[abs])
		c.mu.Unlock()

		logging.Debug("file changed, notifying subscribers", zap.String("path", abs))
		for _, fn := range callbacks {
			fn()
		}
	})
}

// Close stops watching and releases resources.
func (c *Cache) Close() error {
	close(c.closed)
	return c.watcher.Close()
}
