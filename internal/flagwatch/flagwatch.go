// Package flagwatch keeps an agent's feature flags in step with a flags file.
//
// The file holds a list of flags, in YAML
//
//	flags:
//	  - name: new-checkout
//	    variant: b
//
// or TOML
//
//	[[flags]]
//	name = "new-checkout"
//	variant = "b"
//
// A flag that disappears from the file is cleared on the next reload, but
// only while it still holds the variant the file gave it. A flag the
// application has since set to another variant belongs to the application.
package flagwatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/armorclaw/crashtrail/pkg/featureflag"
	"github.com/armorclaw/crashtrail/pkg/logger"
)

// DefaultDebounce is how long the watcher waits after the last write
const DefaultDebounce = 500 * time.Millisecond

// Target receives flag changes. *agent.Agent satisfies it.
type Target interface {
	AddFeatureFlags(flags ...featureflag.Flag)
	ClearFeatureFlag(name string)
	FeatureFlags() []featureflag.Flag
}

type flagFile struct {
	Flags []featureflag.Flag `toml:"flags" yaml:"flags"`
}

// Watcher loads a flags file into a Target and reloads it on change
type Watcher struct {
	path     string
	target   Target
	watch    bool
	debounce time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	applied map[string]string // name to the variant the file set
	reloads int

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Watcher
type Option func(*Watcher)

// WithWatch enables reloading on file changes
func WithWatch(enabled bool) Option {
	return func(w *Watcher) { w.watch = enabled }
}

// WithDebounce sets the quiet period before a reload
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *logger.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// New creates a watcher for path. Nothing is read until Load or Start.
func New(path string, target Target, opts ...Option) *Watcher {
	w := &Watcher{
		path:     path,
		target:   target,
		debounce: DefaultDebounce,
		log:      logger.Global(),
		applied:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.WithComponent("flagwatch")
	return w
}

// ReadFile parses a flags file. The format follows the extension.
func ReadFile(path string) ([]featureflag.Flag, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read flags file: %w", err)
	}

	var f flagFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &f)
	default:
		err = toml.Unmarshal(data, &f)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse flags file %s: %w", path, err)
	}

	for i, flag := range f.Flags {
		if flag.Name == "" {
			return nil, fmt.Errorf("flags file %s: entry %d has no name", path, i)
		}
	}
	return f.Flags, nil
}

// Load reads the file and applies it to the target. On error the target is
// left unchanged.
func (w *Watcher) Load() error {
	flags, err := ReadFile(w.path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	next := make(map[string]string, len(flags))
	for _, f := range flags {
		next[f.Name] = f.Variant
	}
	current := make(map[string]string)
	for _, f := range w.target.FeatureFlags() {
		current[f.Name] = f.Variant
	}
	for name, variant := range w.applied {
		if _, ok := next[name]; ok {
			continue
		}
		if v, ok := current[name]; ok && v == variant {
			w.target.ClearFeatureFlag(name)
		}
	}
	w.target.AddFeatureFlags(flags...)
	w.applied = next
	w.reloads++

	w.log.Debug("feature flags loaded", "path", w.path, "flags", len(flags))
	return nil
}

// Reloads returns how many times the file has been applied
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

// Start loads the file and, when watching is enabled, reloads it on change
// until Stop is called or ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.Load(); err != nil {
		return err
	}
	if !w.watch {
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	// The directory is watched so editors that replace the file by rename
	// keep being followed
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return fmt.Errorf("failed to watch %q: %w", w.path, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(ctx, fw)

	w.log.Info("watching feature flags", "path", w.path)
	return nil
}

// Stop ends watching and waits for the watch loop to exit
func (w *Watcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context, fw *fsnotify.Watcher) {
	defer close(w.done)
	defer fw.Close()

	target := filepath.Clean(w.path)
	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return

		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(w.debounce, func() {
					if err := w.Load(); err != nil {
						w.log.Warn("feature flag reload failed", "path", w.path, "error", err)
					}
				})
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.log.Warn("file watcher error", "error", err)
		}
	}
}
