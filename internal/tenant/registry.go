package tenant

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Registry holds the loaded profiles and rewrites them when the profile
// directory changes on disk. Change hooks let dependents such as the
// retrieval cache and the response cache invalidate per tenant.
type Registry struct {
	dir string
	log zerolog.Logger

	mu       sync.RWMutex
	profiles map[string]*Profile
	byPath   map[string]string

	hookMu   sync.Mutex
	onChange []func(tenantID string)

	watcher *fsnotify.Watcher
}

func NewRegistry(dir string, log zerolog.Logger) (*Registry, error) {
	r := &Registry{
		dir:      dir,
		log:      log,
		profiles: make(map[string]*Profile),
		byPath:   make(map[string]string),
	}
	if err := r.loadDir(); err != nil {
		return nil, err
	}
	return r, nil
}

// OnChange registers a hook called with the tenant id whenever its profile
// is loaded, replaced, or removed. Hooks run on the watcher goroutine and
// must not block.
func (r *Registry) OnChange(fn func(tenantID string)) {
	r.hookMu.Lock()
	r.onChange = append(r.onChange, fn)
	r.hookMu.Unlock()
}

// Lookup returns the profile for a tenant id.
func (r *Registry) Lookup(tenantID string) (*Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}
	return p, nil
}

// List returns the loaded tenant ids.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.profiles))
	for id := range r.profiles {
		ids = append(ids, id)
	}
	return ids
}

// Watch follows the profile directory until the context ends. Modified and
// created files are reloaded in place; removed files drop their tenant.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", r.dir, err)
	}
	r.watcher = watcher

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				r.handleEvent(ev)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.log.Warn().Err(err).Msg("profile watcher error")
			}
		}
	}()
	return nil
}

func (r *Registry) handleEvent(ev fsnotify.Event) {
	if !isProfileFile(ev.Name) {
		return
	}
	switch {
	case ev.Op&(fsnotify.Write|fsnotify.Create) != 0:
		if tenantID, err := r.reloadFile(ev.Name); err != nil {
			r.log.Error().Err(err).Str("path", ev.Name).Msg("profile reload failed")
		} else {
			r.log.Info().Str("tenant", tenantID).Msg("profile reloaded")
			r.notify(tenantID)
		}
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		if tenantID, ok := r.removePath(ev.Name); ok {
			r.log.Info().Str("tenant", tenantID).Msg("profile removed")
			r.notify(tenantID)
		}
	}
}

func (r *Registry) loadDir() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("read profile dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isProfileFile(entry.Name()) {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		if _, err := r.reloadFile(path); err != nil {
			return err
		}
	}
	r.log.Info().Int("tenants", len(r.profiles)).Str("dir", r.dir).Msg("tenant profiles loaded")
	return nil
}

func (r *Registry) reloadFile(path string) (string, error) {
	profile, err := loadProfileFile(path)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	// A profile renamed inside its file must not leave the old id behind.
	if oldID, ok := r.byPath[path]; ok && oldID != profile.ID {
		delete(r.profiles, oldID)
	}
	r.profiles[profile.ID] = profile
	r.byPath[path] = profile.ID
	return profile.ID, nil
}

func (r *Registry) removePath(path string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tenantID, ok := r.byPath[path]
	if !ok {
		return "", false
	}
	delete(r.byPath, path)
	delete(r.profiles, tenantID)
	return tenantID, true
}

func (r *Registry) notify(tenantID string) {
	r.hookMu.Lock()
	hooks := append([]func(string){}, r.onChange...)
	r.hookMu.Unlock()
	for _, fn := range hooks {
		fn(tenantID)
	}
}
