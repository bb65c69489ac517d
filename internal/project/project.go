// Package project assembles the per-directory stack (history store, session
// manager, engine bridge, client hub, file watcher) and the registry that
// keys those contexts by slug.
package project

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ehrlich-b/perch/internal/bridge"
	"github.com/ehrlich-b/perch/internal/config"
	"github.com/ehrlich-b/perch/internal/engine"
	"github.com/ehrlich-b/perch/internal/history"
	"github.com/ehrlich-b/perch/internal/hub"
	"github.com/ehrlich-b/perch/internal/logger"
	"github.com/ehrlich-b/perch/internal/session"
)

// Context is one registered working directory: its durable session store and
// everything serving it.
type Context struct {
	Slug  string
	Path  string
	Title string

	Manager *session.Manager
	Bridge  *bridge.Bridge
	Hub     *hub.Hub

	watcher *watcher
}

// Close tears the context down: aborts in-flight turns, disconnects
// clients, stops the watcher, and closes session logs. Logs stay on disk.
func (c *Context) Close() {
	c.Bridge.StopAll()
	c.Hub.Close()
	if c.watcher != nil {
		c.watcher.Close()
	}
	c.Manager.Close()
}

// Registry owns all project contexts, keyed by slug.
type Registry struct {
	baseDir string // daemon state dir, holds per-project session logs
	version string
	eng     engine.Engine
	notify  bridge.Notify      // may be nil
	terms   hub.TerminalLister // may be nil

	mu       sync.Mutex
	projects map[string]*Context
}

func NewRegistry(baseDir, version string, eng engine.Engine, notify bridge.Notify, terms hub.TerminalLister) *Registry {
	return &Registry{
		baseDir:  baseDir,
		version:  version,
		eng:      eng,
		notify:   notify,
		terms:    terms,
		projects: make(map[string]*Context),
	}
}

// Add registers a directory under the given slug and brings its context up.
// An empty slug derives one from the path; the returned slug is what got
// registered. Idempotent by absolute path.
func (r *Registry) Add(path, slug, title string) (*Context, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	for _, c := range r.projects {
		if c.Path == abs {
			r.mu.Unlock()
			return c, nil
		}
	}
	if slug == "" {
		slug = uniqueSlug(Slugify(abs), func(s string) bool {
			_, ok := r.projects[s]
			return ok
		})
	} else if _, ok := r.projects[slug]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("slug %q already registered", slug)
	}
	// Reserve the slug before the slow bring-up.
	r.projects[slug] = nil
	r.mu.Unlock()

	c, err := r.build(abs, slug, title)

	r.mu.Lock()
	if err != nil {
		delete(r.projects, slug)
		r.mu.Unlock()
		return nil, err
	}
	r.projects[slug] = c
	r.mu.Unlock()

	logger.Info("project registered", "slug", slug, "path", abs)
	return c, nil
}

func (r *Registry) build(abs, slug, title string) (*Context, error) {
	sessDir := config.SessionsDir(r.baseDir, slug)
	if err := config.EnsureDir(sessDir); err != nil {
		return nil, err
	}
	store := history.NewStore(sessDir)
	mgr := session.NewManager(store)

	h := hub.New(slug, abs, r.version, mgr, r.terms)
	br := bridge.New(r.eng, mgr, h, r.notify, abs)
	h.SetBridge(br)
	mgr.SetNotifier(h)

	if err := mgr.Load(); err != nil {
		return nil, fmt.Errorf("load sessions for %s: %w", slug, err)
	}

	c := &Context{
		Slug:    slug,
		Path:    abs,
		Title:   title,
		Manager: mgr,
		Bridge:  br,
		Hub:     h,
	}
	w, err := newWatcher(abs, h)
	if err != nil {
		// The project still works without change notices.
		logger.Warn("start file watcher", "slug", slug, "err", err)
	} else {
		c.watcher = w
	}
	return c, nil
}

// Get returns the context registered under slug, or nil.
func (r *Registry) Get(slug string) *Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.projects[slug]
}

// Find resolves a project by slug or by absolute path.
func (r *Registry) Find(key string) *Context {
	abs, _ := filepath.Abs(key)
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.projects[key]; ok && c != nil {
		return c
	}
	for _, c := range r.projects {
		if c != nil && c.Path == abs {
			return c
		}
	}
	return nil
}

// Remove tears down and unregisters a context. Session logs stay on disk so
// re-adding the project restores its history.
func (r *Registry) Remove(slug string) bool {
	r.mu.Lock()
	c, ok := r.projects[slug]
	delete(r.projects, slug)
	r.mu.Unlock()
	if !ok || c == nil {
		return false
	}
	c.Close()
	logger.Info("project removed", "slug", slug)
	return true
}

// List returns all contexts sorted by slug.
func (r *Registry) List() []*Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Context, 0, len(r.projects))
	for _, c := range r.projects {
		if c != nil {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

// SetTitle updates a project's display title.
func (r *Registry) SetTitle(slug, title string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.projects[slug]
	if !ok || c == nil {
		return false
	}
	c.Title = title
	return true
}

// Close tears down every context.
func (r *Registry) Close() {
	r.mu.Lock()
	all := make([]*Context, 0, len(r.projects))
	for _, c := range r.projects {
		if c != nil {
			all = append(all, c)
		}
	}
	r.projects = make(map[string]*Context)
	r.mu.Unlock()
	for _, c := range all {
		c.Close()
	}
}

// Len reports the number of registered projects.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.projects)
}
