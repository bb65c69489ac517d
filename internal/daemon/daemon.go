// Package daemon wires the whole thing together: config, project registry,
// device store, client-facing HTTP server, and the local control channel.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/ehrlich-b/perch/internal/config"
	"github.com/ehrlich-b/perch/internal/engine"
	"github.com/ehrlich-b/perch/internal/logger"
	"github.com/ehrlich-b/perch/internal/notify"
	"github.com/ehrlich-b/perch/internal/project"
	"github.com/ehrlich-b/perch/internal/store"
	"github.com/ehrlich-b/perch/internal/transport"
)

// forceExitAfter bounds a graceful shutdown; a stuck engine process must not
// keep the daemon alive forever.
const forceExitAfter = 10 * time.Second

type Daemon struct {
	dir     string
	version string
	start   time.Time

	cfgMu sync.Mutex
	cfg   *config.Config

	registry *project.Registry
	store    *store.Store
	notify   *notify.Client
	secret   []byte
	awake    *keepAwake

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

func New(dir, version string) (*Daemon, error) {
	if err := config.EnsureDir(dir); err != nil {
		return nil, err
	}
	cfg, err := config.Load(config.FilePath(dir))
	if err != nil {
		return nil, err
	}

	secret, err := loadOrCreateSecret(dir)
	if err != nil {
		return nil, err
	}
	db, err := store.Open(config.DBPath(dir))
	if err != nil {
		return nil, err
	}

	eng := engine.NewClaude(cfg.Engine)
	if err := eng.Health(); err != nil {
		logger.Warn("engine not available", "engine", cfg.Engine, "err", err)
	}

	// The client exists even with no configured topic: device subscriptions
	// feed it destinations at send time.
	sink := notify.New(cfg.Notify.Topic, cfg.Notify.Token, cfg.Notify.Events)
	sink.SetTopicSource(func() []string {
		topics, err := db.Topics()
		if err != nil {
			logger.Warn("list push topics", "err", err)
			return nil
		}
		return topics
	})

	d := &Daemon{
		dir:        dir,
		version:    version,
		start:      time.Now(),
		cfg:        cfg,
		registry:   project.NewRegistry(dir, version, eng, sink, nil),
		store:      db,
		notify:     sink,
		secret:     secret,
		awake:      &keepAwake{},
		shutdownCh: make(chan struct{}),
	}
	d.restoreProjects()
	if cfg.KeepAwake {
		d.awake.Set(true)
	}
	return d, nil
}

// restoreProjects brings up every project recorded in the config. A missing
// directory is skipped with a warning, not a fatal error, so a renamed repo
// does not brick the daemon.
func (d *Daemon) restoreProjects() {
	d.cfgMu.Lock()
	entries := append([]config.ProjectEntry(nil), d.cfg.Projects...)
	d.cfgMu.Unlock()
	for _, e := range entries {
		if _, err := os.Stat(e.Path); err != nil {
			logger.Warn("skipping missing project", "slug", e.Slug, "path", e.Path)
			continue
		}
		if _, err := d.registry.Add(e.Path, e.Slug, e.Title); err != nil {
			logger.Warn("restore project", "slug", e.Slug, "err", err)
		}
	}
}

// Run serves until the context is cancelled or shutdown is requested.
// Failing to bind the listener is the one startup error treated as fatal.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpSrv := &http.Server{
		Addr:    d.listenAddr(),
		Handler: d.routes(),
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http listener: %w", err)
		}
	}()

	ctrl := transport.NewServer(d, config.SocketPath(d.dir))
	go func() {
		if err := ctrl.ListenAndServe(ctx); err != nil {
			errCh <- fmt.Errorf("control listener: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case <-d.shutdownCh:
	case runErr = <-errCh:
		logger.Error("listener failed", "err", runErr)
	}

	// Graceful teardown, force-bounded.
	forceTimer := time.AfterFunc(forceExitAfter, func() {
		logger.Error("shutdown deadline exceeded, forcing exit")
		os.Exit(1)
	})
	defer forceTimer.Stop()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	httpSrv.Shutdown(shutCtx)
	shutCancel()
	cancel() // stops the control server

	d.registry.Close()
	d.awake.Stop()
	d.store.Close()
	d.persistConfig()
	logger.Info("daemon stopped")
	return runErr
}

func (d *Daemon) listenAddr() string {
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()
	return d.cfg.ListenAddr
}

// persistConfig writes the current config atomically. Mutating control
// commands call this before reporting success.
func (d *Daemon) persistConfig() error {
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()
	if err := d.cfg.Save(config.FilePath(d.dir)); err != nil {
		logger.Error("persist config", "err", err)
		return err
	}
	return nil
}

// Control surface (transport.Controller).

func (d *Daemon) AddProject(path string) (string, bool, error) {
	before := d.registry.Find(path)
	c, err := d.registry.Add(path, "", "")
	if err != nil {
		return "", false, err
	}
	existing := before != nil
	if !existing {
		d.cfgMu.Lock()
		d.cfg.Projects = append(d.cfg.Projects, config.ProjectEntry{Slug: c.Slug, Path: c.Path, Title: c.Title})
		d.cfgMu.Unlock()
		if err := d.persistConfig(); err != nil {
			return "", false, err
		}
	}
	return c.Slug, existing, nil
}

func (d *Daemon) RemoveProject(key string) error {
	c := d.registry.Find(key)
	if c == nil {
		return fmt.Errorf("project %q not registered", key)
	}
	d.registry.Remove(c.Slug)
	d.cfgMu.Lock()
	d.cfg.RemoveProject(c.Slug)
	d.cfgMu.Unlock()
	return d.persistConfig()
}

func (d *Daemon) SetProjectTitle(slug, title string) error {
	if !d.registry.SetTitle(slug, title) {
		return fmt.Errorf("project %q not registered", slug)
	}
	d.cfgMu.Lock()
	if e := d.cfg.FindProject(slug); e != nil {
		e.Title = title
	}
	d.cfgMu.Unlock()
	return d.persistConfig()
}

// SetPin stores the shared PIN's bcrypt hash; the CLI hashes before the
// value crosses the control socket. All previously issued device tokens are
// revoked; an empty hash disables auth entirely.
func (d *Daemon) SetPin(pinHash string) error {
	d.cfgMu.Lock()
	d.cfg.PinHash = pinHash
	d.cfgMu.Unlock()
	if err := d.store.RevokeAllDevices(); err != nil {
		logger.Warn("revoke devices", "err", err)
	}
	return d.persistConfig()
}

func (d *Daemon) SetKeepAwake(on bool) error {
	d.awake.Set(on)
	d.cfgMu.Lock()
	d.cfg.KeepAwake = on
	d.cfgMu.Unlock()
	return d.persistConfig()
}

// TestNotify pushes a test notification so a user can verify their topic
// setup end to end.
func (d *Daemon) TestNotify() error {
	return d.notify.SendTest()
}

func (d *Daemon) Status() transport.Status {
	d.cfgMu.Lock()
	st := transport.Status{
		Version:    d.version,
		Pid:        os.Getpid(),
		Uptime:     time.Since(d.start).Round(time.Second).String(),
		ListenAddr: d.cfg.ListenAddr,
		KeepAwake:  d.cfg.KeepAwake,
		PinSet:     d.cfg.PinHash != "",
	}
	titles := make(map[string]string, len(d.cfg.Projects))
	for _, e := range d.cfg.Projects {
		titles[e.Slug] = e.Title
	}
	d.cfgMu.Unlock()

	if n, err := d.store.CountDevices(); err == nil {
		st.Devices = n
	} else {
		logger.Warn("count devices", "err", err)
	}

	for _, c := range d.registry.List() {
		ps := transport.ProjectStatus{
			Slug:     c.Slug,
			Path:     c.Path,
			Title:    titles[c.Slug],
			Clients:  c.Hub.ClientCount(),
			Sessions: len(c.Manager.List().Sessions),
		}
		if s := c.Manager.Active(); s != nil {
			ps.Processing = c.Manager.IsProcessing(s)
		}
		st.Projects = append(st.Projects, ps)
	}
	return st
}

func (d *Daemon) Shutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdownCh) })
}
