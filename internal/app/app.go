// Package app wires configuration, credentials, the CalDAV remote, the
// local cache and the sync engine together for the CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"

	"caldavtasks/backend"
	_ "caldavtasks/backend/caldav" // registers the CalDAV schemes
	"caldavtasks/backend/sqlite"
	"caldavtasks/backend/sync"
	"caldavtasks/internal/config"
	"caldavtasks/internal/credentials"
	"caldavtasks/internal/utils"
	"caldavtasks/internal/worker"
)

// RemoteFactory builds a remote from a connector config.
type RemoteFactory func(cfg backend.ConnectorConfig) (backend.RemoteManager, error)

func defaultRemote(cfg backend.ConnectorConfig) (backend.RemoteManager, error) {
	return cfg.Remote()
}

// Options configure New.
type Options struct {
	ConfigPath string
	Verbose    bool
	NewRemote  RemoteFactory // nil uses the scheme registry
}

// App holds the application state
type App struct {
	config    *config.Config
	store     *sqlite.Store
	logger    *utils.Logger
	newRemote RemoteFactory

	remote backend.RemoteManager
	sync   *sync.SyncManager
}

// New loads the config and opens the cache. The remote is created on
// first use so offline commands work without credentials.
func New(opts Options) (*App, error) {
	logger := utils.GetLogger()

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if err := logger.SetLevel(cfg.Log.Level); err != nil {
		return nil, err
	}
	if opts.Verbose {
		logger.SetVerbose(true)
	}

	// .env next to the config file, then in the working directory
	if err := credentials.LoadDotEnv(filepath.Join(filepath.Dir(cfg.Path()), ".env"), ".env"); err != nil {
		logger.Warn("Failed to load .env file: %v", err)
	}

	cachePath, err := cfg.CachePath()
	if err != nil {
		return nil, fmt.Errorf("invalid cache path: %w", err)
	}
	store, err := sqlite.Open(cachePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	logger.Debug("Using cache %s", store.Path())

	newRemote := opts.NewRemote
	if newRemote == nil {
		newRemote = defaultRemote
	}
	return &App{
		config:    cfg,
		store:     store,
		logger:    logger,
		newRemote: newRemote,
	}, nil
}

// Close releases the cache.
func (a *App) Close() error {
	return a.store.Close()
}

func (a *App) Config() *config.Config { return a.config }
func (a *App) Store() *sqlite.Store    { return a.store }
func (a *App) Logger() *utils.Logger   { return a.logger }

// Remote returns the CalDAV remote, resolving credentials on first use.
func (a *App) Remote() (backend.RemoteManager, error) {
	if a.remote != nil {
		return a.remote, nil
	}
	if a.config.Server.URL == "" {
		return nil, utils.ErrNotLoggedIn()
	}
	server, err := utils.ValidateServerURL(a.config.Server.URL)
	if err != nil {
		return nil, utils.ErrInvalidConfig(a.config.Path(), "server.url", err.Error())
	}

	creds, err := credentials.NewResolver().Resolve(a.config.Server.Name, a.config.Server.Username, server.URL)
	if errors.Is(err, credentials.ErrNoCredentials) {
		return nil, utils.ErrCredentialsNotFound(server.URL.Host, a.config.Server.Username)
	}
	if err != nil {
		return nil, err
	}
	a.logger.Debug("Using credentials from %s for %s", creds.Source, server.URL.Host)

	cc, err := a.config.Connector(creds.Username, creds.Password)
	if err != nil {
		return nil, err
	}
	remote, err := a.newRemote(cc)
	if err != nil {
		return nil, err
	}
	a.remote = remote
	return remote, nil
}

// SyncManager returns the reconciliation engine for the configured remote.
func (a *App) SyncManager() (*sync.SyncManager, error) {
	if a.sync != nil {
		return a.sync, nil
	}
	remote, err := a.Remote()
	if err != nil {
		return nil, err
	}
	sm := sync.NewSyncManager(a.store, remote, a.config.Strategy())
	sm.SetMaxRetries(a.config.Sync.MaxRetries)
	a.sync = sm
	return sm, nil
}

// Sync runs a pull and push.
func (a *App) Sync(ctx context.Context, opts sync.Options) (*sync.SyncResult, error) {
	sm, err := a.SyncManager()
	if err != nil {
		return nil, err
	}
	return sm.Sync(ctx, opts)
}

// PushPending pushes queued local edits. Callers treat errors as
// non-fatal: the edits stay queued for the next sync.
func (a *App) PushPending(ctx context.Context) (*sync.SyncResult, error) {
	sm, err := a.SyncManager()
	if err != nil {
		return nil, err
	}
	return sm.PushOnly(ctx)
}

// Login verifies the account against the server, stores the password in
// the keyring and saves the server section of the config. It returns the
// discovered task lists.
func (a *App) Login(ctx context.Context, rawURL, username, password string) ([]backend.TaskList, error) {
	server, err := utils.ValidateServerURL(rawURL)
	if err != nil {
		return nil, err
	}
	if server.Insecure && !a.config.Server.AllowHTTP {
		return nil, utils.WrapWithSuggestion(
			fmt.Errorf("plain HTTP is disabled for %s", server.URL.Host),
			"Use https, or set server.allow_http in the config for a trusted local server")
	}
	if username == "" && server.URL.User != nil {
		username = server.URL.User.Username()
	}
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}
	server.URL.User = nil

	a.config.Server.URL = server.String()
	a.config.Server.Username = username
	cc, err := a.config.Connector(username, password)
	if err != nil {
		return nil, err
	}
	remote, err := a.newRemote(cc)
	if err != nil {
		return nil, err
	}

	lists, err := remote.GetTaskLists(ctx)
	if err != nil {
		if backend.IsUnauthorized(err) {
			return nil, utils.ErrAuthenticationFailed(server.URL.Host)
		}
		if backend.IsTransient(err) {
			return nil, utils.ErrServerOffline(server.URL.Host, err.Error())
		}
		return nil, fmt.Errorf("failed to discover task lists: %w", err)
	}

	if credentials.IsAvailable() {
		if err := credentials.Set(server.URL.Host, username, password); err != nil {
			return nil, err
		}
	} else {
		a.logger.Warn("No keyring available; set %s before the next run", credentials.EnvVarName(a.config.Server.Name, "PASSWORD"))
	}
	if err := a.config.Save(); err != nil {
		return nil, err
	}

	for _, l := range lists {
		if err := a.store.UpsertList(ctx, l); err != nil {
			return nil, err
		}
	}
	a.remote = remote
	a.sync = nil
	return lists, nil
}

// FindList resolves a cached list by ID or name.
func (a *App) FindList(ctx context.Context, nameOrID string) (backend.TaskList, error) {
	list, err := a.store.FindList(ctx, nameOrID)
	if errors.Is(err, sqlite.ErrListNotFound) {
		return backend.TaskList{}, utils.ErrListNotFound(nameOrID)
	}
	return list, err
}

// ResolveTask finds one task by UID or summary. An exact summary match
// wins over partial ones.
func (a *App) ResolveTask(ctx context.Context, listID, term string) (*sqlite.LocalTask, error) {
	if lt, err := a.store.GetTask(ctx, term); err == nil {
		if listID == "" || lt.ListID == listID {
			return lt, nil
		}
	} else if !errors.Is(err, sqlite.ErrTaskNotFound) {
		return nil, err
	}

	matches, err := a.store.FindTasksBySummary(ctx, listID, term)
	if err != nil {
		return nil, err
	}
	var exact []backend.Task
	for _, t := range matches {
		if strings.EqualFold(t.Summary, term) {
			exact = append(exact, t)
		}
	}
	if len(exact) > 0 {
		matches = exact
	}

	switch len(matches) {
	case 0:
		return nil, utils.ErrTaskNotFound(term)
	case 1:
		return a.store.GetTask(ctx, matches[0].UID)
	default:
		return nil, utils.ErrAmbiguousTask(term, len(matches))
	}
}

// CreateList creates a collection on the server and caches it.
func (a *App) CreateList(ctx context.Context, name, description, color string) (backend.TaskList, error) {
	remote, err := a.Remote()
	if err != nil {
		return backend.TaskList{}, err
	}
	list, err := remote.CreateTaskList(ctx, name, description, color)
	if err != nil {
		return backend.TaskList{}, err
	}
	return list, a.store.UpsertList(ctx, list)
}

// RenameList renames a collection on the server and in the cache.
func (a *App) RenameList(ctx context.Context, list backend.TaskList, name string) (backend.TaskList, error) {
	remote, err := a.Remote()
	if err != nil {
		return list, err
	}
	if err := remote.RenameTaskList(ctx, list, name); err != nil {
		return list, err
	}
	list.Name = name
	return list, a.store.UpsertList(ctx, list)
}

// DeleteList deletes a collection on the server, then its cached tasks.
func (a *App) DeleteList(ctx context.Context, list backend.TaskList) error {
	remote, err := a.Remote()
	if err != nil {
		return err
	}
	err = utils.LogOperationf("delete collection %s", func() error {
		return remote.DeleteTaskList(ctx, list)
	}, list.Href)
	if err != nil && !backend.IsNotFound(err) {
		return err
	}
	return a.store.DeleteList(ctx, list.ID)
}

// RetryPolicy maps the config to the worker backoff.
func (a *App) RetryPolicy() worker.RetryPolicy {
	p := worker.DefaultRetryPolicy
	p.InitialDelay = a.config.Sync.Retry.Initial
	p.MaxDelay = a.config.Sync.Retry.Max
	p.MaxAttempts = a.config.Sync.Retry.MaxAttempts
	return p
}

// ServerAddress returns host:port of the configured server.
func (a *App) ServerAddress() (string, error) {
	if a.config.Server.URL == "" {
		return "", utils.ErrNotLoggedIn()
	}
	server, err := utils.ValidateServerURL(a.config.Server.URL)
	if err != nil {
		return "", err
	}
	if port := server.URL.Port(); port != "" {
		return server.URL.Host, nil
	}
	port := "443"
	if server.Insecure || (server.URL.Scheme != "https" && a.config.Server.AllowHTTP) {
		port = "80"
	}
	return net.JoinHostPort(server.URL.Hostname(), port), nil
}

// NewWorker builds a scheduler running a sync on the configured interval,
// retried with backoff while the server is unreachable.
func (a *App) NewWorker(opts ...worker.SchedulerOption) (*worker.Scheduler, error) {
	sm, err := a.SyncManager()
	if err != nil {
		return nil, err
	}
	addr, err := a.ServerAddress()
	if err != nil {
		return nil, err
	}

	base := []worker.SchedulerOption{
		worker.WithRetryPolicy(a.RetryPolicy()),
		worker.WithConstraint(worker.ReachableConstraint(addr, 5*time.Second), time.Minute),
		worker.WithLogger(a.logger),
	}
	s := worker.NewScheduler(append(base, opts...)...)
	work := &worker.SyncWork{Manager: sm, Timeout: 10 * time.Minute}
	if err := s.Schedule(a.config.Sync.Interval, work); err != nil {
		return nil, err
	}
	s.Enqueue(work)
	return s, nil
}
