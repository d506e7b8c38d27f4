// Package app wires the record store, the remote gateway, the sync engines,
// the background scheduler and the repositories from a [config.Config].
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/njoerd114/leafsync/internal/auth"
	"github.com/njoerd114/leafsync/internal/config"
	"github.com/njoerd114/leafsync/internal/model"
	"github.com/njoerd114/leafsync/internal/remote"
	"github.com/njoerd114/leafsync/internal/repository"
	"github.com/njoerd114/leafsync/internal/store"
	syncer "github.com/njoerd114/leafsync/internal/sync"
)

// App owns every long-lived component. Create it with [New] and release it
// with [App.Close].
type App struct {
	cfg     *config.Config
	dbPath  string
	store   *store.Store
	session *auth.Session
	client  *remote.Client
	logger  *slog.Logger

	kinds     []model.Kind
	engines   map[model.Kind]*sessionEngine
	repos     map[model.Kind]*repository.Repository
	scheduler *syncer.Scheduler

	// Typed facades; nil when the kind is not enabled in the config.
	Plants       *repository.Plants
	Observations *repository.Observations
	Profile      *repository.Profile

	loginMu sync.Mutex
	// unproven is set by a sign-in and cleared once the server has accepted
	// a request made with the new token.
	unproven atomic.Bool
}

type options struct {
	hc        *http.Client
	userAgent string
}

// Option configures [New].
type Option func(*options)

// WithHTTPClient replaces the HTTP client used for the API.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.hc = hc }
}

// WithUserAgent sets the User-Agent sent to the API.
func WithUserAgent(ua string) Option {
	return func(o *options) { o.userAgent = ua }
}

// New opens the store and builds the components for the kinds enabled in
// cfg. It does not touch the network; sign-in with stored credentials
// happens before the first sync call that needs it.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	dbPath := cfg.DBPath
	if dbPath == "" {
		p, err := store.DefaultDBPath()
		if err != nil {
			return nil, fmt.Errorf("resolving record DB path: %w", err)
		}
		dbPath = p
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening record DB at %q: %w", dbPath, err)
	}

	session := auth.NewSession(cfg.APIToken, logger)
	session.Set(cfg.APIToken, cfg.RefreshToken)

	clientOpts := []remote.Option{}
	if o.hc != nil {
		clientOpts = append(clientOpts, remote.WithHTTPClient(o.hc))
	}
	clientOpts = append(clientOpts,
		remote.WithTimeout(cfg.Sync.RequestTimeout),
		remote.WithRateLimit(cfg.Sync.RateLimit, int(math.Ceil(cfg.Sync.RateLimit))),
	)
	if o.userAgent != "" {
		clientOpts = append(clientOpts, remote.WithUserAgent(o.userAgent))
	}
	client, err := remote.NewClient(cfg.APIURL, session, logger, clientOpts...)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("creating API client: %w", err)
	}

	a := &App{
		cfg:     cfg,
		dbPath:  dbPath,
		store:   st,
		session: session,
		client:  client,
		logger:  logger,
		kinds:   cfg.Kinds(),
		engines: make(map[model.Kind]*sessionEngine),
		repos:   make(map[model.Kind]*repository.Repository),
	}

	pushers := make([]syncer.Pusher, 0, len(a.kinds))
	for _, kind := range a.kinds {
		gw := client.Gateway(kind)
		eng := &sessionEngine{
			Engine: syncer.NewEngine(st.Table(kind), gw, cfg.Sync.Workers, logger),
			app:    a,
		}
		a.engines[kind] = eng
		pushers = append(pushers, eng)
	}
	a.scheduler = syncer.NewScheduler(pushers, cfg.Sync.Interval,
		syncer.NewBackoff(cfg.Sync.MinBackoff, cfg.Sync.MaxBackoff), logger)

	for _, kind := range a.kinds {
		fetcher := &sessionFetcher{Gateway: client.Gateway(kind), app: a}
		repo := repository.New(st.Table(kind), a.engines[kind], fetcher, logger,
			repository.WithNotify(a.scheduler.Trigger))
		a.repos[kind] = repo
		switch kind {
		case model.KindPlant:
			a.Plants = repository.NewPlants(repo)
		case model.KindObservation:
			a.Observations = repository.NewObservations(repo)
		case model.KindUserProfile:
			a.Profile = repository.NewProfile(repo)
		}
	}

	// A rejected token is followed by a fresh sign-in and an immediate pass
	// when credentials are stored. A token from a sign-in that the server
	// never accepted is not retried before the next interval.
	session.OnInvalidate(func() {
		if !cfg.HasCredentials() {
			return
		}
		if a.unproven.Swap(false) {
			logger.Error("token from a fresh sign-in was rejected, waiting for the next sync interval", "email", cfg.Email)
			return
		}
		a.scheduler.Trigger()
	})

	return a, nil
}

// Close releases the record store.
func (a *App) Close() error {
	return a.store.Close()
}

// DBPath returns the location of the record database.
func (a *App) DBPath() string { return a.dbPath }

// Kinds returns the kinds enabled in the config, in sync order.
func (a *App) Kinds() []model.Kind { return a.kinds }

// Scheduler returns the background sync scheduler.
func (a *App) Scheduler() *syncer.Scheduler { return a.scheduler }

// Repository returns the facade for kind.
func (a *App) Repository(kind model.Kind) (*repository.Repository, error) {
	repo, ok := a.repos[kind]
	if !ok {
		return nil, fmt.Errorf("%s sync is not enabled in the config (sync.entities)", kind)
	}
	return repo, nil
}

// Run runs the scheduler until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	return a.scheduler.Run(ctx)
}

// SyncOnce pushes every enabled kind once.
func (a *App) SyncOnce(ctx context.Context) (map[model.Kind]syncer.Stats, error) {
	return a.scheduler.RunPass(ctx)
}

// RefreshAll pulls every enabled kind and returns the per-kind stats. Kinds
// are pulled even if an earlier one fails.
func (a *App) RefreshAll(ctx context.Context) (map[model.Kind]syncer.Stats, error) {
	out := make(map[model.Kind]syncer.Stats, len(a.kinds))
	var firstErr error
	for _, kind := range a.kinds {
		stats, err := a.engines[kind].Pull(ctx)
		out[kind] = stats
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return out, firstErr
}

// Bootstrap warms an empty cache and writes a summary to w.
func (a *App) Bootstrap(ctx context.Context, w io.Writer) (bool, error) {
	pullers := make([]syncer.Puller, 0, len(a.kinds))
	for _, kind := range a.kinds {
		pullers = append(pullers, a.engines[kind])
	}
	return syncer.NewBootstrap(a.store, pullers, a.logger, w).Run(ctx)
}

// Counts returns the number of cached records per kind and sync state.
func (a *App) Counts(ctx context.Context) (map[model.Kind]map[model.SyncState]int, error) {
	out := make(map[model.Kind]map[model.SyncState]int, len(a.kinds))
	for _, kind := range a.kinds {
		c, err := a.repos[kind].Counts(ctx)
		if err != nil {
			return nil, err
		}
		out[kind] = c
	}
	return out, nil
}

// ensureSession signs in with the stored credentials when no token is held.
// Without credentials it does nothing and requests fail as unauthorized.
func (a *App) ensureSession(ctx context.Context) error {
	if a.session.Authorized() || !a.cfg.HasCredentials() {
		return nil
	}
	a.loginMu.Lock()
	defer a.loginMu.Unlock()
	if a.session.Authorized() {
		return nil
	}

	tokens, err := a.client.Login(ctx, a.cfg.Email, a.cfg.Password)
	if err != nil {
		return fmt.Errorf("signing in as %s: %w", a.cfg.Email, err)
	}
	a.session.Set(tokens.Access, tokens.Refresh)
	a.unproven.Store(true)
	a.logger.Info("signed in", "email", a.cfg.Email)
	return nil
}

// Logout revokes the session on the server, when one is held, and drops the
// tokens. It returns the server's error but always drops the tokens.
func (a *App) Logout(ctx context.Context) error {
	refresh := a.session.RefreshToken()
	if refresh == "" || !a.session.Authorized() {
		a.session.Clear()
		return nil
	}
	err := a.client.Logout(ctx, refresh)
	a.session.Clear()
	if err != nil {
		return fmt.Errorf("signing out: %w", err)
	}
	a.logger.Info("signed out")
	return nil
}

// accepted records that the server took a request made with the held token.
func (a *App) accepted() {
	a.unproven.Store(false)
}

// sessionEngine signs in before every pull or push.
type sessionEngine struct {
	*syncer.Engine
	app *App
}

func (e *sessionEngine) Pull(ctx context.Context) (syncer.Stats, error) {
	if err := e.app.ensureSession(ctx); err != nil {
		return syncer.Stats{Errors: 1}, err
	}
	stats, err := e.Engine.Pull(ctx)
	if err == nil {
		e.app.accepted()
	}
	return stats, err
}

func (e *sessionEngine) PushUnsynced(ctx context.Context) (syncer.Stats, error) {
	if err := e.app.ensureSession(ctx); err != nil {
		return syncer.Stats{Errors: 1}, err
	}
	stats, err := e.Engine.PushUnsynced(ctx)
	// Only outcomes the server answered count; an empty pass sends nothing.
	if stats.Created+stats.Updated+stats.Deleted+stats.Orphaned+stats.Rejected > 0 {
		e.app.accepted()
	}
	return stats, err
}

// sessionFetcher signs in before a detail fetch.
type sessionFetcher struct {
	*remote.Gateway
	app *App
}

func (f *sessionFetcher) FetchOne(ctx context.Context, id int64) (remote.Record, error) {
	if err := f.app.ensureSession(ctx); err != nil {
		return remote.Record{}, err
	}
	rec, err := f.Gateway.FetchOne(ctx, id)
	if err == nil {
		f.app.accepted()
	}
	return rec, err
}

// Login exchanges credentials for tokens at apiURL. Used by the setup wizard
// before a config exists.
func Login(ctx context.Context, apiURL, email, password string, logger *slog.Logger) (remote.Tokens, error) {
	client, err := remote.NewClient(apiURL, auth.NewSession("", logger), logger)
	if err != nil {
		return remote.Tokens{}, err
	}
	return client.Login(ctx, email, password)
}

// Register creates an account at apiURL and returns its tokens.
func Register(ctx context.Context, apiURL, email, password string, logger *slog.Logger) (remote.Tokens, error) {
	client, err := remote.NewClient(apiURL, auth.NewSession("", logger), logger)
	if err != nil {
		return remote.Tokens{}, err
	}
	return client.Register(ctx, email, password)
}
