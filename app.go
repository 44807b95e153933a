// Package blogapp is a social blogging server. Users publish posts with
// images, like, save and comment on them. Author names and avatars are
// copied into posts and comments for cheap reads and are propagated when a
// profile changes; like and save counters are kept equal to their
// membership sets.
package blogapp

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"

	"github.com/Haryuya11/BlogApp/views"
)

// App wires the store, services, middleware and routes into one server.
type App struct {
	Config  Config
	Echo    *echo.Echo
	Store   *Store
	Service *Service
	Tokens  *Tokens

	backend      Backend
	relay        Relay
	identity     Identity
	blobs        BlobStore
	loginLimiter *LoginLimiter
	closers      []func() error
	stopRetry    func()
}

// New creates an App with the given configuration.
func New(cfg Config, opts ...Option) *App {
	cfg.setDefaults()

	a := &App{
		Config: cfg,
		Echo:   echo.New(),
	}
	a.Echo.HideBanner = true
	a.Echo.Logger.SetLevel(log.INFO)

	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Init opens the stores and registers middleware and routes without
// starting the listener.
func (a *App) Init() error {
	if err := a.Config.validate(); err != nil {
		return fmt.Errorf("blogapp: %w", err)
	}

	if a.backend == nil {
		if a.Config.Backend == BackendMongo {
			return fmt.Errorf("blogapp: the mongo backend must be supplied with WithBackend")
		}
		b, err := NewSQLStore(a.Config.DatabasePath)
		if err != nil {
			return fmt.Errorf("blogapp: init store: %w", err)
		}
		a.backend = b
	}
	a.Store = NewStore(a.backend)
	if a.relay != nil {
		a.Store.UseRelay(a.relay)
	}

	if a.identity == nil {
		id, err := NewLocalIdentity(a.Config.IdentityDatabasePath, NewLogMailer(), a.Config.URL)
		if err != nil {
			return fmt.Errorf("blogapp: init identity: %w", err)
		}
		a.identity = id
		a.closers = append(a.closers, id.Close)
	}
	if a.blobs == nil {
		a.blobs = NewDiskBlobs(a.Config.BlobDir, a.Config.BlobBaseURL)
	}

	a.Service = NewService(a.Store, a.identity, a.blobs, a.Config.FeedCacheTTL, a.Config.FanoutWorkers)
	a.Tokens = NewTokens(a.Config.JWTSecret, a.Config.TokenTTL)
	a.loginLimiter = NewLoginLimiter(5, time.Minute)

	a.setupMiddleware()
	a.setupRoutes()
	return nil
}

// Start initializes the app, starts the fan-out retry scheduler and serves
// until the listener stops.
func (a *App) Start() error {
	if err := a.Init(); err != nil {
		return err
	}
	a.stopRetry = a.Service.Propagator.StartRetryScheduler(a.Config.FanoutRetryInterval)

	if err := a.Echo.Start(a.Config.Addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (a *App) site() views.SiteConfig {
	return views.SiteConfig{Name: a.Config.Name, URL: a.Config.URL}
}

func (a *App) setupRoutes() {
	e := a.Echo

	if d, ok := a.blobs.(*DiskBlobs); ok {
		e.Static("/blobs", d.Dir())
	}

	// Public pages
	e.GET("/feed.xml", a.handleRSS)
	e.GET("/sitemap.xml", a.handleSitemap)
	e.GET("/", a.handleHome)
	e.GET("/post/:id/", a.handlePost)
	e.GET("/login/", a.handleLoginPage)
	e.POST("/login/", a.handleLogin)
	e.POST("/logout/", handleLogout)
	e.GET("/verify/", a.handleVerifyPage)

	// Signed-in page actions
	e.POST("/post/:id/like/", a.handleWebToggle(a.Service.ToggleLike))
	e.POST("/post/:id/save/", a.handleWebToggle(a.Service.ToggleSave))
	e.POST("/post/:id/comment/", a.handleWebComment)

	// Admin routes
	e.GET("/admin/", a.handleAdmin)
	e.POST("/admin/login/", a.handleAdminLogin)
	e.POST("/admin/logout/", handleAdminLogout)
	e.POST("/admin/reconcile/", a.handleAdminReconcile)
	e.POST("/admin/fanouts/retry/", a.handleAdminRetry)

	a.setupAPI(e.Group("/api"))
}

// Close stops background work and releases every store.
func (a *App) Close() error {
	if a.stopRetry != nil {
		a.stopRetry()
	}
	if a.loginLimiter != nil {
		a.loginLimiter.Stop()
	}
	var first error
	if a.Store != nil {
		first = a.Store.Close()
	} else if a.backend != nil {
		first = a.backend.Close()
	}
	for _, c := range a.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
