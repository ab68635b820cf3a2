// Package server exposes the chat controller over HTTP for the browser
// client: one Controller per authenticated user, streamed answers as
// server-sent events, and session history management.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/codexadarsh/edumentor-fullstack/internal/config"
	"github.com/codexadarsh/edumentor-fullstack/internal/controller"
	"github.com/codexadarsh/edumentor-fullstack/internal/document"
	"github.com/codexadarsh/edumentor-fullstack/internal/logging"
	"github.com/codexadarsh/edumentor-fullstack/internal/metrics"
	"github.com/codexadarsh/edumentor-fullstack/internal/session"
)

type Options struct {
	Config config.ServerConfig
	Store  session.Store
	// Controller is the template for per-user controllers; UserID and
	// UserName are filled from the request's identity.
	Controller     controller.Options
	MaxUploadBytes int64
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
}

type Server struct {
	cfg       config.ServerConfig
	store     session.Store
	tmpl      controller.Options
	maxUpload int64
	logger    *zap.Logger
	metrics   *metrics.Metrics
	engine    *gin.Engine

	mu    sync.Mutex
	users map[string]*userState
}

type userState struct {
	ctrl     *controller.Controller
	limiter  *rate.Limiter
	lastSeen time.Time
}

func New(opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:       opts.Config,
		store:     opts.Store,
		tmpl:      opts.Controller,
		maxUpload: opts.MaxUploadBytes,
		logger:    logging.OrNop(opts.Logger).Named("server"),
		metrics:   opts.Metrics,
		users:     make(map[string]*userState),
	}
	if s.maxUpload <= 0 {
		s.maxUpload = document.DefaultMaxBytes
	}
	if s.tmpl.Store == nil {
		s.tmpl.Store = opts.Store
	}
	if s.tmpl.Logger == nil {
		s.tmpl.Logger = opts.Logger
	}
	if s.tmpl.Metrics == nil {
		s.tmpl.Metrics = opts.Metrics
	}
	s.engine = s.routes()
	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.observe)
	r.MaxMultipartMemory = s.maxUpload

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	api := r.Group("/api", s.authenticate)
	api.GET("/chat", s.getChat)
	api.POST("/chat/messages", s.sendMessage)
	api.POST("/chat/new", s.newChat)
	api.POST("/chat/load/:id", s.loadChat)
	api.POST("/chat/document", s.attachDocument)
	api.DELETE("/chat/error", s.dismissError)

	api.GET("/sessions", s.listSessions)
	api.GET("/sessions/:id", s.getSession)
	api.PATCH("/sessions/:id", s.renameSession)
	api.DELETE("/sessions/:id", s.deleteSession)
	return r
}

// observe logs and counts every request by route template.
func (s *Server) observe(c *gin.Context) {
	start := time.Now()
	c.Next()
	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	status := c.Writer.Status()
	s.metrics.HTTPRequest(route, status)
	s.logger.Debug("request",
		zap.String("method", c.Request.Method),
		zap.String("route", route),
		zap.Int("status", status),
		zap.Duration("elapsed", time.Since(start)))
}

// user returns the caller's state, creating a controller on first use.
func (s *Server) user(u User) *userState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.users[u.ID]
	if !ok {
		opts := s.tmpl
		opts.UserID = u.ID
		if u.Name != "" {
			opts.UserName = u.Name
		}
		st = &userState{
			ctrl:    controller.New(opts),
			limiter: rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateBurst),
		}
		s.users[u.ID] = st
		s.logger.Debug("controller created", zap.String("user", u.ID))
	}
	st.lastSeen = time.Now()
	return st
}

// existing returns the caller's controller without creating one.
func (s *Server) existing(userID string) *controller.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.users[userID]; ok {
		return st.ctrl
	}
	return nil
}

// evictIdle drops controllers unused since before cutoff, saving their
// session first. Controllers that are streaming are kept.
func (s *Server) evictIdle(ctx context.Context, cutoff time.Time) int {
	s.mu.Lock()
	var idle []*userState
	for id, st := range s.users {
		if st.lastSeen.Before(cutoff) && !st.ctrl.Busy() {
			idle = append(idle, st)
			delete(s.users, id)
		}
	}
	s.mu.Unlock()

	for _, st := range idle {
		if err := st.ctrl.NewChat(ctx); err != nil {
			s.logger.Warn("saving idle session failed", zap.Error(err))
		}
	}
	return len(idle)
}

func (s *Server) evictLoop(ctx context.Context) {
	idle := s.cfg.SessionIdleTimeout
	if idle <= 0 {
		return
	}
	period := min(idle/2, time.Minute)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.evictIdle(ctx, now.Add(-idle)); n > 0 {
				s.logger.Debug("evicted idle controllers", zap.Int("count", n))
			}
		}
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully and saves
// every open session.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("listening", zap.String("addr", s.cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		n := s.evictIdle(shutdownCtx, time.Now().Add(time.Hour))
		s.logger.Info("server stopped", zap.Int("sessions_saved", n))
		return err
	})
	g.Go(func() error {
		s.evictLoop(gctx)
		return nil
	})
	return g.Wait()
}
