// Package admin serves health, metrics, state dumps and optional pprof over
// HTTP. It binds to loopback unless a token or allow_insecure is configured.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/karin0/bili-live-bot/internal/config"
	"github.com/karin0/bili-live-bot/internal/observability/metrics"
	"github.com/karin0/bili-live-bot/internal/runtime/supervisor"
	"github.com/karin0/bili-live-bot/internal/watch"
	"github.com/karin0/bili-live-bot/pkg/logx"
)

type Config struct {
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool
}

// FromConfig maps the admin config section.
func FromConfig(c config.AdminConfig) Config {
	return Config{Addr: c.Address(), Token: strings.TrimSpace(c.Token), AllowInsecure: c.AllowInsecure, Pprof: c.Pprof}
}

type WatchSource interface {
	Snapshot() watch.Stats
	Limit() int
}

type QueueSource interface {
	Len() int
	Interval() time.Duration
	Flushes() uint64
}

// Deps are the components the endpoints read. Nil fields disable their endpoint.
type Deps struct {
	Watches     WatchSource
	Queue       QueueSource
	Supervisors func() map[string]supervisor.Snapshot
	Metrics     *metrics.Metrics
	Started     time.Time
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	mu   sync.Mutex
	sup  *supervisor.Supervisor
	addr string
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Started.IsZero() {
		deps.Started = time.Now()
	}
	return &Server{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "admin"))}
}

// Addr returns the bound address once serving, "" before.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) Supervisor() *supervisor.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Handler builds the gin engine. Exposed for tests.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestID(), s.observe())

	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	api := r.Group("/", s.auth())
	if s.deps.Metrics != nil {
		api.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}
	api.GET("/api/status", s.status)
	if s.deps.Watches != nil {
		api.GET("/api/watches", func(c *gin.Context) { c.JSON(http.StatusOK, s.deps.Watches.Snapshot()) })
	}
	if s.deps.Supervisors != nil {
		api.GET("/api/supervisors", func(c *gin.Context) { c.JSON(http.StatusOK, s.deps.Supervisors()) })
	}
	if s.cfg.Pprof {
		pp := api.Group("/debug/pprof")
		pp.GET("/", gin.WrapF(hpprof.Index))
		pp.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
		pp.GET("/profile", gin.WrapF(hpprof.Profile))
		pp.GET("/symbol", gin.WrapF(hpprof.Symbol))
		pp.POST("/symbol", gin.WrapF(hpprof.Symbol))
		pp.GET("/trace", gin.WrapF(hpprof.Trace))
		pp.GET("/:profile", func(c *gin.Context) {
			hpprof.Handler(c.Param("profile")).ServeHTTP(c.Writer, c.Request)
		})
	}
	return r
}

func (s *Server) status(c *gin.Context) {
	out := gin.H{"uptime": time.Since(s.deps.Started).Round(time.Second).String()}
	if q := s.deps.Queue; q != nil {
		out["queue_depth"] = q.Len()
		out["send_interval"] = q.Interval().String()
		out["flushes"] = q.Flushes()
	}
	if w := s.deps.Watches; w != nil {
		st := w.Snapshot()
		out["rooms"] = len(st.Rooms)
		out["chats"] = st.Chats
		out["watch_limit"] = w.Limit()
	}
	c.JSON(http.StatusOK, out)
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("rid", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		d := time.Since(start)
		s.deps.Metrics.ObserveRequest(route, c.Request.Method, c.Writer.Status(), d)
		s.log.Debug("admin request",
			logx.String("rid", c.GetString("rid")),
			logx.String("route", route),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("dur", d),
		)
	}
}

// auth accepts "Authorization: Bearer <token>" or "?token=<token>".
func (s *Server) auth() gin.HandlerFunc {
	tok := s.cfg.Token
	return func(c *gin.Context) {
		if tok == "" {
			c.Next()
			return
		}
		got := c.Query("token")
		if got == "" {
			got = strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		}
		if got != tok {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// Start serves under a restart loop until Stop. Idempotent.
func (s *Server) Start(ctx context.Context) error {
	if !s.cfg.AllowInsecure && s.cfg.Token == "" && !config.IsLoopbackAddr(s.cfg.Addr) {
		return errors.New("admin: non-loopback addr requires token or allow_insecure")
	}
	if s.cfg.AllowInsecure && s.cfg.Token == "" && !config.IsLoopbackAddr(s.cfg.Addr) {
		s.log.Warn("admin running without token on non-loopback addr", logx.String("addr", s.cfg.Addr))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log), supervisor.WithCancelOnError(false))
	handler := s.Handler()
	s.sup.GoRestart("http.serve", func(c context.Context) error { return s.serveOnce(c, handler) },
		supervisor.WithPublishFirstError(true),
		supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
	return nil
}

func (s *Server) serveOnce(ctx context.Context, h http.Handler) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second, IdleTimeout: 60 * time.Second}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	s.log.Info("admin server started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""), logx.Bool("pprof", s.cfg.Pprof))

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("admin server exited unexpectedly")
	}
	return err
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.addr = ""
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	s.log.Info("admin server stopped")
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
