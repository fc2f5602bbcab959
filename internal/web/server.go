package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/example/clinic-scheduler/internal/clinic"
	"github.com/example/clinic-scheduler/internal/credentials"
	"github.com/example/clinic-scheduler/internal/remote"
	"github.com/example/clinic-scheduler/internal/schedule"
	"github.com/example/clinic-scheduler/internal/session"
)

// Sessions is the part of session.Manager the handlers use.
type Sessions interface {
	EnsureSession(ctx context.Context, creds credentials.Credentials) (*session.Session, error)
	Restart(ctx context.Context) (*session.Session, error)
	WithLeasedPage(ctx context.Context, creds credentials.Credentials, fn session.LeasedFunc) error
	State() session.State
	LastActivity() time.Time
	HasCredentials() bool
}

// Driver is the part of clinic.Driver the handlers use.
type Driver interface {
	Menu(ctx context.Context, page remote.Page) ([]clinic.MenuEntry, error)
	Slots(ctx context.Context, page remote.Page, q clinic.SlotQuery) ([]schedule.Slot, error)
	SearchReservations(ctx context.Context, page remote.Page, phone, from, to string) ([]clinic.Reservation, error)
	Process(ctx context.Context, page remote.Page, req clinic.Request) (clinic.Result, error)
	ProcessBatch(ctx context.Context, page remote.Page, reqs []clinic.Request) []clinic.Result
}

// StatusConfig is echoed by GET /status.
type StatusConfig struct {
	TargetBaseURL         string   `json:"target_base_url"`
	Headless              bool     `json:"headless"`
	KeepAliveSeconds      int      `json:"keepalive_seconds"`
	RequestTimeoutSeconds int      `json:"request_timeout_seconds"`
	CORSOrigins           []string `json:"cors_origins"`
	Timezone              string   `json:"timezone"`
}

type Server struct {
	Sessions Sessions
	Driver   Driver
	Logger   *zap.Logger

	CORSOrigins     []string
	RateLimitPerMin int
	Location        *time.Location
	Now             func() time.Time
	Status          StatusConfig
}

func (s *Server) log() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *Server) today() time.Time {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	loc := s.Location
	if loc == nil {
		loc = time.Local
	}
	return now().In(loc)
}

func (s *Server) Routes() *gin.Engine {
	r := gin.New()
	r.Use(requestID(), accessLog(s.log()), gin.CustomRecovery(s.recovered))
	r.Use(cors.New(corsConfig(s.CORSOrigins)))

	r.GET("/health", s.handleHealth)
	r.GET("/status", s.handleStatus)

	api := r.Group("")
	api.Use(rateLimit(s.RateLimitPerMin, s.log()), s.requireCredentials())
	{
		api.GET("/menu", s.handleMenu)
		api.GET("/slots", s.handleSlots)
		api.GET("/reservations/search", s.handleSearch)
		api.POST("/reservations", s.handleCreate)
		api.PUT("/reservations", s.handleUpdate)
		api.DELETE("/reservations", s.handleDelete)
		api.POST("/reservations/batch", s.handleBatch)
		api.POST("/session/restart", s.handleRestart)
	}
	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders: []string{
			"Origin", "Content-Type",
			credentials.HeaderLoginKey, credentials.HeaderLoginPassword, credentials.HeaderTestMode,
		},
		ExposeHeaders: []string{"Content-Length", headerRequestID},
		MaxAge:        12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}

func rateLimit(perMin int, log *zap.Logger) gin.HandlerFunc {
	if perMin <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	limiter := rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMin)), perMin)
	return func(c *gin.Context) {
		if !limiter.Allow() {
			log.Warn("rate limit exceeded", zap.String("ip", c.ClientIP()), zap.String("path", c.FullPath()))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded, try again later", ErrorCode: CodeRateLimited})
			return
		}
		c.Next()
	}
}

// requireCredentials rejects requests without login headers before any
// session work happens.
func (s *Server) requireCredentials() gin.HandlerFunc {
	return func(c *gin.Context) {
		creds, err := credentials.FromHeader(c.Request.Header)
		if err != nil {
			s.abort(c, err)
			return
		}
		c.Set(ctxCredentials, creds)
		c.Next()
	}
}

// ensureSession makes sure a session for the request's credentials exists
// and returns those credentials.
func (s *Server) ensureSession(c *gin.Context) (credentials.Credentials, error) {
	v, ok := c.Get(ctxCredentials)
	if !ok {
		return credentials.Credentials{}, credentials.ErrMissing
	}
	creds := v.(credentials.Credentials)
	if _, err := s.Sessions.EnsureSession(c.Request.Context(), creds); err != nil {
		return creds, err
	}
	return creds, nil
}

func (s *Server) recovered(c *gin.Context, v any) {
	s.log().Error("handler panic", zap.Any("panic", v), zap.String("path", c.Request.URL.Path))
	c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody{Error: "internal error", ErrorCode: CodeProcessingError})
}

// Start serves h on addr until ctx is done.
func Start(ctx context.Context, addr string, h http.Handler, log *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info("listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
