// Package status serves the HTTP control surface and the websocket event
// feed for a running station.
package status

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/flydragon/internal/connection"
	"github.com/danmuck/flydragon/internal/eventloop"
	"github.com/danmuck/flydragon/internal/observability"
	"github.com/danmuck/flydragon/internal/protocol"
	"github.com/danmuck/flydragon/internal/station"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const Version = "0.1.0"

var ErrInvalidID = errors.New("status: invalid connection id")

// Controller is the station surface the HTTP handlers drive. Every method
// must be safe to call from a request goroutine.
type Controller interface {
	Name() string
	Appeared() time.Time
	Connections(ctx context.Context) ([]connection.Info, error)
	Connection(ctx context.Context, id uint64) (connection.Info, error)
	Connect(ctx context.Context, name, addr string) (connection.Info, error)
	Disconnect(ctx context.Context, id uint64) error
	RequestStream(ctx context.Context, id uint64, on bool) error
	RequestFoveate(ctx context.Context, id uint64, on bool) error
	SendFixation(ctx context.Context, id uint64, f protocol.Fixation) error
	SubscribeEvents(ctx context.Context, fn func(station.Event)) (func(), error)
}

var _ Controller = (*station.Station)(nil)

type Config struct {
	Addr           string
	CORSOrigins    []string
	RequestTimeout time.Duration
	Hub            HubConfig
}

func DefaultConfig() Config {
	return Config{
		Addr:           "127.0.0.1:7481",
		RequestTimeout: 2 * time.Second,
		Hub:            DefaultHubConfig(),
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = def.Addr
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	c.Hub = c.Hub.WithDefaults()
	return c
}

type Server struct {
	cfg    Config
	ctrl   Controller
	router *gin.Engine
	hub    *Hub
}

func New(ctrl Controller, cfg Config) *Server {
	cfg = cfg.WithDefaults()
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(ctrl.Name()))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		cfg:    cfg,
		ctrl:   ctrl,
		router: r,
		hub:    NewHub(cfg.Hub),
	}
	s.RegisterRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) RegisterRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.ctrl.Appeared()).String(),
			"service": s.ctrl.Name(),
			"version": Version,
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/events", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	r.GET("/connections", func(c *gin.Context) {
		ctx, cancel := s.requestContext(c)
		defer cancel()
		list, err := s.ctrl.Connections(ctx)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"connections": list})
	})

	r.POST("/connections", func(c *gin.Context) {
		var req struct {
			Name string `json:"name"`
			Addr string `json:"addr" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ctx, cancel := s.requestContext(c)
		defer cancel()
		info, err := s.ctrl.Connect(ctx, req.Name, req.Addr)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, info)
	})

	r.GET("/connections/:id", func(c *gin.Context) {
		id, ok := connectionID(c)
		if !ok {
			return
		}
		ctx, cancel := s.requestContext(c)
		defer cancel()
		info, err := s.ctrl.Connection(ctx, id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, info)
	})

	r.DELETE("/connections/:id", func(c *gin.Context) {
		id, ok := connectionID(c)
		if !ok {
			return
		}
		ctx, cancel := s.requestContext(c)
		defer cancel()
		if err := s.ctrl.Disconnect(ctx, id); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.POST("/connections/:id/stream", s.toggle(s.ctrl.RequestStream))
	r.POST("/connections/:id/foveate", s.toggle(s.ctrl.RequestFoveate))

	r.POST("/connections/:id/fixation", func(c *gin.Context) {
		id, ok := connectionID(c)
		if !ok {
			return
		}
		var f protocol.Fixation
		if err := c.ShouldBindJSON(&f); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ctx, cancel := s.requestContext(c)
		defer cancel()
		if err := s.ctrl.SendFixation(ctx, id, f); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "fixation": f})
	})
}

func (s *Server) toggle(fn func(context.Context, uint64, bool) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := connectionID(c)
		if !ok {
			return
		}
		var req struct {
			Enabled *bool `json:"enabled" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ctx, cancel := s.requestContext(c)
		defer cancel()
		if err := fn(ctx, id, *req.Enabled); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "enabled": *req.Enabled})
	}
}

// Watch forwards station events to websocket watchers until the returned
// func is called.
func (s *Server) Watch(ctx context.Context) (func(), error) {
	return s.ctrl.SubscribeEvents(ctx, s.hub.Publish)
}

// Serve listens on cfg.Addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	unwatch, err := s.Watch(ctx)
	if err != nil {
		return err
	}
	defer unwatch()

	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Msgf("status.Server listening addr=%q", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.hub.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
}

func connectionID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": ErrInvalidID.Error()})
		return 0, false
	}
	return id, true
}

func writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, connection.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, connection.ErrNotConnected), errors.Is(err, connection.ErrAlreadyActive):
		return http.StatusConflict
	case errors.Is(err, connection.ErrAddressRequired), errors.Is(err, station.ErrInvalidFixation):
		return http.StatusBadRequest
	case errors.Is(err, station.ErrNotRunning), errors.Is(err, eventloop.ErrLoopClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
