package httpapi

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gezhigang000/taskbot/internal/core"
	wshandler "github.com/gezhigang000/taskbot/internal/ws"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type Server struct {
	Relay          *core.Router
	WSOptions      wshandler.Options
	AllowedOrigins []string
	// TrustedProxies lists proxy addresses or CIDRs whose X-Forwarded-For
	// is believed. Empty trusts none and uses the socket address.
	TrustedProxies []string
	Logger         *slog.Logger
}

type registerRequest struct {
	Name string `json:"name"`
}

type registerResponse struct {
	AgentID  string `json:"agent_id"`
	AgentKey string `json:"agent_key"`
	Name     string `json:"name"`
	Message  string `json:"message"`
}

func (s *Server) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// Router builds the gin engine serving the REST API, health check and the
// two WebSocket endpoints.
func (s *Server) Router() http.Handler {
	log := s.logger()
	router := gin.New()
	if err := router.SetTrustedProxies(s.TrustedProxies); err != nil {
		log.Error("invalid trusted proxies, trusting none", "err", err)
		_ = router.SetTrustedProxies(nil)
	}
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(s.AllowedOrigins))
	router.Use(loggingMiddleware(log.With("component", "http")))

	ws := &wshandler.Handler{
		Router: s.Relay,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     wshandler.OriginChecker(s.AllowedOrigins),
		},
		Options: s.WSOptions,
		Logger:  log.With("component", "ws"),
	}

	router.GET("/health", s.handleHealth)

	api := router.Group("/api")
	{
		api.POST("/agents", s.handleRegister)
		api.GET("/agents", s.handleListAgents)
		api.GET("/agents/:id", s.handleGetAgent)
	}

	router.GET("/ws/agent/:id", func(c *gin.Context) {
		ws.ServeAgent(c.Writer, c.Request, c.Param("id"), c.ClientIP())
	})
	router.GET("/ws/client/:id", func(c *gin.Context) {
		ws.ServeClient(c.Writer, c.Request, c.Param("id"), c.ClientIP())
	})
	return router
}

func (s *Server) handleRegister(c *gin.Context) {
	var req registerRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	if req.Name == "" {
		req.Name = c.Query("name")
	}
	creds, err := s.Relay.RegisterAgent(req.Name, c.ClientIP())
	if err != nil {
		if errors.Is(err, core.ErrRateLimited) {
			var rl *core.RateLimitError
			if errors.As(err, &rl) {
				c.Header("Retry-After", strconv.Itoa(int(math.Ceil(rl.RetryAfter.Seconds()))))
			}
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many registrations, try again later"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create agent"})
		return
	}
	info, _ := s.Relay.Registry().GetAgent(creds.ID)
	c.JSON(http.StatusCreated, registerResponse{
		AgentID:  creds.ID,
		AgentKey: creds.Key,
		Name:     info.Name,
		Message:  "Save the agent_key securely. It will not be shown again.",
	})
}

func (s *Server) handleListAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": s.Relay.Registry().ListAgents()})
}

func (s *Server) handleGetAgent(c *gin.Context) {
	info, ok := s.Relay.Registry().GetAgent(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleHealth(c *gin.Context) {
	st := s.Relay.Registry().Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":            "healthy",
		"agents_total":      st.AgentsTotal,
		"agents_online":     st.AgentsOnline,
		"clients_connected": st.ClientsConnected,
	})
}

func corsMiddleware(allowed []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	for _, o := range allowed {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cors.New(cfg)
		}
	}
	if len(allowed) == 0 {
		cfg.AllowAllOrigins = true
		return cors.New(cfg)
	}
	cfg.AllowOrigins = allowed
	cfg.AllowCredentials = true
	return cors.New(cfg)
}

// loggingMiddleware logs one line per request. WebSocket sessions are
// logged when they end, with the whole session as latency.
func loggingMiddleware(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency", time.Since(start),
			"remote", c.ClientIP(),
		}
		switch {
		case status >= http.StatusInternalServerError:
			log.Error("http request", attrs...)
		case status >= http.StatusBadRequest:
			log.Warn("http request", attrs...)
		default:
			log.Debug("http request", attrs...)
		}
	}
}
