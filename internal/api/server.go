// Package api serves the HTTP and WebSocket surface: health, Prometheus
// metrics, the real-time event feeds and a polling fallback for clients
// that cannot hold a socket.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"mexc-sniper-bot/config"
	"mexc-sniper-bot/internal/database"
	"mexc-sniper-bot/internal/events"
	"mexc-sniper-bot/internal/metrics"
	"mexc-sniper-bot/internal/tracker"
)

// HealthCheck probes one dependency; false marks the component degraded.
type HealthCheck func(ctx context.Context) bool

// TradeHistorySource loads recent attempts for the REST surface.
type TradeHistorySource interface {
	RecentTrades(ctx context.Context, limit int) ([]database.TradeAttempt, error)
	RecentListings(ctx context.Context, limit int) ([]database.ListingEvent, error)
}

// Server is the HTTP/WebSocket front end.
type Server struct {
	cfg     config.ServerConfig
	logger  zerolog.Logger
	hub     *WSHub
	history *History
	book    *tracker.Tracker
	store   TradeHistorySource
	checks  map[string]HealthCheck
	srv     *http.Server
}

// NewServer builds the server and subscribes it to the event bus.
func NewServer(cfg config.ServerConfig, bus *events.Bus, mc *metrics.Collector,
	book *tracker.Tracker, store TradeHistorySource, checks map[string]HealthCheck, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		hub:     NewWSHub(logger),
		history: NewHistory(),
		book:    book,
		store:   store,
		checks:  checks,
	}

	if bus != nil {
		bus.SubscribeAll(func(e events.Event) {
			s.history.Record(e)
			s.hub.BroadcastEvent(e)
		})
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.CORSEnabled {
		corsCfg := cors.DefaultConfig()
		if len(cfg.AllowedOrigins) == 0 || contains(cfg.AllowedOrigins, "*") {
			corsCfg.AllowAllOrigins = true
		} else {
			corsCfg.AllowOrigins = cfg.AllowedOrigins
		}
		corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization")
		router.Use(cors.New(corsCfg))
	}
	if cfg.IPWhitelistEnabled {
		router.Use(s.ipWhitelist())
	}

	router.GET("/healthz", s.handleHealth)
	if mc != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(mc.Registry, promhttp.HandlerOpts{})))
	}

	router.GET("/ws", s.handleWebSocket(""))
	router.GET("/ws/bot", s.handleWebSocket("bot"))
	router.GET("/ws/alerts", s.handleWebSocket("alerts"))
	router.GET("/ws/performance", s.handleWebSocket("performance"))

	apiGroup := router.Group("/api")
	{
		apiGroup.GET("/stream/:channel", s.handleStream)
		apiGroup.GET("/positions", s.handlePositions)
		apiGroup.GET("/trades/recent", s.handleRecentTrades)
		apiGroup.GET("/listings/recent", s.handleRecentListings)
	}

	s.srv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // websockets hold the connection
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start runs the hub and the listener. Blocks until the listener stops.
func (s *Server) Start() error {
	go s.hub.Run()
	s.logger.Info().Str("addr", s.srv.Addr).Msg("api server listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop drains WebSocket clients and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Shutdown()
	return s.srv.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) handleHealth(c *gin.Context) {
	status := http.StatusOK
	components := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if check(c.Request.Context()) {
			components[name] = "healthy"
		} else {
			components[name] = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	c.JSON(status, gin.H{
		"status":     httpStatusWord(status),
		"components": components,
		"ws_clients": s.hub.ClientCount(),
	})
}

func httpStatusWord(status int) string {
	if status == http.StatusOK {
		return "ok"
	}
	return "degraded"
}

func (s *Server) handleStream(c *gin.Context) {
	channel := c.Param("channel")
	var since uint64
	if raw := c.Query("since"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be a sequence number"})
			return
		}
		since = parsed
	}
	entries, ok := s.history.Since(channel, since)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown channel " + channel})
		return
	}
	if entries == nil {
		entries = []HistoryEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"channel": channel, "events": entries})
}

func (s *Server) handlePositions(c *gin.Context) {
	if s.book == nil {
		c.JSON(http.StatusOK, gin.H{"positions": []interface{}{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": s.book.List()})
}

func (s *Server) handleRecentTrades(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusOK, gin.H{"trades": []interface{}{}})
		return
	}
	trades, err := s.store.RecentTrades(c.Request.Context(), tradesHistoryCap)
	if err != nil {
		s.logger.Error().Err(err).Msg("recent trades query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) handleRecentListings(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusOK, gin.H{"listings": []interface{}{}})
		return
	}
	listings, err := s.store.RecentListings(c.Request.Context(), listingsHistoryCap)
	if err != nil {
		s.logger.Error().Err(err).Msg("recent listings query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"listings": listings})
}

// ipWhitelist rejects clients whose address is not on the allow list.
func (s *Server) ipWhitelist() gin.HandlerFunc {
	allowed := make(map[string]bool, len(s.cfg.IPWhitelist))
	for _, ip := range s.cfg.IPWhitelist {
		allowed[ip] = true
	}
	return func(c *gin.Context) {
		if !allowed[c.ClientIP()] {
			s.logger.Warn().Str("ip", c.ClientIP()).Msg("request from non-whitelisted address")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
