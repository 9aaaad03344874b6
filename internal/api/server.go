package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"spot-trading-engine/internal/auth"
	"spot-trading-engine/internal/cache"
	"spot-trading-engine/internal/database"
	"spot-trading-engine/internal/events"
	"spot-trading-engine/internal/metrics"
)

// Store is the read surface the API serves from.
type Store interface {
	HealthCheck(ctx context.Context) error
	GetOpenPositions(ctx context.Context) ([]*database.Position, error)
	GetRecentPositions(ctx context.Context, limit int) ([]*database.Position, error)
	GetRecentTrades(ctx context.Context, limit int) ([]*database.Trade, error)
	GetOrCreateRiskState(ctx context.Context, date time.Time, startingBalance float64) (*database.RiskState, error)
	GetUpcomingEvents(ctx context.Context, now time.Time) ([]*database.EconomicEvent, error)
	GetUserPasswordHash(ctx context.Context, username string) (string, error)
}

// Engine is the control surface the API exposes over the trading engine.
type Engine interface {
	GetStats(ctx context.Context) map[string]interface{}
	ResumeTrading(ctx context.Context) error
	ClosePosition(ctx context.Context, positionID int64, reason string) error
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Port            int
	Host            string
	AllowedOrigins  string // Comma separated
	ProductionMode  bool
	ReadTimeout     int // Seconds
	WriteTimeout    int // Seconds
	ShutdownTimeout int // Seconds
}

// Server is the operator-facing HTTP API.
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	store       Store
	engine      Engine
	market      *cache.MarketCache
	jwtManager  *auth.JWTManager
	authEnabled bool
	hub         *WSHub
	config      ServerConfig
}

// NewServer creates the API server. jwtManager may be nil to run the API
// without authentication; market may be nil to skip the dashboard relay.
func NewServer(
	config ServerConfig,
	store Store,
	engine Engine,
	market *cache.MarketCache,
	eventBus *events.EventBus,
	jwtManager *auth.JWTManager,
) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = splitOrigins(config.AllowedOrigins)
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:      router,
		store:       store,
		engine:      engine,
		market:      market,
		jwtManager:  jwtManager,
		authEnabled: jwtManager != nil,
		hub:         NewWSHub(),
		config:      config,
	}

	server.setupRoutes()

	if eventBus != nil {
		eventBus.SubscribeAll(server.hub.BroadcastEvent)
	}

	return server
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))
	s.router.POST("/api/v1/login", s.handleLogin)
	s.router.GET("/ws", s.handleWebSocket)

	v1 := s.router.Group("/api/v1")
	if s.authEnabled {
		v1.Use(auth.Middleware(s.jwtManager))
	}
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/positions", s.handlePositions)
		v1.GET("/trades", s.handleTrades)
		v1.GET("/risk", s.handleRiskState)
		v1.GET("/events", s.handleUpcomingEvents)
		v1.POST("/risk/resume", s.handleResumeTrading)
		v1.POST("/positions/:id/close", s.handleClosePosition)
	}
}

// Start runs the hub, the cache relays, and the HTTP listener.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	if s.market != nil {
		go s.relayChannel(ctx, cache.ChannelDashboard)
		go s.relayChannel(ctx, cache.ChannelPriceStream)
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
	}

	log.Printf("[API] Listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown() error {
	if s.httpServer == nil {
		return nil
	}
	timeout := time.Duration(s.config.ShutdownTimeout) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// relayChannel forwards one cache pub/sub channel to every connected
// websocket client, so multiple engine processes share one feed.
func (s *Server) relayChannel(ctx context.Context, channel string) {
	pubsub := s.market.Subscribe(channel)
	defer pubsub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-pubsub.Channel():
			if !ok {
				return
			}
			s.hub.Broadcast([]byte(msg.Payload))
		}
	}
}

func splitOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		out = []string{"http://localhost:5173"}
	}
	return out
}
