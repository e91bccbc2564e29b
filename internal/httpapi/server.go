package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/aiennonprofit/pumpkin-voting/internal/metrics"
	"github.com/aiennonprofit/pumpkin-voting/pkg/voting"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies are the collaborators the HTTP API serves.
type Dependencies struct {
	Service *voting.Service
	Feed    *voting.Feed
	Store   Pinger
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Run serves the HTTP API until ctx ends.
func Run(ctx context.Context, cfg Config, deps Dependencies) error {
	router, err := NewRouter(cfg, deps)
	if err != nil {
		return err
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: cfg.RequestTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter validates cfg and wires every route.
func NewRouter(cfg Config, deps Dependencies) (*gin.Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Service == nil || deps.Feed == nil {
		return nil, fmt.Errorf("%w: http api requires a service and a feed", voting.ErrInvalidServiceConfig)
	}
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	handler := &httpHandler{
		logger:   logger,
		service:  deps.Service,
		feed:     deps.Feed,
		store:    deps.Store,
		cfg:      cfg,
		resolver: principalResolver{adminRole: cfg.AdminRole, adminEmails: cfg.AdminEmails},
		limiter:  newVoteLimiter(cfg.VoteRatePerSecond, cfg.VoteBurst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
	}
	return setupRouter(cfg, handler, validator, deps.Metrics), nil
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator, collectors *metrics.Metrics) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	if collectors != nil {
		router.Use(collectors.Middleware())
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", handler.handleHealth)
	if collectors != nil {
		router.GET("/metrics", gin.WrapH(collectors.Handler()))
	}

	public := router.Group("/api")
	public.GET("/gallery", handler.handleGallery)
	public.GET("/gallery/stream", handler.handleStream)
	public.GET("/leaderboard", handler.handleLeaderboard)
	public.GET("/entries/:id", handler.handleEntry)

	session := router.Group("/api")
	session.Use(validator.GinMiddleware(claimsContextKey))
	session.GET("/session", handler.handleSession)
	session.POST("/entries", handler.handleSubmit)
	session.GET("/entries", handler.handleListEntries)
	session.POST("/entries/:id/vote", handler.handleVote)
	session.GET("/me/vote", handler.handleMyVote)
	session.POST("/entries/:id/status", handler.handleSetStatus)
	session.DELETE("/entries/:id", handler.handleDelete)
	session.POST("/admin/reset-votes", handler.handleResetVotes)
	session.POST("/admin/rebuild-tallies", handler.handleRebuildTallies)
	session.GET("/admin/moderation-events", handler.handleModerationEvents)

	return router
}

func originChecker(allowedOrigins []string) func(*http.Request) bool {
	return func(request *http.Request) bool {
		origin := request.Header.Get("Origin")
		return origin == "" || slices.Contains(allowedOrigins, origin) || slices.Contains(allowedOrigins, "*")
	}
}
