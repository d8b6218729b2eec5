package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/transport"
)

const claimsContextKey = "gravity_access_claims"

var (
	errMissingAuthority   = errors.New("authority dependency required")
	errMissingTokenIssuer = errors.New("token validator dependency required")
)

// TokenValidator validates replica access tokens.
type TokenValidator interface {
	ValidateRequest(r *http.Request) (auth.AccessClaims, error)
}

// Dependencies wires the HTTP surface of the sync authority.
type Dependencies struct {
	Authority *Authority
	Tokens    TokenValidator
	Heartbeat transport.HeartbeatConfig
	Logger    *zap.Logger
}

// NewHTTPHandler builds the gin router: /ws for replicas, /healthz and /metrics.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Authority == nil {
		return nil, errMissingAuthority
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenIssuer
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		authority: deps.Authority,
		tokens:    deps.Tokens,
		heartbeat: deps.Heartbeat,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origins are enforced by the cors middleware and the bearer token.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/ws", handler.handleWebSocket)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Sec-WebSocket-Protocol"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	authority *Authority
	tokens    TokenValidator
	heartbeat transport.HeartbeatConfig
	logger    *zap.Logger
	upgrader  websocket.Upgrader
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": h.authority.Connections(),
		"documents":   h.authority.registry.Len(),
	})
}

func (h *httpHandler) handleWebSocket(c *gin.Context) {
	claims, ok := c.Get(claimsContextKey)
	accessClaims, valid := claims.(auth.AccessClaims)
	if !ok || !valid {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	peer := transport.NewServerTransport(conn, h.heartbeat, h.logger)
	if err := h.authority.Serve(c.Request.Context(), peer, accessClaims); err != nil {
		h.logger.Debug("replica connection ended", zap.Error(err))
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.tokens.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(claimsContextKey, claims)
	c.Next()
}
