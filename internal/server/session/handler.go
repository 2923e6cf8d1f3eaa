package session

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/openfleet/openfleet/internal/common/config"
	"github.com/openfleet/openfleet/internal/common/logger"
	"github.com/openfleet/openfleet/internal/server/registry"
	"github.com/openfleet/openfleet/internal/server/store"
	v1 "github.com/openfleet/openfleet/pkg/api/v1"
	"github.com/openfleet/openfleet/pkg/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Agents connect from anywhere on the LAN/WAN; auth is the token.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades agent connections on GET /ws/agent/:device_id.
type Handler struct {
	cfg    config.AgentConfig
	store  store.Store
	reg    *registry.Registry
	logger *logger.Logger
}

// NewHandler creates the WebSocket endpoint handler.
func NewHandler(cfg config.AgentConfig, st store.Store, reg *registry.Registry, log *logger.Logger) *Handler {
	return &Handler{cfg: cfg, store: st, reg: reg, logger: log}
}

// RegisterRoutes attaches the agent session route.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/ws/agent/:device_id", h.handleAgentSession)
}

func (h *Handler) handleAgentSession(c *gin.Context) {
	deviceID := c.Param("device_id")
	token := c.Query("token")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed",
			zap.String("device_id", deviceID), zap.Error(err))
		return
	}

	// The token check happens after the upgrade so the agent receives a
	// close frame with a distinct code instead of an opaque HTTP error.
	if token != h.cfg.Token {
		h.logger.Warn("agent session rejected: bad token",
			zap.String("device_id", deviceID))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(wire.CloseBadToken, "invalid token"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	platform := h.devicePlatform(c, deviceID)
	s := New(deviceID, platform, conn, h.store, h.reg, h.cfg.WriteBufferSize, h.logger)
	s.Run(c.Request.Context())
}

// devicePlatform resolves the platform from the device record; a device
// connecting before its first check-in gets an empty platform and is
// excluded from platform-filtered pushes until it checks in.
func (h *Handler) devicePlatform(c *gin.Context, deviceID string) v1.Platform {
	d, err := h.store.GetDevice(c.Request.Context(), deviceID)
	if err != nil {
		return ""
	}
	return d.Platform
}
