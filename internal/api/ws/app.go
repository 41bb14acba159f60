package ws

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/GlassRelay/backend/internal/domain/app"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/shared/types"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/shared/utils"
)

var errBadInit = errors.New("first message must be connection_init with a packageName")

// HandleApp serves /app-ws. The app must open with connection_init; the
// connection is then bound to the app's session until it closes.
func (h *Handler) HandleApp(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("App WebSocket upgrade failed", zap.Error(err))
		return
	}
	s := newSocket(conn, h.cfg, h.log.With(zap.String("kind", "app")))
	h.opened("app")
	defer h.closed("app")

	init, userID, err := h.readInit(s, c.Query("userId"))
	if err != nil {
		h.reject(s, app.CloseNotStarted, err)
		return
	}
	log := s.log.With(zap.String("user_id", userID), zap.String("package", init.PackageName))

	user, ok := h.registry.Get(userID)
	if !ok {
		h.reject(s, app.CloseNotStarted, app.ErrAppNotStarted)
		return
	}
	apps := user.Apps()

	// Reset the read deadline left by the init wait
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	if _, err := apps.AttachAppConnection(s, init); err != nil {
		h.reject(s, app.CloseNotStarted, err)
		return
	}
	go s.keepalive()

	var cause error
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if !isExpectedClose(err) {
				log.Warn("App WebSocket read error", zap.Error(err))
			}
			cause = err
			break
		}
		if kind != websocket.TextMessage {
			continue
		}
		msg, err := types.Decode(data)
		if err != nil {
			log.Debug("Dropping malformed app frame", zap.Error(err))
			continue
		}
		h.recordIn(msg.Type)
		if err := apps.HandleAppMessage(init.PackageName, s.ID(), msg); err != nil {
			if errors.Is(err, app.ErrAppNotRunning) || errors.Is(err, app.ErrManagerDisposed) {
				cause = err
				break
			}
			log.Debug("App message not handled", zap.String("type", msg.Type), zap.Error(err))
		}
	}

	apps.HandleTransportClosed(init.PackageName, s.ID(), cause)
	_ = s.Close(websocket.CloseNormalClosure, "")
}

func (h *Handler) readInit(s *socket, queryUser string) (app.Init, string, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(h.cfg.InitTimeout))
	kind, data, err := s.conn.ReadMessage()
	if err != nil {
		return app.Init{}, "", err
	}
	if kind != websocket.TextMessage {
		return app.Init{}, "", errBadInit
	}
	msg, err := types.Decode(data)
	if err != nil {
		return app.Init{}, "", err
	}
	if msg.Type != types.MsgConnectionInit || msg.PackageName == "" {
		return app.Init{}, "", errBadInit
	}
	h.recordIn(msg.Type)

	userID := msg.UserID
	if userID == "" {
		userID = queryUser
	}
	if err := utils.ValidateUserID(userID); err != nil {
		return app.Init{}, "", err
	}
	if err := utils.ValidatePackageName(msg.PackageName); err != nil {
		return app.Init{}, "", err
	}
	return app.Init{PackageName: msg.PackageName, Reconnect: msg.Reconnect}, userID, nil
}

// reject tells the app why and closes the socket
func (h *Handler) reject(s *socket, code int, cause error) {
	s.log.Info("Rejecting app connection", zap.Error(cause))
	msg := types.NewMessage(types.MsgConnectionError)
	msg.Error = cause.Error()
	_ = s.sendMessage(msg)
	_ = s.Close(code, cause.Error())
}
