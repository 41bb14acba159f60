package ws

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/GlassRelay/backend/internal/domain/session"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/shared/queue"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/shared/types"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/shared/utils"
)

// deviceLink queues frames for the device and writes them from its own
// goroutine, so Send never blocks the app manager.
type deviceLink struct {
	*socket
	queue *queue.Queue[types.Frame]
}

func newDeviceLink(s *socket, size int) *deviceLink {
	return &deviceLink{socket: s, queue: queue.New[types.Frame](size, queue.DropOldest)}
}

// Send queues frame for the device
func (d *deviceLink) Send(frame types.Frame) bool {
	return d.queue.Push(frame)
}

// Close stops the writer and closes the socket
func (d *deviceLink) Close(code int, reason string) error {
	d.queue.Close()
	return d.socket.Close(code, reason)
}

func (d *deviceLink) pump() {
	for {
		select {
		case <-d.done:
			return
		case <-d.queue.Ready():
		}
		for _, frame := range d.queue.Drain() {
			if err := d.Write(frame); err != nil {
				d.log.Debug("Device write failed", zap.Error(err))
				_ = d.socket.conn.Close()
				return
			}
		}
	}
}

// HandleDevice serves /glasses-ws. Connecting a device creates the user's
// session if needed.
func (h *Handler) HandleDevice(c *gin.Context) {
	userID := c.Query("userId")
	if err := utils.ValidateUserID(userID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, _, err := h.registry.GetOrCreate(userID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("Device WebSocket upgrade failed", zap.Error(err))
		return
	}
	s := newSocket(conn, h.cfg, h.log.With(zap.String("kind", "device"), zap.String("user_id", userID)))
	link := newDeviceLink(s, h.cfg.DeviceQueueSize)
	h.opened("device")
	defer h.closed("device")

	go link.pump()
	go s.keepalive()
	if err := user.AttachDevice(link); err != nil {
		_ = link.Close(websocket.CloseGoingAway, err.Error())
		return
	}

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if !isExpectedClose(err) {
				s.log.Warn("Device WebSocket read error", zap.Error(err))
			}
			break
		}
		switch kind {
		case websocket.BinaryMessage:
			h.recordIn("audio_chunk")
			user.HandleDeviceAudio(data)
		case websocket.TextMessage:
			h.recordIn("device")
			if _, err := user.HandleDeviceMessage(data); err != nil && !errors.Is(err, session.ErrUnroutable) {
				s.log.Debug("Device message not handled", zap.Error(err))
			}
		}
	}

	user.DetachDevice(link.ID())
	_ = link.Close(websocket.CloseNormalClosure, "")
}
