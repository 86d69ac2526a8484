package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	gorilla "github.com/gorilla/websocket"

	"github.com/gocomet/ride-dispatch/internal/api/dto"
	"github.com/gocomet/ride-dispatch/internal/domain/ride"
	apperrors "github.com/gocomet/ride-dispatch/pkg/errors"
	"github.com/gocomet/ride-dispatch/pkg/logger"
	"github.com/gocomet/ride-dispatch/pkg/websocket"
)

type websocketUpgrader = gorilla.Upgrader

func newUpgrader(read, write int) websocketUpgrader {
	return gorilla.Upgrader{
		ReadBufferSize:  read,
		WriteBufferSize: write,
		CheckOrigin: func(r *http.Request) bool {
			return true // origin is enforced by the gateway in front of us
		},
	}
}

// HandleWebSocket handles GET /v1/ws
func (h *Handlers) HandleWebSocket(c *gin.Context) {
	if h.Hub == nil {
		h.respondError(c, apperrors.ServiceUnavailable("Real-time updates are disabled", nil))
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.Logger.Error("Failed to upgrade to WebSocket", logger.Err(err))
		return
	}

	actor := currentActor(c)
	client := websocket.NewClient(h.Hub, conn, actor.ID, string(actor.Role), h.Logger)
	if !h.Hub.Register(client) {
		conn.Close()
		return
	}

	// The request context ends with the handler; frames outlive it.
	go client.WritePump()
	go client.ReadPump(context.Background())
}

// LocationFrames handles "location" frames sent by drivers over the socket,
// the streaming alternative to POST /v1/drivers/location.
func LocationFrames(drivers DriverService) websocket.MessageHandler {
	return func(ctx context.Context, c *websocket.Client, msg websocket.ClientMessage) error {
		if msg.Type != "location" {
			return fmt.Errorf("unknown message type %q", msg.Type)
		}
		if c.Role != string(ride.RoleDriver) {
			return ride.ErrUnauthorized
		}

		var req dto.UpdateLocationRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return fmt.Errorf("malformed location: %w", err)
		}
		if req.Longitude == nil || req.Latitude == nil {
			return fmt.Errorf("longitude and latitude are required")
		}

		_, err := drivers.UpdateLocation(ctx, c.UserID, locationUpdate(req))
		return err
	}
}
