package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // The UI may be served from another origin
	},
}

// HandleJobEvents upgrades the connection and streams job events. With
// ?job=<id> only that job's events are sent.
func HandleJobEvents(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Query("job")
		if jobID != "" {
			if _, err := uuid.Parse(jobID); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
				return
			}
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}

		client := NewClient(hub, conn, jobID)
		if !hub.add(client) {
			conn.Close()
			return
		}

		go client.WritePump()
		go client.ReadPump()
	}
}
