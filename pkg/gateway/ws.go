package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/types"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || strings.Contains(origin, r.Host)
	},
}

// handleTaskStream bridges the caller's tasks:{user_id} channel onto a
// websocket. Events are forwarded as published, already JSON-encoded.
func (g *Gateway) handleTaskStream(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := g.Broker.Subscribe(r.Context(), types.TaskChannel(p.UserID))
	defer sub.Close()

	// Drain client frames so close/ping handling works.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sub.Close()
				return
			}
		}
	}()

	for msg := range sub.Channel() {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, msg.Payload); err != nil {
			log.Debug("Task stream closed: " + err.Error())
			return
		}
	}
}
