package api

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	if s.Hub == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"broadcaster not ready"}`))
		conn.Close()
		return
	}
	s.Hub.Serve(conn)
}
