package websocket

import (
	"github.com/gofiber/websocket/v2"
)

// ServeWs attaches the connection to the hub for one note.
func ServeWs(hub *Hub, c *websocket.Conn, noteUUID string) {
	client := &Client{Hub: hub, Conn: c, NoteUUID: noteUUID, Send: make(chan []byte, 256)}
	if !hub.Register(client) {
		c.Close()
		return
	}

	go client.writePump()
	client.readPump() // blocks for the life of the connection
}
