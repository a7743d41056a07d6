package realtime

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"retroboard/api/internal/util"
)

const (
	// Outbound frames queued per connection before the hub starts dropping.
	sendBufferSize = 64
	writeTimeout   = 10 * time.Second
)

// WSHandler upgrades HTTP requests to websocket connections and runs them
// against the hub.
type WSHandler struct {
	hub        *Hub
	corsOrigin string
}

func NewWSHandler(hub *Hub, corsOrigin string) *WSHandler {
	return &WSHandler{hub: hub, corsOrigin: corsOrigin}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if h.corsOrigin == "*" {
		opts.InsecureSkipVerify = true
	} else if h.corsOrigin != "" {
		opts.OriginPatterns = []string{h.corsOrigin}
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		log.Printf(`{"msg":"websocket accept failed","error":%q}`, err.Error())
		return
	}

	connID := util.NewID("conn")
	client := &wsClient{
		conn:   conn,
		connID: connID,
		out:    make(chan outbound, sendBufferSize),
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	h.hub.Connect(connID, client)
	defer h.hub.Disconnect(context.Background(), connID)

	go client.writePump(ctx)
	client.readLoop(ctx, h.hub)

	conn.Close(websocket.StatusNormalClosure, "bye")
}

type outbound struct {
	Envelope Envelope
}

type wsClient struct {
	conn   *websocket.Conn
	connID string
	out    chan outbound
}

// Send queues an event for delivery. When the buffer is full the frame is
// dropped; the client will resynchronize from the next full state push.
func (c *wsClient) Send(event, id string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		log.Printf(`{"msg":"marshal outbound event failed","event":%q,"error":%q}`, event, err.Error())
		return
	}
	select {
	case c.out <- outbound{Envelope: Envelope{Event: event, ID: id, Data: payload}}:
	default:
		log.Printf(`{"msg":"send buffer full, dropping frame","conn":%q,"event":%q}`, c.connID, event)
	}
}

func (c *wsClient) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-c.out:
			raw, err := json.Marshal(frame.Envelope)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = c.conn.Write(writeCtx, websocket.MessageText, raw)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (c *wsClient) readLoop(ctx context.Context, hub *Hub) {
	for {
		_, raw, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.Send(EventError, "", errorPayload{Code: "INVALID_FRAME", Message: "Malformed frame"})
			continue
		}
		hub.Dispatch(ctx, c.connID, env)
	}
}
