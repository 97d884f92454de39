package proxy

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// welcomeFrame is sent once per connection before any request is read.
type welcomeFrame struct {
	Type      string   `json:"type"`
	Peer      string   `json:"peer,omitempty"`
	Endpoints []string `json:"endpoints"`
}

// DataChannel carries the same request/response frames as POST
// /responses over a websocket, one JSON message per request. Requests on
// a connection are served in order.
type DataChannel struct {
	handler *Handler
	peer    string
	logger  *slog.Logger
}

// NewDataChannel builds the websocket surface over the dispatcher.
func NewDataChannel(h *Handler, peer string, logger *slog.Logger) *DataChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &DataChannel{handler: h, peer: peer, logger: logger.With("component", "p2p")}
}

func (d *DataChannel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	dataChannelConns.Inc()
	defer dataChannelConns.Dec()
	d.logger.Info("data channel connected", "remote", conn.RemoteAddr().String())

	welcome := welcomeFrame{Type: "welcome", Peer: d.peer, Endpoints: []string{"/responses"}}
	if err := conn.WriteJSON(welcome); err != nil {
		d.logger.Warn("welcome frame failed", "error", err)
		return
	}

	for {
		var req Request
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				d.logger.Warn("data channel read failed", "error", err)
			}
			return
		}
		resp := d.handler.Dispatch(r.Context(), &req, "")
		if err := conn.WriteJSON(resp); err != nil {
			d.logger.Warn("data channel write failed", "error", err)
			return
		}
	}
}
