package api

import (
	"net/http"
	"net/url"

	"orderwizard/internal/ws"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func (d Dependencies) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r.Header.Get("Origin"), d.AllowedOrigins)
		},
	}
}

// originAllowed accepts requests without an Origin header (non-browser clients)
func originAllowed(origin string, allowed []string) bool {
	if origin == "" || len(allowed) == 0 {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, a := range allowed {
		if a == "*" || a == origin || a == u.Host {
			return true
		}
	}
	return false
}

func (d Dependencies) wsHandler(w http.ResponseWriter, r *http.Request) {
	if d.Hub == nil {
		d.Log.Error("WebSocket hub not initialized")
		WriteError(w, http.StatusServiceUnavailable, "ws_unavailable", "WebSocket hub not initialized", d.Log)
		return
	}

	userID, err := d.Auth.OperatorFromRequest(r)
	if err != nil {
		WriteError(w, http.StatusUnauthorized, "unauthorized", "Invalid token", d.Log)
		return
	}
	if userID == "" {
		userID = "anonymous"
	}

	conn, err := d.upgrader().Upgrade(w, r, nil)
	if err != nil {
		d.Log.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}
	d.Log.Info("WebSocket connected", zap.String("user", userID), zap.String("remote", r.RemoteAddr))

	wsConn := ws.NewConn(conn, d.Hub, userID)
	d.Hub.Register(wsConn)

	go wsConn.WritePump()
	go wsConn.ReadPump()
}
