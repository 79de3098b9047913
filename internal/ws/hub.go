package ws

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	sendBuffer  = 256
	replayLimit = 100
	pongWait    = 60 * time.Second
	pingPeriod  = 54 * time.Second
	writeWait   = 10 * time.Second
)

// StreamEvent is one replayable entry of a channel
type StreamEvent struct {
	Channel   string
	Sequence  int64
	Event     map[string]interface{}
	Timestamp time.Time
}

// StreamsProvider backs ack and resume. Without one the hub only does live push.
type StreamsProvider interface {
	GetLastSequence(ctx context.Context, channel, connectionID string) (int64, error)
	AcknowledgeSequence(ctx context.Context, channel, connectionID string, sequence int64) error
	ReplayEvents(ctx context.Context, channel string, sinceSeq int64, limit int64) ([]StreamEvent, error)
}

// Hub fans bus events out to websocket clients subscribed to wizard and
// operator channels.
type Hub struct {
	mu         sync.RWMutex
	conns      map[*Conn]bool
	subs       map[string]map[*Conn]bool
	publish    chan Event
	log        *zap.Logger
	cmdHandler *CommandHandler
	ctx        context.Context
	streams    StreamsProvider
}

// Conn is one websocket client. The socket is nil for connections that are
// not backed by a network peer (tests drain send directly).
type Conn struct {
	ws     *websocket.Conn
	send   chan []byte
	hub    *Hub
	userID string
	subs   map[string]bool
	ctx    context.Context
	closed bool
}

// Event is queued by Publish and delivered by Run
type Event struct {
	Channel string
	Message map[string]interface{}
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		conns:   make(map[*Conn]bool),
		subs:    make(map[string]map[*Conn]bool),
		publish: make(chan Event, sendBuffer),
		log:     log,
		ctx:     context.Background(),
	}
}

func (h *Hub) SetCommandHandler(handler *CommandHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cmdHandler = handler
}

func (h *Hub) SetStreamsProvider(provider StreamsProvider) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.streams = provider
}

// Run delivers published events until ctx is done
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-h.publish:
			h.deliver(event)
		}
	}
}

func (h *Hub) deliver(event Event) {
	msg, err := json.Marshal(map[string]interface{}{
		"type":    "event",
		"channel": event.Channel,
		"seq":     event.Message["seq"],
		"data":    event.Message,
	})
	if err != nil {
		h.log.Warn("Failed to encode event", zap.String("channel", event.Channel), zap.Error(err))
		return
	}

	// sends happen under the read lock so unregister cannot close a target mid-send
	h.mu.RLock()
	var slow []*Conn
	for conn := range h.subs[event.Channel] {
		select {
		case conn.send <- msg:
		default:
			slow = append(slow, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range slow {
		h.log.Warn("Dropping slow websocket client", zap.String("user", conn.userID))
		h.unregister(conn)
	}
}

func (h *Hub) Register(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = true
}

func (h *Hub) unregister(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[conn]; !ok {
		return
	}
	delete(h.conns, conn)
	for channel := range conn.subs {
		if subs := h.subs[channel]; subs != nil {
			delete(subs, conn)
			if len(subs) == 0 {
				delete(h.subs, channel)
			}
		}
	}
	if !conn.closed {
		conn.closed = true
		close(conn.send)
	}
}

func (h *Hub) Subscribe(conn *Conn, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[channel] == nil {
		h.subs[channel] = make(map[*Conn]bool)
	}
	h.subs[channel][conn] = true
	conn.subs[channel] = true
}

func (h *Hub) Unsubscribe(conn *Conn, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs := h.subs[channel]; subs != nil {
		delete(subs, conn)
		if len(subs) == 0 {
			delete(h.subs, channel)
		}
	}
	delete(conn.subs, channel)
}

// Subscribers reports how many connections listen on a channel
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[channel])
}

// Publish queues message for channel; it never blocks the caller
func (h *Hub) Publish(channel string, message map[string]interface{}) {
	select {
	case h.publish <- Event{Channel: channel, Message: message}:
	default:
		h.log.Warn("Event queue full, event dropped", zap.String("channel", channel))
	}
}

// canSubscribe limits clients to wizard channels and their own operator channel
func canSubscribe(userID, channel string) bool {
	switch {
	case strings.HasPrefix(channel, "wizard:"):
		return len(channel) > len("wizard:")
	case strings.HasPrefix(channel, "operator:"):
		return userID != "" && channel == "operator:"+userID
	default:
		return false
	}
}

func NewConn(ws *websocket.Conn, hub *Hub, userID string) *Conn {
	return &Conn{
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		hub:    hub,
		userID: userID,
		subs:   make(map[string]bool),
		ctx:    hub.ctx,
	}
}

// ReadPump reads client frames until the socket fails, then unregisters c
func (c *Conn) ReadPump() {
	defer func() {
		c.hub.unregister(c)
		c.ws.Close()
	}()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Error("Websocket read failed", zap.String("user", c.userID), zap.Error(err))
			}
			break
		}

		var msg map[string]interface{}
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError("bad_message", "message is not a JSON object")
			continue
		}
		if msg == nil {
			continue
		}

		c.handleMessage(msg)
	}
}

// WritePump drains c.send onto the socket and keeps the peer alive with pings
func (c *Conn) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// one JSON document per frame
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) handleMessage(msg map[string]interface{}) {
	msgType, _ := msg["type"].(string)
	channel, _ := msg["channel"].(string)

	switch msgType {
	case "subscribe":
		if !canSubscribe(c.userID, channel) {
			c.sendError("forbidden_channel", "cannot subscribe to "+channel)
			return
		}
		c.hub.Subscribe(c, channel)
		c.sendAck("subscribed", channel)
	case "unsubscribe":
		if channel != "" {
			c.hub.Unsubscribe(c, channel)
			c.sendAck("unsubscribed", channel)
		}
	case "ack":
		seq, _ := msg["seq"].(float64)
		if channel != "" && seq > 0 {
			c.hub.Acknowledge(c, channel, int64(seq))
		}
	case "resume":
		if !canSubscribe(c.userID, channel) {
			c.sendError("forbidden_channel", "cannot resume "+channel)
			return
		}
		since, ok := msg["since"].(float64)
		if !ok {
			last, err := c.hub.lastAcked(c, channel)
			if err != nil {
				c.sendError("resume_failed", err.Error())
				return
			}
			since = float64(last)
		}
		if since >= 0 {
			c.hub.Resume(c, channel, int64(since))
		}
	case "cmd":
		c.hub.mu.RLock()
		handler := c.hub.cmdHandler
		c.hub.mu.RUnlock()
		if handler == nil {
			c.sendError("unavailable", "commands are not enabled")
			return
		}
		handler.HandleCommand(c.ctx, c, msg)
	case "ping":
		c.sendAck("pong", "")
	default:
		c.sendError("unknown_type", "unknown message type "+msgType)
	}
}

func (c *Conn) sendAck(msgType, channel string) {
	ack := map[string]interface{}{
		"type": "ack",
		"ack":  msgType,
	}
	if channel != "" {
		ack["channel"] = channel
	}
	c.sendJSON(ack)
}

func (c *Conn) sendError(code, message string) {
	c.sendJSON(map[string]interface{}{
		"type":    "error",
		"code":    code,
		"message": message,
	})
}

func (c *Conn) sendJSON(v map[string]interface{}) bool {
	msg, err := json.Marshal(v)
	if err != nil {
		return false
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (h *Hub) lastAcked(conn *Conn, channel string) (int64, error) {
	h.mu.RLock()
	streams := h.streams
	h.mu.RUnlock()
	if streams == nil {
		return 0, nil
	}
	return streams.GetLastSequence(conn.ctx, channel, conn.userID)
}

// Acknowledge stores the last sequence conn has processed on channel
func (h *Hub) Acknowledge(conn *Conn, channel string, sequence int64) {
	h.mu.RLock()
	streams := h.streams
	h.mu.RUnlock()
	if streams == nil {
		return
	}
	if err := streams.AcknowledgeSequence(conn.ctx, channel, conn.userID, sequence); err != nil {
		h.log.Warn("Ack not stored",
			zap.String("channel", channel),
			zap.Int64("sequence", sequence),
			zap.Error(err),
		)
	}
}

// Resume replays events of a channel newer than sinceSeq
func (h *Hub) Resume(conn *Conn, channel string, sinceSeq int64) {
	h.mu.RLock()
	streams := h.streams
	h.mu.RUnlock()
	if streams == nil {
		conn.sendError("replay_unavailable", "event replay is not enabled")
		return
	}

	events, err := streams.ReplayEvents(conn.ctx, channel, sinceSeq, replayLimit)
	if err != nil {
		h.log.Error("Replay failed",
			zap.String("channel", channel),
			zap.Int64("since", sinceSeq),
			zap.Error(err),
		)
		conn.sendError("resume_failed", "replay failed")
		return
	}

	for _, event := range events {
		ok := conn.sendJSON(map[string]interface{}{
			"type":    "event",
			"channel": event.Channel,
			"seq":     event.Sequence,
			"data":    event.Event,
			"replay":  true,
		})
		if !ok {
			h.log.Warn("Replay cut short, client buffer full", zap.String("channel", channel))
			return
		}
	}

	h.log.Info("Replayed channel",
		zap.String("channel", channel),
		zap.String("user", conn.userID),
		zap.Int64("since", sinceSeq),
		zap.Int("count", len(events)),
	)
}
