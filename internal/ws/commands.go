package ws

import (
	"context"
	"encoding/json"

	"orderwizard/internal/fsm"
	"orderwizard/internal/model"

	"go.uber.org/zap"
)

// WizardOps is the part of the wizard service reachable over the socket
type WizardOps interface {
	GetState(ctx context.Context, wizardID string) (*model.Snapshot, error)
	Fire(ctx context.Context, wizardID string, event model.Event, payload json.RawMessage) (*model.Snapshot, error)
	Cancel(ctx context.Context, wizardID string) (*model.Snapshot, error)
}

// CommandHandler handles WebSocket commands
type CommandHandler struct {
	wizards WizardOps
	log     *zap.Logger
}

func NewCommandHandler(wizards WizardOps, log *zap.Logger) *CommandHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &CommandHandler{wizards: wizards, log: log}
}

// HandleCommand processes a WebSocket command of the form
// {"type":"cmd","id":"...","op":"fire","data":{...}}
func (h *CommandHandler) HandleCommand(ctx context.Context, conn *Conn, cmd map[string]interface{}) {
	op, _ := cmd["op"].(string)
	data, _ := cmd["data"].(map[string]interface{})
	msgID, _ := cmd["id"].(string)

	wizardID, _ := data["wizardId"].(string)
	if op != "" && wizardID == "" {
		h.sendError(conn, msgID, "invalid_input", "wizardId required", nil)
		return
	}

	switch op {
	case "getState":
		snap, err := h.wizards.GetState(ctx, wizardID)
		h.reply(conn, msgID, op, snap, err)
	case "fire":
		h.handleFire(ctx, conn, msgID, wizardID, data)
	case "cancel":
		snap, err := h.wizards.Cancel(ctx, wizardID)
		h.reply(conn, msgID, op, snap, err)
	default:
		h.sendError(conn, msgID, "unknown_command", "Unknown command: "+op, nil)
	}
}

func (h *CommandHandler) handleFire(ctx context.Context, conn *Conn, msgID, wizardID string, data map[string]interface{}) {
	event, _ := data["event"].(string)
	if event == "" {
		h.sendError(conn, msgID, "invalid_input", "event required", nil)
		return
	}

	var payload json.RawMessage
	if raw, ok := data["payload"]; ok && raw != nil {
		b, err := json.Marshal(raw)
		if err != nil {
			h.sendError(conn, msgID, "invalid_input", "payload is not JSON", nil)
			return
		}
		payload = b
	}

	snap, err := h.wizards.Fire(ctx, wizardID, model.Event(event), payload)
	h.reply(conn, msgID, "fire", snap, err)
}

func (h *CommandHandler) reply(conn *Conn, msgID, op string, snap *model.Snapshot, err error) {
	if err != nil {
		code := fsm.Code(err)
		if code == "" {
			h.log.Error("Websocket command failed", zap.String("op", op), zap.Error(err))
			h.sendError(conn, msgID, "internal", "internal error", nil)
			return
		}
		extra := map[string]interface{}{}
		for _, key := range []string{"field", "reason", "state", "event"} {
			if v := fsm.Meta(err, key); v != "" {
				extra[key] = v
			}
		}
		h.sendError(conn, msgID, code, fsm.Message(err), extra)
		return
	}
	h.sendResponse(conn, msgID, map[string]interface{}{
		"type": "response",
		"op":   op,
		"data": snap,
	})
}

func (h *CommandHandler) sendResponse(conn *Conn, msgID string, response map[string]interface{}) {
	if msgID != "" {
		response["id"] = msgID
	}
	if !conn.sendJSON(response) {
		h.log.Warn("Failed to send response, channel full")
	}
}

func (h *CommandHandler) sendError(conn *Conn, msgID, code, message string, extra map[string]interface{}) {
	msg := map[string]interface{}{
		"type":    "error",
		"code":    code,
		"message": message,
	}
	for k, v := range extra {
		msg[k] = v
	}
	if msgID != "" {
		msg["id"] = msgID
	}
	if !conn.sendJSON(msg) {
		h.log.Warn("Failed to send error, channel full")
	}
}
