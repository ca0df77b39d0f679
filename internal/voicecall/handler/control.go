package handler

import (
	"encoding/json"
	"sync"

	"voice-bridge/internal/observability"
	"voice-bridge/internal/voicecall/session"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	controlJoinCall   = "join_call"
	controlCallStatus = "call_status"
	controlError      = "error"

	watchBuffer = 64
)

type controlRequest struct {
	Type    string `json:"type"`
	CallSID string `json:"call_sid"`
}

type controlResponse struct {
	Type    string            `json:"type"`
	CallSID string            `json:"call_sid,omitempty"`
	Call    *session.Snapshot `json:"call,omitempty"`
	Message string            `json:"message,omitempty"`
}

// HandleCallControl lets a client follow a live call. After join_call the
// client gets a snapshot followed by status and transcript events until the
// call closes.
func (h *Handler) HandleCallControl(c *gin.Context) {
	ctx := c.Request.Context()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error(ctx, "failed to upgrade control channel", err)
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(v interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	stopWatch := func() {}
	defer func() { stopWatch() }()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var req controlRequest
		if err := json.Unmarshal(data, &req); err != nil {
			send(controlResponse{Type: controlError, Message: "invalid message"})
			continue
		}
		if req.Type != controlJoinCall {
			send(controlResponse{Type: controlError, Message: "unsupported message type: " + req.Type})
			continue
		}

		stopWatch()
		stopWatch = func() {}

		sess, err := h.sessions.LookupByCallSID(req.CallSID)
		if err != nil {
			send(controlResponse{Type: controlError, CallSID: req.CallSID, Message: "call not found"})
			continue
		}

		// Subscribe before the snapshot so no event falls between them.
		events, cancel := sess.Watch(watchBuffer)
		stopWatch = cancel
		snapshot := sess.Snapshot()
		if err := send(controlResponse{Type: controlCallStatus, CallSID: sess.CallSID, Call: &snapshot}); err != nil {
			return
		}

		h.logger.Info(observability.WithFields(ctx,
			observability.Field{Key: "call_sid", Value: sess.CallSID},
		), "control client joined call")

		go func() {
			for event := range events {
				if err := send(event); err != nil {
					return
				}
			}
		}()
	}
}
