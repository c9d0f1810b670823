package fabric

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/lrcom/lrcom-server/internal/v1/apperr"
	"github.com/lrcom/lrcom-server/internal/v1/metrics"
)

// inboundFrame is the tagged union clients send. Unknown fields are
// ignored; unknown types get a failing receipt.
type inboundFrame struct {
	Type    string          `json:"type"`
	CMsgID  string          `json:"cMsgId,omitempty"`
	MsgID   string          `json:"msgId,omitempty"`
	UserID  *uuid.UUID      `json:"userId,omitempty"`
	To      *uuid.UUID      `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// codeOf maps an error to the machine-readable receipt code.
func codeOf(err error) string {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return "VALIDATION"
	case apperr.KindUnauthorized:
		return "UNAUTHORIZED"
	case apperr.KindForbidden:
		return "FORBIDDEN"
	case apperr.KindNotFound:
		return "NOT_FOUND"
	case apperr.KindConflict:
		return "CONFLICT"
	case apperr.KindIntrovertBlock:
		return "INTROVERT_BLOCK"
	default:
		return "INTERNAL"
	}
}

// route processes one inbound frame. Malformed frames are dropped;
// duplicate cMsgIds replay the cached receipt without re-executing.
func (h *Hub) route(ctx context.Context, c *Client, data []byte) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil || f.Type == "" {
		return
	}

	if f.Type == "ack" {
		c.ack(f.MsgID)
		metrics.WsEvents.WithLabelValues("ack", "ok").Inc()
		return
	}

	// Application-level keepalive for clients that cannot observe protocol
	// pings (browsers). No receipt, even with a cMsgId.
	if f.Type == "ping" {
		h.sendTo(c, Pong{Type: "pong"})
		metrics.WsEvents.WithLabelValues("ping", "ok").Inc()
		return
	}

	if f.CMsgID != "" {
		h.mu.Lock()
		entry := h.users[c.userID]
		var cached []byte
		if entry != nil {
			cached, _ = entry.receipts.get(f.CMsgID)
		}
		h.mu.Unlock()
		if cached != nil {
			c.enqueue(cached)
			metrics.WsEvents.WithLabelValues(f.Type, "replay").Inc()
			return
		}
	}

	result, err := h.dispatch(ctx, c, &f)

	receipt := Receipt{
		Type:   "receipt",
		CMsgID: f.CMsgID,
		MsgID:  "receipt:" + f.CMsgID,
		OK:     err == nil,
	}
	if err != nil {
		if err == errUnknownType {
			receipt.Code = "UNKNOWN_TYPE"
		} else {
			receipt.Code = codeOf(err)
		}
		metrics.WsEvents.WithLabelValues(f.Type, "error").Inc()
	} else {
		metrics.WsEvents.WithLabelValues(f.Type, "ok").Inc()
	}

	raw, ok := marshalEvent(receipt)
	if !ok {
		return
	}
	if f.CMsgID != "" {
		h.mu.Lock()
		if entry := h.users[c.userID]; entry != nil {
			entry.receipts.put(f.CMsgID, raw)
		}
		h.mu.Unlock()
	}
	c.enqueue(raw)

	if result != nil {
		h.sendTo(c, result)
	}
}

var errUnknownType = apperr.New(apperr.KindValidation, "unknown frame type")

// dispatch executes the frame's side effect and returns the direct reply
// event, if the operation has one.
func (h *Hub) dispatch(ctx context.Context, c *Client, f *inboundFrame) (any, error) {
	if h.calls == nil {
		return nil, apperr.New(apperr.KindTransientDB, "call engine unavailable")
	}

	switch f.Type {
	case "callStart":
		if f.UserID == nil {
			return nil, apperr.New(apperr.KindValidation, "userId is required")
		}
		res, err := h.calls.Start(ctx, c.userID, c.sessionID, *f.UserID)
		if err != nil {
			return nil, err
		}
		return res, nil

	case "callAccept":
		return nil, h.calls.Accept(c.userID, c.sessionID)

	case "callReject":
		return nil, h.calls.Reject(c.userID, c.sessionID)

	case "callHangup":
		return nil, h.calls.Hangup(c.userID, c.sessionID)

	case "callJoinRequest":
		if f.UserID == nil {
			return nil, apperr.New(apperr.KindValidation, "userId is required")
		}
		res, err := h.calls.RequestJoin(ctx, c.userID, c.sessionID, *f.UserID)
		if err != nil {
			return nil, err
		}
		if res == nil {
			return nil, nil
		}
		return res, nil

	case "callJoinCancel":
		return nil, h.calls.CancelJoin(c.userID, c.sessionID)

	case "callJoinAccept":
		return nil, h.calls.ResolveJoin(c.userID, c.sessionID, true)

	case "callJoinReject":
		return nil, h.calls.ResolveJoin(c.userID, c.sessionID, false)

	case "signal":
		if f.To == nil || len(f.Payload) == 0 {
			return nil, apperr.New(apperr.KindValidation, "to and payload are required")
		}
		return nil, h.calls.Relay(c.userID, c.sessionID, *f.To, f.Payload)

	default:
		return nil, errUnknownType
	}
}
