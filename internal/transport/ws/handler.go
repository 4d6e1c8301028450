// Package ws is the event channel: it authenticates the handshake,
// registers the connection, and dispatches inbound commands to the fan-out
// engine, the call machine, and the grace controller. Every command gets an
// ack correlated by the client's request id, independent of broadcasts.
package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"e2ee-relay/internal/authz"
	"e2ee-relay/internal/call"
	"e2ee-relay/internal/domain"
	"e2ee-relay/internal/events"
	"e2ee-relay/internal/fanout"
	"e2ee-relay/internal/grace"
	"e2ee-relay/internal/observability/metrics"
	"e2ee-relay/internal/session"
)

type Handler struct {
	registry *session.Registry
	engine   *fanout.Engine
	calls    *call.Machine
	grace    *grace.Controller
	verifier authz.Verifier

	replayBatch int
	upgrader    websocket.Upgrader
}

func NewHandler(registry *session.Registry, engine *fanout.Engine, calls *call.Machine, graceCtl *grace.Controller, verifier authz.Verifier, replayBatch int) *Handler {
	if replayBatch <= 0 {
		replayBatch = 100
	}
	return &Handler{
		registry:    registry,
		engine:      engine,
		calls:       calls,
		grace:       graceCtl,
		verifier:    verifier,
		replayBatch: replayBatch,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy is enforced by the CORS layer in front.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades an authenticated request into a live event channel.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade", "error", err)
		return
	}

	conn := newConnection(uuid.New(), claims.UserID, sock)
	go conn.writePump()

	h.registry.Register(r.Context(), conn)
	h.grace.OnReconnect(r.Context(), conn)

	h.readLoop(conn)
}

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (authz.Claims, bool) {
	tok := r.URL.Query().Get("token")
	if tok == "" {
		raw := r.Header.Get("Authorization")
		if strings.HasPrefix(strings.ToLower(raw), "bearer ") {
			tok = strings.TrimSpace(raw[len("Bearer "):])
		}
	}
	if tok == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return authz.Claims{}, false
	}
	claims, err := h.verifier.Verify(tok)
	if err != nil {
		slog.Warn("handshake token rejected", "error", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return authz.Claims{}, false
	}
	return claims, true
}

func (h *Handler) readLoop(conn *connection) {
	defer func() {
		conn.close()
		h.registry.Unregister(conn.ID())
		h.grace.OnDisconnect(conn.UserID())
	}()

	conn.ws.SetReadLimit(readLimit)
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.ws.SetPongHandler(func(string) error {
		h.registry.Touch(conn.ID())
		return conn.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read", "conn_id", conn.ID(), "error", err)
			}
			return
		}
		in, err := events.DecodeInbound(data)
		if err != nil {
			_ = conn.SendAck(events.Ack{Success: false, Error: "BAD_REQUEST"})
			continue
		}
		h.dispatch(conn, in)
	}
}

func (h *Handler) dispatch(conn *connection, in events.Inbound) {
	ctx := context.Background()
	data, err := h.handle(ctx, conn, in)

	result := "success"
	ack := events.Ack{ID: in.ID, Success: err == nil, Data: data}
	if err != nil {
		result = "failure"
		switch {
		case errors.Is(err, events.ErrBadPayload), errors.Is(err, events.ErrUnknownType):
			ack.Error = "BAD_REQUEST"
		default:
			ack.Error = domain.ErrorCode(err)
		}
		if ack.Error == "INTERNAL" {
			slog.Error("command failed", "command", in.Type, "conn_id", conn.ID(), "error", err)
		}
	}
	metrics.CommandsTotal.WithLabelValues(string(in.Type), result).Inc()
	_ = conn.SendAck(ack)
}

func (h *Handler) handle(ctx context.Context, conn *connection, in events.Inbound) (any, error) {
	user := conn.UserID()

	switch in.Type {
	case events.CmdMessageSend:
		var p events.MessageSend
		if err := in.UnmarshalPayload(&p); err != nil {
			return nil, err
		}
		msg, err := h.engine.SendMessage(ctx, user, conn.ID(), p.ConversationID, p.Ciphertext, p.IV)
		if err != nil {
			return nil, err
		}
		return map[string]any{"messageId": msg.ID, "seq": msg.Seq, "createdAt": msg.CreatedAt}, nil

	case events.CmdMessageEdit:
		var p events.MessageEdit
		if err := in.UnmarshalPayload(&p); err != nil {
			return nil, err
		}
		msg, err := h.engine.EditMessage(ctx, user, conn.ID(), p.MessageID, p.Ciphertext, p.IV)
		if err != nil {
			return nil, err
		}
		return map[string]any{"messageId": msg.ID, "editedAt": msg.EditedAt}, nil

	case events.CmdMessageDelete:
		var p events.MessageDelete
		if err := in.UnmarshalPayload(&p); err != nil {
			return nil, err
		}
		return nil, h.engine.DeleteMessage(ctx, user, conn.ID(), p.MessageID, domain.DeleteScope(p.Scope))

	case events.CmdMessageMarkRead:
		var p events.MessageMarkRead
		if err := in.UnmarshalPayload(&p); err != nil {
			return nil, err
		}
		return nil, h.engine.MarkRead(ctx, user, p.MessageID)

	case events.CmdMessageReplay:
		var p events.MessageReplay
		if err := in.UnmarshalPayload(&p); err != nil {
			return nil, err
		}
		return nil, h.engine.ReplaySince(ctx, conn, p.ConversationID, p.AfterSeq, h.replayBatch)

	case events.CmdCallInvite:
		var p events.CallInvite
		if err := in.UnmarshalPayload(&p); err != nil {
			return nil, err
		}
		c, err := h.calls.Invite(ctx, user, p.TargetID, p.RoomToken, p.Media)
		if err != nil {
			// The call exists and ringing was attempted; the caller is
			// told the target looked unreachable so it can retry.
			if c.ID != uuid.Nil {
				return map[string]any{"callId": c.ID}, err
			}
			return nil, err
		}
		return map[string]any{"callId": c.ID}, nil

	case events.CmdCallAnswer:
		var p events.CallAnswer
		if err := in.UnmarshalPayload(&p); err != nil {
			return nil, err
		}
		return nil, h.calls.Answer(ctx, user, p.CallID)

	case events.CmdCallReject:
		var p events.CallReject
		if err := in.UnmarshalPayload(&p); err != nil {
			return nil, err
		}
		return nil, h.calls.Reject(ctx, user, p.CallID)

	case events.CmdCallEnd:
		var p events.CallEnd
		if err := in.UnmarshalPayload(&p); err != nil {
			return nil, err
		}
		return nil, h.calls.End(ctx, user, p.CallID, p.DurationSeconds)

	case events.CmdCallEndByConn:
		var p events.CallEndByConnection
		if err := in.UnmarshalPayload(&p); err != nil {
			return nil, err
		}
		return nil, h.calls.EndByConnectionLoss(ctx, user, p.CallID, p.Reason)

	case events.CmdGroupCallInvite:
		var p events.GroupCallInvite
		if err := in.UnmarshalPayload(&p); err != nil {
			return nil, err
		}
		c, err := h.calls.InviteGroup(ctx, user, p.GroupID, p.RoomToken, p.Media)
		if err != nil {
			return nil, err
		}
		return map[string]any{"callId": c.ID}, nil

	case events.CmdGroupCallJoin:
		var p events.GroupCallJoin
		if err := in.UnmarshalPayload(&p); err != nil {
			return nil, err
		}
		return nil, h.calls.Join(ctx, user, p.CallID)

	case events.CmdGroupCallLeave:
		var p events.GroupCallLeave
		if err := in.UnmarshalPayload(&p); err != nil {
			return nil, err
		}
		return nil, h.calls.Leave(ctx, user, p.CallID, p.DurationSeconds)
	}

	return nil, events.ErrUnknownType
}
