// Package events defines the typed vocabulary of the bidirectional event
// channel: inbound command envelopes, outbound event envelopes, and the
// payload structs for each event type. Payloads are checked at the channel
// boundary; nothing downstream handles raw JSON.
package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

type InboundType string

const (
	CmdMessageSend     InboundType = "message:send"
	CmdMessageEdit     InboundType = "message:edit"
	CmdMessageDelete   InboundType = "message:delete"
	CmdMessageMarkRead InboundType = "message:mark-read"
	CmdMessageReplay   InboundType = "message:replay"
	CmdCallInvite      InboundType = "call:invite"
	CmdCallAnswer      InboundType = "call:answer"
	CmdCallReject      InboundType = "call:reject"
	CmdCallEnd         InboundType = "call:end"
	CmdCallEndByConn   InboundType = "call:end-by-connection"
	CmdGroupCallInvite InboundType = "group:call-invite"
	CmdGroupCallJoin   InboundType = "group:call-join"
	CmdGroupCallLeave  InboundType = "group:call-leave"
)

type OutboundType string

const (
	EvtMessageNew        OutboundType = "message:new"
	EvtMessageEdited     OutboundType = "message:edited"
	EvtMessageDeleted    OutboundType = "message:deleted"
	EvtMessageRead       OutboundType = "message:read"
	EvtCallIncoming      OutboundType = "call:incoming"
	EvtCallAnswered      OutboundType = "call:answered"
	EvtCallRejected      OutboundType = "call:rejected"
	EvtCallEnded         OutboundType = "call:ended"
	EvtCallEndedByConn   OutboundType = "call:ended-by-connection"
	EvtCallTimeout       OutboundType = "call:timeout"
	EvtCallReconnecting  OutboundType = "call:reconnecting"
	EvtGroupCallIncoming OutboundType = "group:call-incoming"
	EvtPresenceOnline    OutboundType = "presence:online"
	EvtPresenceOffline   OutboundType = "presence:offline"
	EvtMemberAdded       OutboundType = "conversation:member-added"
	EvtMemberRemoved     OutboundType = "conversation:member-removed"
)

// Inbound is one client command. ID correlates the ack the server sends
// back; it is opaque to the server.
type Inbound struct {
	Type    InboundType     `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Ack is the direct response to one Inbound, independent of any broadcast
// events the command caused.
type Ack struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

const AckType = "ack"

// Outbound is one server-pushed event.
type Outbound struct {
	Type    OutboundType `json:"type"`
	Payload any          `json:"payload"`
}

var (
	ErrUnknownType = errors.New("unknown event type")
	ErrBadPayload  = errors.New("bad command payload")
)

// DecodeInbound parses a raw frame into an envelope and validates the type
// tag. Payload decoding is per-command via UnmarshalPayload.
func DecodeInbound(data []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Inbound{}, fmt.Errorf("decode inbound: %w", err)
	}
	switch in.Type {
	case CmdMessageSend, CmdMessageEdit, CmdMessageDelete, CmdMessageMarkRead, CmdMessageReplay,
		CmdCallInvite, CmdCallAnswer, CmdCallReject, CmdCallEnd, CmdCallEndByConn,
		CmdGroupCallInvite, CmdGroupCallJoin, CmdGroupCallLeave:
		return in, nil
	}
	return Inbound{}, fmt.Errorf("%w: %q", ErrUnknownType, in.Type)
}

// UnmarshalPayload decodes the command payload into dst, rejecting unknown
// fields so malformed clients fail loudly at the boundary.
func (in Inbound) UnmarshalPayload(dst any) error {
	if len(in.Payload) == 0 {
		return fmt.Errorf("%w: command %s: empty payload", ErrBadPayload, in.Type)
	}
	dec := json.NewDecoder(bytes.NewReader(in.Payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: command %s: %v", ErrBadPayload, in.Type, err)
	}
	return nil
}

func EncodeOutbound(evt Outbound) ([]byte, error) {
	return json.Marshal(evt)
}

func EncodeAck(ack Ack) ([]byte, error) {
	ack.Type = AckType
	return json.Marshal(ack)
}
