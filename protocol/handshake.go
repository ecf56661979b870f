// File: protocol/handshake.go
// Package protocol implements the HTTP and WebSocket wire handling of
// hioload-chat.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Server side of the RFC 6455 opening handshake: Sec-WebSocket-Key to
// Sec-WebSocket-Accept and the 101 Switching Protocols reply.

package protocol

import (
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"strings"
)

// Constants used for handshake processing.
const (
	WebSocketGUID         = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	HeaderConnection      = "Connection"
	HeaderUpgrade         = "Upgrade"
	HeaderSecWebSocketKey = "Sec-WebSocket-Key"
	HeaderSecWebSocketAcc = "Sec-WebSocket-Accept"
)

// Errors for handshake validation.
var (
	ErrNoUpgradePending    = fmt.Errorf("no upgrade pending on connection")
	ErrMissingUpgrade      = fmt.Errorf("upgrade pending but no Upgrade header")
	ErrUnsupportedUpgrade  = fmt.Errorf("unsupported upgrade target")
	ErrMissingWebSocketKey = fmt.Errorf("missing Sec-WebSocket-Key header")
)

// ComputeAcceptKey derives Sec-WebSocket-Accept from the client key.
func ComputeAcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key + WebSocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Upgrade completes a pending upgrade. The pending bit is always cleared;
// on success the websocket bit is set and the 101 reply is returned. Any
// error leaves the connection in plain HTTP.
func Upgrade(s *State, req *Message) (*Message, error) {
	if !s.Has(StateUpgradePending) {
		return nil, ErrNoUpgradePending
	}
	*s &^= StateUpgradePending

	target, ok := req.Header(HeaderUpgrade)
	if !ok {
		return nil, ErrMissingUpgrade
	}
	if !strings.EqualFold(target, "websocket") {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedUpgrade, target)
	}
	if req.AcceptKey == "" {
		return nil, ErrMissingWebSocketKey
	}

	resp := NewResponse(101, "Switching Protocols", nil)
	resp.SetHeader(HeaderConnection, "Upgrade")
	resp.SetHeader(HeaderUpgrade, "websocket")
	resp.SetHeader(HeaderSecWebSocketAcc, req.AcceptKey)
	*s |= StateWebSocket
	return resp, nil
}
