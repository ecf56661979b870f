// File: protocol/frame.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// WebSocket framing over byte slices handed out by the reactor.

package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

var (
	ErrUnmaskedFrame   = errors.New("ws: client frame not masked")
	ErrMessageTooLarge = errors.New("ws: message too large")
	ErrBadContinuation = errors.New("ws: unexpected continuation frame")
)

// WSMessage is a complete, unmasked message.
type WSMessage struct {
	Op      ws.OpCode
	Payload []byte
}

// Decoder reassembles client messages across reads. Not safe for concurrent
// use; the one-shot reactor gives each connection a single reader.
type Decoder struct {
	// MaxMessage caps the reassembled payload; zero means unlimited.
	MaxMessage int

	op   ws.OpCode
	frag []byte
}

// Decode consumes every complete frame in buf and returns the finished
// messages plus the bytes of a trailing partial frame.
func (d *Decoder) Decode(buf []byte) ([]WSMessage, []byte, error) {
	var out []WSMessage
	for len(buf) > 0 {
		r := bytes.NewReader(buf)
		h, err := ws.ReadHeader(r)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return out, buf, nil
		}
		if err != nil {
			return out, nil, err
		}
		hlen := len(buf) - r.Len()
		if int64(r.Len()) < h.Length {
			return out, buf, nil
		}
		if !h.Masked {
			return out, nil, ErrUnmaskedFrame
		}
		end := hlen + int(h.Length)
		payload := make([]byte, h.Length)
		copy(payload, buf[hlen:end])
		ws.Cipher(payload, h.Mask, 0)
		buf = buf[end:]

		msg, done, err := d.push(h, payload)
		if err != nil {
			return out, nil, err
		}
		if done {
			out = append(out, msg)
		}
	}
	return out, nil, nil
}

func (d *Decoder) push(h ws.Header, payload []byte) (WSMessage, bool, error) {
	if h.OpCode.IsControl() {
		return WSMessage{Op: h.OpCode, Payload: payload}, true, nil
	}
	switch {
	case h.OpCode == ws.OpContinuation && d.frag == nil:
		return WSMessage{}, false, ErrBadContinuation
	case h.OpCode != ws.OpContinuation && d.frag != nil:
		return WSMessage{}, false, ErrBadContinuation
	case h.OpCode != ws.OpContinuation:
		d.op = h.OpCode
		d.frag = payload
	default:
		d.frag = append(d.frag, payload...)
	}
	if d.MaxMessage > 0 && len(d.frag) > d.MaxMessage {
		d.frag = nil
		return WSMessage{}, false, fmt.Errorf("%w: over %d bytes", ErrMessageTooLarge, d.MaxMessage)
	}
	if !h.Fin {
		return WSMessage{}, false, nil
	}
	msg := WSMessage{Op: d.op, Payload: d.frag}
	if msg.Payload == nil {
		msg.Payload = []byte{}
	}
	d.frag = nil
	return msg, true, nil
}

// WriteText sends one unmasked server text frame.
func WriteText(w io.Writer, p []byte) error {
	return wsutil.WriteServerMessage(w, ws.OpText, p)
}

// WritePong answers a ping with the same payload.
func WritePong(w io.Writer, p []byte) error {
	return wsutil.WriteServerMessage(w, ws.OpPong, p)
}

// WriteClose sends a close frame with code and reason.
func WriteClose(w io.Writer, code ws.StatusCode, reason string) error {
	return ws.WriteFrame(w, ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
}

// EncodeText returns the wire bytes of a server text frame, for fan-out
// where the same frame goes to many connections.
func EncodeText(p []byte) ([]byte, error) {
	var b bytes.Buffer
	if err := WriteText(&b, p); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}
