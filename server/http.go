// File: server/http.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// HTTP side of a client: request framing across reads, the WebSocket
// upgrade, and GET/POST dispatch.

package server

import (
	"errors"
	"net/http"

	"github.com/momentics/hioload-chat/protocol"
	"github.com/momentics/hioload-chat/reactor"
)

// serveHTTP handles every complete request buffered on c. A request whose
// body is still in flight is parked in c.pending.
func (s *Server) serveHTTP(w *worker, c *client) reactor.Status {
	for len(c.buf) > 0 || c.pending != nil {
		var req *protocol.Message
		if c.pending != nil {
			rest := c.pending.Append(c.buf)
			c.consume(len(c.buf) - len(rest))
			if c.pending.Missing() {
				return reactor.StatusOK
			}
			req, c.pending = c.pending, nil
		} else {
			m, err := protocol.Parse(c.buf)
			if errors.Is(err, protocol.ErrIncompleteHeader) {
				return reactor.StatusOK
			}
			if err != nil {
				c.log.Debug().Err(err).Msg("bad request")
				s.respond(c, "", protocol.NewResponse(http.StatusBadRequest, "Bad Request", nil))
				return reactor.StatusClose
			}
			if limit := s.cfg.Server.MaxRequest; limit > 0 && m.ContentLength > limit {
				c.log.Debug().Int("length", m.ContentLength).Msg("request body over limit")
				s.respond(c, m.Method, protocol.NewResponse(http.StatusRequestEntityTooLarge, "Payload Too Large", nil))
				return reactor.StatusClose
			}
			c.consume(m.Size())
			if m.Missing() {
				c.pending = m
				return reactor.StatusOK
			}
			req = m
		}

		if st := s.dispatchHTTP(w, c, req); st != reactor.StatusOK {
			return st
		}
		if c.state.Has(protocol.StateWebSocket) {
			if len(c.buf) > 0 {
				return s.serveWS(w, c)
			}
			return reactor.StatusOK
		}
	}
	return reactor.StatusOK
}

func (s *Server) dispatchHTTP(w *worker, c *client, req *protocol.Message) reactor.Status {
	if req.Kind != protocol.KindRequest {
		c.log.Warn().Int("code", req.Code).Msg("client sent a response")
		return reactor.StatusError
	}
	req.Apply(&c.state)

	if c.state.Has(protocol.StateUpgradePending) {
		resp, err := protocol.Upgrade(&c.state, req)
		switch {
		case err == nil:
			s.respond(c, req.Method, resp)
			c.log.Debug().Msg("upgraded to websocket")
			return reactor.StatusOK
		case errors.Is(err, protocol.ErrMissingUpgrade):
			// Connection: upgrade without an Upgrade header stays plain HTTP.
		default:
			c.log.Debug().Err(err).Msg("upgrade refused")
			s.respond(c, req.Method, protocol.NewResponse(http.StatusBadRequest, "Bad Request", nil))
			return reactor.StatusClose
		}
	}

	var resp *protocol.Message
	switch req.Method {
	case http.MethodGet:
		resp = s.static.Serve(req)
	case http.MethodPost:
		resp = s.serveUpload(w, req)
	default:
		c.log.Debug().Str("method", req.Method).Msg("unsupported method")
		return reactor.StatusClose
	}
	if err := s.respond(c, req.Method, resp); err != nil {
		return reactor.StatusError
	}
	if !c.state.Persistent() {
		return reactor.StatusClose
	}
	return reactor.StatusOK
}

func (s *Server) respond(c *client, method string, resp *protocol.Message) error {
	if method != "" {
		s.metrics.HTTPRequest(method, resp.Code)
	}
	if _, err := c.conn.Write(resp.Marshal()); err != nil {
		c.log.Debug().Err(err).Int("code", resp.Code).Msg("write response")
		return err
	}
	c.log.Trace().Str("method", method).Int("code", resp.Code).Msg("response sent")
	return nil
}
