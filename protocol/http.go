// File: protocol/http.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Minimal HTTP/1.1 message parsing and serialization for the reactor. A
// message whose declared body is longer than what arrived so far is returned
// with Missing() set and is completed with Append as more bytes come in.

package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	MaxHeaders    = 32
	MaxParams     = 16
	MaxHeaderSize = 8192

	ServerName  = "hioload-chat"
	HTTPVersion = "HTTP/1.1"

	crlf      = "\r\n"
	headerEnd = "\r\n\r\n"
)

var (
	ErrIncompleteHeader = errors.New("http: incomplete header")
	ErrHeaderTooLarge   = errors.New("http: header too large")
	ErrMalformed        = errors.New("http: malformed start line")
	ErrBadContentLength = errors.New("http: bad Content-Length")
	ErrSuspiciousURL    = errors.New("http: suspicious URL")
)

// Kind tells requests from responses.
type Kind int

const (
	KindRequest Kind = iota
	KindResponse
)

// Header is one name/value pair; query parameters reuse it.
type Header struct {
	Name  string
	Value string
}

// Message is a parsed or outgoing HTTP message.
type Message struct {
	Kind    Kind
	Method  string
	URL     string
	Version string
	Code    int
	Status  string

	Headers []Header
	Params  []Header
	Body    []byte

	// ContentLength is the declared body length.
	ContentLength int
	// AcceptKey is the Sec-WebSocket-Accept value derived from the request key.
	AcceptKey string

	headerLen int
}

// Parse splits buf into start line, headers and body.
func Parse(buf []byte) (*Message, error) {
	end := bytes.Index(buf, []byte(headerEnd))
	if end < 0 {
		if len(buf) > MaxHeaderSize {
			return nil, ErrHeaderTooLarge
		}
		return nil, ErrIncompleteHeader
	}
	head := string(buf[:end])
	lines := strings.Split(head, crlf)

	m := &Message{}
	if err := m.parseStartLine(lines[0]); err != nil {
		return nil, err
	}
	for _, line := range lines[1:] {
		if len(m.Headers) >= MaxHeaders {
			break
		}
		name, val, ok := strings.Cut(line, ":")
		if !ok || name == "" {
			continue
		}
		m.Headers = append(m.Headers, Header{Name: strings.TrimSpace(name), Value: strings.TrimSpace(val)})
	}
	if err := m.scanHeaders(); err != nil {
		return nil, err
	}

	m.headerLen = end + len(headerEnd)
	body := buf[m.headerLen:]
	// Body grows as bytes arrive; the declared length is not trusted for
	// allocation.
	if n := min(len(body), m.ContentLength); n > 0 {
		m.Body = append([]byte(nil), body[:n]...)
	}
	return m, nil
}

func (m *Message) parseStartLine(line string) error {
	fields := strings.SplitN(line, " ", 3)
	if len(fields) < 2 || fields[0] == "" {
		return fmt.Errorf("%w: %q", ErrMalformed, line)
	}
	if strings.HasPrefix(fields[0], "HTTP/") {
		m.Kind = KindResponse
		m.Version = fields[0]
		code, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("%w: status %q", ErrMalformed, fields[1])
		}
		m.Code = code
		if len(fields) == 3 {
			m.Status = fields[2]
		}
		return nil
	}
	m.Kind = KindRequest
	m.Method = fields[0]
	if len(fields) == 3 {
		m.Version = fields[2]
	}
	m.parseURL(fields[1])
	return nil
}

func (m *Message) parseURL(raw string) {
	path, query, _ := strings.Cut(raw, "?")
	m.URL = path
	if query == "" {
		return
	}
	for _, p := range strings.Split(query, "&") {
		if len(m.Params) >= MaxParams {
			break
		}
		if p == "" {
			continue
		}
		k, v, _ := strings.Cut(p, "=")
		m.Params = append(m.Params, Header{Name: k, Value: v})
	}
}

func (m *Message) scanHeaders() error {
	for _, h := range m.Headers {
		switch {
		case strings.EqualFold(h.Name, "Content-Length"):
			n, err := strconv.ParseUint(h.Value, 10, 31)
			if err != nil {
				return fmt.Errorf("%w: %q", ErrBadContentLength, h.Value)
			}
			m.ContentLength = int(n)
		case strings.EqualFold(h.Name, HeaderSecWebSocketKey):
			m.AcceptKey = ComputeAcceptKey(h.Value)
		}
	}
	return nil
}

// Apply folds the connection-affecting headers into s.
func (m *Message) Apply(s *State) {
	for _, h := range m.Headers {
		if !strings.EqualFold(h.Name, HeaderConnection) {
			continue
		}
		for _, tok := range strings.FieldsFunc(h.Value, func(r rune) bool { return r == ',' || r == ' ' }) {
			switch strings.ToLower(tok) {
			case "keep-alive":
				*s |= StateKeepAlive
			case "close":
				*s = StateShortLived
			case "upgrade":
				*s |= StateUpgradePending
			}
		}
	}
}

// Missing reports whether the body is still incomplete.
func (m *Message) Missing() bool {
	return len(m.Body) < m.ContentLength
}

// Append adds body bytes and returns whatever exceeds the declared length.
func (m *Message) Append(more []byte) []byte {
	need := m.ContentLength - len(m.Body)
	if need <= 0 {
		return more
	}
	n := min(need, len(more))
	m.Body = append(m.Body, more[:n]...)
	return more[n:]
}

// Size returns how many bytes of the buffer given to Parse belong to m. It is
// only meaningful before the first Append.
func (m *Message) Size() int {
	return m.headerLen + len(m.Body)
}

// Header returns the first value of name, compared case-insensitively.
func (m *Message) Header(name string) (string, bool) {
	for _, h := range m.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// Param returns a query parameter.
func (m *Message) Param(name string) (string, bool) {
	for _, p := range m.Params {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// SetHeader replaces name or appends it.
func (m *Message) SetHeader(name, val string) {
	for i := range m.Headers {
		if strings.EqualFold(m.Headers[i].Name, name) {
			m.Headers[i].Value = val
			return
		}
	}
	m.Headers = append(m.Headers, Header{Name: name, Value: val})
}

// NewResponse builds a response carrying the Server header and, unless it
// switches protocols, a Content-Length.
func NewResponse(code int, status string, body []byte) *Message {
	m := &Message{Kind: KindResponse, Version: HTTPVersion, Code: code, Status: status, Body: body}
	m.SetHeader("Server", ServerName)
	if code != 101 {
		m.SetHeader("Content-Length", strconv.Itoa(len(body)))
	}
	m.ContentLength = len(body)
	return m
}

// NotFound is the stock 404 response.
func NotFound() *Message {
	resp := NewResponse(404, "Not Found", []byte("<h1>Not Found</h1>"))
	resp.SetHeader("Content-Type", "text/html")
	return resp
}

// Marshal serializes the message.
func (m *Message) Marshal() []byte {
	var b bytes.Buffer
	b.Grow(128 + len(m.Body))
	if m.Kind == KindResponse {
		fmt.Fprintf(&b, "%s %d %s\r\n", m.Version, m.Code, m.Status)
	} else {
		fmt.Fprintf(&b, "%s %s %s\r\n", m.Method, m.URL, m.Version)
	}
	for _, h := range m.Headers {
		if h.Name == "" || h.Value == "" {
			continue
		}
		b.WriteString(h.Name)
		b.WriteString(": ")
		b.WriteString(h.Value)
		b.WriteString(crlf)
	}
	b.WriteString(crlf)
	b.Write(m.Body)
	return b.Bytes()
}

// CheckURL rejects paths that try to walk out of the document root.
func CheckURL(url string) error {
	if url == "" || url[0] != '/' || strings.Contains(url, "../") || strings.Contains(url, "/..") {
		return fmt.Errorf("%w: %q", ErrSuspiciousURL, url)
	}
	return nil
}
