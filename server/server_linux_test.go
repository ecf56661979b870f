//go:build linux

package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/sugawarayuuta/sonnet"
	"golang.org/x/crypto/bcrypt"

	"github.com/momentics/hioload-chat/control"
)

var pngBody = append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 64)...)

func startServer(t *testing.T, opts ...func(*control.Config)) *Server {
	t.Helper()
	dir := t.TempDir()
	cfg, err := control.Load(nil)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Server.Addr = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.IPVersion = 4
	cfg.Workers = 2
	cfg.Paths.RootDir = filepath.Join(dir, "public")
	cfg.Paths.ImgDir = filepath.Join(dir, "public", "upload", "imgs")
	cfg.Paths.VidDir = filepath.Join(dir, "public", "upload", "vids")
	cfg.Paths.FileDir = filepath.Join(dir, "public", "upload", "files")
	cfg.Database.Name = filepath.Join(dir, "chat")
	cfg.Limits.IPRate = 0
	cfg.Limits.AcceptRate = 0
	cfg.Metrics.Enabled = false
	for _, o := range opts {
		o(cfg)
	}

	if err := os.MkdirAll(cfg.Paths.RootDir, 0o755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(cfg.Paths.RootDir, "index.html"), []byte("<h1>chat</h1>"), 0o644)

	srv, err := New(cfg, zerolog.Nop(), control.NewMetrics())
	if err != nil {
		t.Fatal(err)
	}
	srv.hashCost = bcrypt.MinCost

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return srv
}

// roundTrip sends one raw request on a fresh connection.
func roundTrip(t *testing.T, srv *Server, raw string) *http.Response {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.WriteString(conn, raw); err != nil {
		t.Fatal(err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func post(t *testing.T, srv *Server, url string, headers map[string]string, body []byte) *http.Response {
	t.Helper()
	var b strings.Builder
	fmt.Fprintf(&b, "POST %s HTTP/1.1\r\nHost: test\r\nContent-Length: %d\r\n", url, len(body))
	for k, v := range headers {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	b.WriteString("\r\n")
	b.Write(body)
	return roundTrip(t, srv, b.String())
}

type wsClient struct {
	t    *testing.T
	conn net.Conn
	rw   io.ReadWriter
}

func dial(t *testing.T, srv *Server) *wsClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, br, _, err := ws.Dial(ctx, "ws://"+srv.Addr().String()+"/")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}
	return &wsClient{t: t, conn: conn, rw: struct {
		io.Reader
		io.Writer
	}{r, conn}}
}

func (c *wsClient) send(v any) {
	c.t.Helper()
	b, err := sonnet.Marshal(v)
	if err != nil {
		c.t.Fatal(err)
	}
	if err := wsutil.WriteClientText(c.conn, b); err != nil {
		c.t.Fatal(err)
	}
}

// expect reads packets until one with the given cmd arrives.
func (c *wsClient) expect(cmd string) map[string]any {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		data, err := wsutil.ReadServerText(c.rw)
		if err != nil {
			c.t.Fatalf("waiting for %q: %v", cmd, err)
		}
		var pkt map[string]any
		if err := sonnet.Unmarshal(data, &pkt); err != nil {
			c.t.Fatal(err)
		}
		if pkt["cmd"] == cmd {
			return pkt
		}
	}
}

func (c *wsClient) login(user string) map[string]any {
	c.t.Helper()
	c.send(map[string]any{"cmd": "register", "username": user, "password": "secret"})
	if ok := c.expect("register"); ok["ok"] != true {
		c.t.Fatalf("register: %v", ok)
	}
	c.send(map[string]any{"cmd": "login", "username": user, "password": "secret"})
	return c.expect("session")
}

func TestStaticGet(t *testing.T) {
	srv := startServer(t)

	resp := roundTrip(t, srv, "GET / HTTP/1.1\r\nHost: test\r\n\r\n")
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 200 || string(body) != "<h1>chat</h1>" {
		t.Fatalf("GET /: %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get("Server") != "hioload-chat" {
		t.Errorf("server header %q", resp.Header.Get("Server"))
	}

	resp = roundTrip(t, srv, "GET /missing.txt HTTP/1.1\r\n\r\n")
	body, _ = io.ReadAll(resp.Body)
	if resp.StatusCode != 404 || string(body) != "<h1>Not Found</h1>" {
		t.Fatalf("GET missing: %d %q", resp.StatusCode, body)
	}

	resp = roundTrip(t, srv, "GET /../etc/passwd HTTP/1.1\r\n\r\n")
	if resp.StatusCode != 404 {
		t.Fatalf("traversal: %d", resp.StatusCode)
	}
}

func TestKeepAliveServesSeveralRequests(t *testing.T) {
	srv := startServer(t)
	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	// Both requests in one write; the second is parsed from the leftover.
	io.WriteString(conn, "GET / HTTP/1.1\r\nConnection: keep-alive\r\n\r\nGET /nope HTTP/1.1\r\nConnection: keep-alive\r\n\r\n")
	br := bufio.NewReader(conn)
	for _, want := range []int{200, 404} {
		resp, err := http.ReadResponse(br, nil)
		if err != nil {
			t.Fatal(err)
		}
		io.Copy(io.Discard, resp.Body)
		if resp.StatusCode != want {
			t.Fatalf("status %d, want %d", resp.StatusCode, want)
		}
	}
}

func TestUnsupportedMethodDisconnects(t *testing.T) {
	srv := startServer(t)
	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	io.WriteString(conn, "DELETE / HTTP/1.1\r\n\r\n")
	if n, err := conn.Read(make([]byte, 16)); err != io.EOF {
		t.Fatalf("read %d bytes, err %v; want EOF", n, err)
	}
}

func TestOversizedBodyRejected(t *testing.T) {
	srv := startServer(t)
	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	fmt.Fprintf(conn, "POST /img/pfp HTTP/1.1\r\nConnection: keep-alive\r\nContent-Length: %d\r\n\r\nxx",
		srv.cfg.Server.MaxRequest+1)
	r := bufio.NewReader(conn)
	resp, err := http.ReadResponse(r, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status %s", resp.Status)
	}
	if n, err := r.Read(make([]byte, 16)); err != io.EOF {
		t.Fatalf("read %d bytes, err %v; want EOF", n, err)
	}
}

func TestWebSocketAccountFlow(t *testing.T) {
	srv := startServer(t)
	c := dial(t, srv)

	c.send(map[string]any{"cmd": "client_user_info"})
	if e := c.expect("error"); e["error"] != errNotLoggedIn.Message {
		t.Fatalf("unauthenticated: %v", e)
	}
	c.send(map[string]any{"cmd": "bogus"})
	if e := c.expect("error"); e["error"] != errUnknownCommand.Message {
		t.Fatalf("unknown: %v", e)
	}

	sess := c.login("alice")
	user := sess["user"].(map[string]any)
	if user["username"] != "alice" || user["status"] != "online" || sess["session_id"] == "" {
		t.Fatalf("session reply: %v", sess)
	}

	c.send(map[string]any{"cmd": "register", "username": "alice", "password": "x"})
	if e := c.expect("error"); e["error"] != errUsernameTaken.Message {
		t.Fatalf("duplicate register: %v", e)
	}

	c.send(map[string]any{"cmd": "edit_account", "new_displayname": "Alice"})
	c.expect("edit_account")
	c.send(map[string]any{"cmd": "client_user_info"})
	if info := c.expect("client_user_info"); info["displayname"] != "Alice" {
		t.Fatalf("user info: %v", info)
	}

	c.send(map[string]any{"cmd": "get_user", "user_ids": []uint32{uint32(user["user_id"].(float64)), 999}})
	users := c.expect("get_user")["users"].([]any)
	if len(users) != 1 {
		t.Fatalf("get_user: %v", users)
	}

	c.send(map[string]any{"cmd": "send_msg", "group_id": 1, "content": "hello"})
	if msg := c.expect("group_msg"); msg["content"] != "hello" || msg["msg_id"] == nil {
		t.Fatalf("group_msg: %v", msg)
	}

	c.send(map[string]any{"cmd": "rtusm", "status": "away", "typing": true, "typing_group_id": 1})
	if st := c.expect("rtusm"); st["status"] != "away" || st["typing"] != true {
		t.Fatalf("rtusm: %v", st)
	}
}

func TestSessionResume(t *testing.T) {
	srv := startServer(t)
	first := dial(t, srv)
	sess := first.login("bob")
	id := sess["session_id"].(string)

	second := dial(t, srv)
	second.send(map[string]any{"cmd": "session", "session_id": id})
	if got := second.expect("session"); got["session_id"] != id {
		t.Fatalf("resume: %v", got)
	}
	second.send(map[string]any{"cmd": "session", "session_id": "12345"})
	if e := second.expect("error"); e["error"] != errLoggedIn.Message {
		t.Fatalf("second session: %v", e)
	}

	third := dial(t, srv)
	third.send(map[string]any{"cmd": "session", "session_id": "12345"})
	if e := third.expect("error"); e["error"] != errInvalidSession.Message {
		t.Fatalf("bad session: %v", e)
	}
}

func TestProfilePictureUpload(t *testing.T) {
	srv := startServer(t)
	c := dial(t, srv)
	c.login("carol")

	resp := post(t, srv, "/img/pfp", map[string]string{HeaderUploadToken: "42"}, pngBody)
	if resp.StatusCode != 400 || resp.Status != "400 Upload-Token failed" {
		t.Fatalf("bad token: %s", resp.Status)
	}

	c.send(map[string]any{"cmd": "edit_account", "new_pfp": true})
	tok := fmt.Sprint(uint32(c.expect("edit_account")["upload_token"].(float64)))

	resp = post(t, srv, "/img/pfp", map[string]string{HeaderUploadToken: tok}, pngBody)
	if resp.StatusCode != 200 {
		t.Fatalf("upload: %s", resp.Status)
	}
	pkt := c.expect("rtusm")
	hash, _ := pkt["pfp_name"].(string)
	if hash == "" {
		t.Fatalf("no pfp broadcast: %v", pkt)
	}
	if _, err := os.Stat(filepath.Join(srv.cfg.Paths.ImgDir, hash)); err != nil {
		t.Fatalf("stored file: %v", err)
	}

	resp = post(t, srv, "/img/pfp", map[string]string{HeaderUploadToken: tok}, pngBody)
	if resp.StatusCode != 400 {
		t.Fatalf("token reused: %s", resp.Status)
	}

	c.send(map[string]any{"cmd": "edit_account", "new_pfp": true})
	tok = fmt.Sprint(uint32(c.expect("edit_account")["upload_token"].(float64)))
	resp = post(t, srv, "/img/pfp", map[string]string{HeaderUploadToken: tok}, []byte("plain text"))
	if resp.Status != "400 Not image" {
		t.Fatalf("non image: %s", resp.Status)
	}
	if srv.uploads.Len() != 0 {
		t.Fatalf("%d tokens left", srv.uploads.Len())
	}
}

func TestAttachmentUpload(t *testing.T) {
	srv := startServer(t)
	c := dial(t, srv)
	c.login("dave")

	c.send(map[string]any{
		"cmd": "send_msg", "group_id": 7, "content": "files",
		"attachments": []map[string]any{{"name": "a.png"}, {"name": "b.txt"}},
	})
	tok := fmt.Sprint(uint32(c.expect("send_msg")["upload_token"].(float64)))

	cases := []struct {
		index  string
		body   []byte
		status string
	}{
		{"", []byte("x"), "400 No Attach-Index header"},
		{"9", []byte("x"), "400 Invalid Attach-Index"},
		{"0", pngBody, "200 OK"},
		{"0", pngBody, "400 Invalid Attach-Index"},
		{"1", []byte("second file"), "200 OK"},
	}
	for _, tc := range cases {
		h := map[string]string{HeaderUploadToken: tok}
		if tc.index != "" {
			h[HeaderAttachIndex] = tc.index
		}
		if resp := post(t, srv, "/", h, tc.body); resp.Status != tc.status {
			t.Fatalf("index %q: %s, want %s", tc.index, resp.Status, tc.status)
		}
	}

	msg := c.expect("group_msg")
	if att, _ := msg["attachments"].([]any); len(att) != 2 || msg["group_id"] != float64(7) {
		t.Fatalf("group_msg: %v", msg)
	}
	deadline := time.Now().Add(2 * time.Second)
	for srv.uploads.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("attachment token not retired")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestExpiredAttachmentReleasesFiles(t *testing.T) {
	srv := startServer(t, func(cfg *control.Config) {
		cfg.Upload.Timeout = 300 * time.Millisecond
	})
	c := dial(t, srv)
	c.login("erin")

	c.send(map[string]any{
		"cmd": "send_msg", "group_id": 7, "content": "half",
		"attachments": []map[string]any{{"name": "a.png"}, {"name": "b.txt"}},
	})
	tok := fmt.Sprint(uint32(c.expect("send_msg")["upload_token"].(float64)))
	h := map[string]string{HeaderUploadToken: tok, HeaderAttachIndex: "0"}
	if resp := post(t, srv, "/", h, pngBody); resp.Status != "200 OK" {
		t.Fatalf("part 0: %s", resp.Status)
	}
	if n := storedFiles(t, srv.cfg.Paths.ImgDir); n != 1 {
		t.Fatalf("stored %d files, want 1", n)
	}

	deadline := time.Now().Add(3 * time.Second)
	for storedFiles(t, srv.cfg.Paths.ImgDir) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expired attachment kept its file")
		}
		time.Sleep(20 * time.Millisecond)
	}
	h[HeaderAttachIndex] = "1"
	if resp := post(t, srv, "/", h, []byte("late")); resp.Status != "400 Upload-Token failed" {
		t.Fatalf("late part: %s", resp.Status)
	}
}

func storedFiles(t *testing.T, dir string) int {
	t.Helper()
	ents, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		t.Fatal(err)
	}
	return len(ents)
}
