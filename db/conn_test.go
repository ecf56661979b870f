package db

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func openTemp(t *testing.T) *Conn {
	t.Helper()
	cmds, err := LoadCommands("")
	if err != nil {
		t.Fatalf("LoadCommands: %v", err)
	}
	name := filepath.Join(t.TempDir(), "chat")
	c, err := Open(context.Background(), DSN(name), cmds, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	if err := c.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return c
}

func TestLoadCommands_Override(t *testing.T) {
	dir := t.TempDir()
	custom := "SELECT user_id, username, displayname, hash, bio, pfp_hash, created_at FROM users WHERE user_id = ? LIMIT 1;"
	if err := os.WriteFile(filepath.Join(dir, "select_user.sql"), []byte(custom+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cmds, err := LoadCommands(dir)
	if err != nil {
		t.Fatalf("LoadCommands: %v", err)
	}
	if cmds.SelectUser != custom {
		t.Errorf("override not applied: %q", cmds.SelectUser)
	}
	if cmds.InsertUser == "" {
		t.Error("embedded fallback missing")
	}
}

func TestConn_UserRoundTrip(t *testing.T) {
	c := openTemp(t)
	ctx := context.Background()

	u := &User{Username: "alice", Displayname: "Alice", Hash: "x"}
	ins := InsertUser(u)
	if !c.Run(ctx, ins) {
		t.Fatalf("insert: %v", ins.Err)
	}
	if u.ID == 0 {
		t.Fatal("id not assigned")
	}

	sel := SelectUserByName("alice")
	if !c.Run(ctx, sel) {
		t.Fatalf("select: %v", sel.Err)
	}
	if got := sel.Data.(*User); got.ID != u.ID || got.Displayname != "Alice" {
		t.Errorf("selected %+v", got)
	}

	name := "Alice L."
	if !c.Run(ctx, UpdateUser(u.ID, UserUpdate{Displayname: &name})) {
		t.Fatal("update failed")
	}
	sel = SelectUser(u.ID)
	c.Run(ctx, sel)
	if got := sel.Data.(*User); got.Displayname != name || got.Username != "alice" {
		t.Errorf("after update %+v", got)
	}

	many := SelectUsers([]uint32{u.ID, 9999})
	if !c.Run(ctx, many) || len(many.Data.([]*User)) != 1 {
		t.Errorf("select users: %v %v", many.Data, many.Err)
	}

	missing := SelectUser(9999)
	if c.Run(ctx, missing) || !errors.Is(missing.Err, ErrNoRows) {
		t.Errorf("missing user err = %v", missing.Err)
	}
	dup := InsertUser(&User{Username: "alice", Displayname: "A", Hash: "y"})
	if c.Run(ctx, dup) || !IsConstraint(dup.Err) {
		t.Errorf("duplicate username: err = %v", dup.Err)
	}
}

func TestConn_FileRefCount(t *testing.T) {
	c := openTemp(t)
	ctx := context.Background()
	f := &UserFile{Hash: "abc", Size: 3, MimeType: "image/png"}

	count := func() int64 {
		cmd := UserFileRefCount(f.Hash)
		c.Run(ctx, cmd)
		return cmd.Data.(int64)
	}

	for want := int64(1); want <= 2; want++ {
		ins := InsertUserFile(f)
		if !c.Run(ctx, ins) {
			t.Fatalf("insert: %v", ins.Err)
		}
		if got := ins.Data.(int64); got != want {
			t.Fatalf("insert returned count %d, want %d", got, want)
		}
	}
	if n := count(); n != 2 {
		t.Fatalf("refcount = %d, want 2", n)
	}

	del := DeleteUserFile(f.Hash)
	if !c.Run(ctx, del) {
		t.Fatalf("delete: %v", del.Err)
	}
	if got := del.Data.(*UserFile); got.RefCount != 1 || got.MimeType != "image/png" {
		t.Fatalf("delete returned %+v", got)
	}
	c.Run(ctx, PurgeUserFile(f.Hash))
	if n := count(); n != 1 {
		t.Fatalf("refcount = %d, want 1", n)
	}

	del = DeleteUserFile(f.Hash)
	c.Run(ctx, del)
	if got := del.Data.(*UserFile); got.RefCount != 0 {
		t.Fatalf("last delete left count %d", got.RefCount)
	}
	purge := PurgeUserFile(f.Hash)
	c.Run(ctx, purge)
	if purge.Data.(int64) != 1 {
		t.Errorf("purge removed %v rows", purge.Data)
	}
	if n := count(); n != 0 {
		t.Errorf("refcount of purged file = %d", n)
	}

	gone := DeleteUserFile(f.Hash)
	if c.Run(ctx, gone) || !errors.Is(gone.Err, ErrNoRows) {
		t.Errorf("delete of purged file: err = %v", gone.Err)
	}
}

func TestConn_InsertMessage(t *testing.T) {
	c := openTemp(t)
	ctx := context.Background()
	u := &User{Username: "bob", Displayname: "Bob", Hash: "h"}
	c.Run(ctx, InsertUser(u))

	m := &Message{UserID: u.ID, GroupID: 1, Content: "hello"}
	cmd := InsertMessage(m)
	if !c.Run(ctx, cmd) {
		t.Fatalf("insert msg: %v", cmd.Err)
	}
	if m.ID == 0 || m.Timestamp == "" {
		t.Errorf("message not filled in: %+v", m)
	}
}
