// File: db/queries.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Typed command builders over the loaded SQL text.

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
	"github.com/sugawarayuuta/sonnet"
)

// ErrNoRows is returned when a lookup or update matched nothing.
var ErrNoRows = errors.New("no rows")

// IsConstraint reports whether err is a constraint violation, such as a
// duplicate username.
func IsConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}

// User is a row of the users table.
type User struct {
	ID          uint32 `json:"user_id"`
	Username    string `json:"username"`
	Displayname string `json:"displayname"`
	Hash        string `json:"-"`
	Bio         string `json:"bio"`
	PfpHash     string `json:"pfp_name"`
	CreatedAt   string `json:"created_at"`
}

// UserFile is a content-addressed file row.
type UserFile struct {
	Hash     string `json:"hash"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`
	RefCount int64  `json:"ref_count"`
}

// Message is a row of the messages table.
type Message struct {
	ID          uint32   `json:"msg_id"`
	UserID      uint32   `json:"user_id"`
	GroupID     uint32   `json:"group_id"`
	Content     string   `json:"content"`
	Attachments []string `json:"attachments"`
	Timestamp   string   `json:"timestamp"`
}

// UserUpdate carries the optional columns of an account edit.
type UserUpdate struct {
	Username    *string
	Displayname *string
	PfpHash     *string
}

func scanUser(row *sql.Row) (*User, error) {
	u := &User{}
	err := row.Scan(&u.ID, &u.Username, &u.Displayname, &u.Hash, &u.Bio, &u.PfpHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRows
	}
	return u, err
}

// InsertUser stores u; Data is the new user id as uint32.
func InsertUser(u *User) *Command {
	return NewCommand("insert_user", func(ctx context.Context, c *Conn, _ *Command) (any, error) {
		res, err := c.db.ExecContext(ctx, c.cmds.InsertUser, u.Username, u.Displayname, u.Hash)
		if err != nil {
			return nil, err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		u.ID = uint32(id)
		return u.ID, nil
	})
}

// SelectUser loads a user by id; Data is *User.
func SelectUser(id uint32) *Command {
	return NewCommand("select_user", func(ctx context.Context, c *Conn, _ *Command) (any, error) {
		return scanUser(c.db.QueryRowContext(ctx, c.cmds.SelectUser, id))
	})
}

// SelectUserByName loads a user by username; Data is *User.
func SelectUserByName(name string) *Command {
	return NewCommand("select_user_by_name", func(ctx context.Context, c *Conn, _ *Command) (any, error) {
		return scanUser(c.db.QueryRowContext(ctx, c.cmds.SelectUserByName, name))
	})
}

// SelectUsers loads several users, skipping unknown ids; Data is []*User.
func SelectUsers(ids []uint32) *Command {
	return NewCommand("select_users", func(ctx context.Context, c *Conn, _ *Command) (any, error) {
		users := make([]*User, 0, len(ids))
		for _, id := range ids {
			u, err := scanUser(c.db.QueryRowContext(ctx, c.cmds.SelectUser, id))
			if errors.Is(err, ErrNoRows) {
				continue
			}
			if err != nil {
				return nil, err
			}
			users = append(users, u)
		}
		return users, nil
	})
}

func nullable(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// UpdateUser applies the non-nil columns of upd; Data is the affected row count.
func UpdateUser(id uint32, upd UserUpdate) *Command {
	return NewCommand("update_user", func(ctx context.Context, c *Conn, _ *Command) (any, error) {
		res, err := c.db.ExecContext(ctx, c.cmds.UpdateUser,
			nullable(upd.Username), nullable(upd.Displayname), nullable(upd.PfpHash), id)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, fmt.Errorf("user %d: %w", id, ErrNoRows)
		}
		return n, nil
	})
}

// InsertUserFile records one more reference to f. The increment and the
// read of the new count are one statement; Data is that count as int64.
func InsertUserFile(f *UserFile) *Command {
	return NewCommand("insert_userfile", func(ctx context.Context, c *Conn, _ *Command) (any, error) {
		var n int64
		err := c.db.QueryRowContext(ctx, c.cmds.InsertUserFile, f.Hash, f.Size, f.MimeType).Scan(&n)
		if err != nil {
			return nil, err
		}
		f.RefCount = n
		return n, nil
	})
}

// DeleteUserFile drops one reference to hash. Data is a *UserFile holding
// the remaining count and the stored MIME type; a missing row is ErrNoRows.
func DeleteUserFile(hash string) *Command {
	return NewCommand("delete_userfile", func(ctx context.Context, c *Conn, _ *Command) (any, error) {
		f := &UserFile{Hash: hash}
		err := c.db.QueryRowContext(ctx, c.cmds.DeleteUserFile, hash).Scan(&f.RefCount, &f.MimeType)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("userfile %s: %w", hash, ErrNoRows)
		}
		if err != nil {
			return nil, err
		}
		return f, nil
	})
}

// UserFileRefCount reads the reference count of hash; Data is int64, zero
// when the row does not exist.
func UserFileRefCount(hash string) *Command {
	return NewCommand("userfile_refcount", func(ctx context.Context, c *Conn, _ *Command) (any, error) {
		var n int64
		err := c.db.QueryRowContext(ctx, c.cmds.UserFileRefCount, hash).Scan(&n)
		if errors.Is(err, sql.ErrNoRows) {
			return int64(0), nil
		}
		return n, err
	})
}

// PurgeUserFile removes the row of hash once no reference remains.
func PurgeUserFile(hash string) *Command {
	return NewCommand("purge_userfile", func(ctx context.Context, c *Conn, _ *Command) (any, error) {
		res, err := c.db.ExecContext(ctx, c.cmds.PurgeUserFile, hash)
		if err != nil {
			return nil, err
		}
		return res.RowsAffected()
	})
}

// InsertMessage stores m; Data is *Message with its id filled in.
func InsertMessage(m *Message) *Command {
	return NewCommand("insert_msg", func(ctx context.Context, c *Conn, _ *Command) (any, error) {
		if m.Attachments == nil {
			m.Attachments = []string{}
		}
		attachments, err := sonnet.Marshal(m.Attachments)
		if err != nil {
			return nil, err
		}
		res, err := c.db.ExecContext(ctx, c.cmds.InsertMsg, m.UserID, m.GroupID, m.Content, string(attachments))
		if err != nil {
			return nil, err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		m.ID = uint32(id)
		var ts string
		if err := c.db.QueryRowContext(ctx, c.cmds.SelectMsg, id).Scan(
			new(uint32), new(uint32), new(uint32), new(string), new(string), &ts); err == nil {
			m.Timestamp = ts
		}
		return m, nil
	})
}
