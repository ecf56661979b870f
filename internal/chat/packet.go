// File: internal/chat/packet.go
// Package chat defines the JSON packets exchanged over WebSocket.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package chat

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/sugawarayuuta/sonnet"

	"github.com/momentics/hioload-chat/db"
)

// Packet commands.
const (
	CmdRegister       = "register"
	CmdLogin          = "login"
	CmdSession        = "session"
	CmdClientUserInfo = "client_user_info"
	CmdGetUser        = "get_user"
	CmdEditAccount    = "edit_account"
	CmdSendMsg        = "send_msg"
	CmdGroupMsg       = "group_msg"
	CmdRTUSM          = "rtusm"
	CmdError          = "error"
)

// Field limits.
const (
	UsernameMax    = 50
	DisplaynameMax = 50
	PasswordMax    = 50
	MessageMax     = 4096
	AttachmentsMax = 16
)

var (
	ErrNoCommand = errors.New("chat: packet has no cmd")
	ErrField     = errors.New("chat: invalid field")
)

type envelope struct {
	Cmd string `json:"cmd"`
}

// Command extracts the cmd field of a packet.
func Command(data []byte) (string, error) {
	var e envelope
	if err := sonnet.Unmarshal(data, &e); err != nil {
		return "", fmt.Errorf("chat: decode envelope: %w", err)
	}
	if e.Cmd == "" {
		return "", ErrNoCommand
	}
	return e.Cmd, nil
}

// Decode unmarshals a packet body into v.
func Decode(data []byte, v any) error {
	if err := sonnet.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: malformed packet: %v", ErrField, err)
	}
	if c, ok := v.(interface{ check() error }); ok {
		return c.check()
	}
	return nil
}

// Encode marshals a reply.
func Encode(v any) ([]byte, error) {
	return sonnet.Marshal(v)
}

func checkLen(name, v string, lo, hi int) error {
	n := utf8.RuneCountInString(v)
	if n < lo || n > hi {
		return fmt.Errorf("%w: %q must be %d..%d characters", ErrField, name, lo, hi)
	}
	return nil
}

// RegisterRequest creates an account.
type RegisterRequest struct {
	Username    string `json:"username"`
	Displayname string `json:"displayname"`
	Password    string `json:"password"`
}

func (r *RegisterRequest) check() error {
	if r.Displayname == "" {
		r.Displayname = r.Username
	}
	return errors.Join(
		checkLen("username", r.Username, 1, UsernameMax),
		checkLen("displayname", r.Displayname, 1, DisplaynameMax),
		checkLen("password", r.Password, 1, PasswordMax),
	)
}

// LoginRequest opens a session.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (r *LoginRequest) check() error {
	return errors.Join(
		checkLen("username", r.Username, 1, UsernameMax),
		checkLen("password", r.Password, 1, PasswordMax),
	)
}

// SessionRequest resumes a session.
type SessionRequest struct {
	SessionID string `json:"session_id"`
}

// GetUserRequest looks users up by id.
type GetUserRequest struct {
	UserIDs []uint32 `json:"user_ids"`
}

func (r *GetUserRequest) check() error {
	if len(r.UserIDs) == 0 || len(r.UserIDs) > 100 {
		return fmt.Errorf("%w: \"user_ids\" is invalid", ErrField)
	}
	return nil
}

// EditAccountRequest changes profile fields. NewPfp asks for an upload token.
type EditAccountRequest struct {
	NewUsername    *string `json:"new_username,omitempty"`
	NewDisplayname *string `json:"new_displayname,omitempty"`
	NewPfp         bool    `json:"new_pfp"`
}

func (r *EditAccountRequest) check() error {
	var errs []error
	if r.NewUsername != nil {
		errs = append(errs, checkLen("new_username", *r.NewUsername, 1, UsernameMax))
	}
	if r.NewDisplayname != nil {
		errs = append(errs, checkLen("new_displayname", *r.NewDisplayname, 1, DisplaynameMax))
	}
	return errors.Join(errs...)
}

// AttachmentMeta describes one file announced with a message.
type AttachmentMeta struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

// SendMsgRequest posts to a group.
type SendMsgRequest struct {
	GroupID     uint32           `json:"group_id"`
	Content     string           `json:"content"`
	Attachments []AttachmentMeta `json:"attachments,omitempty"`
}

func (r *SendMsgRequest) check() error {
	if len(r.Attachments) > AttachmentsMax {
		return fmt.Errorf("%w: too many attachments", ErrField)
	}
	lo := 1
	if len(r.Attachments) > 0 {
		lo = 0
	}
	return checkLen("content", r.Content, lo, MessageMax)
}

// RTUSMRequest updates the sender's real-time status.
type RTUSMRequest struct {
	Status        string `json:"status"`
	Typing        bool   `json:"typing"`
	TypingGroupID uint32 `json:"typing_group_id"`
}

func (r *RTUSMRequest) check() error {
	if r.Status == "" {
		return nil
	}
	_, err := ParseStatus(r.Status)
	return err
}

// OKReply acknowledges a command, optionally with an upload token.
type OKReply struct {
	Cmd         string `json:"cmd"`
	OK          bool   `json:"ok"`
	UploadToken uint32 `json:"upload_token,omitempty"`
}

// UploadTokenReply hands out a token for a message with attachments.
type UploadTokenReply struct {
	Cmd         string `json:"cmd"`
	UploadToken uint32 `json:"upload_token"`
}

// UserView is a user as clients see it.
type UserView struct {
	db.User
	Status string `json:"status"`
}

// SessionReply answers login and session resume.
type SessionReply struct {
	Cmd       string   `json:"cmd"`
	SessionID string   `json:"session_id"`
	User      UserView `json:"user"`
}

// UserInfoReply carries the caller's own account.
type UserInfoReply struct {
	Cmd string `json:"cmd"`
	UserView
}

// UsersReply answers get_user.
type UsersReply struct {
	Cmd   string     `json:"cmd"`
	Users []UserView `json:"users"`
}

// GroupMsg is a stored message fanned out to clients.
type GroupMsg struct {
	Cmd string `json:"cmd"`
	db.Message
}

// RTUSM is a status broadcast.
type RTUSM struct {
	Cmd           string `json:"cmd"`
	UserID        uint32 `json:"user_id"`
	Status        string `json:"status"`
	Typing        *bool  `json:"typing,omitempty"`
	TypingGroupID uint32 `json:"typing_group_id,omitempty"`
	PfpName       string `json:"pfp_name,omitempty"`
}

// ErrorReply reports a failed command.
type ErrorReply struct {
	Cmd   string `json:"cmd"`
	Error string `json:"error"`
}

// Error encodes an error reply; it never fails.
func Error(msg string) []byte {
	b, err := Encode(ErrorReply{Cmd: CmdError, Error: msg})
	if err != nil {
		return []byte(`{"cmd":"error","error":"internal"}`)
	}
	return b
}
