// File: server/user.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Account commands: register, login, session resume, profile lookups and
// edits. Each command runs its queries on the calling worker's connection.

package server

import (
	"errors"

	"golang.org/x/crypto/bcrypt"

	"github.com/momentics/hioload-chat/api"
	"github.com/momentics/hioload-chat/db"
	"github.com/momentics/hioload-chat/internal/chat"
	"github.com/momentics/hioload-chat/internal/session"
)

var (
	errBadLogin       = api.NewError(api.ErrCodeUnauthorized, "Incorrect username or password")
	errUsernameTaken  = api.NewError(api.ErrCodeAlreadyExists, "Username taken")
	errInvalidSession = api.NewError(api.ErrCodeNotFound, "Invalid session")
)

func (s *Server) cmdRegister(w *worker, c *client, data []byte) error {
	var req chat.RegisterRequest
	if err := chat.Decode(data, &req); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.hashCost)
	if err != nil {
		return err
	}
	u := &db.User{Username: req.Username, Displayname: req.Displayname, Hash: string(hash)}
	cmd := db.InsertUser(u).WithExec(func(cmd *db.Command) {
		if cmd.Failed() {
			return
		}
		c.log.Info().Uint32("user_id", u.ID).Str("username", u.Username).Msg("user registered")
		s.reply(c, chat.OKReply{Cmd: chat.CmdRegister, OK: true})
	})
	if !w.db.Run(w.ctx, cmd) {
		if db.IsConstraint(cmd.Err) {
			return errUsernameTaken
		}
		return cmd.Err
	}
	return nil
}

func (s *Server) cmdLogin(w *worker, c *client, data []byte) error {
	if c.acct.Load() != nil {
		return errLoggedIn
	}
	var req chat.LoginRequest
	if err := chat.Decode(data, &req); err != nil {
		return err
	}
	cmd := db.SelectUserByName(req.Username)
	if !w.db.Run(w.ctx, cmd) {
		if errors.Is(cmd.Err, db.ErrNoRows) {
			return errBadLogin
		}
		return cmd.Err
	}
	u := cmd.Data.(*db.User)
	if err := bcrypt.CompareHashAndPassword([]byte(u.Hash), []byte(req.Password)); err != nil {
		return errBadLogin
	}
	c.sess = s.sessions.Create(u.ID)
	return s.enter(c, u)
}

func (s *Server) cmdSession(w *worker, c *client, data []byte) error {
	if c.acct.Load() != nil {
		return errLoggedIn
	}
	var req chat.SessionRequest
	if err := chat.Decode(data, &req); err != nil {
		return err
	}
	id, err := session.ParseToken(req.SessionID)
	if err != nil {
		return errInvalidSession
	}
	sess, err := s.sessions.Attach(id)
	if err != nil {
		return errInvalidSession
	}
	cmd := db.SelectUser(sess.UserID())
	if !w.db.Run(w.ctx, cmd) {
		s.sessions.Detach(sess)
		if errors.Is(cmd.Err, db.ErrNoRows) {
			s.sessions.Delete(sess)
			return errInvalidSession
		}
		return cmd.Err
	}
	c.sess = sess
	return s.enter(c, cmd.Data.(*db.User))
}

// enter binds an authenticated client to its account, answers with the
// session and announces the user when it just came online.
func (s *Server) enter(c *client, u *db.User) error {
	acct, online := s.bind(c, u)
	c.log = c.log.With().Uint32("user_id", u.ID).Logger()
	c.log.Info().Bool("first_client", online).Msg("logged in")
	if err := s.reply(c, chat.SessionReply{Cmd: chat.CmdSession, SessionID: c.sess.Token(), User: acct.view()}); err != nil {
		return err
	}
	if online {
		s.broadcast(acct.presence.Packet(u.ID))
	}
	return nil
}

func (s *Server) cmdClientUserInfo(_ *worker, c *client, _ []byte) error {
	return s.reply(c, chat.UserInfoReply{Cmd: chat.CmdClientUserInfo, UserView: c.acct.Load().view()})
}

func (s *Server) cmdGetUser(w *worker, c *client, data []byte) error {
	var req chat.GetUserRequest
	if err := chat.Decode(data, &req); err != nil {
		return err
	}
	cmd := db.SelectUsers(req.UserIDs)
	if !w.db.Run(w.ctx, cmd) {
		return cmd.Err
	}
	users := cmd.Data.([]*db.User)
	views := make([]chat.UserView, 0, len(users))
	for _, u := range users {
		if acct, ok := s.lookupAccount(u.ID); ok {
			views = append(views, acct.view())
			continue
		}
		views = append(views, chat.UserView{User: *u, Status: chat.Offline.String()})
	}
	return s.reply(c, chat.UsersReply{Cmd: chat.CmdGetUser, Users: views})
}

func (s *Server) cmdEditAccount(w *worker, c *client, data []byte) error {
	var req chat.EditAccountRequest
	if err := chat.Decode(data, &req); err != nil {
		return err
	}
	acct := c.acct.Load()
	uid := acct.snapshot().ID

	if req.NewUsername != nil || req.NewDisplayname != nil {
		upd := db.UserUpdate{Username: req.NewUsername, Displayname: req.NewDisplayname}
		cmd := db.UpdateUser(uid, upd).WithExec(func(cmd *db.Command) {
			if cmd.Failed() {
				return
			}
			acct.update(func(u *db.User) {
				if upd.Username != nil {
					u.Username = *upd.Username
				}
				if upd.Displayname != nil {
					u.Displayname = *upd.Displayname
				}
			})
		})
		if !w.db.Run(w.ctx, cmd) {
			if db.IsConstraint(cmd.Err) {
				return errUsernameTaken
			}
			return cmd.Err
		}
	}

	reply := chat.OKReply{Cmd: chat.CmdEditAccount, OK: true}
	if req.NewPfp {
		tok, err := s.uploads.NewProfilePicture(uid)
		if err != nil {
			return err
		}
		reply.UploadToken = tok.ID()
	}
	return s.reply(c, reply)
}

func (s *Server) cmdRTUSM(_ *worker, c *client, data []byte) error {
	var req chat.RTUSMRequest
	if err := chat.Decode(data, &req); err != nil {
		return err
	}
	acct := c.acct.Load()
	st := acct.presence.Status()
	if req.Status != "" {
		st, _ = chat.ParseStatus(req.Status)
	}
	s.broadcast(acct.presence.Set(acct.snapshot().ID, st, req.Typing, req.TypingGroupID))
	return nil
}
