// File: server/message.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"github.com/momentics/hioload-chat/db"
	"github.com/momentics/hioload-chat/internal/chat"
)

// cmdSendMsg stores and fans out a message. A message announcing
// attachments is parked behind an upload token until every file arrived.
func (s *Server) cmdSendMsg(w *worker, c *client, data []byte) error {
	var req chat.SendMsgRequest
	if err := chat.Decode(data, &req); err != nil {
		return err
	}
	msg := &db.Message{
		UserID:  c.acct.Load().snapshot().ID,
		GroupID: req.GroupID,
		Content: req.Content,
	}

	if n := len(req.Attachments); n > 0 {
		tok, err := s.uploads.NewAttachment(msg, n)
		if err != nil {
			return err
		}
		c.log.Debug().Int("attachments", n).Stringer("token", tok).Msg("message awaiting uploads")
		return s.reply(c, chat.UploadTokenReply{Cmd: chat.CmdSendMsg, UploadToken: tok.ID()})
	}

	cmd := s.insertMessage(msg)
	if !w.db.Run(w.ctx, cmd) {
		return cmd.Err
	}
	return nil
}

// insertMessage stores msg and broadcasts it once stored.
func (s *Server) insertMessage(msg *db.Message) *db.Command {
	return db.InsertMessage(msg).WithExec(func(cmd *db.Command) {
		if cmd.Failed() {
			return
		}
		s.broadcast(chat.GroupMsg{Cmd: chat.CmdGroupMsg, Message: *msg})
	})
}
