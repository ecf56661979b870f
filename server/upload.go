// File: server/upload.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// POST handling. Uploads are authorized by a token minted over the
// WebSocket channel, never by the connection that carries the bytes.

package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/momentics/hioload-chat/api"
	"github.com/momentics/hioload-chat/db"
	"github.com/momentics/hioload-chat/internal/files"
	"github.com/momentics/hioload-chat/internal/upload"
	"github.com/momentics/hioload-chat/protocol"
)

const (
	HeaderUploadToken = "Upload-Token"
	HeaderAttachIndex = "Attach-Index"

	pfpPrefix = "/img/"
)

var (
	errTokenFailed   = api.NewError(api.ErrCodeUnauthorized, "Upload-Token failed")
	errNotImage      = api.NewError(api.ErrCodeInvalidArgument, "Not image")
	errNoAttachIndex = api.NewError(api.ErrCodeInvalidArgument, "No Attach-Index header")
	errAttachIndex   = api.NewError(api.ErrCodeInvalidArgument, "Invalid Attach-Index")
	errUploadFailed  = api.NewError(api.ErrCodeInternal, "Internal Server Error")
)

// reject renders a capability error as a bodiless status line.
func reject(e *api.Error) *protocol.Message {
	code, _ := e.Code.HTTPStatus()
	return protocol.NewResponse(code, e.Message, nil)
}

func accepted() *protocol.Message {
	return protocol.NewResponse(http.StatusOK, "OK", nil)
}

func (s *Server) serveUpload(w *worker, req *protocol.Message) *protocol.Message {
	raw, _ := req.Header(HeaderUploadToken)
	tok, err := s.uploads.Resolve(raw)
	if err != nil {
		return reject(errTokenFailed)
	}
	switch claim := tok.Claim().(type) {
	case upload.ProfilePicture:
		defer s.uploads.Delete(tok)
		return s.uploadPfp(w, claim.UserID, req)
	case *upload.Attachment:
		return s.uploadAttachment(w, tok, claim, req)
	}
	return reject(errTokenFailed)
}

// uploadPfp stores the picture, points the user at it and releases the
// previous one. The old picture is only released after the update landed.
func (s *Server) uploadPfp(w *worker, uid uint32, req *protocol.Message) *protocol.Message {
	if !strings.HasPrefix(req.URL, pfpPrefix) || !files.IsImage(files.Classify(req.Body)) {
		return reject(errNotImage)
	}

	var old string
	if acct, ok := s.lookupAccount(uid); ok {
		old = acct.snapshot().PfpHash
	} else {
		sel := db.SelectUser(uid)
		if !w.db.Run(w.ctx, sel) {
			return reject(errUploadFailed)
		}
		old = sel.Data.(*db.User).PfpHash
	}

	body := req.Body
	req.Body = nil
	f, ch := s.files.Acquire(body)
	hash := f.Hash
	updated := false
	ch.Then(db.UpdateUser(uid, db.UserUpdate{PfpHash: &hash}).WithExec(func(cmd *db.Command) {
		if cmd.Failed() {
			return
		}
		updated = true
		s.pfpChanged(uid, hash)
	}))
	if old != "" {
		ch.Append(s.files.Release(old))
	}
	w.db.Submit(w.ctx, ch)
	if !updated {
		return reject(errUploadFailed)
	}
	return accepted()
}

func (s *Server) pfpChanged(uid uint32, hash string) {
	acct, ok := s.lookupAccount(uid)
	if !ok {
		return
	}
	acct.update(func(u *db.User) { u.PfpHash = hash })
	pkt := acct.presence.Packet(uid)
	pkt.PfpName = hash
	s.broadcast(pkt)
}

// uploadAttachment stores one file of a pending message. The last file
// stores and broadcasts the message, then retires the token through its
// timer.
func (s *Server) uploadAttachment(w *worker, tok *upload.Token, att *upload.Attachment, req *protocol.Message) *protocol.Message {
	raw, ok := req.Header(HeaderAttachIndex)
	if !ok {
		return reject(errNoAttachIndex)
	}
	idx, err := att.CheckIndex(raw)
	if errors.Is(err, upload.ErrAbandoned) {
		return reject(errTokenFailed)
	}
	if err != nil {
		return reject(errAttachIndex)
	}

	body := req.Body
	req.Body = nil
	f, ch := s.files.Acquire(body)
	var done bool
	var recvErr error
	ch.Then(db.Do("attach_part", func(cmd *db.Command) {
		if cmd.Failed() {
			return
		}
		done, recvErr = att.Receive(idx, f.Hash)
	}))
	if !w.db.Submit(w.ctx, ch) {
		return reject(errUploadFailed)
	}
	if recvErr != nil {
		// The slot was filled by another worker or the token expired in
		// between; either way this reference has no owner.
		w.db.Submit(w.ctx, s.files.Release(f.Hash))
		if errors.Is(recvErr, upload.ErrAbandoned) {
			return reject(errTokenFailed)
		}
		return reject(errAttachIndex)
	}
	if !done {
		return accepted()
	}

	msg := att.Message()
	cmd := s.insertMessage(msg)
	ok = w.db.Run(w.ctx, cmd)
	s.uploads.Finish(tok)
	if !ok {
		for _, h := range msg.Attachments {
			w.db.Submit(w.ctx, s.files.Release(h))
		}
		return reject(errUploadFailed)
	}
	return accepted()
}
