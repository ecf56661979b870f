// File: db/pipeline.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Continuation chains over a worker's connection. A chain is an ordered queue
// of commands; each command issues one database call and then runs its
// continuation with the previous command in reach. Once a link fails every
// later link inherits the failure: its query is skipped, but its
// continuation still runs so cleanup happens.

package db

import (
	"context"
	"fmt"

	"github.com/eapache/queue"
)

// Status is the completion status of one command.
type Status int

const (
	StatusOK Status = iota
	StatusAsyncError
)

func (s Status) String() string {
	if s == StatusOK {
		return "ok"
	}
	return "async_error"
}

// QueryFunc performs the database call of a command.
type QueryFunc func(ctx context.Context, c *Conn, prev *Command) (any, error)

// ExecFunc is the continuation run after the query.
type ExecFunc func(cmd *Command)

// Command is one link of a chain.
type Command struct {
	Name   string
	Query  QueryFunc
	Exec   ExecFunc
	Client any

	Status Status
	Data   any
	Err    error

	payload any
	prev    *Command
}

// NewCommand builds a command from its query.
func NewCommand(name string, q QueryFunc) *Command {
	return &Command{Name: name, Query: q}
}

// Do builds a query-less link that only runs its continuation.
func Do(name string, fn ExecFunc) *Command {
	return &Command{Name: name, Exec: fn}
}

// WithExec sets the continuation.
func (c *Command) WithExec(fn ExecFunc) *Command {
	c.Exec = fn
	return c
}

// WithPayload moves p into the command. The command owns it until some
// continuation calls TakePayload.
func (c *Command) WithPayload(p any) *Command {
	c.payload = p
	return c
}

// TakePayload transfers the payload to the caller; later calls return nil.
func (c *Command) TakePayload() any {
	p := c.payload
	c.payload = nil
	return p
}

// Failed reports whether this link, or any link before it, failed.
func (c *Command) Failed() bool {
	return c.Status == StatusAsyncError
}

// Prev returns the link executed before this one.
func (c *Command) Prev() *Command {
	return c.prev
}

// Chain is an ordered list of commands executed strictly in order.
type Chain struct {
	q *queue.Queue
}

// NewChain queues cmds in order.
func NewChain(cmds ...*Command) *Chain {
	ch := &Chain{q: queue.New()}
	for _, c := range cmds {
		ch.Then(c)
	}
	return ch
}

// Then appends cmd.
func (ch *Chain) Then(cmd *Command) *Chain {
	if cmd != nil {
		ch.q.Add(cmd)
	}
	return ch
}

// Append moves every link of other to the end of ch.
func (ch *Chain) Append(other *Chain) *Chain {
	for other != nil && other.q.Length() > 0 {
		ch.q.Add(other.q.Remove())
	}
	return ch
}

// Len returns the number of queued links.
func (ch *Chain) Len() int {
	return ch.q.Length()
}

// Submit runs the chain on this connection, on the calling worker. It reports
// whether every link succeeded.
func (c *Conn) Submit(ctx context.Context, ch *Chain) bool {
	ok := true
	var prev *Command
	for ch.q.Length() > 0 {
		cmd := ch.q.Remove().(*Command)
		cmd.prev = prev

		switch {
		case prev != nil && prev.Failed():
			cmd.Status = StatusAsyncError
			cmd.Err = fmt.Errorf("%s skipped: %w", cmd.Name, prev.Err)
		case cmd.Query != nil:
			data, err := cmd.Query(ctx, c, prev)
			if err != nil {
				cmd.Status = StatusAsyncError
				cmd.Err = fmt.Errorf("%s: %w", cmd.Name, err)
				c.log.Error().Err(err).Str("command", cmd.Name).Msg("db command failed")
			} else {
				cmd.Data = data
			}
		}

		if cmd.Exec != nil {
			c.runExec(cmd)
		}
		if c.observe != nil {
			c.observe(cmd.Name, cmd.Status)
		}
		if cmd.Failed() {
			ok = false
		}
		prev = cmd
	}
	return ok
}

// Run submits a single command.
func (c *Conn) Run(ctx context.Context, cmd *Command) bool {
	return c.Submit(ctx, NewChain(cmd))
}

func (c *Conn) runExec(cmd *Command) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic_value", r).Str("command", cmd.Name).Msg("db continuation panic")
			cmd.Status = StatusAsyncError
			cmd.Err = fmt.Errorf("%s: continuation panic: %v", cmd.Name, r)
		}
	}()
	cmd.Exec(cmd)
}
