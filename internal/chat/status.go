// File: internal/chat/status.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Real-time user status (rtusm).

package chat

import (
	"fmt"
	"sync"
)

// Status is a user's presence.
type Status uint8

const (
	Offline Status = iota
	Online
	Away
	DND
)

var statusNames = [...]string{"offline", "online", "away", "dnd"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// ParseStatus maps a wire name to a Status.
func ParseStatus(name string) (Status, error) {
	for i, n := range statusNames {
		if n == name {
			return Status(i), nil
		}
	}
	return Offline, fmt.Errorf("%w: unknown status %q", ErrField, name)
}

// Presence is the mutable real-time state of one user, shared by all of its
// clients.
type Presence struct {
	mu            sync.Mutex
	status        Status
	typing        bool
	typingGroupID uint32
}

// Set applies an update and returns the broadcast packet.
func (p *Presence) Set(userID uint32, st Status, typing bool, groupID uint32) RTUSM {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status, p.typing, p.typingGroupID = st, typing, groupID
	return p.packetLocked(userID)
}

// Status returns the current presence.
func (p *Presence) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Packet renders the current presence.
func (p *Presence) Packet(userID uint32) RTUSM {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.packetLocked(userID)
}

func (p *Presence) packetLocked(userID uint32) RTUSM {
	pkt := RTUSM{Cmd: CmdRTUSM, UserID: userID, Status: p.status.String()}
	if p.typingGroupID != 0 {
		typing := p.typing
		pkt.Typing = &typing
		pkt.TypingGroupID = p.typingGroupID
	}
	return pkt
}
