// File: protocol/state.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Per-connection state bits.

package protocol

import "strings"

// State is the connection state bitmask.
type State uint16

const (
	StateShortLived     State = 0
	StateUpgradePending State = 1 << 0
	StateWebSocket      State = 1 << 1
	StateKeepAlive      State = 1 << 2
)

// Has reports whether every bit of f is set.
func (s State) Has(f State) bool {
	return f != 0 && s&f == f
}

// Persistent reports whether the connection outlives the current response.
func (s State) Persistent() bool {
	return s&(StateKeepAlive|StateWebSocket|StateUpgradePending) != 0
}

func (s State) String() string {
	if s == StateShortLived {
		return "short-lived"
	}
	var parts []string
	if s.Has(StateUpgradePending) {
		parts = append(parts, "upgrade-pending")
	}
	if s.Has(StateWebSocket) {
		parts = append(parts, "websocket")
	}
	if s.Has(StateKeepAlive) {
		parts = append(parts, "keep-alive")
	}
	return strings.Join(parts, "|")
}
