// File: server/event.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import "github.com/momentics/hioload-chat/reactor"

// event is the registration data for every socket the server watches. Timer
// registrations carry their *timer.Timer instead.
type event struct {
	fd      int
	onRead  func(w *worker, ev *event) reactor.Status
	onClose func(w *worker, ev *event)
	client  *client
}
