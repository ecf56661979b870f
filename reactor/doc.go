// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor multiplexes readiness of sockets and timers onto a single
// one-shot epoll set shared by every worker. An event is delivered to exactly
// one waiter and stays disarmed until that waiter rearms it.
package reactor
