// Package control
// Author: momentics <momentics@gmail.com>
//
// Process control layer of hioload-chat: configuration loading and
// validation, logger construction, and the Prometheus metrics served on the
// admin router.
//
// Configuration is read once at startup and never mutated afterwards.
package control
