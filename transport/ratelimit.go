// File: transport/ratelimit.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Two-level token-bucket accept limiter: one global bucket plus one bucket
// per remote IP. Idle IP buckets are pruned lazily on the accept path.

package transport

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Rejection reasons reported to the observer.
const (
	RejectGlobal = "global"
	RejectPerIP  = "per_ip"
)

// LimiterConfig sizes the buckets. Zero rates disable the corresponding level.
type LimiterConfig struct {
	GlobalRate  float64
	GlobalBurst int
	IPRate      float64
	IPBurst     int
	IPTTL       time.Duration
}

type ipEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

// Limiter gates accepted connections.
type Limiter struct {
	cfg    LimiterConfig
	global *rate.Limiter

	mu        sync.Mutex
	ips       map[string]*ipEntry
	lastPrune time.Time

	onReject func(reason string)
	log      zerolog.Logger
	now      func() time.Time
}

// NewLimiter builds a limiter; onReject may be nil.
func NewLimiter(cfg LimiterConfig, onReject func(string), log zerolog.Logger) *Limiter {
	if cfg.IPTTL <= 0 {
		cfg.IPTTL = 5 * time.Minute
	}
	l := &Limiter{
		cfg:      cfg,
		ips:      make(map[string]*ipEntry),
		onReject: onReject,
		log:      log.With().Str("component", "accept_limiter").Logger(),
		now:      time.Now,
	}
	if cfg.GlobalRate > 0 {
		l.global = rate.NewLimiter(rate.Limit(cfg.GlobalRate), max(cfg.GlobalBurst, 1))
	}
	return l
}

// Allow reports whether a connection from ip may proceed.
func (l *Limiter) Allow(ip string) bool {
	if l == nil {
		return true
	}
	if l.global != nil && !l.global.Allow() {
		l.reject(RejectGlobal, ip)
		return false
	}
	if l.cfg.IPRate <= 0 {
		return true
	}
	if !l.ipLimiter(ip).Allow() {
		l.reject(RejectPerIP, ip)
		return false
	}
	return true
}

// Tracked returns the number of IP buckets held.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ips)
}

func (l *Limiter) ipLimiter(ip string) *rate.Limiter {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastPrune) > l.cfg.IPTTL {
		l.pruneLocked(now)
	}
	e, ok := l.ips[ip]
	if !ok {
		e = &ipEntry{lim: rate.NewLimiter(rate.Limit(l.cfg.IPRate), max(l.cfg.IPBurst, 1))}
		l.ips[ip] = e
	}
	e.seen = now
	return e.lim
}

func (l *Limiter) pruneLocked(now time.Time) {
	removed := 0
	for ip, e := range l.ips {
		if now.Sub(e.seen) > l.cfg.IPTTL {
			delete(l.ips, ip)
			removed++
		}
	}
	l.lastPrune = now
	if removed > 0 {
		l.log.Debug().Int("removed", removed).Int("remaining", len(l.ips)).Msg("pruned idle ip buckets")
	}
}

func (l *Limiter) reject(reason, ip string) {
	l.log.Debug().Str("ip", ip).Str("reason", reason).Msg("connection rejected")
	if l.onReject != nil {
		l.onReject(reason)
	}
}
