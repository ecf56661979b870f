package transport

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLimiterPerIP(t *testing.T) {
	var rejected []string
	l := NewLimiter(LimiterConfig{IPRate: 0.001, IPBurst: 2}, func(r string) { rejected = append(rejected, r) }, zerolog.Nop())

	if !l.Allow("10.0.0.1") || !l.Allow("10.0.0.1") {
		t.Fatal("burst should admit two connections")
	}
	if l.Allow("10.0.0.1") {
		t.Error("third connection admitted")
	}
	if !l.Allow("10.0.0.2") {
		t.Error("other ip throttled")
	}
	if len(rejected) != 1 || rejected[0] != RejectPerIP {
		t.Errorf("rejections = %v", rejected)
	}
}

func TestLimiterGlobal(t *testing.T) {
	l := NewLimiter(LimiterConfig{GlobalRate: 0.001, GlobalBurst: 1}, nil, zerolog.Nop())
	if !l.Allow("a") || l.Allow("b") {
		t.Error("global bucket not enforced")
	}
}

func TestLimiterPrunesIdle(t *testing.T) {
	now := time.Unix(1000, 0)
	l := NewLimiter(LimiterConfig{IPRate: 1, IPBurst: 1, IPTTL: time.Minute}, nil, zerolog.Nop())
	l.now = func() time.Time { return now }
	l.Allow("a")
	l.Allow("b")
	now = now.Add(2 * time.Minute)
	l.Allow("c")
	if n := l.Tracked(); n != 1 {
		t.Errorf("tracked = %d, want 1", n)
	}
}

func TestNilLimiterAllows(t *testing.T) {
	var l *Limiter
	if !l.Allow("x") {
		t.Error("nil limiter refused")
	}
}
