package lim

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"
)

type fakeWindow struct {
	usage int
	err   error
}

func (f *fakeWindow) CountWindow(ctx context.Context, key string, limit int, window time.Duration) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.usage++
	return f.usage, nil
}

func newLimiter(t *testing.T, rpm, burst int, global WindowCounter) *Limiter {
	t.Helper()
	ps, err := ParseProxies(nil)
	if err != nil {
		t.Fatal(err)
	}
	l := New(rpm, burst, 1, global, ps)
	t.Cleanup(l.Stop)
	return l
}

func TestPerIPBurst(t *testing.T) {
	l := newLimiter(t, 60, 3, nil)
	req := httptest.NewRequest("POST", "/pastes", nil)
	req.RemoteAddr = "198.51.100.7:4000"
	for i := 0; i < 3; i++ {
		if res := l.Check(req, "create"); !res.Allowed {
			t.Fatalf("request %d rejected inside burst", i)
		}
	}
	if res := l.Check(req, "create"); res.Allowed {
		t.Error("request beyond burst allowed")
	}

	other := httptest.NewRequest("POST", "/pastes", nil)
	other.RemoteAddr = "198.51.100.8:4000"
	if res := l.Check(other, "create"); !res.Allowed {
		t.Error("separate client shares a bucket")
	}
}

func TestAdaptiveModeHalvesBurst(t *testing.T) {
	l := newLimiter(t, 60, 4, nil)
	l.TriggerAdaptiveMode()
	req := httptest.NewRequest("GET", "/pastes/x", nil)
	req.RemoteAddr = "198.51.100.9:1"
	allowed := 0
	for i := 0; i < 4; i++ {
		if l.Check(req, "get").Allowed {
			allowed++
		}
	}
	if allowed != 2 {
		t.Errorf("expected 2 allowed in adaptive mode, got %d", allowed)
	}
}

func TestGlobalWindow(t *testing.T) {
	w := &fakeWindow{usage: 1000}
	l := newLimiter(t, 1, 5, w)
	req := httptest.NewRequest("GET", "/pastes/x", nil)
	req.RemoteAddr = "198.51.100.10:1"
	if l.Check(req, "get").Allowed {
		t.Error("request allowed past the shared window")
	}
}

func TestGlobalWindowUnavailable(t *testing.T) {
	w := &fakeWindow{err: errors.New("redis down")}
	l := newLimiter(t, 60, 5, w)
	req := httptest.NewRequest("GET", "/pastes/x", nil)
	req.RemoteAddr = "198.51.100.11:1"
	if !l.Check(req, "get").Allowed {
		t.Fatal("first request rejected on fallback")
	}
	if l.Check(req, "get").Allowed {
		t.Error("conservative fallback allowed a second request")
	}
}

func TestClientIP(t *testing.T) {
	ps, err := ParseProxies([]string{"10.0.0.0/8", "192.0.2.1"})
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		name   string
		remote string
		xff    string
		want   string
	}{
		{"untrusted peer ignores header", "203.0.113.5:1", "1.2.3.4", "203.0.113.5"},
		{"trusted peer", "10.1.1.1:1", "1.2.3.4", "1.2.3.4"},
		{"skips trusted hops", "192.0.2.1:1", "1.2.3.4, 10.0.0.2", "1.2.3.4"},
		{"rightmost untrusted wins", "10.1.1.1:1", "6.6.6.6, 1.2.3.4", "1.2.3.4"},
		{"garbage hops skipped", "10.1.1.1:1", "1.2.3.4, nonsense", "1.2.3.4"},
		{"all trusted", "10.1.1.1:1", "10.0.0.3", "10.1.1.1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tc.remote
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if got := ps.ClientIP(req); got != tc.want {
				t.Errorf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestParseProxiesRejectsGarbage(t *testing.T) {
	if _, err := ParseProxies([]string{"not-an-ip"}); err == nil {
		t.Error("expected error")
	}
	if _, err := ParseProxies([]string{"10.0.0.0/99"}); err == nil {
		t.Error("expected error for bad CIDR")
	}
}

func TestAnomalyTriggers(t *testing.T) {
	fired := false
	d := NewAnomalyDetector(func() { fired = true })
	for i := 0; i < 20; i++ {
		d.RecordRequest()
	}
	for i := 0; i < 5; i++ {
		d.RecordError()
	}
	d.Advance()
	if !fired {
		t.Error("expected anomaly callback at 25% error rate")
	}
}
