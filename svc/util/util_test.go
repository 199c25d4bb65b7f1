package util

import (
	"context"
	"testing"
)

func TestRedactIP(t *testing.T) {
	cases := map[string]string{
		"203.0.113.77":        "203.0.113.0",
		"203.0.113.77:51234":  "203.0.113.0",
		"2001:db8:abcd::1":    "2001:db8::",
		"[2001:db8:1::5]:443": "2001:db8::",
	}
	for in, want := range cases {
		if got := RedactIP(in); got != want {
			t.Errorf("RedactIP(%q) = %q, want %q", in, got, want)
		}
	}
	if got := RedactIP("not-an-ip"); len(got) != len("hash:")+16 {
		t.Errorf("unexpected hash form %q", got)
	}
}

func TestRedactSecret(t *testing.T) {
	got := RedactSecret("user=bob&password=hunter2 key=abc")
	want := "user=bob&password=[REDACTED] key=[REDACTED]"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRequestID(t *testing.T) {
	if GetRequestID(context.Background()) != "" {
		t.Error("expected empty id outside a request")
	}
	id := NewRequestID()
	if !ValidRequestID(id) {
		t.Errorf("generated id %q rejected", id)
	}
	if ValidRequestID("<script>") {
		t.Error("accepted non-uuid request id")
	}
	ctx := SetRequestID(context.Background(), id)
	if GetRequestID(ctx) != id {
		t.Error("request id not round-tripped through context")
	}
}
