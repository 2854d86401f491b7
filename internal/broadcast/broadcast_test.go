package broadcast

import (
	"testing"

	"github.com/fswatchd/fswatchd/internal/session"
	"github.com/fswatchd/fswatchd/internal/wire"
)

func TestLogToClientsRespectsLevel(t *testing.T) {
	reg := session.NewRegistry()
	quiet := session.New(nil)
	loud := session.New(nil)
	reg.Add(quiet)
	reg.Add(loud)
	reg.SetLogLevel(quiet, session.LogOff)
	reg.SetLogLevel(loud, session.LogDebug)

	b := New(reg, "test")
	b.LogToClients(session.LogDebug, "hello")

	if _, ok := reg.Pop(quiet); ok {
		t.Fatalf("a session with logging off should not receive broadcast log lines")
	}
	v, ok := reg.Pop(loud)
	if !ok {
		t.Fatalf("expected the debug-subscribed session to receive the log line")
	}
	obj, _ := v.AsObject()
	if s, _ := obj.Get("log").AsString(); s != "hello" {
		t.Fatalf("got log payload %q", s)
	}
}

func TestPublishSubscriptionOnlyMatchingSessions(t *testing.T) {
	reg := session.NewRegistry()
	subscribed := session.New(nil)
	other := session.New(nil)
	reg.Add(subscribed)
	reg.Add(other)
	reg.AddSubscription(subscribed, &session.Subscription{Name: "build", Query: wire.Null()})

	b := New(reg, "test")
	var built int
	b.PublishSubscription("build", "c:123:7", func(m SubscriptionMatch) wire.Value {
		built++
		return wire.String("payload")
	})

	if built != 1 {
		t.Fatalf("build func should run exactly once, ran %d times", built)
	}
	if _, ok := reg.Pop(other); ok {
		t.Fatalf("a session without the subscription should not receive a push")
	}
	v, ok := reg.Pop(subscribed)
	if !ok {
		t.Fatalf("expected the subscribed session to receive a push")
	}
	obj, _ := v.AsObject()
	if s, _ := obj.Get("subscription").AsString(); s != "build" {
		t.Fatalf("got subscription name %q", s)
	}
	if s, _ := obj.Get("files").AsString(); s != "payload" {
		t.Fatalf("got files payload %q, want the build func's return value under \"files\"", s)
	}
	if s, _ := obj.Get("clock").AsString(); s != "c:123:7" {
		t.Fatalf("got clock %q, want the clockID passed to PublishSubscription", s)
	}
}
