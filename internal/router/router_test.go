package router

import (
	"log"
	"os"
	"testing"

	"github.com/google/uuid"

	"polygon-proxy/internal/routersub"
)

type fakeSender struct {
	full bool
	got  [][]byte
}

func (f *fakeSender) TrySend(msg []byte) bool {
	if f.full {
		return false
	}
	f.got = append(f.got, msg)
	return true
}

func testLogger() *log.Logger {
	return log.New(os.Stderr, "[test] ", 0)
}

func TestRouteMessageDeliversToSubscribedClient(t *testing.T) {
	subs := routersub.New()
	client := uuid.NewString()
	subs.AddSubscription(client, "T.AAPL")

	r := New(subs, testLogger())
	sender := &fakeSender{}
	r.Register(client, sender)

	r.RouteMessage([]byte(`[{"ev":"T","sym":"AAPL","p":150}]`))

	if len(sender.got) != 1 {
		t.Fatalf("got %d deliveries, want 1", len(sender.got))
	}
}

func TestRouteMessageSkipsUnsubscribedClient(t *testing.T) {
	subs := routersub.New()
	client := uuid.NewString()
	subs.AddSubscription(client, "T.AAPL")

	r := New(subs, testLogger())
	sender := &fakeSender{}
	r.Register(client, sender)

	r.RouteMessage([]byte(`[{"ev":"T","sym":"MSFT","p":300}]`))

	if len(sender.got) != 0 {
		t.Fatalf("got %d deliveries, want 0", len(sender.got))
	}
}

func TestRouteMessageDeregisteredClientDropped(t *testing.T) {
	subs := routersub.New()
	client := uuid.NewString()
	subs.AddSubscription(client, "*")

	r := New(subs, testLogger())
	sender := &fakeSender{}
	r.Register(client, sender)
	r.Deregister(client)

	r.RouteMessage([]byte(`[{"ev":"T","sym":"AAPL","p":150}]`))

	if len(sender.got) != 0 {
		t.Fatalf("expected no deliveries after deregister, got %d", len(sender.got))
	}
}

func TestRouteMessageFullQueueDoesNotPanic(t *testing.T) {
	subs := routersub.New()
	client := uuid.NewString()
	subs.AddSubscription(client, "*")

	r := New(subs, testLogger())
	sender := &fakeSender{full: true}
	r.Register(client, sender)

	r.RouteMessage([]byte(`[{"ev":"T","sym":"AAPL","p":150}]`))
}
