package itc

import (
	"errors"
	"fmt"
	"testing"

	"microkernel/internal/arch/simarch"
	"microkernel/internal/config"
	"microkernel/internal/errno"
	"microkernel/internal/mem/page"
	"microkernel/internal/thread"
)

type fakeBacking struct {
	pages map[uintptr][]byte
}

func newFakeBacking() *fakeBacking {
	return &fakeBacking{pages: make(map[uintptr][]byte)}
}

func (b *fakeBacking) Bytes(f page.Frame) []byte {
	buf, ok := b.pages[f.Addr()]
	if !ok {
		buf = make([]byte, 4096)
		b.pages[f.Addr()] = buf
	}
	return buf
}

func (b *fakeBacking) AddrOf(s []byte) uintptr { panic("unused") }

func newPair(t *testing.T) (*thread.Registry, *thread.Thread, *thread.Thread, Lookup) {
	reg := thread.NewRegistry(simarch.New(newFakeBacking()), config.FirstTid, 64)
	client, err := reg.NewUser(nil, 0, 0, 0, 0)
	if err != nil {
		t.Fatalf("NewUser: %v", err)
	}
	server, err := reg.NewUser(nil, 0, 0, 0, 0)
	if err != nil {
		t.Fatalf("NewUser: %v", err)
	}
	return reg, client, server, reg.Lookup
}

func results(th *thread.Thread) (uint, [5]uintptr) {
	ctx := th.Context().(*simarch.ContextFrame)
	return ctx.Status(), ctx.Results()
}

func TestCallDepositsRequestIntoWaitingServer(t *testing.T) {
	_, client, server, lookup := newPair(t)
	Receive(server)
	if server.Status() != thread.WaitForRequest {
		t.Fatalf("server status %s", server.Status())
	}

	if err := Call(lookup, client, server.Tid(), 1, 2, 3, 4); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if server.Status() != thread.Runnable {
		t.Fatalf("server not woken: %s", server.Status())
	}
	if client.Status() != thread.WaitForReply {
		t.Fatalf("caller not parked: %s", client.Status())
	}
	status, vals := results(server)
	want := [5]uintptr{client.Tid(), 1, 2, 3, 4}
	if status != 0 || vals != want {
		t.Fatalf("server saw status %d vals %v, want 0 %v", status, vals, want)
	}
}

func TestCallToNonWaitingPeerHoldsOn(t *testing.T) {
	_, client, server, lookup := newPair(t)
	err := Call(lookup, client, server.Tid(), 1, 2, 3, 4)
	if !errors.Is(err, errno.ErrHoldOn) {
		t.Fatalf("expected HOLD_ON, got %v", err)
	}
	if client.Status() != thread.Sleep {
		t.Fatalf("failed call must not change caller state: %s", client.Status())
	}
}

func TestSendToNonWaitingPeerDenied(t *testing.T) {
	_, client, server, lookup := newPair(t)
	err := Send(lookup, client, server.Tid(), 1, 2, 3, 4)
	if !errors.Is(err, errno.ErrDenied) {
		t.Fatalf("expected DENIED, got %v", err)
	}
}

func TestSendCompletesARendezvous(t *testing.T) {
	_, client, server, lookup := newPair(t)
	Receive(server)
	if err := Call(lookup, client, server.Tid(), 9, 9, 9, 9); err != nil {
		t.Fatalf("Call: %v", err)
	}
	// Server replies: client must wake holding the reply tuple.
	if err := Send(lookup, server, client.Tid(), 10, 20, 30, 40); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if client.Status() != thread.Runnable {
		t.Fatalf("client not woken: %s", client.Status())
	}
	status, vals := results(client)
	want := [5]uintptr{server.Tid(), 10, 20, 30, 40}
	if status != 0 || vals != want {
		t.Fatalf("client saw status %d vals %v, want 0 %v", status, vals, want)
	}
}

func TestUnknownPeerIsInvarg(t *testing.T) {
	_, client, _, lookup := newPair(t)
	if err := Send(lookup, client, 9999, 0, 0, 0, 0); !errors.Is(err, errno.ErrInvarg) {
		t.Fatalf("Send to unknown tid: %v", err)
	}
	if err := Call(lookup, client, 9999, 0, 0, 0, 0); !errors.Is(err, errno.ErrInvarg) {
		t.Fatalf("Call to unknown tid: %v", err)
	}
	if err := ReplyRecv(lookup, nil, client, 9999, 0, 0, 0, 0); !errors.Is(err, errno.ErrInvarg) {
		t.Fatalf("ReplyRecv to unknown tid: %v", err)
	}
}

func TestReplyRecvRepliesAndParks(t *testing.T) {
	_, client, server, lookup := newPair(t)
	Receive(server)
	if err := Call(lookup, client, server.Tid(), 1, 1, 1, 1); err != nil {
		t.Fatalf("Call: %v", err)
	}

	if err := ReplyRecv(lookup, nil, server, client.Tid(), 2, 2, 2, 2); err != nil {
		t.Fatalf("ReplyRecv: %v", err)
	}
	if client.Status() != thread.Runnable {
		t.Fatalf("client not woken by reply: %s", client.Status())
	}
	if server.Status() != thread.WaitForRequest {
		t.Fatalf("server not parked for the next request: %s", server.Status())
	}
	_, vals := results(client)
	if vals != [5]uintptr{server.Tid(), 2, 2, 2, 2} {
		t.Fatalf("reply tuple %v", vals)
	}
}

func TestReplyRecvToNonWaitingPeerWarnsNotFails(t *testing.T) {
	_, client, server, lookup := newPair(t)
	var warned string
	warnf := func(format string, args ...interface{}) { warned = fmt.Sprintf(format, args...) }

	if err := ReplyRecv(lookup, warnf, server, client.Tid(), 0, 0, 0, 0); err != nil {
		t.Fatalf("ReplyRecv must not fail on a non-waiting peer: %v", err)
	}
	if warned == "" {
		t.Fatal("expected a warning")
	}
	if server.Status() != thread.WaitForRequest {
		t.Fatalf("server must still park: %s", server.Status())
	}
	if client.Status() != thread.Sleep {
		t.Fatalf("non-waiting peer must be left alone: %s", client.Status())
	}
}

// TestRendezvousLoop is S3 in miniature: a call/reply ping-pong where
// every reply is the request plus one.
func TestRendezvousLoop(t *testing.T) {
	_, client, server, lookup := newPair(t)
	Receive(server)
	for i := uintptr(0); i < 1000; i++ {
		if err := Call(lookup, client, server.Tid(), i, i, i, i); err != nil {
			t.Fatalf("iteration %d: Call: %v", i, err)
		}
		_, req := results(server)
		if err := ReplyRecv(lookup, nil, server, req[0], req[1]+1, req[2]+1, req[3]+1, req[4]+1); err != nil {
			t.Fatalf("iteration %d: ReplyRecv: %v", i, err)
		}
		_, rep := results(client)
		if rep != [5]uintptr{server.Tid(), i + 1, i + 1, i + 1, i + 1} {
			t.Fatalf("iteration %d: reply %v", i, rep)
		}
	}
	_, rep := results(client)
	if rep[1] != 1000 {
		t.Fatalf("final reply %v, want a+1 = 1000", rep)
	}
}
