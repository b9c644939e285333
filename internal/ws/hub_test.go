// Courier - Real-Time Messaging Backend with Tone Rewriting
// Copyright 2026 Courier Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/courierchat/courier

package ws

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/courierchat/courier/internal/fanout"
	"github.com/courierchat/courier/internal/presence"
)

type fakePresence struct {
	mu      sync.Mutex
	online  []string
	offline []string
}

func (f *fakePresence) SetOnline(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online = append(f.online, userID)
	return nil
}

func (f *fakePresence) SetOffline(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = append(f.offline, userID)
	return nil
}

func (f *fakePresence) Heartbeat(ctx context.Context, userID string) error { return nil }

func (f *fakePresence) Status(ctx context.Context, userID string) (string, error) {
	return presence.StatusOffline, nil
}

func (f *fakePresence) BulkStatus(ctx context.Context, userIDs []string) (map[string]string, error) {
	return map[string]string{}, nil
}

func (f *fakePresence) onlineCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.online)
}

func (f *fakePresence) offlineCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.offline)
}

func startHub(t *testing.T, pres presence.Store) *Hub {
	t.Helper()
	hub := NewHub(pres)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = hub.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return hub
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition not met within deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func recvFrame(t *testing.T, c *Client) outbound {
	t.Helper()
	select {
	case out := <-c.send:
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received within deadline")
		return outbound{}
	}
}

func TestHubPresenceRefcount(t *testing.T) {
	pres := &fakePresence{}
	hub := startHub(t, pres)

	// Two connections for the same user, e.g. phone and laptop.
	first := NewClient(hub, nil, "alice", Deps{})
	second := NewClient(hub, nil, "alice", Deps{})

	hub.Register <- first
	waitFor(t, func() bool { return pres.onlineCalls() == 1 })

	hub.Register <- second
	waitFor(t, func() bool { return hub.ClientCount() == 2 })
	if pres.onlineCalls() != 1 {
		t.Errorf("online calls = %d, want 1; second device must not re-announce", pres.onlineCalls())
	}

	hub.Unregister <- first
	waitFor(t, func() bool { return hub.ClientCount() == 1 })
	if pres.offlineCalls() != 0 {
		t.Errorf("offline calls = %d, want 0 while a connection remains", pres.offlineCalls())
	}

	hub.Unregister <- second
	waitFor(t, func() bool { return pres.offlineCalls() == 1 })
}

func TestHubDeliversToPersonalChannel(t *testing.T) {
	hub := startHub(t, nil)

	client := NewClient(hub, nil, "alice", Deps{})
	hub.Register <- client
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	payload, _ := json.Marshal(map[string]string{"id": "m1"})
	hub.Deliver(fanout.Envelope{
		Channel: fanout.UserChannel("alice"),
		Event:   fanout.EventNewMessage,
		Payload: payload,
	})

	out := recvFrame(t, client)
	if out.Type != fanout.EventNewMessage {
		t.Errorf("event = %q, want new-message", out.Type)
	}
}

func TestHubJoinLeaveConversation(t *testing.T) {
	hub := startHub(t, nil)

	alice := NewClient(hub, nil, "alice", Deps{})
	bob := NewClient(hub, nil, "bob", Deps{})
	hub.Register <- alice
	hub.Register <- bob
	waitFor(t, func() bool { return hub.ClientCount() == 2 })

	channel := fanout.ConversationChannel("conv-1")
	hub.Join(alice, channel)
	// Joining twice must not produce duplicate deliveries.
	hub.Join(alice, channel)
	hub.Join(bob, channel)

	payload, _ := json.Marshal(map[string]string{"id": "m1"})
	env := fanout.Envelope{Channel: channel, Event: fanout.EventNewMessage, Payload: payload}
	hub.Deliver(env)

	recvFrame(t, alice)
	recvFrame(t, bob)

	select {
	case extra := <-alice.send:
		t.Errorf("duplicate frame after double join: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}

	hub.Leave(alice, channel)
	// Leaving twice is a no-op.
	hub.Leave(alice, channel)

	hub.Deliver(env)
	recvFrame(t, bob)

	select {
	case extra := <-alice.send:
		t.Errorf("frame delivered after leave: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubDeliverExcludesUser(t *testing.T) {
	hub := startHub(t, nil)

	alice := NewClient(hub, nil, "alice", Deps{})
	bob := NewClient(hub, nil, "bob", Deps{})
	hub.Register <- alice
	hub.Register <- bob
	waitFor(t, func() bool { return hub.ClientCount() == 2 })

	channel := fanout.ConversationChannel("conv-1")
	hub.Join(alice, channel)
	hub.Join(bob, channel)

	payload, _ := json.Marshal(map[string]any{"isTyping": true})
	hub.Deliver(fanout.Envelope{
		Channel:     channel,
		Event:       fanout.EventUserTyping,
		Payload:     payload,
		ExcludeUser: "alice",
	})

	out := recvFrame(t, bob)
	if out.Type != fanout.EventUserTyping {
		t.Errorf("event = %q, want user-typing", out.Type)
	}

	select {
	case extra := <-alice.send:
		t.Errorf("typing indicator echoed to sender: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubDeliverUnknownChannelIsNoop(t *testing.T) {
	hub := startHub(t, nil)

	client := NewClient(hub, nil, "alice", Deps{})
	hub.Register <- client
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	hub.Deliver(fanout.Envelope{Channel: "conversation:ghost", Event: fanout.EventNewMessage})

	select {
	case extra := <-client.send:
		t.Errorf("unexpected frame: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}
