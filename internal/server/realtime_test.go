package server

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/forumsync/internal/forum"
)

func TestRealtimeDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, forum.CollectionPosts)
	defer cleanup()

	dispatcher.Publish(RealtimeMessage{Collection: forum.CollectionPosts, Timestamp: time.Now().UTC()})

	select {
	case received := <-stream:
		if received.Collection != forum.CollectionPosts {
			t.Fatalf("expected posts, got %s", received.Collection)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message within deadline")
	}
}

func TestRealtimeDispatcherIsolatedByCollection(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	postStream, cleanup := dispatcher.Subscribe(ctx, forum.CollectionPosts)
	defer cleanup()
	chatStream, chatCleanup := dispatcher.Subscribe(ctx, forum.CollectionChat)
	defer chatCleanup()

	dispatcher.Publish(RealtimeMessage{Collection: forum.CollectionChat, Timestamp: time.Now().UTC()})

	select {
	case <-postStream:
		t.Fatal("did not expect a message for an unrelated collection")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case msg := <-chatStream:
		if msg.Collection != forum.CollectionChat {
			t.Fatalf("expected chat, received %s", msg.Collection)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message for subscribed collection")
	}
}

func TestRealtimeDispatcherDropsWhenFullAndUnsubscribes(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	stream, _ := dispatcher.Subscribe(ctx, forum.CollectionUsers)
	for range defaultRealtimeBuffer + 5 {
		dispatcher.Publish(RealtimeMessage{Collection: forum.CollectionUsers})
	}
	if len(stream) != defaultRealtimeBuffer {
		t.Fatalf("expected a full buffer of %d, got %d", defaultRealtimeBuffer, len(stream))
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for dispatcher.SubscriberCount(forum.CollectionUsers) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber was not removed after cancel")
		}
		time.Sleep(10 * time.Millisecond)
	}

	closed, _ := dispatcher.Subscribe(context.Background(), "bogus")
	if _, ok := <-closed; ok {
		t.Fatal("expected a closed stream for an unknown collection")
	}
}
